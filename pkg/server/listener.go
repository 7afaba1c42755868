// Package server implements the Sentinel's worker-facing control-plane
// listener: it accepts one net.Conn per worker, services its IDENTIFY/
// HEARTBEAT/CONCLUDE/ERR frames against a *broker.Broker, and implements
// broker.Dispatcher by writing DISPATCH frames back to the connection that
// announced the winning worker identity.
//
// Grounded on the bridge host's accept-then-stream shape (pkg/bridge),
// adapted from a one-shot unix-socket accept into a long-lived TCP listener
// serving many concurrent worker connections, one goroutine per connection.
package server

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/casparianflow/sentinel/pkg/broker"
	"github.com/casparianflow/sentinel/pkg/casperr"
	"github.com/casparianflow/sentinel/pkg/log"
	"github.com/casparianflow/sentinel/pkg/protocol"
	"github.com/casparianflow/sentinel/pkg/storage"
	"github.com/casparianflow/sentinel/pkg/types"
)

// workerConn is one connected worker's socket plus a write lock: reads
// happen only on that connection's own goroutine, but writes (DISPATCH from
// the dispatch loop, and nothing else) must not interleave with each other.
type workerConn struct {
	identity string
	conn     net.Conn
	writeMu  sync.Mutex
}

// Listener accepts worker connections and bridges them to a Broker. It
// implements broker.Dispatcher.
type Listener struct {
	addr  string
	store storage.Store
	logger zerolog.Logger

	// br is set via SetBroker after both the Listener and the Broker are
	// constructed, since Broker.New requires a Dispatcher up front and this
	// Listener is that Dispatcher - see cmd/sentinel's wiring order.
	br atomic.Pointer[broker.Broker]

	mu       sync.Mutex
	conns    map[string]*workerConn // worker identity -> connection
	wireJobs map[uint64]string      // wire-protocol job id -> types.ProcessingJob.ID
	nextWire uint64

	ln net.Listener
}

// New returns a Listener that will accept on addr once Serve is called.
// Call SetBroker before Serve; Dispatch and the frame handlers are no-ops
// (and log an error) until a broker is attached.
func New(addr string, store storage.Store) *Listener {
	return &Listener{
		addr:     addr,
		store:    store,
		logger:   log.WithComponent("server"),
		conns:    make(map[string]*workerConn),
		wireJobs: make(map[uint64]string),
	}
}

// SetBroker attaches the Broker this Listener feeds frames into and
// dispatches on behalf of.
func (l *Listener) SetBroker(br *broker.Broker) {
	l.br.Store(br)
}

// Serve listens on l.addr and accepts worker connections until ctx is
// canceled. Each connection is serviced on its own goroutine.
func (l *Listener) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return casperr.Wrap(casperr.KindWire, false, err, "listening on "+l.addr)
	}
	l.ln = ln
	l.logger.Info().Str("addr", l.addr).Msg("listening for worker connections")

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				l.logger.Error().Err(err).Msg("accept failed")
				return casperr.Wrap(casperr.KindWire, false, err, "accepting worker connection")
			}
		}
		go l.handleConn(conn)
	}
}

// handleConn services one worker connection from its opening IDENTIFY frame
// until the connection closes or a malformed frame is received.
func (l *Listener) handleConn(conn net.Conn) {
	defer conn.Close()

	msg, err := protocol.ReadMessage(conn)
	if err != nil {
		l.logger.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("connection closed before identify")
		return
	}
	if msg.Header.Op != protocol.OpIdentify {
		l.logger.Warn().Str("op", msg.Header.Op.String()).Msg("first frame was not identify")
		return
	}
	var identify protocol.IdentifyPayload
	if err := msg.Decode(&identify); err != nil {
		l.logger.Warn().Err(err).Msg("malformed identify payload")
		return
	}

	identity := identify.WorkerID
	if identity == "" {
		identity = conn.RemoteAddr().String()
	}
	logger := log.WithWorkerID(identity)

	wc := &workerConn{identity: identity, conn: conn}
	l.mu.Lock()
	l.conns[identity] = wc
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.conns, identity)
		l.mu.Unlock()
	}()

	caps := make(map[string]bool, len(identify.Capabilities))
	for _, c := range identify.Capabilities {
		caps[c] = true
	}

	br := l.br.Load()
	if br == nil {
		logger.Error().Msg("no broker attached to listener; dropping connection")
		return
	}
	br.Identify(identity, caps)
	logger.Info().Strs("capabilities", identify.Capabilities).Msg("worker identified")
	defer br.Disconnect(identity)

	for {
		msg, err := protocol.ReadMessage(conn)
		if err != nil {
			logger.Warn().Err(err).Msg("worker connection lost")
			return
		}
		l.handleFrame(br, logger, identity, msg)
	}
}

func (l *Listener) handleFrame(br *broker.Broker, logger zerolog.Logger, identity string, msg *protocol.Message) {
	switch msg.Header.Op {
	case protocol.OpHeartbeat:
		br.Heartbeat(identity)

	case protocol.OpConclude:
		var receipt protocol.JobReceipt
		if err := msg.Decode(&receipt); err != nil {
			logger.Warn().Err(err).Msg("malformed conclude payload")
			return
		}
		jobID, ok := l.popWireJob(msg.Header.JobID)
		if !ok {
			logger.Warn().Uint64("wire_job_id", msg.Header.JobID).Msg("conclude for unknown job")
			return
		}
		if receipt.Status == "SUCCESS" {
			if err := br.Complete(jobID, summarize(receipt)); err != nil {
				logger.Error().Err(err).Str("job_id", jobID).Msg("completing job failed")
			}
		} else {
			// A worker-reported FAILED receipt means the plugin actually ran
			// and raised; re-running it unchanged would fail the same way,
			// so this is not retryable (unlike a dispatch or transport
			// failure, which is).
			if err := br.Fail(jobID, receipt.ErrorMessage, false); err != nil {
				logger.Error().Err(err).Str("job_id", jobID).Msg("failing job failed")
			}
		}
		br.Conclude(identity)

	case protocol.OpErr:
		var errPayload protocol.ErrorPayload
		_ = msg.Decode(&errPayload)
		logger.Warn().Str("message", errPayload.Message).Msg("worker reported error")
		if msg.Header.JobID != 0 {
			if jobID, ok := l.popWireJob(msg.Header.JobID); ok {
				_ = br.Fail(jobID, errPayload.Message, false)
				br.Conclude(identity)
			}
		}

	case protocol.OpEnvReady:
		var ready protocol.EnvReadyPayload
		_ = msg.Decode(&ready)
		logger.Debug().Str("env_hash", ready.EnvHash).Bool("cache_hit", ready.CacheHit).Msg("worker environment ready")

	default:
		logger.Warn().Str("op", msg.Header.Op.String()).Msg("unexpected frame from worker")
	}
}

func summarize(receipt protocol.JobReceipt) string {
	if len(receipt.Artifacts) == 0 {
		return "no artifacts produced"
	}
	return fmt.Sprintf("%d artifact(s) written", len(receipt.Artifacts))
}

// Dispatch implements broker.Dispatcher: it resolves job's plugin manifest
// and sink configuration, assigns the job a fresh wire-protocol id, and
// writes a DISPATCH frame to workerIdentity's connection.
func (l *Listener) Dispatch(workerIdentity string, job *types.ProcessingJob) error {
	l.mu.Lock()
	wc, ok := l.conns[workerIdentity]
	l.mu.Unlock()
	if !ok {
		return casperr.New(casperr.KindCoordination, true, "worker not connected: "+workerIdentity)
	}

	payload, err := l.buildDispatchPayload(job)
	if err != nil {
		return err
	}

	wireID := atomic.AddUint64(&l.nextWire, 1)
	l.mu.Lock()
	l.wireJobs[wireID] = job.ID
	l.mu.Unlock()

	wc.writeMu.Lock()
	defer wc.writeMu.Unlock()
	if err := protocol.WriteMessage(wc.conn, protocol.OpDispatch, wireID, payload); err != nil {
		return casperr.Wrap(casperr.KindWire, true, err, "writing dispatch to "+workerIdentity)
	}
	return nil
}

func (l *Listener) popWireJob(wireID uint64) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	jobID, ok := l.wireJobs[wireID]
	delete(l.wireJobs, wireID)
	return jobID, ok
}

// buildDispatchPayload assembles a DispatchPayload from job's active
// manifest, its projected sink configuration, and the absolute path its
// file version resolves to.
func (l *Listener) buildDispatchPayload(job *types.ProcessingJob) (protocol.DispatchPayload, error) {
	manifest, err := l.store.GetActiveManifestByPluginName(job.PluginName)
	if err != nil {
		return protocol.DispatchPayload{}, casperr.Wrap(casperr.KindCoordination, false, err, "loading active manifest for "+job.PluginName)
	}
	if manifest == nil {
		return protocol.DispatchPayload{}, casperr.New(casperr.KindCoordination, false, "no active manifest for plugin "+job.PluginName)
	}

	topics, err := l.store.ListTopicConfigsByPluginName(job.PluginName)
	if err != nil {
		return protocol.DispatchPayload{}, casperr.Wrap(casperr.KindCoordination, false, err, "loading topic configs for "+job.PluginName)
	}
	sinks := make([]protocol.SinkConfig, len(topics))
	for i, t := range topics {
		sinks[i] = protocol.SinkConfig{Topic: t.Topic, URI: t.SinkURI, Mode: t.Mode}
	}

	filePath, err := l.resolveFilePath(job.FileVersionID)
	if err != nil {
		return protocol.DispatchPayload{}, err
	}

	return protocol.DispatchPayload{
		PluginName:    job.PluginName,
		FilePath:      filePath,
		FileVersionID: job.FileVersionID,
		Sinks:         sinks,
		EnvHash:       manifest.EnvHash,
		ArtifactHash:  manifest.ArtifactHash,
		SourceCode:    string(manifest.SourceCode),
	}, nil
}

func (l *Listener) resolveFilePath(fileVersionID string) (string, error) {
	version, err := l.store.GetFileVersion(fileVersionID)
	if err != nil {
		return "", casperr.Wrap(casperr.KindCoordination, false, err, "loading file version "+fileVersionID)
	}
	loc, err := l.store.GetFileLocation(version.LocationID)
	if err != nil {
		return "", casperr.Wrap(casperr.KindCoordination, false, err, "loading file location "+version.LocationID)
	}
	root, err := l.store.GetSourceRoot(loc.RootID)
	if err != nil {
		return "", casperr.Wrap(casperr.KindCoordination, false, err, "loading source root "+loc.RootID)
	}
	return filepath.Join(root.Path, loc.RelativePath), nil
}
