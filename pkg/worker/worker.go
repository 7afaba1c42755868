// Package worker implements the worker-side control-plane client: it
// dials the Sentinel, identifies its plugin capabilities, and for each
// DISPATCH handles one job at a time by invoking the host/guest bridge
// and reporting the outcome back over HEARTBEAT/CONCLUDE.
//
// Grounded on the generalist worker's connect-identify-loop shape
// (connect once, announce capabilities, then service one job at a time
// inside a poll loop), adapted from its ZeroMQ DEALER socket onto a
// plain net.Conn carrying the fixed-header control protocol, and on the
// scheduler's ticker-driven Start/Stop loop for the heartbeat goroutine.
package worker

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/casparianflow/sentinel/pkg/bridge"
	"github.com/casparianflow/sentinel/pkg/casperr"
	"github.com/casparianflow/sentinel/pkg/environment"
	"github.com/casparianflow/sentinel/pkg/health"
	"github.com/casparianflow/sentinel/pkg/log"
	"github.com/casparianflow/sentinel/pkg/protocol"
)

const heartbeatInterval = 10 * time.Second

// Executor runs a job's plugin in an isolated guest and streams its
// output through sink. Satisfied by *bridge.Host; narrowed to an
// interface here so tests can substitute a fake.
type Executor interface {
	Execute(ctx context.Context, spec bridge.Spec, sink bridge.Sink) (*bridge.Receipt, error)
}

// Config configures a Client.
type Config struct {
	SentinelAddr string
	Identity     string
	Capabilities []string
	Executor     Executor
	EnvManager   *environment.Manager // optional; nil means every job runs under a bare "python3"

	// HealthAddr, if set, is the Sentinel's metrics/health HTTP address
	// (e.g. "127.0.0.1:9090"). When present, Connect waits for GET
	// /ready on this address to succeed (health.Monitor.WaitHealthy, with
	// HealthCheck's timings) before dialing the control port, instead of the bare
	// TCP reachability check Ping performs.
	HealthAddr  string
	HealthCheck health.Config // zero value means health.DefaultConfig()
}

// Client is one worker's connection to the Sentinel.
type Client struct {
	addr         string
	identity     string
	capabilities []string
	executor     Executor
	envManager   *environment.Manager
	logger       zerolog.Logger

	healthAddr    string
	healthConfig  health.Config
	healthMonitor *health.Monitor

	conn   net.Conn
	out    io.Writer  // writes route through here; defaults to conn, swappable in tests
	connMu sync.Mutex // guards writes to out; reads happen only on the run loop

	mu           sync.Mutex
	currentJobID uint64
	busy         bool
	activeEnvs   map[string]int // env_hash -> number of in-flight jobs using it

	stopCh chan struct{}
	doneCh chan struct{}
}

// New returns a Client ready to Connect.
func New(cfg Config) *Client {
	c := &Client{
		addr:         cfg.SentinelAddr,
		identity:     cfg.Identity,
		capabilities: cfg.Capabilities,
		executor:     cfg.Executor,
		envManager:   cfg.EnvManager,
		logger:       log.WithWorkerID(cfg.Identity),
		healthAddr:   cfg.HealthAddr,
		healthConfig: cfg.HealthCheck,
		activeEnvs:   make(map[string]int),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	if c.envManager != nil {
		c.envManager.SetEvictionGuard(c.envInUse)
	}
	return c
}

// envInUse reports whether envHash is the interpreter for a job this
// worker currently has in flight, satisfying the manager's invariant that
// an environment referenced by a RUNNING job is never evicted.
func (c *Client) envInUse(envHash string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeEnvs[envHash] > 0
}

func (c *Client) acquireEnv(envHash string) {
	if envHash == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeEnvs[envHash]++
}

func (c *Client) releaseEnv(envHash string) {
	if envHash == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activeEnvs[envHash]--
	if c.activeEnvs[envHash] <= 0 {
		delete(c.activeEnvs, envHash)
	}
}

// Ping checks that the Sentinel's control port is accepting TCP connections,
// without performing the IDENTIFY handshake. Intended as a cheap preflight
// operators can run (e.g. a "worker check" subcommand) to tell "Sentinel is
// down" apart from a misconfigured identify payload.
func (c *Client) Ping(ctx context.Context) health.Result {
	checker := health.NewTCPChecker(c.addr).WithTimeout(5 * time.Second)
	return checker.Check(ctx)
}

// Connect dials the Sentinel, sends IDENTIFY, and starts the read loop
// and heartbeat loop in the background. Run blocks until Stop is called
// or the connection is lost; callers typically invoke it in a goroutine.
func (c *Client) Connect(ctx context.Context) error {
	if c.healthAddr != "" {
		checker := health.NewHTTPChecker(fmt.Sprintf("http://%s/ready", c.healthAddr))
		c.healthMonitor = health.NewMonitor(checker, c.healthConfig)
		if err := c.healthMonitor.WaitHealthy(ctx); err != nil {
			return casperr.Wrap(casperr.KindWire, true, err, "sentinel never became ready at "+c.healthAddr)
		}
	} else if result := c.Ping(ctx); !result.Healthy {
		return casperr.New(casperr.KindWire, true, "sentinel unreachable at "+c.addr+": "+result.Message)
	}

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return casperr.Wrap(casperr.KindWire, true, err, "dialing sentinel at "+c.addr)
	}
	c.conn = conn
	c.out = conn

	if err := c.send(protocol.OpIdentify, 0, protocol.IdentifyPayload{
		Capabilities: c.capabilities,
		WorkerID:     c.identity,
	}); err != nil {
		conn.Close()
		return err
	}
	c.logger.Info().Strs("capabilities", c.capabilities).Msg("identified to sentinel")
	return nil
}

// Run services DISPATCH/ABORT messages until Stop is called or the
// connection closes. It is meant to be run in its own goroutine.
func (c *Client) Run() {
	go c.heartbeatLoop()
	if c.healthMonitor != nil {
		c.healthMonitor.Start(context.Background(), c.onHealthTransition)
	}
	defer close(c.doneCh)

	for {
		msg, err := protocol.ReadMessage(c.conn)
		if err != nil {
			select {
			case <-c.stopCh:
				return
			default:
			}
			c.logger.Error().Err(err).Msg("sentinel connection lost")
			return
		}

		switch msg.Header.Op {
		case protocol.OpDispatch:
			go c.handleDispatch(msg)
		case protocol.OpAbort:
			// Best-effort: the bridge's own per-job timeout bounds worst
			// case runtime; there is no live handle to cancel here since
			// Execute owns its own context per dispatch.
			c.logger.Warn().Uint64("job_id", msg.Header.JobID).Msg("received abort for job")
		default:
			c.logger.Warn().Str("op", msg.Header.Op.String()).Msg("unexpected message from sentinel")
		}
	}
}

// Stop closes the connection and waits for Run to return.
func (c *Client) Stop() {
	close(c.stopCh)
	if c.healthMonitor != nil {
		c.healthMonitor.Stop()
	}
	if c.conn != nil {
		c.conn.Close()
	}
	<-c.doneCh
}

// onHealthTransition logs a debounced readiness change in the Sentinel this
// worker depends on. It does not tear down the control connection itself;
// the read loop in Run already detects a dead connection on its own.
func (c *Client) onHealthTransition(healthy bool, result health.Result) {
	if healthy {
		c.logger.Info().Msg("sentinel reports ready again")
		return
	}
	c.logger.Warn().Str("message", result.Message).Msg("sentinel reports not ready")
}

func (c *Client) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sendHeartbeat()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Client) sendHeartbeat() {
	c.mu.Lock()
	status, jobID := "IDLE", ""
	if c.busy {
		status = "BUSY"
		jobID = fmt.Sprintf("%d", c.currentJobID)
	}
	c.mu.Unlock()

	if err := c.send(protocol.OpHeartbeat, 0, protocol.HeartbeatPayload{
		Status:       status,
		CurrentJobID: jobID,
	}); err != nil {
		c.logger.Error().Err(err).Msg("heartbeat send failed")
	}
}

// handleDispatch runs one job end-to-end: resolve its interpreter, stream
// its output into file sinks, and report SUCCESS or FAILED via CONCLUDE.
// Output is buffered in memory per sink and only written to its
// destination on a successful receipt, so a failed job leaves no partial
// artifact behind.
func (c *Client) handleDispatch(msg *protocol.Message) {
	var payload protocol.DispatchPayload
	if err := msg.Decode(&payload); err != nil {
		c.sendErr(msg.Header.JobID, "malformed dispatch payload: "+err.Error())
		return
	}

	jobID := msg.Header.JobID
	c.setBusy(jobID)
	defer c.setIdle()

	logger := log.WithJobID(fmt.Sprintf("%d", jobID))
	logger.Info().Str("plugin", payload.PluginName).Str("file_path", payload.FilePath).Msg("job dispatched")

	sinks := make([]*fileSink, len(payload.Sinks))
	for i, cfg := range payload.Sinks {
		sinks[i] = newFileSink(cfg.URI, cfg.Mode)
	}

	interpreterPath := "python3"
	if payload.EnvHash != "" && c.envManager != nil {
		interpreterPath = c.envManager.InterpreterPath(payload.EnvHash)
		c.acquireEnv(payload.EnvHash)
		defer c.releaseEnv(payload.EnvHash)
	}

	spec := bridge.Spec{
		InterpreterPath: interpreterPath,
		SourceCode:      payload.SourceCode,
		FilePath:        payload.FilePath,
		JobID:           jobID,
		FileVersionID:   payload.FileVersionID,
	}

	sink := &jobSink{sinks: sinks, logger: logger}
	receipt, err := c.executor.Execute(context.Background(), spec, sink)
	if err != nil {
		for _, s := range sinks {
			s.Discard()
		}
		c.concludeFailed(jobID, err.Error())
		return
	}
	if !receipt.Success {
		for _, s := range sinks {
			s.Discard()
		}
		c.concludeFailed(jobID, receipt.ErrorMessage)
		return
	}

	artifacts := make([]protocol.ArtifactRef, 0, len(payload.Sinks))
	for i, s := range sinks {
		if err := s.Commit(); err != nil {
			logger.Error().Err(err).Str("uri", s.uri).Msg("sink commit failed")
			c.concludeFailed(jobID, "committing output: "+err.Error())
			return
		}
		artifacts = append(artifacts, protocol.ArtifactRef{Topic: payload.Sinks[i].Topic, URI: s.uri})
	}

	c.send(protocol.OpConclude, jobID, protocol.JobReceipt{
		Status:    "SUCCESS",
		Metrics:   receipt.Metrics,
		Artifacts: artifacts,
	})
}

func (c *Client) concludeFailed(jobID uint64, message string) {
	c.send(protocol.OpConclude, jobID, protocol.JobReceipt{
		Status:       "FAILED",
		ErrorMessage: message,
	})
}

func (c *Client) sendErr(jobID uint64, message string) {
	c.send(protocol.OpErr, jobID, protocol.ErrorPayload{Message: message})
}

func (c *Client) setBusy(jobID uint64) {
	c.mu.Lock()
	c.busy = true
	c.currentJobID = jobID
	c.mu.Unlock()
}

func (c *Client) setIdle() {
	c.mu.Lock()
	c.busy = false
	c.currentJobID = 0
	c.mu.Unlock()
}

func (c *Client) send(op protocol.OpCode, jobID uint64, payload any) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if err := protocol.WriteMessage(c.out, op, jobID, payload); err != nil {
		return casperr.Wrap(casperr.KindWire, true, err, "writing "+op.String())
	}
	return nil
}

// jobSink adapts a job's ordered sink list to bridge.Sink, routing each
// batch to the sink at its declared output index and forwarding log
// lines to the job's logger.
type jobSink struct {
	sinks  []*fileSink
	logger zerolog.Logger
}

func (j *jobSink) WriteBatch(b bridge.Batch) {
	if int(b.OutputIndex) >= len(j.sinks) {
		j.logger.Warn().Uint32("output_index", b.OutputIndex).Msg("batch for unconfigured output index")
		return
	}
	j.sinks[b.OutputIndex].Write(b.Data)
}

func (j *jobSink) WriteLog(l bridge.LogLine) {
	evt := j.logger.Info()
	switch l.Level {
	case bridge.LogDebug:
		evt = j.logger.Debug()
	case bridge.LogWarn:
		evt = j.logger.Warn()
	case bridge.LogError:
		evt = j.logger.Error()
	}
	evt.Msg(l.Message)
}

// fileSink buffers one job output's bytes in memory and only touches the
// filesystem on Commit, so a discarded job leaves no partial file.
type fileSink struct {
	uri  string
	path string
	mode string
	mu   sync.Mutex
	data []byte
}

func newFileSink(uri, mode string) *fileSink {
	return &fileSink{uri: uri, path: strings.TrimPrefix(uri, "file://"), mode: mode}
}

func (s *fileSink) Write(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = append(s.data, data...)
}

func (s *fileSink) Commit() error {
	flag := os.O_CREATE | os.O_WRONLY
	switch s.mode {
	case "replace":
		flag |= os.O_TRUNC
	case "error":
		flag |= os.O_EXCL
	default:
		flag |= os.O_APPEND
	}
	f, err := os.OpenFile(s.path, flag, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(s.data)
	return err
}

func (s *fileSink) Discard() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = nil
}
