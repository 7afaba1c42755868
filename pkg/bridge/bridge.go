// Package bridge implements the host side of the host/guest execution
// bridge: a local IPC endpoint the guest subprocess connects back to,
// streaming framed output batches, log lines, and a terminal receipt.
//
// Grounded on the Python bridge's socket-accept-then-stream shape, extended
// per the six-sentinel framing scheme and structured receipt this system
// requires (the original recognizes only end-of-stream and a single error
// sentinel).
package bridge

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/casparianflow/sentinel/pkg/casperr"
	"github.com/casparianflow/sentinel/pkg/log"
	"github.com/casparianflow/sentinel/pkg/metrics"
)

const (
	sentinelEndOfStream  uint32 = 0
	sentinelError        uint32 = 0xFFFFFFFF
	sentinelLog          uint32 = 0xFFFFFFFE
	sentinelOutputStart  uint32 = 0xFFFFFFFD
	sentinelOutputEnd    uint32 = 0xFFFFFFFC
	sentinelMetrics      uint32 = 0xFFFFFFFB
	acceptDeadline              = 30 * time.Second
)

// LogLevel mirrors the single byte a guest's log frame is tagged with.
type LogLevel byte

const (
	LogDebug LogLevel = iota
	LogInfo
	LogWarn
	LogError
)

// Batch is one decoded output batch, tagged with the output index that
// opened it.
type Batch struct {
	OutputIndex uint32
	Data        []byte
}

// LogLine is a forwarded guest stdout/stderr line.
type LogLine struct {
	Level   LogLevel
	Message string
}

// Receipt is the structured outcome the host surfaces once the guest exits.
type Receipt struct {
	Success      bool
	Retryable    bool
	ErrorMessage string
	RowsStreamed int64
	BytesStreamed int64
	Metrics      map[string]int64
}

// Spec describes one guest execution.
type Spec struct {
	InterpreterPath string
	SourceCode      string
	SourceArchive   string // path to an archive, used instead of SourceCode when non-empty
	FilePath        string
	JobID           uint64
	FileVersionID   string
	Timeout         time.Duration
}

// Sink receives decoded batches and log lines as they arrive, so the
// broker's per-job output context can be fed without buffering the whole
// execution in memory.
type Sink interface {
	WriteBatch(b Batch)
	WriteLog(l LogLine)
}

// Host runs one guest execution over a fresh local socket.
type Host struct {
	socketDir string
}

// NewHost returns a Host that creates its sockets under socketDir (an
// os.TempDir-style scratch directory).
func NewHost(socketDir string) *Host {
	return &Host{socketDir: socketDir}
}

// Execute spawns the guest described by spec, streams its output into sink,
// and returns the terminal receipt. Execute always reaps the subprocess and
// removes the socket file before returning, even on error.
func (h *Host) Execute(ctx context.Context, spec Spec, sink Sink) (*Receipt, error) {
	logger := log.WithJobID(fmt.Sprintf("%d", spec.JobID))
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.GuestExecutionDuration)

	socketPath := filepath.Join(h.socketDir, fmt.Sprintf("bridge-%s.sock", uuid.NewString()))
	defer os.Remove(socketPath)

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, casperr.Wrap(casperr.KindExecution, true, err, "creating bridge socket")
	}
	defer listener.Close()

	timeout := spec.Timeout
	if timeout == 0 {
		timeout = 300 * time.Second
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd, err := h.spawnGuest(execCtx, spec, socketPath)
	if err != nil {
		return nil, casperr.Wrap(casperr.KindExecution, true, err, "spawning guest process")
	}

	conn, err := h.acceptWithDeadline(listener)
	if err != nil {
		killGuest(cmd)
		return nil, casperr.Wrap(casperr.KindExecution, true, err, "guest failed to connect")
	}
	defer conn.Close()

	logger.Debug().Msg("guest connected to bridge socket")
	receipt, streamErr := streamFrames(execCtx, conn, sink)

	waitErr := reap(cmd, 5*time.Second)

	if streamErr != nil {
		return nil, casperr.Wrap(casperr.KindExecution, true, streamErr, "streaming guest output")
	}
	if receipt == nil {
		receipt = interpretExitCode(waitErr)
	}

	metrics.BridgeRowsStreamedTotal.Add(float64(receipt.RowsStreamed))
	metrics.BridgeBytesStreamedTotal.Add(float64(receipt.BytesStreamed))

	return receipt, nil
}

func (h *Host) spawnGuest(ctx context.Context, spec Spec, socketPath string) (*exec.Cmd, error) {
	shimPath := filepath.Join(filepath.Dir(spec.InterpreterPath), "..", "bridge_shim.py")

	cmd := exec.CommandContext(ctx, spec.InterpreterPath, shimPath)
	cmd.Stdin = nil
	cmd.Env = append(os.Environ(),
		"BRIDGE_SOCKET="+socketPath,
		"BRIDGE_FILE_PATH="+spec.FilePath,
		"BRIDGE_JOB_ID="+fmt.Sprintf("%d", spec.JobID),
		"BRIDGE_FILE_VERSION_ID="+spec.FileVersionID,
	)
	if spec.SourceArchive != "" {
		cmd.Env = append(cmd.Env, "BRIDGE_PLUGIN_ARCHIVE="+spec.SourceArchive)
	} else {
		cmd.Env = append(cmd.Env, "BRIDGE_PLUGIN_CODE="+spec.SourceCode)
	}

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

func (h *Host) acceptWithDeadline(listener net.Listener) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := listener.Accept()
		ch <- result{conn, err}
	}()

	select {
	case r := <-ch:
		return r.conn, r.err
	case <-time.After(acceptDeadline):
		return nil, fmt.Errorf("guest did not connect within %s", acceptDeadline)
	}
}

func killGuest(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	_ = cmd.Wait()
}

func reap(cmd *exec.Cmd, graceful time.Duration) error {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(graceful):
		killGuest(cmd)
		return <-done
	}
}

func interpretExitCode(waitErr error) *Receipt {
	if waitErr == nil {
		return &Receipt{Success: true}
	}
	var exitErr *exec.ExitError
	if asExitError(waitErr, &exitErr) {
		switch exitErr.ExitCode() {
		case 1:
			return &Receipt{Success: false, Retryable: false, ErrorMessage: "guest exited with permanent failure (code 1)"}
		case 2:
			return &Receipt{Success: false, Retryable: true, ErrorMessage: "guest exited with transient failure (code 2)"}
		}
	}
	return &Receipt{Success: false, Retryable: true, ErrorMessage: waitErr.Error()}
}

func asExitError(err error, target **exec.ExitError) bool {
	ee, ok := err.(*exec.ExitError)
	if ok {
		*target = ee
	}
	return ok
}

// streamFrames reads frames off conn until end-of-stream, an error frame,
// or ctx expires. It returns a non-nil Receipt only when a terminal frame
// (end-of-stream or error) was actually observed; otherwise the caller
// falls back to the guest's exit code.
func streamFrames(ctx context.Context, conn net.Conn, sink Sink) (*Receipt, error) {
	r := bufio.NewReader(conn)
	var rows, bytesTotal int64
	var currentOutputIndex uint32
	collectedMetrics := map[string]int64{}

	for {
		if deadline, ok := ctx.Deadline(); ok {
			_ = conn.SetReadDeadline(deadline)
		}

		length, err := readLength(r)
		if err != nil {
			return nil, err
		}

		switch length {
		case sentinelEndOfStream:
			return &Receipt{Success: true, RowsStreamed: rows, BytesStreamed: bytesTotal, Metrics: collectedMetrics}, nil

		case sentinelError:
			payload, err := readExact(r, mustReadLength(r))
			if err != nil {
				return nil, err
			}
			var errPayload struct {
				Error     string `json:"error"`
				Retryable bool   `json:"retryable"`
				Kind      string `json:"kind"`
			}
			if jsonErr := json.Unmarshal(payload, &errPayload); jsonErr != nil {
				return &Receipt{Success: false, Retryable: true, ErrorMessage: string(payload)}, nil
			}
			return &Receipt{Success: false, Retryable: errPayload.Retryable, ErrorMessage: errPayload.Error}, nil

		case sentinelLog:
			level, message, err := readLogFrame(r)
			if err != nil {
				return nil, err
			}
			if sink != nil {
				sink.WriteLog(LogLine{Level: level, Message: message})
			}

		case sentinelOutputStart, sentinelOutputEnd:
			indexBytes, err := readExact(r, 4)
			if err != nil {
				return nil, err
			}
			if length == sentinelOutputStart {
				currentOutputIndex = binary.BigEndian.Uint32(indexBytes)
			}

		case sentinelMetrics:
			payload, err := readExact(r, mustReadLength(r))
			if err != nil {
				return nil, err
			}
			var m map[string]int64
			if json.Unmarshal(payload, &m) == nil {
				for k, v := range m {
					collectedMetrics[k] = v
				}
			}

		default:
			payload, err := readExact(r, length)
			if err != nil {
				return nil, err
			}
			bytesTotal += int64(length)
			rows++ // one batch observed; exact row count comes from the decoded payload upstream
			if sink != nil {
				sink.WriteBatch(Batch{OutputIndex: currentOutputIndex, Data: payload})
			}
		}
	}
}

func readLength(r *bufio.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func mustReadLength(r *bufio.Reader) uint32 {
	length, err := readLength(r)
	if err != nil {
		return 0
	}
	return length
}

func readExact(r *bufio.Reader, length uint32) ([]byte, error) {
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readLogFrame(r *bufio.Reader) (LogLevel, string, error) {
	var levelByte [1]byte
	if _, err := io.ReadFull(r, levelByte[:]); err != nil {
		return 0, "", err
	}
	length, err := readLength(r)
	if err != nil {
		return 0, "", err
	}
	payload, err := readExact(r, length)
	if err != nil {
		return 0, "", err
	}
	return LogLevel(levelByte[0]), string(payload), nil
}
