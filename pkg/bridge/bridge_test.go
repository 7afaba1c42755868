package bridge

import (
	"context"
	"encoding/binary"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	batches []Batch
	logs    []LogLine
}

func (f *fakeSink) WriteBatch(b Batch) { f.batches = append(f.batches, b) }
func (f *fakeSink) WriteLog(l LogLine) { f.logs = append(f.logs, l) }

func writeLength(t *testing.T, conn net.Conn, n uint32) {
	t.Helper()
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], n)
	_, err := conn.Write(buf[:])
	require.NoError(t, err)
}

// TestStreamFrames_HappyPath exercises the bridge happy path scenario: one
// output batch followed by a clean end-of-stream.
func TestStreamFrames_HappyPath(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	payload := []byte("row,col,val\n1,2,3\n")

	go func() {
		writeLength(t, client, uint32(len(payload)))
		_, _ = client.Write(payload)
		writeLength(t, client, sentinelEndOfStream)
	}()

	sink := &fakeSink{}
	receipt, err := streamFrames(context.Background(), server, sink)
	require.NoError(t, err)
	require.True(t, receipt.Success)
	require.Len(t, sink.batches, 1)
	require.Equal(t, payload, sink.batches[0].Data)
}

// TestStreamFrames_LogFrame verifies a log frame is forwarded to the sink
// and does not terminate the stream.
func TestStreamFrames_LogFrame(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	go func() {
		writeLength(t, client, sentinelLog)
		_, _ = client.Write([]byte{byte(LogWarn)})
		writeLength(t, client, 13)
		_, _ = client.Write([]byte("mixed dtypes!"))
		writeLength(t, client, sentinelEndOfStream)
	}()

	sink := &fakeSink{}
	receipt, err := streamFrames(context.Background(), server, sink)
	require.NoError(t, err)
	require.True(t, receipt.Success)
	require.Len(t, sink.logs, 1)
	require.Equal(t, LogWarn, sink.logs[0].Level)
	require.Equal(t, "mixed dtypes!", sink.logs[0].Message)
}

// TestStreamFrames_ErrorFrame verifies a permanent-failure error frame
// short-circuits the stream with a non-retryable receipt.
func TestStreamFrames_ErrorFrame(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	errPayload := []byte(`{"error":"ModuleNotFoundError: socket","retryable":false,"kind":"validation"}`)

	go func() {
		writeLength(t, client, sentinelError)
		writeLength(t, client, uint32(len(errPayload)))
		_, _ = client.Write(errPayload)
	}()

	sink := &fakeSink{}
	receipt, err := streamFrames(context.Background(), server, sink)
	require.NoError(t, err)
	require.False(t, receipt.Success)
	require.False(t, receipt.Retryable)
	require.Contains(t, receipt.ErrorMessage, "ModuleNotFoundError")
}

func TestInterpretExitCode_ExitCodes(t *testing.T) {
	require.True(t, interpretExitCode(nil).Success)
}
