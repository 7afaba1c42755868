package worker

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/casparianflow/sentinel/pkg/bridge"
	"github.com/casparianflow/sentinel/pkg/protocol"
)

type fakeExecutor struct {
	receipt *bridge.Receipt
	err     error
	batches []bridge.Batch
}

func (f *fakeExecutor) Execute(ctx context.Context, spec bridge.Spec, sink bridge.Sink) (*bridge.Receipt, error) {
	for _, b := range f.batches {
		sink.WriteBatch(b)
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.receipt, nil
}

func newTestClient(exec Executor) *Client {
	return &Client{
		identity:     "worker-1",
		capabilities: []string{"magic_processor"},
		executor:     exec,
		out:          io.Discard,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

func TestHandleDispatch_SuccessCommitsSinkToDisk(t *testing.T) {
	dir := t.TempDir()
	outPath := filepath.Join(dir, "out.txt")

	exec := &fakeExecutor{
		receipt: &bridge.Receipt{Success: true, Metrics: map[string]int64{"rows": 3}},
		batches: []bridge.Batch{{OutputIndex: 0, Data: []byte("hello")}},
	}
	c := newTestClient(exec)

	payload := protocol.DispatchPayload{
		PluginName: "magic_processor",
		FilePath:   "/data/in.magic",
		Sinks:      []protocol.SinkConfig{{Topic: "magic_output", URI: "file://" + outPath, Mode: "replace"}},
	}
	msg := encodeDispatch(t, 42, payload)

	c.handleDispatch(msg)

	data, err := os.ReadFile(outPath)
	require.NoError(t, err)
	require.Equal(t, "hello", string(data))
}

func TestHandleDispatch_FailureLeavesNoFileBehind(t *testing.T) {
	dir := t.TempDir()
	outPath := filepath.Join(dir, "out.txt")

	exec := &fakeExecutor{
		receipt: &bridge.Receipt{Success: false, ErrorMessage: "ModuleNotFoundError: pandas"},
		batches: []bridge.Batch{{OutputIndex: 0, Data: []byte("partial")}},
	}
	c := newTestClient(exec)

	payload := protocol.DispatchPayload{
		PluginName: "magic_processor",
		Sinks:      []protocol.SinkConfig{{Topic: "magic_output", URI: "file://" + outPath, Mode: "replace"}},
	}
	msg := encodeDispatch(t, 7, payload)

	c.handleDispatch(msg)

	_, err := os.Stat(outPath)
	require.True(t, os.IsNotExist(err))
}

func TestHandleDispatch_UnconfiguredOutputIndexIsIgnored(t *testing.T) {
	exec := &fakeExecutor{
		receipt: &bridge.Receipt{Success: true},
		batches: []bridge.Batch{{OutputIndex: 5, Data: []byte("stray")}},
	}
	c := newTestClient(exec)

	msg := encodeDispatch(t, 1, protocol.DispatchPayload{PluginName: "magic_processor"})

	require.NotPanics(t, func() { c.handleDispatch(msg) })
}

func encodeDispatch(t *testing.T, jobID uint64, payload protocol.DispatchPayload) *protocol.Message {
	t.Helper()
	r, w := io.Pipe()
	go func() {
		defer w.Close()
		_ = protocol.WriteMessage(w, protocol.OpDispatch, jobID, payload)
	}()
	msg, err := protocol.ReadMessage(r)
	require.NoError(t, err)
	return msg
}
