package server_test

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/casparianflow/sentinel/pkg/broker"
	"github.com/casparianflow/sentinel/pkg/events"
	"github.com/casparianflow/sentinel/pkg/protocol"
	"github.com/casparianflow/sentinel/pkg/queue"
	"github.com/casparianflow/sentinel/pkg/server"
	"github.com/casparianflow/sentinel/pkg/storage"
	"github.com/casparianflow/sentinel/pkg/types"
)

func newTestListener(t *testing.T) (*server.Listener, *broker.Broker, *queue.Queue, storage.Store, string) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	eb := events.NewBroker()
	eb.Start()
	t.Cleanup(eb.Stop)

	q := queue.New(store, eb)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	lst := server.New(addr, store)
	br := broker.New(q, lst, eb)
	lst.SetBroker(br)
	br.Start()
	t.Cleanup(br.Stop)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go lst.Serve(ctx)

	// Give the accept loop a moment to bind before tests dial it.
	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, time.Second, 10*time.Millisecond)

	return lst, br, q, store, addr
}

func identify(t *testing.T, conn net.Conn, workerID string, capabilities []string) {
	t.Helper()
	require.NoError(t, protocol.WriteMessage(conn, protocol.OpIdentify, 0, protocol.IdentifyPayload{
		WorkerID:     workerID,
		Capabilities: capabilities,
	}))
}

func TestServe_IdentifyThenHeartbeat_RegistersWorkerIdle(t *testing.T) {
	_, br, _, _, addr := newTestListener(t)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	identify(t, conn, "worker-1", []string{"magic_processor"})
	require.NoError(t, protocol.WriteMessage(conn, protocol.OpHeartbeat, 0, protocol.HeartbeatPayload{Status: "IDLE"}))

	require.Eventually(t, func() bool {
		return br.WorkerCount(types.WorkerIdle) == 1
	}, time.Second, 10*time.Millisecond)
}

func TestServe_QueuedJobIsDispatchedToIdentifiedWorker(t *testing.T) {
	_, br, q, store, addr := newTestListener(t)

	root := &types.SourceRoot{ID: "root-1", Path: "/data", Active: true}
	require.NoError(t, store.CreateSourceRoot(root))
	loc := &types.FileLocation{ID: "loc-1", RootID: root.ID, RelativePath: "orders/jan.csv"}
	require.NoError(t, store.CreateFileLocation(loc))
	fv := &types.FileVersion{ID: "fv-1", LocationID: loc.ID}
	require.NoError(t, store.CreateFileVersion(fv))

	manifest := &types.PluginManifest{ID: "m-1", PluginName: "magic_processor", Status: types.ManifestActive, SourceCode: []byte("print('hi')")}
	require.NoError(t, store.CreatePluginManifest(manifest))
	require.NoError(t, store.CreateTopicConfig(&types.TopicConfig{ID: "t-1", PluginName: "magic_processor", Topic: "out", SinkURI: "file:///tmp/out.jsonl", Mode: "append"}))

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	identify(t, conn, "worker-1", []string{"magic_processor"})
	require.NoError(t, protocol.WriteMessage(conn, protocol.OpHeartbeat, 0, protocol.HeartbeatPayload{Status: "IDLE"}))

	require.Eventually(t, func() bool {
		return br.WorkerCount(types.WorkerIdle) == 1
	}, time.Second, 10*time.Millisecond)

	job, err := q.Push(fv.ID, "magic_processor", 100)
	require.NoError(t, err)

	msg, err := protocol.ReadMessage(conn)
	require.NoError(t, err)
	require.Equal(t, protocol.OpDispatch, msg.Header.Op)

	var payload protocol.DispatchPayload
	require.NoError(t, msg.Decode(&payload))
	require.Equal(t, "magic_processor", payload.PluginName)
	require.Equal(t, "/data/orders/jan.csv", payload.FilePath)
	require.Len(t, payload.Sinks, 1)
	require.Equal(t, "out", payload.Sinks[0].Topic)

	require.NoError(t, protocol.WriteMessage(conn, protocol.OpConclude, msg.Header.JobID, protocol.JobReceipt{
		Status:  "SUCCESS",
		Metrics: map[string]int64{"rows": 10},
		Artifacts: []protocol.ArtifactRef{
			{Topic: "out", URI: "file:///tmp/out.jsonl"},
		},
	}))

	require.Eventually(t, func() bool {
		reloaded, err := store.GetProcessingJob(job.ID)
		return err == nil && reloaded.Status == types.JobCompleted
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, 1, br.WorkerCount(types.WorkerIdle))
	require.Equal(t, 0, br.WorkerCount(types.WorkerBusy))
}
