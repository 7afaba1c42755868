package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	cases := []struct {
		op      OpCode
		jobID   uint64
		payload uint32
	}{
		{OpIdentify, 0, 0},
		{OpDispatch, 42, 128},
		{OpConclude, 1 << 40, 0},
		{OpErr, 0, 4096},
	}

	for _, c := range cases {
		data := PackHeader(c.op, c.jobID, c.payload)
		require.Len(t, data, HeaderSize)

		header, err := UnpackHeader(data)
		require.NoError(t, err)
		assert.Equal(t, c.op, header.Op)
		assert.Equal(t, c.jobID, header.JobID)
		assert.Equal(t, c.payload, header.PayloadLen)
	}
}

func TestUnpackHeader_VersionMismatch(t *testing.T) {
	data := PackHeader(OpIdentify, 0, 0)
	data[0] = Version + 1

	_, err := UnpackHeader(data)
	require.Error(t, err)
}

func TestUnpackHeader_ShortHeader(t *testing.T) {
	_, err := UnpackHeader(make([]byte, HeaderSize-1))
	require.Error(t, err)
}

func TestWriteReadMessage(t *testing.T) {
	var buf bytes.Buffer

	payload := IdentifyPayload{Capabilities: []string{"magic_processor"}, WorkerID: "w1"}
	require.NoError(t, WriteMessage(&buf, OpIdentify, 0, payload))

	msg, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, OpIdentify, msg.Header.Op)

	var decoded IdentifyPayload
	require.NoError(t, msg.Decode(&decoded))
	assert.Equal(t, payload, decoded)
}

func TestWriteMessage_NilPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteMessage(&buf, OpAbort, 7, nil))

	msg, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), msg.Header.JobID)
	assert.Equal(t, uint32(0), msg.Header.PayloadLen)
}
