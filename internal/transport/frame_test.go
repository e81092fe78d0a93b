package transport

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/dispatch-engine/pkg/types"
)

func TestFrameRoundTrip(t *testing.T) {
	msg, err := types.NewMessage(types.MsgRequest, &types.Request{
		JobID:    "20260823120000000001",
		MinionID: "web-1",
		Fun:      "test.ping",
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, msg, 0))

	got, err := ReadFrame(&buf, 0)
	require.NoError(t, err)
	assert.Equal(t, types.MsgRequest, got.Type)

	var req types.Request
	require.NoError(t, got.Decode(&req))
	assert.Equal(t, "web-1", req.MinionID)
	assert.Equal(t, "test.ping", req.Fun)
}

func TestWriteFrameRejectsOversized(t *testing.T) {
	big := make([]byte, 1024)
	msg, err := types.NewMessage(types.MsgReply, &types.Reply{
		JobID:  "20260823120000000001",
		Return: string(big),
	})
	require.NoError(t, err)

	var buf bytes.Buffer
	err = WriteFrame(&buf, msg, 64)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	assert.Zero(t, buf.Len(), "nothing must reach the wire")
}

func TestReadFrameRejectsOversizedBeforeAllocating(t *testing.T) {
	// Hand-rolled prefix claiming a 100MB body.
	raw := []byte{0x06, 0x40, 0x00, 0x00}

	_, err := ReadFrame(bytes.NewReader(raw), 1024)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestReadFrameShortBody(t *testing.T) {
	msg, err := types.NewMessage(types.MsgPing, nil)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, msg, 0))

	truncated := buf.Bytes()[:buf.Len()-1]
	_, err = ReadFrame(bytes.NewReader(truncated), 0)
	assert.ErrorIs(t, err, ErrShortFrame)
}

func TestDecodeFrameNeedsWholeEnvelope(t *testing.T) {
	msg, err := types.NewMessage(types.MsgHeartbeat, &types.HeartbeatPayload{MinionID: "db-1"})
	require.NoError(t, err)

	encoded, err := EncodeFrame(msg, 0)
	require.NoError(t, err)

	_, _, err = DecodeFrame(encoded[:len(encoded)/2], 0)
	assert.ErrorIs(t, err, ErrShortFrame)

	got, n, err := DecodeFrame(encoded, 0)
	require.NoError(t, err)
	assert.Equal(t, len(encoded), n)
	assert.Equal(t, types.MsgHeartbeat, got.Type)
}
