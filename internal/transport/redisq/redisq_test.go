package redisq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/dispatch-engine/pkg/types"
)

func TestPeerOfExtractsOrigin(t *testing.T) {
	cases := []struct {
		name    string
		build   func() (*types.Message, error)
		wantID  string
		wantErr bool
	}{
		{
			name: "register",
			build: func() (*types.Message, error) {
				return types.NewMessage(types.MsgRegister, &types.RegisterPayload{MinionID: "web-1"})
			},
			wantID: "web-1",
		},
		{
			name: "heartbeat",
			build: func() (*types.Message, error) {
				return types.NewMessage(types.MsgHeartbeat, &types.HeartbeatPayload{MinionID: "db-2"})
			},
			wantID: "db-2",
		},
		{
			name: "reply",
			build: func() (*types.Message, error) {
				return types.NewMessage(types.MsgReply, &types.Reply{JobID: "j", MinionID: "cache-3"})
			},
			wantID: "cache-3",
		},
		{
			name: "event",
			build: func() (*types.Message, error) {
				return types.NewMessage(types.MsgEvent, &types.EventPayload{MinionID: "app-4", Tag: "custom/thing"})
			},
			wantID: "app-4",
		},
		{
			name: "ping has no origin",
			build: func() (*types.Message, error) {
				return types.NewMessage(types.MsgPing, nil)
			},
			wantErr: true,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := tc.build()
			require.NoError(t, err)

			id, err := peerOf(msg)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.wantID, id)
		})
	}
}

func TestEnvelopeSurvivesBrokerPayload(t *testing.T) {
	msg, err := types.NewMessage(types.MsgRequest, &types.Request{
		JobID: "20260823120000000001", MinionID: "web-1", Fun: "cmd.run",
		Args: []interface{}{"uptime"},
	})
	require.NoError(t, err)

	data, err := encodeEnvelope(msg)
	require.NoError(t, err)

	// go-redis hands subscribers the payload as a string; binary msgpack
	// must survive that round trip byte for byte.
	got, err := decodeEnvelope(string(data))
	require.NoError(t, err)
	assert.Equal(t, types.MsgRequest, got.Type)

	var req types.Request
	require.NoError(t, got.Decode(&req))
	assert.Equal(t, "cmd.run", req.Fun)
	assert.Equal(t, []interface{}{"uptime"}, req.Args)
}

func TestDecodeEnvelopeRejectsGarbage(t *testing.T) {
	_, err := decodeEnvelope("definitely not msgpack \xff\xfe")
	assert.Error(t, err)
}

func TestCmdChannelPerMinion(t *testing.T) {
	assert.Equal(t, "dispatch:cmd:web-1", cmdChannel("web-1"))
	assert.NotEqual(t, cmdChannel("a"), cmdChannel("b"))
}
