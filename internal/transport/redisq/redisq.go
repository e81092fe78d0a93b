// Package redisq implements the brokered transport backend on Redis pub/sub.
// The master publishes commands onto per-minion channels and consumes one
// shared upstream channel; minions do the reverse. Delivery is at-most-once:
// a publish reaching zero subscribers fails immediately instead of queueing.
package redisq

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"yqhp/dispatch-engine/pkg/types"
)

const (
	upChannel = "dispatch:up"
	cmdPrefix = "dispatch:cmd:"
)

func cmdChannel(minionID string) string {
	return cmdPrefix + minionID
}

// ClientConfig holds broker connection settings.
type ClientConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// newClient connects to the broker and verifies it answers.
func newClient(cfg ClientConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, types.NewTransportError("connect", "", fmt.Errorf("redis ping: %w", err))
	}
	return client, nil
}

// encodeEnvelope serializes one envelope for the broker.
func encodeEnvelope(msg *types.Message) ([]byte, error) {
	return msgpack.Marshal(msg)
}

// decodeEnvelope parses one broker payload.
func decodeEnvelope(payload string) (*types.Message, error) {
	var msg types.Message
	if err := msgpack.Unmarshal([]byte(payload), &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// peerOf extracts the sending minion's ID from an upstream envelope. Every
// upstream payload carries its origin.
func peerOf(msg *types.Message) (string, error) {
	switch msg.Type {
	case types.MsgRegister:
		var p types.RegisterPayload
		if err := msg.Decode(&p); err != nil {
			return "", err
		}
		return p.MinionID, nil
	case types.MsgHeartbeat:
		var p types.HeartbeatPayload
		if err := msg.Decode(&p); err != nil {
			return "", err
		}
		return p.MinionID, nil
	case types.MsgReply:
		var p types.Reply
		if err := msg.Decode(&p); err != nil {
			return "", err
		}
		return p.MinionID, nil
	case types.MsgEvent:
		var p types.EventPayload
		if err := msg.Decode(&p); err != nil {
			return "", err
		}
		return p.MinionID, nil
	}
	return "", fmt.Errorf("upstream envelope %q carries no origin", msg.Type)
}
