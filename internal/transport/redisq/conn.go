package redisq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"yqhp/dispatch-engine/internal/transport"
	"yqhp/dispatch-engine/pkg/types"
)

// brokerConn is the master's virtual connection to one minion: a handle onto
// that minion's command channel. There is no socket to keep alive; liveness
// comes from the minion's own upstream traffic.
type brokerConn struct {
	id      string
	channel string
	client  *redis.Client
	opts    *transport.Options
	onClose func()

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *brokerConn) ID() string         { return c.id }
func (c *brokerConn) RemoteAddr() string { return "" }

// Send publishes one envelope onto the minion's command channel. A publish
// that reaches zero subscribers means the minion is not listening; that
// surfaces immediately as a transport error rather than queueing anywhere.
func (c *brokerConn) Send(msg *types.Message) error {
	select {
	case <-c.closed:
		return types.NewTransportError("send", c.id, types.ErrConnClosed)
	default:
	}

	data, err := encodeEnvelope(msg)
	if err != nil {
		return types.NewTransportError("send", c.id, err)
	}

	timeout := c.opts.SendTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	n, err := c.client.Publish(ctx, c.channel, data).Result()
	if err != nil {
		c.opts.Emit("error", map[string]interface{}{"op": "publish", "minion": c.id})
		return types.NewTransportError("send", c.id, err)
	}
	if n == 0 {
		c.opts.Emit("publish_miss", map[string]interface{}{"minion": c.id, "channel": c.channel})
		return types.NewTransportError("send", c.id, fmt.Errorf("no subscriber on %s", c.channel))
	}
	return nil
}

func (c *brokerConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.onClose != nil {
			c.onClose()
		}
	})
	return nil
}
