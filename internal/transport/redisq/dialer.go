package redisq

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"yqhp/dispatch-engine/internal/transport"
	"yqhp/dispatch-engine/pkg/logger"
	"yqhp/dispatch-engine/pkg/types"
)

// Dialer is the minion side of the brokered backend. It needs the minion's
// own ID up front: the command subscription exists before registration so no
// early dispatch can slip past it.
type Dialer struct {
	cfg      ClientConfig
	minionID string
	opts     *transport.Options
}

// NewDialer builds a dialer for the given broker settings and minion identity.
func NewDialer(cfg ClientConfig, minionID string, opts *transport.Options) *Dialer {
	return &Dialer{cfg: cfg, minionID: minionID, opts: opts}
}

// Dial connects to the broker at addr, subscribes the minion's command
// channel, and returns the upstream publish handle.
func (d *Dialer) Dial(ctx context.Context, addr string) (*transport.DialedConn, error) {
	cfg := d.cfg
	cfg.Addr = addr
	client, err := newClient(cfg)
	if err != nil {
		return nil, err
	}

	pubsub := client.Subscribe(ctx, cmdChannel(d.minionID))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = client.Close()
		return nil, types.NewTransportError("subscribe", d.minionID, err)
	}

	c := &minionConn{
		id:     d.minionID,
		client: client,
		pubsub: pubsub,
		opts:   d.opts,
		closed: make(chan struct{}),
	}

	recv := make(chan *types.Message, 256)
	go func() {
		defer close(recv)
		ch := pubsub.Channel()
		for {
			select {
			case m, ok := <-ch:
				if !ok {
					return
				}
				msg, err := decodeEnvelope(m.Payload)
				if err != nil {
					logger.Warn("redisq: undecodable command", zap.Error(err))
					continue
				}
				select {
				case recv <- msg:
				case <-c.closed:
					return
				}
			case <-c.closed:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return &transport.DialedConn{Conn: c, Recv: recv}, nil
}

// minionConn publishes the minion's upstream traffic onto the shared channel.
type minionConn struct {
	id     string
	client *redis.Client
	pubsub *redis.PubSub
	opts   *transport.Options

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *minionConn) ID() string         { return c.id }
func (c *minionConn) RemoteAddr() string { return "" }

// Send publishes one envelope upstream. Zero subscribers means no master is
// consuming; the caller treats that like any other connection failure and
// falls over to the next master.
func (c *minionConn) Send(msg *types.Message) error {
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

	n, err := c.client.Publish(ctx, upChannel, data).Result()
	if err != nil {
		return types.NewTransportError("send", c.id, err)
	}
	if n == 0 {
		return types.NewTransportError("send", c.id, types.ErrTargetUnreachable)
	}
	return nil
}

func (c *minionConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.pubsub.Close()
		_ = c.client.Close()
	})
	return nil
}
