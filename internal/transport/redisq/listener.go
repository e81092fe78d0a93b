package redisq

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"yqhp/dispatch-engine/internal/transport"
	"yqhp/dispatch-engine/pkg/logger"
	"yqhp/dispatch-engine/pkg/types"
)

// Listener is the master side of the brokered backend. One subscription on
// the shared upstream channel feeds the Recv stream; a virtual connection per
// observed minion carries the downstream publishes.
type Listener struct {
	client *redis.Client
	opts   *transport.Options

	pubsub *redis.PubSub
	conns  map[string]*brokerConn
	mu     sync.RWMutex

	recv  chan transport.Inbound
	fatal chan error

	closeOnce   sync.Once
	closed      chan struct{}
	consumeDone chan struct{}
}

// NewListener connects to the broker.
func NewListener(cfg ClientConfig, opts *transport.Options) (*Listener, error) {
	client, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	return &Listener{
		client:      client,
		opts:        opts,
		conns:       make(map[string]*brokerConn),
		recv:        make(chan transport.Inbound, 1024),
		fatal:       make(chan error, 1),
		closed:      make(chan struct{}),
		consumeDone: make(chan struct{}),
	}, nil
}

// Start subscribes to the upstream channel and launches the consume loop.
func (l *Listener) Start(ctx context.Context) error {
	l.pubsub = l.client.Subscribe(ctx, upChannel)
	if _, err := l.pubsub.Receive(ctx); err != nil {
		return types.NewTransportError("subscribe", "", err)
	}

	l.opts.Emit("subscribe", map[string]interface{}{"channel": upChannel})
	logger.Info("redisq: subscribed", zap.String("channel", upChannel))

	go l.consumeLoop(ctx)
	go func() {
		select {
		case <-ctx.Done():
			_ = l.Close()
		case <-l.closed:
		}
	}()
	return nil
}

func (l *Listener) consumeLoop(ctx context.Context) {
	defer close(l.consumeDone)
	ch := l.pubsub.Channel()
	for {
		select {
		case m, ok := <-ch:
			if !ok {
				select {
				case <-l.closed:
				default:
					// The broker subscription died out from under us.
					l.opts.Emit("error", map[string]interface{}{"op": "consume"})
					select {
					case l.fatal <- types.NewTransportError("subscribe", "", types.ErrConnClosed):
					default:
					}
				}
				return
			}

			msg, err := decodeEnvelope(m.Payload)
			if err != nil {
				logger.Warn("redisq: undecodable envelope", zap.Error(err))
				continue
			}
			peer, err := peerOf(msg)
			if err != nil || peer == "" {
				logger.Warn("redisq: envelope without origin", zap.Error(err))
				continue
			}

			conn := l.connFor(peer)
			select {
			case l.recv <- transport.Inbound{Conn: conn, Msg: msg}:
			case <-l.closed:
				return
			}

		case <-l.closed:
			return
		case <-ctx.Done():
			return
		}
	}
}

// connFor returns the virtual connection for a peer, creating it on first
// observed traffic.
func (l *Listener) connFor(minionID string) *brokerConn {
	l.mu.RLock()
	c, ok := l.conns[minionID]
	l.mu.RUnlock()
	if ok {
		return c
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok = l.conns[minionID]; ok {
		return c
	}
	c = &brokerConn{
		id:      minionID,
		channel: cmdChannel(minionID),
		client:  l.client,
		opts:    l.opts,
		onClose: func() { l.drop(minionID) },
		closed:  make(chan struct{}),
	}
	l.conns[minionID] = c
	l.opts.Emit("connect", map[string]interface{}{"minion": minionID})
	return c
}

func (l *Listener) drop(minionID string) {
	l.mu.Lock()
	delete(l.conns, minionID)
	l.mu.Unlock()
	l.opts.Emit("disconnect", map[string]interface{}{"minion": minionID})
}

// Recv returns the merged inbound stream.
func (l *Listener) Recv() <-chan transport.Inbound { return l.recv }

// Lookup resolves a minion ID to its virtual connection.
func (l *Listener) Lookup(minionID string) (transport.Conn, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.conns[minionID]
	return c, ok
}

// Fatal reports the loss of the upstream subscription.
func (l *Listener) Fatal() <-chan error { return l.fatal }

// Close drops the subscription and the broker client.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		if l.pubsub != nil {
			_ = l.pubsub.Close()
			<-l.consumeDone
		}
		_ = l.client.Close()
		close(l.recv)
	})
	return nil
}
