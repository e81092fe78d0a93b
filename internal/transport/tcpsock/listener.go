package tcpsock

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"yqhp/dispatch-engine/internal/transport"
	"yqhp/dispatch-engine/pkg/logger"
	"yqhp/dispatch-engine/pkg/types"
)

// Listener is the master-side TCP reactor. A single accept loop owns the
// socket; each accepted connection gets a read loop and a write pump. All
// inbound traffic from all minions merges into one Recv stream.
type Listener struct {
	opts *transport.Options

	ln    net.Listener
	conns map[string]*tcpConn
	mu    sync.RWMutex

	recv  chan transport.Inbound
	fatal chan error

	closeOnce sync.Once
	closed    chan struct{}
	wg        sync.WaitGroup
}

// NewListener builds a reactor for the given options.
func NewListener(opts *transport.Options) *Listener {
	return &Listener{
		opts:   opts,
		conns:  make(map[string]*tcpConn),
		recv:   make(chan transport.Inbound, 1024),
		fatal:  make(chan error, 1),
		closed: make(chan struct{}),
	}
}

// Start binds the listen address and launches the accept loop.
func (l *Listener) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.opts.ListenAddr)
	if err != nil {
		return types.NewTransportError("listen", "", err)
	}
	l.ln = ln

	logger.Info("tcp: listening", zap.String("addr", ln.Addr().String()))

	l.wg.Add(1)
	go l.acceptLoop(ctx)

	go func() {
		select {
		case <-ctx.Done():
			_ = l.Close()
		case <-l.closed:
		}
	}()

	return nil
}

func (l *Listener) acceptLoop(ctx context.Context) {
	defer l.wg.Done()

	var backoff time.Duration
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.closed:
				return
			default:
			}

			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				// Transient; back off and keep accepting.
				if backoff == 0 {
					backoff = 5 * time.Millisecond
				} else if backoff < time.Second {
					backoff *= 2
				}
				time.Sleep(backoff)
				continue
			}

			// Anything else kills the listener. This is the one transport
			// failure the process must not paper over.
			select {
			case l.fatal <- types.NewTransportError("accept", "", err):
			default:
			}
			return
		}
		backoff = 0

		l.wg.Add(1)
		go l.handleConn(ctx, conn)
	}
}

// handleConn runs the register handshake, then pumps frames upward until the
// peer disappears. The first frame must be a register envelope; everything
// else drops the connection.
func (l *Listener) handleConn(ctx context.Context, raw net.Conn) {
	defer l.wg.Done()

	c := newTCPConn(raw, l.opts)

	if c.opts.KeepAlive > 0 {
		_ = raw.SetReadDeadline(time.Now().Add(3 * c.opts.KeepAlive))
	}

	first, err := transport.ReadFrame(raw, l.opts.MaxFrameBytes)
	if err != nil {
		logger.Debug("tcp: handshake read failed", zap.String("peer", c.RemoteAddr()), zap.Error(err))
		_ = c.Close()
		return
	}
	if first.Type != types.MsgRegister {
		logger.Warn("tcp: expected register frame", zap.String("peer", c.RemoteAddr()), zap.String("got", string(first.Type)))
		_ = c.Close()
		return
	}

	var reg types.RegisterPayload
	if err := first.Decode(&reg); err != nil || reg.MinionID == "" {
		logger.Warn("tcp: malformed register payload", zap.String("peer", c.RemoteAddr()), zap.Error(err))
		_ = c.Close()
		return
	}

	c.bind(reg.MinionID)
	l.track(c)
	defer l.untrack(c)

	go c.writePump()

	logger.Info("tcp: minion connected", zap.String("minion", reg.MinionID), zap.String("addr", c.RemoteAddr()))

	// Surface the register frame so the composition layer can update the
	// registry and answer with an ack.
	if !l.deliver(transport.Inbound{Conn: c, Msg: first}) {
		_ = c.Close()
		return
	}

	l.readLoop(ctx, c, raw)

	logger.Info("tcp: minion disconnected", zap.String("minion", c.ID()))
}

func (l *Listener) readLoop(ctx context.Context, c *tcpConn, raw net.Conn) {
	for {
		if c.opts.KeepAlive > 0 {
			_ = raw.SetReadDeadline(time.Now().Add(3 * c.opts.KeepAlive))
		}

		msg, err := transport.ReadFrame(raw, l.opts.MaxFrameBytes)
		if err != nil {
			if errors.Is(err, transport.ErrFrameTooLarge) {
				// One bad frame poisons the stream offset; drop the peer but
				// never the reactor.
				logger.Warn("tcp: oversized frame", zap.String("minion", c.ID()))
			}
			_ = c.Close()
			return
		}

		if !l.deliver(transport.Inbound{Conn: c, Msg: msg}) {
			_ = c.Close()
			return
		}

		select {
		case <-ctx.Done():
			_ = c.Close()
			return
		default:
		}
	}
}

func (l *Listener) deliver(in transport.Inbound) bool {
	select {
	case l.recv <- in:
		return true
	case <-l.closed:
		return false
	}
}

func (l *Listener) track(c *tcpConn) {
	l.mu.Lock()
	if old, ok := l.conns[c.ID()]; ok {
		// A reconnecting minion replaces its stale session.
		_ = old.Close()
	}
	l.conns[c.ID()] = c
	l.mu.Unlock()
}

func (l *Listener) untrack(c *tcpConn) {
	l.mu.Lock()
	if cur, ok := l.conns[c.ID()]; ok && cur == c {
		delete(l.conns, c.ID())
	}
	l.mu.Unlock()
}

// Recv returns the merged inbound stream.
func (l *Listener) Recv() <-chan transport.Inbound { return l.recv }

// Addr returns the bound listen address, valid after Start.
func (l *Listener) Addr() string {
	if l.ln == nil {
		return l.opts.ListenAddr
	}
	return l.ln.Addr().String()
}

// Lookup resolves a registered minion ID to its live connection.
func (l *Listener) Lookup(minionID string) (transport.Conn, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	c, ok := l.conns[minionID]
	if !ok || c.closed() {
		return nil, false
	}
	return c, true
}

// Fatal reports an unrecoverable accept-loop failure.
func (l *Listener) Fatal() <-chan error { return l.fatal }

// Close stops accepting and tears down every connection.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		if l.ln != nil {
			_ = l.ln.Close()
		}
		l.mu.Lock()
		for _, c := range l.conns {
			_ = c.Close()
		}
		l.mu.Unlock()

		go func() {
			l.wg.Wait()
			close(l.recv)
		}()
	})
	return nil
}
