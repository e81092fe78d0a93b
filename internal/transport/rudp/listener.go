package rudp

import (
	"context"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"yqhp/dispatch-engine/internal/transport"
	"yqhp/dispatch-engine/pkg/logger"
	"yqhp/dispatch-engine/pkg/types"
)

// Listener is the master side of the reliable datagram backend. One UDP
// socket serves every minion; sessions are keyed by remote address and bound
// to minion IDs at registration.
type Listener struct {
	opts *transport.Options
	cfg  sessionConfig

	conn     *net.UDPConn
	sessions map[string]*session // by remote address
	byID     map[string]*session // by minion ID after registration
	mu       sync.RWMutex

	recv  chan transport.Inbound
	fatal chan error

	closeOnce sync.Once
	closed    chan struct{}
}

// Config carries the rudp tuning knobs.
type Config struct {
	BufferCount   int
	RetransmitMin time.Duration
	RetransmitMax time.Duration
	MaxRetries    int
}

// NewListener builds a listener.
func NewListener(opts *transport.Options, cfg Config) *Listener {
	return &Listener{
		opts: opts,
		cfg: sessionConfig{
			BufferCount:   cfg.BufferCount,
			RetransmitMin: cfg.RetransmitMin,
			RetransmitMax: cfg.RetransmitMax,
			MaxRetries:    cfg.MaxRetries,
			MaxFrameBytes: opts.MaxFrameBytes,
		}.withDefaults(),
		sessions: make(map[string]*session),
		byID:     make(map[string]*session),
		recv:     make(chan transport.Inbound, 1024),
		fatal:    make(chan error, 1),
		closed:   make(chan struct{}),
	}
}

// Start binds the UDP socket and launches the read loop.
func (l *Listener) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", l.opts.ListenAddr)
	if err != nil {
		return types.NewTransportError("listen", "", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return types.NewTransportError("listen", "", err)
	}
	l.conn = conn

	logger.Info("rudp: listening", zap.String("addr", conn.LocalAddr().String()))

	go l.readLoop()
	go func() {
		select {
		case <-ctx.Done():
			_ = l.Close()
		case <-l.closed:
		}
	}()
	return nil
}

func (l *Listener) readLoop() {
	buf := make([]byte, maxDatagramBytes+headerBytes)
	for {
		n, remote, err := l.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-l.closed:
			default:
				select {
				case l.fatal <- types.NewTransportError("listen", "", err):
				default:
				}
			}
			return
		}

		pkt, err := decodePacket(buf[:n])
		if err != nil {
			logger.Debug("rudp: dropping malformed datagram", zap.String("from", remote.String()))
			continue
		}

		// Datagram payloads alias the read buffer; sessions keep them past
		// this iteration, so detach.
		pkt.payload = append([]byte(nil), pkt.payload...)

		l.dispatch(remote, pkt)
	}
}

func (l *Listener) dispatch(remote *net.UDPAddr, pkt packet) {
	key := remote.String()

	l.mu.RLock()
	sess, ok := l.sessions[key]
	l.mu.RUnlock()

	// A data frame with sequence 1 carrying a register envelope on a session
	// that already delivered traffic means the minion restarted. Start a
	// fresh epoch for the address.
	if ok && pkt.kind == kindData && pkt.seq == 1 {
		if msg, err := decodeEnvelope(pkt.payload); err == nil && msg.Type == types.MsgRegister {
			sess.mu.Lock()
			stale := sess.expected > 1
			sess.mu.Unlock()
			if stale {
				logger.Info("rudp: re-register, resetting session", zap.String("peer", key))
				_ = sess.Close()
				ok = false
			}
		}
	}

	if !ok {
		sess = l.newPeerSession(remote)
	}

	sess.handlePacket(pkt)
}

func (l *Listener) newPeerSession(remote *net.UDPAddr) *session {
	key := remote.String()

	write := func(data []byte) error {
		_, err := l.conn.WriteToUDP(data, remote)
		return err
	}

	var sess *session
	deliver := func(msg *types.Message) {
		if msg.Type == types.MsgRegister {
			var reg types.RegisterPayload
			if err := msg.Decode(&reg); err != nil || reg.MinionID == "" {
				logger.Warn("rudp: malformed register payload", zap.String("peer", key))
				return
			}
			l.bindSession(sess, reg.MinionID)
		}
		select {
		case l.recv <- transport.Inbound{Conn: sess, Msg: msg}:
		case <-l.closed:
		}
	}

	sess = newSession(key, l.cfg, write, deliver)
	sess.onClose = func() { l.dropSession(key, sess) }

	l.mu.Lock()
	l.sessions[key] = sess
	l.mu.Unlock()
	return sess
}

func (l *Listener) bindSession(sess *session, minionID string) {
	sess.bind(minionID)
	l.mu.Lock()
	if old, ok := l.byID[minionID]; ok && old != sess {
		// Same minion from a new address; the old session is dead weight.
		defer old.Close()
	}
	l.byID[minionID] = sess
	l.mu.Unlock()
	logger.Info("rudp: minion registered", zap.String("minion", minionID), zap.String("addr", sess.remote))
}

func (l *Listener) dropSession(key string, sess *session) {
	l.mu.Lock()
	if cur, ok := l.sessions[key]; ok && cur == sess {
		delete(l.sessions, key)
	}
	if cur, ok := l.byID[sess.ID()]; ok && cur == sess {
		delete(l.byID, sess.ID())
	}
	l.mu.Unlock()
}

// Recv returns the merged inbound stream.
func (l *Listener) Recv() <-chan transport.Inbound { return l.recv }

// Addr returns the bound listen address, valid after Start.
func (l *Listener) Addr() string {
	if l.conn == nil {
		return l.opts.ListenAddr
	}
	return l.conn.LocalAddr().String()
}

// Lookup resolves a registered minion ID to its session.
func (l *Listener) Lookup(minionID string) (transport.Conn, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	sess, ok := l.byID[minionID]
	return sess, ok
}

// Fatal reports the loss of the socket.
func (l *Listener) Fatal() <-chan error { return l.fatal }

// Close tears down the socket and every session.
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		if l.conn != nil {
			_ = l.conn.Close()
		}
		l.mu.Lock()
		sessions := make([]*session, 0, len(l.sessions))
		for _, s := range l.sessions {
			sessions = append(sessions, s)
		}
		l.mu.Unlock()
		for _, s := range sessions {
			_ = s.Close()
		}
	})
	return nil
}
