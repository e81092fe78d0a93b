package rudp

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"yqhp/dispatch-engine/pkg/logger"
	"yqhp/dispatch-engine/pkg/types"
)

// sessionConfig tunes one peer session. Both sides of a connection run the
// same state machine.
type sessionConfig struct {
	BufferCount   int
	RetransmitMin time.Duration
	RetransmitMax time.Duration
	MaxRetries    int
	MaxFrameBytes int
}

func (c sessionConfig) withDefaults() sessionConfig {
	if c.BufferCount <= 0 {
		c.BufferCount = 1024
	}
	if c.RetransmitMin <= 0 {
		c.RetransmitMin = 200 * time.Millisecond
	}
	if c.RetransmitMax <= 0 {
		c.RetransmitMax = 3 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	return c
}

// session is one reliable peer link over the shared socket. Outbound frames
// get a sequence number and are retransmitted until acked; inbound frames are
// acked, deduplicated, and released strictly in order.
type session struct {
	remote  string
	write   func([]byte) error
	deliver func(*types.Message)
	cfg     sessionConfig

	mu       sync.Mutex
	id       string
	sendSeq  uint32
	pending  map[uint32]chan struct{}
	expected uint32
	reorder  map[uint32]*types.Message

	closeOnce sync.Once
	closed    chan struct{}
	onClose   func()
}

func newSession(remote string, cfg sessionConfig, write func([]byte) error, deliver func(*types.Message)) *session {
	return &session{
		remote:   remote,
		write:    write,
		deliver:  deliver,
		cfg:      cfg.withDefaults(),
		id:       remote,
		pending:  make(map[uint32]chan struct{}),
		expected: 1,
		reorder:  make(map[uint32]*types.Message),
		closed:   make(chan struct{}),
	}
}

func (s *session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *session) bind(minionID string) {
	s.mu.Lock()
	s.id = minionID
	s.mu.Unlock()
}

func (s *session) RemoteAddr() string { return s.remote }

// Send transmits one envelope and blocks until the peer acks it or the
// retransmit budget runs out. The budget is bounded, so an unreachable peer
// surfaces as an error after a fixed worst-case delay, never a hang.
func (s *session) Send(msg *types.Message) error {
	select {
	case <-s.closed:
		return types.NewTransportError("send", s.ID(), types.ErrConnClosed)
	default:
	}

	s.mu.Lock()
	if len(s.pending) >= s.cfg.BufferCount {
		s.mu.Unlock()
		return types.NewTransportError("send", s.ID(), types.ErrSendQueueFull)
	}
	s.sendSeq++
	seq := s.sendSeq
	acked := make(chan struct{})
	s.pending[seq] = acked
	s.mu.Unlock()

	data, err := encodeData(seq, msg, s.cfg.MaxFrameBytes)
	if err != nil {
		s.removePending(seq)
		return types.NewTransportError("send", s.ID(), err)
	}

	backoff := s.cfg.RetransmitMin
	for attempt := 0; attempt <= s.cfg.MaxRetries; attempt++ {
		if err := s.write(data); err != nil {
			s.removePending(seq)
			return types.NewTransportError("send", s.ID(), err)
		}

		timer := time.NewTimer(backoff)
		select {
		case <-acked:
			timer.Stop()
			return nil
		case <-s.closed:
			timer.Stop()
			s.removePending(seq)
			return types.NewTransportError("send", s.ID(), types.ErrConnClosed)
		case <-timer.C:
			backoff *= 2
			if backoff > s.cfg.RetransmitMax {
				backoff = s.cfg.RetransmitMax
			}
		}
	}

	s.removePending(seq)
	return types.NewTransportError("send", s.ID(),
		fmt.Errorf("no ack after %d attempts", s.cfg.MaxRetries+1))
}

func (s *session) removePending(seq uint32) {
	s.mu.Lock()
	delete(s.pending, seq)
	s.mu.Unlock()
}

// handlePacket feeds one decoded packet from the socket into the session.
func (s *session) handlePacket(pkt packet) {
	switch pkt.kind {
	case kindAck:
		s.mu.Lock()
		if acked, ok := s.pending[pkt.seq]; ok {
			delete(s.pending, pkt.seq)
			close(acked)
		}
		s.mu.Unlock()

	case kindData:
		msg, err := decodeEnvelope(pkt.payload)
		if err != nil {
			logger.Warn("rudp: undecodable envelope", zap.String("peer", s.remote), zap.Error(err))
			return
		}
		s.onData(pkt.seq, msg)
	}
}

// onData applies the receive discipline: ack everything seen, deliver
// exactly once, release strictly in order, and shed out-of-window frames
// without acking so the sender keeps them alive.
func (s *session) onData(seq uint32, msg *types.Message) {
	s.mu.Lock()

	switch {
	case seq < s.expected:
		// Duplicate of something already delivered. Re-ack so the sender
		// stops retransmitting; never deliver twice.
		s.mu.Unlock()
		s.ack(seq)
		return

	case seq == s.expected:
		s.expected++
		ready := []*types.Message{msg}
		for {
			next, ok := s.reorder[s.expected]
			if !ok {
				break
			}
			delete(s.reorder, s.expected)
			s.expected++
			ready = append(ready, next)
		}
		s.mu.Unlock()

		s.ack(seq)
		for _, m := range ready {
			s.deliver(m)
		}
		return

	default: // future frame
		if _, dup := s.reorder[seq]; dup {
			s.mu.Unlock()
			s.ack(seq)
			return
		}
		if len(s.reorder) >= s.cfg.BufferCount {
			// Out of reorder space. Drop without ack; the retransmit path
			// brings it back once the gap closes.
			s.mu.Unlock()
			return
		}
		s.reorder[seq] = msg
		s.mu.Unlock()
		s.ack(seq)
		return
	}
}

func (s *session) ack(seq uint32) {
	if err := s.write(encodeAck(seq)); err != nil {
		logger.Debug("rudp: ack write failed", zap.String("peer", s.remote), zap.Error(err))
	}
}

func (s *session) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		if s.onClose != nil {
			s.onClose()
		}
	})
	return nil
}
