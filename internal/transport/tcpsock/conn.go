// Package tcpsock implements the asynchronous TCP transport backend: one
// accept reactor per master process, length-prefixed msgpack frames, and
// keep-alive pings on every connection.
package tcpsock

import (
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"yqhp/dispatch-engine/internal/transport"
	"yqhp/dispatch-engine/pkg/logger"
	"yqhp/dispatch-engine/pkg/types"
)

// tcpConn wraps a single TCP connection to or from a peer.
type tcpConn struct {
	id   string
	conn net.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
	opts *transport.Options

	mu sync.RWMutex // guards id rebinding during the register handshake
}

func newTCPConn(conn net.Conn, opts *transport.Options) *tcpConn {
	return &tcpConn{
		id:   conn.RemoteAddr().String(),
		conn: conn,
		send: make(chan []byte, 256),
		done: make(chan struct{}),
		opts: opts,
	}
}

func (c *tcpConn) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.id
}

func (c *tcpConn) bind(minionID string) {
	c.mu.Lock()
	c.id = minionID
	c.mu.Unlock()
}

func (c *tcpConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// Send frames the message and enqueues it for the write pump. It fails fast
// when the connection is closed or the queue stays full past the send
// timeout; delivery is never retried here.
func (c *tcpConn) Send(msg *types.Message) error {
	data, err := transport.EncodeFrame(msg, c.opts.MaxFrameBytes)
	if err != nil {
		return types.NewTransportError("send", c.ID(), err)
	}

	timeout := c.opts.SendTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return types.NewTransportError("send", c.ID(), types.ErrConnClosed)
	case <-timer.C:
		return types.NewTransportError("send", c.ID(), types.ErrSendQueueFull)
	}
}

func (c *tcpConn) Close() error {
	c.once.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
	return nil
}

func (c *tcpConn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// writePump drains the send queue onto the socket, interleaving keep-alive
// pings. It owns all writes; nothing else touches the socket's write side.
func (c *tcpConn) writePump() {
	interval := c.opts.KeepAlive
	if interval <= 0 {
		interval = 20 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer c.Close()

	for {
		select {
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if c.opts.SendTimeout > 0 {
				_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.SendTimeout))
			}
			if _, err := c.conn.Write(data); err != nil {
				logger.Debug("tcp: write failed", zap.String("peer", c.ID()), zap.Error(err))
				return
			}
		case <-ticker.C:
			ping, err := types.NewMessage(types.MsgPing, nil)
			if err != nil {
				continue
			}
			data, err := transport.EncodeFrame(ping, c.opts.MaxFrameBytes)
			if err != nil {
				continue
			}
			if _, err := c.conn.Write(data); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
