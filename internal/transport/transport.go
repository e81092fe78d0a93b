// Package transport defines the wire contract between master and minion and
// the helpers shared by its backends. Exactly one backend is active per
// process; all of them speak the same msgpack envelope.
package transport

import (
	"context"
	"fmt"
	"time"

	"yqhp/dispatch-engine/pkg/types"
)

// Conn is one live peer connection, as seen by the local process.
type Conn interface {
	// ID returns the peer's minion ID once known, the remote address before.
	ID() string
	// RemoteAddr returns the peer network address, empty for brokered backends.
	RemoteAddr() string
	// Send enqueues one message. It returns a TransportError when the
	// connection is closed or the outbound queue cannot accept the message
	// within the backend's send timeout. Delivery is at-most-once.
	Send(msg *types.Message) error
	// Close tears the connection down. Safe to call twice.
	Close() error
}

// Inbound couples a received message with the connection it arrived on.
type Inbound struct {
	Conn Conn
	Msg  *types.Message
}

// Listener is the master side of a backend: it accepts minion connections and
// surfaces their traffic as one merged stream.
type Listener interface {
	// Start begins accepting. It returns once the listener is ready; the
	// accept loop runs until ctx is cancelled or Close is called.
	Start(ctx context.Context) error
	// Recv returns the inbound stream. The channel stays open for the
	// lifetime of the listener; consuming it is the only way messages
	// advance. Closed on shutdown.
	Recv() <-chan Inbound
	// Lookup resolves a registered minion ID to its live connection.
	Lookup(minionID string) (Conn, bool)
	// Fatal delivers at most one unrecoverable listener error. A listener
	// failure is the only transport condition the process must not survive.
	Fatal() <-chan error
	// Close stops accepting and closes every connection.
	Close() error
}

// Dialer is the minion side of a backend.
type Dialer interface {
	// Dial connects to one master address. The returned Conn's inbound
	// traffic is delivered through the Recv channel of the DialedConn.
	Dial(ctx context.Context, addr string) (*DialedConn, error)
}

// DialedConn is a minion's connection to a master plus its inbound stream.
type DialedConn struct {
	Conn Conn
	Recv <-chan *types.Message
}

// MonitorFunc receives socket monitor events (connect, disconnect, subscribe,
// error). Nil disables monitoring. Verbose; wired to the event bus when the
// socket_monitor config flag is set.
type MonitorFunc func(kind string, fields map[string]interface{})

// Options carries backend tuning shared across implementations.
type Options struct {
	ListenAddr    string
	MaxFrameBytes int
	SendTimeout   time.Duration
	KeepAlive     time.Duration
	Monitor       MonitorFunc
}

// Monitored reports whether a monitor hook is installed.
func (o *Options) Monitored() bool { return o.Monitor != nil }

// Emit fires a socket monitor event if monitoring is enabled.
func (o *Options) Emit(kind string, fields map[string]interface{}) {
	if o.Monitor != nil {
		o.Monitor(kind, fields)
	}
}

// ParseKind validates a configured backend name.
func ParseKind(s string) (types.TransportKind, error) {
	switch types.TransportKind(s) {
	case types.TransportRedisQ, types.TransportTCP, types.TransportRUDP:
		return types.TransportKind(s), nil
	}
	return "", fmt.Errorf("unknown transport kind: %q", s)
}
