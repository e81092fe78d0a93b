package tcpsock

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"

	"yqhp/dispatch-engine/internal/transport"
	"yqhp/dispatch-engine/pkg/logger"
	"yqhp/dispatch-engine/pkg/types"
)

// Dialer is the minion-side TCP connector.
type Dialer struct {
	opts *transport.Options
}

// NewDialer builds a dialer for the given options.
func NewDialer(opts *transport.Options) *Dialer {
	return &Dialer{opts: opts}
}

// Dial connects to one master. Keep-alive pings from the master are answered
// here; everything else flows out through Recv.
func (d *Dialer) Dial(ctx context.Context, addr string) (*transport.DialedConn, error) {
	nd := net.Dialer{Timeout: 10 * time.Second}
	raw, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, types.NewTransportError("connect", "", err)
	}

	c := newTCPConn(raw, d.opts)
	go c.writePump()

	recv := make(chan *types.Message, 256)
	go func() {
		defer close(recv)
		defer c.Close()
		for {
			msg, err := transport.ReadFrame(raw, d.opts.MaxFrameBytes)
			if err != nil {
				logger.Debug("tcp: master read failed", zap.String("master", addr), zap.Error(err))
				return
			}

			if msg.Type == types.MsgPing {
				pong, err := types.NewMessage(types.MsgPong, nil)
				if err == nil {
					_ = c.Send(pong)
				}
				continue
			}

			select {
			case recv <- msg:
			case <-c.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	return &transport.DialedConn{Conn: c, Recv: recv}, nil
}
