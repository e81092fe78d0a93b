package rudp

import (
	"context"
	"net"

	"go.uber.org/zap"

	"yqhp/dispatch-engine/internal/transport"
	"yqhp/dispatch-engine/pkg/logger"
	"yqhp/dispatch-engine/pkg/types"
)

// Dialer is the minion side of the reliable datagram backend.
type Dialer struct {
	opts *transport.Options
	cfg  sessionConfig
}

// NewDialer builds a dialer.
func NewDialer(opts *transport.Options, cfg Config) *Dialer {
	return &Dialer{
		opts: opts,
		cfg: sessionConfig{
			BufferCount:   cfg.BufferCount,
			RetransmitMin: cfg.RetransmitMin,
			RetransmitMax: cfg.RetransmitMax,
			MaxRetries:    cfg.MaxRetries,
			MaxFrameBytes: opts.MaxFrameBytes,
		}.withDefaults(),
	}
}

// Dial opens a connected UDP socket toward one master. UDP gives no connect
// handshake, so reachability only shows once the first send goes unacked;
// callers treat a failed register send as a dead master and move on.
func (d *Dialer) Dial(ctx context.Context, addr string) (*transport.DialedConn, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, types.NewTransportError("connect", "", err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, types.NewTransportError("connect", "", err)
	}

	recv := make(chan *types.Message, 256)

	var sess *session
	deliver := func(msg *types.Message) {
		select {
		case recv <- msg:
		case <-sess.closed:
		}
	}
	write := func(data []byte) error {
		_, err := conn.Write(data)
		return err
	}

	sess = newSession(addr, d.cfg, write, deliver)
	sess.onClose = func() {
		_ = conn.Close()
	}

	go func() {
		defer close(recv)
		buf := make([]byte, maxDatagramBytes+headerBytes)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				select {
				case <-sess.closed:
				default:
					logger.Debug("rudp: master read failed", zap.String("master", addr), zap.Error(err))
					_ = sess.Close()
				}
				return
			}

			pkt, err := decodePacket(buf[:n])
			if err != nil {
				continue
			}
			pkt.payload = append([]byte(nil), pkt.payload...)

			sess.handlePacket(pkt)

			select {
			case <-ctx.Done():
				_ = sess.Close()
				return
			default:
			}
		}
	}()

	return &transport.DialedConn{Conn: sess, Recv: recv}, nil
}
