// Package rudp implements the reliable datagram backend: UDP plus explicit
// acks, retransmission with backoff, and per-peer ordering buffers. The
// buffer count bounds both the sender's unacked window and the receiver's
// reorder buffer, so memory stays fixed under fan-out.
package rudp

import (
	"encoding/binary"
	"errors"

	"github.com/vmihailenco/msgpack/v5"

	"yqhp/dispatch-engine/pkg/types"
)

// Packet layout: magic(1) version(1) kind(1) seq(4) payload(n).
// Datagram boundaries do the framing; the payload is one msgpack envelope.
const (
	packetMagic   byte = 0xD5
	packetVersion byte = 0x01

	kindData byte = 0x01
	kindAck  byte = 0x02

	headerBytes = 7

	// maxDatagramBytes keeps encoded packets under the practical UDP limit.
	maxDatagramBytes = 60 * 1024
)

var (
	ErrBadPacket        = errors.New("rudp: malformed packet")
	ErrDatagramTooLarge = errors.New("rudp: payload exceeds datagram limit")
)

type packet struct {
	kind    byte
	seq     uint32
	payload []byte
}

func encodePacket(kind byte, seq uint32, payload []byte) ([]byte, error) {
	if headerBytes+len(payload) > maxDatagramBytes {
		return nil, ErrDatagramTooLarge
	}
	buf := make([]byte, headerBytes+len(payload))
	buf[0] = packetMagic
	buf[1] = packetVersion
	buf[2] = kind
	binary.BigEndian.PutUint32(buf[3:7], seq)
	copy(buf[headerBytes:], payload)
	return buf, nil
}

func decodePacket(buf []byte) (packet, error) {
	if len(buf) < headerBytes {
		return packet{}, ErrBadPacket
	}
	if buf[0] != packetMagic || buf[1] != packetVersion {
		return packet{}, ErrBadPacket
	}
	kind := buf[2]
	if kind != kindData && kind != kindAck {
		return packet{}, ErrBadPacket
	}
	return packet{
		kind:    kind,
		seq:     binary.BigEndian.Uint32(buf[3:7]),
		payload: buf[headerBytes:],
	}, nil
}

func encodeData(seq uint32, msg *types.Message, maxFrameBytes int) ([]byte, error) {
	payload, err := msgpack.Marshal(msg)
	if err != nil {
		return nil, err
	}
	if maxFrameBytes > 0 && len(payload) > maxFrameBytes {
		return nil, ErrDatagramTooLarge
	}
	return encodePacket(kindData, seq, payload)
}

func encodeAck(seq uint32) []byte {
	buf, _ := encodePacket(kindAck, seq, nil)
	return buf
}

func decodeEnvelope(payload []byte) (*types.Message, error) {
	var msg types.Message
	if err := msgpack.Unmarshal(payload, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
