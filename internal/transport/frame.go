package transport

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"yqhp/dispatch-engine/pkg/types"
)

// Framing: uint32 big-endian body length, then the msgpack-encoded envelope.
// Oversized frames are rejected before allocation so a bad peer cannot make
// the reader allocate unbounded memory.

const lenPrefixBytes = 4

// DefaultMaxFrameBytes bounds a single envelope on the wire.
const DefaultMaxFrameBytes = 8 * 1024 * 1024

var (
	ErrFrameTooLarge = errors.New("transport: frame exceeds max size")
	ErrShortFrame    = errors.New("transport: short frame")
	ErrEmptyFrame    = errors.New("transport: empty frame")
)

// ReadFrame reads one framed envelope from r.
func ReadFrame(r io.Reader, maxBytes int) (*types.Message, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFrameBytes
	}

	var prefix [lenPrefixBytes]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrShortFrame
		}
		return nil, err
	}

	n := binary.BigEndian.Uint32(prefix[:])
	if n == 0 {
		return nil, ErrEmptyFrame
	}
	if n > uint32(maxBytes) {
		return nil, ErrFrameTooLarge
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return nil, ErrShortFrame
		}
		return nil, err
	}

	var msg types.Message
	if err := msgpack.Unmarshal(body, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// WriteFrame writes one framed envelope to w.
func WriteFrame(w io.Writer, msg *types.Message, maxBytes int) error {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFrameBytes
	}

	body, err := EncodeFrame(msg, maxBytes)
	if err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// EncodeFrame serializes an envelope with its length prefix.
func EncodeFrame(msg *types.Message, maxBytes int) ([]byte, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFrameBytes
	}

	body, err := msgpack.Marshal(msg)
	if err != nil {
		return nil, err
	}
	if len(body) > maxBytes {
		return nil, ErrFrameTooLarge
	}

	out := make([]byte, lenPrefixBytes+len(body))
	binary.BigEndian.PutUint32(out[:lenPrefixBytes], uint32(len(body)))
	copy(out[lenPrefixBytes:], body)
	return out, nil
}

// DecodeFrame parses one length-prefixed envelope from a datagram buffer.
// Returns the envelope and the total bytes consumed.
func DecodeFrame(buf []byte, maxBytes int) (*types.Message, int, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxFrameBytes
	}
	if len(buf) < lenPrefixBytes {
		return nil, 0, ErrShortFrame
	}

	n := binary.BigEndian.Uint32(buf[:lenPrefixBytes])
	if n == 0 {
		return nil, 0, ErrEmptyFrame
	}
	if n > uint32(maxBytes) {
		return nil, 0, ErrFrameTooLarge
	}
	if len(buf) < lenPrefixBytes+int(n) {
		return nil, 0, ErrShortFrame
	}

	var msg types.Message
	if err := msgpack.Unmarshal(buf[lenPrefixBytes:lenPrefixBytes+int(n)], &msg); err != nil {
		return nil, 0, err
	}
	return &msg, lenPrefixBytes + int(n), nil
}
