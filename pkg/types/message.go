package types

import (
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// MessageType defines the wire message types exchanged between master and minion.
type MessageType string

const (
	// Master -> Minion
	MsgRequest     MessageType = "request"
	MsgPing        MessageType = "ping"
	MsgRegisterAck MessageType = "register_ack"

	// Minion -> Master
	MsgRegister  MessageType = "register"
	MsgHeartbeat MessageType = "heartbeat"
	MsgReply     MessageType = "reply"
	MsgPong      MessageType = "pong"
	MsgEvent     MessageType = "event"
)

// Message is the unified envelope for all transport traffic. The envelope and
// every payload are serialized with msgpack regardless of the backend carrying
// them.
type Message struct {
	Type MessageType        `msgpack:"type"`
	Data msgpack.RawMessage `msgpack:"data,omitempty"`
}

// NewMessage packs a payload into an envelope.
func NewMessage(t MessageType, payload interface{}) (*Message, error) {
	if payload == nil {
		return &Message{Type: t}, nil
	}
	data, err := msgpack.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{Type: t, Data: data}, nil
}

// Decode unpacks the envelope payload into v.
func (m *Message) Decode(v interface{}) error {
	return msgpack.Unmarshal(m.Data, v)
}

// Request carries one command to one minion.
type Request struct {
	JobID    string                 `msgpack:"job_id"`
	MinionID string                 `msgpack:"minion_id"`
	Fun      string                 `msgpack:"fun"`
	Args     []interface{}          `msgpack:"args,omitempty"`
	Kwargs   map[string]interface{} `msgpack:"kwargs,omitempty"`
}

// Reply carries one minion's result for one job. Success reports whether the
// command handler ran without error; Error holds the handler error text when
// it did not.
type Reply struct {
	JobID      string      `msgpack:"job_id" json:"jid"`
	MinionID   string      `msgpack:"minion_id" json:"minion_id"`
	Return     interface{} `msgpack:"return,omitempty" json:"return,omitempty"`
	Error      string      `msgpack:"error,omitempty" json:"error,omitempty"`
	Retcode    int         `msgpack:"retcode" json:"retcode"`
	Success    bool        `msgpack:"success" json:"success"`
	ReceivedAt time.Time   `msgpack:"-" json:"received_at"`
}

// RegisterPayload is the first message a minion sends on a new connection.
type RegisterPayload struct {
	MinionID string                 `msgpack:"minion_id"`
	Version  string                 `msgpack:"version,omitempty"`
	Grains   map[string]interface{} `msgpack:"grains,omitempty"`
}

// RegisterAckPayload is the master's answer to a successful registration.
type RegisterAckPayload struct {
	MasterID            string `msgpack:"master_id"`
	HeartbeatIntervalMS int64  `msgpack:"heartbeat_interval_ms"`
	Version             string `msgpack:"version,omitempty"`
}

// HeartbeatPayload refreshes a minion's liveness.
type HeartbeatPayload struct {
	MinionID string `msgpack:"minion_id"`
	SentAt   int64  `msgpack:"sent_at_ms"`
}

// EventPayload lets a minion fire an event onto the master bus.
type EventPayload struct {
	MinionID string                 `msgpack:"minion_id"`
	Tag      string                 `msgpack:"tag"`
	Data     map[string]interface{} `msgpack:"data,omitempty"`
}
