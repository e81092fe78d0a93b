package types

import "time"

// TransportKind selects the wire backend. Exactly one is active per process.
type TransportKind string

const (
	// TransportRedisQ delivers through a Redis broker.
	TransportRedisQ TransportKind = "redisq"
	// TransportTCP delivers over asynchronous framed TCP.
	TransportTCP TransportKind = "tcp"
	// TransportRUDP delivers over reliable datagrams.
	TransportRUDP TransportKind = "rudp"
)

// MinionInfo contains minion registration information.
type MinionInfo struct {
	ID        string                 `json:"id"`
	Transport TransportKind          `json:"transport"`
	Address   string                 `json:"address,omitempty"`
	Version   string                 `json:"version,omitempty"`
	Grains    map[string]interface{} `json:"grains,omitempty"`
}

// MinionState represents the liveness of a registered minion.
type MinionState string

const (
	// MinionStateOnline indicates recent traffic was observed.
	MinionStateOnline MinionState = "online"
	// MinionStateOffline indicates the minion aged past the stale window.
	MinionStateOffline MinionState = "offline"
)

// MinionStatus represents the current liveness of a minion.
type MinionStatus struct {
	State    MinionState `json:"state"`
	LastSeen time.Time   `json:"last_seen"`
}

// MinionEvent represents a minion lifecycle event.
type MinionEvent struct {
	Type     MinionEventType
	MinionID string
	Minion   *MinionInfo
	// Reason qualifies MinionEventLeft: "stale" or "unregistered".
	Reason string
}

// MinionEventType defines the type of minion event.
type MinionEventType string

const (
	// MinionEventJoined indicates a minion registered.
	MinionEventJoined MinionEventType = "joined"
	// MinionEventLeft indicates a minion unregistered or was evicted.
	MinionEventLeft MinionEventType = "left"
	// MinionEventOnline indicates an offline minion recovered.
	MinionEventOnline MinionEventType = "online"
	// MinionEventOffline indicates a minion aged past the stale window.
	MinionEventOffline MinionEventType = "offline"
)
