package types

import "time"

// Event is the envelope delivered to event bus subscribers. Tags are
// hierarchical slash-separated strings; Data is an arbitrary JSON-shaped map.
// ID is unique per published event and shared by every subscriber's copy, so
// clients reading more than one stream can deduplicate.
type Event struct {
	ID   string                 `json:"id"`
	Tag  string                 `json:"tag"`
	Data map[string]interface{} `json:"data,omitempty"`
	Time time.Time              `json:"ts"`
}

// Well-known tags and tag prefixes.
const (
	TagMinionJoin  = "minion/join"
	TagMinionLeave = "minion/leave"
	TagBusDropped  = "bus/dropped"

	// TagSockPrefix prefixes socket monitor events (transport/sock/<kind>).
	TagSockPrefix = "transport/sock/"
)

// TagJobNew is the tag fired when a job is submitted.
func TagJobNew(jid string) string { return "job/" + jid + "/new" }

// TagJobRet is the tag fired for each reply received for a job.
func TagJobRet(jid, minionID string) string { return "job/" + jid + "/ret/" + minionID }

// TagJobComplete is the tag fired when every expected reply arrived.
func TagJobComplete(jid string) string { return "job/" + jid + "/complete" }

// TagJobTimeout is the tag fired when a job deadline expires.
func TagJobTimeout(jid string) string { return "job/" + jid + "/timeout" }
