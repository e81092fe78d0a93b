package types

import "time"

// JobStatus represents the lifecycle state of a job.
type JobStatus string

const (
	// JobStatusPending indicates the job was accepted but not yet fanned out.
	JobStatusPending JobStatus = "pending"
	// JobStatusDispatched indicates the fan-out was launched for every
	// targeted minion. Individual sends may still be in flight.
	JobStatusDispatched JobStatus = "dispatched"
	// JobStatusPartiallyComplete indicates some, not all, replies arrived.
	JobStatusPartiallyComplete JobStatus = "partially_complete"
	// JobStatusComplete indicates every expected reply arrived.
	JobStatusComplete JobStatus = "complete"
	// JobStatusTimedOut indicates the deadline expired with replies missing.
	JobStatusTimedOut JobStatus = "timed_out"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusComplete || s == JobStatusTimedOut
}

// statusRank orders statuses along the only legal progression. Transitions
// must never move to an equal or lower rank.
var statusRank = map[JobStatus]int{
	JobStatusPending:           0,
	JobStatusDispatched:        1,
	JobStatusPartiallyComplete: 2,
	JobStatusComplete:          3,
	JobStatusTimedOut:          3,
}

// CanAdvance reports whether a transition from s to next is legal.
func (s JobStatus) CanAdvance(next JobStatus) bool {
	if s.Terminal() {
		return false
	}
	return statusRank[next] > statusRank[s]
}

// JobRecord is the persisted metadata of a submitted job.
type JobRecord struct {
	JobID     string        `json:"jid"`
	Fun       string        `json:"fun"`
	Args      []interface{} `json:"args,omitempty"`
	Target    TargetSpec    `json:"target"`
	Minions   []string      `json:"minions"`
	Status    JobStatus     `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	EndedAt   *time.Time    `json:"ended_at,omitempty"`
}

// JobReport is the full answer to a job query: metadata plus the replies
// received so far, in receipt order, plus missing minions and latency
// percentiles once the job is terminal.
type JobReport struct {
	JobRecord
	Replies []*Reply     `json:"replies"`
	Missing []string     `json:"missing,omitempty"`
	Latency *LatencyStat `json:"latency,omitempty"`
}

// LatencyStat summarizes reply latencies for one job.
type LatencyStat struct {
	Count int64         `json:"count"`
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
	Max   time.Duration `json:"max"`
}
