package dispatch

import (
	"context"
	"time"

	"yqhp/dispatch-engine/internal/transport"
	"yqhp/dispatch-engine/pkg/types"
)

// MinionView is the registry surface the dispatcher resolves targets against.
// Resolution runs once per submission, over this snapshot.
type MinionView interface {
	// Online returns the currently online minions.
	Online() []*types.MinionInfo
}

// ConnLookup resolves a minion ID to its live transport connection.
type ConnLookup interface {
	// Lookup returns the connection for a registered minion ID.
	Lookup(minionID string) (transport.Conn, bool)
}

// Recorder persists job metadata and per-minion results.
type Recorder interface {
	// Record writes the job row at submit time.
	Record(ctx context.Context, rec *types.JobRecord) error

	// AppendResult stores one reply.
	AppendResult(ctx context.Context, jobID string, reply *types.Reply) error

	// Finalize stamps the terminal status.
	Finalize(ctx context.Context, jobID string, status types.JobStatus, endedAt *time.Time) error

	// Query reconstructs the job report.
	Query(ctx context.Context, jobID string) (*types.JobReport, error)

	// ListJobs returns recent jobs, newest first.
	ListJobs(ctx context.Context, limit int) ([]*types.JobRecord, error)
}

// EventBus is where the dispatcher publishes job lifecycle traffic and
// where Wait listens for terminal events.
type EventBus interface {
	// Publish fans an event out to matching subscribers.
	Publish(tag string, data map[string]interface{})

	// Subscribe returns a stream of events whose tags start with pattern.
	Subscribe(ctx context.Context, pattern string) <-chan *types.Event
}
