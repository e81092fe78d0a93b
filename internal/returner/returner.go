package returner

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"yqhp/dispatch-engine/internal/config"
	"yqhp/dispatch-engine/pkg/logger"
	"yqhp/dispatch-engine/pkg/types"
)

// Returner persists job metadata and per-minion results. Record runs at
// submit, AppendResult on every accepted reply, Finalize when the job goes
// terminal. Query reconstructs the job report; an unknown id yields
// types.ErrUnknownJob, never a panic.
type Returner interface {
	Record(ctx context.Context, rec *types.JobRecord) error
	AppendResult(ctx context.Context, jobID string, reply *types.Reply) error
	Finalize(ctx context.Context, jobID string, status types.JobStatus, endedAt *time.Time) error
	Query(ctx context.Context, jobID string) (*types.JobReport, error)
	ListJobs(ctx context.Context, limit int) ([]*types.JobRecord, error)
	Close() error
}

// ReportHook receives finalized job reports. Hooks are fire-and-forget: a
// failing hook is logged, never propagated into the dispatch path.
type ReportHook interface {
	JobFinished(ctx context.Context, report *types.JobReport) error
	Close() error
}

// Multi fans every write out to the configured backends. The local cache
// is always present and is the single read source; additional sinks only
// mirror writes, and hooks fire once per finalized job.
type Multi struct {
	local Returner
	sinks []Returner
	hooks []ReportHook
	log   *zap.Logger
}

// New assembles the returner stack from config. The local backend is created
// unconditionally, whatever the backends list says.
func New(cfg *config.ReturnerConfig) (*Multi, error) {
	local, err := NewLocal(cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open local job cache: %w", err)
	}

	m := &Multi{
		local: local,
		log:   logger.Named("returner"),
	}

	for _, name := range cfg.Backends {
		switch name {
		case "local":
			// always on
		case "sql":
			sink, err := NewSQL(cfg.SQLDriver, cfg.SQLDSN)
			if err != nil {
				local.Close()
				return nil, fmt.Errorf("open sql returner: %w", err)
			}
			m.sinks = append(m.sinks, sink)
		case "webhook":
			hook, err := NewWebhook(cfg.WebhookURL, cfg.WebhookRetry, cfg.WebhookWait)
			if err != nil {
				local.Close()
				return nil, fmt.Errorf("configure webhook returner: %w", err)
			}
			m.hooks = append(m.hooks, hook)
		default:
			local.Close()
			return nil, fmt.Errorf("unknown returner backend: %s", name)
		}
	}

	return m, nil
}

// Record writes job metadata everywhere. The local cache error is returned;
// sink failures are logged and swallowed so one bad sink cannot stall jobs.
func (m *Multi) Record(ctx context.Context, rec *types.JobRecord) error {
	for _, sink := range m.sinks {
		if err := sink.Record(ctx, rec); err != nil {
			m.log.Warn("sink record failed", zap.String("jid", rec.JobID), zap.Error(err))
		}
	}
	return m.local.Record(ctx, rec)
}

// AppendResult stores one reply everywhere.
func (m *Multi) AppendResult(ctx context.Context, jobID string, reply *types.Reply) error {
	for _, sink := range m.sinks {
		if err := sink.AppendResult(ctx, jobID, reply); err != nil {
			m.log.Warn("sink append failed", zap.String("jid", jobID),
				zap.String("minion", reply.MinionID), zap.Error(err))
		}
	}
	return m.local.AppendResult(ctx, jobID, reply)
}

// Finalize marks the job terminal, then hands the finished report to every
// hook in the background.
func (m *Multi) Finalize(ctx context.Context, jobID string, status types.JobStatus, endedAt *time.Time) error {
	for _, sink := range m.sinks {
		if err := sink.Finalize(ctx, jobID, status, endedAt); err != nil {
			m.log.Warn("sink finalize failed", zap.String("jid", jobID), zap.Error(err))
		}
	}
	err := m.local.Finalize(ctx, jobID, status, endedAt)

	if len(m.hooks) > 0 {
		report, qerr := m.local.Query(ctx, jobID)
		if qerr != nil {
			m.log.Warn("query for hooks failed", zap.String("jid", jobID), zap.Error(qerr))
		} else {
			for _, hook := range m.hooks {
				go func(h ReportHook) {
					if herr := h.JobFinished(context.Background(), report); herr != nil {
						m.log.Warn("report hook failed", zap.String("jid", jobID), zap.Error(herr))
					}
				}(hook)
			}
		}
	}

	return err
}

// Query reads from the local cache.
func (m *Multi) Query(ctx context.Context, jobID string) (*types.JobReport, error) {
	return m.local.Query(ctx, jobID)
}

// ListJobs reads from the local cache.
func (m *Multi) ListJobs(ctx context.Context, limit int) ([]*types.JobRecord, error) {
	return m.local.ListJobs(ctx, limit)
}

// Close releases every backend.
func (m *Multi) Close() error {
	for _, sink := range m.sinks {
		if err := sink.Close(); err != nil {
			m.log.Warn("sink close failed", zap.Error(err))
		}
	}
	for _, hook := range m.hooks {
		if err := hook.Close(); err != nil {
			m.log.Warn("hook close failed", zap.Error(err))
		}
	}
	return m.local.Close()
}
