package returner

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/dispatch-engine/internal/config"
	"yqhp/dispatch-engine/pkg/logger"
	"yqhp/dispatch-engine/pkg/types"
)

type brokenSink struct{}

func (brokenSink) Record(context.Context, *types.JobRecord) error { return errors.New("down") }
func (brokenSink) AppendResult(context.Context, string, *types.Reply) error {
	return errors.New("down")
}
func (brokenSink) Finalize(context.Context, string, types.JobStatus, *time.Time) error {
	return errors.New("down")
}
func (brokenSink) Query(context.Context, string) (*types.JobReport, error) {
	return nil, errors.New("down")
}
func (brokenSink) ListJobs(context.Context, int) ([]*types.JobRecord, error) {
	return nil, errors.New("down")
}
func (brokenSink) Close() error { return errors.New("down") }

type capturingHook struct {
	reports chan *types.JobReport
}

func (h *capturingHook) JobFinished(_ context.Context, report *types.JobReport) error {
	h.reports <- report
	return nil
}
func (h *capturingHook) Close() error { return nil }

func TestNewMultiDefaultsToLocalOnly(t *testing.T) {
	cfg := &config.ReturnerConfig{
		Backends:   []string{"local"},
		SQLitePath: filepath.Join(t.TempDir(), "jobs.db"),
	}
	m, err := New(cfg)
	require.NoError(t, err)
	defer m.Close()

	assert.Empty(t, m.sinks)
	assert.Empty(t, m.hooks)
}

func TestNewMultiRejectsUnknownBackend(t *testing.T) {
	cfg := &config.ReturnerConfig{
		Backends:   []string{"carrier-pigeon"},
		SQLitePath: filepath.Join(t.TempDir(), "jobs.db"),
	}
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestMultiSinkFailureDoesNotPropagate(t *testing.T) {
	local := newTestLocal(t)
	m := &Multi{local: local, sinks: []Returner{brokenSink{}}, log: logger.Named("test")}
	ctx := context.Background()

	rec := sampleRecord("20260801130000000001", "web-1")
	assert.NoError(t, m.Record(ctx, rec))
	assert.NoError(t, m.AppendResult(ctx, rec.JobID, sampleReply(rec.JobID, "web-1", "pong")))
	assert.NoError(t, m.Finalize(ctx, rec.JobID, types.JobStatusComplete, nil))

	report, err := m.Query(ctx, rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusComplete, report.Status)
}

func TestMultiHookGetsFinalReport(t *testing.T) {
	local := newTestLocal(t)
	hook := &capturingHook{reports: make(chan *types.JobReport, 1)}
	m := &Multi{local: local, hooks: []ReportHook{hook}, log: logger.Named("test")}
	ctx := context.Background()

	rec := sampleRecord("20260801130000000002", "web-1")
	require.NoError(t, m.Record(ctx, rec))
	require.NoError(t, m.AppendResult(ctx, rec.JobID, sampleReply(rec.JobID, "web-1", "pong")))
	require.NoError(t, m.Finalize(ctx, rec.JobID, types.JobStatusComplete, nil))

	select {
	case report := <-hook.reports:
		assert.Equal(t, rec.JobID, report.JobID)
		assert.Equal(t, types.JobStatusComplete, report.Status)
		require.Len(t, report.Replies, 1)
		assert.Equal(t, "web-1", report.Replies[0].MinionID)
	case <-time.After(2 * time.Second):
		t.Fatal("hook never received the report")
	}
}
