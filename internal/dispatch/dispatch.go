package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	hdrhistogram "github.com/HdrHistogram/hdrhistogram-go"
	"go.uber.org/zap"

	"yqhp/dispatch-engine/internal/jid"
	"yqhp/dispatch-engine/internal/target"
	"yqhp/dispatch-engine/internal/transport"
	"yqhp/dispatch-engine/pkg/logger"
	"yqhp/dispatch-engine/pkg/types"
	"yqhp/dispatch-engine/pkg/util"
)

// DefaultDeadline bounds a job when neither the submission nor the
// configuration names one.
const DefaultDeadline = 60 * time.Second

// Reply latencies are recorded in microseconds, 1µs to 10min.
const (
	minLatencyUS = 1
	maxLatencyUS = int64(10 * time.Minute / time.Microsecond)
)

// Submission describes one job to fan out.
type Submission struct {
	Fun    string
	Args   []interface{}
	Kwargs map[string]interface{}
	Target types.TargetSpec
	// Deadline bounds the whole job. Zero means the configured default.
	Deadline time.Duration
}

// jobState is the in-memory side of one in-flight job. Terminal jobs are
// dropped from memory; the returner keeps their history.
type jobState struct {
	record   *types.JobRecord
	expected map[string]struct{}
	replies  []*types.Reply // receipt order
	replied  map[string]struct{}
	failed   map[string]struct{}
	hist     *hdrhistogram.Histogram
	timer    *time.Timer
}

// settled reports whether every expected minion is accounted for, by reply
// or by delivery failure.
func (st *jobState) settled() bool {
	return len(st.replied)+len(st.failed) >= len(st.expected)
}

// finished carries everything a terminal transition needs to publish after
// the lock is released.
type finished struct {
	jid     string
	status  types.JobStatus
	endedAt time.Time
	missing []string
	failed  []string
	reason  string
	replies int
	latency *types.LatencyStat
}

// Dispatcher runs the master's job engine. All state transitions go through
// its mutex; storage and bus traffic happen outside it.
type Dispatcher struct {
	minions MinionView
	conns   ConnLookup
	store   Recorder
	bus     EventBus

	jids    *jid.Generator
	pending *transport.PendingTable

	deadline  time.Duration
	recordEnd bool

	mu     sync.RWMutex
	jobs   map[string]*jobState
	closed bool

	wg  sync.WaitGroup
	log *zap.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithDefaultDeadline overrides the fallback job deadline.
func WithDefaultDeadline(d time.Duration) Option {
	return func(dp *Dispatcher) {
		if d > 0 {
			dp.deadline = d
		}
	}
}

// WithEndTimeRecording controls whether terminal jobs get an end timestamp.
func WithEndTimeRecording(on bool) Option {
	return func(dp *Dispatcher) { dp.recordEnd = on }
}

// New wires a Dispatcher.
func New(minions MinionView, conns ConnLookup, store Recorder, bus EventBus, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		minions:  minions,
		conns:    conns,
		store:    store,
		bus:      bus,
		jids:     jid.NewGenerator(),
		pending:  transport.NewPendingTable(),
		deadline: DefaultDeadline,
		jobs:     make(map[string]*jobState),
		log:      logger.Named("dispatch"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Submit accepts a job, resolves its target against the online minions and
// launches the fan-out. It returns the job record snapshot; replies stream
// in asynchronously. A target matching no minions completes immediately.
func (d *Dispatcher) Submit(ctx context.Context, sub Submission) (*types.JobRecord, error) {
	if sub.Fun == "" {
		return nil, errors.New("fun cannot be empty")
	}
	d.mu.RLock()
	closed := d.closed
	d.mu.RUnlock()
	if closed {
		return nil, errors.New("dispatcher is closed")
	}

	jobID := d.jids.Next()
	ids := target.Resolve(sub.Target, d.minions.Online())

	rec := &types.JobRecord{
		JobID:     jobID,
		Fun:       sub.Fun,
		Args:      sub.Args,
		Target:    sub.Target,
		Minions:   ids,
		Status:    types.JobStatusPending,
		CreatedAt: time.Now(),
	}

	if err := d.store.Record(ctx, rec); err != nil {
		// The job still runs; only its history is degraded.
		d.log.Warn("record job failed", zap.String("jid", jobID), zap.Error(err))
	}

	d.bus.Publish(types.TagJobNew(jobID), map[string]interface{}{
		"jid":     jobID,
		"fun":     sub.Fun,
		"target":  string(sub.Target.Kind),
		"minions": ids,
	})

	if len(ids) == 0 {
		return d.completeEmpty(ctx, rec), nil
	}

	st := &jobState{
		record:   rec,
		expected: make(map[string]struct{}, len(ids)),
		replied:  make(map[string]struct{}, len(ids)),
		failed:   make(map[string]struct{}),
		hist:     hdrhistogram.New(minLatencyUS, maxLatencyUS, 3),
	}
	for _, id := range ids {
		st.expected[id] = struct{}{}
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, errors.New("dispatcher is closed")
	}
	d.jobs[jobID] = st
	d.mu.Unlock()

	for _, id := range ids {
		d.pending.Track(jobID, id)
		d.wg.Add(1)
		go d.sendOne(jobID, id, sub)
	}

	deadline := sub.Deadline
	if deadline <= 0 {
		deadline = d.deadline
	}

	// Fast replies may have finished the job while the fan-out was still
	// launching; only arm the timer for a job that is still live.
	d.mu.Lock()
	if live, ok := d.jobs[jobID]; ok {
		if live.record.Status.CanAdvance(types.JobStatusDispatched) {
			live.record.Status = types.JobStatusDispatched
		}
		live.timer = time.AfterFunc(deadline, func() { d.expire(jobID) })
	}
	out := *rec
	d.mu.Unlock()

	d.log.Info("job dispatched",
		zap.String("jid", jobID),
		zap.String("fun", sub.Fun),
		zap.Int("minions", len(ids)))

	return &out, nil
}

// completeEmpty finalizes a job whose target matched nothing.
func (d *Dispatcher) completeEmpty(ctx context.Context, rec *types.JobRecord) *types.JobRecord {
	rec.Status = types.JobStatusComplete
	var endedAt *time.Time
	if d.recordEnd {
		now := time.Now()
		rec.EndedAt = &now
		endedAt = &now
	}
	if err := d.store.Finalize(ctx, rec.JobID, types.JobStatusComplete, endedAt); err != nil {
		d.log.Warn("finalize empty job failed", zap.String("jid", rec.JobID), zap.Error(err))
	}
	d.bus.Publish(types.TagJobComplete(rec.JobID), map[string]interface{}{
		"jid":    rec.JobID,
		"status": string(types.JobStatusComplete),
	})
	d.log.Info("job matched no minions", zap.String("jid", rec.JobID), zap.String("fun", rec.Fun))
	out := *rec
	return &out
}

// sendOne delivers one request. Any failure settles this minion's slot as a
// partial failure; the rest of the job is untouched.
func (d *Dispatcher) sendOne(jobID, minionID string, sub Submission) {
	defer d.wg.Done()

	conn, ok := d.conns.Lookup(minionID)
	if !ok {
		d.failSend(jobID, minionID, types.NewTransportError("send", minionID, types.ErrTargetUnreachable))
		return
	}

	req := &types.Request{
		JobID:    jobID,
		MinionID: minionID,
		Fun:      sub.Fun,
		Args:     sub.Args,
		Kwargs:   sub.Kwargs,
	}
	msg, err := types.NewMessage(types.MsgRequest, req)
	if err != nil {
		d.failSend(jobID, minionID, fmt.Errorf("encode request: %w", err))
		return
	}
	if err := conn.Send(msg); err != nil {
		d.failSend(jobID, minionID, err)
		return
	}
}

// failSend resolves the send token as failed. Only the first resolution of
// the pair folds the failure into the job.
func (d *Dispatcher) failSend(jobID, minionID string, cause error) {
	if _, ok := d.pending.Resolve(jobID, minionID, transport.SendOutcome{Err: cause}); !ok {
		return
	}
	d.applyFailure(jobID, minionID, cause)
}

// applyFailure records one minion's delivery failure as a partial-failure
// entry in the result set. The job survives unless nothing is left to wait
// for.
func (d *Dispatcher) applyFailure(jobID, minionID string, cause error) {
	synth := &types.Reply{
		JobID:      jobID,
		MinionID:   minionID,
		Error:      cause.Error(),
		Retcode:    1,
		Success:    false,
		ReceivedAt: time.Now(),
	}

	var fin *finished
	d.mu.Lock()
	st, live := d.jobs[jobID]
	if !live {
		d.mu.Unlock()
		return
	}
	if _, dup := st.failed[minionID]; dup {
		d.mu.Unlock()
		return
	}
	if _, ok := st.replied[minionID]; ok {
		d.mu.Unlock()
		return
	}
	st.failed[minionID] = struct{}{}
	if st.settled() {
		// Every slot is settled but at least one minion never answered.
		fin = d.finishLocked(st, types.JobStatusTimedOut, "unreachable")
	}
	d.mu.Unlock()

	d.log.Warn("send failed",
		zap.String("jid", jobID), zap.String("minion", minionID), zap.Error(cause))

	if err := d.store.AppendResult(context.Background(), jobID, synth); err != nil {
		d.log.Warn("append failure entry failed", zap.String("jid", jobID), zap.Error(err))
	}
	if fin != nil {
		d.announce(fin)
	}
}

// HandleReply folds one minion's answer into its job. The first reply per
// (job, minion) wins; duplicates and replies for unknown or finished jobs
// come back as errors for the caller to log.
func (d *Dispatcher) HandleReply(ctx context.Context, reply *types.Reply) error {
	if reply == nil || reply.JobID == "" || reply.MinionID == "" {
		return errors.New("reply missing job or minion id")
	}
	if reply.ReceivedAt.IsZero() {
		reply.ReceivedAt = time.Now()
	}

	if _, ok := d.pending.Resolve(reply.JobID, reply.MinionID, transport.SendOutcome{Reply: reply}); !ok {
		d.mu.RLock()
		_, live := d.jobs[reply.JobID]
		d.mu.RUnlock()
		if live {
			return fmt.Errorf("%w: job %s minion %s", types.ErrDuplicateReply, reply.JobID, reply.MinionID)
		}
		return fmt.Errorf("%w: %s", types.ErrUnknownJob, reply.JobID)
	}

	var fin *finished
	d.mu.Lock()
	st, live := d.jobs[reply.JobID]
	if !live {
		// Token won but the job went terminal in between. Late, dropped.
		d.mu.Unlock()
		return fmt.Errorf("%w: %s", types.ErrUnknownJob, reply.JobID)
	}
	st.replies = append(st.replies, reply)
	st.replied[reply.MinionID] = struct{}{}

	us := reply.ReceivedAt.Sub(st.record.CreatedAt).Microseconds()
	if us < minLatencyUS {
		us = minLatencyUS
	}
	if us > maxLatencyUS {
		us = maxLatencyUS
	}
	_ = st.hist.RecordValue(us)

	if st.settled() {
		if len(st.failed) == 0 {
			fin = d.finishLocked(st, types.JobStatusComplete, "")
		} else {
			fin = d.finishLocked(st, types.JobStatusTimedOut, "unreachable")
		}
	} else if st.record.Status.CanAdvance(types.JobStatusPartiallyComplete) {
		st.record.Status = types.JobStatusPartiallyComplete
	}
	d.mu.Unlock()

	if err := d.store.AppendResult(ctx, reply.JobID, reply); err != nil {
		d.log.Warn("append result failed",
			zap.String("jid", reply.JobID), zap.String("minion", reply.MinionID), zap.Error(err))
	}
	d.bus.Publish(types.TagJobRet(reply.JobID, reply.MinionID), map[string]interface{}{
		"jid":     reply.JobID,
		"minion":  reply.MinionID,
		"retcode": reply.Retcode,
		"success": reply.Success,
	})
	if fin != nil {
		d.announce(fin)
	}
	return nil
}

// FailMinion settles every in-flight send addressed to an evicted minion.
// The master calls this when the registry drops a peer.
func (d *Dispatcher) FailMinion(minionID string) {
	cause := types.NewTransportError("send", minionID, types.ErrTargetUnreachable)
	for _, tok := range d.pending.FailPeer(minionID, cause) {
		d.applyFailure(tok.JobID, tok.MinionID, cause)
	}
}

// expire is the deadline callback.
func (d *Dispatcher) expire(jobID string) {
	d.pending.ExpireJob(jobID)

	d.mu.Lock()
	st, live := d.jobs[jobID]
	var fin *finished
	if live {
		fin = d.finishLocked(st, types.JobStatusTimedOut, "deadline")
	}
	d.mu.Unlock()

	if fin != nil {
		d.announce(fin)
	}
}

// finishLocked moves a job to a terminal status and drops it from memory.
// Returns nil when the other terminal path got there first. Caller holds
// the write lock.
func (d *Dispatcher) finishLocked(st *jobState, status types.JobStatus, reason string) *finished {
	if !st.record.Status.CanAdvance(status) {
		return nil
	}
	st.record.Status = status
	if st.timer != nil {
		st.timer.Stop()
	}
	delete(d.jobs, st.record.JobID)

	now := time.Now()
	if d.recordEnd {
		st.record.EndedAt = &now
	}

	missing := make([]string, 0)
	failed := make([]string, 0, len(st.failed))
	for id := range st.expected {
		if _, ok := st.replied[id]; ok {
			continue
		}
		if _, ok := st.failed[id]; ok {
			failed = append(failed, id)
			continue
		}
		missing = append(missing, id)
	}
	sort.Strings(missing)
	sort.Strings(failed)

	fin := &finished{
		jid:     st.record.JobID,
		status:  status,
		endedAt: now,
		missing: missing,
		failed:  failed,
		reason:  reason,
		replies: len(st.replies),
	}
	if st.hist.TotalCount() > 0 {
		fin.latency = &types.LatencyStat{
			Count: st.hist.TotalCount(),
			P50:   time.Duration(st.hist.ValueAtQuantile(50)) * time.Microsecond,
			P95:   time.Duration(st.hist.ValueAtQuantile(95)) * time.Microsecond,
			P99:   time.Duration(st.hist.ValueAtQuantile(99)) * time.Microsecond,
			Max:   time.Duration(st.hist.Max()) * time.Microsecond,
		}
	}
	return fin
}

// announce persists the terminal status and publishes the terminal event.
// Runs outside the lock, once per job.
func (d *Dispatcher) announce(fin *finished) {
	var endedAt *time.Time
	if d.recordEnd {
		t := fin.endedAt
		endedAt = &t
	}
	if err := d.store.Finalize(context.Background(), fin.jid, fin.status, endedAt); err != nil {
		d.log.Warn("finalize failed", zap.String("jid", fin.jid), zap.Error(err))
	}

	data := map[string]interface{}{
		"jid":    fin.jid,
		"status": string(fin.status),
	}
	if fin.latency != nil {
		if m, err := util.ToMap(fin.latency); err == nil {
			data["latency"] = m
		}
	}

	if fin.status == types.JobStatusComplete {
		d.bus.Publish(types.TagJobComplete(fin.jid), data)
		d.log.Info("job complete",
			zap.String("jid", fin.jid), zap.Int("replies", fin.replies))
		return
	}

	data["missing"] = fin.missing
	data["reason"] = fin.reason
	if len(fin.failed) > 0 {
		data["failed"] = fin.failed
	}
	d.bus.Publish(types.TagJobTimeout(fin.jid), data)
	d.log.Warn("job timed out",
		zap.String("jid", fin.jid),
		zap.String("reason", fin.reason),
		zap.Strings("missing", fin.missing),
		zap.Strings("failed", fin.failed))
}

// Query returns the job report. A live job overlays its in-memory status on
// the stored rows; terminal jobs come straight from the store.
func (d *Dispatcher) Query(ctx context.Context, jobID string) (*types.JobReport, error) {
	report, err := d.store.Query(ctx, jobID)
	if err != nil {
		return nil, err
	}
	d.mu.RLock()
	if st, live := d.jobs[jobID]; live {
		report.Status = st.record.Status
	}
	d.mu.RUnlock()
	return report, nil
}

// ListJobs returns recent jobs, newest first.
func (d *Dispatcher) ListJobs(ctx context.Context, limit int) ([]*types.JobRecord, error) {
	return d.store.ListJobs(ctx, limit)
}

// Wait blocks until the job reaches a terminal status or ctx expires, then
// returns the final report. The subscription opens before the status check
// so a terminal event cannot slip between the two.
func (d *Dispatcher) Wait(ctx context.Context, jobID string) (*types.JobReport, error) {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	events := d.bus.Subscribe(waitCtx, "job/"+jobID+"/")

	report, err := d.Query(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if report.Status.Terminal() {
		return report, nil
	}

	done := types.TagJobComplete(jobID)
	timedOut := types.TagJobTimeout(jobID)
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, errors.New("event stream closed")
			}
			if ev.Tag == done || ev.Tag == timedOut {
				return d.Query(ctx, jobID)
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Active returns the in-flight job IDs, sorted.
func (d *Dispatcher) Active() []string {
	d.mu.RLock()
	ids := make([]string, 0, len(d.jobs))
	for id := range d.jobs {
		ids = append(ids, id)
	}
	d.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Close stops the dispatcher. In-flight jobs are abandoned, not finalized:
// their stored rows keep the last written status.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	for _, st := range d.jobs {
		if st.timer != nil {
			st.timer.Stop()
		}
	}
	d.jobs = make(map[string]*jobState)
	d.mu.Unlock()
	d.wg.Wait()
}
