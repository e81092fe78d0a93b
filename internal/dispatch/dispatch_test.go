package dispatch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/dispatch-engine/internal/eventbus"
	"yqhp/dispatch-engine/internal/transport"
	"yqhp/dispatch-engine/pkg/types"
)

type fakeView struct {
	minions []*types.MinionInfo
}

func (f *fakeView) Online() []*types.MinionInfo { return f.minions }

type fakeConn struct {
	id  string
	err error

	mu   sync.Mutex
	sent []*types.Message
}

func (c *fakeConn) ID() string         { return c.id }
func (c *fakeConn) RemoteAddr() string { return "" }
func (c *fakeConn) Close() error       { return nil }

func (c *fakeConn) Send(msg *types.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *fakeConn) firstSent() *types.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return nil
	}
	return c.sent[0]
}

type fakeConns struct {
	mu    sync.Mutex
	conns map[string]*fakeConn
}

func (f *fakeConns) Lookup(minionID string) (transport.Conn, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conns[minionID]
	if !ok {
		return nil, false
	}
	return c, true
}

func (f *fakeConns) drop(minionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.conns, minionID)
}

func (f *fakeConns) get(minionID string) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[minionID]
}

// memStore is an in-memory Recorder with the same dedup semantics as the
// sqlite cache: one row per (jid, minion).
type memStore struct {
	mu      sync.Mutex
	records map[string]*types.JobRecord
	results map[string][]*types.Reply
}

func newMemStore() *memStore {
	return &memStore{
		records: make(map[string]*types.JobRecord),
		results: make(map[string][]*types.Reply),
	}
}

func (s *memStore) Record(_ context.Context, rec *types.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.records[rec.JobID] = &cp
	return nil
}

func (s *memStore) AppendResult(_ context.Context, jobID string, reply *types.Reply) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.results[jobID] {
		if r.MinionID == reply.MinionID {
			return nil
		}
	}
	s.results[jobID] = append(s.results[jobID], reply)
	return nil
}

func (s *memStore) Finalize(_ context.Context, jobID string, status types.JobStatus, endedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[jobID]
	if !ok {
		return types.ErrUnknownJob
	}
	rec.Status = status
	rec.EndedAt = endedAt
	return nil
}

func (s *memStore) Query(_ context.Context, jobID string) (*types.JobReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[jobID]
	if !ok {
		return nil, types.ErrUnknownJob
	}
	report := &types.JobReport{JobRecord: *rec}
	report.Replies = append(report.Replies, s.results[jobID]...)
	replied := make(map[string]struct{}, len(report.Replies))
	for _, r := range report.Replies {
		replied[r.MinionID] = struct{}{}
	}
	for _, id := range rec.Minions {
		if _, ok := replied[id]; !ok {
			report.Missing = append(report.Missing, id)
		}
	}
	return report, nil
}

func (s *memStore) ListJobs(_ context.Context, limit int) ([]*types.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := make([]*types.JobRecord, 0, len(s.records))
	for _, rec := range s.records {
		cp := *rec
		jobs = append(jobs, &cp)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].JobID > jobs[j].JobID })
	if limit > 0 && len(jobs) > limit {
		jobs = jobs[:limit]
	}
	return jobs, nil
}

func (s *memStore) status(jobID string) types.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[jobID]
	if !ok {
		return ""
	}
	return rec.Status
}

func (s *memStore) resultCount(jobID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results[jobID])
}

func (s *memStore) resultFor(jobID, minionID string) *types.Reply {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.results[jobID] {
		if r.MinionID == minionID {
			return r
		}
	}
	return nil
}

type harness struct {
	d     *Dispatcher
	view  *fakeView
	conns *fakeConns
	store *memStore
	bus   *eventbus.Bus
}

func newHarness(t *testing.T, ids ...string) *harness {
	t.Helper()
	h := buildHarness(ids...)
	t.Cleanup(func() {
		h.d.Close()
		h.bus.Close()
	})
	return h
}

func buildHarness(ids ...string) *harness {
	view := &fakeView{}
	conns := &fakeConns{conns: make(map[string]*fakeConn)}
	for _, id := range ids {
		view.minions = append(view.minions, &types.MinionInfo{ID: id, Transport: types.TransportTCP})
		conns.conns[id] = &fakeConn{id: id}
	}
	store := newMemStore()
	bus := eventbus.New()
	return &harness{
		d:     New(view, conns, store, bus),
		view:  view,
		conns: conns,
		store: store,
		bus:   bus,
	}
}

func reply(jobID, minionID string) *types.Reply {
	return &types.Reply{
		JobID:    jobID,
		MinionID: minionID,
		Return:   "pong",
		Success:  true,
	}
}

func recvTagged(t *testing.T, ch <-chan *types.Event, want string) *types.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "event stream closed while waiting for %s", want)
			if ev.Tag == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %s event within 2s", want)
		}
	}
}

func TestSubmitFansOutRequests(t *testing.T) {
	h := newHarness(t, "web-1", "web-2", "db-1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := h.bus.Subscribe(ctx, "job/")

	rec, err := h.d.Submit(context.Background(), Submission{
		Fun:    "test.ping",
		Target: types.AllMinions(),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"web-1", "web-2", "db-1"}, rec.Minions)

	for _, id := range rec.Minions {
		conn := h.conns.get(id)
		require.Eventually(t, func() bool { return conn.sentCount() == 1 },
			time.Second, 5*time.Millisecond, "minion %s never got the request", id)
	}

	msg := h.conns.get("web-2").firstSent()
	require.Equal(t, types.MsgRequest, msg.Type)
	var req types.Request
	require.NoError(t, msg.Decode(&req))
	assert.Equal(t, rec.JobID, req.JobID)
	assert.Equal(t, "web-2", req.MinionID)
	assert.Equal(t, "test.ping", req.Fun)

	ev := recvTagged(t, events, types.TagJobNew(rec.JobID))
	assert.Equal(t, "test.ping", ev.Data["fun"])
}

func TestSubmitRejectsEmptyFun(t *testing.T) {
	h := newHarness(t, "web-1")
	_, err := h.d.Submit(context.Background(), Submission{Target: types.AllMinions()})
	assert.Error(t, err)
}

func TestSubmitAfterCloseFails(t *testing.T) {
	h := buildHarness("web-1")
	h.d.Close()
	defer h.bus.Close()

	_, err := h.d.Submit(context.Background(), Submission{
		Fun:    "test.ping",
		Target: types.AllMinions(),
	})
	assert.Error(t, err)
}

func TestNoMatchCompletesImmediately(t *testing.T) {
	h := newHarness(t) // nobody online
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := h.bus.Subscribe(ctx, "job/")

	rec, err := h.d.Submit(context.Background(), Submission{
		Fun:    "test.ping",
		Target: types.GlobTarget("web-*"),
	})
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusComplete, rec.Status)
	assert.Empty(t, rec.Minions)
	assert.Equal(t, types.JobStatusComplete, h.store.status(rec.JobID))

	recvTagged(t, events, types.TagJobNew(rec.JobID))
	recvTagged(t, events, types.TagJobComplete(rec.JobID))
	assert.Empty(t, h.d.Active())
}

func TestAllRepliesCompleteJob(t *testing.T) {
	h := newHarness(t, "web-1", "web-2")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := h.bus.Subscribe(ctx, "job/")

	rec, err := h.d.Submit(context.Background(), Submission{
		Fun:    "cmd.run",
		Args:   []interface{}{"uptime"},
		Target: types.AllMinions(),
	})
	require.NoError(t, err)

	require.NoError(t, h.d.HandleReply(context.Background(), reply(rec.JobID, "web-1")))
	require.NoError(t, h.d.HandleReply(context.Background(), reply(rec.JobID, "web-2")))

	ev := recvTagged(t, events, types.TagJobComplete(rec.JobID))
	assert.Equal(t, string(types.JobStatusComplete), ev.Data["status"])
	assert.Contains(t, ev.Data, "latency")

	report, err := h.d.Query(context.Background(), rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusComplete, report.Status)
	assert.Len(t, report.Replies, 2)
	assert.Empty(t, report.Missing)
	assert.Empty(t, h.d.Active())
}

func TestReplyPublishesRetEvent(t *testing.T) {
	h := newHarness(t, "web-1")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := h.bus.Subscribe(ctx, "job/")

	rec, err := h.d.Submit(context.Background(), Submission{
		Fun:    "test.ping",
		Target: types.AllMinions(),
	})
	require.NoError(t, err)
	require.NoError(t, h.d.HandleReply(context.Background(), reply(rec.JobID, "web-1")))

	ev := recvTagged(t, events, types.TagJobRet(rec.JobID, "web-1"))
	assert.Equal(t, "web-1", ev.Data["minion"])
	assert.Equal(t, true, ev.Data["success"])
}

func TestDuplicateReplyDropped(t *testing.T) {
	h := newHarness(t, "web-1", "web-2")

	rec, err := h.d.Submit(context.Background(), Submission{
		Fun:    "test.ping",
		Target: types.AllMinions(),
	})
	require.NoError(t, err)

	require.NoError(t, h.d.HandleReply(context.Background(), reply(rec.JobID, "web-1")))

	second := reply(rec.JobID, "web-1")
	second.Return = "imposter"
	err = h.d.HandleReply(context.Background(), second)
	require.ErrorIs(t, err, types.ErrDuplicateReply)

	assert.Equal(t, 1, h.store.resultCount(rec.JobID))
	assert.Equal(t, "pong", h.store.resultFor(rec.JobID, "web-1").Return)
}

func TestReplyForUnknownJob(t *testing.T) {
	h := newHarness(t, "web-1")
	err := h.d.HandleReply(context.Background(), reply("20260101000000000000", "web-1"))
	assert.ErrorIs(t, err, types.ErrUnknownJob)
}

func TestDeadlineTimesOutJob(t *testing.T) {
	h := newHarness(t, "web-1", "web-2")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := h.bus.Subscribe(ctx, "job/")

	rec, err := h.d.Submit(context.Background(), Submission{
		Fun:      "test.ping",
		Target:   types.AllMinions(),
		Deadline: 60 * time.Millisecond,
	})
	require.NoError(t, err)
	require.NoError(t, h.d.HandleReply(context.Background(), reply(rec.JobID, "web-1")))

	ev := recvTagged(t, events, types.TagJobTimeout(rec.JobID))
	assert.Equal(t, "deadline", ev.Data["reason"])
	assert.Equal(t, []string{"web-2"}, ev.Data["missing"])

	report, err := h.d.Query(context.Background(), rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusTimedOut, report.Status)
	assert.Len(t, report.Replies, 1)
	assert.Equal(t, []string{"web-2"}, report.Missing)
	assert.Empty(t, h.d.Active())
}

func TestLateReplyAfterTimeout(t *testing.T) {
	h := newHarness(t, "web-1")

	rec, err := h.d.Submit(context.Background(), Submission{
		Fun:      "test.ping",
		Target:   types.AllMinions(),
		Deadline: 30 * time.Millisecond,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.store.status(rec.JobID) == types.JobStatusTimedOut
	}, time.Second, 5*time.Millisecond)

	err = h.d.HandleReply(context.Background(), reply(rec.JobID, "web-1"))
	assert.ErrorIs(t, err, types.ErrUnknownJob)
	assert.Equal(t, 0, h.store.resultCount(rec.JobID))
}

func TestUnreachableMinionFailsFast(t *testing.T) {
	h := newHarness(t, "web-1", "web-2")
	h.conns.drop("web-2") // registered but no live connection
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := h.bus.Subscribe(ctx, "job/")

	rec, err := h.d.Submit(context.Background(), Submission{
		Fun:    "test.ping",
		Target: types.AllMinions(),
	})
	require.NoError(t, err)
	require.NoError(t, h.d.HandleReply(context.Background(), reply(rec.JobID, "web-1")))

	// Settles well before the 60s default deadline.
	ev := recvTagged(t, events, types.TagJobTimeout(rec.JobID))
	assert.Equal(t, "unreachable", ev.Data["reason"])
	assert.Equal(t, []string{"web-2"}, ev.Data["failed"])
	assert.Empty(t, ev.Data["missing"])

	require.Eventually(t, func() bool { return h.store.resultCount(rec.JobID) == 2 },
		time.Second, 5*time.Millisecond)
	failure := h.store.resultFor(rec.JobID, "web-2")
	require.NotNil(t, failure)
	assert.False(t, failure.Success)
	assert.Equal(t, 1, failure.Retcode)
	assert.Contains(t, failure.Error, "target unreachable")
}

func TestSendErrorRecordsPartialFailure(t *testing.T) {
	h := newHarness(t, "web-1")
	h.conns.get("web-1").err = types.NewTransportError("send", "web-1", types.ErrSendQueueFull)

	rec, err := h.d.Submit(context.Background(), Submission{
		Fun:    "test.ping",
		Target: types.AllMinions(),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return h.store.status(rec.JobID) == types.JobStatusTimedOut
	}, time.Second, 5*time.Millisecond)

	failure := h.store.resultFor(rec.JobID, "web-1")
	require.NotNil(t, failure)
	assert.False(t, failure.Success)
	assert.Contains(t, failure.Error, "send queue full")
}

func TestFailMinionSettlesPendingSends(t *testing.T) {
	h := newHarness(t, "web-1", "web-2")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := h.bus.Subscribe(ctx, "job/")

	rec, err := h.d.Submit(context.Background(), Submission{
		Fun:    "test.ping",
		Target: types.AllMinions(),
	})
	require.NoError(t, err)
	require.NoError(t, h.d.HandleReply(context.Background(), reply(rec.JobID, "web-1")))

	h.d.FailMinion("web-2")

	ev := recvTagged(t, events, types.TagJobTimeout(rec.JobID))
	assert.Equal(t, "unreachable", ev.Data["reason"])
	assert.Equal(t, []string{"web-2"}, ev.Data["failed"])
}

func TestWaitReturnsTerminalReport(t *testing.T) {
	h := newHarness(t, "web-1")

	rec, err := h.d.Submit(context.Background(), Submission{
		Fun:    "test.ping",
		Target: types.AllMinions(),
	})
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = h.d.HandleReply(context.Background(), reply(rec.JobID, "web-1"))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	report, err := h.d.Wait(ctx, rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusComplete, report.Status)
	assert.Len(t, report.Replies, 1)
}

func TestWaitAlreadyTerminal(t *testing.T) {
	h := newHarness(t) // no minions: completes at submit

	rec, err := h.d.Submit(context.Background(), Submission{
		Fun:    "test.ping",
		Target: types.AllMinions(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	report, err := h.d.Wait(ctx, rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusComplete, report.Status)
}

func TestWaitUnknownJob(t *testing.T) {
	h := newHarness(t, "web-1")
	_, err := h.d.Wait(context.Background(), "20260101000000000000")
	assert.ErrorIs(t, err, types.ErrUnknownJob)
}

func TestQueryOverlaysLiveStatus(t *testing.T) {
	h := newHarness(t, "web-1", "web-2")

	rec, err := h.d.Submit(context.Background(), Submission{
		Fun:    "test.ping",
		Target: types.AllMinions(),
	})
	require.NoError(t, err)

	report, err := h.d.Query(context.Background(), rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusDispatched, report.Status)

	require.NoError(t, h.d.HandleReply(context.Background(), reply(rec.JobID, "web-1")))

	report, err = h.d.Query(context.Background(), rec.JobID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusPartiallyComplete, report.Status)
}

func TestActiveTracksInflightJobs(t *testing.T) {
	h := newHarness(t, "web-1")

	first, err := h.d.Submit(context.Background(), Submission{
		Fun:    "test.ping",
		Target: types.AllMinions(),
	})
	require.NoError(t, err)
	second, err := h.d.Submit(context.Background(), Submission{
		Fun:    "test.ping",
		Target: types.AllMinions(),
	})
	require.NoError(t, err)

	active := h.d.Active()
	assert.Equal(t, []string{first.JobID, second.JobID}, active)

	require.NoError(t, h.d.HandleReply(context.Background(), reply(first.JobID, "web-1")))
	assert.Equal(t, []string{second.JobID}, h.d.Active())
}

// TestSettlementProperty drives random fleets where some minions are
// unreachable and the rest answer, and checks the job always lands on the
// right terminal status with every slot accounted for.
func TestSettlementProperty(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 100
	properties := gopter.NewProperties(params)

	properties.Property("jobs settle terminal with all slots accounted", prop.ForAll(
		func(n, fseed int) bool {
			failures := fseed % (n + 1)

			ids := make([]string, n)
			for i := range ids {
				ids[i] = fmt.Sprintf("m-%d", i)
			}
			h := buildHarness(ids...)
			defer h.bus.Close()
			defer h.d.Close()

			for i := 0; i < failures; i++ {
				h.conns.drop(ids[i])
			}

			rec, err := h.d.Submit(context.Background(), Submission{
				Fun:    "test.ping",
				Target: types.AllMinions(),
			})
			if err != nil {
				return false
			}
			for _, id := range ids[failures:] {
				if err := h.d.HandleReply(context.Background(), reply(rec.JobID, id)); err != nil {
					return false
				}
			}

			deadline := time.Now().Add(2 * time.Second)
			for time.Now().Before(deadline) {
				if h.store.status(rec.JobID).Terminal() && h.store.resultCount(rec.JobID) == n {
					break
				}
				time.Sleep(time.Millisecond)
			}

			status := h.store.status(rec.JobID)
			if failures == 0 {
				return status == types.JobStatusComplete && h.store.resultCount(rec.JobID) == n
			}
			return status == types.JobStatusTimedOut && h.store.resultCount(rec.JobID) == n
		},
		gen.IntRange(1, 6),
		gen.IntRange(0, 100),
	))

	properties.TestingRun(t)
}
