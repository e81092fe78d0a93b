package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/dispatch-engine/pkg/types"
)

func TestNewRegistry(t *testing.T) {
	reg := New()
	assert.NotNil(t, reg)
	assert.Equal(t, 0, reg.Count())
}

func TestRegisterMinion(t *testing.T) {
	reg := New()

	minion := &types.MinionInfo{
		ID:        "web-1",
		Transport: types.TransportTCP,
		Address:   "10.0.0.7:45012",
		Version:   "1.0.0",
		Grains:    map[string]interface{}{"os": "linux", "role": "web"},
	}

	err := reg.Register(minion)
	require.NoError(t, err)
	assert.Equal(t, 1, reg.Count())

	retrieved, err := reg.Get("web-1")
	require.NoError(t, err)
	assert.Equal(t, minion.ID, retrieved.ID)
	assert.Equal(t, minion.Transport, retrieved.Transport)

	status, err := reg.Status("web-1")
	require.NoError(t, err)
	assert.Equal(t, types.MinionStateOnline, status.State)
	assert.WithinDuration(t, time.Now(), status.LastSeen, time.Second)
}

func TestRegisterMinionNil(t *testing.T) {
	reg := New()
	assert.Error(t, reg.Register(nil))
}

func TestRegisterMinionEmptyID(t *testing.T) {
	reg := New()
	assert.Error(t, reg.Register(&types.MinionInfo{ID: ""}))
}

func TestRegisterReplacesExisting(t *testing.T) {
	reg := New()

	err := reg.Register(&types.MinionInfo{ID: "web-1", Version: "1.0.0"})
	require.NoError(t, err)

	// A restarted minion re-registers with fresh info
	err = reg.Register(&types.MinionInfo{ID: "web-1", Version: "1.1.0"})
	require.NoError(t, err)
	assert.Equal(t, 1, reg.Count())

	retrieved, err := reg.Get("web-1")
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", retrieved.Version)
}

func TestUnregisterMinion(t *testing.T) {
	reg := New()

	require.NoError(t, reg.Register(&types.MinionInfo{ID: "web-1"}))
	require.NoError(t, reg.Unregister("web-1"))
	assert.Equal(t, 0, reg.Count())

	_, err := reg.Get("web-1")
	assert.Error(t, err)
}

func TestUnregisterMinionNotFound(t *testing.T) {
	reg := New()
	assert.Error(t, reg.Unregister("ghost"))
}

func TestTouchRefreshesLastSeen(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Register(&types.MinionInfo{ID: "web-1"}))

	before, err := reg.Status("web-1")
	require.NoError(t, err)
	firstSeen := before.LastSeen

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, reg.Touch("web-1"))

	after, err := reg.Status("web-1")
	require.NoError(t, err)
	assert.True(t, after.LastSeen.After(firstSeen))
}

func TestTouchNotFound(t *testing.T) {
	reg := New()
	assert.Error(t, reg.Touch("ghost"))
}

func TestTouchRecoversOfflineMinion(t *testing.T) {
	reg := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, reg.Register(&types.MinionInfo{ID: "web-1"}))
	require.NoError(t, reg.MarkOffline("web-1"))

	eventCh := reg.Watch(ctx)
	require.NoError(t, reg.Touch("web-1"))

	select {
	case event := <-eventCh:
		assert.Equal(t, types.MinionEventOnline, event.Type)
		assert.Equal(t, "web-1", event.MinionID)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for online event")
	}

	status, err := reg.Status("web-1")
	require.NoError(t, err)
	assert.Equal(t, types.MinionStateOnline, status.State)
}

func TestSweepEvictsStaleMinions(t *testing.T) {
	reg := New()

	require.NoError(t, reg.Register(&types.MinionInfo{ID: "web-1"}))
	require.NoError(t, reg.Register(&types.MinionInfo{ID: "web-2"}))
	require.NoError(t, reg.Register(&types.MinionInfo{ID: "db-1"}))

	// Everything is fresh: nothing goes
	evicted := reg.Sweep(time.Now(), 90*time.Second)
	assert.Empty(t, evicted)
	assert.Equal(t, 3, reg.Count())

	// Keep db-1 fresh relative to the future sweep instant
	future := time.Now().Add(2 * time.Minute)
	st, err := reg.Status("db-1")
	require.NoError(t, err)
	st.LastSeen = future

	evicted = reg.Sweep(future.Add(time.Second), 90*time.Second)
	assert.Equal(t, []string{"web-1", "web-2"}, evicted)
	assert.Equal(t, 1, reg.Count())

	_, err = reg.Get("web-1")
	assert.Error(t, err)
	_, err = reg.Get("db-1")
	assert.NoError(t, err)
}

func TestSweepEmitsLeftEvents(t *testing.T) {
	reg := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, reg.Register(&types.MinionInfo{ID: "web-1"}))
	eventCh := reg.Watch(ctx)

	evicted := reg.Sweep(time.Now().Add(5*time.Minute), 90*time.Second)
	require.Equal(t, []string{"web-1"}, evicted)

	select {
	case event := <-eventCh:
		assert.Equal(t, types.MinionEventLeft, event.Type)
		assert.Equal(t, "web-1", event.MinionID)
		assert.Equal(t, "stale", event.Reason)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for left event")
	}
}

func TestUnregisterEmitsLeftEvent(t *testing.T) {
	reg := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, reg.Register(&types.MinionInfo{ID: "web-1"}))
	eventCh := reg.Watch(ctx)

	require.NoError(t, reg.Unregister("web-1"))

	select {
	case event := <-eventCh:
		assert.Equal(t, types.MinionEventLeft, event.Type)
		assert.Equal(t, "web-1", event.MinionID)
		assert.Equal(t, "unregistered", event.Reason)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for left event")
	}
}

func TestWatchMinions(t *testing.T) {
	reg := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	eventCh := reg.Watch(ctx)

	require.NoError(t, reg.Register(&types.MinionInfo{ID: "web-1"}))

	select {
	case event := <-eventCh:
		assert.Equal(t, types.MinionEventJoined, event.Type)
		assert.Equal(t, "web-1", event.MinionID)
		require.NotNil(t, event.Minion)
		assert.Equal(t, "web-1", event.Minion.ID)
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for joined event")
	}
}

func TestWatchClosedOnCancel(t *testing.T) {
	reg := New()
	ctx, cancel := context.WithCancel(context.Background())

	eventCh := reg.Watch(ctx)
	cancel()

	select {
	case _, ok := <-eventCh:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestListSortedByID(t *testing.T) {
	reg := New()

	require.NoError(t, reg.Register(&types.MinionInfo{ID: "web-2"}))
	require.NoError(t, reg.Register(&types.MinionInfo{ID: "db-1"}))
	require.NoError(t, reg.Register(&types.MinionInfo{ID: "web-1"}))

	list := reg.List()
	require.Len(t, list, 3)
	assert.Equal(t, "db-1", list[0].ID)
	assert.Equal(t, "web-1", list[1].ID)
	assert.Equal(t, "web-2", list[2].ID)
}

func TestOnlineExcludesOffline(t *testing.T) {
	reg := New()

	require.NoError(t, reg.Register(&types.MinionInfo{ID: "web-1"}))
	require.NoError(t, reg.Register(&types.MinionInfo{ID: "web-2"}))
	require.NoError(t, reg.MarkOffline("web-2"))

	online := reg.Online()
	require.Len(t, online, 1)
	assert.Equal(t, "web-1", online[0].ID)
	assert.Equal(t, 1, reg.CountOnline())
	assert.Equal(t, 2, reg.Count())
}

func TestUpDown(t *testing.T) {
	reg := New()

	require.NoError(t, reg.Register(&types.MinionInfo{ID: "web-1"}))
	require.NoError(t, reg.Register(&types.MinionInfo{ID: "web-2"}))
	require.NoError(t, reg.Register(&types.MinionInfo{ID: "db-1"}))
	require.NoError(t, reg.MarkOffline("web-2"))

	up, down := reg.UpDown()
	assert.Equal(t, []string{"db-1", "web-1"}, up)
	assert.Equal(t, []string{"web-2"}, down)
}

func TestMarkOfflineNotFound(t *testing.T) {
	reg := New()
	assert.Error(t, reg.MarkOffline("ghost"))
}
