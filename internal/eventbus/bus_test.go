package eventbus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"yqhp/dispatch-engine/pkg/types"
)

func recvEvent(t *testing.T, ch <-chan *types.Event) *types.Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "stream closed unexpectedly")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
		return nil
	}
}

func TestPublishSubscribeByPrefix(t *testing.T) {
	bus := New()
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobs := bus.Subscribe(ctx, "job/")
	minions := bus.Subscribe(ctx, "minion/")

	bus.Publish("job/20260801120000123456/new", map[string]interface{}{"fun": "test.ping"})
	bus.Publish("minion/join", map[string]interface{}{"id": "web-1"})

	ev := recvEvent(t, jobs)
	assert.Equal(t, "job/20260801120000123456/new", ev.Tag)
	assert.Equal(t, "test.ping", ev.Data["fun"])

	ev = recvEvent(t, minions)
	assert.Equal(t, "minion/join", ev.Tag)

	// No cross-talk
	select {
	case ev := <-jobs:
		t.Fatalf("job subscriber got %s", ev.Tag)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEmptyPatternReceivesEverything(t *testing.T) {
	bus := New()
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	all := bus.Subscribe(ctx, "")

	bus.Publish("job/1/new", nil)
	bus.Publish("minion/join", nil)
	bus.Publish("transport/sock/connect", nil)

	assert.Equal(t, "job/1/new", recvEvent(t, all).Tag)
	assert.Equal(t, "minion/join", recvEvent(t, all).Tag)
	assert.Equal(t, "transport/sock/connect", recvEvent(t, all).Tag)
}

func TestSubscribersReceiveIndependentCopies(t *testing.T) {
	bus := New()
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first := bus.Subscribe(ctx, "job/")
	second := bus.Subscribe(ctx, "job/")

	bus.Publish("job/1/new", map[string]interface{}{"fun": "test.ping"})

	ev1 := recvEvent(t, first)
	ev2 := recvEvent(t, second)

	ev1.Data["fun"] = "mutated"
	assert.Equal(t, "test.ping", ev2.Data["fun"])
}

func TestOverflowEmitsSingleDroppedMarker(t *testing.T) {
	bus := New(WithCeiling(4), WithPublishWindow(0))
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := bus.Subscribe(ctx, "job/")

	// Park one event in the pump's hand so the queue fills deterministically.
	bus.Publish("job/sentinel", nil)
	time.Sleep(50 * time.Millisecond)

	for i := 0; i < 7; i++ {
		bus.Publish(fmt.Sprintf("job/%d", i), nil)
	}

	assert.Equal(t, "job/sentinel", recvEvent(t, ch).Tag)

	marker := recvEvent(t, ch)
	assert.Equal(t, types.TagBusDropped, marker.Tag)
	assert.Equal(t, uint64(3), marker.Data["count"])

	// The newest four survived, in order
	for i := 3; i < 7; i++ {
		assert.Equal(t, fmt.Sprintf("job/%d", i), recvEvent(t, ch).Tag)
	}

	// Flow recovers after the gap
	bus.Publish("job/after", nil)
	assert.Equal(t, "job/after", recvEvent(t, ch).Tag)
}

func TestPublishNeverBlocksWithZeroWindow(t *testing.T) {
	bus := New(WithCeiling(2), WithPublishWindow(0))
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus.Subscribe(ctx, "") // never consumed

	start := time.Now()
	for i := 0; i < 1000; i++ {
		bus.Publish("job/x", nil)
	}
	assert.Less(t, time.Since(start), time.Second)
}

func TestPublishWaitsAtMostWindow(t *testing.T) {
	window := 25 * time.Millisecond
	bus := New(WithCeiling(1), WithPublishWindow(window))
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus.Subscribe(ctx, "") // never consumed
	bus.Publish("job/a", nil)
	time.Sleep(50 * time.Millisecond) // pump takes job/a, queue empty
	bus.Publish("job/b", nil)         // fills the queue

	start := time.Now()
	bus.Publish("job/c", nil)
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, 20*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)
}

func TestSubscribeCancelClosesStream(t *testing.T) {
	bus := New()
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())

	ch := bus.Subscribe(ctx, "")
	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("stream not closed after cancel")
	}
	assert.Eventually(t, func() bool { return bus.SubscriberCount() == 0 },
		time.Second, 10*time.Millisecond)
}

func TestCloseClosesAllStreams(t *testing.T) {
	bus := New()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := bus.Subscribe(ctx, "")
	bus.Close()

	select {
	case _, ok := <-ch:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("stream not closed after bus close")
	}

	// Publishing and subscribing after close must not panic
	bus.Publish("job/x", nil)
	late := bus.Subscribe(ctx, "")
	_, ok := <-late
	assert.False(t, ok)
}

// TestEventConservationProperty checks that for any publish burst with no
// concurrent consumer, everything published is accounted for on drain: the
// delivered events plus the dropped marker count always sum to the burst
// size, delivery order is preserved, and the bound holds.
func TestEventConservationProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("delivered plus dropped equals published", prop.ForAll(
		func(ceiling int, n int) bool {
			bus := New(WithCeiling(ceiling), WithPublishWindow(0))
			defer bus.Close()
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			ch := bus.Subscribe(ctx, "seq/")
			for i := 0; i < n; i++ {
				bus.Publish(fmt.Sprintf("seq/%06d", i), map[string]interface{}{"i": i})
			}

			var (
				seqs    []int
				dropped uint64
				markers int
			)
			deadline := time.After(2 * time.Second)
			for len(seqs)+int(dropped) < n {
				select {
				case ev := <-ch:
					if ev.Tag == types.TagBusDropped {
						markers++
						dropped += ev.Data["count"].(uint64)
					} else {
						seqs = append(seqs, ev.Data["i"].(int))
					}
				case <-deadline:
					return false
				}
			}

			if len(seqs)+int(dropped) != n {
				return false
			}
			// With no concurrent consumption at most one gap can form
			if markers > 1 {
				return false
			}
			// Bound: queue holds at most ceiling, pump at most one more
			if len(seqs) > ceiling+1 {
				return false
			}
			// Order preserved, ending on the newest event
			for i := 1; i < len(seqs); i++ {
				if seqs[i] <= seqs[i-1] {
					return false
				}
			}
			return len(seqs) == 0 || seqs[len(seqs)-1] == n-1
		},
		gen.IntRange(1, 8),
		gen.IntRange(1, 100),
	))

	properties.TestingRun(t)
}
