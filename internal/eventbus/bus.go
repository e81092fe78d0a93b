package eventbus

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"yqhp/dispatch-engine/pkg/logger"
	"yqhp/dispatch-engine/pkg/types"
)

const (
	// DefaultCeiling bounds unconsumed events per subscriber.
	DefaultCeiling = 256
	// DefaultPublishWindow is how long a publish may wait for a full
	// subscriber to drain before dropping its oldest event.
	DefaultPublishWindow = 100 * time.Millisecond
)

// Bus is the in-process event bus. Tags are hierarchical slash-separated
// strings; a subscription pattern matches every tag it prefixes, so "job/"
// receives all job traffic and "" receives everything.
//
// Each subscriber owns a bounded queue. When the queue is full the publisher
// waits at most the configured window for the consumer to drain, then drops
// the oldest event; consecutive drops collapse into one bus/dropped marker
// carrying the count, emitted in place of the gap.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscription
	nextID uint64
	closed bool

	ceiling int
	window  time.Duration
}

// Option configures a Bus.
type Option func(*Bus)

// WithCeiling overrides the per-subscriber unconsumed-event bound.
func WithCeiling(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.ceiling = n
		}
	}
}

// WithPublishWindow overrides the backpressure window. Zero means drop
// immediately on overflow.
func WithPublishWindow(d time.Duration) Option {
	return func(b *Bus) {
		if d >= 0 {
			b.window = d
		}
	}
}

// New creates an event bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:    make(map[uint64]*subscription),
		ceiling: DefaultCeiling,
		window:  DefaultPublishWindow,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish stamps and fans an event out to every matching subscriber. It never
// blocks longer than the backpressure window per congested subscriber and
// never errors: overflow degrades to a dropped marker on the slow subscriber.
func (b *Bus) Publish(tag string, data map[string]interface{}) {
	event := &types.Event{
		ID:   uuid.NewString(),
		Tag:  tag,
		Data: data,
		Time: time.Now(),
	}

	b.mu.RLock()
	targets := make([]*subscription, 0, len(b.subs))
	if !b.closed {
		for _, sub := range b.subs {
			if sub.matches(tag) {
				targets = append(targets, sub)
			}
		}
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		// Independent copy per subscriber, same ID
		ev := &types.Event{ID: event.ID, Tag: event.Tag, Data: maps.Clone(event.Data), Time: event.Time}
		sub.enqueue(ev, b.window)
	}
}

// Subscribe returns a lazy stream of events whose tags start with pattern.
// The stream stays open until ctx is cancelled, then the channel closes.
func (b *Bus) Subscribe(ctx context.Context, pattern string) <-chan *types.Event {
	sub := &subscription{
		pattern: pattern,
		ceiling: b.ceiling,
		out:     make(chan *types.Event),
		wake:    make(chan struct{}, 1),
		space:   make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.out)
		return sub.out
	}
	b.nextID++
	id := b.nextID
	b.subs[id] = sub
	b.mu.Unlock()

	go sub.pump()

	// Clean up when context is done
	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		sub.close()
	}()

	return sub.out
}

// SubscriberCount reports the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close tears the bus down; all subscriber channels close.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[uint64]*subscription)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

type subscription struct {
	pattern string
	ceiling int
	out     chan *types.Event

	mu      sync.Mutex
	queue   []*types.Event
	dropped uint64

	wake      chan struct{} // pokes the pump after enqueue
	space     chan struct{} // pokes a waiting publisher after dequeue
	done      chan struct{}
	closeOnce sync.Once
}

func (s *subscription) matches(tag string) bool {
	return len(tag) >= len(s.pattern) && tag[:len(s.pattern)] == s.pattern
}

// enqueue adds an event, giving the consumer at most window to free a slot
// before the oldest queued event is dropped.
func (s *subscription) enqueue(ev *types.Event, window time.Duration) {
	s.mu.Lock()
	if len(s.queue) >= s.ceiling && window > 0 {
		// A token from a dequeue that ran before the queue refilled is
		// stale; clear it so the wait reflects the fullness seen now.
		select {
		case <-s.space:
		default:
		}
		s.mu.Unlock()
		select {
		case <-s.space:
		case <-time.After(window):
		case <-s.done:
			return
		}
		s.mu.Lock()
	}

	if len(s.queue) >= s.ceiling {
		s.queue = s.queue[1:]
		s.dropped++
		logger.Debug("event bus subscriber overflow",
			zap.String("pattern", s.pattern), zap.Uint64("dropped", s.dropped))
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// next blocks until an event is available or the subscription closes. A
// pending drop gap is surfaced first, as a single marker event.
func (s *subscription) next() *types.Event {
	for {
		s.mu.Lock()
		if s.dropped > 0 {
			count := s.dropped
			s.dropped = 0
			s.mu.Unlock()
			return &types.Event{
				ID:   uuid.NewString(),
				Tag:  types.TagBusDropped,
				Data: map[string]interface{}{"count": count},
				Time: time.Now(),
			}
		}
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			select {
			case s.space <- struct{}{}:
			default:
			}
			return ev
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-s.done:
			return nil
		}
	}
}

func (s *subscription) pump() {
	defer close(s.out)
	for {
		ev := s.next()
		if ev == nil {
			return
		}
		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}

func (s *subscription) close() {
	s.closeOnce.Do(func() { close(s.done) })
}
