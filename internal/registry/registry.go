package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"yqhp/dispatch-engine/pkg/types"
)

// Registry is the authoritative in-memory live-set of minions. Transports and
// the housekeeping sweep mutate it; the dispatcher only reads snapshots.
type Registry struct {
	// Minion storage
	minions map[string]*types.MinionInfo
	status  map[string]*types.MinionStatus

	// Event subscribers
	subscribers []chan *types.MinionEvent
	subMu       sync.RWMutex

	// Synchronization
	mu sync.RWMutex
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		minions:     make(map[string]*types.MinionInfo),
		status:      make(map[string]*types.MinionStatus),
		subscribers: make([]chan *types.MinionEvent, 0),
	}
}

// Register stores a minion's registration. Re-registering an existing ID is
// an upsert: a restarted minion replaces its old entry and is announced again.
func (r *Registry) Register(minion *types.MinionInfo) error {
	if minion == nil {
		return fmt.Errorf("minion cannot be nil")
	}
	if minion.ID == "" {
		return fmt.Errorf("minion ID cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.minions[minion.ID] = minion
	r.status[minion.ID] = &types.MinionStatus{
		State:    types.MinionStateOnline,
		LastSeen: time.Now(),
	}

	r.notifyEvent(&types.MinionEvent{
		Type:     types.MinionEventJoined,
		MinionID: minion.ID,
		Minion:   minion,
	})

	return nil
}

// Unregister removes a minion from the live set.
func (r *Registry) Unregister(minionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	minion, exists := r.minions[minionID]
	if !exists {
		return fmt.Errorf("minion not found: %s", minionID)
	}

	delete(r.minions, minionID)
	delete(r.status, minionID)

	r.notifyEvent(&types.MinionEvent{
		Type:     types.MinionEventLeft,
		MinionID: minionID,
		Minion:   minion,
		Reason:   "unregistered",
	})

	return nil
}

// Touch records observed traffic from a minion. Any inbound frame counts:
// heartbeats, replies and events all refresh the stale timer. An offline
// minion that speaks again recovers to online.
func (r *Registry) Touch(minionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	status, exists := r.status[minionID]
	if !exists {
		return fmt.Errorf("minion not found: %s", minionID)
	}

	status.LastSeen = time.Now()

	if status.State == types.MinionStateOffline {
		status.State = types.MinionStateOnline
		r.notifyEvent(&types.MinionEvent{
			Type:     types.MinionEventOnline,
			MinionID: minionID,
			Minion:   r.minions[minionID],
		})
	}

	return nil
}

// Sweep expires every minion whose last traffic is older than staleAfter and
// returns the evicted IDs. Eviction removes the entry entirely: a stale minion
// must re-register, there is no half-dead state kept around.
func (r *Registry) Sweep(now time.Time, staleAfter time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := make([]string, 0)
	for id, status := range r.status {
		if now.Sub(status.LastSeen) <= staleAfter {
			continue
		}
		minion := r.minions[id]
		delete(r.minions, id)
		delete(r.status, id)
		evicted = append(evicted, id)

		r.notifyEvent(&types.MinionEvent{
			Type:     types.MinionEventLeft,
			MinionID: id,
			Minion:   minion,
			Reason:   "stale",
		})
	}

	sort.Strings(evicted)
	return evicted
}

// Get returns a single minion's registration info.
func (r *Registry) Get(minionID string) (*types.MinionInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	minion, exists := r.minions[minionID]
	if !exists {
		return nil, fmt.Errorf("minion not found: %s", minionID)
	}

	return minion, nil
}

// Status returns a minion's current liveness.
func (r *Registry) Status(minionID string) (*types.MinionStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	status, exists := r.status[minionID]
	if !exists {
		return nil, fmt.Errorf("minion not found: %s", minionID)
	}

	return status, nil
}

// List returns all registered minions sorted by ID.
func (r *Registry) List() []*types.MinionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*types.MinionInfo, 0, len(r.minions))
	for _, minion := range r.minions {
		result = append(result, minion)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Online returns all minions currently in the online state, sorted by ID.
func (r *Registry) Online() []*types.MinionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*types.MinionInfo, 0, len(r.minions))
	for id, minion := range r.minions {
		if status, ok := r.status[id]; ok && status.State == types.MinionStateOnline {
			result = append(result, minion)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// UpDown splits the registered IDs into online and offline sets.
func (r *Registry) UpDown() (up []string, down []string) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	up = make([]string, 0, len(r.minions))
	down = make([]string, 0)
	for id := range r.minions {
		if status, ok := r.status[id]; ok && status.State == types.MinionStateOnline {
			up = append(up, id)
		} else {
			down = append(down, id)
		}
	}
	sort.Strings(up)
	sort.Strings(down)
	return up, down
}

// MarkOffline flips a minion to offline without evicting it.
func (r *Registry) MarkOffline(minionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	status, exists := r.status[minionID]
	if !exists {
		return fmt.Errorf("minion not found: %s", minionID)
	}

	if status.State != types.MinionStateOffline {
		status.State = types.MinionStateOffline
		r.notifyEvent(&types.MinionEvent{
			Type:     types.MinionEventOffline,
			MinionID: minionID,
			Minion:   r.minions[minionID],
		})
	}

	return nil
}

// Watch subscribes to minion lifecycle events until ctx is cancelled.
func (r *Registry) Watch(ctx context.Context) <-chan *types.MinionEvent {
	ch := make(chan *types.MinionEvent, 100)

	r.subMu.Lock()
	r.subscribers = append(r.subscribers, ch)
	r.subMu.Unlock()

	// Clean up when context is done
	go func() {
		<-ctx.Done()
		r.removeSubscriber(ch)
		close(ch)
	}()

	return ch
}

// notifyEvent sends an event to all subscribers.
func (r *Registry) notifyEvent(event *types.MinionEvent) {
	r.subMu.RLock()
	defer r.subMu.RUnlock()

	for _, ch := range r.subscribers {
		select {
		case ch <- event:
		default:
			// Channel full, skip
		}
	}
}

// removeSubscriber removes a subscriber channel.
func (r *Registry) removeSubscriber(ch chan *types.MinionEvent) {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	for i, sub := range r.subscribers {
		if sub == ch {
			r.subscribers = append(r.subscribers[:i], r.subscribers[i+1:]...)
			break
		}
	}
}

// Count returns the number of registered minions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.minions)
}

// CountOnline returns the number of online minions.
func (r *Registry) CountOnline() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for id := range r.minions {
		if status, ok := r.status[id]; ok && status.State == types.MinionStateOnline {
			count++
		}
	}
	return count
}
