package transport

import (
	"sync"

	"yqhp/dispatch-engine/pkg/types"
)

// SendOutcome is the single resolution of one tracked send. Exactly one of
// the three shapes ever materializes: a reply, a transport failure, or a
// deadline expiry.
type SendOutcome struct {
	Reply    *types.Reply
	Err      error
	TimedOut bool
}

// SendToken tracks one dispatched send until it resolves. A token resolves
// exactly once; later resolutions are no-ops and report false.
type SendToken struct {
	JobID    string
	MinionID string

	once    sync.Once
	done    chan SendOutcome
	outcome SendOutcome
}

func newSendToken(jobID, minionID string) *SendToken {
	return &SendToken{
		JobID:    jobID,
		MinionID: minionID,
		done:     make(chan SendOutcome, 1),
	}
}

// Resolve records the outcome. Returns true when this call was the one that
// resolved the token.
func (t *SendToken) Resolve(o SendOutcome) bool {
	resolved := false
	t.once.Do(func() {
		t.outcome = o
		t.done <- o
		close(t.done)
		resolved = true
	})
	return resolved
}

// Done yields the outcome once resolved.
func (t *SendToken) Done() <-chan SendOutcome { return t.done }

// Outcome returns the recorded outcome. Valid after Done yields.
func (t *SendToken) Outcome() SendOutcome { return t.outcome }

type pendingKey struct {
	jobID    string
	minionID string
}

// PendingTable indexes in-flight sends by (job, minion). It guarantees every
// tracked send resolves exactly once, whichever of reply, failure or expiry
// arrives first.
type PendingTable struct {
	mu      sync.Mutex
	pending map[pendingKey]*SendToken
}

// NewPendingTable returns an empty table.
func NewPendingTable() *PendingTable {
	return &PendingTable{pending: make(map[pendingKey]*SendToken)}
}

// Track registers a send and returns its token.
func (p *PendingTable) Track(jobID, minionID string) *SendToken {
	tok := newSendToken(jobID, minionID)
	p.mu.Lock()
	p.pending[pendingKey{jobID, minionID}] = tok
	p.mu.Unlock()
	return tok
}

// Resolve removes the matching token and resolves it. Returns false when no
// send is pending for the pair, which is how duplicate and late replies are
// detected.
func (p *PendingTable) Resolve(jobID, minionID string, o SendOutcome) (*SendToken, bool) {
	key := pendingKey{jobID, minionID}
	p.mu.Lock()
	tok, ok := p.pending[key]
	if ok {
		delete(p.pending, key)
	}
	p.mu.Unlock()
	if !ok {
		return nil, false
	}
	tok.Resolve(o)
	return tok, true
}

// FailPeer resolves every pending send addressed to minionID with err.
// Used when the registry evicts a minion mid-flight.
func (p *PendingTable) FailPeer(minionID string, err error) []*SendToken {
	var failed []*SendToken
	p.mu.Lock()
	for key, tok := range p.pending {
		if key.minionID == minionID {
			delete(p.pending, key)
			failed = append(failed, tok)
		}
	}
	p.mu.Unlock()
	for _, tok := range failed {
		tok.Resolve(SendOutcome{Err: err})
	}
	return failed
}

// ExpireJob resolves every pending send of jobID as timed out and returns
// the minion IDs that never answered.
func (p *PendingTable) ExpireJob(jobID string) []string {
	var expired []*SendToken
	p.mu.Lock()
	for key, tok := range p.pending {
		if key.jobID == jobID {
			delete(p.pending, key)
			expired = append(expired, tok)
		}
	}
	p.mu.Unlock()

	ids := make([]string, 0, len(expired))
	for _, tok := range expired {
		tok.Resolve(SendOutcome{TimedOut: true})
		ids = append(ids, tok.MinionID)
	}
	return ids
}

// Outstanding returns the minion IDs with unresolved sends for jobID.
func (p *PendingTable) Outstanding(jobID string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []string
	for key := range p.pending {
		if key.jobID == jobID {
			ids = append(ids, key.minionID)
		}
	}
	return ids
}

// Len returns the number of unresolved sends.
func (p *PendingTable) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}
