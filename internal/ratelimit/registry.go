package ratelimit

import "sync"

// UnknownAccount keys the limiter a provider uses before it has resolved its
// account id.
const UnknownAccount = ""

// Registry shares one Limiter per account across every provider instance
// authenticated as that account. Entries are reference counted and evicted
// when the last holder releases them.
type Registry struct {
	mu        sync.Mutex
	entries   map[string]*entry
	intervals Intervals
	observer  Observer
}

type entry struct {
	limiter *Limiter
	refs    int
}

// NewRegistry returns an empty registry whose limiters use iv.
func NewRegistry(iv Intervals, observer Observer) *Registry {
	return &Registry{
		entries:   make(map[string]*entry),
		intervals: iv,
		observer:  observer,
	}
}

// Acquire returns the limiter for accountID, creating it on first use, and
// takes a reference that must be returned with Release.
func (r *Registry) Acquire(accountID string) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[accountID]
	if !ok {
		e = &entry{limiter: NewLimiter(r.intervals, r.observer)}
		r.entries[accountID] = e
	}

	e.refs++

	return e.limiter
}

// Release drops one reference to accountID's limiter and evicts it at zero.
// Releasing an unknown account is a no-op.
func (r *Registry) Release(accountID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[accountID]
	if !ok {
		return
	}

	e.refs--
	if e.refs <= 0 {
		delete(r.entries, accountID)
	}
}

// Migrate moves one reference from the from account to the to account and
// returns the limiter now held.
func (r *Registry) Migrate(from, to string) *Limiter {
	l := r.Acquire(to)
	r.Release(from)

	return l
}

// Refs reports how many holders share accountID's limiter.
func (r *Registry) Refs(accountID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[accountID]; ok {
		return e.refs
	}

	return 0
}

// Len reports the number of live entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.entries)
}
