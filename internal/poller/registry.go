package poller

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Registry is the set of accounts being polled. Accounts are held by
// reference counted leases; an account stays monitored while anyone holds
// a lease on it.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	leases  int
	viewers int // leases held by clients that want positions too
	busy    atomic.Bool
}

// Target is one account due for polling.
type Target struct {
	AccountID string `json:"accountId"`
	Positions bool   `json:"positions"`
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*entry)}
}

// Acquire adds a lease on accountID and reports whether it is the first.
func (r *Registry) Acquire(accountID string, viewer bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[accountID]
	if !ok {
		e = &entry{}
		r.entries[accountID] = e
	}
	e.leases++
	if viewer {
		e.viewers++
	}
	return !ok
}

// Release drops a lease and reports whether it was the last one.
func (r *Registry) Release(accountID string, viewer bool) bool {
	return r.release(accountID, viewer, nil)
}

// release drops a lease. onLast runs under the registry lock when the last
// lease goes, so a cycle checking holding never sees the entry gone before
// onLast has finished.
func (r *Registry) release(accountID string, viewer bool, onLast func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[accountID]
	if !ok {
		return false
	}
	e.leases--
	if viewer && e.viewers > 0 {
		e.viewers--
	}
	if e.leases > 0 {
		return false
	}
	delete(r.entries, accountID)
	if onLast != nil {
		onLast()
	}
	return true
}

// Targets lists the monitored accounts in a stable order.
func (r *Registry) Targets() []Target {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Target, 0, len(r.entries))
	for id, e := range r.entries {
		out = append(out, Target{AccountID: id, Positions: e.viewers > 0})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

// Has reports whether accountID is monitored.
func (r *Registry) Has(accountID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[accountID]
	return ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// begin marks accountID's cycle as running and returns the entry the cycle
// belongs to. nil means the previous cycle has not finished yet or the
// account is no longer monitored.
func (r *Registry) begin(accountID string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[accountID]
	if !ok || !e.busy.CompareAndSwap(false, true) {
		return nil
	}
	return e
}

// end clears the running mark of the entry begin returned. A newer entry
// for the same account is left alone.
func (r *Registry) end(e *entry) {
	if e != nil {
		e.busy.Store(false)
	}
}

// holding reports whether e is still the live entry for accountID. fn, if
// set, runs under the registry lock only when it is.
func (r *Registry) holding(accountID string, e *entry, fn func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e == nil || r.entries[accountID] != e {
		return false
	}
	if fn != nil {
		fn()
	}
	return true
}
