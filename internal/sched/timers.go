// Package sched provides a small registry of cancellable delayed actions
// keyed by owner. Restart backoff, the dialog follow-up window and the
// greeting resume guard all share it, so a state transition that makes a
// pending timer stale can cancel it synchronously by key.
package sched

import (
	"sync"
	"time"
)

// Registry tracks pending timers by (owner, kind).
type Registry struct {
	mu     sync.Mutex
	timers map[key]*time.Timer
}

type key struct {
	owner string
	kind  string
}

func NewRegistry() *Registry {
	return &Registry{timers: make(map[key]*time.Timer)}
}

// Schedule arms fn to run after d, replacing any pending timer with the
// same owner and kind. fn runs on the timer goroutine; callers that need
// serialization must dispatch from fn themselves.
func (r *Registry) Schedule(owner, kind string, d time.Duration, fn func()) {
	k := key{owner: owner, kind: kind}
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.timers[k]; ok {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(d, func() {
		r.mu.Lock()
		// Drop the entry only if it still refers to this timer; a
		// reschedule may have replaced it while fn was pending.
		if cur, ok := r.timers[k]; ok && cur == t {
			delete(r.timers, k)
		}
		r.mu.Unlock()
		fn()
	})
	r.timers[k] = t
}

// Cancel stops the pending timer for (owner, kind). Returns true if a
// timer was pending and its callback will not run.
func (r *Registry) Cancel(owner, kind string) bool {
	k := key{owner: owner, kind: kind}
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.timers[k]
	if !ok {
		return false
	}
	delete(r.timers, k)
	return t.Stop()
}

// CancelOwner stops every pending timer belonging to owner. Returns the
// number of timers stopped before firing.
func (r *Registry) CancelOwner(owner string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for k, t := range r.timers {
		if k.owner != owner {
			continue
		}
		delete(r.timers, k)
		if t.Stop() {
			n++
		}
	}
	return n
}

// Pending reports whether a timer for (owner, kind) is armed.
func (r *Registry) Pending(owner, kind string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.timers[key{owner: owner, kind: kind}]
	return ok
}

// Stop cancels everything; used on shutdown.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, t := range r.timers {
		t.Stop()
		delete(r.timers, k)
	}
}
