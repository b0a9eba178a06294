// Package permissions holds the process-wide Permission Registry: a
// correlation table between an agent-originated permission id and the
// eventual user yes/no reply, with a 5-minute auto-reject timeout.
//
// This is the one process-wide singleton in the core (spec.md §5, §9):
// the HTTP route that receives a user's button click must find the pending
// entry without holding a reference to the engine instance that created it.
package permissions

import (
	"sync"
	"time"
)

// DefaultTimeout is the window a permission request waits for a user reply
// before resolving to rejected.
const DefaultTimeout = 5 * time.Minute

type pending struct {
	resultCh chan bool
	timer    *time.Timer
	done     bool
}

// Registry serializes writes on a single mutex; reads (IsPending,
// PendingCount) take the same lock but never block on a reply.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*pending
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[string]*pending)}
}

// global is the process-wide singleton used by Create/Reply/IsPending when
// callers don't hold their own Registry (e.g. the HTTP route wiring in §9).
var global = New()

// Global returns the process-wide Permission Registry singleton.
func Global() *Registry { return global }

// Create registers a pending permission id and returns a function that
// blocks until a reply arrives or the timeout elapses, resolving to the
// approval boolean (false on timeout).
func (r *Registry) Create(id string) func() bool {
	return r.CreateWithTimeout(id, DefaultTimeout)
}

// CreateWithTimeout is Create with an explicit timeout, exposed for tests.
func (r *Registry) CreateWithTimeout(id string, timeout time.Duration) func() bool {
	r.mu.Lock()
	p := &pending{resultCh: make(chan bool, 1)}
	p.timer = time.AfterFunc(timeout, func() { r.expire(id) })
	r.entries[id] = p
	r.mu.Unlock()

	return func() bool {
		approved := <-p.resultCh
		return approved
	}
}

func (r *Registry) expire(id string) {
	r.mu.Lock()
	p, ok := r.entries[id]
	if !ok || p.done {
		r.mu.Unlock()
		return
	}
	p.done = true
	delete(r.entries, id)
	r.mu.Unlock()

	p.resultCh <- false
}

// Reply resolves the pending future for id with approved, if one exists.
// Idempotent: a second Reply for the same id is a no-op and returns false.
func (r *Registry) Reply(id string, approved bool) bool {
	r.mu.Lock()
	p, ok := r.entries[id]
	if !ok || p.done {
		r.mu.Unlock()
		return false
	}
	p.done = true
	delete(r.entries, id)
	r.mu.Unlock()

	p.timer.Stop()
	p.resultCh <- approved
	return true
}

// IsPending reports whether id still awaits a reply.
func (r *Registry) IsPending(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[id]
	return ok
}

// PendingCount returns the number of outstanding permission requests.
func (r *Registry) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
