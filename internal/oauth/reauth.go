package oauth

import (
	"context"
	"sync"
)

// ReauthQueue tracks credentials whose refresh tokens are dead and which
// wait for interactive re-authorization. Interactive flows are serialized
// through RunInteractive so two enrollments never race for the browser.
type ReauthQueue struct {
	mu      sync.Mutex
	queued  map[string]bool
	order   []string
	flowMu  sync.Mutex
	onQueue func(id string)
}

// NewReauthQueue creates an empty queue.
func NewReauthQueue() *ReauthQueue {
	return &ReauthQueue{queued: make(map[string]bool)}
}

// OnEnqueue registers a callback invoked when a credential enters the queue.
func (q *ReauthQueue) OnEnqueue(fn func(id string)) {
	q.mu.Lock()
	q.onQueue = fn
	q.mu.Unlock()
}

// Enqueue adds a credential to the queue. Idempotent.
func (q *ReauthQueue) Enqueue(id string) {
	q.mu.Lock()
	var notify func(string)
	if !q.queued[id] {
		q.queued[id] = true
		q.order = append(q.order, id)
		notify = q.onQueue
	}
	q.mu.Unlock()
	if notify != nil {
		notify(id)
	}
}

// Contains reports whether the credential awaits re-auth.
func (q *ReauthQueue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queued[id]
}

// Remove clears a credential from the queue after successful re-enrollment.
func (q *ReauthQueue) Remove(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.queued[id] {
		return
	}
	delete(q.queued, id)
	for i, v := range q.order {
		if v == id {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
}

// Pending returns the queued credential IDs in arrival order.
func (q *ReauthQueue) Pending() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.order))
	copy(out, q.order)
	return out
}

// RunInteractive serializes an interactive flow (browser launch, console
// prompt). Only one runs at a time process-wide.
func (q *ReauthQueue) RunInteractive(ctx context.Context, fn func(ctx context.Context) error) error {
	q.flowMu.Lock()
	defer q.flowMu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx)
}
