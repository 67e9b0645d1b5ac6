// Package task runs recommendation tasks as supervised background jobs.
package task

import (
	"context"
	"fmt"
	"sync"
)

// Handle tracks one in-flight task: a cancel function for its run context
// and a done channel closed when the runner goroutine exits.
type Handle struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// ID returns the task id this handle supervises.
func (h *Handle) ID() string {
	return h.id
}

// Cancel requests cooperative cancellation. The runner notices at its next
// checkpoint; Cancel never interrupts a scrape mid-flight.
func (h *Handle) Cancel() {
	h.cancel()
}

// Done is closed when the runner goroutine has fully exited.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

func (h *Handle) markDone() {
	h.once.Do(func() { close(h.done) })
}

// Registry maps in-flight task ids to their handles. Entries exist only
// while the runner goroutine is alive.
type Registry struct {
	mu      sync.Mutex
	handles map[string]*Handle
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]*Handle)}
}

// Register creates and stores a handle for id.
func (r *Registry) Register(id string, cancel context.CancelFunc) *Handle {
	h := &Handle{
		id:     id,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.mu.Lock()
	r.handles[id] = h
	r.mu.Unlock()
	return h
}

// Get returns the handle for id, if the task is still in flight.
func (r *Registry) Get(id string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[id]
	return h, ok
}

// Remove marks the handle done and drops it. Safe to call for ids that were
// never registered.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	h, ok := r.handles[id]
	delete(r.handles, id)
	r.mu.Unlock()
	if ok {
		h.markDone()
	}
}

// CancelAndWait cancels the task and blocks until its goroutine exits or ctx
// ends. A missing id is a no-op: the task already finished.
func (r *Registry) CancelAndWait(ctx context.Context, id string) error {
	h, ok := r.Get(id)
	if !ok {
		return nil
	}
	h.Cancel()
	select {
	case <-h.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for task %s to stop: %w", id, ctx.Err())
	}
}

// Len reports how many tasks are currently in flight.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}
