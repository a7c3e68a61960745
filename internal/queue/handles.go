package queue

import (
	"context"
	"sync"

	"github.com/ternarybob/menulens/internal/models"
)

// Handle is the caller side of one submitted unit. It resolves exactly once:
// with the worker's result, or with a cancellation error from the aggregator.
type Handle struct {
	unit   models.Unit
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	result models.UnitResult
}

func newHandle(parent context.Context, unit models.Unit) *Handle {
	ctx, cancel := context.WithCancel(parent)
	return &Handle{
		unit:   unit,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Unit returns the unit this handle tracks
func (h *Handle) Unit() models.Unit {
	return h.unit
}

// Context is cancelled when the handle resolves; workers pass it to the processor
func (h *Handle) Context() context.Context {
	return h.ctx
}

// Done is closed once the handle has resolved
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Result returns the resolved result. Only valid after Done is closed.
func (h *Handle) Result() models.UnitResult {
	return h.result
}

// Resolve stores the result if the handle is still open. Returns false for late results.
func (h *Handle) Resolve(result models.UnitResult) bool {
	resolved := false
	h.once.Do(func() {
		result.UnitID = h.unit.ID
		h.result = result
		resolved = true
		close(h.done)
		h.cancel()
	})
	return resolved
}

// Cancel resolves the handle as failed with err
func (h *Handle) Cancel(err error) bool {
	return h.Resolve(models.Failed(h.unit.ID, err))
}

// Registry maps in-flight unit ids to their handles so workers can deliver results
type Registry struct {
	mu      sync.RWMutex
	handles map[string]*Handle
}

// NewRegistry creates an empty handle registry
func NewRegistry() *Registry {
	return &Registry{handles: make(map[string]*Handle)}
}

// Register creates and tracks a handle for unit
func (r *Registry) Register(parent context.Context, unit models.Unit) *Handle {
	h := newHandle(parent, unit)
	r.mu.Lock()
	r.handles[unit.ID] = h
	r.mu.Unlock()
	return h
}

// Lookup returns the handle for a unit id
func (r *Registry) Lookup(unitID string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[unitID]
	return h, ok
}

// Remove stops tracking the given unit ids
func (r *Registry) Remove(unitIDs ...string) {
	r.mu.Lock()
	for _, id := range unitIDs {
		delete(r.handles, id)
	}
	r.mu.Unlock()
}

// Len returns the number of tracked handles
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}
