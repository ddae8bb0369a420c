package adapter

import (
	"context"
	"sync"
)

// Handle is a typed reference to one device in the adapter's tree,
// exposed to the plan-runner (an external collaborator) with a per-handle
// exclusive lock so two plan steps never issue overlapping commands to
// the same device. The lock type is intentionally local to the handle,
// per the design note in SPEC_FULL.md §9 ("keep the lock type local to
// each handle; the core exposes only the handle").
type Handle struct {
	Name   string
	Device *Device

	mu sync.Mutex

	// filter-wheel specific: lazily loaded name -> position mapping.
	initMu      sync.Mutex
	initDone    bool
	filterNames map[string]int
	initFn      func(ctx context.Context) (map[string]int, error)
}

// Lock acquires the handle's exclusive lock, honoring ctx cancellation.
func (h *Handle) Lock(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.mu.Lock()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		// The goroutine above will still acquire the lock eventually, and
		// no caller would ever release it; to avoid that leak, spawn an
		// unlock-on-acquire waiter.
		go func() {
			<-done
			h.mu.Unlock()
		}()
		return ctx.Err()
	}
}

// Unlock releases the handle's exclusive lock.
func (h *Handle) Unlock() { h.mu.Unlock() }

// AInit idempotently loads the filter-wheel's name->position mapping,
// either from configuration or by querying the device. A successful
// result is cached for good; a failed attempt is not, so the next call
// retries initFn — matching resource.py's FilterwheelAlpaca.get_filters(),
// which calls a_init() again whenever not self.ok rather than latching a
// permanent failure.
func (h *Handle) AInit(ctx context.Context) (map[string]int, error) {
	h.initMu.Lock()
	defer h.initMu.Unlock()

	if h.initDone {
		return h.filterNames, nil
	}
	if h.initFn == nil {
		h.filterNames = map[string]int{}
		h.initDone = true
		return h.filterNames, nil
	}
	names, err := h.initFn(ctx)
	if err != nil {
		return nil, err
	}
	h.filterNames = names
	h.initDone = true
	return h.filterNames, nil
}

// ResourceManager enumerates the adapter's device sub-tree and exposes
// typed handles (mount, dome, camera, filter-wheel, …) to the plan-runner.
type ResourceManager struct {
	mu      sync.Mutex
	handles map[string]*Handle
}

// NewResourceManager builds an empty ResourceManager.
func NewResourceManager() *ResourceManager {
	return &ResourceManager{handles: map[string]*Handle{}}
}

// Register exposes dev under name as a typed handle. If initFn is
// non-nil, the handle is treated as a filter-wheel-style device whose
// name->position mapping is loaded lazily via AInit.
func (r *ResourceManager) Register(name string, dev *Device, initFn func(ctx context.Context) (map[string]int, error)) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := &Handle{Name: name, Device: dev, initFn: initFn}
	r.handles[name] = h
	return h
}

// Handle returns the named handle, or nil if unregistered.
func (r *ResourceManager) Handle(name string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handles[name]
}
