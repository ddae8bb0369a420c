// Package cache implements the Cache component: per-address last-known
// value storage, in-flight refresh coalescing, and the broadcast
// mechanism the Conditional Freezer parks subscribers on. Grounded
// precisely on the Python reference's TreeCache
// (tree_cache_observatory.py) — see DESIGN.md.
package cache

import (
	"context"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"obstree/internal/address"
	"obstree/internal/component"
	"obstree/internal/metrics"
	"obstree/internal/treedata"
	"obstree/internal/treeerr"
	"obstree/internal/value"
)

// entry mirrors the Python _KnownValue record: a cached value, the
// generation of the in-flight refresh (if any), and the last time the
// payload actually changed.
type entry struct {
	mu         sync.Mutex
	value      *value.Value
	changeTime time.Time

	// inFlight is non-nil while some goroutine owns the obligation to
	// refresh this entry; it is closed when that goroutine's refresh
	// attempt (success or failure) completes, waking every peer parked
	// in GetValue's coalescing loop.
	inFlight chan struct{}
	owner    interface{} // component.FilterToken of the call that installed inFlight

	// changeCh is closed and replaced every time the value changes
	// content, broadcasting to the freezer's condition-wait callers.
	changeCh chan struct{}
}

func newEntry() *entry {
	return &entry{changeCh: make(chan struct{})}
}

// Notifier is the subset of Cache needed to park on content-change
// notifications and read the current value. *Cache satisfies it; the
// Freezer itself holds a concrete *Cache.
type Notifier interface {
	Wait(addr address.Address) <-chan struct{}
	Get(addr address.Address) (v *value.Value, changeTime time.Time, ok bool)
}

// Cache is a Component (a Filter in the spec's taxonomy: it never owns an
// address segment, and signals treeerr.ErrStructure to pass through to
// its subcontractor on a genuine miss).
type Cache struct {
	name          string
	subcontractor Getter
	maxRecall     int
	noCachable    []*regexp.Regexp

	mu      sync.Mutex
	entries map[string]*entry

	log *zap.SugaredLogger
}

// Getter is the minimal interface of a subcontractor the cache refreshes
// against; it is satisfied by any Component further down the tree.
type Getter interface {
	GetValue(ctx context.Context, req *value.ValueRequest) (*value.Value, error)
}

// Config holds the cache's construction-time parameters, sourced from
// data_collection.TreeCache.no_cachable_regex (SPEC_FULL.md §6).
type Config struct {
	MaxRecall       int
	NoCachableRegex []string
}

// New builds a Cache. MaxRecall below 1 is clamped to 1 with a warning,
// matching the Python reference's constructor guard.
func New(name string, sub Getter, cfg Config) (*Cache, error) {
	c := &Cache{
		name:          name,
		subcontractor: sub,
		maxRecall:     cfg.MaxRecall,
		entries:       map[string]*entry{},
		log:           zap.S().Named(name),
	}
	if c.maxRecall < 1 {
		c.log.Warnw("max_recall below one is unacceptable, clamping to 1", "configured", cfg.MaxRecall)
		c.maxRecall = 1
	}
	for _, pat := range cfg.NoCachableRegex {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, treeerr.Wrap(err, "compiling no_cachable_regex "+pat)
		}
		c.noCachable = append(c.noCachable, re)
	}
	return c, nil
}

// Name implements Component.
func (c *Cache) Name() string { return c.name }

// PostInit, Run, Stop: the cache owns no long-lived resource of its own.
func (c *Cache) PostInit(path []string, td *treedata.TreeData) {}
func (c *Cache) Run(ctx context.Context) error                 { return nil }
func (c *Cache) Stop(ctx context.Context) error                { return nil }

// IsCachable reports whether req is eligible for caching: a READ whose
// address does not match any configured non-cachable regex.
func (c *Cache) IsCachable(req *value.ValueRequest) bool {
	if req.RequestType != value.Read {
		return false
	}
	full := req.Address.String()
	for _, re := range c.noCachable {
		if re.MatchString(full) {
			return false
		}
	}
	return true
}

func (c *Cache) getEntry(key string) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		e = newEntry()
		c.entries[key] = e
	}
	return e
}

// Get returns the currently known value for addr without triggering a
// refresh, used by the Freezer after it wakes from a wait.
func (c *Cache) Get(addr address.Address) (*value.Value, time.Time, bool) {
	c.mu.Lock()
	e, ok := c.entries[addr.Key()]
	c.mu.Unlock()
	if !ok {
		return nil, time.Time{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.value, e.changeTime, e.value != nil
}

// Wait returns a channel that is closed the next time addr's value
// actually changes content, implementing the freezer's condition wait.
func (c *Cache) Wait(addr address.Address) <-chan struct{} {
	e := c.getEntry(addr.Key())
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.changeCh
}

// GetValue implements Component. It is the cache's own value-producing
// hook: it is cachable-gated, consults/installs the in-flight marker, and
// coalesces up to MaxRecall times before raising ErrStructure so the
// enclosing frame performs (and this goroutine becomes) the refresh.
func (c *Cache) GetValue(ctx context.Context, req *value.ValueRequest) (*value.Value, error) {
	return c.getValue(ctx, req, 0)
}

func (c *Cache) getValue(ctx context.Context, req *value.ValueRequest, recall int) (*value.Value, error) {
	if !c.IsCachable(req) {
		return nil, treeerr.ErrStructure
	}
	key := req.Address.Key()
	e := c.getEntry(key)

	e.mu.Lock()
	if e.value != nil && !e.value.IsExpired(req.TimeOfData, req.TimeOfDataTolerance) {
		v := e.value
		e.mu.Unlock()
		metrics.CacheLookups.WithLabelValues(c.name, "hit").Inc()
		return v, nil
	}
	if recall > 0 {
		c.log.Infow("retrying cache fetch, previous task did not supply a fresh value", "recall", recall, "max_recall", c.maxRecall)
	}

	inFlight := e.inFlight
	if inFlight == nil {
		// No one is refreshing: this goroutine becomes the refresher.
		// Installing the marker and deciding to refresh happen under the
		// same lock, so a second concurrent miss cannot also become a
		// refresher for the same address. The owner token is this call's
		// FilterToken, so only the matching OnSubcontractorReturn call
		// (from the same component.Filter.GetValue invocation) will later
		// clear it.
		ch := make(chan struct{})
		e.inFlight = ch
		e.owner = component.FilterToken(ctx)
		e.mu.Unlock()
		metrics.CacheLookups.WithLabelValues(c.name, "miss").Inc()
		return nil, treeerr.ErrStructure
	}
	e.mu.Unlock()

	if recall >= c.maxRecall {
		c.log.Infow("exhausted recall budget, refreshing directly", "address", key)
		metrics.CacheLookups.WithLabelValues(c.name, "miss").Inc()
		return nil, treeerr.ErrStructure
	}

	select {
	case <-inFlight:
		metrics.CacheLookups.WithLabelValues(c.name, "coalesced").Inc()
		return c.getValue(ctx, req, recall+1)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// OnSubcontractorReturn must be invoked by the enclosing frame after the
// subcontractor answers a request this cache delegated (whether it
// succeeded or failed), so the cache can update its stored value and
// release the in-flight marker it may have installed. It mirrors the
// Python reference's `_on_subcontractor_return` + `_remove_the_value_lock`
// pair, including `_remove_the_value_lock`'s `if kv.task == current_task`
// guard: only the call whose FilterToken matches the marker's owner
// clears it, so a sibling call that fell through to the subcontractor
// for its own reason (e.g. recall budget exhausted) never clears a
// marker some other call installed and is still waiting on.
func (c *Cache) OnSubcontractorReturn(ctx context.Context, req *value.ValueRequest, result *value.Value, err error) {
	if !c.IsCachable(req) {
		return
	}
	key := req.Address.Key()
	e := c.getEntry(key)

	if result != nil {
		c.updateKnownValue(e, result)
	}

	token := component.FilterToken(ctx)
	e.mu.Lock()
	if e.inFlight != nil && e.owner == token {
		close(e.inFlight)
		e.inFlight = nil
		e.owner = nil
	}
	e.mu.Unlock()
}

// updateKnownValue applies the cache's monotonic update rule (§4.2):
// discard responses older than the stored value; on a genuinely changed
// payload at a newer timestamp, bump change_time and broadcast to the
// freezer's waiters; on an unchanged payload at a newer timestamp, only
// refresh the stored timestamp.
func (c *Cache) updateKnownValue(e *entry, v *value.Value) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.value == nil {
		e.value = v
		e.changeTime = v.TS
		return
	}
	if !v.TS.After(e.value.TS) {
		return
	}
	if !v.Equal(e.value) {
		e.changeTime = v.TS
		old := e.changeCh
		e.changeCh = make(chan struct{})
		close(old)
	}
	e.value = v
}

// KnownChangeTime returns the address's current change_time, or the zero
// Time if no entry exists yet.
func (c *Cache) KnownChangeTime(addr address.Address) time.Time {
	_, ct, _ := c.Get(addr)
	return ct
}
