package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"obstree/internal/address"
	"obstree/internal/component"
	"obstree/internal/treeerr"
	"obstree/internal/value"
)

// countingGetter answers every call after a short delay, counting calls.
type countingGetter struct {
	calls int32
	delay time.Duration
}

func (g *countingGetter) GetValue(ctx context.Context, req *value.ValueRequest) (*value.Value, error) {
	atomic.AddInt32(&g.calls, 1)
	time.Sleep(g.delay)
	return value.NewValue("v"), nil
}

func TestGetValueSignalsStructureOnFirstMiss(t *testing.T) {
	c, err := New("cache", &countingGetter{}, Config{MaxRecall: 1})
	if err != nil {
		t.Fatal(err)
	}
	req := &value.ValueRequest{Address: address.New("mount.azimuth")}
	_, err = c.GetValue(context.Background(), req)
	if !treeerr.IsStructure(err) {
		t.Fatalf("first miss should signal ErrStructure, got %v", err)
	}
}

func TestGetValueReturnsFreshCachedHit(t *testing.T) {
	c, err := New("cache", &countingGetter{}, Config{MaxRecall: 1})
	if err != nil {
		t.Fatal(err)
	}
	req := &value.ValueRequest{Address: address.New("mount.azimuth"), TimeOfData: time.Now(), TimeOfDataTolerance: time.Hour}

	c.OnSubcontractorReturn(context.Background(), req, value.NewValue(1), nil)

	v, err := c.GetValue(context.Background(), req)
	if err != nil {
		t.Fatalf("expected a cache hit, got error %v", err)
	}
	if v.V != 1 {
		t.Fatalf("GetValue = %v, want 1", v.V)
	}
}

func TestCoalescesConcurrentMissesOntoOneRefresh(t *testing.T) {
	getter := &countingGetter{delay: 50 * time.Millisecond}
	c, err := New("cache", getter, Config{MaxRecall: 3})
	if err != nil {
		t.Fatal(err)
	}
	addr := address.New("mount.azimuth")

	// First miss installs the marker and becomes the refresher.
	req := &value.ValueRequest{Address: addr}
	_, err = c.GetValue(context.Background(), req)
	if !treeerr.IsStructure(err) {
		t.Fatalf("first caller should get ErrStructure, got %v", err)
	}

	var wg sync.WaitGroup
	results := make([]error, 3)
	for i := 0; i < 3; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, results[i] = c.GetValue(context.Background(), req)
		}()
	}

	// Simulate the refresher's subcontractor call completing and reporting back.
	time.Sleep(10 * time.Millisecond)
	c.OnSubcontractorReturn(context.Background(), req, value.NewValue("v"), nil)
	wg.Wait()

	for i, err := range results {
		if err != nil {
			t.Fatalf("coalesced caller %d got error %v, want a cached hit", i, err)
		}
	}
	if atomic.LoadInt32(&getter.calls) != 0 {
		t.Fatalf("coalesced callers must never call the subcontractor themselves")
	}
}

func TestOnSubcontractorReturnOnlyClearsOwnInFlightMarker(t *testing.T) {
	c, err := New("cache", &countingGetter{}, Config{MaxRecall: 1})
	if err != nil {
		t.Fatal(err)
	}
	addr := address.New("mount.azimuth")
	req := &value.ValueRequest{Address: addr}

	// Caller A installs the marker under its own call token.
	ownerCtx := component.WithFilterToken(context.Background())
	_, err = c.GetValue(ownerCtx, req)
	if !treeerr.IsStructure(err) {
		t.Fatalf("first miss should signal ErrStructure, got %v", err)
	}

	e := c.getEntry(addr.Key())
	e.mu.Lock()
	inFlight := e.inFlight
	e.mu.Unlock()
	if inFlight == nil {
		t.Fatalf("expected A's call to install an in-flight marker")
	}

	// Caller B falls through to the subcontractor for its own reason
	// (e.g. recall budget exhausted) and reports back under a different
	// call token. This must NOT clear A's still-pending marker.
	otherCtx := component.WithFilterToken(context.Background())
	c.OnSubcontractorReturn(otherCtx, req, value.NewValue("from-b"), nil)

	e.mu.Lock()
	stillInFlight := e.inFlight
	e.mu.Unlock()
	if stillInFlight == nil {
		t.Fatalf("a sibling call's OnSubcontractorReturn cleared another call's in-flight marker")
	}

	// A's own completion, under the owning token, must clear it.
	c.OnSubcontractorReturn(ownerCtx, req, value.NewValue("from-a"), nil)
	e.mu.Lock()
	cleared := e.inFlight
	e.mu.Unlock()
	if cleared != nil {
		t.Fatalf("the owning call's OnSubcontractorReturn should have cleared the marker")
	}
}

func TestIsCachableExcludesWrites(t *testing.T) {
	c, err := New("cache", &countingGetter{}, Config{MaxRecall: 1})
	if err != nil {
		t.Fatal(err)
	}
	req := &value.ValueRequest{Address: address.New("mount.azimuth"), RequestType: value.Write}
	if c.IsCachable(req) {
		t.Fatalf("a WRITE request must never be cachable")
	}
}

func TestIsCachableExcludesConfiguredRegex(t *testing.T) {
	c, err := New("cache", &countingGetter{}, Config{MaxRecall: 1, NoCachableRegex: []string{`^mount\.`}})
	if err != nil {
		t.Fatal(err)
	}
	req := &value.ValueRequest{Address: address.New("mount.azimuth")}
	if c.IsCachable(req) {
		t.Fatalf("address matching no_cachable_regex must not be cachable")
	}
}

func TestMaxRecallClampedToOne(t *testing.T) {
	c, err := New("cache", &countingGetter{}, Config{MaxRecall: 0})
	if err != nil {
		t.Fatal(err)
	}
	if c.maxRecall != 1 {
		t.Fatalf("maxRecall = %d, want clamped to 1", c.maxRecall)
	}
}

func TestUpdateKnownValueBroadcastsOnlyOnRealChange(t *testing.T) {
	c, err := New("cache", &countingGetter{}, Config{MaxRecall: 1})
	if err != nil {
		t.Fatal(err)
	}
	addr := address.New("mount.azimuth")
	req := &value.ValueRequest{Address: addr}

	c.OnSubcontractorReturn(context.Background(), req, value.NewValue(1), nil)
	changed := c.Wait(addr)

	// Same payload at a later timestamp: must NOT broadcast.
	c.OnSubcontractorReturn(context.Background(), req, value.NewValue(1), nil)
	select {
	case <-changed:
		t.Fatalf("Wait channel closed on an unchanged payload")
	case <-time.After(20 * time.Millisecond):
	}

	// A genuinely different payload: must broadcast.
	c.OnSubcontractorReturn(context.Background(), req, value.NewValue(2), nil)
	select {
	case <-changed:
	case <-time.After(20 * time.Millisecond):
		t.Fatalf("Wait channel did not close on a changed payload")
	}
}
