// Package freezer implements the Conditional Freezer: subscription
// ("cycle query") semantics layered over the Cache, parking callers on a
// change notification until either a fresher value appears or an alarm
// deadline is reached. Grounded precisely on the Python reference's
// TreeConditionalFreezer (tree_conditional_freezer.py) — see DESIGN.md.
package freezer

import (
	"context"
	"time"

	"go.uber.org/zap"

	"obstree/internal/cache"
	"obstree/internal/treedata"
	"obstree/internal/treeerr"
	"obstree/internal/value"
)

// Config holds the freezer's construction-time parameters
// (data_collection.TreeConditionalFreezer.* in SPEC_FULL.md §6).
type Config struct {
	AlarmTimeoutOffset       time.Duration
	MaxUnsuccessfulRefreshes int
	MinTimeOfDataTolerance   time.Duration
}

// Freezer is a filter leaf: its GetValue either answers a cycle request
// directly or signals treeerr.ErrStructure for a non-cycle request, which
// the enclosing component.Filter delegates to the shared Cache.
//
// Refresh is the subcontractor the freezer triggers on a timeout: in the
// assembled tree this is the same component.Filter(Cache, Adapter) the
// freezer itself is wrapped by, so a cache miss during refresh still goes
// through the cache's own coalescing/update machinery.
type Freezer struct {
	name    string
	cache   *cache.Cache
	refresh Refresher
	cfg     Config
	log     *zap.SugaredLogger
}

// Refresher is the minimal interface used to trigger an explicit refresh;
// satisfied by the component.Filter wrapping the Cache.
type Refresher interface {
	GetValue(ctx context.Context, req *value.ValueRequest) (*value.Value, error)
}

// New builds a Freezer.
func New(name string, c *cache.Cache, refresh Refresher, cfg Config) *Freezer {
	return &Freezer{name: name, cache: c, refresh: refresh, cfg: cfg, log: zap.S().Named(name)}
}

// Name implements component.Component.
func (f *Freezer) Name() string { return f.name }

// PostInit, Run, Stop: the freezer owns no resource beyond the cache it wraps.
func (f *Freezer) PostInit(path []string, td *treedata.TreeData) {}
func (f *Freezer) Run(ctx context.Context) error                 { return nil }
func (f *Freezer) Stop(ctx context.Context) error                { return nil }

// GetValue implements component.Component.
func (f *Freezer) GetValue(ctx context.Context, req *value.ValueRequest) (*value.Value, error) {
	if !req.CycleQuery {
		return nil, treeerr.ErrStructure
	}
	if !f.cache.IsCachable(req) {
		return nil, treeerr.NewOtherError(treeerr.CodeNonCacheableCycle, treeerr.SeverityNormal, "cycle_query on non-cacheable address %s", req.Address)
	}

	tolerance := req.TimeOfDataTolerance
	if tolerance < f.cfg.MinTimeOfDataTolerance {
		tolerance = f.cfg.MinTimeOfDataTolerance
	}

	nrUnsuccessful, err := req.NrUnsuccessfulRefreshes()
	if err != nil {
		return nil, err
	}

	deadline := req.RequestTimeout
	waitingTimeout := deadline.Add(-f.cfg.AlarmTimeoutOffset)

	noSendBefore := time.Time{}
	if v, ok := req.Data(value.KeyNoSendBefore); ok && v != nil {
		if t, ok := v.(time.Time); ok {
			noSendBefore = t
		}
	}
	if until := noSendBefore.Sub(time.Now()); until > 0 {
		cap := time.Until(waitingTimeout)
		if until > cap {
			until = cap
		}
		if until > 0 {
			select {
			case <-time.After(until):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}

	timeOfKnownChange := req.TimeOfKnownChange()
	highestSeverity := treeerr.SeverityNormal
	var lastErr error
	waitOffsetError := time.Duration(0)

	for {
		v, changeTime, ok := f.cache.Get(req.Address)
		if ok && (timeOfKnownChange.IsZero() || changeTime.After(timeOfKnownChange)) {
			return v.WithTag("from_cf", true), nil
		}

		if nrUnsuccessful >= f.cfg.MaxUnsuccessfulRefreshes {
			sev := highestSeverity
			return nil, treeerr.NewValueError(2003, sev, "refresh budget exhausted after %d attempts: %v", nrUnsuccessful, lastErr)
		}

		waitTarget := time.Now().Add(waitOffsetError)
		if v != nil {
			waitTarget = v.TS.Add(tolerance).Add(waitOffsetError)
		}
		if waitTarget.After(waitingTimeout) {
			waitTarget = waitingTimeout
		}
		waitDur := time.Until(waitTarget)
		if waitDur < 0 {
			waitDur = 0
		}

		changed := f.cache.Wait(req.Address)
		timer := time.NewTimer(waitDur)
		select {
		case <-changed:
			timer.Stop()
			continue
		case <-timer.C:
			// fall through to the expire/refresh decision below
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}

		if !time.Now().Before(waitingTimeout) {
			return nil, treeerr.NewOtherError(treeerr.CodeAlarmTimeout, treeerr.SeverityNormal,
				"alarm timeout, nr_of_unsuccessful_refreshes=%d", nrUnsuccessful)
		}

		fresh := req.Copy()
		fresh.TimeOfData = time.Now()
		_, rerr := f.refresh.GetValue(ctx, fresh)
		if rerr == nil {
			nrUnsuccessful = 0
			waitOffsetError = 0
			highestSeverity = treeerr.SeverityNormal
			lastErr = nil
		} else {
			nrUnsuccessful++
			waitOffsetError = tolerance
			lastErr = rerr
			if te, ok := treeerr.AsTreeError(rerr); ok {
				highestSeverity = highestSeverity.Compare(te.Severity)
			} else {
				highestSeverity = highestSeverity.Compare(treeerr.SeverityTemporary)
			}
		}
	}
}

