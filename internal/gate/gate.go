// Package gate implements the Access Gate (reservation-based admission
// control for mutating requests) and the Grantor (the leaf exposing
// commands that manipulate a gate's reservation). Grounded on the
// Python reference's TreeBaseRequestBlocker (gate) and
// TreeBlockerAccessGrantor (grantor) — see DESIGN.md.
package gate

import (
	"context"
	"regexp"
	"sync"
	"time"

	"go.uber.org/zap"

	"obstree/internal/metrics"
	"obstree/internal/treedata"
	"obstree/internal/treeerr"
	"obstree/internal/value"
)

// ReservationError is returned by MakeReservation when the slot is held
// by a different user.
type ReservationError struct{ Holder string }

func (e *ReservationError) Error() string { return "reservation held by " + e.Holder }

// reservation is the gate's single-slot state machine: free (Holder ==
// nil) or held{user, expires_at}. now >= ExpiresAt is treated as free
// without an explicit clear, computed lazily at read time.
type reservation struct {
	mu        sync.Mutex
	holder    value.User
	expiresAt time.Time
	loginDate time.Time
}

func (r *reservation) currentUser() (value.User, time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.holder == nil {
		return nil, time.Time{}, false
	}
	if !time.Now().Before(r.expiresAt) {
		r.holder = nil
		return nil, time.Time{}, false
	}
	return r.holder, r.loginDate, true
}

func (r *reservation) timeoutCurrent() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.holder == nil || !time.Now().Before(r.expiresAt) {
		if r.holder != nil {
			r.holder = nil
		}
		return time.Time{}, false
	}
	return r.expiresAt, true
}

func (r *reservation) take(user value.User, ttl time.Duration, maxTTL time.Duration) error {
	if ttl > maxTTL {
		ttl = maxTTL
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.holder != nil && time.Now().Before(r.expiresAt) && !value.SameUser(r.holder, user) {
		return &ReservationError{Holder: r.holder.Name()}
	}
	r.holder = user
	r.expiresAt = time.Now().Add(ttl)
	r.loginDate = time.Now()
	return nil
}

func (r *reservation) breakIt() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.holder = nil
}

func (r *reservation) returnIt(user value.User) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.holder == nil || value.SameUser(r.holder, user) {
		r.holder = nil
		return true
	}
	return false
}

// Blocker owns the reservation slot shared by a Gate and its sibling
// Grantor.
type Blocker struct {
	name              string
	res               reservation
	defaultControlTTL time.Duration
	maxControlTTL     time.Duration
}

// NewBlocker builds a Blocker with the configured default/max reservation
// TTLs (tree.<blocker>.{default_control_time,max_control_time}).
func NewBlocker(defaultTTL, maxTTL time.Duration) *Blocker {
	return &Blocker{name: "blocker", defaultControlTTL: defaultTTL, maxControlTTL: maxTTL}
}

// MakeReservation attempts to grant user the slot for ttl (or the
// configured default if ttl <= 0), clamped to the configured maximum.
func (b *Blocker) MakeReservation(user value.User, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = b.defaultControlTTL
	}
	err := b.res.take(user, ttl, b.maxControlTTL)
	if err == nil {
		metrics.ReservationsActive.WithLabelValues(b.name).Set(1)
	}
	return err
}

// CancelReservation unconditionally frees the slot.
func (b *Blocker) CancelReservation() {
	b.res.breakIt()
	metrics.ReservationsActive.WithLabelValues(b.name).Set(0)
}

// ReturnReservation frees the slot only if user is the holder or the slot
// is already free, returning whether it succeeded.
func (b *Blocker) ReturnReservation(user value.User) bool {
	ok := b.res.returnIt(user)
	if ok {
		metrics.ReservationsActive.WithLabelValues(b.name).Set(0)
	}
	return ok
}

// CurrentUser returns the present holder, or ok=false if free/expired.
func (b *Blocker) CurrentUser() (value.User, time.Time, bool) { return b.res.currentUser() }

// TimeoutCurrentReservation returns the holder's expiry, or ok=false if free.
func (b *Blocker) TimeoutCurrentReservation() (time.Time, bool) { return b.res.timeoutCurrent() }

// RuleSet partitions white/black lists by request type, keyed by the
// residual address path after the gate (tree.<blocker>.{white_list,black_list}).
type RuleSet struct {
	WhiteRead, WhiteWrite []string
	BlackRead, BlackWrite []string
}

func anyMatch(patterns []string, residual string) bool {
	for _, p := range patterns {
		if ok, _ := regexp.MatchString(p, residual); ok {
			return true
		}
	}
	return false
}

// Gate is the pass-through filter leaf that admits or denies a traversing
// request based on the blocker's reservation state and the configured
// white/black lists. It never answers a request itself (beyond a denial):
// on admission it signals treeerr.ErrStructure so the enclosing
// component.Filter delegates to the protected subtree.
type Gate struct {
	name    string
	blocker *Blocker
	rules   RuleSet
	log     *zap.SugaredLogger
}

// NewGate builds a Gate over blocker using rules.
func NewGate(name string, blocker *Blocker, rules RuleSet) *Gate {
	return &Gate{name: name, blocker: blocker, rules: rules, log: zap.S().Named(name)}
}

// Name implements component.Component.
func (g *Gate) Name() string { return g.name }

// PostInit, Run, Stop: the gate owns no resource.
func (g *Gate) PostInit(path []string, td *treedata.TreeData) {}
func (g *Gate) Run(ctx context.Context) error                 { return nil }
func (g *Gate) Stop(ctx context.Context) error                { return nil }

// GetValue implements component.Component, realizing the gate decision
// table of SPEC_FULL.md §4.4.
func (g *Gate) GetValue(ctx context.Context, req *value.ValueRequest) (*value.Value, error) {
	residual := req.Address.ResidualString()

	switch req.RequestType {
	case value.Read:
		if anyMatch(g.rules.BlackRead, residual) {
			metrics.GateDecisions.WithLabelValues(g.name, "deny").Inc()
			return nil, treeerr.NewAddressError(1004, "address %s blacklisted for READ", residual)
		}
		metrics.GateDecisions.WithLabelValues(g.name, "admit").Inc()
		return nil, treeerr.ErrStructure
	case value.Write:
		if anyMatch(g.rules.BlackWrite, residual) {
			metrics.GateDecisions.WithLabelValues(g.name, "deny").Inc()
			return nil, treeerr.NewAddressError(1004, "address %s blacklisted for WRITE", residual)
		}
		if anyMatch(g.rules.WhiteWrite, residual) {
			metrics.GateDecisions.WithLabelValues(g.name, "admit").Inc()
			return nil, treeerr.ErrStructure
		}
		special, _ := req.Data(value.KeySpecialPermission)
		if b, ok := special.(bool); ok && b && req.User != nil && req.User.IsService() {
			metrics.GateDecisions.WithLabelValues(g.name, "admit").Inc()
			return nil, treeerr.ErrStructure
		}
		holder, _, ok := g.blocker.CurrentUser()
		if ok && value.SameUser(holder, req.User) {
			metrics.GateDecisions.WithLabelValues(g.name, "admit").Inc()
			return nil, treeerr.ErrStructure
		}
		metrics.GateDecisions.WithLabelValues(g.name, "deny").Inc()
		return nil, treeerr.NewAddressError(1004, "address %s denied: no reservation held by caller", residual)
	default:
		return nil, treeerr.NewOtherError(treeerr.CodeNoCommand, treeerr.SeverityNormal, "unknown request type")
	}
}

