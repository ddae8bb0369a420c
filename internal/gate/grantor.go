package gate

import (
	"context"
	"time"

	"go.uber.org/zap"

	"obstree/internal/treedata"
	"obstree/internal/treeerr"
	"obstree/internal/value"
)

// Grantor is the sibling leaf exposing commands that manipulate a
// Blocker's reservation: take_control, return_control, break_control,
// current_user, timeout_current_control, is_access. Command semantics and
// field-read ordering are grounded directly on tree_blocker_access_grantor.py.
type Grantor struct {
	name    string
	blocker *Blocker
	log     *zap.SugaredLogger
}

// NewGrantor builds a Grantor manipulating blocker.
func NewGrantor(name string, blocker *Blocker) *Grantor {
	return &Grantor{name: name, blocker: blocker, log: zap.S().Named(name)}
}

// Name implements component.Component.
func (g *Grantor) Name() string { return g.name }

// PostInit, Run, Stop: the grantor owns no resource.
func (g *Grantor) PostInit(path []string, td *treedata.TreeData) {}
func (g *Grantor) Run(ctx context.Context) error                 { return nil }
func (g *Grantor) Stop(ctx context.Context) error                { return nil }

// GetValue implements component.Component.
func (g *Grantor) GetValue(ctx context.Context, req *value.ValueRequest) (*value.Value, error) {
	if req.User == nil {
		return nil, treeerr.NewOtherError(treeerr.CodeNoCommand, treeerr.SeverityNormal, "no user in request")
	}
	seg, ok := req.Address.Current()
	if !ok {
		return nil, treeerr.NewAddressError(1001, "the address does not contain a command")
	}

	switch {
	case seg == "take_control" && req.RequestType == value.Write:
		var ttl time.Duration
		if v, ok := req.Data(value.KeyTimeoutReservation); ok {
			if until, ok := v.(time.Time); ok {
				ttl = time.Until(until)
			} else if d, ok := v.(time.Duration); ok {
				ttl = d
			}
		}
		if err := g.blocker.MakeReservation(req.User, ttl); err != nil {
			g.log.Infow("take_control failed, blocker already in use", "user", req.User.Name())
			return value.NewValue(false), nil
		}
		g.log.Infow("take_control granted", "user", req.User.Name())
		return value.NewValue(true), nil

	case seg == "break_control" && req.RequestType == value.Write:
		holder, _, ok := g.blocker.CurrentUser()
		if !ok {
			g.log.Infow("break_control: no one held the blocker", "user", req.User.Name())
		} else {
			g.log.Infow("break_control: cancelling reservation", "user", req.User.Name(), "previous_holder", holder.Name())
		}
		g.blocker.CancelReservation()
		return value.NewValue(true), nil

	case seg == "return_control" && req.RequestType == value.Write:
		ok := g.blocker.ReturnReservation(req.User)
		if ok {
			g.log.Infow("return_control succeeded", "user", req.User.Name())
		} else {
			g.log.Infow("return_control failed: caller is not the holder", "user", req.User.Name())
		}
		return value.NewValue(ok), nil

	case seg == "current_user":
		// Fetch timeout before current_user, to avoid racing the
		// reservation's own lazy expiry between the two reads.
		timeout, hasTimeout := g.blocker.TimeoutCurrentReservation()
		holder, login, ok := g.blocker.CurrentUser()
		out := map[string]interface{}{"name": nil, "login_date": nil, "timeout_control": nil}
		if ok {
			out["name"] = holder.Name()
			out["login_date"] = login
			if hasTimeout {
				out["timeout_control"] = timeout
			}
		}
		return value.NewValue(out), nil

	case seg == "timeout_current_control":
		timeout, ok := g.blocker.TimeoutCurrentReservation()
		if !ok {
			return value.NewValue(nil), nil
		}
		return value.NewValue(timeout), nil

	case seg == "is_access":
		holder, _, ok := g.blocker.CurrentUser()
		return value.NewValue(ok && value.SameUser(holder, req.User)), nil

	default:
		return nil, treeerr.NewAddressError(1002, "unrecognised method for module %s", g.name)
	}
}
