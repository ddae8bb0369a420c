// Package value defines the payloads that travel through the resolution
// tree: Value, the request/response envelope pair, and the two User
// identities the access gate distinguishes between.
package value

import (
	"reflect"
	"time"

	"obstree/internal/address"
	"obstree/internal/treeerr"
)

// Value is the opaque payload a component produces, stamped with the
// monotonic timestamp it was observed at and a small free-form tag map.
type Value struct {
	V    interface{}
	TS   time.Time
	Tags map[string]interface{}
}

// NewValue builds a Value timestamped now.
func NewValue(v interface{}) *Value {
	return &Value{V: v, TS: time.Now(), Tags: map[string]interface{}{}}
}

// WithTag returns v with an additional tag set, used e.g. to mark
// from_cf=true on values returned by the conditional freezer.
func (v *Value) WithTag(key string, val interface{}) *Value {
	cp := *v
	cp.Tags = make(map[string]interface{}, len(v.Tags)+1)
	for k, val2 := range v.Tags {
		cp.Tags[k] = val2
	}
	cp.Tags[key] = val
	return &cp
}

// Tag fetches a tag, returning ok=false if absent.
func (v *Value) Tag(key string) (interface{}, bool) {
	if v == nil || v.Tags == nil {
		return nil, false
	}
	val, ok := v.Tags[key]
	return val, ok
}

// IsExpired reports whether v is too old to satisfy a request whose
// reference timestamp is ts and whose tolerance is delta: the value is
// acceptable iff v.TS+delta >= ts.
func (v *Value) IsExpired(ts time.Time, delta time.Duration) bool {
	if v == nil {
		return true
	}
	return v.TS.Add(delta).Before(ts)
}

// Equal compares the payload and tags, ignoring timestamp, matching the
// cache's "timestamp advanced but payload identical" special case.
func (v *Value) Equal(o *Value) bool {
	if v == nil || o == nil {
		return v == o
	}
	return reflect.DeepEqual(v.V, o.V) && reflect.DeepEqual(v.Tags, o.Tags)
}

// RequestType distinguishes reads from mutating writes.
type RequestType int

const (
	// Read is the default request type.
	Read RequestType = iota
	// Write is a mutating request, subject to gate admission.
	Write
)

func (t RequestType) String() string {
	if t == Write {
		return "WRITE"
	}
	return "READ"
}

// Recognized RequestData keys.
const (
	KeyTimeOfKnownChange       = "time_of_known_change"
	KeyNrUnsuccessfulRefreshes = "nr_of_unsuccessful_refreshes"
	KeyNoSendBefore            = "no_send_before"
	KeyTimeoutReservation      = "timeout_reservation"
	KeySpecialPermission       = "request_special_permission_param"
)

// ValueRequest is the unit of work that travels down the tree.
type ValueRequest struct {
	Address             address.Address
	RequestType         RequestType
	RequestTimeout      time.Time
	TimeOfData          time.Time
	TimeOfDataTolerance time.Duration
	CycleQuery          bool
	RequestData         map[string]interface{}
	User                User
}

// Copy returns a deep-enough copy for the freezer's "fresh copy of the
// request" refresh call: RequestData is copied so the refresher can't
// observe mutations a concurrent caller makes to the original map.
func (r *ValueRequest) Copy() *ValueRequest {
	cp := *r
	cp.RequestData = make(map[string]interface{}, len(r.RequestData))
	for k, v := range r.RequestData {
		cp.RequestData[k] = v
	}
	return &cp
}

// Data fetches a RequestData value, returning ok=false if absent.
func (r *ValueRequest) Data(key string) (interface{}, bool) {
	if r.RequestData == nil {
		return nil, false
	}
	v, ok := r.RequestData[key]
	return v, ok
}

// NrUnsuccessfulRefreshes reads the carried-forward refresh counter. Per
// the decided Open Question, an absent (or nil) value is treated as zero;
// a value of a non-numeric type yields an AddressError (1003), matching
// the Python reference's distinct behavior of raising on a genuinely
// malformed value but defaulting on an absent one.
func (r *ValueRequest) NrUnsuccessfulRefreshes() (int, error) {
	v, ok := r.Data(KeyNrUnsuccessfulRefreshes)
	if !ok || v == nil {
		return 0, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, treeerr.NewAddressError(1003, "nr_of_unsuccessful_refreshes has wrong type %T", v)
	}
}

// TimeOfKnownChange reads the client's last-seen change timestamp, or the
// zero Time if absent (treated as "nothing seen yet").
func (r *ValueRequest) TimeOfKnownChange() time.Time {
	v, ok := r.Data(KeyTimeOfKnownChange)
	if !ok || v == nil {
		return time.Time{}
	}
	if t, ok := v.(time.Time); ok {
		return t
	}
	return time.Time{}
}

// ValueResponse is the result of resolving a ValueRequest. The invariant
// Status <=> Value != nil && Error == nil is enforced by the constructors
// below rather than left to callers to maintain by hand.
type ValueResponse struct {
	Address address.Address
	Value   *Value
	Status  bool
	Error   *treeerr.TreeError
}

// Success builds a successful response.
func Success(addr address.Address, v *Value) *ValueResponse {
	return &ValueResponse{Address: addr, Value: v, Status: true}
}

// Failure builds a failed response carrying a typed error.
func Failure(addr address.Address, err *treeerr.TreeError) *ValueResponse {
	return &ValueResponse{Address: addr, Status: false, Error: err}
}

// User identifies the caller of a request. NormalUser represents an
// authenticated external client; ServiceUser represents an in-process
// caller (the Internal Client facade), which the access gate honors
// request_special_permission_param for.
type User interface {
	Name() string
	IsService() bool
}

// NormalUser is an authenticated external client identity.
type NormalUser struct {
	UserName  string
	LoginDate time.Time
	SocketID  string
}

// Name implements User.
func (u *NormalUser) Name() string { return u.UserName }

// IsService implements User.
func (u *NormalUser) IsService() bool { return false }

// ServiceUser is an in-process identity used by the Internal Client
// facade; it is the only User kind the gate honors special-permission
// requests for.
type ServiceUser struct {
	UserName string
}

// Name implements User.
func (u *ServiceUser) Name() string { return u.UserName }

// IsService implements User.
func (u *ServiceUser) IsService() bool { return true }

// SameUser reports whether a and b name the same identity (kind and name),
// the equality notion the gate and grantor use for reservation matching.
func SameUser(a, b User) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.IsService() == b.IsService() && a.Name() == b.Name()
}
