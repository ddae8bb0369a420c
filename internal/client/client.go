// Package client implements the Internal Client facade: lets components
// issue in-process requests back into the same tree without traversing
// the external transport, auto-tagging such requests with a service-user
// identity and respecting the shortest deadline among a request batch.
// Grounded on ap_common/apcfg's Execute/cfgapi.Handle facade pattern and
// SPEC_FULL.md §9's "In-process client" design note.
package client

import (
	"context"
	"time"

	"obstree/internal/address"
	"obstree/internal/treedata"
	"obstree/internal/value"
)

// ServiceUserName is the identity the facade tags every in-process
// request with, so the access gate can recognize and special-case it.
const ServiceUserName = "internal-client"

// Client is the Internal Client facade.
type Client struct {
	td   *treedata.TreeData
	user value.User
}

// New builds a Client bound to td's root resolver.
func New(td *treedata.TreeData) *Client {
	return &Client{td: td, user: &value.ServiceUser{UserName: ServiceUserName}}
}

// Get issues a READ for path, with the given tolerance and deadline.
func (c *Client) Get(ctx context.Context, path string, tolerance time.Duration, deadline time.Time) (*value.Value, error) {
	req := &value.ValueRequest{
		Address:             address.New(path),
		RequestType:         value.Read,
		RequestTimeout:      deadline,
		TimeOfData:          time.Now(),
		TimeOfDataTolerance: tolerance,
		User:                c.user,
	}
	return c.td.Root.GetValue(ctx, req)
}

// Put issues a WRITE for path carrying data, with an optional
// special-permission flag the gate honors only for service users.
func (c *Client) Put(ctx context.Context, path string, data map[string]interface{}, deadline time.Time, specialPermission bool) (*value.Value, error) {
	rd := make(map[string]interface{}, len(data)+1)
	for k, v := range data {
		rd[k] = v
	}
	if specialPermission {
		rd[value.KeySpecialPermission] = true
	}
	req := &value.ValueRequest{
		Address:        address.New(path),
		RequestType:    value.Write,
		RequestTimeout: deadline,
		TimeOfData:     time.Now(),
		RequestData:    rd,
		User:           c.user,
	}
	return c.td.Root.GetValue(ctx, req)
}

// BatchRequest is one element of a Batch call.
type BatchRequest struct {
	Path     string
	Write    bool
	Data     map[string]interface{}
	Deadline time.Time
}

// BatchResult pairs a BatchRequest with its outcome.
type BatchResult struct {
	Value *value.Value
	Err   error
}

// Batch issues every request concurrently, honoring the shortest deadline
// among the batch for the overall context passed to each (§9: "respects
// the shortest deadline among a request batch").
func (c *Client) Batch(ctx context.Context, reqs []BatchRequest) []BatchResult {
	if len(reqs) == 0 {
		return nil
	}
	shortest := reqs[0].Deadline
	for _, r := range reqs[1:] {
		if r.Deadline.Before(shortest) {
			shortest = r.Deadline
		}
	}
	bctx, cancel := context.WithDeadline(ctx, shortest)
	defer cancel()

	results := make([]BatchResult, len(reqs))
	done := make(chan int, len(reqs))
	for i, r := range reqs {
		i, r := i, r
		go func() {
			if r.Write {
				v, err := c.Put(bctx, r.Path, r.Data, r.Deadline, false)
				results[i] = BatchResult{Value: v, Err: err}
			} else {
				tol := time.Duration(0)
				v, err := c.Get(bctx, r.Path, tol, r.Deadline)
				results[i] = BatchResult{Value: v, Err: err}
			}
			done <- i
		}()
	}
	for range reqs {
		<-done
	}
	return results
}
