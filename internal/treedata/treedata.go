// Package treedata implements the tree-global record injected top-down
// during PostInit: a reference to the root resolver (for the Internal
// Client facade) and the NATS publish handle. Grounded on
// ap_common/broker's PUB/SUB wrapper, with NATS substituted for ZMQ as
// the pub/sub transport (see DESIGN.md).
package treedata

import (
	"context"
	"fmt"
	"sync"

	"github.com/golang/protobuf/proto"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"obstree/internal/address"
	"obstree/internal/value"
)

// Resolver is the minimal interface the root of the tree exposes so the
// Internal Client facade can issue in-process requests without a second
// implementation of traversal.
type Resolver interface {
	GetValue(ctx context.Context, req *value.ValueRequest) (*value.Value, error)
}

// Well-known pub/sub subject configuration keys (see SPEC_FULL.md §6).
const (
	SubjectAlpacaConfig = "alpaca_config"
	SubjectPlanPrefix   = "plan"
	SubjectStatusPrefix = "status"
)

// TreeData is shared by every component in one tree instance. The root
// resolver reference and publish handle are both lifetime-bounded by the
// tree: TreeData is never retained outside of it.
type TreeData struct {
	Root Resolver

	mu   sync.Mutex
	conn *nats.Conn
	url  string
	log  *zap.SugaredLogger

	streams map[string]string
}

// New builds a TreeData bound to the given NATS URL. The connection is
// opened in Run and closed in Stop, matching the pub/sub connection
// policy in the concurrency model (§5: "opened during run_tree / closed
// during stop_tree").
func New(natsURL string, streams map[string]string) *TreeData {
	return &TreeData{url: natsURL, streams: streams, log: zap.S().Named("treedata")}
}

// Run opens the NATS connection.
func (t *TreeData) Run(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		return nil
	}
	conn, err := nats.Connect(t.url, nats.Name("obstree"))
	if err != nil {
		return fmt.Errorf("connecting to nats at %s: %w", t.url, err)
	}
	t.conn = conn
	return nil
}

// Stop closes the NATS connection.
func (t *TreeData) Stop(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	return nil
}

// Stream resolves a configured subject name, formatting telescopeID into
// it where the key is a per-telescope stream ("{}"-style formatting per
// SPEC_FULL.md §6, realized here as fmt.Sprintf with %s).
func (t *TreeData) Stream(key string, telescopeID string) string {
	tmpl, ok := t.streams[key]
	if !ok {
		return key
	}
	if telescopeID == "" {
		return tmpl
	}
	return fmt.Sprintf(tmpl, telescopeID)
}

// Publish marshals v and sends it on subject, logging and swallowing any
// failure: publish errors must never propagate into the resolver path
// (§6, "Publish failures ... are logged and swallowed").
func (t *TreeData) Publish(subject string, v proto.Message) {
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		t.log.Warnw("publish skipped: not connected", "subject", subject)
		return
	}
	payload, err := proto.Marshal(v)
	if err != nil {
		t.log.Errorw("failed to marshal message for publish", "subject", subject, "error", err)
		return
	}
	if err := conn.Publish(subject, payload); err != nil {
		t.log.Warnw("nats publish failed", "subject", subject, "error", err)
	}
}

// ResolveInternal is a convenience to issue a request at addr against the
// root without touching the external transport. The Internal Client
// facade does not use it; it calls Root.GetValue directly.
func (t *TreeData) ResolveInternal(ctx context.Context, addr address.Address, req *value.ValueRequest) (*value.Value, error) {
	req.Address = addr
	return t.Root.GetValue(ctx, req)
}
