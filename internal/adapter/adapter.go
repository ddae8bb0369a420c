// Package adapter implements the Hardware Adapter: the terminal
// component translating a residual address path into an HTTP call
// against an external device service (an Alpaca-style device protocol),
// enforcing a per-request deadline and mapping protocol errors into the
// shared error taxonomy. Grounded on SPEC_FULL.md §4.5 and the Python
// reference's alpaca_api/connector.py shape, with the dispatch table
// itself grounded on ap.configd's propertyMatchTable/subtreeMatchTable
// static-table idiom (see SPEC_FULL.md §9 design note).
package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"obstree/internal/metrics"
	"obstree/internal/treedata"
	"obstree/internal/treeerr"
	"obstree/internal/value"
)

// Direction distinguishes a dispatch entry's HTTP verb.
type Direction int

const (
	// GetDirection issues a protocol GET.
	GetDirection Direction = iota
	// PutDirection issues a protocol PUT.
	PutDirection
)

// Device describes one node of the adapter's device tree: a kind
// (mount, dome, camera, filterwheel, focuser, rotator,
// cover-calibrator, switch, safety-monitor, tertiary), a numeric
// device-index, and a configuration dictionary inherited from its
// parent (base URL, protocol, etc. resolve up the tree). Children holds
// any nested sub-devices declared under this device's "components" key,
// mirroring observatory.py's Component.children.
type Device struct {
	Kind     string
	Index    int
	Config   map[string]interface{}
	Children map[string]*Device
	parent   *Device
}

// NewDevice builds a Device attached under parent (nil for a root),
// so Resolve can fall back to the parent's configuration for inherited
// keys such as base_url/protocol.
func NewDevice(kind string, index int, cfg map[string]interface{}, parent *Device) *Device {
	return &Device{Kind: kind, Index: index, Config: cfg, parent: parent}
}

// AddChild attaches child under d as name, reparenting it so Resolve and
// config inheritance see d as the fallback.
func (d *Device) AddChild(name string, child *Device) {
	if d.Children == nil {
		d.Children = map[string]*Device{}
	}
	child.parent = d
	d.Children[name] = child
}

// Resolve looks up a configuration key, falling back to the parent chain.
func (d *Device) Resolve(key string) (interface{}, bool) {
	for cur := d; cur != nil; cur = cur.parent {
		if v, ok := cur.Config[key]; ok {
			return v, true
		}
	}
	return nil, false
}

func (d *Device) baseURL() string {
	if v, ok := d.Resolve("base_url"); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// dispatchKey identifies one entry of the static dispatch table.
type dispatchKey struct {
	Kind      string
	Attribute string
	Direction Direction
}

// preProcessor rewrites request parameters into the URL/method/body sent
// upstream; postProcessor turns the raw HTTP response into a Value.
type preProcessor func(dev *Device, req *value.ValueRequest) (url string, method string, body io.Reader, err error)
type postProcessor func(resp *http.Response) (*value.Value, error)

type dispatchEntry struct {
	Pre  preProcessor
	Post postProcessor
}

func defaultPre(direction Direction) preProcessor {
	return func(dev *Device, req *value.ValueRequest) (string, string, io.Reader, error) {
		segs := req.Address.Residual()
		if len(segs) < 1 {
			return "", "", nil, fmt.Errorf("missing attribute in residual address")
		}
		attr := segs[len(segs)-1]
		url := fmt.Sprintf("%s/%s/%d/%s", dev.baseURL(), dev.Kind, dev.Index, attr)
		if direction == GetDirection {
			return url, http.MethodGet, nil, nil
		}
		payload, err := json.Marshal(req.RequestData)
		if err != nil {
			return "", "", nil, err
		}
		return url, http.MethodPut, bytes.NewReader(payload), nil
	}
}

func defaultPost(resp *http.Response) (*value.Value, error) {
	defer resp.Body.Close()
	var out struct {
		Value       interface{} `json:"Value"`
		ErrorNumber int         `json:"ErrorNumber"`
		ErrorMsg    string      `json:"ErrorMessage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return value.NewValue(nil), nil
	}
	if out.ErrorNumber != 0 {
		return nil, treeerr.NewValueError(2002, treeerr.SeverityNormal, "device error %d: %s", out.ErrorNumber, out.ErrorMsg)
	}
	return value.NewValue(out.Value), nil
}

// Config holds the adapter's construction-time parameters
// (tree.<adapter>.timeout_multiplier, tree.<adapter>.observatory.*).
type Config struct {
	TimeoutMultiplier float64
	Root              *Device
}

const defaultTimeoutMultiplier = 0.8

// Adapter is the terminal value-producing leaf.
type Adapter struct {
	name    string
	root    *Device
	mult    float64
	table   map[dispatchKey]dispatchEntry
	client  *http.Client
	log     *zap.SugaredLogger
	devices map[string]*Device // flattened by residual path prefix, for dispatch lookup
}

// New builds an Adapter. A timeout multiplier outside (0,1) is replaced
// by the documented default of 0.8, per the boundary-behaviors spec.
func New(name string, cfg Config) *Adapter {
	mult := cfg.TimeoutMultiplier
	if mult <= 0 || mult >= 1 {
		mult = defaultTimeoutMultiplier
	}
	a := &Adapter{
		name:    name,
		root:    cfg.Root,
		mult:    mult,
		table:   map[dispatchKey]dispatchEntry{},
		log:     zap.S().Named(name),
		devices: map[string]*Device{},
	}
	a.registerDefaults()
	return a
}

// Register installs a dispatch entry for (kind, attribute, direction),
// overriding the default GET/PUT mapping — used for pre-/post-processors
// such as hour-angle-to-degrees conversion or custom action mappings.
func (a *Adapter) Register(kind, attribute string, dir Direction, pre preProcessor, post postProcessor) {
	if pre == nil {
		pre = defaultPre(dir)
	}
	if post == nil {
		post = defaultPost
	}
	a.table[dispatchKey{kind, attribute, dir}] = dispatchEntry{Pre: pre, Post: post}
}

func (a *Adapter) registerDefaults() {
	// No dispatch entries are pre-registered here, and the tree-builder
	// registers none either: every (kind, attribute, direction) without a
	// Register call uses the default GET/PUT mapping in GetValue.
}

// AddDevice registers dev under name for address-mapping lookup, e.g. "mount".
func (a *Adapter) AddDevice(name string, dev *Device) { a.devices[name] = dev }

// Device returns the device registered under name, and whether it exists.
func (a *Adapter) Device(name string) (*Device, bool) {
	d, ok := a.devices[name]
	return d, ok
}

// Name implements component.Component.
func (a *Adapter) Name() string { return a.name }

// PostInit: the adapter owns no tree-positional state beyond its name.
func (a *Adapter) PostInit(path []string, td *treedata.TreeData) {}

// Run creates the adapter's HTTP client, which must be created inside a
// running event loop per the resource policy (§5) — in Go terms this
// just means Run, not the constructor, owns the *http.Client's lifetime.
func (a *Adapter) Run(ctx context.Context) error {
	a.client = &http.Client{}
	return nil
}

// Stop releases the HTTP client's idle connections.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.client != nil {
		a.client.CloseIdleConnections()
	}
	return nil
}

// GetValue implements component.Component, realizing §4.5's address
// mapping, request budget, and error mapping tables.
func (a *Adapter) GetValue(ctx context.Context, req *value.ValueRequest) (*value.Value, error) {
	segs := req.Address.Residual()
	if len(segs) < 2 {
		return nil, treeerr.NewAddressError(1001, "adapter %s expects [device, attribute], got %v", a.name, segs)
	}
	deviceName, attr := segs[0], segs[len(segs)-1]
	dev, ok := a.devices[deviceName]
	if !ok {
		return nil, treeerr.NewAddressError(1002, "unknown device %q", deviceName)
	}

	dir := GetDirection
	if req.RequestType == value.Write {
		dir = PutDirection
	}
	entry, ok := a.table[dispatchKey{dev.Kind, attr, dir}]
	if !ok {
		entry = dispatchEntry{Pre: defaultPre(dir), Post: defaultPost}
	}

	budget := time.Until(req.RequestTimeout)
	if budget <= 0 {
		return nil, treeerr.NewOtherError(treeerr.CodeUpstreamUnavailable, treeerr.SeverityTemporary, "request already past deadline")
	}
	httpTimeout := time.Duration(float64(budget) * a.mult)

	url, method, body, err := entry.Pre(dev, req)
	if err != nil {
		return nil, treeerr.NewAddressError(1003, "building request for %s.%s: %v", deviceName, attr, err)
	}

	cctx, cancel := context.WithTimeout(ctx, httpTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(cctx, method, url, body)
	if err != nil {
		return nil, treeerr.NewAddressError(1003, "bad request: %v", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	client := a.client
	if client == nil {
		client = http.DefaultClient
	}
	callStart := time.Now()
	resp, err := client.Do(httpReq)
	metrics.AdapterLatency.WithLabelValues(a.name, dev.Kind).Observe(time.Since(callStart).Seconds())
	if err != nil {
		if cctx.Err() != nil {
			return nil, treeerr.NewOtherError(treeerr.CodeUpstreamUnavailable, treeerr.SeverityTemporary, "deadline exceeded calling %s: %v", url, err)
		}
		return nil, treeerr.NewOtherError(treeerr.CodeUpstreamUnavailable, treeerr.SeverityTemporary, "connecting to %s: %v", url, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, treeerr.NewValueError(2002, treeerr.SeverityNormal, "upstream status %d for %s", resp.StatusCode, url)
	}

	return entry.Post(resp)
}
