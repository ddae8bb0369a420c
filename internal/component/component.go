// Package component implements the tree framework: the Component
// interface every node satisfies, and the Broker/DefaultBroker/Provider
// roles described by the address traversal design. Value-producing
// leaves and filters (Cache, Freezer, Gate, Grantor, Adapter) live in
// their own packages and satisfy the same Component interface.
package component

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"obstree/internal/metrics"
	"obstree/internal/treedata"
	"obstree/internal/treeerr"
	"obstree/internal/value"
)

// outcomeLabel classifies err into the label metrics.RequestsTotal is
// keyed by.
func outcomeLabel(err error) string {
	if err == nil {
		return "ok"
	}
	te, ok := treeerr.AsTreeError(err)
	if !ok {
		return "other_error"
	}
	switch te.Kind {
	case treeerr.KindAddress:
		return "address_error"
	case treeerr.KindValue:
		return "value_error"
	default:
		return "other_error"
	}
}

// Component is the single operation every tree node implements: given a
// request positioned at some cursor, produce a response. Implementations
// return treeerr.ErrStructure (use treeerr.IsStructure to check) to signal
// "delegate to my subcontractor" rather than answering themselves.
type Component interface {
	// Name is the component's local name, used for logging and path
	// computation; it is not necessarily a source name (leaves such as
	// the Cache or Freezer own no address segment).
	Name() string

	// GetValue resolves req, or returns treeerr.ErrStructure to signal
	// pass-through, or a *treeerr.TreeError for a typed failure.
	GetValue(ctx context.Context, req *value.ValueRequest) (*value.Value, error)

	// PostInit is called top-down once the tree is fully built, receiving
	// this node's computed path and the shared TreeData record.
	PostInit(path []string, td *treedata.TreeData)

	// Run starts any long-lived resources (HTTP sessions, sockets).
	Run(ctx context.Context) error

	// Stop releases resources opened by Run. It must be safe to call even
	// if Run partially failed, and must not stop early because a sibling
	// failed to stop cleanly.
	Stop(ctx context.Context) error
}

// Base provides the bookkeeping common to every component: name, computed
// path, and TreeData back-pointer. Concrete components embed it.
type Base struct {
	name string
	path []string
	td   *treedata.TreeData
	log  *zap.SugaredLogger
}

// NewBase constructs a Base with the given local name.
func NewBase(name string) Base {
	return Base{name: name}
}

// Name implements Component.
func (b *Base) Name() string { return b.name }

// Path returns this component's full path, valid only after PostInit.
func (b *Base) Path() []string { return b.path }

// TreeData returns the shared record injected during PostInit.
func (b *Base) TreeData() *treedata.TreeData { return b.td }

// Log returns a logger tagged with this component's path.
func (b *Base) Log() *zap.SugaredLogger {
	if b.log != nil {
		return b.log
	}
	return zap.S()
}

// PostInit implements the common half of Component.PostInit; components
// with children must additionally propagate to each child themselves.
func (b *Base) PostInit(path []string, td *treedata.TreeData) {
	b.path = path
	b.td = td
	name := b.name
	if len(path) > 0 {
		name = path[len(path)-1]
	}
	b.log = zap.S().Named(name)
}

// Run implements the no-op default; components that own resources override it.
func (b *Base) Run(ctx context.Context) error { return nil }

// Stop implements the no-op default; components that own resources override it.
func (b *Base) Stop(ctx context.Context) error { return nil }

// Broker consults address[cursor], dispatches to a named child, and
// advances the cursor. No two named children may share a source name
// (enforced at AddChild time).
type Broker struct {
	Base
	children map[string]Component
	order    []string
}

// NewBroker constructs an empty Broker.
func NewBroker(name string) *Broker {
	return &Broker{Base: NewBase(name), children: map[string]Component{}}
}

// AddChild registers c under sourceName. It panics on a duplicate source
// name within this broker, enforcing topology invariant (a) at build time
// rather than at traversal time.
func (b *Broker) AddChild(sourceName string, c Component) {
	if _, dup := b.children[sourceName]; dup {
		panic("tree: duplicate source name " + sourceName + " under broker " + b.Name())
	}
	b.children[sourceName] = c
	b.order = append(b.order, sourceName)
}

// GetValue implements Component.
func (b *Broker) GetValue(ctx context.Context, req *value.ValueRequest) (*value.Value, error) {
	seg, ok := req.Address.Current()
	if !ok {
		return nil, treeerr.NewAddressError(1002, "address exhausted at broker %s", b.Name())
	}
	child, ok := b.children[seg]
	if !ok {
		return nil, treeerr.NewAddressError(1002, "no child %q under broker %s", seg, b.Name())
	}
	sub := *req
	sub.Address = req.Address.Advanced(1)
	return child.GetValue(ctx, &sub)
}

// PostInit overrides Base.PostInit to additionally propagate to children.
func (b *Broker) PostInit(path []string, td *treedata.TreeData) {
	b.Base.PostInit(path, td)
	for _, name := range b.order {
		b.children[name].PostInit(append(append([]string{}, path...), name), td)
	}
}

// Run cascades to every child in parallel; a failing child does not stop
// the others, and the first failure is reported once all have finished.
func (b *Broker) Run(ctx context.Context) error {
	return runAll(ctx, b.order, func(name string) error { return b.children[name].Run(ctx) })
}

// Stop cascades to every child in parallel, reporting the first failure
// once all have finished.
func (b *Broker) Stop(ctx context.Context) error {
	return runAll(ctx, b.order, func(name string) error { return b.children[name].Stop(ctx) })
}

// DefaultBroker behaves like Broker but falls back to a nominated default
// child when no named child matches, without advancing the cursor past
// the non-matching segment (the Open Question resolution recorded in
// DESIGN.md: "preserve cursor on fallback").
type DefaultBroker struct {
	Broker
	defaultName string
	defaultC    Component
}

// NewDefaultBroker constructs an empty DefaultBroker; SetDefault must be
// called before PostInit.
func NewDefaultBroker(name string) *DefaultBroker {
	return &DefaultBroker{Broker: *NewBroker(name)}
}

// SetDefault nominates the fallback child for unmatched segments. The
// default child is also reachable under defaultName as an ordinary named
// child would be, but is additionally consulted on a miss.
func (b *DefaultBroker) SetDefault(name string, c Component) {
	b.defaultName = name
	b.defaultC = c
}

// GetValue implements Component, adding the default-fallback behavior.
func (b *DefaultBroker) GetValue(ctx context.Context, req *value.ValueRequest) (*value.Value, error) {
	seg, ok := req.Address.Current()
	if !ok {
		if b.defaultC != nil {
			return b.defaultC.GetValue(ctx, req)
		}
		return nil, treeerr.NewAddressError(1002, "address exhausted at default broker %s", b.Name())
	}
	if child, ok := b.children[seg]; ok {
		sub := *req
		sub.Address = req.Address.Advanced(1)
		return child.GetValue(ctx, &sub)
	}
	if b.defaultC != nil {
		// Cursor deliberately not advanced: the default child re-examines
		// the same segment the broker failed to match.
		return b.defaultC.GetValue(ctx, req)
	}
	return nil, treeerr.NewAddressError(1002, "no child %q under default broker %s", seg, b.Name())
}

// PostInit additionally propagates to the default child, if it is not
// already registered as a named child (avoiding double PostInit).
func (b *DefaultBroker) PostInit(path []string, td *treedata.TreeData) {
	b.Broker.PostInit(path, td)
	if b.defaultC != nil {
		if _, already := b.children[b.defaultName]; !already {
			b.defaultC.PostInit(append(append([]string{}, path...), b.defaultName), td)
		}
	}
}

// Run additionally starts the default child if it isn't already a named one.
func (b *DefaultBroker) Run(ctx context.Context) error {
	if err := b.Broker.Run(ctx); err != nil {
		return err
	}
	if b.defaultC != nil {
		if _, already := b.children[b.defaultName]; !already {
			return b.defaultC.Run(ctx)
		}
	}
	return nil
}

// Stop additionally stops the default child if it isn't already a named one.
func (b *DefaultBroker) Stop(ctx context.Context) error {
	var err error
	if b.defaultC != nil {
		if _, already := b.children[b.defaultName]; !already {
			err = b.defaultC.Stop(ctx)
		}
	}
	if serr := b.Broker.Stop(ctx); serr != nil {
		err = firstNonNil(err, serr)
	}
	return err
}

// Provider asserts that address[cursor] equals its own source name, then
// delegates to its single subcontractor.
type Provider struct {
	Base
	sourceName    string
	subcontractor Component
}

// NewProvider constructs a Provider that answers to sourceName.
func NewProvider(name, sourceName string, sub Component) *Provider {
	return &Provider{Base: NewBase(name), sourceName: sourceName, subcontractor: sub}
}

// GetValue implements Component.
func (p *Provider) GetValue(ctx context.Context, req *value.ValueRequest) (*value.Value, error) {
	if req.Address.Exhausted() {
		return nil, treeerr.NewAddressError(1002, "address exhausted at provider %s", p.Name())
	}
	seg, _ := req.Address.Current()
	if seg != p.sourceName {
		return nil, treeerr.NewAddressError(1002, "provider %s expected segment %q, got %q", p.Name(), p.sourceName, seg)
	}
	if p.subcontractor == nil {
		return nil, treeerr.NewOtherError(treeerr.CodeNoDownstream, treeerr.SeverityCritical, "provider %s has no subcontractor", p.Name())
	}
	sub := *req
	sub.Address = req.Address.Advanced(1)
	v, err := p.subcontractor.GetValue(ctx, &sub)
	metrics.RequestsTotal.WithLabelValues(p.Name(), outcomeLabel(err)).Inc()
	return v, err
}

// PostInit overrides Base.PostInit to additionally propagate to the subcontractor.
func (p *Provider) PostInit(path []string, td *treedata.TreeData) {
	p.Base.PostInit(path, td)
	if p.subcontractor != nil {
		p.subcontractor.PostInit(append(append([]string{}, path...), p.sourceName), td)
	}
}

// Run cascades to the subcontractor.
func (p *Provider) Run(ctx context.Context) error {
	if p.subcontractor == nil {
		return nil
	}
	return p.subcontractor.Run(ctx)
}

// Stop cascades to the subcontractor.
func (p *Provider) Stop(ctx context.Context) error {
	if p.subcontractor == nil {
		return nil
	}
	return p.subcontractor.Stop(ctx)
}

// runAll runs fn for every name concurrently and reports the first error,
// but only after every goroutine has completed: a failure in one sibling
// never prevents the others from starting or stopping. It uses a bare
// errgroup.Group (no WithContext) whose goroutines always return nil, so
// a sibling failure cannot cancel the others' Run/Stop.
func runAll(ctx context.Context, names []string, fn func(name string) error) error {
	var g errgroup.Group
	results := make([]error, len(names))
	for i, name := range names {
		i, name := i, name
		g.Go(func() error {
			results[i] = fn(name)
			return nil
		})
	}
	_ = g.Wait()
	var first error
	for _, err := range results {
		if err != nil && first == nil {
			first = err
		}
	}
	if first != nil {
		return treeerr.Wrap(first, "one or more children failed")
	}
	return nil
}

func firstNonNil(a, b error) error {
	if a != nil {
		return a
	}
	return b
}

// ReturnObserver is implemented by filter leaves (Cache) that need to
// observe the subcontractor's answer to a request they passed through,
// e.g. to update cached state and release an in-flight marker. ctx is the
// same call-scoped context the leaf's GetValue saw, carrying the token
// FilterToken extracts — this lets an observer that installed a marker
// under that token distinguish its own completion from an unrelated
// sibling call that also fell through to the subcontractor.
type ReturnObserver interface {
	OnSubcontractorReturn(ctx context.Context, req *value.ValueRequest, result *value.Value, err error)
}

// filterTokenKey is the context key under which Filter stashes a
// call-unique token for each GetValue invocation.
type filterTokenKey struct{}

// FilterToken returns the token identifying the specific Filter.GetValue
// call ctx was threaded through, or nil outside of one. Two calls always
// get distinct tokens, even with an identical parent context, so a
// ReturnObserver can tell "I installed this marker" from "someone else
// did" without relying on ctx equality.
func FilterToken(ctx context.Context) interface{} {
	return ctx.Value(filterTokenKey{})
}

// WithFilterToken returns a copy of ctx carrying a fresh, unique call
// token, the same mechanism Filter.GetValue applies to every leaf and
// subcontractor call it makes. Exposed for tests that exercise a
// ReturnObserver directly, without going through a Filter.
func WithFilterToken(ctx context.Context) context.Context {
	return context.WithValue(ctx, filterTokenKey{}, new(struct{}))
}

// Filter wires a filter leaf (Cache, Freezer, Gate: any Component whose
// GetValue may signal treeerr.ErrStructure) to its subcontractor. It is
// the "enclosing framework" the spec's §4.1 refers to: it catches
// ErrStructure and performs the delegation call, and invokes the leaf's
// ReturnObserver hook (if any) with the subcontractor's answer.
type Filter struct {
	Base
	leaf          Component
	subcontractor Component
}

// NewFilter composes leaf in front of sub.
func NewFilter(name string, leaf, sub Component) *Filter {
	return &Filter{Base: NewBase(name), leaf: leaf, subcontractor: sub}
}

// GetValue implements Component.
func (f *Filter) GetValue(ctx context.Context, req *value.ValueRequest) (*value.Value, error) {
	callCtx := WithFilterToken(ctx)
	v, err := f.leaf.GetValue(callCtx, req)
	if !treeerr.IsStructure(err) {
		return v, err
	}
	if f.subcontractor == nil {
		return nil, treeerr.NewOtherError(treeerr.CodeNoDownstream, treeerr.SeverityCritical, "filter %s has no subcontractor", f.Name())
	}
	rv, rerr := f.subcontractor.GetValue(callCtx, req)
	if obs, ok := f.leaf.(ReturnObserver); ok {
		obs.OnSubcontractorReturn(callCtx, req, rv, rerr)
	}
	return rv, rerr
}

// PostInit propagates to both the leaf and the subcontractor; the leaf
// does not own an address segment so it is given the same path as the
// filter itself.
func (f *Filter) PostInit(path []string, td *treedata.TreeData) {
	f.Base.PostInit(path, td)
	f.leaf.PostInit(path, td)
	if f.subcontractor != nil {
		f.subcontractor.PostInit(path, td)
	}
}

// Run starts the subcontractor then the leaf, so the leaf's long-lived
// resources (e.g., a gate's janitor-free lazy expiry needs none, but an
// adapter-adjacent filter might) can assume the downstream path is live.
func (f *Filter) Run(ctx context.Context) error {
	if f.subcontractor != nil {
		if err := f.subcontractor.Run(ctx); err != nil {
			return err
		}
	}
	return f.leaf.Run(ctx)
}

// Stop stops the leaf then the subcontractor, mirroring reverse
// construction order. The subcontractor is stopped even if the leaf
// failed; the leaf's error is returned if there is one, otherwise the
// subcontractor's.
func (f *Filter) Stop(ctx context.Context) error {
	err := f.leaf.Stop(ctx)
	if f.subcontractor != nil {
		if serr := f.subcontractor.Stop(ctx); serr != nil {
			err = firstNonNil(err, serr)
		}
	}
	return err
}

// Leaf exposes the wrapped filter leaf, used by callers that need to
// reach through the Filter frame (e.g. wiring the Cache into the
// Freezer, or the Gate into the Grantor).
func (f *Filter) Leaf() Component { return f.leaf }
