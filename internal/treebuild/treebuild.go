// Package treebuild assembles the concrete Request Resolution Tree from a
// loaded config.Config: the bottom-up construction order and the
// Freezer-over-Cache-over-Gate-over-Adapter composition are described by
// SPEC_FULL.md §4 and §9 ("keep HOW, replace WHAT" — grounded on how
// ap.configd's main wires propertyMatchTable/subtreeMatchTable before
// starting the broker loop, adapted here for a composed-filter topology
// rather than a flat dispatch table).
package treebuild

import (
	"fmt"

	"obstree/internal/adapter"
	"obstree/internal/cache"
	"obstree/internal/component"
	"obstree/internal/config"
	"obstree/internal/freezer"
	"obstree/internal/gate"
	"obstree/internal/treedata"
)

// siteSegment is the fixed top-level address segment every external
// request is routed under ("sitename.access....", "sitename.<adapter>.mount...").
const siteSegment = "sitename"

// accessSegment is the fixed segment the Grantor answers under.
const accessSegment = "access"

// defaultChildName is the DefaultBroker's internal name for the device
// sub-tree fallback child.
const defaultChildName = "_device"

// Tree is the fully assembled, not-yet-started resolution tree.
type Tree struct {
	Root component.Component
	Data *treedata.TreeData
}

// Build constructs the tree from cfg: one shared Blocker/Gate/Grantor pair
// gates every mutating request reaching the device sub-tree, and a
// Freezer/Cache/Gate/Adapter filter chain is assembled for each configured
// adapter and exposed under that adapter's name.
func Build(cfg *config.Config) (*Tree, error) {
	td := treedata.New(fmt.Sprintf("nats://%s:%d", cfg.NATS.Host, cfg.NATS.Port), cfg.NATS.Streams)

	blocker := gate.NewBlocker(cfg.Blocker.DefaultControlTTL, cfg.Blocker.MaxControlTTL)
	grantor := gate.NewGrantor("grantor", blocker)
	gateLeaf := gate.NewGate("gate", blocker, cfg.Blocker.Rules)

	deviceBroker := component.NewBroker("devices")
	for name, acfg := range cfg.Adapters {
		acfg.Root = buildDeviceTree(cfg, name)
		ad := adapter.New(name, acfg)
		wireDevices(cfg, name, ad)

		gatedAdapter := component.NewFilter(name+"-gate", gateLeaf, ad)
		cch, err := cache.New(name+"-cache", gatedAdapter, cfg.Cache)
		if err != nil {
			return nil, fmt.Errorf("building cache for adapter %s: %w", name, err)
		}
		cachedAdapter := component.NewFilter(name+"-cache-filter", cch, gatedAdapter)
		fz := freezer.New(name+"-freezer", cch, cachedAdapter, cfg.Freezer)
		frozen := component.NewFilter(name+"-freezer-filter", fz, cachedAdapter)

		deviceBroker.AddChild(name, frozen)
	}

	siteBroker := component.NewDefaultBroker("site")
	siteBroker.AddChild(accessSegment, grantor)
	siteBroker.SetDefault(defaultChildName, deviceBroker)

	root := component.NewProvider("site-provider", siteSegment, siteBroker)

	td.Root = root
	return &Tree{Root: root, Data: td}, nil
}

// deviceNumber extracts the documented device_number key (spec §6), used
// for dispatch's /<kind>/<device_number>/<attribute> URL. Absent or
// unexpected-typed values default to 0, matching observatory.py's
// Component.device_nr (component_options.get('device_number', 0)).
func deviceNumber(m map[string]interface{}) int {
	switch n := m["device_number"].(type) {
	case int:
		return n
	case float64:
		return int(n)
	default:
		return 0
	}
}

// deviceNode builds one adapter.Device from its configuration map,
// recursing into an optional "components" key to attach nested
// sub-devices as children — observatory.py's Component._setup pops
// "components" off component_options and builds one child Component per
// entry, each inheriting the parent's remaining options.
func deviceNode(name string, m map[string]interface{}, parent *adapter.Device) *adapter.Device {
	kind, _ := m["kind"].(string)
	if kind == "" {
		kind = name
	}
	dev := adapter.NewDevice(kind, deviceNumber(m), m, parent)
	if sub, ok := m["components"].(map[string]interface{}); ok {
		for cname, cv := range sub {
			cm, ok := cv.(map[string]interface{})
			if !ok {
				continue
			}
			dev.AddChild(cname, deviceNode(cname, cm, dev))
		}
	}
	return dev
}

// buildDeviceTree walks tree.<name>.observatory.* and constructs the
// corresponding adapter.Device nodes. Each top-level key under observatory
// names one device instance; "kind", "device_number", and any remaining
// keys (base_url, protocol, ...) resolve up the parent chain via
// Device.Resolve, and an optional "components" key recurses into nested
// sub-devices.
func buildDeviceTree(cfg *config.Config, adapterName string) *adapter.Device {
	root := &adapter.Device{Kind: "root", Config: map[string]interface{}{}}
	if cfg.V == nil {
		return root
	}
	base := "tree." + adapterName + ".observatory"
	raw := cfg.V.GetStringMap(base)
	for k, v := range raw {
		m, ok := v.(map[string]interface{})
		if !ok {
			root.Config[k] = v
			continue
		}
		root.AddChild(k, deviceNode(k, m, root))
		root.Config[k] = m
	}
	if bu, ok := raw["base_url"]; ok {
		if s, ok := bu.(string); ok {
			root.Config["base_url"] = s
		}
	}
	return root
}

// registerDeviceSubtree registers dev, and every component nested under
// it, with ad for address-mapping lookup. A nested component is keyed by
// its dot-joined path from the top-level device, mirroring
// observatory.py's Component.child_by_relative_sys_id addressing.
func registerDeviceSubtree(ad *adapter.Adapter, path string, dev *adapter.Device) {
	ad.AddDevice(path, dev)
	for cname, child := range dev.Children {
		registerDeviceSubtree(ad, path+"."+cname, child)
	}
}

// wireDevices registers each configured device instance, and recursively
// each of its "components" sub-devices, under the adapter for
// address-mapping lookup (§4.5's device tree). The devices come from
// buildDeviceTree, so observatory-level keys such as base_url are
// inherited through Device.Resolve.
func wireDevices(cfg *config.Config, adapterName string, ad *adapter.Adapter) {
	root := buildDeviceTree(cfg, adapterName)
	for name, dev := range root.Children {
		registerDeviceSubtree(ad, name, dev)
	}
}
