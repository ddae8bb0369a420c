// Package config loads the YAML/env configuration described by
// SPEC_FULL.md §6 via viper, the reference stack's configuration
// library, binding every documented default so a missing key never
// reaches application code as an accidental zero value.
package config

import (
	"time"

	"github.com/spf13/viper"

	"obstree/internal/adapter"
	"obstree/internal/cache"
	"obstree/internal/freezer"
	"obstree/internal/gate"
)

// RouterConfig holds router.<name>.* bind parameters.
type RouterConfig struct {
	Protocol string
	URL      string
	Port     int

	PingTasksEnabled  bool
	PingTasksInterval time.Duration
}

// NATSConfig holds nats.* connection parameters and subject templates.
type NATSConfig struct {
	Host    string
	Port    int
	Streams map[string]string
}

// BlockerConfig holds the tree.blocker.* access-control parameters. Load
// reads a single blocker, from that fixed key.
type BlockerConfig struct {
	Rules             gate.RuleSet
	DefaultControlTTL time.Duration
	MaxControlTTL     time.Duration
}

// Config is the fully-loaded configuration for one tree instance.
type Config struct {
	NATS     NATSConfig
	Router   map[string]RouterConfig
	Cache    cache.Config
	Freezer  freezer.Config
	Blocker  BlockerConfig
	Adapters map[string]adapter.Config

	// V is retained so the tree-builder can walk the recursive
	// tree.<adapter>.observatory.* device sub-tree, whose shape is
	// determined by the observatory's own device layout rather than a
	// fixed schema.
	V *viper.Viper
}

// Load reads configuration from v (already told where to look by the
// caller, e.g. viper.SetConfigFile), applying every documented default.
// The error return exists for callers and future validation; no failure
// path currently exists since every key has a default.
func Load(v *viper.Viper) (*Config, error) {
	v.SetDefault("nats.host", "127.0.0.1")
	v.SetDefault("nats.port", 4222)
	v.SetDefault("nats.streams.alpaca_config", "alpaca_config")
	v.SetDefault("nats.streams.plan", "plan.%s")
	v.SetDefault("nats.streams.status", "status.%s")

	v.SetDefault("data_collection.TreeCache.no_cachable_regex", []string{})
	v.SetDefault("data_collection.TreeCache.max_recall", 1)

	v.SetDefault("data_collection.TreeConditionalFreezer.max_unsuccessful_refreshes", 3)
	v.SetDefault("data_collection.TreeConditionalFreezer.alarm_timeout", "0.5s")
	v.SetDefault("data_collection.TreeConditionalFreezer.min_time_of_data_tolerance", "0.1s")

	v.SetDefault("tree.blocker.default_control_time", "5m")
	v.SetDefault("tree.blocker.max_control_time", "30m")

	cfg := &Config{
		NATS: NATSConfig{
			Host: v.GetString("nats.host"),
			Port: v.GetInt("nats.port"),
			Streams: map[string]string{
				"alpaca_config": v.GetString("nats.streams.alpaca_config"),
				"plan":          v.GetString("nats.streams.plan"),
				"status":        v.GetString("nats.streams.status"),
			},
		},
		Cache: cache.Config{
			MaxRecall:       v.GetInt("data_collection.TreeCache.max_recall"),
			NoCachableRegex: v.GetStringSlice("data_collection.TreeCache.no_cachable_regex"),
		},
		Freezer: freezer.Config{
			MaxUnsuccessfulRefreshes: v.GetInt("data_collection.TreeConditionalFreezer.max_unsuccessful_refreshes"),
			AlarmTimeoutOffset:       v.GetDuration("data_collection.TreeConditionalFreezer.alarm_timeout"),
			MinTimeOfDataTolerance:   v.GetDuration("data_collection.TreeConditionalFreezer.min_time_of_data_tolerance"),
		},
		Blocker: BlockerConfig{
			Rules: gate.RuleSet{
				WhiteRead:  v.GetStringSlice("tree.blocker.white_list.read"),
				WhiteWrite: v.GetStringSlice("tree.blocker.white_list.write"),
				BlackRead:  v.GetStringSlice("tree.blocker.black_list.read"),
				BlackWrite: v.GetStringSlice("tree.blocker.black_list.write"),
			},
			DefaultControlTTL: v.GetDuration("tree.blocker.default_control_time"),
			MaxControlTTL:     v.GetDuration("tree.blocker.max_control_time"),
		},
		Router:   map[string]RouterConfig{},
		Adapters: map[string]adapter.Config{},
		V:        v,
	}

	for name := range v.GetStringMap("router") {
		base := "router." + name + "."
		v.SetDefault(base+"ping-tasks-enabled", false)
		v.SetDefault(base+"ping-tasks-interval", "30s")
		cfg.Router[name] = RouterConfig{
			Protocol:          v.GetString(base + "protocol"),
			URL:               v.GetString(base + "url"),
			Port:              v.GetInt(base + "port"),
			PingTasksEnabled:  v.GetBool(base + "ping-tasks-enabled"),
			PingTasksInterval: v.GetDuration(base + "ping-tasks-interval"),
		}
	}

	for name := range v.GetStringMap("tree") {
		base := "tree." + name + "."
		if !v.IsSet(base + "observatory") {
			continue
		}
		v.SetDefault(base+"timeout_multiplier", 0.8)
		cfg.Adapters[name] = adapter.Config{
			TimeoutMultiplier: v.GetFloat64(base + "timeout_multiplier"),
		}
	}

	return cfg, nil
}
