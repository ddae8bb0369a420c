// Command obs-treed runs one Request Resolution Tree instance: it loads
// configuration, assembles the tree, starts every router and the NATS
// publish connection, and serves until signaled to stop. Grounded on the
// teacher's cl-* daemons' cobra root-command shape (see DESIGN.md), with
// spf13/viper substituted for envcfg as the configuration source so the
// recursive tree.<adapter>.observatory.* device configuration (not a flat
// env-var schema) can be read.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"obstree/internal/config"
	"obstree/internal/metrics"
	"obstree/internal/obslog"
	"obstree/internal/router"
	"obstree/internal/treebuild"
)

const pname = "obs-treed"

var (
	cfgFile    string
	metricAddr string
	logLevel   string
)

func main() {
	root := &cobra.Command{
		Use:           pname,
		Short:         "Serve the observatory Request Resolution Tree",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          run,
	}
	root.Flags().StringVar(&cfgFile, "config", "", "path to the tree's configuration file")
	root.Flags().StringVar(&metricAddr, "metrics-addr", ":9100", "address to serve /metrics on")
	root.Flags().StringVar(&logLevel, "log-level", "info", "initial log level")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, pname+":", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	log := obslog.New(pname)
	defer log.Sync()

	if err := obslog.SetLevel(logLevel); err != nil {
		log.Warnw("ignoring invalid --log-level", "level", logLevel, "error", err)
	}

	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("reading config %s: %w", cfgFile, err)
		}
	}
	v.SetEnvPrefix("OBSTREE")
	v.AutomaticEnv()

	cfg, err := config.Load(v)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	tree, err := treebuild.Build(cfg)
	if err != nil {
		return fmt.Errorf("assembling tree: %w", err)
	}

	metrics.Init(metricAddr)
	log.Infow("metrics listening", "addr", metricAddr)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := tree.Data.Run(ctx); err != nil {
		return fmt.Errorf("starting treedata: %w", err)
	}
	if err := tree.Root.Run(ctx); err != nil {
		return fmt.Errorf("starting tree: %w", err)
	}

	routers := make([]*router.Router, 0, len(cfg.Router))
	for name, rc := range cfg.Router {
		bindURL := fmt.Sprintf("%s://%s:%d", rc.Protocol, rc.URL, rc.Port)
		r := router.New(name, bindURL, tree.Root)
		if err := r.Run(ctx); err != nil {
			return fmt.Errorf("starting router %s: %w", name, err)
		}
		routers = append(routers, r)
		log.Infow("router listening", "name", name, "bind", bindURL)
	}

	log.Infow("obs-treed running", "routers", len(routers))
	<-ctx.Done()
	log.Infow("shutting down")

	stopCtx, stopCancel := context.WithCancel(context.Background())
	defer stopCancel()

	for _, r := range routers {
		if err := r.Stop(stopCtx); err != nil {
			log.Errorw("router stop failed", "error", err)
		}
	}
	if err := tree.Root.Stop(stopCtx); err != nil {
		log.Errorw("tree stop failed", "error", err)
	}
	if err := tree.Data.Stop(stopCtx); err != nil {
		log.Errorw("treedata stop failed", "error", err)
	}

	return nil
}
