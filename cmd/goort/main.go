package main

import (
	"fmt"
	"io"
	"os"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	gooruntime "github.com/Swind/goo-runtime"
	"github.com/Swind/goo-runtime/channel"
	"github.com/Swind/goo-runtime/config"
	"github.com/Swind/goo-runtime/core"
	obs "github.com/Swind/goo-runtime/observability/prometheus"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:          "goort",
	Short:        "Goo runtime demos and metrics endpoint",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a TOML config file")
	rootCmd.AddCommand(newDemoCmd(), newServeCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "goort failed %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (config.Config, error) {
	if configPath == "" {
		return config.Default(), nil
	}
	return config.Load(configPath)
}

// env is the runtime a command works against.
type env struct {
	cfg      config.Config
	logger   core.Logger
	pool     *gooruntime.TaskPool
	exporter *obs.MetricsExporter
	out      io.Writer
}

// newEnv starts a pool sized by cfg. A nil registry disables metrics.
func newEnv(cfg config.Config, logger core.Logger, reg prom.Registerer, out io.Writer) (*env, error) {
	e := &env{cfg: cfg, logger: logger, out: out}
	sc := cfg.SchedulerConfig(logger)
	if reg != nil {
		exporter, err := obs.NewMetricsExporter(cfg.Metrics.Namespace, reg, obs.ExporterOptions{})
		if err != nil {
			return nil, fmt.Errorf("create metrics exporter: %w", err)
		}
		e.exporter = exporter
		sc.Metrics = exporter
	}
	e.pool = gooruntime.NewTaskPoolWithConfig("goort", cfg.Pool.Workers, sc)
	return e, nil
}

func (e *env) close() {
	if err := e.pool.ShutdownGraceful(e.cfg.Supervisor.TimeWindow); err != nil {
		e.logger.Warn("pool shutdown timed out", core.F("error", err.Error()))
	}
}

// channelOptions returns the configured channel options plus name, logger
// and metrics.
func (e *env) channelOptions(name string) []channel.Option {
	opts := append(e.cfg.ChannelOptions(),
		channel.WithName(name),
		channel.WithLogger(e.logger))
	if e.exporter != nil {
		opts = append(opts, channel.WithMetrics(e.exporter.ChannelMetrics()))
	}
	return opts
}

func (e *env) printf(format string, args ...any) {
	fmt.Fprintf(e.out, format, args...)
}
