package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/pgprovision/pkg/telemetry"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath    string
	statePath     string
	logLevel      string
	logFormat     string
	metricsListen string
	traceExporter string
	otlpEndpoint  string
	jsonOutput    bool
	version       string
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	opts := &globalOptions{version: version}

	rootCmd := &cobra.Command{
		Use:   "pgprov",
		Short: "pgprov - remote PostgreSQL provisioning over SSH",
		Long: `pgprov installs, configures and runs a PostgreSQL server on a remote
host, driving it over SSH through a persisted lifecycle:

  uninstalled -> installed -> configured -> running <-> stopped

Features:
  - Node configuration in CUE or YAML with schema defaults
  - OS detection and PGDG package installation (apt, yum, port)
  - Relocation of the install tree when the service account cannot reach it
  - Admin account, database and role creation
  - Access control review with OPA policies
  - Run history kept in SQLite`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "node.cue", "node configuration file (.cue, .yaml)")
	flags.StringVar(&opts.statePath, "state", "pgprov.db", "state database path")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level (trace, debug, info, warn, error); overrides LOG_LEVEL")
	flags.StringVar(&opts.logFormat, "log-format", "console", "log format (console, json)")
	flags.StringVar(&opts.metricsListen, "metrics-listen", "", "serve Prometheus metrics on this address, e.g. :9187")
	flags.StringVar(&opts.traceExporter, "trace", "none", "trace exporter (none, stdout, otlp)")
	flags.StringVar(&opts.otlpEndpoint, "otlp-endpoint", "", "OTLP collector endpoint")
	flags.BoolVar(&opts.jsonOutput, "json", false, "output in JSON format instead of YAML")

	rootCmd.AddCommand(newInstallCommand(opts))
	rootCmd.AddCommand(newCustomizeCommand(opts))
	rootCmd.AddCommand(newLaunchCommand(opts))
	rootCmd.AddCommand(newStopCommand(opts))
	rootCmd.AddCommand(newProvisionCommand(opts))
	rootCmd.AddCommand(newStatusCommand(opts))
	rootCmd.AddCommand(newExecSQLCommand(opts))
	rootCmd.AddCommand(newFactsCommand(opts))
	rootCmd.AddCommand(newHistoryCommand(opts))
	rootCmd.AddCommand(newValidateCommand(opts))

	return rootCmd
}

// telemetryConfig builds the telemetry configuration from the flags.
func (o *globalOptions) telemetryConfig() *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = o.version
	cfg.ApplyEnv()
	if o.logLevel != "" {
		cfg.Logging.Level = o.logLevel
	}
	cfg.Logging.Format = o.logFormat

	cfg.Metrics.ListenAddress = o.metricsListen

	if o.traceExporter != "" && o.traceExporter != "none" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = o.traceExporter
		cfg.Tracing.Endpoint = o.otlpEndpoint
	}
	return cfg
}
