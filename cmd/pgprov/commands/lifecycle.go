package commands

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/pgprovision/pkg/engine"
)

// transitionCommand builds a command that runs one lifecycle operation.
func transitionCommand(opts *globalOptions, use, short, long string, run func(ctx context.Context, p *engine.Provisioner) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Long:  long,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(cmd.Context(), opts, func(ctx context.Context, n *node) error {
				if err := run(ctx, n.prov); err != nil {
					return err
				}
				state, err := n.prov.State(ctx)
				if err != nil {
					return err
				}
				log.Info().
					Str("entity", n.cfg.Entity).
					Str("host", n.cfg.Target.Host).
					Str("state", string(state)).
					Msg(use + " completed")
				return nil
			})
		},
	}
}

func newInstallCommand(opts *globalOptions) *cobra.Command {
	return transitionCommand(opts, "install", "Install server binaries on the host",
		`Detect the host OS, register the PGDG repository and install the server
packages unless a usable pg_ctl is already present, then link it as bin/
inside the install directory.

When the service account cannot read the install directory, the install
tree is moved under the alternate root and the new paths are remembered.`,
		(*engine.Provisioner).Install)
}

func newCustomizeCommand(opts *globalOptions) *cobra.Command {
	return transitionCommand(opts, "customize", "Initialize and configure the server",
		`Create the run and data directories, run initdb, write postgresql.conf and
pg_hba.conf and, when initialize_db is set, create the admin account, the
database and the declared roles. The access control file is reviewed
against the policies before it is written.`,
		(*engine.Provisioner).Customize)
}

func newLaunchCommand(opts *globalOptions) *cobra.Command {
	return transitionCommand(opts, "launch", "Start the server",
		`Start the server as the service account.`,
		(*engine.Provisioner).Launch)
}

func newStopCommand(opts *globalOptions) *cobra.Command {
	return transitionCommand(opts, "stop", "Stop the server",
		`Stop the server, in immediate mode when disconnect_on_stop is set, and
terminate the process recorded in the pid file if it survives.`,
		(*engine.Provisioner).Stop)
}

func newProvisionCommand(opts *globalOptions) *cobra.Command {
	cmd := transitionCommand(opts, "provision", "Install, customize and launch",
		`Run install, customize and launch in order, stopping at the first failure.`,
		(*engine.Provisioner).Provision)
	cmd.Example = `  # Bring up the node described in node.cue
  pgprov provision

  # Use a YAML node file and keep state elsewhere
  pgprov provision -c db1.yaml --state /var/lib/pgprov/state.db`
	return cmd
}

type statusReport struct {
	Entity       string                      `json:"entity" yaml:"entity"`
	Host         string                      `json:"host" yaml:"host"`
	State        engine.State                `json:"state" yaml:"state"`
	Running      bool                        `json:"running" yaml:"running"`
	Inconsistent bool                        `json:"inconsistent,omitempty" yaml:"inconsistent,omitempty"`
	Interrupted  bool                        `json:"interrupted,omitempty" yaml:"interrupted,omitempty"`
	Paths        *engine.ProvisioningContext `json:"paths,omitempty" yaml:"paths,omitempty"`
}

func newStatusCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the node state and whether the server is running",
		Long: `Report the persisted lifecycle state and ask pg_ctl whether the server is
running. A node left installing or customizing by an interrupted run is
flagged; run install again to repeat it. Status never changes the state.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(cmd.Context(), opts, func(ctx context.Context, n *node) error {
				state, err := n.prov.State(ctx)
				if err != nil {
					return err
				}
				running, err := n.prov.IsRunning(ctx)
				if err != nil {
					return err
				}

				report := statusReport{
					Entity:  n.cfg.Entity,
					Host:    n.cfg.Target.Host,
					State:   state,
					Running: running,
				}
				if pc, err := n.prov.Context(ctx); err == nil {
					report.Paths = &pc
				}
				report.Inconsistent = running != (state == engine.StateRunning)
				report.Interrupted = state.IsTransitional()

				return printOutput(cmd.OutOrStdout(), opts.jsonOutput, report)
			})
		},
	}
}
