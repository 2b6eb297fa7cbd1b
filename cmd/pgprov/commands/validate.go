package commands

import (
	"context"
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/pgprovision/pkg/config"
	"github.com/openfroyo/pgprovision/pkg/packages"
	"github.com/openfroyo/pgprovision/pkg/pgconf"
	"github.com/openfroyo/pgprovision/pkg/policy"
)

type validateReport struct {
	Entity   string           `json:"entity" yaml:"entity"`
	Version  string           `json:"version" yaml:"version"`
	Roles    []string         `json:"roles,omitempty" yaml:"roles,omitempty"`
	Access   string           `json:"access_control" yaml:"access_control"`
	Allowed  bool             `json:"allowed" yaml:"allowed"`
	Findings []policy.Finding `json:"findings,omitempty" yaml:"findings,omitempty"`
	Warnings []policy.Finding `json:"warnings,omitempty" yaml:"warnings,omitempty"`
	Policies []string         `json:"policies" yaml:"policies"`
}

func newValidateCommand(opts *globalOptions) *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the node configuration and review access control",
		Long: `Validate the node configuration against its schema, check the version and
role declarations, and review the access control file that customize would
write against the built-in and configured policies.

With --watch the configuration file and policy paths are watched and the
validation is repeated after every change until interrupted.`,
		Example: `  # One-off validation
  pgprov validate -c node.cue

  # Re-validate while editing
  pgprov validate -c node.yaml --watch`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			err := runValidate(ctx, opts, out)
			if !watch {
				return err
			}
			if err != nil {
				log.Error().Err(err).Msg("Validation failed")
			}

			paths := []string{opts.configPath}
			if cfg, err := loadConfig(ctx, opts); err == nil {
				paths = append(paths, cfg.Access.PolicyPaths...)
			}

			loader := policy.NewLoader(log.Logger)
			if err := loader.Watch(ctx, paths, func(ctx context.Context) error {
				log.Info().Str("config", opts.configPath).Msg("Change detected, validating")
				return runValidate(ctx, opts, out)
			}); err != nil {
				return err
			}
			defer loader.StopWatching()

			<-ctx.Done()
			return nil
		},
	}

	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "re-validate when the configuration or policies change")
	return cmd
}

// runValidate loads the configuration, resolves the access control file and
// reviews it. A denied review is an error.
func runValidate(ctx context.Context, opts *globalOptions, out io.Writer) error {
	cfg, err := loadConfig(ctx, opts)
	if err != nil {
		return err
	}

	engine, err := policy.NewEngine(log.Logger)
	if err != nil {
		return err
	}
	if len(cfg.Access.PolicyPaths) > 0 {
		if err := engine.LoadPolicies(ctx, cfg.Access.PolicyPaths); err != nil {
			return err
		}
	}

	access, err := resolveAccessControl(ctx, cfg)
	if err != nil {
		return err
	}
	rules, err := pgconf.ParseAccessControl(access.Content)
	if err != nil {
		return err
	}
	review, err := engine.ReviewAccess(ctx, policy.AccessInput{
		Rules:        rules,
		Templated:    access.Templated(),
		Source:       access.Source,
		StrictAccess: cfg.Access.StrictAccess,
	})
	if err != nil {
		return err
	}

	source := access.Source
	if source == "" {
		source = "built-in default"
	}
	report := validateReport{
		Entity:   cfg.Entity,
		Version:  cfg.Postgres.Version,
		Roles:    cfg.Roles.Names(),
		Access:   source,
		Allowed:  review.Allowed,
		Findings: review.Findings,
		Warnings: review.Warnings,
		Policies: review.EvaluatedPolicies,
	}
	if err := printOutput(out, opts.jsonOutput, report); err != nil {
		return err
	}
	if !review.Allowed {
		return fmt.Errorf("access control rejected by %d finding(s)", len(review.Findings))
	}
	return nil
}

// resolveAccessControl renders the access control file the way customize
// would, using the configured directories where the host ones are unknown.
func resolveAccessControl(ctx context.Context, cfg *config.NodeConfig) (pgconf.Artifact, error) {
	release, err := packages.ParseRelease(cfg.Postgres.Version)
	if err != nil {
		return pgconf.Artifact{}, err
	}
	data := pgconf.TemplateData{
		Version:        release.Version,
		MajorMinor:     release.MajorMinor,
		Port:           cfg.Postgres.Port,
		MaxConnections: cfg.Postgres.MaxConnections,
		SharedBuffers:  cfg.Postgres.SharedBuffers,
		InstallDir:     cfg.Paths.InstallDir,
		RunDir:         cfg.Paths.RunDir,
		Extra:          cfg.Extra,
	}
	m := pgconf.NewMaterializer(pgconf.NewTemplateRenderer(nil))
	return m.Resolve(ctx, pgconf.AccessControlFile, cfg.Templates.AccessControl, pgconf.DefaultAccessControl(), data)
}
