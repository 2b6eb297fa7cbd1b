package commands

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/openfroyo/pgprovision/pkg/engine"
	"github.com/openfroyo/pgprovision/pkg/packages"
)

type factsReport struct {
	Host      string            `json:"host" yaml:"host"`
	OS        string            `json:"os" yaml:"os"`
	Version   string            `json:"os_version" yaml:"os_version"`
	Arch      string            `json:"arch" yaml:"arch"`
	Home      string            `json:"home" yaml:"home"`
	Manager   string            `json:"package_manager,omitempty" yaml:"package_manager,omitempty"`
	Family    string            `json:"family" yaml:"family"`
	Distro    string            `json:"distro" yaml:"distro"`
	Major     string            `json:"major_version" yaml:"major_version"`
	Defaulted []string          `json:"defaulted,omitempty" yaml:"defaulted,omitempty"`
	Packages  map[string]string `json:"packages" yaml:"packages"`
}

func newFactsCommand(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "facts",
		Short: "Probe the host OS and show how packages would be resolved",
		Long: `Collect the OS name, version, architecture, package manager and home
directory of the connecting user, and show the package profile derived from them. Facts
that could not be probed are reported with the default that replaces them.

Nothing on the host is changed and no state is recorded.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withNode(cmd.Context(), opts, func(ctx context.Context, n *node) error {
				facts, err := engine.CollectOSFacts(ctx, n.client)
				if err != nil {
					return err
				}

				release, err := packages.ParseRelease(n.cfg.Postgres.Version)
				if err != nil {
					return err
				}
				profile := packages.NewProfile(facts.OS, n.tel.Logger.Zerolog())
				resolver := packages.NewResolver(profile, release)

				return printOutput(cmd.OutOrStdout(), opts.jsonOutput, factsReport{
					Host:      n.cfg.Target.Host,
					OS:        facts.OS.Name,
					Version:   facts.OS.Version,
					Arch:      profile.Arch,
					Home:      facts.Home,
					Manager:   facts.OS.PackageManager,
					Family:    profile.Family.String(),
					Distro:    profile.Distro,
					Major:     profile.MajorVersion,
					Defaulted: profile.Defaulted,
					Packages:  resolver.PackageNames(),
				})
			})
		},
	}
}
