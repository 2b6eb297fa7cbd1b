package engine

import (
	"context"
	"fmt"

	"github.com/openfroyo/pgprovision/pkg/packages"
	"github.com/openfroyo/pgprovision/pkg/shell"
	"github.com/openfroyo/pgprovision/pkg/stores"
	"github.com/openfroyo/pgprovision/pkg/transports"
)

// exitNoBinaries is the exit code of the install script when no usable
// control tool could be found or installed.
const exitNoBinaries = 9

// Install makes server binaries available in the install directory. An
// already usable control tool is linked before any package is installed.
// When the service account cannot read the install directory the tree is
// relocated into the alternate root and the new paths are remembered.
func (p *Provisioner) Install(ctx context.Context) (err error) {
	tr, err := p.begin(ctx, OpInstall)
	if err != nil {
		return err
	}
	defer func() { err = p.finish(tr, err) }()
	ctx = tr.ic.Ctx

	facts, err := p.collectFacts(ctx, tr)
	if err != nil {
		return err
	}

	profile := packages.NewProfile(facts.OS, tr.logger)
	for _, field := range profile.Defaulted {
		p.tel.Metrics.RecordDefaultApplied(field)
		p.event(tr, stores.EventLevelWarning, "OS fact defaulted", map[string]any{"field": field})
	}
	resolver := packages.NewResolver(profile, p.release)
	pc := p.initialContext(facts.Home)

	tr.logger.Info().
		Str("family", profile.Family.String()).
		Str("distro", profile.Distro).
		Str("os_version", profile.MajorVersion).
		Str("arch", profile.Arch).
		Str("install_dir", pc.InstallDir).
		Msg("Resolved host profile")

	// sudo is required from here on
	if _, err := p.exec(ctx, tr, transports.Command{
		Summary:  "allow sudo without a tty",
		Commands: []string{shell.DontRequireTTYForSudo()},
		Escalate: true,
	}); err != nil {
		return err
	}

	if _, err := p.exec(ctx, tr, installCommand(pc, resolver)); err != nil {
		if transports.ExitCode(err) == exitNoBinaries {
			return newError(ErrorClassRemote, string(OpInstall),
				fmt.Sprintf("no usable postgresql %s binaries", p.release.MajorMinor), err)
		}
		return err
	}

	relocation, err := p.Negotiate(ctx, tr, pc)
	if err != nil {
		return err
	}
	pc = pc.Apply(relocation)

	if err := p.deps.Attributes.SetSensor(ctx, KeyInstallDir, pc.InstallDir); err != nil {
		return newError(ErrorClassPermanent, string(OpInstall), "failed to persist install dir", err)
	}
	if err := p.deps.Attributes.SetSensor(ctx, KeyRunDir, pc.RunDir); err != nil {
		return newError(ErrorClassPermanent, string(OpInstall), "failed to persist run dir", err)
	}

	p.event(tr, stores.EventLevelInfo, "installed", map[string]any{
		"install_dir": pc.InstallDir,
		"run_dir":     pc.RunDir,
		"relocated":   relocation != nil,
	})
	return nil
}

// collectFacts inspects the host and remembers the facts as sensors.
func (p *Provisioner) collectFacts(ctx context.Context, tr *transition) (HostFacts, error) {
	res, err := p.exec(ctx, tr, factsCommand)
	if err != nil {
		return HostFacts{}, err
	}
	facts := parseFacts(res.Stdout)

	for key, value := range map[string]string{
		KeyOSName:         facts.OS.Name,
		KeyOSVersion:      facts.OS.Version,
		KeyOSArch:         facts.OS.Arch,
		KeyPackageManager: facts.OS.PackageManager,
		KeyHome:           facts.Home,
	} {
		if err := p.deps.Attributes.SetSensor(ctx, key, value); err != nil {
			return HostFacts{}, newError(ErrorClassPermanent, string(OpInstall), "failed to persist facts", err)
		}
	}
	return facts, nil
}

// installCommand finds or installs the control tool and links its
// directory as bin/ inside the install directory. The package repository is
// only registered once no existing binaries were found. The script runs
// escalated so package installation never needs an interactive password.
func installCommand(pc ProvisioningContext, resolver *packages.Resolver) transports.Command {
	mm := pc.Release.MajorMinor
	candidates := pc.CandidateBinaryPaths()

	findOrInstall := []string{"command -v pg_ctl >/dev/null 2>&1"}
	for _, dir := range candidates {
		findOrInstall = append(findOrInstall, "test -x "+shell.MustQuote(dir+"/pg_ctl"))
	}
	findOrInstall = append(findOrInstall, shell.Chain(
		resolver.RepositorySetup(),
		resolver.PackageInstall(shell.Warn(fmt.Sprintf("WARNING: failed to find or install postgresql %s binaries", mm))),
	))

	linkFromHere := []string{
		shell.IfExecutableElse1("pg_ctl", shell.Chain(
			"PG_DIR=$(dirname \"$(command -v pg_ctl)\")",
			"echo \"found pg_ctl in $PG_DIR on path so linking bin to it\"",
			"ln -s \"$PG_DIR\" bin",
		)),
	}
	for _, dir := range candidates {
		q := shell.MustQuote(dir)
		linkFromHere = append(linkFromHere, shell.IfExecutableElse1(dir+"/pg_ctl", shell.Chain(
			"echo "+shell.MustQuote("found pg_ctl in "+dir+" so linking bin to it"),
			"ln -s "+q+" bin",
		)))
	}
	linkFromHere = append(linkFromHere, shell.Fail(
		fmt.Sprintf("failed to find postgresql %s binaries for pg_ctl, may already have another version installed; aborting", mm),
		exitNoBinaries))

	dir := shell.MustQuote(pc.InstallDir)
	return transports.Command{
		Summary: "install postgresql " + pc.Release.Version,
		Commands: []string{
			"mkdir -p " + dir,
			"cd " + dir,
			// left over from an earlier failed attempt
			"rm -f bin",
			shell.Alternatives(findOrInstall...),
			shell.Alternatives(linkFromHere...),
		},
		Escalate: true,
	}
}
