package engine

import (
	"context"

	"github.com/openfroyo/pgprovision/pkg/shell"
	"github.com/openfroyo/pgprovision/pkg/stores"
	"github.com/openfroyo/pgprovision/pkg/transports"
)

// Negotiate makes sure the service account can reach the install tree.
//
// It returns nil when the account can list the install directory. If it
// cannot, and the alternate root already holds a control tool, it returns a
// relocation to the alternate paths without touching the host. Otherwise it
// moves the install tree into the alternate root, leaves a symlink at the
// old location and hands the alternate root to the service account. The
// move is not crash safe: a failure is returned as a relocation error and
// must not be retried automatically.
func (p *Provisioner) Negotiate(ctx context.Context, tr *transition, pc ProvisioningContext) (*Relocation, error) {
	svc := pc.ServiceUser

	res, err := p.exec(ctx, tr, transports.Command{
		Summary:      "check " + svc + " user can access install dir",
		Commands:     []string{"ls " + shell.MustQuote(pc.InstallDir) + " >/dev/null"},
		AsUser:       svc,
		AllowNonZero: true,
	})
	if err != nil {
		return nil, err
	}
	if res.ExitCode == 0 {
		return nil, nil
	}

	alt := pc.AltInstallDir()
	relocation := &Relocation{
		InstallDir: alt,
		RunDir:     pc.AltRunDir(p.opts.App, p.opts.Entity),
	}

	log := tr.logger.Info().
		Str("install_dir", pc.InstallDir).
		Str("alt_install_dir", alt).
		Str("service_user", svc)

	res, err = p.exec(ctx, tr, transports.Command{
		Summary:      "check whether " + alt + " is set up",
		Commands:     []string{"test -x " + shell.MustQuote(alt+"/bin/pg_ctl")},
		AllowNonZero: true,
	})
	if err != nil {
		return nil, err
	}
	if res.ExitCode == 0 {
		log.Msg("Install dir not accessible to service account; using existing alternate install")
		return relocation, nil
	}

	log.Msg("Install dir not accessible to service account; relocating")

	qInstall, qAlt := shell.MustQuote(pc.InstallDir), shell.MustQuote(alt)
	qRoot, qRun := shell.MustQuote(pc.AltRoot), shell.MustQuote(relocation.RunDir)
	owner := svc + ":" + svc

	if _, err := p.exec(ctx, tr, transports.Command{
		Summary: "move install dir from user to " + svc + " owned space",
		Commands: []string{
			"mkdir -p " + qAlt,
			"rm -rf " + qAlt,
			"mv " + qInstall + " " + qAlt,
			"rm -rf " + qInstall,
			"ln -s " + qAlt + " " + qInstall,
			"mkdir -p " + qRun,
			// ownership last, so the account never sees a partly owned tree
			"chown -R " + owner + " " + qRoot,
		},
		Escalate: true,
	}); err != nil {
		return nil, newError(ErrorClassRelocation, string(OpInstall), "relocation left the host in an undefined state", err)
	}

	relocation.Moved = true
	p.tel.Metrics.RecordRelocation()
	p.event(tr, stores.EventLevelWarning, "install tree relocated", map[string]any{
		"from": pc.InstallDir,
		"to":   alt,
	})
	return relocation, nil
}
