package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/openfroyo/pgprovision/pkg/pgconf"
	"github.com/openfroyo/pgprovision/pkg/policy"
	"github.com/openfroyo/pgprovision/pkg/roles"
	"github.com/openfroyo/pgprovision/pkg/shell"
	"github.com/openfroyo/pgprovision/pkg/stores"
	"github.com/openfroyo/pgprovision/pkg/transports"
)

// logTailSize is how much of the server log is reported after a failed
// customization.
const logTailSize = 1024

// Customize prepares the run directory, initializes the data directory,
// writes both configuration files and, when requested, creates the admin
// account, the database, the declared roles and runs the creation script.
// The server is stopped again before Customize returns.
func (p *Provisioner) Customize(ctx context.Context) (err error) {
	tr, err := p.begin(ctx, OpCustomize)
	if err != nil {
		return err
	}
	defer func() { err = p.finish(tr, err) }()
	ctx = tr.ic.Ctx

	pc, err := p.Context(ctx)
	if err != nil {
		return newError(ErrorClassPermanent, string(OpCustomize), "install paths unknown", err)
	}

	var creds *ServerCredentials
	if p.opts.InitializeDB {
		c, err := ResolveCredentials(ctx, p.deps.Attributes)
		if err != nil {
			return newError(ErrorClassValidation, string(OpCustomize), "invalid credentials", err)
		}
		creds = &c
	}

	// Everything that can fail locally is resolved before the host is
	// touched.
	data := p.templateData(pc)
	serverConf, err := p.materializer.Resolve(ctx, pgconf.ServerConfigFile, p.opts.ServerConfigTemplate,
		pgconf.DefaultServerConfig(pgconf.ServerSettings{
			Port:           p.opts.Port,
			MaxConnections: p.opts.MaxConnections,
			SharedBuffers:  p.opts.SharedBuffers,
			PidFile:        pc.PidFile(),
		}), data)
	if err != nil {
		return newError(ErrorClassValidation, string(OpCustomize), "server configuration", err)
	}
	access, err := p.materializer.Resolve(ctx, pgconf.AccessControlFile, p.opts.AccessControlTemplate,
		pgconf.DefaultAccessControl(), data)
	if err != nil {
		return newError(ErrorClassValidation, string(OpCustomize), "access control", err)
	}
	if err := p.reviewAccess(ctx, tr, access); err != nil {
		return err
	}
	script, err := p.creationScript(ctx, data)
	if err != nil {
		return err
	}

	staged := make(map[string]string)
	for _, artifact := range []pgconf.Artifact{serverConf, access} {
		if !artifact.Templated() {
			continue
		}
		tmp, err := p.stage(ctx, tr, artifact.Name, artifact.Content)
		if err != nil {
			return err
		}
		staged[artifact.Name] = tmp
	}
	if script != "" {
		tmp, err := p.stage(ctx, tr, creationScriptName, []byte(script))
		if err != nil {
			return err
		}
		staged[creationScriptName] = tmp
	}

	p.stopSystemService(ctx, tr)

	q := newCommandQueue(ctx, p.runner(tr))
	defer q.Close()

	q.Submit(prepareRunDirCommand(pc))
	q.Submit(initdbCommand(pc))
	for _, artifact := range []pgconf.Artifact{serverConf, access} {
		if tmp, ok := staged[artifact.Name]; ok {
			q.Submit(placeFileCommand(pc, tmp, pc.RunFile(artifact.Name)))
		} else {
			q.Submit(writeLinesCommand(pc, artifact))
		}
	}
	if tmp, ok := staged[creationScriptName]; ok {
		q.Submit(placeFileCommand(pc, tmp, pc.RunFile(creationScriptName)))
	}

	if err := q.Wait(ctx); err != nil {
		if n := q.Skipped(); n > 0 {
			tr.logger.Warn().Int("skipped", n).Msg("Skipped queued commands after failure")
		}
		p.reportLogTail(ctx, tr, pc)
		return err
	}

	if creds != nil {
		query, err := roles.BuildCreateRolesQuery(p.opts.Roles)
		if err != nil {
			return newError(ErrorClassValidation, string(OpCustomize), "invalid roles", err)
		}
		if _, err := p.exec(ctx, tr, initializeDatabaseCommand(pc, p.opts.Port, *creds, query)); err != nil {
			p.reportLogTail(ctx, tr, pc)
			return err
		}
		p.event(tr, stores.EventLevelInfo, "database initialized", map[string]any{
			"database": creds.DatabaseName,
			"username": creds.AdminUsername,
			"roles":    p.opts.Roles.Names(),
		})
	}

	if script != "" {
		if _, err := p.exec(ctx, tr, runScriptCommand(pc, p.opts.Port, "run creation script", pc.RunFile(creationScriptName))); err != nil {
			p.reportLogTail(ctx, tr, pc)
			return err
		}
	}

	p.event(tr, stores.EventLevelInfo, "customized", map[string]any{
		"server_config_source":  serverConf.Source,
		"access_control_source": access.Source,
	})
	return nil
}

func (p *Provisioner) templateData(pc ProvisioningContext) pgconf.TemplateData {
	return pgconf.TemplateData{
		Version:        p.release.Version,
		MajorMinor:     p.release.MajorMinor,
		Port:           p.opts.Port,
		MaxConnections: p.opts.MaxConnections,
		SharedBuffers:  p.opts.SharedBuffers,
		InstallDir:     pc.InstallDir,
		RunDir:         pc.RunDir,
		DataDir:        pc.DataDir(),
		LogFile:        pc.LogFile(),
		PidFile:        pc.PidFile(),
		Extra:          p.opts.Extra,
	}
}

// reviewAccess evaluates the access control policies. Warnings are logged
// and counted; error findings abort the customization before anything is
// written.
func (p *Provisioner) reviewAccess(ctx context.Context, tr *transition, access pgconf.Artifact) error {
	if p.deps.Policy == nil {
		return nil
	}

	rules, err := pgconf.ParseAccessControl(access.Content)
	if err != nil {
		return newError(ErrorClassValidation, string(OpCustomize), "invalid access control content", err)
	}
	review, err := p.deps.Policy.ReviewAccess(ctx, policy.AccessInput{
		Rules:        rules,
		Templated:    access.Templated(),
		Source:       access.Source,
		StrictAccess: p.opts.StrictAccess,
	})
	if err != nil {
		return newError(ErrorClassPermanent, string(OpCustomize), "access review failed", err)
	}

	for _, w := range review.Warnings {
		p.tel.Metrics.RecordAccessFinding(string(w.Severity))
		tr.logger.Warn().Str("policy", w.Policy).Int("line", w.Line).Msg(w.Message)
		p.event(tr, stores.EventLevelWarning, w.Message, map[string]any{"policy": w.Policy, "line": w.Line})
	}
	if review.Allowed {
		return nil
	}

	msgs := make([]string, 0, len(review.Findings))
	for _, f := range review.Findings {
		p.tel.Metrics.RecordAccessFinding(string(f.Severity))
		p.event(tr, stores.EventLevelError, f.Message, map[string]any{"policy": f.Policy, "line": f.Line})
		msgs = append(msgs, f.Policy+": "+f.Message)
	}
	return newError(ErrorClassValidation, string(OpCustomize),
		"access control rejected: "+strings.Join(msgs, "; "), nil)
}

// creationScript returns the SQL to run after initialization, if any.
func (p *Provisioner) creationScript(ctx context.Context, data pgconf.TemplateData) (string, error) {
	if p.opts.CreationScript != "" {
		return p.opts.CreationScript, nil
	}
	if p.opts.CreationScriptURL == "" {
		return "", nil
	}
	if p.deps.Renderer == nil {
		return "", newError(ErrorClassValidation, string(OpCustomize), "no renderer for creation script "+p.opts.CreationScriptURL, nil)
	}
	out, err := p.deps.Renderer.Render(ctx, p.opts.CreationScriptURL, data)
	if err != nil {
		return "", newError(ErrorClassValidation, string(OpCustomize), "creation script", err)
	}
	return string(out), nil
}

// stage uploads content to a unique temporary path as the connecting user.
func (p *Provisioner) stage(ctx context.Context, tr *transition, name string, content []byte) (string, error) {
	tmp := fmt.Sprintf("/tmp/%s_%s", name, uuid.NewString()[:8])
	if err := p.deps.Adapter.CopyTo(ctx, content, tmp); err != nil {
		return "", newError(ErrorClassTransport, string(tr.op), "failed to upload "+name, err)
	}
	return tmp, nil
}

// stopSystemService stops a distribution managed server that a package
// install may have started. Failure is only logged.
func (p *Provisioner) stopSystemService(ctx context.Context, tr *transition) {
	res, err := p.exec(ctx, tr, transports.Command{
		Summary:      "stop system postgresql service",
		Commands:     []string{"if [ -x /etc/init.d/postgresql ]; then /etc/init.d/postgresql stop; fi"},
		Escalate:     true,
		AllowNonZero: true,
	})
	if err != nil {
		tr.logger.Warn().Err(err).Msg("Could not stop system service")
		return
	}
	if res.ExitCode != 0 {
		tr.logger.Warn().Int("exit_code", res.ExitCode).Msg("System service stop returned non-zero")
	}
}

// reportLogTail logs the end of the server log. Failure is only logged.
func (p *Provisioner) reportLogTail(ctx context.Context, tr *transition, pc ProvisioningContext) {
	res, err := p.exec(context.WithoutCancel(ctx), tr, transports.Command{
		Summary:      "read server log",
		Commands:     []string{fmt.Sprintf("tail -c %d %s", logTailSize, shell.MustQuote(pc.LogFile()))},
		AsUser:       pc.ServiceUser,
		AllowNonZero: true,
	})
	if err != nil || res.ExitCode != 0 || res.Stdout == "" {
		return
	}
	tr.logger.Warn().Str("log_file", pc.LogFile()).Str("tail", res.Stdout).Msg("Server log after failure")
}

func prepareRunDirCommand(pc ProvisioningContext) transports.Command {
	owner := pc.ServiceUser + ":" + pc.ServiceUser
	run, data := shell.MustQuote(pc.RunDir), shell.MustQuote(pc.DataDir())
	log, pid := shell.MustQuote(pc.LogFile()), shell.MustQuote(pc.PidFile())
	return transports.Command{
		Summary: "prepare run directory",
		Commands: []string{
			"mkdir -p " + run + " " + data,
			"chown " + owner + " " + run + " " + data,
			"chmod 700 " + data,
			"touch " + log + " " + pid,
			"chown " + owner + " " + log + " " + pid,
		},
		Escalate: true,
	}
}

// initdbCommand initializes the data directory unless it already holds a
// cluster. initdb is preferred; older layouts only ship pg_ctl initdb.
func initdbCommand(pc ProvisioningContext) transports.Command {
	initdb := pc.Bin("initdb")
	return transports.Command{
		Summary: "initialize data directory",
		Commands: []string{
			shell.Alternatives(
				"test -f "+shell.MustQuote(pc.DataDir()+"/PG_VERSION"),
				shell.Chain("test -e "+shell.MustQuote(initdb), shell.MustQuote(initdb)+" -D "+shell.MustQuote(pc.DataDir())),
				pgCtl(pc, "initdb", true),
			),
		},
		AsUser: pc.ServiceUser,
	}
}

// writeLinesCommand writes synthesized content through the command channel
// as the service account, which owns the run directory.
func writeLinesCommand(pc ProvisioningContext, artifact pgconf.Artifact) transports.Command {
	quoted := make([]string, 0, len(artifact.Lines))
	for _, line := range artifact.Lines {
		quoted = append(quoted, shell.MustQuote(line))
	}
	printf := "printf '%s\\n' " + strings.Join(quoted, " ")
	return transports.Command{
		Summary: "write " + artifact.Name,
		Commands: []string{
			printf + " > " + shell.MustQuote(pc.RunFile(artifact.Name)),
		},
		AsUser: pc.ServiceUser,
	}
}

// placeFileCommand moves a staged upload into place, owned by the service
// account.
func placeFileCommand(pc ProvisioningContext, tmp, dest string) transports.Command {
	qTmp, qDest := shell.MustQuote(tmp), shell.MustQuote(dest)
	return transports.Command{
		Summary: "install " + dest,
		Commands: []string{
			"mv " + qTmp + " " + qDest,
			"chown " + pc.ServiceUser + ":" + pc.ServiceUser + " " + qDest,
			"chmod 644 " + qDest,
		},
		Escalate: true,
	}
}

// initializeDatabaseCommand starts the server, creates the admin account,
// the database and the declared roles, and stops the server. The server is
// stopped even when a statement fails.
func initializeDatabaseCommand(pc ProvisioningContext, port int, creds ServerCredentials, rolesQuery string) transports.Command {
	statements := []string{
		psql(pc, port, fmt.Sprintf("CREATE USER %s WITH PASSWORD '%s';", creds.AdminUsername, escapeSQL(creds.AdminPassword)), ""),
		psql(pc, port, fmt.Sprintf("CREATE DATABASE %s OWNER %s;", creds.DatabaseName, creds.AdminUsername), ""),
	}
	if rolesQuery != "" {
		statements = append(statements, psql(pc, port, rolesQuery, ""))
	}
	return withServer(pc, "initialize database", statements)
}

// runScriptCommand runs a SQL file against a temporarily started server.
func runScriptCommand(pc ProvisioningContext, port int, summary, file string) transports.Command {
	return withServer(pc, summary, []string{psql(pc, port, "", file)})
}

func withServer(pc ProvisioningContext, summary string, statements []string) transports.Command {
	return transports.Command{
		Summary: summary,
		Commands: []string{
			"cd " + shell.MustQuote(pc.InstallDir),
			pgCtl(pc, "start", true),
			shell.Alternatives(
				shell.Chain(statements...),
				shell.Chain(pgCtl(pc, "stop", true, "-m", "fast"), "exit 1"),
			),
			pgCtl(pc, "stop", true),
		},
		AsUser: pc.ServiceUser,
	}
}
