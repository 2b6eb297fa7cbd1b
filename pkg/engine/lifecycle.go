package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/openfroyo/pgprovision/pkg/shell"
	"github.com/openfroyo/pgprovision/pkg/stores"
	"github.com/openfroyo/pgprovision/pkg/transports"
)

// stopGraceSeconds is how long the pid file pass waits after TERM before
// sending KILL.
const stopGraceSeconds = 10

// Launch starts the server as the service account without waiting for it
// to accept connections.
func (p *Provisioner) Launch(ctx context.Context) (err error) {
	tr, err := p.begin(ctx, OpLaunch)
	if err != nil {
		return err
	}
	defer func() { err = p.finish(tr, err) }()
	ctx = tr.ic.Ctx

	pc, err := p.Context(ctx)
	if err != nil {
		return newError(ErrorClassPermanent, string(OpLaunch), "install paths unknown", err)
	}

	_, err = p.exec(ctx, tr, transports.Command{
		Summary:  "start postgresql",
		Commands: []string{pgCtl(pc, "start", false)},
		AsUser:   pc.ServiceUser,
	})
	return err
}

// IsRunning asks the control tool whether the server is up. It never
// changes state. A node that was never installed is not running.
func (p *Provisioner) IsRunning(ctx context.Context) (bool, error) {
	pc, err := p.Context(ctx)
	if err != nil {
		return false, nil
	}
	res, err := p.exec(ctx, nil, statusCommand(pc))
	if err != nil {
		return false, err
	}
	return res.ExitCode == 0, nil
}

// Stop stops the server, immediately when DisconnectOnStop is set, then
// makes sure the process named in the pid file is gone.
func (p *Provisioner) Stop(ctx context.Context) (err error) {
	tr, err := p.begin(ctx, OpStop)
	if err != nil {
		return err
	}
	defer func() { err = p.finish(tr, err) }()
	ctx = tr.ic.Ctx

	pc, err := p.Context(ctx)
	if err != nil {
		return newError(ErrorClassPermanent, string(OpStop), "install paths unknown", err)
	}

	var extra []string
	if p.opts.DisconnectOnStop {
		extra = []string{"-m", "immediate"}
	}
	// Stopping a server that is already down exits non-zero.
	res, err := p.exec(ctx, tr, transports.Command{
		Summary:      "stop postgresql",
		Commands:     []string{pgCtl(pc, "stop", false, extra...)},
		AsUser:       pc.ServiceUser,
		AllowNonZero: tr.from != StateRunning,
	})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		tr.logger.Info().Int("exit_code", res.ExitCode).Msg("Server was not running")
	}

	if _, err := p.exec(ctx, tr, killPidFileCommand(pc)); err != nil {
		tr.logger.Warn().Err(err).Msg("Pid file cleanup failed")
	}
	return nil
}

// ExecuteScript runs sql against the running server as the service account
// and returns the client output.
func (p *Provisioner) ExecuteScript(ctx context.Context, sql string) (out string, err error) {
	if strings.TrimSpace(sql) == "" {
		return "", newError(ErrorClassValidation, string(OpExecSQL), "empty script", nil)
	}

	tr, err := p.begin(ctx, OpExecSQL)
	if err != nil {
		return "", err
	}
	defer func() { err = p.finish(tr, err) }()
	ctx = tr.ic.Ctx

	pc, err := p.Context(ctx)
	if err != nil {
		return "", newError(ErrorClassPermanent, string(OpExecSQL), "install paths unknown", err)
	}

	name := "postgresql-commands-" + uuid.NewString()[:8]
	tmp, err := p.stage(ctx, tr, name, []byte(sql))
	if err != nil {
		return "", err
	}
	if _, err := p.exec(ctx, tr, placeFileCommand(pc, tmp, pc.RunFile(name))); err != nil {
		return "", err
	}

	res, err := p.exec(ctx, tr, transports.Command{
		Summary: "execute datastore script " + name,
		Commands: []string{
			"cd " + shell.MustQuote(pc.RunDir),
			psql(pc, p.opts.Port, "", pc.RunFile(name)),
		},
		AsUser: pc.ServiceUser,
	})
	if err != nil {
		return res.Stdout, err
	}

	p.event(tr, stores.EventLevelInfo, "script executed", map[string]any{"file": name, "bytes": len(sql)})
	return res.Stdout, nil
}

func statusCommand(pc ProvisioningContext) transports.Command {
	return transports.Command{
		Summary:      "check postgresql status",
		Commands:     []string{pgCtl(pc, "status", false)},
		AsUser:       pc.ServiceUser,
		AllowNonZero: true,
	}
}

// killPidFileCommand terminates the process in the external pid file if it
// is still alive, escalating to KILL after a grace period.
func killPidFileCommand(pc ProvisioningContext) transports.Command {
	pid := shell.MustQuote(pc.PidFile())
	script := fmt.Sprintf(`if [ -s %[1]s ]; then
  PID=$(head -n 1 %[1]s)
  if [ -n "$PID" ] && kill -0 "$PID" 2>/dev/null; then
    kill "$PID"
    for i in $(seq 1 %[2]d); do
      kill -0 "$PID" 2>/dev/null || exit 0
      sleep 1
    done
    kill -9 "$PID"
  fi
fi`, pid, stopGraceSeconds)
	return transports.Command{
		Summary:      "stop process in pid file",
		Commands:     []string{script},
		AsUser:       pc.ServiceUser,
		AllowNonZero: true,
	}
}
