package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/openfroyo/pgprovision/pkg/shell"
	"github.com/openfroyo/pgprovision/pkg/transports"
)

// Run executes cmd as a single bash script on the remote host. The script
// runs with errexit so the first failing fragment ends it with that
// fragment's exit code.
func (c *Client) Run(ctx context.Context, cmd transports.Command) (transports.Result, error) {
	remote, err := c.buildRemoteCommand(cmd)
	if err != nil {
		return transports.Result{}, err
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.CommandTimeout)
		defer cancel()
	}

	startTime := time.Now()
	log.Debug().
		Str("summary", cmd.Summary).
		Str("as_user", cmd.AsUser).
		Bool("escalate", cmd.Escalate).
		Int("fragments", len(cmd.Commands)).
		Msg("executing command")

	sshClient, err := c.getClient()
	if err != nil {
		return transports.Result{}, err
	}

	session, err := sshClient.NewSession()
	if err != nil {
		return transports.Result{}, &TransportError{
			Op:          "run",
			Err:         fmt.Errorf("failed to create session: %w", err),
			IsTemporary: true,
		}
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf
	if c.needsSudo(cmd) && c.config.SudoPassword != "" {
		session.Stdin = strings.NewReader(c.config.SudoPassword + "\n")
	}

	doneChan := make(chan error, 1)
	go func() {
		doneChan <- session.Run(remote)
	}()

	var execErr error
	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGTERM)
		time.Sleep(100 * time.Millisecond)
		_ = session.Signal(ssh.SIGKILL)
		execErr = ctx.Err()
	case execErr = <-doneChan:
	}

	res := transports.Result{
		Stdout: strings.TrimSpace(stdoutBuf.String()),
		Stderr: strings.TrimSpace(stderrBuf.String()),
	}

	if execErr != nil {
		var exitErr *ssh.ExitError
		if !errors.As(execErr, &exitErr) {
			log.Debug().
				Str("summary", cmd.Summary).
				Dur("duration", time.Since(startTime)).
				Err(execErr).
				Msg("command did not complete")
			return res, &TransportError{
				Op:          "run",
				Err:         fmt.Errorf("%s: %w", cmd.Summary, execErr),
				IsTemporary: !errors.Is(execErr, context.Canceled),
			}
		}
		res.ExitCode = exitErr.ExitStatus()
	}

	log.Debug().
		Str("summary", cmd.Summary).
		Int("exit_code", res.ExitCode).
		Int("stdout_len", len(res.Stdout)).
		Int("stderr_len", len(res.Stderr)).
		Dur("duration", time.Since(startTime)).
		Msg("command completed")

	return transports.Check(cmd, res)
}

// buildRemoteCommand renders cmd into the string sent on the exec channel:
// an errexit bash script, checked for syntax locally and quoted as a single
// argument, optionally wrapped in sudo.
func (c *Client) buildRemoteCommand(cmd transports.Command) (string, error) {
	if len(cmd.Commands) == 0 {
		return "", fmt.Errorf("%s: no commands to run", cmd.Summary)
	}

	script := "set -e\n" + cmd.Script()
	if err := shell.Check(script); err != nil {
		return "", fmt.Errorf("%s: %w", cmd.Summary, err)
	}
	quoted, err := shell.Quote(script)
	if err != nil {
		return "", fmt.Errorf("%s: %w", cmd.Summary, err)
	}
	remote := "bash -c " + quoted

	switch {
	case cmd.AsUser != "":
		user, err := shell.Quote(cmd.AsUser)
		if err != nil {
			return "", fmt.Errorf("%s: %w", cmd.Summary, err)
		}
		return c.sudoPrefix() + " -u " + user + " -H " + remote, nil
	case c.needsSudo(cmd):
		return c.sudoPrefix() + " " + remote, nil
	default:
		return remote, nil
	}
}

func (c *Client) needsSudo(cmd transports.Command) bool {
	return cmd.AsUser != "" || (cmd.Escalate && c.config.User != "root")
}

func (c *Client) sudoPrefix() string {
	if c.config.SudoPassword != "" {
		return "sudo -S -p ''"
	}
	return "sudo -n"
}
