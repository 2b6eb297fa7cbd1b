// Package transports defines the remote command channel the provisioning
// engine drives. The engine never talks to the network itself: every side
// effect on a target host is a Command handed to an Adapter.
package transports

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Command is an ordered batch of shell fragments executed as one script.
// The script stops at the first fragment that fails.
type Command struct {
	// Summary is a short human readable description used in logs and errors.
	Summary string

	// Commands are the shell fragments, in execution order.
	Commands []string

	// AsUser runs the script as another account through sudo.
	AsUser string

	// Escalate runs the script as root.
	Escalate bool

	// AllowNonZero returns a non-zero exit code as a Result instead of an
	// ExitError.
	AllowNonZero bool
}

// Script returns the fragments joined into the body the adapter executes.
func (c Command) Script() string {
	return strings.Join(c.Commands, "\n")
}

// Result is the outcome of a command that ran to completion.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Adapter executes commands and moves files on one target host.
type Adapter interface {
	// Run executes cmd. Transport failures are returned as errors. A
	// non-zero exit is an *ExitError unless cmd.AllowNonZero is set.
	Run(ctx context.Context, cmd Command) (Result, error)

	// CopyTo writes data to remotePath as the connecting user.
	CopyTo(ctx context.Context, data []byte, remotePath string) error

	// CopyFrom reads remotePath as the connecting user.
	CopyFrom(ctx context.Context, remotePath string) ([]byte, error)
}

// ExitError is returned when a command that had to succeed exited non-zero.
type ExitError struct {
	Summary string
	Code    int
	Stderr  string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s: exited with code %d", e.Summary, e.Code)
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + lastLine(s)
	}
	return msg
}

// ExitCode returns the exit code carried by err, or -1 when err is not an
// ExitError.
func ExitCode(err error) int {
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return -1
}

// Check converts a non-zero result into an ExitError when the command
// requires success. Adapters use it to apply AllowNonZero uniformly.
func Check(cmd Command, res Result) (Result, error) {
	if res.ExitCode != 0 && !cmd.AllowNonZero {
		return res, &ExitError{Summary: cmd.Summary, Code: res.ExitCode, Stderr: res.Stderr}
	}
	return res, nil
}

func lastLine(s string) string {
	if idx := strings.LastIndex(s, "\n"); idx >= 0 {
		return s[idx+1:]
	}
	return s
}
