package engine

import (
	"fmt"
)

// State is the lifecycle state of a node.
type State string

const (
	StateUninstalled State = "uninstalled"
	StateInstalling  State = "installing"
	StateInstalled   State = "installed"
	StateCustomizing State = "customizing"
	StateConfigured  State = "configured"
	StateRunning     State = "running"
	StateStopped     State = "stopped"

	// StateFailed is left behind by a failed install or customize. Partial
	// side effects stay on the host; only Install may start from here.
	StateFailed State = "failed"
)

// Operation names a state machine transition.
type Operation string

const (
	OpInstall   Operation = "install"
	OpCustomize Operation = "customize"
	OpLaunch    Operation = "launch"
	OpStop      Operation = "stop"
	OpExecSQL   Operation = "exec-sql"
)

// allowedFrom lists the states each operation may start from. Install also
// starts from the in-progress states so a run interrupted by a crash can be
// repeated.
var allowedFrom = map[Operation][]State{
	OpInstall:   {StateUninstalled, StateFailed, StateInstalled, StateInstalling, StateCustomizing},
	OpCustomize: {StateInstalled},
	OpLaunch:    {StateConfigured, StateStopped},
	OpStop:      {StateRunning, StateStopped, StateConfigured},
	OpExecSQL:   {StateRunning},
}

// target is the state an operation reaches on success.
var target = map[Operation]State{
	OpInstall:   StateInstalled,
	OpCustomize: StateConfigured,
	OpLaunch:    StateRunning,
	OpStop:      StateStopped,
	OpExecSQL:   StateRunning,
}

// transient is the state held while an operation is in progress. Launch,
// stop and exec-sql do not pass through one.
var transient = map[Operation]State{
	OpInstall:   StateInstalling,
	OpCustomize: StateCustomizing,
}

// CanStart reports whether op may start from s.
func (s State) CanStart(op Operation) bool {
	for _, from := range allowedFrom[op] {
		if s == from {
			return true
		}
	}
	return false
}

// IsTransitional returns true while an operation holds the node.
func (s State) IsTransitional() bool {
	return s == StateInstalling || s == StateCustomizing
}

// Validate checks if the state is valid.
func (s State) Validate() error {
	switch s {
	case StateUninstalled, StateInstalling, StateInstalled, StateCustomizing,
		StateConfigured, StateRunning, StateStopped, StateFailed:
		return nil
	default:
		return fmt.Errorf("invalid state: %s", s)
	}
}

// checkTransition returns a permanent error when op may not start from s.
func checkTransition(op Operation, s State) error {
	if s.CanStart(op) {
		return nil
	}
	return newError(ErrorClassPermanent, string(op),
		fmt.Sprintf("not allowed from state %s", s), ErrInvalidTransition)
}
