// Package engine drives one PostgreSQL node on a remote host through its
// lifecycle.
//
// # Overview
//
// A Provisioner owns no connection of its own. Every side effect on the
// target host is a transports.Command handed to a transports.Adapter, and
// everything that must survive between runs (the lifecycle state, the
// install and run directories, probed OS facts, generated credentials) is a
// sensor in an Attributes store. Separate CLI invocations therefore continue
// the same node.
//
// The lifecycle is:
//
//  1. Install - probe OS facts, find or install the server binaries, link
//     them as bin/ inside the install directory and negotiate access for
//     the service account (Negotiate)
//  2. Customize - prepare the run directory, initdb, write the server
//     configuration and access control files, optionally create the admin
//     account, the database and declared roles, and run a creation script
//  3. Launch - start the server
//  4. Stop - stop the server and clean up the pid file process
//
// Provision runs Install, Customize and Launch in order. IsRunning queries
// the control tool and never changes state. ExecuteScript runs SQL against
// a running server.
//
// # States
//
//	uninstalled -> installing -> installed -> customizing -> configured
//	configured|stopped -> running -> stopped
//
// A failed install or customize leaves the node in StateFailed, from which
// only Install may start. Launch and Stop failures keep the state they
// started from. Operations that are not allowed from the current state fail
// with ErrInvalidTransition before any command is sent.
//
// # Error Classification
//
// Every error returned by a Provisioner is a *ProvisionError:
//
//   - Validation: input rejected before it reached the host
//   - Remote: a required command exited non-zero
//   - Relocation: moving the install tree failed; the host needs attention
//   - Transport: the command channel failed
//   - Permanent: everything else, including invalid transitions
//
// Use the helpers to inspect them:
//
//	if engine.IsRelocation(err) {
//	    // do not retry automatically
//	}
//
// # History
//
// When a stores.Store is supplied every transition is recorded as a run
// with one event per remote command.
package engine
