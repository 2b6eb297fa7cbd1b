// Package policy reviews access control content with Open Policy Agent
// before it is written to a target host.
//
// The engine evaluates the `deny` set of every enabled Rego policy against
// an AccessInput built from the parsed pg_hba.conf records. Each member of
// a deny set is either a string or an object with message, severity and
// line fields. Error findings block the write; everything else is reported
// as a warning.
//
// Built-in policies:
//
//   - open-trust: trust authentication from any host is always an error
//   - open-password: password authentication for all users and databases
//     from any host is a warning, or an error when strict_access is set
//   - cleartext-password: the password method on remote rules is a warning
//
// Operators add their own policies as .rego files (named after the file)
// or .json definitions:
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"/etc/pgprov/policies"}); err != nil {
//	    return err
//	}
//	review, err := eng.ReviewAccess(ctx, policy.AccessInput{Rules: rules})
//
// The Loader can also watch files and directories and call back after
// changes settle.
package policy
