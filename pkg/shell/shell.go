// Package shell builds the bash fragments that are shipped to a target host
// over the remote command channel.
//
// Fragments are plain strings so they can be composed freely: a group built
// by Chain or Alternatives can be nested inside another group, wrapped with
// Sudo, or placed on a line of its own in a script. Quote and Check use
// mvdan.cc/sh so quoting and syntax follow bash rules rather than ad hoc
// string escaping.
package shell

import (
	"fmt"
	"sort"
	"strings"

	"mvdan.cc/sh/v3/syntax"
)

// Quote returns s quoted for bash. Strings that cannot be represented (for
// example ones containing NUL bytes) are reported as errors.
func Quote(s string) (string, error) {
	q, err := syntax.Quote(s, syntax.LangBash)
	if err != nil {
		return "", fmt.Errorf("cannot quote %q for bash: %w", s, err)
	}
	return q, nil
}

// MustQuote is Quote for values produced by this module, which never contain
// unquotable characters.
func MustQuote(s string) string {
	q, err := Quote(s)
	if err != nil {
		panic(err)
	}
	return q
}

// Check parses script as bash and reports the first syntax error.
func Check(script string) error {
	parser := syntax.NewParser(syntax.Variant(syntax.LangBash))
	if _, err := parser.Parse(strings.NewReader(script), ""); err != nil {
		return fmt.Errorf("invalid bash script: %w", err)
	}
	return nil
}

// Sudo runs cmd as root, skipping sudo when the invoking user already is root.
func Sudo(cmd string) string {
	return fmt.Sprintf("( if test \"$UID\" -eq 0; then ( %s ); else sudo -E -n -S -- %s; fi )", cmd, cmd)
}

// Chain joins commands with && inside a subshell.
func Chain(cmds ...string) string {
	return "( " + strings.Join(cmds, " && ") + " )"
}

// Alternatives joins commands with || inside a subshell, so the group
// succeeds as soon as one member does.
func Alternatives(cmds ...string) string {
	return "( " + strings.Join(cmds, " || ") + " )"
}

// IfExecutableElse0 runs cmd when exe resolves to an executable and
// otherwise succeeds without doing anything.
func IfExecutableElse0(exe, cmd string) string {
	return fmt.Sprintf("( if command -v %s >/dev/null 2>&1; then ( %s ); else true; fi )", exe, cmd)
}

// IfExecutableElse1 runs cmd when exe resolves to an executable and
// otherwise fails, which makes it usable as a member of Alternatives.
func IfExecutableElse1(exe, cmd string) string {
	return fmt.Sprintf("( if command -v %s >/dev/null 2>&1; then ( %s ); else false; fi )", exe, cmd)
}

// Warn echoes msg to stdout and stderr and succeeds.
func Warn(msg string) string {
	return fmt.Sprintf("( echo %s | tee /dev/stderr )", MustQuote(msg))
}

// Fail echoes msg to stdout and stderr and exits with code.
func Fail(msg string, code int) string {
	return fmt.Sprintf("( echo %s | tee /dev/stderr ; exit %d )", MustQuote(msg), code)
}

// InstallCurl installs curl with manager unless it is already on the path.
func InstallCurl(manager string) string {
	return Alternatives(
		"command -v curl >/dev/null 2>&1",
		InstallPackage(map[string]string{manager: "curl"}, ""),
	)
}

// DontRequireTTYForSudo comments out any requiretty directive in sudoers so
// that sudo works over a non-interactive command channel.
func DontRequireTTYForSudo() string {
	return IfExecutableElse0("sudo",
		Sudo("sed -i.pgprov.bak 's/.*requiretty.*/#pgprov-removed-require-tty/' /etc/sudoers"))
}

// packageManagers lists the supported managers in probe order together with
// the command used to install a package list.
var packageManagers = []struct {
	name    string
	probe   string
	install func(pkgs string) string
}{
	{
		name:  "apt",
		probe: "apt-get",
		install: func(pkgs string) string {
			return Chain(
				"export DEBIAN_FRONTEND=noninteractive",
				Sudo("apt-get update"),
				Sudo("apt-get install -y --allow-unauthenticated "+pkgs),
			)
		},
	},
	{
		name:  "dnf",
		probe: "dnf",
		install: func(pkgs string) string {
			return Sudo("dnf -y --nogpgcheck install " + pkgs)
		},
	},
	{
		name:  "yum",
		probe: "yum",
		install: func(pkgs string) string {
			return Sudo("yum -y --nogpgcheck install " + pkgs)
		},
	},
	{
		name:  "zypper",
		probe: "zypper",
		install: func(pkgs string) string {
			return Sudo("zypper --non-interactive --no-gpg-checks install " + pkgs)
		},
	},
	{
		name:  "port",
		probe: "port",
		install: func(pkgs string) string {
			return Sudo("port install " + pkgs)
		},
	},
	{
		name:  "brew",
		probe: "brew",
		install: func(pkgs string) string {
			return "brew install " + pkgs
		},
	},
}

// InstallPackage returns a fragment that installs a package with the first
// available package manager. packages maps a manager name (apt, dnf, yum,
// zypper, port, brew) to its package list; "default" applies to managers
// without an entry and "yum" also serves dnf. Managers with no package list
// are skipped. If no manager succeeds the fragment runs onFailure, or fails
// when onFailure is empty.
func InstallPackage(packages map[string]string, onFailure string) string {
	var alts []string
	for _, pm := range packageManagers {
		pkgs, ok := packages[pm.name]
		if !ok && pm.name == "dnf" {
			pkgs, ok = packages["yum"]
		}
		if !ok {
			pkgs, ok = packages["default"]
		}
		if !ok || strings.TrimSpace(pkgs) == "" {
			continue
		}
		alts = append(alts, IfExecutableElse1(pm.probe, pm.install(pkgs)))
	}
	if onFailure == "" {
		onFailure = Fail("no supported package manager could install "+describe(packages), 9)
	}
	alts = append(alts, onFailure)
	return Alternatives(alts...)
}

func describe(packages map[string]string) string {
	keys := make([]string, 0, len(packages))
	for k := range packages {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+packages[k])
	}
	return strings.Join(parts, ", ")
}
