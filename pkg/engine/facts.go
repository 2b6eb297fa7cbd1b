package engine

import (
	"bufio"
	"context"
	"fmt"
	"strings"

	"github.com/openfroyo/pgprovision/pkg/packages"
	"github.com/openfroyo/pgprovision/pkg/transports"
)

// HostFacts are the facts probed from a target host at the start of an
// install.
type HostFacts struct {
	OS   packages.OSFacts `json:"os"`
	Home string           `json:"home"`
}

const (
	archMarker    = "@@arch="
	homeMarker    = "@@home="
	managerMarker = "@@pm="
)

// factsCommand prints os-release (or lsb-release on old hosts) followed by
// marker lines for the values that have no file.
var factsCommand = transports.Command{
	Summary: "collect OS facts",
	Commands: []string{
		"cat /etc/os-release 2>/dev/null || cat /etc/lsb-release 2>/dev/null || true",
		"echo \"" + archMarker + "$(uname -m 2>/dev/null)\"",
		"echo \"" + homeMarker + "$HOME\"",
		"if command -v apt-get >/dev/null 2>&1; then echo \"" + managerMarker + packages.ManagerApt + "\"; " +
			"elif command -v yum >/dev/null 2>&1 || command -v dnf >/dev/null 2>&1; then echo \"" + managerMarker + packages.ManagerYum + "\"; " +
			"else echo \"" + managerMarker + "\"; fi",
	},
}

// CollectOSFacts probes the OS name, version, architecture and the
// connecting user's home directory. Missing facts are left empty; the
// package profile substitutes defaults for them.
func CollectOSFacts(ctx context.Context, adapter transports.Adapter) (HostFacts, error) {
	res, err := adapter.Run(ctx, factsCommand)
	if err != nil {
		return HostFacts{}, fmt.Errorf("failed to collect facts: %w", err)
	}
	return parseFacts(res.Stdout), nil
}

func parseFacts(out string) HostFacts {
	var facts HostFacts
	release := make(map[string]string)

	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, archMarker):
			facts.OS.Arch = strings.TrimSpace(strings.TrimPrefix(line, archMarker))
		case strings.HasPrefix(line, homeMarker):
			facts.Home = strings.TrimSpace(strings.TrimPrefix(line, homeMarker))
		case strings.HasPrefix(line, managerMarker):
			facts.OS.PackageManager = strings.TrimSpace(strings.TrimPrefix(line, managerMarker))
		default:
			if key, value, ok := strings.Cut(line, "="); ok {
				release[key] = strings.Trim(value, "\"'")
			}
		}
	}

	// os-release first, lsb-release as fallback
	facts.OS.Name = firstOf(release, "ID", "NAME", "DISTRIB_ID")
	facts.OS.Version = firstOf(release, "VERSION_ID", "VERSION", "DISTRIB_RELEASE")
	return facts
}

func firstOf(m map[string]string, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(m[k]); v != "" {
			return v
		}
	}
	return ""
}
