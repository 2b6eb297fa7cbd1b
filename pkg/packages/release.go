package packages

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-version"
)

// Release identifies the PostgreSQL packaging release to install, for
// example "9.3-1".
type Release struct {
	// Version is the full packaging version ("9.3-1").
	Version string `json:"version"`

	// MajorMinor is the server series ("9.3").
	MajorMinor string `json:"major_minor"`

	// Short is MajorMinor without dots ("93"), as used in rpm package names.
	Short string `json:"short"`
}

// ParseRelease derives the major/minor series and short form from a
// packaging version. The series is everything before the last '-'.
func ParseRelease(v string) (Release, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return Release{}, fmt.Errorf("version is required")
	}
	if _, err := version.NewVersion(v); err != nil {
		return Release{}, fmt.Errorf("invalid version %q: %w", v, err)
	}

	idx := strings.LastIndex(v, "-")
	if idx <= 0 {
		return Release{}, fmt.Errorf("invalid version %q: expected <major.minor>-<package release>", v)
	}

	majorMinor := v[:idx]
	return Release{
		Version:    v,
		MajorMinor: majorMinor,
		Short:      strings.ReplaceAll(majorMinor, ".", ""),
	}, nil
}

func (r Release) String() string {
	return r.Version
}
