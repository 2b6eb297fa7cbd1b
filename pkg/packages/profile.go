// Package packages resolves what a target host needs in order to install a
// PostgreSQL release: which OS family it belongs to, which package
// repository to register and which packages to ask the package manager for.
//
// OS facts are probed once per run and folded into an immutable Profile.
// Missing facts are replaced with documented defaults and reported as
// warnings; an unrecognised OS never stops provisioning. It is treated as
// the most common distribution of the package manager found on the host:
// Ubuntu where apt-get exists, CentOS otherwise.
package packages

import (
	"strings"

	"github.com/rs/zerolog"
)

// Family is the package-manager class of a target host.
type Family int

const (
	// FamilyRedhat covers RHEL, CentOS, Scientific Linux and Fedora (yum/dnf).
	FamilyRedhat Family = iota

	// FamilyDebian covers Debian and Ubuntu (apt).
	FamilyDebian
)

func (f Family) String() string {
	if f == FamilyDebian {
		return "debian"
	}
	return "redhat"
}

// Package manager classes reported in OSFacts.PackageManager.
const (
	ManagerApt = "apt"
	ManagerYum = "yum"
)

// Distribution names as used in the PGDG repository layout.
const (
	DistroUbuntu = "ubuntu"
	DistroDebian = "debian"
	DistroRedhat = "redhat"
	DistroCentOS = "centos"
	DistroSL     = "sl"
	DistroFedora = "fedora"
)

// Defaults substituted for missing facts.
const (
	DefaultArch = "x86_64"

	DefaultFedoraMajorVersion = "20"
	DefaultRPMMajorVersion    = "6"
	DefaultUbuntuMajorVersion = "14"
	DefaultDebianMajorVersion = "8"
)

// OSFacts are the raw facts probed from a host. Any field may be empty.
type OSFacts struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Arch    string `json:"arch"`

	// PackageManager is the manager class found on the host (ManagerApt,
	// ManagerYum) or empty when neither was found.
	PackageManager string `json:"package_manager"`
}

// Profile is the resolved, read-only view of a host's OS.
type Profile struct {
	Family       Family `json:"family"`
	Distro       string `json:"distro"`
	MajorVersion string `json:"major_version"`
	Arch         string `json:"arch"`

	// Defaulted lists the facts that were missing or unrecognised and
	// replaced by a default ("name", "version", "arch").
	Defaulted []string `json:"defaulted,omitempty"`
}

// NewProfile resolves facts into a Profile, logging a warning for every
// substituted default.
func NewProfile(facts OSFacts, logger zerolog.Logger) Profile {
	p := Profile{}

	name := strings.ToLower(strings.TrimSpace(facts.Name))
	switch {
	case name == "ubuntu" || strings.HasPrefix(name, "ubuntu"):
		p.Family, p.Distro = FamilyDebian, DistroUbuntu
	case name == "debian" || strings.HasPrefix(name, "debian"):
		p.Family, p.Distro = FamilyDebian, DistroDebian
	case name == "rhel" || strings.Contains(name, "red hat"):
		p.Family, p.Distro = FamilyRedhat, DistroRedhat
	case name == "centos" || strings.HasPrefix(name, "centos"):
		p.Family, p.Distro = FamilyRedhat, DistroCentOS
	case name == "sl" || strings.HasPrefix(name, "scientific"):
		p.Family, p.Distro = FamilyRedhat, DistroSL
	case name == "fedora" || strings.HasPrefix(name, "fedora"):
		p.Family, p.Distro = FamilyRedhat, DistroFedora
	case facts.PackageManager == ManagerApt:
		p.Family, p.Distro = FamilyDebian, DistroUbuntu
		p.Defaulted = append(p.Defaulted, "name")
	default:
		p.Family, p.Distro = FamilyRedhat, DistroCentOS
		p.Defaulted = append(p.Defaulted, "name")
	}
	if p.IsDefaulted("name") {
		logger.Warn().
			Str("os_name", facts.Name).
			Str("package_manager", facts.PackageManager).
			Str("treated_as", p.Distro).
			Msg("insufficient OS family information")
	}

	p.Arch = strings.TrimSpace(facts.Arch)
	if p.Arch == "" {
		p.Arch = DefaultArch
		p.Defaulted = append(p.Defaulted, "arch")
		logger.Warn().
			Str("treated_as", DefaultArch).
			Msg("insufficient architecture information")
	}

	p.MajorVersion = majorVersion(facts.Version)
	if p.MajorVersion == "" {
		p.MajorVersion = defaultMajorVersion(p.Distro)
		p.Defaulted = append(p.Defaulted, "version")
		logger.Warn().
			Str("os_version", facts.Version).
			Str("distro", p.Distro).
			Str("treated_as", p.MajorVersion).
			Msg("insufficient OS version information")
	}

	return p
}

// IsDefaulted reports whether fact was substituted.
func (p Profile) IsDefaulted(fact string) bool {
	for _, d := range p.Defaulted {
		if d == fact {
			return true
		}
	}
	return false
}

func majorVersion(v string) string {
	v = strings.TrimSpace(v)
	// os-release VERSION values look like "22.04.3 LTS (Jammy Jellyfish)"
	if idx := strings.IndexAny(v, " ("); idx >= 0 {
		v = v[:idx]
	}
	if idx := strings.Index(v, "."); idx > 0 {
		v = v[:idx]
	}
	return v
}

func defaultMajorVersion(distro string) string {
	switch distro {
	case DistroFedora:
		return DefaultFedoraMajorVersion
	case DistroUbuntu:
		return DefaultUbuntuMajorVersion
	case DistroDebian:
		return DefaultDebianMajorVersion
	default:
		return DefaultRPMMajorVersion
	}
}
