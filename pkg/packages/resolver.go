package packages

import (
	"fmt"

	"github.com/openfroyo/pgprovision/pkg/shell"
)

const (
	yumRepositoryBase = "https://download.postgresql.org/pub/repos/yum"
	aptRepositoryBase = "http://apt.postgresql.org/pub/repos/apt/"
	aptSigningKeyURL  = "https://www.postgresql.org/media/keys/ACCC4CF8.asc"
)

// Resolver emits the repository setup and package installation fragments
// for one release on one host profile.
type Resolver struct {
	profile Profile
	release Release
}

// NewResolver returns a resolver for release on a host described by profile.
func NewResolver(profile Profile, release Release) *Resolver {
	return &Resolver{profile: profile, release: release}
}

// Profile returns the host profile the resolver was built for.
func (r *Resolver) Profile() Profile {
	return r.profile
}

// RepositorySetup returns the fragment that registers the PGDG repository
// with the host's package manager. Only the branch for the profile's family
// is emitted, guarded by the presence of its manager: Debian-family hosts
// never receive rpm repository commands and Red Hat family hosts never
// receive apt ones.
func (r *Resolver) RepositorySetup() string {
	if r.profile.Family == FamilyDebian {
		return shell.IfExecutableElse0("apt-get", r.aptRepository())
	}
	return shell.IfExecutableElse0("yum", r.yumRepository())
}

// PackageNames returns the manager specific package lists for the release.
func (r *Resolver) PackageNames() map[string]string {
	rpm := fmt.Sprintf("postgresql%s postgresql%s-server", r.release.Short, r.release.Short)
	return map[string]string{
		"yum":  rpm,
		"apt":  "postgresql-" + r.release.MajorMinor,
		"port": rpm,
	}
}

// PackageInstall returns the fragment that installs the release with the
// first available package manager, running onFailure when none succeeds.
func (r *Resolver) PackageInstall(onFailure string) string {
	return shell.InstallPackage(r.PackageNames(), onFailure)
}

// YumRepositoryURL is the location of the PGDG repository rpm for the
// profile, e.g. .../9.3/redhat/rhel-6-x86_64/pgdg-centos93-9.3-1.noarch.rpm.
func (r *Resolver) YumRepositoryURL() string {
	return fmt.Sprintf("%s/%s/redhat/rhel-%s-%s/pgdg-%s%s-%s.noarch.rpm",
		yumRepositoryBase,
		r.release.MajorMinor,
		r.profile.MajorVersion,
		r.profile.Arch,
		r.profile.Distro,
		r.release.Short,
		r.release.Version,
	)
}

func (r *Resolver) yumRepository() string {
	return shell.Chain(
		shell.InstallCurl(ManagerYum),
		shell.Sudo("curl -fsSL "+r.YumRepositoryURL()+" -o /tmp/pgdg.rpm"),
		shell.Alternatives(
			shell.Sudo("rpm -Uvh /tmp/pgdg.rpm"),
			// already registered by an earlier attempt
			"rpm -q pgdg-"+r.profile.Distro+r.release.Short,
		),
	)
}

func (r *Resolver) aptRepository() string {
	return shell.Chain(
		shell.InstallPackage(map[string]string{"apt": "curl lsb-release"}, ""),
		"curl -fsSL "+aptSigningKeyURL+" | "+shell.Sudo("apt-key add -"),
		"echo \"deb "+aptRepositoryBase+" $(lsb_release --codename --short)-pgdg main\" | "+
			shell.Sudo("tee /etc/apt/sources.list.d/pgdg.list"),
	)
}
