package engine

import (
	"path"

	"github.com/openfroyo/pgprovision/pkg/packages"
)

// File names inside the run directory.
const (
	dataDirName        = "data"
	logFileName        = "postgresql.log"
	pidFileName        = "postgresql.pid"
	creationScriptName = "creation-script.sql"
)

// ProvisioningContext is the path layout of one run. It is a value: a
// relocation produces a new context instead of mutating the old one, so a
// step that captured a context keeps seeing consistent paths.
type ProvisioningContext struct {
	Release packages.Release `json:"release"`

	// InstallDir holds bin/, a link to the directory with the server
	// binaries.
	InstallDir string `json:"install_dir"`

	// RunDir holds the data directory, log, pid and configuration files.
	RunDir string `json:"run_dir"`

	// AltRoot is the service-account owned tree used when InstallDir is not
	// accessible to the service account.
	AltRoot string `json:"alt_root"`

	// ServiceUser is the account the server runs as.
	ServiceUser string `json:"service_user"`
}

// DataDir is the database storage area.
func (pc ProvisioningContext) DataDir() string { return path.Join(pc.RunDir, dataDirName) }

// LogFile is the server log.
func (pc ProvisioningContext) LogFile() string { return path.Join(pc.RunDir, logFileName) }

// PidFile is the external pid file the server writes.
func (pc ProvisioningContext) PidFile() string { return path.Join(pc.RunDir, pidFileName) }

// RunFile returns the path of name inside the run directory.
func (pc ProvisioningContext) RunFile(name string) string { return path.Join(pc.RunDir, name) }

// Bin returns the path of a server binary.
func (pc ProvisioningContext) Bin(name string) string {
	return path.Join(pc.InstallDir, "bin", name)
}

// AltInstallDir is where the install tree is moved when relocating.
func (pc ProvisioningContext) AltInstallDir() string {
	return path.Join(pc.AltRoot, "install", pc.Release.MajorMinor)
}

// AltRunDir is the run directory used after relocating.
func (pc ProvisioningContext) AltRunDir(app, entity string) string {
	return path.Join(pc.AltRoot, "apps", app, entity)
}

// CandidateBinaryPaths lists the directories that may already hold the
// control tool, most version specific first.
func (pc ProvisioningContext) CandidateBinaryPaths() []string {
	mm, short := pc.Release.MajorMinor, pc.Release.Short
	return []string{
		path.Join(pc.AltInstallDir(), "bin"),
		"/usr/lib/postgresql/" + mm + "/bin",
		"/opt/local/lib/postgresql" + short + "/bin",
		"/usr/pgsql-" + mm + "/bin",
		"/usr/local/bin",
		"/usr/bin",
		"/bin",
	}
}

// Relocation is the outcome of moving the install tree into the alternate
// root. It is produced at most once per install.
type Relocation struct {
	InstallDir string `json:"install_dir"`
	RunDir     string `json:"run_dir"`

	// Moved is false when the alternate root was already set up and the
	// negotiator only switched paths.
	Moved bool `json:"moved"`
}

// Apply returns the context with the relocation applied. A nil relocation
// returns the context unchanged.
func (pc ProvisioningContext) Apply(r *Relocation) ProvisioningContext {
	if r == nil {
		return pc
	}
	pc.InstallDir = r.InstallDir
	pc.RunDir = r.RunDir
	return pc
}
