package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/pgprovision/pkg/roles"
)

// NodeConfig is the declared intent for one database node.
type NodeConfig struct {
	// Entity identifies the node. It names the run directory and keys every
	// sensor kept for the node.
	Entity string `json:"entity" validate:"required,max=64"`

	// App groups nodes; it is part of the relocated run directory.
	App string `json:"app" validate:"required,max=64"`

	// Target is how the host is reached.
	Target TargetConfig `json:"target"`

	// Postgres holds the server settings.
	Postgres PostgresConfig `json:"postgres"`

	// Database holds the declared credentials. Blank values are generated
	// or defaulted on first use and then remembered.
	Database DatabaseConfig `json:"database"`

	// Roles are created after the admin user and database, in order.
	Roles roles.Declarations `json:"roles,omitempty"`

	// Templates replace the synthesized configuration files.
	Templates TemplatesConfig `json:"templates"`

	// Access controls the access control review.
	Access AccessConfig `json:"access"`

	// Paths overrides the directory layout on the host.
	Paths PathsConfig `json:"paths"`

	// Extra is passed through to configuration templates.
	Extra map[string]string `json:"extra,omitempty"`
}

// TargetConfig describes the SSH connection to the host.
type TargetConfig struct {
	Host                  string       `json:"host" validate:"required,hostname_rfc1123|ip"`
	Port                  int          `json:"port" validate:"min=1,max=65535"`
	User                  string       `json:"user" validate:"required"`
	Auth                  string       `json:"auth" validate:"oneof=key password agent"`
	Password              string       `json:"password,omitempty" validate:"required_if=Auth password"`
	PrivateKey            string       `json:"private_key,omitempty"`
	Passphrase            string       `json:"passphrase,omitempty"`
	SudoPassword          string       `json:"sudo_password,omitempty"`
	KnownHosts            string       `json:"known_hosts,omitempty"`
	StrictHostKeyChecking bool         `json:"strict_host_key_checking"`
	ConnectTimeout        string       `json:"connect_timeout" validate:"duration"`
	CommandTimeout        string       `json:"command_timeout" validate:"duration"`
	Proxy                 *ProxyConfig `json:"proxy,omitempty"`
}

// ProxyConfig is an optional jump host.
type ProxyConfig struct {
	Host       string `json:"host" validate:"required,hostname_rfc1123|ip"`
	Port       int    `json:"port" validate:"min=1,max=65535"`
	User       string `json:"user" validate:"required"`
	Auth       string `json:"auth" validate:"oneof=key password agent"`
	Password   string `json:"password,omitempty" validate:"required_if=Auth password"`
	PrivateKey string `json:"private_key,omitempty"`
}

// PostgresConfig holds the server settings.
type PostgresConfig struct {
	// Version is the packaging version, e.g. "9.6-1".
	Version string `json:"version" validate:"required"`

	Port           int    `json:"port" validate:"min=1,max=65535"`
	MaxConnections int    `json:"max_connections" validate:"min=1"`
	SharedBuffers  string `json:"shared_buffers" validate:"required"`

	// ServiceUser is the account the server runs as.
	ServiceUser string `json:"service_user" validate:"required"`

	// DisconnectOnStop stops in immediate mode instead of waiting for
	// clients to disconnect.
	DisconnectOnStop bool `json:"disconnect_on_stop"`

	// InitializeDB creates the admin user, the database and the roles.
	InitializeDB bool `json:"initialize_db"`

	// CreationScript is SQL run once after initialization.
	CreationScript string `json:"creation_script,omitempty"`

	// CreationScriptURL is a template rendered into the creation script.
	CreationScriptURL string `json:"creation_script_url,omitempty" validate:"excluded_with=CreationScript"`
}

// DatabaseConfig holds declared credentials.
type DatabaseConfig struct {
	Name     string `json:"name,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// TemplatesConfig points at user templates for the configuration files.
type TemplatesConfig struct {
	ServerConfig  string `json:"server_config,omitempty"`
	AccessControl string `json:"access_control,omitempty"`
}

// AccessConfig tunes the access control review.
type AccessConfig struct {
	// StrictAccess turns the open password rule warning into an error.
	StrictAccess bool `json:"strict_access"`

	// PolicyPaths are extra .rego or .json policies.
	PolicyPaths []string `json:"policy_paths" validate:"dive,required"`
}

// PathsConfig overrides the host directory layout.
type PathsConfig struct {
	InstallDir string `json:"install_dir,omitempty" validate:"omitempty,startswith=/"`
	RunDir     string `json:"run_dir,omitempty" validate:"omitempty,startswith=/"`
	AltRoot    string `json:"alt_root" validate:"required,startswith=/"`
}

// ConnectTimeoutDuration returns the parsed connect timeout.
func (t TargetConfig) ConnectTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(t.ConnectTimeout)
	return d
}

// CommandTimeoutDuration returns the parsed command timeout.
func (t TargetConfig) CommandTimeoutDuration() time.Duration {
	d, _ := time.ParseDuration(t.CommandTimeout)
	return d
}

// ValidationError represents a validation error with location information.
type ValidationError struct {
	// File is the source file path.
	File string `json:"file,omitempty"`

	// Line is the line number (1-indexed).
	Line int `json:"line,omitempty"`

	// Column is the column number (1-indexed).
	Column int `json:"column,omitempty"`

	// Path is the field path to the error (e.g., "target.port").
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`
}

func (e ValidationError) String() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}

// ValidationErrors is returned when a configuration is syntactically or
// semantically invalid.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	switch len(e) {
	case 0:
		return "invalid configuration"
	case 1:
		return "invalid configuration: " + e[0].String()
	}
	msgs := make([]string, len(e))
	for i, ve := range e {
		msgs[i] = ve.String()
	}
	return fmt.Sprintf("invalid configuration (%d errors): %s", len(e), strings.Join(msgs, "; "))
}
