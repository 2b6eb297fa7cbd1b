package ssh

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
)

// AuthMethod represents the type of SSH authentication.
type AuthMethod string

const (
	// AuthMethodPassword uses password authentication
	AuthMethodPassword AuthMethod = "password"

	// AuthMethodKey uses private key authentication
	AuthMethodKey AuthMethod = "key"

	// AuthMethodAgent uses the agent listening on SSH_AUTH_SOCK
	AuthMethodAgent AuthMethod = "agent"
)

// Config holds the connection settings for one target host.
type Config struct {
	// Host is the remote hostname or IP address
	Host string

	// Port is the SSH port (default: 22)
	Port int

	// User is the administrative account provisioning commands run as
	User string

	// AuthMethod specifies which authentication method to use
	AuthMethod AuthMethod

	// Password for password-based authentication
	Password string

	// PrivateKeyPath is the path to the private key file
	PrivateKeyPath string

	// PrivateKeyPassphrase is the passphrase for encrypted private keys
	PrivateKeyPassphrase string

	// SudoPassword is fed to sudo on stdin when escalating. Empty means
	// sudo must not prompt (NOPASSWD).
	SudoPassword string

	// KnownHostsPath is the path to the known_hosts file
	KnownHostsPath string

	// StrictHostKeyChecking rejects hosts missing from KnownHostsPath
	StrictHostKeyChecking bool

	// ConnectionTimeout is the timeout for establishing a connection
	ConnectionTimeout time.Duration

	// CommandTimeout bounds a single Run when the caller's context has no
	// deadline
	CommandTimeout time.Duration

	// KeepAliveInterval is the interval for sending keep-alive messages
	// Set to 0 to disable keep-alive
	KeepAliveInterval time.Duration

	// MaxKeepAliveRetries is the maximum number of keep-alive retries before giving up
	MaxKeepAliveRetries int

	// ProxyHost is the hostname of a jump host (optional)
	ProxyHost string

	// ProxyPort is the port of the proxy host
	ProxyPort int

	// ProxyUser is the username for the proxy host
	ProxyUser string

	// ProxyAuthMethod is the authentication method for the proxy
	ProxyAuthMethod AuthMethod

	// ProxyPassword is the password for proxy authentication
	ProxyPassword string

	// ProxyPrivateKeyPath is the path to the proxy's private key
	ProxyPrivateKeyPath string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(host string, user string) *Config {
	return &Config{
		Host:                  host,
		Port:                  22,
		User:                  user,
		AuthMethod:            AuthMethodKey,
		KnownHostsPath:        filepath.Join(os.Getenv("HOME"), ".ssh", "known_hosts"),
		StrictHostKeyChecking: true,
		ConnectionTimeout:     30 * time.Second,
		CommandTimeout:        30 * time.Minute,
		MaxKeepAliveRetries:   3,
		ProxyPort:             22,
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Port)
	}

	if c.User == "" {
		return fmt.Errorf("user is required")
	}

	switch c.AuthMethod {
	case AuthMethodPassword:
		if c.Password == "" {
			return fmt.Errorf("password is required for password authentication")
		}
	case AuthMethodKey:
		if c.PrivateKeyPath == "" {
			c.PrivateKeyPath = findDefaultKey()
			if c.PrivateKeyPath == "" {
				return fmt.Errorf("private key path is required for key authentication and no default key found")
			}
		}
		if _, err := os.Stat(c.PrivateKeyPath); os.IsNotExist(err) {
			return fmt.Errorf("private key file not found: %s", c.PrivateKeyPath)
		}
	case AuthMethodAgent:
		if os.Getenv("SSH_AUTH_SOCK") == "" {
			return fmt.Errorf("agent authentication requires SSH_AUTH_SOCK")
		}
	default:
		return fmt.Errorf("unsupported auth method: %s", c.AuthMethod)
	}

	if c.ConnectionTimeout <= 0 {
		return fmt.Errorf("connection timeout must be positive")
	}

	if c.CommandTimeout <= 0 {
		return fmt.Errorf("command timeout must be positive")
	}

	if c.ProxyHost != "" {
		if c.ProxyPort <= 0 || c.ProxyPort > 65535 {
			return fmt.Errorf("invalid proxy port: %d", c.ProxyPort)
		}
		if c.ProxyUser == "" {
			return fmt.Errorf("proxy user is required when proxy host is specified")
		}
	}

	return nil
}

func findDefaultKey() string {
	homeDir := os.Getenv("HOME")
	for _, name := range []string{"id_ed25519", "id_rsa", "id_ecdsa"} {
		keyPath := filepath.Join(homeDir, ".ssh", name)
		if _, err := os.Stat(keyPath); err == nil {
			return keyPath
		}
	}
	return ""
}

// BuildSSHClientConfig creates an ssh.ClientConfig from the Config.
func (c *Config) BuildSSHClientConfig() (*ssh.ClientConfig, error) {
	var authMethods []ssh.AuthMethod

	switch c.AuthMethod {
	case AuthMethodPassword:
		authMethods = append(authMethods, ssh.Password(c.Password))

		// many servers only offer keyboard-interactive for passwords
		authMethods = append(authMethods, ssh.KeyboardInteractive(
			func(user, instruction string, questions []string, echos []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = c.Password
				}
				return answers, nil
			},
		))

	case AuthMethodKey:
		keyBytes, err := os.ReadFile(c.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read private key: %w", err)
		}

		var signer ssh.Signer
		if c.PrivateKeyPassphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase(keyBytes, []byte(c.PrivateKeyPassphrase))
		} else {
			signer, err = ssh.ParsePrivateKey(keyBytes)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}

		authMethods = append(authMethods, ssh.PublicKeys(signer))

	case AuthMethodAgent:
		conn, err := net.Dial("unix", os.Getenv("SSH_AUTH_SOCK"))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to ssh agent: %w", err)
		}
		authMethods = append(authMethods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
	}

	var hostKeyCallback ssh.HostKeyCallback
	if c.KnownHostsPath != "" && c.StrictHostKeyChecking {
		var err error
		hostKeyCallback, err = knownhosts.New(c.KnownHostsPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load known_hosts: %w", err)
		}
	} else {
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	}

	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            authMethods,
		HostKeyCallback: hostKeyCallback,
		Timeout:         c.ConnectionTimeout,
	}, nil
}

// Address returns the formatted SSH address (host:port).
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, fmt.Sprint(c.Port))
}

// ProxyAddress returns the formatted proxy address (host:port).
func (c *Config) ProxyAddress() string {
	if c.ProxyHost == "" {
		return ""
	}
	return net.JoinHostPort(c.ProxyHost, fmt.Sprint(c.ProxyPort))
}

// IsProxyEnabled returns true if a jump host is configured.
func (c *Config) IsProxyEnabled() bool {
	return c.ProxyHost != ""
}

// proxyConfig derives the jump host connection settings.
func (c *Config) proxyConfig() *Config {
	return &Config{
		Host:                  c.ProxyHost,
		Port:                  c.ProxyPort,
		User:                  c.ProxyUser,
		AuthMethod:            c.ProxyAuthMethod,
		Password:              c.ProxyPassword,
		PrivateKeyPath:        c.ProxyPrivateKeyPath,
		ConnectionTimeout:     c.ConnectionTimeout,
		CommandTimeout:        c.CommandTimeout,
		StrictHostKeyChecking: c.StrictHostKeyChecking,
		KnownHostsPath:        c.KnownHostsPath,
	}
}
