package engine

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"

	"github.com/openfroyo/pgprovision/pkg/roles"
)

// Credential defaults.
const (
	DefaultDatabaseName   = "db"
	DefaultAdminUsername  = "postgresqluser"
	generatedPasswordSize = 16
)

// Attribute keys for declared values and sensors.
const (
	KeyDatabase       = "database"
	KeyUsername       = "username"
	KeyPassword       = "password"
	KeyState          = "state"
	KeyInstallDir     = "install_dir"
	KeyRunDir         = "run_dir"
	KeyOSName         = "os.name"
	KeyOSVersion      = "os.version"
	KeyOSArch         = "os.arch"
	KeyPackageManager = "os.package_manager"
	KeyHome           = "home"
)

// Attributes is the per-node key/value store: declared configuration plus
// sensors remembered across runs.
type Attributes interface {
	EntityID() string
	Config(key string) (string, bool)
	Sensor(ctx context.Context, key string) (string, bool, error)
	SetSensor(ctx context.Context, key, value string) error
	GetOrSetSensor(ctx context.Context, key, def string) (string, error)
}

// ServerCredentials are the admin account and database created when the
// database is initialized. They are resolved once per run.
type ServerCredentials struct {
	DatabaseName  string `json:"database_name"`
	AdminUsername string `json:"admin_username"`
	AdminPassword string `json:"-"`
}

// ResolveCredentials resolves each credential from its declared value, then
// from the sensor remembered by an earlier run, then from its default. A
// default is stored as a sensor so later runs see the same value. Names are
// validated before they are returned.
func ResolveCredentials(ctx context.Context, attrs Attributes) (ServerCredentials, error) {
	var creds ServerCredentials
	var err error

	if creds.DatabaseName, err = resolve(ctx, attrs, KeyDatabase, func() (string, error) {
		return DefaultDatabaseName, nil
	}); err != nil {
		return ServerCredentials{}, err
	}
	if creds.AdminUsername, err = resolve(ctx, attrs, KeyUsername, func() (string, error) {
		return DefaultAdminUsername, nil
	}); err != nil {
		return ServerCredentials{}, err
	}
	if creds.AdminPassword, err = resolve(ctx, attrs, KeyPassword, func() (string, error) {
		return randomPassword(generatedPasswordSize)
	}); err != nil {
		return ServerCredentials{}, err
	}

	if _, err := roles.ValidateInput(creds.DatabaseName, "database name"); err != nil {
		return ServerCredentials{}, err
	}
	if _, err := roles.ValidateInput(creds.AdminUsername, "username"); err != nil {
		return ServerCredentials{}, err
	}
	return creds, nil
}

func resolve(ctx context.Context, attrs Attributes, key string, def func() (string, error)) (string, error) {
	if v, ok := attrs.Config(key); ok {
		return v, nil
	}
	if v, ok, err := attrs.Sensor(ctx, key); err != nil {
		return "", fmt.Errorf("failed to read %s: %w", key, err)
	} else if ok && v != "" {
		return v, nil
	}

	value, err := def()
	if err != nil {
		return "", err
	}
	// another process may have stored a value in between
	stored, err := attrs.GetOrSetSensor(ctx, key, value)
	if err != nil {
		return "", fmt.Errorf("failed to store %s: %w", key, err)
	}
	return stored, nil
}

const passwordAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

func randomPassword(n int) (string, error) {
	var b strings.Builder
	limit := big.NewInt(int64(len(passwordAlphabet)))
	for i := 0; i < n; i++ {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("failed to generate password: %w", err)
		}
		b.WriteByte(passwordAlphabet[idx.Int64()])
	}
	return b.String(), nil
}

// escapeSQL doubles single quotes for use inside a SQL string literal.
func escapeSQL(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
