package config

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/openfroyo/pgprovision/pkg/packages"
	"github.com/openfroyo/pgprovision/pkg/roles"
	"github.com/openfroyo/pgprovision/pkg/transports/ssh"
)

// Loader parses node configuration files written in CUE or YAML, fills in
// schema defaults and validates the result.
type Loader struct {
	ctx       *cue.Context
	schemas   *SchemaRegistry
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewLoader creates a new configuration loader.
func NewLoader(logger zerolog.Logger) *Loader {
	ctx := cuecontext.New()

	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	_ = v.RegisterValidation("duration", func(fl validator.FieldLevel) bool {
		_, err := time.ParseDuration(fl.Field().String())
		return err == nil
	})

	return &Loader{
		ctx:       ctx,
		schemas:   NewSchemaRegistry(ctx),
		validator: v,
		logger:    logger.With().Str("component", "config").Logger(),
	}
}

// Load reads and parses the configuration file at path.
func (l *Loader) Load(ctx context.Context, path string) (*NodeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return l.Parse(ctx, path, data)
}

// Parse parses configuration content. The format is chosen by the file
// extension: .yaml and .yml are YAML, everything else is CUE.
func (l *Loader) Parse(_ context.Context, filename string, data []byte) (*NodeConfig, error) {
	var val cue.Value
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		doc, err := yamlToJSON(data)
		if err != nil {
			return nil, ValidationErrors{{File: filename, Message: err.Error()}}
		}
		val = l.ctx.CompileBytes(doc, cue.Filename(filename))
	default:
		val = l.ctx.CompileBytes(data, cue.Filename(filename))
	}
	if err := val.Err(); err != nil {
		return nil, convertCUEErrors(err)
	}

	node, err := l.schemas.Definition("node", "#Node")
	if err != nil {
		return nil, err
	}

	unified := node.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, convertCUEErrors(err)
	}

	raw, err := unified.MarshalJSON()
	if err != nil {
		return nil, convertCUEErrors(err)
	}

	var cfg NodeConfig
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, ValidationErrors{{File: filename, Message: err.Error()}}
	}

	if errs := l.validate(&cfg); len(errs) > 0 {
		for i := range errs {
			errs[i].File = filename
		}
		return nil, errs
	}

	l.logger.Debug().
		Str("file", filename).
		Str("entity", cfg.Entity).
		Str("host", cfg.Target.Host).
		Int("roles", len(cfg.Roles)).
		Msg("Configuration loaded")

	return &cfg, nil
}

// validate runs the struct tag checks and the checks that need the
// provisioning packages. Everything a run would reject before touching the
// host is reported here.
func (l *Loader) validate(cfg *NodeConfig) ValidationErrors {
	var errs ValidationErrors

	if err := l.validator.Struct(cfg); err != nil {
		if fieldErrs, ok := err.(validator.ValidationErrors); ok {
			for _, fe := range fieldErrs {
				errs = append(errs, ValidationError{
					Path:    strings.TrimPrefix(fe.Namespace(), "NodeConfig."),
					Message: fmt.Sprintf("failed %q check", fe.Tag()),
				})
			}
		} else {
			errs = append(errs, ValidationError{Message: err.Error()})
		}
	}

	if _, err := packages.ParseRelease(cfg.Postgres.Version); err != nil {
		errs = append(errs, ValidationError{Path: "postgres.version", Message: err.Error()})
	}

	if _, err := roles.BuildCreateRolesQuery(cfg.Roles); err != nil {
		errs = append(errs, ValidationError{Path: "roles", Message: err.Error()})
	}

	if cfg.Database.Name != "" {
		if _, err := roles.ValidateInput(cfg.Database.Name, "database name"); err != nil {
			errs = append(errs, ValidationError{Path: "database.name", Message: err.Error()})
		}
	}
	if cfg.Database.Username != "" {
		if _, err := roles.ValidateInput(cfg.Database.Username, "username"); err != nil {
			errs = append(errs, ValidationError{Path: "database.username", Message: err.Error()})
		}
	}

	return errs
}

// convertCUEErrors converts CUE errors to ValidationErrors.
func convertCUEErrors(err error) ValidationErrors {
	var validationErrors ValidationErrors

	for _, e := range errors.Errors(err) {
		ve := ValidationError{
			Path:    strings.Join(e.Path(), "."),
			Message: errors.Details(e, nil),
		}
		if pos := errors.Positions(e); len(pos) > 0 {
			ve.File = pos[0].Filename()
			ve.Line = pos[0].Line()
			ve.Column = pos[0].Column()
		}
		validationErrors = append(validationErrors, ve)
	}

	if len(validationErrors) == 0 {
		validationErrors = append(validationErrors, ValidationError{Message: err.Error()})
	}
	return validationErrors
}

// ToSSHConfig builds the transport configuration for the target.
func (c *NodeConfig) ToSSHConfig() *ssh.Config {
	t := c.Target
	sc := ssh.DefaultConfig(t.Host, t.User)
	sc.Port = t.Port
	sc.AuthMethod = ssh.AuthMethod(t.Auth)
	sc.Password = t.Password
	if t.PrivateKey != "" {
		sc.PrivateKeyPath = t.PrivateKey
	}
	sc.PrivateKeyPassphrase = t.Passphrase
	sc.SudoPassword = t.SudoPassword
	if t.KnownHosts != "" {
		sc.KnownHostsPath = t.KnownHosts
	}
	sc.StrictHostKeyChecking = t.StrictHostKeyChecking
	if d := t.ConnectTimeoutDuration(); d > 0 {
		sc.ConnectionTimeout = d
	}
	if d := t.CommandTimeoutDuration(); d > 0 {
		sc.CommandTimeout = d
	}

	if p := t.Proxy; p != nil {
		sc.ProxyHost = p.Host
		sc.ProxyPort = p.Port
		sc.ProxyUser = p.User
		sc.ProxyAuthMethod = ssh.AuthMethod(p.Auth)
		sc.ProxyPassword = p.Password
		sc.ProxyPrivateKeyPath = p.PrivateKey
	}

	return sc
}
