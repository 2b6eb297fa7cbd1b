package commands

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/pgprovision/pkg/config"
	"github.com/openfroyo/pgprovision/pkg/engine"
	"github.com/openfroyo/pgprovision/pkg/pgconf"
	"github.com/openfroyo/pgprovision/pkg/policy"
	"github.com/openfroyo/pgprovision/pkg/stores"
	"github.com/openfroyo/pgprovision/pkg/telemetry"
	"github.com/openfroyo/pgprovision/pkg/transports/ssh"
)

const shutdownTimeout = 5 * time.Second

// node bundles everything one command needs to act on the configured node.
type node struct {
	cfg    *config.NodeConfig
	tel    *telemetry.Telemetry
	store  *stores.SQLiteStore
	client *ssh.Client
	prov   *engine.Provisioner
}

// loadConfig reads and validates the node configuration.
func loadConfig(ctx context.Context, opts *globalOptions) (*config.NodeConfig, error) {
	cfg, err := config.NewLoader(log.Logger).Load(ctx, opts.configPath)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// openStore opens and migrates the state database.
func openStore(ctx context.Context, opts *globalOptions) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: opts.statePath})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	return store, nil
}

// openNode loads the configuration, opens the state database, connects to
// the host and builds the provisioner.
func openNode(ctx context.Context, opts *globalOptions) (_ *node, err error) {
	n := &node{}
	defer func() {
		if err != nil {
			n.Close()
		}
	}()

	if n.cfg, err = loadConfig(ctx, opts); err != nil {
		return nil, err
	}

	if n.tel, err = telemetry.NewTelemetry(opts.telemetryConfig()); err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}
	n.tel.StartMetricsServer()
	logger := n.tel.Logger.Zerolog()

	if n.store, err = openStore(ctx, opts); err != nil {
		return nil, err
	}

	policies, err := policy.NewEngine(logger)
	if err != nil {
		return nil, err
	}
	if len(n.cfg.Access.PolicyPaths) > 0 {
		if err := policies.LoadPolicies(ctx, n.cfg.Access.PolicyPaths); err != nil {
			return nil, err
		}
	}

	if n.client, err = ssh.NewClient(n.cfg.ToSSHConfig()); err != nil {
		return nil, err
	}
	if err := n.client.Connect(ctx); err != nil {
		return nil, err
	}

	attrs := stores.NewAttributes(n.store, n.cfg.Entity, map[string]string{
		engine.KeyDatabase: n.cfg.Database.Name,
		engine.KeyUsername: n.cfg.Database.Username,
		engine.KeyPassword: n.cfg.Database.Password,
	})

	n.prov, err = engine.NewProvisioner(engineOptions(n.cfg), engine.Dependencies{
		Adapter:    n.client,
		Attributes: attrs,
		Store:      n.store,
		Policy:     policies,
		Renderer:   pgconf.NewTemplateRenderer(nil),
		Telemetry:  n.tel,
		Host:       n.cfg.Target.Host,
	})
	if err != nil {
		return nil, err
	}
	return n, nil
}

// engineOptions maps the node configuration onto provisioner options.
func engineOptions(cfg *config.NodeConfig) engine.Options {
	return engine.Options{
		App:                   cfg.App,
		Entity:                cfg.Entity,
		Version:               cfg.Postgres.Version,
		Port:                  cfg.Postgres.Port,
		MaxConnections:        cfg.Postgres.MaxConnections,
		SharedBuffers:         cfg.Postgres.SharedBuffers,
		ServiceUser:           cfg.Postgres.ServiceUser,
		DisconnectOnStop:      cfg.Postgres.DisconnectOnStop,
		InitializeDB:          cfg.Postgres.InitializeDB,
		CreationScript:        cfg.Postgres.CreationScript,
		CreationScriptURL:     cfg.Postgres.CreationScriptURL,
		ServerConfigTemplate:  cfg.Templates.ServerConfig,
		AccessControlTemplate: cfg.Templates.AccessControl,
		StrictAccess:          cfg.Access.StrictAccess,
		InstallDir:            cfg.Paths.InstallDir,
		RunDir:                cfg.Paths.RunDir,
		AltRoot:               cfg.Paths.AltRoot,
		Roles:                 cfg.Roles,
		Extra:                 cfg.Extra,
	}
}

// Close releases the connection, the database and telemetry.
func (n *node) Close() {
	if n.client != nil {
		if err := n.client.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close SSH connection")
		}
	}
	if n.store != nil {
		if err := n.store.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close state database")
		}
	}
	if n.tel != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := n.tel.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to flush telemetry")
		}
	}
}

// withNode runs fn against an opened node and closes it afterwards.
func withNode(ctx context.Context, opts *globalOptions, fn func(ctx context.Context, n *node) error) error {
	n, err := openNode(ctx, opts)
	if err != nil {
		return err
	}
	defer n.Close()
	return explain(fn(ctx, n))
}

// explain adds operator guidance to errors that need it.
func explain(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, engine.ErrInvalidTransition):
		return fmt.Errorf("%w (see 'pgprov status')", err)
	case engine.IsRelocation(err):
		return fmt.Errorf("%w; inspect the install and alternate directories on the host before retrying", err)
	}

	var terr *ssh.TransportError
	if errors.As(err, &terr) {
		switch {
		case terr.IsAuthError:
			return fmt.Errorf("%w; check target.user and target.auth", err)
		case terr.Temporary():
			return fmt.Errorf("%w; the host may be unreachable, the command can be repeated", err)
		}
	}
	return err
}
