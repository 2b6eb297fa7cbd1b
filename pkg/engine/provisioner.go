package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/pgprovision/pkg/packages"
	"github.com/openfroyo/pgprovision/pkg/pgconf"
	"github.com/openfroyo/pgprovision/pkg/policy"
	"github.com/openfroyo/pgprovision/pkg/roles"
	"github.com/openfroyo/pgprovision/pkg/stores"
	"github.com/openfroyo/pgprovision/pkg/telemetry"
	"github.com/openfroyo/pgprovision/pkg/transports"
)

// Defaults for Options fields left zero.
const (
	DefaultApp            = "pgprov"
	DefaultPort           = 5432
	DefaultMaxConnections = 100
	DefaultSharedBuffers  = "128MB"
	DefaultServiceUser    = "postgres"
	DefaultAltRoot        = "/opt/pgprovision/postgres"
)

// Options is the declared intent for one node.
type Options struct {
	App     string
	Entity  string
	Version string

	Port           int
	MaxConnections int
	SharedBuffers  string
	ServiceUser    string

	DisconnectOnStop bool
	InitializeDB     bool

	// CreationScript is run verbatim; CreationScriptURL is rendered as a
	// template. At most one is set.
	CreationScript    string
	CreationScriptURL string

	ServerConfigTemplate  string
	AccessControlTemplate string
	StrictAccess          bool

	// InstallDir and RunDir default to directories under the connecting
	// user's home.
	InstallDir string
	RunDir     string
	AltRoot    string

	Roles roles.Declarations
	Extra map[string]string
}

func (o *Options) applyDefaults() {
	if o.App == "" {
		o.App = DefaultApp
	}
	if o.Port == 0 {
		o.Port = DefaultPort
	}
	if o.MaxConnections == 0 {
		o.MaxConnections = DefaultMaxConnections
	}
	if o.SharedBuffers == "" {
		o.SharedBuffers = DefaultSharedBuffers
	}
	if o.ServiceUser == "" {
		o.ServiceUser = DefaultServiceUser
	}
	if o.AltRoot == "" {
		o.AltRoot = DefaultAltRoot
	}
}

// Dependencies are the collaborators a Provisioner drives.
type Dependencies struct {
	// Adapter runs commands on the target host. Required.
	Adapter transports.Adapter

	// Attributes holds declared values and sensors for the node. Required.
	Attributes Attributes

	// Store records run history. Optional.
	Store stores.Store

	// Policy reviews access control content before it is written.
	// Optional.
	Policy *policy.Engine

	// Renderer renders configuration templates. Required only when a
	// template is configured.
	Renderer pgconf.Renderer

	// Telemetry defaults to telemetry.Noop().
	Telemetry *telemetry.Telemetry

	// Host labels logs and spans.
	Host string
}

// Provisioner drives one database node through its lifecycle. It is not
// safe for concurrent use; callers must not run two operations against the
// same node at once.
type Provisioner struct {
	opts    Options
	release packages.Release
	deps    Dependencies

	materializer *pgconf.Materializer
	tel          *telemetry.Telemetry
	logger       zerolog.Logger
}

// NewProvisioner validates opts and returns a Provisioner. Role
// declarations are built once here so invalid input fails before any
// command is sent.
func NewProvisioner(opts Options, deps Dependencies) (*Provisioner, error) {
	opts.applyDefaults()

	if deps.Adapter == nil || deps.Attributes == nil {
		return nil, newError(ErrorClassPermanent, "init", "adapter and attributes are required", nil)
	}
	if opts.Entity == "" {
		return nil, newError(ErrorClassValidation, "init", "entity is required", nil)
	}

	release, err := packages.ParseRelease(opts.Version)
	if err != nil {
		return nil, newError(ErrorClassValidation, "init", "invalid version", err)
	}
	if _, err := roles.BuildCreateRolesQuery(opts.Roles); err != nil {
		return nil, newError(ErrorClassValidation, "init", "invalid roles", err)
	}
	if opts.CreationScript != "" && opts.CreationScriptURL != "" {
		return nil, newError(ErrorClassValidation, "init", "creation script and creation script URL are exclusive", nil)
	}

	tel := deps.Telemetry
	if tel == nil {
		tel = telemetry.Noop()
	}

	logger := tel.Logger.WithEntity(opts.Entity, deps.Host).Zerolog()

	return &Provisioner{
		opts:         opts,
		release:      release,
		deps:         deps,
		materializer: pgconf.NewMaterializer(deps.Renderer),
		tel:          tel,
		logger:       logger,
	}, nil
}

// State returns the persisted lifecycle state. It never writes.
func (p *Provisioner) State(ctx context.Context) (State, error) {
	v, ok, err := p.deps.Attributes.Sensor(ctx, KeyState)
	if err != nil {
		return "", newError(ErrorClassPermanent, "state", "failed to read state", err)
	}
	if !ok || v == "" {
		return StateUninstalled, nil
	}
	s := State(v)
	if err := s.Validate(); err != nil {
		return "", newError(ErrorClassPermanent, "state", "", err)
	}
	return s, nil
}

// Context returns the path layout persisted by the last successful
// install.
func (p *Provisioner) Context(ctx context.Context) (ProvisioningContext, error) {
	installDir, ok1, err := p.deps.Attributes.Sensor(ctx, KeyInstallDir)
	if err != nil {
		return ProvisioningContext{}, err
	}
	runDir, ok2, err := p.deps.Attributes.Sensor(ctx, KeyRunDir)
	if err != nil {
		return ProvisioningContext{}, err
	}
	if !ok1 || !ok2 {
		return ProvisioningContext{}, fmt.Errorf("no install recorded for %s", p.opts.Entity)
	}
	return p.newContext(installDir, runDir), nil
}

func (p *Provisioner) newContext(installDir, runDir string) ProvisioningContext {
	return ProvisioningContext{
		Release:     p.release,
		InstallDir:  installDir,
		RunDir:      runDir,
		AltRoot:     p.opts.AltRoot,
		ServiceUser: p.opts.ServiceUser,
	}
}

// initialContext derives the pre-negotiation layout. Unset directories go
// under the connecting user's home.
func (p *Provisioner) initialContext(home string) ProvisioningContext {
	if home == "" {
		home = "/tmp"
	}
	installDir := p.opts.InstallDir
	if installDir == "" {
		installDir = path.Join(home, "pgprovision", "installs", "postgresql-"+p.release.Version)
	}
	runDir := p.opts.RunDir
	if runDir == "" {
		runDir = path.Join(home, "pgprovision", "apps", p.opts.App, p.opts.Entity)
	}
	return p.newContext(installDir, runDir)
}

// transition is one recorded state machine operation.
type transition struct {
	op     Operation
	from   State
	run    *stores.Run
	ic     *telemetry.InstrumentedContext
	logger zerolog.Logger
}

// begin checks that op may start, records the run and moves the node into
// the operation's in-progress state.
func (p *Provisioner) begin(ctx context.Context, op Operation) (*transition, error) {
	from, err := p.State(ctx)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(op, from); err != nil {
		return nil, err
	}

	ic := p.tel.StartTransition(ctx, p.opts.Entity, string(op), string(from))
	tr := &transition{
		op:   op,
		from: from,
		ic:   ic,
		run: &stores.Run{
			ID:        uuid.New().String(),
			EntityID:  p.opts.Entity,
			Operation: string(op),
			Status:    stores.RunStatusRunning,
			FromState: string(from),
			StartedAt: time.Now(),
		},
	}
	tr.logger = p.logger.With().Str("run_id", tr.run.ID).Str("operation", string(op)).Logger()

	if meta, err := json.Marshal(map[string]string{"version": p.release.Version, "host": p.deps.Host}); err == nil {
		tr.run.Metadata = string(meta)
	}
	if p.deps.Store != nil {
		if err := p.deps.Store.CreateRun(ic.Ctx, tr.run); err != nil {
			ic.End(string(from), err)
			return nil, newError(ErrorClassPermanent, string(op), "failed to record run", err)
		}
	}

	if s, ok := transient[op]; ok {
		if err := p.setState(ic.Ctx, s); err != nil {
			p.finish(tr, err)
			return nil, err
		}
	}

	tr.logger.Info().Str("from", string(from)).Msg("Transition started")
	if from.IsTransitional() {
		tr.logger.Warn().Str("from", string(from)).Msg("Previous run was interrupted")
		p.event(tr, stores.EventLevelWarning, "previous run was interrupted", map[string]any{"state": string(from)})
	}
	return tr, nil
}

// finish records the outcome of a transition. Failed installs and
// customizations leave the node failed; other failures keep the state the
// operation started from.
func (p *Provisioner) finish(tr *transition, err error) error {
	ctx := tr.ic.Ctx
	to := target[tr.op]
	status := stores.RunStatusCompleted
	var errMsg *string

	if err != nil {
		status = stores.RunStatusFailed
		msg := err.Error()
		errMsg = &msg
		to = tr.from
		if _, ok := transient[tr.op]; ok {
			to = StateFailed
		}
		tr.ic.Span.SetAttributes(telemetry.AttrErrorClass.String(string(ClassOf(err))))
	}

	if serr := p.setState(ctx, to); serr != nil && err == nil {
		err = serr
		status = stores.RunStatusFailed
		msg := err.Error()
		errMsg = &msg
	}

	if p.deps.Store != nil {
		if ferr := p.deps.Store.FinishRun(context.WithoutCancel(ctx), tr.run.ID, status, string(to), errMsg); ferr != nil {
			tr.logger.Warn().Err(ferr).Msg("Failed to record run outcome")
		}
	}

	tr.ic.End(string(to), err)
	if err != nil {
		tr.logger.Error().Err(err).Str("class", string(ClassOf(err))).Str("to", string(to)).Msg("Transition failed")
	} else {
		tr.logger.Info().Str("to", string(to)).Msg("Transition completed")
	}
	return err
}

func (p *Provisioner) setState(ctx context.Context, s State) error {
	if err := p.deps.Attributes.SetSensor(context.WithoutCancel(ctx), KeyState, string(s)); err != nil {
		return newError(ErrorClassPermanent, "state", "failed to persist state", err)
	}
	return nil
}

// event appends a line to the run history.
func (p *Provisioner) event(tr *transition, level stores.EventLevel, msg string, details map[string]any) {
	if p.deps.Store == nil || tr == nil {
		return
	}
	ev := &stores.Event{RunID: tr.run.ID, Level: level, Message: msg, Timestamp: time.Now()}
	if len(details) > 0 {
		if b, err := json.Marshal(details); err == nil {
			s := string(b)
			ev.Details = &s
		}
	}
	if err := p.deps.Store.AppendEvent(context.WithoutCancel(tr.ic.Ctx), ev); err != nil {
		tr.logger.Warn().Err(err).Msg("Failed to record event")
	}
}

// exec runs one command through the adapter with a span, metrics, a debug
// log line and a run event. Errors are classified.
func (p *Provisioner) exec(ctx context.Context, tr *transition, cmd transports.Command) (transports.Result, error) {
	spanCtx, span := p.tel.Tracer.StartCommandSpan(ctx, cmd.Summary, cmd.AsUser, cmd.Escalate)
	defer span.End()

	timer := telemetry.NewTimer()
	res, err := p.deps.Adapter.Run(spanCtx, cmd)
	dur := timer.Duration()

	outcome := "success"
	switch {
	case err != nil && transports.ExitCode(err) >= 0:
		outcome = "failure"
		res.ExitCode = transports.ExitCode(err)
	case err != nil:
		outcome = "error"
	case res.ExitCode != 0:
		outcome = "tolerated"
	}
	p.tel.Metrics.RecordCommand(outcome, cmd.Escalate, dur)
	span.SetAttributes(telemetry.AttrCommandExit.Int(res.ExitCode))

	logger := p.logger
	if tr != nil {
		logger = tr.logger
	}
	logger.Debug().
		Str("summary", cmd.Summary).
		Str("as_user", cmd.AsUser).
		Bool("escalate", cmd.Escalate).
		Int("exit_code", res.ExitCode).
		Dur("duration", dur).
		Msg("Remote command finished")

	level := stores.EventLevelDebug
	if err != nil {
		level = stores.EventLevelError
	}
	p.event(tr, level, cmd.Summary, map[string]any{"exit_code": res.ExitCode, "outcome": outcome})

	if err != nil {
		telemetry.RecordError(span, err)
		op := ""
		if tr != nil {
			op = string(tr.op)
		}
		return res, classifyRun(op, cmd.Summary, err)
	}
	telemetry.RecordSuccess(span)
	return res, nil
}

// runner adapts exec for a command queue bound to tr.
func (p *Provisioner) runner(tr *transition) runFunc {
	return func(ctx context.Context, cmd transports.Command) (transports.Result, error) {
		return p.exec(ctx, tr, cmd)
	}
}

// Provision installs, customizes and launches the node.
func (p *Provisioner) Provision(ctx context.Context) error {
	if err := p.Install(ctx); err != nil {
		return err
	}
	if err := p.Customize(ctx); err != nil {
		return err
	}
	return p.Launch(ctx)
}
