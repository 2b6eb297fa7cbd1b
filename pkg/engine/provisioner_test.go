package engine

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/openfroyo/pgprovision/pkg/packages"
	"github.com/openfroyo/pgprovision/pkg/policy"
	"github.com/openfroyo/pgprovision/pkg/roles"
	"github.com/openfroyo/pgprovision/pkg/shell"
	"github.com/openfroyo/pgprovision/pkg/stores"
	"github.com/openfroyo/pgprovision/pkg/transports"
)

const (
	homeInstallDir = "/home/deploy/pgprovision/installs/postgresql-9.3-1"
	homeRunDir     = "/home/deploy/pgprovision/apps/pgprov/db-1"
)

func TestNewProvisionerValidation(t *testing.T) {
	store := setupTestStore(t)
	attrs := stores.NewAttributes(store, "db-1", nil)
	deps := Dependencies{Adapter: newFakeAdapter(t), Attributes: attrs}

	tests := []struct {
		name string
		opts Options
	}{
		{"missing entity", Options{Version: "9.3-1"}},
		{"bad version", Options{Entity: "db-1", Version: "9.3"}},
		{"bad role", Options{Entity: "db-1", Version: "9.3-1", Roles: roles.Declarations{{Name: "x; DROP"}}}},
		{"both scripts", Options{Entity: "db-1", Version: "9.3-1", CreationScript: "SELECT 1;", CreationScriptURL: "file:///x.sql"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewProvisioner(tt.opts, deps)
			if err == nil {
				t.Fatal("expected error")
			}
			if !IsValidation(err) {
				t.Errorf("error class = %s, want validation", ClassOf(err))
			}
		})
	}

	if _, err := NewProvisioner(Options{Entity: "db-1", Version: "9.3-1"}, Dependencies{}); err == nil {
		t.Error("expected error without adapter")
	}
}

func TestInstall(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t, Options{}, nil)

	if got := n.state(t); got != StateUninstalled {
		t.Fatalf("initial state = %s", got)
	}
	if err := n.p.Install(ctx); err != nil {
		t.Fatalf("Install() error = %v", err)
	}

	if got := n.state(t); got != StateInstalled {
		t.Errorf("state = %s, want installed", got)
	}
	if got := n.sensor(t, KeyInstallDir); got != homeInstallDir {
		t.Errorf("install_dir = %s", got)
	}
	if got := n.sensor(t, KeyRunDir); got != homeRunDir {
		t.Errorf("run_dir = %s", got)
	}
	if got := n.sensor(t, KeyOSName); got != "ubuntu" {
		t.Errorf("os.name = %s", got)
	}

	sudoers, ok := n.adapter.find("allow sudo without a tty")
	if !ok || !sudoers.Escalate {
		t.Error("sudoers fix should run escalated")
	}

	install, ok := n.adapter.find("install postgresql 9.3-1")
	if !ok {
		t.Fatalf("install command not run; ran %v", n.adapter.summaries())
	}
	if !install.Escalate {
		t.Error("install should run escalated")
	}
	script := install.Script()
	for _, want := range []string{
		"mkdir -p " + homeInstallDir,
		"apt.postgresql.org",
		"postgresql-9.3",
		"rm -f bin",
		"/usr/lib/postgresql/9.3/bin/pg_ctl",
		"exit 9",
	} {
		if !strings.Contains(script, want) {
			t.Errorf("install script missing %q", want)
		}
	}

	if _, ok := n.adapter.find("move install dir"); ok {
		t.Error("accessible install dir must not be relocated")
	}
}

func TestInstallLooksForBinariesBeforeRepositorySetup(t *testing.T) {
	n := newTestNode(t, Options{}, nil)
	pc := n.p.initialContext("/home/deploy")

	tests := []struct {
		name    string
		facts   packages.OSFacts
		repo    string
		install string
	}{
		{"ubuntu", packages.OSFacts{Name: "Ubuntu", Version: "22.04", Arch: "x86_64"}, "apt-key add", "install -y --allow-unauthenticated postgresql-9.3"},
		{"centos", packages.OSFacts{Name: "CentOS Linux", Version: "7", Arch: "x86_64"}, "rpm -Uvh", "install postgresql93 postgresql93-server"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolver := packages.NewResolver(packages.NewProfile(tt.facts, zerolog.Nop()), pc.Release)
			script := installCommand(pc, resolver).Script()

			onPath := strings.Index(script, "command -v pg_ctl")
			known := strings.Index(script, "/usr/lib/postgresql/9.3/bin/pg_ctl")
			repo := strings.Index(script, tt.repo)
			install := strings.Index(script, tt.install)
			if onPath < 0 || known < 0 || repo < 0 || install < 0 {
				t.Fatalf("install script missing a step:\n%s", script)
			}
			if !(onPath < known && known < repo && repo < install) {
				t.Errorf("repository must be set up only after existing binaries were looked for:\n%s", script)
			}
			if err := shell.Check(script); err != nil {
				t.Errorf("invalid script: %v", err)
			}
		})
	}
}

func TestInstallRelocates(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t, Options{}, nil)
	n.adapter.respond("check postgres user can access install dir", transports.Result{ExitCode: 2})
	n.adapter.respond("check whether ", transports.Result{ExitCode: 1})

	if err := n.p.Install(ctx); err != nil {
		t.Fatalf("Install() error = %v", err)
	}

	if got := n.sensor(t, KeyInstallDir); got != "/opt/pgprovision/postgres/install/9.3" {
		t.Errorf("install_dir = %s", got)
	}
	if got := n.sensor(t, KeyRunDir); got != "/opt/pgprovision/postgres/apps/pgprov/db-1" {
		t.Errorf("run_dir = %s", got)
	}

	move, ok := n.adapter.find("move install dir")
	if !ok {
		t.Fatal("relocation command not run")
	}
	if !move.Escalate {
		t.Error("relocation must run escalated")
	}
	script := move.Script()
	mv := strings.Index(script, "mv "+homeInstallDir)
	chown := strings.Index(script, "chown -R postgres:postgres /opt/pgprovision/postgres")
	if mv < 0 || chown < 0 || chown < mv {
		t.Errorf("unexpected relocation script:\n%s", script)
	}
	if !strings.Contains(script, "ln -s /opt/pgprovision/postgres/install/9.3 "+homeInstallDir) {
		t.Errorf("relocation should leave a symlink:\n%s", script)
	}
}

func TestInstallReusesAlternateRoot(t *testing.T) {
	n := newTestNode(t, Options{}, nil)
	n.adapter.respond("check postgres user can access install dir", transports.Result{ExitCode: 2})

	if err := n.p.Install(context.Background()); err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if _, ok := n.adapter.find("move install dir"); ok {
		t.Error("existing alternate install should not be moved again")
	}
	if got := n.sensor(t, KeyInstallDir); got != "/opt/pgprovision/postgres/install/9.3" {
		t.Errorf("install_dir = %s", got)
	}
}

func TestInstallFailures(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(a *fakeAdapter)
		class   ErrorClass
	}{
		{
			name: "no binaries",
			prepare: func(a *fakeAdapter) {
				a.respond("install postgresql", transports.Result{ExitCode: 9, Stderr: "failed to find postgresql"})
			},
			class: ErrorClassRemote,
		},
		{
			name: "relocation fails",
			prepare: func(a *fakeAdapter) {
				a.respond("check postgres user can access install dir", transports.Result{ExitCode: 2})
				a.respond("check whether ", transports.Result{ExitCode: 1})
				a.respond("move install dir", transports.Result{ExitCode: 1})
			},
			class: ErrorClassRelocation,
		},
		{
			name: "channel broken",
			prepare: func(a *fakeAdapter) {
				a.fail("collect OS facts", errors.New("connection refused"))
			},
			class: ErrorClassTransport,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := newTestNode(t, Options{}, nil)
			tt.prepare(n.adapter)

			err := n.p.Install(context.Background())
			if err == nil {
				t.Fatal("expected error")
			}
			if ClassOf(err) != tt.class {
				t.Errorf("class = %s, want %s (%v)", ClassOf(err), tt.class, err)
			}
			if got := n.state(t); got != StateFailed {
				t.Errorf("state = %s, want failed", got)
			}

			// failed nodes may be installed again
			if !n.state(t).CanStart(OpInstall) {
				t.Error("install should be allowed after failure")
			}
		})
	}
}

func TestCustomizeRequiresInstall(t *testing.T) {
	n := newTestNode(t, Options{}, nil)

	err := n.p.Customize(context.Background())
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("Customize() error = %v, want invalid transition", err)
	}
	if len(n.adapter.summaries()) != 0 {
		t.Errorf("no command should run, ran %v", n.adapter.summaries())
	}
	if got := n.state(t); got != StateUninstalled {
		t.Errorf("state = %s, want uninstalled", got)
	}
}

func TestCustomize(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t, Options{
		InitializeDB:   true,
		Port:           5433,
		CreationScript: "CREATE TABLE t (id int);",
		Roles: roles.Declarations{
			{Name: "reader", Config: map[string]any{"properties": "LOGIN", "privileges": "SELECT"}},
		},
	}, map[string]string{KeyPassword: "o'hara"})

	if err := n.p.Install(ctx); err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	n.adapter.reset()

	if err := n.p.Customize(ctx); err != nil {
		t.Fatalf("Customize() error = %v", err)
	}
	if got := n.state(t); got != StateConfigured {
		t.Errorf("state = %s, want configured", got)
	}

	got := n.adapter.summaries()
	order := []string{
		"stop system postgresql service",
		"prepare run directory",
		"initialize data directory",
		"write postgresql.conf",
		"write pg_hba.conf",
		"install " + homeRunDir + "/creation-script.sql",
		"initialize database",
		"run creation script",
	}
	if len(got) != len(order) {
		t.Fatalf("ran %v, want %v", got, order)
	}
	for i := range order {
		if got[i] != order[i] {
			t.Errorf("command %d = %s, want %s", i, got[i], order[i])
		}
	}

	conf, _ := n.adapter.find("write postgresql.conf")
	if !strings.Contains(conf.Script(), "port = 5433") || !strings.Contains(conf.Script(), "> "+homeRunDir+"/postgresql.conf") {
		t.Errorf("unexpected server config command:\n%s", conf.Script())
	}
	for _, name := range []string{"write postgresql.conf", "write pg_hba.conf"} {
		write, _ := n.adapter.find(name)
		if write.AsUser != "postgres" {
			t.Errorf("%s should run as postgres, got %q", name, write.AsUser)
		}
		if strings.Contains(write.Script(), "sudo") {
			t.Errorf("%s should not nest sudo:\n%s", name, write.Script())
		}
	}

	initDB, _ := n.adapter.find("initialize database")
	script := initDB.Script()
	if initDB.AsUser != "postgres" {
		t.Errorf("database init should run as postgres, got %q", initDB.AsUser)
	}
	for _, want := range []string{
		"CREATE USER postgresqluser WITH PASSWORD",
		"o''hara",
		"CREATE DATABASE db OWNER postgresqluser",
		"CREATE ROLE reader",
		" -w start",
		" -w stop",
	} {
		if !strings.Contains(script, want) {
			t.Errorf("init script missing %q:\n%s", want, script)
		}
	}

	var staged bool
	for path, data := range n.adapter.files {
		if strings.HasPrefix(path, "/tmp/creation-script.sql_") && string(data) == "CREATE TABLE t (id int);" {
			staged = true
		}
	}
	if !staged {
		t.Error("creation script was not staged")
	}
}

func TestCustomizeFailureReportsLog(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t, Options{}, nil)
	if err := n.p.Install(ctx); err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	n.adapter.respond("initialize data directory", transports.Result{ExitCode: 1, Stderr: "initdb: could not create directory"})
	n.adapter.respond("read server log", transports.Result{Stdout: "FATAL: something"})

	err := n.p.Customize(ctx)
	if !IsRemote(err) {
		t.Fatalf("Customize() error = %v, want remote", err)
	}
	if got := n.state(t); got != StateFailed {
		t.Errorf("state = %s, want failed", got)
	}
	if _, ok := n.adapter.find("write postgresql.conf"); ok {
		t.Error("commands after the failure should be skipped")
	}
	if _, ok := n.adapter.find("read server log"); !ok {
		t.Error("log tail should be read after failure")
	}
}

func TestCustomizeStrictAccessDenied(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t, Options{StrictAccess: true}, nil)

	engine, err := policy.NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	n.p.deps.Policy = engine

	if err := n.p.Install(ctx); err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	n.adapter.reset()

	err = n.p.Customize(ctx)
	if !IsValidation(err) {
		t.Fatalf("Customize() error = %v, want validation", err)
	}
	if len(n.adapter.summaries()) != 0 {
		t.Errorf("nothing should reach the host, ran %v", n.adapter.summaries())
	}
}

func TestCustomizeDefaultAccessWarns(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t, Options{}, nil)

	engine, err := policy.NewEngine(zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	n.p.deps.Policy = engine

	if err := n.p.Install(ctx); err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if err := n.p.Customize(ctx); err != nil {
		t.Fatalf("Customize() error = %v", err)
	}
}

func provisioned(t *testing.T, opts Options) *testNode {
	t.Helper()
	n := newTestNode(t, opts, nil)
	if err := n.p.Provision(context.Background()); err != nil {
		t.Fatalf("Provision() error = %v", err)
	}
	n.adapter.reset()
	return n
}

func TestLaunchStopAndStatus(t *testing.T) {
	ctx := context.Background()
	n := provisioned(t, Options{DisconnectOnStop: true})

	if got := n.state(t); got != StateRunning {
		t.Fatalf("state = %s, want running", got)
	}

	running, err := n.p.IsRunning(ctx)
	if err != nil || !running {
		t.Errorf("IsRunning() = %v, %v", running, err)
	}

	n.adapter.respond("check postgresql status", transports.Result{ExitCode: 3})
	running, err = n.p.IsRunning(ctx)
	if err != nil || running {
		t.Errorf("IsRunning() = %v, %v, want false", running, err)
	}
	if got := n.state(t); got != StateRunning {
		t.Errorf("IsRunning must not change state, got %s", got)
	}

	if err := n.p.Launch(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Launch() while running error = %v", err)
	}

	if err := n.p.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if got := n.state(t); got != StateStopped {
		t.Errorf("state = %s, want stopped", got)
	}
	stop, _ := n.adapter.find("stop postgresql")
	if !strings.Contains(stop.Script(), "-m immediate stop") {
		t.Errorf("disconnecting stop should be immediate:\n%s", stop.Script())
	}
	if _, ok := n.adapter.find("stop process in pid file"); !ok {
		t.Error("pid file pass should run after stop")
	}

	// stopping again is allowed and tolerates the control tool's exit code
	n.adapter.respond("stop postgresql", transports.Result{ExitCode: 1})
	if err := n.p.Stop(ctx); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}

	if err := n.p.Launch(ctx); err != nil {
		t.Fatalf("Launch() error = %v", err)
	}
	if got := n.state(t); got != StateRunning {
		t.Errorf("state = %s, want running", got)
	}
}

func TestStopThenIsRunningEventuallyFalse(t *testing.T) {
	ctx := context.Background()
	n := provisioned(t, Options{})

	if err := n.p.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	// the server lingers for a few status checks after pg_ctl returns
	up, down := transports.Result{}, transports.Result{ExitCode: 3, Stderr: "pg_ctl: no server running"}
	n.adapter.sequence("check postgresql status", up, up, down)

	const attempts = 10
	stopped := false
	for i := 0; i < attempts; i++ {
		running, err := n.p.IsRunning(ctx)
		if err != nil {
			t.Fatalf("IsRunning() error = %v", err)
		}
		if !running {
			stopped = true
			break
		}
	}
	if !stopped {
		t.Fatalf("IsRunning() still true after %d checks", attempts)
	}

	if got := n.state(t); got != StateStopped {
		t.Errorf("state = %s, want stopped", got)
	}
	checks := 0
	for _, s := range n.adapter.summaries() {
		if s == "check postgresql status" {
			checks++
		}
	}
	if checks != 3 {
		t.Errorf("status checked %d times, want 3", checks)
	}
	if status, _ := n.adapter.find("check postgresql status"); !status.AllowNonZero {
		t.Error("status check must tolerate a non-zero exit")
	}
}

func TestLaunchFailureKeepsState(t *testing.T) {
	n := newTestNode(t, Options{}, nil)
	ctx := context.Background()
	if err := n.p.Install(ctx); err != nil {
		t.Fatal(err)
	}
	if err := n.p.Customize(ctx); err != nil {
		t.Fatal(err)
	}

	n.adapter.respond("start postgresql", transports.Result{ExitCode: 1})
	if err := n.p.Launch(ctx); !IsRemote(err) {
		t.Fatalf("Launch() error = %v, want remote", err)
	}
	if got := n.state(t); got != StateConfigured {
		t.Errorf("state = %s, want configured", got)
	}
}

func TestIsRunningBeforeInstall(t *testing.T) {
	n := newTestNode(t, Options{}, nil)
	running, err := n.p.IsRunning(context.Background())
	if err != nil || running {
		t.Errorf("IsRunning() = %v, %v", running, err)
	}
	if len(n.adapter.summaries()) != 0 {
		t.Errorf("no command expected, ran %v", n.adapter.summaries())
	}
}

func TestExecuteScript(t *testing.T) {
	ctx := context.Background()
	n := provisioned(t, Options{})
	n.adapter.respond("execute datastore script", transports.Result{Stdout: " ?column? \n 1\n"})

	out, err := n.p.ExecuteScript(ctx, "SELECT 1;")
	if err != nil {
		t.Fatalf("ExecuteScript() error = %v", err)
	}
	if !strings.Contains(out, "1") {
		t.Errorf("output = %q", out)
	}

	cmd, _ := n.adapter.find("execute datastore script")
	if cmd.AsUser != "postgres" || !strings.Contains(cmd.Script(), "cd "+homeRunDir) {
		t.Errorf("unexpected script command %+v", cmd)
	}
	if got := n.state(t); got != StateRunning {
		t.Errorf("state = %s, want running", got)
	}

	if _, err := n.p.ExecuteScript(ctx, "  "); !IsValidation(err) {
		t.Errorf("empty script error = %v", err)
	}

	if err := n.p.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := n.p.ExecuteScript(ctx, "SELECT 1;"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("ExecuteScript() on stopped node error = %v", err)
	}
}

func TestRunHistory(t *testing.T) {
	ctx := context.Background()
	n := provisioned(t, Options{})

	entity := "db-1"
	runs, err := n.store.ListRuns(ctx, &entity, 10, 0)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("got %d runs, want 3", len(runs))
	}

	ops := make(map[string]*stores.Run)
	for _, r := range runs {
		ops[r.Operation] = r
	}
	install := ops[string(OpInstall)]
	if install == nil || install.Status != stores.RunStatusCompleted || install.ToState != string(StateInstalled) {
		t.Errorf("unexpected install run %+v", install)
	}
	if launch := ops[string(OpLaunch)]; launch == nil || launch.FromState != string(StateConfigured) {
		t.Errorf("unexpected launch run %+v", launch)
	}

	events, err := n.store.GetEvents(ctx, install.ID)
	if err != nil {
		t.Fatalf("GetEvents() error = %v", err)
	}
	if len(events) == 0 {
		t.Error("install should record events")
	}
}

func TestInstallAfterInterruptedRun(t *testing.T) {
	ctx := context.Background()
	n := newTestNode(t, Options{}, nil)
	if err := n.attrs.SetSensor(ctx, KeyState, string(StateInstalling)); err != nil {
		t.Fatal(err)
	}

	if err := n.p.Install(ctx); err != nil {
		t.Fatalf("Install() error = %v", err)
	}
	if got := n.state(t); got != StateInstalled {
		t.Errorf("state = %s, want installed", got)
	}

	entity := "db-1"
	runs, err := n.store.ListRuns(ctx, &entity, 1, 0)
	if err != nil || len(runs) != 1 {
		t.Fatalf("ListRuns() = %v, %v", runs, err)
	}
	if runs[0].FromState != string(StateInstalling) {
		t.Errorf("from state = %s, want installing", runs[0].FromState)
	}
	events, err := n.store.GetEvents(ctx, runs[0].ID)
	if err != nil {
		t.Fatalf("GetEvents() error = %v", err)
	}
	found := false
	for _, ev := range events {
		if ev.Message == "previous run was interrupted" && ev.Level == stores.EventLevelWarning {
			found = true
		}
	}
	if !found {
		t.Error("interrupted run should be recorded as a warning event")
	}
}
