package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/openfroyo/pgprovision/pkg/shell"
	"github.com/openfroyo/pgprovision/pkg/stores"
	"github.com/openfroyo/pgprovision/pkg/transports"
)

const ubuntuFacts = `NAME="Ubuntu"
VERSION_ID="22.04"
ID=ubuntu
@@arch=x86_64
@@home=/home/deploy
@@pm=apt
`

// fakeAdapter records commands and answers them from scripted results keyed
// by summary prefix. Unscripted commands succeed with empty output.
type fakeAdapter struct {
	t *testing.T

	mu       sync.Mutex
	commands []transports.Command
	results  map[string]transports.Result
	queued   map[string][]transports.Result
	errs     map[string]error
	files    map[string][]byte
	copyErr  error
}

func newFakeAdapter(t *testing.T) *fakeAdapter {
	t.Helper()
	return &fakeAdapter{
		t: t,
		results: map[string]transports.Result{
			factsCommand.Summary: {Stdout: ubuntuFacts},
		},
		queued: make(map[string][]transports.Result),
		errs:   make(map[string]error),
		files:  make(map[string][]byte),
	}
}

func (f *fakeAdapter) respond(summaryPrefix string, res transports.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[summaryPrefix] = res
}

// sequence answers successive commands matching summaryPrefix with results
// in order. The last result keeps answering once the others are used up.
func (f *fakeAdapter) sequence(summaryPrefix string, results ...transports.Result) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued[summaryPrefix] = results
}

func (f *fakeAdapter) fail(summaryPrefix string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[summaryPrefix] = err
}

func (f *fakeAdapter) Run(ctx context.Context, cmd transports.Command) (transports.Result, error) {
	if err := ctx.Err(); err != nil {
		return transports.Result{}, err
	}
	if err := shell.Check("set -e\n" + cmd.Script()); err != nil {
		f.t.Errorf("command %q is not valid bash: %v", cmd.Summary, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, cmd)

	if err, ok := f.lookupErr(cmd.Summary); ok {
		return transports.Result{}, err
	}
	if res, ok := f.next(cmd.Summary); ok {
		return transports.Check(cmd, res)
	}
	res, _ := f.lookup(cmd.Summary)
	return transports.Check(cmd, res)
}

func (f *fakeAdapter) next(summary string) (transports.Result, bool) {
	for prefix, queue := range f.queued {
		if !strings.HasPrefix(summary, prefix) || len(queue) == 0 {
			continue
		}
		if len(queue) > 1 {
			f.queued[prefix] = queue[1:]
		}
		return queue[0], true
	}
	return transports.Result{}, false
}

func (f *fakeAdapter) lookup(summary string) (transports.Result, bool) {
	best, found := "", false
	for prefix := range f.results {
		if strings.HasPrefix(summary, prefix) && len(prefix) >= len(best) {
			best, found = prefix, true
		}
	}
	return f.results[best], found
}

func (f *fakeAdapter) lookupErr(summary string) (error, bool) {
	for prefix, err := range f.errs {
		if strings.HasPrefix(summary, prefix) {
			return err, true
		}
	}
	return nil, false
}

func (f *fakeAdapter) CopyTo(_ context.Context, data []byte, remotePath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.copyErr != nil {
		return f.copyErr
	}
	f.files[remotePath] = append([]byte(nil), data...)
	return nil
}

func (f *fakeAdapter) CopyFrom(_ context.Context, remotePath string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.files[remotePath]
	if !ok {
		return nil, fmt.Errorf("%s: no such file", remotePath)
	}
	return data, nil
}

// summaries returns the summaries of all commands run so far.
func (f *fakeAdapter) summaries() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.commands))
	for _, c := range f.commands {
		out = append(out, c.Summary)
	}
	return out
}

// find returns the last command whose summary starts with prefix.
func (f *fakeAdapter) find(prefix string) (transports.Command, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.commands) - 1; i >= 0; i-- {
		if strings.HasPrefix(f.commands[i].Summary, prefix) {
			return f.commands[i], true
		}
	}
	return transports.Command{}, false
}

func (f *fakeAdapter) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = nil
}

// setupTestStore creates an in-memory SQLite store.
func setupTestStore(t *testing.T) *stores.SQLiteStore {
	t.Helper()

	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type testNode struct {
	p       *Provisioner
	adapter *fakeAdapter
	store   *stores.SQLiteStore
	attrs   *stores.Attributes
}

func newTestNode(t *testing.T, opts Options, declared map[string]string) *testNode {
	t.Helper()

	if opts.Entity == "" {
		opts.Entity = "db-1"
	}
	if opts.Version == "" {
		opts.Version = "9.3-1"
	}

	store := setupTestStore(t)
	attrs := stores.NewAttributes(store, opts.Entity, declared)
	adapter := newFakeAdapter(t)

	p, err := NewProvisioner(opts, Dependencies{
		Adapter:    adapter,
		Attributes: attrs,
		Store:      store,
		Host:       "10.0.0.5",
	})
	if err != nil {
		t.Fatalf("NewProvisioner() error = %v", err)
	}
	return &testNode{p: p, adapter: adapter, store: store, attrs: attrs}
}

func (n *testNode) state(t *testing.T) State {
	t.Helper()
	s, err := n.p.State(context.Background())
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	return s
}

func (n *testNode) sensor(t *testing.T, key string) string {
	t.Helper()
	v, _, err := n.attrs.Sensor(context.Background(), key)
	if err != nil {
		t.Fatalf("Sensor(%s) error = %v", key, err)
	}
	return v
}
