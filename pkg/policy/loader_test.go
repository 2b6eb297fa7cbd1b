package policy

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const testRego = `# Rejects ident authentication on remote rules.
# Site policy.
package site.ident

import rego.v1

deny contains msg if {
	some rule in input.rules
	rule.method == "ident"
	msg := "ident is not allowed"
}
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create dir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}
}

func TestLoadFromFile_Rego(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	policyFile := filepath.Join(t.TempDir(), "no-ident.rego")
	writeFile(t, policyFile, testRego)

	policy, err := loader.loadFromFile(policyFile)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}

	if policy.Name != "no-ident" {
		t.Errorf("Expected name 'no-ident', got '%s'", policy.Name)
	}
	if policy.Description != "Rejects ident authentication on remote rules. Site policy." {
		t.Errorf("Unexpected description %q", policy.Description)
	}
	if !policy.Enabled || policy.Severity != SeverityWarning {
		t.Errorf("Unexpected defaults %+v", policy)
	}
	if policy.Source != policyFile {
		t.Errorf("Expected source %s, got %s", policyFile, policy.Source)
	}
}

func TestLoadFromFile_JSON(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	dir := t.TempDir()

	good := filepath.Join(dir, "p.json")
	writeFile(t, good, `{"name":"json-policy","rego":"package j\n","enabled":true}`)
	policy, err := loader.loadFromFile(good)
	if err != nil {
		t.Fatalf("Failed to load policy: %v", err)
	}
	if policy.Name != "json-policy" || policy.Severity != SeverityWarning {
		t.Errorf("Unexpected policy %+v", policy)
	}

	unnamed := filepath.Join(dir, "unnamed.json")
	writeFile(t, unnamed, `{"rego":"package j\n"}`)
	if _, err := loader.loadFromFile(unnamed); err == nil {
		t.Error("Expected error for unnamed JSON policy")
	}

	invalid := filepath.Join(dir, "invalid.json")
	writeFile(t, invalid, `{not json`)
	if _, err := loader.loadFromFile(invalid); err == nil {
		t.Error("Expected error for invalid JSON")
	}

	if _, err := loader.loadFromFile(filepath.Join(dir, "policy.txt")); err == nil {
		t.Error("Expected error for unsupported file")
	}
}

func TestLoadFromDirectory_Recursive(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.rego"), testRego)
	writeFile(t, filepath.Join(dir, "nested", "b.rego"), testRego)
	writeFile(t, filepath.Join(dir, "README.md"), "ignored")

	policies, err := loader.LoadFromPaths(context.Background(), []string{dir})
	if err != nil {
		t.Fatalf("Failed to load: %v", err)
	}
	if len(policies) != 2 {
		t.Errorf("Expected 2 policies, got %d", len(policies))
	}

	if _, err := loader.LoadFromPaths(context.Background(), []string{filepath.Join(dir, "absent")}); err == nil {
		t.Error("Expected error for missing path")
	}
}

func TestEngineLoadPolicies(t *testing.T) {
	e := newTestEngine(t)
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "no-ident.rego"), testRego)

	ctx := context.Background()
	if err := e.LoadPolicies(ctx, []string{dir}); err != nil {
		t.Fatalf("Failed to load policies: %v", err)
	}

	review, err := e.ReviewAccess(ctx, AccessInput{Rules: rulesFrom(t, "host all app 10.1.0.0/16 ident")})
	if err != nil {
		t.Fatalf("review failed: %v", err)
	}
	if len(review.Warnings) != 1 || review.Warnings[0].Message != "ident is not allowed" {
		t.Errorf("Expected loaded policy warning, got %+v", review.Warnings)
	}
}

func TestWatch(t *testing.T) {
	loader := NewLoader(zerolog.New(nil).Level(zerolog.Disabled))
	loader.ReloadDelay = 20 * time.Millisecond

	dir := t.TempDir()
	config := filepath.Join(dir, "node.cue")
	writeFile(t, config, "version: \"9.6-1\"\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	if err := loader.Watch(ctx, []string{config}, func(context.Context) error {
		calls.Add(1)
		return nil
	}); err != nil {
		t.Fatalf("Failed to watch: %v", err)
	}
	defer loader.StopWatching()

	writeFile(t, filepath.Join(dir, "unrelated.txt"), "x")
	writeFile(t, config, "version: \"9.6-2\"\n")

	deadline := time.Now().Add(5 * time.Second)
	for calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if calls.Load() == 0 {
		t.Fatal("Expected onChange after the watched file was written")
	}
}
