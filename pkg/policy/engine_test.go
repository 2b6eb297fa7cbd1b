package policy

import (
	"context"
	"strings"
	"testing"

	"github.com/openfroyo/pgprovision/pkg/pgconf"
	"github.com/rs/zerolog"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(zerolog.New(nil).Level(zerolog.Disabled))
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	return e
}

func rulesFrom(t *testing.T, content string) []pgconf.AccessRule {
	t.Helper()
	rules, err := pgconf.ParseAccessControl([]byte(content))
	if err != nil {
		t.Fatalf("failed to parse access control: %v", err)
	}
	return rules
}

func TestNewEngine(t *testing.T) {
	e := newTestEngine(t)

	policies := e.ListPolicies()
	if len(policies) != len(GetBuiltinPolicies()) {
		t.Errorf("expected %d built-in policies, got %d", len(GetBuiltinPolicies()), len(policies))
	}
	for _, name := range []string{"open-trust", "open-password", "cleartext-password"} {
		if _, err := e.GetPolicy(name); err != nil {
			t.Errorf("expected built-in policy %s: %v", name, err)
		}
	}
}

func TestReviewAccess(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	tests := []struct {
		name         string
		content      string
		strict       bool
		wantAllowed  bool
		wantFindings int
		wantWarnings int
		wantPolicy   string
	}{
		{
			name:         "default rule warns",
			content:      pgconf.DefaultAccessControlRule,
			wantAllowed:  true,
			wantWarnings: 1,
			wantPolicy:   "open-password",
		},
		{
			name:         "default rule denied when strict",
			content:      pgconf.DefaultAccessControlRule,
			strict:       true,
			wantAllowed:  false,
			wantFindings: 1,
			wantPolicy:   "open-password",
		},
		{
			name:         "trust from anywhere",
			content:      "host all all 0.0.0.0/0 trust",
			wantAllowed:  false,
			wantFindings: 1,
			wantPolicy:   "open-trust",
		},
		{
			name:         "trust from anywhere with netmask",
			content:      "host all all 0.0.0.0 0.0.0.0 trust",
			wantAllowed:  false,
			wantFindings: 1,
			wantPolicy:   "open-trust",
		},
		{
			name:        "local trust is fine",
			content:     "local all postgres trust",
			wantAllowed: true,
		},
		{
			name:        "scoped network",
			content:     "host inventory app 10.0.0.0/8 scram-sha-256",
			wantAllowed: true,
		},
		{
			name:         "cleartext on private network",
			content:      "host inventory app 10.0.0.0/8 password",
			wantAllowed:  true,
			wantWarnings: 1,
			wantPolicy:   "cleartext-password",
		},
		{
			name:        "empty file",
			content:     "",
			wantAllowed: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			review, err := e.ReviewAccess(ctx, AccessInput{
				Rules:        rulesFrom(t, tt.content),
				StrictAccess: tt.strict,
			})
			if err != nil {
				t.Fatalf("review failed: %v", err)
			}

			if review.Allowed != tt.wantAllowed {
				t.Errorf("expected allowed=%v, got %v (%+v)", tt.wantAllowed, review.Allowed, review)
			}
			if len(review.Findings) != tt.wantFindings {
				t.Errorf("expected %d findings, got %d: %+v", tt.wantFindings, len(review.Findings), review.Findings)
			}
			if len(review.Warnings) != tt.wantWarnings {
				t.Errorf("expected %d warnings, got %d: %+v", tt.wantWarnings, len(review.Warnings), review.Warnings)
			}

			if tt.wantPolicy != "" {
				all := append(append([]Finding{}, review.Findings...), review.Warnings...)
				if all[0].Policy != tt.wantPolicy {
					t.Errorf("expected finding from %s, got %s", tt.wantPolicy, all[0].Policy)
				}
				if all[0].Line != 1 {
					t.Errorf("expected line 1, got %d", all[0].Line)
				}
			}
		})
	}
}

func TestEnableDisablePolicy(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	input := AccessInput{Rules: rulesFrom(t, "host all all 0.0.0.0/0 trust")}

	if err := e.DisablePolicy("open-trust"); err != nil {
		t.Fatalf("failed to disable: %v", err)
	}
	review, err := e.ReviewAccess(ctx, input)
	if err != nil {
		t.Fatalf("review failed: %v", err)
	}
	if !review.Allowed {
		t.Error("expected disabled policy to be skipped")
	}
	for _, name := range review.EvaluatedPolicies {
		if name == "open-trust" {
			t.Error("disabled policy reported as evaluated")
		}
	}

	if err := e.EnablePolicy("open-trust"); err != nil {
		t.Fatalf("failed to enable: %v", err)
	}
	review, err = e.ReviewAccess(ctx, input)
	if err != nil {
		t.Fatalf("review failed: %v", err)
	}
	if review.Allowed {
		t.Error("expected re-enabled policy to deny")
	}

	if err := e.EnablePolicy("missing"); err == nil {
		t.Error("expected error for unknown policy")
	}
}

func TestReplaceWithCustomPolicy(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	custom := Policy{
		Name:     "require-scram",
		Severity: SeverityError,
		Enabled:  true,
		Rego: `package site.access

import rego.v1

deny contains msg if {
	some rule in input.rules
	rule.method == "md5"
	msg := sprintf("line %d: md5 is retired, use scram-sha-256", [rule.line])
}
`,
	}
	if err := e.Replace(ctx, []Policy{custom}); err != nil {
		t.Fatalf("failed to replace: %v", err)
	}

	review, err := e.ReviewAccess(ctx, AccessInput{Rules: rulesFrom(t, "host app app 10.0.0.0/8 md5")})
	if err != nil {
		t.Fatalf("review failed: %v", err)
	}
	if review.Allowed {
		t.Fatal("expected custom error policy to deny")
	}
	if !strings.Contains(review.Findings[0].Message, "md5 is retired") {
		t.Errorf("unexpected message %q", review.Findings[0].Message)
	}
	if review.Findings[0].Severity != SeverityError {
		t.Errorf("expected policy default severity, got %s", review.Findings[0].Severity)
	}

	broken := Policy{Name: "broken", Enabled: true, Rego: "package broken\n\ndeny contains x if {"}
	if err := e.Replace(ctx, []Policy{broken}); err == nil {
		t.Fatal("expected compile error")
	}
	if _, err := e.GetPolicy("require-scram"); err != nil {
		t.Error("failed replace must keep the previous policy set")
	}
}
