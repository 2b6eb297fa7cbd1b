package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/openfroyo/pgprovision/pkg/pgconf"
	"github.com/rs/zerolog"
)

// Engine evaluates access-control policies with OPA.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	logger   zerolog.Logger
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}

	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// ReviewAccess evaluates every enabled policy against the access control
// input. Evaluation errors fail the review.
func (e *Engine) ReviewAccess(ctx context.Context, input AccessInput) (*Review, error) {
	startTime := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	doc, err := toDocument(input)
	if err != nil {
		return nil, err
	}

	review := &Review{Allowed: true}
	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}
		review.EvaluatedPolicies = append(review.EvaluatedPolicies, name)

		findings, err := e.evaluatePolicy(ctx, cp, doc)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", name, err)
		}

		for _, f := range findings {
			if f.Severity == SeverityError {
				review.Allowed = false
				review.Findings = append(review.Findings, f)
			} else {
				review.Warnings = append(review.Warnings, f)
			}
		}
	}

	review.Duration = time.Since(startTime)
	e.logger.Debug().
		Int("rules", len(input.Rules)).
		Int("findings", len(review.Findings)).
		Int("warnings", len(review.Warnings)).
		Dur("duration", review.Duration).
		Msg("Access control review completed")

	return review, nil
}

// toDocument converts the input to the plain JSON shape Rego sees, so field
// names follow the json tags.
func toDocument(input AccessInput) (map[string]any, error) {
	if input.Rules == nil {
		input.Rules = []pgconf.AccessRule{}
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("failed to encode policy input: %w", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode policy input: %w", err)
	}
	return doc, nil
}

// evaluatePolicy evaluates a single compiled policy's deny set.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, doc map[string]any) ([]Finding, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(doc))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var findings []Finding
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			findings = append(findings, createFinding(cp.policy, d))
		}
	}

	sort.SliceStable(findings, func(i, j int) bool { return findings[i].Line < findings[j].Line })
	return findings, nil
}

// createFinding creates a Finding from one deny set member.
func createFinding(policy *Policy, result interface{}) Finding {
	finding := Finding{
		Policy:   policy.Name,
		Severity: policy.Severity,
	}

	switch v := result.(type) {
	case string:
		finding.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			finding.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			finding.Severity = Severity(sev)
		}
		switch line := v["line"].(type) {
		case json.Number:
			n, _ := line.Int64()
			finding.Line = int(n)
		case float64:
			finding.Line = int(line)
		}
	default:
		finding.Message = fmt.Sprintf("%v", result)
	}

	return finding
}

// extractPackageName returns the package path of a Rego module.
func extractPackageName(policy *Policy) (string, error) {
	module, err := ast.ParseModuleWithOpts(policy.Name, policy.Rego, ast.ParserOptions{RegoVersion: ast.RegoV1})
	if err != nil {
		return "", fmt.Errorf("failed to parse policy: %w", err)
	}
	return module.Package.Path.String(), nil
}

// compileAndStorePolicy compiles a policy and stores it.
func (e *Engine) compileAndStorePolicy(ctx context.Context, policy *Policy) error {
	pkg, err := extractPackageName(policy)
	if err != nil {
		return err
	}

	query, err := rego.New(
		rego.Module(policy.Name+".rego", policy.Rego),
		rego.Query(pkg+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("failed to prepare query: %w", err)
	}

	if policy.Severity == "" {
		policy.Severity = SeverityWarning
	}

	e.policies[policy.Name] = &compiledPolicy{
		policy:   policy,
		query:    query,
		compiled: time.Now(),
	}

	e.logger.Debug().
		Str("policy", policy.Name).
		Str("package", pkg).
		Msg("Policy compiled successfully")

	return nil
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	builtins := GetBuiltinPolicies()
	for i := range builtins {
		if err := e.compileAndStorePolicy(ctx, &builtins[i]); err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", builtins[i].Name, err)
		}
	}
	return nil
}

// LoadPolicies compiles the policies found at paths in addition to the
// built-ins. A policy with the name of an existing one replaces it.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}
	return e.Replace(ctx, policies)
}

// Replace resets the engine to the built-ins plus policies. Nothing changes
// when any policy fails to compile.
func (e *Engine) Replace(ctx context.Context, policies []Policy) error {
	next := &Engine{policies: make(map[string]*compiledPolicy), logger: e.logger}
	if err := next.loadBuiltinPolicies(ctx); err != nil {
		return err
	}
	for i := range policies {
		if err := next.compileAndStorePolicy(ctx, &policies[i]); err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}

	e.mu.Lock()
	e.policies = next.policies
	e.mu.Unlock()

	e.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")
	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	return cp.policy, nil
}

// ListPolicies returns all loaded policies ordered by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}
	return policies
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = enabled
	e.logger.Info().Str("policy", name).Bool("enabled", enabled).Msg("Policy toggled")
	return nil
}

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
