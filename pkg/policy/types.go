package policy

import (
	"time"

	"github.com/openfroyo/pgprovision/pkg/pgconf"
)

// Severity represents the severity level of a finding.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for findings that block the write.
	SeverityError Severity = "error"
)

// Policy represents a policy rule with its Rego code. Every policy exposes
// its findings as a `deny` set in its package.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for findings that do not set one.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`
}

// AccessInput is the document access-control policies evaluate.
type AccessInput struct {
	// Rules are the parsed records of the access control file.
	Rules []pgconf.AccessRule `json:"rules"`

	// Templated is true when the content came from a user template.
	Templated bool `json:"templated"`

	// Source is the template location, empty for the built-in default.
	Source string `json:"source,omitempty"`

	// StrictAccess turns permissive password rules into errors.
	StrictAccess bool `json:"strict_access"`
}

// Finding is one result of a policy's deny set.
type Finding struct {
	// Policy is the name of the policy that produced the finding.
	Policy string `json:"policy"`

	// Line is the access control line the finding refers to, 0 if none.
	Line int `json:"line,omitempty"`

	// Message is a human-readable description.
	Message string `json:"message"`

	// Severity is the finding severity.
	Severity Severity `json:"severity"`
}

// Review is the result of evaluating all enabled policies.
type Review struct {
	// Allowed is false when any finding has error severity.
	Allowed bool `json:"allowed"`

	// Findings lists error findings.
	Findings []Finding `json:"findings,omitempty"`

	// Warnings lists findings that do not block.
	Warnings []Finding `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}
