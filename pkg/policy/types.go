package policy

import (
	"time"

	"github.com/openfroyo/upgrade/pkg/engine"
)

// Severity of a policy violation.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Blocking reports whether violations of this severity reject a plan.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is one Rego module gating upgrade plans.
//
// The module must define a set named deny. Each element is either a string
// message or an object with message, and optionally severity and target.
type Policy struct {
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Rego        string   `json:"rego" yaml:"rego"`
	Severity    Severity `json:"severity" yaml:"severity"`
	Enabled     bool     `json:"enabled" yaml:"enabled"`
	// Source is the file the policy was read from; empty for built-ins.
	Source string `json:"source,omitempty" yaml:"-"`
}

// PolicyViolation is one element of a policy's deny set.
type PolicyViolation struct {
	Policy string `json:"policy"`
	// Target is the live node the violation relates to, if any.
	Target   string   `json:"target,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// PolicyResult is the outcome of evaluating every enabled policy.
type PolicyResult struct {
	Allowed    bool              `json:"allowed"`
	Violations []PolicyViolation `json:"violations,omitempty"`
	Warnings   []PolicyViolation `json:"warnings,omitempty"`
	// Failures name policies that could not be evaluated. Any failure
	// makes the result not allowed.
	Failures          []string      `json:"failures,omitempty"`
	EvaluatedPolicies []string      `json:"evaluated_policies"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
	Duration          time.Duration `json:"duration"`
}

// PolicyInput is the document bound to input in Rego.
type PolicyInput struct {
	Plan    *engine.PlanSummary `json:"plan"`
	Context *PolicyContext      `json:"context"`
}

// PolicyContext describes who is upgrading what, and how.
type PolicyContext struct {
	Blueprint   string             `json:"blueprint,omitempty"`
	User        string             `json:"user,omitempty"`
	Environment string             `json:"environment,omitempty"`
	Timestamp   time.Time          `json:"timestamp"`
	Options     engine.PlanOptions `json:"options"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
}
