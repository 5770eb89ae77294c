package policy

import (
	"time"

	"github.com/openfroyo/reconcile/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that reject the override.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations that must be addressed immediately.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity rejects the override.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. It must define a `deny` set.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from; empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// Result represents the result of evaluating every enabled policy.
type Result struct {
	// Allowed is false when any violation blocks.
	Allowed bool `json:"allowed"`

	// Violations lists blocking policy violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists violations that do not block.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedPolicies lists the names of policies that were evaluated, sorted.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// EvaluatedAt is when the policies were evaluated.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// OverrideInput is the `input` document policies see.
type OverrideInput struct {
	Token       TokenInput         `json:"token"`
	Environment string             `json:"environment"`
	Risk        engine.RiskSummary `json:"risk"`
	NowNS       int64              `json:"now_ns"`
}

// TokenInput is the override token as presented to policies. Timestamps are
// unix nanoseconds; ExpiresAtNS is omitted when the token has no expiry.
type TokenInput struct {
	ID          string `json:"id"`
	Approver    string `json:"approver"`
	Ticket      string `json:"ticket"`
	Environment string `json:"environment,omitempty"`
	ExpiresAtNS int64  `json:"expires_at_ns,omitempty"`
}

// NewOverrideInput builds the policy input for token at now.
func NewOverrideInput(token *engine.OverrideToken, env engine.Environment, risk engine.RiskSummary, now time.Time) *OverrideInput {
	in := &OverrideInput{
		Token: TokenInput{
			ID:          token.ID,
			Approver:    token.Approver,
			Ticket:      token.Ticket,
			Environment: string(token.Environment),
		},
		Environment: string(env),
		Risk:        risk,
		NowNS:       now.UnixNano(),
	}
	if !token.ExpiresAt.IsZero() {
		in.Token.ExpiresAtNS = token.ExpiresAt.UnixNano()
	}
	return in
}

// Settings is exposed to policies as data.reconcile.config.
type Settings struct {
	// Approvers restricts who may grant overrides; empty allows anyone.
	Approvers []string `json:"approvers"`

	// TicketPattern is the regular expression a ticket reference must match.
	TicketPattern string `json:"ticket_pattern"`

	// MaxTokenTTL bounds how far in the future a token may expire; zero disables the check.
	MaxTokenTTL time.Duration `json:"-"`

	// MaxTTLNS mirrors MaxTokenTTL for policies.
	MaxTTLNS int64 `json:"max_ttl_ns"`
}

// DefaultTicketPattern matches change references such as CHG-1042 or OPS-7.
const DefaultTicketPattern = `^[A-Z][A-Z0-9]+-[0-9]+$`
