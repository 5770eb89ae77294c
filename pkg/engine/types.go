package engine

import (
	"fmt"
	"sort"
	"time"
)

// CatalogEntry is one declared logical resource and how to find it at the provider.
type CatalogEntry struct {
	// Address is the stable logical address in the declarative manifest (e.g., "lb.main").
	Address string `json:"address" yaml:"address" validate:"required"`

	// Kind is the resource kind (e.g., "aws_lb", "aws_security_group").
	Kind string `json:"kind" yaml:"kind" validate:"required"`

	// Selector identifies the real resource at the provider.
	Selector Selector `json:"selector" yaml:"selector"`

	// Required marks entries that are expected to exist at the provider.
	Required bool `json:"required,omitempty" yaml:"required,omitempty"`
}

// Selector is a tag/name predicate used to find provider resources.
type Selector struct {
	// Name matches the resource's Name tag.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Tags must all be present with the given values.
	Tags map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`

	// Match is an optional Starlark boolean expression evaluated against each candidate.
	Match string `json:"match,omitempty" yaml:"match,omitempty"`
}

// Validate rejects selectors that would match everything.
func (s Selector) Validate() error {
	if s.Name == "" && len(s.Tags) == 0 {
		return NewPermanentQueryError("selector must set a name or at least one tag", nil).
			WithCode(ErrCodeValidation)
	}
	for k, v := range s.Tags {
		if k == "" {
			return NewPermanentQueryError(fmt.Sprintf("selector has an empty tag key (value %q)", v), nil).
				WithCode(ErrCodeValidation)
		}
	}
	if s.Name != "" {
		if existing, ok := s.Tags["Name"]; ok && existing != s.Name {
			return NewPermanentQueryError(
				fmt.Sprintf("selector name %q conflicts with Name tag %q", s.Name, existing), nil).
				WithCode(ErrCodeValidation)
		}
	}
	return nil
}

// TagFilters returns the tag predicate with Name folded in.
func (s Selector) TagFilters() map[string]string {
	filters := make(map[string]string, len(s.Tags)+1)
	for k, v := range s.Tags {
		filters[k] = v
	}
	if s.Name != "" {
		filters["Name"] = s.Name
	}
	return filters
}

// ProviderResource is a real resource reported by the provider control plane.
type ProviderResource struct {
	// ID is the provider resource id used for import (e.g., "sg-0abc", an ARN).
	ID string `json:"id" yaml:"id"`

	// Kind is the resource kind this resource belongs to.
	Kind string `json:"kind" yaml:"kind"`

	// Name is the resource's display name, usually its Name tag.
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Tags are the provider-side tags.
	Tags map[string]string `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// DiscoveryResult holds the candidates found for one catalog entry.
type DiscoveryResult struct {
	Address    string   `json:"address"`
	Candidates []string `json:"candidates"`
}

// Status classifies the result by candidate count.
func (d DiscoveryResult) Status() DiscoveryStatus {
	switch len(d.Candidates) {
	case 0:
		return DiscoveryNotFound
	case 1:
		return DiscoveryMatch
	default:
		return DiscoveryAmbiguous
	}
}

// Match returns the single candidate when Status is DiscoveryMatch.
func (d DiscoveryResult) Match() (string, bool) {
	if d.Status() != DiscoveryMatch {
		return "", false
	}
	return d.Candidates[0], true
}

// TrackedResource maps a logical address to a real provider resource in the state store.
type TrackedResource struct {
	Address    string    `json:"address"`
	ProviderID string    `json:"provider_id"`
	Kind       string    `json:"kind,omitempty"`
	ImportedAt time.Time `json:"imported_at"`
	RunID      string    `json:"run_id,omitempty"`
}

// Lock is a held state store lock.
type Lock struct {
	ID         string    `json:"id"`
	Owner      string    `json:"owner"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the lock has passed its expiry at the given time.
func (l *Lock) Expired(now time.Time) bool {
	return l == nil || !now.Before(l.ExpiresAt)
}

// ImportAttempt records one attempt of a query or write for an entry. Run-scoped.
type ImportAttempt struct {
	Address   string         `json:"address"`
	Operation string         `json:"operation"`
	Attempt   int            `json:"attempt"`
	Outcome   AttemptOutcome `json:"outcome"`
	Timestamp time.Time      `json:"timestamp"`
	Error     string         `json:"error,omitempty"`
}

// EntryResult is the terminal record of one catalog entry.
type EntryResult struct {
	Address     string          `json:"address"`
	Kind        string          `json:"kind"`
	Required    bool            `json:"required,omitempty"`
	Outcome     EntryOutcome    `json:"outcome"`
	SkipReason  SkipReason      `json:"skip_reason,omitempty"`
	ProviderID  string          `json:"provider_id,omitempty"`
	Candidates  []string        `json:"candidates,omitempty"`
	Attempts    []ImportAttempt `json:"attempts,omitempty"`
	Error       string          `json:"error,omitempty"`
	ErrorCode   string          `json:"error_code,omitempty"`
	Remediation string          `json:"remediation,omitempty"`
	Duration    time.Duration   `json:"duration"`
}

// fail records err as the reason for a failed or blocked outcome.
func (r *EntryResult) fail(outcome EntryOutcome, err error) {
	r.Outcome = outcome
	if err == nil {
		return
	}
	ee := AsEngineError(err)
	r.Error = err.Error()
	r.ErrorCode = ee.Code
	r.Remediation = ee.Remediation
}

// KindSchema describes per-kind attributes the analyzer needs.
type KindSchema struct {
	// Immutable lists attribute paths whose change forces replacement.
	Immutable []string `json:"immutable,omitempty" yaml:"immutable,omitempty"`

	// Stateful marks kinds holding data or traffic (load balancers, data stores).
	Stateful bool `json:"stateful,omitempty" yaml:"stateful,omitempty"`
}

// ResourceDiff is the structured current-vs-desired input for one address.
// A nil Current means the resource does not exist; a nil Desired means it is
// no longer declared.
type ResourceDiff struct {
	Address      string                 `json:"address"`
	Kind         string                 `json:"kind"`
	Current      map[string]interface{} `json:"current,omitempty"`
	Desired      map[string]interface{} `json:"desired,omitempty"`
	ReplacePaths []string               `json:"replace_paths,omitempty"`
	Stateful     *bool                  `json:"stateful,omitempty"`

	// ForceReplace marks a replacement the producer decided on without an
	// attribute change (tainted resources, replace_triggered_by).
	ForceReplace bool `json:"force_replace,omitempty"`
}

// PlanInput is the structured diff supplied by the plan producer.
type PlanInput struct {
	Source  string         `json:"source,omitempty"`
	Changes []ResourceDiff `json:"changes"`
}

// AttributeDiff is one changed attribute of a planned change.
type AttributeDiff struct {
	Path      string      `json:"path"`
	Before    interface{} `json:"before,omitempty"`
	After     interface{} `json:"after,omitempty"`
	Immutable bool        `json:"immutable,omitempty"`
}

// PlannedChange is a classified change for one address.
type PlannedChange struct {
	Address        string          `json:"address"`
	Kind           string          `json:"kind"`
	Action         ChangeAction    `json:"action"`
	AttributeDiffs []AttributeDiff `json:"attribute_diffs,omitempty"`
	Stateful       bool            `json:"stateful,omitempty"`
}

// PlanSummary provides statistics about a plan.
type PlanSummary struct {
	Total     int `json:"total"`
	ToCreate  int `json:"to_create"`
	ToUpdate  int `json:"to_update"`
	ToDestroy int `json:"to_destroy"`
	ToReplace int `json:"to_replace"`
	NoChange  int `json:"no_change"`
}

// RiskSummary is the blast-radius aggregate fed to the safety gate.
type RiskSummary struct {
	// DestructiveCount counts Destroy plus Replace changes.
	DestructiveCount int `json:"destructive_count"`

	// ReplaceCount counts Replace changes.
	ReplaceCount int `json:"replace_count"`

	// Destructive lists every Destroy/Replace address in plan order.
	Destructive []string `json:"destructive,omitempty"`

	// HighRisk lists Destroy/Replace addresses on stateful resources, ranked.
	HighRisk []string `json:"high_risk,omitempty"`
}

// PlanAnalysis is the output of the Plan Diff Analyzer.
type PlanAnalysis struct {
	Changes []PlannedChange `json:"changes"`
	Summary PlanSummary     `json:"summary"`
	Risk    RiskSummary     `json:"risk"`
}

// OverrideToken is an explicit, auditable approval for destructive changes.
type OverrideToken struct {
	// ID is the token identifier recorded in the audit trail.
	ID string `json:"id" validate:"required"`

	// Approver is who granted the override.
	Approver string `json:"approver" validate:"required"`

	// Ticket is the change-management reference for the override.
	Ticket string `json:"ticket" validate:"required"`

	// Environment scopes the token; empty means any environment.
	Environment Environment `json:"environment,omitempty"`

	// ExpiresAt bounds the token's validity; zero means no expiry.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// AppliesTo reports whether the token is scoped to env.
func (t *OverrideToken) AppliesTo(env Environment) bool {
	return t != nil && (t.Environment == "" || t.Environment == env)
}

// SafetyVerdict is the decision of the safety gate.
type SafetyVerdict struct {
	Environment      Environment `json:"environment"`
	DestructiveCount int         `json:"destructive_count"`
	ReplaceCount     int         `json:"replace_count"`
	OverridePresent  bool        `json:"override_present"`
	OverrideID       string      `json:"override_id,omitempty"`
	Approver         string      `json:"approver,omitempty"`
	Decision         Decision    `json:"decision"`
	Reason           string      `json:"reason"`
	Addresses        []string    `json:"addresses,omitempty"`
}

// Allowed reports whether the verdict permits the apply.
func (v SafetyVerdict) Allowed() bool {
	return v.Decision == DecisionAllow
}

// sortedUnique returns the sorted distinct values of ids.
func sortedUnique(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
