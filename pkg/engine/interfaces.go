package engine

import (
	"context"
	"time"
)

// ProviderQuerier performs read-only lookups against the cloud control plane.
// Implementations must be stateless and idempotent.
type ProviderQuerier interface {
	// Name identifies the provider in logs and metrics.
	Name() string

	// Find returns every resource of kind matching selector.
	// Errors are TransientQueryError or PermanentQueryError.
	Find(ctx context.Context, kind string, selector Selector) ([]ProviderResource, error)
}

// MatchEvaluator evaluates a selector's Match predicate against a candidate.
type MatchEvaluator interface {
	Matches(ctx context.Context, expr string, resource ProviderResource) (bool, error)
}

// StateStore is read/write/lock access to the declarative-state record.
// All mutations require a lock obtained from AcquireLock.
type StateStore interface {
	// Read returns the tracked record for address, or nil when untracked.
	Read(ctx context.Context, address string) (*TrackedResource, error)

	// Write records rec. Without force an already-tracked address fails with
	// AlreadyTrackedError; with force the old record is removed and rec inserted atomically.
	Write(ctx context.Context, lock *Lock, rec TrackedResource, force bool) error

	// Remove deletes the record for address. Removing an untracked address is not an error.
	Remove(ctx context.Context, lock *Lock, address string) error

	// List returns every tracked record ordered by address.
	List(ctx context.Context) ([]TrackedResource, error)

	// AcquireLock takes the store lock for owner. Contention is a TransientWriteError.
	AcquireLock(ctx context.Context, owner string) (*Lock, error)

	// ReleaseLock releases a lock obtained from AcquireLock.
	ReleaseLock(ctx context.Context, lock *Lock) error
}

// Auditor is implemented by state stores that keep an audit trail.
type Auditor interface {
	RecordAudit(ctx context.Context, action, actor, target string, details map[string]interface{}) error
}

// Catalog is the declared set of logical resources for a run.
type Catalog struct {
	// Project and Region scope the catalog.
	Project string `json:"project,omitempty"`
	Region  string `json:"region,omitempty"`

	// Entries in declaration order.
	Entries []CatalogEntry `json:"entries"`

	// Kinds carries per-kind schema used by the analyzer.
	Kinds map[string]KindSchema `json:"kinds,omitempty"`
}

// CatalogSource supplies the catalog (the manifest provider).
type CatalogSource interface {
	LoadCatalog(ctx context.Context) (*Catalog, error)
}

// PlanRequest parameterizes a plan producer call.
type PlanRequest struct {
	Environment Environment
	Refresh     bool
}

// PlanSource supplies the structured diff (the plan producer).
type PlanSource interface {
	LoadPlan(ctx context.Context, req PlanRequest) (*PlanInput, error)
}

// ReportSink receives the final run report.
type ReportSink interface {
	Publish(ctx context.Context, report *RunReport) error
}

// OverrideAuthorizer decides whether an override token may be honoured.
// Token expiry and approver policy live here so the gate itself stays pure.
type OverrideAuthorizer interface {
	Authorize(ctx context.Context, token *OverrideToken, env Environment, risk RiskSummary) error
}

// Observer receives run measurements. Implemented by telemetry.Metrics.
type Observer interface {
	ObserveQuery(provider, kind string, duration time.Duration, err error)
	ObserveAttempt(operation string, outcome AttemptOutcome)
	ObserveOutcome(outcome EntryOutcome)
	ObserveVerdict(env Environment, decision Decision)
}

type nopObserver struct{}

func (nopObserver) ObserveQuery(string, string, time.Duration, error) {}
func (nopObserver) ObserveAttempt(string, AttemptOutcome)             {}
func (nopObserver) ObserveOutcome(EntryOutcome)                       {}
func (nopObserver) ObserveVerdict(Environment, Decision)              {}
