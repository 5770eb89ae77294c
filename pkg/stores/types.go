package stores

import (
	"context"
	"time"

	"github.com/openfroyo/reconcile/pkg/engine"
)

// RunRecord is a persisted summary of a reconciliation run.
type RunRecord struct {
	ID          string             `json:"id"`
	Environment engine.Environment `json:"environment"`
	Status      engine.RunStatus   `json:"status"`
	ExitCode    int                `json:"exit_code"`
	DryRun      bool               `json:"dry_run"`
	Decision    *string            `json:"decision,omitempty"`
	StartedAt   time.Time          `json:"started_at"`
	CompletedAt time.Time          `json:"completed_at"`
	Report      string             `json:"report"` // JSON blob
}

// AuditEntry represents an audit trail entry
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`              // e.g., "import", "reimport", "remove", "gate"
	Actor     string    `json:"actor"`               // user or system identifier
	TargetID  *string   `json:"target_id,omitempty"` // address or environment
	Details   *string   `json:"details,omitempty"`   // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// Store defines the interface for the persistence layer
type Store interface {
	engine.StateStore
	engine.Auditor
	engine.ReportSink

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Run history
	ListRuns(ctx context.Context, limit, offset int) ([]*RunRecord, error)

	// Audit operations
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
