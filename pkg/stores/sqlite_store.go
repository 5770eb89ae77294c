package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/openfroyo/reconcile/pkg/engine"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const memoryPath = ":memory:"

// DefaultLockTTL bounds how long a state lock is honoured if its holder dies.
const DefaultLockTTL = 5 * time.Minute

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
	now func() time.Time
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	LockTTL         time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.LockTTL == 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	// Every connection to :memory: is a separate database.
	if cfg.Path == memoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		cfg: cfg,
		now: time.Now,
	}, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate&_time_format=sqlite", s.cfg.Path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	// Create database driver
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	// Create migration instance
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	// Run migrations
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Read returns the tracked record for address, or nil when untracked.
func (s *SQLiteStore) Read(ctx context.Context, address string) (*engine.TrackedResource, error) {
	query := `
		SELECT address, provider_id, kind, imported_at, run_id
		FROM tracked_resources
		WHERE address = ?
	`

	rec := &engine.TrackedResource{}
	err := s.db.QueryRowContext(ctx, query, address).Scan(
		&rec.Address,
		&rec.ProviderID,
		&rec.Kind,
		&rec.ImportedAt,
		&rec.RunID,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("failed to read tracked resource", err).WithResource(address)
	}

	return rec, nil
}

// List returns every tracked record ordered by address.
func (s *SQLiteStore) List(ctx context.Context) ([]engine.TrackedResource, error) {
	query := `
		SELECT address, provider_id, kind, imported_at, run_id
		FROM tracked_resources
		ORDER BY address ASC
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, classify("failed to list tracked resources", err)
	}
	defer rows.Close()

	records := []engine.TrackedResource{}
	for rows.Next() {
		var rec engine.TrackedResource
		if err := rows.Scan(&rec.Address, &rec.ProviderID, &rec.Kind, &rec.ImportedAt, &rec.RunID); err != nil {
			return nil, fmt.Errorf("failed to scan tracked resource: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tracked resources: %w", err)
	}

	return records, nil
}

// Write records rec under lock. With force an existing record for the
// address is replaced in the same transaction.
func (s *SQLiteStore) Write(ctx context.Context, lock *engine.Lock, rec engine.TrackedResource, force bool) error {
	if rec.Address == "" || rec.ProviderID == "" {
		return engine.NewPermanentWriteError("address and provider id are required", nil).
			WithCode(engine.ErrCodeValidation)
	}

	return s.withLockedTx(ctx, lock, func(tx *sql.Tx) error {
		var existing string
		err := tx.QueryRowContext(ctx,
			`SELECT provider_id FROM tracked_resources WHERE address = ?`, rec.Address).Scan(&existing)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return classify("failed to check tracked resource", err)
		case !force:
			return engine.NewAlreadyTrackedError(rec.Address, existing)
		}

		var owner string
		err = tx.QueryRowContext(ctx,
			`SELECT address FROM tracked_resources WHERE provider_id = ? AND address <> ?`,
			rec.ProviderID, rec.Address).Scan(&owner)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return classify("failed to check provider id", err)
		default:
			return engine.NewPermanentWriteError(
				fmt.Sprintf("provider id %s is already tracked at %s", rec.ProviderID, owner), nil).
				WithCode(engine.ErrCodeProviderIDInUse).
				WithResource(rec.Address).
				WithRemediation(fmt.Sprintf("remove %s from state or fix the selector", owner))
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM tracked_resources WHERE address = ?`, rec.Address); err != nil {
			return classify("failed to remove tracked resource", err)
		}

		importedAt := rec.ImportedAt
		if importedAt.IsZero() {
			importedAt = s.now().UTC()
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tracked_resources (address, provider_id, kind, imported_at, run_id)
			VALUES (?, ?, ?, ?, ?)
		`, rec.Address, rec.ProviderID, rec.Kind, importedAt, rec.RunID)
		if err != nil {
			return classify("failed to insert tracked resource", err)
		}
		return nil
	})
}

// Remove deletes the record for address under lock.
func (s *SQLiteStore) Remove(ctx context.Context, lock *engine.Lock, address string) error {
	return s.withLockedTx(ctx, lock, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tracked_resources WHERE address = ?`, address); err != nil {
			return classify("failed to remove tracked resource", err).WithResource(address)
		}
		return nil
	})
}

// AcquireLock takes the state lock for owner. An expired lock is taken over.
func (s *SQLiteStore) AcquireLock(ctx context.Context, owner string) (*engine.Lock, error) {
	now := s.now().UTC()
	lock := &engine.Lock{
		ID:         uuid.New().String(),
		Owner:      owner,
		AcquiredAt: now,
		ExpiresAt:  now.Add(s.cfg.LockTTL),
	}

	err := s.inTx(ctx, func(tx *sql.Tx) error {
		current, err := currentLock(ctx, tx)
		if err != nil {
			return err
		}
		if current != nil && !current.Expired(now) {
			return engine.NewTransientWriteError(
				fmt.Sprintf("state lock held by %s until %s", current.Owner, current.ExpiresAt.Format(time.RFC3339)), nil).
				WithCode(engine.ErrCodeLockHeld).
				WithDetail("lock_id", current.ID)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO state_lock (name, id, owner, acquired_at, expires_at)
			VALUES ('state', ?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				id = excluded.id,
				owner = excluded.owner,
				acquired_at = excluded.acquired_at,
				expires_at = excluded.expires_at
		`, lock.ID, lock.Owner, lock.AcquiredAt, lock.ExpiresAt)
		if err != nil {
			return classify("failed to acquire state lock", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lock, nil
}

// ReleaseLock releases lock. Releasing a lock that was taken over is a no-op.
func (s *SQLiteStore) ReleaseLock(ctx context.Context, lock *engine.Lock) error {
	if lock == nil {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM state_lock WHERE name = 'state' AND id = ?`, lock.ID); err != nil {
		return classify("failed to release state lock", err)
	}
	return nil
}

// withLockedTx runs fn in a transaction after verifying lock is current.
func (s *SQLiteStore) withLockedTx(ctx context.Context, lock *engine.Lock, fn func(tx *sql.Tx) error) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		current, err := currentLock(ctx, tx)
		if err != nil {
			return err
		}
		if lock == nil || current == nil || current.ID != lock.ID || current.Expired(s.now()) {
			return engine.NewPermanentWriteError("state lock not held", nil).
				WithCode(engine.ErrCodeLockNotHeld).
				WithRemediation("acquire the state lock before mutating state")
		}
		return fn(tx)
	})
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify("failed to begin transaction", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify("failed to commit transaction", err)
	}
	return nil
}

func currentLock(ctx context.Context, tx *sql.Tx) (*engine.Lock, error) {
	lock := &engine.Lock{}
	err := tx.QueryRowContext(ctx,
		`SELECT id, owner, acquired_at, expires_at FROM state_lock WHERE name = 'state'`).
		Scan(&lock.ID, &lock.Owner, &lock.AcquiredAt, &lock.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("failed to read state lock", err)
	}
	return lock, nil
}

// RecordAudit appends an audit entry. details is stored as JSON.
func (s *SQLiteStore) RecordAudit(ctx context.Context, action, actor, target string, details map[string]interface{}) error {
	entry := &AuditEntry{
		Action:    action,
		Actor:     actor,
		Timestamp: s.now().UTC(),
	}
	if target != "" {
		entry.TargetID = &target
	}
	if len(details) > 0 {
		data, err := json.Marshal(details)
		if err != nil {
			return fmt.Errorf("failed to marshal audit details: %w", err)
		}
		d := string(data)
		entry.Details = &d
	}
	return s.CreateAuditEntry(ctx, entry)
}

// CreateAuditEntry creates a new audit log entry
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	query := `
		INSERT INTO audit (action, actor, target_id, details, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`

	result, err := s.db.ExecContext(ctx, query,
		entry.Action,
		entry.Actor,
		entry.TargetID,
		entry.Details,
		entry.Timestamp,
	)

	if err != nil {
		return fmt.Errorf("failed to create audit entry: %w", err)
	}

	// Get the auto-generated ID
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get audit entry ID: %w", err)
	}

	entry.ID = id
	return nil
}

// ListAuditEntries lists audit entries with optional filters and pagination
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error) {
	query := `
		SELECT id, action, actor, target_id, details, timestamp
		FROM audit
		WHERE (? IS NULL OR action = ?)
		  AND (? IS NULL OR actor = ?)
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, action, action, actor, actor, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	entries := []*AuditEntry{}
	for rows.Next() {
		entry := &AuditEntry{}
		err := rows.Scan(
			&entry.ID,
			&entry.Action,
			&entry.Actor,
			&entry.TargetID,
			&entry.Details,
			&entry.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit entries: %w", err)
	}

	return entries, nil
}

// Publish persists a run report in the run history.
func (s *SQLiteStore) Publish(ctx context.Context, report *engine.RunReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to marshal run report: %w", err)
	}

	var decision *string
	if report.Verdict != nil {
		d := string(report.Verdict.Decision)
		decision = &d
	}

	query := `
		INSERT INTO runs (id, environment, status, exit_code, dry_run, decision, started_at, completed_at, report)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		report.RunID,
		report.Environment,
		report.Status,
		report.ExitCode,
		report.DryRun,
		decision,
		report.StartedAt,
		report.CompletedAt,
		string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to record run: %w", err)
	}
	return nil
}

// ListRuns lists runs with pagination, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*RunRecord, error) {
	query := `
		SELECT id, environment, status, exit_code, dry_run, decision, started_at, completed_at, report
		FROM runs
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*RunRecord{}
	for rows.Next() {
		run := &RunRecord{}
		err := rows.Scan(
			&run.ID,
			&run.Environment,
			&run.Status,
			&run.ExitCode,
			&run.DryRun,
			&run.Decision,
			&run.StartedAt,
			&run.CompletedAt,
			&run.Report,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// classify maps SQLite errors onto the write error taxonomy. Busy and locked
// databases are transient; everything else is permanent.
func classify(msg string, err error) *engine.EngineError {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() & 0xff {
		case sqlite3lib.SQLITE_BUSY, sqlite3lib.SQLITE_LOCKED:
			return engine.NewTransientWriteError(msg, err).WithCode(engine.ErrCodeLockHeld)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return engine.NewTransientWriteError(msg, err)
	}
	return engine.NewPermanentWriteError(msg, err)
}

var (
	_ Store             = (*SQLiteStore)(nil)
	_ engine.StateStore = (*SQLiteStore)(nil)
)
