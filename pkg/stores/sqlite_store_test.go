package stores

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/openfroyo/reconcile/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	return store
}

func mustLock(t *testing.T, store *SQLiteStore) *engine.Lock {
	t.Helper()
	lock, err := store.AcquireLock(context.Background(), "test")
	if err != nil {
		t.Fatalf("failed to acquire lock: %v", err)
	}
	return lock
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Error("expected error for empty path")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	tables := []string{"tracked_resources", "state_lock", "runs", "audit"}
	for _, table := range tables {
		query := "SELECT COUNT(*) FROM " + table
		var count int
		err := store.db.QueryRowContext(ctx, query).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// Running migrations again is a no-op
	if err := store.Migrate(ctx); err != nil {
		t.Errorf("second migration failed: %v", err)
	}
}

// TestTrackedResourceCRUD tests write, read, list and remove
func TestTrackedResourceCRUD(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	rec, err := store.Read(ctx, "lb.main")
	if err != nil || rec != nil {
		t.Fatalf("expected untracked address, got %+v, %v", rec, err)
	}

	lock := mustLock(t, store)
	importedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, r := range []engine.TrackedResource{
		{Address: "sg.web", ProviderID: "sg-0abc", Kind: "aws_security_group", ImportedAt: importedAt, RunID: "run-1"},
		{Address: "lb.main", ProviderID: "arn:lb/app-alb/1", Kind: "aws_lb", ImportedAt: importedAt, RunID: "run-1"},
	} {
		if err := store.Write(ctx, lock, r, false); err != nil {
			t.Fatalf("failed to write %s: %v", r.Address, err)
		}
	}
	if err := store.ReleaseLock(ctx, lock); err != nil {
		t.Fatalf("failed to release lock: %v", err)
	}

	rec, err = store.Read(ctx, "lb.main")
	if err != nil {
		t.Fatalf("failed to read: %v", err)
	}
	if rec.ProviderID != "arn:lb/app-alb/1" || rec.Kind != "aws_lb" || rec.RunID != "run-1" {
		t.Errorf("unexpected record %+v", rec)
	}
	if !rec.ImportedAt.Equal(importedAt) {
		t.Errorf("expected imported_at %v, got %v", importedAt, rec.ImportedAt)
	}

	list, err := store.List(ctx)
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(list) != 2 || list[0].Address != "lb.main" || list[1].Address != "sg.web" {
		t.Errorf("expected records ordered by address, got %+v", list)
	}

	lock = mustLock(t, store)
	if err := store.Remove(ctx, lock, "sg.web"); err != nil {
		t.Fatalf("failed to remove: %v", err)
	}
	if err := store.Remove(ctx, lock, "sg.missing"); err != nil {
		t.Errorf("removing an untracked address should succeed: %v", err)
	}
	_ = store.ReleaseLock(ctx, lock)

	if rec, _ := store.Read(ctx, "sg.web"); rec != nil {
		t.Error("expected sg.web to be removed")
	}
}

// TestWriteAlreadyTracked tests the force semantics
func TestWriteAlreadyTracked(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	lock := mustLock(t, store)
	defer store.ReleaseLock(ctx, lock)

	if err := store.Write(ctx, lock, engine.TrackedResource{Address: "lb.main", ProviderID: "arn:lb/1"}, false); err != nil {
		t.Fatalf("failed to write: %v", err)
	}

	err := store.Write(ctx, lock, engine.TrackedResource{Address: "lb.main", ProviderID: "arn:lb/2"}, false)
	if !engine.IsAlreadyTracked(err) {
		t.Fatalf("expected AlreadyTrackedError, got %v", err)
	}

	if err := store.Write(ctx, lock, engine.TrackedResource{Address: "lb.main", ProviderID: "arn:lb/2"}, true); err != nil {
		t.Fatalf("forced write failed: %v", err)
	}
	rec, _ := store.Read(ctx, "lb.main")
	if rec.ProviderID != "arn:lb/2" {
		t.Errorf("expected forced write to replace record, got %s", rec.ProviderID)
	}
}

// TestWriteProviderIDUnique tests provider id uniqueness across addresses
func TestWriteProviderIDUnique(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	lock := mustLock(t, store)
	defer store.ReleaseLock(ctx, lock)

	if err := store.Write(ctx, lock, engine.TrackedResource{Address: "sg.a", ProviderID: "sg-1"}, false); err != nil {
		t.Fatalf("failed to write: %v", err)
	}

	err := store.Write(ctx, lock, engine.TrackedResource{Address: "sg.b", ProviderID: "sg-1"}, true)
	if !engine.HasCode(err, engine.ErrCodeProviderIDInUse) {
		t.Fatalf("expected PROVIDER_ID_IN_USE, got %v", err)
	}
	if !engine.IsPermanent(err) {
		t.Error("provider id conflict should be permanent")
	}
	if rec, _ := store.Read(ctx, "sg.b"); rec != nil {
		t.Error("conflicting write must not be recorded")
	}
}

// TestLocking tests lock contention, expiry and lock checks
func TestLocking(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	first, err := store.AcquireLock(ctx, "alice@ci")
	if err != nil {
		t.Fatalf("failed to acquire lock: %v", err)
	}

	_, err = store.AcquireLock(ctx, "bob@laptop")
	if !engine.HasCode(err, engine.ErrCodeLockHeld) || !engine.IsTransient(err) {
		t.Fatalf("expected transient LOCK_HELD, got %v", err)
	}
	if !strings.Contains(err.Error(), "alice@ci") {
		t.Errorf("lock error should name the holder: %v", err)
	}

	err = store.Write(ctx, nil, engine.TrackedResource{Address: "a", ProviderID: "b"}, false)
	if !engine.HasCode(err, engine.ErrCodeLockNotHeld) {
		t.Errorf("expected LOCK_NOT_HELD without lock, got %v", err)
	}

	// Expired lock is taken over
	now = now.Add(DefaultLockTTL + time.Second)
	second, err := store.AcquireLock(ctx, "bob@laptop")
	if err != nil {
		t.Fatalf("expected takeover of expired lock: %v", err)
	}

	err = store.Write(ctx, first, engine.TrackedResource{Address: "a", ProviderID: "b"}, false)
	if !engine.HasCode(err, engine.ErrCodeLockNotHeld) {
		t.Errorf("stale lock should be rejected, got %v", err)
	}

	// Releasing the stale lock leaves the new holder in place
	if err := store.ReleaseLock(ctx, first); err != nil {
		t.Fatalf("failed to release stale lock: %v", err)
	}
	if err := store.Write(ctx, second, engine.TrackedResource{Address: "a", ProviderID: "b"}, false); err != nil {
		t.Errorf("current holder should still write: %v", err)
	}

	if err := store.ReleaseLock(ctx, second); err != nil {
		t.Fatalf("failed to release lock: %v", err)
	}
	if _, err := store.AcquireLock(ctx, "carol"); err != nil {
		t.Errorf("expected lock to be free after release: %v", err)
	}
}

// TestAuditOperations tests audit entry recording and filtering
func TestAuditOperations(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	if err := store.RecordAudit(ctx, "import", "alice", "lb.main", map[string]interface{}{"provider_id": "arn:lb/1"}); err != nil {
		t.Fatalf("failed to record audit: %v", err)
	}
	if err := store.RecordAudit(ctx, "gate", "", "prod", nil); err != nil {
		t.Fatalf("failed to record audit: %v", err)
	}

	all, err := store.ListAuditEntries(ctx, nil, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to list audit entries: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(all))
	}
	if all[0].Action != "gate" || all[0].Details != nil {
		t.Errorf("expected newest entry first, got %+v", all[0])
	}

	action := "import"
	imports, err := store.ListAuditEntries(ctx, &action, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to filter audit entries: %v", err)
	}
	if len(imports) != 1 || *imports[0].TargetID != "lb.main" {
		t.Fatalf("unexpected filtered entries %+v", imports)
	}
	if !strings.Contains(*imports[0].Details, `"provider_id":"arn:lb/1"`) {
		t.Errorf("details not stored as JSON: %s", *imports[0].Details)
	}
}

// TestRunHistory tests persisting run reports
func TestRunHistory(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, id := range []string{"run-1", "run-2"} {
		report := &engine.RunReport{
			RunID:       id,
			Environment: engine.EnvironmentProduction,
			StartedAt:   start.Add(time.Duration(i) * time.Hour),
			CompletedAt: start.Add(time.Duration(i)*time.Hour + time.Minute),
			Entries:     []engine.EntryResult{{Address: "lb.main", Outcome: engine.OutcomeImported}},
		}
		if i == 1 {
			report.Verdict = &engine.SafetyVerdict{Decision: engine.DecisionDeny}
		}
		report.Finalize()
		if err := store.Publish(ctx, report); err != nil {
			t.Fatalf("failed to publish %s: %v", id, err)
		}
	}

	runs, err := store.ListRuns(ctx, 10, 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	latest := runs[0]
	if latest.ID != "run-2" || latest.ExitCode != 1 || latest.Decision == nil || *latest.Decision != "deny" {
		t.Errorf("unexpected latest run %+v", latest)
	}
	if runs[1].Decision != nil || runs[1].Status != engine.RunStatusSucceeded {
		t.Errorf("unexpected first run %+v", runs[1])
	}
	if !strings.Contains(latest.Report, `"run_id":"run-2"`) {
		t.Errorf("report JSON not stored: %s", latest.Report)
	}
}

// TestFileBackedStore tests that state persists across reopen
func TestFileBackedStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	open := func() *SQLiteStore {
		store, err := NewSQLiteStore(Config{Path: path})
		if err != nil {
			t.Fatalf("failed to create store: %v", err)
		}
		if err := store.Init(ctx); err != nil {
			t.Fatalf("failed to init store: %v", err)
		}
		if err := store.Migrate(ctx); err != nil {
			t.Fatalf("failed to migrate store: %v", err)
		}
		return store
	}

	store := open()
	lock := mustLock(t, store)
	if err := store.Write(ctx, lock, engine.TrackedResource{Address: "lb.main", ProviderID: "arn:lb/1"}, false); err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	_ = store.ReleaseLock(ctx, lock)
	_ = store.Close()

	store = open()
	defer store.Close()
	rec, err := store.Read(ctx, "lb.main")
	if err != nil || rec == nil || rec.ProviderID != "arn:lb/1" {
		t.Fatalf("expected persisted record, got %+v, %v", rec, err)
	}
}

// TestMain sets up and tears down test environment
func TestMain(m *testing.M) {
	// Run tests
	code := m.Run()

	// Exit
	os.Exit(code)
}
