package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Mock implementations for testing

type mockProvider struct {
	mu        sync.Mutex
	resources []ProviderResource
	errs      []error
	calls     int
}

func newMockProvider(resources ...ProviderResource) *mockProvider {
	return &mockProvider{resources: resources}
}

func (m *mockProvider) Name() string { return "mock" }

func (m *mockProvider) Find(ctx context.Context, kind string, selector Selector) ([]ProviderResource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		if err != nil {
			return nil, err
		}
	}

	filters := selector.TagFilters()
	out := make([]ProviderResource, 0)
	for _, r := range m.resources {
		if r.Kind != kind {
			continue
		}
		matched := true
		for k, v := range filters {
			if r.Tags[k] != v {
				matched = false
				break
			}
		}
		if matched {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *mockProvider) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type mockStore struct {
	mu        sync.Mutex
	records   map[string]TrackedResource
	lock      *Lock
	writeErrs []error
	lockErrs  []error
	writes    int
	locks     int
	audits    []string
}

func newMockStore() *mockStore {
	return &mockStore{records: make(map[string]TrackedResource)}
}

func (m *mockStore) Read(ctx context.Context, address string) (*TrackedResource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[address]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *mockStore) Write(ctx context.Context, lock *Lock, rec TrackedResource, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lock == nil || lock == nil || m.lock.ID != lock.ID {
		return NewPermanentWriteError("lock not held", nil).WithCode(ErrCodeLockNotHeld)
	}
	if len(m.writeErrs) > 0 {
		err := m.writeErrs[0]
		m.writeErrs = m.writeErrs[1:]
		if err != nil {
			return err
		}
	}
	if existing, ok := m.records[rec.Address]; ok && !force {
		return NewAlreadyTrackedError(rec.Address, existing.ProviderID)
	}
	for addr, r := range m.records {
		if r.ProviderID == rec.ProviderID && addr != rec.Address {
			return NewPermanentWriteError("provider id tracked at "+addr, nil).WithCode(ErrCodeProviderIDInUse)
		}
	}
	m.writes++
	m.records[rec.Address] = rec
	return nil
}

func (m *mockStore) Remove(ctx context.Context, lock *Lock, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, address)
	return nil
}

func (m *mockStore) List(ctx context.Context) ([]TrackedResource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]TrackedResource, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

func (m *mockStore) AcquireLock(ctx context.Context, owner string) (*Lock, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.lockErrs) > 0 {
		err := m.lockErrs[0]
		m.lockErrs = m.lockErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	if m.lock != nil {
		return nil, NewTransientWriteError("lock held by "+m.lock.Owner, nil).WithCode(ErrCodeLockHeld)
	}
	now := time.Now()
	m.lock = &Lock{ID: uuid.New().String(), Owner: owner, AcquiredAt: now, ExpiresAt: now.Add(time.Minute)}
	m.locks++
	return m.lock, nil
}

func (m *mockStore) ReleaseLock(ctx context.Context, lock *Lock) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lock != nil && lock != nil && m.lock.ID == lock.ID {
		m.lock = nil
	}
	return nil
}

func (m *mockStore) RecordAudit(ctx context.Context, action, actor, target string, details map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audits = append(m.audits, fmt.Sprintf("%s %s", action, target))
	return nil
}

func (m *mockStore) put(rec TrackedResource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.Address] = rec
}

func (m *mockStore) writeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writes
}

type mockMatcher struct {
	fn func(expr string, r ProviderResource) (bool, error)
}

func (m *mockMatcher) Matches(ctx context.Context, expr string, r ProviderResource) (bool, error) {
	return m.fn(expr, r)
}

type mockCatalog struct {
	catalog *Catalog
	err     error
}

func (m *mockCatalog) LoadCatalog(ctx context.Context) (*Catalog, error) {
	return m.catalog, m.err
}

type mockPlanSource struct {
	plan *PlanInput
	err  error
	reqs []PlanRequest
}

func (m *mockPlanSource) LoadPlan(ctx context.Context, req PlanRequest) (*PlanInput, error) {
	m.reqs = append(m.reqs, req)
	return m.plan, m.err
}

type mockAuthorizer struct {
	err   error
	calls int
}

func (m *mockAuthorizer) Authorize(ctx context.Context, token *OverrideToken, env Environment, risk RiskSummary) error {
	m.calls++
	return m.err
}

type mockSink struct {
	reports []*RunReport
}

func (m *mockSink) Publish(ctx context.Context, report *RunReport) error {
	m.reports = append(m.reports, report)
	return nil
}

type countingObserver struct {
	mu       sync.Mutex
	queries  int
	attempts map[string]int
	outcomes map[EntryOutcome]int
	verdicts map[Decision]int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{
		attempts: make(map[string]int),
		outcomes: make(map[EntryOutcome]int),
		verdicts: make(map[Decision]int),
	}
}

func (o *countingObserver) ObserveQuery(provider, kind string, d time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.queries++
}

func (o *countingObserver) ObserveAttempt(op string, outcome AttemptOutcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.attempts[op+"/"+string(outcome)]++
}

func (o *countingObserver) ObserveOutcome(outcome EntryOutcome) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes[outcome]++
}

func (o *countingObserver) ObserveVerdict(env Environment, d Decision) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.verdicts[d]++
}

// testPolicy keeps production backoff values but records waits instead of sleeping.
func testPolicy(waits *[]time.Duration) RetryPolicy {
	p := DefaultRetryPolicy()
	p.CallTimeout = 5 * time.Second
	var mu sync.Mutex
	p.sleep = func(ctx context.Context, d time.Duration) error {
		if waits != nil {
			mu.Lock()
			*waits = append(*waits, d)
			mu.Unlock()
		}
		return ctx.Err()
	}
	return p
}

func newTestReconciler(provider ProviderQuerier, store StateStore) *Reconciler {
	policy := testPolicy(nil)
	d := NewDiscoverer(provider, nil, policy, zerolog.Nop())
	return NewReconciler(store, d, policy, zerolog.Nop())
}

func albResource(id string) ProviderResource {
	return ProviderResource{
		ID:   id,
		Kind: "aws_lb",
		Name: "app-alb",
		Tags: map[string]string{"Name": "app-alb", "env": "prod"},
	}
}

func sgResource(id string) ProviderResource {
	return ProviderResource{
		ID:   id,
		Kind: "aws_security_group",
		Name: "ec2",
		Tags: map[string]string{"Name": "ec2"},
	}
}

func lbEntry() CatalogEntry {
	return CatalogEntry{
		Address:  "lb.main",
		Kind:     "aws_lb",
		Selector: Selector{Name: "app-alb"},
	}
}

func sgEntry() CatalogEntry {
	return CatalogEntry{
		Address:  "sg.ec2",
		Kind:     "aws_security_group",
		Selector: Selector{Name: "ec2"},
	}
}
