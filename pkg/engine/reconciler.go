package engine

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// lockReleaseTimeout bounds the lock release that follows every write attempt.
const lockReleaseTimeout = 10 * time.Second

// ReconcileOptions controls how catalog entries are reconciled.
type ReconcileOptions struct {
	// RunID is stamped on every record written in this run.
	RunID string

	// Owner identifies the lock holder (usually user@host).
	Owner string

	// DryRun performs discovery only and never writes state.
	DryRun bool

	// Force removes and re-imports addresses that are already tracked.
	Force bool
}

// Reconciler drives each catalog entry from pending to a terminal outcome.
//
// Reconciliation has two steps. Prepare reads state and runs discovery; it is
// read-only and safe to run concurrently. Import performs the lock-scoped
// write and is serialized by the Reconciler.
type Reconciler struct {
	store      StateStore
	discoverer *Discoverer
	policy     RetryPolicy
	logger     zerolog.Logger
	observer   Observer
	now        func() time.Time

	writeMu sync.Mutex
}

// NewReconciler creates an import reconciler.
func NewReconciler(store StateStore, discoverer *Discoverer, policy RetryPolicy, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		store:      store,
		discoverer: discoverer,
		policy:     policy,
		logger:     logger.With().Str("component", "reconciler").Logger(),
		observer:   nopObserver{},
		now:        time.Now,
	}
}

// WithObserver attaches a measurement sink.
func (r *Reconciler) WithObserver(o Observer) *Reconciler {
	if o != nil {
		r.observer = o
	}
	return r
}

// pendingEntry carries a prepared entry to the import step.
type pendingEntry struct {
	entry   CatalogEntry
	result  EntryResult
	tracked *TrackedResource
	started time.Time
}

// done reports whether the entry already reached a terminal outcome.
func (p *pendingEntry) done() bool {
	return p.result.Outcome.IsTerminal()
}

// Reconcile runs both steps for a single entry.
func (r *Reconciler) Reconcile(ctx context.Context, entry CatalogEntry, opts ReconcileOptions) EntryResult {
	p := r.prepare(ctx, entry, opts)
	if !p.done() {
		r.importEntry(ctx, p, opts)
	}
	return r.finish(p)
}

// prepare checks the state store and runs discovery. It never writes.
func (r *Reconciler) prepare(ctx context.Context, entry CatalogEntry, opts ReconcileOptions) *pendingEntry {
	p := &pendingEntry{
		entry: entry,
		result: EntryResult{
			Address:  entry.Address,
			Kind:     entry.Kind,
			Required: entry.Required,
			Outcome:  OutcomePending,
		},
		started: r.now(),
	}
	log := r.logger.With().Str("address", entry.Address).Logger()

	if ctx.Err() != nil {
		p.skip(SkipCancelled)
		return p
	}

	tracked, err := r.read(ctx, entry.Address)
	if err != nil {
		if IsCancelled(err) {
			p.skip(SkipCancelled)
			return p
		}
		log.Error().Err(err).Msg("State pre-check failed")
		p.result.fail(OutcomeFailed, AsEngineError(err).WithResource(entry.Address))
		return p
	}
	p.tracked = tracked

	if tracked != nil && !opts.Force {
		log.Debug().Str("provider_id", tracked.ProviderID).Msg("Address already tracked")
		p.result.ProviderID = tracked.ProviderID
		p.skip(SkipAlreadyTracked)
		return p
	}

	discovery, attempts, err := r.discoverer.Discover(ctx, entry)
	p.result.Attempts = append(p.result.Attempts, attempts...)
	if err != nil {
		if IsCancelled(err) {
			p.skip(SkipCancelled)
			return p
		}
		p.result.fail(OutcomeFailed, err)
		return p
	}
	p.result.Candidates = discovery.Candidates

	switch discovery.Status() {
	case DiscoveryNotFound:
		p.result.Outcome = OutcomeNoImportNeeded
	case DiscoveryAmbiguous:
		p.result.fail(OutcomeBlocked, NewAmbiguousMatchError(entry.Address, discovery.Candidates))
	case DiscoveryMatch:
		id, _ := discovery.Match()
		p.result.ProviderID = id
		switch {
		case tracked != nil && tracked.ProviderID == id:
			p.skip(SkipUnchanged)
		case opts.DryRun:
			p.result.Outcome = OutcomeWouldImport
		}
	}
	return p
}

// importEntry writes the matched provider id under the store lock.
func (r *Reconciler) importEntry(ctx context.Context, p *pendingEntry, opts ReconcileOptions) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	ctx, span := otel.Tracer(tracerName).Start(ctx, "reconciler.import")
	defer span.End()
	span.SetAttributes(
		attribute.String("address", p.entry.Address),
		attribute.String("provider_id", p.result.ProviderID),
		attribute.Bool("force", opts.Force),
	)

	if ctx.Err() != nil {
		p.skip(SkipCancelled)
		return
	}

	rec := TrackedResource{
		Address:    p.entry.Address,
		ProviderID: p.result.ProviderID,
		Kind:       p.entry.Kind,
		ImportedAt: r.now().UTC(),
		RunID:      opts.RunID,
	}
	force := opts.Force && p.tracked != nil
	log := r.logger.With().Str("address", rec.Address).Str("provider_id", rec.ProviderID).Logger()

	err := r.policy.Do(ctx, OpWrite, func(callCtx context.Context, attempt int) error {
		return r.writeOnce(callCtx, rec, force, opts.Owner)
	}, func(attempt int, outcome AttemptOutcome, err error) {
		a := ImportAttempt{
			Address:   rec.Address,
			Operation: string(OpWrite),
			Attempt:   attempt,
			Outcome:   outcome,
			Timestamp: r.now().UTC(),
		}
		if err != nil {
			a.Error = err.Error()
			if outcome == AttemptTransientFailure {
				log.Warn().Err(err).Int("attempt", attempt).Msg("State write failed, will retry")
			}
		}
		r.observer.ObserveAttempt(string(OpWrite), outcome)
		p.result.Attempts = append(p.result.Attempts, a)
	})

	switch {
	case err == nil:
		p.result.Outcome = OutcomeImported
		log.Info().Bool("force", force).Msg("Imported resource into state")
		r.audit(ctx, opts, rec, force)
	case IsAlreadyTracked(err):
		p.skip(SkipAlreadyTracked)
	case IsCancelled(err):
		p.skip(SkipCancelled)
	default:
		log.Error().Err(err).Msg("Import failed")
		p.result.fail(OutcomeFailed, AsEngineError(err).WithResource(rec.Address))
	}
}

// writeOnce is one import attempt: acquire lock, write, read back, release.
func (r *Reconciler) writeOnce(ctx context.Context, rec TrackedResource, force bool, owner string) error {
	lock, err := r.store.AcquireLock(ctx, owner)
	if err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lockReleaseTimeout)
		defer cancel()
		if err := r.store.ReleaseLock(releaseCtx, lock); err != nil {
			r.logger.Warn().Err(err).Str("lock_id", lock.ID).Msg("Failed to release state lock")
		}
	}()

	// A previous attempt of this run may have written before failing.
	existing, err := r.store.Read(ctx, rec.Address)
	if err != nil {
		return NewTransientWriteError("read before write failed", err).WithResource(rec.Address)
	}
	if !(existing != nil && existing.ProviderID == rec.ProviderID && existing.RunID == rec.RunID) {
		if err := r.store.Write(ctx, lock, rec, force); err != nil {
			return err
		}
	}

	got, err := r.store.Read(ctx, rec.Address)
	if err != nil {
		return NewTransientWriteError("read-back verification failed", err).WithResource(rec.Address)
	}
	if got == nil || got.ProviderID != rec.ProviderID {
		return NewPermanentWriteError("read-back does not match written record", nil).
			WithResource(rec.Address).
			WithRemediation("inspect the state store; another writer may have modified this address")
	}
	return nil
}

// read performs a state store lookup under the retry policy.
func (r *Reconciler) read(ctx context.Context, address string) (*TrackedResource, error) {
	var tracked *TrackedResource
	err := r.policy.Do(ctx, OpRead, func(callCtx context.Context, _ int) error {
		rec, err := r.store.Read(callCtx, address)
		if err != nil {
			return err
		}
		tracked = rec
		return nil
	}, nil)
	return tracked, err
}

func (r *Reconciler) audit(ctx context.Context, opts ReconcileOptions, rec TrackedResource, force bool) {
	auditor, ok := r.store.(Auditor)
	if !ok {
		return
	}
	action := "import"
	if force {
		action = "reimport"
	}
	err := auditor.RecordAudit(context.WithoutCancel(ctx), action, opts.Owner, rec.Address, map[string]interface{}{
		"provider_id": rec.ProviderID,
		"kind":        rec.Kind,
		"run_id":      rec.RunID,
	})
	if err != nil {
		r.logger.Warn().Err(err).Str("address", rec.Address).Msg("Failed to record audit entry")
	}
}

// finish stamps the duration and reports the outcome.
func (r *Reconciler) finish(p *pendingEntry) EntryResult {
	p.result.Duration = r.now().Sub(p.started)
	r.observer.ObserveOutcome(p.result.Outcome)
	return p.result
}

func (p *pendingEntry) skip(reason SkipReason) {
	p.result.Outcome = OutcomeSkipped
	p.result.SkipReason = reason
}
