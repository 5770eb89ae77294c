package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

// DefaultConcurrency bounds concurrent discovery when RunOptions.Concurrency is unset.
const DefaultConcurrency = 8

// RunOptions parameterizes one reconciliation run.
type RunOptions struct {
	Environment       Environment
	Project           string
	Region            string
	DryRun            bool
	Force             bool
	SkipRefresh       bool
	ContinueOnFailure bool

	// Concurrency bounds concurrent discovery. Writes are always serial.
	Concurrency int

	// Owner identifies this run as a lock holder.
	Owner string

	// RunID is generated when empty.
	RunID string

	// Override is an optional override token for destructive changes.
	Override *OverrideToken
}

// Coordinator orchestrates a full reconciliation pass and produces the run report.
type Coordinator struct {
	catalog    CatalogSource
	reconciler *Reconciler
	plans      PlanSource
	authorizer OverrideAuthorizer
	auditor    Auditor
	sinks      []ReportSink
	provider   string
	logger     zerolog.Logger
	observer   Observer
}

// NewCoordinator creates a run coordinator. plans may be nil, in which case
// the plan analysis and safety gate are not evaluated.
func NewCoordinator(catalog CatalogSource, reconciler *Reconciler, plans PlanSource, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		catalog:    catalog,
		reconciler: reconciler,
		plans:      plans,
		logger:     logger.With().Str("component", "coordinator").Logger(),
		observer:   nopObserver{},
	}
}

// WithAuthorizer sets the override token authorizer.
func (c *Coordinator) WithAuthorizer(a OverrideAuthorizer) *Coordinator {
	c.authorizer = a
	return c
}

// WithAuditor records verdicts in an audit trail.
func (c *Coordinator) WithAuditor(a Auditor) *Coordinator {
	c.auditor = a
	return c
}

// WithSinks sets the report sinks.
func (c *Coordinator) WithSinks(sinks ...ReportSink) *Coordinator {
	c.sinks = append(c.sinks, sinks...)
	return c
}

// WithProviderName records the provider name in the report.
func (c *Coordinator) WithProviderName(name string) *Coordinator {
	c.provider = name
	return c
}

// WithObserver attaches a measurement sink.
func (c *Coordinator) WithObserver(o Observer) *Coordinator {
	if o != nil {
		c.observer = o
	}
	return c
}

// Run reconciles every catalog entry, analyzes the plan and evaluates the
// safety gate. The returned error covers setup failures only; per-entry
// failures and a denied verdict are reported through the RunReport.
func (c *Coordinator) Run(ctx context.Context, opts RunOptions) (*RunReport, error) {
	env, err := ParseEnvironment(string(opts.Environment))
	if err != nil {
		return nil, err
	}
	opts.Environment = env
	if opts.RunID == "" {
		opts.RunID = uuid.New().String()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "coordinator.run")
	defer span.End()
	span.SetAttributes(
		attribute.String("run_id", opts.RunID),
		attribute.String("environment", string(opts.Environment)),
		attribute.Bool("dry_run", opts.DryRun),
	)

	log := c.logger.With().Str("run_id", opts.RunID).Logger()

	catalog, err := c.catalog.LoadCatalog(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}
	if err := validateEntries(catalog.Entries); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	report := &RunReport{
		RunID:             opts.RunID,
		Project:           firstNonEmpty(opts.Project, catalog.Project),
		Region:            firstNonEmpty(opts.Region, catalog.Region),
		Environment:       opts.Environment,
		Provider:          c.provider,
		DryRun:            opts.DryRun,
		Force:             opts.Force,
		ContinueOnFailure: opts.ContinueOnFailure,
		StartedAt:         time.Now().UTC(),
	}

	log.Info().
		Int("entries", len(catalog.Entries)).
		Str("environment", string(opts.Environment)).
		Bool("dry_run", opts.DryRun).
		Bool("force", opts.Force).
		Msg("Run started")

	report.Entries = c.reconcileAll(ctx, catalog.Entries, opts)
	report.Cancelled = ctx.Err() != nil

	if !report.Cancelled && c.plans != nil {
		c.evaluatePlan(ctx, report, opts, NewAnalyzer(catalog.Kinds, c.logger))
	}

	report.CompletedAt = time.Now().UTC()
	report.Duration = report.CompletedAt.Sub(report.StartedAt)
	report.Finalize()

	span.SetAttributes(
		attribute.String("status", string(report.Status)),
		attribute.Int("exit_code", report.ExitCode),
	)
	log.Info().
		Str("status", string(report.Status)).
		Int("imported", report.Counts.Imported).
		Int("skipped", report.Counts.Skipped).
		Int("no_import_needed", report.Counts.NoImportNeeded).
		Int("would_import", report.Counts.WouldImport).
		Int("blocked", report.Counts.Blocked).
		Int("failed", report.Counts.Failed).
		Int("exit_code", report.ExitCode).
		Msg("Run completed")
	for _, addr := range report.MissingRequired {
		log.Warn().Str("address", addr).Msg("Required resource not found at provider")
	}

	for _, sink := range c.sinks {
		if err := sink.Publish(context.WithoutCancel(ctx), report); err != nil {
			return report, fmt.Errorf("failed to publish report: %w", err)
		}
	}
	return report, nil
}

// reconcileAll runs discovery on a bounded pool, then imports serially in
// catalog order. Every entry leaves with a terminal outcome.
func (c *Coordinator) reconcileAll(ctx context.Context, entries []CatalogEntry, opts RunOptions) []EntryResult {
	ropts := ReconcileOptions{
		RunID:  opts.RunID,
		Owner:  opts.Owner,
		DryRun: opts.DryRun,
		Force:  opts.Force,
	}

	pending := make([]*pendingEntry, len(entries))
	var g errgroup.Group
	g.SetLimit(opts.Concurrency)
	for i, entry := range entries {
		g.Go(func() error {
			pending[i] = c.reconciler.prepare(ctx, entry, ropts)
			return nil
		})
	}
	_ = g.Wait()

	results := make([]EntryResult, len(entries))
	for i, p := range pending {
		if !p.done() {
			c.reconciler.importEntry(ctx, p, ropts)
		}
		if !p.result.Outcome.IsTerminal() {
			p.result.fail(OutcomeFailed, NewPermanentError(
				fmt.Sprintf("entry ended in non-terminal outcome %q", p.result.Outcome), nil).
				WithCode(ErrCodeInternal).
				WithResource(p.entry.Address))
		}
		results[i] = c.reconciler.finish(p)
	}
	return results
}

// evaluatePlan loads and analyzes the plan, authorizes any override and runs the gate.
func (c *Coordinator) evaluatePlan(ctx context.Context, report *RunReport, opts RunOptions, analyzer *Analyzer) {
	plan, err := c.plans.LoadPlan(ctx, PlanRequest{
		Environment: opts.Environment,
		Refresh:     !opts.SkipRefresh,
	})
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to load plan")
		report.Errors = append(report.Errors, fmt.Sprintf("load plan: %v", err))
		return
	}

	analysis, err := analyzer.Analyze(ctx, plan)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to analyze plan")
		report.Errors = append(report.Errors, fmt.Sprintf("analyze plan: %v", err))
		return
	}
	report.Analysis = analysis

	verdict := c.Gate(ctx, opts.Environment, analysis.Risk, opts.Override)
	report.Verdict = &verdict
}

// Gate authorizes the override token, if any, and evaluates the safety gate.
// A token rejected by the authorizer is treated as absent.
func (c *Coordinator) Gate(ctx context.Context, env Environment, risk RiskSummary, token *OverrideToken) SafetyVerdict {
	_, span := otel.Tracer(tracerName).Start(ctx, "gate.evaluate")
	defer span.End()

	if parsed, err := ParseEnvironment(string(env)); err == nil {
		env = parsed
	}

	var rejection error
	if token != nil && c.authorizer != nil {
		if err := c.authorizer.Authorize(ctx, token, env, risk); err != nil {
			c.logger.Warn().Err(err).Str("override_id", token.ID).Msg("Override token rejected")
			rejection = err
			token = nil
		}
	}

	verdict := Evaluate(env, risk, token)
	if rejection != nil && !verdict.Allowed() {
		verdict.Reason = fmt.Sprintf("%s (override rejected: %v)", verdict.Reason, rejection)
	}

	span.SetAttributes(
		attribute.String("decision", string(verdict.Decision)),
		attribute.Int("destructive", verdict.DestructiveCount),
		attribute.Int("replace", verdict.ReplaceCount),
	)
	c.observer.ObserveVerdict(env, verdict.Decision)

	event := c.logger.Info()
	if !verdict.Allowed() {
		event = c.logger.Warn()
	}
	event.
		Str("environment", string(env)).
		Str("decision", string(verdict.Decision)).
		Int("destructive", verdict.DestructiveCount).
		Int("replace", verdict.ReplaceCount).
		Strs("addresses", verdict.Addresses).
		Msg(verdict.Reason)

	if c.auditor != nil {
		details := map[string]interface{}{
			"decision":          string(verdict.Decision),
			"destructive_count": verdict.DestructiveCount,
			"replace_count":     verdict.ReplaceCount,
			"reason":            verdict.Reason,
		}
		actor := ""
		if verdict.OverridePresent {
			details["override_id"] = verdict.OverrideID
			actor = verdict.Approver
		}
		if err := c.auditor.RecordAudit(context.WithoutCancel(ctx), "gate", actor, string(env), details); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to record gate verdict in audit trail")
		}
	}
	return verdict
}

func validateEntries(entries []CatalogEntry) error {
	seen := make(map[string]struct{}, len(entries))
	for i, e := range entries {
		if e.Address == "" || e.Kind == "" {
			return NewPermanentError(fmt.Sprintf("catalog entry %d must set address and kind", i), nil).
				WithCode(ErrCodeValidation)
		}
		if _, dup := seen[e.Address]; dup {
			return NewPermanentError(fmt.Sprintf("duplicate catalog address %s", e.Address), nil).
				WithCode(ErrCodeValidation).
				WithResource(e.Address)
		}
		seen[e.Address] = struct{}{}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
