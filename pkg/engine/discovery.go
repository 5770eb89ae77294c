package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "github.com/openfroyo/reconcile/pkg/engine"

// Discoverer resolves a catalog entry to zero, one or many provider resources.
// It never picks a winner among several candidates.
type Discoverer struct {
	provider ProviderQuerier
	matcher  MatchEvaluator
	policy   RetryPolicy
	logger   zerolog.Logger
	observer Observer
}

// NewDiscoverer creates a discovery engine. matcher may be nil when no
// catalog entry uses a Match predicate.
func NewDiscoverer(provider ProviderQuerier, matcher MatchEvaluator, policy RetryPolicy, logger zerolog.Logger) *Discoverer {
	return &Discoverer{
		provider: provider,
		matcher:  matcher,
		policy:   policy,
		logger:   logger.With().Str("component", "discovery").Logger(),
		observer: nopObserver{},
	}
}

// WithObserver attaches a measurement sink.
func (d *Discoverer) WithObserver(o Observer) *Discoverer {
	if o != nil {
		d.observer = o
	}
	return d
}

// Discover queries the provider for entry and classifies the candidates.
// The returned attempts record every provider call made.
func (d *Discoverer) Discover(ctx context.Context, entry CatalogEntry) (DiscoveryResult, []ImportAttempt, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "discovery.discover")
	defer span.End()
	span.SetAttributes(
		attribute.String("address", entry.Address),
		attribute.String("kind", entry.Kind),
	)

	result := DiscoveryResult{Address: entry.Address}
	log := d.logger.With().Str("address", entry.Address).Str("kind", entry.Kind).Logger()

	if err := entry.Selector.Validate(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return result, nil, AsEngineError(err).WithResource(entry.Address)
	}

	var (
		found    []ProviderResource
		attempts []ImportAttempt
	)
	err := d.policy.Do(ctx, OpQuery, func(callCtx context.Context, attempt int) error {
		start := time.Now()
		res, err := d.provider.Find(callCtx, entry.Kind, entry.Selector)
		d.observer.ObserveQuery(d.provider.Name(), entry.Kind, time.Since(start), err)
		if err != nil {
			return err
		}
		found = res
		return nil
	}, func(attempt int, outcome AttemptOutcome, err error) {
		a := ImportAttempt{
			Address:   entry.Address,
			Operation: string(OpQuery),
			Attempt:   attempt,
			Outcome:   outcome,
			Timestamp: time.Now().UTC(),
		}
		if err != nil {
			a.Error = err.Error()
			log.Warn().Err(err).Int("attempt", attempt).Msg("Provider query failed")
		}
		d.observer.ObserveAttempt(string(OpQuery), outcome)
		attempts = append(attempts, a)
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return result, attempts, AsEngineError(err).WithResource(entry.Address)
	}

	ids := make([]string, 0, len(found))
	for _, res := range found {
		ok, err := d.matches(ctx, entry, res)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return result, attempts, err
		}
		if ok {
			ids = append(ids, res.ID)
		}
	}
	result.Candidates = sortedUnique(ids)
	span.SetAttributes(
		attribute.Int("candidates", len(result.Candidates)),
		attribute.String("status", string(result.Status())),
	)

	switch result.Status() {
	case DiscoveryNotFound:
		log.Info().Msg("No provider resource matches selector")
	case DiscoveryMatch:
		log.Info().Str("provider_id", result.Candidates[0]).Msg("Selector matched one provider resource")
	case DiscoveryAmbiguous:
		log.Warn().Strs("candidates", result.Candidates).Msg("Selector matched multiple provider resources")
	}

	return result, attempts, nil
}

func (d *Discoverer) matches(ctx context.Context, entry CatalogEntry, res ProviderResource) (bool, error) {
	if entry.Selector.Match == "" {
		return true, nil
	}
	if d.matcher == nil {
		return false, NewPermanentQueryError("selector has a match predicate but no evaluator is configured", nil).
			WithResource(entry.Address)
	}
	ok, err := d.matcher.Matches(ctx, entry.Selector.Match, res)
	if err != nil {
		return false, NewPermanentQueryError(
			fmt.Sprintf("match predicate failed for candidate %s", res.ID), err).
			WithResource(entry.Address).
			WithRemediation("fix the selector match expression")
	}
	return ok, nil
}
