package engine

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultStatefulKinds are kinds that hold data or serve traffic. Destroying
// or replacing them is ranked high-risk.
var DefaultStatefulKinds = []string{
	"aws_alb",
	"aws_db_instance",
	"aws_dynamodb_table",
	"aws_efs_file_system",
	"aws_elasticache_cluster",
	"aws_lb",
	"aws_rds_cluster",
	"aws_s3_bucket",
}

// Analyzer classifies a structured plan into planned changes and a risk summary.
type Analyzer struct {
	kinds  map[string]KindSchema
	logger zerolog.Logger
}

// NewAnalyzer creates an analyzer. kinds overrides and extends the built-in
// stateful kind set.
func NewAnalyzer(kinds map[string]KindSchema, logger zerolog.Logger) *Analyzer {
	merged := make(map[string]KindSchema, len(DefaultStatefulKinds)+len(kinds))
	for _, k := range DefaultStatefulKinds {
		merged[k] = KindSchema{Stateful: true}
	}
	for k, schema := range kinds {
		merged[k] = schema
	}
	return &Analyzer{
		kinds:  merged,
		logger: logger.With().Str("component", "analyzer").Logger(),
	}
}

// Analyze classifies every change in plan.
func (a *Analyzer) Analyze(ctx context.Context, plan *PlanInput) (*PlanAnalysis, error) {
	if plan == nil {
		return nil, NewPermanentError("plan is nil", nil).WithCode(ErrCodeValidation)
	}
	_, span := otel.Tracer(tracerName).Start(ctx, "analyzer.analyze")
	defer span.End()

	analysis := &PlanAnalysis{
		Changes: make([]PlannedChange, 0, len(plan.Changes)),
	}
	seen := make(map[string]struct{}, len(plan.Changes))

	for _, diff := range plan.Changes {
		if diff.Address == "" {
			return nil, NewPermanentError("plan change has no address", nil).WithCode(ErrCodeValidation)
		}
		if _, dup := seen[diff.Address]; dup {
			return nil, NewPermanentError(fmt.Sprintf("plan lists address %s more than once", diff.Address), nil).
				WithCode(ErrCodeValidation).
				WithResource(diff.Address)
		}
		seen[diff.Address] = struct{}{}

		change := a.classify(diff)
		analysis.Changes = append(analysis.Changes, change)
		countAction(&analysis.Summary, change.Action)

		if change.Action.IsDestructive() {
			analysis.Risk.DestructiveCount++
			analysis.Risk.Destructive = append(analysis.Risk.Destructive, change.Address)
			if change.Action == ActionReplace {
				analysis.Risk.ReplaceCount++
			}
		}
	}
	analysis.Risk.HighRisk = rankHighRisk(analysis.Changes)

	span.SetAttributes(
		attribute.Int("changes", analysis.Summary.Total),
		attribute.Int("destructive", analysis.Risk.DestructiveCount),
		attribute.Int("replace", analysis.Risk.ReplaceCount),
	)
	a.logger.Info().
		Int("create", analysis.Summary.ToCreate).
		Int("update", analysis.Summary.ToUpdate).
		Int("destroy", analysis.Summary.ToDestroy).
		Int("replace", analysis.Summary.ToReplace).
		Int("noop", analysis.Summary.NoChange).
		Msg("Plan analyzed")

	return analysis, nil
}

// classify determines the action for a single address.
func (a *Analyzer) classify(diff ResourceDiff) PlannedChange {
	schema := a.kinds[diff.Kind]
	change := PlannedChange{
		Address:  diff.Address,
		Kind:     diff.Kind,
		Stateful: schema.Stateful,
	}
	if diff.Stateful != nil {
		change.Stateful = *diff.Stateful
	}

	switch {
	case diff.Current == nil && diff.Desired == nil:
		change.Action = ActionNoOp
		return change
	case diff.Desired == nil:
		change.Action = ActionDestroy
		return change
	case diff.Current == nil:
		change.Action = ActionCreate
		return change
	}

	immutable := append(append([]string{}, schema.Immutable...), diff.ReplacePaths...)
	change.AttributeDiffs = attributeDiffs(diff.Current, diff.Desired, immutable)

	change.Action = ActionNoOp
	if diff.ForceReplace {
		change.Action = ActionReplace
		return change
	}
	for _, d := range change.AttributeDiffs {
		if d.Immutable {
			change.Action = ActionReplace
			break
		}
		change.Action = ActionUpdate
	}
	return change
}

// attributeDiffs compares two attribute maps and returns the changed leaf
// paths in sorted order.
func attributeDiffs(before, after map[string]interface{}, immutable []string) []AttributeDiff {
	flatBefore := make(map[string]interface{})
	flatAfter := make(map[string]interface{})
	flatten("", before, flatBefore)
	flatten("", after, flatAfter)

	paths := make(map[string]struct{}, len(flatBefore)+len(flatAfter))
	for p := range flatBefore {
		paths[p] = struct{}{}
	}
	for p := range flatAfter {
		paths[p] = struct{}{}
	}

	diffs := make([]AttributeDiff, 0)
	for p := range paths {
		b, a := flatBefore[p], flatAfter[p]
		if valuesEqual(b, a) {
			continue
		}
		diffs = append(diffs, AttributeDiff{
			Path:      p,
			Before:    b,
			After:     a,
			Immutable: matchesAnyPath(p, immutable),
		})
	}
	sort.Slice(diffs, func(i, j int) bool { return diffs[i].Path < diffs[j].Path })
	return diffs
}

// flatten writes nested maps as dotted leaf paths. Lists are compared whole.
func flatten(prefix string, in map[string]interface{}, out map[string]interface{}) {
	for k, v := range in {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if nested, ok := v.(map[string]interface{}); ok && len(nested) > 0 {
			flatten(path, nested, out)
			continue
		}
		out[path] = v
	}
}

// valuesEqual compares decoded attribute values, treating numeric types alike.
func valuesEqual(a, b interface{}) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}

// matchesAnyPath reports whether path equals or lies beneath one of prefixes.
func matchesAnyPath(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if p == "" {
			continue
		}
		if path == p || strings.HasPrefix(path, p+".") {
			return true
		}
	}
	return false
}

func countAction(s *PlanSummary, action ChangeAction) {
	s.Total++
	switch action {
	case ActionCreate:
		s.ToCreate++
	case ActionUpdate:
		s.ToUpdate++
	case ActionDestroy:
		s.ToDestroy++
	case ActionReplace:
		s.ToReplace++
	case ActionNoOp:
		s.NoChange++
	}
}

// rankHighRisk returns stateful Destroy/Replace addresses, Destroy first, then by address.
func rankHighRisk(changes []PlannedChange) []string {
	risky := make([]PlannedChange, 0)
	for _, c := range changes {
		if c.Stateful && c.Action.IsDestructive() {
			risky = append(risky, c)
		}
	}
	sort.SliceStable(risky, func(i, j int) bool {
		if risky[i].Action != risky[j].Action {
			return risky[i].Action == ActionDestroy
		}
		return risky[i].Address < risky[j].Address
	})
	out := make([]string, 0, len(risky))
	for _, c := range risky {
		out = append(out, c.Address)
	}
	return out
}
