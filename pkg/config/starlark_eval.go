package config

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/openfroyo/reconcile/pkg/engine"
)

// DefaultMatchTimeout bounds one match expression evaluation.
const DefaultMatchTimeout = 5 * time.Second

// maxExecutionSteps keeps runaway comprehensions from pinning a worker.
const maxExecutionSteps = 1_000_000

// StarlarkEvaluator evaluates selector match expressions against provider
// resources. It implements engine.MatchEvaluator.
//
// The expression sees the predeclared names id, kind, name, tags (a dict)
// and resource (a struct of the same fields), plus the helper has_tag(key).
// It must evaluate to a bool.
type StarlarkEvaluator struct {
	timeout time.Duration
}

// NewStarlarkEvaluator creates a new Starlark evaluator.
func NewStarlarkEvaluator(timeout time.Duration) *StarlarkEvaluator {
	if timeout == 0 {
		timeout = DefaultMatchTimeout
	}
	return &StarlarkEvaluator{timeout: timeout}
}

// Matches evaluates expr against resource.
func (se *StarlarkEvaluator) Matches(ctx context.Context, expr string, resource engine.ProviderResource) (bool, error) {
	evalCtx, cancel := context.WithTimeout(ctx, se.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name: "match",
		Print: func(_ *starlark.Thread, _ string) {
			// Suppress print for security
		},
	}
	thread.SetMaxExecutionSteps(maxExecutionSteps)

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-evalCtx.Done():
			thread.Cancel(fmt.Sprintf("match expression timeout after %v", se.timeout))
		case <-done:
		}
	}()

	val, err := starlark.Eval(thread, "match", expr, predeclared(resource))
	if err != nil {
		return false, fmt.Errorf("match expression %q: %w", expr, err)
	}
	b, ok := val.(starlark.Bool)
	if !ok {
		return false, fmt.Errorf("match expression %q evaluated to %s, want bool", expr, val.Type())
	}
	return bool(b), nil
}

// predeclared builds the expression environment for resource.
func predeclared(resource engine.ProviderResource) starlark.StringDict {
	tags := tagDict(resource.Tags)
	fields := starlark.StringDict{
		"id":   starlark.String(resource.ID),
		"kind": starlark.String(resource.Kind),
		"name": starlark.String(resource.Name),
		"tags": tags,
	}

	hasTag := starlark.NewBuiltin("has_tag", func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var key string
		if err := starlark.UnpackArgs(b.Name(), args, kwargs, "key", &key); err != nil {
			return nil, err
		}
		_, ok := resource.Tags[key]
		return starlark.Bool(ok), nil
	})

	env := starlark.StringDict{
		"resource": starlarkstruct.FromStringDict(starlarkstruct.Default, fields),
		"has_tag":  hasTag,
	}
	for k, v := range fields {
		env[k] = v
	}
	return env
}

// tagDict converts tags into a frozen Starlark dict with sorted insertion order.
func tagDict(tags map[string]string) *starlark.Dict {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	dict := starlark.NewDict(len(tags))
	for _, k := range keys {
		// SetKey on a fresh dict with string keys cannot fail.
		_ = dict.SetKey(starlark.String(k), starlark.String(tags[k]))
	}
	dict.Freeze()
	return dict
}

var _ engine.MatchEvaluator = (*StarlarkEvaluator)(nil)
