package config

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/reconcile/pkg/engine"
)

func TestStarlarkEvaluator_Matches(t *testing.T) {
	evaluator := NewStarlarkEvaluator(0)
	resource := engine.ProviderResource{
		ID:   "arn:aws:elasticloadbalancing:eu-west-1:123:loadbalancer/app/shop-lb/abc",
		Kind: "aws_lb",
		Name: "shop-lb",
		Tags: map[string]string{"env": "prod", "owner": "payments"},
	}

	tests := []struct {
		name string
		expr string
		want bool
	}{
		{"kind equality", `kind == "aws_lb"`, true},
		{"tag lookup", `tags["env"] == "prod"`, true},
		{"tag get default", `tags.get("team", "none") == "none"`, true},
		{"has_tag", `has_tag("owner") and not has_tag("legacy")`, true},
		{"struct access", `resource.name.startswith("shop-")`, true},
		{"id suffix", `id.endswith("/abc")`, true},
		{"negative", `name == "other"`, false},
		{"comprehension", `len([k for k in tags if k.startswith("o")]) == 1`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := evaluator.Matches(context.Background(), tt.expr, resource)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestStarlarkEvaluator_Errors(t *testing.T) {
	evaluator := NewStarlarkEvaluator(time.Second)
	resource := engine.ProviderResource{ID: "i-1", Kind: "aws_instance"}

	tests := []struct {
		name string
		expr string
		want string
	}{
		{"non bool result", `kind`, "want bool"},
		{"syntax error", `kind ==`, "match expression"},
		{"undefined name", `region == "eu"`, "undefined"},
		{"tags are frozen", `tags.pop("x", None) == None`, "frozen"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := evaluator.Matches(context.Background(), tt.expr, resource)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestStarlarkEvaluator_StepLimit(t *testing.T) {
	evaluator := NewStarlarkEvaluator(time.Minute)

	_, err := evaluator.Matches(context.Background(),
		`len([x for x in range(100000) for y in range(100000)]) > 0`,
		engine.ProviderResource{ID: "i-1"})
	require.Error(t, err)
}

func TestStarlarkEvaluator_Cancelled(t *testing.T) {
	evaluator := NewStarlarkEvaluator(time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := evaluator.Matches(ctx,
		`len([x for x in range(100000) for y in range(100000)]) > 0`,
		engine.ProviderResource{ID: "i-1"})
	require.Error(t, err)
}
