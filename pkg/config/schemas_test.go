package config

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/reconcile/pkg/engine"
)

func TestSchemaRegistry_BuiltIns(t *testing.T) {
	sr := NewSchemaRegistry()
	assert.Equal(t, []string{"catalog", "entry", "kind", "selector"}, sr.ListSchemas())

	_, ok := sr.GetSchema("entry")
	assert.True(t, ok)
	_, ok = sr.GetSchema("nope")
	assert.False(t, ok)
}

func TestSchemaRegistry_ValidateCatalog(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	valid := &CatalogDocument{
		Project: "shop",
		Entries: []engine.CatalogEntry{
			{Address: "lb.main", Kind: "aws_lb", Selector: engine.Selector{Name: "shop-lb"}},
		},
		Kinds: map[string]engine.KindSchema{"aws_lb": {Stateful: true, Immutable: []string{"internal"}}},
	}
	assert.NoError(t, sr.ValidateCatalog(ctx, valid))

	tests := []struct {
		name  string
		entry engine.CatalogEntry
	}{
		{"address with space", engine.CatalogEntry{Address: "lb main", Kind: "aws_lb", Selector: engine.Selector{Name: "x"}}},
		{"uppercase kind", engine.CatalogEntry{Address: "lb.main", Kind: "AWS_LB", Selector: engine.Selector{Name: "x"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := &CatalogDocument{Entries: []engine.CatalogEntry{tt.entry}}
			assert.ErrorContains(t, sr.ValidateCatalog(ctx, doc), "validation failed")
		})
	}
}

func TestSchemaRegistry_RegisterSchema(t *testing.T) {
	sr := NewSchemaRegistry()
	ctx := context.Background()

	require.NoError(t, sr.RegisterSchema("owner", "#Owner", `#Owner: {team: string & =~"^[a-z]+$"}`))
	assert.NoError(t, sr.ValidateAgainstSchema(ctx, "owner", map[string]string{"team": "payments"}))
	assert.Error(t, sr.ValidateAgainstSchema(ctx, "owner", map[string]string{"team": "Payments"}))
	assert.Error(t, sr.ValidateAgainstSchema(ctx, "missing", nil))

	assert.Error(t, sr.RegisterSchema("broken", "#Broken", `#Broken: {`))
	assert.ErrorContains(t, sr.RegisterSchema("absent", "#Absent", `#Other: {}`), "does not define #Absent")
}
