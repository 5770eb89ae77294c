package config

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

type schema struct {
	value      cue.Value
	definition string
}

// SchemaRegistry manages CUE schemas for validation.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]schema
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a new schema registry with built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]schema),
	}
	sr.registerBuiltInSchemas()
	return sr
}

func (sr *SchemaRegistry) registerBuiltInSchemas() {
	for _, s := range []struct{ name, def string }{
		{"catalog", "#Catalog"},
		{"entry", "#Entry"},
		{"selector", "#Selector"},
		{"kind", "#Kind"},
	} {
		if err := sr.RegisterSchema(s.name, s.def, builtinCatalogSchema); err != nil {
			panic(err)
		}
	}
}

// RegisterSchema compiles src and registers its definition def under name.
func (sr *SchemaRegistry) RegisterSchema(name, def, src string) error {
	val := sr.ctx.CompileString(src)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}
	defVal := val.LookupPath(cue.ParsePath(def))
	if !defVal.Exists() {
		return fmt.Errorf("schema %s does not define %s", name, def)
	}

	sr.mu.Lock()
	defer sr.mu.Unlock()
	sr.schemas[name] = schema{value: defVal, definition: def}
	return nil
}

// GetSchema retrieves a schema definition by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	s, ok := sr.schemas[name]
	return s.value, ok
}

// ValidateAgainstSchema validates data against a named schema.
func (sr *SchemaRegistry) ValidateAgainstSchema(_ context.Context, schemaName string, data interface{}) error {
	s, ok := sr.GetSchema(schemaName)
	if !ok {
		return fmt.Errorf("schema %s not found", schemaName)
	}

	dataVal := sr.ctx.Encode(data)
	if err := dataVal.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	return validateValue(s, dataVal)
}

// validateValue unifies val with def and requires a concrete result.
func validateValue(def, val cue.Value) error {
	unified := def.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

// ListSchemas returns all registered schema names, sorted.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateCatalog validates a catalog document against the catalog schema.
func (sr *SchemaRegistry) ValidateCatalog(ctx context.Context, doc *CatalogDocument) error {
	return sr.ValidateAgainstSchema(ctx, "catalog", doc)
}

const builtinCatalogSchema = `
// Catalog is the declared set of logical resources for a run.
#Catalog: {
	project?: string
	region?:  string

	// Entries in declaration order.
	entries: [...#Entry]

	// Per-kind analyzer schema.
	kinds?: {[string]: #Kind}
}

#Entry: {
	// Address is the logical address in the declarative manifest.
	address: string & =~"^\\S+$"

	// Kind is the provider resource kind (e.g. "aws_lb").
	kind: string & =~"^[a-z][a-z0-9_]*$"

	selector:  #Selector
	required?: bool
}

#Selector: {
	name?:  string & !=""
	tags?:  {[string]: string}
	match?: string & !=""
}

#Kind: {
	immutable?: [...string]
	stateful?:  bool
}
`
