package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/reconcile/pkg/engine"
)

// CatalogLoader parses catalog documents from CUE, YAML and JSON sources.
type CatalogLoader struct {
	ctx       *cue.Context
	schemas   *SchemaRegistry
	validator *validator.Validate
}

// NewCatalogLoader creates a new catalog loader.
func NewCatalogLoader() *CatalogLoader {
	return &CatalogLoader{
		ctx:       cuecontext.New(),
		schemas:   NewSchemaRegistry(),
		validator: validator.New(),
	}
}

// Load parses sources and returns the merged catalog, failing on any
// validation error.
func (cl *CatalogLoader) Load(ctx context.Context, sources []string) (*engine.Catalog, error) {
	parsed, err := cl.Parse(ctx, sources)
	if err != nil {
		return nil, err
	}
	if err := parsed.Err(); err != nil {
		return nil, err
	}
	return parsed.Document.ToCatalog(), nil
}

// Parse parses catalog sources. Files ending in .cue and directories are
// loaded as CUE; .yaml, .yml and .json files are decoded as YAML. Documents
// are merged in source order.
func (cl *CatalogLoader) Parse(ctx context.Context, sources []string) (*ParsedCatalog, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("no catalog sources provided")
	}

	parsed := &ParsedCatalog{ParsedAt: time.Now()}
	var docs []*CatalogDocument

	for _, source := range sources {
		info, err := os.Stat(source)
		if err != nil {
			return nil, fmt.Errorf("failed to stat source %s: %w", source, err)
		}

		var (
			doc   *CatalogDocument
			files []string
			errs  []ValidationError
		)
		switch ext := strings.ToLower(filepath.Ext(source)); {
		case info.IsDir():
			var val cue.Value
			val, files, errs = cl.loadDirectory(source)
			if len(errs) == 0 {
				doc, errs = cl.extractCatalog(val, source)
			}
		case ext == ".cue":
			var val cue.Value
			val, errs = cl.loadFile(source)
			files = []string{source}
			if len(errs) == 0 {
				doc, errs = cl.extractCatalog(val, source)
			}
		case ext == ".yaml", ext == ".yml", ext == ".json":
			doc, errs = cl.loadYAML(source)
			files = []string{source}
		default:
			return nil, fmt.Errorf("unsupported catalog source %s: expected .cue, .yaml, .yml, .json or a directory", source)
		}

		parsed.SourceFiles = append(parsed.SourceFiles, files...)
		parsed.Errors = append(parsed.Errors, errs...)
		if doc != nil {
			docs = append(docs, doc)
		}
	}

	if len(parsed.Errors) > 0 {
		return parsed, nil
	}

	merged, err := MergeCatalogs(docs...)
	if err != nil {
		parsed.Errors = append(parsed.Errors, ValidationError{Message: err.Error(), Severity: "error"})
		return parsed, nil
	}
	parsed.Errors = append(parsed.Errors, cl.validate(ctx, merged)...)
	parsed.Document = merged
	return parsed, nil
}

// ParseInline parses inline CUE content.
func (cl *CatalogLoader) ParseInline(ctx context.Context, content string) (*ParsedCatalog, error) {
	parsed := &ParsedCatalog{SourceFiles: []string{"inline"}, ParsedAt: time.Now()}

	val := cl.ctx.CompileString(content, cue.Filename("inline"))
	if err := val.Err(); err != nil {
		parsed.Errors = convertCUEErrors(err)
		return parsed, nil
	}

	doc, errs := cl.extractCatalog(val, "inline")
	parsed.Errors = errs
	if doc != nil {
		parsed.Errors = append(parsed.Errors, cl.validate(ctx, doc)...)
		parsed.Document = doc
	}
	return parsed, nil
}

// validate checks a merged document against struct tags, the CUE schema and
// per-entry selector rules.
func (cl *CatalogLoader) validate(ctx context.Context, doc *CatalogDocument) []ValidationError {
	var errs []ValidationError
	if err := cl.validator.Struct(doc); err != nil {
		errs = append(errs, ValidationError{Path: "entries", Message: err.Error(), Severity: "error"})
	}
	if err := cl.schemas.ValidateCatalog(ctx, doc); err != nil {
		errs = append(errs, ValidationError{Message: err.Error(), Severity: "error"})
	}
	for i, e := range doc.Entries {
		if err := e.Selector.Validate(); err != nil {
			errs = append(errs, ValidationError{
				Path:     fmt.Sprintf("entries[%d] (%s).selector", i, e.Address),
				Message:  engine.AsEngineError(err).Message,
				Severity: "error",
			})
		}
	}
	return errs
}

// loadDirectory loads a directory as a CUE package.
func (cl *CatalogLoader) loadDirectory(dir string) (cue.Value, []string, []ValidationError) {
	buildInstances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(buildInstances) == 0 {
		return cue.Value{}, nil, []ValidationError{{
			File:     dir,
			Message:  "no CUE files found",
			Severity: "error",
		}}
	}

	inst := buildInstances[0]
	if inst.Err != nil {
		return cue.Value{}, nil, convertCUEErrors(inst.Err)
	}

	val := cl.ctx.BuildInstance(inst)
	if err := val.Err(); err != nil {
		return cue.Value{}, nil, convertCUEErrors(err)
	}

	var files []string
	for _, file := range inst.Files {
		if file.Filename != "" {
			files = append(files, file.Filename)
		}
	}
	return val, files, nil
}

// loadFile loads a single CUE file.
func (cl *CatalogLoader) loadFile(path string) (cue.Value, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return cue.Value{}, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: "error",
		}}
	}

	val := cl.ctx.CompileString(string(content), cue.Filename(path))
	if err := val.Err(); err != nil {
		return cue.Value{}, convertCUEErrors(err)
	}
	return val, nil
}

// loadYAML decodes a YAML or JSON catalog file.
func (cl *CatalogLoader) loadYAML(path string) (*CatalogDocument, []ValidationError) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, []ValidationError{{
			File:     path,
			Message:  fmt.Sprintf("failed to read file: %v", err),
			Severity: "error",
		}}
	}

	var doc CatalogDocument
	if err := yaml.Unmarshal(content, &doc); err != nil {
		ve := ValidationError{File: path, Message: err.Error(), Severity: "error"}
		var typeErr *yaml.TypeError
		if errors.As(err, &typeErr) {
			ve.Message = strings.Join(typeErr.Errors, "; ")
		}
		return nil, []ValidationError{ve}
	}
	if doc.Entries == nil {
		doc.Entries = []engine.CatalogEntry{}
	}
	return &doc, nil
}

// extractCatalog decodes a catalog from a CUE value. Entries may be a list
// or a struct keyed by address.
func (cl *CatalogLoader) extractCatalog(val cue.Value, source string) (*CatalogDocument, []ValidationError) {
	doc := &CatalogDocument{Entries: []engine.CatalogEntry{}}
	var errs []ValidationError

	fail := func(path string, err error) {
		errs = append(errs, ValidationError{File: source, Path: path, Message: err.Error(), Severity: "error"})
	}

	for path, dst := range map[string]*string{"project": &doc.Project, "region": &doc.Region} {
		if v := val.LookupPath(cue.ParsePath(path)); v.Exists() {
			if err := v.Decode(dst); err != nil {
				fail(path, err)
			}
		}
	}

	if v := val.LookupPath(cue.ParsePath("kinds")); v.Exists() {
		if err := v.Decode(&doc.Kinds); err != nil {
			fail("kinds", err)
		}
	}

	entriesVal := val.LookupPath(cue.ParsePath("entries"))
	switch {
	case !entriesVal.Exists():
	case entriesVal.Kind() == cue.StructKind:
		iter, err := entriesVal.Fields()
		if err != nil {
			fail("entries", err)
			break
		}
		for iter.Next() {
			var entry engine.CatalogEntry
			if err := iter.Value().Decode(&entry); err != nil {
				fail(fmt.Sprintf("entries.%s", iter.Selector()), err)
				continue
			}
			if entry.Address == "" {
				entry.Address = iter.Selector().Unquoted()
			}
			doc.Entries = append(doc.Entries, entry)
		}
	case entriesVal.Kind() == cue.ListKind:
		list, err := entriesVal.List()
		if err != nil {
			fail("entries", err)
			break
		}
		for idx := 0; list.Next(); idx++ {
			var entry engine.CatalogEntry
			if err := list.Value().Decode(&entry); err != nil {
				fail(fmt.Sprintf("entries[%d]", idx), err)
				continue
			}
			doc.Entries = append(doc.Entries, entry)
		}
	default:
		fail("entries", fmt.Errorf("entries must be a list or a struct keyed by address"))
	}

	if len(errs) > 0 {
		return nil, errs
	}
	return doc, nil
}

// MergeCatalogs merges documents in order. Entries are concatenated; a
// repeated address, project or region conflict is an error.
func MergeCatalogs(docs ...*CatalogDocument) (*CatalogDocument, error) {
	if len(docs) == 0 {
		return nil, fmt.Errorf("no catalogs to merge")
	}

	merged := &CatalogDocument{Entries: []engine.CatalogEntry{}}
	seen := make(map[string]struct{})

	for _, doc := range docs {
		if doc.Project != "" {
			if merged.Project != "" && merged.Project != doc.Project {
				return nil, fmt.Errorf("conflicting projects %q and %q", merged.Project, doc.Project)
			}
			merged.Project = doc.Project
		}
		if doc.Region != "" {
			if merged.Region != "" && merged.Region != doc.Region {
				return nil, fmt.Errorf("conflicting regions %q and %q", merged.Region, doc.Region)
			}
			merged.Region = doc.Region
		}
		for _, e := range doc.Entries {
			if _, dup := seen[e.Address]; dup {
				return nil, fmt.Errorf("duplicate catalog address %s", e.Address)
			}
			seen[e.Address] = struct{}{}
			merged.Entries = append(merged.Entries, e)
		}
		for kind, s := range doc.Kinds {
			if merged.Kinds == nil {
				merged.Kinds = make(map[string]engine.KindSchema)
			}
			merged.Kinds[kind] = s
		}
	}
	return merged, nil
}

// convertCUEErrors converts CUE errors to ValidationError slice.
func convertCUEErrors(err error) []ValidationError {
	var validationErrors []ValidationError

	for _, e := range errors.Errors(err) {
		pos := errors.Positions(e)
		var file string
		var line, column int

		if len(pos) > 0 {
			file = pos[0].Filename()
			line = pos[0].Line()
			column = pos[0].Column()
		}

		validationErrors = append(validationErrors, ValidationError{
			File:     file,
			Line:     line,
			Column:   column,
			Message:  errors.Details(e, nil),
			Severity: "error",
		})
	}
	return validationErrors
}

// FileCatalogSource implements engine.CatalogSource over catalog files.
type FileCatalogSource struct {
	Paths  []string
	loader *CatalogLoader
}

// NewFileCatalogSource creates a catalog source reading paths.
func NewFileCatalogSource(paths ...string) *FileCatalogSource {
	return &FileCatalogSource{Paths: paths, loader: NewCatalogLoader()}
}

// LoadCatalog implements engine.CatalogSource.
func (s *FileCatalogSource) LoadCatalog(ctx context.Context) (*engine.Catalog, error) {
	return s.loader.Load(ctx, s.Paths)
}

var _ engine.CatalogSource = (*FileCatalogSource)(nil)
