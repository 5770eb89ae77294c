package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/reconcile/pkg/engine"
)

// CatalogDocument is the on-disk catalog shape shared by YAML, JSON and CUE sources.
type CatalogDocument struct {
	// Project and Region scope the catalog.
	Project string `json:"project,omitempty" yaml:"project,omitempty"`
	Region  string `json:"region,omitempty" yaml:"region,omitempty"`

	// Entries in declaration order.
	Entries []engine.CatalogEntry `json:"entries" yaml:"entries" validate:"dive"`

	// Kinds carries per-kind analyzer schema (immutable attributes, stateful).
	Kinds map[string]engine.KindSchema `json:"kinds,omitempty" yaml:"kinds,omitempty"`
}

// ToCatalog converts the document into an engine catalog.
func (d *CatalogDocument) ToCatalog() *engine.Catalog {
	entries := make([]engine.CatalogEntry, len(d.Entries))
	copy(entries, d.Entries)
	return &engine.Catalog{
		Project: d.Project,
		Region:  d.Region,
		Entries: entries,
		Kinds:   d.Kinds,
	}
}

// ParsedCatalog is the result of parsing one or more catalog sources.
type ParsedCatalog struct {
	// Document is the merged catalog document.
	Document *CatalogDocument `json:"document"`

	// SourceFiles lists the files that contributed to this catalog.
	SourceFiles []string `json:"source_files"`

	// ParsedAt is when the catalog was parsed.
	ParsedAt time.Time `json:"parsed_at"`

	// Errors contains any validation errors encountered.
	Errors []ValidationError `json:"errors,omitempty"`
}

// Err folds the collected validation errors into one error, or nil.
func (pc *ParsedCatalog) Err() error {
	if len(pc.Errors) == 0 {
		return nil
	}
	msgs := make([]string, len(pc.Errors))
	for i, e := range pc.Errors {
		msgs[i] = e.Error()
	}
	return engine.NewPermanentError(
		fmt.Sprintf("catalog has %d error(s): %s", len(pc.Errors), strings.Join(msgs, "; ")), nil).
		WithCode(engine.ErrCodeValidation).
		WithOperation("load_catalog")
}

// ValidationError represents a catalog or plan validation error with location.
type ValidationError struct {
	// File is the source file where the error occurred.
	File string `json:"file,omitempty"`

	// Line is the line number where the error occurred.
	Line int `json:"line,omitempty"`

	// Column is the column number where the error occurred.
	Column int `json:"column,omitempty"`

	// Path is the document path where the error occurred.
	Path string `json:"path,omitempty"`

	// Message is the error message.
	Message string `json:"message"`

	// Severity is the error severity (error, warning).
	Severity string `json:"severity"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		if e.Line > 0 {
			fmt.Fprintf(&b, ":%d:%d", e.Line, e.Column)
		}
		b.WriteString(": ")
	}
	if e.Path != "" {
		b.WriteString(e.Path)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	return b.String()
}
