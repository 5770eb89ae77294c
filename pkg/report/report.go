// Package report renders run reports for people and machines.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/openfroyo/reconcile/pkg/engine"
)

// JSONFileSink writes the run report as indented JSON to Path.
type JSONFileSink struct {
	Path string
}

// Publish implements engine.ReportSink. The file is replaced atomically.
func (s *JSONFileSink) Publish(_ context.Context, report *engine.RunReport) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(s.Path)
	tmp, err := os.CreateTemp(dir, ".report-*.json")
	if err != nil {
		return fmt.Errorf("failed to create report file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write report: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.Path); err != nil {
		return fmt.Errorf("failed to write report to %s: %w", s.Path, err)
	}
	return nil
}

// SummarySink prints the run report to Out, as a table or as JSON.
type SummarySink struct {
	Out  io.Writer
	JSON bool

	// Verbose lists every entry instead of only those needing attention.
	Verbose bool
}

// Publish implements engine.ReportSink.
func (s *SummarySink) Publish(_ context.Context, report *engine.RunReport) error {
	if s.JSON {
		return writeJSON(s.Out, report)
	}
	return s.writeText(report)
}

func (s *SummarySink) writeText(r *engine.RunReport) error {
	mode := "apply"
	if r.DryRun {
		mode = "dry-run"
	}
	fmt.Fprintf(s.Out, "Run %s (%s, %s)\n", r.RunID, r.Environment, mode)
	if r.Project != "" || r.Region != "" {
		fmt.Fprintf(s.Out, "Project: %s  Region: %s\n", r.Project, r.Region)
	}
	fmt.Fprintf(s.Out, "Status: %s  Exit code: %d  Duration: %s\n\n", r.Status, r.ExitCode, r.Duration.Round(time.Millisecond))

	counts := [][]string{
		{string(engine.OutcomeImported), strconv.Itoa(r.Counts.Imported)},
		{string(engine.OutcomeWouldImport), strconv.Itoa(r.Counts.WouldImport)},
		{string(engine.OutcomeSkipped), strconv.Itoa(r.Counts.Skipped)},
		{string(engine.OutcomeNoImportNeeded), strconv.Itoa(r.Counts.NoImportNeeded)},
		{string(engine.OutcomeBlocked), strconv.Itoa(r.Counts.Blocked)},
		{string(engine.OutcomeFailed), strconv.Itoa(r.Counts.Failed)},
	}
	if err := WriteTable(s.Out, []string{"Outcome", "Count"}, counts); err != nil {
		return err
	}

	var rows [][]string
	for _, e := range r.Entries {
		if !s.Verbose && !needsAttention(e) {
			continue
		}
		rows = append(rows, []string{e.Address, e.Kind, string(e.Outcome), entryDetail(e)})
	}
	if len(rows) > 0 {
		fmt.Fprintln(s.Out)
		if err := WriteTable(s.Out, []string{"Address", "Kind", "Outcome", "Detail"}, rows); err != nil {
			return err
		}
	}

	for _, addr := range r.MissingRequired {
		fmt.Fprintf(s.Out, "\nRequired resource not found: %s", addr)
	}
	if len(r.MissingRequired) > 0 {
		fmt.Fprintln(s.Out)
	}
	for _, msg := range r.Errors {
		fmt.Fprintf(s.Out, "\nError: %s\n", msg)
	}

	if r.Analysis != nil {
		fmt.Fprintln(s.Out)
		WritePlanSummary(s.Out, r.Analysis.Summary)
	}
	if r.Verdict != nil {
		fmt.Fprintln(s.Out)
		WriteVerdict(s.Out, *r.Verdict)
	}
	return nil
}

// WritePlanSummary prints the change counts of an analyzed plan.
func WritePlanSummary(w io.Writer, sum engine.PlanSummary) {
	fmt.Fprintf(w, "Plan: %d to create, %d to update, %d to replace, %d to destroy, %d unchanged\n",
		sum.ToCreate, sum.ToUpdate, sum.ToReplace, sum.ToDestroy, sum.NoChange)
}

// WriteVerdict prints a safety gate verdict.
func WriteVerdict(w io.Writer, v engine.SafetyVerdict) {
	fmt.Fprintf(w, "Safety gate: %s\n", strings.ToUpper(string(v.Decision)))
	fmt.Fprintf(w, "  %s\n", v.Reason)
	if v.OverridePresent {
		fmt.Fprintf(w, "  Override: %s (approved by %s)\n", v.OverrideID, v.Approver)
	}
	for _, addr := range v.Addresses {
		fmt.Fprintf(w, "  - %s\n", addr)
	}
}

// WriteTable renders rows under header as a text table.
func WriteTable(w io.Writer, header []string, rows [][]string) error {
	table := tablewriter.NewWriter(w)
	cells := make([]any, len(header))
	for i, h := range header {
		cells[i] = h
	}
	table.Header(cells...)
	for _, row := range rows {
		if err := table.Append(row); err != nil {
			return fmt.Errorf("failed to append table row: %w", err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	return nil
}

// WriteJSON writes v as indented JSON followed by a newline.
func WriteJSON(w io.Writer, v interface{}) error {
	return writeJSON(w, v)
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}
	return nil
}

func needsAttention(e engine.EntryResult) bool {
	switch e.Outcome {
	case engine.OutcomeImported, engine.OutcomeWouldImport, engine.OutcomeSkipped:
		return false
	case engine.OutcomeNoImportNeeded:
		return e.Required
	default:
		return true
	}
}

func entryDetail(e engine.EntryResult) string {
	switch {
	case e.Error != "" && e.Remediation != "":
		return e.Error + " (" + e.Remediation + ")"
	case e.Error != "":
		return e.Error
	case len(e.Candidates) > 0:
		return "candidates: " + strings.Join(e.Candidates, ", ")
	case e.SkipReason != "":
		return string(e.SkipReason)
	case e.ProviderID != "":
		return e.ProviderID
	case e.Required:
		return "required"
	}
	return ""
}

var (
	_ engine.ReportSink = (*JSONFileSink)(nil)
	_ engine.ReportSink = (*SummarySink)(nil)
)
