package engine

import (
	"time"
)

// ReportCounts aggregates entry outcomes.
type ReportCounts struct {
	Total          int `json:"total"`
	Imported       int `json:"imported"`
	Skipped        int `json:"skipped"`
	NoImportNeeded int `json:"no_import_needed"`
	WouldImport    int `json:"would_import"`
	Blocked        int `json:"blocked"`
	Failed         int `json:"failed"`
}

// RunReport is the single result of a reconciliation run.
type RunReport struct {
	RunID             string      `json:"run_id"`
	Project           string      `json:"project,omitempty"`
	Region            string      `json:"region,omitempty"`
	Environment       Environment `json:"environment"`
	Provider          string      `json:"provider,omitempty"`
	DryRun            bool        `json:"dry_run,omitempty"`
	Force             bool        `json:"force,omitempty"`
	ContinueOnFailure bool        `json:"continue_on_failure,omitempty"`

	StartedAt   time.Time     `json:"started_at"`
	CompletedAt time.Time     `json:"completed_at"`
	Duration    time.Duration `json:"duration"`

	Entries         []EntryResult `json:"entries"`
	Counts          ReportCounts  `json:"counts"`
	MissingRequired []string      `json:"missing_required,omitempty"`

	Analysis *PlanAnalysis  `json:"analysis,omitempty"`
	Verdict  *SafetyVerdict `json:"verdict,omitempty"`

	// Errors lists run-level failures such as an unreadable plan.
	Errors []string `json:"errors,omitempty"`

	Cancelled bool      `json:"cancelled,omitempty"`
	Status    RunStatus `json:"status"`
	ExitCode  int       `json:"exit_code"`
}

// TotalFailure reports whether entries failed and nothing was imported.
func (r *RunReport) TotalFailure() bool {
	return r.Counts.Failed > 0 && r.Counts.Imported == 0
}

// Finalize computes counts, status and the exit code from the entries,
// verdict and run-level errors.
func (r *RunReport) Finalize() {
	r.Counts = ReportCounts{Total: len(r.Entries)}
	r.MissingRequired = nil
	for _, e := range r.Entries {
		switch e.Outcome {
		case OutcomeImported:
			r.Counts.Imported++
		case OutcomeSkipped:
			r.Counts.Skipped++
		case OutcomeNoImportNeeded:
			r.Counts.NoImportNeeded++
			if e.Required {
				r.MissingRequired = append(r.MissingRequired, e.Address)
			}
		case OutcomeWouldImport:
			r.Counts.WouldImport++
		case OutcomeBlocked:
			r.Counts.Blocked++
		default:
			r.Counts.Failed++
		}
	}

	r.ExitCode = 0
	switch {
	case r.Cancelled:
		r.ExitCode = 1
	case r.Counts.Blocked > 0:
		r.ExitCode = 1
	case r.Verdict != nil && !r.Verdict.Allowed():
		r.ExitCode = 1
	case len(r.Errors) > 0:
		r.ExitCode = 1
	case r.TotalFailure():
		r.ExitCode = 1
	case r.Counts.Failed > 0 && !r.ContinueOnFailure:
		r.ExitCode = 1
	}

	switch {
	case r.Cancelled:
		r.Status = RunStatusCancelled
	case r.ExitCode != 0:
		r.Status = RunStatusFailed
	case r.Counts.Failed > 0:
		r.Status = RunStatusPartial
	default:
		r.Status = RunStatusSucceeded
	}
}
