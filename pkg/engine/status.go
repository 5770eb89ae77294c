package engine

import (
	"fmt"
	"strings"
)

// Environment identifies the deployment environment a run targets.
type Environment string

const (
	// EnvironmentPreview is an ephemeral per-change environment.
	EnvironmentPreview Environment = "preview"

	// EnvironmentTest is a shared test environment.
	EnvironmentTest Environment = "test"

	// EnvironmentStaging is the pre-production environment.
	EnvironmentStaging Environment = "staging"

	// EnvironmentProduction is the production environment.
	EnvironmentProduction Environment = "prod"
)

// ParseEnvironment converts a user-supplied environment name into an Environment.
// "production" is accepted as an alias for "prod".
func ParseEnvironment(s string) (Environment, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "preview":
		return EnvironmentPreview, nil
	case "test":
		return EnvironmentTest, nil
	case "staging":
		return EnvironmentStaging, nil
	case "prod", "production":
		return EnvironmentProduction, nil
	default:
		return "", NewPermanentError(fmt.Sprintf("unknown environment %q", s), nil).
			WithCode(ErrCodeValidation).
			WithRemediation("use one of: test, staging, prod, preview")
	}
}

// Validate checks if the environment is valid.
func (e Environment) Validate() error {
	_, err := ParseEnvironment(string(e))
	return err
}

// DiscoveryStatus is the tagged result of matching a catalog entry.
type DiscoveryStatus string

const (
	// DiscoveryNotFound means no provider resource matched the selector.
	DiscoveryNotFound DiscoveryStatus = "not_found"

	// DiscoveryMatch means exactly one provider resource matched.
	DiscoveryMatch DiscoveryStatus = "match"

	// DiscoveryAmbiguous means more than one provider resource matched.
	DiscoveryAmbiguous DiscoveryStatus = "ambiguous"
)

// EntryOutcome is the terminal state of one catalog entry in a run.
type EntryOutcome string

const (
	// OutcomePending is the initial state; it is never terminal.
	OutcomePending EntryOutcome = "pending"

	// OutcomeSkipped means no work was needed or the run was cancelled.
	OutcomeSkipped EntryOutcome = "skipped"

	// OutcomeNoImportNeeded means discovery found nothing to import.
	OutcomeNoImportNeeded EntryOutcome = "no_import_needed"

	// OutcomeBlocked means discovery was ambiguous and requires a human.
	OutcomeBlocked EntryOutcome = "blocked"

	// OutcomeWouldImport is the dry-run counterpart of OutcomeImported.
	OutcomeWouldImport EntryOutcome = "would_import"

	// OutcomeImported means the match was written to the state store.
	OutcomeImported EntryOutcome = "imported"

	// OutcomeFailed means discovery or import failed.
	OutcomeFailed EntryOutcome = "failed"
)

// IsTerminal returns true if the outcome represents a final state.
func (o EntryOutcome) IsTerminal() bool {
	switch o {
	case OutcomeSkipped, OutcomeNoImportNeeded, OutcomeBlocked,
		OutcomeWouldImport, OutcomeImported, OutcomeFailed:
		return true
	default:
		return false
	}
}

// SkipReason qualifies an OutcomeSkipped entry.
type SkipReason string

const (
	SkipAlreadyTracked SkipReason = "already_tracked"
	SkipUnchanged      SkipReason = "unchanged"
	SkipCancelled      SkipReason = "cancelled"
)

// AttemptOutcome is the result of one import or query attempt.
type AttemptOutcome string

const (
	AttemptSuccess          AttemptOutcome = "success"
	AttemptTransientFailure AttemptOutcome = "transient_failure"
	AttemptPermanentFailure AttemptOutcome = "permanent_failure"
	AttemptSkipped          AttemptOutcome = "skipped"
)

// ChangeAction is the classification of a planned change.
type ChangeAction string

const (
	ActionCreate  ChangeAction = "create"
	ActionUpdate  ChangeAction = "update"
	ActionDestroy ChangeAction = "destroy"
	ActionReplace ChangeAction = "replace"
	ActionNoOp    ChangeAction = "noop"
)

// IsDestructive returns true if the action deletes or recreates a resource.
func (a ChangeAction) IsDestructive() bool {
	return a == ActionDestroy || a == ActionReplace
}

// Validate checks if the change action is valid.
func (a ChangeAction) Validate() error {
	switch a {
	case ActionCreate, ActionUpdate, ActionDestroy, ActionReplace, ActionNoOp:
		return nil
	default:
		return fmt.Errorf("invalid change action: %s", a)
	}
}

// Decision is the outcome of the safety gate.
type Decision string

const (
	DecisionAllow Decision = "allow"
	DecisionDeny  Decision = "deny"
)

// RunStatus represents the overall status of a reconciliation run.
type RunStatus string

const (
	// RunStatusSucceeded indicates every entry ended without failure and the gate allowed.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates the run exits non-zero.
	RunStatusFailed RunStatus = "failed"

	// RunStatusPartial indicates failures were tolerated by continue-on-failure.
	RunStatusPartial RunStatus = "partial"

	// RunStatusCancelled indicates the run was interrupted.
	RunStatusCancelled RunStatus = "cancelled"
)
