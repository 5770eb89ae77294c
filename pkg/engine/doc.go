// Package engine provides the core types and workflow of the reconcile engine.
//
// # Overview
//
// reconcile brings cloud resources that already exist outside the tracked
// declarative state under management, then gates whether a pending apply may
// proceed. A run has four phases:
//
//  1. Discover - Resolve each catalog entry to provider resources (Discoverer)
//  2. Import - Record address to provider id mappings in the state store (Reconciler)
//  3. Analyze - Classify the planned changes and their blast radius (Analyzer)
//  4. Gate - Decide whether the apply may proceed (Evaluate)
//
// The Coordinator drives all four and produces a single RunReport.
//
// # Core Domain Types
//
//   - CatalogEntry: A declared logical resource and the selector used to find it
//   - DiscoveryResult: The candidates found for an entry (NotFound/Match/Ambiguous)
//   - TrackedResource: A persisted address to provider id mapping
//   - ImportAttempt: One attempt of a provider query or state write
//   - PlannedChange: A classified change (create/update/destroy/replace/noop)
//   - SafetyVerdict: The gate decision with its reason and triggering addresses
//
// # Adapters
//
// Collaborators are reached through small interfaces:
//
//   - ProviderQuerier: Read-only lookups against the cloud control plane
//   - StateStore: Lock-scoped read/write access to the state record
//   - CatalogSource: Supplies catalog entries
//   - PlanSource: Supplies the structured plan diff
//   - OverrideAuthorizer: Authorizes override tokens before the gate
//   - ReportSink: Receives the final report
//
// # Error Classification
//
// Errors are classified for retry logic:
//
//   - Transient: Temporary failures that may succeed on retry
//   - Throttled: Rate limiting that requires backoff
//   - Permanent: Non-recoverable errors
//
// Every provider query and state write runs under a RetryPolicy bounded to
// three attempts:
//
//	err := policy.Do(ctx, OpWrite, func(ctx context.Context, attempt int) error {
//	    return store.Write(ctx, lock, rec, false)
//	}, nil)
//	if IsAlreadyTracked(err) {
//	    // Another run imported the address first
//	}
//
// # Thread Safety
//
// Discovery for different entries runs concurrently. State writes are
// serialized by the Reconciler, and the store lock is held only for a single
// write and its read-back.
package engine
