// Package policy authorizes deployment override tokens with Open Policy Agent.
//
// The safety gate only accepts an override token that this package has
// already authorized. Authorization evaluates a set of Rego policies against
// the token, the target environment and the plan's risk summary. Any
// violation of severity error or critical rejects the token; warnings are
// logged and do not block.
//
// # Architecture
//
//  1. Engine - Compiles policies once and evaluates them per token
//  2. Loader - Loads custom policies from .rego and .json files
//  3. Built-in Policies - Expiry, scope, ticket, approver and blast radius
//
// # Usage
//
//	eng, err := policy.NewEngine(logger, policy.Settings{
//	    Approvers:   []string{"alice", "bob"},
//	    MaxTokenTTL: 24 * time.Hour,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := eng.LoadPolicies(ctx, []string{"/etc/reconcile/policies"}); err != nil {
//	    log.Fatal(err)
//	}
//
//	// eng implements engine.OverrideAuthorizer
//	coordinator.WithAuthorizer(eng)
//
// # Policy Input
//
// Every policy sees the same input document:
//
//	{
//	    "token": {"id": "ovr-1", "approver": "alice", "ticket": "CHG-1042",
//	              "environment": "prod", "expires_at_ns": 1767225600000000000},
//	    "environment": "prod",
//	    "risk": {"destructive_count": 2, "replace_count": 1,
//	             "destructive": ["lb.main", "db.main"], "high_risk": ["db.main"]},
//	    "now_ns": 1767196800000000000
//	}
//
// Engine settings are available as data.reconcile.config (approvers,
// ticket_pattern, max_ttl_ns).
//
// # Custom Policies
//
// A custom policy is a Rego module defining a `deny` set. Members are either
// strings or objects with "message" and optional "severity":
//
//	package site.freeze
//
//	import rego.v1
//
//	deny contains violation if {
//	    input.environment == "prod"
//	    input.token.approver != "release-manager"
//	    violation := {"message": "change freeze in effect", "severity": "error"}
//	}
//
// Policies loaded from .rego files default to severity error and are named
// after the file. A policy with the same name as a built-in replaces it.
package policy
