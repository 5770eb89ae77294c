package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		overrideExpiryPolicy(),
		overrideScopePolicy(),
		overrideTicketPolicy(),
		overrideApproverPolicy(),
		blastRadiusPolicy(),
	}
}

// overrideExpiryPolicy rejects expired tokens and tokens valid for too long.
func overrideExpiryPolicy() Policy {
	return Policy{
		Name:        "override-expiry",
		Description: "Rejects expired override tokens and tokens whose expiry exceeds the configured maximum lifetime",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"override", "expiry"},
		Rego: `package reconcile.override.expiry

import rego.v1

deny contains violation if {
	input.token.expires_at_ns
	input.token.expires_at_ns <= input.now_ns
	violation := {
		"message": sprintf("override %s has expired", [input.token.id]),
		"severity": "error",
	}
}

deny contains violation if {
	max_ttl := data.reconcile.config.max_ttl_ns
	max_ttl > 0
	input.token.expires_at_ns
	input.token.expires_at_ns - input.now_ns > max_ttl
	violation := {
		"message": sprintf("override %s expires further out than the allowed lifetime", [input.token.id]),
		"severity": "error",
	}
}

# Production overrides should always carry an expiry
deny contains violation if {
	not input.token.expires_at_ns
	input.environment == "prod"
	violation := {
		"message": sprintf("override %s has no expiry", [input.token.id]),
		"severity": "warning",
	}
}
`,
	}
}

// overrideScopePolicy rejects tokens scoped to another environment.
func overrideScopePolicy() Policy {
	return Policy{
		Name:        "override-scope",
		Description: "Rejects override tokens scoped to a different environment",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"override", "environment"},
		Rego: `package reconcile.override.scope

import rego.v1

deny contains violation if {
	input.token.environment
	input.token.environment != input.environment
	violation := {
		"message": sprintf("override %s is scoped to %s, not %s", [input.token.id, input.token.environment, input.environment]),
		"severity": "error",
	}
}
`,
	}
}

// overrideTicketPolicy requires a well-formed change ticket.
func overrideTicketPolicy() Policy {
	return Policy{
		Name:        "override-ticket",
		Description: "Requires the override ticket to match the configured change reference pattern",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"override", "change-management"},
		Rego: `package reconcile.override.ticket

import rego.v1

deny contains violation if {
	pattern := data.reconcile.config.ticket_pattern
	pattern != ""
	not regex.match(pattern, input.token.ticket)
	violation := {
		"message": sprintf("override ticket %q does not match %s", [input.token.ticket, pattern]),
		"severity": "error",
	}
}
`,
	}
}

// overrideApproverPolicy restricts approvers to the configured allowlist.
func overrideApproverPolicy() Policy {
	return Policy{
		Name:        "override-approver",
		Description: "Restricts override approvers to the configured allowlist",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"override", "approval"},
		Rego: `package reconcile.override.approver

import rego.v1

deny contains violation if {
	approvers := data.reconcile.config.approvers
	count(approvers) > 0
	not input.token.approver in approvers
	violation := {
		"message": sprintf("%s is not an authorized override approver", [input.token.approver]),
		"severity": "error",
	}
}
`,
	}
}

// blastRadiusPolicy surfaces stateful destructive changes covered by an override.
func blastRadiusPolicy() Policy {
	return Policy{
		Name:        "blast-radius",
		Description: "Warns when an override covers destructive changes to stateful resources in production",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"override", "risk"},
		Rego: `package reconcile.override.blast_radius

import rego.v1

deny contains violation if {
	input.environment == "prod"
	count(input.risk.high_risk) > 0
	violation := {
		"message": sprintf("override %s covers stateful changes: %s", [input.token.id, concat(", ", input.risk.high_risk)]),
		"severity": "warning",
	}
}
`,
	}
}
