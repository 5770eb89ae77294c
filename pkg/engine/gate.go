package engine

import (
	"fmt"
	"strings"
)

// Evaluate decides whether an apply with the given risk may proceed in env.
//
// Evaluate is pure: the same inputs always produce the same verdict. The
// override token must already be authorized (see OverrideAuthorizer); Evaluate
// only checks its presence and environment scope.
func Evaluate(env Environment, risk RiskSummary, override *OverrideToken) SafetyVerdict {
	v := SafetyVerdict{
		Environment:      env,
		DestructiveCount: risk.DestructiveCount,
		ReplaceCount:     risk.ReplaceCount,
		OverridePresent:  override != nil,
	}
	if override != nil {
		v.OverrideID = override.ID
		v.Approver = override.Approver
	}

	var needsOverride bool
	switch env {
	case EnvironmentPreview, EnvironmentTest:
		return allow(v, fmt.Sprintf("%s environment allows all changes", env))
	case EnvironmentStaging:
		needsOverride = risk.DestructiveCount > 0
	case EnvironmentProduction:
		needsOverride = risk.DestructiveCount > 0 || risk.ReplaceCount > 0
	default:
		return deny(v, fmt.Sprintf("unknown environment %q; refusing to apply", env), nil)
	}

	if !needsOverride {
		return allow(v, "no destructive changes")
	}

	addresses := orderedRiskAddresses(risk)
	switch {
	case override == nil:
		return deny(v, fmt.Sprintf("%s: %d destructive change(s) (%d replace) require an override token: %s",
			env, risk.DestructiveCount, risk.ReplaceCount, describeAddresses(addresses, risk.HighRisk)), addresses)
	case !override.AppliesTo(env):
		return deny(v, fmt.Sprintf("%s: override token %s is scoped to %s: %s",
			env, override.ID, override.Environment, describeAddresses(addresses, risk.HighRisk)), addresses)
	}

	v.Addresses = addresses
	return allow(v, fmt.Sprintf("%s: %d destructive change(s) approved by %s via override %s",
		env, risk.DestructiveCount, override.Approver, override.ID))
}

func allow(v SafetyVerdict, reason string) SafetyVerdict {
	v.Decision = DecisionAllow
	v.Reason = reason
	return v
}

func deny(v SafetyVerdict, reason string, addresses []string) SafetyVerdict {
	v.Decision = DecisionDeny
	v.Reason = reason
	v.Addresses = addresses
	return v
}

// orderedRiskAddresses returns the high-risk addresses in rank order followed
// by the remaining destructive addresses in plan order.
func orderedRiskAddresses(risk RiskSummary) []string {
	out := make([]string, 0, len(risk.Destructive))
	seen := make(map[string]struct{}, len(risk.Destructive))
	for _, a := range risk.HighRisk {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	for _, a := range risk.Destructive {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		out = append(out, a)
	}
	return out
}

func describeAddresses(addresses, highRisk []string) string {
	if len(addresses) == 0 {
		return "no addresses reported"
	}
	hr := make(map[string]struct{}, len(highRisk))
	for _, a := range highRisk {
		hr[a] = struct{}{}
	}
	parts := make([]string, 0, len(addresses))
	for _, a := range addresses {
		if _, ok := hr[a]; ok {
			parts = append(parts, a+" [high-risk]")
			continue
		}
		parts = append(parts, a)
	}
	return strings.Join(parts, ", ")
}
