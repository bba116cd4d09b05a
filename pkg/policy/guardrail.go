package policy

import (
	"fmt"

	"fedhub/pkg/types"
)

// Severity grades a guardrail violation. Only critical violations block a
// tenant policy submission.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Violation codes.
const (
	CodeSessionLimitExceeded  = "SESSION_LIMIT_EXCEEDED"
	CodeTokenLifetimeExceeded = "TOKEN_LIFETIME_EXCEEDED"
	CodeMFAThresholdLoosened  = "MFA_THRESHOLD_LOOSENED"
	CodeMFAThresholdInvalid   = "MFA_THRESHOLD_INVALID"
	CodeAuditRetentionShort   = "AUDIT_RETENTION_TOO_SHORT"
)

// GuardrailLimits are the hub-wide ceilings and floors that tenant-authored
// policy may not cross.
type GuardrailLimits struct {
	MaxSessionHours       int
	MaxTokenLifetimeMin   int
	MFARequiredAbove      types.Classification
	MinAuditRetentionDays int
}

// TenantPolicyFragment is the locally-authored policy slice a spoke submits
// for its own tenant layer. Zero values mean the tenant did not set the
// field and inherits the hub default.
type TenantPolicyFragment struct {
	MaxSessionHours      int                  `json:"max_session_hours,omitempty"`
	TokenLifetimeMinutes int                  `json:"token_lifetime_minutes,omitempty"`
	MFARequiredAbove     types.Classification `json:"mfa_required_above,omitempty"`
	AuditRetentionDays   int                  `json:"audit_retention_days,omitempty"`
}

// GuardrailViolation describes one breached limit.
type GuardrailViolation struct {
	Code        string   `json:"code"`
	Message     string   `json:"message"`
	Severity    Severity `json:"severity"`
	Path        string   `json:"path"`
	HubValue    string   `json:"hub_value"`
	TenantValue string   `json:"tenant_value"`
}

// ValidationResult is the outcome of guardrail validation. Valid is true
// iff no violation carries critical severity.
type ValidationResult struct {
	Valid      bool                 `json:"valid"`
	Violations []GuardrailViolation `json:"violations"`
}

// ValidateTenantPolicy checks a tenant policy fragment against the hub
// limits. It is a pure function: no store access, no clock, no network.
func ValidateTenantPolicy(tenantCode types.InstanceCode, fragment TenantPolicyFragment, limits GuardrailLimits) ValidationResult {
	var violations []GuardrailViolation

	if fragment.MaxSessionHours > 0 && fragment.MaxSessionHours > limits.MaxSessionHours {
		violations = append(violations, GuardrailViolation{
			Code:        CodeSessionLimitExceeded,
			Message:     fmt.Sprintf("tenant %s session duration %dh exceeds hub ceiling %dh", tenantCode, fragment.MaxSessionHours, limits.MaxSessionHours),
			Severity:    SeverityCritical,
			Path:        "max_session_hours",
			HubValue:    fmt.Sprintf("%d", limits.MaxSessionHours),
			TenantValue: fmt.Sprintf("%d", fragment.MaxSessionHours),
		})
	}

	if fragment.TokenLifetimeMinutes > 0 && fragment.TokenLifetimeMinutes > limits.MaxTokenLifetimeMin {
		violations = append(violations, GuardrailViolation{
			Code:        CodeTokenLifetimeExceeded,
			Message:     fmt.Sprintf("tenant %s token lifetime %dm exceeds hub ceiling %dm", tenantCode, fragment.TokenLifetimeMinutes, limits.MaxTokenLifetimeMin),
			Severity:    SeverityCritical,
			Path:        "token_lifetime_minutes",
			HubValue:    fmt.Sprintf("%d", limits.MaxTokenLifetimeMin),
			TenantValue: fmt.Sprintf("%d", fragment.TokenLifetimeMinutes),
		})
	}

	if fragment.MFARequiredAbove != "" {
		tenantRank := fragment.MFARequiredAbove.Rank()
		hubRank := limits.MFARequiredAbove.Rank()
		switch {
		case tenantRank < 0:
			violations = append(violations, GuardrailViolation{
				Code:        CodeMFAThresholdInvalid,
				Message:     fmt.Sprintf("tenant %s MFA threshold %q is not on the clearance scale", tenantCode, fragment.MFARequiredAbove),
				Severity:    SeverityCritical,
				Path:        "mfa_required_above",
				HubValue:    string(limits.MFARequiredAbove),
				TenantValue: string(fragment.MFARequiredAbove),
			})
		case tenantRank > hubRank:
			// The threshold may only move toward lower clearance, requiring
			// MFA for more of the classification range, never less.
			violations = append(violations, GuardrailViolation{
				Code:        CodeMFAThresholdLoosened,
				Message:     fmt.Sprintf("tenant %s MFA threshold %s is looser than hub threshold %s", tenantCode, fragment.MFARequiredAbove, limits.MFARequiredAbove),
				Severity:    SeverityCritical,
				Path:        "mfa_required_above",
				HubValue:    string(limits.MFARequiredAbove),
				TenantValue: string(fragment.MFARequiredAbove),
			})
		}
	}

	if fragment.AuditRetentionDays > 0 && fragment.AuditRetentionDays < limits.MinAuditRetentionDays {
		violations = append(violations, GuardrailViolation{
			Code:        CodeAuditRetentionShort,
			Message:     fmt.Sprintf("tenant %s audit retention %dd is below hub floor %dd", tenantCode, fragment.AuditRetentionDays, limits.MinAuditRetentionDays),
			Severity:    SeverityCritical,
			Path:        "audit_retention_days",
			HubValue:    fmt.Sprintf("%d", limits.MinAuditRetentionDays),
			TenantValue: fmt.Sprintf("%d", fragment.AuditRetentionDays),
		})
	}

	return ValidationResult{
		Valid:      !hasCritical(violations),
		Violations: violations,
	}
}

func hasCritical(violations []GuardrailViolation) bool {
	for _, v := range violations {
		if v.Severity == SeverityCritical {
			return true
		}
	}
	return false
}

// GuardrailError carries the violations of a rejected submission.
type GuardrailError struct {
	TenantCode types.InstanceCode
	Violations []GuardrailViolation
}

func (e *GuardrailError) Error() string {
	return fmt.Sprintf("tenant policy for %s rejected: %d guardrail violation(s)", e.TenantCode, len(e.Violations))
}
