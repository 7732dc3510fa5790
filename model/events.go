package model

import "time"

// Security event types. These are the only four event shapes the pipeline
// emits; action_blocked carries a reason distinguishing its five variants.
const (
	EventTenantValidationFailed = "tenant_validation_failed"
	EventActionBlocked          = "action_blocked"
	EventGuardrailViolation     = "guardrail_violation"
	EventActionApproved         = "action_approved"
)

// Block reasons carried by action_blocked events and audit rows.
const (
	ReasonKillSwitchActive       = "kill_switch_active"
	ReasonDeniedByRule           = "denied_by_rule"
	ReasonGuardrailViolation     = "guardrail_violation"
	ReasonManualApprovalRequired = "manual_approval_required"
	ReasonActionFailed           = "action_failed"
	ReasonConcurrencyConflict    = "concurrency_conflict"
	ReasonTenantInvalid          = "tenant_invalid"
)

// Audit outcomes.
const (
	OutcomeAllowed = "allowed"
	OutcomeBlocked = "blocked"
	OutcomeFailed  = "failed"
)

// SecurityEvent is the envelope published on every pipeline decision point.
type SecurityEvent struct {
	EventType      string               `json:"event_type"`
	TenantID       string               `json:"tenant_id"`
	ActionType     ActionType           `json:"action_type"`
	RuleID         string               `json:"rule_id"`
	IdempotencyKey string               `json:"idempotency_key"`
	Timestamp      time.Time            `json:"timestamp"`
	Reason         string               `json:"reason,omitempty"`
	Details        string               `json:"details,omitempty"`
	Violations     []GuardrailViolation `json:"violations,omitempty"`
	Blocked        bool                 `json:"blocked,omitempty"`
	WasReplay      bool                 `json:"was_replay,omitempty"`
	DurationMs     int64                `json:"duration_ms,omitempty"`
}

// AuditEntry is the durable decision row recorded once per pipeline run.
type AuditEntry struct {
	AuditID        string     `json:"audit_id"`
	TenantID       string     `json:"tenant_id"`
	ActionType     ActionType `json:"action_type"`
	RuleID         string     `json:"rule_id"`
	IdempotencyKey string     `json:"idempotency_key"`
	Outcome        string     `json:"outcome"`
	Reason         string     `json:"reason,omitempty"`
	WasReplay      bool       `json:"was_replay"`
	DurationMs     int64      `json:"duration_ms"`
	CreatedAt      time.Time  `json:"created_at"`
}
