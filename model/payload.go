/*
Copyright 2025 FlowGuard Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package model

import (
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/shopspring/decimal"
)

// ActionType identifies the concrete business action a job executes.
// The set is closed; payloads carrying an unknown action type are rejected
// during validation.
type ActionType string

const (
	ActionCreatePurchaseOrder ActionType = "create_purchase_order"
	ActionCreateFollowUpOrder ActionType = "create_follow_up_order"
	ActionSendSupplierEmail   ActionType = "send_supplier_email"
	ActionEscalate            ActionType = "escalate"
)

// Approval strategies supported by the pipeline.
const (
	StrategyAutoApprove    = "auto_approve"
	StrategyAlwaysManual   = "always_manual"
	StrategyThresholdBased = "threshold_based"
)

// Fallback behaviors when the dispatched action fails.
const (
	FallbackSkip     = "skip"
	FallbackRetry    = "retry"
	FallbackEscalate = "escalate"
)

// ActionContext carries the action-specific fields a trigger source resolved
// for a job: supplier/facility/part identifiers, monetary amounts, quantities
// and outbound-email attributes. Unused fields stay at their zero value.
type ActionContext struct {
	SupplierID     string          `json:"supplier_id,omitempty"`
	FacilityID     string          `json:"facility_id,omitempty"`
	PartID         string          `json:"part_id,omitempty"`
	Amount         decimal.Decimal `json:"amount,omitempty"`
	Quantity       int64           `json:"quantity,omitempty"`
	Expedited      bool            `json:"expedited,omitempty"`
	RecipientEmail string          `json:"recipient_email,omitempty"`
	EmailType      string          `json:"email_type,omitempty"`
	DedupKey       string          `json:"dedup_key,omitempty"`
}

// Fields flattens the context into a map for rule-condition matching.
func (c ActionContext) Fields() map[string]interface{} {
	return map[string]interface{}{
		"supplier_id":     c.SupplierID,
		"facility_id":     c.FacilityID,
		"part_id":         c.PartID,
		"amount":          c.Amount.InexactFloat64(),
		"quantity":        c.Quantity,
		"expedited":       c.Expedited,
		"recipient_email": c.RecipientEmail,
		"email_type":      c.EmailType,
	}
}

// ApprovalThresholds are the monetary boundaries for threshold_based approval.
type ApprovalThresholds struct {
	AutoApproveBelow         decimal.Decimal `json:"auto_approve_below"`
	RequireApprovalAbove     decimal.Decimal `json:"require_approval_above"`
	RequireDualApprovalAbove decimal.Decimal `json:"require_dual_approval_above"`
}

// ApprovalSpec declares how a job must be approved before dispatch.
type ApprovalSpec struct {
	Required   bool                `json:"required"`
	Strategy   string              `json:"strategy"`
	Thresholds *ApprovalThresholds `json:"thresholds,omitempty"`
}

// FallbackPolicy declares what happens when a pipeline step fails. Retry
// scheduling itself lives at the queue layer; the pipeline only consults
// OnActionFail to pick a terminal behavior.
type FallbackPolicy struct {
	OnConditionFail   string  `json:"on_condition_fail"`
	OnActionFail      string  `json:"on_action_fail"`
	MaxRetries        int     `json:"max_retries"`
	RetryDelayMs      int64   `json:"retry_delay_ms"`
	BackoffMultiplier float64 `json:"backoff_multiplier"`
}

// GuardrailLimits holds the numeric ceilings enforced for a job. A zero-value
// limit means the guardrail is not configured and is skipped entirely.
type GuardrailLimits struct {
	MaxOrdersPerSupplier     int64           `json:"max_orders_per_supplier,omitempty"`
	DailySpendCeiling        decimal.Decimal `json:"daily_spend_ceiling,omitempty"`
	MaxOrderAmount           decimal.Decimal `json:"max_order_amount,omitempty"`
	MaxExpeditedOrderAmount  decimal.Decimal `json:"max_expedited_order_amount,omitempty"`
	ConsolidationCeiling     decimal.Decimal `json:"consolidation_ceiling,omitempty"`
	DualApprovalThreshold    decimal.Decimal `json:"dual_approval_threshold,omitempty"`
	MaxFollowUpOrders        int64           `json:"max_follow_up_orders,omitempty"`
	MaxEmailsPerRecipientDay int64           `json:"max_emails_per_recipient_day,omitempty"`
	AllowedDomains           []string        `json:"allowed_domains,omitempty"`
	MaxActionsPerHour        int64           `json:"max_actions_per_hour,omitempty"`
}

// AutomationJobPayload is the immutable unit of work delivered by the queue.
// It is created by the upstream trigger source and never mutated by the
// pipeline.
type AutomationJobPayload struct {
	ActionType     ActionType             `json:"action_type"`
	RuleID         string                 `json:"rule_id"`
	TenantID       string                 `json:"tenant_id"`
	TriggerEvent   string                 `json:"trigger_event"`
	IdempotencyKey string                 `json:"idempotency_key"`
	Context        ActionContext          `json:"context"`
	Approval       ApprovalSpec           `json:"approval"`
	Fallback       FallbackPolicy         `json:"fallback"`
	Limits         GuardrailLimits        `json:"limits"`
	ActionParams   map[string]interface{} `json:"action_params,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

// ValidateTenantID checks a tenant identifier in isolation. The pipeline
// calls this before any I/O so malformed tenants never reach the store.
func ValidateTenantID(tenantID string) error {
	return validation.Validate(tenantID,
		validation.Required.Error("tenant id is required"),
		is.UUID.Error("tenant id must be a valid UUID"),
	)
}

// Validate checks the structural integrity of a payload before it is
// enqueued. Tenant validation is repeated inside the pipeline because jobs
// may also arrive from external producers.
func (p *AutomationJobPayload) Validate() error {
	return validation.ValidateStruct(p,
		validation.Field(&p.ActionType, validation.Required, validation.By(validActionType)),
		validation.Field(&p.TenantID, validation.Required, is.UUID),
		validation.Field(&p.IdempotencyKey, validation.Required),
		validation.Field(&p.TriggerEvent, validation.Required),
	)
}

func validActionType(value interface{}) error {
	at, _ := value.(ActionType)
	switch at {
	case ActionCreatePurchaseOrder, ActionCreateFollowUpOrder, ActionSendSupplierEmail, ActionEscalate:
		return nil
	}
	return fmt.Errorf("unknown action type %q", at)
}

// PipelineResult is the terminal outcome of one pipeline run.
type PipelineResult struct {
	Success    bool        `json:"success"`
	Result     interface{} `json:"result,omitempty"`
	Error      string      `json:"error,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	WasReplay  bool        `json:"was_replay"`
	DurationMs int64       `json:"duration_ms"`
}

// GuardrailViolation describes a single breached guardrail. Advisory
// violations flag approval escalation but never block a run on their own.
type GuardrailViolation struct {
	GuardrailID  string `json:"guardrail_id"`
	Description  string `json:"description"`
	CurrentValue string `json:"current_value,omitempty"`
	Threshold    string `json:"threshold,omitempty"`
	Advisory     bool   `json:"advisory,omitempty"`
}

// ViolationIDs returns the guardrail ids of a violation list, preserving
// order, for event payloads and error messages.
func ViolationIDs(violations []GuardrailViolation) []string {
	ids := make([]string, 0, len(violations))
	for _, v := range violations {
		ids = append(ids, v.GuardrailID)
	}
	return ids
}

// HasBlocking reports whether at least one non-advisory violation exists.
func HasBlocking(violations []GuardrailViolation) bool {
	for _, v := range violations {
		if !v.Advisory {
			return true
		}
	}
	return false
}

// HasAdvisory reports whether at least one advisory violation exists.
func HasAdvisory(violations []GuardrailViolation) bool {
	for _, v := range violations {
		if v.Advisory {
			return true
		}
	}
	return false
}

// DispatchResult is the tagged outcome of an ActionDispatcher call. A failed
// dispatch is a result, not a Go error; transport-level faults are returned
// separately by the dispatcher.
type DispatchResult struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// RecipientDomain extracts the domain part of the recipient email, lowered.
func (c ActionContext) RecipientDomain() string {
	at := strings.LastIndex(c.RecipientEmail, "@")
	if at < 0 || at == len(c.RecipientEmail)-1 {
		return ""
	}
	return strings.ToLower(c.RecipientEmail[at+1:])
}
