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

package flowguard

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/flowguard-io/flowguard/internal/notification"
	"github.com/flowguard-io/flowguard/internal/pipelineerror"
	"github.com/flowguard-io/flowguard/model"
)

var (
	tracer = otel.Tracer("Automation pipeline")
)

// ExecutePipeline runs one automation job through the full decision
// sequence: tenant validation, kill switch, rules, guardrails, approval,
// idempotent dispatch, fallback and success accounting. Every terminal
// decision comes back as a PipelineResult; the error return carries only
// infrastructure faults and corrupt idempotency records, the cases where
// the run must fail closed and be retried by the queue.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - payload *model.AutomationJobPayload: The job to execute.
//
// Returns:
// - *model.PipelineResult: The terminal outcome of the run, nil when err is set.
// - error: An infrastructure or corrupt-record fault; the decision was not reached.
func (f *FlowGuard) ExecutePipeline(ctx context.Context, payload *model.AutomationJobPayload) (*model.PipelineResult, error) {
	ctx, span := tracer.Start(ctx, "Executing Automation Pipeline")
	defer span.End()

	start := time.Now()

	// Step 0: tenant validation. Runs before any store access so a
	// malformed tenant never touches Redis or Postgres, and never gets an
	// audit row.
	if err := model.ValidateTenantID(payload.TenantID); err != nil {
		f.emitEvent(ctx, payload, &model.SecurityEvent{
			EventType: model.EventTenantValidationFailed,
			Reason:    model.ReasonTenantInvalid,
			Details:   err.Error(),
			Blocked:   true,
		})
		return failure(start, model.ReasonTenantInvalid, fmt.Sprintf("Invalid tenant: %s", err.Error())), nil
	}

	// Step 1: kill switch, global scope first.
	active, scope, err := f.killSwitchActive(ctx, payload.TenantID)
	if err != nil {
		return nil, err
	}
	if active {
		f.emitEvent(ctx, payload, &model.SecurityEvent{
			EventType: model.EventActionBlocked,
			Reason:    model.ReasonKillSwitchActive,
			Details:   scope,
			Blocked:   true,
		})
		f.recordAudit(ctx, payload, start, model.OutcomeBlocked, model.ReasonKillSwitchActive, false)
		return failure(start, model.ReasonKillSwitchActive, fmt.Sprintf("Kill switch active (%s)", scope)), nil
	}

	// Step 2: rule evaluation. An explicit deny beats any allow, and no
	// matching allow rule denies by default.
	rules, err := f.rules.LoadActiveRules(ctx, payload.TenantID, payload.ActionType)
	if err != nil {
		return nil, err
	}
	evaluation := f.rules.EvaluateRules(rules, payload.Context.Fields())
	if !evaluation.Allowed {
		detail := "No matching allow rule"
		if evaluation.DeniedByRule != nil {
			detail = fmt.Sprintf("Denied by rule: %s", evaluation.DeniedByRule.RuleID)
		}
		f.emitEvent(ctx, payload, &model.SecurityEvent{
			EventType: model.EventActionBlocked,
			Reason:    model.ReasonDeniedByRule,
			Details:   detail,
			Blocked:   true,
		})
		f.recordAudit(ctx, payload, start, model.OutcomeBlocked, model.ReasonDeniedByRule, false)
		return failure(start, model.ReasonDeniedByRule, detail), nil
	}

	// Step 3: guardrails. Every violation is published; blocking ones end
	// the run, advisory ones only feed the approval step.
	violations, err := f.guardrails.CheckGuardrails(ctx, payload.ActionType, payload.TenantID, payload.Context, payload.Limits)
	if err != nil {
		return nil, err
	}
	if len(violations) > 0 {
		f.emitEvent(ctx, payload, &model.SecurityEvent{
			EventType:  model.EventGuardrailViolation,
			Reason:     model.ReasonGuardrailViolation,
			Violations: violations,
			Blocked:    model.HasBlocking(violations),
		})
	}
	if model.HasBlocking(violations) {
		detail := fmt.Sprintf("Guardrail violation: %s", strings.Join(model.ViolationIDs(violations), ", "))
		f.emitEvent(ctx, payload, &model.SecurityEvent{
			EventType:  model.EventActionBlocked,
			Reason:     model.ReasonGuardrailViolation,
			Details:    detail,
			Violations: violations,
			Blocked:    true,
		})
		f.recordAudit(ctx, payload, start, model.OutcomeBlocked, model.ReasonGuardrailViolation, false)
		return failure(start, model.ReasonGuardrailViolation, detail), nil
	}

	// Step 4: approval. Escalation is a decision, not an error; the run
	// ends here and a human picks it up.
	decision := evaluateApproval(payload.Approval, payload.Context.Amount, model.HasAdvisory(violations))
	if decision.Escalate {
		f.emitEvent(ctx, payload, &model.SecurityEvent{
			EventType:  model.EventActionBlocked,
			Reason:     model.ReasonManualApprovalRequired,
			Details:    decision.Detail,
			Violations: violations,
			Blocked:    true,
		})
		f.recordAudit(ctx, payload, start, model.OutcomeBlocked, model.ReasonManualApprovalRequired, false)
		return failure(start, model.ReasonManualApprovalRequired, fmt.Sprintf("Manual approval required: %s", decision.Detail)), nil
	}

	// Steps 5 and 6: dispatch exactly once under the idempotency claim. A
	// failed dispatch surfaces as an action error and is routed through
	// the job's fallback policy by the caller; the claim records it so a
	// later attempt re-executes instead of replaying a failure.
	outcome, err := f.idempotency.ExecuteWithIdempotency(ctx, payload.IdempotencyKey, payload.ActionType, payload.TenantID, func(ctx context.Context) (interface{}, error) {
		dispatched, err := f.dispatcher.Dispatch(ctx, payload.ActionType, payload.Context, payload.ActionParams)
		if err != nil {
			return nil, err
		}
		if !dispatched.Success {
			return nil, pipelineerror.New(pipelineerror.ErrAction, dispatched.Error, nil)
		}
		return dispatched.Data, nil
	})
	if err != nil {
		switch pipelineerror.Code(err) {
		case pipelineerror.ErrConcurrency:
			return failure(start, model.ReasonConcurrencyConflict, err.Error()), nil
		case pipelineerror.ErrAction:
			return f.applyFallback(ctx, payload, start, err), nil
		default:
			return nil, err
		}
	}

	// Step 7: success accounting. Replays must not move usage counters; a
	// counter fault after a committed action is logged, not raised, since
	// failing here would re-run an action that already happened.
	if !outcome.WasReplay {
		if err := f.guardrails.IncrementUsageCounters(ctx, payload.ActionType, payload.TenantID, payload.Context); err != nil {
			logrus.WithError(err).Warnf("usage counter update failed for key %s", payload.IdempotencyKey)
		}
	}

	f.emitEvent(ctx, payload, &model.SecurityEvent{
		EventType:  model.EventActionApproved,
		WasReplay:  outcome.WasReplay,
		DurationMs: time.Since(start).Milliseconds(),
	})
	f.recordAudit(ctx, payload, start, model.OutcomeAllowed, "", outcome.WasReplay)

	return &model.PipelineResult{
		Success:    true,
		Result:     outcome.Result,
		WasReplay:  outcome.WasReplay,
		DurationMs: time.Since(start).Milliseconds(),
	}, nil
}

// applyFallback maps a failed action onto the job's fallback policy. Skip
// and retry both end this run with an action_failed result; the worker
// re-enqueues only for retry. Escalate additionally dispatches an escalate
// action best-effort and pages the operators.
func (f *FlowGuard) applyFallback(ctx context.Context, payload *model.AutomationJobPayload, start time.Time, actionErr error) *model.PipelineResult {
	f.emitEvent(ctx, payload, &model.SecurityEvent{
		EventType: model.EventActionBlocked,
		Reason:    model.ReasonActionFailed,
		Details:   actionErr.Error(),
		Blocked:   true,
	})
	f.recordAudit(ctx, payload, start, model.OutcomeFailed, model.ReasonActionFailed, false)

	if payload.Fallback.OnActionFail == model.FallbackEscalate {
		if _, escErr := f.dispatcher.Dispatch(ctx, model.ActionEscalate, payload.Context, map[string]interface{}{
			"failed_action": string(payload.ActionType),
			"error":         actionErr.Error(),
		}); escErr != nil {
			logrus.WithError(escErr).Warnf("escalation dispatch failed for key %s", payload.IdempotencyKey)
		}
		notification.NotifyError(fmt.Errorf("automation action %s failed for tenant %s (key %s): %w",
			payload.ActionType, payload.TenantID, payload.IdempotencyKey, actionErr))
	}

	return failure(start, model.ReasonActionFailed, actionErr.Error())
}

// emitEvent publishes a security event best-effort. Emitter faults are side
// channel failures: logged and discarded, never allowed to change the run's
// outcome.
func (f *FlowGuard) emitEvent(ctx context.Context, payload *model.AutomationJobPayload, event *model.SecurityEvent) {
	event.TenantID = payload.TenantID
	event.ActionType = payload.ActionType
	event.RuleID = payload.RuleID
	event.IdempotencyKey = payload.IdempotencyKey
	event.Timestamp = time.Now()
	if err := f.events.Emit(ctx, event); err != nil {
		logrus.WithError(err).Warnf("security event %s dropped for key %s", event.EventType, payload.IdempotencyKey)
	}
}

// recordAudit writes the run's decision row best-effort, under the same side
// channel rule as emitEvent.
func (f *FlowGuard) recordAudit(ctx context.Context, payload *model.AutomationJobPayload, start time.Time, outcome, reason string, wasReplay bool) {
	entry := &model.AuditEntry{
		TenantID:       payload.TenantID,
		ActionType:     payload.ActionType,
		RuleID:         payload.RuleID,
		IdempotencyKey: payload.IdempotencyKey,
		Outcome:        outcome,
		Reason:         reason,
		WasReplay:      wasReplay,
		DurationMs:     time.Since(start).Milliseconds(),
	}
	if err := f.audit.Record(ctx, entry); err != nil {
		logrus.WithError(err).Warnf("audit row dropped for key %s", payload.IdempotencyKey)
	}
}

func failure(start time.Time, reason, detail string) *model.PipelineResult {
	return &model.PipelineResult{
		Success:    false,
		Error:      detail,
		Reason:     reason,
		DurationMs: time.Since(start).Milliseconds(),
	}
}
