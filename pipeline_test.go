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
	"errors"
	"fmt"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/flowguard-io/flowguard/cache"
	"github.com/flowguard-io/flowguard/config"
	"github.com/flowguard-io/flowguard/model"
)

type testHarness struct {
	flowguard  *FlowGuard
	redis      *miniredis.Miniredis
	dispatcher *MockDispatcher
	emitter    *MockEmitter
	audit      *MockAuditRecorder
	datasource *MockDataSource
}

func newTestFlowGuard(t *testing.T) *testHarness {
	t.Helper()

	mr := miniredis.RunT(t)
	config.MockConfig(&config.Configuration{
		Redis: config.RedisConfig{Dns: mr.Addr()},
	})

	ruleCache, err := cache.NewCache()
	if err != nil {
		t.Fatalf("Error creating test cache: %s", err)
	}

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	datasource := &MockDataSource{}
	dispatcher := &MockDispatcher{}
	emitter := &MockEmitter{}
	recorder := &MockAuditRecorder{}

	fg := &FlowGuard{
		redis:       client,
		datasource:  nil,
		rules:       NewRuleEvaluator(datasource, ruleCache),
		guardrails:  NewGuardrailChecker(client),
		idempotency: NewIdempotencyManager(client),
		dispatcher:  dispatcher,
		events:      emitter,
		audit:       recorder,
	}
	return &testHarness{
		flowguard:  fg,
		redis:      mr,
		dispatcher: dispatcher,
		emitter:    emitter,
		audit:      recorder,
		datasource: datasource,
	}
}

func allowAllRules(tenantID string, actionType model.ActionType) func(context.Context, string, model.ActionType) ([]model.AutomationRule, error) {
	return func(_ context.Context, gotTenant string, gotAction model.ActionType) ([]model.AutomationRule, error) {
		if gotTenant != tenantID || gotAction != actionType {
			return nil, nil
		}
		return []model.AutomationRule{
			{RuleID: "rule_allow_all", TenantID: tenantID, ActionType: actionType, Effect: model.EffectAllow, Enabled: true},
		}, nil
	}
}

func newTestJob(tenantID string) *model.AutomationJobPayload {
	return &model.AutomationJobPayload{
		ActionType:     model.ActionCreatePurchaseOrder,
		RuleID:         "rule_allow_all",
		TenantID:       tenantID,
		TriggerEvent:   "inventory.low_stock",
		IdempotencyKey: gofakeit.UUID(),
		Context: model.ActionContext{
			SupplierID: "sup_001",
			PartID:     "part_889",
			Amount:     decimal.NewFromInt(1200),
			Quantity:   40,
		},
	}
}

func TestExecutePipelineHappyPath(t *testing.T) {
	h := newTestFlowGuard(t)
	tenantID := gofakeit.UUID()
	h.datasource.GetActiveRulesFn = allowAllRules(tenantID, model.ActionCreatePurchaseOrder)

	job := newTestJob(tenantID)
	result, err := h.flowguard.ExecutePipeline(context.Background(), job)

	assert.NoError(t, err)
	assert.True(t, result.Success)
	assert.False(t, result.WasReplay)
	assert.Equal(t, 1, h.dispatcher.Calls())

	// Usage counters moved exactly once.
	count, err := h.flowguard.redis.Get(context.Background(), supplierOrdersKey(tenantID, "sup_001")).Result()
	assert.NoError(t, err)
	assert.Equal(t, "1", count)

	events := h.emitter.Events()
	assert.Len(t, events, 1)
	assert.Equal(t, model.EventActionApproved, events[0].EventType)
	assert.GreaterOrEqual(t, events[0].DurationMs, int64(0))
	assert.LessOrEqual(t, events[0].DurationMs, result.DurationMs)

	entries := h.audit.Entries()
	assert.Len(t, entries, 1)
	assert.Equal(t, model.OutcomeAllowed, entries[0].Outcome)
}

func TestExecutePipelineInvalidTenant(t *testing.T) {
	h := newTestFlowGuard(t)

	job := newTestJob("NOT-A-UUID")
	result, err := h.flowguard.ExecutePipeline(context.Background(), job)

	assert.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, model.ReasonTenantInvalid, result.Reason)
	assert.Equal(t, 0, h.dispatcher.Calls())

	events := h.emitter.Events()
	assert.Len(t, events, 1)
	assert.Equal(t, model.EventTenantValidationFailed, events[0].EventType)

	// Step 0 failures never reach the audit store.
	assert.Empty(t, h.audit.Entries())
}

func TestExecutePipelineKillSwitch(t *testing.T) {
	h := newTestFlowGuard(t)
	tenantID := gofakeit.UUID()
	h.datasource.GetActiveRulesFn = allowAllRules(tenantID, model.ActionCreatePurchaseOrder)

	err := h.flowguard.ActivateKillSwitch(context.Background(), "")
	assert.NoError(t, err)

	result, err := h.flowguard.ExecutePipeline(context.Background(), newTestJob(tenantID))
	assert.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, model.ReasonKillSwitchActive, result.Reason)
	assert.Equal(t, 0, h.dispatcher.Calls())

	// Deactivating restores normal flow.
	err = h.flowguard.DeactivateKillSwitch(context.Background(), "")
	assert.NoError(t, err)
	result, err = h.flowguard.ExecutePipeline(context.Background(), newTestJob(tenantID))
	assert.NoError(t, err)
	assert.True(t, result.Success)
}

func TestExecutePipelineTenantKillSwitch(t *testing.T) {
	h := newTestFlowGuard(t)
	blockedTenant := gofakeit.UUID()
	otherTenant := gofakeit.UUID()
	h.datasource.GetActiveRulesFn = func(_ context.Context, tenantID string, _ model.ActionType) ([]model.AutomationRule, error) {
		return []model.AutomationRule{
			{RuleID: "rule_allow_all", TenantID: tenantID, ActionType: model.ActionCreatePurchaseOrder, Effect: model.EffectAllow, Enabled: true},
		}, nil
	}

	err := h.flowguard.ActivateKillSwitch(context.Background(), blockedTenant)
	assert.NoError(t, err)

	result, err := h.flowguard.ExecutePipeline(context.Background(), newTestJob(blockedTenant))
	assert.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, model.ReasonKillSwitchActive, result.Reason)

	result, err = h.flowguard.ExecutePipeline(context.Background(), newTestJob(otherTenant))
	assert.NoError(t, err)
	assert.True(t, result.Success)
}

func TestExecutePipelineDeniedByRule(t *testing.T) {
	h := newTestFlowGuard(t)
	tenantID := gofakeit.UUID()
	h.datasource.GetActiveRulesFn = func(_ context.Context, _ string, _ model.ActionType) ([]model.AutomationRule, error) {
		return []model.AutomationRule{
			{RuleID: "rule_allow_all", TenantID: tenantID, Effect: model.EffectAllow, Enabled: true, Priority: 10},
			{RuleID: "D-01", TenantID: tenantID, Effect: model.EffectDeny, Enabled: true, Priority: 5,
				Conditions: []model.RuleCondition{{Field: "supplier_id", Operator: model.OpEq, Value: "sup_001"}}},
		}, nil
	}

	result, err := h.flowguard.ExecutePipeline(context.Background(), newTestJob(tenantID))
	assert.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, model.ReasonDeniedByRule, result.Reason)
	assert.Equal(t, "Denied by rule: D-01", result.Error)
	assert.Equal(t, 0, h.dispatcher.Calls())

	entries := h.audit.Entries()
	assert.Len(t, entries, 1)
	assert.Equal(t, model.OutcomeBlocked, entries[0].Outcome)
}

func TestExecutePipelineDefaultDeny(t *testing.T) {
	h := newTestFlowGuard(t)

	result, err := h.flowguard.ExecutePipeline(context.Background(), newTestJob(gofakeit.UUID()))
	assert.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, model.ReasonDeniedByRule, result.Reason)
	assert.Equal(t, "No matching allow rule", result.Error)
}

func TestExecutePipelineGuardrailBlocks(t *testing.T) {
	h := newTestFlowGuard(t)
	tenantID := gofakeit.UUID()
	h.datasource.GetActiveRulesFn = allowAllRules(tenantID, model.ActionCreatePurchaseOrder)

	job := newTestJob(tenantID)
	job.Limits = model.GuardrailLimits{MaxOrdersPerSupplier: 3}

	// Counter already at the ceiling.
	h.redis.Set(supplierOrdersKey(tenantID, "sup_001"), "3")

	result, err := h.flowguard.ExecutePipeline(context.Background(), job)
	assert.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, model.ReasonGuardrailViolation, result.Reason)
	assert.Contains(t, result.Error, GuardrailSupplierOrderCount)
	assert.Equal(t, 0, h.dispatcher.Calls())

	events := h.emitter.Events()
	assert.Len(t, events, 2)
	assert.Equal(t, model.EventGuardrailViolation, events[0].EventType)
	assert.True(t, events[0].Blocked)
	assert.NotEmpty(t, events[0].Violations)
	assert.Equal(t, model.EventActionBlocked, events[1].EventType)
	assert.Equal(t, model.ReasonGuardrailViolation, events[1].Reason)
	assert.Contains(t, events[1].Details, GuardrailSupplierOrderCount)
}

func TestExecutePipelineBlockingAndAdvisoryViolations(t *testing.T) {
	h := newTestFlowGuard(t)
	tenantID := gofakeit.UUID()
	h.datasource.GetActiveRulesFn = allowAllRules(tenantID, model.ActionCreatePurchaseOrder)

	job := newTestJob(tenantID)
	job.Context.Amount = decimal.NewFromInt(9000)
	job.Limits = model.GuardrailLimits{
		MaxOrdersPerSupplier:  3,
		DualApprovalThreshold: decimal.NewFromInt(5000),
	}
	h.redis.Set(supplierOrdersKey(tenantID, "sup_001"), "3")

	result, err := h.flowguard.ExecutePipeline(context.Background(), job)
	assert.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, model.ReasonGuardrailViolation, result.Reason)

	// Both violations ride on the guardrail_violation event; the blocking
	// one decides the outcome.
	events := h.emitter.Events()
	assert.Len(t, events, 2)
	assert.Equal(t, model.EventGuardrailViolation, events[0].EventType)
	assert.True(t, events[0].Blocked)
	ids := model.ViolationIDs(events[0].Violations)
	assert.Contains(t, ids, GuardrailSupplierOrderCount)
	assert.Contains(t, ids, GuardrailDualApproval)
	assert.Equal(t, model.EventActionBlocked, events[1].EventType)
	assert.Contains(t, events[1].Details, GuardrailSupplierOrderCount)
}

func TestExecutePipelineAdvisoryViolationEscalates(t *testing.T) {
	h := newTestFlowGuard(t)
	tenantID := gofakeit.UUID()
	h.datasource.GetActiveRulesFn = allowAllRules(tenantID, model.ActionCreatePurchaseOrder)

	job := newTestJob(tenantID)
	job.Context.Amount = decimal.NewFromInt(9000)
	job.Limits = model.GuardrailLimits{DualApprovalThreshold: decimal.NewFromInt(5000)}
	job.Approval = model.ApprovalSpec{
		Required: true,
		Strategy: model.StrategyThresholdBased,
		Thresholds: &model.ApprovalThresholds{
			AutoApproveBelow: decimal.NewFromInt(100000),
		},
	}

	result, err := h.flowguard.ExecutePipeline(context.Background(), job)
	assert.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, model.ReasonManualApprovalRequired, result.Reason)
	assert.Equal(t, 0, h.dispatcher.Calls())

	// Advisory violations still surface as a guardrail_violation event,
	// just not a blocking one.
	events := h.emitter.Events()
	assert.Len(t, events, 2)
	assert.Equal(t, model.EventGuardrailViolation, events[0].EventType)
	assert.False(t, events[0].Blocked)
	assert.Contains(t, model.ViolationIDs(events[0].Violations), GuardrailDualApproval)
	assert.Equal(t, model.EventActionBlocked, events[1].EventType)
	assert.Equal(t, model.ReasonManualApprovalRequired, events[1].Reason)
}

func TestExecutePipelineAlwaysManual(t *testing.T) {
	h := newTestFlowGuard(t)
	tenantID := gofakeit.UUID()
	h.datasource.GetActiveRulesFn = allowAllRules(tenantID, model.ActionCreatePurchaseOrder)

	job := newTestJob(tenantID)
	job.Approval = model.ApprovalSpec{Required: true, Strategy: model.StrategyAlwaysManual}

	result, err := h.flowguard.ExecutePipeline(context.Background(), job)
	assert.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, model.ReasonManualApprovalRequired, result.Reason)
}

func TestExecutePipelineReplayDoesNotReExecute(t *testing.T) {
	h := newTestFlowGuard(t)
	tenantID := gofakeit.UUID()
	h.datasource.GetActiveRulesFn = allowAllRules(tenantID, model.ActionCreatePurchaseOrder)

	job := newTestJob(tenantID)
	first, err := h.flowguard.ExecutePipeline(context.Background(), job)
	assert.NoError(t, err)
	assert.True(t, first.Success)
	assert.False(t, first.WasReplay)

	second, err := h.flowguard.ExecutePipeline(context.Background(), job)
	assert.NoError(t, err)
	assert.True(t, second.Success)
	assert.True(t, second.WasReplay)
	assert.Equal(t, 1, h.dispatcher.Calls())

	// Replays never move usage counters.
	count, err := h.flowguard.redis.Get(context.Background(), supplierOrdersKey(tenantID, "sup_001")).Result()
	assert.NoError(t, err)
	assert.Equal(t, "1", count)
}

func TestExecutePipelineConcurrencyConflict(t *testing.T) {
	h := newTestFlowGuard(t)
	tenantID := gofakeit.UUID()
	h.datasource.GetActiveRulesFn = allowAllRules(tenantID, model.ActionCreatePurchaseOrder)

	job := newTestJob(tenantID)

	// A live pending claim from another worker.
	h.redis.Set(idempotencyStorageKey(job.IdempotencyKey),
		fmt.Sprintf(`{"key":%q,"action_type":"create_purchase_order","status":"pending","tenant_id":%q}`, job.IdempotencyKey, tenantID))

	result, err := h.flowguard.ExecutePipeline(context.Background(), job)
	assert.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, model.ReasonConcurrencyConflict, result.Reason)
	assert.Equal(t, 0, h.dispatcher.Calls())
}

func TestExecutePipelineActionFailure(t *testing.T) {
	h := newTestFlowGuard(t)
	tenantID := gofakeit.UUID()
	h.datasource.GetActiveRulesFn = allowAllRules(tenantID, model.ActionCreatePurchaseOrder)
	h.dispatcher.DispatchFn = func(context.Context, model.ActionType, model.ActionContext, map[string]interface{}) (*model.DispatchResult, error) {
		return &model.DispatchResult{Success: false, Error: "supplier API rejected the order"}, nil
	}

	job := newTestJob(tenantID)
	job.Fallback = model.FallbackPolicy{OnActionFail: model.FallbackSkip}

	result, err := h.flowguard.ExecutePipeline(context.Background(), job)
	assert.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, model.ReasonActionFailed, result.Reason)
	assert.Contains(t, result.Error, "supplier API rejected the order")

	entries := h.audit.Entries()
	assert.Len(t, entries, 1)
	assert.Equal(t, model.OutcomeFailed, entries[0].Outcome)

	// No counters move on failure.
	assert.False(t, h.redis.Exists(supplierOrdersKey(tenantID, "sup_001")))
}

func TestExecutePipelineEscalateFallbackDispatches(t *testing.T) {
	h := newTestFlowGuard(t)
	tenantID := gofakeit.UUID()
	h.datasource.GetActiveRulesFn = allowAllRules(tenantID, model.ActionCreatePurchaseOrder)

	var escalated []map[string]interface{}
	h.dispatcher.DispatchFn = func(_ context.Context, actionType model.ActionType, _ model.ActionContext, params map[string]interface{}) (*model.DispatchResult, error) {
		if actionType == model.ActionEscalate {
			escalated = append(escalated, params)
			return &model.DispatchResult{Success: true}, nil
		}
		return &model.DispatchResult{Success: false, Error: "supplier API rejected the order"}, nil
	}

	job := newTestJob(tenantID)
	job.Fallback = model.FallbackPolicy{OnActionFail: model.FallbackEscalate}

	result, err := h.flowguard.ExecutePipeline(context.Background(), job)
	assert.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, model.ReasonActionFailed, result.Reason)

	// The failure is handed to the escalate action with the original error
	// attached; the run still reports the combined failure.
	assert.Len(t, escalated, 1)
	assert.Equal(t, string(model.ActionCreatePurchaseOrder), escalated[0]["failed_action"])
	assert.Contains(t, escalated[0]["error"], "supplier API rejected the order")
	assert.Equal(t, 2, h.dispatcher.Calls())
}

func TestExecutePipelineEscalateDispatchFaultDoesNotMaskFailure(t *testing.T) {
	h := newTestFlowGuard(t)
	tenantID := gofakeit.UUID()
	h.datasource.GetActiveRulesFn = allowAllRules(tenantID, model.ActionCreatePurchaseOrder)

	h.dispatcher.DispatchFn = func(_ context.Context, actionType model.ActionType, _ model.ActionContext, _ map[string]interface{}) (*model.DispatchResult, error) {
		if actionType == model.ActionEscalate {
			return nil, errors.New("pager gateway unreachable")
		}
		return &model.DispatchResult{Success: false, Error: "supplier API rejected the order"}, nil
	}

	job := newTestJob(tenantID)
	job.Fallback = model.FallbackPolicy{OnActionFail: model.FallbackEscalate}

	result, err := h.flowguard.ExecutePipeline(context.Background(), job)
	assert.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, model.ReasonActionFailed, result.Reason)
	assert.Contains(t, result.Error, "supplier API rejected the order")
}

func TestExecutePipelineFailedRecordAllowsRetry(t *testing.T) {
	h := newTestFlowGuard(t)
	tenantID := gofakeit.UUID()
	h.datasource.GetActiveRulesFn = allowAllRules(tenantID, model.ActionCreatePurchaseOrder)

	failing := true
	h.dispatcher.DispatchFn = func(context.Context, model.ActionType, model.ActionContext, map[string]interface{}) (*model.DispatchResult, error) {
		if failing {
			return &model.DispatchResult{Success: false, Error: "transient supplier outage"}, nil
		}
		return &model.DispatchResult{Success: true}, nil
	}

	job := newTestJob(tenantID)
	job.Fallback = model.FallbackPolicy{OnActionFail: model.FallbackRetry, MaxRetries: 3}

	result, err := h.flowguard.ExecutePipeline(context.Background(), job)
	assert.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, model.ReasonActionFailed, result.Reason)

	// The failed record is cleared and the action re-executes.
	failing = false
	result, err = h.flowguard.ExecutePipeline(context.Background(), job)
	assert.NoError(t, err)
	assert.True(t, result.Success)
	assert.False(t, result.WasReplay)
	assert.Equal(t, 2, h.dispatcher.Calls())
}

func TestExecutePipelineSideChannelFailureNeverFlipsOutcome(t *testing.T) {
	h := newTestFlowGuard(t)
	tenantID := gofakeit.UUID()
	h.datasource.GetActiveRulesFn = allowAllRules(tenantID, model.ActionCreatePurchaseOrder)
	h.emitter.Err = errors.New("event broker unreachable")
	h.audit.Err = errors.New("audit store unreachable")

	result, err := h.flowguard.ExecutePipeline(context.Background(), newTestJob(tenantID))
	assert.NoError(t, err)
	assert.True(t, result.Success)
}

func TestExecutePipelineCorruptRecordFailsClosed(t *testing.T) {
	h := newTestFlowGuard(t)
	tenantID := gofakeit.UUID()
	h.datasource.GetActiveRulesFn = allowAllRules(tenantID, model.ActionCreatePurchaseOrder)

	job := newTestJob(tenantID)
	h.redis.Set(idempotencyStorageKey(job.IdempotencyKey), "{not json")

	result, err := h.flowguard.ExecutePipeline(context.Background(), job)
	assert.Error(t, err)
	assert.Nil(t, result)
	assert.Equal(t, 0, h.dispatcher.Calls())
}

func TestExecutePipelineInfrastructureFaultPropagates(t *testing.T) {
	h := newTestFlowGuard(t)
	tenantID := gofakeit.UUID()
	h.datasource.GetActiveRulesFn = allowAllRules(tenantID, model.ActionCreatePurchaseOrder)

	h.redis.Close()

	result, err := h.flowguard.ExecutePipeline(context.Background(), newTestJob(tenantID))
	assert.Error(t, err)
	assert.Nil(t, result)
}
