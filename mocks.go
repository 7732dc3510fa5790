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
	"sync"

	"github.com/flowguard-io/flowguard/model"
)

// MockDispatcher is an ActionDispatcher with a pluggable Dispatch function.
// The zero value reports every action as successful.
type MockDispatcher struct {
	DispatchFn func(ctx context.Context, actionType model.ActionType, actionCtx model.ActionContext, params map[string]interface{}) (*model.DispatchResult, error)

	mu    sync.Mutex
	calls int
}

func (m *MockDispatcher) Dispatch(ctx context.Context, actionType model.ActionType, actionCtx model.ActionContext, params map[string]interface{}) (*model.DispatchResult, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	if m.DispatchFn != nil {
		return m.DispatchFn(ctx, actionType, actionCtx, params)
	}
	return &model.DispatchResult{Success: true, Data: map[string]interface{}{"dispatched": true}}, nil
}

// Calls reports how many times Dispatch ran.
func (m *MockDispatcher) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// MockEmitter records emitted security events in memory.
type MockEmitter struct {
	Err error

	mu     sync.Mutex
	events []model.SecurityEvent
}

func (m *MockEmitter) Emit(_ context.Context, event *model.SecurityEvent) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, *event)
	return nil
}

// Events returns a copy of everything emitted so far.
func (m *MockEmitter) Events() []model.SecurityEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.SecurityEvent(nil), m.events...)
}

// MockAuditRecorder records audit entries in memory.
type MockAuditRecorder struct {
	Err error

	mu      sync.Mutex
	entries []model.AuditEntry
}

func (m *MockAuditRecorder) Record(_ context.Context, entry *model.AuditEntry) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, *entry)
	return nil
}

// Entries returns a copy of everything recorded so far.
func (m *MockAuditRecorder) Entries() []model.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]model.AuditEntry(nil), m.entries...)
}

// MockDataSource satisfies database.IDataSource with pluggable functions.
// Unset functions behave as empty storage.
type MockDataSource struct {
	CreateRuleFn           func(ctx context.Context, rule *model.AutomationRule) (*model.AutomationRule, error)
	GetActiveRulesFn       func(ctx context.Context, tenantID string, actionType model.ActionType) ([]model.AutomationRule, error)
	DisableRuleFn          func(ctx context.Context, ruleID string) error
	RecordDecisionFn       func(ctx context.Context, entry *model.AuditEntry) error
	GetDecisionsByTenantFn func(ctx context.Context, tenantID string, limit, offset int) ([]model.AuditEntry, error)
}

func (m *MockDataSource) CreateRule(ctx context.Context, rule *model.AutomationRule) (*model.AutomationRule, error) {
	if m.CreateRuleFn != nil {
		return m.CreateRuleFn(ctx, rule)
	}
	return rule, nil
}

func (m *MockDataSource) GetActiveRules(ctx context.Context, tenantID string, actionType model.ActionType) ([]model.AutomationRule, error) {
	if m.GetActiveRulesFn != nil {
		return m.GetActiveRulesFn(ctx, tenantID, actionType)
	}
	return nil, nil
}

func (m *MockDataSource) DisableRule(ctx context.Context, ruleID string) error {
	if m.DisableRuleFn != nil {
		return m.DisableRuleFn(ctx, ruleID)
	}
	return nil
}

func (m *MockDataSource) RecordDecision(ctx context.Context, entry *model.AuditEntry) error {
	if m.RecordDecisionFn != nil {
		return m.RecordDecisionFn(ctx, entry)
	}
	return nil
}

func (m *MockDataSource) GetDecisionsByTenant(ctx context.Context, tenantID string, limit, offset int) ([]model.AuditEntry, error) {
	if m.GetDecisionsByTenantFn != nil {
		return m.GetDecisionsByTenantFn(ctx, tenantID, limit, offset)
	}
	return nil, nil
}
