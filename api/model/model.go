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
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"

	"github.com/flowguard-io/flowguard/model"
)

// QueueAutomationJob is the request body for submitting a job to the
// pipeline. The idempotency key comes from the caller so retries of the
// same logical trigger carry the same key.
type QueueAutomationJob struct {
	ActionType     string                 `json:"action_type"`
	RuleID         string                 `json:"rule_id"`
	TenantID       string                 `json:"tenant_id"`
	TriggerEvent   string                 `json:"trigger_event"`
	IdempotencyKey string                 `json:"idempotency_key"`
	Context        model.ActionContext    `json:"context"`
	Approval       model.ApprovalSpec     `json:"approval"`
	Fallback       model.FallbackPolicy   `json:"fallback"`
	Limits         model.GuardrailLimits  `json:"limits"`
	ActionParams   map[string]interface{} `json:"action_params,omitempty"`
}

func (j *QueueAutomationJob) ValidateQueueAutomationJob() error {
	return validation.ValidateStruct(j,
		validation.Field(&j.ActionType, validation.Required),
		validation.Field(&j.TenantID, validation.Required, is.UUID),
		validation.Field(&j.TriggerEvent, validation.Required),
		validation.Field(&j.IdempotencyKey, validation.Required),
	)
}

func (j *QueueAutomationJob) ToPayload() *model.AutomationJobPayload {
	return &model.AutomationJobPayload{
		ActionType:     model.ActionType(j.ActionType),
		RuleID:         j.RuleID,
		TenantID:       j.TenantID,
		TriggerEvent:   j.TriggerEvent,
		IdempotencyKey: j.IdempotencyKey,
		Context:        j.Context,
		Approval:       j.Approval,
		Fallback:       j.Fallback,
		Limits:         j.Limits,
		ActionParams:   j.ActionParams,
		CreatedAt:      time.Now(),
	}
}

// CreateRule is the request body for registering an automation rule.
type CreateRule struct {
	TenantID   string                `json:"tenant_id"`
	Name       string                `json:"name"`
	ActionType string                `json:"action_type"`
	Effect     string                `json:"effect"`
	Priority   int                   `json:"priority"`
	Conditions []model.RuleCondition `json:"conditions"`
}

func (r *CreateRule) ValidateCreateRule() error {
	return validation.ValidateStruct(r,
		validation.Field(&r.TenantID, validation.Required, is.UUID),
		validation.Field(&r.Name, validation.Required),
		validation.Field(&r.ActionType, validation.Required),
		validation.Field(&r.Effect, validation.Required, validation.In(model.EffectAllow, model.EffectDeny)),
	)
}

func (r *CreateRule) ToRule() *model.AutomationRule {
	return &model.AutomationRule{
		TenantID:   r.TenantID,
		Name:       r.Name,
		ActionType: model.ActionType(r.ActionType),
		Effect:     r.Effect,
		Priority:   r.Priority,
		Conditions: r.Conditions,
		Enabled:    true,
	}
}

// KillSwitch is the request body for both activation and deactivation. An
// empty tenant id targets the global switch.
type KillSwitch struct {
	TenantID string `json:"tenant_id"`
}

func (k *KillSwitch) ValidateKillSwitch() error {
	return validation.ValidateStruct(k,
		validation.Field(&k.TenantID, is.UUID),
	)
}
