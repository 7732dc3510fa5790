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

import "time"

// Rule effects. An explicit deny always beats an allow.
const (
	EffectAllow = "allow"
	EffectDeny  = "deny"
)

// Condition operators supported by rule evaluation.
const (
	OpEq       = "eq"
	OpNotEq    = "not_eq"
	OpGt       = "gt"
	OpGte      = "gte"
	OpLt       = "lt"
	OpLte      = "lte"
	OpIn       = "in"
	OpContains = "contains"
)

// RuleCondition is one field comparison inside a rule. All conditions of a
// rule must match for the rule to match.
type RuleCondition struct {
	Field    string      `json:"field"`
	Operator string      `json:"operator"`
	Value    interface{} `json:"value"`
}

// AutomationRule is a tenant-scoped allow/deny rule bound to one action type.
type AutomationRule struct {
	RuleID     string          `json:"rule_id"`
	TenantID   string          `json:"tenant_id"`
	Name       string          `json:"name"`
	ActionType ActionType      `json:"action_type"`
	Effect     string          `json:"effect"`
	Priority   int             `json:"priority"`
	Conditions []RuleCondition `json:"conditions"`
	Enabled    bool            `json:"enabled"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// EvaluationStats summarizes one evaluation pass for audit metadata.
type EvaluationStats struct {
	RulesEvaluated int  `json:"rules_evaluated"`
	RulesMatched   int  `json:"rules_matched"`
	DefaultDeny    bool `json:"default_deny"`
}

// EvaluationResult is the outcome of evaluating a rule set against a context.
// DefaultDeny in Stats distinguishes "no allow rule matched" from an explicit
// deny carried in DeniedByRule.
type EvaluationResult struct {
	Allowed          bool            `json:"allowed"`
	MatchedAllowRule *AutomationRule `json:"matched_allow_rule,omitempty"`
	DeniedByRule     *AutomationRule `json:"denied_by_rule,omitempty"`
	AllMatchingRules []string        `json:"all_matching_rules"`
	Stats            EvaluationStats `json:"stats"`
}
