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
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"

	"github.com/flowguard-io/flowguard/cache"
	"github.com/flowguard-io/flowguard/config"
	"github.com/flowguard-io/flowguard/model"
)

func newTestRuleEvaluator(t *testing.T, datasource *MockDataSource) *RuleEvaluator {
	t.Helper()
	mr := miniredis.RunT(t)
	config.MockConfig(&config.Configuration{
		Redis: config.RedisConfig{Dns: mr.Addr()},
	})
	ruleCache, err := cache.NewCache()
	if err != nil {
		t.Fatalf("Error creating test cache: %s", err)
	}
	return NewRuleEvaluator(datasource, ruleCache)
}

func TestEvaluateRulesDenyBeatsAllow(t *testing.T) {
	evaluator := newTestRuleEvaluator(t, &MockDataSource{})
	rules := []model.AutomationRule{
		{RuleID: "rule_allow", Effect: model.EffectAllow, Enabled: true},
		{RuleID: "rule_deny", Effect: model.EffectDeny, Enabled: true},
	}

	result := evaluator.EvaluateRules(rules, map[string]interface{}{})
	assert.False(t, result.Allowed)
	assert.NotNil(t, result.DeniedByRule)
	assert.Equal(t, "rule_deny", result.DeniedByRule.RuleID)
	assert.Nil(t, result.MatchedAllowRule)
	assert.ElementsMatch(t, []string{"rule_allow", "rule_deny"}, result.AllMatchingRules)
}

func TestEvaluateRulesDefaultDeny(t *testing.T) {
	evaluator := newTestRuleEvaluator(t, &MockDataSource{})

	result := evaluator.EvaluateRules(nil, map[string]interface{}{})
	assert.False(t, result.Allowed)
	assert.True(t, result.Stats.DefaultDeny)
	assert.Nil(t, result.DeniedByRule)
}

func TestEvaluateRulesConditionOperators(t *testing.T) {
	evaluator := newTestRuleEvaluator(t, &MockDataSource{})
	fields := map[string]interface{}{
		"supplier_id": "sup_001",
		"amount":      1500.0,
		"part_id":     "part-889-rev2",
	}

	cases := []struct {
		name    string
		cond    model.RuleCondition
		matches bool
	}{
		{"eq match", model.RuleCondition{Field: "supplier_id", Operator: model.OpEq, Value: "sup_001"}, true},
		{"eq miss", model.RuleCondition{Field: "supplier_id", Operator: model.OpEq, Value: "sup_002"}, false},
		{"not_eq", model.RuleCondition{Field: "supplier_id", Operator: model.OpNotEq, Value: "sup_002"}, true},
		{"gt", model.RuleCondition{Field: "amount", Operator: model.OpGt, Value: 1000}, true},
		{"gte boundary", model.RuleCondition{Field: "amount", Operator: model.OpGte, Value: 1500}, true},
		{"lt miss", model.RuleCondition{Field: "amount", Operator: model.OpLt, Value: 1500}, false},
		{"lte boundary", model.RuleCondition{Field: "amount", Operator: model.OpLte, Value: 1500}, true},
		{"in", model.RuleCondition{Field: "supplier_id", Operator: model.OpIn, Value: []interface{}{"sup_001", "sup_009"}}, true},
		{"in miss", model.RuleCondition{Field: "supplier_id", Operator: model.OpIn, Value: []interface{}{"sup_009"}}, false},
		{"contains", model.RuleCondition{Field: "part_id", Operator: model.OpContains, Value: "889"}, true},
		{"missing field", model.RuleCondition{Field: "facility_id", Operator: model.OpEq, Value: "fac_1"}, false},
		{"unknown operator", model.RuleCondition{Field: "supplier_id", Operator: "regex", Value: ".*"}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rule := model.AutomationRule{RuleID: "rule_x", Effect: model.EffectAllow, Enabled: true, Conditions: []model.RuleCondition{tc.cond}}
			result := evaluator.EvaluateRules([]model.AutomationRule{rule}, fields)
			assert.Equal(t, tc.matches, result.Allowed)
		})
	}
}

func TestEvaluateRulesAllConditionsMustHold(t *testing.T) {
	evaluator := newTestRuleEvaluator(t, &MockDataSource{})
	rule := model.AutomationRule{
		RuleID: "rule_both", Effect: model.EffectAllow, Enabled: true,
		Conditions: []model.RuleCondition{
			{Field: "supplier_id", Operator: model.OpEq, Value: "sup_001"},
			{Field: "amount", Operator: model.OpLt, Value: 1000},
		},
	}

	result := evaluator.EvaluateRules([]model.AutomationRule{rule}, map[string]interface{}{
		"supplier_id": "sup_001",
		"amount":      1500.0,
	})
	assert.False(t, result.Allowed)
}

func TestLoadActiveRulesCachesResult(t *testing.T) {
	fetches := 0
	datasource := &MockDataSource{
		GetActiveRulesFn: func(context.Context, string, model.ActionType) ([]model.AutomationRule, error) {
			fetches++
			return []model.AutomationRule{{RuleID: "rule_cached", Effect: model.EffectAllow, Enabled: true}}, nil
		},
	}
	evaluator := newTestRuleEvaluator(t, datasource)
	tenantID := gofakeit.UUID()

	rules, err := evaluator.LoadActiveRules(context.Background(), tenantID, model.ActionCreatePurchaseOrder)
	assert.NoError(t, err)
	assert.Len(t, rules, 1)

	rules, err = evaluator.LoadActiveRules(context.Background(), tenantID, model.ActionCreatePurchaseOrder)
	assert.NoError(t, err)
	assert.Len(t, rules, 1)
	assert.Equal(t, 1, fetches)
}
