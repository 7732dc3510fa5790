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

	"github.com/flowguard-io/flowguard/cache"
	"github.com/flowguard-io/flowguard/database"
	"github.com/flowguard-io/flowguard/model"
)

const ruleCacheTTL = time.Minute

// RuleEvaluator loads a tenant's active rules for an action type and
// evaluates them against a job context. Rule storage itself is external;
// this component only reads it, fronted by a short-lived cache.
type RuleEvaluator struct {
	datasource database.IDataSource
	cache      cache.Cache
}

func NewRuleEvaluator(datasource database.IDataSource, ruleCache cache.Cache) *RuleEvaluator {
	return &RuleEvaluator{datasource: datasource, cache: ruleCache}
}

func ruleCacheKey(tenantID string, actionType model.ActionType) string {
	return fmt.Sprintf("flowguard:rules:%s:%s", tenantID, actionType)
}

// LoadActiveRules returns the enabled rule set for (tenant, actionType),
// ordered by priority. Cache failures fall through to the store; store
// failures propagate.
func (r *RuleEvaluator) LoadActiveRules(ctx context.Context, tenantID string, actionType model.ActionType) ([]model.AutomationRule, error) {
	key := ruleCacheKey(tenantID, actionType)

	if r.cache != nil {
		var cached []model.AutomationRule
		if err := r.cache.Get(ctx, key, &cached); err == nil && cached != nil {
			return cached, nil
		}
	}

	rules, err := r.datasource.GetActiveRules(ctx, tenantID, actionType)
	if err != nil {
		return nil, err
	}

	if r.cache != nil {
		if err := r.cache.Set(ctx, key, rules, ruleCacheTTL); err != nil {
			logrus.WithError(err).Warn("rule cache write failed")
		}
	}
	return rules, nil
}

// EvaluateRules applies the rule set to a flattened context. An explicit
// deny match takes precedence over any allow match; no matching allow rule
// is a default deny, distinguishable in the stats from an explicit one.
func (r *RuleEvaluator) EvaluateRules(rules []model.AutomationRule, fields map[string]interface{}) *model.EvaluationResult {
	result := &model.EvaluationResult{
		AllMatchingRules: []string{},
		Stats:            model.EvaluationStats{RulesEvaluated: len(rules)},
	}

	for i := range rules {
		rule := &rules[i]
		if !ruleMatches(rule, fields) {
			continue
		}
		result.AllMatchingRules = append(result.AllMatchingRules, rule.RuleID)
		result.Stats.RulesMatched++

		switch rule.Effect {
		case model.EffectDeny:
			if result.DeniedByRule == nil {
				result.DeniedByRule = rule
			}
		case model.EffectAllow:
			if result.MatchedAllowRule == nil {
				result.MatchedAllowRule = rule
			}
		}
	}

	if result.DeniedByRule != nil {
		result.Allowed = false
		result.MatchedAllowRule = nil
		return result
	}
	if result.MatchedAllowRule != nil {
		result.Allowed = true
		return result
	}

	result.Allowed = false
	result.Stats.DefaultDeny = true
	return result
}

// ruleMatches reports whether every condition of a rule holds. A rule with
// no conditions matches everything of its action type.
func ruleMatches(rule *model.AutomationRule, fields map[string]interface{}) bool {
	for _, cond := range rule.Conditions {
		if !conditionMatches(cond, fields) {
			return false
		}
	}
	return true
}

func conditionMatches(cond model.RuleCondition, fields map[string]interface{}) bool {
	actual, ok := fields[cond.Field]
	if !ok {
		return false
	}

	switch cond.Operator {
	case model.OpEq:
		return valuesEqual(actual, cond.Value)
	case model.OpNotEq:
		return !valuesEqual(actual, cond.Value)
	case model.OpGt, model.OpGte, model.OpLt, model.OpLte:
		a, aok := toFloat(actual)
		b, bok := toFloat(cond.Value)
		if !aok || !bok {
			return false
		}
		switch cond.Operator {
		case model.OpGt:
			return a > b
		case model.OpGte:
			return a >= b
		case model.OpLt:
			return a < b
		default:
			return a <= b
		}
	case model.OpIn:
		list, ok := cond.Value.([]interface{})
		if !ok {
			return false
		}
		for _, item := range list {
			if valuesEqual(actual, item) {
				return true
			}
		}
		return false
	case model.OpContains:
		haystack, hok := actual.(string)
		needle, nok := cond.Value.(string)
		return hok && nok && strings.Contains(haystack, needle)
	default:
		return false
	}
}

// valuesEqual compares numerically when both sides are numbers and by
// string rendering otherwise, so JSON-decoded rule values line up with
// typed context fields.
func valuesEqual(a, b interface{}) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}
