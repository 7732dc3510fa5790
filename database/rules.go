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

package database

import (
	"context"
	"encoding/json"
	"time"

	"github.com/lib/pq"

	"github.com/flowguard-io/flowguard/internal/pipelineerror"
	"github.com/flowguard-io/flowguard/model"
)

// CreateRule persists a new automation rule. The rule id is generated here
// so callers never supply colliding identifiers.
func (d Datasource) CreateRule(ctx context.Context, rule *model.AutomationRule) (*model.AutomationRule, error) {
	conditionsJSON, err := json.Marshal(rule.Conditions)
	if err != nil {
		return nil, pipelineerror.Wrap(pipelineerror.ErrValidation, "failed to marshal rule conditions", err)
	}

	rule.RuleID = model.GenerateUUIDWithSuffix("rule")
	rule.CreatedAt = time.Now()
	rule.UpdatedAt = rule.CreatedAt

	_, err = d.Conn.ExecContext(ctx, `
		INSERT INTO automation_rules (rule_id, tenant_id, name, action_type, effect, priority, conditions, enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, rule.RuleID, rule.TenantID, rule.Name, rule.ActionType, rule.Effect, rule.Priority, conditionsJSON, rule.Enabled, rule.CreatedAt, rule.UpdatedAt)

	if err != nil {
		pqErr, ok := err.(*pq.Error)
		if ok && pqErr.Code.Name() == "unique_violation" {
			return nil, pipelineerror.Wrap(pipelineerror.ErrValidation, "rule with this ID already exists", err)
		}
		return nil, pipelineerror.Wrap(pipelineerror.ErrInfrastructure, "failed to create rule", err)
	}

	return rule, nil
}

// GetActiveRules retrieves the enabled rules for a tenant and action type,
// ordered by priority so evaluation can short-circuit deterministically.
func (d Datasource) GetActiveRules(ctx context.Context, tenantID string, actionType model.ActionType) ([]model.AutomationRule, error) {
	rows, err := d.Conn.QueryContext(ctx, `
		SELECT rule_id, tenant_id, name, action_type, effect, priority, conditions, enabled, created_at, updated_at
		FROM automation_rules
		WHERE tenant_id = $1 AND action_type = $2 AND enabled
		ORDER BY priority DESC, created_at ASC
	`, tenantID, actionType)
	if err != nil {
		return nil, pipelineerror.Wrap(pipelineerror.ErrInfrastructure, "failed to retrieve active rules", err)
	}
	defer rows.Close()

	rules := []model.AutomationRule{}

	for rows.Next() {
		rule := model.AutomationRule{}
		var conditionsJSON []byte
		err = rows.Scan(&rule.RuleID, &rule.TenantID, &rule.Name, &rule.ActionType, &rule.Effect, &rule.Priority, &conditionsJSON, &rule.Enabled, &rule.CreatedAt, &rule.UpdatedAt)
		if err != nil {
			return nil, pipelineerror.Wrap(pipelineerror.ErrInfrastructure, "failed to scan rule data", err)
		}

		err = json.Unmarshal(conditionsJSON, &rule.Conditions)
		if err != nil {
			return nil, pipelineerror.Wrap(pipelineerror.ErrInfrastructure, "failed to unmarshal rule conditions", err)
		}

		rules = append(rules, rule)
	}

	if err = rows.Err(); err != nil {
		return nil, pipelineerror.Wrap(pipelineerror.ErrInfrastructure, "error occurred while iterating over rules", err)
	}

	return rules, nil
}

// DisableRule flips a rule off without deleting it, preserving audit trails
// that reference the rule id.
func (d Datasource) DisableRule(ctx context.Context, ruleID string) error {
	result, err := d.Conn.ExecContext(ctx, `
		UPDATE automation_rules SET enabled = FALSE, updated_at = NOW() WHERE rule_id = $1
	`, ruleID)
	if err != nil {
		return pipelineerror.Wrap(pipelineerror.ErrInfrastructure, "failed to disable rule", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return pipelineerror.Wrap(pipelineerror.ErrInfrastructure, "failed to check disable result", err)
	}
	if affected == 0 {
		return pipelineerror.New(pipelineerror.ErrValidation, "rule not found", ruleID)
	}
	return nil
}
