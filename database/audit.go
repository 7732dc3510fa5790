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
	"time"

	"github.com/flowguard-io/flowguard/internal/pipelineerror"
	"github.com/flowguard-io/flowguard/model"
)

// RecordDecision persists one decision row for a pipeline run. Callers treat
// failures as side-channel errors; this method only reports them.
func (d Datasource) RecordDecision(ctx context.Context, entry *model.AuditEntry) error {
	if entry.AuditID == "" {
		entry.AuditID = model.GenerateUUIDWithSuffix("aud")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}

	_, err := d.Conn.ExecContext(ctx, `
		INSERT INTO audit_decisions (audit_id, tenant_id, action_type, rule_id, idempotency_key, outcome, reason, was_replay, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, entry.AuditID, entry.TenantID, entry.ActionType, entry.RuleID, entry.IdempotencyKey, entry.Outcome, entry.Reason, entry.WasReplay, entry.DurationMs, entry.CreatedAt)

	if err != nil {
		return pipelineerror.Wrap(pipelineerror.ErrSideChannel, "failed to record audit decision", err)
	}
	return nil
}

// GetDecisionsByTenant retrieves decision rows for a tenant, newest first.
func (d Datasource) GetDecisionsByTenant(ctx context.Context, tenantID string, limit, offset int) ([]model.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := d.Conn.QueryContext(ctx, `
		SELECT audit_id, tenant_id, action_type, rule_id, idempotency_key, outcome, reason, was_replay, duration_ms, created_at
		FROM audit_decisions
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, tenantID, limit, offset)
	if err != nil {
		return nil, pipelineerror.Wrap(pipelineerror.ErrInfrastructure, "failed to retrieve audit decisions", err)
	}
	defer rows.Close()

	entries := []model.AuditEntry{}

	for rows.Next() {
		entry := model.AuditEntry{}
		err = rows.Scan(&entry.AuditID, &entry.TenantID, &entry.ActionType, &entry.RuleID, &entry.IdempotencyKey, &entry.Outcome, &entry.Reason, &entry.WasReplay, &entry.DurationMs, &entry.CreatedAt)
		if err != nil {
			return nil, pipelineerror.Wrap(pipelineerror.ErrInfrastructure, "failed to scan audit decision", err)
		}
		entries = append(entries, entry)
	}

	if err = rows.Err(); err != nil {
		return nil, pipelineerror.Wrap(pipelineerror.ErrInfrastructure, "error occurred while iterating over audit decisions", err)
	}

	return entries, nil
}
