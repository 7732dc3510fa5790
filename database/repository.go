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

	"github.com/flowguard-io/flowguard/model"
)

// IDataSource defines the interface for data source operations, grouping related functionalities.
type IDataSource interface {
	rule  // Interface for automation-rule storage
	audit // Interface for durable decision logging
}

// rule defines methods for automation-rule storage.
type rule interface {
	CreateRule(ctx context.Context, rule *model.AutomationRule) (*model.AutomationRule, error)   // Persists a new rule
	GetActiveRules(ctx context.Context, tenantID string, actionType model.ActionType) ([]model.AutomationRule, error) // Retrieves the enabled rules for a tenant and action type
	DisableRule(ctx context.Context, ruleID string) error                                        // Disables a rule without deleting it
}

// audit defines methods for durable decision logging.
type audit interface {
	RecordDecision(ctx context.Context, entry *model.AuditEntry) error                                  // Records one decision row per pipeline run
	GetDecisionsByTenant(ctx context.Context, tenantID string, limit, offset int) ([]model.AuditEntry, error) // Retrieves decision rows for a tenant, newest first
}
