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

// Idempotency record statuses. A record is created in StatusPending by the
// claim write and moves to exactly one of StatusCompleted or StatusFailed.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// IdempotencyRecord is the stored state of one logical action instance. At
// most one record may exist per key, and at most one may ever be pending
// system-wide for a given key.
type IdempotencyRecord struct {
	Key        string      `json:"key"`
	ActionType ActionType  `json:"action_type"`
	Status     string      `json:"status"`
	TenantID   string      `json:"tenant_id"`
	CreatedAt  time.Time   `json:"created_at"`
	ExpiresAt  time.Time   `json:"expires_at"`
	Result     interface{} `json:"result,omitempty"`
	Error      string      `json:"error,omitempty"`
}
