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

	"github.com/flowguard-io/flowguard/database"
	"github.com/flowguard-io/flowguard/model"
)

// AuditRecorder persists one decision row per completed pipeline run. Like
// the event emitter it is a side channel: a failed write is logged and
// discarded, never surfaced to the job.
type AuditRecorder interface {
	Record(ctx context.Context, entry *model.AuditEntry) error
}

// DatabaseAuditRecorder writes audit rows through the relational datasource.
type DatabaseAuditRecorder struct {
	datasource database.IDataSource
}

func NewDatabaseAuditRecorder(datasource database.IDataSource) *DatabaseAuditRecorder {
	return &DatabaseAuditRecorder{datasource: datasource}
}

func (r *DatabaseAuditRecorder) Record(ctx context.Context, entry *model.AuditEntry) error {
	return r.datasource.RecordDecision(ctx, entry)
}
