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
	"embed"

	"github.com/flowguard-io/flowguard/cache"
	"github.com/flowguard-io/flowguard/config"
	"github.com/flowguard-io/flowguard/database"
	redis_db "github.com/flowguard-io/flowguard/internal/redis-db"
	"github.com/flowguard-io/flowguard/model"
	"github.com/redis/go-redis/v9"
)

// SQLFiles embeds the SQL migration scripts applied by the migrate command.
//
//go:embed sql/*.sql
var SQLFiles embed.FS

// FlowGuard is the main struct for the automation-decision service. It wires
// the pipeline components to one shared Redis coordination client and one
// relational datasource; both are process-wide and shared across tenants.
type FlowGuard struct {
	queue       *Queue
	redis       redis.UniversalClient
	datasource  database.IDataSource
	rules       *RuleEvaluator
	guardrails  *GuardrailChecker
	idempotency *IdempotencyManager
	dispatcher  ActionDispatcher
	events      SecurityEventEmitter
	audit       AuditRecorder
}

// NewFlowGuard initializes a new instance of FlowGuard with the provided
// datasource and dispatcher. A nil dispatcher falls back to the configured
// webhook dispatcher.
//
// Parameters:
// - db database.IDataSource: The datasource for rule and audit storage.
// - dispatcher ActionDispatcher: The capability executing concrete actions.
//
// Returns:
// - *FlowGuard: A pointer to the newly created FlowGuard instance.
// - error: An error if any of the initialization steps fail.
func NewFlowGuard(db database.IDataSource, dispatcher ActionDispatcher) (*FlowGuard, error) {
	configuration, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	redisClient, err := redis_db.NewRedisClient(configuration.Redis.Dns)
	if err != nil {
		return nil, err
	}
	ruleCache, err := cache.NewCache()
	if err != nil {
		return nil, err
	}
	if dispatcher == nil {
		dispatcher = NewWebhookDispatcher(configuration)
	}

	newQueue := NewQueue(configuration)
	client := redisClient.Client()

	newFlowGuard := &FlowGuard{
		queue:       newQueue,
		redis:       client,
		datasource:  db,
		rules:       NewRuleEvaluator(db, ruleCache),
		guardrails:  NewGuardrailChecker(client),
		idempotency: NewIdempotencyManager(client),
		dispatcher:  dispatcher,
		events:      NewQueueEmitter(newQueue),
		audit:       NewDatabaseAuditRecorder(db),
	}
	return newFlowGuard, nil
}

// Queue exposes the job queue for the API layer and the worker commands.
func (f *FlowGuard) Queue() *Queue {
	return f.queue
}

// Datasource exposes rule and audit storage for the API layer.
func (f *FlowGuard) Datasource() database.IDataSource {
	return f.datasource
}

// GetIdempotencyRecord looks up the stored outcome for a key. Missing keys
// return nil without error.
func (f *FlowGuard) GetIdempotencyRecord(ctx context.Context, key string) (*model.IdempotencyRecord, error) {
	return f.idempotency.CheckIdempotencyKey(ctx, key)
}

// ClearIdempotencyRecord removes a stored record so a remediated job can be
// replayed from the dead-letter queue. Reports whether a record existed.
func (f *FlowGuard) ClearIdempotencyRecord(ctx context.Context, key string) (bool, error) {
	return f.idempotency.ClearIdempotencyKey(ctx, key)
}
