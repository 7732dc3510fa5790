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
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log"

	"github.com/flowguard-io/flowguard/config"
	redis_db "github.com/flowguard-io/flowguard/internal/redis-db"

	"github.com/flowguard-io/flowguard/model"
	"github.com/hibiken/asynq"
)

// Queue enqueues automation jobs and security events for the worker fleet.
type Queue struct {
	Client    *asynq.Client
	Inspector *asynq.Inspector
}

// NewQueue initializes a new Queue instance with the provided configuration.
//
// Parameters:
// - conf *config.Configuration: The configuration for the queue.
//
// Returns:
// - *Queue: A pointer to the newly created Queue instance.
func NewQueue(conf *config.Configuration) *Queue {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns)
	if err != nil {
		log.Fatalf("Error parsing Redis URL: %v", err)
	}

	queueOptions := asynq.RedisClientOpt{Addr: redisOption.Addr, Password: redisOption.Password, DB: redisOption.DB, TLSConfig: redisOption.TLSConfig}
	client := asynq.NewClient(queueOptions)
	inspector := asynq.NewInspector(queueOptions)
	return &Queue{
		Client:    client,
		Inspector: inspector,
	}
}

// Enqueue validates an automation job and places it on one of the sharded
// automation queues. The task ID is the job's idempotency key, so the broker
// rejects a duplicate enqueue of the same logical action while the first
// task is still live.
//
// Parameters:
// - ctx context.Context: The context for the operation.
// - payload *model.AutomationJobPayload: The job to be enqueued.
//
// Returns:
// - error: An error if the job is invalid or could not be enqueued.
func (q *Queue) Enqueue(ctx context.Context, payload *model.AutomationJobPayload) error {
	ctx, span := tracer.Start(ctx, "Adding Automation Job To Redis Queue")
	defer span.End()

	if err := payload.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	task, err := q.jobTask(payload, data)
	if err != nil {
		return err
	}
	info, err := q.Client.EnqueueContext(ctx, task)
	if err != nil {
		log.Println(err, info)
		return err
	}
	log.Printf(" [*] Successfully enqueued automation job: %+v", payload.IdempotencyKey)

	return nil
}

// jobTask builds the asynq task for an automation job and assigns it to a
// queue shard based on the tenant ID. All jobs for the same tenant land on
// the same shard and are processed serially, which keeps guardrail counter
// writes for one tenant from racing each other across workers.
func (q *Queue) jobTask(payload *model.AutomationJobPayload, data []byte) (*asynq.Task, error) {
	cnf, err := config.Fetch()
	if err != nil {
		return nil, err
	}
	queueIndex := hashTenantID(payload.TenantID) % cnf.Queue.NumberOfQueues
	queueName := fmt.Sprintf("%s_%d", cnf.Queue.AutomationQueue, queueIndex+1)

	maxRetry := cnf.Queue.MaxRetryAttempts
	if payload.Fallback.OnActionFail == model.FallbackRetry && payload.Fallback.MaxRetries > 0 {
		maxRetry = payload.Fallback.MaxRetries
	}

	taskOptions := []asynq.Option{
		asynq.TaskID(payload.IdempotencyKey),
		asynq.Queue(queueName),
		asynq.MaxRetry(maxRetry),
	}
	return asynq.NewTask(queueName, data, taskOptions...), nil
}

// EnqueueSecurityEvent places a security event on the webhook queue for
// asynchronous delivery. Delivery failures are retried by the worker, never
// by the pipeline that produced the event.
func (q *Queue) EnqueueSecurityEvent(ctx context.Context, event *model.SecurityEvent) error {
	cnf, err := config.Fetch()
	if err != nil {
		return err
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	taskOptions := []asynq.Option{asynq.Queue(cnf.Queue.WebhookQueue)}
	task := asynq.NewTask(cnf.Queue.WebhookQueue, data, taskOptions...)
	info, err := q.Client.EnqueueContext(ctx, task)
	if err != nil {
		log.Println(err, info)
		return err
	}
	return nil
}

// hashTenantID returns a consistent hash value for a tenant ID.
//
// Parameters:
// - tenantID string: The tenant ID to hash.
//
// Returns:
// - int: The hash value of the tenant ID.
func hashTenantID(tenantID string) int {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(tenantID))
	return int(hasher.Sum32())
}

// GetJobFromQueue retrieves a queued automation job by its idempotency key.
//
// Parameters:
// - idempotencyKey string: The idempotency key of the job to retrieve.
//
// Returns:
// - *model.AutomationJobPayload: A pointer to the job payload if found.
// - error: An error if the job could not be retrieved.
func (q *Queue) GetJobFromQueue(idempotencyKey string) (*model.AutomationJobPayload, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return nil, err
	}

	// Iterate over all automation queue shards
	for i := 1; i <= cfg.Queue.NumberOfQueues; i++ {
		queueName := fmt.Sprintf("%s_%d", cfg.Queue.AutomationQueue, i)
		task, err := q.Inspector.GetTaskInfo(queueName, idempotencyKey)
		if err == nil && task != nil {
			var job model.AutomationJobPayload
			if err := json.Unmarshal(task.Payload, &job); err != nil {
				return nil, err
			}
			return &job, nil
		}
	}
	return nil, nil // Not found in any shard
}
