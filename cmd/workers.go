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

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/flowguard-io/flowguard"
	"github.com/flowguard-io/flowguard/config"
	"github.com/flowguard-io/flowguard/internal/pipelineerror"
	redis_db "github.com/flowguard-io/flowguard/internal/redis-db"
	"github.com/flowguard-io/flowguard/model"

	"github.com/hibiken/asynq"
	"github.com/hibiken/asynqmon"
)

// errConcurrencyRetry marks a retry caused by a pending idempotency claim.
// The retry delay function applies a floor to these so the competing run
// has time to finish before the job comes back around.
var errConcurrencyRetry = errors.New("pending run holds the idempotency claim")

// processAutomationJob runs an automation job from the Redis queue through
// the decision pipeline. Infrastructure faults and concurrency conflicts are
// returned as errors so asynq retries the task; every other outcome is
// terminal and consumes the task.
func (b *flowguardInstance) processAutomationJob(ctx context.Context, t *asynq.Task) error {
	ctx, span := otel.Tracer("flowguard.automation.worker").Start(ctx, "Process Automation Job From Redis Queue")
	defer span.End()

	var payload model.AutomationJobPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		logrus.Error(err)
		return fmt.Errorf("malformed job payload: %v: %w", err, asynq.SkipRetry)
	}

	result, err := b.flowguard.ExecutePipeline(ctx, &payload)
	if err != nil {
		// Corrupt idempotency records never heal on their own, so retrying
		// such a job would loop forever.
		if pipelineerror.Is(err, pipelineerror.ErrCorruptRecord) {
			logrus.Errorf("Job %s failed on a corrupt idempotency record: %v", payload.IdempotencyKey, err)
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}

		logrus.Infof("Job %s pushed back for retry due to error: %v", payload.IdempotencyKey, err)
		return err
	}

	if result.Success {
		log.Println(" [*] Automation Job Processed", payload.IdempotencyKey)
		return nil
	}

	switch result.Reason {
	case model.ReasonConcurrencyConflict:
		retryCount, _ := asynq.GetRetryCount(ctx)
		logrus.Infof("Job %s blocked by a pending run, retry attempt %d", payload.IdempotencyKey, retryCount)
		return errConcurrencyRetry
	case model.ReasonActionFailed:
		if payload.Fallback.OnActionFail == model.FallbackRetry {
			logrus.Infof("Job %s action failed, fallback requests retry: %s", payload.IdempotencyKey, result.Error)
			return fmt.Errorf("action failed for job %s: %s", payload.IdempotencyKey, result.Error)
		}
		log.Println(" [*] Automation Job Rejected", payload.IdempotencyKey, result.Reason)
		return nil
	default:
		// Denials, kill switches, guardrail blocks and approval escalations
		// are final decisions, not worker failures.
		log.Println(" [*] Automation Job Rejected", payload.IdempotencyKey, result.Reason)
		return nil
	}
}

func initializeQueues() map[string]int {
	cfg, err := config.Fetch()
	if err != nil {
		log.Printf("Error fetching config, using defaults: %v", err)
		return nil
	}

	queues := make(map[string]int)
	queues[cfg.Queue.WebhookQueue] = 3

	for i := 1; i <= cfg.Queue.NumberOfQueues; i++ {
		queueName := fmt.Sprintf("%s_%d", cfg.Queue.AutomationQueue, i)
		queues[queueName] = 1
	}
	return queues
}

// retryDelay computes the backoff for a failed task. Concurrency conflicts
// get a fixed floor so the competing claim can resolve; everything else
// backs off exponentially from the configured base delay.
func retryDelay(conf *config.Configuration) asynq.RetryDelayFunc {
	return func(n int, err error, t *asynq.Task) time.Duration {
		base := time.Duration(conf.Queue.RetryDelaySeconds) * time.Second
		delay := time.Duration(math.Pow(2, float64(n))) * base

		if errors.Is(err, errConcurrencyRetry) {
			floor := time.Duration(conf.Queue.ConcurrencyRetryFloorSec) * time.Second
			if delay < floor {
				return floor
			}
		}
		return delay
	}
}

func initializeWorkerServer(conf *config.Configuration, queues map[string]int) (*asynq.Server, error) {
	redisOption, err := redis_db.ParseRedisURL(conf.Redis.Dns)
	if err != nil {
		return nil, fmt.Errorf("error parsing Redis URL: %v", err)
	}

	return asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:      redisOption.Addr,
			Password:  redisOption.Password,
			DB:        redisOption.DB,
			TLSConfig: redisOption.TLSConfig,
		},
		asynq.Config{
			Concurrency:    conf.Queue.WorkerConcurrency,
			Queues:         queues,
			RetryDelayFunc: retryDelay(conf),
		},
	), nil
}

func initializeTaskHandlers(b *flowguardInstance, mux *asynq.ServeMux) {
	cfg, err := config.Fetch()
	if err != nil {
		log.Printf("Error fetching config, using defaults: %v", err)
		return
	}

	// Register handlers for automation job queues
	for i := 1; i <= cfg.Queue.NumberOfQueues; i++ {
		queueName := fmt.Sprintf("%s_%d", cfg.Queue.AutomationQueue, i)
		mux.HandleFunc(queueName, b.processAutomationJob)
	}

	// Register the security event delivery handler
	mux.HandleFunc(cfg.Queue.WebhookQueue, flowguard.ProcessSecurityEvent)
}

// workerCommands defines the "workers" command to start worker processes.
// The workers listen to the automation job queues and the security event queue.
func workerCommands(b *flowguardInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workers",
		Short: "start flowguard workers", // Short description of the command
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()

			// Load configuration
			conf, err := config.Fetch()
			if err != nil {
				log.Fatal("Error fetching config:", err)
			}

			// Initialize observability (tracing)
			shutdown, err := initializeObservability(ctx, conf)
			if err != nil {
				log.Fatal(err)
			}
			if shutdown != nil {
				defer func() {
					if err := shutdown(ctx); err != nil {
						log.Printf("Error during shutdown: %v", err)
					}
				}()
			}

			// Initialize queues
			queues := initializeQueues()

			// Initialize worker server
			srv, err := initializeWorkerServer(conf, queues)
			if err != nil {
				log.Fatal(err)
			}

			// Initialize task handlers
			mux := asynq.NewServeMux()
			initializeTaskHandlers(b, mux)

			// Start asynqmon server for health checks and monitoring
			redisOption, _ := redis_db.ParseRedisURL(conf.Redis.Dns)
			h := asynqmon.New(asynqmon.Options{
				RootPath: "/monitoring", //  Optional: if you want to serve asynqmon under a sub-path.
				RedisConnOpt: asynq.RedisClientOpt{
					Addr:      redisOption.Addr,
					Password:  redisOption.Password,
					DB:        redisOption.DB,
					TLSConfig: redisOption.TLSConfig,
				},
			})

			// Start asynqmon HTTP server in a new goroutine
			go func() {
				monitoringAddr := fmt.Sprintf(":%s", conf.Queue.MonitoringPort)
				log.Printf("Asynqmon server listening on %s/monitoring", monitoringAddr)
				if err := http.ListenAndServe(monitoringAddr, h); err != nil {
					log.Fatalf("could not start asynqmon server: %v", err)
				}
			}()

			// Start worker server
			if err := srv.Run(mux); err != nil {
				log.Fatalf("could not run server: %v", err)
			}
		},
	}

	return cmd
}
