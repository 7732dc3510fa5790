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
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/flowguard-io/flowguard/config"
	"github.com/flowguard-io/flowguard/model"

	"github.com/hibiken/asynq"
)

// SecurityEventEmitter publishes security events out of the pipeline. The
// pipeline calls it best-effort: an emitter failure never changes the
// decision outcome of the job that produced the event.
type SecurityEventEmitter interface {
	Emit(ctx context.Context, event *model.SecurityEvent) error
}

// QueueEmitter hands security events to the webhook queue so a worker
// delivers them off the hot path.
type QueueEmitter struct {
	queue *Queue
}

func NewQueueEmitter(queue *Queue) *QueueEmitter {
	return &QueueEmitter{queue: queue}
}

func (e *QueueEmitter) Emit(ctx context.Context, event *model.SecurityEvent) error {
	return e.queue.EnqueueSecurityEvent(ctx, event)
}

// deliverHTTP sends a security event to the configured webhook endpoint.
//
// Parameters:
// - event *model.SecurityEvent: The security event to deliver.
//
// Returns:
// - error: An error if the request or processing fails.
func deliverHTTP(event *model.SecurityEvent) error {
	conf, err := config.Fetch()
	if err != nil {
		log.Println("Error fetching config:", err)
		return err
	}

	jsonData, err := json.Marshal(event)
	if err != nil {
		log.Println("Error marshaling event:", err)
		return err
	}
	payload := bytes.NewBuffer(jsonData)

	req, err := http.NewRequest("POST", conf.Notification.Webhook.Url, payload)
	if err != nil {
		log.Println("Error creating request:", err)
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	for key, value := range conf.Notification.Webhook.Headers {
		req.Header.Set(key, value)
	}

	client := &http.Client{}
	resp, err := client.Do(req)
	if err != nil {
		log.Println("Error sending request:", err)
		return err
	}
	defer func(Body io.ReadCloser) {
		err := Body.Close()
		if err != nil {
			logrus.Error(err)
		}
	}(resp.Body)

	// 5XX responses are retried by the caller, 4XX responses are not.
	if resp.StatusCode >= 500 {
		return &temporaryDeliveryError{status: resp.StatusCode}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Printf("Security event delivery rejected with status code: %d\n", resp.StatusCode)
		return nil
	}

	return nil
}

type temporaryDeliveryError struct {
	status int
}

func (e *temporaryDeliveryError) Error() string {
	return "security event delivery failed with status " + http.StatusText(e.status)
}

// ProcessSecurityEvent processes a security event task from the webhook
// queue and delivers it over HTTP, retrying transient failures with
// exponential backoff before handing the task back to the broker.
//
// Parameters:
// - _ context.Context: The context for the operation.
// - task *asynq.Task: The task containing the security event data.
//
// Returns:
// - error: An error if the delivery ultimately fails.
func ProcessSecurityEvent(_ context.Context, task *asynq.Task) error {
	conf, err := config.Fetch()
	if err != nil {
		return err
	}

	if conf.Notification.Webhook.Url == "" {
		return nil
	}
	var event model.SecurityEvent
	if err := json.Unmarshal(task.Payload(), &event); err != nil {
		log.Printf("Error unmarshaling task payload: %v", err)
		return err
	}
	log.Printf("Delivering security event: %s\n", event.EventType)

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 30 * time.Second
	return backoff.Retry(func() error {
		return deliverHTTP(&event)
	}, policy)
}
