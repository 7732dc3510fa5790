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
	"net/http"
	"time"

	"github.com/flowguard-io/flowguard/config"
	"github.com/flowguard-io/flowguard/internal/pipelineerror"
	"github.com/flowguard-io/flowguard/internal/request"
	"github.com/flowguard-io/flowguard/model"
)

// ActionDispatcher executes the concrete business action for a job: creating
// the purchase order row, sending the supplier email. The pipeline treats it
// as an opaque capability; a failed dispatch is a result, a transport fault
// is an error.
type ActionDispatcher interface {
	Dispatch(ctx context.Context, actionType model.ActionType, actionCtx model.ActionContext, params map[string]interface{}) (*model.DispatchResult, error)
}

// WebhookDispatcher forwards actions to the configured action service over
// HTTP. It is the default dispatcher when no in-process one is injected.
type WebhookDispatcher struct {
	url     string
	headers map[string]string
	client  *http.Client
}

func NewWebhookDispatcher(conf *config.Configuration) *WebhookDispatcher {
	return &WebhookDispatcher{
		url:     conf.Dispatcher.Url,
		headers: conf.Dispatcher.Headers,
		client:  &http.Client{Timeout: time.Duration(conf.Dispatcher.TimeoutSeconds) * time.Second},
	}
}

type dispatchEnvelope struct {
	ActionType model.ActionType       `json:"action_type"`
	Context    model.ActionContext    `json:"context"`
	Params     map[string]interface{} `json:"params,omitempty"`
}

func (d *WebhookDispatcher) Dispatch(ctx context.Context, actionType model.ActionType, actionCtx model.ActionContext, params map[string]interface{}) (*model.DispatchResult, error) {
	if d.url == "" {
		return nil, pipelineerror.New(pipelineerror.ErrInfrastructure, "dispatcher URL is not configured", nil)
	}

	payload, err := request.ToJsonReq(dispatchEnvelope{ActionType: actionType, Context: actionCtx, Params: params})
	if err != nil {
		return nil, pipelineerror.Wrap(pipelineerror.ErrInfrastructure, "failed to marshal dispatch payload", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, payload)
	if err != nil {
		return nil, pipelineerror.Wrap(pipelineerror.ErrInfrastructure, "failed to build dispatch request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for key, value := range d.headers {
		req.Header.Set(key, value)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, pipelineerror.Wrap(pipelineerror.ErrInfrastructure, "dispatch request failed", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &model.DispatchResult{
			Success: false,
			Error:   fmt.Sprintf("action service returned status %d", resp.StatusCode),
		}, nil
	}

	var result model.DispatchResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, pipelineerror.Wrap(pipelineerror.ErrInfrastructure, "failed to decode dispatch response", err)
	}
	return &result, nil
}
