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
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flowguard-io/flowguard/internal/pipelineerror"
)

const killSwitchGlobalKey = "flowguard:killswitch:global"

func killSwitchTenantKey(tenantID string) string {
	return fmt.Sprintf("flowguard:killswitch:tenant:%s", tenantID)
}

// HealthStatus reports coordination-store liveness without throwing.
type HealthStatus struct {
	StoreReachable bool `json:"store_reachable"`
}

// ActivateKillSwitch halts automation. An empty tenantID activates the
// global switch; otherwise only the given tenant is halted. Store errors
// propagate loudly so operators never believe a switch is set when it isn't.
func (f *FlowGuard) ActivateKillSwitch(ctx context.Context, tenantID string) error {
	key := killSwitchGlobalKey
	if tenantID != "" {
		key = killSwitchTenantKey(tenantID)
	}
	if err := f.redis.Set(ctx, key, "1", 0).Err(); err != nil {
		return pipelineerror.Wrap(pipelineerror.ErrInfrastructure, "failed to activate kill switch", err)
	}
	return nil
}

// DeactivateKillSwitch resumes automation for the given scope.
func (f *FlowGuard) DeactivateKillSwitch(ctx context.Context, tenantID string) error {
	key := killSwitchGlobalKey
	if tenantID != "" {
		key = killSwitchTenantKey(tenantID)
	}
	if err := f.redis.Del(ctx, key).Err(); err != nil {
		return pipelineerror.Wrap(pipelineerror.ErrInfrastructure, "failed to deactivate kill switch", err)
	}
	return nil
}

// killSwitchActive checks the global switch first, then the tenant switch.
// Read failures fail closed: the error propagates and the pipeline never
// defaults to "allowed".
func (f *FlowGuard) killSwitchActive(ctx context.Context, tenantID string) (bool, string, error) {
	val, err := f.redis.Get(ctx, killSwitchGlobalKey).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, "", pipelineerror.Wrap(pipelineerror.ErrInfrastructure, "kill switch read failed", err)
	}
	if err == nil && val == "1" {
		return true, "global", nil
	}

	val, err = f.redis.Get(ctx, killSwitchTenantKey(tenantID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, "", pipelineerror.Wrap(pipelineerror.ErrInfrastructure, "kill switch read failed", err)
	}
	if err == nil && val == "1" {
		return true, "tenant", nil
	}

	return false, "", nil
}

// HealthCheck pings the coordination store and reports liveness.
func (f *FlowGuard) HealthCheck(ctx context.Context) HealthStatus {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := f.redis.Ping(pingCtx).Err(); err != nil {
		return HealthStatus{StoreReachable: false}
	}
	return HealthStatus{StoreReachable: true}
}
