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
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/flowguard-io/flowguard/config"
	"github.com/flowguard-io/flowguard/internal/pipelineerror"
	"github.com/flowguard-io/flowguard/model"
)

// IdempotencyManager implements the claim/check/commit protocol guaranteeing
// at-most-one in-flight execution per idempotency key. Claims are taken with
// an atomic set-if-absent write; contenders that lose the race fail fast
// with a concurrency error instead of queuing.
type IdempotencyManager struct {
	redis redis.UniversalClient
}

func NewIdempotencyManager(client redis.UniversalClient) *IdempotencyManager {
	return &IdempotencyManager{redis: client}
}

func idempotencyStorageKey(key string) string {
	return fmt.Sprintf("flowguard:idempotency:%s", key)
}

// ExecutionOutcome is the result of an idempotent dispatch. WasReplay marks
// results served from a completed record without re-running the action.
type ExecutionOutcome struct {
	Result    interface{}
	WasReplay bool
}

// CheckIdempotencyKey is a read-only lookup. A missing record returns nil
// without error. An unparseable stored payload is an error, never "absent":
// treating corruption as absence would invite double execution.
func (m *IdempotencyManager) CheckIdempotencyKey(ctx context.Context, key string) (*model.IdempotencyRecord, error) {
	raw, err := m.redis.Get(ctx, idempotencyStorageKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, pipelineerror.Wrap(pipelineerror.ErrInfrastructure, "idempotency record read failed", err)
	}

	var record model.IdempotencyRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, pipelineerror.Wrap(pipelineerror.ErrCorruptRecord, fmt.Sprintf("corrupt idempotency record for key %s", key), err)
	}
	return &record, nil
}

// ClearIdempotencyKey deletes a record unconditionally and reports whether
// one existed. Used for dead-letter replay after manual remediation.
func (m *IdempotencyManager) ClearIdempotencyKey(ctx context.Context, key string) (bool, error) {
	deleted, err := m.redis.Del(ctx, idempotencyStorageKey(key)).Result()
	if err != nil {
		return false, pipelineerror.Wrap(pipelineerror.ErrInfrastructure, "idempotency record delete failed", err)
	}
	return deleted > 0, nil
}

// ExecuteWithIdempotency runs actionFn at most once for the given key.
// Completed records replay the stored result without invoking actionFn,
// even when that result is nil. A pending record, or a lost claim race,
// raises a concurrency error that callers must not blindly retry. Failed
// records are cleared and re-claimed.
func (m *IdempotencyManager) ExecuteWithIdempotency(ctx context.Context, key string, actionType model.ActionType, tenantID string, actionFn func(context.Context) (interface{}, error)) (*ExecutionOutcome, error) {
	cfg, err := config.Fetch()
	if err != nil {
		return nil, pipelineerror.Wrap(pipelineerror.ErrInfrastructure, "config not loaded", err)
	}

	record, err := m.CheckIdempotencyKey(ctx, key)
	if err != nil {
		return nil, err
	}

	if record != nil {
		switch record.Status {
		case model.StatusCompleted:
			return &ExecutionOutcome{Result: record.Result, WasReplay: true}, nil
		case model.StatusPending:
			return nil, pipelineerror.NewConcurrency(key, record.Status)
		case model.StatusFailed:
			if _, err := m.ClearIdempotencyKey(ctx, key); err != nil {
				return nil, err
			}
		default:
			return nil, pipelineerror.New(pipelineerror.ErrCorruptRecord, fmt.Sprintf("unknown idempotency status %q for key %s", record.Status, key), nil)
		}
	}

	if err := m.claim(ctx, key, actionType, tenantID, cfg.PendingTTL()); err != nil {
		return nil, err
	}

	result, actionErr := actionFn(ctx)
	if actionErr != nil {
		// The action's error takes priority over any storage error hit
		// while recording the failure.
		if storeErr := m.store(ctx, key, actionType, tenantID, model.StatusFailed, nil, actionErr.Error(), cfg.FailureTTL()); storeErr != nil {
			logrus.WithError(storeErr).Warnf("failed to record failed idempotency state for key %s", key)
		}
		return nil, actionErr
	}

	if err := m.store(ctx, key, actionType, tenantID, model.StatusCompleted, result, "", cfg.CompletedTTL(string(actionType))); err != nil {
		return nil, err
	}

	return &ExecutionOutcome{Result: result, WasReplay: false}, nil
}

// claim writes a pending record if and only if no record exists. Losing the
// conditional write means another contender claimed the key first.
func (m *IdempotencyManager) claim(ctx context.Context, key string, actionType model.ActionType, tenantID string, ttl time.Duration) error {
	now := time.Now()
	record := model.IdempotencyRecord{
		Key:        key,
		ActionType: actionType,
		Status:     model.StatusPending,
		TenantID:   tenantID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return pipelineerror.Wrap(pipelineerror.ErrInfrastructure, "failed to marshal idempotency record", err)
	}

	claimed, err := m.redis.SetNX(ctx, idempotencyStorageKey(key), payload, ttl).Result()
	if err != nil {
		return pipelineerror.Wrap(pipelineerror.ErrInfrastructure, "idempotency claim write failed", err)
	}
	if !claimed {
		return pipelineerror.NewConcurrency(key, model.StatusPending)
	}
	return nil
}

func (m *IdempotencyManager) store(ctx context.Context, key string, actionType model.ActionType, tenantID, status string, result interface{}, errMsg string, ttl time.Duration) error {
	now := time.Now()
	record := model.IdempotencyRecord{
		Key:        key,
		ActionType: actionType,
		Status:     status,
		TenantID:   tenantID,
		CreatedAt:  now,
		ExpiresAt:  now.Add(ttl),
		Result:     result,
		Error:      errMsg,
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return pipelineerror.Wrap(pipelineerror.ErrInfrastructure, "failed to marshal idempotency record", err)
	}
	if err := m.redis.Set(ctx, idempotencyStorageKey(key), payload, ttl).Err(); err != nil {
		return pipelineerror.Wrap(pipelineerror.ErrInfrastructure, "idempotency record write failed", err)
	}
	return nil
}
