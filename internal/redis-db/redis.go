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

package redis_db

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis wraps the go-redis universal client used as the shared coordination
// store: kill switches, idempotency records and guardrail counters all live
// here. The store is shared across tenants; isolation is purely by key
// namespacing.
type Redis struct {
	address string
	client  redis.UniversalClient
}

// ParseRedisURL turns a connection string into client options. Docker-style
// "host:port" addresses are accepted as-is; anything else goes through
// redis.ParseURL with a manual password fallback for non-standard URLs.
func ParseRedisURL(rawURL string) (*redis.Options, error) {
	if strings.Count(rawURL, ":") == 1 && !strings.Contains(rawURL, "@") && !strings.Contains(rawURL, "//") {
		return &redis.Options{Addr: rawURL}, nil
	}

	opts, err := redis.ParseURL(rawURL)
	if err == nil {
		return opts, nil
	}

	host := rawURL
	var password string
	if strings.Contains(rawURL, "@") {
		parts := strings.SplitN(rawURL, "@", 2)
		password = strings.TrimPrefix(strings.TrimPrefix(parts[0], "redis://"), ":")
		host = parts[1]
	}
	return &redis.Options{Addr: host, Password: password}, nil
}

// NewRedisClient connects to the coordination store and verifies liveness
// with a short ping before returning.
func NewRedisClient(address string) (*Redis, error) {
	if address == "" {
		return nil, errors.New("redis address cannot be empty")
	}

	opts, err := ParseRedisURL(address)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, err
	}
	return &Redis{address: address, client: client}, nil
}

// Client returns the underlying universal client for direct commands.
func (r *Redis) Client() redis.UniversalClient {
	return r.client
}

// MakeRedisClient satisfies asynq.RedisConnOpt so the same connection
// configuration drives both the coordination store and the job queue.
func (r *Redis) MakeRedisClient() interface{} {
	return r.client
}
