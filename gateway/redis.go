// Copyright 2026 Meridian
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// casAttempts bounds optimistic transaction retries when concurrent gateway
// instances touch the same key.
const casAttempts = 8

// NewRedisClient connects to the shared Redis used for rate limit buckets
// and budget ledgers.
func NewRedisClient(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// withCAS runs fn inside an optimistic WATCH transaction over the given keys,
// retrying when a concurrent writer invalidates the transaction.
func withCAS(ctx context.Context, client *redis.Client, fn func(tx *redis.Tx) error, keys ...string) error {
	var err error
	for i := 0; i < casAttempts; i++ {
		err = client.Watch(ctx, fn, keys...)
		if err != redis.TxFailedErr {
			return err
		}
	}
	return fmt.Errorf("transaction contention on %v: %w", keys, err)
}
