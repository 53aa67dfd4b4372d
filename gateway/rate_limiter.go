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
	"math"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

// RateLimiter enforces per-tenant token buckets shared across gateway
// instances through Redis. Bucket capacity and refill rate come from the
// portal's tier table. State updates use optimistic transactions so two
// instances never double-spend the same token.
type RateLimiter struct {
	client *redis.Client
	cfg    *Config
	clock  func() time.Time
}

// NewRateLimiter creates a limiter over the shared Redis.
func NewRateLimiter(client *redis.Client, cfg *Config) *RateLimiter {
	return &RateLimiter{client: client, cfg: cfg, clock: time.Now}
}

// Allow takes one token from the tenant's bucket. It returns nil when the
// request may proceed, or a rate-limited admission error carrying the
// duration until the next token accrues.
func (rl *RateLimiter) Allow(ctx context.Context, portal, tenantID, tier string) *AdmissionError {
	limit, err := rl.cfg.TierFor(portal, tier)
	if err != nil {
		return NewRateLimited(0, err.Error())
	}

	key := bucketKey(portal, tenantID, tier)
	var retryAfter time.Duration
	var allowed bool

	txErr := withCAS(ctx, rl.client, func(tx *redis.Tx) error {
		now := rl.clock()
		tokens, last, err := readBucket(ctx, tx, key)
		if err != nil {
			return err
		}
		if last.IsZero() {
			// New bucket starts full.
			tokens = float64(limit.Burst)
		} else {
			elapsed := now.Sub(last).Seconds()
			tokens = math.Min(float64(limit.Burst), tokens+elapsed*limit.RatePerSec)
		}

		if tokens >= 1 {
			tokens--
			allowed = true
		} else {
			allowed = false
			retryAfter = time.Duration((1-tokens)/limit.RatePerSec*float64(time.Second)) + time.Millisecond
		}

		// Key expires once a full refill would have happened anyway.
		ttl := time.Duration(float64(limit.Burst)/limit.RatePerSec*float64(time.Second)) + time.Minute

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				"tokens", strconv.FormatFloat(tokens, 'f', -1, 64),
				"ts", strconv.FormatInt(now.UnixNano(), 10),
			)
			pipe.Expire(ctx, key, ttl)
			return nil
		})
		return err
	}, key)
	if txErr != nil {
		// Limiter backend trouble blocks the request; budget and quota
		// enforcement must not silently disappear.
		return NewRateLimited(time.Second, fmt.Sprintf("rate limiter unavailable: %v", txErr))
	}

	if !allowed {
		return NewRateLimited(retryAfter,
			fmt.Sprintf("tenant %s exceeded %s tier rate", tenantID, tier))
	}
	return nil
}

// Remaining reports the current token count for a tenant bucket, refreshed
// against the clock but without spending anything.
func (rl *RateLimiter) Remaining(ctx context.Context, portal, tenantID, tier string) (float64, error) {
	limit, err := rl.cfg.TierFor(portal, tier)
	if err != nil {
		return 0, err
	}

	fields, err := rl.client.HGetAll(ctx, bucketKey(portal, tenantID, tier)).Result()
	if err != nil {
		return 0, err
	}
	if len(fields) == 0 {
		return float64(limit.Burst), nil
	}

	tokens, _ := strconv.ParseFloat(fields["tokens"], 64)
	nanos, _ := strconv.ParseInt(fields["ts"], 10, 64)
	elapsed := rl.clock().Sub(time.Unix(0, nanos)).Seconds()
	return math.Min(float64(limit.Burst), tokens+elapsed*limit.RatePerSec), nil
}

// bucketKey includes the tier so a tenant whose tier changes starts from a
// fresh bucket under the new limits instead of inheriting the old count.
func bucketKey(portal, tenantID, tier string) string {
	return fmt.Sprintf("ratelimit:%s:%s:%s", portal, tenantID, tier)
}

func readBucket(ctx context.Context, tx *redis.Tx, key string) (tokens float64, last time.Time, err error) {
	fields, err := tx.HGetAll(ctx, key).Result()
	if err != nil && err != redis.Nil {
		return 0, time.Time{}, err
	}
	if len(fields) == 0 {
		return 0, time.Time{}, nil
	}
	tokens, err = strconv.ParseFloat(fields["tokens"], 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("corrupt bucket %s: %w", key, err)
	}
	nanos, err := strconv.ParseInt(fields["ts"], 10, 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("corrupt bucket %s: %w", key, err)
	}
	return tokens, time.Unix(0, nanos), nil
}
