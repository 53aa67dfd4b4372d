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

	"meridian/gateway/shared/logger"
)

// Budget scopes. The agent scope caps one agent's spend per day, the
// platform scope caps everyone's spend per calendar month.
const (
	ScopeAgent    = "agent"
	ScopePlatform = "platform"
)

// Alerter receives budget threshold notifications. Implementations must be
// safe for concurrent use; the guard guarantees at most one call per
// (scope, period, threshold) across all gateway instances.
type Alerter interface {
	BudgetThresholdCrossed(ctx context.Context, scope, period string, threshold int, spendCents, capCents int64)
}

// LogAlerter is the default Alerter, writing threshold crossings to the
// structured log.
type LogAlerter struct {
	Logger *logger.Logger
}

func (a *LogAlerter) BudgetThresholdCrossed(ctx context.Context, scope, period string, threshold int, spendCents, capCents int64) {
	a.Logger.Warn("", "", "Budget threshold crossed", map[string]interface{}{
		"scope":       scope,
		"period":      period,
		"threshold":   threshold,
		"spend_cents": spendCents,
		"cap_cents":   capCents,
	})
}

// Reservation is an applied pessimistic budget hold that the pipeline
// reconciles once the actual downstream cost is known.
type Reservation struct {
	AgentID        string
	EstimatedCents int64
	appliedAt      time.Time
}

// BudgetGuard enforces the per-agent daily cap and the platform monthly cap
// against ledgers in the shared Redis. Both ledgers are updated in one
// optimistic transaction so a denial never leaves a partial reservation.
type BudgetGuard struct {
	client   *redis.Client
	settings BudgetSettings
	alerter  Alerter
	logger   *logger.Logger
	clock    func() time.Time
}

// NewBudgetGuard creates a guard over the shared Redis ledgers.
func NewBudgetGuard(client *redis.Client, settings BudgetSettings, alerter Alerter, lg *logger.Logger) *BudgetGuard {
	return &BudgetGuard{
		client:   client,
		settings: settings,
		alerter:  alerter,
		logger:   lg,
		clock:    time.Now,
	}
}

// Reserve applies a pessimistic hold of estimatedCents against both ledgers
// before any downstream call. If either ledger would exceed its cap the
// request is denied and neither ledger changes. Operations on the critical
// allow-list proceed even past the cap, which is what keeps health checks
// alive for a tenant in restricted mode.
func (bg *BudgetGuard) Reserve(ctx context.Context, agentID, operation string, estimatedCents int64) (*Reservation, *AdmissionError) {
	if estimatedCents < 0 {
		return nil, NewBudgetExceeded(ScopeAgent, "negative cost estimate")
	}

	now := bg.clock()
	agentKey := bg.agentKey(agentID, now)
	platformKey := bg.platformKey(now)

	var agentSpend, platformSpend int64
	var exceededScope string

	err := withCAS(ctx, bg.client, func(tx *redis.Tx) error {
		exceededScope = ""
		var err error
		agentSpend, err = readCents(ctx, tx, agentKey)
		if err != nil {
			return err
		}
		platformSpend, err = readCents(ctx, tx, platformKey)
		if err != nil {
			return err
		}

		newAgent := agentSpend + estimatedCents
		newPlatform := platformSpend + estimatedCents

		if newAgent > bg.settings.AgentDailyCapCents {
			exceededScope = ScopeAgent
		} else if newPlatform > bg.settings.PlatformMonthlyCapCents {
			exceededScope = ScopePlatform
		}
		if exceededScope != "" && !bg.isCritical(operation) {
			// Deny without touching either ledger.
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.IncrBy(ctx, agentKey, estimatedCents)
			pipe.ExpireAt(ctx, agentKey, endOfDay(now).Add(time.Hour))
			pipe.IncrBy(ctx, platformKey, estimatedCents)
			pipe.ExpireAt(ctx, platformKey, endOfMonth(now).Add(24*time.Hour))
			return nil
		})
		if err == nil {
			agentSpend = newAgent
			platformSpend = newPlatform
		}
		return err
	}, agentKey, platformKey)
	if err != nil {
		// Ledger backend trouble fails closed, matching the budget bundle's
		// policy posture.
		return nil, NewBudgetExceeded(ScopePlatform, fmt.Sprintf("budget ledger unavailable: %v", err))
	}

	if exceededScope != "" && !bg.isCritical(operation) {
		return nil, NewBudgetExceeded(exceededScope,
			fmt.Sprintf("%s budget cap reached for this period", exceededScope))
	}

	bg.notifyThresholds(ctx, ScopeAgent, dayPeriod(now), agentSpend, bg.settings.AgentDailyCapCents, endOfDay(now))
	bg.notifyThresholds(ctx, ScopePlatform, monthPeriod(now), platformSpend, bg.settings.PlatformMonthlyCapCents, endOfMonth(now))

	return &Reservation{AgentID: agentID, EstimatedCents: estimatedCents, appliedAt: now}, nil
}

// Reconcile replaces the reserved estimate with the actual cost once known.
// A zero-cost failure releases the whole hold. The correction applies to
// both ledgers together.
func (bg *BudgetGuard) Reconcile(ctx context.Context, res *Reservation, actualCents int64) error {
	if res == nil {
		return nil
	}
	if actualCents < 0 {
		actualCents = 0
	}
	delta := actualCents - res.EstimatedCents
	if delta == 0 {
		return nil
	}

	agentKey := bg.agentKey(res.AgentID, res.appliedAt)
	platformKey := bg.platformKey(res.appliedAt)

	_, err := bg.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.IncrBy(ctx, agentKey, delta)
		pipe.IncrBy(ctx, platformKey, delta)
		return nil
	})
	if err != nil {
		return fmt.Errorf("budget reconciliation failed: %w", err)
	}
	return nil
}

// Spend reports the current ledger values for an agent.
func (bg *BudgetGuard) Spend(ctx context.Context, agentID string) (agentCents, platformCents int64, err error) {
	now := bg.clock()
	agentCents, err = bg.client.Get(ctx, bg.agentKey(agentID, now)).Int64()
	if err == redis.Nil {
		agentCents, err = 0, nil
	}
	if err != nil {
		return 0, 0, err
	}
	platformCents, err = bg.client.Get(ctx, bg.platformKey(now)).Int64()
	if err == redis.Nil {
		platformCents, err = 0, nil
	}
	return agentCents, platformCents, err
}

// notifyThresholds emits each configured threshold crossing exactly once per
// period across all instances, using SETNX markers that expire with the
// period.
func (bg *BudgetGuard) notifyThresholds(ctx context.Context, scope, period string, spendCents, capCents int64, periodEnd time.Time) {
	if capCents <= 0 {
		return
	}
	percent := spendCents * 100 / capCents

	for _, threshold := range bg.settings.AlertThresholds {
		if percent < int64(threshold) {
			continue
		}
		marker := fmt.Sprintf("budget:alert:%s:%s:%d", scope, period, threshold)
		set, err := bg.client.SetNX(ctx, marker, bg.clock().Unix(), periodEnd.Sub(bg.clock())+time.Hour).Result()
		if err != nil {
			bg.logger.Error("", "", "Failed to record budget alert marker",
				map[string]interface{}{"marker": marker, "error": err.Error()})
			continue
		}
		if set && bg.alerter != nil {
			bg.alerter.BudgetThresholdCrossed(ctx, scope, period, threshold, spendCents, capCents)
		}
	}
}

func (bg *BudgetGuard) isCritical(operation string) bool {
	for _, op := range bg.settings.CriticalOps {
		if op == operation {
			return true
		}
	}
	return false
}

func (bg *BudgetGuard) agentKey(agentID string, now time.Time) string {
	return fmt.Sprintf("budget:agent:%s:%s", agentID, dayPeriod(now))
}

func (bg *BudgetGuard) platformKey(now time.Time) string {
	return fmt.Sprintf("budget:platform:%s", monthPeriod(now))
}

func readCents(ctx context.Context, tx *redis.Tx, key string) (int64, error) {
	val, err := tx.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return val, err
}

func dayPeriod(now time.Time) string {
	return now.UTC().Format("2006-01-02")
}

func monthPeriod(now time.Time) string {
	return now.UTC().Format("2006-01")
}

func endOfDay(now time.Time) time.Time {
	u := now.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
}

func endOfMonth(now time.Time) time.Time {
	u := now.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
}
