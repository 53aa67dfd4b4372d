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
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"

	"meridian/gateway/shared/logger"
)

type recordingAlerter struct {
	mu    sync.Mutex
	calls []string
}

func (a *recordingAlerter) BudgetThresholdCrossed(_ context.Context, scope, period string, threshold int, _, _ int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, fmt.Sprintf("%s:%s:%d", scope, period, threshold))
}

// budgetTestRedis pins miniredis to the test clock so the ExpireAt calls in
// Reserve (computed from testNow) are not in miniredis's past, which would
// delete the ledger keys on write.
func budgetTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	mr.SetTime(testNow)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func newTestGuard(t *testing.T, settings BudgetSettings) (*BudgetGuard, *recordingAlerter) {
	t.Helper()
	alerter := &recordingAlerter{}
	bg := NewBudgetGuard(budgetTestRedis(t), settings, alerter, logger.New("gateway-test"))
	bg.clock = func() time.Time { return testNow }
	return bg, alerter
}

func testBudgetSettings() BudgetSettings {
	return BudgetSettings{
		AgentDailyCapCents:      100, // $1.00
		PlatformMonthlyCapCents: 10000,
		AlertThresholds:         []int{80, 95, 100},
		CriticalOps:             []string{"health", "account_status"},
	}
}

func TestReserveWithinCap(t *testing.T) {
	bg, _ := newTestGuard(t, testBudgetSettings())
	ctx := context.Background()

	res, aerr := bg.Reserve(ctx, "agent-1", "quote", 40)
	if aerr != nil {
		t.Fatalf("reserve: %v", aerr)
	}
	if res.EstimatedCents != 40 {
		t.Errorf("reservation = %d, want 40", res.EstimatedCents)
	}

	agentSpend, platformSpend, err := bg.Spend(ctx, "agent-1")
	if err != nil {
		t.Fatalf("spend: %v", err)
	}
	if agentSpend != 40 || platformSpend != 40 {
		t.Errorf("spend = (%d, %d), want (40, 40)", agentSpend, platformSpend)
	}
}

func TestReserveDeniesAtCapWithNoPartialHold(t *testing.T) {
	bg, _ := newTestGuard(t, testBudgetSettings())
	ctx := context.Background()

	// Fill to exactly the $1.00 daily cap.
	for _, cents := range []int64{40, 40, 20} {
		if _, aerr := bg.Reserve(ctx, "agent-1", "quote", cents); aerr != nil {
			t.Fatalf("reserve %d: %v", cents, aerr)
		}
	}

	// The cent that would push spend to $1.01 is denied.
	_, aerr := bg.Reserve(ctx, "agent-1", "quote", 1)
	if aerr == nil {
		t.Fatal("reserve past cap should be denied")
	}
	if aerr.Kind != KindBudgetExceeded {
		t.Errorf("kind = %v, want budget exceeded", aerr.Kind)
	}
	if aerr.Code != "budget_exceeded_agent" {
		t.Errorf("code = %q, want budget_exceeded_agent", aerr.Code)
	}

	// The denial left no partial reservation behind.
	agentSpend, _, err := bg.Spend(ctx, "agent-1")
	if err != nil {
		t.Fatalf("spend: %v", err)
	}
	if agentSpend != 100 {
		t.Errorf("spend after denial = %d, want 100", agentSpend)
	}
}

func TestReservePlatformCap(t *testing.T) {
	settings := testBudgetSettings()
	settings.AgentDailyCapCents = 1000000
	settings.PlatformMonthlyCapCents = 50
	bg, _ := newTestGuard(t, settings)
	ctx := context.Background()

	if _, aerr := bg.Reserve(ctx, "agent-1", "quote", 50); aerr != nil {
		t.Fatalf("reserve: %v", aerr)
	}
	_, aerr := bg.Reserve(ctx, "agent-2", "quote", 1)
	if aerr == nil {
		t.Fatal("platform cap should deny across agents")
	}
	if aerr.Code != "budget_exceeded_platform" {
		t.Errorf("code = %q, want budget_exceeded_platform", aerr.Code)
	}
}

func TestCriticalOpsProceedInRestrictedMode(t *testing.T) {
	bg, _ := newTestGuard(t, testBudgetSettings())
	ctx := context.Background()

	if _, aerr := bg.Reserve(ctx, "agent-1", "quote", 100); aerr != nil {
		t.Fatalf("reserve to cap: %v", aerr)
	}
	if _, aerr := bg.Reserve(ctx, "agent-1", "quote", 5); aerr == nil {
		t.Fatal("normal op past cap should be denied")
	}
	if _, aerr := bg.Reserve(ctx, "agent-1", "health", 5); aerr != nil {
		t.Fatalf("critical op past cap should proceed, got %v", aerr)
	}
}

func TestReconcileCorrectsBothLedgers(t *testing.T) {
	bg, _ := newTestGuard(t, testBudgetSettings())
	ctx := context.Background()

	res, aerr := bg.Reserve(ctx, "agent-1", "quote", 60)
	if aerr != nil {
		t.Fatalf("reserve: %v", aerr)
	}
	// Actual cost came in lower than the estimate.
	if err := bg.Reconcile(ctx, res, 35); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	agentSpend, platformSpend, err := bg.Spend(ctx, "agent-1")
	if err != nil {
		t.Fatalf("spend: %v", err)
	}
	if agentSpend != 35 || platformSpend != 35 {
		t.Errorf("spend = (%d, %d), want (35, 35)", agentSpend, platformSpend)
	}
}

func TestReconcileReleasesHoldOnFailure(t *testing.T) {
	bg, _ := newTestGuard(t, testBudgetSettings())
	ctx := context.Background()

	res, aerr := bg.Reserve(ctx, "agent-1", "quote", 60)
	if aerr != nil {
		t.Fatalf("reserve: %v", aerr)
	}
	if err := bg.Reconcile(ctx, res, 0); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	agentSpend, _, err := bg.Spend(ctx, "agent-1")
	if err != nil {
		t.Fatalf("spend: %v", err)
	}
	if agentSpend != 0 {
		t.Errorf("spend after release = %d, want 0", agentSpend)
	}
}

func TestThresholdAlertsFireExactlyOnce(t *testing.T) {
	bg, alerter := newTestGuard(t, testBudgetSettings())
	ctx := context.Background()

	// 85% of the agent cap crosses the 80% threshold.
	if _, aerr := bg.Reserve(ctx, "agent-1", "quote", 85); aerr != nil {
		t.Fatalf("reserve: %v", aerr)
	}
	// Another reservation in the same band must not re-alert.
	if _, aerr := bg.Reserve(ctx, "agent-1", "quote", 5); aerr != nil {
		t.Fatalf("reserve: %v", aerr)
	}

	alerter.mu.Lock()
	defer alerter.mu.Unlock()
	count80 := 0
	for _, c := range alerter.calls {
		if c == "agent:2026-03-15:80" {
			count80++
		}
	}
	if count80 != 1 {
		t.Errorf("80%% alerts = %d, want exactly 1 (calls: %v)", count80, alerter.calls)
	}
}

func TestThresholdAlertAt100EntersRestrictedMode(t *testing.T) {
	bg, alerter := newTestGuard(t, testBudgetSettings())
	ctx := context.Background()

	if _, aerr := bg.Reserve(ctx, "agent-1", "quote", 100); aerr != nil {
		t.Fatalf("reserve: %v", aerr)
	}

	alerter.mu.Lock()
	defer alerter.mu.Unlock()
	want := map[string]bool{
		"agent:2026-03-15:80":  false,
		"agent:2026-03-15:95":  false,
		"agent:2026-03-15:100": false,
	}
	for _, c := range alerter.calls {
		if _, ok := want[c]; ok {
			want[c] = true
		}
	}
	for marker, seen := range want {
		if !seen {
			t.Errorf("missing alert %s (calls: %v)", marker, alerter.calls)
		}
	}
}
