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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"meridian/gateway/shared/logger"
)

func testPolicySettings(engineURL string) PolicySettings {
	return PolicySettings{
		EngineURL: engineURL,
		Timeout:   200 * time.Millisecond,
		CacheTTL:  5 * time.Second,
		FailOpen: map[string]bool{
			BundleTrialMode:   true,
			BundleBudgetCheck: false,
			BundleRoleCheck:   false,
		},
	}
}

func testPolicyInput() PolicyInput {
	return PolicyInput{
		TenantID:  "tenant-abc",
		Subject:   "user-123",
		Roles:     []string{"operator"},
		Portal:    PortalConsumer,
		Tier:      TierPaid,
		Operation: "quote",
		Resource:  "/api/v1/quotes",
	}
}

func policyEngineStub(t *testing.T, allow bool, reason string, calls *int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			atomic.AddInt64(calls, 1)
		}
		if !strings.HasPrefix(r.URL.Path, "/v1/data/") {
			t.Errorf("unexpected engine path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"result": map[string]interface{}{"allow": allow, "reason": reason},
		})
	}))
}

func TestEvaluateAllow(t *testing.T) {
	server := policyEngineStub(t, true, "", nil)
	defer server.Close()

	pc := NewPolicyClient(testPolicySettings(server.URL), logger.New("gateway-test"))
	decisions, aerr := pc.Evaluate(context.Background(),
		[]string{BundleRoleCheck, BundleBudgetCheck}, testPolicyInput())
	if aerr != nil {
		t.Fatalf("expected allow, got %v", aerr)
	}
	if len(decisions) != 2 {
		t.Fatalf("decisions = %d, want 2", len(decisions))
	}
	for _, d := range decisions {
		if d.Outcome != PolicyAllow {
			t.Errorf("bundle %s outcome = %s, want allow", d.Bundle, d.Outcome)
		}
	}
}

func TestEvaluateDenyStopsChain(t *testing.T) {
	server := policyEngineStub(t, false, "role not permitted", nil)
	defer server.Close()

	pc := NewPolicyClient(testPolicySettings(server.URL), logger.New("gateway-test"))
	decisions, aerr := pc.Evaluate(context.Background(),
		[]string{BundleRoleCheck, BundleBudgetCheck}, testPolicyInput())
	if aerr == nil {
		t.Fatal("expected denial")
	}
	if aerr.Kind != KindPolicyDenied {
		t.Errorf("kind = %v, want policy denial", aerr.Kind)
	}
	if aerr.Bundle != BundleRoleCheck {
		t.Errorf("bundle = %q, want role_check", aerr.Bundle)
	}
	if len(decisions) != 1 {
		t.Errorf("deny should stop the chain, got %d decisions", len(decisions))
	}
}

func TestEvaluateCachesDecisions(t *testing.T) {
	var calls int64
	server := policyEngineStub(t, true, "", &calls)
	defer server.Close()

	pc := NewPolicyClient(testPolicySettings(server.URL), logger.New("gateway-test"))
	input := testPolicyInput()

	for i := 0; i < 3; i++ {
		if _, aerr := pc.Evaluate(context.Background(), []string{BundleRoleCheck}, input); aerr != nil {
			t.Fatalf("evaluate %d: %v", i, aerr)
		}
	}
	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Errorf("engine calls = %d, want 1 (cached)", got)
	}

	// A different resource is a different cache entry.
	input.Resource = "/api/v1/bookings"
	if _, aerr := pc.Evaluate(context.Background(), []string{BundleRoleCheck}, input); aerr != nil {
		t.Fatalf("evaluate new resource: %v", aerr)
	}
	if got := atomic.LoadInt64(&calls); got != 2 {
		t.Errorf("engine calls = %d, want 2 after new resource", got)
	}
}

func TestInvalidateCacheForcesReEvaluation(t *testing.T) {
	var calls int64
	server := policyEngineStub(t, true, "", &calls)
	defer server.Close()

	pc := NewPolicyClient(testPolicySettings(server.URL), logger.New("gateway-test"))
	input := testPolicyInput()

	for i := 0; i < 2; i++ {
		if _, aerr := pc.Evaluate(context.Background(), []string{BundleRoleCheck}, input); aerr != nil {
			t.Fatalf("evaluate %d: %v", i, aerr)
		}
	}
	if got := atomic.LoadInt64(&calls); got != 1 {
		t.Fatalf("engine calls = %d, want 1 before flush", got)
	}

	pc.InvalidateCache()
	if _, aerr := pc.Evaluate(context.Background(), []string{BundleRoleCheck}, input); aerr != nil {
		t.Fatalf("evaluate after flush: %v", aerr)
	}
	if got := atomic.LoadInt64(&calls); got != 2 {
		t.Errorf("engine calls = %d, want 2 after flush", got)
	}
}

func TestEvaluateUnreachableEngine(t *testing.T) {
	// Point at a closed port.
	settings := testPolicySettings("http://127.0.0.1:1")
	pc := NewPolicyClient(settings, logger.New("gateway-test"))

	// Fail-open bundle degrades but allows.
	decisions, aerr := pc.Evaluate(context.Background(), []string{BundleTrialMode}, testPolicyInput())
	if aerr != nil {
		t.Fatalf("fail-open bundle should allow, got %v", aerr)
	}
	if decisions[0].Outcome != PolicyDegraded {
		t.Errorf("outcome = %s, want degraded", decisions[0].Outcome)
	}

	// Fail-closed bundle denies.
	_, aerr = pc.Evaluate(context.Background(), []string{BundleBudgetCheck}, testPolicyInput())
	if aerr == nil {
		t.Fatal("fail-closed bundle should deny when engine is down")
	}
	if aerr.Kind != KindPolicyDenied {
		t.Errorf("kind = %v, want policy denial", aerr.Kind)
	}
}
