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
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"meridian/gateway/shared/logger"
)

// =============================================================================
// Policy Bundles and Outcomes
// =============================================================================

// Policy bundles evaluated against each admitted request. Each bundle has its
// own availability posture: trial_mode fails open, the other two fail closed.
const (
	BundleTrialMode   = "trial_mode"
	BundleRoleCheck   = "role_check"
	BundleBudgetCheck = "budget_check"
)

// PolicyOutcome is the result of evaluating one bundle.
type PolicyOutcome string

const (
	// PolicyAllow indicates the bundle permits the request.
	PolicyAllow PolicyOutcome = "allow"

	// PolicyDeny indicates the bundle rejects the request.
	PolicyDeny PolicyOutcome = "deny"

	// PolicyDegraded indicates the engine was unreachable and the bundle's
	// fail-open posture allowed the request anyway. Degraded decisions are
	// flagged in the audit record.
	PolicyDegraded PolicyOutcome = "degraded"
)

// PolicyDecision is one bundle's evaluation of a request.
type PolicyDecision struct {
	Bundle  string        `json:"bundle"`
	Outcome PolicyOutcome `json:"outcome"`
	Reason  string        `json:"reason,omitempty"`
}

// PolicyInput carries the request attributes the engine evaluates.
type PolicyInput struct {
	TenantID  string   `json:"tenant_id"`
	Subject   string   `json:"subject"`
	Roles     []string `json:"roles"`
	Portal    string   `json:"portal"`
	Tier      string   `json:"tier"`
	TrialMode bool     `json:"trial_mode"`
	Operation string   `json:"operation"`
	Resource  string   `json:"resource"`
}

// =============================================================================
// Policy Client
// =============================================================================

type policyCacheEntry struct {
	decision  PolicyDecision
	expiresAt time.Time
}

// PolicyClient evaluates policy bundles against a remote engine with a short
// per-call deadline and a TTL decision cache. Cache entries are keyed by
// (bundle, tenant, resource hash) so unrelated resources never share results.
type PolicyClient struct {
	settings PolicySettings
	http     *http.Client
	logger   *logger.Logger

	mu    sync.RWMutex
	cache map[string]policyCacheEntry
}

// NewPolicyClient creates a policy client for the configured engine.
func NewPolicyClient(settings PolicySettings, lg *logger.Logger) *PolicyClient {
	return &PolicyClient{
		settings: settings,
		http:     &http.Client{Timeout: settings.Timeout},
		logger:   lg,
		cache:    make(map[string]policyCacheEntry),
	}
}

// Evaluate runs the given bundles in order and returns every decision made.
// The first deny stops evaluation. Engine failures resolve per bundle: a
// fail-open bundle records a degraded allow, a fail-closed bundle denies.
func (pc *PolicyClient) Evaluate(ctx context.Context, bundles []string, input PolicyInput) ([]PolicyDecision, *AdmissionError) {
	decisions := make([]PolicyDecision, 0, len(bundles))
	for _, bundle := range bundles {
		decision := pc.evaluateBundle(ctx, bundle, input)
		decisions = append(decisions, decision)
		if decision.Outcome == PolicyDeny {
			return decisions, NewPolicyDenied(bundle, decision.Reason)
		}
	}
	return decisions, nil
}

func (pc *PolicyClient) evaluateBundle(ctx context.Context, bundle string, input PolicyInput) PolicyDecision {
	key := cacheKey(bundle, input.TenantID, input.Resource)

	pc.mu.RLock()
	entry, ok := pc.cache[key]
	pc.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.decision
	}

	decision, err := pc.callEngine(ctx, bundle, input)
	if err != nil {
		return pc.resolveUnavailable(bundle, err)
	}

	pc.mu.Lock()
	pc.cache[key] = policyCacheEntry{decision: decision, expiresAt: time.Now().Add(pc.settings.CacheTTL)}
	pc.mu.Unlock()
	return decision
}

func (pc *PolicyClient) callEngine(ctx context.Context, bundle string, input PolicyInput) (PolicyDecision, error) {
	ctx, cancel := context.WithTimeout(ctx, pc.settings.Timeout)
	defer cancel()

	body, err := json.Marshal(map[string]interface{}{"input": input})
	if err != nil {
		return PolicyDecision{}, err
	}

	url := fmt.Sprintf("%s/v1/data/%s/decision", pc.settings.EngineURL, bundle)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return PolicyDecision{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := pc.http.Do(req)
	if err != nil {
		return PolicyDecision{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return PolicyDecision{}, fmt.Errorf("policy engine returned %d for bundle %s", resp.StatusCode, bundle)
	}

	var result struct {
		Result struct {
			Allow  bool   `json:"allow"`
			Reason string `json:"reason"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return PolicyDecision{}, fmt.Errorf("invalid policy engine response: %w", err)
	}

	decision := PolicyDecision{Bundle: bundle, Outcome: PolicyDeny, Reason: result.Result.Reason}
	if result.Result.Allow {
		decision.Outcome = PolicyAllow
		decision.Reason = ""
	} else if decision.Reason == "" {
		decision.Reason = "denied by policy"
	}
	return decision, nil
}

// resolveUnavailable applies the bundle's availability posture when the
// engine cannot be reached. Degraded allows are never cached so a recovered
// engine takes effect on the next request.
func (pc *PolicyClient) resolveUnavailable(bundle string, cause error) PolicyDecision {
	if pc.settings.FailOpen[bundle] {
		pc.logger.Warn("", "", "Policy bundle unavailable, failing open",
			map[string]interface{}{"bundle": bundle, "error": cause.Error()})
		return PolicyDecision{Bundle: bundle, Outcome: PolicyDegraded, Reason: "policy engine unavailable"}
	}
	pc.logger.Warn("", "", "Policy bundle unavailable, failing closed",
		map[string]interface{}{"bundle": bundle, "error": cause.Error()})
	return PolicyDecision{Bundle: bundle, Outcome: PolicyDeny, Reason: "policy engine unavailable"}
}

// InvalidateCache drops all cached decisions.
func (pc *PolicyClient) InvalidateCache() {
	pc.mu.Lock()
	pc.cache = make(map[string]policyCacheEntry)
	pc.mu.Unlock()
}

func cacheKey(bundle, tenantID, resource string) string {
	sum := sha256.Sum256([]byte(resource))
	return bundle + ":" + tenantID + ":" + hex.EncodeToString(sum[:])
}
