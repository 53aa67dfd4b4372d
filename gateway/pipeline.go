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
	"net/http"
	"strconv"
	"time"

	"meridian/gateway/shared/logger"
)

// AdmissionRequest is one request entering the pipeline.
type AdmissionRequest struct {
	CorrelationID  string
	Portal         string
	Token          string
	Operation      string
	Resource       string
	Target         string
	EstimatedCents int64

	// Outbound issues one network attempt against Target. The pipeline owns
	// retries, breaker gating, and response classification.
	Outbound func(ctx context.Context) (*http.Response, error)
}

// AdmissionResponse is the successful end of the pipeline.
type AdmissionResponse struct {
	CorrelationID string
	Claims        *Claims
	Result        *OutboundResult
	Decisions     []PolicyDecision
	ActualCents   int64
}

// Pipeline sequences the admission stages: token validation, policy
// decisions, budget reservation, rate limiting, the guarded outbound call,
// budget reconciliation, and always the audit record.
type Pipeline struct {
	cfg       *Config
	validator *TokenValidator
	policy    *PolicyClient
	budget    *BudgetGuard
	limiter   *RateLimiter
	outbound  *OutboundCaller
	audit     *AuditLogger
	logger    *logger.Logger
	clock     func() time.Time
}

// NewPipeline wires the admission stages together.
func NewPipeline(cfg *Config, validator *TokenValidator, policy *PolicyClient, budget *BudgetGuard,
	limiter *RateLimiter, outbound *OutboundCaller, audit *AuditLogger, lg *logger.Logger) *Pipeline {
	return &Pipeline{
		cfg:       cfg,
		validator: validator,
		policy:    policy,
		budget:    budget,
		limiter:   limiter,
		outbound:  outbound,
		audit:     audit,
		logger:    lg,
		clock:     time.Now,
	}
}

// Admit runs a request through the full pipeline. Whatever the outcome, one
// audit record is written with everything learned up to the stopping point.
func (p *Pipeline) Admit(ctx context.Context, req AdmissionRequest) (*AdmissionResponse, *AdmissionError) {
	if req.CorrelationID == "" {
		req.CorrelationID = NewCorrelationID()
	}

	record := AuditRecord{
		CorrelationID: req.CorrelationID,
		GatewayID:     p.cfg.GatewayID,
		Portal:        req.Portal,
		Operation:     req.Operation,
		Endpoint:      req.Resource,
		Target:        req.Target,
		CreatedAt:     p.clock().UTC(),
	}
	defer func() {
		p.audit.Record(record)
		outcome := "admitted"
		if !record.Admitted {
			outcome = "denied"
		}
		promRequestsTotal.WithLabelValues(req.Portal, outcome).Inc()
	}()

	// Stage 1: token validation.
	claims, aerr := p.validator.Validate(req.Token, req.Portal, p.clock())
	if aerr != nil {
		stage := StageToken
		if aerr.Kind == KindPolicyDenied {
			stage = StagePolicy
			record.Decisions = append(record.Decisions,
				PolicyDecision{Bundle: aerr.Bundle, Outcome: PolicyDeny, Reason: aerr.Message})
		}
		return nil, p.deny(&record, stage, aerr)
	}
	record.TenantID = claims.TenantID
	record.AgentID = claims.Subject

	// Stage 2: policy decisions.
	if p.cfg.Stages.PolicyChecks {
		bundles := []string{BundleRoleCheck, BundleBudgetCheck}
		if claims.TrialMode {
			bundles = append([]string{BundleTrialMode}, bundles...)
		}
		decisions, aerr := p.policy.Evaluate(ctx, bundles, PolicyInput{
			TenantID:  claims.TenantID,
			Subject:   claims.Subject,
			Roles:     claims.Roles,
			Portal:    req.Portal,
			Tier:      claims.Tier,
			TrialMode: claims.TrialMode,
			Operation: req.Operation,
			Resource:  req.Resource,
		})
		record.Decisions = decisions
		if aerr != nil {
			return nil, p.deny(&record, StagePolicy, aerr)
		}
	}

	// Stage 3: budget reservation, before any downstream spend.
	var reservation *Reservation
	if p.cfg.Stages.BudgetGuard {
		var aerr *AdmissionError
		reservation, aerr = p.budget.Reserve(ctx, claims.Subject, req.Operation, req.EstimatedCents)
		if aerr != nil {
			promBudgetDenials.WithLabelValues(budgetScope(aerr)).Inc()
			return nil, p.deny(&record, StageBudget, aerr)
		}
		record.EstimatedCents = req.EstimatedCents
	}

	// Stage 4: rate limiting. A denial here releases the budget hold.
	if p.cfg.Stages.RateLimiting {
		if aerr := p.limiter.Allow(ctx, req.Portal, claims.TenantID, claims.Tier); aerr != nil {
			p.releaseHold(ctx, reservation, &record)
			return nil, p.deny(&record, StageRateLimit, aerr)
		}
	}

	// Stage 5: the outbound call through breaker and retry.
	result, aerr := p.callDownstream(ctx, req)
	if aerr != nil {
		if aerr.Kind == KindCircuitOpen {
			promBreakerTransitions.WithLabelValues(req.Target).Inc()
		}
		p.releaseHold(ctx, reservation, &record)
		return nil, p.deny(&record, StageOutbound, aerr)
	}
	record.OutboundMS = float64(result.Latency.Milliseconds())
	record.RetryWaitMS = float64(result.RetryWait.Milliseconds())
	record.Attempts = result.Attempts
	promOutboundDuration.WithLabelValues(req.Target).Observe(record.OutboundMS)

	// Stage 6: budget reconciliation with the actual cost when reported.
	actual := req.EstimatedCents
	if reported, ok := reportedCost(result.Header); ok {
		actual = reported
	}
	if reservation != nil {
		if err := p.budget.Reconcile(ctx, reservation, actual); err != nil {
			p.logger.Error(claims.TenantID, req.CorrelationID,
				"Budget reconciliation failed", map[string]interface{}{"error": err.Error()})
		}
		record.ActualCents = actual
	}

	record.Admitted = true
	record.FinalStatus = result.Status
	return &AdmissionResponse{
		CorrelationID: req.CorrelationID,
		Claims:        claims,
		Result:        result,
		Decisions:     record.Decisions,
		ActualCents:   actual,
	}, nil
}

// callDownstream runs the outbound call, dropping to a single unguarded
// attempt when circuit breaking is disabled for rollout.
func (p *Pipeline) callDownstream(ctx context.Context, req AdmissionRequest) (*OutboundResult, *AdmissionError) {
	if p.cfg.Stages.CircuitBreaking {
		return p.outbound.Execute(ctx, req.Target, req.Outbound)
	}
	start := p.clock()
	result, aerr := p.outbound.attempt(ctx, req.Outbound)
	if aerr != nil {
		return nil, aerr
	}
	result.Latency = p.clock().Sub(start)
	result.Attempts = 1
	return result, nil
}

// releaseHold returns a pessimistic budget hold after a later stage denied
// or the downstream call never produced a billable outcome.
func (p *Pipeline) releaseHold(ctx context.Context, reservation *Reservation, record *AuditRecord) {
	if reservation == nil {
		return
	}
	if err := p.budget.Reconcile(ctx, reservation, 0); err != nil {
		p.logger.Error(record.TenantID, record.CorrelationID,
			"Failed to release budget hold", map[string]interface{}{"error": err.Error()})
	}
	record.EstimatedCents = 0
}

func (p *Pipeline) deny(record *AuditRecord, stage string, aerr *AdmissionError) *AdmissionError {
	record.Admitted = false
	record.DeniedStage = stage
	record.DenialCode = aerr.Code
	record.FinalStatus = aerr.HTTPStatus()
	promDenialsTotal.WithLabelValues(stage).Inc()
	return aerr
}

func budgetScope(aerr *AdmissionError) string {
	if aerr.Code == "budget_exceeded_"+ScopePlatform {
		return ScopePlatform
	}
	return ScopeAgent
}

// reportedCost reads the downstream's actual-cost header when present.
func reportedCost(h http.Header) (int64, bool) {
	raw := h.Get("X-Meridian-Cost-Cents")
	if raw == "" {
		return 0, false
	}
	cents, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || cents < 0 {
		return 0, false
	}
	return cents, true
}
