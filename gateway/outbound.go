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
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// maxOutboundBody caps how much of a downstream response is buffered.
const maxOutboundBody = 10 << 20

// Breaker states.
const (
	BreakerClosed   = "CLOSED"
	BreakerOpen     = "OPEN"
	BreakerHalfOpen = "HALF_OPEN"
)

// OutboundResult is a completed downstream call.
type OutboundResult struct {
	Status    int
	Header    http.Header
	Body      []byte
	Latency   time.Duration
	RetryWait time.Duration
	Attempts  int
}

// targetBreaker holds one target's breaker state. State is process-local;
// each gateway instance discovers a failing target within one failure
// threshold of traffic.
type targetBreaker struct {
	mu       sync.Mutex
	state    string
	failures int
	openedAt time.Time
	probing  bool
}

// OutboundCaller wraps downstream calls with a per-target circuit breaker
// and bounded exponential-backoff retries. One failing connector never
// starves calls to the core service or to other connectors.
type OutboundCaller struct {
	settings BreakerSettings
	clock    func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	breakers map[string]*targetBreaker
}

// NewOutboundCaller creates a caller with the configured breaker settings.
func NewOutboundCaller(settings BreakerSettings) *OutboundCaller {
	return &OutboundCaller{
		settings: settings,
		clock:    time.Now,
		sleep:    sleepCtx,
		breakers: make(map[string]*targetBreaker),
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Execute performs the call to the named target through the breaker and
// retry policy. The do function issues one network attempt; Execute owns
// reading and classifying the response.
func (oc *OutboundCaller) Execute(ctx context.Context, target string, do func(ctx context.Context) (*http.Response, error)) (*OutboundResult, *AdmissionError) {
	start := oc.clock()
	var lastTransient *AdmissionError
	var waited time.Duration

	for attempt := 1; attempt <= oc.settings.MaxAttempts; attempt++ {
		br := oc.breakerFor(target)
		if aerr := oc.admit(br, target); aerr != nil {
			return nil, aerr
		}

		result, aerr := oc.attempt(ctx, do)
		if aerr == nil {
			oc.recordSuccess(br)
			result.Latency = oc.clock().Sub(start)
			result.RetryWait = waited
			result.Attempts = attempt
			return result, nil
		}

		if errors.Is(ctx.Err(), context.Canceled) {
			// The caller went away. That says nothing about the target's
			// health, so no breaker failure is recorded.
			oc.clearProbe(br)
			return nil, NewTransientDownstream(target, "call abandoned: context canceled")
		}

		if aerr.Kind == KindPermanentDownstream {
			// Permanent outcomes are the caller's problem, not the
			// target's health, so the breaker is left alone.
			oc.clearProbe(br)
			return nil, aerr
		}

		lastTransient = aerr
		oc.recordFailure(br)

		if attempt == oc.settings.MaxAttempts {
			break
		}

		wait := time.Duration(1<<(attempt-1)) * time.Second
		if aerr.RetryAfter > 0 {
			wait = aerr.RetryAfter
		}
		if err := oc.sleep(ctx, wait); err != nil {
			return nil, NewTransientDownstream(target, fmt.Sprintf("call abandoned: %v", err))
		}
		waited += wait
	}

	if lastTransient != nil {
		lastTransient.Message = fmt.Sprintf("target '%s' failed after %d attempts: %s",
			target, oc.settings.MaxAttempts, lastTransient.Message)
		return nil, lastTransient
	}
	return nil, NewTransientDownstream(target, "retries exhausted")
}

// attempt runs one network call and classifies the outcome.
func (oc *OutboundCaller) attempt(ctx context.Context, do func(ctx context.Context) (*http.Response, error)) (*OutboundResult, *AdmissionError) {
	resp, err := do(ctx)
	if err != nil {
		if isTransientNetErr(err) {
			return nil, NewTransientDownstream("", err.Error())
		}
		return nil, NewPermanentDownstream(err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxOutboundBody))
	if err != nil {
		return nil, NewPermanentDownstream(fmt.Sprintf("malformed response body: %v", err))
	}

	switch {
	case resp.StatusCode >= 500:
		aerr := NewTransientDownstream("", fmt.Sprintf("downstream returned %d", resp.StatusCode))
		aerr.RetryAfter = parseRetryAfter(resp.Header)
		return nil, aerr
	case resp.StatusCode == http.StatusTooManyRequests:
		aerr := NewTransientDownstream("", "downstream rate limited the gateway")
		aerr.RetryAfter = parseRetryAfter(resp.Header)
		return nil, aerr
	case resp.StatusCode >= 400:
		return nil, NewPermanentDownstream(fmt.Sprintf("downstream rejected the request with %d", resp.StatusCode))
	}

	return &OutboundResult{
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   body,
	}, nil
}

// admit applies the breaker check. An OPEN breaker past its cool-down moves
// to HALF_OPEN and admits exactly one probing call; everyone else waits.
func (oc *OutboundCaller) admit(br *targetBreaker, target string) *AdmissionError {
	br.mu.Lock()
	defer br.mu.Unlock()

	switch br.state {
	case BreakerOpen:
		remaining := oc.settings.Cooldown - oc.clock().Sub(br.openedAt)
		if remaining > 0 {
			return NewCircuitOpen(target, remaining)
		}
		br.state = BreakerHalfOpen
		br.probing = true
		return nil
	case BreakerHalfOpen:
		if br.probing {
			return NewCircuitOpen(target, oc.settings.Cooldown)
		}
		br.probing = true
		return nil
	default:
		return nil
	}
}

func (oc *OutboundCaller) recordSuccess(br *targetBreaker) {
	br.mu.Lock()
	defer br.mu.Unlock()
	br.failures = 0
	br.probing = false
	br.state = BreakerClosed
}

func (oc *OutboundCaller) recordFailure(br *targetBreaker) {
	br.mu.Lock()
	defer br.mu.Unlock()
	br.failures++
	br.probing = false
	if br.state == BreakerHalfOpen || br.failures >= oc.settings.FailureThreshold {
		br.state = BreakerOpen
		br.openedAt = oc.clock()
	}
}

func (oc *OutboundCaller) clearProbe(br *targetBreaker) {
	br.mu.Lock()
	defer br.mu.Unlock()
	br.probing = false
}

func (oc *OutboundCaller) breakerFor(target string) *targetBreaker {
	oc.mu.Lock()
	defer oc.mu.Unlock()
	br, ok := oc.breakers[target]
	if !ok {
		br = &targetBreaker{state: BreakerClosed}
		oc.breakers[target] = br
	}
	return br
}

// States reports every known target's breaker state for operations
// visibility.
func (oc *OutboundCaller) States() map[string]map[string]interface{} {
	oc.mu.Lock()
	defer oc.mu.Unlock()

	out := make(map[string]map[string]interface{}, len(oc.breakers))
	for target, br := range oc.breakers {
		br.mu.Lock()
		entry := map[string]interface{}{
			"state":                br.state,
			"consecutive_failures": br.failures,
		}
		if br.state == BreakerOpen {
			entry["cooldown_remaining"] = (oc.settings.Cooldown - oc.clock().Sub(br.openedAt)).String()
		}
		br.mu.Unlock()
		out[target] = entry
	}
	return out
}

func isTransientNetErr(err error) bool {
	// DeadlineExceeded is a genuine attempt timeout and counts against the
	// target. Canceled means the caller gave up; Execute handles that case
	// before the breaker sees it.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range []string{"connection refused", "connection reset", "broken pipe", "eof", "timeout"} {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

func parseRetryAfter(h http.Header) time.Duration {
	raw := h.Get("Retry-After")
	if raw == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(raw); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(raw); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
