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
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrorKind classifies every terminal outcome of the admission pipeline.
// No error leaves the pipeline unclassified.
type ErrorKind string

const (
	KindAuth                ErrorKind = "auth_error"
	KindPolicyDenied        ErrorKind = "policy_denied"
	KindRateLimited         ErrorKind = "rate_limited"
	KindBudgetExceeded      ErrorKind = "budget_exceeded"
	KindTransientDownstream ErrorKind = "transient_downstream"
	KindPermanentDownstream ErrorKind = "permanent_downstream"
	KindCircuitOpen         ErrorKind = "circuit_open"
)

// Auth sub-codes. Each maps one token validation failure mode.
const (
	CodeTokenMissing        = "token_missing"
	CodeTokenMalformed      = "token_malformed"
	CodeTokenExpired        = "token_expired"
	CodeTokenIssuerMismatch = "token_issuer_mismatch"
	CodeTokenClaimsInvalid  = "token_claims_invalid"
)

// AdmissionError is the single error type surfaced by the pipeline. Kind
// drives the HTTP status and audit classification; Code carries the
// machine-readable sub-code for clients.
type AdmissionError struct {
	Kind       ErrorKind
	Code       string
	Message    string
	Bundle     string        // policy bundle that denied, if any
	RetryAfter time.Duration // hint for rate-limited / transient outcomes
	Cause      error
}

func (e *AdmissionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (cause: %v)", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AdmissionError) Unwrap() error {
	return e.Cause
}

// HTTPStatus maps the error kind to the status code returned to the portal.
func (e *AdmissionError) HTTPStatus() int {
	switch e.Kind {
	case KindAuth:
		return http.StatusUnauthorized
	case KindPolicyDenied, KindBudgetExceeded:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindCircuitOpen:
		return http.StatusBadGateway
	case KindTransientDownstream:
		return http.StatusGatewayTimeout
	case KindPermanentDownstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// NewAuthError creates a terminal authentication failure.
func NewAuthError(code, message string) *AdmissionError {
	return &AdmissionError{Kind: KindAuth, Code: code, Message: message}
}

// NewPolicyDenied creates a policy denial carrying the denying bundle.
func NewPolicyDenied(bundle, reason string) *AdmissionError {
	return &AdmissionError{Kind: KindPolicyDenied, Code: "policy_denied", Bundle: bundle, Message: reason}
}

// NewRateLimited creates a rate-limit rejection with a retry-after hint.
func NewRateLimited(retryAfter time.Duration, message string) *AdmissionError {
	if message == "" {
		message = fmt.Sprintf("rate limit exceeded, retry after %s", retryAfter.Round(time.Millisecond))
	}
	return &AdmissionError{
		Kind:       KindRateLimited,
		Code:       "rate_limited",
		Message:    message,
		RetryAfter: retryAfter,
	}
}

// NewBudgetExceeded creates a budget denial for the given scope.
func NewBudgetExceeded(scope, message string) *AdmissionError {
	return &AdmissionError{Kind: KindBudgetExceeded, Code: "budget_exceeded_" + scope, Message: message}
}

// NewTransientDownstream marks a downstream failure worth retrying.
func NewTransientDownstream(target, message string) *AdmissionError {
	if target != "" {
		message = fmt.Sprintf("target '%s': %s", target, message)
	}
	return &AdmissionError{Kind: KindTransientDownstream, Code: "downstream_transient", Message: message}
}

// NewPermanentDownstream marks a downstream failure that retrying cannot fix.
func NewPermanentDownstream(message string) *AdmissionError {
	return &AdmissionError{Kind: KindPermanentDownstream, Code: "downstream_permanent", Message: message}
}

// NewCircuitOpen signals the target is known-bad without a call attempt.
func NewCircuitOpen(target string, retryAfter time.Duration) *AdmissionError {
	return &AdmissionError{
		Kind:       KindCircuitOpen,
		Code:       "circuit_open",
		Message:    fmt.Sprintf("circuit open for target '%s'", target),
		RetryAfter: retryAfter,
	}
}

// AsAdmissionError extracts an AdmissionError from an error chain. Anything
// unclassified becomes a transient downstream failure so the taxonomy stays
// closed.
func AsAdmissionError(err error) *AdmissionError {
	var ae *AdmissionError
	if errors.As(err, &ae) {
		return ae
	}
	return &AdmissionError{
		Kind:    KindTransientDownstream,
		Code:    "downstream_error",
		Message: err.Error(),
		Cause:   err,
	}
}

// ProblemDetails is the RFC 7807 payload returned on every rejection path.
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail"`
	Instance string `json:"instance"`
	Code     string `json:"code,omitempty"`
	Bundle   string `json:"bundle,omitempty"`
}

var problemTitles = map[ErrorKind]string{
	KindAuth:                "Unauthorized",
	KindPolicyDenied:        "Policy Denied",
	KindRateLimited:         "Rate Limit Exceeded",
	KindBudgetExceeded:      "Budget Exceeded",
	KindTransientDownstream: "Downstream Unavailable",
	KindPermanentDownstream: "Downstream Rejected Request",
	KindCircuitOpen:         "Downstream Circuit Open",
}

// writeProblem renders an AdmissionError as a problem-details response.
// A Retry-After header accompanies rate-limit and circuit-open rejections.
func writeProblem(w http.ResponseWriter, r *http.Request, err *AdmissionError, correlationID string) {
	status := err.HTTPStatus()

	problem := ProblemDetails{
		Type:     "https://meridian.dev/problems/" + string(err.Kind),
		Title:    problemTitles[err.Kind],
		Status:   status,
		Detail:   err.Message,
		Instance: r.URL.Path + "#" + correlationID,
		Code:     err.Code,
		Bundle:   err.Bundle,
	}

	w.Header().Set("Content-Type", "application/problem+json")
	if err.RetryAfter > 0 {
		seconds := int(err.RetryAfter.Round(time.Second).Seconds())
		if seconds < 1 {
			seconds = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(seconds))
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}
