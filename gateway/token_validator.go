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
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// maxTokenLifetime is the hard ceiling on exp−iat for any accepted token.
const maxTokenLifetime = 24 * time.Hour

// Claims holds the verified identity extracted from a portal bearer token.
type Claims struct {
	Subject     string
	TenantID    string
	Email       string
	Roles       []string
	Tier        string
	OperatorID  string
	TrialMode   bool
	TrialExpiry time.Time
	IssuedAt    time.Time
	ExpiresAt   time.Time
	Issuer      string
	Portal      string
}

// TokenValidator verifies signed bearer tokens for the configured portals.
// Validation is a pure function of (token, now); the validator never logs
// raw token contents.
type TokenValidator struct {
	cfg *Config
}

// NewTokenValidator creates a validator over the configured portal issuers.
func NewTokenValidator(cfg *Config) *TokenValidator {
	return &TokenValidator{cfg: cfg}
}

// Validate verifies the token against the expected portal's issuer and
// signing secret, then checks the claim invariants. The returned error is
// always an *AdmissionError: one of the auth sub-codes, or a policy denial
// for an empty role set.
func (v *TokenValidator) Validate(tokenString, portal string, now time.Time) (*Claims, *AdmissionError) {
	if tokenString == "" {
		return nil, NewAuthError(CodeTokenMissing, "no bearer token supplied")
	}

	pc, ok := v.cfg.Portals[portal]
	if !ok {
		return nil, NewAuthError(CodeTokenIssuerMismatch, fmt.Sprintf("unknown portal %q", portal))
	}

	// Peek at the issuer before signature verification so a cross-portal
	// token reports issuer mismatch rather than a signature failure.
	unverified, _, err := jwt.NewParser().ParseUnverified(tokenString, jwt.MapClaims{})
	if err != nil {
		return nil, NewAuthError(CodeTokenMalformed, "token is not a valid JWT")
	}
	rawIssuer, _ := unverified.Claims.GetIssuer()
	if rawIssuer != pc.Issuer {
		return nil, NewAuthError(CodeTokenIssuerMismatch,
			fmt.Sprintf("token issuer does not match portal %q", portal))
	}

	// Time-based claims are validated below against the supplied clock, so
	// the parser's own clock checks are disabled.
	token, err := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	).Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		return pc.Secret, nil
	})
	if err != nil || !token.Valid {
		return nil, NewAuthError(CodeTokenMalformed, "token signature verification failed")
	}

	mapClaims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, NewAuthError(CodeTokenMalformed, "token carries no claims")
	}

	claims, aerr := extractClaims(mapClaims, now)
	if aerr != nil {
		return nil, aerr
	}
	claims.Portal = portal
	return claims, nil
}

// extractClaims pulls the required claims out and enforces the invariants:
// exp−iat ≤ 24h, iat not in the future, exp in the future, trial-mode
// coupled to a future trial expiry, non-empty role set.
func extractClaims(mc jwt.MapClaims, now time.Time) (*Claims, *AdmissionError) {
	iat, err := mc.GetIssuedAt()
	if err != nil || iat == nil {
		return nil, NewAuthError(CodeTokenClaimsInvalid, "missing issued-at claim")
	}
	exp, err := mc.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, NewAuthError(CodeTokenClaimsInvalid, "missing expiry claim")
	}

	if !exp.Time.After(now) {
		return nil, NewAuthError(CodeTokenExpired, "token has expired")
	}
	if iat.Time.After(now) {
		return nil, NewAuthError(CodeTokenClaimsInvalid, "token issued in the future")
	}
	if exp.Time.Sub(iat.Time) > maxTokenLifetime {
		return nil, NewAuthError(CodeTokenClaimsInvalid, "token lifetime exceeds 24h")
	}

	claims := &Claims{
		IssuedAt:  iat.Time,
		ExpiresAt: exp.Time,
	}
	claims.Issuer, _ = mc.GetIssuer()
	claims.Subject, _ = mc.GetSubject()
	claims.TenantID = claimString(mc, "tenant_id")
	claims.Email = claimString(mc, "email")
	claims.Tier = claimString(mc, "tier")
	claims.OperatorID = claimString(mc, "operator_id")
	claims.Roles = claimStringSlice(mc, "roles")

	if claims.Subject == "" || claims.TenantID == "" || claims.Email == "" {
		return nil, NewAuthError(CodeTokenClaimsInvalid, "missing required identity claims")
	}

	if len(claims.Roles) == 0 {
		// An authenticated token with no roles is an authorization problem,
		// not an authentication one; it surfaces as a role-check denial.
		return nil, NewPolicyDenied(BundleRoleCheck, "empty role set")
	}

	if trial, ok := mc["trial_mode"].(bool); ok && trial {
		claims.TrialMode = true
		expiry := claimTime(mc, "trial_expires_at")
		if expiry.IsZero() || !expiry.After(now) {
			return nil, NewAuthError(CodeTokenClaimsInvalid,
				"trial mode requires a future trial expiry")
		}
		claims.TrialExpiry = expiry
	}

	return claims, nil
}

func claimString(mc jwt.MapClaims, key string) string {
	if v, ok := mc[key].(string); ok {
		return v
	}
	return ""
}

func claimStringSlice(mc jwt.MapClaims, key string) []string {
	raw, ok := mc[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

func claimTime(mc jwt.MapClaims, key string) time.Time {
	switch v := mc[key].(type) {
	case float64:
		return time.Unix(int64(v), 0)
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t
		}
	}
	return time.Time{}
}
