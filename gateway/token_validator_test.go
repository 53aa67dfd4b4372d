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
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func testTokenConfig() *Config {
	return &Config{
		Portals: map[string]*PortalConfig{
			PortalConsumer: {
				Issuer: "https://auth.meridian.io/consumer",
				Secret: []byte("consumer-test-secret"),
				Tiers:  defaultTiers()[PortalConsumer].Tiers,
			},
			PortalPartner: {
				Issuer: "https://auth.meridian.io/partner",
				Secret: []byte("partner-test-secret"),
				Tiers:  defaultTiers()[PortalPartner].Tiers,
			},
		},
	}
}

func baseClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"iss":       "https://auth.meridian.io/consumer",
		"sub":       "user-123",
		"tenant_id": "tenant-abc",
		"email":     "ops@example.com",
		"roles":     []string{"operator"},
		"iat":       testNow.Add(-time.Hour).Unix(),
		"exp":       testNow.Add(time.Hour).Unix(),
	}
}

func mintToken(t *testing.T, secret []byte, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		t.Fatalf("signing test token: %v", err)
	}
	return signed
}

func TestValidateAcceptsWellFormedToken(t *testing.T) {
	v := NewTokenValidator(testTokenConfig())
	token := mintToken(t, []byte("consumer-test-secret"), baseClaims())

	claims, aerr := v.Validate(token, PortalConsumer, testNow)
	if aerr != nil {
		t.Fatalf("expected valid token, got %v", aerr)
	}
	if claims.TenantID != "tenant-abc" {
		t.Errorf("tenant = %q, want tenant-abc", claims.TenantID)
	}
	if claims.Portal != PortalConsumer {
		t.Errorf("portal = %q, want consumer", claims.Portal)
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != "operator" {
		t.Errorf("roles = %v, want [operator]", claims.Roles)
	}
}

func TestValidateRejections(t *testing.T) {
	cfg := testTokenConfig()
	v := NewTokenValidator(cfg)

	tests := []struct {
		name     string
		token    func(t *testing.T) string
		portal   string
		wantKind ErrorKind
		wantCode string
	}{
		{
			name:     "missing token",
			token:    func(t *testing.T) string { return "" },
			portal:   PortalConsumer,
			wantKind: KindAuth,
			wantCode: CodeTokenMissing,
		},
		{
			name:     "garbage token",
			token:    func(t *testing.T) string { return "not.a.jwt" },
			portal:   PortalConsumer,
			wantKind: KindAuth,
			wantCode: CodeTokenMalformed,
		},
		{
			name: "cross-portal issuer",
			token: func(t *testing.T) string {
				return mintToken(t, []byte("consumer-test-secret"), baseClaims())
			},
			portal:   PortalPartner,
			wantKind: KindAuth,
			wantCode: CodeTokenIssuerMismatch,
		},
		{
			name: "wrong signing secret",
			token: func(t *testing.T) string {
				return mintToken(t, []byte("some-other-secret"), baseClaims())
			},
			portal:   PortalConsumer,
			wantKind: KindAuth,
			wantCode: CodeTokenMalformed,
		},
		{
			name: "expired",
			token: func(t *testing.T) string {
				c := baseClaims()
				c["iat"] = testNow.Add(-2 * time.Hour).Unix()
				c["exp"] = testNow.Add(-time.Minute).Unix()
				return mintToken(t, []byte("consumer-test-secret"), c)
			},
			portal:   PortalConsumer,
			wantKind: KindAuth,
			wantCode: CodeTokenExpired,
		},
		{
			name: "issued in the future",
			token: func(t *testing.T) string {
				c := baseClaims()
				c["iat"] = testNow.Add(time.Minute).Unix()
				return mintToken(t, []byte("consumer-test-secret"), c)
			},
			portal:   PortalConsumer,
			wantKind: KindAuth,
			wantCode: CodeTokenClaimsInvalid,
		},
		{
			name: "lifetime over 24h",
			token: func(t *testing.T) string {
				c := baseClaims()
				c["iat"] = testNow.Add(-20 * time.Hour).Unix()
				c["exp"] = testNow.Add(10 * time.Hour).Unix()
				return mintToken(t, []byte("consumer-test-secret"), c)
			},
			portal:   PortalConsumer,
			wantKind: KindAuth,
			wantCode: CodeTokenClaimsInvalid,
		},
		{
			name: "missing tenant",
			token: func(t *testing.T) string {
				c := baseClaims()
				delete(c, "tenant_id")
				return mintToken(t, []byte("consumer-test-secret"), c)
			},
			portal:   PortalConsumer,
			wantKind: KindAuth,
			wantCode: CodeTokenClaimsInvalid,
		},
		{
			name: "trial mode without expiry",
			token: func(t *testing.T) string {
				c := baseClaims()
				c["trial_mode"] = true
				return mintToken(t, []byte("consumer-test-secret"), c)
			},
			portal:   PortalConsumer,
			wantKind: KindAuth,
			wantCode: CodeTokenClaimsInvalid,
		},
		{
			name: "trial mode with lapsed expiry",
			token: func(t *testing.T) string {
				c := baseClaims()
				c["trial_mode"] = true
				c["trial_expires_at"] = testNow.Add(-time.Hour).Unix()
				return mintToken(t, []byte("consumer-test-secret"), c)
			},
			portal:   PortalConsumer,
			wantKind: KindAuth,
			wantCode: CodeTokenClaimsInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, aerr := v.Validate(tt.token(t), tt.portal, testNow)
			if aerr == nil {
				t.Fatal("expected rejection, got nil")
			}
			if aerr.Kind != tt.wantKind {
				t.Errorf("kind = %v, want %v", aerr.Kind, tt.wantKind)
			}
			if aerr.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", aerr.Code, tt.wantCode)
			}
		})
	}
}

func TestValidateEmptyRolesIsPolicyDenial(t *testing.T) {
	v := NewTokenValidator(testTokenConfig())
	c := baseClaims()
	c["roles"] = []string{}
	token := mintToken(t, []byte("consumer-test-secret"), c)

	_, aerr := v.Validate(token, PortalConsumer, testNow)
	if aerr == nil {
		t.Fatal("expected denial, got nil")
	}
	if aerr.Kind != KindPolicyDenied {
		t.Errorf("kind = %v, want policy denial", aerr.Kind)
	}
	if aerr.Bundle != BundleRoleCheck {
		t.Errorf("bundle = %q, want %q", aerr.Bundle, BundleRoleCheck)
	}
	if aerr.Message != "empty role set" {
		t.Errorf("message = %q, want empty role set", aerr.Message)
	}
}

func TestValidateTrialClaims(t *testing.T) {
	v := NewTokenValidator(testTokenConfig())
	c := baseClaims()
	c["trial_mode"] = true
	c["trial_expires_at"] = testNow.Add(72 * time.Hour).Unix()
	token := mintToken(t, []byte("consumer-test-secret"), c)

	claims, aerr := v.Validate(token, PortalConsumer, testNow)
	if aerr != nil {
		t.Fatalf("expected valid trial token, got %v", aerr)
	}
	if !claims.TrialMode {
		t.Error("trial mode not carried through")
	}
	if !claims.TrialExpiry.After(testNow) {
		t.Errorf("trial expiry = %v, want future", claims.TrialExpiry)
	}
}
