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

// Package httpapi implements a connector for OAuth2 client-credentials
// protected HTTP APIs, the common shape of third-party platform partners.
package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"meridian/gateway/connectors/base"
)

// tokenSkew renews the access token slightly before the server-side expiry.
const tokenSkew = 30 * time.Second

// Connector calls an OAuth2-protected HTTP API. Access tokens are cached
// until shortly before expiry and refreshed under lock.
type Connector struct {
	cfg  base.Config
	http *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// New creates a connector from its configuration. Credentials must carry
// client_id and client_secret; token_url defaults to BaseURL + /oauth2/token.
func New(cfg base.Config) (*Connector, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("connector %q: base_url is required", cfg.Name)
	}
	if cfg.Credentials["client_id"] == "" || cfg.Credentials["client_secret"] == "" {
		return nil, fmt.Errorf("connector %q: client_id and client_secret are required", cfg.Name)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Connector{
		cfg:  cfg,
		http: &http.Client{Timeout: timeout},
	}, nil
}

func (c *Connector) Name() string { return c.cfg.Name }
func (c *Connector) Type() string { return "http_api" }

// EstimateCents prices the operation from configuration.
func (c *Connector) EstimateCents(operation string) int64 {
	if cents, ok := c.cfg.OperationCents[operation]; ok {
		return cents
	}
	return c.cfg.DefaultCents
}

// Do posts the payload to the operation's endpoint with a bearer token.
// One attempt only; the gateway's retry layer decides whether to call again.
func (c *Connector) Do(ctx context.Context, operation string, payload []byte) (*http.Response, error) {
	token, err := c.getAccessToken(ctx)
	if err != nil {
		return nil, err
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/" + strings.TrimLeft(operation, "/")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}

	// A 401 means the cached token went stale server-side; drop it so the
	// next attempt re-authenticates.
	if resp.StatusCode == http.StatusUnauthorized {
		c.mu.Lock()
		c.accessToken = ""
		c.mu.Unlock()
	}
	return resp, nil
}

// HealthCheck verifies credentials by obtaining a token.
func (c *Connector) HealthCheck(ctx context.Context) error {
	_, err := c.getAccessToken(ctx)
	return err
}

// getAccessToken returns a cached token or fetches a fresh one with the
// client-credentials grant.
func (c *Connector) getAccessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && time.Now().Before(c.tokenExpiry) {
		return c.accessToken, nil
	}

	tokenURL := c.cfg.Credentials["token_url"]
	if tokenURL == "" {
		tokenURL = strings.TrimRight(c.cfg.BaseURL, "/") + "/oauth2/token"
	}

	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", c.cfg.Credentials["client_id"])
	form.Set("client_secret", c.cfg.Credentials["client_secret"])

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("connector %q: token request failed: %w", c.cfg.Name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("connector %q: token endpoint returned %d", c.cfg.Name, resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", fmt.Errorf("connector %q: invalid token response: %w", c.cfg.Name, err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("connector %q: token response carries no access token", c.cfg.Name)
	}

	c.accessToken = tr.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(tr.ExpiresIn)*time.Second - tokenSkew)
	return c.accessToken, nil
}
