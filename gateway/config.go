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
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Portal names. Each front-of-house portal has its own token issuer and
// its own rate-limit tier table.
const (
	PortalConsumer = "consumer"
	PortalPartner  = "partner"
)

// Tier names for rate limiting.
const (
	TierTrial      = "trial"
	TierPaid       = "paid"
	TierEnterprise = "enterprise"
)

// TierLimit holds the sustained refill rate and burst ceiling for one tier.
type TierLimit struct {
	RatePerSec float64 `yaml:"rate_per_sec"`
	Burst      int     `yaml:"burst"`
}

// PortalConfig holds per-portal token issuer settings and the tier table.
type PortalConfig struct {
	Issuer string               `yaml:"issuer"`
	Secret []byte               `yaml:"-"`
	Tiers  map[string]TierLimit `yaml:"tiers"`
}

// StageFlags enables or disables individual pipeline stages for staged
// rollout. A disabled stage is skipped entirely; denials then only come
// from the stages still enabled.
type StageFlags struct {
	PolicyChecks    bool
	BudgetGuard     bool
	RateLimiting    bool
	CircuitBreaking bool
}

// BreakerSettings configures the per-target circuit breaker and retry layer.
type BreakerSettings struct {
	FailureThreshold int
	Cooldown         time.Duration
	MaxAttempts      int
}

// BudgetSettings configures the two budget scopes and threshold alerting.
type BudgetSettings struct {
	AgentDailyCapCents      int64
	PlatformMonthlyCapCents int64
	AlertThresholds         []int
	CriticalOps             []string
}

// PolicySettings configures the external decision engine client.
type PolicySettings struct {
	EngineURL string
	Timeout   time.Duration
	CacheTTL  time.Duration
	// FailOpen maps bundle name to the default applied when the engine is
	// unreachable. Bundles absent from the map fail closed.
	FailOpen map[string]bool
}

// Config is the immutable configuration passed to the pipeline constructor.
// Nothing in the request path reads ambient globals.
type Config struct {
	GatewayID string
	Port      string

	Portals map[string]*PortalConfig
	Stages  StageFlags
	Breaker BreakerSettings
	Budget  BudgetSettings
	Policy  PolicySettings

	CoreServiceURL   string
	CoreTimeout      time.Duration
	ConnectorTimeout time.Duration

	RedisURL          string
	DatabaseURL       string
	AuditFallbackPath string
}

// limitsFile is the YAML shape of the optional per-portal tier table.
type limitsFile struct {
	Portals map[string]struct {
		Issuer string               `yaml:"issuer"`
		Tiers  map[string]TierLimit `yaml:"tiers"`
	} `yaml:"portals"`
}

// defaultTiers returns the shipped tier tables. The partner portal's trial
// tier deliberately matches its paid tier (partners have no meaningful
// trial population); the consumer trial tier is ten times lower than paid.
// loadTierTables flags this asymmetry at startup rather than resolving it.
func defaultTiers() map[string]*PortalConfig {
	return map[string]*PortalConfig{
		PortalConsumer: {
			Issuer: "meridian-consumer",
			Tiers: map[string]TierLimit{
				TierTrial:      {RatePerSec: 1, Burst: 10},
				TierPaid:       {RatePerSec: 10, Burst: 50},
				TierEnterprise: {RatePerSec: 50, Burst: 200},
			},
		},
		PortalPartner: {
			Issuer: "meridian-partner",
			Tiers: map[string]TierLimit{
				TierTrial:      {RatePerSec: 10, Burst: 50},
				TierPaid:       {RatePerSec: 10, Burst: 50},
				TierEnterprise: {RatePerSec: 50, Burst: 200},
			},
		},
	}
}

// LoadConfig builds the gateway configuration from the environment and the
// optional GATEWAY_LIMITS_FILE tier table.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		GatewayID: getEnv("GATEWAY_ID", "meridian-gateway/1"),
		Port:      getEnv("PORT", "8080"),
		Portals:   defaultTiers(),
		Stages: StageFlags{
			PolicyChecks:    !envBool("DISABLE_POLICY_CHECKS"),
			BudgetGuard:     !envBool("DISABLE_BUDGET_GUARD"),
			RateLimiting:    !envBool("DISABLE_RATE_LIMITING"),
			CircuitBreaking: !envBool("DISABLE_CIRCUIT_BREAKING"),
		},
		Breaker: BreakerSettings{
			FailureThreshold: envInt("BREAKER_FAILURE_THRESHOLD", 5),
			Cooldown:         time.Duration(envInt("BREAKER_COOLDOWN_SECONDS", 60)) * time.Second,
			MaxAttempts:      envInt("BREAKER_MAX_ATTEMPTS", 5),
		},
		Budget: BudgetSettings{
			AgentDailyCapCents:      envInt64("BUDGET_AGENT_DAILY_CENTS", 10000),
			PlatformMonthlyCapCents: envInt64("BUDGET_PLATFORM_MONTHLY_CENTS", 5000000),
			AlertThresholds:         []int{80, 95, 100},
			CriticalOps:             splitCSV(getEnv("BUDGET_CRITICAL_OPS", "health,account_status")),
		},
		Policy: PolicySettings{
			EngineURL: getEnv("POLICY_ENGINE_URL", "http://localhost:8181"),
			Timeout:   time.Duration(envInt("POLICY_TIMEOUT_MS", 50)) * time.Millisecond,
			CacheTTL:  time.Duration(envInt("POLICY_CACHE_TTL_SECONDS", 5)) * time.Second,
			FailOpen: map[string]bool{
				BundleTrialMode:   true,
				BundleBudgetCheck: false,
				BundleRoleCheck:   false,
			},
		},
		CoreServiceURL:    getEnv("CORE_SERVICE_URL", "http://localhost:8081"),
		CoreTimeout:       time.Duration(envInt("CORE_TIMEOUT_SECONDS", 30)) * time.Second,
		ConnectorTimeout:  time.Duration(envInt("CONNECTOR_TIMEOUT_SECONDS", 15)) * time.Second,
		RedisURL:          getEnv("REDIS_URL", "redis://localhost:6379"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		AuditFallbackPath: getEnv("AUDIT_FALLBACK_PATH", "/var/log/meridian/audit-fallback.jsonl"),
	}

	if path := os.Getenv("GATEWAY_LIMITS_FILE"); path != "" {
		if err := cfg.loadTierTables(path); err != nil {
			return nil, fmt.Errorf("failed to load tier table %s: %w", path, err)
		}
	}

	if err := cfg.loadIssuerSecrets(); err != nil {
		return nil, err
	}

	cfg.flagTierAsymmetry()
	return cfg, nil
}

// loadTierTables overlays the YAML tier table on the defaults.
func (c *Config) loadTierTables(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var lf limitsFile
	if err := yaml.Unmarshal(data, &lf); err != nil {
		return fmt.Errorf("invalid YAML: %w", err)
	}

	for name, portal := range lf.Portals {
		pc, ok := c.Portals[name]
		if !ok {
			return fmt.Errorf("unknown portal %q in tier table", name)
		}
		if portal.Issuer != "" {
			pc.Issuer = portal.Issuer
		}
		for tier, limit := range portal.Tiers {
			if limit.RatePerSec <= 0 || limit.Burst <= 0 {
				return fmt.Errorf("portal %q tier %q: rate and burst must be positive", name, tier)
			}
			pc.Tiers[tier] = limit
		}
	}
	return nil
}

// loadIssuerSecrets resolves each portal's signing secret from AWS Secrets
// Manager when GATEWAY_SECRETS_ARN is set, otherwise from the environment.
func (c *Config) loadIssuerSecrets() error {
	secrets, err := fetchIssuerSecrets()
	if err != nil {
		return err
	}

	envKeys := map[string]string{
		PortalConsumer: "JWT_SECRET_CONSUMER",
		PortalPartner:  "JWT_SECRET_PARTNER",
	}

	for name, pc := range c.Portals {
		if s, ok := secrets[name]; ok && s != "" {
			pc.Secret = []byte(s)
		} else if s := os.Getenv(envKeys[name]); s != "" {
			pc.Secret = []byte(s)
		} else {
			return fmt.Errorf("no signing secret configured for portal %q", name)
		}
	}
	return nil
}

// flagTierAsymmetry warns when the portals' trial tiers diverge sharply.
// The divergence may be intentional, so it is reported, not corrected.
func (c *Config) flagTierAsymmetry() {
	consumer, ok1 := c.Portals[PortalConsumer]
	partner, ok2 := c.Portals[PortalPartner]
	if !ok1 || !ok2 {
		return
	}

	ct, cok := consumer.Tiers[TierTrial]
	pt, pok := partner.Tiers[TierTrial]
	if !cok || !pok || ct.RatePerSec <= 0 {
		return
	}

	ratio := pt.RatePerSec / ct.RatePerSec
	if ratio >= 5 || ratio <= 0.2 {
		log.Printf("WARN: trial-tier rate limits diverge across portals (consumer=%.2f/s partner=%.2f/s); "+
			"verify this asymmetry is intentional", ct.RatePerSec, pt.RatePerSec)
	}
}

// TierFor returns the tier limit for the portal, falling back to trial when
// the tier is unknown.
func (c *Config) TierFor(portal, tier string) (TierLimit, error) {
	pc, ok := c.Portals[portal]
	if !ok {
		return TierLimit{}, fmt.Errorf("unknown portal %q", portal)
	}
	if limit, ok := pc.Tiers[tier]; ok {
		return limit, nil
	}
	if limit, ok := pc.Tiers[TierTrial]; ok {
		return limit, nil
	}
	return TierLimit{}, fmt.Errorf("portal %q has no tier %q and no trial fallback", portal, tier)
}

// PortalForIssuer finds the portal whose configured issuer matches.
func (c *Config) PortalForIssuer(issuer string) (string, *PortalConfig, bool) {
	for name, pc := range c.Portals {
		if pc.Issuer == issuer {
			return name, pc, true
		}
	}
	return "", nil, false
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "1" || v == "true" || v == "yes"
}

func envInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultValue
}

func envInt64(key string, defaultValue int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return defaultValue
}

// envKey normalizes a connector name into the environment variable form,
// so "crm-sandbox" reads CONNECTOR_CRM_SANDBOX_* settings.
func envKey(name string) string {
	return strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
