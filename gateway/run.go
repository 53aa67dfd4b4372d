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
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"

	"meridian/gateway/connectors/base"
	"meridian/gateway/connectors/httpapi"
	"meridian/gateway/shared/logger"
)

// Meridian Gateway - request admission for the consumer and partner portals.
// Every request passes token validation, policy decisions, budget reservation
// and rate limiting before the guarded outbound call; every outcome is audited.

// Run is the exported entry point for the gateway service. It blocks until
// SIGINT or SIGTERM, then drains in-flight work and the audit queue.
func Run() {
	cfg, err := LoadConfig()
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	lg := logger.New("meridian-gateway")

	redisClient, err := NewRedisClient(cfg.RedisURL)
	if err != nil {
		log.Fatalf("Redis connection failed: %v", err)
	}
	defer redisClient.Close()
	log.Println("✅ Connected to Redis")

	// The audit store is optional in local development. Without it, records
	// go to the fallback file and the trace endpoint is unavailable.
	var auditDB *sql.DB
	if cfg.DatabaseURL != "" {
		auditDB, err = NewAuditDB(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Audit database connection failed: %v", err)
		}
		defer auditDB.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := EnsureAuditSchema(ctx, auditDB); err != nil {
			cancel()
			log.Fatalf("Audit schema setup failed: %v", err)
		}
		cancel()
		log.Println("✅ Audit schema ready")
	} else {
		log.Println("⚠️  DATABASE_URL not set - audit records go to the fallback file only")
	}

	audit, err := NewAuditLogger(auditDB, 1000, 4, cfg.AuditFallbackPath, lg)
	if err != nil {
		log.Fatalf("Audit logger setup failed: %v", err)
	}

	registry := base.NewRegistry()
	if err := registerConnectors(registry); err != nil {
		log.Fatalf("Connector setup failed: %v", err)
	}
	for _, name := range registry.Names() {
		log.Printf("✅ Connector registered: %s", name)
	}

	validator := NewTokenValidator(cfg)
	policy := NewPolicyClient(cfg.Policy, lg)
	budget := NewBudgetGuard(redisClient, cfg.Budget, &LogAlerter{Logger: lg}, lg)
	limiter := NewRateLimiter(redisClient, cfg)
	outbound := NewOutboundCaller(cfg.Breaker)
	pipeline := NewPipeline(cfg, validator, policy, budget, limiter, outbound, audit, lg)

	server := NewServer(cfg, pipeline, outbound, audit, validator, registry, lg)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"}, // Configure for production
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      corsHandler.Handler(server.Router()),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("🚀 Meridian Gateway starting on port %s", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()
	server.SetReady()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Println("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("⚠️  HTTP shutdown: %v", err)
	}
	if err := audit.Shutdown(ctx); err != nil {
		log.Printf("⚠️  Audit drain: %v", err)
	}
	log.Println("✅ Shutdown complete")
}

// registerConnectors builds the connector registry from CONNECTORS, a
// comma-separated list of names. Each named connector reads its own
// CONNECTOR_<NAME>_* settings.
func registerConnectors(registry *base.Registry) error {
	for _, name := range splitCSV(os.Getenv("CONNECTORS")) {
		cfg, err := connectorConfigFromEnv(name)
		if err != nil {
			return err
		}
		connector, err := httpapi.New(cfg)
		if err != nil {
			return err
		}
		if err := registry.Register(connector); err != nil {
			return err
		}
	}
	return nil
}

func connectorConfigFromEnv(name string) (base.Config, error) {
	prefix := "CONNECTOR_" + envKey(name) + "_"
	cfg := base.Config{
		Name:    name,
		Type:    getEnv(prefix+"TYPE", "httpapi"),
		BaseURL: os.Getenv(prefix + "BASE_URL"),
		Credentials: map[string]string{
			"client_id":     os.Getenv(prefix + "CLIENT_ID"),
			"client_secret": os.Getenv(prefix + "CLIENT_SECRET"),
			"token_url":     os.Getenv(prefix + "TOKEN_URL"),
		},
		Timeout:      time.Duration(envInt(prefix+"TIMEOUT_SECONDS", 15)) * time.Second,
		DefaultCents: envInt64(prefix+"DEFAULT_CENTS", 1),
	}
	return cfg, nil
}
