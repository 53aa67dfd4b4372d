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

// Package main is the entry point for the Meridian Gateway service.
//
// The gateway admits requests from the consumer and partner portals:
// - Validates bearer tokens against the portal's issuer
// - Evaluates policy bundles against the external decision engine
// - Reserves budget and enforces per-tenant rate limits
// - Guards outbound calls with a per-target circuit breaker
// - Writes one audit record per request, admitted or denied
//
// Usage:
//
//	./gateway
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8080)
//	CORE_SERVICE_URL - URL of the core hub service
//	POLICY_ENGINE_URL - URL of the policy decision engine
//	REDIS_URL - Redis connection string for limits and budgets
//	DATABASE_URL - PostgreSQL connection string for the audit store
//	JWT_SECRET_CONSUMER / JWT_SECRET_PARTNER - portal signing secrets
package main

import (
	"log"

	"github.com/joho/godotenv"

	"meridian/gateway/gateway"
)

func main() {
	// Local development convenience; in deployment the environment is
	// injected by the task definition.
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded environment from .env")
	}

	gateway.Run()
}
