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
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// NewAuditDB opens the audit database connection pool.
func NewAuditDB(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to audit database: %w", err)
	}
	return db, nil
}

// auditSchemaStatements create the append-only audit table with row-level
// isolation: tenants read only their own rows, the gateway role has
// insert-only privilege, and only the admin role reads across tenants.
var auditSchemaStatements = []string{
	// correlation_id is TEXT, not UUID: callers may supply their own
	// identifiers through X-Correlation-ID and those still have to land
	// here and come back out of a trace query.
	`CREATE TABLE IF NOT EXISTS admission_audit (
		id BIGSERIAL PRIMARY KEY,
		correlation_id TEXT NOT NULL,
		gateway_id TEXT NOT NULL DEFAULT '',
		tenant_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		portal TEXT NOT NULL,
		operation TEXT NOT NULL,
		endpoint TEXT NOT NULL DEFAULT '',
		target TEXT NOT NULL DEFAULT '',
		admitted BOOLEAN NOT NULL,
		denied_stage TEXT NOT NULL DEFAULT '',
		denial_code TEXT NOT NULL DEFAULT '',
		decisions JSONB,
		estimated_cents BIGINT NOT NULL DEFAULT 0,
		actual_cents BIGINT NOT NULL DEFAULT 0,
		outbound_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
		retry_wait_ms DOUBLE PRECISION NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		final_status INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_admission_audit_correlation
		ON admission_audit (correlation_id)`,
	`CREATE INDEX IF NOT EXISTS idx_admission_audit_tenant_time
		ON admission_audit (tenant_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_admission_audit_agent
		ON admission_audit (agent_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_admission_audit_status
		ON admission_audit (final_status)`,
	`ALTER TABLE admission_audit ENABLE ROW LEVEL SECURITY`,
	// The writing process inserts but never reads back.
	`DO $$ BEGIN
		CREATE POLICY admission_audit_insert ON admission_audit
			FOR INSERT WITH CHECK (true);
	EXCEPTION WHEN duplicate_object THEN NULL;
	END $$`,
	// Tenant reads are scoped by the session's app.tenant_id; the admin
	// role bypasses the filter.
	`DO $$ BEGIN
		CREATE POLICY admission_audit_tenant_read ON admission_audit
			FOR SELECT USING (
				tenant_id = current_setting('app.tenant_id', true)
				OR current_setting('app.audit_admin', true) = 'true'
			);
	EXCEPTION WHEN duplicate_object THEN NULL;
	END $$`,
	// No UPDATE or DELETE policy exists on purpose: with RLS enabled and no
	// matching policy, rows are immutable to every non-superuser role.
}

// EnsureAuditSchema applies the audit schema. Statements are idempotent so
// every instance can run this at startup.
func EnsureAuditSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range auditSchemaStatements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("audit schema statement failed: %w", err)
		}
	}
	return nil
}

// SetTenantContext binds the connection's tenant for row-level read
// isolation. It must run on the same connection as the read that follows,
// which is why it takes a *sql.Conn rather than the pool.
func SetTenantContext(ctx context.Context, conn *sql.Conn, tenantID string, admin bool) error {
	if _, err := conn.ExecContext(ctx, "SELECT set_config('app.tenant_id', $1, false)", tenantID); err != nil {
		return fmt.Errorf("failed to set tenant context: %w", err)
	}
	adminFlag := "false"
	if admin {
		adminFlag = "true"
	}
	if _, err := conn.ExecContext(ctx, "SELECT set_config('app.audit_admin', $1, false)", adminFlag); err != nil {
		return fmt.Errorf("failed to set admin context: %w", err)
	}
	return nil
}
