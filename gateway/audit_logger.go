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
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"meridian/gateway/shared/logger"
)

// Pipeline stages recorded in audit entries.
const (
	StageToken     = "token"
	StagePolicy    = "policy"
	StageBudget    = "budget"
	StageRateLimit = "rate_limit"
	StageOutbound  = "outbound"
)

// AuditRecord is the immutable per-request admission record. One row is
// written per request regardless of where the pipeline stopped.
type AuditRecord struct {
	CorrelationID  string           `json:"correlation_id"`
	GatewayID      string           `json:"gateway_id"`
	TenantID       string           `json:"tenant_id"`
	AgentID        string           `json:"agent_id"`
	Portal         string           `json:"portal"`
	Operation      string           `json:"operation"`
	Endpoint       string           `json:"endpoint"`
	Target         string           `json:"target"`
	Admitted       bool             `json:"admitted"`
	DeniedStage    string           `json:"denied_stage,omitempty"`
	DenialCode     string           `json:"denial_code,omitempty"`
	Decisions      []PolicyDecision `json:"decisions,omitempty"`
	EstimatedCents int64            `json:"estimated_cents"`
	ActualCents    int64            `json:"actual_cents"`
	OutboundMS     float64          `json:"outbound_ms"`
	RetryWaitMS    float64          `json:"retry_wait_ms"`
	Attempts       int              `json:"attempts"`
	FinalStatus    int              `json:"final_status"`
	CreatedAt      time.Time        `json:"created_at"`

	retries int
}

// AuditLogger persists admission records asynchronously so the response
// path never waits on the database. Records that cannot reach the database
// land in an append-only fallback file for out-of-band replay.
type AuditLogger struct {
	queue        chan AuditRecord
	workers      int
	wg           sync.WaitGroup
	db           *sql.DB
	fallbackFile *os.File
	fallbackMu   sync.Mutex
	logger       *logger.Logger

	processed uint64
	failed    uint64
	queued    uint64
}

// NewAuditLogger opens the fallback file and starts the write workers.
func NewAuditLogger(db *sql.DB, queueSize, workers int, fallbackPath string, lg *logger.Logger) (*AuditLogger, error) {
	fallbackFile, err := os.OpenFile(fallbackPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit fallback file: %w", err)
	}

	al := &AuditLogger{
		queue:        make(chan AuditRecord, queueSize),
		workers:      workers,
		db:           db,
		fallbackFile: fallbackFile,
		logger:       lg,
	}
	for i := 0; i < workers; i++ {
		al.wg.Add(1)
		go al.worker(i)
	}
	return al, nil
}

// NewCorrelationID mints a correlation identifier for requests that arrive
// without one.
func NewCorrelationID() string {
	return uuid.New().String()
}

// Record enqueues one admission record. It never blocks: when the queue is
// full the record goes straight to the fallback file.
func (al *AuditLogger) Record(record AuditRecord) {
	if record.CorrelationID == "" {
		record.CorrelationID = NewCorrelationID()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	select {
	case al.queue <- record:
		atomic.AddUint64(&al.queued, 1)
	default:
		al.fallbackMu.Lock()
		defer al.fallbackMu.Unlock()
		if err := al.writeToFallback(record); err != nil {
			al.logger.Error(record.TenantID, record.CorrelationID,
				"Audit queue full and fallback write failed", map[string]interface{}{"error": err.Error()})
		}
	}
}

func (al *AuditLogger) worker(id int) {
	defer al.wg.Done()

	for record := range al.queue {
		var err error
		for retry := 0; retry < 3; retry++ {
			if err = al.insert(record); err == nil {
				atomic.AddUint64(&al.processed, 1)
				break
			}
			time.Sleep(time.Millisecond * time.Duration(100*(retry+1)))
			record.retries++
		}
		if err != nil {
			atomic.AddUint64(&al.failed, 1)
			al.fallbackMu.Lock()
			if fbErr := al.writeToFallback(record); fbErr != nil {
				al.logger.Error(record.TenantID, record.CorrelationID,
					fmt.Sprintf("Worker %d failed to write fallback", id),
					map[string]interface{}{"error": fbErr.Error()})
			}
			al.fallbackMu.Unlock()
		}
	}
}

func (al *AuditLogger) insert(record AuditRecord) error {
	if al.db == nil {
		return fmt.Errorf("audit database not initialized")
	}

	decisionsJSON, err := json.Marshal(record.Decisions)
	if err != nil {
		return fmt.Errorf("failed to marshal policy decisions: %w", err)
	}

	_, err = al.db.Exec(`
		INSERT INTO admission_audit (
			correlation_id, gateway_id, tenant_id, agent_id, portal, operation, endpoint, target,
			admitted, denied_stage, denial_code, decisions,
			estimated_cents, actual_cents, outbound_ms, retry_wait_ms, attempts, final_status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		record.CorrelationID, record.GatewayID, record.TenantID, record.AgentID, record.Portal,
		record.Operation, record.Endpoint, record.Target, record.Admitted, record.DeniedStage,
		record.DenialCode, decisionsJSON, record.EstimatedCents, record.ActualCents,
		record.OutboundMS, record.RetryWaitMS, record.Attempts, record.FinalStatus, record.CreatedAt)
	return err
}

func (al *AuditLogger) writeToFallback(record AuditRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}
	if _, err := fmt.Fprintf(al.fallbackFile, "%s\n", data); err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return al.fallbackFile.Sync()
}

// Trace returns the audit records for one correlation identifier. Tenants
// see only their own records; administrative callers pass admin=true.
func (al *AuditLogger) Trace(ctx context.Context, correlationID, tenantID string, admin bool) ([]AuditRecord, error) {
	if al.db == nil {
		return nil, fmt.Errorf("audit database not initialized")
	}

	// RLS scoping runs on a pinned connection so the session variables and
	// the read cannot land on different pool members. The WHERE clause
	// repeats the tenant filter as a second layer.
	conn, err := al.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("audit connection failed: %w", err)
	}
	defer conn.Close()
	if err := SetTenantContext(ctx, conn, tenantID, admin); err != nil {
		return nil, err
	}

	query := `
		SELECT correlation_id, gateway_id, tenant_id, agent_id, portal, operation, endpoint, target,
		       admitted, denied_stage, denial_code, decisions,
		       estimated_cents, actual_cents, outbound_ms, retry_wait_ms, attempts, final_status, created_at
		FROM admission_audit
		WHERE correlation_id = $1`
	args := []interface{}{correlationID}
	if !admin {
		query += " AND tenant_id = $2"
		args = append(args, tenantID)
	}
	query += " ORDER BY created_at"

	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit trace query failed: %w", err)
	}
	defer rows.Close()

	var records []AuditRecord
	for rows.Next() {
		var r AuditRecord
		var decisionsJSON []byte
		if err := rows.Scan(&r.CorrelationID, &r.GatewayID, &r.TenantID, &r.AgentID, &r.Portal,
			&r.Operation, &r.Endpoint, &r.Target, &r.Admitted, &r.DeniedStage, &r.DenialCode,
			&decisionsJSON, &r.EstimatedCents, &r.ActualCents, &r.OutboundMS,
			&r.RetryWaitMS, &r.Attempts, &r.FinalStatus, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit trace scan failed: %w", err)
		}
		if len(decisionsJSON) > 0 {
			if err := json.Unmarshal(decisionsJSON, &r.Decisions); err != nil {
				return nil, fmt.Errorf("corrupt decisions for %s: %w", r.CorrelationID, err)
			}
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Shutdown drains the queue, spilling anything left to the fallback file if
// the deadline passes first.
func (al *AuditLogger) Shutdown(ctx context.Context) error {
	close(al.queue)

	done := make(chan struct{})
	go func() {
		al.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		// Anything still queued (workers were saturated or absent) spills
		// to the fallback file rather than being dropped.
		al.fallbackMu.Lock()
		for record := range al.queue {
			if err := al.writeToFallback(record); err != nil {
				al.logger.Error("", "", "Failed to spill audit record during shutdown",
					map[string]interface{}{"error": err.Error()})
			}
		}
		al.fallbackMu.Unlock()
		al.logger.Info("", "", "Audit logger shutdown complete", map[string]interface{}{
			"processed": atomic.LoadUint64(&al.processed),
			"failed":    atomic.LoadUint64(&al.failed),
		})
		return al.fallbackFile.Close()
	case <-ctx.Done():
		al.fallbackMu.Lock()
		spilled := 0
		for record := range al.queue {
			if err := al.writeToFallback(record); err != nil {
				al.logger.Error("", "", "Failed to spill audit record during shutdown",
					map[string]interface{}{"error": err.Error()})
			} else {
				spilled++
			}
		}
		al.fallbackMu.Unlock()
		al.logger.Warn("", "", "Audit logger shutdown timed out", map[string]interface{}{"spilled": spilled})
		return ctx.Err()
	}
}

// Stats reports queue health for the health endpoint.
func (al *AuditLogger) Stats() map[string]interface{} {
	return map[string]interface{}{
		"queued":    atomic.LoadUint64(&al.queued),
		"processed": atomic.LoadUint64(&al.processed),
		"failed":    atomic.LoadUint64(&al.failed),
		"pending":   len(al.queue),
	}
}
