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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"meridian/gateway/connectors/base"
	"meridian/gateway/shared/logger"
)

// maxInboundBody caps buffered request bodies. Bodies are buffered so the
// retry layer can replay them.
const maxInboundBody = 10 << 20

// Server exposes the admission pipeline over HTTP.
type Server struct {
	cfg       *Config
	pipeline  *Pipeline
	outbound  *OutboundCaller
	audit     *AuditLogger
	validator *TokenValidator
	registry  *base.Registry
	logger    *logger.Logger

	coreClient      *http.Client
	connectorClient *http.Client
	ready           atomic.Bool
}

// NewServer wires the HTTP surface over the pipeline.
func NewServer(cfg *Config, pipeline *Pipeline, outbound *OutboundCaller, audit *AuditLogger,
	validator *TokenValidator, registry *base.Registry, lg *logger.Logger) *Server {
	return &Server{
		cfg:             cfg,
		pipeline:        pipeline,
		outbound:        outbound,
		audit:           audit,
		validator:       validator,
		registry:        registry,
		logger:          lg,
		coreClient:      &http.Client{Timeout: cfg.CoreTimeout},
		connectorClient: &http.Client{Timeout: cfg.ConnectorTimeout},
	}
}

// SetReady flips the health endpoint from starting to healthy.
func (s *Server) SetReady() { s.ready.Store(true) }

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	api := r.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/{portal:consumer|partner}/proxy/{path:.*}", s.handleProxy)
	api.HandleFunc("/{portal:consumer|partner}/connectors/{connector}/{operation}", s.handleConnector).Methods("POST")
	api.HandleFunc("/admission/targets", s.handleTargets).Methods("GET")
	api.HandleFunc("/admission/policy/cache", s.handlePolicyCacheFlush).Methods("DELETE")
	api.HandleFunc("/audit/{correlation_id}", s.handleTrace).Methods("GET")

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	status := "starting"
	if s.ready.Load() {
		status = "healthy"
	}
	resp := map[string]interface{}{
		"status":     status,
		"service":    "meridian-gateway",
		"gateway_id": s.cfg.GatewayID,
		"timestamp":  time.Now().UTC(),
	}
	if s.audit != nil {
		resp["audit"] = s.audit.Stats()
	}
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("", "", "Failed to encode health response", map[string]interface{}{"error": err.Error()})
	}
}

// handleProxy admits and forwards a request to the core hub service.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	portal := vars["portal"]
	path := "/" + vars["path"]
	correlationID := requestCorrelationID(r)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxInboundBody))
	if err != nil {
		writeProblem(w, r, NewPermanentDownstream("unreadable request body"), correlationID)
		return
	}

	operation := r.Header.Get("X-Meridian-Operation")
	if operation == "" {
		operation = firstPathSegment(vars["path"])
	}

	req := AdmissionRequest{
		CorrelationID:  correlationID,
		Portal:         portal,
		Token:          bearerToken(r),
		Operation:      operation,
		Resource:       path,
		Target:         "core",
		EstimatedCents: estimatedCents(r),
		Outbound: func(ctx context.Context) (*http.Response, error) {
			out, err := http.NewRequestWithContext(ctx, r.Method,
				strings.TrimRight(s.cfg.CoreServiceURL, "/")+path, bytes.NewReader(body))
			if err != nil {
				return nil, err
			}
			copyProxyHeaders(out.Header, r.Header)
			out.Header.Set("X-Correlation-ID", correlationID)
			return s.coreClient.Do(out)
		},
	}

	s.finish(w, r, req)
}

// handleConnector admits and forwards a request to a third-party platform
// connector.
func (s *Server) handleConnector(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	portal := vars["portal"]
	name := vars["connector"]
	operation := vars["operation"]
	correlationID := requestCorrelationID(r)

	connector, ok := s.registry.Get(name)
	if !ok {
		writeProblem(w, r, NewPermanentDownstream(fmt.Sprintf("unknown connector %q", name)), correlationID)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxInboundBody))
	if err != nil {
		writeProblem(w, r, NewPermanentDownstream("unreadable request body"), correlationID)
		return
	}

	estimate := estimatedCents(r)
	if r.Header.Get("X-Meridian-Estimated-Cents") == "" {
		estimate = connector.EstimateCents(operation)
	}

	req := AdmissionRequest{
		CorrelationID:  correlationID,
		Portal:         portal,
		Token:          bearerToken(r),
		Operation:      operation,
		Resource:       "connector:" + name + "/" + operation,
		Target:         "connector:" + name,
		EstimatedCents: estimate,
		Outbound: func(ctx context.Context) (*http.Response, error) {
			ctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectorTimeout)
			defer cancel()
			return connector.Do(ctx, operation, body)
		},
	}

	s.finish(w, r, req)
}

// finish runs the pipeline and renders either the downstream response or a
// problem-details rejection.
func (s *Server) finish(w http.ResponseWriter, r *http.Request, req AdmissionRequest) {
	resp, aerr := s.pipeline.Admit(r.Context(), req)
	if aerr != nil {
		writeProblem(w, r, aerr, req.CorrelationID)
		return
	}

	for key, values := range resp.Result.Header {
		if hopByHopHeader(key) {
			continue
		}
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.Header().Set("X-Correlation-ID", resp.CorrelationID)
	w.WriteHeader(resp.Result.Status)
	if _, err := w.Write(resp.Result.Body); err != nil {
		s.logger.Error(resp.Claims.TenantID, resp.CorrelationID,
			"Failed to write response body", map[string]interface{}{"error": err.Error()})
	}
}

// handleTargets reports breaker state per outbound target. Admin only.
func (s *Server) handleTargets(w http.ResponseWriter, r *http.Request) {
	correlationID := requestCorrelationID(r)
	claims, aerr := s.authenticate(r)
	if aerr != nil {
		writeProblem(w, r, aerr, correlationID)
		return
	}
	if !hasRole(claims, "admin") {
		writeProblem(w, r, NewPolicyDenied(BundleRoleCheck, "admin role required"), correlationID)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"targets": s.outbound.States(),
	})
}

// handlePolicyCacheFlush drops every cached policy decision so bundle
// changes take effect without waiting out the TTL. Admin only.
func (s *Server) handlePolicyCacheFlush(w http.ResponseWriter, r *http.Request) {
	correlationID := requestCorrelationID(r)
	claims, aerr := s.authenticate(r)
	if aerr != nil {
		writeProblem(w, r, aerr, correlationID)
		return
	}
	if !hasRole(claims, "admin") {
		writeProblem(w, r, NewPolicyDenied(BundleRoleCheck, "admin role required"), correlationID)
		return
	}

	s.pipeline.policy.InvalidateCache()
	s.logger.Info(claims.TenantID, correlationID, "Policy decision cache flushed", nil)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"status": "flushed"})
}

// handleTrace returns the audit records for one correlation identifier.
// Tenants see their own traffic; admins see everything.
func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	correlationID := mux.Vars(r)["correlation_id"]
	claims, aerr := s.authenticate(r)
	if aerr != nil {
		writeProblem(w, r, aerr, correlationID)
		return
	}

	records, err := s.audit.Trace(r.Context(), correlationID, claims.TenantID, hasRole(claims, "admin"))
	if err != nil {
		s.logger.Error(claims.TenantID, correlationID, "Audit trace failed",
			map[string]interface{}{"error": err.Error()})
		writeProblem(w, r, NewTransientDownstream("", "audit store unavailable"), correlationID)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"correlation_id": correlationID,
		"records":        records,
	})
}

// authenticate validates the bearer token against whichever portal the
// caller names, or the portal whose configured issuer matches the token
// when no header is present.
func (s *Server) authenticate(r *http.Request) (*Claims, *AdmissionError) {
	token := bearerToken(r)
	portal := r.Header.Get("X-Meridian-Portal")
	if portal == "" {
		portal = s.portalForToken(token)
	}
	return s.validator.Validate(token, portal, time.Now())
}

// portalForToken reads the unverified issuer claim as a routing hint.
// Validate still checks the issuer and signature against the chosen
// portal's configuration.
func (s *Server) portalForToken(token string) string {
	unverified, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return PortalConsumer
	}
	issuer, _ := unverified.Claims.GetIssuer()
	if portal, _, ok := s.cfg.PortalForIssuer(issuer); ok {
		return portal
	}
	return PortalConsumer
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// maxCorrelationIDLen bounds caller-supplied correlation identifiers before
// they reach logs and the audit store.
const maxCorrelationIDLen = 128

func requestCorrelationID(r *http.Request) string {
	if id := r.Header.Get("X-Correlation-ID"); id != "" && len(id) <= maxCorrelationIDLen {
		return id
	}
	return NewCorrelationID()
}

func estimatedCents(r *http.Request) int64 {
	raw := r.Header.Get("X-Meridian-Estimated-Cents")
	if raw == "" {
		return 1
	}
	cents, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || cents < 0 {
		return 1
	}
	return cents
}

func firstPathSegment(path string) string {
	if i := strings.IndexByte(path, '/'); i >= 0 {
		return path[:i]
	}
	return path
}

func hasRole(claims *Claims, role string) bool {
	for _, r := range claims.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// copyProxyHeaders forwards request headers except hop-by-hop and gateway
// control headers.
func copyProxyHeaders(dst, src http.Header) {
	for key, values := range src {
		if hopByHopHeader(key) || strings.HasPrefix(key, "X-Meridian-") {
			continue
		}
		for _, v := range values {
			dst.Add(key, v)
		}
	}
}

func hopByHopHeader(key string) bool {
	switch http.CanonicalHeaderKey(key) {
	case "Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
		"Te", "Trailer", "Transfer-Encoding", "Upgrade":
		return true
	}
	return false
}
