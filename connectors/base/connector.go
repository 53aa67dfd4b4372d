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

// Package base defines the connector contract for third-party platform
// integrations reached through the gateway.
package base

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Connector is one third-party platform integration. Do issues a single
// network attempt; the gateway pipeline owns retries and breaker gating, so
// implementations must not retry internally.
type Connector interface {
	Name() string
	Type() string

	// EstimateCents prices an operation before it runs, for budget
	// reservation. Unknown operations return the connector's default cost.
	EstimateCents(operation string) int64

	// Do performs one attempt of the named operation with the given
	// request payload and returns the raw response.
	Do(ctx context.Context, operation string, payload []byte) (*http.Response, error)

	HealthCheck(ctx context.Context) error
}

// Config holds the settings shared by connector implementations.
type Config struct {
	Name        string            `yaml:"name"`
	Type        string            `yaml:"type"`
	BaseURL     string            `yaml:"base_url"`
	Credentials map[string]string `yaml:"credentials"`
	Timeout     time.Duration     `yaml:"timeout"`

	// OperationCents prices specific operations; DefaultCents covers the
	// rest.
	OperationCents map[string]int64 `yaml:"operation_cents"`
	DefaultCents   int64            `yaml:"default_cents"`
}

// Registry holds the connectors available to the gateway, keyed by name.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
}

// NewRegistry creates an empty connector registry.
func NewRegistry() *Registry {
	return &Registry{connectors: make(map[string]Connector)}
}

// Register adds a connector. Registering a duplicate name is a
// configuration error.
func (r *Registry) Register(c Connector) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.connectors[c.Name()]; exists {
		return fmt.Errorf("connector %q already registered", c.Name())
	}
	r.connectors[c.Name()] = c
	return nil
}

// Get returns the named connector.
func (r *Registry) Get(name string) (Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[name]
	return c, ok
}

// Names lists registered connector names in stable order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.connectors))
	for name := range r.connectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
