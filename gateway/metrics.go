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

import "github.com/prometheus/client_golang/prometheus"

// Prometheus metrics
var (
	promRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_gateway_requests_total",
			Help: "Total number of admission requests processed",
		},
		[]string{"portal", "outcome"},
	)
	promDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_gateway_denials_total",
			Help: "Total number of denied requests by pipeline stage",
		},
		[]string{"stage"},
	)
	promOutboundDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "meridian_gateway_outbound_duration_milliseconds",
			Help:    "Downstream call duration in milliseconds, retries included",
			Buckets: []float64{10, 50, 100, 200, 500, 1000, 2000, 5000, 10000, 30000},
		},
		[]string{"target"},
	)
	promBreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_gateway_breaker_rejections_total",
			Help: "Calls refused because a target's circuit was open",
		},
		[]string{"target"},
	)
	promBudgetDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "meridian_gateway_budget_denials_total",
			Help: "Requests denied by a budget cap",
		},
		[]string{"scope"},
	)
)

func init() {
	prometheus.MustRegister(promRequestsTotal)
	prometheus.MustRegister(promDenialsTotal)
	prometheus.MustRegister(promOutboundDuration)
	prometheus.MustRegister(promBreakerTransitions)
	prometheus.MustRegister(promBudgetDenials)
}
