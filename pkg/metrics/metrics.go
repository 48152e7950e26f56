// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics exposes KPATH's Prometheus instrumentation on a
// private registry, scraped at the configured exposition path.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Uncle-Enzo/kpath-enterprise-sub002/pkg/config"
)

// Metrics collects search and index instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	searches       *prometheus.CounterVec
	searchDuration *prometheus.HistogramVec
	searchResults  prometheus.Histogram
	searchScores   prometheus.Histogram

	indexSize  prometheus.Gauge
	queueDepth prometheus.Gauge
	generation prometheus.Gauge

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New builds the metrics set, or nil when disabled.
func New(cfg *config.MetricsConfig) *Metrics {
	if cfg == nil || !cfg.Enabled {
		return nil
	}
	cfg.SetDefaults()

	m := &Metrics{registry: prometheus.NewRegistry()}

	m.searches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "search",
			Name:      "requests_total",
			Help:      "Search requests by outcome",
		},
		[]string{"outcome"},
	)
	m.searchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: "search",
			Name:      "duration_seconds",
			Help:      "End-to-end search latency in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14), // 1ms to ~8s
		},
		[]string{"outcome"},
	)
	m.searchResults = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: "search",
			Name:      "results",
			Help:      "Result count per successful search",
			Buckets:   prometheus.LinearBuckets(0, 5, 21),
		},
	)
	m.searchScores = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: "search",
			Name:      "top_score",
			Help:      "Final score of the top result per successful search",
			Buckets:   prometheus.LinearBuckets(0, 0.05, 21),
		},
	)
	m.indexSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: "index",
			Name:      "vectors",
			Help:      "Vectors currently held in the index",
		},
	)
	m.queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: "index",
			Name:      "change_queue_depth",
			Help:      "Changes waiting for the indexing worker",
		},
	)
	m.generation = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Subsystem: "index",
			Name:      "snapshot_generation",
			Help:      "Latest persisted snapshot generation",
		},
	)
	m.httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status",
		},
		[]string{"route", "status"},
	)
	m.httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: "http",
			Name:      "duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"route"},
	)

	m.registry.MustRegister(
		m.searches, m.searchDuration, m.searchResults, m.searchScores,
		m.indexSize, m.queueDepth, m.generation,
		m.httpRequests, m.httpDuration,
	)
	return m
}

// Handler serves the exposition endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveSearch records one search's outcome, latency, and result
// shape. Nil-safe.
func (m *Metrics) ObserveSearch(outcome string, elapsed time.Duration, results int, topScore float64) {
	if m == nil {
		return
	}
	m.searches.WithLabelValues(outcome).Inc()
	m.searchDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
	if outcome == "ok" {
		m.searchResults.Observe(float64(results))
		if results > 0 {
			m.searchScores.Observe(topScore)
		}
	}
}

// SetIndexStats updates the index gauges. Nil-safe.
func (m *Metrics) SetIndexStats(vectors, queueDepth int, generation int64) {
	if m == nil {
		return
	}
	m.indexSize.Set(float64(vectors))
	m.queueDepth.Set(float64(queueDepth))
	m.generation.Set(float64(generation))
}

// ObserveHTTP records one HTTP request. Nil-safe.
func (m *Metrics) ObserveHTTP(route, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, status).Inc()
	m.httpDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}
