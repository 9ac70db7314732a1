/*
Copyright 2025 The prediction-core Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics defines the Prometheus collectors exposed by the serving
// core. Registry and optimizer errors are absorbed by the orchestrator and
// surfaced here as operational signals rather than request failures.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Emitter owns the serving core's Prometheus collectors.
type Emitter struct {
	cacheRequests    *prometheus.CounterVec
	inferenceSeconds prometheus.Histogram
	verdicts         *prometheus.CounterVec
	optimizations    *prometheus.CounterVec
	activeVersion    prometheus.Gauge
	cacheEntries     prometheus.Gauge
	servingErrors    *prometheus.CounterVec
}

// NewEmitter creates the collectors and registers them with reg.
func NewEmitter(reg prometheus.Registerer) *Emitter {
	e := &Emitter{
		cacheRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "predcore_cache_requests_total",
			Help: "Prediction cache lookups by result (hit, miss).",
		}, []string{"result"}),
		inferenceSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "predcore_inference_duration_seconds",
			Help:    "Latency of inference computations on cache miss.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "predcore_evaluation_verdicts_total",
			Help: "Evaluation cycles by overall verdict (PASS, DEGRADED, FAIL).",
		}, []string{"verdict"}),
		optimizations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "predcore_optimization_runs_total",
			Help: "Optimization runs by outcome (promoted, exhausted, cancelled, coalesced, error).",
		}, []string{"outcome"}),
		activeVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "predcore_active_model_version",
			Help: "Id of the currently active model version.",
		}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "predcore_cache_entries",
			Help: "Current number of prediction cache entries.",
		}),
		servingErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "predcore_serving_errors_total",
			Help: "Serving-path errors by kind (malformed_input, inference, timeout_fallback).",
		}, []string{"kind"}),
	}
	reg.MustRegister(
		e.cacheRequests,
		e.inferenceSeconds,
		e.verdicts,
		e.optimizations,
		e.activeVersion,
		e.cacheEntries,
		e.servingErrors,
	)
	return e
}

// ObserveCacheLookup records one cache lookup outcome.
func (e *Emitter) ObserveCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	e.cacheRequests.WithLabelValues(result).Inc()
}

// ObserveInference records the duration of one inference computation.
func (e *Emitter) ObserveInference(d time.Duration) {
	e.inferenceSeconds.Observe(d.Seconds())
}

// ObserveVerdict records one evaluation cycle outcome.
func (e *Emitter) ObserveVerdict(verdict string) {
	e.verdicts.WithLabelValues(verdict).Inc()
}

// ObserveOptimization records one optimization run outcome.
func (e *Emitter) ObserveOptimization(outcome string) {
	e.optimizations.WithLabelValues(outcome).Inc()
}

// SetActiveVersion records the currently active model version id.
func (e *Emitter) SetActiveVersion(id uint64) {
	e.activeVersion.Set(float64(id))
}

// SetCacheEntries records the current cache size.
func (e *Emitter) SetCacheEntries(n int) {
	e.cacheEntries.Set(float64(n))
}

// ObserveServingError records one serving-path error signal.
func (e *Emitter) ObserveServingError(kind string) {
	e.servingErrors.WithLabelValues(kind).Inc()
}
