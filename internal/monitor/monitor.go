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

// Package monitor defines the monitoring capability of the serving core as an
// interface with swappable strategy implementations rather than specialized
// monitor subtypes. The orchestrator reports lifecycle events through a
// single Monitor; which backends observe them is a construction-time choice.
package monitor

import (
	"fmt"
	"time"

	"github.com/go-logr/logr"

	"github.com/inference-serving/prediction-core/internal/logging"
	"github.com/inference-serving/prediction-core/internal/metrics"
	"github.com/inference-serving/prediction-core/pkg/core"
)

// Monitor observes serving lifecycle events.
type Monitor interface {
	// CacheLookup reports one prediction cache lookup outcome.
	CacheLookup(hit bool)

	// CacheSizeObserved reports the cache entry count after a lookup or
	// invalidation.
	CacheSizeObserved(entries int)

	// InferenceObserved reports the duration of one inference computation.
	InferenceObserved(d time.Duration)

	// VerdictObserved reports the outcome of one evaluation cycle.
	VerdictObserved(v core.Verdict)

	// OptimizationFinished reports an optimization run outcome
	// (promoted, exhausted, cancelled, coalesced, error).
	OptimizationFinished(outcome string)

	// ActiveVersionChanged reports a promotion or rollback.
	ActiveVersionChanged(id core.VersionID)

	// ServingError reports an absorbed operational error
	// (malformed_input, inference, timeout_fallback).
	ServingError(kind string)
}

// Strategy is an enumeration of the available monitoring strategies.
type Strategy int

// enumeration of Strategy
const (
	PrometheusStrategy Strategy = iota
	LogStrategy
	CompositeStrategy
	NopStrategy
)

// ParseStrategy maps a configuration string to a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "prometheus":
		return PrometheusStrategy, nil
	case "log":
		return LogStrategy, nil
	case "", "composite":
		return CompositeStrategy, nil
	case "nop":
		return NopStrategy, nil
	default:
		return 0, fmt.Errorf("unsupported monitoring strategy: %q", s)
	}
}

// NewMonitor is a factory that creates a Monitor based on the provided
// strategy.
func NewMonitor(strategy Strategy, emitter *metrics.Emitter, log logr.Logger) (Monitor, error) {
	switch strategy {
	case PrometheusStrategy:
		return &prometheusMonitor{emitter: emitter}, nil
	case LogStrategy:
		return &logMonitor{log: log}, nil
	case CompositeStrategy:
		return &compositeMonitor{
			monitors: []Monitor{
				&prometheusMonitor{emitter: emitter},
				&logMonitor{log: log},
			},
		}, nil
	case NopStrategy:
		return Nop{}, nil
	default:
		return nil, fmt.Errorf("unsupported monitoring strategy: %v", strategy)
	}
}

// prometheusMonitor forwards events to the Prometheus emitter.
type prometheusMonitor struct {
	emitter *metrics.Emitter
}

func (m *prometheusMonitor) CacheLookup(hit bool)              { m.emitter.ObserveCacheLookup(hit) }
func (m *prometheusMonitor) CacheSizeObserved(entries int)     { m.emitter.SetCacheEntries(entries) }
func (m *prometheusMonitor) InferenceObserved(d time.Duration) { m.emitter.ObserveInference(d) }
func (m *prometheusMonitor) VerdictObserved(v core.Verdict)    { m.emitter.ObserveVerdict(string(v)) }

func (m *prometheusMonitor) OptimizationFinished(outcome string) {
	m.emitter.ObserveOptimization(outcome)
}
func (m *prometheusMonitor) ActiveVersionChanged(id core.VersionID) {
	m.emitter.SetActiveVersion(uint64(id))
}
func (m *prometheusMonitor) ServingError(kind string) { m.emitter.ObserveServingError(kind) }

// logMonitor emits events as structured log lines at DEBUG verbosity.
type logMonitor struct {
	log logr.Logger
}

func (m *logMonitor) CacheLookup(hit bool) {
	m.log.V(logging.DEBUG).Info("cache lookup", "hit", hit)
}

func (m *logMonitor) CacheSizeObserved(entries int) {
	m.log.V(logging.TRACE).Info("cache size", "entries", entries)
}

func (m *logMonitor) InferenceObserved(d time.Duration) {
	m.log.V(logging.DEBUG).Info("inference computed", "duration", d)
}

func (m *logMonitor) VerdictObserved(v core.Verdict) {
	m.log.Info("evaluation verdict", "verdict", v)
}

func (m *logMonitor) OptimizationFinished(outcome string) {
	m.log.Info("optimization finished", "outcome", outcome)
}

func (m *logMonitor) ActiveVersionChanged(id core.VersionID) {
	m.log.Info("active model version changed", "version", id)
}

func (m *logMonitor) ServingError(kind string) {
	m.log.V(logging.DEBUG).Info("serving error absorbed", "kind", kind)
}

// compositeMonitor fans events out to multiple strategies.
type compositeMonitor struct {
	monitors []Monitor
}

func (m *compositeMonitor) CacheLookup(hit bool) {
	for _, mon := range m.monitors {
		mon.CacheLookup(hit)
	}
}

func (m *compositeMonitor) CacheSizeObserved(entries int) {
	for _, mon := range m.monitors {
		mon.CacheSizeObserved(entries)
	}
}

func (m *compositeMonitor) InferenceObserved(d time.Duration) {
	for _, mon := range m.monitors {
		mon.InferenceObserved(d)
	}
}

func (m *compositeMonitor) VerdictObserved(v core.Verdict) {
	for _, mon := range m.monitors {
		mon.VerdictObserved(v)
	}
}

func (m *compositeMonitor) OptimizationFinished(outcome string) {
	for _, mon := range m.monitors {
		mon.OptimizationFinished(outcome)
	}
}

func (m *compositeMonitor) ActiveVersionChanged(id core.VersionID) {
	for _, mon := range m.monitors {
		mon.ActiveVersionChanged(id)
	}
}

func (m *compositeMonitor) ServingError(kind string) {
	for _, mon := range m.monitors {
		mon.ServingError(kind)
	}
}

// Nop discards all events. Used in tests.
type Nop struct{}

func (Nop) CacheLookup(bool)                    {}
func (Nop) CacheSizeObserved(int)               {}
func (Nop) InferenceObserved(time.Duration)     {}
func (Nop) VerdictObserved(core.Verdict)        {}
func (Nop) OptimizationFinished(string)         {}
func (Nop) ActiveVersionChanged(core.VersionID) {}
func (Nop) ServingError(string)                 {}
