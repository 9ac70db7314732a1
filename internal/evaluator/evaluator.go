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

// Package evaluator scores batches of predictions against quality thresholds.
//
// Each metric carries a warning and a critical threshold. The overall verdict
// is FAIL if any metric breaches its critical threshold, DEGRADED if any
// breaches warning only, PASS otherwise. Evaluation is stateless and
// deterministic given its inputs; it never reads global state.
package evaluator

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/inference-serving/prediction-core/internal/config"
	"github.com/inference-serving/prediction-core/pkg/core"
)

// Metric names produced by the evaluator.
const (
	MetricAccuracy    = "accuracy"
	MetricPrecision   = "precision"
	MetricRecall      = "recall"
	MetricFairnessGap = "fairness_gap"
	MetricLatencyP95  = "latency_p95_ms"
)

// ErrEmptyBatch is returned when Evaluate is given no samples.
var ErrEmptyBatch = errors.New("evaluation batch is empty")

// orientation states whether larger metric values are better. It determines
// the direction of a threshold breach.
type orientation int

const (
	higherBetter orientation = iota
	lowerBetter
)

var metricOrientation = map[string]orientation{
	MetricAccuracy:    higherBetter,
	MetricPrecision:   higherBetter,
	MetricRecall:      higherBetter,
	MetricFairnessGap: lowerBetter,
	MetricLatencyP95:  lowerBetter,
}

// Evaluator computes quality metrics for prediction batches. Thresholds and
// the sensitive feature list are fixed at construction; the evaluator itself
// carries no per-batch state.
type Evaluator struct {
	thresholds map[string]config.Threshold

	// sensitive lists the categorical fields whose value slices the fairness
	// check compares.
	sensitive []string

	clock func() time.Time
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithClock overrides the time source. Used in tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Evaluator) { e.clock = clock }
}

// New creates an evaluator with the given thresholds and sensitive feature
// slices. Metrics without a threshold entry are reported but never breach.
func New(thresholds map[string]config.Threshold, sensitive []string, opts ...Option) *Evaluator {
	e := &Evaluator{
		thresholds: thresholds,
		sensitive:  sensitive,
		clock:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate scores the batch and returns the per-metric results and overall
// verdict. All samples must carry predictions from the same model version.
func (e *Evaluator) Evaluate(samples []core.EvaluationSample) (core.EvaluationResult, error) {
	if len(samples) == 0 {
		return core.EvaluationResult{}, ErrEmptyBatch
	}
	version := samples[0].Prediction.Version
	for i, s := range samples {
		if s.Prediction.Version != version {
			return core.EvaluationResult{}, fmt.Errorf(
				"sample %d predicted by version %d, batch belongs to version %d",
				i, s.Prediction.Version, version)
		}
	}

	metrics := map[string]core.MetricScore{
		MetricAccuracy:    e.score(MetricAccuracy, accuracy(samples)),
		MetricPrecision:   e.score(MetricPrecision, precision(samples)),
		MetricRecall:      e.score(MetricRecall, recall(samples)),
		MetricFairnessGap: e.score(MetricFairnessGap, e.fairnessGap(samples)),
		MetricLatencyP95:  e.score(MetricLatencyP95, latencyP95Millis(samples)),
	}

	verdict := core.VerdictPass
	for _, m := range metrics {
		switch m.Severity {
		case core.SeverityCritical:
			verdict = core.VerdictFail
		case core.SeverityWarning:
			if verdict == core.VerdictPass {
				verdict = core.VerdictDegraded
			}
		}
	}

	return core.EvaluationResult{
		Metrics:     metrics,
		Verdict:     verdict,
		SampleCount: len(samples),
		Version:     version,
		EvaluatedAt: e.clock(),
	}, nil
}

// score attaches the configured thresholds and classifies the breach.
func (e *Evaluator) score(name string, value float64) core.MetricScore {
	th, configured := e.thresholds[name]
	m := core.MetricScore{
		Value:    value,
		Warning:  th.Warning,
		Critical: th.Critical,
		Severity: core.SeverityNone,
	}
	if !configured {
		return m
	}
	switch metricOrientation[name] {
	case higherBetter:
		if value < th.Critical {
			m.Severity = core.SeverityCritical
		} else if value < th.Warning {
			m.Severity = core.SeverityWarning
		}
	case lowerBetter:
		if th.Critical > 0 && value > th.Critical {
			m.Severity = core.SeverityCritical
		} else if th.Warning > 0 && value > th.Warning {
			m.Severity = core.SeverityWarning
		}
	}
	return m
}

func accuracy(samples []core.EvaluationSample) float64 {
	correct := 0
	for _, s := range samples {
		if s.Prediction.Positive() == s.Truth {
			correct++
		}
	}
	return float64(correct) / float64(len(samples))
}

// precision is taken as 1 when no positive predictions exist: an empty
// positive set cannot contain false positives.
func precision(samples []core.EvaluationSample) float64 {
	tp, fp := 0, 0
	for _, s := range samples {
		if !s.Prediction.Positive() {
			continue
		}
		if s.Truth {
			tp++
		} else {
			fp++
		}
	}
	if tp+fp == 0 {
		return 1
	}
	return float64(tp) / float64(tp+fp)
}

// recall is taken as 1 when the batch contains no positive truths.
func recall(samples []core.EvaluationSample) float64 {
	tp, fn := 0, 0
	for _, s := range samples {
		if !s.Truth {
			continue
		}
		if s.Prediction.Positive() {
			tp++
		} else {
			fn++
		}
	}
	if tp+fn == 0 {
		return 1
	}
	return float64(tp) / float64(tp+fn)
}

// fairnessGap is the widest accuracy spread between value slices of any
// declared sensitive feature. 0 when no sensitive features are declared or
// no slice has samples.
func (e *Evaluator) fairnessGap(samples []core.EvaluationSample) float64 {
	gap := 0.0
	for _, field := range e.sensitive {
		slices := make(map[string][]core.EvaluationSample)
		for _, s := range samples {
			if v, ok := s.Vector.Categorical(field); ok {
				slices[v] = append(slices[v], s)
			}
		}
		if len(slices) < 2 {
			continue
		}
		lo, hi := 1.0, 0.0
		for _, slice := range slices {
			a := accuracy(slice)
			if a < lo {
				lo = a
			}
			if a > hi {
				hi = a
			}
		}
		if d := hi - lo; d > gap {
			gap = d
		}
	}
	return gap
}

func latencyP95Millis(samples []core.EvaluationSample) float64 {
	latencies := make([]float64, 0, len(samples))
	for _, s := range samples {
		latencies = append(latencies, float64(s.Latency.Microseconds())/1000.0)
	}
	sort.Float64s(latencies)
	return stat.Quantile(0.95, stat.Empirical, latencies, nil)
}
