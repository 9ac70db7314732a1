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

// Package optimizer produces candidate model versions when serving quality
// degrades.
//
// The optimizer consumes a failing evaluation, searches a bounded
// hyperparameter space against held-out data, and proposes the best improving
// configuration to the registry as a CANDIDATE. It never promotes: the
// orchestrator promotes after confirming the baseline is unchanged.
//
// Only one optimization job runs at a time system-wide. A second trigger
// while one is in flight is coalesced rather than queued, a deliberate
// backpressure choice: optimization is expensive and its staleness tolerance
// is higher than serving latency. An in-flight job observes context
// cancellation between trials and discards its candidate, so a rollback
// mid-run never races a promotion against a stale baseline.
package optimizer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/inference-serving/prediction-core/internal/evaluator"
	"github.com/inference-serving/prediction-core/internal/features"
	"github.com/inference-serving/prediction-core/internal/inference"
	"github.com/inference-serving/prediction-core/pkg/core"
)

// ErrExhausted is returned when no improving candidate is found within the
// trial budget. It is non-fatal: the active model is retained unchanged and
// the failure is surfaced for operator review.
var ErrExhausted = errors.New("optimization exhausted: no improving candidate found")

// shadowVersion is the synthetic version id used to featurize and score trial
// configurations before a real id is assigned by the registry.
const shadowVersion core.VersionID = 0

// LabeledRecord is one held-out raw record with its known outcome.
type LabeledRecord struct {
	Raw     map[string]any
	Truth   bool
	Latency time.Duration
}

// HoldoutProvider supplies held-out data for shadow evaluation. The upstream
// data pipeline implements it.
type HoldoutProvider interface {
	Holdout(ctx context.Context) ([]LabeledRecord, error)
}

// StaticHoldout is a fixed in-memory HoldoutProvider.
type StaticHoldout []LabeledRecord

func (h StaticHoldout) Holdout(ctx context.Context) ([]LabeledRecord, error) {
	return h, nil
}

// Proposer is the registry surface the optimizer is allowed to touch: it
// proposes candidates and attaches their shadow evaluations, nothing more.
type Proposer interface {
	ProposeCandidate(ctx context.Context, cfg core.ModelConfig) (core.ModelVersion, error)
	AttachEvaluation(ctx context.Context, id core.VersionID, res core.EvaluationResult) error
}

// Config bounds an optimization run.
type Config struct {
	// MaxTrials is the hyperparameter search budget per run.
	MaxTrials int

	// MinImprovement is the shadow accuracy gain a candidate must show over
	// the base configuration to qualify.
	MinImprovement float64
}

// Result describes a completed optimization run.
type Result struct {
	// Job identifies the transient optimization job.
	Job uuid.UUID

	// Candidate is the proposed CANDIDATE version.
	Candidate core.ModelVersion

	// Shadow is the candidate's held-out evaluation.
	Shadow core.EvaluationResult

	// Trials is the number of trials examined.
	Trials int
}

// trial is one point in the bounded search space.
type trial struct {
	weightScale    float64
	biasShift      float64
	regularization float64
}

// Optimizer searches for improving model configurations.
type Optimizer struct {
	proc    *features.Processor
	engine  *inference.Engine
	eval    *evaluator.Evaluator
	reg     Proposer
	holdout HoldoutProvider
	cfg     Config
	log     logr.Logger

	// inflight is the single system-wide job slot.
	inflight atomic.Bool
}

// New creates an optimizer.
func New(proc *features.Processor, engine *inference.Engine, eval *evaluator.Evaluator,
	reg Proposer, holdout HoldoutProvider, cfg Config, log logr.Logger) (*Optimizer, error) {
	if cfg.MaxTrials <= 0 {
		return nil, fmt.Errorf("maxTrials must be > 0, got %d", cfg.MaxTrials)
	}
	return &Optimizer{
		proc:    proc,
		engine:  engine,
		eval:    eval,
		reg:     reg,
		holdout: holdout,
		cfg:     cfg,
		log:     log,
	}, nil
}

// Running reports whether a job is in flight.
func (o *Optimizer) Running() bool {
	return o.inflight.Load()
}

// TryOptimize runs one optimization job unless one is already in flight, in
// which case it returns started == false and does nothing (triggers are
// coalesced, not queued).
func (o *Optimizer) TryOptimize(ctx context.Context, trigger core.EvaluationResult, base core.ModelVersion) (*Result, bool, error) {
	if !o.inflight.CompareAndSwap(false, true) {
		return nil, false, nil
	}
	defer o.inflight.Store(false)

	res, err := o.optimize(ctx, trigger, base)
	return res, true, err
}

func (o *Optimizer) optimize(ctx context.Context, trigger core.EvaluationResult, base core.ModelVersion) (*Result, error) {
	job := uuid.New()
	log := o.log.WithValues("job", job, "baseVersion", base.ID, "triggerVerdict", trigger.Verdict)
	log.Info("optimization started")

	records, err := o.holdout.Holdout(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching holdout data: %w", err)
	}
	if len(records) == 0 {
		return nil, errors.New("holdout data is empty")
	}

	baseline, err := o.shadowEvaluate(ctx, base.Config, records)
	if err != nil {
		return nil, fmt.Errorf("evaluating base configuration: %w", err)
	}
	baseAccuracy := baseline.Metrics[evaluator.MetricAccuracy].Value

	var (
		bestCfg    core.ModelConfig
		bestResult core.EvaluationResult
		bestAcc    = baseAccuracy + o.cfg.MinImprovement
		found      bool
		trials     int
	)
	for _, tr := range searchSpace(o.cfg.MaxTrials) {
		// An in-flight job must observe cancellation (e.g. a rollback to a
		// different baseline) and discard its candidate.
		if err := ctx.Err(); err != nil {
			log.Info("optimization cancelled", "trials", trials)
			return nil, err
		}
		trials++

		candCfg := applyTrial(base.Config, tr)
		res, err := o.shadowEvaluate(ctx, candCfg, records)
		if err != nil {
			log.V(2).Info("trial failed", "trial", trials, "error", err)
			continue
		}
		acc := res.Metrics[evaluator.MetricAccuracy].Value
		log.V(2).Info("trial evaluated",
			"trial", trials,
			"accuracy", acc,
			"verdict", res.Verdict)
		if res.Verdict == core.VerdictPass && acc >= bestAcc {
			bestCfg = candCfg
			bestResult = res
			bestAcc = acc
			found = true
		}
	}

	if !found {
		log.Info("optimization exhausted", "trials", trials, "baseAccuracy", baseAccuracy)
		return nil, fmt.Errorf("after %d trials against base accuracy %.4f: %w",
			trials, baseAccuracy, ErrExhausted)
	}

	cand, err := o.reg.ProposeCandidate(ctx, bestCfg)
	if err != nil {
		return nil, fmt.Errorf("proposing candidate: %w", err)
	}
	bestResult.Version = cand.ID
	if err := o.reg.AttachEvaluation(ctx, cand.ID, bestResult); err != nil {
		return nil, fmt.Errorf("attaching shadow evaluation to candidate %d: %w", cand.ID, err)
	}

	log.Info("optimization proposed candidate",
		"candidate", cand.ID,
		"trials", trials,
		"accuracy", bestAcc,
		"baseAccuracy", baseAccuracy)
	return &Result{Job: job, Candidate: cand, Shadow: bestResult, Trials: trials}, nil
}

// shadowEvaluate scores a configuration against the holdout set without
// exposing its outputs to live traffic.
func (o *Optimizer) shadowEvaluate(ctx context.Context, cfg core.ModelConfig, records []LabeledRecord) (core.EvaluationResult, error) {
	mv := core.ModelVersion{ID: shadowVersion, Config: cfg}
	samples := make([]core.EvaluationSample, 0, len(records))
	for i, rec := range records {
		fv, err := o.proc.Process(rec.Raw, mv)
		if err != nil {
			return core.EvaluationResult{}, fmt.Errorf("featurizing holdout record %d: %w", i, err)
		}
		raw, err := o.engine.Infer(ctx, fv, mv)
		if err != nil {
			return core.EvaluationResult{}, fmt.Errorf("scoring holdout record %d: %w", i, err)
		}
		samples = append(samples, core.EvaluationSample{
			Vector: fv,
			Prediction: core.Prediction{
				Value:      raw.Value,
				Confidence: raw.Confidence,
				Version:    shadowVersion,
			},
			Truth:   rec.Truth,
			Latency: rec.Latency,
		})
	}
	return o.eval.Evaluate(samples)
}

// searchSpace enumerates the bounded trial grid in a fixed order, capped at
// the trial budget.
func searchSpace(maxTrials int) []trial {
	weightScales := []float64{1.0, 1.1, 0.9, 1.25, 0.8, 1.5}
	biasShifts := []float64{0, -0.25, 0.25}
	regs := []float64{0, 0.05, 0.1}

	out := make([]trial, 0, maxTrials)
	for _, reg := range regs {
		for _, bs := range biasShifts {
			for _, ws := range weightScales {
				if ws == 1.0 && bs == 0 && reg == 0 {
					// Identity trial would never improve on the base.
					continue
				}
				if len(out) == maxTrials {
					return out
				}
				out = append(out, trial{weightScale: ws, biasShift: bs, regularization: reg})
			}
		}
	}
	return out
}

// applyTrial derives a candidate configuration from the base. The schema and
// normalization parameters carry over unchanged; weights are scaled and
// shrunk, the bias shifted.
func applyTrial(base core.ModelConfig, tr trial) core.ModelConfig {
	cfg := base
	cfg.Weights = make(map[string]float64, len(base.Weights))
	for k, w := range base.Weights {
		cfg.Weights[k] = w * tr.weightScale / (1 + tr.regularization)
	}
	cfg.Bias = base.Bias + tr.biasShift
	cfg.Hyper = core.Hyperparameters{
		LearningRate:   base.Hyper.LearningRate,
		Regularization: tr.regularization,
		WeightScale:    tr.weightScale,
	}
	return cfg
}
