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

// Package serving implements the orchestrator driving the prediction request
// lifecycle.
//
// The orchestrator follows a pipeline pattern:
//
//	Featurize → Cache Lookup → [miss] Infer → Cache Store → Evaluate → [fail] Optimize
//	(features)    (cache)         (inference)                (evaluator)   (optimizer)
//
// Optimization never blocks the response path: evaluation-triggered
// re-optimization runs out-of-band and, on success, promotes through the
// registry asynchronously. The request that triggered it still returns the
// prediction computed against the version that was active when it arrived.
//
// Error propagation policy: malformed-input and inference errors are returned
// to the immediate caller; registry and optimizer errors are absorbed and
// surfaced only as operational signals through the monitor, never as a
// failure of an in-flight prediction request.
package serving

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/inference-serving/prediction-core/internal/cache"
	"github.com/inference-serving/prediction-core/internal/evaluator"
	"github.com/inference-serving/prediction-core/internal/features"
	"github.com/inference-serving/prediction-core/internal/inference"
	"github.com/inference-serving/prediction-core/internal/logging"
	"github.com/inference-serving/prediction-core/internal/monitor"
	"github.com/inference-serving/prediction-core/internal/optimizer"
	"github.com/inference-serving/prediction-core/internal/registry"
	"github.com/inference-serving/prediction-core/pkg/core"
)

// ErrNoActiveModel is returned when the registry has no active version to
// serve with.
var ErrNoActiveModel = errors.New("no active model version")

// Inferencer executes a model against a feature vector. *inference.Engine is
// the production implementation.
type Inferencer interface {
	Infer(ctx context.Context, fv core.FeatureVector, mv core.ModelVersion) (core.RawPrediction, error)
}

// OptimizeRunner produces candidate versions from failing evaluations.
// *optimizer.Optimizer is the production implementation.
type OptimizeRunner interface {
	TryOptimize(ctx context.Context, trigger core.EvaluationResult, base core.ModelVersion) (*optimizer.Result, bool, error)
	Running() bool
}

// State identifies a step of the request lifecycle state machine.
type State string

const (
	StateIdle          State = "IDLE"
	StateFeaturize     State = "FEATURIZE"
	StateCacheLookup   State = "CACHE_LOOKUP"
	StateInfer         State = "INFER"
	StateCacheStore    State = "CACHE_STORE"
	StateEvaluateBatch State = "EVALUATE_BATCH"
	StateOptimizeAsync State = "OPTIMIZE_ASYNC"
	StateRespond       State = "RESPOND"
)

// Optimization outcome labels reported through the monitor.
const (
	OutcomePromoted  = "promoted"
	OutcomeExhausted = "exhausted"
	OutcomeCancelled = "cancelled"
	OutcomeCoalesced = "coalesced"
	OutcomeError     = "error"
)

// Config holds the orchestrator settings.
type Config struct {
	// InferenceTimeout is the per-request inference deadline. On timeout
	// the last known-good cached prediction is served instead of failing.
	InferenceTimeout time.Duration

	// EvalBatchSize is the number of outcome samples accumulated before an
	// evaluation cycle runs.
	EvalBatchSize int

	// DegradedCyclesBeforeTrigger is the number of consecutive DEGRADED
	// verdicts escalating to a FAIL-equivalent optimization trigger.
	DegradedCyclesBeforeTrigger int

	// BatchConcurrency bounds parallel featurize/lookup work in
	// PredictBatch. Zero means 8.
	BatchConcurrency int
}

// Core drives the request lifecycle and owns the serving-side mutable state:
// the evaluation batch buffer, the DEGRADED streak counter, and the cancel
// handle of the in-flight optimization job.
type Core struct {
	proc   *features.Processor
	reg    *registry.Registry
	cache  cache.ReadWriter
	engine Inferencer
	eval   *evaluator.Evaluator
	opt    OptimizeRunner
	mon    monitor.Monitor
	cfg    Config
	log    logr.Logger
	clock  func() time.Time

	mu             sync.Mutex
	batch          []core.EvaluationSample
	degradedStreak int
	lastVerdict    core.Verdict
	optCancel      context.CancelFunc
	optGen         uint64

	wg sync.WaitGroup
}

// Option configures a Core.
type Option func(*Core)

// WithClock overrides the time source. Used in tests.
func WithClock(clock func() time.Time) Option {
	return func(c *Core) { c.clock = clock }
}

// NewCore wires the orchestrator.
func NewCore(
	proc *features.Processor,
	reg *registry.Registry,
	predCache cache.ReadWriter,
	engine Inferencer,
	eval *evaluator.Evaluator,
	opt OptimizeRunner,
	mon monitor.Monitor,
	cfg Config,
	log logr.Logger,
	opts ...Option,
) (*Core, error) {
	if cfg.InferenceTimeout <= 0 {
		return nil, fmt.Errorf("inference timeout must be > 0, got %s", cfg.InferenceTimeout)
	}
	if cfg.EvalBatchSize <= 0 {
		return nil, fmt.Errorf("evaluation batch size must be > 0, got %d", cfg.EvalBatchSize)
	}
	if cfg.DegradedCyclesBeforeTrigger < 1 {
		return nil, fmt.Errorf("degraded cycles before trigger must be >= 1, got %d", cfg.DegradedCyclesBeforeTrigger)
	}
	if cfg.BatchConcurrency == 0 {
		cfg.BatchConcurrency = 8
	}
	c := &Core{
		proc:   proc,
		reg:    reg,
		cache:  predCache,
		engine: engine,
		eval:   eval,
		opt:    opt,
		mon:    mon,
		cfg:    cfg,
		log:    log,
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Predict runs one request through the lifecycle and returns the prediction
// computed against the currently active model version.
func (c *Core) Predict(ctx context.Context, raw map[string]any) (core.Prediction, error) {
	log := logging.FromContext(ctx, c.log)
	c.transition(log, StateIdle, StateFeaturize)

	mv, ok := c.reg.GetActive()
	if !ok {
		return core.Prediction{}, ErrNoActiveModel
	}

	fv, err := c.proc.Process(raw, mv)
	if err != nil {
		c.mon.ServingError("malformed_input")
		return core.Prediction{}, err
	}

	c.transition(log, StateFeaturize, StateCacheLookup)
	key := cache.Key{Fingerprint: fv.Fingerprint, Version: mv.ID}

	ictx, cancel := context.WithTimeout(ctx, c.cfg.InferenceTimeout)
	defer cancel()

	pred, hit, err := c.cache.GetOrCompute(ictx, key, func(cctx context.Context) (core.Prediction, error) {
		c.transition(log, StateCacheLookup, StateInfer)
		start := c.clock()
		rawPred, inferErr := c.engine.Infer(cctx, fv, mv)
		if inferErr != nil {
			return core.Prediction{}, inferErr
		}
		c.mon.InferenceObserved(c.clock().Sub(start))
		c.transition(log, StateInfer, StateCacheStore)
		return core.Prediction{
			Value:       rawPred.Value,
			Confidence:  rawPred.Confidence,
			Version:     mv.ID,
			GeneratedAt: c.clock(),
		}, nil
	})
	c.mon.CacheLookup(hit)
	c.mon.CacheSizeObserved(c.cache.Len())
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			// Trade a little staleness for availability: serve the last
			// known-good prediction for this key if one exists.
			if stale, found := c.cache.Stale(key); found {
				c.mon.ServingError("timeout_fallback")
				log.V(logging.DEBUG).Info("inference deadline exceeded, serving stale prediction",
					"key", key.String())
				return stale, nil
			}
			return core.Prediction{}, fmt.Errorf("inference deadline exceeded with no fallback for key %s: %w",
				key.String(), err)
		}
		if inference.IsInferenceError(err) {
			c.mon.ServingError("inference")
		}
		return core.Prediction{}, err
	}

	c.transition(log, StateCacheLookup, StateEvaluateBatch)
	c.flushIfDue(ctx)

	c.transition(log, StateEvaluateBatch, StateRespond)
	return pred, nil
}

// PredictBatch runs independent requests concurrently. Featurization and
// cache lookup carry no ordering dependency across requests; evaluation and
// optimization keep their sequential place inside each request's lifecycle.
func (c *Core) PredictBatch(ctx context.Context, raws []map[string]any) ([]core.Prediction, error) {
	out := make([]core.Prediction, len(raws))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.BatchConcurrency)
	for i, raw := range raws {
		g.Go(func() error {
			pred, err := c.Predict(gctx, raw)
			if err != nil {
				return fmt.Errorf("record %d: %w", i, err)
			}
			out[i] = pred
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// RecordOutcome feeds an observed (or pipeline-proxied) outcome into the
// evaluation batch. The upstream pipeline is trusted to have quality-checked
// the outcome; only the shape contract is enforced here.
func (c *Core) RecordOutcome(ctx context.Context, sample core.EvaluationSample) {
	c.mu.Lock()
	c.batch = append(c.batch, sample)
	c.mu.Unlock()
	c.flushIfDue(ctx)
}

// flushIfDue runs an evaluation cycle when the batch buffer is full, then
// applies the optimization gating policy to its verdict.
func (c *Core) flushIfDue(ctx context.Context) {
	c.mu.Lock()
	if len(c.batch) < c.cfg.EvalBatchSize {
		c.mu.Unlock()
		return
	}
	batch := c.batch
	c.batch = nil
	c.mu.Unlock()

	mv, ok := c.reg.GetActive()
	if !ok {
		return
	}
	// A promotion or rollback mid-batch leaves samples predicted by the
	// demoted version. Those are dropped rather than failing the cycle: the
	// verdict gates optimization of the active version only.
	kept := batch[:0]
	for _, s := range batch {
		if s.Prediction.Version == mv.ID {
			kept = append(kept, s)
		}
	}
	if dropped := len(batch) - len(kept); dropped > 0 {
		c.log.V(logging.DEBUG).Info("dropped evaluation samples from demoted versions",
			"dropped", dropped, "activeVersion", mv.ID)
	}
	if len(kept) == 0 {
		return
	}

	res, err := c.eval.Evaluate(kept)
	if err != nil {
		// Evaluation failure is operational, not a request failure.
		c.log.Error(err, "evaluation cycle failed", "samples", len(kept))
		return
	}
	c.mon.VerdictObserved(res.Verdict)
	c.log.V(logging.DEBUG).Info("evaluation cycle complete",
		"verdict", res.Verdict,
		"samples", res.SampleCount,
		"version", res.Version)

	trigger := false
	c.mu.Lock()
	c.lastVerdict = res.Verdict
	switch res.Verdict {
	case core.VerdictFail:
		trigger = true
		c.degradedStreak = 0
	case core.VerdictDegraded:
		// N consecutive DEGRADED cycles escalate to a FAIL-equivalent
		// trigger; a single one never does.
		c.degradedStreak++
		if c.degradedStreak >= c.cfg.DegradedCyclesBeforeTrigger {
			trigger = true
			c.degradedStreak = 0
		}
	case core.VerdictPass:
		c.degradedStreak = 0
	}
	c.mu.Unlock()

	if trigger {
		c.startOptimization(res)
	}
}

// startOptimization launches the out-of-band optimization job. The serving
// path returns immediately; a trigger racing an in-flight job is coalesced
// here, before a context for it is ever created.
func (c *Core) startOptimization(trigger core.EvaluationResult) {
	base, ok := c.reg.GetActive()
	if !ok {
		return
	}

	c.mu.Lock()
	if c.optCancel != nil {
		// A job already holds the single optimization slot; the trigger is
		// dropped so a later rollback still cancels the in-flight run.
		c.mu.Unlock()
		c.mon.OptimizationFinished(OutcomeCoalesced)
		return
	}
	octx, cancel := context.WithCancel(context.Background())
	c.optCancel = cancel
	c.optGen++
	gen := c.optGen
	c.mu.Unlock()

	c.transition(c.log, StateEvaluateBatch, StateOptimizeAsync)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.releaseOptSlot(gen, cancel)
		c.runOptimization(octx, trigger, base)
	}()
}

// releaseOptSlot frees the optimization slot unless Rollback or Close has
// already taken the cancel handle.
func (c *Core) releaseOptSlot(gen uint64, cancel context.CancelFunc) {
	c.mu.Lock()
	if c.optGen == gen {
		c.optCancel = nil
	}
	c.mu.Unlock()
	cancel()
}

func (c *Core) runOptimization(ctx context.Context, trigger core.EvaluationResult, base core.ModelVersion) {
	res, started, err := c.opt.TryOptimize(ctx, trigger, base)
	if !started {
		c.mon.OptimizationFinished(OutcomeCoalesced)
		return
	}
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			c.mon.OptimizationFinished(OutcomeCancelled)
		case errors.Is(err, optimizer.ErrExhausted):
			// Non-fatal: active model retained, surfaced for review.
			c.mon.OptimizationFinished(OutcomeExhausted)
			c.log.Info("optimization found no improving candidate", "baseVersion", base.ID)
		default:
			c.mon.OptimizationFinished(OutcomeError)
			c.log.Error(err, "optimization run failed", "baseVersion", base.ID)
		}
		return
	}

	// The baseline may have moved (rollback, operator promotion) while the
	// job ran; promoting the candidate would then race a stale baseline.
	if cur, ok := c.reg.GetActive(); !ok || cur.ID != base.ID {
		c.mon.OptimizationFinished(OutcomeCancelled)
		c.log.Info("discarding candidate: baseline changed during optimization",
			"candidate", res.Candidate.ID, "baseVersion", base.ID)
		return
	}

	demoted, err := c.reg.Promote(ctx, res.Candidate.ID)
	if err != nil {
		// Registry misuse is rejected and logged, never failed upward.
		c.mon.OptimizationFinished(OutcomeError)
		c.log.Error(err, "promoting optimized candidate failed", "candidate", res.Candidate.ID)
		return
	}
	if demoted != 0 {
		c.cache.Invalidate(demoted)
		c.mon.CacheSizeObserved(c.cache.Len())
	}
	c.mon.ActiveVersionChanged(res.Candidate.ID)
	c.mon.OptimizationFinished(OutcomePromoted)
	c.log.Info("promoted optimized candidate",
		"candidate", res.Candidate.ID,
		"demoted", demoted,
		"trials", res.Trials)
}

// Rollback re-activates a retired version and cancels any in-flight
// optimization so it cannot promote against the old baseline.
func (c *Core) Rollback(ctx context.Context, id core.VersionID) error {
	c.mu.Lock()
	if c.optCancel != nil {
		c.optCancel()
		c.optCancel = nil
	}
	c.mu.Unlock()

	demoted, err := c.reg.Rollback(ctx, id)
	if err != nil {
		return err
	}
	if demoted != 0 {
		c.cache.Invalidate(demoted)
		c.mon.CacheSizeObserved(c.cache.Len())
	}
	c.mon.ActiveVersionChanged(id)
	return nil
}

// statusHistoryLimit bounds the audit-trail tail included in Status.
const statusHistoryLimit = 10

// Status is a point-in-time operational snapshot for the status endpoint.
type Status struct {
	ActiveVersion     core.VersionID        `json:"active_version"`
	LastVerdict       core.Verdict          `json:"last_verdict,omitempty"`
	DegradedStreak    int                   `json:"degraded_streak"`
	PendingSamples    int                   `json:"pending_samples"`
	OptimizerRunning  bool                  `json:"optimizer_running"`
	Cache             cache.Stats           `json:"cache"`
	RecentTransitions []registry.Transition `json:"recent_transitions,omitempty"`
}

// Status reports the orchestrator's operational state, including the tail of
// the registry's transition audit trail for operator review.
func (c *Core) Status() Status {
	var active core.VersionID
	if mv, ok := c.reg.GetActive(); ok {
		active = mv.ID
	}
	history := c.reg.History()
	if len(history) > statusHistoryLimit {
		history = history[len(history)-statusHistoryLimit:]
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		ActiveVersion:     active,
		LastVerdict:       c.lastVerdict,
		DegradedStreak:    c.degradedStreak,
		PendingSamples:    len(c.batch),
		OptimizerRunning:  c.opt.Running(),
		Cache:             c.cache.Stats(),
		RecentTransitions: history,
	}
}

// Close waits for any in-flight optimization to finish.
func (c *Core) Close() {
	c.mu.Lock()
	if c.optCancel != nil {
		c.optCancel()
		c.optCancel = nil
	}
	c.mu.Unlock()
	c.wg.Wait()
}

func (c *Core) transition(log logr.Logger, from, to State) {
	log.V(logging.TRACE).Info("state transition", "from", from, "to", to)
}
