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

package integration

import (
	"context"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/go-logr/logr"

	"github.com/inference-serving/prediction-core/internal/cache"
	"github.com/inference-serving/prediction-core/internal/config"
	"github.com/inference-serving/prediction-core/internal/evaluator"
	"github.com/inference-serving/prediction-core/internal/features"
	"github.com/inference-serving/prediction-core/internal/inference"
	"github.com/inference-serving/prediction-core/internal/monitor"
	"github.com/inference-serving/prediction-core/internal/optimizer"
	"github.com/inference-serving/prediction-core/internal/registry"
	"github.com/inference-serving/prediction-core/internal/serving"
	"github.com/inference-serving/prediction-core/internal/store"
	"github.com/inference-serving/prediction-core/pkg/core"
)

// stack is the full component assembly under test, wired the way the serving
// binary wires it.
type stack struct {
	store store.Interface
	reg   *registry.Registry
	cache *cache.PredictionCache
	core  *serving.Core
}

func baseModelConfig() core.ModelConfig {
	return core.ModelConfig{
		Schema:  core.Schema{{Name: "x", Kind: core.FieldNumeric, Required: true}},
		Weights: map[string]float64{"x": 1},
		Bias:    0,
	}
}

// improvableHoldout is misclassified by the base configuration on its
// borderline records; a bias shift in the optimizer's search space fixes them.
func improvableHoldout() optimizer.StaticHoldout {
	var h optimizer.StaticHoldout
	for i := 0; i < 4; i++ {
		h = append(h, optimizer.LabeledRecord{Raw: map[string]any{"x": -0.1}, Truth: true, Latency: time.Millisecond})
	}
	for i := 0; i < 3; i++ {
		h = append(h, optimizer.LabeledRecord{Raw: map[string]any{"x": 2.0}, Truth: true, Latency: time.Millisecond})
	}
	for i := 0; i < 3; i++ {
		h = append(h, optimizer.LabeledRecord{Raw: map[string]any{"x": -2.0}, Truth: false, Latency: time.Millisecond})
	}
	return h
}

func buildStack(dir string, batchSize int) *stack {
	s := &stack{}
	var err error

	s.store, err = store.NewBadgerStore(dir)
	Expect(err).NotTo(HaveOccurred())

	s.reg = registry.New(registry.WithStore(s.store))
	restored, err := s.reg.Restore(context.Background())
	Expect(err).NotTo(HaveOccurred())
	if restored == 0 {
		_, err = s.reg.Bootstrap(context.Background(), baseModelConfig())
		Expect(err).NotTo(HaveOccurred())
	}

	s.cache, err = cache.New(64, time.Minute, cache.WithVersionPinner(s.reg))
	Expect(err).NotTo(HaveOccurred())

	proc := features.NewProcessor()
	engine := inference.NewEngine()
	eval := evaluator.New(map[string]config.Threshold{
		evaluator.MetricAccuracy: {Warning: 0.7, Critical: 0.5},
	}, nil)

	opt, err := optimizer.New(proc, engine, eval, s.reg, improvableHoldout(),
		optimizer.Config{MaxTrials: 24, MinImprovement: 0.01}, logr.Discard())
	Expect(err).NotTo(HaveOccurred())

	s.core, err = serving.NewCore(proc, s.reg, s.cache, engine, eval, opt,
		monitor.Nop{}, serving.Config{
			InferenceTimeout:            time.Second,
			EvalBatchSize:               batchSize,
			DegradedCyclesBeforeTrigger: 2,
		}, logr.Discard())
	Expect(err).NotTo(HaveOccurred())
	return s
}

func (s *stack) close() {
	s.core.Close()
	Expect(s.store.Close()).To(Succeed())
}

// outcomeFor builds a labeled outcome sample against the current active
// version. correct controls whether the recorded truth matches the decision.
func (s *stack) outcomeFor(raw map[string]any, correct bool) core.EvaluationSample {
	pred, err := s.core.Predict(context.Background(), raw)
	Expect(err).NotTo(HaveOccurred())
	truth := pred.Positive()
	if !correct {
		truth = !truth
	}
	return core.EvaluationSample{
		Prediction: pred,
		Truth:      truth,
		Latency:    5 * time.Millisecond,
	}
}

var _ = Describe("Serving lifecycle", func() {
	var s *stack

	AfterEach(func() {
		if s != nil {
			s.close()
			s = nil
		}
	})

	It("serves repeated records from the cache against the bootstrapped version", func() {
		s = buildStack(GinkgoT().TempDir(), 1000)
		raw := map[string]any{"x": 1.5}

		first, err := s.core.Predict(context.Background(), raw)
		Expect(err).NotTo(HaveOccurred())
		Expect(first.Version).To(Equal(core.VersionID(1)))

		second, err := s.core.Predict(context.Background(), raw)
		Expect(err).NotTo(HaveOccurred())
		Expect(second.Value).To(Equal(first.Value))

		stats := s.cache.Stats()
		Expect(stats.Hits).To(BeNumerically(">=", 1))
		Expect(stats.Entries).To(Equal(1))
	})

	It("keeps serving when recorded outcomes pass evaluation", func() {
		s = buildStack(GinkgoT().TempDir(), 4)
		for i := 0; i < 4; i++ {
			s.core.RecordOutcome(context.Background(), s.outcomeFor(map[string]any{"x": float64(i) + 1}, true))
		}
		Consistently(func() core.VersionID {
			active, _ := s.reg.GetActive()
			return active.ID
		}, 300*time.Millisecond, 50*time.Millisecond).Should(Equal(core.VersionID(1)))
	})

	It("optimizes and promotes a better version after a failing evaluation cycle", func() {
		s = buildStack(GinkgoT().TempDir(), 4)
		raw := map[string]any{"x": 1.5}

		_, err := s.core.Predict(context.Background(), raw)
		Expect(err).NotTo(HaveOccurred())

		// Four wrong outcomes: accuracy 0 breaches the critical threshold.
		for i := 0; i < 4; i++ {
			s.core.RecordOutcome(context.Background(), s.outcomeFor(raw, false))
		}

		Eventually(func() core.VersionID {
			active, _ := s.reg.GetActive()
			return active.ID
		}, 5*time.Second, 20*time.Millisecond).Should(BeNumerically(">", 1))

		active, _ := s.reg.GetActive()
		Expect(active.Status).To(Equal(core.StatusActive))
		Expect(active.LastEvaluation).NotTo(BeNil())
		Expect(active.LastEvaluation.Passing()).To(BeTrue())

		// The demoted version's entries were invalidated: the next request
		// recomputes under the new version.
		pred, err := s.core.Predict(context.Background(), raw)
		Expect(err).NotTo(HaveOccurred())
		Expect(pred.Version).To(Equal(active.ID))

		// The old version is retained for rollback.
		old, err := s.reg.Version(1)
		Expect(err).NotTo(HaveOccurred())
		Expect(old.Status).To(Equal(core.StatusRetired))
	})

	It("rolls back to a retired version and serves it again", func() {
		s = buildStack(GinkgoT().TempDir(), 4)
		raw := map[string]any{"x": 1.5}

		for i := 0; i < 4; i++ {
			s.core.RecordOutcome(context.Background(), s.outcomeFor(raw, false))
		}
		Eventually(func() core.VersionID {
			active, _ := s.reg.GetActive()
			return active.ID
		}, 5*time.Second, 20*time.Millisecond).Should(BeNumerically(">", 1))

		Expect(s.core.Rollback(context.Background(), 1)).To(Succeed())
		pred, err := s.core.Predict(context.Background(), raw)
		Expect(err).NotTo(HaveOccurred())
		Expect(pred.Version).To(Equal(core.VersionID(1)))
	})

	It("restores the promoted version after a restart", func() {
		dir := GinkgoT().TempDir()
		s = buildStack(dir, 4)
		raw := map[string]any{"x": 1.5}

		for i := 0; i < 4; i++ {
			s.core.RecordOutcome(context.Background(), s.outcomeFor(raw, false))
		}
		Eventually(func() core.VersionID {
			active, _ := s.reg.GetActive()
			return active.ID
		}, 5*time.Second, 20*time.Millisecond).Should(BeNumerically(">", 1))

		promoted, _ := s.reg.GetActive()
		s.close()
		s = nil

		restarted := buildStack(dir, 4)
		defer func() {
			restarted.close()
		}()
		active, ok := restarted.reg.GetActive()
		Expect(ok).To(BeTrue())
		Expect(active.ID).To(Equal(promoted.ID))

		pred, err := restarted.core.Predict(context.Background(), raw)
		Expect(err).NotTo(HaveOccurred())
		Expect(pred.Version).To(Equal(promoted.ID))
	})
})
