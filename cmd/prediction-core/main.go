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

// Command prediction-core runs the prediction-serving core as a standalone
// HTTP server exposing prediction, outcome ingestion, status, and Prometheus
// metrics endpoints.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/inference-serving/prediction-core/internal/cache"
	"github.com/inference-serving/prediction-core/internal/config"
	"github.com/inference-serving/prediction-core/internal/evaluator"
	"github.com/inference-serving/prediction-core/internal/features"
	"github.com/inference-serving/prediction-core/internal/inference"
	"github.com/inference-serving/prediction-core/internal/logging"
	"github.com/inference-serving/prediction-core/internal/metrics"
	"github.com/inference-serving/prediction-core/internal/monitor"
	"github.com/inference-serving/prediction-core/internal/optimizer"
	"github.com/inference-serving/prediction-core/internal/registry"
	"github.com/inference-serving/prediction-core/internal/serving"
	"github.com/inference-serving/prediction-core/internal/store"
	"github.com/inference-serving/prediction-core/pkg/core"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "prediction-core:", err)
		os.Exit(1)
	}
}

func run() error {
	fs := pflag.NewFlagSet("prediction-core", pflag.ExitOnError)
	v := viper.New()
	if err := config.BindFlags(fs, v); err != nil {
		return err
	}
	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}
	configFile, _ := fs.GetString("config")

	cfg, err := config.Load(v, configFile)
	if err != nil {
		return err
	}

	log, err := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Development)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	modelStore, err := openStore(cfg.Store, log)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := modelStore.Close(); cerr != nil {
			log.Error(cerr, "closing model store")
		}
	}()

	reg := registry.New(
		registry.WithStore(modelStore),
		registry.WithLogger(log.WithName("registry")),
	)
	restored, err := reg.Restore(ctx)
	if err != nil {
		return err
	}
	if _, ok := reg.GetActive(); !ok {
		if cfg.Model.Path == "" {
			return errors.New("no active model in store and no model.path configured")
		}
		modelCfg, err := loadModelConfig(cfg.Model.Path)
		if err != nil {
			return err
		}
		mv, err := reg.Bootstrap(ctx, modelCfg)
		if err != nil {
			return err
		}
		log.Info("bootstrapped model", "version", mv.ID, "path", cfg.Model.Path)
	} else {
		log.Info("resumed from persisted registry state", "versions", restored)
	}

	predCache, err := cache.New(cfg.Cache.MaxEntries, cfg.Cache.TTL,
		cache.WithVersionPinner(reg),
		cache.WithLogger(log.WithName("cache")),
	)
	if err != nil {
		return err
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector())
	emitter := metrics.NewEmitter(promReg)

	strategy, err := monitor.ParseStrategy(cfg.Monitoring.Strategy)
	if err != nil {
		return err
	}
	mon, err := monitor.NewMonitor(strategy, emitter, log.WithName("monitor"))
	if err != nil {
		return err
	}

	proc := features.NewProcessor()
	engine := inference.NewEngine()
	thresholds, err := cfg.Evaluation.EffectiveThresholds(log.WithName("config"))
	if err != nil {
		return err
	}
	eval := evaluator.New(thresholds, cfg.Evaluation.SensitiveFeatures)

	holdout, err := loadHoldout(cfg.Optimizer.HoldoutPath)
	if err != nil {
		return err
	}
	opt, err := optimizer.New(proc, engine, eval, reg, holdout, optimizer.Config{
		MaxTrials:      cfg.Optimizer.MaxTrials,
		MinImprovement: cfg.Optimizer.MinImprovement,
	}, log.WithName("optimizer"))
	if err != nil {
		return err
	}

	srvCore, err := serving.NewCore(proc, reg, predCache, engine, eval, opt, mon, serving.Config{
		InferenceTimeout:            cfg.Inference.Timeout,
		EvalBatchSize:               cfg.Evaluation.BatchSize,
		DegradedCyclesBeforeTrigger: cfg.Optimizer.DegradedCyclesBeforeTrigger,
	}, log.WithName("serving"))
	if err != nil {
		return err
	}
	defer srvCore.Close()

	if active, ok := reg.GetActive(); ok {
		mon.ActiveVersionChanged(active.ID)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /statusz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, srvCore.Status())
	})
	mux.HandleFunc("POST /v1/predict", handlePredict(srvCore, log))
	mux.HandleFunc("POST /v1/outcome", handleOutcome(srvCore, reg, proc, log))

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("serving", "addr", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

type predictRequest struct {
	Record map[string]any `json:"record"`
}

type outcomeRequest struct {
	Record    map[string]any `json:"record"`
	Truth     bool           `json:"truth"`
	LatencyMS float64        `json:"latency_ms"`
}

func handlePredict(srvCore *serving.Core, log logr.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req predictRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
			return
		}
		ctx := logging.IntoContext(r.Context(), log.WithValues("remoteAddr", r.RemoteAddr))
		pred, err := srvCore.Predict(ctx, req.Record)
		if err != nil {
			if features.IsMalformedInput(err) || inference.IsInferenceError(err) {
				writeError(w, http.StatusUnprocessableEntity, err)
				return
			}
			log.Error(err, "predict request failed")
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, pred)
	}
}

func handleOutcome(srvCore *serving.Core, reg *registry.Registry, proc *features.Processor, log logr.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req outcomeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("decoding request: %w", err))
			return
		}
		mv, ok := reg.GetActive()
		if !ok {
			writeError(w, http.StatusServiceUnavailable, serving.ErrNoActiveModel)
			return
		}
		fv, err := proc.Process(req.Record, mv)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, err)
			return
		}
		ctx := logging.IntoContext(r.Context(), log.WithValues("remoteAddr", r.RemoteAddr))
		pred, err := srvCore.Predict(ctx, req.Record)
		if err != nil {
			log.Error(err, "outcome request failed to resolve prediction")
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		srvCore.RecordOutcome(ctx, core.EvaluationSample{
			Vector:     fv,
			Prediction: pred,
			Truth:      req.Truth,
			Latency:    time.Duration(req.LatencyMS * float64(time.Millisecond)),
		})
		w.WriteHeader(http.StatusAccepted)
	}
}

func openStore(cfg config.StoreConfig, log logr.Logger) (store.Interface, error) {
	if cfg.Path == "" {
		log.Info("no store path configured, model versions will not persist")
		return store.NewMemoryStore(), nil
	}
	return store.NewBadgerStore(cfg.Path)
}

func loadModelConfig(path string) (core.ModelConfig, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return core.ModelConfig{}, fmt.Errorf("reading model config: %w", err)
	}
	var cfg core.ModelConfig
	if err := yaml.Unmarshal(blob, &cfg); err != nil {
		return core.ModelConfig{}, fmt.Errorf("parsing model config %s: %w", path, err)
	}
	if len(cfg.Schema) == 0 {
		return core.ModelConfig{}, fmt.Errorf("model config %s declares no schema", path)
	}
	return cfg, nil
}

type holdoutRecord struct {
	Record    map[string]any `yaml:"record"`
	Truth     bool           `yaml:"truth"`
	LatencyMS float64        `yaml:"latencyMs"`
}

func loadHoldout(path string) (optimizer.HoldoutProvider, error) {
	if path == "" {
		return optimizer.StaticHoldout(nil), nil
	}
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading holdout data: %w", err)
	}
	var records []holdoutRecord
	if err := yaml.Unmarshal(blob, &records); err != nil {
		return nil, fmt.Errorf("parsing holdout data %s: %w", path, err)
	}
	out := make(optimizer.StaticHoldout, 0, len(records))
	for _, r := range records {
		out = append(out, optimizer.LabeledRecord{
			Raw:     r.Record,
			Truth:   r.Truth,
			Latency: time.Duration(r.LatencyMS * float64(time.Millisecond)),
		})
	}
	return out, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
