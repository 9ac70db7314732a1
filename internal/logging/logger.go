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

// Package logging provides structured logging for the prediction-serving core.
//
// All components log through logr.Logger, backed by zap. Verbosity levels:
//
//	V(0) / Info  - lifecycle events, decisions, warnings
//	V(DEBUG)     - per-request detail (cache outcomes, verdict counters)
//	V(TRACE)     - state-machine transitions and trial-level optimizer detail
package logging

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Verbosity levels used across the codebase.
const (
	DEBUG = 1
	TRACE = 2
)

type contextKey struct{}

// NewLogger constructs a zap-backed logr.Logger. Level accepts "info",
// "debug", or "trace". Development mode switches to console encoding.
func NewLogger(level string, development bool) (logr.Logger, error) {
	var v int
	switch level {
	case "", "info":
		v = 0
	case "debug":
		v = DEBUG
	case "trace":
		v = TRACE
	default:
		return logr.Logger{}, fmt.Errorf("unknown log level %q", level)
	}

	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	// logr verbosity V(n) maps to zap level -n.
	cfg.Level = zap.NewAtomicLevelAt(zapcore.Level(-v))

	zl, err := cfg.Build()
	if err != nil {
		return logr.Logger{}, fmt.Errorf("building zap logger: %w", err)
	}
	return zapr.NewLogger(zl), nil
}

// IntoContext returns a context carrying the given logger.
func IntoContext(ctx context.Context, log logr.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, log)
}

// FromContext returns the request-scoped logger stored in ctx, or fallback
// when none is present.
func FromContext(ctx context.Context, fallback logr.Logger) logr.Logger {
	if log, ok := ctx.Value(contextKey{}).(logr.Logger); ok {
		return log
	}
	return fallback
}
