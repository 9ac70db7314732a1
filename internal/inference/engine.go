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

// Package inference executes a model against a feature vector.
//
// The engine is the only component that "runs the model". It is pure and
// deterministic: identical (features, model version) pairs always yield
// identical outputs, which is a prerequisite for caching to be sound. The
// engine has no knowledge of caching or versioning policy.
package inference

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/inference-serving/prediction-core/pkg/core"
)

// InferenceError reports a shape mismatch between the feature vector and the
// model's expected input schema. Returned to the immediate caller with a
// diagnostic.
type InferenceError struct {
	Version core.VersionID
	Reason  string
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference against version %d: %s", e.Version, e.Reason)
}

// IsInferenceError reports whether err is an InferenceError.
func IsInferenceError(err error) bool {
	var target *InferenceError
	return errors.As(err, &target)
}

// Engine scores feature vectors with a model version's weights.
type Engine struct{}

// NewEngine creates an inference engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Infer scores the vector under the given model version. The vector must have
// been normalized for the same version and match the model's schema shape.
func (e *Engine) Infer(ctx context.Context, fv core.FeatureVector, mv core.ModelVersion) (core.RawPrediction, error) {
	if err := ctx.Err(); err != nil {
		return core.RawPrediction{}, err
	}
	if fv.Version != mv.ID {
		return core.RawPrediction{}, &InferenceError{
			Version: mv.ID,
			Reason:  fmt.Sprintf("feature vector was normalized for version %d", fv.Version),
		}
	}
	if len(fv.Values) != len(mv.Config.Schema) {
		return core.RawPrediction{}, &InferenceError{
			Version: mv.ID,
			Reason: fmt.Sprintf("feature vector has %d fields, model schema expects %d",
				len(fv.Values), len(mv.Config.Schema)),
		}
	}

	score := mv.Config.Bias
	for i, fv := range fv.Values {
		spec := mv.Config.Schema[i]
		if fv.Name != spec.Name || fv.Kind != spec.Kind {
			return core.RawPrediction{}, &InferenceError{
				Version: mv.ID,
				Reason:  fmt.Sprintf("field %d is %s/%s, schema expects %s/%s", i, fv.Name, fv.Kind, spec.Name, spec.Kind),
			}
		}
		switch fv.Kind {
		case core.FieldNumeric:
			score += mv.Config.Weights[fv.Name] * fv.Numeric
		case core.FieldCategorical:
			score += mv.Config.Weights[fv.Name+"="+fv.Categorical]
		}
	}

	p := logistic(score)
	return core.RawPrediction{
		Value:      p,
		Confidence: math.Max(p, 1-p),
	}, nil
}

func logistic(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
