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

package inference

import (
	"context"
	"math"
	"testing"

	"github.com/inference-serving/prediction-core/pkg/core"
)

func testModel() core.ModelVersion {
	return core.ModelVersion{
		ID:     3,
		Status: core.StatusActive,
		Config: core.ModelConfig{
			Schema: core.Schema{
				{Name: "x", Kind: core.FieldNumeric},
				{Name: "group", Kind: core.FieldCategorical},
			},
			Weights: map[string]float64{
				"x":       2.0,
				"group=a": 0.5,
			},
			Bias: -1.0,
		},
	}
}

func testVector(version core.VersionID, x float64, group string) core.FeatureVector {
	return core.FeatureVector{
		Values: []core.FeatureValue{
			{Name: "x", Kind: core.FieldNumeric, Numeric: x},
			{Name: "group", Kind: core.FieldCategorical, Categorical: group},
		},
		Version:     version,
		Fingerprint: 42,
	}
}

func TestInfer(t *testing.T) {
	mv := testModel()
	tests := []struct {
		name      string
		fv        core.FeatureVector
		wantScore float64
	}{
		{
			name: "Test case 1: Known weighted sum through the logistic",
			// score = -1 + 2*1 + 0.5 = 1.5
			fv:        testVector(3, 1.0, "a"),
			wantScore: 1.5,
		},
		{
			name: "Test case 2: Unknown categorical value contributes zero weight",
			// score = -1 + 2*1 + 0 = 1
			fv:        testVector(3, 1.0, "z"),
			wantScore: 1.0,
		},
		{
			name: "Test case 3: Negative score maps below one half",
			// score = -1 + 2*(-0.5) + 0.5 = -1.5
			fv:        testVector(3, -0.5, "a"),
			wantScore: -1.5,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewEngine().Infer(context.Background(), tt.fv, mv)
			if err != nil {
				t.Fatalf("Infer() error = %v", err)
			}
			want := 1 / (1 + math.Exp(-tt.wantScore))
			if math.Abs(got.Value-want) > 1e-12 {
				t.Errorf("Infer() value = %v, want %v", got.Value, want)
			}
			wantConf := math.Max(want, 1-want)
			if math.Abs(got.Confidence-wantConf) > 1e-12 {
				t.Errorf("Infer() confidence = %v, want %v", got.Confidence, wantConf)
			}
		})
	}
}

// Identical (vector, version) inputs must always yield identical outputs.
func TestInferDeterminism(t *testing.T) {
	engine := NewEngine()
	mv := testModel()
	fv := testVector(3, 0.7, "a")

	first, err := engine.Infer(context.Background(), fv, mv)
	if err != nil {
		t.Fatalf("Infer() error = %v", err)
	}
	for i := 0; i < 100; i++ {
		got, err := engine.Infer(context.Background(), fv, mv)
		if err != nil {
			t.Fatalf("Infer() error = %v", err)
		}
		if got != first {
			t.Fatalf("Infer() run %d = %+v, want %+v", i, got, first)
		}
	}
}

func TestInferShapeMismatch(t *testing.T) {
	mv := testModel()
	tests := []struct {
		name string
		fv   core.FeatureVector
	}{
		{
			name: "Test case 1: Vector normalized for a different version",
			fv:   testVector(2, 1.0, "a"),
		},
		{
			name: "Test case 2: Field count mismatch",
			fv: core.FeatureVector{
				Values:  []core.FeatureValue{{Name: "x", Kind: core.FieldNumeric, Numeric: 1}},
				Version: 3,
			},
		},
		{
			name: "Test case 3: Field name mismatch",
			fv: core.FeatureVector{
				Values: []core.FeatureValue{
					{Name: "y", Kind: core.FieldNumeric, Numeric: 1},
					{Name: "group", Kind: core.FieldCategorical, Categorical: "a"},
				},
				Version: 3,
			},
		},
		{
			name: "Test case 4: Field kind mismatch",
			fv: core.FeatureVector{
				Values: []core.FeatureValue{
					{Name: "x", Kind: core.FieldCategorical, Categorical: "1"},
					{Name: "group", Kind: core.FieldCategorical, Categorical: "a"},
				},
				Version: 3,
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEngine().Infer(context.Background(), tt.fv, mv)
			if !IsInferenceError(err) {
				t.Errorf("Infer() error = %v, want InferenceError", err)
			}
		})
	}
}

func TestInferCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewEngine().Infer(ctx, testVector(3, 1.0, "a"), testModel())
	if err != context.Canceled {
		t.Errorf("Infer() error = %v, want context.Canceled", err)
	}
}
