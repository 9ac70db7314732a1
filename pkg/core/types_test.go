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

package core

import "testing"

func TestSchemaField(t *testing.T) {
	s := Schema{
		{Name: "a", Kind: FieldNumeric},
		{Name: "b", Kind: FieldCategorical},
	}
	if f, ok := s.Field("b"); !ok || f.Kind != FieldCategorical {
		t.Errorf("Field(b) = %+v, %v, want categorical spec", f, ok)
	}
	if _, ok := s.Field("c"); ok {
		t.Errorf("Field(c) = present, want absent")
	}
}

func TestFieldSpecBounded(t *testing.T) {
	tests := []struct {
		name string
		spec FieldSpec
		want bool
	}{
		{name: "Test case 1: Both zero means unbounded", spec: FieldSpec{}, want: false},
		{name: "Test case 2: Max only", spec: FieldSpec{Max: 10}, want: true},
		{name: "Test case 3: Min only", spec: FieldSpec{Min: -5}, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.spec.Bounded(); got != tt.want {
				t.Errorf("Bounded() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPredictionPositive(t *testing.T) {
	if (Prediction{Value: 0.49}).Positive() {
		t.Errorf("Positive() at 0.49 = true, want false")
	}
	if !(Prediction{Value: 0.5}).Positive() {
		t.Errorf("Positive() at 0.5 = false, want true")
	}
}

func TestFeatureVectorCategorical(t *testing.T) {
	v := FeatureVector{Values: []FeatureValue{
		{Name: "x", Kind: FieldNumeric, Numeric: 1},
		{Name: "region", Kind: FieldCategorical, Categorical: "north"},
	}}
	if got, ok := v.Categorical("region"); !ok || got != "north" {
		t.Errorf("Categorical(region) = %q, %v, want north", got, ok)
	}
	if _, ok := v.Categorical("x"); ok {
		t.Errorf("Categorical(x) = present for a numeric field, want absent")
	}
}

func TestFingerprintHex(t *testing.T) {
	v := FeatureVector{Fingerprint: 0xab}
	if got := v.FingerprintHex(); got != "00000000000000ab" {
		t.Errorf("FingerprintHex() = %q, want fixed-width %q", got, "00000000000000ab")
	}
}

func TestEvaluationResultPassing(t *testing.T) {
	if !(EvaluationResult{Verdict: VerdictPass}).Passing() {
		t.Errorf("Passing() for PASS = false, want true")
	}
	if (EvaluationResult{Verdict: VerdictDegraded}).Passing() {
		t.Errorf("Passing() for DEGRADED = true, want false")
	}
}
