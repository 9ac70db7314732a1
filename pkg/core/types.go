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

import (
	"fmt"
	"time"
)

// VersionID identifies a model version. IDs are assigned by the registry,
// increase monotonically, and are never reused.
type VersionID uint64

// VersionStatus is the lifecycle status of a ModelVersion.
type VersionStatus string

const (
	// StatusCandidate marks a version proposed by the optimizer (or initial
	// bootstrap) that has not yet been promoted.
	StatusCandidate VersionStatus = "CANDIDATE"

	// StatusActive marks the single version currently serving predictions.
	StatusActive VersionStatus = "ACTIVE"

	// StatusRetired marks a version superseded by a newer active version.
	// Retired versions are retained for rollback and audit.
	StatusRetired VersionStatus = "RETIRED"
)

// FieldKind is the declared type of a schema field.
type FieldKind string

const (
	FieldNumeric     FieldKind = "numeric"
	FieldCategorical FieldKind = "categorical"
)

// FieldSpec declares one field of the model input schema.
type FieldSpec struct {
	// Name is the field name in the raw input record.
	Name string `yaml:"name" json:"name"`

	// Kind is the declared field type.
	Kind FieldKind `yaml:"kind" json:"kind"`

	// Required fields must be present in every raw record.
	Required bool `yaml:"required,omitempty" json:"required,omitempty"`

	// Min and Max bound numeric fields. Both zero means unbounded.
	Min float64 `yaml:"min,omitempty" json:"min,omitempty"`
	Max float64 `yaml:"max,omitempty" json:"max,omitempty"`

	// Categories enumerates the admissible values of a categorical field.
	Categories []string `yaml:"categories,omitempty" json:"categories,omitempty"`
}

// Bounded reports whether the numeric field declares a value range.
func (f FieldSpec) Bounded() bool {
	return f.Min != 0 || f.Max != 0
}

// Schema is the ordered input schema of a model. Field order is significant:
// it fixes the serialization order used for fingerprinting.
type Schema []FieldSpec

// Field returns the spec for the named field, if declared.
func (s Schema) Field(name string) (FieldSpec, bool) {
	for _, f := range s {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// NormalizationParams hold the version-pinned centering and scaling
// parameters. A FeatureVector normalized under one version is not comparable
// under another.
type NormalizationParams struct {
	// Center maps numeric field name to the value subtracted before scaling.
	Center map[string]float64 `yaml:"center,omitempty" json:"center,omitempty"`

	// Scale maps numeric field name to the divisor applied after centering.
	// Missing or zero entries mean no scaling for that field.
	Scale map[string]float64 `yaml:"scale,omitempty" json:"scale,omitempty"`
}

// Hyperparameters are the tunable training knobs the optimizer searches over.
type Hyperparameters struct {
	LearningRate   float64 `yaml:"learningRate,omitempty" json:"learningRate,omitempty"`
	Regularization float64 `yaml:"regularization,omitempty" json:"regularization,omitempty"`
	WeightScale    float64 `yaml:"weightScale,omitempty" json:"weightScale,omitempty"`
}

// ModelConfig is the architecture and training configuration snapshot carried
// by a ModelVersion. It is everything the inference engine needs to score a
// feature vector, and everything the feature processor needs to normalize one.
type ModelConfig struct {
	Schema        Schema              `yaml:"schema" json:"schema"`
	Normalization NormalizationParams `yaml:"normalization,omitempty" json:"normalization,omitempty"`

	// Weights maps feature keys to linear model weights. Numeric fields are
	// keyed by field name; categorical fields by "name=value".
	Weights map[string]float64 `yaml:"weights" json:"weights"`

	// Bias is the model intercept.
	Bias float64 `yaml:"bias,omitempty" json:"bias,omitempty"`

	Hyper Hyperparameters `yaml:"hyper,omitempty" json:"hyper,omitempty"`
}

// ModelVersion is one entry in the registry's version sequence. Instances
// handed out by the registry are value snapshots; status transitions happen
// inside the registry only.
type ModelVersion struct {
	ID        VersionID     `json:"id"`
	Status    VersionStatus `json:"status"`
	Config    ModelConfig   `json:"config"`
	CreatedAt time.Time     `json:"created_at"`

	// LastEvaluation holds the evaluation that justified this version's most
	// recent status transition, if any.
	LastEvaluation *EvaluationResult `json:"last_evaluation,omitempty"`
}

// FeatureValue is one normalized field of a FeatureVector.
type FeatureValue struct {
	Name        string
	Kind        FieldKind
	Numeric     float64
	Categorical string
}

// FeatureVector is an immutable, normalized model input. It is only
// comparable under the model version whose normalization parameters produced
// it, so the fingerprint is version-scoped.
type FeatureVector struct {
	// Values are the normalized fields in schema order.
	Values []FeatureValue

	// Version is the model version the vector was normalized for.
	Version VersionID

	// Fingerprint is the deterministic digest of the normalized contents,
	// used as a cache key component.
	Fingerprint uint64
}

// FingerprintHex renders the fingerprint in the fixed-width form used for
// cache keys and logs.
func (v FeatureVector) FingerprintHex() string {
	return fmt.Sprintf("%016x", v.Fingerprint)
}

// Categorical returns the value of the named categorical field, if present.
func (v FeatureVector) Categorical(name string) (string, bool) {
	for _, fv := range v.Values {
		if fv.Name == name && fv.Kind == FieldCategorical {
			return fv.Categorical, true
		}
	}
	return "", false
}

// RawPrediction is the direct output of the inference engine before the
// orchestrator attaches provenance.
type RawPrediction struct {
	// Value is the model score in [0, 1].
	Value float64

	// Confidence is the distance-derived certainty of the score in [0.5, 1].
	Confidence float64
}

// Prediction is an immutable served prediction.
type Prediction struct {
	Value       float64   `json:"value"`
	Confidence  float64   `json:"confidence"`
	Version     VersionID `json:"model_version"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Positive reports the binary decision implied by the prediction value.
func (p Prediction) Positive() bool {
	return p.Value >= 0.5
}

// Verdict is the overall outcome of one evaluation cycle.
type Verdict string

const (
	// VerdictPass means no metric breached its warning threshold.
	VerdictPass Verdict = "PASS"

	// VerdictDegraded means at least one metric breached its warning
	// threshold but none breached a critical threshold.
	VerdictDegraded Verdict = "DEGRADED"

	// VerdictFail means at least one metric breached its critical threshold.
	VerdictFail Verdict = "FAIL"
)

// Severity classifies a single metric's threshold breach.
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// MetricScore is one evaluated metric with its thresholds and breach level.
type MetricScore struct {
	Value    float64  `json:"value"`
	Warning  float64  `json:"warning"`
	Critical float64  `json:"critical"`
	Severity Severity `json:"severity"`
}

// EvaluationResult is the outcome of scoring a batch of predictions against
// thresholds. It is created fresh per evaluation cycle and is reproducible
// from its inputs alone.
type EvaluationResult struct {
	Metrics     map[string]MetricScore `json:"metrics"`
	Verdict     Verdict                `json:"verdict"`
	SampleCount int                    `json:"sample_count"`
	Version     VersionID              `json:"model_version"`
	EvaluatedAt time.Time              `json:"evaluated_at"`
}

// Passing reports whether the result clears promotion gating.
func (r EvaluationResult) Passing() bool {
	return r.Verdict == VerdictPass
}

// EvaluationSample joins a served prediction with its feature vector and the
// observed (or proxy) outcome delivered by the upstream pipeline.
type EvaluationSample struct {
	Vector     FeatureVector
	Prediction Prediction

	// Truth is the observed binary outcome.
	Truth bool

	// Latency is the end-to-end serving latency observed for this sample.
	Latency time.Duration
}
