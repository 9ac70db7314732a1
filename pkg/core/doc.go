// Package core provides fundamental data structures for the prediction-serving engine.
//
// This package contains the core domain models that represent the entities and
// relationships in the serving system:
//
//   - FeatureVector: normalized, fingerprinted model input
//   - ModelVersion: a versioned model with its configuration snapshot and lifecycle status
//   - Prediction: an immutable model output with confidence and provenance
//   - EvaluationResult: per-metric scores and the overall quality verdict
//   - EvaluationSample: a served prediction joined with its observed outcome
//
// These types form the foundation for the components in internal/ (registry,
// cache, inference, evaluator, optimizer) and are used throughout the
// orchestrator for decision-making.
//
// Example usage:
//
//	// Define a model configuration
//	cfg := core.ModelConfig{
//	    Schema: core.Schema{
//	        {Name: "a", Kind: core.FieldNumeric, Required: true},
//	        {Name: "b", Kind: core.FieldCategorical, Categories: []string{"x", "y"}},
//	    },
//	    Weights: map[string]float64{"a": 0.4, "b=x": 0.1},
//	}
//
//	// Versions move through a fixed lifecycle
//	v := core.ModelVersion{ID: 1, Status: core.StatusCandidate, Config: cfg}
//
// The core package is designed to be:
//   - Immutable where possible (value types)
//   - Type-safe with strong domain boundaries
//   - Independent of serving infrastructure (pure domain logic)
//   - Well-tested with comprehensive unit tests
package core
