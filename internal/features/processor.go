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

// Package features normalizes raw input records into fixed-shape, fingerprinted
// feature vectors.
//
// Normalization is deterministic and version-pinned: the centering and scaling
// parameters are part of the model version's configuration, so a vector is
// only comparable under the version it was normalized for. Two semantically
// equal raw records always normalize to byte-identical vectors, which the
// cache relies on for correctness.
package features

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/cespare/xxhash/v2"

	"github.com/inference-serving/prediction-core/pkg/core"
)

// MalformedInputError reports a raw record that fails the declared schema:
// a required field is absent, has the wrong type, or is out of range. It is
// the caller's fault and is returned to the immediate caller.
type MalformedInputError struct {
	Field  string
	Reason string
}

func (e *MalformedInputError) Error() string {
	return fmt.Sprintf("malformed input: field %q: %s", e.Field, e.Reason)
}

// IsMalformedInput reports whether err is a MalformedInputError.
func IsMalformedInput(err error) bool {
	var target *MalformedInputError
	return errors.As(err, &target)
}

// Processor converts raw records into normalized FeatureVectors. It is pure
// and stateless; all parameters come from the model version passed per call.
type Processor struct{}

// NewProcessor creates a feature processor.
func NewProcessor() *Processor {
	return &Processor{}
}

// Process validates raw against the model's schema, normalizes it with the
// model's version-pinned parameters, and fingerprints the result.
func (p *Processor) Process(raw map[string]any, model core.ModelVersion) (core.FeatureVector, error) {
	schema := model.Config.Schema
	if len(schema) == 0 {
		return core.FeatureVector{}, &MalformedInputError{Field: "", Reason: "model declares an empty schema"}
	}

	values := make([]core.FeatureValue, 0, len(schema))
	for _, spec := range schema {
		rawVal, present := raw[spec.Name]
		if !present {
			if spec.Required {
				return core.FeatureVector{}, &MalformedInputError{Field: spec.Name, Reason: "required field absent"}
			}
			values = append(values, defaultValue(spec))
			continue
		}

		fv, err := p.normalizeField(spec, rawVal, model.Config.Normalization)
		if err != nil {
			return core.FeatureVector{}, err
		}
		values = append(values, fv)
	}

	vec := core.FeatureVector{
		Values:  values,
		Version: model.ID,
	}
	vec.Fingerprint = fingerprint(values, model.ID)
	return vec, nil
}

func (p *Processor) normalizeField(spec core.FieldSpec, rawVal any, params core.NormalizationParams) (core.FeatureValue, error) {
	switch spec.Kind {
	case core.FieldNumeric:
		num, ok := asFloat(rawVal)
		if !ok {
			return core.FeatureValue{}, &MalformedInputError{
				Field:  spec.Name,
				Reason: fmt.Sprintf("expected numeric value, got %T", rawVal),
			}
		}
		if math.IsNaN(num) || math.IsInf(num, 0) {
			return core.FeatureValue{}, &MalformedInputError{Field: spec.Name, Reason: "value is not finite"}
		}
		if spec.Bounded() && (num < spec.Min || num > spec.Max) {
			return core.FeatureValue{}, &MalformedInputError{
				Field:  spec.Name,
				Reason: fmt.Sprintf("value %v out of declared range [%v, %v]", num, spec.Min, spec.Max),
			}
		}
		return core.FeatureValue{
			Name:    spec.Name,
			Kind:    core.FieldNumeric,
			Numeric: normalize(num, spec.Name, params),
		}, nil

	case core.FieldCategorical:
		s, ok := rawVal.(string)
		if !ok {
			return core.FeatureValue{}, &MalformedInputError{
				Field:  spec.Name,
				Reason: fmt.Sprintf("expected string value, got %T", rawVal),
			}
		}
		if len(spec.Categories) > 0 && !contains(spec.Categories, s) {
			return core.FeatureValue{}, &MalformedInputError{
				Field:  spec.Name,
				Reason: fmt.Sprintf("value %q not among declared categories", s),
			}
		}
		return core.FeatureValue{
			Name:        spec.Name,
			Kind:        core.FieldCategorical,
			Categorical: s,
		}, nil

	default:
		return core.FeatureValue{}, &MalformedInputError{
			Field:  spec.Name,
			Reason: fmt.Sprintf("unknown field kind %q", spec.Kind),
		}
	}
}

// normalize applies (v - center) / scale with version-pinned parameters.
// Missing parameters leave the value unchanged.
func normalize(v float64, field string, params core.NormalizationParams) float64 {
	if c, ok := params.Center[field]; ok {
		v -= c
	}
	if s, ok := params.Scale[field]; ok && s != 0 {
		v /= s
	}
	return v
}

func defaultValue(spec core.FieldSpec) core.FeatureValue {
	return core.FeatureValue{Name: spec.Name, Kind: spec.Kind}
}

// fingerprint digests the normalized values in schema order together with the
// version id. Floats are rendered with strconv 'g'/-1 so that equal values
// always serialize identically.
func fingerprint(values []core.FeatureValue, version core.VersionID) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(strconv.FormatUint(uint64(version), 10))
	for _, fv := range values {
		_, _ = d.WriteString("|")
		_, _ = d.WriteString(fv.Name)
		_, _ = d.WriteString("=")
		switch fv.Kind {
		case core.FieldNumeric:
			_, _ = d.WriteString(strconv.FormatFloat(fv.Numeric, 'g', -1, 64))
		case core.FieldCategorical:
			_, _ = d.WriteString(fv.Categorical)
		}
	}
	return d.Sum64()
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
