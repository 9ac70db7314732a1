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

package config

import (
	"fmt"
	"os"
	"sort"

	"github.com/go-logr/logr"
	"gopkg.in/yaml.v3"
)

// GlobalDefaultsKey is the entry key holding threshold defaults applied to
// every metric without a specific override.
const GlobalDefaultsKey = "default"

// ThresholdOverride is one parsed threshold entry. Entries other than the
// global default carry the metric name they apply to.
type ThresholdOverride struct {
	// Metric is the evaluation metric this entry overrides (only used in
	// override entries).
	Metric string `yaml:"metric,omitempty"`

	Warning  float64 `yaml:"warning,omitempty"`
	Critical float64 `yaml:"critical,omitempty"`
}

// Validate checks for invalid override values.
func (t *ThresholdOverride) Validate() error {
	if t.Warning < 0 {
		return fmt.Errorf("warning must be >= 0, got %.4f", t.Warning)
	}
	if t.Critical < 0 {
		return fmt.Errorf("critical must be >= 0, got %.4f", t.Critical)
	}
	return nil
}

// ParseThresholdOverrides parses per-metric threshold entries from a string
// map, typically the data section of an operator-maintained overrides file.
// The format:
//   - "default": warning/critical applied to all metrics without an override
//   - "<entry-name>": per-metric override with a metric field
//
// Malformed or invalid entries are logged and skipped rather than failing
// the load. When two entries name the same metric, the first key in sorted
// order wins.
func ParseThresholdOverrides(data map[string]string, log logr.Logger) map[string]Threshold {
	out := make(map[string]Threshold)
	if data == nil {
		return out
	}

	metricToKey := make(map[string]string)

	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		var entry ThresholdOverride
		if err := yaml.Unmarshal([]byte(data[key]), &entry); err != nil {
			log.Info("Failed to parse threshold override entry, skipping",
				"key", key,
				"error", err)
			continue
		}
		if err := entry.Validate(); err != nil {
			log.Info("Invalid threshold override entry, skipping",
				"key", key,
				"error", err)
			continue
		}

		if key == GlobalDefaultsKey {
			out[GlobalDefaultsKey] = Threshold{Warning: entry.Warning, Critical: entry.Critical}
			continue
		}

		if entry.Metric == "" {
			log.Info("Skipping threshold override without metric field", "key", key)
			continue
		}
		if winner, exists := metricToKey[entry.Metric]; exists {
			log.Info("Duplicate metric in threshold overrides - first key wins",
				"metric", entry.Metric,
				"winningKey", winner,
				"duplicateKey", key)
			continue
		}
		metricToKey[entry.Metric] = key
		out[entry.Metric] = Threshold{Warning: entry.Warning, Critical: entry.Critical}
	}

	return out
}

// LoadThresholdOverrides reads an overrides file: a YAML map of entry name to
// an entry document in the format ParseThresholdOverrides accepts.
func LoadThresholdOverrides(path string, log logr.Logger) (map[string]Threshold, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading threshold overrides: %w", err)
	}
	var data map[string]string
	if err := yaml.Unmarshal(blob, &data); err != nil {
		return nil, fmt.Errorf("parsing threshold overrides %s: %w", path, err)
	}
	return ParseThresholdOverrides(data, log), nil
}

// EffectiveThresholds returns the evaluation thresholds with the configured
// overrides file, if any, applied on top.
func (c EvaluationConfig) EffectiveThresholds(log logr.Logger) (map[string]Threshold, error) {
	if c.ThresholdOverridesPath == "" {
		return c.Thresholds, nil
	}
	overrides, err := LoadThresholdOverrides(c.ThresholdOverridesPath, log)
	if err != nil {
		return nil, err
	}
	return MergeThresholds(c.Thresholds, overrides), nil
}

// MergeThresholds layers overrides on top of the base threshold map. The
// global default entry fills in metrics the base does not configure; named
// overrides replace base entries outright.
func MergeThresholds(base, overrides map[string]Threshold) map[string]Threshold {
	out := make(map[string]Threshold, len(base))
	for name, th := range base {
		out[name] = th
	}
	defaults, hasDefaults := overrides[GlobalDefaultsKey]
	for name, th := range overrides {
		if name == GlobalDefaultsKey {
			continue
		}
		out[name] = th
	}
	if hasDefaults {
		for name, th := range out {
			if th.Warning == 0 && th.Critical == 0 {
				out[name] = defaults
			}
		}
	}
	return out
}
