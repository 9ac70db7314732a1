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

// Package config provides typed, validated configuration for the
// prediction-serving core.
//
// Configuration is loaded with viper from (in priority order) command-line
// flags, PREDCORE_* environment variables, an optional YAML config file, and
// built-in defaults. All values are validated at load time; there are no
// runtime key lookups.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Default values applied when neither flags, environment, nor the config file
// set an option.
const (
	DefaultListenAddr         = ":8080"
	DefaultCacheMaxEntries    = 4096
	DefaultCacheTTL           = 5 * time.Minute
	DefaultEvalBatchSize      = 64
	DefaultMaxTrials          = 24
	DefaultDegradedCycles     = 3
	DefaultInferenceTimeout   = 500 * time.Millisecond
	DefaultOptimizerTimeout   = 2 * time.Minute
	DefaultHoldoutFraction    = 0.2
	DefaultMinImprovement     = 0.005
	DefaultMonitoringStrategy = "composite"
)

// Config is the root configuration for the serving binary and orchestrator.
type Config struct {
	Server     ServerConfig     `mapstructure:"server" yaml:"server"`
	Logging    LoggingConfig    `mapstructure:"logging" yaml:"logging"`
	Cache      CacheConfig      `mapstructure:"cache" yaml:"cache"`
	Evaluation EvaluationConfig `mapstructure:"evaluation" yaml:"evaluation"`
	Optimizer  OptimizerConfig  `mapstructure:"optimizer" yaml:"optimizer"`
	Inference  InferenceConfig  `mapstructure:"inference" yaml:"inference"`
	Store      StoreConfig      `mapstructure:"store" yaml:"store"`
	Model      ModelBootstrap   `mapstructure:"model" yaml:"model"`
	Monitoring MonitoringConfig `mapstructure:"monitoring" yaml:"monitoring"`
}

// ServerConfig holds the HTTP serving surface settings.
type ServerConfig struct {
	// Addr is the listen address for the prediction and metrics endpoints.
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// LoggingConfig selects log verbosity and encoding.
type LoggingConfig struct {
	// Level is one of "info", "debug", "trace".
	Level string `mapstructure:"level" yaml:"level"`

	// Development switches to console encoding with human-readable output.
	Development bool `mapstructure:"development" yaml:"development"`
}

// CacheConfig bounds the prediction cache.
type CacheConfig struct {
	// MaxEntries is the capacity bound enforced by LRU eviction.
	MaxEntries int `mapstructure:"maxEntries" yaml:"maxEntries"`

	// TTL is the time-to-live after which an entry is no longer served as
	// fresh, regardless of access recency.
	TTL time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// Threshold holds the warning and critical bounds for one evaluation metric.
type Threshold struct {
	Warning  float64 `mapstructure:"warning" yaml:"warning"`
	Critical float64 `mapstructure:"critical" yaml:"critical"`
}

// EvaluationConfig controls batch evaluation.
type EvaluationConfig struct {
	// BatchSize is the number of outcome samples accumulated before an
	// evaluation cycle runs.
	BatchSize int `mapstructure:"batchSize" yaml:"batchSize"`

	// SensitiveFeatures lists categorical schema fields whose value slices
	// are compared by the fairness check.
	SensitiveFeatures []string `mapstructure:"sensitiveFeatures" yaml:"sensitiveFeatures"`

	// Thresholds maps metric name to its warning/critical bounds. Metrics
	// without an entry are reported but never breach.
	Thresholds map[string]Threshold `mapstructure:"thresholds" yaml:"thresholds"`

	// ThresholdOverridesPath is an optional operator-maintained overrides
	// file layered over Thresholds at startup. See ParseThresholdOverrides
	// for the entry format.
	ThresholdOverridesPath string `mapstructure:"thresholdOverridesPath" yaml:"thresholdOverridesPath"`
}

// OptimizerConfig bounds the re-optimization loop.
type OptimizerConfig struct {
	// MaxTrials is the hyperparameter search trial budget per run.
	MaxTrials int `mapstructure:"maxTrials" yaml:"maxTrials"`

	// DegradedCyclesBeforeTrigger is the number of consecutive DEGRADED
	// verdicts that escalate to a FAIL-equivalent optimization trigger.
	DegradedCyclesBeforeTrigger int `mapstructure:"degradedCyclesBeforeTrigger" yaml:"degradedCyclesBeforeTrigger"`

	// Timeout bounds a single optimization run end to end.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`

	// MinImprovement is the shadow-evaluation accuracy gain a candidate must
	// show over the base version to be proposed.
	MinImprovement float64 `mapstructure:"minImprovement" yaml:"minImprovement"`

	// HoldoutPath is a YAML file of labeled records used for shadow
	// evaluation. Empty disables optimization triggers in the binary.
	HoldoutPath string `mapstructure:"holdoutPath" yaml:"holdoutPath"`
}

// InferenceConfig bounds the serving path.
type InferenceConfig struct {
	// Timeout is the per-request inference deadline. On timeout the
	// orchestrator serves the last known-good cached prediction if any.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// StoreConfig locates the embedded model store.
type StoreConfig struct {
	// Path is the on-disk directory of the badger model store. Empty
	// disables persistence.
	Path string `mapstructure:"path" yaml:"path"`
}

// ModelBootstrap locates the initial model configuration used when the store
// holds no active version.
type ModelBootstrap struct {
	// Path is a YAML file containing a core.ModelConfig document.
	Path string `mapstructure:"path" yaml:"path"`
}

// MonitoringConfig selects the monitoring strategy.
type MonitoringConfig struct {
	// Strategy is one of "prometheus", "log", "composite", "nop".
	Strategy string `mapstructure:"strategy" yaml:"strategy"`
}

// BindFlags registers the command-line flags that override config file and
// environment values.
func BindFlags(fs *pflag.FlagSet, v *viper.Viper) error {
	fs.String("config", "", "path to YAML config file")
	fs.String("addr", DefaultListenAddr, "listen address")
	fs.String("log-level", "info", "log level (info, debug, trace)")
	if err := v.BindPFlag("server.addr", fs.Lookup("addr")); err != nil {
		return err
	}
	return v.BindPFlag("logging.level", fs.Lookup("log-level"))
}

// Load reads configuration from the given file (optional), the environment,
// and defaults, and validates the result.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	setDefaults(v)

	v.SetEnvPrefix("PREDCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", DefaultListenAddr)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
	v.SetDefault("cache.maxEntries", DefaultCacheMaxEntries)
	v.SetDefault("cache.ttl", DefaultCacheTTL)
	v.SetDefault("evaluation.batchSize", DefaultEvalBatchSize)
	v.SetDefault("optimizer.maxTrials", DefaultMaxTrials)
	v.SetDefault("optimizer.degradedCyclesBeforeTrigger", DefaultDegradedCycles)
	v.SetDefault("optimizer.timeout", DefaultOptimizerTimeout)
	v.SetDefault("optimizer.minImprovement", DefaultMinImprovement)
	v.SetDefault("inference.timeout", DefaultInferenceTimeout)
	v.SetDefault("monitoring.strategy", DefaultMonitoringStrategy)
}

// Validate checks for invalid configuration values.
func (c *Config) Validate() error {
	if c.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache.maxEntries must be > 0, got %d", c.Cache.MaxEntries)
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be > 0, got %s", c.Cache.TTL)
	}
	if c.Evaluation.BatchSize <= 0 {
		return fmt.Errorf("evaluation.batchSize must be > 0, got %d", c.Evaluation.BatchSize)
	}
	if c.Optimizer.MaxTrials <= 0 {
		return fmt.Errorf("optimizer.maxTrials must be > 0, got %d", c.Optimizer.MaxTrials)
	}
	if c.Optimizer.DegradedCyclesBeforeTrigger < 1 {
		return fmt.Errorf("optimizer.degradedCyclesBeforeTrigger must be >= 1, got %d",
			c.Optimizer.DegradedCyclesBeforeTrigger)
	}
	if c.Optimizer.MinImprovement < 0 {
		return fmt.Errorf("optimizer.minImprovement must be >= 0, got %.4f", c.Optimizer.MinImprovement)
	}
	if c.Inference.Timeout <= 0 {
		return fmt.Errorf("inference.timeout must be > 0, got %s", c.Inference.Timeout)
	}
	for name, th := range c.Evaluation.Thresholds {
		if err := validateThreshold(name, th); err != nil {
			return err
		}
	}
	switch c.Monitoring.Strategy {
	case "", "prometheus", "log", "composite", "nop":
	default:
		return fmt.Errorf("unknown monitoring.strategy %q", c.Monitoring.Strategy)
	}
	return nil
}

func validateThreshold(name string, th Threshold) error {
	if th.Warning < 0 || th.Critical < 0 {
		return fmt.Errorf("evaluation.thresholds[%s]: thresholds must be >= 0", name)
	}
	return nil
}
