// File path: internal/pipeline/config.go
package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/storymill/storymill/internal/scoring"
)

// Config drives one pipeline run. Thresholds are unit-interval scores;
// durations are parsed from Go duration strings in the YAML file and env.
type Config struct {
	BatchSize        int `yaml:"batch_size"`
	MaxParallelCalls int `yaml:"max_parallel_calls"`
	RetryAttempts    int `yaml:"retry_attempts"`

	ConfidenceThreshold float64 `yaml:"confidence_threshold"`
	MinGroupSize        int     `yaml:"min_group_size"`
	MaxReviewIterations int     `yaml:"max_review_iterations"`

	RecencyWindow       time.Duration `yaml:"-"`
	RecencyWindowString string        `yaml:"recency_window"`

	LowEvidenceThreshold int `yaml:"low_evidence_threshold"`

	GraduationThreshold float64       `yaml:"graduation_threshold"`
	SemanticThreshold   float64       `yaml:"semantic_threshold"`
	OrphanExpiryRuns    int           `yaml:"orphan_expiry_runs"`
	OrphanMaxHold       time.Duration `yaml:"-"`
	OrphanMaxHoldString string        `yaml:"orphan_max_hold"`

	Weights        scoring.Weights `yaml:"weights"`
	NeutralProduct float64         `yaml:"neutral_product"`
}

// DefaultConfig returns the production pipeline configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:            50,
		MaxParallelCalls:     4,
		RetryAttempts:        3,
		ConfidenceThreshold:  0.70,
		MinGroupSize:         3,
		MaxReviewIterations:  2,
		RecencyWindow:        30 * 24 * time.Hour,
		LowEvidenceThreshold: 5,
		GraduationThreshold:  0.70,
		SemanticThreshold:    0.75,
		OrphanExpiryRuns:     3,
		OrphanMaxHold:        45 * 24 * time.Hour,
		Weights:              scoring.DefaultWeights(),
		NeutralProduct:       0.5,
	}
}

func (c Config) Merge(override Config) Config {
	result := c
	if override.BatchSize > 0 {
		result.BatchSize = override.BatchSize
	}
	if override.MaxParallelCalls > 0 {
		result.MaxParallelCalls = override.MaxParallelCalls
	}
	if override.RetryAttempts > 0 {
		result.RetryAttempts = override.RetryAttempts
	}
	if override.ConfidenceThreshold > 0 {
		result.ConfidenceThreshold = override.ConfidenceThreshold
	}
	if override.MinGroupSize > 0 {
		result.MinGroupSize = override.MinGroupSize
	}
	if override.MaxReviewIterations > 0 {
		result.MaxReviewIterations = override.MaxReviewIterations
	}
	if override.RecencyWindow > 0 {
		result.RecencyWindow = override.RecencyWindow
	}
	if strings.TrimSpace(override.RecencyWindowString) != "" {
		result.RecencyWindowString = strings.TrimSpace(override.RecencyWindowString)
	}
	if override.LowEvidenceThreshold > 0 {
		result.LowEvidenceThreshold = override.LowEvidenceThreshold
	}
	if override.GraduationThreshold > 0 {
		result.GraduationThreshold = override.GraduationThreshold
	}
	if override.SemanticThreshold > 0 {
		result.SemanticThreshold = override.SemanticThreshold
	}
	if override.OrphanExpiryRuns > 0 {
		result.OrphanExpiryRuns = override.OrphanExpiryRuns
	}
	if override.OrphanMaxHold > 0 {
		result.OrphanMaxHold = override.OrphanMaxHold
	}
	if strings.TrimSpace(override.OrphanMaxHoldString) != "" {
		result.OrphanMaxHoldString = strings.TrimSpace(override.OrphanMaxHoldString)
	}
	if override.Weights != (scoring.Weights{}) {
		result.Weights = override.Weights
	}
	if override.NeutralProduct > 0 {
		result.NeutralProduct = override.NeutralProduct
	}
	return result
}

// LoadConfig assembles the pipeline configuration from defaults, an optional
// YAML file (PIPELINE_CONFIG_FILE) and env overrides, then validates it.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()
	if path := strings.TrimSpace(os.Getenv("PIPELINE_CONFIG_FILE")); path != "" {
		fileCfg, err := loadConfigFile(path)
		if err != nil {
			return Config{}, err
		}
		cfg = cfg.Merge(fileCfg)
	}
	envCfg, err := loadConfigEnv()
	if err != nil {
		return Config{}, err
	}
	cfg = cfg.Merge(envCfg)
	cfg.resolveDurations()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) resolveDurations() {
	if c.RecencyWindowString != "" {
		if parsed, err := time.ParseDuration(c.RecencyWindowString); err == nil && parsed > 0 {
			c.RecencyWindow = parsed
		}
	}
	if c.OrphanMaxHoldString != "" {
		if parsed, err := time.ParseDuration(c.OrphanMaxHoldString); err == nil && parsed > 0 {
			c.OrphanMaxHold = parsed
		}
	}
}

// Validate rejects configurations that would silently corrupt grouping
// semantics. Errors wrap ErrConfiguration so callers can fail fast.
func (c Config) Validate() error {
	fail := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
	}
	if c.BatchSize <= 0 {
		return fail("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.MaxParallelCalls <= 0 {
		return fail("max_parallel_calls must be positive, got %d", c.MaxParallelCalls)
	}
	if c.RetryAttempts <= 0 {
		return fail("retry_attempts must be positive, got %d", c.RetryAttempts)
	}
	if c.ConfidenceThreshold <= 0 || c.ConfidenceThreshold > 1 {
		return fail("confidence_threshold must be in (0,1], got %v", c.ConfidenceThreshold)
	}
	if c.GraduationThreshold <= 0 || c.GraduationThreshold > 1 {
		return fail("graduation_threshold must be in (0,1], got %v", c.GraduationThreshold)
	}
	if c.SemanticThreshold <= 0 || c.SemanticThreshold > 1 {
		return fail("semantic_threshold must be in (0,1], got %v", c.SemanticThreshold)
	}
	if c.MinGroupSize < 2 {
		return fail("min_group_size must be at least 2, got %d", c.MinGroupSize)
	}
	if c.MaxReviewIterations < 1 {
		return fail("max_review_iterations must be at least 1, got %d", c.MaxReviewIterations)
	}
	if c.RecencyWindow <= 0 {
		return fail("recency_window must be positive")
	}
	if c.OrphanExpiryRuns < 1 {
		return fail("orphan_expiry_runs must be at least 1, got %d", c.OrphanExpiryRuns)
	}
	if c.OrphanMaxHold <= 0 {
		return fail("orphan_max_hold must be positive")
	}
	sum := c.Weights.Semantic + c.Weights.Intent + c.Weights.Symptom + c.Weights.Product
	if sum <= 0 {
		return fail("scoring weights must sum to a positive value")
	}
	if c.NeutralProduct <= 0 || c.NeutralProduct > 1 {
		return fail("neutral_product must be in (0,1], got %v", c.NeutralProduct)
	}
	return nil
}

func loadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Config{}, fmt.Errorf("%w: read pipeline config: %v", ErrConfiguration, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: parse pipeline config: %v", ErrConfiguration, err)
	}
	return cfg, nil
}

func loadConfigEnv() (Config, error) {
	cfg := Config{}
	intEnv := map[string]*int{
		"PIPELINE_BATCH_SIZE":             &cfg.BatchSize,
		"PIPELINE_MAX_PARALLEL_CALLS":     &cfg.MaxParallelCalls,
		"PIPELINE_RETRY_ATTEMPTS":         &cfg.RetryAttempts,
		"PIPELINE_MIN_GROUP_SIZE":         &cfg.MinGroupSize,
		"PIPELINE_MAX_REVIEW_ITERATIONS":  &cfg.MaxReviewIterations,
		"PIPELINE_LOW_EVIDENCE_THRESHOLD": &cfg.LowEvidenceThreshold,
		"PIPELINE_ORPHAN_EXPIRY_RUNS":     &cfg.OrphanExpiryRuns,
	}
	for name, target := range intEnv {
		raw := strings.TrimSpace(os.Getenv(name))
		if raw == "" {
			continue
		}
		value, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("%w: parse %s: %v", ErrConfiguration, name, err)
		}
		*target = value
	}
	floatEnv := map[string]*float64{
		"PIPELINE_CONFIDENCE_THRESHOLD": &cfg.ConfidenceThreshold,
		"PIPELINE_GRADUATION_THRESHOLD": &cfg.GraduationThreshold,
		"PIPELINE_SEMANTIC_THRESHOLD":   &cfg.SemanticThreshold,
		"PIPELINE_NEUTRAL_PRODUCT":      &cfg.NeutralProduct,
	}
	for name, target := range floatEnv {
		raw := strings.TrimSpace(os.Getenv(name))
		if raw == "" {
			continue
		}
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Config{}, fmt.Errorf("%w: parse %s: %v", ErrConfiguration, name, err)
		}
		*target = value
	}
	if raw := strings.TrimSpace(os.Getenv("PIPELINE_RECENCY_WINDOW")); raw != "" {
		cfg.RecencyWindowString = raw
		if _, err := time.ParseDuration(raw); err != nil {
			return Config{}, fmt.Errorf("%w: parse PIPELINE_RECENCY_WINDOW: %v", ErrConfiguration, err)
		}
	}
	if raw := strings.TrimSpace(os.Getenv("PIPELINE_ORPHAN_MAX_HOLD")); raw != "" {
		cfg.OrphanMaxHoldString = raw
		if _, err := time.ParseDuration(raw); err != nil {
			return Config{}, fmt.Errorf("%w: parse PIPELINE_ORPHAN_MAX_HOLD: %v", ErrConfiguration, err)
		}
	}
	return cfg, nil
}
