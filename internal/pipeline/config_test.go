// File path: internal/pipeline/config_test.go
package pipeline

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/storymill/storymill/internal/theme"
)

func stubConversation(id string, occurred time.Time) theme.Conversation {
	return theme.Conversation{ID: id, OccurredAt: occurred, Text: "conversation " + id}
}

func TestDefaultConfigValidates(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidateRejectsCorruptingValues(t *testing.T) {
	cases := map[string]func(*Config){
		"zero batch size":        func(c *Config) { c.BatchSize = 0 },
		"min group size of one":  func(c *Config) { c.MinGroupSize = 1 },
		"threshold above one":    func(c *Config) { c.ConfidenceThreshold = 1.5 },
		"zero review iterations": func(c *Config) { c.MaxReviewIterations = 0 },
		"negative recency":       func(c *Config) { c.RecencyWindow = -time.Hour },
		"zero expiry runs":       func(c *Config) { c.OrphanExpiryRuns = 0 },
		"empty weights":          func(c *Config) { c.Weights.Semantic = 0; c.Weights.Intent = 0; c.Weights.Symptom = 0; c.Weights.Product = 0 },
	}
	for name, mutate := range cases {
		cfg := DefaultConfig()
		mutate(&cfg)
		if err := cfg.Validate(); !errors.Is(err, ErrConfiguration) {
			t.Fatalf("%s: expected ErrConfiguration, got %v", name, err)
		}
	}
}

func TestLoadConfigMergesFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	content := "batch_size: 25\nmin_group_size: 4\nrecency_window: 168h\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("PIPELINE_CONFIG_FILE", path)
	t.Setenv("PIPELINE_BATCH_SIZE", "10")
	t.Setenv("PIPELINE_CONFIDENCE_THRESHOLD", "0.8")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.BatchSize != 10 {
		t.Fatalf("env must win over file: batch_size = %d", cfg.BatchSize)
	}
	if cfg.MinGroupSize != 4 {
		t.Fatalf("file value lost: min_group_size = %d", cfg.MinGroupSize)
	}
	if cfg.RecencyWindow != 168*time.Hour {
		t.Fatalf("recency_window = %v", cfg.RecencyWindow)
	}
	if cfg.ConfidenceThreshold != 0.8 {
		t.Fatalf("confidence_threshold = %v", cfg.ConfidenceThreshold)
	}
	if cfg.MaxParallelCalls != 4 {
		t.Fatalf("default not preserved: max_parallel_calls = %d", cfg.MaxParallelCalls)
	}
}

func TestLoadConfigRejectsBadEnv(t *testing.T) {
	t.Setenv("PIPELINE_BATCH_SIZE", "many")
	if _, err := LoadConfig(); !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestIntakeValidation(t *testing.T) {
	q := NewIntake()
	occurred := time.Now().UTC()
	items := []Item{
		{Conversation: stubConversation("c1", occurred)},
		{Conversation: stubConversation("", occurred)},
		{Conversation: stubConversation("c3", time.Time{})},
	}
	accepted, err := q.Add(items)
	if accepted != 1 {
		t.Fatalf("accepted = %d", accepted)
	}
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if q.Pending() != 1 {
		t.Fatalf("pending = %d", q.Pending())
	}
}

func TestIntakeRequeuePrepends(t *testing.T) {
	q := NewIntake()
	occurred := time.Now().UTC()
	if _, err := q.Add([]Item{{Conversation: stubConversation("late", occurred)}}); err != nil {
		t.Fatalf("add: %v", err)
	}
	q.Requeue([]Item{{Conversation: stubConversation("deferred", occurred)}})
	items := q.Drain()
	if len(items) != 2 || items[0].Conversation.ID != "deferred" {
		t.Fatalf("requeued item must come first: %+v", items)
	}
	if q.Pending() != 0 {
		t.Fatalf("drain left %d pending", q.Pending())
	}
}
