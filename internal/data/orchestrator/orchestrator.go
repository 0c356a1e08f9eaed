// File path: internal/data/orchestrator/orchestrator.go
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/storymill/storymill/internal/cluster"
	"github.com/storymill/storymill/internal/common"
	"github.com/storymill/storymill/internal/gate"
	"github.com/storymill/storymill/internal/llm"
	"github.com/storymill/storymill/internal/orphan"
	"github.com/storymill/storymill/internal/pipeline"
	"github.com/storymill/storymill/internal/review"
	"github.com/storymill/storymill/internal/scoring"
	"github.com/storymill/storymill/internal/sqlite"
	"github.com/storymill/storymill/internal/vector"
)

type closer interface {
	Close() error
}

// Orchestrator wires together the catalog, collaborators and pipeline
// components that back the storymill server.
type Orchestrator struct {
	cfg Config

	catalog  *sqlite.Store
	provider llm.Provider
	vector   *vector.Client
	runner   *pipeline.Runner

	closers []closer
}

// New constructs an orchestrator from the provided configuration and
// optional overrides.
func New(ctx context.Context, cfg Config, opts ...Option) (*Orchestrator, error) {
	cfg = applyDefaults(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	settings := options{}
	for _, opt := range opts {
		if opt != nil {
			opt(&settings)
		}
	}

	catalog, err := sqlite.Open(cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("init sqlite store: %w", err)
	}

	provider := settings.provider
	if provider == nil {
		provider = llm.NewProvider()
	}

	var vectorClient *vector.Client
	if settings.vectorDisabled {
		common.Logger().Info("orchestrator: vector index disabled by option")
	} else if vector.Enabled() {
		vectorClient, err = vector.NewFromEnv(ctx)
		if err != nil {
			catalog.Close()
			return nil, fmt.Errorf("init vector client: %w", err)
		}
	}

	pipelineCfg := cfg.Pipeline
	scorer := scoring.New(scoring.Config{
		Weights:        pipelineCfg.Weights,
		NeutralProduct: pipelineCfg.NeutralProduct,
	})
	deps := pipeline.Deps{
		Catalog:  catalog,
		Provider: provider,
		Cluster:  cluster.New(scorer, cluster.Config{ConfidenceThreshold: pipelineCfg.ConfidenceThreshold}),
		Review:   review.New(provider, review.Config{MaxIterations: pipelineCfg.MaxReviewIterations}),
		Gate: gate.New(catalog, scorer, gate.Config{
			MinGroupSize:         pipelineCfg.MinGroupSize,
			RecencyWindow:        pipelineCfg.RecencyWindow,
			LowEvidenceThreshold: pipelineCfg.LowEvidenceThreshold,
		}),
		Intake: pipeline.NewIntake(),
	}
	var index orphan.SimilarityIndex
	if vectorClient != nil && vectorClient.Available() {
		index = vectorClient
		deps.Index = vectorClient
	}
	deps.Orphans = orphan.New(catalog, scorer, index, orphan.Config{
		MinGroupSize:        pipelineCfg.MinGroupSize,
		GraduationThreshold: pipelineCfg.GraduationThreshold,
		SemanticThreshold:   pipelineCfg.SemanticThreshold,
		ExpiryRuns:          pipelineCfg.OrphanExpiryRuns,
		MaxHold:             pipelineCfg.OrphanMaxHold,
	})

	runner, err := pipeline.NewRunner(deps, pipelineCfg)
	if err != nil {
		catalog.Close()
		if vectorClient != nil {
			vectorClient.Close()
		}
		return nil, fmt.Errorf("init pipeline runner: %w", err)
	}

	orch := &Orchestrator{
		cfg:      cfg,
		catalog:  catalog,
		provider: provider,
		vector:   vectorClient,
		runner:   runner,
	}
	orch.closers = append(orch.closers, catalog)
	if vectorClient != nil {
		orch.closers = append(orch.closers, vectorClient)
	}
	common.Logger().Info("orchestrator: ready",
		"db", cfg.SQLitePath,
		"provider", provider.Name(),
		"vector_available", vectorClient != nil && vectorClient.Available())
	return orch, nil
}

// Catalog exposes the backing sqlite store.
func (o *Orchestrator) Catalog() *sqlite.Store {
	if o == nil {
		return nil
	}
	return o.catalog
}

// Provider exposes the configured LLM collaborator.
func (o *Orchestrator) Provider() llm.Provider {
	if o == nil {
		return nil
	}
	return o.provider
}

// Vector exposes the optional similarity index client.
func (o *Orchestrator) Vector() *vector.Client {
	if o == nil {
		return nil
	}
	return o.vector
}

// Runner exposes the pipeline runner.
func (o *Orchestrator) Runner() *pipeline.Runner {
	if o == nil {
		return nil
	}
	return o.runner
}

// Close releases any resources associated with the orchestrator.
func (o *Orchestrator) Close() error {
	if o == nil {
		return nil
	}
	var err error
	for i := len(o.closers) - 1; i >= 0; i-- {
		closer := o.closers[i]
		if closer == nil {
			continue
		}
		if cerr := closer.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	return err
}

// Config drives orchestrator construction.
type Config struct {
	SQLitePath string
	Pipeline   pipeline.Config
}

func applyDefaults(cfg Config) Config {
	if strings.TrimSpace(cfg.SQLitePath) == "" {
		cfg.SQLitePath = "storymill.db"
	}
	if cfg.Pipeline == (pipeline.Config{}) {
		cfg.Pipeline = pipeline.DefaultConfig()
	}
	return cfg
}

func (c Config) validate() error {
	if strings.TrimSpace(c.SQLitePath) == "" {
		return errors.New("sqlite path required")
	}
	return c.Pipeline.Validate()
}
