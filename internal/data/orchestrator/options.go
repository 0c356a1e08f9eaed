// File path: internal/data/orchestrator/options.go
package orchestrator

import "github.com/storymill/storymill/internal/llm"

type options struct {
	provider       llm.Provider
	vectorDisabled bool
}

// Option customizes orchestrator construction, mainly for tests.
type Option func(*options)

// WithProvider overrides the LLM collaborator.
func WithProvider(provider llm.Provider) Option {
	return func(o *options) {
		o.provider = provider
	}
}

// WithoutVector disables the similarity index even when configured.
func WithoutVector() Option {
	return func(o *options) {
		o.vectorDisabled = true
	}
}
