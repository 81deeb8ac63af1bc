// Package llm provides the LLM gateway: a provider registry with per-user
// model selection, a shared Redis + local LRU result cache, retry and
// ordered fallback across providers.
package llm

import (
	"context"

	"github.com/hyperasset/hyperasset/internal/domain"
)

// Provider is one LLM backend. Implementations must be safe for concurrent
// use.
type Provider interface {
	// Name returns the model tag this provider serves.
	Name() domain.ModelTag

	// Available reports whether the provider can accept requests
	// (API key present, recent calls not hard-failing).
	Available() bool

	// Generate produces text for the prompt. maxTokens <= 0 means the
	// provider default. The context carries the call timeout.
	Generate(ctx context.Context, prompt string, maxTokens int) (string, error)
}

// Registry is a fixed tag-to-provider table. No reflection, no string
// dispatch in the hot path: lookup is a map read resolved at wire time.
type Registry struct {
	providers map[domain.ModelTag]Provider
}

// NewRegistry builds a registry from the given providers.
func NewRegistry(providers ...Provider) *Registry {
	m := make(map[domain.ModelTag]Provider, len(providers))
	for _, p := range providers {
		m[p.Name()] = p
	}
	return &Registry{providers: m}
}

// Get returns the provider for tag, or nil.
func (r *Registry) Get(tag domain.ModelTag) Provider {
	return r.providers[tag]
}

// Available returns the tags of currently available providers.
func (r *Registry) Available() []domain.ModelTag {
	var out []domain.ModelTag
	for tag, p := range r.providers {
		if p.Available() {
			out = append(out, tag)
		}
	}
	return out
}
