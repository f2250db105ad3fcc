// Package router owns the global model registry and dispatches an
// incoming OpenAI-shaped chat request to the right provider adapter,
// resolving a session bundle and a pool credential along the way.
package router

import (
	"fmt"
	"sort"

	"github.com/oxbow-labs/sessiongate/llm"
)

// Registry is the model-name -> provider mapping the Router consults to
// dispatch a request. It is built once, at startup, from the union of
// every configured adapter's SupportedModels() — a public model name
// claimed by more than one adapter is a build-time error, not a runtime
// ambiguity to paper over.
type Registry struct {
	descriptors map[string]llm.ModelDescriptor
}

// NewRegistry builds a Registry from a provider-id -> adapter map.
func NewRegistry(providers map[string]llm.Provider) (*Registry, error) {
	descriptors := make(map[string]llm.ModelDescriptor)

	ids := make([]string, 0, len(providers))
	for id := range providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		for _, d := range providers[id].SupportedModels() {
			if existing, ok := descriptors[d.PublicName]; ok {
				return nil, fmt.Errorf("router: model name %q is claimed by both provider %q and %q",
					d.PublicName, existing.ProviderID, d.ProviderID)
			}
			descriptors[d.PublicName] = d
		}
	}
	return &Registry{descriptors: descriptors}, nil
}

// Lookup returns the descriptor registered under a base model name (after
// mode-suffix stripping by the modelname package).
func (r *Registry) Lookup(baseName string) (llm.ModelDescriptor, bool) {
	d, ok := r.descriptors[baseName]
	return d, ok
}

// List returns every registered descriptor sorted by public name, for
// GET /v1/models.
func (r *Registry) List() []llm.ModelDescriptor {
	out := make([]llm.ModelDescriptor, 0, len(r.descriptors))
	for _, d := range r.descriptors {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PublicName < out[j].PublicName })
	return out
}
