package model

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"goa.design/clue/log"
)

type (
	// Registry holds the providers linked into the binary and the model
	// catalog used for identifier resolution and cost computation.
	// Providers register at program start; the registry is read-mostly
	// afterwards.
	Registry struct {
		mu        sync.RWMutex
		providers map[string]Client
		catalog   map[string]map[string]ModelInfo
		prefer    []string
	}

	// ModelInfo describes one catalog entry.
	ModelInfo struct {
		// Provider is the provider identifier.
		Provider string
		// ID is the provider-specific model identifier. It may contain "/".
		ID string
		// Rates are the per-million-token dollar rates used for cost
		// computation. A nil Rates means cost is unknown for this model.
		Rates *Rates
	}

	// Rates holds per-million-token dollar rates.
	Rates struct {
		Input      float64 `yaml:"input"`
		Output     float64 `yaml:"output"`
		CacheRead  float64 `yaml:"cache_read"`
		CacheWrite float64 `yaml:"cache_write"`
	}

	// Selection is a resolved model reference.
	Selection struct {
		Provider string
		Model    string
		Client   Client
		Info     ModelInfo
	}
)

// NewRegistry constructs an empty Registry. prefer lists provider IDs in
// resolution precedence order for bare model identifiers; providers absent
// from the list sort after listed ones, alphabetically.
func NewRegistry(prefer []string) *Registry {
	return &Registry{
		providers: make(map[string]Client),
		catalog:   make(map[string]map[string]ModelInfo),
		prefer:    append([]string(nil), prefer...),
	}
}

// Register adds a provider client under the given identifier. Registering the
// same identifier twice is a programming error.
func (r *Registry) Register(providerID string, client Client) error {
	if providerID == "" {
		return fmt.Errorf("provider id is required")
	}
	if client == nil {
		return fmt.Errorf("client is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[providerID]; ok {
		return fmt.Errorf("provider %q already registered", providerID)
	}
	r.providers[providerID] = client
	return nil
}

// AddModel records a catalog entry for resolution and cost computation.
func (r *Registry) AddModel(info ModelInfo) error {
	if info.Provider == "" || info.ID == "" {
		return fmt.Errorf("model info requires provider and id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	byID := r.catalog[info.Provider]
	if byID == nil {
		byID = make(map[string]ModelInfo)
		r.catalog[info.Provider] = byID
	}
	byID[info.ID] = info
	return nil
}

// Resolve maps a model reference to a provider client. References take the
// form "provider/model" where model may itself contain "/"; a bare model
// identifier resolves against the catalog using the configured precedence
// list and logs which provider was chosen.
func (r *Registry) Resolve(ctx context.Context, ref string) (*Selection, error) {
	if ref == "" {
		return nil, fmt.Errorf("model reference is required")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	if provider, modelID, ok := strings.Cut(ref, "/"); ok {
		if client, registered := r.providers[provider]; registered {
			return &Selection{
				Provider: provider,
				Model:    modelID,
				Client:   client,
				Info:     r.lookupLocked(provider, modelID),
			}, nil
		}
		// The segment before the first "/" is not a registered provider, so
		// the whole reference is a bare model identifier containing "/".
	}

	for _, provider := range r.precedenceLocked() {
		byID := r.catalog[provider]
		if _, ok := byID[ref]; !ok {
			continue
		}
		client, registered := r.providers[provider]
		if !registered {
			continue
		}
		log.Info(ctx, log.KV{K: "msg", V: "resolved bare model id"},
			log.KV{K: "model", V: ref},
			log.KV{K: "provider", V: provider})
		return &Selection{
			Provider: provider,
			Model:    ref,
			Client:   client,
			Info:     r.lookupLocked(provider, ref),
		}, nil
	}
	return nil, fmt.Errorf("model %q not found in any registered provider", ref)
}

// Cost computes the dollar cost for the given model usage. Unknown usage or a
// model without configured rates yields the explicit unknown cost.
func (r *Registry) Cost(provider, modelID string, usage Usage) Cost {
	r.mu.RLock()
	info := r.lookupLocked(provider, modelID)
	r.mu.RUnlock()
	if info.Rates == nil || !usage.Known() {
		return UnknownCost()
	}
	perTok := func(c TokenCount, ratePerM float64) float64 {
		n, ok := c.Value()
		if !ok {
			return 0
		}
		return float64(n) * ratePerM / 1e6
	}
	total := perTok(usage.Input, info.Rates.Input) +
		perTok(usage.Output, info.Rates.Output) +
		perTok(usage.CacheRead, info.Rates.CacheRead) +
		perTok(usage.CacheWrite, info.Rates.CacheWrite)
	return USD(total)
}

// Providers returns the registered provider identifiers in precedence order.
func (r *Registry) Providers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.precedenceLocked()
}

func (r *Registry) lookupLocked(provider, modelID string) ModelInfo {
	if byID, ok := r.catalog[provider]; ok {
		if info, ok := byID[modelID]; ok {
			return info
		}
	}
	return ModelInfo{Provider: provider, ID: modelID}
}

func (r *Registry) precedenceLocked() []string {
	ranked := make(map[string]int, len(r.prefer))
	for i, p := range r.prefer {
		ranked[p] = i
	}
	out := make([]string, 0, len(r.providers))
	for p := range r.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, iOK := ranked[out[i]]
		rj, jOK := ranked[out[j]]
		switch {
		case iOK && jOK:
			return ri < rj
		case iOK:
			return true
		case jOK:
			return false
		default:
			return out[i] < out[j]
		}
	})
	return out
}
