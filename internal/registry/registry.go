// Package registry is the read-mostly view of providers and models.
// Dispatch-path lookups hit a TTL cache refreshed from the store, so
// admin writes become visible within one refresh interval without a
// store round trip per request.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/learnloop/aidispatch/internal/store"
	"github.com/learnloop/aidispatch/pkg/types"
)

const (
	keyProviders = "providers"
	keyModels    = "models"
)

// Registry caches provider and model catalogs and hands out per-provider
// clients.
type Registry struct {
	store  store.Store
	cache  *cache.Cache
	logger *slog.Logger
	httpc  *http.Client

	mu      sync.Mutex
	clients map[string]clientEntry
}

type clientEntry struct {
	client  Client
	version time.Time
}

// New creates a registry over the given store. ttl bounds how stale the
// dispatch path may see the catalog.
func New(st store.Store, ttl time.Duration, logger *slog.Logger) *Registry {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Registry{
		store:   st,
		cache:   cache.New(ttl, ttl*2),
		logger:  logger,
		httpc:   &http.Client{Timeout: 60 * time.Second},
		clients: make(map[string]clientEntry),
	}
}

// SetHTTPClient overrides the outbound HTTP client, used by tests.
func (r *Registry) SetHTTPClient(httpc *http.Client) { r.httpc = httpc }

// Providers returns the full provider catalog, cached.
func (r *Registry) Providers(ctx context.Context) ([]types.Provider, error) {
	if v, ok := r.cache.Get(keyProviders); ok {
		return v.([]types.Provider), nil
	}
	providers, err := r.store.ListProviders(ctx)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	r.cache.Set(keyProviders, providers, cache.DefaultExpiration)
	return providers, nil
}

// ActiveProviders returns active providers in priority order.
func (r *Registry) ActiveProviders(ctx context.Context) ([]types.Provider, error) {
	all, err := r.Providers(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]types.Provider, 0, len(all))
	for _, p := range all {
		if p.Active {
			out = append(out, p)
		}
	}
	return out, nil
}

// Provider returns one provider by ID from the cached catalog.
func (r *Registry) Provider(ctx context.Context, id string) (*types.Provider, error) {
	all, err := r.Providers(ctx)
	if err != nil {
		return nil, err
	}
	for i := range all {
		if all[i].ID == id {
			return &all[i], nil
		}
	}
	return nil, store.ErrNotFound
}

// Models returns the full model catalog, cached.
func (r *Registry) Models(ctx context.Context) ([]types.Model, error) {
	if v, ok := r.cache.Get(keyModels); ok {
		return v.([]types.Model), nil
	}
	models, err := r.store.ListModels(ctx)
	if err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	r.cache.Set(keyModels, models, cache.DefaultExpiration)
	return models, nil
}

// ModelsForProvider returns the provider's models from the cached catalog.
func (r *Registry) ModelsForProvider(ctx context.Context, providerID string) ([]types.Model, error) {
	all, err := r.Models(ctx)
	if err != nil {
		return nil, err
	}
	var out []types.Model
	for _, m := range all {
		if m.ProviderID == providerID {
			out = append(out, m)
		}
	}
	return out, nil
}

// ResolveModel picks the model to invoke on a provider: the named model
// when given and active, else the provider's default, else its first
// active model.
func (r *Registry) ResolveModel(ctx context.Context, providerID, preferredModel string) (*types.Model, error) {
	models, err := r.ModelsForProvider(ctx, providerID)
	if err != nil {
		return nil, err
	}

	var first, def *types.Model
	for i := range models {
		m := &models[i]
		if !m.Active {
			continue
		}
		if preferredModel != "" && (m.ID == preferredModel || m.ModelID == preferredModel) {
			return m, nil
		}
		if m.IsDefault && def == nil {
			def = m
		}
		if first == nil {
			first = m
		}
	}
	if def != nil {
		return def, nil
	}
	if first != nil {
		return first, nil
	}
	return nil, fmt.Errorf("provider %s has no active models", providerID)
}

// ClientFor returns a client for the provider, memoized until the
// provider record changes.
func (r *Registry) ClientFor(ctx context.Context, providerID string) (Client, error) {
	p, err := r.Provider(ctx, providerID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.clients[p.ID]; ok && entry.version.Equal(p.UpdatedAt) {
		return entry.client, nil
	}

	client, err := NewClient(p, r.httpc)
	if err != nil {
		return nil, err
	}
	r.clients[p.ID] = clientEntry{client: client, version: p.UpdatedAt}
	r.logger.Debug("provider client built", "provider", p.ID, "vendor", p.Vendor)
	return client, nil
}

// Invalidate drops the cached catalogs. Admin handlers call this after
// writes so changes apply on the next request instead of after TTL.
func (r *Registry) Invalidate() {
	r.cache.Delete(keyProviders)
	r.cache.Delete(keyModels)
}
