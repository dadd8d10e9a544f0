package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/wakala/agentsettle/internal/cache"
	"github.com/wakala/agentsettle/internal/domain"
	apperrors "github.com/wakala/agentsettle/internal/errors"
	"github.com/wakala/agentsettle/internal/store"
)

const (
	agentsRoot    = "agents"
	merchantsRoot = "merchants"
)

var (
	agentsCacheKey    = cache.Key("agents")
	merchantsCacheKey = cache.Key("merchants")
)

func AgentPath(id string) string {
	return store.Join(agentsRoot, store.EscapeKey(id))
}

func MerchantPath(code string) string {
	return store.Join(merchantsRoot, store.EscapeKey(code))
}

// DirectoryRepo holds agents and merchants. Full listings are served from
// the cache when it has them; every write invalidates the cached listing.
type DirectoryRepo struct {
	store store.Store
	cache cache.Cache
}

func NewDirectoryRepo(s store.Store, c cache.Cache) *DirectoryRepo {
	if c == nil {
		c = cache.Nop{}
	}
	return &DirectoryRepo{store: s, cache: c}
}

func (r *DirectoryRepo) GetAgent(ctx context.Context, id string) (*domain.Agent, error) {
	var a domain.Agent
	if err := store.GetJSON(ctx, r.store, AgentPath(id), &a); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.NotFound("agent", id)
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return &a, nil
}

// ListAgents returns all agents ordered by id.
func (r *DirectoryRepo) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	var agents []domain.Agent
	if err := r.cache.Load(ctx, agentsCacheKey, &agents); err == nil {
		return agents, nil
	}

	all, err := store.ListJSON[domain.Agent](ctx, r.store, agentsRoot)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	agents = make([]domain.Agent, 0, len(all))
	for _, a := range all {
		agents = append(agents, a)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })

	// A failed cache fill only costs the next reader a store scan.
	_ = r.cache.Save(ctx, agentsCacheKey, agents)
	return agents, nil
}

func (r *DirectoryRepo) SaveAgent(ctx context.Context, a domain.Agent) error {
	if err := store.SetJSON(ctx, r.store, AgentPath(a.ID), a); err != nil {
		return fmt.Errorf("save agent: %w", err)
	}
	return r.cache.Invalidate(ctx, agentsCacheKey)
}

func (r *DirectoryRepo) GetMerchant(ctx context.Context, code string) (*domain.Merchant, error) {
	var m domain.Merchant
	if err := store.GetJSON(ctx, r.store, MerchantPath(code), &m); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.NotFound("merchant", code)
		}
		return nil, fmt.Errorf("get merchant: %w", err)
	}
	return &m, nil
}

// ListMerchants returns all merchants ordered by code.
func (r *DirectoryRepo) ListMerchants(ctx context.Context) ([]domain.Merchant, error) {
	var merchants []domain.Merchant
	if err := r.cache.Load(ctx, merchantsCacheKey, &merchants); err == nil {
		return merchants, nil
	}

	all, err := store.ListJSON[domain.Merchant](ctx, r.store, merchantsRoot)
	if err != nil {
		return nil, fmt.Errorf("list merchants: %w", err)
	}
	merchants = make([]domain.Merchant, 0, len(all))
	for _, m := range all {
		merchants = append(merchants, m)
	}
	sort.Slice(merchants, func(i, j int) bool { return merchants[i].Code < merchants[j].Code })

	_ = r.cache.Save(ctx, merchantsCacheKey, merchants)
	return merchants, nil
}

func (r *DirectoryRepo) SaveMerchant(ctx context.Context, m domain.Merchant) error {
	if err := store.SetJSON(ctx, r.store, MerchantPath(m.Code), m); err != nil {
		return fmt.Errorf("save merchant: %w", err)
	}
	return r.cache.Invalidate(ctx, merchantsCacheKey)
}

// Invalidate drops the cached listings.
func (r *DirectoryRepo) Invalidate(ctx context.Context) error {
	return r.cache.Invalidate(ctx, agentsCacheKey, merchantsCacheKey)
}
