// Package directory manages agents, their discount rates and the merchant to
// settlement account routing.
package directory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/wakala/agentsettle/internal/domain"
	apperrors "github.com/wakala/agentsettle/internal/errors"
	"github.com/wakala/agentsettle/internal/logger"
	"github.com/wakala/agentsettle/internal/repository"
)

type Service struct {
	repo *repository.DirectoryRepo
	log  *logger.Logger
	mu   sync.Mutex
}

func NewService(repo *repository.DirectoryRepo, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{repo: repo, log: log}
}

// UpsertAgent creates or replaces an agent. The legacy flat rate table is
// never written here: an existing agent keeps its flat rates and a new agent
// starts without any.
func (s *Service) UpsertAgent(ctx context.Context, agent domain.Agent) (*domain.Agent, error) {
	ctx = s.log.WithComponent(ctx, "directory")
	agent.ID = strings.TrimSpace(agent.ID)
	agent.Code = strings.TrimSpace(agent.Code)

	s.mu.Lock()
	defer s.mu.Unlock()

	agent.DiscountRates = nil
	existing, err := s.repo.GetAgent(ctx, agent.ID)
	switch {
	case err == nil:
		agent.DiscountRates = existing.DiscountRates
	case agent.ID == "" || apperrors.IsCode(err, apperrors.CodeNotFound):
	default:
		return nil, err
	}

	if err := agent.Validate(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeValidation, err, "invalid agent").
			WithDetails(domain.FieldErrors(err))
	}
	if err := s.repo.SaveAgent(ctx, agent); err != nil {
		return nil, err
	}
	s.log.Infof(ctx, "agent %s saved", agent.ID)
	return &agent, nil
}

// SetPointOfSaleRate writes one entry of the per point of sale rate table.
func (s *Service) SetPointOfSaleRate(ctx context.Context, agentID, pointOfSale, method string, pct decimal.Decimal) (*domain.Agent, error) {
	ctx = s.log.WithComponent(ctx, "directory")
	pointOfSale = strings.TrimSpace(pointOfSale)
	method = strings.TrimSpace(method)

	details := map[string]string{}
	if pointOfSale == "" {
		details["pointOfSale"] = "is required"
	}
	if method == "" {
		details["paymentMethod"] = "is required"
	}
	if !domain.ValidPercentage(pct) {
		details["percentage"] = "must be within [0,100]"
	}
	if len(details) > 0 {
		return nil, apperrors.New(apperrors.CodeValidation, "invalid rate").WithDetails(details)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	agent, err := s.repo.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	if agent.DiscountRatesByPointOfSale == nil {
		agent.DiscountRatesByPointOfSale = make(map[string]map[string]decimal.Decimal)
	}
	rates := agent.DiscountRatesByPointOfSale[pointOfSale]
	if rates == nil {
		rates = make(map[string]decimal.Decimal)
		agent.DiscountRatesByPointOfSale[pointOfSale] = rates
	}
	rates[method] = pct

	if err := s.repo.SaveAgent(ctx, *agent); err != nil {
		return nil, err
	}
	s.log.Infof(ctx, "agent %s rate %s/%s set to %s", agentID, pointOfSale, method, pct)
	return agent, nil
}

// UpsertMerchant stores the merchant with its distinct settlement accounts.
func (s *Service) UpsertMerchant(ctx context.Context, m domain.Merchant) (*domain.Merchant, error) {
	ctx = s.log.WithComponent(ctx, "directory")
	m.Code = strings.TrimSpace(m.Code)
	if err := m.Validate(); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeValidation, err, "invalid merchant").
			WithDetails(domain.FieldErrors(err))
	}

	seen := make(map[string]bool, len(m.SettlementAccounts))
	accounts := make([]string, 0, len(m.SettlementAccounts))
	for _, acc := range m.SettlementAccounts {
		acc = strings.TrimSpace(acc)
		if acc == "" || seen[acc] {
			continue
		}
		seen[acc] = true
		accounts = append(accounts, acc)
	}
	sort.Strings(accounts)
	m.SettlementAccounts = accounts

	if err := s.repo.SaveMerchant(ctx, m); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Service) GetAgent(ctx context.Context, id string) (*domain.Agent, error) {
	return s.repo.GetAgent(ctx, id)
}

func (s *Service) ListAgents(ctx context.Context) ([]domain.Agent, error) {
	return s.repo.ListAgents(ctx)
}

func (s *Service) GetMerchant(ctx context.Context, code string) (*domain.Merchant, error) {
	return s.repo.GetMerchant(ctx, code)
}

func (s *Service) ListMerchants(ctx context.Context) ([]domain.Merchant, error) {
	return s.repo.ListMerchants(ctx)
}

// InvalidateCache drops cached agent and merchant listings.
func (s *Service) InvalidateCache(ctx context.Context) error {
	if err := s.repo.Invalidate(ctx); err != nil {
		return apperrors.Wrap(apperrors.CodeDependency, err, "cache invalidation failed")
	}
	return nil
}
