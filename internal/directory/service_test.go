package directory

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wakala/agentsettle/internal/domain"
	apperrors "github.com/wakala/agentsettle/internal/errors"
	"github.com/wakala/agentsettle/internal/repository"
	"github.com/wakala/agentsettle/internal/store"
)

func newService(t *testing.T) (*Service, *repository.DirectoryRepo) {
	t.Helper()
	s, err := store.OpenSQLite(":memory:", time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	repo := repository.NewDirectoryRepo(s, nil)
	return NewService(repo, nil), repo
}

func TestUpsertAgentKeepsLegacyFlatRates(t *testing.T) {
	ctx := context.Background()
	svc, repo := newService(t)

	require.NoError(t, repo.SaveAgent(ctx, domain.Agent{
		ID:            "agent-1",
		Code:          "AG1",
		DiscountRates: map[string]decimal.Decimal{"cash": decimal.NewFromInt(3)},
	}))

	saved, err := svc.UpsertAgent(ctx, domain.Agent{
		ID:            " agent-1 ",
		Code:          "AG1",
		BankAccount:   "VCB-9",
		DiscountRates: map[string]decimal.Decimal{"cash": decimal.NewFromInt(99)},
	})
	require.NoError(t, err)
	assert.Equal(t, "agent-1", saved.ID)
	assert.True(t, decimal.NewFromInt(3).Equal(saved.DiscountRates["cash"]))

	fresh, err := svc.UpsertAgent(ctx, domain.Agent{
		ID:            "agent-2",
		Code:          "AG2",
		DiscountRates: map[string]decimal.Decimal{"cash": decimal.NewFromInt(1)},
	})
	require.NoError(t, err)
	assert.Empty(t, fresh.DiscountRates)
}

func TestUpsertAgentRejectsOutOfRangeRates(t *testing.T) {
	svc, _ := newService(t)
	_, err := svc.UpsertAgent(context.Background(), domain.Agent{
		ID:   "agent-1",
		Code: "AG1",
		DiscountRatesByPointOfSale: map[string]map[string]decimal.Decimal{
			"POS_A": {"QR": decimal.NewFromInt(101)},
		},
	})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeValidation))

	_, err = svc.UpsertAgent(context.Background(), domain.Agent{Code: "AG1"})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeValidation))
}

func TestSetPointOfSaleRate(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	_, err := svc.UpsertAgent(ctx, domain.Agent{ID: "agent-1", Code: "AG1"})
	require.NoError(t, err)

	agent, err := svc.SetPointOfSaleRate(ctx, "agent-1", "POS_A", "QR", decimal.RequireFromString("1.5"))
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("1.5").Equal(agent.DiscountRatesByPointOfSale["POS_A"]["QR"]))
	assert.Empty(t, agent.DiscountRates)

	stored, err := svc.GetAgent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Len(t, stored.DiscountRatesByPointOfSale["POS_A"], 1)

	_, err = svc.SetPointOfSaleRate(ctx, "agent-1", "POS_A", "QR", decimal.NewFromInt(-1))
	assert.True(t, apperrors.IsCode(err, apperrors.CodeValidation))
	_, err = svc.SetPointOfSaleRate(ctx, "agent-1", "", "QR", decimal.NewFromInt(1))
	assert.True(t, apperrors.IsCode(err, apperrors.CodeValidation))
	_, err = svc.SetPointOfSaleRate(ctx, "ghost", "POS_A", "QR", decimal.NewFromInt(1))
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNotFound))
}

func TestUpsertMerchantNormalizesAccounts(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	m, err := svc.UpsertMerchant(ctx, domain.Merchant{Code: "M1", SettlementAccounts: []string{"B", " A", "B", ""}})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, m.SettlementAccounts)

	list, err := svc.ListMerchants(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)

	_, err = svc.UpsertMerchant(ctx, domain.Merchant{})
	assert.True(t, apperrors.IsCode(err, apperrors.CodeValidation))
	require.NoError(t, svc.InvalidateCache(ctx))
}
