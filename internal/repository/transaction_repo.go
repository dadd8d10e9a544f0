package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/wakala/agentsettle/internal/domain"
	apperrors "github.com/wakala/agentsettle/internal/errors"
	"github.com/wakala/agentsettle/internal/store"
)

const (
	merchantTransactionsRoot = "merchant_transactions"
	agentTransactionsRoot    = "agent_transactions"
	transactionCodeIndex     = "indexes/transaction_codes"
)

func MerchantTransactionPath(id string) string {
	return store.Join(merchantTransactionsRoot, id)
}

func AgentTransactionPath(id string) string {
	return store.Join(agentTransactionsRoot, id)
}

// TransactionCodePath is the index entry mapping a transaction code to the
// id of the merchant transaction that owns it.
func TransactionCodePath(code string) string {
	return store.Join(transactionCodeIndex, store.EscapeKey(code))
}

type TransactionRepo struct {
	store store.Store
}

func NewTransactionRepo(s store.Store) *TransactionRepo {
	return &TransactionRepo{store: s}
}

func (r *TransactionRepo) NewMerchantID() string {
	return r.store.NewKey(merchantTransactionsRoot)
}

func (r *TransactionRepo) NewAgentID() string {
	return r.store.NewKey(agentTransactionsRoot)
}

func (r *TransactionRepo) GetMerchant(ctx context.Context, id string) (*domain.MerchantTransaction, error) {
	var tx domain.MerchantTransaction
	if err := store.GetJSON(ctx, r.store, MerchantTransactionPath(id), &tx); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.NotFound("merchant transaction", id)
		}
		return nil, fmt.Errorf("get merchant transaction: %w", err)
	}
	return &tx, nil
}

// LookupCode resolves a transaction code through the index only.
func (r *TransactionRepo) LookupCode(ctx context.Context, code string) (string, bool, error) {
	raw, err := r.store.Get(ctx, TransactionCodePath(code))
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup code %s: %w", code, err)
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return "", false, fmt.Errorf("decode code index %s: %w", code, err)
	}
	return id, id != "", nil
}

// ListMerchant returns every stored merchant transaction ordered by id.
func (r *TransactionRepo) ListMerchant(ctx context.Context) ([]domain.MerchantTransaction, error) {
	all, err := store.ListJSON[domain.MerchantTransaction](ctx, r.store, merchantTransactionsRoot)
	if err != nil {
		return nil, fmt.Errorf("list merchant transactions: %w", err)
	}
	txns := make([]domain.MerchantTransaction, 0, len(all))
	for _, tx := range all {
		txns = append(txns, tx)
	}
	sort.Slice(txns, func(i, j int) bool { return txns[i].ID < txns[j].ID })
	return txns, nil
}

func (r *TransactionRepo) ListAgent(ctx context.Context) ([]domain.AgentTransaction, error) {
	all, err := store.ListJSON[domain.AgentTransaction](ctx, r.store, agentTransactionsRoot)
	if err != nil {
		return nil, fmt.Errorf("list agent transactions: %w", err)
	}
	txns := make([]domain.AgentTransaction, 0, len(all))
	for _, tx := range all {
		txns = append(txns, tx)
	}
	sort.Slice(txns, func(i, j int) bool { return txns[i].ID < txns[j].ID })
	return txns, nil
}

// ListByUpload returns both sides of one upload session.
func (r *TransactionRepo) ListByUpload(ctx context.Context, uploadSessionID string) ([]domain.MerchantTransaction, []domain.AgentTransaction, error) {
	merchant, err := r.ListMerchant(ctx)
	if err != nil {
		return nil, nil, err
	}
	agent, err := r.ListAgent(ctx)
	if err != nil {
		return nil, nil, err
	}

	var m []domain.MerchantTransaction
	for _, tx := range merchant {
		if tx.UploadSessionID == uploadSessionID {
			m = append(m, tx)
		}
	}
	var a []domain.AgentTransaction
	for _, tx := range agent {
		if tx.UploadSessionID == uploadSessionID {
			a = append(a, tx)
		}
	}
	return m, a, nil
}

// Counts reports how many transactions each side holds.
func (r *TransactionRepo) Counts(ctx context.Context) (merchant, agent int, err error) {
	m, err := r.store.Children(ctx, merchantTransactionsRoot)
	if err != nil {
		return 0, 0, fmt.Errorf("count merchant transactions: %w", err)
	}
	a, err := r.store.Children(ctx, agentTransactionsRoot)
	if err != nil {
		return 0, 0, fmt.Errorf("count agent transactions: %w", err)
	}
	return len(m), len(a), nil
}
