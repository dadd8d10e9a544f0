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
	paymentsRoot      = "payments"
	batchesRoot       = "payment_batches"
	paidCodeIndex     = "indexes/paid_codes"
	agentPaymentIndex = "indexes/agent_payments"
)

func PaymentPath(id string) string {
	return store.Join(paymentsRoot, id)
}

func BatchPath(id string) string {
	return store.Join(batchesRoot, id)
}

// PaidCodePath maps a transaction code to the PAID payment covering it.
func PaidCodePath(code string) string {
	return store.Join(paidCodeIndex, store.EscapeKey(code))
}

func AgentPaymentPath(agentID, paymentID string) string {
	return store.Join(agentPaymentsPath(agentID), paymentID)
}

func agentPaymentsPath(agentID string) string {
	return store.Join(agentPaymentIndex, store.EscapeKey(agentID))
}

type SettlementRepo struct {
	store store.Store
}

func NewSettlementRepo(s store.Store) *SettlementRepo {
	return &SettlementRepo{store: s}
}

func (r *SettlementRepo) NewPaymentID() string {
	return r.store.NewKey(paymentsRoot)
}

func (r *SettlementRepo) NewBatchID() string {
	return r.store.NewKey(batchesRoot)
}

func (r *SettlementRepo) GetPayment(ctx context.Context, id string) (*domain.Payment, error) {
	var p domain.Payment
	if err := store.GetJSON(ctx, r.store, PaymentPath(id), &p); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.NotFound("payment", id)
		}
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return &p, nil
}

// ListPayments returns every payment ordered by creation time.
func (r *SettlementRepo) ListPayments(ctx context.Context) ([]domain.Payment, error) {
	all, err := store.ListJSON[domain.Payment](ctx, r.store, paymentsRoot)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	payments := make([]domain.Payment, 0, len(all))
	for _, p := range all {
		payments = append(payments, p)
	}
	sortPayments(payments)
	return payments, nil
}

// ListAgentPayments resolves the agent's payments through the agent index.
func (r *SettlementRepo) ListAgentPayments(ctx context.Context, agentID string) ([]domain.Payment, error) {
	ids, err := r.store.Children(ctx, agentPaymentsPath(agentID))
	if err != nil {
		return nil, fmt.Errorf("agent payments index: %w", err)
	}
	payments := make([]domain.Payment, 0, len(ids))
	for id := range ids {
		p, err := r.GetPayment(ctx, id)
		if apperrors.IsCode(err, apperrors.CodeNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	sortPayments(payments)
	return payments, nil
}

type PaymentFilter struct {
	AgentID string
	Status  string
	BatchID string
	Page    int
	Limit   int
}

func (r *SettlementRepo) List(ctx context.Context, f PaymentFilter) ([]domain.Payment, int, error) {
	var (
		payments []domain.Payment
		err      error
	)
	if f.AgentID != "" {
		payments, err = r.ListAgentPayments(ctx, f.AgentID)
	} else {
		payments, err = r.ListPayments(ctx)
	}
	if err != nil {
		return nil, 0, err
	}

	matched := payments[:0]
	for _, p := range payments {
		if f.Status != "" && string(p.Status) != f.Status {
			continue
		}
		if f.BatchID != "" && p.BatchID != f.BatchID {
			continue
		}
		matched = append(matched, p)
	}
	return Paginate(matched, f.Page, f.Limit), len(matched), nil
}

// PaidCodeOwner returns the PAID payment recorded for code in the index.
func (r *SettlementRepo) PaidCodeOwner(ctx context.Context, code string) (string, bool, error) {
	raw, err := r.store.Get(ctx, PaidCodePath(code))
	if errors.Is(err, store.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("paid code %s: %w", code, err)
	}
	var id string
	if err := json.Unmarshal(raw, &id); err != nil {
		return "", false, fmt.Errorf("decode paid code %s: %w", code, err)
	}
	return id, id != "", nil
}

func (r *SettlementRepo) GetBatch(ctx context.Context, id string) (*domain.PaymentBatch, error) {
	var b domain.PaymentBatch
	if err := store.GetJSON(ctx, r.store, BatchPath(id), &b); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.NotFound("payment batch", id)
		}
		return nil, fmt.Errorf("get batch: %w", err)
	}
	return &b, nil
}

// ListBatches returns batches newest first.
func (r *SettlementRepo) ListBatches(ctx context.Context) ([]domain.PaymentBatch, error) {
	all, err := store.ListJSON[domain.PaymentBatch](ctx, r.store, batchesRoot)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	batches := make([]domain.PaymentBatch, 0, len(all))
	for _, b := range all {
		batches = append(batches, b)
	}
	sort.Slice(batches, func(i, j int) bool {
		if !batches[i].CreatedAt.Equal(batches[j].CreatedAt) {
			return batches[i].CreatedAt.After(batches[j].CreatedAt)
		}
		return batches[i].ID < batches[j].ID
	})
	return batches, nil
}

func sortPayments(payments []domain.Payment) {
	sort.Slice(payments, func(i, j int) bool {
		if !payments[i].CreatedAt.Equal(payments[j].CreatedAt) {
			return payments[i].CreatedAt.Before(payments[j].CreatedAt)
		}
		return payments[i].ID < payments[j].ID
	})
}

// PaidCodes returns every indexed paid code with the payment recorded for it.
func (r *SettlementRepo) PaidCodes(ctx context.Context) (map[string]string, error) {
	entries, err := store.ListJSON[string](ctx, r.store, paidCodeIndex)
	if err != nil {
		return nil, fmt.Errorf("paid codes index: %w", err)
	}
	codes := make(map[string]string, len(entries))
	for key, owner := range entries {
		code, err := store.UnescapeKey(key)
		if err != nil {
			return nil, fmt.Errorf("paid codes index: %w", err)
		}
		codes[code] = owner
	}
	return codes, nil
}
