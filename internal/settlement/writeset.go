package settlement

import (
	"context"

	"github.com/wakala/agentsettle/internal/domain"
	apperrors "github.com/wakala/agentsettle/internal/errors"
	"github.com/wakala/agentsettle/internal/repository"
	"github.com/wakala/agentsettle/internal/store"
)

// writeSet accumulates the entities touched by one transition so each is
// loaded once and written once.
type writeSet struct {
	s         *Service
	batch     *store.Batch
	records   map[string]*domain.ReconciliationRecord
	merchants map[string]*domain.MerchantTransaction
}

func newWriteSet(s *Service) *writeSet {
	return &writeSet{
		s:         s,
		batch:     store.NewBatch(),
		records:   make(map[string]*domain.ReconciliationRecord),
		merchants: make(map[string]*domain.MerchantTransaction),
	}
}

func (w *writeSet) put(path string, v any) { w.batch.Put(path, v) }

func (w *writeSet) remove(path string) { w.batch.Remove(path) }

func (w *writeSet) record(ctx context.Context, id string) (*domain.ReconciliationRecord, error) {
	if rec, ok := w.records[id]; ok {
		return rec, nil
	}
	rec, err := w.s.sessions.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	w.records[id] = rec
	return rec, nil
}

// merchant returns nil, nil when the transaction no longer exists.
func (w *writeSet) merchant(ctx context.Context, id string) (*domain.MerchantTransaction, error) {
	if tx, ok := w.merchants[id]; ok {
		return tx, nil
	}
	tx, err := w.s.txns.GetMerchant(ctx, id)
	if apperrors.IsCode(err, apperrors.CodeNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	w.merchants[id] = tx
	return tx, nil
}

// unlink clears what settling p wrote: record paid flags (and the payment
// link itself when dropLink is set), merchant admin linkage and paid code
// index entries owned by p.
func (w *writeSet) unlink(ctx context.Context, p *domain.Payment, dropLink bool) error {
	for _, recordID := range p.TransactionIDs {
		rec, err := w.record(ctx, recordID)
		if apperrors.IsCode(err, apperrors.CodeNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if rec.PaymentID != p.ID {
			continue
		}
		rec.IsPaid = false
		if dropLink {
			rec.PaymentID = ""
		}
	}

	for _, txID := range p.MerchantTransactionIDs {
		tx, err := w.merchant(ctx, txID)
		if err != nil {
			return err
		}
		if tx == nil || (tx.AdminPaymentID != "" && tx.AdminPaymentID != p.ID) {
			continue
		}
		tx.ClearAdminLinkage()
	}

	for _, code := range p.TransactionCodes {
		owner, ok, err := w.s.settlements.PaidCodeOwner(ctx, code)
		if err != nil {
			return err
		}
		if ok && owner == p.ID {
			w.remove(repository.PaidCodePath(code))
		}
	}
	return nil
}

func (w *writeSet) commit(ctx context.Context) error {
	for id, rec := range w.records {
		w.batch.Put(repository.RecordPath(id), rec)
	}
	for id, tx := range w.merchants {
		w.batch.Put(repository.MerchantTransactionPath(id), tx)
	}
	return w.batch.Commit(ctx, w.s.store)
}
