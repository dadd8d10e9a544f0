package settlement

import (
	"context"
	"fmt"

	"github.com/wakala/agentsettle/internal/domain"
	apperrors "github.com/wakala/agentsettle/internal/errors"
	"github.com/wakala/agentsettle/internal/repository"
	"github.com/wakala/agentsettle/internal/store"
)

// CreateBatch groups PENDING, unbatched payments into a new DRAFT batch.
func (s *Service) CreateBatch(ctx context.Context, paymentIDs []string) (*domain.PaymentBatch, error) {
	ctx = s.log.WithComponent(ctx, "settlement")
	ids := dedupe(paymentIDs)
	if len(ids) == 0 {
		return nil, apperrors.New(apperrors.CodeValidation, "a batch needs at least one payment")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	payments, err := s.attachable(ctx, ids)
	if err != nil {
		return nil, err
	}

	batch := domain.PaymentBatch{
		ID:            s.settlements.NewBatchID(),
		CreatedAt:     s.now().UTC(),
		PaymentIDs:    []string{},
		PaymentStatus: domain.BatchDraft,
	}
	if err := s.attach(ctx, &batch, payments); err != nil {
		return nil, err
	}

	s.metrics.BatchTransition("create")
	s.log.Infof(s.log.WithBatchID(ctx, batch.ID), "batch created with %d payments", batch.PaymentCount)
	return &batch, nil
}

// AttachPayments adds PENDING, unbatched payments to a DRAFT batch.
func (s *Service) AttachPayments(ctx context.Context, batchID string, paymentIDs []string) (*domain.PaymentBatch, error) {
	ctx = s.log.WithBatchID(s.log.WithComponent(ctx, "settlement"), batchID)
	ids := dedupe(paymentIDs)
	if len(ids) == 0 {
		return nil, apperrors.New(apperrors.CodeValidation, "no payments to attach")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	batch, err := s.settlements.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch.PaymentStatus != domain.BatchDraft {
		return nil, apperrors.Newf(apperrors.CodeStateConflict, "batch %s is %s", batchID, batch.PaymentStatus)
	}
	payments, err := s.attachable(ctx, ids)
	if err != nil {
		return nil, err
	}
	if err := s.attach(ctx, batch, payments); err != nil {
		return nil, err
	}

	s.metrics.BatchTransition("attach")
	return batch, nil
}

func (s *Service) attachable(ctx context.Context, ids []string) ([]domain.Payment, error) {
	payments := make([]domain.Payment, 0, len(ids))
	for _, id := range ids {
		p, err := s.settlements.GetPayment(ctx, id)
		if err != nil {
			return nil, err
		}
		if p.Status != domain.PaymentPending || p.BatchID != "" {
			return nil, apperrors.Newf(apperrors.CodeStateConflict, "payment %s is not an unbatched pending payment", id).
				WithDetails(map[string]string{"paymentId": id, "status": string(p.Status), "batchId": p.BatchID})
		}
		payments = append(payments, *p)
	}
	return payments, nil
}

func (s *Service) attach(ctx context.Context, batch *domain.PaymentBatch, payments []domain.Payment) error {
	w := store.NewBatch()
	for _, p := range payments {
		p.BatchID = batch.ID
		w.Put(repository.PaymentPath(p.ID), p)
		batch.PaymentIDs = append(batch.PaymentIDs, p.ID)
		batch.TotalAmount += p.TotalAmount
		batch.NetAmount += p.NetAmount
	}
	batch.PaymentCount = len(batch.PaymentIDs)
	w.Put(repository.BatchPath(batch.ID), batch)

	if err := w.Commit(ctx, s.store); err != nil {
		return apperrors.Wrap(apperrors.CodeConsistency, err, "batch was not stored").
			WithDetails(map[string]string{"batchId": batch.ID})
	}
	return nil
}

// SettleBatch marks a DRAFT batch PAID. Member payments are mirrored to PAID,
// their records are flagged paid, the covered merchant transactions get their
// admin linkage and the paid code index is written, all in one update.
// Settling a PAID batch is a no-op.
func (s *Service) SettleBatch(ctx context.Context, batchID, approvalCode string) (*domain.PaymentBatch, error) {
	ctx = s.log.WithBatchID(s.log.WithComponent(ctx, "settlement"), batchID)

	s.mu.Lock()
	defer s.mu.Unlock()

	batch, err := s.settlements.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch.PaymentStatus == domain.BatchPaid {
		return batch, nil
	}
	if len(batch.PaymentIDs) == 0 {
		return nil, apperrors.Newf(apperrors.CodeStateConflict, "batch %s has no payments", batchID)
	}

	paidAt := s.now().UTC()
	w := newWriteSet(s)
	codes := make(map[string]string)

	for _, paymentID := range batch.PaymentIDs {
		p, err := s.settlements.GetPayment(ctx, paymentID)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeConsistency, err, "batch references a missing payment").
				WithDetails(map[string]string{"batchId": batchID, "paymentId": paymentID})
		}

		for _, code := range p.TransactionCodes {
			if other, ok := codes[code]; ok && other != p.ID {
				return nil, paidTwice(code, p.ID, other)
			}
			owner, paid, err := s.paidBy(ctx, code)
			if err != nil {
				return nil, apperrors.Wrap(apperrors.CodeDependency, err, "paid check failed")
			}
			if paid && owner != p.ID {
				return nil, paidTwice(code, p.ID, owner)
			}
			codes[code] = p.ID
			w.put(repository.PaidCodePath(code), p.ID)
		}

		for _, recordID := range p.TransactionIDs {
			rec, err := w.record(ctx, recordID)
			if err != nil {
				return nil, err
			}
			if rec.PaymentID != "" && rec.PaymentID != p.ID {
				return nil, apperrors.Newf(apperrors.CodeStateConflict, "record %s is linked to payment %s", rec.ID, rec.PaymentID).
					WithDetails(map[string]string{"recordId": rec.ID, "transactionCode": rec.TransactionCode})
			}
			rec.PaymentID = p.ID
			rec.IsPaid = true
		}

		for _, txID := range p.MerchantTransactionIDs {
			tx, err := w.merchant(ctx, txID)
			if err != nil {
				return nil, err
			}
			if tx == nil {
				continue
			}
			tx.AdminPaymentID = p.ID
			tx.AdminBatchID = batch.ID
			tx.AdminPaidAt = &paidAt
			tx.AdminPaymentStatus = domain.AdminPaymentPaid
		}

		p.Status = domain.PaymentPaid
		p.PaidAt = &paidAt
		w.put(repository.PaymentPath(p.ID), p)
	}

	batch.PaymentStatus = domain.BatchPaid
	batch.PaidAt = &paidAt
	batch.ApprovalCode = approvalCode
	w.put(repository.BatchPath(batch.ID), batch)

	if err := w.commit(ctx); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeConsistency, err, "settlement was not applied").
			WithDetails(map[string]string{"batchId": batchID})
	}

	s.metrics.BatchTransition("settle")
	s.log.Infof(ctx, "batch settled: %d payments, net=%d", batch.PaymentCount, batch.NetAmount)
	return batch, nil
}

// RevertBatch returns a PAID batch to DRAFT. Every member payment is deleted,
// its records are unlinked and the merchant transactions it touched get their
// admin linkage cleared. Reverting a DRAFT batch is a no-op.
func (s *Service) RevertBatch(ctx context.Context, batchID string) (*domain.PaymentBatch, error) {
	ctx = s.log.WithBatchID(s.log.WithComponent(ctx, "settlement"), batchID)

	s.mu.Lock()
	defer s.mu.Unlock()

	batch, err := s.settlements.GetBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch.PaymentStatus == domain.BatchDraft {
		return batch, nil
	}

	w := newWriteSet(s)
	for _, paymentID := range batch.PaymentIDs {
		p, err := s.settlements.GetPayment(ctx, paymentID)
		if apperrors.IsCode(err, apperrors.CodeNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if err := w.unlink(ctx, p, true); err != nil {
			return nil, err
		}
		w.remove(repository.PaymentPath(p.ID))
		w.remove(repository.AgentPaymentPath(p.AgentID, p.ID))
	}

	batch.PaymentStatus = domain.BatchDraft
	batch.PaidAt = nil
	batch.ApprovalCode = ""
	batch.PaymentIDs = []string{}
	batch.PaymentCount = 0
	batch.TotalAmount = 0
	batch.NetAmount = 0
	w.put(repository.BatchPath(batch.ID), batch)

	if err := w.commit(ctx); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeConsistency, err, "revert was not applied").
			WithDetails(map[string]string{"batchId": batchID})
	}

	s.metrics.BatchTransition("revert")
	s.log.Info(ctx, "batch reverted to draft")
	return batch, nil
}

// DeleteBatch removes the batch. Its payments survive as unbatched PENDING
// payments, so records keep their payment link but are no longer paid.
func (s *Service) DeleteBatch(ctx context.Context, batchID string) error {
	ctx = s.log.WithBatchID(s.log.WithComponent(ctx, "settlement"), batchID)

	s.mu.Lock()
	defer s.mu.Unlock()

	batch, err := s.settlements.GetBatch(ctx, batchID)
	if err != nil {
		return err
	}

	w := newWriteSet(s)
	for _, paymentID := range batch.PaymentIDs {
		p, err := s.settlements.GetPayment(ctx, paymentID)
		if apperrors.IsCode(err, apperrors.CodeNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := w.unlink(ctx, p, false); err != nil {
			return err
		}
		p.BatchID = ""
		p.Status = domain.PaymentPending
		p.PaidAt = nil
		w.put(repository.PaymentPath(p.ID), p)
	}
	w.remove(repository.BatchPath(batch.ID))

	if err := w.commit(ctx); err != nil {
		return apperrors.Wrap(apperrors.CodeConsistency, err, "batch delete was not applied").
			WithDetails(map[string]string{"batchId": batchID})
	}

	s.metrics.BatchTransition("delete")
	s.log.Info(ctx, fmt.Sprintf("batch deleted, %d payments unlinked", len(batch.PaymentIDs)))
	return nil
}

func (s *Service) GetBatch(ctx context.Context, id string) (*domain.PaymentBatch, error) {
	return s.settlements.GetBatch(ctx, id)
}

func (s *Service) ListBatches(ctx context.Context) ([]domain.PaymentBatch, error) {
	return s.settlements.ListBatches(ctx)
}

func paidTwice(code, paymentID, owner string) error {
	return apperrors.Newf(apperrors.CodeStateConflict, "transaction %s is already paid", code).
		WithDetails(map[string]string{"transactionCode": code, "paymentId": paymentID, "paidBy": owner})
}
