// Package settlement turns matched records into payments, groups payments
// into batches and drives the batch lifecycle DRAFT -> PAID -> DRAFT.
package settlement

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wakala/agentsettle/internal/domain"
	apperrors "github.com/wakala/agentsettle/internal/errors"
	"github.com/wakala/agentsettle/internal/fees"
	"github.com/wakala/agentsettle/internal/logger"
	"github.com/wakala/agentsettle/internal/metrics"
	"github.com/wakala/agentsettle/internal/repository"
	"github.com/wakala/agentsettle/internal/store"
)

// Reasons reported when no payment is created.
const (
	ReasonAlreadyLinked = "already_linked"
	ReasonAlreadyPaid   = "already_paid"
)

// Service is the settlement ledger. Every mutating call holds mu for its
// whole read-check-write cycle and applies its writes in one store update.
type Service struct {
	store       store.Store
	sessions    *repository.SessionRepo
	txns        *repository.TransactionRepo
	settlements *repository.SettlementRepo
	directory   *repository.DirectoryRepo
	log         *logger.Logger
	metrics     *metrics.Recorder
	now         func() time.Time

	mu sync.Mutex
}

func NewService(
	s store.Store,
	sessions *repository.SessionRepo,
	txns *repository.TransactionRepo,
	settlements *repository.SettlementRepo,
	directory *repository.DirectoryRepo,
	log *logger.Logger,
	m *metrics.Recorder,
) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{
		store:       s,
		sessions:    sessions,
		txns:        txns,
		settlements: settlements,
		directory:   directory,
		log:         log,
		metrics:     m,
		now:         time.Now,
	}
}

// PaymentResult reports the outcome of a payment creation attempt. When
// Created is false, Reason says why and Payment is the payment already
// covering the record, if known.
type PaymentResult struct {
	Payment *domain.Payment `json:"payment,omitempty"`
	Created bool            `json:"created"`
	Reason  string          `json:"reason,omitempty"`
}

// IsTransactionPaid reports whether a PAID payment covers code. Settling a
// batch writes the paid code index in the same update as the payments, so
// the index is authoritative. An entry whose payment is gone or no longer
// PAID does not count.
func (s *Service) IsTransactionPaid(ctx context.Context, code string) (bool, error) {
	_, paid, err := s.paidBy(ctx, code)
	return paid, err
}

func (s *Service) paidBy(ctx context.Context, code string) (string, bool, error) {
	owner, ok, err := s.settlements.PaidCodeOwner(ctx, code)
	if err != nil || !ok {
		return "", false, err
	}
	p, err := s.settlements.GetPayment(ctx, owner)
	switch {
	case apperrors.IsCode(err, apperrors.CodeNotFound):
		return "", false, nil
	case err != nil:
		return "", false, err
	}
	if p.Status != domain.PaymentPaid || !contains(p.TransactionCodes, code) {
		return "", false, nil
	}
	return owner, true, nil
}

// CreatePaymentFromRecord creates a PENDING payment covering exactly one
// MATCHED record. It fails closed: if the record is already linked to a
// payment or its code is already paid, nothing is written and the result
// reports why.
func (s *Service) CreatePaymentFromRecord(ctx context.Context, record domain.ReconciliationRecord, agent domain.Agent) (*PaymentResult, error) {
	ctx = s.log.WithComponent(ctx, "settlement")

	if record.Status != domain.StatusMatched {
		return nil, apperrors.Newf(apperrors.CodeStateConflict, "record %s is %s, only MATCHED records can be paid", record.ID, record.Status).
			WithDetails(map[string]string{"recordId": record.ID, "transactionCode": record.TransactionCode, "status": string(record.Status)})
	}
	if agent.ID == "" || agent.ID != record.AgentID() {
		return nil, apperrors.Newf(apperrors.CodeValidation, "agent %q does not own record %s", agent.ID, record.ID).
			WithDetails(map[string]string{"recordId": record.ID, "agentId": agent.ID, "recordAgentId": record.AgentID()})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.sessions.GetRecord(ctx, record.ID)
	if err != nil {
		return nil, err
	}
	session, err := s.sessions.GetSession(ctx, current.SessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != domain.SessionCompleted {
		return nil, apperrors.Newf(apperrors.CodeStateConflict, "session %s is %s", session.ID, session.Status)
	}

	if current.PaymentID != "" || current.IsPaid {
		s.metrics.Payment("skipped")
		res := &PaymentResult{Reason: ReasonAlreadyLinked}
		if p, err := s.settlements.GetPayment(ctx, current.PaymentID); err == nil {
			res.Payment = p
		}
		return res, nil
	}

	paidBy, paid, err := s.paidBy(ctx, current.TransactionCode)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeDependency, err, "paid check failed")
	}
	if paid {
		s.metrics.Payment("skipped")
		s.log.Info(ctx, "transaction "+current.TransactionCode+" already paid by "+paidBy)
		res := &PaymentResult{Reason: ReasonAlreadyPaid}
		if p, err := s.settlements.GetPayment(ctx, paidBy); err == nil {
			res.Payment = p
		}
		return res, nil
	}

	merchantTxID := ""
	if current.MerchantData != nil {
		merchantTxID = current.MerchantData.TransactionID
	}
	if merchantTxID == "" {
		if id, ok, err := s.txns.LookupCode(ctx, current.TransactionCode); err == nil && ok {
			merchantTxID = id
		}
	}

	b := fees.For(agent, current.PointOfSaleName, current.PaymentMethod, current.MerchantAmount)
	payment := domain.Payment{
		ID:               s.settlements.NewPaymentID(),
		AgentID:          agent.ID,
		TotalAmount:      current.MerchantAmount,
		FeeAmount:        b.Fee,
		NetAmount:        b.Net,
		TransactionIDs:   []string{current.ID},
		TransactionCodes: []string{current.TransactionCode},
		TransactionCount: 1,
		FeePercentage:    b.Percentage,
		Status:           domain.PaymentPending,
		CreatedAt:        s.now().UTC(),
	}
	if merchantTxID != "" {
		payment.MerchantTransactionIDs = []string{merchantTxID}
	}
	current.PaymentID = payment.ID

	batch := store.NewBatch()
	batch.Put(repository.PaymentPath(payment.ID), payment)
	batch.Put(repository.RecordPath(current.ID), current)
	batch.Put(repository.AgentPaymentPath(agent.ID, payment.ID), true)
	if err := batch.Commit(ctx, s.store); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeConsistency, err, "payment was not stored").
			WithDetails(map[string]string{"recordId": current.ID, "transactionCode": current.TransactionCode})
	}

	s.metrics.Payment("created")
	s.log.Infof(ctx, "payment %s created for %s: total=%d fee=%d net=%d",
		payment.ID, current.TransactionCode, payment.TotalAmount, payment.FeeAmount, payment.NetAmount)
	return &PaymentResult{Payment: &payment, Created: true}, nil
}

// CreatePaymentForRecordID loads the record and its agent, then behaves like
// CreatePaymentFromRecord.
func (s *Service) CreatePaymentForRecordID(ctx context.Context, recordID string) (*PaymentResult, error) {
	rec, err := s.sessions.GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	if rec.AgentID() == "" {
		return nil, apperrors.Newf(apperrors.CodeStateConflict, "record %s has no agent side", recordID)
	}
	agent, err := s.directory.GetAgent(ctx, rec.AgentID())
	if err != nil {
		return nil, err
	}
	return s.CreatePaymentFromRecord(ctx, *rec, *agent)
}

// ListUnpaidMatched returns MATCHED records of completed sessions that no
// payment covers yet, ordered by id. A record whose code is already paid
// through another record is left out.
func (s *Service) ListUnpaidMatched(ctx context.Context) ([]domain.ReconciliationRecord, error) {
	completed, err := s.sessions.CompletedSessionIDs(ctx)
	if err != nil {
		return nil, err
	}
	paidCodes, err := s.settlements.PaidCodes(ctx)
	if err != nil {
		return nil, err
	}
	records, err := s.sessions.ListRecords(ctx)
	if err != nil {
		return nil, err
	}
	unpaid := make([]domain.ReconciliationRecord, 0)
	for _, rec := range records {
		if _, paid := paidCodes[rec.TransactionCode]; paid {
			continue
		}
		if completed[rec.SessionID] && rec.Unpaid() {
			unpaid = append(unpaid, rec)
		}
	}
	return unpaid, nil
}

func (s *Service) GetPayment(ctx context.Context, id string) (*domain.Payment, error) {
	return s.settlements.GetPayment(ctx, id)
}

func (s *Service) ListPayments(ctx context.Context, f repository.PaymentFilter) ([]domain.Payment, int, error) {
	return s.settlements.List(ctx, f)
}

// AgentTotals sums an agent's payments by status.
type AgentTotals struct {
	AgentID      string          `json:"agentId"`
	PendingNet   int64           `json:"pendingNet"`
	PaidNet      int64           `json:"paidNet"`
	PaymentCount int             `json:"paymentCount"`
	AvgFeePct    decimal.Decimal `json:"avgFeePercentage"`
}

func (s *Service) AgentTotals(ctx context.Context, agentID string) (*AgentTotals, error) {
	payments, err := s.settlements.ListAgentPayments(ctx, agentID)
	if err != nil {
		return nil, err
	}
	t := &AgentTotals{AgentID: agentID, AvgFeePct: decimal.Zero}
	sum := decimal.Zero
	for _, p := range payments {
		t.PaymentCount++
		sum = sum.Add(p.FeePercentage)
		switch p.Status {
		case domain.PaymentPaid:
			t.PaidNet += p.NetAmount
		default:
			t.PendingNet += p.NetAmount
		}
	}
	if t.PaymentCount > 0 {
		t.AvgFeePct = sum.Div(decimal.NewFromInt(int64(t.PaymentCount))).Round(4)
	}
	return t, nil
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
