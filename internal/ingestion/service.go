package ingestion

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/wakala/agentsettle/internal/domain"
	apperrors "github.com/wakala/agentsettle/internal/errors"
	"github.com/wakala/agentsettle/internal/logger"
	"github.com/wakala/agentsettle/internal/metrics"
	"github.com/wakala/agentsettle/internal/repository"
	"github.com/wakala/agentsettle/internal/store"
)

const ReasonDuplicate = "duplicate"

// Result is returned from every batch ingestion. A batch where every item is
// skipped is still a successful ingestion.
type Result struct {
	UploadSessionID string        `json:"uploadSessionId"`
	Created         []string      `json:"created"`
	Skipped         []SkippedItem `json:"skipped"`
	// IndexRepaired counts code index entries rewritten because the index
	// missed or misreported a stored transaction.
	IndexRepaired int `json:"indexRepaired,omitempty"`
}

type SkippedItem struct {
	TransactionCode string `json:"transactionCode"`
	Reason          string `json:"reason"`
	ExistingID      string `json:"existingId,omitempty"`
}

// ItemError describes one invalid item of a rejected batch.
type ItemError struct {
	Index           int               `json:"index"`
	TransactionCode string            `json:"transactionCode"`
	Fields          map[string]string `json:"fields"`
}

// Service is the duplicate guard in front of merchant transaction storage.
type Service struct {
	store   store.Store
	txns    *repository.TransactionRepo
	log     *logger.Logger
	metrics *metrics.Recorder
	now     func() time.Time

	// mu makes the check-then-write of one batch atomic with respect to
	// other batches ingested by this process.
	mu sync.Mutex
}

func NewService(s store.Store, txns *repository.TransactionRepo, log *logger.Logger, m *metrics.Recorder) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{store: s, txns: txns, log: log, metrics: m, now: time.Now}
}

// IngestMerchantBatch stores every transaction whose code is not already
// known and reports the rest as skipped. Codes are checked against the code
// index first, then against a full scan of stored transactions in case the
// index is stale. Any invalid item rejects the whole batch before a write.
func (s *Service) IngestMerchantBatch(ctx context.Context, txs []domain.MerchantTransaction) (*Result, error) {
	ctx = s.log.WithComponent(ctx, "ingestion")

	txs = append([]domain.MerchantTransaction(nil), txs...)
	for i := range txs {
		txs[i].TransactionCode = strings.TrimSpace(txs[i].TransactionCode)
	}
	if err := validateMerchant(txs); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	uploadID := uploadSessionID(txs, func() string { return s.store.NewKey("uploads") })
	result := &Result{UploadSessionID: uploadID, Created: []string{}, Skipped: []SkippedItem{}}
	ctx = s.log.WithField(ctx, "upload_session_id", uploadID)

	now := s.now().UTC()
	batch := store.NewBatch()
	seen := make(map[string]string, len(txs))
	scan := &codeScan{txns: s.txns}

	for _, tx := range txs {
		code := tx.TransactionCode

		if id, ok := seen[code]; ok {
			result.Skipped = append(result.Skipped, SkippedItem{TransactionCode: code, Reason: ReasonDuplicate, ExistingID: id})
			continue
		}

		existingID, err := s.existing(ctx, scan, code, batch, result)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeDependency, err, "duplicate check failed").
				WithDetails(map[string]string{"transactionCode": code})
		}
		if existingID != "" {
			seen[code] = existingID
			result.Skipped = append(result.Skipped, SkippedItem{TransactionCode: code, Reason: ReasonDuplicate, ExistingID: existingID})
			continue
		}

		tx.ID = s.txns.NewMerchantID()
		tx.UploadSessionID = uploadID
		tx.RawData = domain.SanitizeRawData(tx.RawData)
		tx.CreatedAt = now
		tx.ClearAdminLinkage()

		batch.Put(repository.MerchantTransactionPath(tx.ID), tx)
		batch.Put(repository.TransactionCodePath(code), tx.ID)
		seen[code] = tx.ID
		result.Created = append(result.Created, tx.ID)
	}

	if err := batch.Commit(ctx, s.store); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeConsistency, err, "merchant batch was not stored").
			WithDetails(map[string]string{"uploadSessionId": uploadID})
	}

	s.metrics.Ingested("merchant", "created", len(result.Created))
	s.metrics.Ingested("merchant", "skipped", len(result.Skipped))
	s.log.Infof(ctx, "ingested merchant batch: %d created, %d skipped, %d index entries repaired",
		len(result.Created), len(result.Skipped), result.IndexRepaired)
	return result, nil
}

// existing returns the id of the stored transaction owning code, or "". When
// the index disagrees with storage the index entry is fixed in batch.
func (s *Service) existing(ctx context.Context, scan *codeScan, code string, batch *store.Batch, result *Result) (string, error) {
	id, ok, err := s.txns.LookupCode(ctx, code)
	if err != nil {
		return "", err
	}
	if ok {
		tx, err := s.txns.GetMerchant(ctx, id)
		switch {
		case err == nil && tx.TransactionCode == code:
			return id, nil
		case err != nil && !apperrors.IsCode(err, apperrors.CodeNotFound):
			return "", err
		}
	}

	scannedID, err := scan.lookup(ctx, code)
	if err != nil {
		return "", err
	}
	if scannedID != "" {
		batch.Put(repository.TransactionCodePath(code), scannedID)
		result.IndexRepaired++
		s.log.Warn(ctx, fmt.Sprintf("code index missed %q, repaired from scan", code))
		return scannedID, nil
	}
	if ok {
		// Dangling entry; the new transaction's index write replaces it.
		result.IndexRepaired++
	}
	return "", nil
}

// codeScan loads every stored merchant transaction at most once per batch.
type codeScan struct {
	txns   *repository.TransactionRepo
	byCode map[string]string
}

func (c *codeScan) lookup(ctx context.Context, code string) (string, error) {
	if c.byCode == nil {
		all, err := c.txns.ListMerchant(ctx)
		if err != nil {
			return "", err
		}
		c.byCode = make(map[string]string, len(all))
		for _, tx := range all {
			if _, dup := c.byCode[tx.TransactionCode]; !dup {
				c.byCode[tx.TransactionCode] = tx.ID
			}
		}
	}
	return c.byCode[code], nil
}

// IngestAgentBatch stores agent-reported transactions. Agent-side codes are
// not unique; repeats surface as ERROR_DUPLICATE records during matching.
func (s *Service) IngestAgentBatch(ctx context.Context, txs []domain.AgentTransaction) (*Result, error) {
	ctx = s.log.WithComponent(ctx, "ingestion")

	txs = append([]domain.AgentTransaction(nil), txs...)
	var errs []ItemError
	for i := range txs {
		txs[i].TransactionCode = strings.TrimSpace(txs[i].TransactionCode)
		if err := txs[i].Validate(); err != nil {
			errs = append(errs, ItemError{Index: i, TransactionCode: txs[i].TransactionCode, Fields: domain.FieldErrors(err)})
		}
	}
	if len(errs) > 0 {
		return nil, apperrors.New(apperrors.CodeValidation, "agent batch rejected").WithDetails(errs)
	}

	uploadID := ""
	for _, tx := range txs {
		if tx.UploadSessionID != "" {
			uploadID = tx.UploadSessionID
			break
		}
	}
	if uploadID == "" {
		uploadID = s.store.NewKey("uploads")
	}

	result := &Result{UploadSessionID: uploadID, Created: []string{}, Skipped: []SkippedItem{}}
	now := s.now().UTC()
	batch := store.NewBatch()
	for _, tx := range txs {
		tx.ID = s.txns.NewAgentID()
		tx.UploadSessionID = uploadID
		tx.CreatedAt = now
		batch.Put(repository.AgentTransactionPath(tx.ID), tx)
		result.Created = append(result.Created, tx.ID)
	}
	if err := batch.Commit(ctx, s.store); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeConsistency, err, "agent batch was not stored").
			WithDetails(map[string]string{"uploadSessionId": uploadID})
	}

	s.metrics.Ingested("agent", "created", len(result.Created))
	s.log.Infof(ctx, "ingested agent batch %s: %d transactions", uploadID, len(result.Created))
	return result, nil
}

func validateMerchant(txs []domain.MerchantTransaction) error {
	var errs []ItemError
	for i, tx := range txs {
		if err := tx.Validate(); err != nil {
			errs = append(errs, ItemError{Index: i, TransactionCode: tx.TransactionCode, Fields: domain.FieldErrors(err)})
		}
	}
	if len(errs) > 0 {
		return apperrors.New(apperrors.CodeValidation, "merchant batch rejected").WithDetails(errs)
	}
	return nil
}

// uploadSessionID picks the batch's upload session: the first one supplied by
// the caller, else a fresh key.
func uploadSessionID(txs []domain.MerchantTransaction, newKey func() string) string {
	for _, tx := range txs {
		if tx.UploadSessionID != "" {
			return tx.UploadSessionID
		}
	}
	return newKey()
}
