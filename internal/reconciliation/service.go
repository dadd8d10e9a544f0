package reconciliation

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

// Input is one ingestion batch: both sides of the same upload.
type Input struct {
	UploadSessionID string                       `json:"uploadSessionId,omitempty"`
	Merchant        []domain.MerchantTransaction `json:"merchantTransactions"`
	Agent           []domain.AgentTransaction    `json:"agentTransactions"`
}

// Service runs matching sessions and serves their results.
type Service struct {
	store     store.Store
	sessions  *repository.SessionRepo
	txns      *repository.TransactionRepo
	directory *repository.DirectoryRepo
	log       *logger.Logger
	metrics   *metrics.Recorder
	now       func() time.Time

	// mu serializes runs so two runs of one upload cannot both pass the
	// live session check.
	mu sync.Mutex
}

func NewService(
	s store.Store,
	sessions *repository.SessionRepo,
	txns *repository.TransactionRepo,
	directory *repository.DirectoryRepo,
	log *logger.Logger,
	m *metrics.Recorder,
) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{
		store:     s,
		sessions:  sessions,
		txns:      txns,
		directory: directory,
		log:       log,
		metrics:   m,
		now:       time.Now,
	}
}

// RunMatching classifies in and persists a session with its records. The
// session is created PROCESSING, then the records, their index entries and
// the COMPLETED session are written in one multi-path update. If that write
// fails the session is marked FAILED and a consistency error is returned.
// An upload that already has a PROCESSING or COMPLETED session is refused;
// delete that session to match the upload again.
func (s *Service) RunMatching(ctx context.Context, in Input) (string, error) {
	ctx = s.log.WithComponent(ctx, "reconciliation")

	if err := validateInput(in); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if in.UploadSessionID != "" {
		live, ok, err := s.sessions.LiveSessionForUpload(ctx, in.UploadSessionID)
		if err != nil {
			return "", apperrors.Wrap(apperrors.CodeDependency, err, "load sessions")
		}
		if ok {
			return "", apperrors.Newf(apperrors.CodeStateConflict, "upload %s was already matched by session %s", in.UploadSessionID, live.ID).
				WithDetails(map[string]string{"uploadSessionId": in.UploadSessionID, "sessionId": live.ID, "status": string(live.Status)})
		}
	}

	agents, err := s.agentsByID(ctx)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeDependency, err, "load agents")
	}

	session := domain.ReconciliationSession{
		ID:              s.sessions.NewSessionID(),
		CreatedAt:       s.now().UTC(),
		Status:          domain.SessionProcessing,
		UploadSessionID: in.UploadSessionID,
	}
	ctx = s.log.WithSessionID(ctx, session.ID)
	if err := s.sessions.SaveSession(ctx, session); err != nil {
		s.metrics.MatchingRun("failed")
		return "", apperrors.Wrap(apperrors.CodeConsistency, err, "create session")
	}

	records, tally := Classify(in.Merchant, in.Agent, agents)

	batch := store.NewBatch()
	for i := range records {
		records[i].ID = s.sessions.NewRecordID()
		records[i].SessionID = session.ID
		batch.Put(repository.RecordPath(records[i].ID), records[i])
		batch.Put(repository.SessionRecordPath(session.ID, records[i].ID), true)
	}

	completedAt := s.now().UTC()
	session.Status = domain.SessionCompleted
	session.CompletedAt = &completedAt
	session.MatchedCount = tally.Matched
	session.ErrorCount = tally.ErrorAmount
	session.DuplicateCount = tally.Duplicate
	session.MissingInAgentCount = tally.MissingInAgent
	session.MissingInMerchantCount = tally.MissingInMerchant
	session.RecordCount = len(records)
	session.TotalAmount = tally.MatchedAmount
	batch.Put(repository.SessionPath(session.ID), session)

	if err := batch.Commit(ctx, s.store); err != nil {
		s.markFailed(ctx, session, err)
		s.metrics.MatchingRun("failed")
		return "", apperrors.Wrap(apperrors.CodeConsistency, err, "matching results were not stored").
			WithDetails(map[string]string{"sessionId": session.ID})
	}

	s.metrics.MatchingRun("completed")
	s.metrics.RecordsWritten(string(domain.StatusMatched), tally.Matched)
	s.metrics.RecordsWritten(string(domain.StatusErrorAmount), tally.ErrorAmount)
	s.metrics.RecordsWritten(string(domain.StatusErrorDuplicate), tally.Duplicate)
	s.metrics.RecordsWritten(string(domain.StatusMissingInAgent), tally.MissingInAgent)
	s.metrics.RecordsWritten(string(domain.StatusMissingInMerchant), tally.MissingInMerchant)

	s.log.Infof(ctx, "session completed: matched=%d, amount_errors=%d, duplicates=%d, missing_in_agent=%d, missing_in_merchant=%d",
		tally.Matched, tally.ErrorAmount, tally.Duplicate, tally.MissingInAgent, tally.MissingInMerchant)
	return session.ID, nil
}

// RunMatchingForUpload matches the stored transactions of one upload session.
func (s *Service) RunMatchingForUpload(ctx context.Context, uploadSessionID string) (string, error) {
	if strings.TrimSpace(uploadSessionID) == "" {
		return "", apperrors.New(apperrors.CodeValidation, "uploadSessionId is required")
	}
	merchant, agent, err := s.txns.ListByUpload(ctx, uploadSessionID)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeDependency, err, "load upload transactions")
	}
	if len(merchant) == 0 && len(agent) == 0 {
		return "", apperrors.NotFound("upload session", uploadSessionID)
	}
	return s.RunMatching(ctx, Input{UploadSessionID: uploadSessionID, Merchant: merchant, Agent: agent})
}

// markFailed records the failure on the session. It runs detached from ctx
// so a cancelled caller still leaves a terminal session behind.
func (s *Service) markFailed(ctx context.Context, session domain.ReconciliationSession, cause error) {
	failedAt := s.now().UTC()
	session.Status = domain.SessionFailed
	session.CompletedAt = &failedAt
	session.FailureReason = cause.Error()

	if err := s.sessions.SaveSession(context.WithoutCancel(ctx), session); err != nil {
		s.log.Error(ctx, "could not mark session failed", err)
		return
	}
	s.log.Error(ctx, "session failed", cause)
}

func (s *Service) agentsByID(ctx context.Context) (map[string]domain.Agent, error) {
	agents, err := s.directory.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]domain.Agent, len(agents))
	for _, a := range agents {
		byID[a.ID] = a
	}
	return byID, nil
}

func validateInput(in Input) error {
	var missing []map[string]any
	for i, tx := range in.Merchant {
		if strings.TrimSpace(tx.TransactionCode) == "" {
			missing = append(missing, map[string]any{"side": "merchant", "index": i, "reason": "transactionCode is required"})
		}
	}
	for i, tx := range in.Agent {
		if strings.TrimSpace(tx.TransactionCode) == "" {
			missing = append(missing, map[string]any{"side": "agent", "index": i, "reason": "transactionCode is required"})
		}
	}
	if len(missing) > 0 {
		return apperrors.New(apperrors.CodeValidation, "matching input rejected").WithDetails(missing)
	}
	return nil
}

func (s *Service) GetSession(ctx context.Context, id string) (*domain.ReconciliationSession, error) {
	return s.sessions.GetSession(ctx, id)
}

func (s *Service) ListSessions(ctx context.Context) ([]domain.ReconciliationSession, error) {
	return s.sessions.ListSessions(ctx)
}

// ListRecords pages through records. Records of sessions that did not
// complete are never returned.
func (s *Service) ListRecords(ctx context.Context, f repository.RecordFilter) ([]domain.ReconciliationRecord, int, error) {
	if f.SessionID != "" {
		session, err := s.sessions.GetSession(ctx, f.SessionID)
		if err != nil {
			return nil, 0, err
		}
		if session.Status != domain.SessionCompleted {
			return []domain.ReconciliationRecord{}, 0, nil
		}
		return s.sessions.List(ctx, f)
	}

	completed, err := s.sessions.CompletedSessionIDs(ctx)
	if err != nil {
		return nil, 0, err
	}
	all, err := s.sessions.ListRecords(ctx)
	if err != nil {
		return nil, 0, err
	}
	visible := all[:0]
	for _, rec := range all {
		if completed[rec.SessionID] && f.Match(rec) {
			visible = append(visible, rec)
		}
	}
	return repository.Paginate(visible, f.Page, f.Limit), len(visible), nil
}

func (s *Service) Summary(ctx context.Context, sessionID string) (*repository.RecordSummary, error) {
	if _, err := s.sessions.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.sessions.Summary(ctx, sessionID)
}

// DeleteSession removes the session with its records and index. A session
// with any record linked to a payment is refused.
func (s *Service) DeleteSession(ctx context.Context, id string) error {
	ctx = s.log.WithSessionID(s.log.WithComponent(ctx, "reconciliation"), id)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.sessions.GetSession(ctx, id); err != nil {
		return err
	}
	ids, err := s.sessions.RecordIDs(ctx, id)
	if err != nil {
		return err
	}

	batch := store.NewBatch()
	for _, recordID := range ids {
		rec, err := s.sessions.GetRecord(ctx, recordID)
		if apperrors.IsCode(err, apperrors.CodeNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if rec.PaymentID != "" {
			return apperrors.Newf(apperrors.CodeStateConflict, "session %s has records linked to payments", id).
				WithDetails(map[string]string{"recordId": rec.ID, "paymentId": rec.PaymentID, "transactionCode": rec.TransactionCode})
		}
		batch.Remove(repository.RecordPath(recordID))
	}
	batch.Remove(repository.SessionRecordsPath(id))
	batch.Remove(repository.SessionPath(id))

	if err := batch.Commit(ctx, s.store); err != nil {
		return apperrors.Wrap(apperrors.CodeConsistency, err, "delete session")
	}
	s.log.Info(ctx, fmt.Sprintf("deleted session with %d records", len(ids)))
	return nil
}
