package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/wakala/agentsettle/internal/domain"
	apperrors "github.com/wakala/agentsettle/internal/errors"
	"github.com/wakala/agentsettle/internal/store"
)

const (
	sessionsRoot      = "reconciliation_sessions"
	recordsRoot       = "reconciliation_records"
	sessionRecordsIdx = "indexes/session_records"
)

func SessionPath(id string) string {
	return store.Join(sessionsRoot, id)
}

func RecordPath(id string) string {
	return store.Join(recordsRoot, id)
}

// SessionRecordsPath is the index node listing the record ids of a session.
func SessionRecordsPath(sessionID string) string {
	return store.Join(sessionRecordsIdx, sessionID)
}

func SessionRecordPath(sessionID, recordID string) string {
	return store.Join(sessionRecordsIdx, sessionID, recordID)
}

type SessionRepo struct {
	store store.Store
}

func NewSessionRepo(s store.Store) *SessionRepo {
	return &SessionRepo{store: s}
}

func (r *SessionRepo) NewSessionID() string {
	return r.store.NewKey(sessionsRoot)
}

func (r *SessionRepo) NewRecordID() string {
	return r.store.NewKey(recordsRoot)
}

func (r *SessionRepo) SaveSession(ctx context.Context, s domain.ReconciliationSession) error {
	if err := store.SetJSON(ctx, r.store, SessionPath(s.ID), s); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (r *SessionRepo) GetSession(ctx context.Context, id string) (*domain.ReconciliationSession, error) {
	var s domain.ReconciliationSession
	if err := store.GetJSON(ctx, r.store, SessionPath(id), &s); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.NotFound("session", id)
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &s, nil
}

// ListSessions returns sessions newest first.
func (r *SessionRepo) ListSessions(ctx context.Context) ([]domain.ReconciliationSession, error) {
	all, err := store.ListJSON[domain.ReconciliationSession](ctx, r.store, sessionsRoot)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	sessions := make([]domain.ReconciliationSession, 0, len(all))
	for _, s := range all {
		sessions = append(sessions, s)
	}
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].CreatedAt.Equal(sessions[j].CreatedAt) {
			return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
		}
		return sessions[i].ID < sessions[j].ID
	})
	return sessions, nil
}

// LiveSessionForUpload returns a PROCESSING or COMPLETED session of the
// upload, if any. FAILED sessions do not count.
func (r *SessionRepo) LiveSessionForUpload(ctx context.Context, uploadSessionID string) (*domain.ReconciliationSession, bool, error) {
	sessions, err := r.ListSessions(ctx)
	if err != nil {
		return nil, false, err
	}
	for i := range sessions {
		s := sessions[i]
		if s.UploadSessionID != uploadSessionID {
			continue
		}
		if s.Status == domain.SessionProcessing || s.Status == domain.SessionCompleted {
			return &s, true, nil
		}
	}
	return nil, false, nil
}

// CompletedSessionIDs returns the ids of sessions whose records may be read
// downstream.
func (r *SessionRepo) CompletedSessionIDs(ctx context.Context) (map[string]bool, error) {
	sessions, err := r.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	ids := make(map[string]bool, len(sessions))
	for _, s := range sessions {
		if s.Status == domain.SessionCompleted {
			ids[s.ID] = true
		}
	}
	return ids, nil
}

func (r *SessionRepo) GetRecord(ctx context.Context, id string) (*domain.ReconciliationRecord, error) {
	var rec domain.ReconciliationRecord
	if err := store.GetJSON(ctx, r.store, RecordPath(id), &rec); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperrors.NotFound("reconciliation record", id)
		}
		return nil, fmt.Errorf("get record: %w", err)
	}
	return &rec, nil
}

// ListRecords returns every record ordered by id.
func (r *SessionRepo) ListRecords(ctx context.Context) ([]domain.ReconciliationRecord, error) {
	all, err := store.ListJSON[domain.ReconciliationRecord](ctx, r.store, recordsRoot)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	records := make([]domain.ReconciliationRecord, 0, len(all))
	for _, rec := range all {
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })
	return records, nil
}

// RecordIDs reads the session's record index.
func (r *SessionRepo) RecordIDs(ctx context.Context, sessionID string) ([]string, error) {
	children, err := r.store.Children(ctx, SessionRecordsPath(sessionID))
	if err != nil {
		return nil, fmt.Errorf("session records index: %w", err)
	}
	ids := make([]string, 0, len(children))
	for id := range children {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// ListSessionRecords loads a session's records through the index, ordered by
// transaction code.
func (r *SessionRepo) ListSessionRecords(ctx context.Context, sessionID string) ([]domain.ReconciliationRecord, error) {
	ids, err := r.RecordIDs(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	records := make([]domain.ReconciliationRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := r.GetRecord(ctx, id)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].TransactionCode < records[j].TransactionCode
	})
	return records, nil
}

type RecordFilter struct {
	SessionID string
	Status    string
	AgentID   string
	Page      int
	Limit     int
}

// List returns one page of records matching f and the total match count.
func (r *SessionRepo) List(ctx context.Context, f RecordFilter) ([]domain.ReconciliationRecord, int, error) {
	var (
		records []domain.ReconciliationRecord
		err     error
	)
	if f.SessionID != "" {
		records, err = r.ListSessionRecords(ctx, f.SessionID)
	} else {
		records, err = r.ListRecords(ctx)
	}
	if err != nil {
		return nil, 0, err
	}

	matched := records[:0]
	for _, rec := range records {
		if f.Match(rec) {
			matched = append(matched, rec)
		}
	}
	return Paginate(matched, f.Page, f.Limit), len(matched), nil
}

// Match applies the status and agent criteria of f to rec.
func (f RecordFilter) Match(rec domain.ReconciliationRecord) bool {
	if f.Status != "" && string(rec.Status) != f.Status {
		return false
	}
	if f.AgentID != "" && rec.AgentID() != f.AgentID {
		return false
	}
	return true
}

// RecordSummary breaks a record set down by status.
type RecordSummary struct {
	TotalCount    int            `json:"totalCount"`
	ByStatus      map[string]int `json:"byStatus"`
	MatchedAmount int64          `json:"matchedAmount"`
	PaidCount     int            `json:"paidCount"`
}

func (r *SessionRepo) Summary(ctx context.Context, sessionID string) (*RecordSummary, error) {
	records, err := r.ListSessionRecords(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	s := &RecordSummary{ByStatus: make(map[string]int)}
	for _, rec := range records {
		s.TotalCount++
		s.ByStatus[string(rec.Status)]++
		if rec.Status == domain.StatusMatched {
			s.MatchedAmount += rec.MerchantAmount
		}
		if rec.IsPaid {
			s.PaidCount++
		}
	}
	return s, nil
}

// Paginate returns one page of items. Pages start at 1 and default to 50
// items.
func Paginate[T any](items []T, page, limit int) []T {
	if limit <= 0 {
		limit = 50
	}
	if page <= 0 {
		page = 1
	}
	offset := (page - 1) * limit
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
