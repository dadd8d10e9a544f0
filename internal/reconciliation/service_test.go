package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
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

const vnpay = "QR 1 (VNPay)"

var txDate = time.Date(2024, 6, 1, 14, 0, 0, 0, time.UTC)

// failingStore lets a test fail multi-path writes while keeping single
// writes and reads on the real store.
type failingStore struct {
	store.Store
	updateFn func(ctx context.Context, updates map[string][]byte) error
}

func (f *failingStore) Update(ctx context.Context, updates map[string][]byte) error {
	if f.updateFn != nil {
		return f.updateFn(ctx, updates)
	}
	return f.Store.Update(ctx, updates)
}

type fixture struct {
	svc       *Service
	store     *failingStore
	sessions  *repository.SessionRepo
	txns      *repository.TransactionRepo
	directory *repository.DirectoryRepo
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sqlite, err := store.OpenSQLite(":memory:", time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	fs := &failingStore{Store: sqlite}
	f := &fixture{
		store:     fs,
		sessions:  repository.NewSessionRepo(fs),
		txns:      repository.NewTransactionRepo(fs),
		directory: repository.NewDirectoryRepo(fs, nil),
	}
	f.svc = NewService(fs, f.sessions, f.txns, f.directory, nil, nil)
	return f
}

func merchant(code string, amount int64) domain.MerchantTransaction {
	return domain.MerchantTransaction{
		ID:              "m-" + code,
		TransactionCode: code,
		MerchantCode:    "M1",
		PointOfSaleName: "POS_A",
		Amount:          amount,
		PaymentMethod:   vnpay,
		TransactionDate: txDate,
	}
}

func agent(code string, amount int64) domain.AgentTransaction {
	return domain.AgentTransaction{
		ID:              "a-" + code,
		TransactionCode: code,
		AgentID:         "agent-1",
		Amount:          amount,
	}
}

func byCode(records []domain.ReconciliationRecord) map[string]domain.ReconciliationRecord {
	out := make(map[string]domain.ReconciliationRecord, len(records))
	for _, r := range records {
		out[r.TransactionCode] = r
	}
	return out
}

func TestClassifyScenarios(t *testing.T) {
	tests := []struct {
		name     string
		merchant []domain.MerchantTransaction
		agent    []domain.AgentTransaction
		want     domain.RecordStatus
	}{
		{
			name:     "equal amounts match",
			merchant: []domain.MerchantTransaction{merchant("TX1", 100000)},
			agent:    []domain.AgentTransaction{agent("TX1", 100000)},
			want:     domain.StatusMatched,
		},
		{
			name:     "different amounts",
			merchant: []domain.MerchantTransaction{merchant("TX1", 100000)},
			agent:    []domain.AgentTransaction{agent("TX1", 90000)},
			want:     domain.StatusErrorAmount,
		},
		{
			name:     "merchant only",
			merchant: []domain.MerchantTransaction{merchant("TX2", 100000)},
			want:     domain.StatusMissingInAgent,
		},
		{
			name:  "agent only",
			agent: []domain.AgentTransaction{agent("TX3", 5)},
			want:  domain.StatusMissingInMerchant,
		},
		{
			name:     "duplicate beats missing",
			merchant: []domain.MerchantTransaction{merchant("TX4", 1), merchant("TX4", 1)},
			want:     domain.StatusErrorDuplicate,
		},
		{
			name:     "agent side duplicate",
			merchant: []domain.MerchantTransaction{merchant("TX5", 1)},
			agent:    []domain.AgentTransaction{agent("TX5", 1), agent("TX5", 1)},
			want:     domain.StatusErrorDuplicate,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			records, _ := Classify(tt.merchant, tt.agent, nil)
			require.Len(t, records, 1)
			assert.Equal(t, tt.want, records[0].Status)
		})
	}
}

func TestClassifyMatchedScenarioSnapshotsFee(t *testing.T) {
	agents := map[string]domain.Agent{
		"agent-1": {
			ID:            "agent-1",
			DiscountRates: map[string]decimal.Decimal{vnpay: decimal.NewFromInt(5)},
			DiscountRatesByPointOfSale: map[string]map[string]decimal.Decimal{
				"POS_A": {vnpay: decimal.NewFromInt(2)},
			},
		},
	}
	records, tally := Classify(
		[]domain.MerchantTransaction{merchant("TX1", 100000)},
		[]domain.AgentTransaction{agent("TX1", 100000)},
		agents,
	)
	require.Len(t, records, 1)
	rec := records[0]
	assert.Equal(t, domain.StatusMatched, rec.Status)
	assert.Equal(t, int64(100000), rec.MerchantAmount)
	assert.Equal(t, "POS_A", rec.PointOfSaleName)
	assert.Equal(t, "agent-1", rec.AgentID())
	assert.Equal(t, int64(2000), rec.AgentData.FeeAmount)
	assert.True(t, decimal.NewFromInt(2).Equal(rec.AgentData.FeePercentage))
	assert.Equal(t, int64(100000), tally.MatchedAmount)
}

func TestClassifyProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 200; round++ {
		var m []domain.MerchantTransaction
		var a []domain.AgentTransaction
		codes := rng.Intn(30) + 1
		for i := 0; i < codes; i++ {
			code := fmt.Sprintf("TX%03d", rng.Intn(40))
			amount := int64(rng.Intn(4)) * 1000
			for n := rng.Intn(3); n > 0; n-- {
				m = append(m, merchant(code, amount))
			}
			for n := rng.Intn(3); n > 0; n-- {
				if rng.Intn(3) == 0 {
					a = append(a, agent(code, int64(rng.Intn(4))*1000))
				} else {
					a = append(a, agent(code, amount))
				}
			}
		}

		records, tally := Classify(m, a, nil)

		mCount := map[string]int{}
		aCount := map[string]int{}
		mAmount := map[string]int64{}
		aAmount := map[string]int64{}
		for _, tx := range m {
			if mCount[tx.TransactionCode] == 0 {
				mAmount[tx.TransactionCode] = tx.Amount
			}
			mCount[tx.TransactionCode]++
		}
		for _, tx := range a {
			if aCount[tx.TransactionCode] == 0 {
				aAmount[tx.TransactionCode] = tx.Amount
			}
			aCount[tx.TransactionCode]++
		}
		distinct := map[string]bool{}
		for c := range mCount {
			distinct[c] = true
		}
		for c := range aCount {
			distinct[c] = true
		}

		require.Len(t, records, len(distinct), "one record per code")
		seen := map[string]bool{}
		for _, rec := range records {
			require.False(t, seen[rec.TransactionCode], "code %s produced twice", rec.TransactionCode)
			seen[rec.TransactionCode] = true

			code := rec.TransactionCode
			nonDup := mCount[code] == 1 && aCount[code] == 1
			equal := nonDup && mAmount[code] == aAmount[code]
			require.Equal(t, equal, rec.Status == domain.StatusMatched, "code %s", code)
		}
		require.Equal(t, len(records),
			tally.Matched+tally.ErrorAmount+tally.Duplicate+tally.MissingInAgent+tally.MissingInMerchant)
	}
}

func TestRunMatchingPersistsCompletedSession(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	id, err := f.svc.RunMatching(ctx, Input{
		Merchant: []domain.MerchantTransaction{merchant("TX1", 100000), merchant("TX2", 100000), merchant("TX3", 500), merchant("TX4", 7), merchant("TX4", 7)},
		Agent:    []domain.AgentTransaction{agent("TX1", 100000), agent("TX3", 400), agent("TX5", 1)},
	})
	require.NoError(t, err)

	session, err := f.svc.GetSession(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionCompleted, session.Status)
	assert.NotNil(t, session.CompletedAt)
	assert.Equal(t, 1, session.MatchedCount)
	assert.Equal(t, 1, session.ErrorCount, "only amount mismatches count as errors")
	assert.Equal(t, 1, session.DuplicateCount)
	assert.Equal(t, 1, session.MissingInAgentCount)
	assert.Equal(t, 1, session.MissingInMerchantCount)
	assert.Equal(t, 5, session.RecordCount)
	assert.Equal(t, int64(100000), session.TotalAmount)

	records, total, err := f.svc.ListRecords(ctx, repository.RecordFilter{SessionID: id})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	got := byCode(records)
	assert.Equal(t, domain.StatusMatched, got["TX1"].Status)
	assert.Equal(t, domain.StatusMissingInAgent, got["TX2"].Status)
	assert.Equal(t, domain.StatusErrorAmount, got["TX3"].Status)
	assert.Equal(t, domain.StatusErrorDuplicate, got["TX4"].Status)
	assert.Equal(t, domain.StatusMissingInMerchant, got["TX5"].Status)
	for _, rec := range records {
		assert.Equal(t, id, rec.SessionID)
	}
}

func TestRunMatchingMarksSessionFailedWhenWriteFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.store.updateFn = func(context.Context, map[string][]byte) error {
		return errors.New("disk full")
	}

	_, err := f.svc.RunMatching(ctx, Input{
		Merchant: []domain.MerchantTransaction{merchant("TX1", 1)},
		Agent:    []domain.AgentTransaction{agent("TX1", 1)},
	})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeConsistency))
	sessionID := apperrors.As(err).Details().(map[string]string)["sessionId"]
	require.NotEmpty(t, sessionID)

	session, err := f.svc.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionFailed, session.Status)
	assert.Contains(t, session.FailureReason, "disk full")

	f.store.updateFn = nil
	records, total, err := f.svc.ListRecords(ctx, repository.RecordFilter{})
	require.NoError(t, err)
	assert.Zero(t, total)
	assert.Empty(t, records)
}

func TestRunMatchingRejectsEmptyCodesBeforeWriting(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.svc.RunMatching(ctx, Input{Merchant: []domain.MerchantTransaction{merchant("", 1)}})
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeValidation))

	sessions, err := f.svc.ListSessions(ctx)
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestRecordsAreSnapshotsOfSourceTransactions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	m := merchant("TX1", 100000)
	m.UploadSessionID = "upload-1"
	a := agent("TX1", 100000)
	a.UploadSessionID = "upload-1"
	b := store.NewBatch()
	b.Put(repository.MerchantTransactionPath(m.ID), m)
	b.Put(repository.AgentTransactionPath(a.ID), a)
	require.NoError(t, b.Commit(ctx, f.store))

	id, err := f.svc.RunMatchingForUpload(ctx, "upload-1")
	require.NoError(t, err)

	m.Amount = 1
	require.NoError(t, store.SetJSON(ctx, f.store, repository.MerchantTransactionPath(m.ID), m))

	records, _, err := f.svc.ListRecords(ctx, repository.RecordFilter{SessionID: id})
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, domain.StatusMatched, records[0].Status)
	assert.Equal(t, int64(100000), records[0].MerchantData.Amount)

	_, err = f.svc.RunMatchingForUpload(ctx, "no-such-upload")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNotFound))
}

func TestDeleteSessionCascadesAndRefusesPaidRecords(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	id, err := f.svc.RunMatching(ctx, Input{
		Merchant: []domain.MerchantTransaction{merchant("TX1", 1), merchant("TX2", 2)},
		Agent:    []domain.AgentTransaction{agent("TX1", 1), agent("TX2", 2)},
	})
	require.NoError(t, err)

	records, err := f.sessions.ListSessionRecords(ctx, id)
	require.NoError(t, err)
	require.Len(t, records, 2)

	linked := records[0]
	linked.PaymentID = "payment-1"
	require.NoError(t, store.SetJSON(ctx, f.store, repository.RecordPath(linked.ID), linked))

	err = f.svc.DeleteSession(ctx, id)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeStateConflict))

	linked.PaymentID = ""
	require.NoError(t, store.SetJSON(ctx, f.store, repository.RecordPath(linked.ID), linked))
	require.NoError(t, f.svc.DeleteSession(ctx, id))

	_, err = f.svc.GetSession(ctx, id)
	assert.True(t, apperrors.IsCode(err, apperrors.CodeNotFound))
	all, err := f.sessions.ListRecords(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
	ids, err := f.sessions.RecordIDs(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestUploadIsMatchedOnceUntilItsSessionIsDeleted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	m := merchant("TX1", 100000)
	m.UploadSessionID = "upload-1"
	a := agent("TX1", 100000)
	a.UploadSessionID = "upload-1"
	b := store.NewBatch()
	b.Put(repository.MerchantTransactionPath(m.ID), m)
	b.Put(repository.AgentTransactionPath(a.ID), a)
	require.NoError(t, b.Commit(ctx, f.store))

	f.store.updateFn = func(context.Context, map[string][]byte) error {
		return errors.New("disk full")
	}
	_, err := f.svc.RunMatchingForUpload(ctx, "upload-1")
	require.True(t, apperrors.IsCode(err, apperrors.CodeConsistency))
	f.store.updateFn = nil

	first, err := f.svc.RunMatchingForUpload(ctx, "upload-1")
	require.NoError(t, err, "a failed session does not block a retry")

	_, err = f.svc.RunMatchingForUpload(ctx, "upload-1")
	require.True(t, apperrors.IsCode(err, apperrors.CodeStateConflict))
	assert.Equal(t, first, apperrors.As(err).Details().(map[string]string)["sessionId"])

	_, total, err := f.svc.ListRecords(ctx, repository.RecordFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total, "the refused run wrote nothing")

	require.NoError(t, f.svc.DeleteSession(ctx, first))
	second, err := f.svc.RunMatchingForUpload(ctx, "upload-1")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}
