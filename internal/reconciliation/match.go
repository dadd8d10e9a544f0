package reconciliation

import (
	"fmt"
	"sort"

	"github.com/wakala/agentsettle/internal/domain"
	"github.com/wakala/agentsettle/internal/fees"
)

// Tally holds the per-status counts of one matching run.
type Tally struct {
	Matched           int
	ErrorAmount       int
	Duplicate         int
	MissingInAgent    int
	MissingInMerchant int
	// MatchedAmount sums merchant amounts of MATCHED records.
	MatchedAmount int64
}

func (t *Tally) add(rec domain.ReconciliationRecord) {
	switch rec.Status {
	case domain.StatusMatched:
		t.Matched++
		t.MatchedAmount += rec.MerchantAmount
	case domain.StatusErrorAmount:
		t.ErrorAmount++
	case domain.StatusErrorDuplicate:
		t.Duplicate++
	case domain.StatusMissingInAgent:
		t.MissingInAgent++
	case domain.StatusMissingInMerchant:
		t.MissingInMerchant++
	}
}

type sides struct {
	merchant []domain.MerchantTransaction
	agent    []domain.AgentTransaction
}

// Classify produces exactly one record per distinct transaction code seen on
// either side, ordered by code. Records carry no id or session yet. agents is
// used to snapshot the fee of MATCHED records; an unknown agent resolves to a
// zero fee.
func Classify(merchant []domain.MerchantTransaction, agent []domain.AgentTransaction, agents map[string]domain.Agent) ([]domain.ReconciliationRecord, Tally) {
	byCode := make(map[string]*sides)
	get := func(code string) *sides {
		sd, ok := byCode[code]
		if !ok {
			sd = &sides{}
			byCode[code] = sd
		}
		return sd
	}
	for _, tx := range merchant {
		sd := get(tx.TransactionCode)
		sd.merchant = append(sd.merchant, tx)
	}
	for _, tx := range agent {
		sd := get(tx.TransactionCode)
		sd.agent = append(sd.agent, tx)
	}

	codes := make([]string, 0, len(byCode))
	for code := range byCode {
		codes = append(codes, code)
	}
	sort.Strings(codes)

	records := make([]domain.ReconciliationRecord, 0, len(codes))
	var tally Tally
	for _, code := range codes {
		rec := classifyOne(code, byCode[code], agents)
		tally.add(rec)
		records = append(records, rec)
	}
	return records, tally
}

func classifyOne(code string, sd *sides, agents map[string]domain.Agent) domain.ReconciliationRecord {
	rec := domain.ReconciliationRecord{TransactionCode: code}

	var m *domain.MerchantTransaction
	var a *domain.AgentTransaction
	if len(sd.merchant) > 0 {
		m = &sd.merchant[0]
		rec.MerchantData = &domain.MerchantSnapshot{
			TransactionID: m.ID,
			Amount:        m.Amount,
			MerchantCode:  m.MerchantCode,
			PaymentMethod: m.PaymentMethod,
			Occurrences:   len(sd.merchant),
		}
		rec.MerchantAmount = m.Amount
		rec.PointOfSaleName = m.PointOfSaleName
		rec.PaymentMethod = m.PaymentMethod
		rec.TransactionDate = m.TransactionDate
	}
	if len(sd.agent) > 0 {
		a = &sd.agent[0]
		rec.AgentData = &domain.AgentSnapshot{
			TransactionID: a.ID,
			AgentID:       a.AgentID,
			Amount:        a.Amount,
			Occurrences:   len(sd.agent),
		}
		if rec.PointOfSaleName == "" {
			rec.PointOfSaleName = a.PointOfSaleName
		}
		if rec.PaymentMethod == "" {
			rec.PaymentMethod = a.PaymentMethod
		}
		if rec.TransactionDate.IsZero() {
			rec.TransactionDate = a.TransactionDate
		}
	}

	switch {
	case len(sd.merchant) > 1 || len(sd.agent) > 1:
		rec.Status = domain.StatusErrorDuplicate
		rec.Note = fmt.Sprintf("code seen %d times on merchant side, %d on agent side", len(sd.merchant), len(sd.agent))
	case m != nil && a == nil:
		rec.Status = domain.StatusMissingInAgent
	case m == nil && a != nil:
		rec.Status = domain.StatusMissingInMerchant
	case m.Amount != a.Amount:
		rec.Status = domain.StatusErrorAmount
		rec.Note = fmt.Sprintf("merchant amount %d, agent amount %d", m.Amount, a.Amount)
	default:
		rec.Status = domain.StatusMatched
		b := fees.For(agents[a.AgentID], rec.PointOfSaleName, rec.PaymentMethod, rec.MerchantAmount)
		rec.AgentData.FeePercentage = b.Percentage
		rec.AgentData.FeeAmount = b.Fee
	}
	return rec
}
