package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type RecordStatus string

const (
	StatusMatched           RecordStatus = "MATCHED"
	StatusErrorAmount       RecordStatus = "ERROR_AMOUNT"
	StatusErrorDuplicate    RecordStatus = "ERROR_DUPLICATE"
	StatusMissingInAgent    RecordStatus = "MISSING_IN_AGENT"
	StatusMissingInMerchant RecordStatus = "MISSING_IN_MERCHANT"
)

func (s RecordStatus) IsValid() bool {
	switch s {
	case StatusMatched, StatusErrorAmount, StatusErrorDuplicate, StatusMissingInAgent, StatusMissingInMerchant:
		return true
	}
	return false
}

type SessionStatus string

const (
	SessionProcessing SessionStatus = "PROCESSING"
	SessionCompleted  SessionStatus = "COMPLETED"
	SessionFailed     SessionStatus = "FAILED"
)

// MerchantSnapshot is the merchant side of a record, frozen at match time.
type MerchantSnapshot struct {
	TransactionID string `json:"transactionId,omitempty"`
	Amount        int64  `json:"amount"`
	MerchantCode  string `json:"merchantCode"`
	PaymentMethod string `json:"paymentMethod"`
	Occurrences   int    `json:"occurrences"`
}

// AgentSnapshot is the agent side of a record, frozen at match time.
type AgentSnapshot struct {
	TransactionID string          `json:"transactionId,omitempty"`
	AgentID       string          `json:"agentId"`
	Amount        int64           `json:"amount"`
	Occurrences   int             `json:"occurrences"`
	FeePercentage decimal.Decimal `json:"feePercentage"`
	FeeAmount     int64           `json:"feeAmount"`
}

type ReconciliationRecord struct {
	ID              string            `json:"id"`
	SessionID       string            `json:"sessionId"`
	TransactionCode string            `json:"transactionCode"`
	Status          RecordStatus      `json:"status"`
	MerchantData    *MerchantSnapshot `json:"merchantData,omitempty"`
	AgentData       *AgentSnapshot    `json:"agentData,omitempty"`
	PointOfSaleName string            `json:"pointOfSaleName"`
	PaymentMethod   string            `json:"paymentMethod"`
	MerchantAmount  int64             `json:"merchantAmount"`
	TransactionDate time.Time         `json:"transactionDate"`
	PaymentID       string            `json:"paymentId,omitempty"`
	IsPaid          bool              `json:"isPaid"`
	Note            string            `json:"note,omitempty"`
}

// AgentID returns the agent the record belongs to, or "" when the agent side
// is missing.
func (r ReconciliationRecord) AgentID() string {
	if r.AgentData == nil {
		return ""
	}
	return r.AgentData.AgentID
}

// MerchantCode returns the merchant the record belongs to, or "" when the
// merchant side is missing.
func (r ReconciliationRecord) MerchantCode() string {
	if r.MerchantData == nil {
		return ""
	}
	return r.MerchantData.MerchantCode
}

// Unpaid reports whether the record can still be turned into a payment.
func (r ReconciliationRecord) Unpaid() bool {
	return r.Status == StatusMatched && r.PaymentID == "" && !r.IsPaid
}

type ReconciliationSession struct {
	ID          string        `json:"id"`
	CreatedAt   time.Time     `json:"createdAt"`
	CompletedAt *time.Time    `json:"completedAt,omitempty"`
	Status      SessionStatus `json:"status"`
	// MatchedCount counts MATCHED records, ErrorCount counts ERROR_AMOUNT only.
	MatchedCount           int    `json:"matchedCount"`
	ErrorCount             int    `json:"errorCount"`
	DuplicateCount         int    `json:"duplicateCount"`
	MissingInAgentCount    int    `json:"missingInAgentCount"`
	MissingInMerchantCount int    `json:"missingInMerchantCount"`
	RecordCount            int    `json:"recordCount"`
	TotalAmount            int64  `json:"totalAmount"`
	UploadSessionID        string `json:"uploadSessionId,omitempty"`
	FailureReason          string `json:"failureReason,omitempty"`
}
