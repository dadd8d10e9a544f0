package domain

import (
	"sort"
	"strings"
	"time"
)

// AdminPaymentStatus mirrors the settlement state of a merchant transaction
// once a payment batch covering it has been settled.
type AdminPaymentStatus string

const (
	AdminPaymentUnpaid AdminPaymentStatus = "UNPAID"
	AdminPaymentPaid   AdminPaymentStatus = "PAID"
)

// MerchantTransaction is one transaction as reported by the payment channel.
type MerchantTransaction struct {
	ID              string            `json:"id"`
	TransactionCode string            `json:"transactionCode" validate:"required"`
	MerchantCode    string            `json:"merchantCode"`
	PointOfSaleName string            `json:"pointOfSaleName"`
	Amount          int64             `json:"amount" validate:"min=0"`
	PaymentMethod   string            `json:"paymentMethod"`
	TransactionDate time.Time         `json:"transactionDate"`
	UploadSessionID string            `json:"uploadSessionId"`
	RawData         map[string]string `json:"rawData,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`

	// Linkage written by the settlement ledger when a batch is settled.
	AdminPaymentID     string             `json:"adminPaymentId,omitempty"`
	AdminBatchID       string             `json:"adminBatchId,omitempty"`
	AdminPaidAt        *time.Time         `json:"adminPaidAt,omitempty"`
	AdminPaymentStatus AdminPaymentStatus `json:"adminPaymentStatus,omitempty"`
}

// ClearAdminLinkage resets the settlement linkage fields.
func (t *MerchantTransaction) ClearAdminLinkage() {
	t.AdminPaymentID = ""
	t.AdminBatchID = ""
	t.AdminPaidAt = nil
	t.AdminPaymentStatus = AdminPaymentUnpaid
}

// AgentTransaction is the agent-reported side of the same transaction code
// domain.
type AgentTransaction struct {
	ID              string    `json:"id"`
	TransactionCode string    `json:"transactionCode" validate:"required"`
	AgentID         string    `json:"agentId"`
	PointOfSaleName string    `json:"pointOfSaleName"`
	Amount          int64     `json:"amount" validate:"min=0"`
	PaymentMethod   string    `json:"paymentMethod"`
	TransactionDate time.Time `json:"transactionDate"`
	UploadSessionID string    `json:"uploadSessionId"`
	CreatedAt       time.Time `json:"createdAt"`
}

var rawKeyReplacer = strings.NewReplacer(
	"/", "_",
	".", "_",
	"#", "_",
	"$", "_",
	"[", "_",
	"]", "_",
)

// SanitizeRawData returns a copy of data whose keys contain no path delimiter
// characters. Later keys win when two keys collapse onto the same name.
func SanitizeRawData(data map[string]string) map[string]string {
	if len(data) == 0 {
		return nil
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]string, len(data))
	for _, k := range keys {
		clean := strings.TrimSpace(rawKeyReplacer.Replace(k))
		if clean == "" {
			clean = "_"
		}
		out[clean] = data[k]
	}
	return out
}
