package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Agent is a settlement counterparty.
type Agent struct {
	ID          string `json:"id" validate:"required"`
	Code        string `json:"code" validate:"required"`
	Name        string `json:"name,omitempty"`
	BankAccount string `json:"bankAccount"`
	// DiscountRates is the legacy flat method->percentage map. It is read as a
	// fallback and never written by this module.
	DiscountRates map[string]decimal.Decimal `json:"discountRates,omitempty"`
	// DiscountRatesByPointOfSale is pointOfSale->method->percentage and is
	// authoritative.
	DiscountRatesByPointOfSale map[string]map[string]decimal.Decimal `json:"discountRatesByPointOfSale,omitempty"`
	AssignedPointOfSales       []string                              `json:"assignedPointOfSales,omitempty"`
	IsActive                   bool                                  `json:"isActive"`
}

// Merchant routes matched volume to one or more admin settlement accounts.
type Merchant struct {
	Code               string   `json:"code" validate:"required"`
	Name               string   `json:"name,omitempty"`
	SettlementAccounts []string `json:"settlementAccounts"`
}

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "PENDING"
	PaymentPaid    PaymentStatus = "PAID"
)

type Payment struct {
	ID          string        `json:"id"`
	AgentID     string        `json:"agentId"`
	TotalAmount int64         `json:"totalAmount"`
	FeeAmount   int64         `json:"feeAmount"`
	NetAmount   int64         `json:"netAmount"`
	// TransactionIDs are the ReconciliationRecord ids covered by the payment.
	TransactionIDs   []string `json:"transactionIds"`
	TransactionCodes []string `json:"transactionCodes"`
	// MerchantTransactionIDs are back-references to the merchant transactions
	// whose admin linkage fields the payment writes.
	MerchantTransactionIDs []string        `json:"merchantTransactionIds,omitempty"`
	TransactionCount       int             `json:"transactionCount"`
	FeePercentage          decimal.Decimal `json:"feePercentage"`
	Status                 PaymentStatus   `json:"status"`
	BatchID                string          `json:"batchId,omitempty"`
	CreatedAt              time.Time       `json:"createdAt"`
	PaidAt                 *time.Time      `json:"paidAt,omitempty"`
}

type BatchStatus string

const (
	BatchDraft BatchStatus = "DRAFT"
	BatchPaid  BatchStatus = "PAID"
)

type PaymentBatch struct {
	ID            string      `json:"id"`
	CreatedAt     time.Time   `json:"createdAt"`
	PaymentIDs    []string    `json:"paymentIds"`
	PaymentCount  int         `json:"paymentCount"`
	TotalAmount   int64       `json:"totalAmount"`
	NetAmount     int64       `json:"netAmount"`
	PaymentStatus BatchStatus `json:"paymentStatus"`
	PaidAt        *time.Time  `json:"paidAt,omitempty"`
	ApprovalCode  string      `json:"approvalCode,omitempty"`
}
