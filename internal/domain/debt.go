package domain

import "time"

// DateRange is an inclusive calendar-day window. A zero bound is open.
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// DateOnly truncates t to its calendar day.
func DateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Contains compares by calendar day, never by timestamp.
func (r DateRange) Contains(t time.Time) bool {
	day := DateOnly(t)
	if !r.From.IsZero() && day.Before(DateOnly(r.From)) {
		return false
	}
	if !r.To.IsZero() && day.After(DateOnly(r.To)) {
		return false
	}
	return true
}

type AgentDebtRow struct {
	AgentID             string     `json:"agentId"`
	AgentCode           string     `json:"agentCode"`
	BankAccount         string     `json:"bankAccount"`
	TransactionCount    int        `json:"transactionCount"`
	TotalAmount         int64      `json:"totalAmount"`
	TotalFee            int64      `json:"totalFee"`
	NetAmount           int64      `json:"netAmount"`
	PaidAmount          int64      `json:"paidAmount"`
	UnpaidAmount        int64      `json:"unpaidAmount"`
	LastTransactionDate *time.Time `json:"lastTransactionDate,omitempty"`
	PointOfSales        []string   `json:"pointOfSales"`
}

type MerchantSubtotal struct {
	MerchantCode     string `json:"merchantCode"`
	TransactionCount int    `json:"transactionCount"`
	TotalAmount      int64  `json:"totalAmount"`
	TotalFee         int64  `json:"totalFee"`
	NetAmount        int64  `json:"netAmount"`
}

type AccountDebtRow struct {
	Account             string             `json:"account"`
	TransactionCount    int                `json:"transactionCount"`
	TotalAmount         int64              `json:"totalAmount"`
	TotalFee            int64              `json:"totalFee"`
	NetAmount           int64              `json:"netAmount"`
	PaidAmount          int64              `json:"paidAmount"`
	UnpaidAmount        int64              `json:"unpaidAmount"`
	LastTransactionDate *time.Time         `json:"lastTransactionDate,omitempty"`
	PointOfSales        []string           `json:"pointOfSales"`
	Merchants           []MerchantSubtotal `json:"merchants"`
}
