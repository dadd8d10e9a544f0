package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func TestDateRangeContainsByCalendarDay(t *testing.T) {
	r := DateRange{
		From: time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC),
		To:   time.Date(2024, 3, 31, 0, 0, 0, 0, time.UTC),
	}

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"start of first day", time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC), true},
		{"end of last day", time.Date(2024, 3, 31, 23, 59, 59, 0, time.UTC), true},
		{"day before", time.Date(2024, 2, 29, 23, 59, 59, 0, time.UTC), false},
		{"day after", time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Contains(tt.at))
		})
	}

	assert.True(t, DateRange{}.Contains(time.Now()), "open range contains everything")
}

func TestSanitizeRawData(t *testing.T) {
	out := SanitizeRawData(map[string]string{
		"terminal/id": "T1",
		"amount.vnd":  "100000",
		"ok":          "yes",
		"[weird]#$":   "x",
	})
	assert.Equal(t, map[string]string{
		"terminal_id": "T1",
		"amount_vnd":  "100000",
		"ok":          "yes",
		"_weird___":   "x",
	}, out)
	assert.Nil(t, SanitizeRawData(nil))
}

func TestMerchantTransactionValidate(t *testing.T) {
	valid := MerchantTransaction{TransactionCode: "TX1", Amount: 1, TransactionDate: time.Now()}
	require.NoError(t, valid.Validate())

	missingCode := valid
	missingCode.TransactionCode = ""
	err := missingCode.Validate()
	require.Error(t, err)
	assert.Equal(t, "is required", FieldErrors(err)["transactionCode"])

	negative := valid
	negative.Amount = -5
	require.Error(t, negative.Validate())

	noDate := valid
	noDate.TransactionDate = time.Time{}
	require.Error(t, noDate.Validate())
}

func TestAgentValidateReportsEveryOutOfRangeRate(t *testing.T) {
	agent := Agent{
		ID:   "a1",
		Code: "AG1",
		DiscountRates: map[string]decimal.Decimal{
			"cash": decimal.NewFromInt(101),
		},
		DiscountRatesByPointOfSale: map[string]map[string]decimal.Decimal{
			"POS_A": {"QR": decimal.NewFromInt(-1), "card": decimal.NewFromInt(100)},
		},
	}
	err := agent.Validate()
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 2)

	agent.DiscountRates["cash"] = decimal.NewFromInt(5)
	agent.DiscountRatesByPointOfSale["POS_A"]["QR"] = decimal.Zero
	require.NoError(t, agent.Validate())
}

func TestRecordUnpaid(t *testing.T) {
	rec := ReconciliationRecord{Status: StatusMatched}
	assert.True(t, rec.Unpaid())
	rec.PaymentID = "p1"
	assert.False(t, rec.Unpaid())
	assert.False(t, ReconciliationRecord{Status: StatusErrorAmount}.Unpaid())
	assert.Equal(t, "", rec.AgentID())
}
