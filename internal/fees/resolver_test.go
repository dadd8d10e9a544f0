package fees

import (
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/wakala/agentsettle/internal/domain"
)

const vnpay = "QR 1 (VNPay)"

func agentWithRates() domain.Agent {
	return domain.Agent{
		ID:   "agent-1",
		Code: "AG1",
		DiscountRates: map[string]decimal.Decimal{
			vnpay:  decimal.NewFromInt(5),
			"cash": decimal.NewFromInt(1),
		},
		DiscountRatesByPointOfSale: map[string]map[string]decimal.Decimal{
			"POS_A": {vnpay: decimal.NewFromInt(2)},
		},
	}
}

func TestResolvePriority(t *testing.T) {
	agent := agentWithRates()

	tests := []struct {
		name   string
		pos    string
		method string
		want   decimal.Decimal
		source Source
	}{
		{"per point of sale wins", "POS_A", vnpay, decimal.NewFromInt(2), SourcePointOfSale},
		{"flat fallback for other pos", "POS_B", vnpay, decimal.NewFromInt(5), SourceFlat},
		{"flat fallback for other method at known pos", "POS_A", "cash", decimal.NewFromInt(1), SourceFlat},
		{"default zero", "POS_A", "card", decimal.Zero, SourceDefault},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pct, src := ResolveWithSource(agent, tt.pos, tt.method)
			assert.True(t, tt.want.Equal(pct), "want %s got %s", tt.want, pct)
			assert.Equal(t, tt.source, src)
		})
	}

	assert.True(t, Resolve(domain.Agent{}, "POS_A", vnpay).IsZero(), "agent without rates resolves to 0")
}

func TestScenarioPerPointOfSaleFee(t *testing.T) {
	b := For(agentWithRates(), "POS_A", vnpay, 100000)
	assert.True(t, decimal.NewFromInt(2).Equal(b.Percentage))
	assert.Equal(t, int64(2000), b.Fee)
	assert.Equal(t, int64(98000), b.Net)
}

func TestComputeRoundsHalfAwayFromZero(t *testing.T) {
	tests := []struct {
		amount int64
		pct    string
		fee    int64
	}{
		{amount: 150, pct: "1", fee: 2},
		{amount: 149, pct: "1", fee: 1},
		{amount: 100000, pct: "1.25", fee: 1250},
		{amount: 333, pct: "33.3333", fee: 111},
		{amount: 0, pct: "50", fee: 0},
		{amount: 7, pct: "100", fee: 7},
	}
	for _, tt := range tests {
		fee, net := Compute(tt.amount, decimal.RequireFromString(tt.pct))
		assert.Equal(t, tt.fee, fee, "amount=%d pct=%s", tt.amount, tt.pct)
		assert.Equal(t, tt.amount-tt.fee, net)
	}
}

func TestComputeClampsOutOfRangeRates(t *testing.T) {
	fee, net := Compute(1000, decimal.NewFromInt(150))
	assert.Equal(t, int64(1000), fee)
	assert.Equal(t, int64(0), net)

	fee, net = Compute(1000, decimal.NewFromInt(-3))
	assert.Equal(t, int64(0), fee)
	assert.Equal(t, int64(1000), net)
}

func TestFeeIsBoundedAndMonotonic(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 2000; i++ {
		amount := rng.Int63n(50_000_000)
		p1 := decimal.NewFromFloat(rng.Float64() * 100).Round(4)
		p2 := decimal.NewFromFloat(rng.Float64() * 100).Round(4)
		if p2.LessThan(p1) {
			p1, p2 = p2, p1
		}

		fee1, net1 := Compute(amount, p1)
		fee2, _ := Compute(amount, p2)

		if fee1 < 0 || fee1 > amount {
			t.Fatalf("fee %d out of [0,%d] for pct %s", fee1, amount, p1)
		}
		if fee1+net1 != amount {
			t.Fatalf("fee+net != amount for %d @ %s", amount, p1)
		}
		if fee2 < fee1 {
			t.Fatalf("fee not monotonic: %s->%d, %s->%d", p1, fee1, p2, fee2)
		}
	}
}
