package main

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wakala/agentsettle/internal/domain"
)

// UploadSessionID tags every generated transaction so the seeded store can be
// matched in one run.
const UploadSessionID = "seed-upload-001"

var (
	pointOfSales = []string{"POS_HANOI_01", "POS_HANOI_02", "POS_SAIGON_01", "POS_DANANG_01"}
	methods      = []string{"QR 1 (VNPay)", "QR 2 (MoMo)", "CARD"}
)

func main() {
	rng := rand.New(rand.NewSource(42))
	baseDir := findTestdataDir()

	// Date range: 2024-01-08 to 2024-01-21.
	startDate := time.Date(2024, 1, 8, 0, 0, 0, 0, time.UTC)
	endDate := time.Date(2024, 1, 21, 0, 0, 0, 0, time.UTC)
	dayRange := int(endDate.Sub(startDate).Hours() / 24)

	agents := generateAgents(rng)
	merchants := generateMerchants(rng)

	var merchantTxns []domain.MerchantTransaction
	var agentTxns []domain.AgentTransaction

	for i := 1; i <= 120; i++ {
		code := fmt.Sprintf("FT24%06d", 100000+i)

		day := rng.Intn(dayRange + 1)
		hour := rng.Intn(24)
		minute := rng.Intn(60)
		at := startDate.AddDate(0, 0, day).Add(time.Duration(hour)*time.Hour + time.Duration(minute)*time.Minute)

		// Amount between 10,000 and 2,000,000 VND, rounded to 1,000.
		amount := int64(10+rng.Intn(1991)) * 1000

		m := domain.MerchantTransaction{
			TransactionCode: code,
			MerchantCode:    merchants[rng.Intn(len(merchants))].Code,
			PointOfSaleName: pointOfSales[rng.Intn(len(pointOfSales))],
			Amount:          amount,
			PaymentMethod:   methods[rng.Intn(len(methods))],
			TransactionDate: at,
			UploadSessionID: UploadSessionID,
			RawData: map[string]string{
				"terminal.id": fmt.Sprintf("T%03d", rng.Intn(50)),
				"bill/no":     fmt.Sprintf("B%06d", i),
			},
		}
		merchantTxns = append(merchantTxns, m)

		a := domain.AgentTransaction{
			TransactionCode: code,
			AgentID:         agents[rng.Intn(len(agents))].ID,
			PointOfSaleName: m.PointOfSaleName,
			Amount:          amount,
			PaymentMethod:   m.PaymentMethod,
			TransactionDate: at,
			UploadSessionID: UploadSessionID,
		}

		// Agent side: 85% matched, 5% amount mismatch, 4% reported twice,
		// 6% missing.
		roll := rng.Float64()
		switch {
		case roll < 0.85:
			agentTxns = append(agentTxns, a)
		case roll < 0.90:
			a.Amount = amount + int64(1+rng.Intn(20))*1000
			agentTxns = append(agentTxns, a)
		case roll < 0.94:
			agentTxns = append(agentTxns, a, a)
		}
	}

	// Codes only the agents know about.
	for i := 1; i <= 3; i++ {
		agentTxns = append(agentTxns, domain.AgentTransaction{
			TransactionCode: fmt.Sprintf("AG-ONLY-%03d", i),
			AgentID:         agents[rng.Intn(len(agents))].ID,
			PointOfSaleName: pointOfSales[rng.Intn(len(pointOfSales))],
			Amount:          int64(10+rng.Intn(500)) * 1000,
			PaymentMethod:   methods[0],
			TransactionDate: startDate.AddDate(0, 0, rng.Intn(dayRange+1)),
			UploadSessionID: UploadSessionID,
		})
	}

	writeJSONFile(filepath.Join(baseDir, "agents.json"), agents)
	writeJSONFile(filepath.Join(baseDir, "merchants.json"), merchants)
	writeJSONFile(filepath.Join(baseDir, "merchant_batch.json"), merchantTxns)
	writeJSONFile(filepath.Join(baseDir, "agent_batch.json"), agentTxns)

	fmt.Printf("Generated %d agents, %d merchants\n", len(agents), len(merchants))
	fmt.Printf("Generated %d merchant and %d agent transactions\n", len(merchantTxns), len(agentTxns))
	fmt.Println("Test data generation complete.")
}

func generateAgents(rng *rand.Rand) []domain.Agent {
	agents := make([]domain.Agent, 5)
	for i := range agents {
		a := domain.Agent{
			ID:                         fmt.Sprintf("agent-%02d", i+1),
			Code:                       fmt.Sprintf("AG%02d", i+1),
			Name:                       fmt.Sprintf("Agent %d", i+1),
			BankAccount:                fmt.Sprintf("VCB-%08d", rng.Intn(100000000)),
			DiscountRatesByPointOfSale: map[string]map[string]decimal.Decimal{},
			IsActive:                   true,
		}
		for _, pos := range pointOfSales {
			if rng.Float64() < 0.5 {
				continue
			}
			rates := map[string]decimal.Decimal{}
			for _, method := range methods {
				// 0.5% to 3.0% in steps of 0.25.
				rates[method] = decimal.New(int64(50+25*rng.Intn(11)), -2)
			}
			a.DiscountRatesByPointOfSale[pos] = rates
			a.AssignedPointOfSales = append(a.AssignedPointOfSales, pos)
		}
		// Older agents still carry a flat rate table.
		if i%2 == 0 {
			a.DiscountRates = map[string]decimal.Decimal{
				methods[0]: decimal.NewFromInt(2),
				methods[1]: decimal.RequireFromString("1.5"),
			}
		}
		agents[i] = a
	}
	return agents
}

func generateMerchants(rng *rand.Rand) []domain.Merchant {
	accounts := []string{"ADMIN-VCB-001", "ADMIN-TCB-002", "ADMIN-ACB-003"}
	merchants := make([]domain.Merchant, 8)
	for i := range merchants {
		m := domain.Merchant{
			Code: fmt.Sprintf("M%03d", i+1),
			Name: fmt.Sprintf("Merchant %d", i+1),
		}
		// One merchant without routing, a few routed to two accounts.
		switch {
		case i == 7:
		case rng.Float64() < 0.3:
			first := rng.Intn(len(accounts))
			m.SettlementAccounts = []string{accounts[first], accounts[(first+1)%len(accounts)]}
		default:
			m.SettlementAccounts = []string{accounts[rng.Intn(len(accounts))]}
		}
		merchants[i] = m
	}
	return merchants
}

func writeJSONFile(path string, v any) {
	f, err := os.Create(path)
	if err != nil {
		panic(err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		panic(err)
	}
}

func findTestdataDir() string {
	for _, c := range []string{"testdata", "../testdata", "."} {
		if info, err := os.Stat(filepath.Join(c, "generate")); err == nil && info.IsDir() {
			return c
		}
	}
	return "testdata"
}
