// Package debt reduces matched records, agents and payments into per-agent
// and per-settlement-account debt summaries. Every report is a pure read.
package debt

import (
	"context"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wakala/agentsettle/internal/domain"
	apperrors "github.com/wakala/agentsettle/internal/errors"
	"github.com/wakala/agentsettle/internal/fees"
	"github.com/wakala/agentsettle/internal/logger"
	"github.com/wakala/agentsettle/internal/metrics"
	"github.com/wakala/agentsettle/internal/repository"
)

// UnassignedAccount collects merchants that have no settlement account.
const UnassignedAccount = "UNASSIGNED"

type Aggregator struct {
	sessions    *repository.SessionRepo
	settlements *repository.SettlementRepo
	directory   *repository.DirectoryRepo
	log         *logger.Logger
	metrics     *metrics.Recorder
	timeout     time.Duration
}

// NewAggregator builds an aggregator. A positive timeout bounds every report.
func NewAggregator(
	sessions *repository.SessionRepo,
	settlements *repository.SettlementRepo,
	directory *repository.DirectoryRepo,
	log *logger.Logger,
	m *metrics.Recorder,
	timeout time.Duration,
) *Aggregator {
	if log == nil {
		log = logger.Nop()
	}
	return &Aggregator{
		sessions:    sessions,
		settlements: settlements,
		directory:   directory,
		log:         log,
		metrics:     m,
		timeout:     timeout,
	}
}

// line is one in-window MATCHED record with its fee resolved against the
// current agent rates.
type line struct {
	record domain.ReconciliationRecord
	fee    int64
	net    int64
	paid   int64
}

type snapshot struct {
	completed map[string]bool
	records   []domain.ReconciliationRecord
	agents    map[string]domain.Agent
	payments  []domain.Payment
	merchants map[string]domain.Merchant
}

// load reads every collection a report needs in parallel. The first failed
// read fails the whole report.
func (a *Aggregator) load(ctx context.Context, withMerchants bool) (*snapshot, error) {
	var snap snapshot
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		completed, err := a.sessions.CompletedSessionIDs(gctx)
		snap.completed = completed
		return err
	})
	g.Go(func() error {
		records, err := a.sessions.ListRecords(gctx)
		snap.records = records
		return err
	})
	g.Go(func() error {
		agents, err := a.directory.ListAgents(gctx)
		if err != nil {
			return err
		}
		snap.agents = make(map[string]domain.Agent, len(agents))
		for _, ag := range agents {
			snap.agents[ag.ID] = ag
		}
		return nil
	})
	g.Go(func() error {
		payments, err := a.settlements.ListPayments(gctx)
		snap.payments = payments
		return err
	})
	if withMerchants {
		g.Go(func() error {
			merchants, err := a.directory.ListMerchants(gctx)
			if err != nil {
				return err
			}
			snap.merchants = make(map[string]domain.Merchant, len(merchants))
			for _, m := range merchants {
				snap.merchants[m.Code] = m
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, apperrors.Wrap(apperrors.CodeDependency, err, "debt report read failed")
	}
	return &snap, nil
}

// lines filters the snapshot to MATCHED records of completed sessions inside
// window, in record id order. ctx is checked between records.
func (a *Aggregator) lines(ctx context.Context, snap *snapshot, window domain.DateRange) ([]line, error) {
	paid := paidShares(snap.payments)

	out := make([]line, 0)
	for _, rec := range snap.records {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if rec.Status != domain.StatusMatched || !snap.completed[rec.SessionID] {
			continue
		}
		if !window.Contains(rec.TransactionDate) {
			continue
		}
		b := fees.For(snap.agents[rec.AgentID()], rec.PointOfSaleName, rec.PaymentMethod, rec.MerchantAmount)
		out = append(out, line{record: rec, fee: b.Fee, net: b.Net, paid: paid[rec.ID]})
	}
	return out, nil
}

// paidShares spreads the net amount of every PAID payment over the records it
// covers. The remainder of an uneven split goes to the first record.
func paidShares(payments []domain.Payment) map[string]int64 {
	shares := make(map[string]int64)
	for _, p := range payments {
		n := int64(len(p.TransactionIDs))
		if p.Status != domain.PaymentPaid || n == 0 {
			continue
		}
		share := p.NetAmount / n
		for i, id := range p.TransactionIDs {
			shares[id] += share
			if i == 0 {
				shares[id] += p.NetAmount - share*n
			}
		}
	}
	return shares
}

func (a *Aggregator) bounded(ctx context.Context) (context.Context, context.CancelFunc) {
	if a.timeout > 0 {
		return context.WithTimeout(ctx, a.timeout)
	}
	return context.WithCancel(ctx)
}

type totals struct {
	count int
	total int64
	fee   int64
	net   int64
	paid  int64
	last  *time.Time
	pos   map[string]bool
}

func (t *totals) add(l line) {
	t.count++
	t.total += l.record.MerchantAmount
	t.fee += l.fee
	t.net += l.net
	t.paid += l.paid
	if d := l.record.TransactionDate; t.last == nil || d.After(*t.last) {
		t.last = &d
	}
	if pos := l.record.PointOfSaleName; pos != "" {
		if t.pos == nil {
			t.pos = make(map[string]bool)
		}
		t.pos[pos] = true
	}
}

func (t *totals) pointOfSales() []string {
	out := make([]string, 0, len(t.pos))
	for pos := range t.pos {
		out = append(out, pos)
	}
	sort.Strings(out)
	return out
}

// GetDebtByAgent groups in-window MATCHED records by agent. Rows are ordered
// by agent id.
func (a *Aggregator) GetDebtByAgent(ctx context.Context, window domain.DateRange) ([]domain.AgentDebtRow, error) {
	started := time.Now()
	ctx = a.log.WithComponent(ctx, "debt")
	ctx, cancel := a.bounded(ctx)
	defer cancel()

	snap, err := a.load(ctx, false)
	if err != nil {
		return nil, err
	}
	lines, err := a.lines(ctx, snap, window)
	if err != nil {
		return nil, err
	}

	byAgent := make(map[string]*totals)
	for _, l := range lines {
		id := l.record.AgentID()
		t, ok := byAgent[id]
		if !ok {
			t = &totals{}
			byAgent[id] = t
		}
		t.add(l)
	}

	ids := make([]string, 0, len(byAgent))
	for id := range byAgent {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	rows := make([]domain.AgentDebtRow, 0, len(ids))
	for _, id := range ids {
		t := byAgent[id]
		agent := snap.agents[id]
		rows = append(rows, domain.AgentDebtRow{
			AgentID:             id,
			AgentCode:           agent.Code,
			BankAccount:         agent.BankAccount,
			TransactionCount:    t.count,
			TotalAmount:         t.total,
			TotalFee:            t.fee,
			NetAmount:           t.net,
			PaidAmount:          t.paid,
			UnpaidAmount:        t.net - t.paid,
			LastTransactionDate: t.last,
			PointOfSales:        t.pointOfSales(),
		})
	}

	a.metrics.ObserveReport("by_agent", time.Since(started))
	a.log.Infof(ctx, "debt by agent: %d records, %d agents", len(lines), len(rows))
	return rows, nil
}

// GetDebtByAdminAccount groups in-window MATCHED records by the settlement
// accounts of their merchant. A record counts once in every account its
// merchant routes to. Rows are ordered by account, merchants by code.
func (a *Aggregator) GetDebtByAdminAccount(ctx context.Context, window domain.DateRange) ([]domain.AccountDebtRow, error) {
	started := time.Now()
	ctx = a.log.WithComponent(ctx, "debt")
	ctx, cancel := a.bounded(ctx)
	defer cancel()

	snap, err := a.load(ctx, true)
	if err != nil {
		return nil, err
	}
	lines, err := a.lines(ctx, snap, window)
	if err != nil {
		return nil, err
	}

	type account struct {
		totals
		merchants map[string]*totals
	}
	byAccount := make(map[string]*account)

	for _, l := range lines {
		code := l.record.MerchantCode()
		for _, acc := range accountsOf(snap.merchants[code]) {
			row, ok := byAccount[acc]
			if !ok {
				row = &account{merchants: make(map[string]*totals)}
				byAccount[acc] = row
			}
			row.add(l)
			sub, ok := row.merchants[code]
			if !ok {
				sub = &totals{}
				row.merchants[code] = sub
			}
			sub.add(l)
		}
	}

	names := make([]string, 0, len(byAccount))
	for name := range byAccount {
		names = append(names, name)
	}
	sort.Strings(names)

	rows := make([]domain.AccountDebtRow, 0, len(names))
	for _, name := range names {
		acc := byAccount[name]
		codes := make([]string, 0, len(acc.merchants))
		for code := range acc.merchants {
			codes = append(codes, code)
		}
		sort.Strings(codes)

		subtotals := make([]domain.MerchantSubtotal, 0, len(codes))
		for _, code := range codes {
			sub := acc.merchants[code]
			subtotals = append(subtotals, domain.MerchantSubtotal{
				MerchantCode:     code,
				TransactionCount: sub.count,
				TotalAmount:      sub.total,
				TotalFee:         sub.fee,
				NetAmount:        sub.net,
			})
		}

		rows = append(rows, domain.AccountDebtRow{
			Account:             name,
			TransactionCount:    acc.count,
			TotalAmount:         acc.total,
			TotalFee:            acc.fee,
			NetAmount:           acc.net,
			PaidAmount:          acc.paid,
			UnpaidAmount:        acc.net - acc.paid,
			LastTransactionDate: acc.last,
			PointOfSales:        acc.pointOfSales(),
			Merchants:           subtotals,
		})
	}

	a.metrics.ObserveReport("by_account", time.Since(started))
	a.log.Infof(ctx, "debt by account: %d records, %d accounts", len(lines), len(rows))
	return rows, nil
}

// accountsOf returns the distinct settlement accounts of m in sorted order.
func accountsOf(m domain.Merchant) []string {
	seen := make(map[string]bool, len(m.SettlementAccounts))
	out := make([]string, 0, len(m.SettlementAccounts))
	for _, acc := range m.SettlementAccounts {
		if acc == "" || seen[acc] {
			continue
		}
		seen[acc] = true
		out = append(out, acc)
	}
	if len(out) == 0 {
		return []string{UnassignedAccount}
	}
	sort.Strings(out)
	return out
}
