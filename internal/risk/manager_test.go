package risk

import (
	"context"
	"testing"
	"time"

	"funding-arb/internal/config"
	"funding-arb/internal/ledger"
	"funding-arb/internal/store"
)

type fixedPnL struct {
	realized float64
	since    time.Time
}

func (f *fixedPnL) RealizedSince(_ context.Context, since time.Time) (float64, error) {
	f.since = since
	return f.realized, nil
}

func newManager(t *testing.T, cfg config.RiskConfig, pnl PnLSource) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.NewSQLite(config.DatabaseConfig{InMemory: true, MaxOpenConns: 1, MaxIdleConns: 1})
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	m, err := NewManager(cfg, st, pnl, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, st
}

func openTrade(symbol string, qty, price float64) ledger.Trade {
	return ledger.Trade{Symbol: symbol, State: ledger.StateComplete, QtyLong: qty, QtyShort: qty, EntryPriceLong: price, EntryPriceShort: price}
}

func TestEvaluate_LimitsOpenTradesAndNotional(t *testing.T) {
	m, _ := newManager(t, config.RiskConfig{MaxOpenTrades: 2, MaxGrossNotional: 10000}, nil)
	ctx := context.Background()

	res, err := m.Evaluate(ctx, EvaluationInput{Symbol: "eth", Notional: 3000, Open: []ledger.Trade{openTrade("BTC", 0.05, 60000)}})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !res.Allowed() || res.Symbol != "ETH" {
		t.Fatalf("expected proceed, got %+v", res)
	}

	res, _ = m.Evaluate(ctx, EvaluationInput{Symbol: "SOL", Notional: 1000, Open: []ledger.Trade{
		openTrade("BTC", 0.01, 60000), openTrade("ETH", 0.1, 3000),
	}})
	if res.Allowed() {
		t.Fatalf("max open trades must deny, got %+v", res)
	}

	res, _ = m.Evaluate(ctx, EvaluationInput{Symbol: "ETH", Notional: 8000, Open: []ledger.Trade{openTrade("BTC", 0.05, 60000)}})
	if res.Allowed() {
		t.Fatalf("gross notional 3000+8000 must exceed 10000, got %+v", res)
	}

	res, _ = m.Evaluate(ctx, EvaluationInput{Symbol: "BTC", Notional: 100, Open: []ledger.Trade{openTrade("BTC", 0.01, 60000)}})
	if res.Allowed() {
		t.Fatalf("same symbol must deny")
	}

	res, _ = m.Evaluate(ctx, EvaluationInput{Symbol: "BTC", Notional: 0})
	if res.Allowed() {
		t.Fatalf("zero notional must deny")
	}
}

func TestEvaluate_DailyLossHaltPersists(t *testing.T) {
	pnl := &fixedPnL{realized: -50}
	cfg := config.RiskConfig{MaxOpenTrades: 5, MaxGrossNotional: 1e6, MaxDailyLoss: 100, EnableDailyStopLoss: true, DailyLossResetHour: 8}
	m, st := newManager(t, cfg, pnl)
	ctx := context.Background()
	ts := time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC)

	res, err := m.Evaluate(ctx, EvaluationInput{Symbol: "ETH", Notional: 1000, Timestamp: ts})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !res.Allowed() || res.DailyStatus.TradingDate != "2026-03-09" {
		t.Fatalf("expected proceed on trading day 2026-03-09, got %+v", res)
	}
	if want := time.Date(2026, 3, 9, 8, 0, 0, 0, time.UTC); !pnl.since.Equal(want) {
		t.Fatalf("expected day start %v, got %v", want, pnl.since)
	}

	pnl.realized = -120
	res, _ = m.Evaluate(ctx, EvaluationInput{Symbol: "ETH", Notional: 1000, Timestamp: ts})
	if res.Allowed() || !res.DailyStatus.Halted {
		t.Fatalf("expected halt, got %+v", res)
	}
	m.LogDenial(ctx, res)

	// 停交易标记当日保持，即使盈亏回升
	pnl.realized = 10
	res, _ = m.Evaluate(ctx, EvaluationInput{Symbol: "ETH", Notional: 1000, Timestamp: ts.Add(time.Hour)})
	if res.Allowed() {
		t.Fatalf("halt must persist for the trading day")
	}

	// 新交易日重置
	res, _ = m.Evaluate(ctx, EvaluationInput{Symbol: "ETH", Notional: 1000, Timestamp: ts.Add(3 * time.Hour)})
	if !res.Allowed() || res.DailyStatus.TradingDate != "2026-03-10" {
		t.Fatalf("expected reset on the next trading day, got %+v", res)
	}

	var n int
	if err := st.DB().QueryRow(`SELECT COUNT(*) FROM risk_activity_log WHERE event_type = 'daily_halt'`).Scan(&n); err != nil {
		t.Fatalf("query: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one daily_halt log, got %d", n)
	}
	if err := st.DB().QueryRow(`SELECT COUNT(*) FROM risk_activity_log WHERE event_type = 'entry_denied'`).Scan(&n); err != nil {
		t.Fatalf("query: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one entry_denied log, got %d", n)
	}
}

func TestTradingDay(t *testing.T) {
	ts := time.Date(2026, 1, 1, 3, 0, 0, 0, time.UTC)
	if got := tradingDay(ts, 0); got != "2026-01-01" {
		t.Fatalf("got %s", got)
	}
	if got := tradingDay(ts, 4); got != "2025-12-31" {
		t.Fatalf("got %s", got)
	}
	if got := dayStart(ts, 4); !got.Equal(time.Date(2025, 12, 31, 4, 0, 0, 0, time.UTC)) {
		t.Fatalf("got %v", got)
	}
}
