package app

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"funding-arb/internal/config"
	"funding-arb/internal/execution"
	"funding-arb/internal/ledger"
	"funding-arb/internal/monitor"
	"funding-arb/internal/resolver"
	"funding-arb/internal/risk"
	"funding-arb/internal/store"
	"funding-arb/internal/venue"
	"funding-arb/internal/venue/paper"
)

func testExecutionConfig() config.ExecutionConfig {
	return config.ExecutionConfig{
		MakerTimeout:         40 * time.Millisecond,
		MakerTimeoutMin:      20 * time.Millisecond,
		MakerTimeoutMax:      150 * time.Millisecond,
		PollInterval:         5 * time.Millisecond,
		MaxReprices:          1,
		PostOnlyRetries:      2,
		HedgeAttempts:        2,
		HedgeSlippage:        0.001,
		HedgeSlippageStep:    0.001,
		HedgeMaxSlippage:     0.003,
		TakerFillTimeout:     time.Second,
		RollbackAttempts:     2,
		RollbackSlippage:     0.005,
		RollbackSlippageStep: 0.005,
		RollbackMaxSlippage:  0.01,
		CloseAttempts:        2,
		CloseSlippage:        0.005,
		CloseMaxSlippage:     0.01,
		LockTimeout:          200 * time.Millisecond,
	}
}

type scannerFixture struct {
	onchain *paper.Venue
	cex     *paper.Venue
	ledger  *ledger.Ledger
	engine  *execution.Engine
	scanner *scanner
	clock   time.Time
}

type denyAll struct{ denied int }

func (d *denyAll) Evaluate(_ context.Context, in risk.EvaluationInput) (risk.EvaluationResult, error) {
	return risk.EvaluationResult{Symbol: in.Symbol, Status: risk.StatusDeny, Notes: []string{"test"}}, nil
}

func (d *denyAll) LogDenial(context.Context, risk.EvaluationResult) { d.denied++ }

func newScannerFixture(t *testing.T, cfg config.StrategyConfig, rc riskChecker) *scannerFixture {
	t.Helper()
	f := &scannerFixture{onchain: paper.New("onchain"), cex: paper.New("cex")}
	for _, v := range []*paper.Venue{f.onchain, f.cex} {
		v.SetBook("ETH", 3000, 0.0004, 100)
	}
	f.onchain.SetMarket(venue.MarketInfo{Symbol: "ETH", TickSize: 0.01, StepSize: 0.01, MinQty: 0.01, MakerFee: 0.0001, TakerFee: 0.0004})
	f.cex.SetMarket(venue.MarketInfo{Symbol: "ETH", TickSize: 0.01, StepSize: 0.01, MinQty: 0.01, MakerFee: 0.0002, TakerFee: 0.0005})
	f.onchain.SetFunding("ETH", 0.0001)
	f.cex.SetFunding("ETH", 0.0003)

	venues := []venue.Adapter{f.onchain, f.cex}
	f.ledger = ledger.New(nil, nil, nil)
	locks := ledger.NewLocks()
	engine, err := execution.New(testExecutionConfig(), execution.Deps{
		Venues:   venues,
		Ledger:   f.ledger,
		Locks:    locks,
		Resolver: resolver.New(config.ResolverConfig{RetryDelay: 5 * time.Millisecond, ConfirmTimeout: 200 * time.Millisecond}, nil),
		Events:   monitor.Nop{},
	})
	if err != nil {
		t.Fatalf("execution.New: %v", err)
	}
	f.engine = engine
	edge := execution.NewFundingEdge(venues, nil, 0, 0)
	f.scanner = newScanner(cfg, []string{"eth"}, [2]string{"cex", "onchain"}, edge, engine, f.ledger, locks, rc, nil)
	f.clock = time.Now().UTC()
	f.scanner.now = func() time.Time { return f.clock }
	return f
}

func strategyConfig() config.StrategyConfig {
	return config.StrategyConfig{Enabled: true, EntryAPY: 0.1, ExitAPY: 0.02, NotionalUSD: 3000}
}

func TestScanner_EntersOnProfitableDirection(t *testing.T) {
	f := newScannerFixture(t, strategyConfig(), nil)
	if err := f.scanner.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	tr, ok := f.ledger.Get("ETH")
	if !ok || tr.State != ledger.StateComplete {
		t.Fatalf("expected COMPLETE trade, got %+v", tr)
	}
	// 空头收取更高的资金费
	if tr.VenueLong != "onchain" || tr.VenueShort != "cex" {
		t.Fatalf("wrong direction: long=%s short=%s", tr.VenueLong, tr.VenueShort)
	}
	if math.Abs(tr.QtyLong-1) > 1e-9 || math.Abs(tr.QtyShort-1) > 1e-9 {
		t.Fatalf("expected qty 1 on both legs, got %+v", tr)
	}
}

func TestScanner_SkipsBelowEntryThreshold(t *testing.T) {
	cfg := strategyConfig()
	cfg.EntryAPY = 0.5
	f := newScannerFixture(t, cfg, nil)
	if err := f.scanner.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if _, ok := f.ledger.Get("ETH"); ok {
		t.Fatalf("no trade expected below entry threshold")
	}
	if f.onchain.Calls("place_order") != 0 {
		t.Fatalf("no orders expected")
	}
}

func TestScanner_RiskDenialBlocksEntry(t *testing.T) {
	rc := &denyAll{}
	f := newScannerFixture(t, strategyConfig(), rc)
	if err := f.scanner.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if _, ok := f.ledger.Get("ETH"); ok || rc.denied != 1 {
		t.Fatalf("expected denial without trade, denied=%d", rc.denied)
	}
}

func TestScanner_AccruesFundingAndExitsOnDecay(t *testing.T) {
	f := newScannerFixture(t, strategyConfig(), nil)
	ctx := context.Background()
	if err := f.scanner.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	opened, _ := f.ledger.Get("ETH")

	f.clock = f.clock.Add(time.Hour)
	if err := f.scanner.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	held, ok := f.ledger.Get("ETH")
	if !ok {
		t.Fatalf("trade must still be open")
	}
	apy := (0.0003 - 0.0001) * 1095
	want := opened.Notional() * apy * 3600 / yearSeconds
	if math.Abs(held.FundingCollected-want) > 1e-9 {
		t.Fatalf("funding accrued %.10f, want %.10f", held.FundingCollected, want)
	}

	f.cex.SetFunding("ETH", 0.0001)
	if err := f.scanner.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if _, ok := f.ledger.Get("ETH"); ok {
		t.Fatalf("trade must be closed once the spread decays")
	}
	closed := f.ledger.Closed(1)
	if len(closed) != 1 || closed[0].ExitReason != "spread_decay" || closed[0].State != ledger.StateClosed {
		t.Fatalf("unexpected closed trade: %+v", closed)
	}
	if f.onchain.PositionQty("ETH") != 0 || f.cex.PositionQty("ETH") != 0 {
		t.Fatalf("positions must be flat")
	}
}

func TestScanner_ExitsAfterMaxHold(t *testing.T) {
	cfg := strategyConfig()
	cfg.MaxHold = time.Hour
	f := newScannerFixture(t, cfg, nil)
	ctx := context.Background()
	if err := f.scanner.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	f.clock = f.clock.Add(2 * time.Hour)
	if err := f.scanner.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	closed := f.ledger.Closed(1)
	if len(closed) != 1 || closed[0].ExitReason != "max_hold" {
		t.Fatalf("expected max_hold exit, got %+v", closed)
	}
}

func TestScanner_RetriesStuckClose(t *testing.T) {
	cfg := strategyConfig()
	cfg.MaxHold = time.Hour
	f := newScannerFixture(t, cfg, nil)
	ctx := context.Background()
	if err := f.scanner.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	down := func(b *paper.Behavior) { b.ReduceOnlyError = venue.ErrTransient }
	f.onchain.SetBehavior(down)
	f.cex.SetBehavior(down)
	f.clock = f.clock.Add(2 * time.Hour)
	if err := f.scanner.Tick(ctx); err == nil {
		t.Fatal("expected the close to fail while venues reject reduce-only orders")
	}
	if tr, ok := f.ledger.Get("ETH"); !ok || tr.State != ledger.StateClosing {
		t.Fatalf("expected trade left in CLOSING, got %+v", tr)
	}

	up := func(b *paper.Behavior) { b.ReduceOnlyError = nil }
	f.onchain.SetBehavior(up)
	f.cex.SetBehavior(up)
	if err := f.scanner.Tick(ctx); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if _, ok := f.ledger.Get("ETH"); ok {
		t.Fatal("next tick should finish the close")
	}
	closed := f.ledger.Closed(1)
	if len(closed) != 1 || closed[0].ExitReason != "max_hold" {
		t.Fatalf("expected max_hold exit, got %+v", closed)
	}
}

type fakeEvents struct {
	typ   monitor.EventType
	limit int
}

func (f *fakeEvents) ListEvents(_ context.Context, typ monitor.EventType, limit int) ([]monitor.Event, error) {
	f.typ, f.limit = typ, limit
	return []monitor.Event{{Type: monitor.EventShutdown}}, nil
}

type fakeStatus bool

func (f fakeStatus) Draining() bool { return bool(f) }

func TestMonitorRouter(t *testing.T) {
	l := ledger.New(nil, nil, nil)
	if _, err := l.Add(ledger.Trade{Symbol: "ETH", VenueLong: "onchain", VenueShort: "cex", RequestedQty: 1}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	events := &fakeEvents{}
	reg := prometheus.NewRegistry()
	r := newMonitorRouter(events, l, fakeStatus(false), reg, zap.NewNop())

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rec.Code)
	}
	var health map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if health["status"] != "ok" || health["open_trades"].(float64) != 1 {
		t.Fatalf("unexpected health: %v", health)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/events?type=SHUTDOWN&limit=5000", nil))
	if rec.Code != http.StatusOK || events.typ != monitor.EventShutdown || events.limit != 1000 {
		t.Fatalf("events: code=%d typ=%s limit=%d", rec.Code, events.typ, events.limit)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/trades", nil))
	var trades struct {
		Open   []ledger.Trade `json:"open"`
		Closed []ledger.Trade `json:"closed"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &trades); err != nil {
		t.Fatalf("decode trades: %v", err)
	}
	if len(trades.Open) != 1 || trades.Open[0].Symbol != "ETH" {
		t.Fatalf("unexpected trades: %+v", trades)
	}

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rec.Code)
	}

	draining := newMonitorRouter(events, l, fakeStatus(true), nil, zap.NewNop())
	rec = httptest.NewRecorder()
	draining.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("draining healthz: %d", rec.Code)
	}
}

func paperConfig() *config.Config {
	venueCfg := func(name string, funding, makerFee float64) config.VenueConfig {
		return config.VenueConfig{
			Name:            name,
			Kind:            config.VenueKindPaper,
			FundingInterval: 8 * time.Hour,
			Paper: config.PaperConfig{
				Prices:       map[string]float64{"eth": 3000},
				FundingRates: map[string]float64{"eth": funding},
				Spread:       0.0004,
				Depth:        100,
				TickSize:     0.01,
				StepSize:     0.01,
				MakerFee:     makerFee,
				TakerFee:     0.0005,
			},
		}
	}
	return &config.Config{
		App:       config.AppConfig{Environment: "test"},
		Venues:    []config.VenueConfig{venueCfg("onchain", 0.0001, 0.0001), venueCfg("cex", 0.0003, 0.0002)},
		Symbols:   []string{"ETH"},
		Execution: testExecutionConfig(),
		Resolver:  config.ResolverConfig{StatusRetries: 2, RetryDelay: 5 * time.Millisecond, ConfirmTimeout: 200 * time.Millisecond, FillLookback: time.Minute},
		Reconcile: config.ReconcileConfig{Interval: time.Hour, OrphanGrace: time.Second},
		Gate:      config.GateConfig{DedupTTL: 20 * time.Millisecond, SweepInterval: time.Second, RatePerSecond: 1000, Burst: 100},
		Shutdown:  config.ShutdownConfig{Timeout: 5 * time.Second, DrainTimeout: 2 * time.Second},
		Strategy:  config.StrategyConfig{Enabled: true, ScanInterval: time.Hour, EntryAPY: 0.1, ExitAPY: 0.02, NotionalUSD: 3000},
		Risk:      config.RiskConfig{MaxOpenTrades: 2, MaxGrossNotional: 10000},
	}
}

func TestRun_PaperLifecycle(t *testing.T) {
	st, err := store.NewSQLite(config.DatabaseConfig{InMemory: true, MaxOpenConns: 1, MaxIdleConns: 1})
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	defer st.Close()

	a := New(paperConfig(), nil, st)
	c, err := a.build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.run(ctx, c) }()

	deadline := time.Now().Add(3 * time.Second)
	for {
		if tr, ok := c.ledger.Get("ETH"); ok && tr.State == ledger.StateComplete {
			break
		}
		if time.Now().After(deadline) {
			cancel()
			t.Fatalf("scanner never opened a trade")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not return after cancel")
	}

	tradeStore, err := ledger.NewSQLStore(st)
	if err != nil {
		t.Fatalf("NewSQLStore: %v", err)
	}
	open, err := tradeStore.LoadOpenTrades(context.Background())
	if err != nil || len(open) != 0 {
		t.Fatalf("expected no open trades after shutdown, got %d (%v)", len(open), err)
	}
	events, err := c.events.ListEvents(context.Background(), monitor.EventShutdown, 10)
	if err != nil || len(events) != 1 {
		t.Fatalf("expected one shutdown event, got %d (%v)", len(events), err)
	}
	closed := c.ledger.Closed(1)
	if len(closed) != 1 || closed[0].ExitReason != "shutdown" {
		t.Fatalf("expected trade closed by shutdown, got %+v", closed)
	}
}
