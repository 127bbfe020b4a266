package reconcile

import (
	"context"
	"math"
	"testing"
	"time"

	"funding-arb/internal/config"
	"funding-arb/internal/execution"
	"funding-arb/internal/ledger"
	"funding-arb/internal/monitor"
	"funding-arb/internal/resolver"
	"funding-arb/internal/venue"
	"funding-arb/internal/venue/paper"
)

type fixture struct {
	onchain *paper.Venue
	cex     *paper.Venue
	ledger  *ledger.Ledger
	locks   *ledger.Locks
	engine  *execution.Engine
	events  *monitor.Memory
	monitor *Monitor
}

// staleEngine 固定报告最近一次执行活动的时间。
type staleEngine struct {
	*execution.Engine
	last time.Time
}

func (s staleEngine) LastActivity(string) time.Time { return s.last }

func newVenue(name string, makerFee float64) *paper.Venue {
	v := paper.New(name)
	v.SetMarket(venue.MarketInfo{Symbol: "ETH", TickSize: 0.01, StepSize: 0.01, MinQty: 0.01, MakerFee: makerFee, TakerFee: 0.0005})
	v.SetBook("ETH", 3000, 0.0004, 100)
	return v
}

func newFixture(t *testing.T, cfg config.ReconcileConfig, wrap func(*execution.Engine) Engine) *fixture {
	t.Helper()
	onchain := newVenue("onchain", 0.0001)
	cex := newVenue("cex", 0.0002)
	l := ledger.New(nil, nil, nil)
	locks := ledger.NewLocks()
	events := &monitor.Memory{}
	res := resolver.New(config.ResolverConfig{
		StatusRetries:  2,
		RetryDelay:     5 * time.Millisecond,
		ConfirmTimeout: 100 * time.Millisecond,
		FillLookback:   time.Minute,
	}, nil)

	engine, err := execution.New(config.ExecutionConfig{
		MakerTimeout:     40 * time.Millisecond,
		MakerTimeoutMin:  20 * time.Millisecond,
		MakerTimeoutMax:  100 * time.Millisecond,
		PollInterval:     5 * time.Millisecond,
		HedgeAttempts:    1,
		HedgeSlippage:    0.001,
		HedgeMaxSlippage: 0.003,
		TakerFillTimeout: time.Second,
		RollbackAttempts: 1,
		CloseAttempts:    2,
		CloseSlippage:    0.005,
		CloseMaxSlippage: 0.01,
		LockTimeout:      200 * time.Millisecond,
	}, execution.Deps{
		Venues:   []venue.Adapter{onchain, cex},
		Ledger:   l,
		Locks:    locks,
		Resolver: res,
		Events:   events,
	})
	if err != nil {
		t.Fatalf("execution.New: %v", err)
	}

	var eng Engine = engine
	if wrap != nil {
		eng = wrap(engine)
	}
	m, err := New(cfg, Deps{
		Venues:   []venue.Adapter{onchain, cex},
		Ledger:   l,
		Locks:    locks,
		Engine:   eng,
		Resolver: res,
		Events:   events,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &fixture{onchain: onchain, cex: cex, ledger: l, locks: locks, engine: engine, events: events, monitor: m}
}

func (f *fixture) openTrade(t *testing.T, qty float64) {
	t.Helper()
	res, err := f.engine.Execute(context.Background(), execution.Request{Symbol: "ETH", LongVenue: "onchain", ShortVenue: "cex", Qty: qty})
	if err != nil || res.Status != execution.StatusSuccess {
		t.Fatalf("Execute: %+v %v", res, err)
	}
}

func findingsOf(r Report, kind Kind) []Finding {
	var out []Finding
	for _, f := range r.Findings {
		if f.Kind == kind {
			out = append(out, f)
		}
	}
	return out
}

func TestRunOnce_OrphanClosedWithinOneCycle(t *testing.T) {
	f := newFixture(t, config.ReconcileConfig{}, nil)
	f.onchain.SetPosition("ETH", 2, 3000)

	report, err := f.monitor.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	orphans := findingsOf(report, KindOrphan)
	if len(orphans) != 1 {
		t.Fatalf("expected one orphan, got %+v", report.Findings)
	}
	if orphans[0].Venue != "onchain" || orphans[0].Qty != 2 || orphans[0].Resolution != "flattened" {
		t.Fatalf("unexpected finding: %+v", orphans[0])
	}
	if q := f.onchain.PositionQty("ETH"); q != 0 {
		t.Fatalf("orphan not flattened: %f", q)
	}
	reqs := f.onchain.Requests()
	if len(reqs) != 1 || !reqs[0].ReduceOnly || reqs[0].Side != venue.SideSell {
		t.Fatalf("expected one reduce-only sell, got %+v", reqs)
	}
	if len(f.events.Events(monitor.EventReconciliation)) != 1 {
		t.Fatalf("expected reconciliation event")
	}
}

func TestRunOnce_OrphanInsideGraceWindowIsDeferred(t *testing.T) {
	f := newFixture(t, config.ReconcileConfig{OrphanGrace: time.Minute}, func(e *execution.Engine) Engine {
		return staleEngine{Engine: e, last: time.Now()}
	})
	f.cex.SetPosition("ETH", -1, 3000)

	report, err := f.monitor.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(report.Findings) != 0 || len(report.Deferred) != 1 || report.Deferred[0] != "ETH" {
		t.Fatalf("expected ETH deferred, got %+v", report)
	}
	if q := f.cex.PositionQty("ETH"); q != -1 {
		t.Fatalf("position must be untouched, got %f", q)
	}
}

func TestRunOnce_GraceExpiredOrphanIsClosed(t *testing.T) {
	f := newFixture(t, config.ReconcileConfig{OrphanGrace: time.Minute}, func(e *execution.Engine) Engine {
		return staleEngine{Engine: e, last: time.Now().Add(-2 * time.Minute)}
	})
	f.cex.SetPosition("ETH", -1, 3000)

	report, err := f.monitor.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(findingsOf(report, KindOrphan)) != 1 || f.cex.PositionQty("ETH") != 0 {
		t.Fatalf("expected orphan flattened, got %+v", report)
	}
}

func TestRunOnce_DefersSymbolHeldByEngine(t *testing.T) {
	f := newFixture(t, config.ReconcileConfig{}, nil)
	f.onchain.SetPosition("ETH", 2, 3000)
	if !f.locks.TryLock("ETH") {
		t.Fatalf("TryLock failed")
	}
	defer f.locks.Unlock("ETH")

	report, err := f.monitor.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(report.Deferred) != 1 || len(report.Findings) != 0 {
		t.Fatalf("expected deferral, got %+v", report)
	}
	if f.onchain.Calls("place_order") != 0 {
		t.Fatalf("no order may be placed for a locked symbol")
	}
}

func TestRunOnce_BalancedTradeHasNoFindings(t *testing.T) {
	f := newFixture(t, config.ReconcileConfig{}, nil)
	f.openTrade(t, 1)
	before := f.onchain.Calls("place_order") + f.cex.Calls("place_order")

	report, err := f.monitor.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(report.Findings) != 0 {
		t.Fatalf("expected no findings, got %+v", report.Findings)
	}
	if after := f.onchain.Calls("place_order") + f.cex.Calls("place_order"); after != before {
		t.Fatalf("no orders expected, placed %d", after-before)
	}
	if tr, ok := f.ledger.Get("ETH"); !ok || tr.State != ledger.StateComplete {
		t.Fatalf("trade must stay COMPLETE")
	}
}

func TestRunOnce_ZombieCompleteTradeClosedWithZeroFill(t *testing.T) {
	f := newFixture(t, config.ReconcileConfig{}, nil)
	if _, err := f.ledger.Add(ledger.Trade{
		Symbol:     "ETH",
		VenueLong:  "onchain",
		VenueShort: "cex",
		MakerVenue: "onchain",
		TakerVenue: "cex",
		State:      ledger.StateComplete,
		QtyLong:    1,
		QtyShort:   1,
		Leg1:       venue.OrderRef{Venue: "onchain", OrderID: "x-1", Symbol: "ETH", Status: venue.StatusFilled, FilledQty: 1},
		Leg2:       venue.OrderRef{Venue: "cex", OrderID: "y-1", Symbol: "ETH", Status: venue.StatusFilled, FilledQty: 1},
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	report, err := f.monitor.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	zombies := findingsOf(report, KindZombie)
	if len(zombies) != 1 || zombies[0].Resolution != "closed_zero_fill" {
		t.Fatalf("expected zombie closed, got %+v", report.Findings)
	}
	if _, ok := f.ledger.Get("ETH"); ok {
		t.Fatalf("zombie must leave the open set")
	}
	closed := f.ledger.Closed(1)
	if len(closed) != 1 || closed[0].State != ledger.StateClosed || closed[0].QtyLong != 0 || closed[0].QtyShort != 0 {
		t.Fatalf("unexpected closed trade: %+v", closed)
	}
	if f.onchain.Calls("place_order")+f.cex.Calls("place_order") != 0 {
		t.Fatalf("closing a zombie must not trade")
	}
}

func TestRunOnce_ZombieLeg1SentVerifiedThenFailed(t *testing.T) {
	f := newFixture(t, config.ReconcileConfig{}, nil)
	if _, err := f.ledger.Add(ledger.Trade{
		Symbol:     "ETH",
		VenueLong:  "onchain",
		VenueShort: "cex",
		MakerVenue: "onchain",
		TakerVenue: "cex",
		State:      ledger.StateLeg1Sent,
		OpenedAt:   time.Now().Add(-time.Minute),
		Leg1: venue.OrderRef{
			Venue:         "onchain",
			ClientOrderID: "lost-client-id",
			Symbol:        "ETH",
			Side:          venue.SideBuy,
			RequestedQty:  1,
			Status:        venue.StatusPending,
		},
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	report, err := f.monitor.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	zombies := findingsOf(report, KindZombie)
	if len(zombies) != 1 || zombies[0].Resolution != "failed_zero_fill" {
		t.Fatalf("expected zombie failed, got %+v", report.Findings)
	}
	if f.onchain.Calls("fills") == 0 {
		t.Fatalf("leg must be re-verified against fill history")
	}
	closed := f.ledger.Closed(1)
	if len(closed) != 1 || closed[0].State != ledger.StateFailed || closed[0].ExitReason != "zombie" {
		t.Fatalf("unexpected closed trade: %+v", closed)
	}
}

func TestRunOnce_UnhedgedTradeIsForceClosed(t *testing.T) {
	f := newFixture(t, config.ReconcileConfig{}, nil)
	f.openTrade(t, 1)
	// 空头腿在场所侧消失
	f.cex.SetPosition("ETH", 0, 0)

	report, err := f.monitor.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	unhedged := findingsOf(report, KindUnhedged)
	if len(unhedged) != 1 || unhedged[0].Venue != "onchain" || math.Abs(unhedged[0].Qty-1) > 1e-9 {
		t.Fatalf("unexpected findings: %+v", report.Findings)
	}
	if q := f.onchain.PositionQty("ETH"); q != 0 {
		t.Fatalf("residual long not flattened: %f", q)
	}
	closed := f.ledger.Closed(1)
	if len(closed) != 1 || closed[0].ExitReason != "reconcile_unhedged" {
		t.Fatalf("unexpected closed trade: %+v", closed)
	}
}

func TestRunOnce_FlaggedTradeIsRepaired(t *testing.T) {
	f := newFixture(t, config.ReconcileConfig{}, nil)
	f.onchain.SetPosition("ETH", 1, 3000)
	if _, err := f.ledger.Add(ledger.Trade{
		Symbol:     "ETH",
		VenueLong:  "onchain",
		VenueShort: "cex",
		MakerVenue: "onchain",
		TakerVenue: "cex",
		State:      ledger.StateRollbackInProgress,
		QtyLong:    1,
		Flagged:    true,
		Alert:      ledger.AlertFailedUnhedged,
	}); err != nil {
		t.Fatalf("Add: %v", err)
	}

	report, err := f.monitor.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(findingsOf(report, KindUnhedged)) != 1 {
		t.Fatalf("expected unhedged repair, got %+v", report.Findings)
	}
	if f.onchain.PositionQty("ETH") != 0 {
		t.Fatalf("residual not flattened")
	}
	if _, ok := f.ledger.Get("ETH"); ok {
		t.Fatalf("trade must be closed")
	}
}

func TestRunOnce_VenueFailureSkipsOnlyThatVenue(t *testing.T) {
	f := newFixture(t, config.ReconcileConfig{}, nil)
	f.onchain.SetPosition("ETH", 2, 3000)
	f.cex.SetBehavior(func(b *paper.Behavior) { b.PositionsError = venue.ErrTransient })

	report, err := f.monitor.RunOnce(context.Background())
	if err == nil {
		t.Fatalf("expected aggregated error for cex")
	}
	if len(findingsOf(report, KindOrphan)) != 1 || f.onchain.PositionQty("ETH") != 0 {
		t.Fatalf("onchain orphan should still be handled: %+v", report)
	}
}

func TestStartStop(t *testing.T) {
	f := newFixture(t, config.ReconcileConfig{Interval: 10 * time.Millisecond}, nil)
	f.monitor.Start(context.Background())
	f.monitor.Start(context.Background())

	f.onchain.SetPosition("ETH", 1, 3000)
	deadline := time.Now().Add(2 * time.Second)
	for f.onchain.PositionQty("ETH") != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("orphan was not closed by the background loop")
		}
		time.Sleep(5 * time.Millisecond)
	}
	f.monitor.Stop()
	f.monitor.Stop()

	f.onchain.SetPosition("ETH", 1, 3000)
	time.Sleep(50 * time.Millisecond)
	if f.onchain.PositionQty("ETH") != 1 {
		t.Fatalf("stopped monitor must not act")
	}
}

func TestRunOnce_StuckCloseIsRetriedAfterVenuesRecover(t *testing.T) {
	f := newFixture(t, config.ReconcileConfig{}, nil)
	f.openTrade(t, 1)

	down := func(b *paper.Behavior) { b.ReduceOnlyError = venue.ErrMaintenance }
	f.onchain.SetBehavior(down)
	f.cex.SetBehavior(down)
	if _, err := f.engine.Close(context.Background(), "ETH", "spread_decay"); err == nil {
		t.Fatal("expected close to fail while both venues reject reduce-only orders")
	}
	tr, ok := f.ledger.Get("ETH")
	if !ok || tr.State != ledger.StateClosing || !tr.Flagged || tr.Alert != "" {
		t.Fatalf("expected flagged CLOSING trade without alert, got %+v", tr)
	}

	up := func(b *paper.Behavior) { b.ReduceOnlyError = nil }
	f.onchain.SetBehavior(up)
	f.cex.SetBehavior(up)

	report, err := f.monitor.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	stuck := findingsOf(report, KindStuckClose)
	if len(stuck) != 1 || stuck[0].Resolution != "closed" {
		t.Fatalf("expected one retried close, got %+v", report.Findings)
	}
	if _, ok := f.ledger.Get("ETH"); ok {
		t.Fatal("trade should be closed after the retry")
	}
	if math.Abs(f.onchain.PositionQty("ETH")) > 1e-9 || math.Abs(f.cex.PositionQty("ETH")) > 1e-9 {
		t.Fatalf("positions not flat: long=%f short=%f", f.onchain.PositionQty("ETH"), f.cex.PositionQty("ETH"))
	}
	closed := f.ledger.Closed(1)
	if len(closed) != 1 || closed[0].ExitReason != "spread_decay" {
		t.Fatalf("retry must keep the original exit reason, got %+v", closed)
	}
}

// lagging 前 stale 次持仓查询返回空，模拟加锁前取到的旧快照。
type lagging struct {
	*paper.Venue
	stale int
}

func (l *lagging) GetPositions(ctx context.Context) ([]venue.Position, error) {
	if l.stale > 0 {
		l.stale--
		return nil, nil
	}
	return l.Venue.GetPositions(ctx)
}

func TestRunOnce_StaleSnapshotDoesNotCloseHedgedTrade(t *testing.T) {
	f := newFixture(t, config.ReconcileConfig{}, nil)
	f.openTrade(t, 1)

	m, err := New(config.ReconcileConfig{}, Deps{
		Venues: []venue.Adapter{f.onchain, &lagging{Venue: f.cex, stale: 1}},
		Ledger: f.ledger,
		Locks:  f.locks,
		Engine: f.engine,
		Resolver: resolver.New(config.ResolverConfig{
			StatusRetries:  2,
			RetryDelay:     5 * time.Millisecond,
			ConfirmTimeout: 100 * time.Millisecond,
			FillLookback:   time.Minute,
		}, nil),
		Events: f.events,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	report, err := m.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if len(report.Findings) != 0 {
		t.Fatalf("hedged trade must not be repaired from a stale snapshot, got %+v", report.Findings)
	}
	tr, ok := f.ledger.Get("ETH")
	if !ok || tr.State != ledger.StateComplete {
		t.Fatalf("trade should stay COMPLETE, got %+v ok=%v", tr, ok)
	}
	if math.Abs(f.onchain.PositionQty("ETH")-1) > 1e-9 || math.Abs(f.cex.PositionQty("ETH")+1) > 1e-9 {
		t.Fatalf("positions must be untouched: long=%f short=%f", f.onchain.PositionQty("ETH"), f.cex.PositionQty("ETH"))
	}
}
