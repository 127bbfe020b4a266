package ledger

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"funding-arb/internal/config"
	"funding-arb/internal/store"
)

func newSQLStore(t *testing.T) *SQLStore {
	t.Helper()
	st, err := store.NewSQLite(config.DatabaseConfig{InMemory: true, MaxOpenConns: 1, MaxIdleConns: 1})
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	ss, err := NewSQLStore(st)
	if err != nil {
		t.Fatalf("NewSQLStore: %v", err)
	}
	return ss
}

func addBTC(t *testing.T, l *Ledger) Trade {
	t.Helper()
	tr, err := l.Add(Trade{Symbol: "BTC", VenueLong: "onchain", VenueShort: "cex", RequestedQty: 1})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	return tr
}

func TestAdd_RejectsSecondOpenTradeForSymbol(t *testing.T) {
	l := New(nil, nil, nil)
	first := addBTC(t, l)
	if first.State != StatePending || first.ID == "" {
		t.Fatalf("expected PENDING trade with id, got %+v", first)
	}

	_, err := l.Add(Trade{Symbol: "btc"})
	if !errors.Is(err, ErrDuplicateSymbol) {
		t.Fatalf("expected ErrDuplicateSymbol, got %v", err)
	}

	if _, err := l.Transition("BTC", []State{StatePending}, StateFailed, nil); err != nil {
		t.Fatalf("Transition to FAILED: %v", err)
	}
	if _, err := l.Add(Trade{Symbol: "BTC"}); err != nil {
		t.Fatalf("expected a new trade once the previous one failed, got %v", err)
	}
}

func TestTransition_StaleAndIllegal(t *testing.T) {
	l := New(nil, nil, nil)
	addBTC(t, l)

	_, err := l.Transition("BTC", []State{StateLeg1Sent}, StateLeg1Filled, nil)
	if !errors.Is(err, ErrStaleState) {
		t.Fatalf("expected ErrStaleState, got %v", err)
	}

	_, err = l.Transition("BTC", []State{StatePending}, StateComplete, nil)
	if !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("expected ErrIllegalTransition, got %v", err)
	}

	_, err = l.Transition("ETH", []State{StatePending}, StateLeg1Sent, nil)
	if !errors.Is(err, ErrTradeNotFound) {
		t.Fatalf("expected ErrTradeNotFound, got %v", err)
	}

	got, _ := l.Get("BTC")
	if got.State != StatePending {
		t.Fatalf("failed transitions must not change state, got %s", got.State)
	}
}

func TestTransition_MutatorWorksOnCopy(t *testing.T) {
	l := New(nil, nil, nil)
	addBTC(t, l)

	snapshot, _ := l.Get("BTC")
	snapshot.QtyLong = 99

	updated, err := l.Transition("BTC", []State{StatePending}, StateLeg1Sent, func(tr *Trade) {
		tr.MakerOrderIDs = append(tr.MakerOrderIDs, "m-1")
	})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	updated.MakerOrderIDs[0] = "tampered"

	got, _ := l.Get("BTC")
	if got.QtyLong != 0 {
		t.Fatalf("copies returned by Get must not alias ledger state")
	}
	if got.MakerOrderIDs[0] != "m-1" {
		t.Fatalf("copies returned by Transition must not alias ledger state, got %v", got.MakerOrderIDs)
	}
}

func TestTransition_ConcurrentCallersOnlyOneWins(t *testing.T) {
	l := New(nil, nil, nil)
	addBTC(t, l)

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Transition("BTC", []State{StatePending}, StateLeg1Sent, nil); err == nil {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("expected exactly one winning transition, got %d", wins)
	}
}

func TestClose_ComputesRealizedPnL(t *testing.T) {
	l := New(nil, nil, nil)
	addBTC(t, l)

	steps := []State{StateLeg1Sent, StateLeg1Filled, StateLeg2Sent, StateComplete}
	from := StatePending
	for _, to := range steps {
		if _, err := l.Transition("BTC", []State{from}, to, func(tr *Trade) {
			if to == StateComplete {
				tr.QtyLong, tr.QtyShort = 2, 2
				tr.EntryPriceLong, tr.EntryPriceShort = 100, 101
				tr.FeesPaid = 0.2
			}
		}); err != nil {
			t.Fatalf("Transition %s -> %s: %v", from, to, err)
		}
		from = to
	}

	closed, err := l.Close("BTC", 102, 100.5, 1.5, 0.1)
	if err != nil {
		t.Fatalf("Close: %v", err)
	}
	if closed.State != StateClosed {
		t.Fatalf("expected CLOSED, got %s", closed.State)
	}
	// (102-100)*2 + (101-100.5)*2 - (0.2+0.1)
	if math.Abs(closed.RealizedPnL-4.7) > 1e-9 {
		t.Fatalf("expected realized pnl 4.7, got %f", closed.RealizedPnL)
	}
	if math.Abs(closed.NetPnL()-6.2) > 1e-9 {
		t.Fatalf("expected net pnl 6.2, got %f", closed.NetPnL())
	}
	if closed.ClosedAt.IsZero() {
		t.Fatalf("expected closed_at to be set")
	}
	if _, ok := l.Get("BTC"); ok {
		t.Fatalf("closed trade must leave the open set")
	}
	if hist := l.Closed(10); len(hist) != 1 || hist[0].ID != closed.ID {
		t.Fatalf("expected closed history to contain the trade, got %+v", hist)
	}
}

func TestForceClose_FromAnyState(t *testing.T) {
	l := New(nil, nil, nil)
	addBTC(t, l)
	if _, err := l.Transition("BTC", []State{StatePending}, StateLeg1Sent, nil); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	closed, err := l.ForceClose("BTC", "shutdown", func(tr *Trade) { tr.QtyLong = 0.4 })
	if err != nil {
		t.Fatalf("ForceClose: %v", err)
	}
	if closed.State != StateClosed || closed.ExitReason != "shutdown" || closed.QtyLong != 0.4 {
		t.Fatalf("unexpected force-closed trade %+v", closed)
	}
	if len(l.Open()) != 0 {
		t.Fatalf("expected no open trades")
	}
}

func TestFlushAndRestore(t *testing.T) {
	ss := newSQLStore(t)
	ctx := context.Background()

	l := New(ss, nil, nil)
	addBTC(t, l)
	if _, err := l.Add(Trade{Symbol: "ETH"}); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := l.Transition("ETH", []State{StatePending}, StateFailed, nil); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if _, err := l.Transition("BTC", []State{StatePending}, StateLeg1Sent, func(tr *Trade) {
		tr.Flagged = true
	}); err != nil {
		t.Fatalf("Transition: %v", err)
	}

	if err := l.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if l.Pending() != 0 {
		t.Fatalf("expected nothing pending after flush, got %d", l.Pending())
	}

	restored := New(ss, nil, nil)
	n, err := restored.Restore(ctx)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected only the open trade to be restored, got %d", n)
	}
	got, ok := restored.Get("BTC")
	if !ok || got.State != StateLeg1Sent || !got.Flagged {
		t.Fatalf("unexpected restored trade %+v", got)
	}
}

func TestBackgroundWriterPersists(t *testing.T) {
	ss := newSQLStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := New(ss, nil, nil)
	l.Start(ctx)
	defer l.Stop()
	addBTC(t, l)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		trades, err := ss.LoadOpenTrades(ctx)
		if err != nil {
			t.Fatalf("LoadOpenTrades: %v", err)
		}
		if len(trades) == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("background writer did not persist the trade")
}

func TestLocks(t *testing.T) {
	locks := NewLocks()
	if !locks.TryLock("BTC") {
		t.Fatalf("expected first TryLock to succeed")
	}
	if locks.TryLock("btc") {
		t.Fatalf("expected TryLock on a held symbol to fail regardless of case")
	}
	if !locks.Held("BTC") {
		t.Fatalf("expected BTC to be held")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := locks.LockContext(ctx, "BTC"); err == nil {
		t.Fatalf("expected LockContext to time out")
	}

	if err := locks.LockContext(context.Background(), "ETH"); err != nil {
		t.Fatalf("other symbols must not be blocked: %v", err)
	}

	locks.Unlock("BTC")
	if locks.Held("BTC") {
		t.Fatalf("expected BTC to be released")
	}

	locks.Close()
	if locks.TryLock("SOL") {
		t.Fatalf("expected TryLock to fail after Close")
	}
	if err := locks.LockContext(context.Background(), "SOL"); !errors.Is(err, ErrLocksClosed) {
		t.Fatalf("expected ErrLocksClosed, got %v", err)
	}
	locks.Unlock("ETH")
}
