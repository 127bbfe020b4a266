package gate

import (
	"context"
	"sync"
	"testing"
	"time"

	"funding-arb/internal/venue"
	"funding-arb/internal/venue/paper"
)

func newPaper(t *testing.T) *paper.Venue {
	t.Helper()
	v := paper.New("cex")
	v.SetMarket(venue.MarketInfo{Symbol: "BTC", TickSize: 0.1, StepSize: 0.001, MinQty: 0.001})
	v.SetBook("BTC", 50000, 0.0002, 10)
	v.SetFunding("BTC", 0.0001)
	return v
}

func newGate(ttl time.Duration) *Gate {
	return New(Options{
		DedupTTL: ttl,
		Default:  Limit{RatePerSecond: 1000, Burst: 1000},
	}, nil, nil)
}

func TestWrap_ConcurrentReadsCollapseToOneCall(t *testing.T) {
	inner := newPaper(t)
	inner.SetBehavior(func(b *paper.Behavior) { b.Latency = 50 * time.Millisecond })
	adapter := Wrap(inner, newGate(time.Second))

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := adapter.GetPositions(context.Background()); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("GetPositions returned error: %v", err)
	}

	if got := inner.Calls("positions"); got != 1 {
		t.Fatalf("expected 1 venue call for 20 concurrent reads, got %d", got)
	}
}

func TestWrap_CacheExpiresAfterTTL(t *testing.T) {
	inner := newPaper(t)
	adapter := Wrap(inner, newGate(20*time.Millisecond))
	ctx := context.Background()

	if _, err := adapter.GetFundingRate(ctx, "BTC"); err != nil {
		t.Fatalf("GetFundingRate: %v", err)
	}
	if _, err := adapter.GetFundingRate(ctx, "BTC"); err != nil {
		t.Fatalf("GetFundingRate: %v", err)
	}
	if got := inner.Calls("funding_rate"); got != 1 {
		t.Fatalf("expected second read within TTL to be cached, got %d calls", got)
	}

	time.Sleep(40 * time.Millisecond)
	if _, err := adapter.GetFundingRate(ctx, "BTC"); err != nil {
		t.Fatalf("GetFundingRate: %v", err)
	}
	if got := inner.Calls("funding_rate"); got != 2 {
		t.Fatalf("expected a new call after TTL, got %d calls", got)
	}
}

func TestWrap_WriteInvalidatesPositions(t *testing.T) {
	inner := newPaper(t)
	adapter := Wrap(inner, newGate(time.Minute))
	ctx := context.Background()

	if _, err := adapter.GetPositions(ctx); err != nil {
		t.Fatalf("GetPositions: %v", err)
	}
	_, err := adapter.PlaceOrder(ctx, venue.OrderRequest{
		Symbol: "BTC", Side: venue.SideBuy, Qty: 0.01, Price: 60000, TIF: venue.TIFIOC,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	positions, err := adapter.GetPositions(ctx)
	if err != nil {
		t.Fatalf("GetPositions: %v", err)
	}
	if got := inner.Calls("positions"); got != 2 {
		t.Fatalf("expected positions to be re-read after a write, got %d calls", got)
	}
	if len(positions) != 1 || positions[0].Qty != 0.01 {
		t.Fatalf("expected the new fill to be visible, got %+v", positions)
	}
}

func TestWrap_FreshBypassesCache(t *testing.T) {
	inner := newPaper(t)
	adapter := Wrap(inner, newGate(time.Minute))
	ctx := context.Background()

	if _, err := adapter.GetPositions(ctx); err != nil {
		t.Fatalf("GetPositions: %v", err)
	}
	if _, err := adapter.GetPositions(Fresh(ctx)); err != nil {
		t.Fatalf("GetPositions: %v", err)
	}
	if got := inner.Calls("positions"); got != 2 {
		t.Fatalf("expected fresh read to hit the venue, got %d calls", got)
	}
}

func TestWrap_OrderStatusIsNeverCached(t *testing.T) {
	inner := newPaper(t)
	adapter := Wrap(inner, newGate(time.Minute))
	ctx := context.Background()

	ref, err := adapter.PlaceOrder(ctx, venue.OrderRequest{
		Symbol: "BTC", Side: venue.SideBuy, Qty: 0.01, Price: 49000, TIF: venue.TIFPostOnly,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := adapter.GetOrderStatus(ctx, ref); err != nil {
			t.Fatalf("GetOrderStatus: %v", err)
		}
	}
	if got := inner.Calls("order_status"); got != 3 {
		t.Fatalf("expected every status poll to reach the venue, got %d", got)
	}
}

func TestAcquire_HonoursContextCancellation(t *testing.T) {
	g := New(Options{Default: Limit{RatePerSecond: 0.5, Burst: 1}}, nil, nil)

	if err := g.Acquire(context.Background(), "slow", 1); err != nil {
		t.Fatalf("first acquire should use the burst token: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := g.Acquire(ctx, "slow", 1); err == nil {
		t.Fatalf("expected acquire to fail when the context expires before a token is available")
	}

	// 其他场所的桶互不影响
	if err := g.Acquire(context.Background(), "other", 1); err != nil {
		t.Fatalf("acquire on another venue: %v", err)
	}
}

func TestAcquire_ClampsWeightToBurst(t *testing.T) {
	g := New(Options{Default: Limit{RatePerSecond: 1, Burst: 2}}, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := g.Acquire(ctx, "v", 50); err != nil {
		t.Fatalf("weight above burst should be clamped, got %v", err)
	}
}

func TestIsDuplicateAndSweep(t *testing.T) {
	g := newGate(10 * time.Millisecond)
	g.store("cex", 0, "sig", 42, 10*time.Millisecond)

	hit, v := g.IsDuplicate("sig")
	if !hit || v.(int) != 42 {
		t.Fatalf("expected cached value, got hit=%v v=%v", hit, v)
	}

	time.Sleep(20 * time.Millisecond)
	g.store("cex", 0, "other", 1, 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	if n := g.Sweep(); n != 2 {
		t.Fatalf("expected 2 expired entries swept, got %d", n)
	}
	if hit, _ := g.IsDuplicate("sig"); hit {
		t.Fatalf("expected expired signature to miss")
	}
}

func TestStartStop_Idempotent(t *testing.T) {
	g := New(Options{SweepInterval: 5 * time.Millisecond}, nil, nil)
	g.Start(context.Background())
	g.Start(context.Background())
	time.Sleep(15 * time.Millisecond)
	g.Stop()
	g.Stop()
}

// slowPositions 让第一次持仓查询停在 release 上，之后的查询立即返回。
type slowPositions struct {
	*paper.Venue
	entered chan struct{}
	release chan struct{}

	mu    sync.Mutex
	calls int
}

func newSlowPositions(t *testing.T) *slowPositions {
	return &slowPositions{
		Venue:   newPaper(t),
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
}

func (s *slowPositions) GetPositions(ctx context.Context) ([]venue.Position, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.mu.Unlock()
	if n == 1 {
		s.entered <- struct{}{}
		<-s.release
		return nil, nil
	}
	return s.Venue.GetPositions(ctx)
}

func (s *slowPositions) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func TestWrap_ReadStartedBeforeWriteIsNotCached(t *testing.T) {
	inner := newSlowPositions(t)
	adapter := Wrap(inner, newGate(time.Minute))
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = adapter.GetPositions(ctx)
	}()
	<-inner.entered

	if _, err := adapter.PlaceOrder(ctx, venue.OrderRequest{
		Symbol: "BTC", Side: venue.SideBuy, Qty: 0.01, Price: 60000, TIF: venue.TIFIOC,
	}); err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	close(inner.release)
	<-done

	positions, err := adapter.GetPositions(ctx)
	if err != nil {
		t.Fatalf("GetPositions: %v", err)
	}
	if len(positions) != 1 || positions[0].Qty != 0.01 {
		t.Fatalf("expected the fill to be visible, got %+v", positions)
	}
	if got := inner.count(); got != 2 {
		t.Fatalf("expected a second venue read, got %d", got)
	}
}

func TestWrap_FreshReadAfterWriteDoesNotJoinOlderRead(t *testing.T) {
	inner := newSlowPositions(t)
	adapter := Wrap(inner, newGate(time.Minute))
	ctx := Fresh(context.Background())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = adapter.GetPositions(ctx)
	}()
	<-inner.entered
	defer func() {
		close(inner.release)
		<-done
	}()

	if _, err := adapter.PlaceOrder(context.Background(), venue.OrderRequest{
		Symbol: "BTC", Side: venue.SideBuy, Qty: 0.01, Price: 60000, TIF: venue.TIFIOC,
	}); err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	readCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	positions, err := adapter.GetPositions(readCtx)
	if err != nil {
		t.Fatalf("GetPositions after write: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("expected a read issued after the order, got %+v", positions)
	}
}

func TestDo_CallerCancellationDoesNotFailSharedCall(t *testing.T) {
	g := newGate(0)
	entered := make(chan struct{})
	release := make(chan struct{})
	var calls int
	var mu sync.Mutex
	fn := func(ctx context.Context) (interface{}, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		close(entered)
		select {
		case <-release:
			return "ok", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	first, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := g.Do(first, "cex", "sig", 1, 0, fn)
		firstErr <- err
	}()
	<-entered

	second := make(chan interface{}, 1)
	go func() {
		v, err := g.Do(context.Background(), "cex", "sig", 1, 0, fn)
		if err != nil {
			t.Errorf("joined caller failed: %v", err)
		}
		second <- v
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	if err := <-firstErr; err == nil {
		t.Fatal("cancelled caller should stop waiting")
	}
	close(release)
	if v := <-second; v != "ok" {
		t.Fatalf("joined caller got %v, want ok", v)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected one shared call, got %d", calls)
	}
}
