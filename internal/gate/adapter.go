package gate

import (
	"context"
	"fmt"
	"time"

	"funding-arb/internal/venue"
)

// Wrap 返回经过 Gate 的适配器：所有调用先获取容量，读操作按签名去重，
// 写操作完成后失效该场所的持仓与挂单缓存。
func Wrap(inner venue.Adapter, g *Gate) venue.Adapter {
	return &gated{inner: inner, gate: g}
}

type gated struct {
	inner venue.Adapter
	gate  *Gate
}

func (a *gated) Name() string {
	return a.inner.Name()
}

func (a *gated) sig(parts ...string) string {
	s := a.inner.Name()
	for _, p := range parts {
		s += "|" + p
	}
	return s
}

// advance 写操作前后各调用一次：之前发起的读取不会写回旧持仓，也不会被之后的读取复用。
func (a *gated) advance() {
	a.gate.Advance(a.Name(), a.sig("positions"), a.sig("open_orders"))
}

func (a *gated) MarketInfo(ctx context.Context, symbol string) (venue.MarketInfo, error) {
	v, err := a.gate.Do(ctx, a.Name(), a.sig("market", symbol), 1, time.Hour, func(ctx context.Context) (interface{}, error) {
		return a.inner.MarketInfo(ctx, symbol)
	})
	if err != nil {
		return venue.MarketInfo{}, err
	}
	return v.(venue.MarketInfo), nil
}

func (a *gated) PlaceOrder(ctx context.Context, req venue.OrderRequest) (venue.OrderRef, error) {
	if err := a.gate.Acquire(ctx, a.Name(), 1); err != nil {
		return venue.OrderRef{}, err
	}
	a.advance()
	defer a.advance()
	return a.inner.PlaceOrder(ctx, req)
}

func (a *gated) CancelOrder(ctx context.Context, ref venue.OrderRef) (bool, error) {
	if err := a.gate.Acquire(ctx, a.Name(), 1); err != nil {
		return false, err
	}
	a.advance()
	defer a.advance()
	return a.inner.CancelOrder(ctx, ref)
}

func (a *gated) CancelAll(ctx context.Context) (int, error) {
	if err := a.gate.Acquire(ctx, a.Name(), 5); err != nil {
		return 0, err
	}
	a.advance()
	defer a.advance()
	return a.inner.CancelAll(ctx)
}

// GetOrderStatus 只合并在途查询，不缓存，轮询间隔可以小于去重 TTL。
func (a *gated) GetOrderStatus(ctx context.Context, ref venue.OrderRef) (venue.OrderRef, error) {
	v, err := a.gate.Do(ctx, a.Name(), a.sig("status", ref.OrderID, ref.ClientOrderID), 1, 0, func(ctx context.Context) (interface{}, error) {
		return a.inner.GetOrderStatus(ctx, ref)
	})
	if err != nil {
		return ref, err
	}
	out := v.(venue.OrderRef)
	// 合并调用可能来自另一份本地引用，保留本次请求字段
	if out.RequestedQty == 0 {
		out.RequestedQty = ref.RequestedQty
	}
	return out, nil
}

func (a *gated) GetPositions(ctx context.Context) ([]venue.Position, error) {
	v, err := a.gate.Do(ctx, a.Name(), a.sig("positions"), 2, a.gate.opts.DedupTTL, func(ctx context.Context) (interface{}, error) {
		return a.inner.GetPositions(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]venue.Position), nil
}

func (a *gated) GetOrderBook(ctx context.Context, symbol string) (venue.OrderBook, error) {
	v, err := a.gate.Do(ctx, a.Name(), a.sig("book", symbol), 1, a.gate.opts.DedupTTL, func(ctx context.Context) (interface{}, error) {
		return a.inner.GetOrderBook(ctx, symbol)
	})
	if err != nil {
		return venue.OrderBook{}, err
	}
	return v.(venue.OrderBook), nil
}

func (a *gated) GetFundingRate(ctx context.Context, symbol string) (float64, error) {
	v, err := a.gate.Do(ctx, a.Name(), a.sig("funding", symbol), 1, a.gate.opts.DedupTTL, func(ctx context.Context) (interface{}, error) {
		return a.inner.GetFundingRate(ctx, symbol)
	})
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}

func (a *gated) GetFills(ctx context.Context, symbol string, since time.Time) ([]venue.Fill, error) {
	signature := a.sig("fills", symbol, fmt.Sprint(since.UnixMilli()))
	v, err := a.gate.Do(ctx, a.Name(), signature, 2, 0, func(ctx context.Context) (interface{}, error) {
		return a.inner.GetFills(ctx, symbol, since)
	})
	if err != nil {
		return nil, err
	}
	return v.([]venue.Fill), nil
}

func (a *gated) GetOpenOrders(ctx context.Context, symbol string) ([]venue.OrderRef, error) {
	v, err := a.gate.Do(ctx, a.Name(), a.sig("open_orders", symbol), 2, a.gate.opts.DedupTTL, func(ctx context.Context) (interface{}, error) {
		return a.inner.GetOpenOrders(ctx, symbol)
	})
	if err != nil {
		return nil, err
	}
	return v.([]venue.OrderRef), nil
}
