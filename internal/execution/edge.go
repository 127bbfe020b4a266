package execution

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"funding-arb/internal/venue"
)

const year = 365 * 24 * time.Hour

// FundingEdge 根据两个场所的实时资金费率与价差判断套利是否仍然成立。
type FundingEdge struct {
	venues    map[string]venue.Adapter
	intervals map[string]time.Duration
	minAPY    float64
	maxBasis  float64
}

// NewFundingEdge 创建价差检查器。intervals 为各场所的资金费结算周期，缺省 8 小时。
func NewFundingEdge(venues []venue.Adapter, intervals map[string]time.Duration, minAPY, maxBasis float64) *FundingEdge {
	m := make(map[string]venue.Adapter, len(venues))
	for _, v := range venues {
		m[v.Name()] = v
	}
	if intervals == nil {
		intervals = map[string]time.Duration{}
	}
	return &FundingEdge{venues: m, intervals: intervals, minAPY: minAPY, maxBasis: maxBasis}
}

// Annualize 将单期资金费率折算为年化。
func (f *FundingEdge) Annualize(venueName string, rate float64) float64 {
	interval := f.intervals[venueName]
	if interval <= 0 {
		interval = 8 * time.Hour
	}
	return rate * float64(year/interval)
}

// Spread 多头场所支付、空头场所收取资金费时的年化净收益，以及两边中间价的相对价差。
func (f *FundingEdge) Spread(ctx context.Context, symbol, longVenue, shortVenue string) (apy, basis float64, err error) {
	long, ok := f.venues[longVenue]
	if !ok {
		return 0, 0, fmt.Errorf("%w: 未知场所 %s", ErrConfiguration, longVenue)
	}
	short, ok := f.venues[shortVenue]
	if !ok {
		return 0, 0, fmt.Errorf("%w: 未知场所 %s", ErrConfiguration, shortVenue)
	}

	var (
		longRate, shortRate float64
		longBook, shortBook venue.OrderBook
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) { longRate, err = long.GetFundingRate(gctx, symbol); return })
	g.Go(func() (err error) { shortRate, err = short.GetFundingRate(gctx, symbol); return })
	g.Go(func() (err error) { longBook, err = long.GetOrderBook(gctx, symbol); return })
	g.Go(func() (err error) { shortBook, err = short.GetOrderBook(gctx, symbol); return })
	if err := g.Wait(); err != nil {
		return 0, 0, fmt.Errorf("execution: 获取 %s 资金费与盘口失败: %w", symbol, err)
	}

	apy = f.Annualize(shortVenue, shortRate) - f.Annualize(longVenue, longRate)
	if lm, sm := longBook.Mid(), shortBook.Mid(); lm > 0 && sm > 0 {
		basis = (lm - sm) / sm
	}
	return apy, basis, nil
}

// StillProfitable 实现 EdgeChecker。
func (f *FundingEdge) StillProfitable(ctx context.Context, req Request) (bool, error) {
	apy, basis, err := f.Spread(ctx, req.Symbol, req.LongVenue, req.ShortVenue)
	if err != nil {
		return false, err
	}
	if apy < f.minAPY {
		return false, nil
	}
	return f.maxBasis <= 0 || basis <= f.maxBasis, nil
}
