package paper

import (
	"strings"

	"funding-arb/internal/config"
	"funding-arb/internal/venue"
)

// NewFromConfig 按配置创建模拟场所，未配置价格的交易对不会挂出订单簿。
func NewFromConfig(cfg config.VenueConfig, symbols []string) *Venue {
	v := New(cfg.Name)
	pc := cfg.Paper
	for _, symbol := range symbols {
		k := strings.ToLower(symbol)
		v.SetMarket(venue.MarketInfo{
			Symbol:      symbol,
			TickSize:    pc.TickSize,
			StepSize:    pc.StepSize,
			MinQty:      pc.StepSize,
			MinNotional: pc.MinNotional,
			MakerFee:    pc.MakerFee,
			TakerFee:    pc.TakerFee,
		})
		if price, ok := pc.Prices[k]; ok && price > 0 {
			v.SetBook(symbol, price, pc.Spread, pc.Depth)
		}
		if rate, ok := pc.FundingRates[k]; ok {
			v.SetFunding(symbol, rate)
		}
	}
	if pc.MakerFill > 0 && pc.MakerFill < 1 {
		ratio := pc.MakerFill
		v.SetBehavior(func(b *Behavior) {
			b.MakerFill = func(req venue.OrderRequest, _ int) float64 {
				return venue.AlignDown(req.Qty*ratio, pc.StepSize)
			}
		})
	}
	return v
}
