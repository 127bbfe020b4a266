package ccxtvenue

import (
	"context"
	"fmt"
	"strings"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"

	"funding-arb/internal/venue"
)

// MarketInfo 读取合约精度与费率，结果在进程内缓存。
func (c *Client) MarketInfo(ctx context.Context, symbol string) (venue.MarketInfo, error) {
	c.marketsMu.Lock()
	defer c.marketsMu.Unlock()

	if info, ok := c.markets[symbol]; ok {
		return info, nil
	}

	var raw map[string]interface{}
	err := c.callWithRetry(ctx, "load_markets", func() error {
		m, err := c.load(c.venueSymbol(symbol))
		if err != nil {
			return err
		}
		raw = m
		return nil
	})
	if err != nil {
		return venue.MarketInfo{}, fmt.Errorf("ccxtvenue: %s 加载市场失败: %w", c.cfg.Name, err)
	}
	if raw == nil {
		return venue.MarketInfo{}, fmt.Errorf("ccxtvenue: %s 不支持 %s: %w", c.cfg.Name, symbol, venue.ErrInvalidSymbol)
	}

	info := convertMarket(symbol, raw)
	c.markets[symbol] = info
	return info, nil
}

// GetOrderBook 获取订单簿快照。
func (c *Client) GetOrderBook(ctx context.Context, symbol string) (venue.OrderBook, error) {
	depth := int64(c.cfg.OrderBookDepth)
	if depth <= 0 {
		depth = 20
	}

	var raw ccxt.OrderBook
	err := c.callWithRetry(ctx, "fetch_order_book", func() error {
		orderBook, err := c.api.FetchOrderBook(
			c.venueSymbol(symbol),
			ccxt.WithFetchOrderBookLimit(depth),
		)
		if err != nil {
			return err
		}
		raw = orderBook
		return nil
	})
	if err != nil {
		return venue.OrderBook{}, fmt.Errorf("ccxtvenue: %s 获取订单簿失败: %w", c.cfg.Name, err)
	}

	return convertOrderBook(symbol, raw), nil
}

// GetFundingRate 当期资金费率（每个结算周期）。
func (c *Client) GetFundingRate(ctx context.Context, symbol string) (float64, error) {
	var raw ccxt.FundingRate
	err := c.callWithRetry(ctx, "fetch_funding_rate", func() error {
		rate, err := c.api.FetchFundingRate(c.venueSymbol(symbol))
		if err != nil {
			return err
		}
		raw = rate
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("ccxtvenue: %s 获取资金费率失败: %w", c.cfg.Name, err)
	}
	return derefFloat(raw.FundingRate), nil
}

// GetPositions 拉取全部非零持仓。
func (c *Client) GetPositions(ctx context.Context) ([]venue.Position, error) {
	var raw []ccxt.Position
	err := c.callWithRetry(ctx, "fetch_positions", func() error {
		positions, err := c.api.FetchPositions()
		if err != nil {
			return err
		}
		raw = positions
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ccxtvenue: %s 获取持仓失败: %w", c.cfg.Name, err)
	}

	now := time.Now().UTC()
	out := make([]venue.Position, 0, len(raw))
	for _, rawPos := range raw {
		symbol := derefString(rawPos.Symbol)
		size := derefFloat(rawPos.Contracts)
		if symbol == "" || size == 0 {
			continue
		}

		side := venue.SideBuy
		switch strings.ToLower(strings.TrimSpace(derefString(rawPos.Side))) {
		case "short", "sell":
			side = venue.SideSell
		case "":
			if size < 0 {
				side = venue.SideSell
			}
		}
		if size < 0 {
			size = -size
		}

		out = append(out, venue.Position{
			Venue:      c.cfg.Name,
			Symbol:     c.canonical(symbol),
			Side:       side,
			Qty:        size,
			EntryPrice: derefFloat(rawPos.EntryPrice),
			MarkPrice:  derefFloat(rawPos.MarkPrice),
			Timestamp:  now,
		})
	}
	return out, nil
}
