package ccxtvenue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"
	"go.uber.org/zap"

	"funding-arb/internal/venue"
)

// PlaceOrder 只提交一次，不做盲目重试。网络类失败时按 client id 回查，
// 仍无法确认时返回 UNKNOWN 状态的引用，由调用方交给 resolver 判定。
func (c *Client) PlaceOrder(ctx context.Context, req venue.OrderRequest) (venue.OrderRef, error) {
	symbol := c.venueSymbol(req.Symbol)
	params := c.orderParams(req)

	now := time.Now().UTC()
	ref := venue.OrderRef{
		Venue:          c.cfg.Name,
		ClientOrderID:  req.ClientOrderID,
		Symbol:         req.Symbol,
		Side:           req.Side,
		RequestedQty:   req.Qty,
		RequestedPrice: req.Price,
		TIF:            req.TIF,
		ReduceOnly:     req.ReduceOnly,
		Status:         venue.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	var raw ccxt.Order
	err := c.call(ctx, "create_order", 1, func() error {
		order, err := c.api.CreateOrder(
			symbol,
			"limit",
			string(req.Side),
			req.Qty,
			ccxt.WithCreateOrderPrice(req.Price),
			ccxt.WithCreateOrderParams(params),
		)
		if err != nil {
			return err
		}
		raw = order
		return nil
	})
	if err == nil {
		return c.mergeOrder(ref, raw), nil
	}
	if !errors.Is(err, venue.ErrTransient) || req.ClientOrderID == "" {
		return venue.OrderRef{}, fmt.Errorf("ccxtvenue: %s 下单失败: %w", c.cfg.Name, err)
	}

	recovered, found, lookupErr := c.lookupByClientID(ctx, ref)
	if lookupErr == nil && found {
		c.logger.Info("下单回查命中",
			zap.String("client_order_id", req.ClientOrderID),
			zap.String("order_id", recovered.OrderID),
		)
		return recovered, nil
	}

	c.logger.Warn("下单结果未知，交由 resolver 判定",
		zap.String("symbol", req.Symbol),
		zap.String("client_order_id", req.ClientOrderID),
		zap.Error(err),
	)
	ref.Status = venue.StatusUnknown
	return ref, nil
}

func (c *Client) orderParams(req venue.OrderRequest) map[string]interface{} {
	params := map[string]interface{}{}
	if req.ReduceOnly {
		params["reduceOnly"] = true
	}
	switch req.TIF {
	case venue.TIFPostOnly:
		params["postOnly"] = true
		if c.dialect.postOnlyTIF != "" {
			params["timeInForce"] = c.dialect.postOnlyTIF
		}
	case venue.TIFIOC:
		if c.dialect.iocTIF != "" {
			params["timeInForce"] = c.dialect.iocTIF
		}
	}
	if id := c.venueClientID(req.ClientOrderID); id != "" {
		params["clientOrderId"] = id
	}
	return params
}

// venueClientID 将本地 uuid 转成场所可接受的 client id。
func (c *Client) venueClientID(id string) string {
	if id == "" {
		return ""
	}
	compact := strings.ReplaceAll(id, "-", "")
	if c.dialect.hexClientID {
		return "0x" + strings.ToLower(compact)
	}
	return compact
}

func (c *Client) lookupByClientID(ctx context.Context, ref venue.OrderRef) (venue.OrderRef, bool, error) {
	open, err := c.GetOpenOrders(ctx, ref.Symbol)
	if err != nil {
		return ref, false, err
	}
	want := c.venueClientID(ref.ClientOrderID)
	for _, o := range open {
		if o.ClientOrderID == want || o.ClientOrderID == ref.ClientOrderID {
			o.ClientOrderID = ref.ClientOrderID
			return mergeRequest(ref, o), true, nil
		}
	}

	status, err := c.GetOrderStatus(ctx, ref)
	if err != nil {
		return ref, false, err
	}
	if status.Status == venue.StatusNotFound {
		return ref, false, nil
	}
	return status, true, nil
}

// CancelOrder 订单已成交或已撤时返回 false。
func (c *Client) CancelOrder(ctx context.Context, ref venue.OrderRef) (bool, error) {
	if ref.OrderID == "" {
		resolved, found, err := c.lookupByClientID(ctx, ref)
		if err != nil {
			return false, err
		}
		if !found || resolved.OrderID == "" {
			return false, nil
		}
		ref = resolved
	}

	symbol := c.venueSymbol(ref.Symbol)
	err := c.callWithRetry(ctx, "cancel_order", func() error {
		_, err := c.api.CancelOrder(ref.OrderID, ccxt.WithCancelOrderSymbol(symbol))
		return err
	})
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, venue.ErrOrderNotFound), errors.Is(err, venue.ErrRejected):
		return false, nil
	default:
		return false, fmt.Errorf("ccxtvenue: %s 撤单失败: %w", c.cfg.Name, err)
	}
}

// GetOrderStatus 查询不到订单时返回 NOT_FOUND 状态而非错误。
func (c *Client) GetOrderStatus(ctx context.Context, ref venue.OrderRef) (venue.OrderRef, error) {
	symbol := c.venueSymbol(ref.Symbol)
	opts := []ccxt.FetchOrderOptions{ccxt.WithFetchOrderSymbol(symbol)}
	id := ref.OrderID
	if id == "" {
		opts = append(opts, ccxt.WithFetchOrderParams(map[string]interface{}{
			"clientOrderId": c.venueClientID(ref.ClientOrderID),
		}))
	}

	var raw ccxt.Order
	err := c.callWithRetry(ctx, "fetch_order", func() error {
		order, err := c.api.FetchOrder(id, opts...)
		if err != nil {
			return err
		}
		raw = order
		return nil
	})
	if errors.Is(err, venue.ErrOrderNotFound) {
		out := ref
		out.Status = venue.StatusNotFound
		out.UpdatedAt = time.Now().UTC()
		return out, nil
	}
	if err != nil {
		return ref, fmt.Errorf("ccxtvenue: %s 查询订单失败: %w", c.cfg.Name, err)
	}
	return c.mergeOrder(ref, raw), nil
}

// GetOpenOrders symbol 为空时返回全部挂单。
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]venue.OrderRef, error) {
	var opts []ccxt.FetchOpenOrdersOptions
	if symbol != "" {
		opts = append(opts, ccxt.WithFetchOpenOrdersSymbol(c.venueSymbol(symbol)))
	}

	var raw []ccxt.Order
	err := c.callWithRetry(ctx, "fetch_open_orders", func() error {
		orders, err := c.api.FetchOpenOrders(opts...)
		if err != nil {
			return err
		}
		raw = orders
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ccxtvenue: %s 查询挂单失败: %w", c.cfg.Name, err)
	}

	out := make([]venue.OrderRef, 0, len(raw))
	for _, o := range raw {
		out = append(out, c.convertOrder(o))
	}
	return out, nil
}

// CancelAll 逐个撤销全部挂单，返回成功撤销的数量。
func (c *Client) CancelAll(ctx context.Context) (int, error) {
	open, err := c.GetOpenOrders(ctx, "")
	if err != nil {
		return 0, err
	}
	cancelled := 0
	var firstErr error
	for _, o := range open {
		ok, err := c.CancelOrder(ctx, o)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			cancelled++
		}
	}
	return cancelled, firstErr
}

// GetFills 拉取 since 之后的成交记录。
func (c *Client) GetFills(ctx context.Context, symbol string, since time.Time) ([]venue.Fill, error) {
	var raw []ccxt.Trade
	err := c.callWithRetry(ctx, "fetch_my_trades", func() error {
		trades, err := c.api.FetchMyTrades(
			ccxt.WithFetchMyTradesSymbol(c.venueSymbol(symbol)),
			ccxt.WithFetchMyTradesSince(since.UnixMilli()),
		)
		if err != nil {
			return err
		}
		raw = trades
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ccxtvenue: %s 查询成交失败: %w", c.cfg.Name, err)
	}

	fills := make([]venue.Fill, 0, len(raw))
	for _, t := range raw {
		fills = append(fills, c.convertTrade(t))
	}
	return fills, nil
}
