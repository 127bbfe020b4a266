package ccxtvenue

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	ccxt "github.com/ccxt/ccxt/go/v4"

	"funding-arb/internal/venue"
)

func (c *Client) convertOrder(o ccxt.Order) venue.OrderRef {
	ref := venue.OrderRef{
		Venue:          c.cfg.Name,
		OrderID:        derefString(o.Id),
		ClientOrderID:  derefString(o.ClientOrderId),
		Symbol:         c.canonical(derefString(o.Symbol)),
		Side:           venue.Side(strings.ToLower(derefString(o.Side))),
		RequestedQty:   derefFloat(o.Amount),
		RequestedPrice: derefFloat(o.Price),
		FilledQty:      derefFloat(o.Filled),
		AvgFillPrice:   derefFloat(o.Average),
		UpdatedAt:      time.Now().UTC(),
	}
	if o.Timestamp != nil {
		ref.CreatedAt = time.UnixMilli(*o.Timestamp).UTC()
	}
	ref.Status = convertStatus(derefString(o.Status), ref.FilledQty, ref.RequestedQty)
	if ref.AvgFillPrice == 0 && ref.FilledQty > 0 {
		ref.AvgFillPrice = ref.RequestedPrice
	}
	return ref
}

// mergeOrder 用场所返回覆盖本地引用，保留本地请求字段。
func (c *Client) mergeOrder(local venue.OrderRef, o ccxt.Order) venue.OrderRef {
	return mergeRequest(local, c.convertOrder(o))
}

func mergeRequest(local, remote venue.OrderRef) venue.OrderRef {
	out := local
	if remote.OrderID != "" {
		out.OrderID = remote.OrderID
	}
	out.Status = remote.Status
	out.FilledQty = remote.FilledQty
	out.AvgFillPrice = remote.AvgFillPrice
	if remote.Fee > 0 {
		out.Fee = remote.Fee
	}
	if !remote.UpdatedAt.IsZero() {
		out.UpdatedAt = remote.UpdatedAt
	}
	if out.RequestedQty == 0 {
		out.RequestedQty = remote.RequestedQty
	}
	return out
}

// convertStatus 将 ccxt 统一状态映射为本地状态。
func convertStatus(status string, filled, amount float64) venue.OrderStatus {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "open":
		if filled > 0 {
			return venue.StatusPartiallyFilled
		}
		return venue.StatusOpen
	case "closed", "filled":
		if amount > 0 && filled < amount && filled > 0 {
			return venue.StatusPartiallyFilled
		}
		return venue.StatusFilled
	case "canceled", "cancelled":
		return venue.StatusCancelled
	case "expired":
		return venue.StatusExpired
	case "rejected":
		return venue.StatusRejected
	case "":
		return venue.StatusPending
	default:
		return venue.StatusUnknown
	}
}

func (c *Client) convertTrade(t ccxt.Trade) venue.Fill {
	f := venue.Fill{
		Venue:   c.cfg.Name,
		Symbol:  c.canonical(derefString(t.Symbol)),
		OrderID: derefString(t.Order),
		Side:    venue.Side(strings.ToLower(derefString(t.Side))),
		Qty:     derefFloat(t.Amount),
		Price:   derefFloat(t.Price),
	}
	if t.Timestamp != nil {
		f.Timestamp = time.UnixMilli(*t.Timestamp).UTC()
	}
	return f
}

func convertOrderBook(symbol string, ob ccxt.OrderBook) venue.OrderBook {
	bids := make([]venue.BookLevel, 0, len(ob.Bids))
	for _, level := range ob.Bids {
		if len(level) < 2 {
			continue
		}
		bids = append(bids, venue.BookLevel{Price: level[0], Qty: level[1]})
	}

	asks := make([]venue.BookLevel, 0, len(ob.Asks))
	for _, level := range ob.Asks {
		if len(level) < 2 {
			continue
		}
		asks = append(asks, venue.BookLevel{Price: level[0], Qty: level[1]})
	}

	var ts time.Time
	if ob.Timestamp != nil {
		ts = time.UnixMilli(*ob.Timestamp).UTC()
	} else {
		ts = time.Now().UTC()
	}

	return venue.OrderBook{
		Symbol:    symbol,
		Bids:      bids,
		Asks:      asks,
		Timestamp: ts,
	}
}

// convertMarket 解析 ccxt 市场描述中的精度、下限与费率。
func convertMarket(symbol string, m map[string]interface{}) venue.MarketInfo {
	info := venue.MarketInfo{
		Symbol:   symbol,
		MakerFee: parseNumeric(m["maker"]),
		TakerFee: parseNumeric(m["taker"]),
	}
	if precision, ok := m["precision"].(map[string]interface{}); ok {
		info.TickSize = precisionStep(precision["price"])
		info.StepSize = precisionStep(precision["amount"])
	}
	if limits, ok := m["limits"].(map[string]interface{}); ok {
		if amount, ok := limits["amount"].(map[string]interface{}); ok {
			info.MinQty = parseNumeric(amount["min"])
		}
		if cost, ok := limits["cost"].(map[string]interface{}); ok {
			info.MinNotional = parseNumeric(cost["min"])
		}
	}
	if info.MinQty == 0 {
		info.MinQty = info.StepSize
	}
	return info
}

// precisionStep ccxt 在 TICK_SIZE 模式下给出步长，在 DECIMAL_PLACES 模式下给出小数位数。
// 值为 1 时按步长处理。
func precisionStep(value interface{}) float64 {
	v := parseNumeric(value)
	if v >= 2 && v == float64(int64(v)) && v <= 18 {
		step := 1.0
		for i := 0; i < int(v); i++ {
			step /= 10
		}
		return step
	}
	return v
}

func derefFloat(v *float64) float64 {
	if v == nil {
		return 0
	}
	return *v
}

func derefString(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

func parseNumeric(value interface{}) float64 {
	switch v := value.(type) {
	case nil:
		return 0
	case float64:
		return v
	case *float64:
		if v != nil {
			return *v
		}
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case int32:
		return float64(v)
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return f
		}
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
	case fmt.Stringer:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v.String()), 64); err == nil {
			return f
		}
	}
	return 0
}
