package venue

import (
	"context"
	"math"
	"strings"
	"time"
)

// Side 表示订单方向。
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Opposite 返回反方向。
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Sign 买为 +1，卖为 -1。
func (s Side) Sign() float64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// TimeInForce 订单有效方式。
type TimeInForce string

const (
	TIFPostOnly TimeInForce = "POST_ONLY"
	TIFIOC      TimeInForce = "IOC"
	TIFGTC      TimeInForce = "GTC"
)

// OrderStatus 订单状态。
type OrderStatus string

const (
	StatusPending         OrderStatus = "PENDING"
	StatusOpen            OrderStatus = "OPEN"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCancelled       OrderStatus = "CANCELLED"
	StatusExpired         OrderStatus = "EXPIRED"
	StatusRejected        OrderStatus = "REJECTED"
	// StatusNotFound 场所查询不到订单，可能已撤销也可能已成交归档。
	StatusNotFound OrderStatus = "NOT_FOUND"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// Terminal 订单不再变化。NOT_FOUND 与 UNKNOWN 不算终态，需要交给 resolver 判定。
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusExpired, StatusRejected:
		return true
	default:
		return false
	}
}

// Active 订单仍可能继续成交。
func (s OrderStatus) Active() bool {
	return s == StatusPending || s == StatusOpen || s == StatusPartiallyFilled
}

// Ambiguous 订单结果无法直接信任。
func (s OrderStatus) Ambiguous() bool {
	return s == StatusNotFound || s == StatusUnknown
}

// OrderRequest 下单请求。
type OrderRequest struct {
	Symbol        string
	Side          Side
	Qty           float64
	Price         float64
	TIF           TimeInForce
	ReduceOnly    bool
	ClientOrderID string
}

// Notional 名义价值。
func (r OrderRequest) Notional() float64 {
	return r.Qty * r.Price
}

// OrderRef 场所订单的本地视图。
type OrderRef struct {
	Venue          string      `json:"venue"`
	OrderID        string      `json:"order_id"`
	ClientOrderID  string      `json:"client_order_id"`
	Symbol         string      `json:"symbol"`
	Side           Side        `json:"side"`
	RequestedQty   float64     `json:"requested_qty"`
	RequestedPrice float64     `json:"requested_price"`
	TIF            TimeInForce `json:"tif"`
	ReduceOnly     bool        `json:"reduce_only"`
	Status         OrderStatus `json:"status"`
	FilledQty      float64     `json:"filled_qty"`
	AvgFillPrice   float64     `json:"avg_fill_price"`
	Fee            float64     `json:"fee"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Remaining 未成交数量。
func (o OrderRef) Remaining() float64 {
	r := o.RequestedQty - o.FilledQty
	if r < 0 {
		return 0
	}
	return r
}

// IsZero 是否为空引用。
func (o OrderRef) IsZero() bool {
	return o.OrderID == "" && o.ClientOrderID == ""
}

// Position 场所持仓，Qty 始终为正，方向由 Side 给出。
type Position struct {
	Venue      string    `json:"venue"`
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Qty        float64   `json:"qty"`
	EntryPrice float64   `json:"entry_price"`
	MarkPrice  float64   `json:"mark_price"`
	Timestamp  time.Time `json:"timestamp"`
}

// Signed 带符号数量，多头为正。
func (p Position) Signed() float64 {
	return p.Side.Sign() * p.Qty
}

// CloseSide 平仓方向。
func (p Position) CloseSide() Side {
	return p.Side.Opposite()
}

// BookLevel 订单簿档位。
type BookLevel struct {
	Price float64
	Qty   float64
}

// OrderBook 订单簿快照。
type OrderBook struct {
	Symbol    string
	Bids      []BookLevel
	Asks      []BookLevel
	Timestamp time.Time
}

// BestBid 最优买价，空簿返回 0。
func (b OrderBook) BestBid() float64 {
	if len(b.Bids) == 0 {
		return 0
	}
	return b.Bids[0].Price
}

// BestAsk 最优卖价，空簿返回 0。
func (b OrderBook) BestAsk() float64 {
	if len(b.Asks) == 0 {
		return 0
	}
	return b.Asks[0].Price
}

// Mid 中间价。
func (b OrderBook) Mid() float64 {
	bid, ask := b.BestBid(), b.BestAsk()
	switch {
	case bid > 0 && ask > 0:
		return (bid + ask) / 2
	case bid > 0:
		return bid
	default:
		return ask
	}
}

// Touch 指定方向挂单可用的最优价格：买挂在买一，卖挂在卖一。
func (b OrderBook) Touch(side Side) float64 {
	if side == SideBuy {
		return b.BestBid()
	}
	return b.BestAsk()
}

// Far 吃单方向的对手价：买吃卖一，卖吃买一。
func (b OrderBook) Far(side Side) float64 {
	if side == SideBuy {
		return b.BestAsk()
	}
	return b.BestBid()
}

// DepthNotional 同侧挂单簿前 levels 档的名义价值。
func (b OrderBook) DepthNotional(side Side, levels int) float64 {
	book := b.Bids
	if side == SideSell {
		book = b.Asks
	}
	total := 0.0
	for i, lvl := range book {
		if levels > 0 && i >= levels {
			break
		}
		total += lvl.Price * lvl.Qty
	}
	return total
}

// Fill 成交记录。
type Fill struct {
	Venue         string    `json:"venue"`
	Symbol        string    `json:"symbol"`
	OrderID       string    `json:"order_id"`
	ClientOrderID string    `json:"client_order_id"`
	Side          Side      `json:"side"`
	Qty           float64   `json:"qty"`
	Price         float64   `json:"price"`
	Fee           float64   `json:"fee"`
	Timestamp     time.Time `json:"timestamp"`
}

// MarketInfo 合约精度与费率。
type MarketInfo struct {
	Symbol      string
	TickSize    float64
	StepSize    float64
	MinQty      float64
	MinNotional float64
	MakerFee    float64
	TakerFee    float64
}

// Adapter 永续合约场所的统一接口。
type Adapter interface {
	Name() string
	MarketInfo(ctx context.Context, symbol string) (MarketInfo, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (OrderRef, error)
	// CancelOrder 返回 false 表示订单已不在簿上（可能已成交或已撤）。
	CancelOrder(ctx context.Context, ref OrderRef) (bool, error)
	GetOrderStatus(ctx context.Context, ref OrderRef) (OrderRef, error)
	GetPositions(ctx context.Context) ([]Position, error)
	GetOrderBook(ctx context.Context, symbol string) (OrderBook, error)
	GetFundingRate(ctx context.Context, symbol string) (float64, error)
	GetFills(ctx context.Context, symbol string, since time.Time) ([]Fill, error)
	// GetOpenOrders symbol 为空时返回全部挂单。
	GetOpenOrders(ctx context.Context, symbol string) ([]OrderRef, error)
	CancelAll(ctx context.Context) (int, error)
}

// FindPosition 在持仓列表中查找指定交易对，数量低于 dust 的视为空。
func FindPosition(positions []Position, symbol string, dust float64) (Position, bool) {
	for _, p := range positions {
		if strings.EqualFold(p.Symbol, symbol) && math.Abs(p.Qty) > dust {
			return p, true
		}
	}
	return Position{}, false
}

// SignedQty 指定交易对的带符号净持仓。
func SignedQty(positions []Position, symbol string) float64 {
	total := 0.0
	for _, p := range positions {
		if strings.EqualFold(p.Symbol, symbol) {
			total += p.Signed()
		}
	}
	return total
}
