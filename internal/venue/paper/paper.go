// Package paper 提供内存中的模拟永续合约场所，用于 dry-run 与测试。
package paper

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"funding-arb/internal/venue"
)

// Behavior 控制模拟撮合的行为，零值表示理想场所：maker 立即全部成交，IOC 全部成交。
type Behavior struct {
	// MakerFill 返回 post-only 订单挂出后立即成交的数量，nil 时全部成交。
	// attempt 为该交易对第几次挂 post-only 单，从 1 开始。
	MakerFill func(req venue.OrderRequest, attempt int) float64
	// MakerFillAfterPolls 大于 0 时，挂单成交推迟到第 N 次状态查询。
	MakerFillAfterPolls int
	// PostOnlyCross 前 N 次 post-only 下单返回 ErrPostOnlyWouldCross。
	PostOnlyCross int
	// IOCFillRatio IOC 订单成交比例，0 视为 1。
	IOCFillRatio float64
	// IOCError 非 reduce-only 的 IOC 下单直接返回该错误。
	IOCError error
	// ReduceOnlyError reduce-only 下单直接返回该错误。
	ReduceOnlyError error
	// ArchiveOnCancel 撤单后订单从查询接口消失，状态查询返回 NOT_FOUND。
	ArchiveOnCancel bool
	// ArchiveOnFill 完全成交后订单从查询接口消失。
	ArchiveOnFill bool
	// HideFills 成交历史接口返回空。
	HideFills bool
	FillsError     error
	PositionsError error
	StatusError    error
	CancelError    error
	// Latency 每次调用的模拟延迟。
	Latency time.Duration
}

type position struct {
	qty   float64
	entry float64
}

type order struct {
	ref      venue.OrderRef
	pending  float64
	polls    int
	archived bool
}

// Venue 模拟场所。
type Venue struct {
	name string

	mu        sync.Mutex
	behavior  Behavior
	markets   map[string]venue.MarketInfo
	books     map[string]venue.OrderBook
	funding   map[string]float64
	positions map[string]*position
	orders    map[string]*order
	byClient  map[string]string
	fills     []venue.Fill
	requests  []venue.OrderRequest
	postOnly  map[string]int
	crossed   int
	calls     map[string]int
	seq       int
}

var _ venue.Adapter = (*Venue)(nil)

// New 创建空的模拟场所。
func New(name string) *Venue {
	return &Venue{
		name:      name,
		markets:   make(map[string]venue.MarketInfo),
		books:     make(map[string]venue.OrderBook),
		funding:   make(map[string]float64),
		positions: make(map[string]*position),
		orders:    make(map[string]*order),
		byClient:  make(map[string]string),
		postOnly:  make(map[string]int),
		calls:     make(map[string]int),
	}
}

// Name 场所名称。
func (v *Venue) Name() string { return v.name }

// SetBehavior 修改撮合行为，可在运行中调用。
func (v *Venue) SetBehavior(fn func(b *Behavior)) {
	v.mu.Lock()
	defer v.mu.Unlock()
	fn(&v.behavior)
}

// SetMarket 设置合约精度与费率。
func (v *Venue) SetMarket(info venue.MarketInfo) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.markets[key(info.Symbol)] = info
}

// SetBook 以中间价生成对称订单簿，每侧 5 档，每档 depth 数量。
func (v *Venue) SetBook(symbol string, mid, spread, depth float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	tick := v.markets[key(symbol)].TickSize
	if tick <= 0 {
		tick = mid * 0.0001
	}
	half := math.Max(mid*spread/2, tick)
	book := venue.OrderBook{Symbol: symbol, Timestamp: time.Now().UTC()}
	for i := 0; i < 5; i++ {
		off := half + float64(i)*tick
		book.Bids = append(book.Bids, venue.BookLevel{Price: venue.RoundToTick(mid-off, tick, venue.SideBuy), Qty: depth})
		book.Asks = append(book.Asks, venue.BookLevel{Price: venue.RoundToTick(mid+off, tick, venue.SideSell), Qty: depth})
	}
	v.books[key(symbol)] = book
}

// SetFunding 设置当期资金费率。
func (v *Venue) SetFunding(symbol string, rate float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.funding[key(symbol)] = rate
}

// SetPosition 直接设置带符号持仓。
func (v *Venue) SetPosition(symbol string, signedQty, entry float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if signedQty == 0 {
		delete(v.positions, key(symbol))
		return
	}
	v.positions[key(symbol)] = &position{qty: signedQty, entry: entry}
}

// PositionQty 带符号持仓数量。
func (v *Venue) PositionQty(symbol string) float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	if p, ok := v.positions[key(symbol)]; ok {
		return p.qty
	}
	return 0
}

// Requests 按顺序返回收到的下单请求。
func (v *Venue) Requests() []venue.OrderRequest {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]venue.OrderRequest, len(v.requests))
	copy(out, v.requests)
	return out
}

// Calls 指定操作的调用次数。
func (v *Venue) Calls(op string) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls[op]
}

// TotalCalls 所有操作的调用次数。
func (v *Venue) TotalCalls() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	total := 0
	for _, n := range v.calls {
		total += n
	}
	return total
}

// FillResting 让挂单成交指定数量，模拟场外对手盘吃单。
func (v *Venue) FillResting(orderID string, qty float64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	o, ok := v.orders[orderID]
	if !ok || !o.ref.Status.Active() {
		return
	}
	v.fillLocked(o, math.Min(qty, o.ref.Remaining()), o.ref.RequestedPrice, v.markets[key(o.ref.Symbol)].MakerFee)
}

func (v *Venue) enter(ctx context.Context, op string) (Behavior, error) {
	v.mu.Lock()
	v.calls[op]++
	b := v.behavior
	v.mu.Unlock()

	if b.Latency > 0 {
		t := time.NewTimer(b.Latency)
		select {
		case <-ctx.Done():
			t.Stop()
			return b, ctx.Err()
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return b, err
	}
	return b, nil
}

// MarketInfo 实现 venue.Adapter。
func (v *Venue) MarketInfo(ctx context.Context, symbol string) (venue.MarketInfo, error) {
	if _, err := v.enter(ctx, "market_info"); err != nil {
		return venue.MarketInfo{}, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	info, ok := v.markets[key(symbol)]
	if !ok {
		return venue.MarketInfo{}, fmt.Errorf("paper: %s: %w", symbol, venue.ErrInvalidSymbol)
	}
	return info, nil
}

// PlaceOrder 实现 venue.Adapter。
func (v *Venue) PlaceOrder(ctx context.Context, req venue.OrderRequest) (venue.OrderRef, error) {
	b, err := v.enter(ctx, "place_order")
	if err != nil {
		return venue.OrderRef{}, err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.requests = append(v.requests, req)

	info, ok := v.markets[key(req.Symbol)]
	if !ok {
		return venue.OrderRef{}, fmt.Errorf("paper: %s: %w", req.Symbol, venue.ErrInvalidSymbol)
	}
	if req.Qty <= 0 || (info.MinQty > 0 && req.Qty < info.MinQty) ||
		(info.MinNotional > 0 && !req.ReduceOnly && req.Qty*req.Price < info.MinNotional) {
		return venue.OrderRef{}, fmt.Errorf("paper: qty=%.8f: %w", req.Qty, venue.ErrBelowMinNotional)
	}

	if req.ReduceOnly {
		if b.ReduceOnlyError != nil {
			return venue.OrderRef{}, b.ReduceOnlyError
		}
		held := 0.0
		if p, ok := v.positions[key(req.Symbol)]; ok {
			held = p.qty
		}
		// reduce-only 只能朝持仓的反方向成交
		if held == 0 || (held > 0) == (req.Side == venue.SideBuy) {
			return venue.OrderRef{}, fmt.Errorf("paper: reduce-only 没有可减仓位: %w", venue.ErrRejected)
		}
		if req.Qty > math.Abs(held) {
			req.Qty = math.Abs(held)
		}
	} else if req.TIF == venue.TIFIOC && b.IOCError != nil {
		return venue.OrderRef{}, b.IOCError
	}

	book := v.books[key(req.Symbol)]
	now := time.Now().UTC()
	v.seq++
	ref := venue.OrderRef{
		Venue:          v.name,
		OrderID:        fmt.Sprintf("%s-%d", v.name, v.seq),
		ClientOrderID:  req.ClientOrderID,
		Symbol:         req.Symbol,
		Side:           req.Side,
		RequestedQty:   req.Qty,
		RequestedPrice: req.Price,
		TIF:            req.TIF,
		ReduceOnly:     req.ReduceOnly,
		Status:         venue.StatusOpen,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	o := &order{ref: ref}

	switch req.TIF {
	case venue.TIFPostOnly:
		if v.crossed < b.PostOnlyCross {
			v.crossed++
			return venue.OrderRef{}, fmt.Errorf("paper: 第 %d 次 post-only 被拒: %w", v.crossed, venue.ErrPostOnlyWouldCross)
		}
		far := book.Far(req.Side)
		if far > 0 && ((req.Side == venue.SideBuy && req.Price >= far) || (req.Side == venue.SideSell && req.Price <= far)) {
			return venue.OrderRef{}, fmt.Errorf("paper: price=%.8f far=%.8f: %w", req.Price, far, venue.ErrPostOnlyWouldCross)
		}
		v.postOnly[key(req.Symbol)]++
		attempt := v.postOnly[key(req.Symbol)]
		fill := req.Qty
		if b.MakerFill != nil {
			fill = math.Max(0, math.Min(b.MakerFill(req, attempt), req.Qty))
		}
		v.register(o)
		if b.MakerFillAfterPolls > 0 {
			o.pending = fill
		} else if fill > 0 {
			v.fillLocked(o, fill, req.Price, info.MakerFee)
		}
	case venue.TIFIOC:
		far := book.Far(req.Side)
		if far <= 0 {
			return venue.OrderRef{}, fmt.Errorf("paper: %s 订单簿为空: %w", req.Symbol, venue.ErrInsufficientLiquidity)
		}
		v.register(o)
		crosses := req.Price <= 0 || (req.Side == venue.SideBuy && far <= req.Price) || (req.Side == venue.SideSell && far >= req.Price)
		if crosses {
			ratio := b.IOCFillRatio
			if ratio <= 0 {
				ratio = 1
			}
			qty := req.Qty * ratio
			if info.StepSize > 0 && ratio < 1 {
				qty = venue.AlignDown(qty, info.StepSize)
			}
			if qty > 0 {
				v.fillLocked(o, qty, far, info.TakerFee)
			}
		}
		if o.ref.Status.Active() {
			o.ref.Status = venue.StatusExpired
			v.maybeArchiveLocked(o, b)
		}
	default:
		v.register(o)
	}

	return o.ref, nil
}

func (v *Venue) register(o *order) {
	v.orders[o.ref.OrderID] = o
	if o.ref.ClientOrderID != "" {
		v.byClient[o.ref.ClientOrderID] = o.ref.OrderID
	}
}

func (v *Venue) fillLocked(o *order, qty, price, feeRate float64) {
	if qty <= 0 {
		return
	}
	prev := o.ref.FilledQty
	o.ref.FilledQty += qty
	o.ref.AvgFillPrice = (o.ref.AvgFillPrice*prev + price*qty) / o.ref.FilledQty
	fee := qty * price * feeRate
	o.ref.Fee += fee
	o.ref.UpdatedAt = time.Now().UTC()
	if o.ref.FilledQty >= o.ref.RequestedQty-1e-12 {
		o.ref.Status = venue.StatusFilled
		v.maybeArchiveLocked(o, v.behavior)
	} else {
		o.ref.Status = venue.StatusPartiallyFilled
	}

	v.fills = append(v.fills, venue.Fill{
		Venue:         v.name,
		Symbol:        o.ref.Symbol,
		OrderID:       o.ref.OrderID,
		ClientOrderID: o.ref.ClientOrderID,
		Side:          o.ref.Side,
		Qty:           qty,
		Price:         price,
		Fee:           fee,
		Timestamp:     o.ref.UpdatedAt,
	})
	v.applyFill(o.ref.Symbol, o.ref.Side.Sign()*qty, price)
}

func (v *Venue) maybeArchiveLocked(o *order, b Behavior) {
	if b.ArchiveOnFill && o.ref.Status == venue.StatusFilled {
		o.archived = true
	}
}

func (v *Venue) applyFill(symbol string, signed, price float64) {
	k := key(symbol)
	p, ok := v.positions[k]
	if !ok {
		v.positions[k] = &position{qty: signed, entry: price}
		return
	}
	next := p.qty + signed
	switch {
	case math.Abs(next) < 1e-12:
		delete(v.positions, k)
		return
	case (p.qty > 0) == (signed > 0):
		p.entry = (p.entry*math.Abs(p.qty) + price*math.Abs(signed)) / math.Abs(next)
	case (p.qty > 0) != (next > 0):
		p.entry = price
	}
	p.qty = next
}

// CancelOrder 实现 venue.Adapter。
func (v *Venue) CancelOrder(ctx context.Context, ref venue.OrderRef) (bool, error) {
	b, err := v.enter(ctx, "cancel_order")
	if err != nil {
		return false, err
	}
	if b.CancelError != nil {
		return false, b.CancelError
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	o := v.lookup(ref)
	if o == nil || !o.ref.Status.Active() {
		return false, nil
	}
	o.ref.Status = venue.StatusCancelled
	o.ref.UpdatedAt = time.Now().UTC()
	if b.ArchiveOnCancel {
		o.archived = true
	}
	return true, nil
}

// GetOrderStatus 实现 venue.Adapter。
func (v *Venue) GetOrderStatus(ctx context.Context, ref venue.OrderRef) (venue.OrderRef, error) {
	b, err := v.enter(ctx, "order_status")
	if err != nil {
		return ref, err
	}
	if b.StatusError != nil {
		return ref, b.StatusError
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	o := v.lookup(ref)
	if o == nil || o.archived {
		out := ref
		out.Status = venue.StatusNotFound
		return out, nil
	}
	o.polls++
	if b.MakerFillAfterPolls > 0 && o.pending > 0 && o.polls >= b.MakerFillAfterPolls && o.ref.Status.Active() {
		fill := o.pending
		o.pending = 0
		v.fillLocked(o, fill, o.ref.RequestedPrice, v.markets[key(o.ref.Symbol)].MakerFee)
		if o.archived {
			out := ref
			out.Status = venue.StatusNotFound
			return out, nil
		}
	}
	return o.ref, nil
}

func (v *Venue) lookup(ref venue.OrderRef) *order {
	if o, ok := v.orders[ref.OrderID]; ok && ref.OrderID != "" {
		return o
	}
	if id, ok := v.byClient[ref.ClientOrderID]; ok && ref.ClientOrderID != "" {
		return v.orders[id]
	}
	return nil
}

// GetPositions 实现 venue.Adapter。
func (v *Venue) GetPositions(ctx context.Context) ([]venue.Position, error) {
	b, err := v.enter(ctx, "positions")
	if err != nil {
		return nil, err
	}
	if b.PositionsError != nil {
		return nil, b.PositionsError
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]venue.Position, 0, len(v.positions))
	now := time.Now().UTC()
	for _, sym := range v.sortedPositionKeys() {
		p := v.positions[sym]
		side := venue.SideBuy
		if p.qty < 0 {
			side = venue.SideSell
		}
		out = append(out, venue.Position{
			Venue:      v.name,
			Symbol:     strings.ToUpper(sym),
			Side:       side,
			Qty:        math.Abs(p.qty),
			EntryPrice: p.entry,
			MarkPrice:  v.books[sym].Mid(),
			Timestamp:  now,
		})
	}
	return out, nil
}

func (v *Venue) sortedPositionKeys() []string {
	keys := make([]string, 0, len(v.positions))
	for k := range v.positions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// GetOrderBook 实现 venue.Adapter。
func (v *Venue) GetOrderBook(ctx context.Context, symbol string) (venue.OrderBook, error) {
	if _, err := v.enter(ctx, "order_book"); err != nil {
		return venue.OrderBook{}, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	book, ok := v.books[key(symbol)]
	if !ok {
		return venue.OrderBook{}, fmt.Errorf("paper: %s: %w", symbol, venue.ErrInvalidSymbol)
	}
	book.Bids = append([]venue.BookLevel(nil), book.Bids...)
	book.Asks = append([]venue.BookLevel(nil), book.Asks...)
	return book, nil
}

// GetFundingRate 实现 venue.Adapter。
func (v *Venue) GetFundingRate(ctx context.Context, symbol string) (float64, error) {
	if _, err := v.enter(ctx, "funding_rate"); err != nil {
		return 0, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	rate, ok := v.funding[key(symbol)]
	if !ok {
		return 0, fmt.Errorf("paper: %s: %w", symbol, venue.ErrInvalidSymbol)
	}
	return rate, nil
}

// GetFills 实现 venue.Adapter。
func (v *Venue) GetFills(ctx context.Context, symbol string, since time.Time) ([]venue.Fill, error) {
	b, err := v.enter(ctx, "fills")
	if err != nil {
		return nil, err
	}
	if b.FillsError != nil {
		return nil, b.FillsError
	}
	if b.HideFills {
		return nil, nil
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]venue.Fill, 0)
	for _, f := range v.fills {
		if !strings.EqualFold(f.Symbol, symbol) || f.Timestamp.Before(since) {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

// GetOpenOrders 实现 venue.Adapter。
func (v *Venue) GetOpenOrders(ctx context.Context, symbol string) ([]venue.OrderRef, error) {
	if _, err := v.enter(ctx, "open_orders"); err != nil {
		return nil, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]venue.OrderRef, 0)
	for _, o := range v.orders {
		if !o.ref.Status.Active() {
			continue
		}
		if symbol != "" && !strings.EqualFold(o.ref.Symbol, symbol) {
			continue
		}
		out = append(out, o.ref)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out, nil
}

// CancelAll 实现 venue.Adapter。
func (v *Venue) CancelAll(ctx context.Context) (int, error) {
	b, err := v.enter(ctx, "cancel_all")
	if err != nil {
		return 0, err
	}
	if b.CancelError != nil {
		return 0, b.CancelError
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	n := 0
	for _, o := range v.orders {
		if o.ref.Status.Active() {
			o.ref.Status = venue.StatusCancelled
			o.ref.UpdatedAt = time.Now().UTC()
			n++
		}
	}
	return n, nil
}

func key(symbol string) string {
	return strings.ToLower(strings.TrimSpace(symbol))
}
