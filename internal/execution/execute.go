package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"funding-arb/internal/ledger"
	"funding-arb/internal/monitor"
	"funding-arb/internal/resolver"
	"funding-arb/internal/venue"
)

// plan 下单前确定的执行参数。
type plan struct {
	qty       float64
	maker     venue.Adapter
	taker     venue.Adapter
	makerInfo venue.MarketInfo
	takerInfo venue.MarketInfo
	makerSide venue.Side
}

// legFill 一条腿的累计成交。
type legFill struct {
	qty     float64
	price   float64
	fee     float64
	last    venue.OrderRef
	assumed bool
	ghost   bool
}

func (f *legFill) add(ref venue.OrderRef, res resolver.Resolution) {
	f.last = ref
	if res.Confidence == resolver.ConfidenceAssumed {
		f.assumed = true
	}
	if res.Ghost {
		f.ghost = true
	}
	f.fee += res.Fee
	if res.FilledQty <= 0 {
		return
	}
	f.price = (f.price*f.qty + res.AvgPrice*res.FilledQty) / (f.qty + res.FilledQty)
	f.qty += res.FilledQty
}

// ref 整条腿的汇总视图，状态为 FILLED 表示该腿按 FilledQty 成交完成。
func (f legFill) ref() venue.OrderRef {
	out := f.last
	out.FilledQty = f.qty
	out.AvgFillPrice = f.price
	out.Fee = f.fee
	if f.qty > 0 {
		out.Status = venue.StatusFilled
	}
	return out
}

// run 单次执行的上下文。
type run struct {
	e        *Engine
	req      Request
	plan     plan
	tradeID  string
	orderIDs []string
	// makerBase 第一笔 maker 单之前的 maker 场所持仓。
	makerBase resolver.Baseline
	logger    *zap.Logger
}

// Execute 执行一次双腿建仓。
func (e *Engine) Execute(ctx context.Context, req Request) (Result, error) {
	started := time.Now()
	req.Symbol = strings.ToUpper(strings.TrimSpace(req.Symbol))
	if err := e.enter(); err != nil {
		return Result{Status: StatusFailed}, err
	}
	defer e.leave()

	if err := e.lock(ctx, req.Symbol); err != nil {
		return Result{Status: StatusFailed}, err
	}
	defer e.locks.Unlock(req.Symbol)
	e.touch(req.Symbol)
	defer e.touch(req.Symbol)

	p, err := e.plan(ctx, req)
	if err != nil {
		return Result{Status: StatusFailed}, err
	}

	trade, err := e.ledger.Add(ledger.Trade{
		Symbol:       req.Symbol,
		VenueLong:    req.LongVenue,
		VenueShort:   req.ShortVenue,
		MakerVenue:   p.maker.Name(),
		TakerVenue:   p.taker.Name(),
		RequestedQty: p.qty,
	})
	if err != nil {
		return Result{Status: StatusFailed}, err
	}

	r := &run{
		e:       e,
		req:     req,
		plan:    p,
		tradeID: trade.ID,
		logger: e.logger.With(
			zap.String("symbol", req.Symbol),
			zap.String("trade_id", trade.ID),
		),
	}
	r.logger.Info("开始双腿执行",
		zap.String("maker", p.maker.Name()),
		zap.String("taker", p.taker.Name()),
		zap.String("maker_side", string(p.makerSide)),
		zap.Float64("qty", p.qty),
	)

	res, err := r.execute(ctx)
	res.TradeID = trade.ID
	res.OrderIDs = r.orderIDs
	if t, ok := e.ledger.Get(req.Symbol); ok && t.ID == trade.ID {
		res.Trade = t
	} else {
		for _, c := range e.ledger.Closed(10) {
			if c.ID == trade.ID {
				res.Trade = c
				break
			}
		}
	}

	e.metrics.IncExecution(string(res.Status))
	payload := monitor.ExecutionPayload{
		TradeID:    trade.ID,
		Symbol:     req.Symbol,
		VenueLong:  req.LongVenue,
		VenueShort: req.ShortVenue,
		Requested:  p.qty,
		Filled:     res.FilledQty,
		Status:     string(res.Status),
		State:      string(res.Trade.State),
		OrderIDs:   res.OrderIDs,
		Duration:   time.Since(started).String(),
	}
	if err != nil {
		payload.Error = err.Error()
	}
	e.emit(ctx, monitor.EventExecution, payload)
	r.logger.Info("双腿执行结束",
		zap.String("status", string(res.Status)),
		zap.Float64("filled", res.FilledQty),
		zap.String("state", string(res.Trade.State)),
		zap.Duration("elapsed", time.Since(started)),
		zap.Error(err),
	)
	return res, err
}

// plan 校验请求并确定 maker 场所与对齐后的数量，任何下单之前完成。
func (e *Engine) plan(ctx context.Context, req Request) (plan, error) {
	if req.Symbol == "" || req.Qty <= 0 {
		return plan{}, fmt.Errorf("%w: symbol=%q qty=%f", ErrConfiguration, req.Symbol, req.Qty)
	}
	if req.LongVenue == req.ShortVenue {
		return plan{}, fmt.Errorf("%w: 多空场所相同 %s", ErrConfiguration, req.LongVenue)
	}
	long, ok := e.venues[req.LongVenue]
	if !ok {
		return plan{}, fmt.Errorf("%w: 未知场所 %s", ErrConfiguration, req.LongVenue)
	}
	short, ok := e.venues[req.ShortVenue]
	if !ok {
		return plan{}, fmt.Errorf("%w: 未知场所 %s", ErrConfiguration, req.ShortVenue)
	}

	longInfo, err := long.MarketInfo(ctx, req.Symbol)
	if err != nil {
		return plan{}, fmt.Errorf("%w: %s %s: %v", ErrConfiguration, req.LongVenue, req.Symbol, err)
	}
	shortInfo, err := short.MarketInfo(ctx, req.Symbol)
	if err != nil {
		return plan{}, fmt.Errorf("%w: %s %s: %v", ErrConfiguration, req.ShortVenue, req.Symbol, err)
	}

	qty := venue.AlignDownAll(req.Qty, longInfo.StepSize, shortInfo.StepSize)
	if venue.Dust(qty, longInfo) || venue.Dust(qty, shortInfo) {
		return plan{}, fmt.Errorf("%w: %s 数量 %f 对齐后低于最小下单量", ErrConfiguration, req.Symbol, req.Qty)
	}

	p := plan{
		qty:       qty,
		maker:     long,
		taker:     short,
		makerInfo: longInfo,
		takerInfo: shortInfo,
		makerSide: venue.SideBuy,
	}
	if shortInfo.MakerFee < longInfo.MakerFee {
		p.maker, p.taker = short, long
		p.makerInfo, p.takerInfo = shortInfo, longInfo
		p.makerSide = venue.SideSell
	}
	return p, nil
}

func (r *run) execute(ctx context.Context) (Result, error) {
	maker, timedOut, err := r.fillMaker(ctx)
	if err != nil {
		r.fail("maker_rejected")
		return Result{Status: StatusFailed}, err
	}

	if maker.qty <= tolerance(r.plan.makerInfo) {
		r.fail("no_fill")
		status := StatusFailed
		if timedOut {
			status = StatusTimeout
		}
		return Result{Status: status}, nil
	}

	if _, err := r.e.ledger.Transition(r.req.Symbol, []ledger.State{ledger.StateLeg1Sent}, ledger.StateLeg1Filled, func(t *ledger.Trade) {
		r.applyMaker(t, maker)
	}); err != nil {
		return Result{Status: StatusFailed}, err
	}
	r.logger.Info("maker 腿成交",
		zap.Float64("filled", maker.qty),
		zap.Float64("price", maker.price),
		zap.Bool("assumed", maker.assumed),
		zap.Bool("ghost", maker.ghost),
	)

	// 对冲与回滚不随调用方取消而中断，每一步自带时限
	legCtx := context.WithoutCancel(ctx)
	hedge, hedgeErr := r.hedge(legCtx, maker.qty)
	if hedge.qty <= tolerance(r.plan.takerInfo) {
		return r.rollback(legCtx, maker, hedgeErr)
	}
	return r.complete(legCtx, maker, hedge)
}

// fillMaker 挂 post-only 单等待成交，超时撤单后判定实际成交；
// 最多重新挂单 MaxReprices 次，之后在价差仍满足时以 taker 补足剩余数量。
func (r *run) fillMaker(ctx context.Context) (legFill, bool, error) {
	p := r.plan
	var fill legFill
	timedOut := false

	waitCtx, stop := r.e.interruptible(ctx)
	defer stop()

	r.makerBase = r.e.baseline(ctx, p.maker, r.req.Symbol)
	if _, err := r.e.ledger.Transition(r.req.Symbol, []ledger.State{ledger.StatePending}, ledger.StateLeg1Sent, nil); err != nil {
		return fill, false, err
	}

	for round := 0; round <= r.e.cfg.MaxReprices; round++ {
		remaining := venue.AlignDownAll(p.qty-fill.qty, p.makerInfo.StepSize, p.takerInfo.StepSize)
		if venue.Dust(remaining, p.makerInfo) || waitCtx.Err() != nil {
			break
		}

		ref, depth, err := r.placeMaker(waitCtx, remaining)
		if err != nil {
			if fill.last.IsZero() {
				return fill, false, fmt.Errorf("execution: %s maker 下单失败: %w", r.req.Symbol, err)
			}
			r.logger.Warn("重新挂单失败，按已成交数量继续", zap.Error(err))
			break
		}

		final, outcome := r.waitMaker(waitCtx, ref, depth)
		base := r.makerBase
		base.SignedQty += fill.qty * p.makerSide.Sign()
		res := r.e.settle(ctx, p.maker, final, base, true)
		fill.add(final, res)
		r.recordMaker(fill)

		r.logger.Info("maker 单结束",
			zap.Int("round", round),
			zap.String("order_id", ref.OrderID),
			zap.Float64("filled", res.FilledQty),
			zap.String("confidence", string(res.Confidence)),
			zap.String("outcome", outcome.String()),
		)
		if outcome == waitTimeout {
			timedOut = true
		}
		if outcome == waitInterrupted {
			return fill, timedOut, nil
		}
	}

	remaining := venue.AlignDownAll(p.qty-fill.qty, p.makerInfo.StepSize, p.takerInfo.StepSize)
	if timedOut && r.e.cfg.EscalateToTaker && !venue.Dust(remaining, p.makerInfo) && waitCtx.Err() == nil {
		r.escalate(ctx, &fill, remaining)
	}
	return fill, timedOut, nil
}

// placeMaker 在盘口挂 post-only 单，会穿越盘口时每次再远离一个 tick。
func (r *run) placeMaker(ctx context.Context, qty float64) (venue.OrderRef, float64, error) {
	p := r.plan
	price, depth := r.req.PriceHint, 0.0
	if book, err := p.maker.GetOrderBook(ctx, r.req.Symbol); err == nil {
		if touch := book.Touch(p.makerSide); touch > 0 {
			price = touch
		}
		depth = book.DepthNotional(p.makerSide, 5)
	} else {
		r.logger.Warn("获取订单簿失败，使用参考价", zap.Error(err))
	}
	if price <= 0 {
		return venue.OrderRef{}, 0, fmt.Errorf("execution: %s 无可用价格: %w", r.req.Symbol, venue.ErrInsufficientLiquidity)
	}
	away := -1
	if p.makerSide == venue.SideSell {
		away = 1
	}

	for attempt := 0; ; attempt++ {
		req := venue.OrderRequest{
			Symbol:        r.req.Symbol,
			Side:          p.makerSide,
			Qty:           qty,
			Price:         venue.RoundToTick(price, p.makerInfo.TickSize, p.makerSide),
			TIF:           venue.TIFPostOnly,
			ClientOrderID: uuid.NewString(),
		}
		r.trackMaker(req)
		ref, err := p.maker.PlaceOrder(ctx, req)
		if err == nil {
			r.orderIDs = append(r.orderIDs, orderID(ref))
			return ref, depth, nil
		}
		if !errors.Is(err, venue.ErrPostOnlyWouldCross) || attempt >= r.e.cfg.PostOnlyRetries {
			return venue.OrderRef{}, 0, err
		}
		r.logger.Debug("post-only 会穿越盘口，远离一个 tick 重挂", zap.Float64("price", req.Price))
		price = venue.ShiftTicks(req.Price, p.makerInfo.TickSize, away)
	}
}

type waitOutcome int

const (
	waitDone waitOutcome = iota
	waitTimeout
	waitInterrupted
)

func (o waitOutcome) String() string {
	switch o {
	case waitTimeout:
		return "timeout"
	case waitInterrupted:
		return "interrupted"
	default:
		return "done"
	}
}

// waitMaker 轮询订单直到成交、终结、状态不明、超时或被打断。
func (r *run) waitMaker(ctx context.Context, ref venue.OrderRef, depth float64) (venue.OrderRef, waitOutcome) {
	if ref.Status.Terminal() || ref.Status.Ambiguous() {
		return ref, waitDone
	}
	timeout := r.e.makerTimeout(ref.RequestedQty*ref.RequestedPrice, depth)
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(r.e.cfg.PollInterval)
	defer ticker.Stop()

	cur := ref
	for {
		select {
		case <-ctx.Done():
			return cur, waitInterrupted
		case <-deadline.C:
			return cur, waitTimeout
		case <-ticker.C:
		}
		status, err := r.plan.maker.GetOrderStatus(ctx, cur)
		if err != nil {
			if ctx.Err() != nil {
				return cur, waitInterrupted
			}
			r.logger.Debug("查询 maker 单失败", zap.Error(err))
			continue
		}
		cur = status
		if cur.Status.Terminal() || cur.Status.Ambiguous() {
			return cur, waitDone
		}
	}
}

// makerTimeout 名义价值相对同侧挂单深度越大，排队越久。
func (e *Engine) makerTimeout(notional, depth float64) time.Duration {
	if depth <= 0 {
		return e.cfg.MakerTimeoutMax
	}
	d := time.Duration(float64(e.cfg.MakerTimeout) * (1 + notional/depth))
	if d < e.cfg.MakerTimeoutMin {
		d = e.cfg.MakerTimeoutMin
	}
	if d > e.cfg.MakerTimeoutMax {
		d = e.cfg.MakerTimeoutMax
	}
	return d
}

// escalate 价差仍满足门槛时，在 maker 场所以 IOC 补足剩余数量。
func (r *run) escalate(ctx context.Context, fill *legFill, remaining float64) {
	p := r.plan
	if r.e.edge != nil {
		ok, err := r.e.edge.StillProfitable(ctx, r.req)
		if err != nil || !ok {
			r.logger.Info("价差不再满足门槛，放弃升级为 taker",
				zap.Float64("remaining", remaining),
				zap.NamedError("reason", errors.Join(ErrEdgeDegraded, err)),
			)
			return
		}
	}
	base := r.makerBase
	base.SignedQty += fill.qty * p.makerSide.Sign()
	ref, res, err := r.e.ioc(ctx, iocOrder{
		ad:       p.maker,
		info:     p.makerInfo,
		symbol:   r.req.Symbol,
		side:     p.makerSide,
		qty:      remaining,
		slippage: r.e.cfg.EscalateSlippage,
		hint:     r.req.PriceHint,
		base:     base,
		onSend:   r.trackMaker,
	})
	if err != nil {
		r.logger.Warn("升级 taker 下单失败", zap.Error(err))
		return
	}
	r.orderIDs = append(r.orderIDs, orderID(ref))
	fill.add(ref, res)
	r.recordMaker(*fill)
	r.logger.Info("剩余数量已升级为 taker", zap.Float64("filled", res.FilledQty))
}

// trackMaker 下单前把 client id 写入账本，崩溃后也能追溯已发出的订单。
func (r *run) trackMaker(req venue.OrderRequest) {
	_, err := r.e.ledger.Transition(r.req.Symbol, []ledger.State{ledger.StateLeg1Sent}, ledger.StateLeg1Sent, func(t *ledger.Trade) {
		t.MakerOrderIDs = append(t.MakerOrderIDs, req.ClientOrderID)
		if t.Leg1.IsZero() {
			t.Leg1 = venue.OrderRef{
				Venue:          r.plan.maker.Name(),
				ClientOrderID:  req.ClientOrderID,
				Symbol:         req.Symbol,
				Side:           req.Side,
				RequestedQty:   req.Qty,
				RequestedPrice: req.Price,
				TIF:            req.TIF,
				Status:         venue.StatusPending,
				CreatedAt:      time.Now().UTC(),
			}
		}
	})
	if err != nil {
		r.logger.Warn("记录 maker 订单失败", zap.Error(err))
	}
}

func (r *run) recordMaker(fill legFill) {
	_, err := r.e.ledger.Transition(r.req.Symbol, []ledger.State{ledger.StateLeg1Sent}, ledger.StateLeg1Sent, func(t *ledger.Trade) {
		r.applyMaker(t, fill)
	})
	if err != nil {
		r.logger.Warn("更新 maker 成交失败", zap.Error(err))
	}
}

func (r *run) applyMaker(t *ledger.Trade, fill legFill) {
	t.Leg1 = fill.ref()
	setLeg(t, r.plan.maker.Name(), fill.qty, fill.price)
	t.IsGhost = t.IsGhost || fill.ghost
	if fill.assumed {
		t.Flagged = true
		if t.Alert == "" {
			t.Alert = ledger.AlertAssumedFill
		}
	}
}

// fail 将尚未成交的交易标记为 FAILED。
func (r *run) fail(reason string) {
	_, err := r.e.ledger.Transition(r.req.Symbol, []ledger.State{ledger.StatePending, ledger.StateLeg1Sent}, ledger.StateFailed, func(t *ledger.Trade) {
		t.ExitReason = reason
	})
	if err != nil {
		r.logger.Warn("标记交易失败状态出错", zap.Error(err))
	}
}

// setLeg 按场所写入多头或空头腿的数量与价格。
func setLeg(t *ledger.Trade, venueName string, qty, price float64) {
	if venueName == t.VenueLong {
		t.QtyLong = qty
		if price > 0 {
			t.EntryPriceLong = price
		}
		return
	}
	t.QtyShort = qty
	if price > 0 {
		t.EntryPriceShort = price
	}
}

func orderID(ref venue.OrderRef) string {
	if ref.OrderID != "" {
		return ref.OrderID
	}
	return ref.ClientOrderID
}
