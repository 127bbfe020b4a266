package execution

import (
	"context"
	"fmt"
	"math"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"funding-arb/internal/gate"
	"funding-arb/internal/ledger"
	"funding-arb/internal/monitor"
	"funding-arb/internal/resolver"
	"funding-arb/internal/venue"
)

// iocOrder 一笔带滑点保护的吃单。
type iocOrder struct {
	ad         venue.Adapter
	info       venue.MarketInfo
	symbol     string
	side       venue.Side
	qty        float64
	slippage   float64
	reduceOnly bool
	hint       float64
	base       resolver.Baseline
	onSend     func(venue.OrderRequest)
}

// ioc 以对手价加滑点发出 IOC 单并判定实际成交。
func (e *Engine) ioc(ctx context.Context, o iocOrder) (venue.OrderRef, resolver.Resolution, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.cfg.TakerFillTimeout)
	defer cancel()

	ref := o.hint
	if book, err := o.ad.GetOrderBook(gate.Fresh(callCtx), o.symbol); err == nil {
		if far := book.Far(o.side); far > 0 {
			ref = far
		}
	}
	if ref <= 0 {
		return venue.OrderRef{}, resolver.Resolution{}, fmt.Errorf("execution: %s %s 无可用价格: %w", o.ad.Name(), o.symbol, venue.ErrInsufficientLiquidity)
	}

	req := venue.OrderRequest{
		Symbol:        o.symbol,
		Side:          o.side,
		Qty:           o.qty,
		Price:         venue.SlippagePrice(ref, o.side, o.slippage, o.info.TickSize),
		TIF:           venue.TIFIOC,
		ReduceOnly:    o.reduceOnly,
		ClientOrderID: uuid.NewString(),
	}
	if o.onSend != nil {
		o.onSend(req)
	}
	placed, err := o.ad.PlaceOrder(callCtx, req)
	if err != nil {
		return venue.OrderRef{}, resolver.Resolution{}, err
	}
	return placed, e.settle(ctx, o.ad, placed, o.base, false), nil
}

// hedge 在 taker 场所按 maker 实际成交量对冲，未成交部分按递增滑点重试。
// 下单数量永远不超过 target 减去已对冲数量。
func (r *run) hedge(ctx context.Context, target float64) (legFill, error) {
	p := r.plan
	side := p.makerSide.Opposite()
	var fill legFill
	var lastErr error

	if _, err := r.e.ledger.Transition(r.req.Symbol, []ledger.State{ledger.StateLeg1Filled}, ledger.StateLeg2Sent, nil); err != nil {
		return fill, err
	}

	attempts := r.e.cfg.HedgeAttempts
	if r.e.Draining() {
		attempts = 1
	}
	base := r.e.baseline(ctx, p.taker, r.req.Symbol)
	slippage := r.e.cfg.HedgeSlippage

	for attempt := 1; attempt <= attempts; attempt++ {
		remaining := venue.AlignDown(target-fill.qty, p.takerInfo.StepSize)
		if venue.Dust(remaining, p.takerInfo) {
			break
		}
		b := base
		b.SignedQty += fill.qty * side.Sign()
		ref, res, err := r.e.ioc(ctx, iocOrder{
			ad:       p.taker,
			info:     p.takerInfo,
			symbol:   r.req.Symbol,
			side:     side,
			qty:      remaining,
			slippage: slippage,
			hint:     r.req.PriceHint,
			base:     b,
			onSend:   r.trackTaker,
		})
		if err != nil {
			lastErr = err
			r.logger.Warn("对冲下单失败",
				zap.Int("attempt", attempt),
				zap.Float64("qty", remaining),
				zap.Float64("slippage", slippage),
				zap.Error(err),
			)
		} else {
			r.orderIDs = append(r.orderIDs, orderID(ref))
			fill.add(ref, res)
			r.recordTaker(fill)
			r.logger.Info("对冲单结束",
				zap.Int("attempt", attempt),
				zap.Float64("qty", remaining),
				zap.Float64("filled", res.FilledQty),
				zap.String("confidence", string(res.Confidence)),
			)
		}
		slippage = math.Min(slippage+r.e.cfg.HedgeSlippageStep, math.Max(r.e.cfg.HedgeMaxSlippage, r.e.cfg.HedgeSlippage))
	}
	return fill, lastErr
}

func (r *run) trackTaker(req venue.OrderRequest) {
	_, err := r.e.ledger.Transition(r.req.Symbol, []ledger.State{ledger.StateLeg2Sent}, ledger.StateLeg2Sent, func(t *ledger.Trade) {
		if t.Leg2.IsZero() {
			t.Leg2 = venue.OrderRef{
				Venue:          r.plan.taker.Name(),
				ClientOrderID:  req.ClientOrderID,
				Symbol:         req.Symbol,
				Side:           req.Side,
				RequestedQty:   req.Qty,
				RequestedPrice: req.Price,
				TIF:            req.TIF,
				Status:         venue.StatusPending,
			}
		}
	})
	if err != nil {
		r.logger.Warn("记录对冲订单失败", zap.Error(err))
	}
}

func (r *run) recordTaker(fill legFill) {
	_, err := r.e.ledger.Transition(r.req.Symbol, []ledger.State{ledger.StateLeg2Sent}, ledger.StateLeg2Sent, func(t *ledger.Trade) {
		t.Leg2 = fill.ref()
		setLeg(t, r.plan.taker.Name(), fill.qty, fill.price)
	})
	if err != nil {
		r.logger.Warn("更新对冲成交失败", zap.Error(err))
	}
}

// complete 对冲有成交。对冲不足的 maker 多余部分先减仓，两腿一致后进入 COMPLETE。
func (r *run) complete(ctx context.Context, maker, hedge legFill) (Result, error) {
	p := r.plan
	makerQty := maker.qty
	fees := maker.fee + hedge.fee
	excess := venue.AlignDown(maker.qty-hedge.qty, p.makerInfo.StepSize)

	if excess > tolerance(p.makerInfo) {
		r.logger.Warn("对冲不足，减掉 maker 多余部分",
			zap.Float64("maker", maker.qty),
			zap.Float64("hedged", hedge.qty),
			zap.Float64("excess", excess),
		)
		unwound, fee := r.unwind(ctx, excess, maker.qty, r.e.cfg.HedgeAttempts)
		makerQty -= unwound
		fees += fee
	}

	tol := math.Max(tolerance(p.makerInfo), tolerance(p.takerInfo))
	if math.Abs(makerQty-hedge.qty) > tol {
		residual := makerQty - hedge.qty
		trade, err := r.e.ledger.Transition(r.req.Symbol, []ledger.State{ledger.StateLeg2Sent}, ledger.StateLeg2Sent, func(t *ledger.Trade) {
			setLeg(t, p.maker.Name(), makerQty, maker.price)
			t.FeesPaid = fees
			t.Flagged = true
			t.Alert = ledger.AlertFailedUnhedged
		})
		if err != nil {
			r.logger.Error("标记未对冲敞口失败", zap.Error(err))
		}
		r.alertUnhedged(ctx, p.maker.Name(), residual, "对冲不足且减仓未完成")
		return Result{Status: StatusFailed, FilledQty: hedge.qty, Unhedged: true, Trade: trade},
			fmt.Errorf("%w: %s maker 残留 %.8f", ErrUnhedgedExposure, r.req.Symbol, residual)
	}

	if _, err := r.e.ledger.Transition(r.req.Symbol, []ledger.State{ledger.StateLeg2Sent}, ledger.StateComplete, func(t *ledger.Trade) {
		leg := maker
		leg.qty = makerQty
		t.Leg1 = leg.ref()
		t.Leg2 = hedge.ref()
		setLeg(t, p.maker.Name(), makerQty, maker.price)
		setLeg(t, p.taker.Name(), hedge.qty, hedge.price)
		t.FeesPaid = fees
		t.IsGhost = t.IsGhost || maker.ghost || hedge.ghost
		if maker.assumed || hedge.assumed {
			t.Flagged = true
			if t.Alert == "" {
				t.Alert = ledger.AlertAssumedFill
			}
		}
	}); err != nil {
		return Result{Status: StatusFailed, FilledQty: hedge.qty}, err
	}
	return Result{Status: StatusSuccess, FilledQty: hedge.qty}, nil
}

// unwind 在 maker 场所 reduce-only 吃单减仓 qty，held 为减仓前本交易在该场所的数量。
func (r *run) unwind(ctx context.Context, qty, held float64, attempts int) (float64, float64) {
	p := r.plan
	side := p.makerSide.Opposite()
	unwound, fees := 0.0, 0.0
	slippage := r.e.cfg.RollbackSlippage

	for attempt := 1; attempt <= attempts; attempt++ {
		remaining := venue.AlignDown(qty-unwound, p.makerInfo.StepSize)
		if venue.Dust(remaining, p.makerInfo) {
			break
		}
		base := r.makerBase
		base.SignedQty += (held - unwound) * p.makerSide.Sign()
		ref, res, err := r.e.ioc(ctx, iocOrder{
			ad:         p.maker,
			info:       p.makerInfo,
			symbol:     r.req.Symbol,
			side:       side,
			qty:        remaining,
			slippage:   slippage,
			reduceOnly: true,
			hint:       r.req.PriceHint,
			base:       base,
		})
		if err != nil {
			r.logger.Warn("减仓下单失败",
				zap.Int("attempt", attempt),
				zap.Float64("qty", remaining),
				zap.Float64("slippage", slippage),
				zap.Error(err),
			)
		} else {
			r.orderIDs = append(r.orderIDs, orderID(ref))
			unwound += math.Min(res.FilledQty, remaining)
			fees += res.Fee
		}
		slippage = math.Min(slippage+r.e.cfg.RollbackSlippageStep, math.Max(r.e.cfg.RollbackMaxSlippage, r.e.cfg.RollbackSlippage))
	}
	return unwound, fees
}

// rollback 对冲完全失败，在 maker 场所平掉已成交部分。确认持仓归零后交易
// 进入 FAILED；无法确认时保留在 ROLLBACK_IN_PROGRESS 并发出未对冲告警，交给对账处理。
func (r *run) rollback(ctx context.Context, maker legFill, cause error) (Result, error) {
	p := r.plan
	r.logger.Error("对冲失败，开始回滚 maker 腿", zap.Float64("qty", maker.qty), zap.Error(cause))

	if _, err := r.e.ledger.Transition(r.req.Symbol,
		[]ledger.State{ledger.StateLeg1Filled, ledger.StateLeg2Sent}, ledger.StateRollbackQueued, nil); err != nil {
		return Result{Status: StatusFailed}, err
	}

	delayCtx, cancel := context.WithTimeout(ctx, r.e.cfg.RollbackDelay+settleTimeout)
	_ = sleep(delayCtx, r.e.cfg.RollbackDelay)
	cancel()

	if _, err := r.e.ledger.Transition(r.req.Symbol,
		[]ledger.State{ledger.StateRollbackQueued}, ledger.StateRollbackInProgress, nil); err != nil {
		return Result{Status: StatusFailed}, err
	}

	attempts := r.e.cfg.RollbackAttempts
	unwound, fees := r.unwind(ctx, maker.qty, maker.qty, attempts)
	residual, verified := r.makerResidual(ctx, maker.qty-unwound)
	flat := verified && residual <= tolerance(p.makerInfo)

	r.e.emit(ctx, monitor.EventRollback, monitor.RollbackPayload{
		TradeID:  r.tradeID,
		Symbol:   r.req.Symbol,
		Venue:    p.maker.Name(),
		Qty:      maker.qty,
		Unwound:  unwound,
		Attempts: attempts,
		Flat:     flat,
	})

	if flat {
		r.e.metrics.IncRollback("flat")
		trade, err := r.e.ledger.Transition(r.req.Symbol,
			[]ledger.State{ledger.StateRollbackInProgress}, ledger.StateFailed, func(t *ledger.Trade) {
				setLeg(t, p.maker.Name(), 0, 0)
				setLeg(t, p.taker.Name(), 0, 0)
				t.FeesPaid = maker.fee + fees
				t.RealizedPnL = -t.FeesPaid
				t.ExitReason = "rollback"
			})
		if err != nil {
			return Result{Status: StatusFailed}, err
		}
		r.logger.Info("回滚完成，两腿持平", zap.Float64("unwound", unwound))
		return Result{Status: StatusFailed, Trade: trade}, nil
	}

	r.e.metrics.IncRollback("unhedged")
	trade, err := r.e.ledger.Transition(r.req.Symbol,
		[]ledger.State{ledger.StateRollbackInProgress}, ledger.StateRollbackInProgress, func(t *ledger.Trade) {
			setLeg(t, p.maker.Name(), residual, maker.price)
			t.FeesPaid = maker.fee + fees
			t.Flagged = true
			t.Alert = ledger.AlertFailedUnhedged
		})
	if err != nil {
		r.logger.Error("标记未对冲敞口失败", zap.Error(err))
	}
	r.alertUnhedged(ctx, p.maker.Name(), residual, "回滚无法确认持仓归零")
	err = fmt.Errorf("%w: %s %s 残留 %.8f", ErrUnhedgedExposure, r.req.Symbol, p.maker.Name(), residual)
	if cause != nil {
		err = fmt.Errorf("%w (对冲失败: %v)", err, cause)
	}
	return Result{Status: StatusFailed, Unhedged: true, Trade: trade}, err
}

// makerResidual 以 maker 场所实际持仓确认本交易剩余数量，查询失败时返回估计值与 false。
func (r *run) makerResidual(ctx context.Context, estimate float64) (float64, bool) {
	if !r.makerBase.Known {
		return estimate, false
	}
	checkCtx, cancel := context.WithTimeout(ctx, settleTimeout)
	defer cancel()
	positions, err := r.plan.maker.GetPositions(gate.Fresh(checkCtx))
	if err != nil {
		r.logger.Warn("回滚后查询持仓失败", zap.Error(err))
		return estimate, false
	}
	residual := (venue.SignedQty(positions, r.req.Symbol) - r.makerBase.SignedQty) * r.plan.makerSide.Sign()
	return math.Max(residual, 0), true
}

func (r *run) alertUnhedged(ctx context.Context, venueName string, qty float64, reason string) {
	r.e.metrics.IncUnhedged()
	r.logger.Error("未对冲敞口",
		zap.String("venue", venueName),
		zap.Float64("qty", qty),
		zap.String("reason", reason),
	)
	r.e.emit(ctx, monitor.EventUnhedgedExposure, monitor.UnhedgedPayload{
		TradeID: r.tradeID,
		Symbol:  r.req.Symbol,
		Venue:   venueName,
		Qty:     qty,
		Side:    string(r.plan.makerSide),
		Reason:  reason,
	})
}
