package execution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"funding-arb/internal/gate"
	"funding-arb/internal/ledger"
	"funding-arb/internal/monitor"
	"funding-arb/internal/venue"
)

// CloseOutcome 一条腿的平仓结果。
type CloseOutcome struct {
	Venue    string
	Symbol   string
	Side     venue.Side
	Target   float64
	Filled   float64
	Price    float64
	Fee      float64
	Residual float64
	// Dust 剩余数量低于场所最小下单量，被拒绝不视为失败。
	Dust bool
	Err  error
}

// Closed 剩余数量已可忽略。
func (o CloseOutcome) Closed() bool {
	return o.Err == nil && (o.Residual <= 0 || o.Dust)
}

// ForceCloseResult 强制平仓结果。
type ForceCloseResult struct {
	Trade ledger.Trade
	Legs  []CloseOutcome
}

// DustRejected 被场所以最小下单量拒绝的腿数。
func (r ForceCloseResult) DustRejected() int {
	n := 0
	for _, leg := range r.Legs {
		if leg.Dust && leg.Residual > 0 {
			n++
		}
	}
	return n
}

// Close 正常平仓：COMPLETE -> CLOSING，两腿并行 reduce-only IOC，全部平掉后结算为 CLOSED。
// 任一腿未能平掉时交易保持 CLOSING 并标记，扫描器与对账会按账本剩余数量重试。
// 对 CLOSING 的交易重试时 reason 为空则沿用原平仓原因。
func (e *Engine) Close(ctx context.Context, symbol, reason string) (ledger.Trade, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if err := e.enter(); err != nil {
		return ledger.Trade{}, err
	}
	defer e.leave()
	if err := e.lock(ctx, symbol); err != nil {
		return ledger.Trade{}, err
	}
	defer e.locks.Unlock(symbol)
	return e.closeTrade(ctx, symbol, reason)
}

// CloseHeld 同 Close，调用方已持有该交易对的锁。
func (e *Engine) CloseHeld(ctx context.Context, symbol, reason string) (ledger.Trade, error) {
	return e.closeTrade(ctx, strings.ToUpper(strings.TrimSpace(symbol)), reason)
}

func (e *Engine) closeTrade(ctx context.Context, symbol, reason string) (ledger.Trade, error) {
	e.touch(symbol)
	defer e.touch(symbol)

	t, err := e.ledger.Transition(symbol, []ledger.State{ledger.StateComplete, ledger.StateClosing}, ledger.StateClosing, func(t *ledger.Trade) {
		if reason != "" || t.ExitReason == "" {
			t.ExitReason = reason
		}
	})
	if err != nil {
		return ledger.Trade{}, err
	}

	legCtx := context.WithoutCancel(ctx)
	legs := e.closeLegs(legCtx, t, false)
	long, short := legs[0], legs[1]

	if !long.Closed() || !short.Closed() {
		flagged, ferr := e.ledger.Transition(symbol, []ledger.State{ledger.StateClosing}, ledger.StateClosing, func(t *ledger.Trade) {
			t.QtyLong = long.Residual
			t.QtyShort = short.Residual
			t.Flagged = true
			if math.Abs(long.Residual-short.Residual) > 0 {
				t.Alert = ledger.AlertFailedUnhedged
			}
		})
		if ferr != nil {
			e.logger.Error("标记平仓残留失败", zap.String("symbol", symbol), zap.Error(ferr))
		}
		err := fmt.Errorf("execution: %s 平仓未完成 long=%.8f short=%.8f", symbol, long.Residual, short.Residual)
		if legErr := errors.Join(long.Err, short.Err); legErr != nil {
			err = fmt.Errorf("%w: %w", err, legErr)
		}
		if flagged.Alert == ledger.AlertFailedUnhedged {
			e.metrics.IncUnhedged()
			e.emit(ctx, monitor.EventUnhedgedExposure, monitor.UnhedgedPayload{
				TradeID: t.ID,
				Symbol:  symbol,
				Venue:   residualVenue(long, short),
				Qty:     math.Abs(long.Residual - short.Residual),
				Reason:  "平仓一腿未完成",
			})
			err = fmt.Errorf("%w: %w", ErrUnhedgedExposure, err)
		}
		return flagged, err
	}

	closed, err := e.ledger.Close(symbol, exitPrice(long, t.EntryPriceLong), exitPrice(short, t.EntryPriceShort), t.FundingCollected, long.Fee+short.Fee)
	if err != nil {
		return ledger.Trade{}, err
	}
	e.emitClose(ctx, closed)
	e.logger.Info("交易已平仓",
		zap.String("symbol", symbol),
		zap.String("trade_id", closed.ID),
		zap.String("reason", closed.ExitReason),
		zap.Float64("realized_pnl", closed.RealizedPnL),
		zap.Float64("funding", closed.FundingCollected),
	)
	return closed, nil
}

// ForceClose 退出流程使用：任意状态下按场所实际持仓平掉两腿并关闭账本记录。
// 碎仓被拒只记日志；非碎仓未能平掉时记录仍会关闭，但会标记告警，残留持仓由下次启动的对账处理。
func (e *Engine) ForceClose(ctx context.Context, symbol, reason string) (ForceCloseResult, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if err := e.lock(ctx, symbol); err != nil {
		return ForceCloseResult{}, err
	}
	defer e.locks.Unlock(symbol)
	return e.ForceCloseHeld(ctx, symbol, reason)
}

// ForceCloseHeld 同 ForceClose，调用方已持有该交易对的锁。
func (e *Engine) ForceCloseHeld(ctx context.Context, symbol, reason string) (ForceCloseResult, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	e.touch(symbol)

	t, ok := e.ledger.Get(symbol)
	if !ok {
		return ForceCloseResult{}, fmt.Errorf("execution: %w: %s", ledger.ErrTradeNotFound, symbol)
	}

	legs := e.closeLegs(context.WithoutCancel(ctx), t, true)
	long, short := legs[0], legs[1]
	var legErr error
	for _, leg := range legs {
		if leg.Err != nil && !leg.Dust {
			legErr = errors.Join(legErr, fmt.Errorf("%s: %w", leg.Venue, leg.Err))
		}
	}

	closed, err := e.ledger.ForceClose(symbol, reason, func(tr *ledger.Trade) {
		// 账本数量以场所实际持仓为准
		tr.QtyLong, tr.QtyShort = long.Target, short.Target
		tr.Settle(exitPrice(long, tr.EntryPriceLong), exitPrice(short, tr.EntryPriceShort), tr.FundingCollected, long.Fee+short.Fee)
		tr.QtyLong, tr.QtyShort = long.Residual, short.Residual
		if legErr != nil {
			tr.Flagged = true
			tr.Alert = ledger.AlertFailedUnhedged
		}
	})
	if err != nil {
		return ForceCloseResult{Legs: legs}, err
	}
	e.emitClose(ctx, closed)
	return ForceCloseResult{Trade: closed, Legs: legs}, legErr
}

// Flatten 平掉一个场所上不属于任何交易的持仓。
func (e *Engine) Flatten(ctx context.Context, venueName string, pos venue.Position) (CloseOutcome, error) {
	ad, ok := e.venues[venueName]
	if !ok {
		return CloseOutcome{}, fmt.Errorf("%w: 未知场所 %s", ErrConfiguration, venueName)
	}
	info, err := ad.MarketInfo(ctx, pos.Symbol)
	if err != nil {
		return CloseOutcome{}, fmt.Errorf("execution: %s %s 合约信息: %w", venueName, pos.Symbol, err)
	}
	out := e.closePosition(context.WithoutCancel(ctx), ad, info, pos.Symbol, pos.Side, pos.Qty, pos.MarkPrice)
	if out.Err != nil && !out.Dust {
		return out, out.Err
	}
	return out, nil
}

// closeLegs 并行平掉两腿。actual 为 true 时按场所实际持仓，否则按账本数量。
func (e *Engine) closeLegs(ctx context.Context, t ledger.Trade, actual bool) []CloseOutcome {
	legs := []struct {
		venue string
		side  venue.Side
		qty   float64
		hint  float64
	}{
		{t.VenueLong, venue.SideBuy, t.QtyLong, t.EntryPriceLong},
		{t.VenueShort, venue.SideSell, t.QtyShort, t.EntryPriceShort},
	}
	out := make([]CloseOutcome, len(legs))

	var g errgroup.Group
	for i, leg := range legs {
		g.Go(func() error {
			res := CloseOutcome{Venue: leg.venue, Symbol: t.Symbol, Side: leg.side}
			ad, ok := e.venues[leg.venue]
			if !ok {
				res.Err = fmt.Errorf("%w: 未知场所 %s", ErrConfiguration, leg.venue)
				out[i] = res
				return nil
			}
			qty := leg.qty
			if actual {
				positions, err := ad.GetPositions(gate.Fresh(ctx))
				if err != nil {
					e.logger.Warn("查询实际持仓失败，按账本数量平仓", zap.String("venue", leg.venue), zap.Error(err))
				} else {
					qty = 0
					if pos, ok := venue.FindPosition(positions, t.Symbol, 0); ok && pos.Side == leg.side {
						qty = pos.Qty
					}
				}
			}
			if qty <= 0 {
				out[i] = res
				return nil
			}
			info, err := ad.MarketInfo(ctx, t.Symbol)
			if err != nil {
				res.Target, res.Residual, res.Err = qty, qty, err
				out[i] = res
				return nil
			}
			out[i] = e.closePosition(ctx, ad, info, t.Symbol, leg.side, qty, leg.hint)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// closePosition reduce-only IOC 平仓，滑点逐次放大，次数有限。
func (e *Engine) closePosition(ctx context.Context, ad venue.Adapter, info venue.MarketInfo, symbol string, side venue.Side, qty, hint float64) CloseOutcome {
	out := CloseOutcome{Venue: ad.Name(), Symbol: symbol, Side: side, Target: qty, Residual: qty}
	closeSide := side.Opposite()
	slippage := e.cfg.CloseSlippage
	maxSlippage := math.Max(e.cfg.CloseMaxSlippage, e.cfg.CloseSlippage)
	step := (maxSlippage - slippage) / math.Max(float64(e.cfg.CloseAttempts-1), 1)
	notional := 0.0

	base := e.baseline(ctx, ad, symbol)
	for attempt := 1; attempt <= e.cfg.CloseAttempts; attempt++ {
		// 低于最小下单量的碎仓仍然尝试 reduce-only，由场所决定是否接受
		remaining := venue.AlignDown(out.Residual, info.StepSize)
		if remaining <= 0 {
			if out.Residual > 0 {
				out.Dust = true
			}
			break
		}
		b := base
		b.SignedQty -= out.Filled * side.Sign()
		ref, res, err := e.ioc(ctx, iocOrder{
			ad:         ad,
			info:       info,
			symbol:     symbol,
			side:       closeSide,
			qty:        remaining,
			slippage:   slippage,
			reduceOnly: true,
			hint:       hint,
			base:       b,
		})
		if err != nil {
			out.Err = err
			if errors.Is(err, venue.ErrBelowMinNotional) {
				out.Dust = true
				e.logger.Warn("碎仓平仓被拒",
					zap.String("venue", ad.Name()),
					zap.String("symbol", symbol),
					zap.Float64("qty", remaining),
					zap.Error(err),
				)
				break
			}
			e.logger.Warn("平仓下单失败",
				zap.String("venue", ad.Name()),
				zap.String("symbol", symbol),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		} else {
			out.Err = nil
			filled := math.Min(res.FilledQty, remaining)
			out.Filled += filled
			out.Residual = math.Max(out.Residual-filled, 0)
			out.Fee += res.Fee
			notional += filled * res.AvgPrice
			e.logger.Debug("平仓单结束",
				zap.String("venue", ad.Name()),
				zap.String("order_id", ref.OrderID),
				zap.Float64("filled", filled),
			)
		}
		slippage = math.Min(slippage+step, maxSlippage)
	}
	if out.Filled > 0 {
		out.Price = notional / out.Filled
	}
	if out.Residual <= tolerance(info) {
		out.Residual = 0
	}
	return out
}

func (e *Engine) emitClose(ctx context.Context, t ledger.Trade) {
	e.emit(ctx, monitor.EventClose, monitor.ClosePayload{
		TradeID:     t.ID,
		Symbol:      t.Symbol,
		Reason:      t.ExitReason,
		RealizedPnL: t.RealizedPnL,
		Funding:     t.FundingCollected,
		Fees:        t.FeesPaid,
	})
}

func exitPrice(o CloseOutcome, entry float64) float64 {
	if o.Price > 0 {
		return o.Price
	}
	return entry
}

func residualVenue(long, short CloseOutcome) string {
	if long.Residual > short.Residual {
		return long.Venue
	}
	return short.Venue
}
