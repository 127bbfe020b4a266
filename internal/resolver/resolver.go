// Package resolver 将状态不明的订单判定为可信的成交数量。
//
// 场所返回 NOT_FOUND 时订单可能已撤销，也可能已成交后归档。判定依据两条
// 独立证据：成交历史中属于该订单的记录，以及订单生命周期内的持仓变化。
// 两者都干净才认定为零成交；任一证据无法获取时偏向“可能已成交”。
package resolver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"funding-arb/internal/config"
	"funding-arb/internal/gate"
	"funding-arb/internal/venue"
)

// Confidence 判定结果的可信度。
type Confidence string

const (
	// ConfidenceDirect 场所直接给出的终态与成交量。
	ConfidenceDirect Confidence = "DIRECT"
	// ConfidenceDerived 由成交历史与持仓变化推导。
	ConfidenceDerived Confidence = "DERIVED"
	// ConfidenceAssumed 证据不足，按请求数量假定已成交。
	ConfidenceAssumed Confidence = "ASSUMED"
)

const qtyEpsilon = 1e-9

// Baseline 下单前的持仓快照，用于计算持仓变化。
type Baseline struct {
	Known     bool
	SignedQty float64
	Since     time.Time
}

// Resolution 判定结果。
type Resolution struct {
	FilledQty  float64
	AvgPrice   float64
	Fee        float64
	Confidence Confidence
	Status     venue.OrderStatus
	// Ghost 场所报告撤销或查无此单，但实际有成交。
	Ghost bool
}

// Resolver 订单结果判定器。
type Resolver struct {
	cfg    config.ResolverConfig
	logger *zap.Logger
}

// New 创建 Resolver。
func New(cfg config.ResolverConfig, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StatusRetries <= 0 {
		cfg.StatusRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 5 * time.Second
	}
	if cfg.FillLookback <= 0 {
		cfg.FillLookback = 10 * time.Minute
	}
	return &Resolver{cfg: cfg, logger: logger}
}

// Resolve 判定订单最终成交情况。调用方应已发出撤单，未终结的订单会在
// confirm_timeout 内轮询。返回的 error 仅表示 ctx 被取消，其余失败都体现在
// Confidence 上。
func (r *Resolver) Resolve(ctx context.Context, ad venue.Adapter, ref venue.OrderRef, base Baseline) (Resolution, error) {
	deadline := time.Now().Add(r.cfg.ConfirmTimeout)
	cur := ref

	for {
		status, err := r.status(ctx, ad, cur)
		if err != nil {
			if ctx.Err() != nil {
				return Resolution{}, fmt.Errorf("resolver: %w", ctx.Err())
			}
			r.logger.Warn("订单状态查询失败，转入交叉核对",
				zap.String("venue", ad.Name()),
				zap.String("order_id", ref.OrderID),
				zap.Error(err),
			)
			return r.crossCheck(ctx, ad, ref, base, venue.StatusUnknown), nil
		}
		cur = status

		switch {
		case status.Status == venue.StatusFilled:
			filled := status.FilledQty
			if filled <= 0 {
				filled = ref.RequestedQty
			}
			return Resolution{
				FilledQty:  filled,
				AvgPrice:   priceOr(status.AvgFillPrice, ref.RequestedPrice),
				Fee:        status.Fee,
				Confidence: ConfidenceDirect,
				Status:     status.Status,
			}, nil
		case status.Status.Terminal():
			return Resolution{
				FilledQty:  status.FilledQty,
				AvgPrice:   priceOr(status.AvgFillPrice, ref.RequestedPrice),
				Fee:        status.Fee,
				Confidence: ConfidenceDirect,
				Status:     status.Status,
			}, nil
		case status.Status.Ambiguous():
			return r.crossCheck(ctx, ad, ref, base, status.Status), nil
		}

		if !time.Now().Before(deadline) {
			// 超时仍在簿上：撤单未生效，按剩余量可能成交处理
			r.logger.Warn("订单确认超时仍处于活动状态",
				zap.String("venue", ad.Name()),
				zap.String("order_id", ref.OrderID),
				zap.String("status", string(status.Status)),
				zap.Float64("filled", status.FilledQty),
			)
			return Resolution{
				FilledQty:  ref.RequestedQty,
				AvgPrice:   priceOr(status.AvgFillPrice, ref.RequestedPrice),
				Fee:        status.Fee,
				Confidence: ConfidenceAssumed,
				Status:     status.Status,
			}, nil
		}

		if err := sleep(ctx, r.cfg.RetryDelay); err != nil {
			return Resolution{}, fmt.Errorf("resolver: %w", err)
		}
	}
}

func (r *Resolver) status(ctx context.Context, ad venue.Adapter, ref venue.OrderRef) (venue.OrderRef, error) {
	var lastErr error
	for attempt := 0; attempt < r.cfg.StatusRetries; attempt++ {
		status, err := ad.GetOrderStatus(ctx, ref)
		if err == nil {
			return status, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return ref, ctx.Err()
		}
		if attempt < r.cfg.StatusRetries-1 {
			if err := sleep(ctx, r.cfg.RetryDelay); err != nil {
				return ref, err
			}
		}
	}
	return ref, lastErr
}

// crossCheck 订单状态不可信时，用成交历史与持仓变化推导成交量。
func (r *Resolver) crossCheck(ctx context.Context, ad venue.Adapter, ref venue.OrderRef, base Baseline, status venue.OrderStatus) Resolution {
	since := base.Since
	if since.IsZero() {
		since = ref.CreatedAt
	}
	if since.IsZero() {
		since = time.Now().Add(-r.cfg.FillLookback)
	}
	// 交易所时间戳与本地时钟存在偏差
	since = since.Add(-5 * time.Second)

	fillQty, fillPrice, fillFee, fillsErr := r.fillsFor(ctx, ad, ref, since)

	posQty, posKnown := 0.0, false
	var posErr error
	if base.Known {
		positions, err := ad.GetPositions(gate.Fresh(ctx))
		if err != nil {
			posErr = err
		} else {
			delta := (venue.SignedQty(positions, ref.Symbol) - base.SignedQty) * ref.Side.Sign()
			posQty = clamp(delta, 0, ref.RequestedQty)
			posKnown = true
		}
	} else {
		posErr = errors.New("resolver: 缺少下单前持仓快照")
	}

	fields := []zap.Field{
		zap.String("venue", ad.Name()),
		zap.String("symbol", ref.Symbol),
		zap.String("order_id", ref.OrderID),
		zap.String("client_order_id", ref.ClientOrderID),
		zap.String("status", string(status)),
		zap.Float64("fills_qty", fillQty),
		zap.Float64("position_qty", posQty),
	}

	if fillsErr != nil || !posKnown {
		// 至少一条证据缺失：有成交证据时取较大值，否则按请求量假定已成交
		if fillQty > qtyEpsilon || posQty > qtyEpsilon {
			filled := math.Max(fillQty, posQty)
			r.logger.Warn("订单状态不明，部分证据缺失，按已有证据推导", append(fields,
				zap.NamedError("fills_error", fillsErr),
				zap.NamedError("position_error", posErr),
			)...)
			return Resolution{
				FilledQty:  filled,
				AvgPrice:   priceOr(fillPrice, ref.RequestedPrice),
				Fee:        fillFee,
				Confidence: ConfidenceDerived,
				Status:     status,
				Ghost:      true,
			}
		}
		r.logger.Warn("订单状态不明且无法核对，假定按请求数量成交", append(fields,
			zap.NamedError("fills_error", fillsErr),
			zap.NamedError("position_error", posErr),
		)...)
		return Resolution{
			FilledQty:  ref.RequestedQty,
			AvgPrice:   ref.RequestedPrice,
			Confidence: ConfidenceAssumed,
			Status:     status,
		}
	}

	filled := math.Max(fillQty, posQty)
	if filled <= qtyEpsilon {
		r.logger.Info("订单确认未成交", fields...)
		return Resolution{
			FilledQty:  0,
			AvgPrice:   ref.RequestedPrice,
			Confidence: ConfidenceDerived,
			Status:     status,
		}
	}

	r.logger.Warn("发现幽灵成交", fields...)
	return Resolution{
		FilledQty:  filled,
		AvgPrice:   priceOr(fillPrice, ref.RequestedPrice),
		Fee:        fillFee,
		Confidence: ConfidenceDerived,
		Status:     status,
		Ghost:      true,
	}
}

func (r *Resolver) fillsFor(ctx context.Context, ad venue.Adapter, ref venue.OrderRef, since time.Time) (qty, price, fee float64, err error) {
	fills, err := ad.GetFills(ctx, ref.Symbol, since)
	if err != nil {
		return 0, 0, 0, err
	}
	notional := 0.0
	for _, f := range fills {
		if !belongs(f, ref) {
			continue
		}
		qty += f.Qty
		notional += f.Qty * f.Price
		fee += f.Fee
	}
	if qty > 0 {
		price = notional / qty
	}
	return clamp(qty, 0, ref.RequestedQty), price, fee, nil
}

// belongs 成交是否属于该订单。场所可能返回转换过格式的 client id。
func belongs(f venue.Fill, ref venue.OrderRef) bool {
	if ref.OrderID != "" && f.OrderID == ref.OrderID {
		return true
	}
	if ref.ClientOrderID == "" || f.ClientOrderID == "" {
		return false
	}
	return normalizeClientID(f.ClientOrderID) == normalizeClientID(ref.ClientOrderID)
}

func normalizeClientID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	id = strings.TrimPrefix(id, "0x")
	return strings.ReplaceAll(id, "-", "")
}

func clamp(v, lo, hi float64) float64 {
	if hi > 0 && v > hi {
		v = hi
	}
	if v < lo {
		v = lo
	}
	return v
}

func priceOr(p, fallback float64) float64 {
	if p > 0 {
		return p
	}
	return fallback
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
