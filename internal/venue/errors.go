package venue

import (
	"context"
	"errors"
)

var (
	// ErrTransient 网络抖动、限流等可重试错误。
	ErrTransient = errors.New("venue: transient error")

	// ErrMaintenance 表示场所处于维护状态，需要上层跳过交易。
	ErrMaintenance = errors.New("venue: on maintenance")

	// ErrOrderNotFound 场所不认识该订单。
	ErrOrderNotFound = errors.New("venue: order not found")

	// ErrPostOnlyWouldCross 只做 maker 的订单会立即成交而被拒。
	ErrPostOnlyWouldCross = errors.New("venue: post-only order would cross")

	ErrRejected = errors.New("venue: order rejected")

	ErrInsufficientLiquidity = errors.New("venue: insufficient liquidity")

	ErrInvalidSymbol = errors.New("venue: invalid symbol")

	// ErrBelowMinNotional 数量或名义价值低于场所下限，平仓时通常是残留碎仓。
	ErrBelowMinNotional = errors.New("venue: below minimum size")
)

// IsRetryable 判断错误是否可重试。
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return errors.Is(err, ErrTransient)
}
