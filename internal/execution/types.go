package execution

import (
	"context"
	"errors"

	"funding-arb/internal/ledger"
)

var (
	// ErrConfiguration 参数或交易对配置错误，在下单前直接失败。
	ErrConfiguration = errors.New("execution: configuration error")
	// ErrShuttingDown 引擎已进入退出流程，不再接受新执行。
	ErrShuttingDown = errors.New("execution: shutting down")
	// ErrUnhedgedExposure maker 腿已成交但对冲与回滚都无法确认平仓。
	ErrUnhedgedExposure = errors.New("execution: unhedged exposure")
	// ErrEdgeDegraded 实时价差已不满足升级为 taker 的门槛。
	ErrEdgeDegraded = errors.New("execution: edge degraded")
)

// Status 执行结果状态。
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusTimeout Status = "TIMEOUT"
	StatusFailed  Status = "FAILED"
)

// Request 一次双腿建仓请求。
type Request struct {
	Symbol     string
	LongVenue  string
	ShortVenue string
	Qty        float64
	// PriceHint 订单簿不可用时的参考价。
	PriceHint float64
}

// Result 执行结果。FilledQty 为最终对冲完成的数量。
type Result struct {
	TradeID   string
	Status    Status
	FilledQty float64
	OrderIDs  []string
	Unhedged  bool
	Trade     ledger.Trade
}

// EdgeChecker 判断当前是否仍值得以 taker 完成剩余 maker 数量。
type EdgeChecker interface {
	StillProfitable(ctx context.Context, req Request) (bool, error)
}

// EdgeFunc 函数适配器。
type EdgeFunc func(ctx context.Context, req Request) (bool, error)

// StillProfitable 实现 EdgeChecker。
func (f EdgeFunc) StillProfitable(ctx context.Context, req Request) (bool, error) {
	return f(ctx, req)
}
