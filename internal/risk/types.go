package risk

import (
	"time"

	"funding-arb/internal/ledger"
)

// StatusType 描述风险评估结果状态。
type StatusType string

const (
	StatusProceed StatusType = "proceed"
	StatusDeny    StatusType = "deny"
)

// EvaluationInput 为开仓前风险评估输入。
type EvaluationInput struct {
	Symbol   string
	Notional float64
	// Open 当前未结束交易快照。
	Open      []ledger.Trade
	Timestamp time.Time
}

// DailyStatus 表示当日风控状态。
type DailyStatus struct {
	TradingDate string
	RealizedPnL float64
	Halted      bool
}

// EvaluationResult 为风险评估输出。
type EvaluationResult struct {
	Symbol      string
	Status      StatusType
	Notes       []string
	DailyStatus DailyStatus
}

// Allowed 是否允许开仓。
func (r EvaluationResult) Allowed() bool {
	return r.Status == StatusProceed
}
