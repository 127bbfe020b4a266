package ledger

import (
	"time"

	"funding-arb/internal/venue"
)

// State 交易生命周期状态。
type State string

const (
	StatePending            State = "PENDING"
	StateLeg1Sent           State = "LEG1_SENT"
	StateLeg1Filled         State = "LEG1_FILLED"
	StateLeg2Sent           State = "LEG2_SENT"
	StateComplete           State = "COMPLETE"
	StateRollbackQueued     State = "ROLLBACK_QUEUED"
	StateRollbackInProgress State = "ROLLBACK_IN_PROGRESS"
	StateFailed             State = "FAILED"
	StateClosing            State = "CLOSING"
	StateClosed             State = "CLOSED"
)

// 允许的状态迁移。任意状态到 CLOSED 的强制平仓走 ForceClose。
var transitions = map[State][]State{
	StatePending:            {StateLeg1Sent, StateFailed},
	StateLeg1Sent:           {StateLeg1Filled, StateFailed},
	StateLeg1Filled:         {StateLeg2Sent, StateRollbackQueued},
	StateLeg2Sent:           {StateComplete, StateRollbackQueued},
	StateRollbackQueued:     {StateRollbackInProgress},
	StateRollbackInProgress: {StateFailed},
	StateComplete:           {StateClosing},
	StateClosing:            {StateClosed},
}

// CanTransition 判断 from -> to 是否合法，同状态迁移视为字段更新。
func CanTransition(from, to State) bool {
	if from == to {
		return !from.Terminal()
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal 终态不再变化。
func (s State) Terminal() bool {
	return s == StateFailed || s == StateClosed
}

// Trade 一笔对冲交易。多头腿与空头腿分别在两个场所。
type Trade struct {
	ID               string         `json:"id"`
	Symbol           string         `json:"symbol"`
	VenueLong        string         `json:"venue_long"`
	VenueShort       string         `json:"venue_short"`
	MakerVenue       string         `json:"maker_venue"`
	TakerVenue       string         `json:"taker_venue"`
	RequestedQty     float64        `json:"requested_qty"`
	QtyLong          float64        `json:"qty_long"`
	QtyShort         float64        `json:"qty_short"`
	EntryPriceLong   float64        `json:"entry_price_long"`
	EntryPriceShort  float64        `json:"entry_price_short"`
	ExitPriceLong    float64        `json:"exit_price_long"`
	ExitPriceShort   float64        `json:"exit_price_short"`
	State            State          `json:"state"`
	Leg1             venue.OrderRef `json:"leg1_order_ref"`
	Leg2             venue.OrderRef `json:"leg2_order_ref"`
	MakerOrderIDs    []string       `json:"maker_order_ids,omitempty"`
	OpenedAt         time.Time      `json:"opened_at"`
	ClosedAt         time.Time      `json:"closed_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
	RealizedPnL      float64        `json:"realized_pnl"`
	FundingCollected float64        `json:"funding_collected"`
	FeesPaid         float64        `json:"fees_paid"`
	IsGhost          bool           `json:"is_ghost"`
	Flagged          bool           `json:"flagged"`
	Alert            string         `json:"alert,omitempty"`
	ExitReason       string         `json:"exit_reason,omitempty"`
}

// Alert 取值。
const (
	AlertFailedUnhedged = "FAILED_UNHEDGED"
	AlertAssumedFill    = "ASSUMED_FILL"
)

// IsOpen 非终态即视为占用该交易对。
func (t Trade) IsOpen() bool {
	return !t.State.Terminal()
}

// Clone 深拷贝。
func (t Trade) Clone() Trade {
	out := t
	if t.MakerOrderIDs != nil {
		out.MakerOrderIDs = append([]string(nil), t.MakerOrderIDs...)
	}
	return out
}

// NetPnL 已实现盈亏加资金费收入。
func (t Trade) NetPnL() float64 {
	return t.RealizedPnL + t.FundingCollected
}

// Notional 按入场价计算的双腿平均名义价值。
func (t Trade) Notional() float64 {
	return (t.QtyLong*t.EntryPriceLong + t.QtyShort*t.EntryPriceShort) / 2
}

// Settle 按退出价格结算：((exit-entry)·多头 + (entry-exit)·空头) − 全部手续费。
// fees 为平仓手续费，累加到入场时已记录的 FeesPaid。
func (t *Trade) Settle(exitLong, exitShort, funding, fees float64) {
	t.ExitPriceLong = exitLong
	t.ExitPriceShort = exitShort
	t.FundingCollected = funding
	t.FeesPaid += fees

	gross := 0.0
	if t.QtyLong > 0 && exitLong > 0 {
		gross += (exitLong - t.EntryPriceLong) * t.QtyLong
	}
	if t.QtyShort > 0 && exitShort > 0 {
		gross += (t.EntryPriceShort - exitShort) * t.QtyShort
	}
	t.RealizedPnL = gross - t.FeesPaid
}
