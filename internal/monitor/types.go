package monitor

import (
	"context"
	"sync"
	"time"
)

// EventType 表示监控事件类型。
type EventType string

const (
	EventExecution        EventType = "execution"
	EventRollback         EventType = "rollback"
	EventUnhedgedExposure EventType = "unhedged_exposure"
	EventClose            EventType = "close"
	EventReconciliation   EventType = "reconciliation"
	EventShutdown         EventType = "shutdown"
	EventError            EventType = "error"
)

// Event 封装通用监控事件。
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// Recorder 事件落地接口。
type Recorder interface {
	Record(ctx context.Context, event Event) error
}

// ExecutionPayload 记录一次双腿执行结果。
type ExecutionPayload struct {
	TradeID    string   `json:"trade_id"`
	Symbol     string   `json:"symbol"`
	VenueLong  string   `json:"venue_long"`
	VenueShort string   `json:"venue_short"`
	Requested  float64  `json:"requested_qty"`
	Filled     float64  `json:"filled_qty"`
	Status     string   `json:"status"`
	State      string   `json:"state"`
	OrderIDs   []string `json:"order_ids"`
	Duration   string   `json:"duration"`
	Error      string   `json:"error,omitempty"`
}

// RollbackPayload 记录 maker 腿回滚。
type RollbackPayload struct {
	TradeID  string  `json:"trade_id"`
	Symbol   string  `json:"symbol"`
	Venue    string  `json:"venue"`
	Qty      float64 `json:"qty"`
	Unwound  float64 `json:"unwound"`
	Attempts int     `json:"attempts"`
	Flat     bool    `json:"flat"`
}

// UnhedgedPayload 未对冲敞口告警。
type UnhedgedPayload struct {
	TradeID string  `json:"trade_id"`
	Symbol  string  `json:"symbol"`
	Venue   string  `json:"venue"`
	Qty     float64 `json:"qty"`
	Side    string  `json:"side"`
	Reason  string  `json:"reason"`
}

// ClosePayload 平仓结果。
type ClosePayload struct {
	TradeID     string  `json:"trade_id"`
	Symbol      string  `json:"symbol"`
	Reason      string  `json:"reason"`
	RealizedPnL float64 `json:"realized_pnl"`
	Funding     float64 `json:"funding"`
	Fees        float64 `json:"fees"`
}

// FindingPayload 对账发现。
type FindingPayload struct {
	Kind       string  `json:"kind"`
	Symbol     string  `json:"symbol"`
	Venue      string  `json:"venue"`
	Qty        float64 `json:"qty"`
	TradeID    string  `json:"trade_id,omitempty"`
	Resolution string  `json:"resolution"`
}

// ShutdownPayload 退出流程汇总。
type ShutdownPayload struct {
	OrdersCancelled int      `json:"orders_cancelled"`
	TradesClosed    int      `json:"trades_closed"`
	DustRejected    int      `json:"dust_rejected"`
	Errors          []string `json:"errors,omitempty"`
	Duration        string   `json:"duration"`
}

// ErrorPayload 记录异常。
type ErrorPayload struct {
	Message string                 `json:"message"`
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Nop 丢弃所有事件。
type Nop struct{}

func (Nop) Record(context.Context, Event) error { return nil }

// Memory 内存事件记录，测试用。
type Memory struct {
	mu     sync.Mutex
	events []Event
}

// Record 实现 Recorder。
func (m *Memory) Record(_ context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	m.events = append(m.events, event)
	return nil
}

// Events 按类型返回事件，typ 为空时返回全部。
func (m *Memory) Events(typ EventType) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, 0, len(m.events))
	for _, e := range m.events {
		if typ == "" || e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}
