// Package ledger 维护交易生命周期状态，是交易记录唯一的创建与修改入口。
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"funding-arb/internal/metrics"
)

var (
	// ErrDuplicateSymbol 同一交易对已有未结束的交易。
	ErrDuplicateSymbol = errors.New("ledger: symbol already has an open trade")
	// ErrStaleState 当前状态不在调用方期望的集合中。
	ErrStaleState = errors.New("ledger: stale state")
	// ErrIllegalTransition 状态机不允许的迁移。
	ErrIllegalTransition = errors.New("ledger: illegal transition")
	ErrTradeNotFound     = errors.New("ledger: trade not found")
	ErrLocksClosed       = errors.New("ledger: locks closed")
)

const closedHistory = 200

// Store 交易记录的持久化接口。
type Store interface {
	SaveTrade(ctx context.Context, t Trade) error
	LoadOpenTrades(ctx context.Context) ([]Trade, error)
}

// Ledger 内存中的权威状态，异步写入 Store。
type Ledger struct {
	store   Store
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	open   map[string]*Trade
	closed []Trade

	pendingMu sync.Mutex
	pending   map[string]Trade
	wake      chan struct{}
	saveMu    sync.Mutex

	lifecycleMu sync.Mutex
	stop        chan struct{}
	done        chan struct{}
}

// New 创建 Ledger。store 为 nil 时只保存在内存中。
func New(store Store, m *metrics.Metrics, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		store:   store,
		logger:  logger,
		metrics: m,
		open:    make(map[string]*Trade),
		pending: make(map[string]Trade),
		wake:    make(chan struct{}, 1),
	}
}

func symbolKey(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// Add 以 PENDING 状态登记新交易。
func (l *Ledger) Add(t Trade) (Trade, error) {
	if t.Symbol == "" {
		return Trade{}, errors.New("ledger: symbol 不能为空")
	}
	now := time.Now().UTC()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.State == "" {
		t.State = StatePending
	}
	if t.OpenedAt.IsZero() {
		t.OpenedAt = now
	}
	t.UpdatedAt = now

	l.mu.Lock()
	k := symbolKey(t.Symbol)
	if existing, ok := l.open[k]; ok {
		l.mu.Unlock()
		return Trade{}, fmt.Errorf("%w: %s (state=%s)", ErrDuplicateSymbol, t.Symbol, existing.State)
	}
	stored := t.Clone()
	l.open[k] = &stored
	n := len(l.open)
	l.mu.Unlock()

	l.metrics.SetOpenTrades(n)
	l.enqueue(t)
	return t.Clone(), nil
}

// Get 返回交易对当前未结束交易的副本。
func (l *Ledger) Get(symbol string) (Trade, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.open[symbolKey(symbol)]
	if !ok {
		return Trade{}, false
	}
	return t.Clone(), true
}

// Transition 当前状态属于 from 时迁移到 to，并在迁移前执行 mutate。
// 状态不符返回 ErrStaleState，状态机不允许返回 ErrIllegalTransition。
func (l *Ledger) Transition(symbol string, from []State, to State, mutate func(t *Trade)) (Trade, error) {
	l.mu.Lock()
	k := symbolKey(symbol)
	cur, ok := l.open[k]
	if !ok {
		l.mu.Unlock()
		return Trade{}, fmt.Errorf("%w: %s", ErrTradeNotFound, symbol)
	}
	if !containsState(from, cur.State) {
		l.mu.Unlock()
		return Trade{}, fmt.Errorf("%w: %s 当前 %s，期望 %v", ErrStaleState, symbol, cur.State, from)
	}
	if !CanTransition(cur.State, to) {
		l.mu.Unlock()
		return Trade{}, fmt.Errorf("%w: %s %s -> %s", ErrIllegalTransition, symbol, cur.State, to)
	}

	next := cur.Clone()
	if mutate != nil {
		mutate(&next)
	}
	next.State = to
	next.UpdatedAt = time.Now().UTC()
	n := l.commitLocked(k, next)
	l.mu.Unlock()

	l.metrics.SetOpenTrades(n)
	if next.State != cur.State {
		l.logger.Debug("交易状态迁移",
			zap.String("symbol", next.Symbol),
			zap.String("trade_id", next.ID),
			zap.String("to", string(to)),
		)
	}
	l.enqueue(next)
	return next.Clone(), nil
}

// Close 从 COMPLETE 或 CLOSING 结算并关闭交易。
func (l *Ledger) Close(symbol string, exitLong, exitShort, funding, fees float64) (Trade, error) {
	l.mu.RLock()
	cur, ok := l.open[symbolKey(symbol)]
	var state State
	if ok {
		state = cur.State
	}
	l.mu.RUnlock()

	if ok && state == StateComplete {
		if _, err := l.Transition(symbol, []State{StateComplete}, StateClosing, nil); err != nil {
			return Trade{}, err
		}
	}
	return l.Transition(symbol, []State{StateClosing}, StateClosed, func(t *Trade) {
		t.Settle(exitLong, exitShort, funding, fees)
		if t.ExitReason == "" {
			t.ExitReason = "closed"
		}
	})
}

// ForceClose 任意状态直接关闭，mutate 负责写入实际成交数量与结算结果。
func (l *Ledger) ForceClose(symbol, reason string, mutate func(t *Trade)) (Trade, error) {
	l.mu.Lock()
	k := symbolKey(symbol)
	cur, ok := l.open[k]
	if !ok {
		l.mu.Unlock()
		return Trade{}, fmt.Errorf("%w: %s", ErrTradeNotFound, symbol)
	}
	next := cur.Clone()
	if mutate != nil {
		mutate(&next)
	}
	next.State = StateClosed
	if reason != "" {
		next.ExitReason = reason
	}
	next.UpdatedAt = time.Now().UTC()
	n := l.commitLocked(k, next)
	l.mu.Unlock()

	l.metrics.SetOpenTrades(n)
	l.logger.Info("交易强制关闭",
		zap.String("symbol", next.Symbol),
		zap.String("trade_id", next.ID),
		zap.String("from", string(cur.State)),
		zap.String("reason", next.ExitReason),
	)
	l.enqueue(next)
	return next.Clone(), nil
}

func (l *Ledger) commitLocked(k string, next Trade) int {
	if next.State.Terminal() {
		if next.ClosedAt.IsZero() {
			next.ClosedAt = next.UpdatedAt
		}
		delete(l.open, k)
		l.closed = append(l.closed, next.Clone())
		if len(l.closed) > closedHistory {
			l.closed = l.closed[len(l.closed)-closedHistory:]
		}
	} else {
		stored := next.Clone()
		l.open[k] = &stored
	}
	return len(l.open)
}

// Open 返回全部未结束交易，按交易对排序。
func (l *Ledger) Open() []Trade {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Trade, 0, len(l.open))
	for _, t := range l.open {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// Closed 返回最近结束的交易，最新的在前。
func (l *Ledger) Closed(limit int) []Trade {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if limit <= 0 || limit > len(l.closed) {
		limit = len(l.closed)
	}
	out := make([]Trade, 0, limit)
	for i := len(l.closed) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, l.closed[i].Clone())
	}
	return out
}

// Restore 从 Store 载入未结束交易，返回载入数量。
func (l *Ledger) Restore(ctx context.Context) (int, error) {
	if l.store == nil {
		return 0, nil
	}
	trades, err := l.store.LoadOpenTrades(ctx)
	if err != nil {
		return 0, fmt.Errorf("ledger: 载入未结束交易失败: %w", err)
	}

	l.mu.Lock()
	loaded := 0
	for _, t := range trades {
		if !t.IsOpen() {
			continue
		}
		k := symbolKey(t.Symbol)
		if existing, ok := l.open[k]; ok {
			l.logger.Warn("恢复时发现重复交易对，保留较新的记录",
				zap.String("symbol", t.Symbol),
				zap.String("kept", existing.ID),
				zap.String("skipped", t.ID),
			)
			if !t.UpdatedAt.After(existing.UpdatedAt) {
				continue
			}
		}
		stored := t.Clone()
		l.open[k] = &stored
		loaded++
	}
	n := len(l.open)
	l.mu.Unlock()

	l.metrics.SetOpenTrades(n)
	l.logger.Info("已恢复未结束交易", zap.Int("count", loaded))
	return loaded, nil
}

func (l *Ledger) enqueue(t Trade) {
	if l.store == nil {
		return
	}
	l.pendingMu.Lock()
	l.pending[t.ID] = t.Clone()
	l.pendingMu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Pending 尚未落盘的记录数。
func (l *Ledger) Pending() int {
	l.pendingMu.Lock()
	defer l.pendingMu.Unlock()
	return len(l.pending)
}

// Flush 同步写入全部待落盘记录。失败的记录重新排队，返回聚合错误。
func (l *Ledger) Flush(ctx context.Context) error {
	if l.store == nil {
		return nil
	}
	l.saveMu.Lock()
	defer l.saveMu.Unlock()

	l.pendingMu.Lock()
	batch := l.pending
	l.pending = make(map[string]Trade, len(batch))
	l.pendingMu.Unlock()

	var errs error
	for id, t := range batch {
		if err := l.store.SaveTrade(ctx, t); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("ledger: 保存交易 %s 失败: %w", id, err))
			l.pendingMu.Lock()
			if _, newer := l.pending[id]; !newer {
				l.pending[id] = t
			}
			l.pendingMu.Unlock()
		}
	}
	return errs
}

// Start 启动后台写入。重复调用无效。
func (l *Ledger) Start(ctx context.Context) {
	l.lifecycleMu.Lock()
	defer l.lifecycleMu.Unlock()
	if l.stop != nil || l.store == nil {
		return
	}
	l.stop = make(chan struct{})
	l.done = make(chan struct{})

	go func(stop <-chan struct{}, done chan<- struct{}) {
		defer close(done)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-l.wake:
			case <-ticker.C:
			}
			if err := l.Flush(context.WithoutCancel(ctx)); err != nil {
				l.logger.Warn("后台写入交易失败，稍后重试", zap.Error(err))
			}
		}
	}(l.stop, l.done)
}

// Stop 停止后台写入，不负责最后一次落盘，调用方应随后调用 Flush。
func (l *Ledger) Stop() {
	l.lifecycleMu.Lock()
	stop, done := l.stop, l.done
	l.stop, l.done = nil, nil
	l.lifecycleMu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func containsState(set []State, s State) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
