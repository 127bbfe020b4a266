// Package execution 实现双腿对冲执行：maker 腿挂单等待成交，按实际成交量
// 在另一场所以 taker 对冲，对冲失败时回滚 maker 腿。
package execution

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"funding-arb/internal/config"
	"funding-arb/internal/gate"
	"funding-arb/internal/ledger"
	"funding-arb/internal/metrics"
	"funding-arb/internal/monitor"
	"funding-arb/internal/resolver"
	"funding-arb/internal/venue"
)

// settleTimeout 撤单与判定的总时限，调用方 ctx 取消后仍会执行完。
const settleTimeout = 30 * time.Second

// Deps 引擎依赖。
type Deps struct {
	Venues   []venue.Adapter
	Ledger   *ledger.Ledger
	Locks    *ledger.Locks
	Resolver *resolver.Resolver
	Edge     EdgeChecker
	Events   monitor.Recorder
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

// Engine 双腿执行引擎。同一交易对串行，不同交易对完全并行。
type Engine struct {
	cfg      config.ExecutionConfig
	venues   map[string]venue.Adapter
	ledger   *ledger.Ledger
	locks    *ledger.Locks
	resolver *resolver.Resolver
	edge     EdgeChecker
	events   monitor.Recorder
	metrics  *metrics.Metrics
	logger   *zap.Logger

	// drainCtx 在进入退出流程时取消，用于打断 maker 等待。
	drainCtx context.Context
	drain    context.CancelFunc

	mu       sync.Mutex
	draining bool
	active   int
	idle     chan struct{}

	activityMu sync.Mutex
	activity   map[string]time.Time
}

// New 创建执行引擎。
func New(cfg config.ExecutionConfig, deps Deps) (*Engine, error) {
	if deps.Ledger == nil || deps.Locks == nil || deps.Resolver == nil {
		return nil, fmt.Errorf("%w: ledger、locks、resolver 不能为空", ErrConfiguration)
	}
	if len(deps.Venues) < 2 {
		return nil, fmt.Errorf("%w: 至少需要两个场所", ErrConfiguration)
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	venues := make(map[string]venue.Adapter, len(deps.Venues))
	for _, v := range deps.Venues {
		venues[v.Name()] = v
	}
	drainCtx, drain := context.WithCancel(context.Background())

	return &Engine{
		cfg:      withDefaults(cfg),
		venues:   venues,
		ledger:   deps.Ledger,
		locks:    deps.Locks,
		resolver: deps.Resolver,
		edge:     deps.Edge,
		events:   deps.Events,
		metrics:  deps.Metrics,
		logger:   logger,
		drainCtx: drainCtx,
		drain:    drain,
		activity: make(map[string]time.Time),
	}, nil
}

func withDefaults(cfg config.ExecutionConfig) config.ExecutionConfig {
	if cfg.MakerTimeout <= 0 {
		cfg.MakerTimeout = 45 * time.Second
	}
	if cfg.MakerTimeoutMin <= 0 {
		cfg.MakerTimeoutMin = cfg.MakerTimeout / 4
	}
	if cfg.MakerTimeoutMax < cfg.MakerTimeoutMin {
		cfg.MakerTimeoutMax = cfg.MakerTimeout * 2
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.HedgeAttempts <= 0 {
		cfg.HedgeAttempts = 1
	}
	if cfg.TakerFillTimeout <= 0 {
		cfg.TakerFillTimeout = 8 * time.Second
	}
	if cfg.RollbackAttempts <= 0 {
		cfg.RollbackAttempts = 1
	}
	if cfg.CloseAttempts <= 0 {
		cfg.CloseAttempts = 1
	}
	if cfg.LockTimeout <= 0 {
		cfg.LockTimeout = 2 * time.Second
	}
	return cfg
}

// Venue 按名称返回场所。
func (e *Engine) Venue(name string) (venue.Adapter, bool) {
	ad, ok := e.venues[name]
	return ad, ok
}

// BeginDrain 拒绝新的执行，并打断正在等待 maker 成交的执行。
// 已发出的订单仍会走完撤单与判定。
func (e *Engine) BeginDrain() {
	e.mu.Lock()
	e.draining = true
	e.mu.Unlock()
	e.drain()
}

// OnShutdown 进程退出钩子。
func (e *Engine) OnShutdown() {
	e.BeginDrain()
}

// Draining 是否已进入退出流程。
func (e *Engine) Draining() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.draining
}

// WaitIdle 等待全部进行中的执行结束。
func (e *Engine) WaitIdle(ctx context.Context) error {
	e.mu.Lock()
	if e.active == 0 {
		e.mu.Unlock()
		return nil
	}
	if e.idle == nil {
		e.idle = make(chan struct{})
	}
	idle := e.idle
	e.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("execution: 等待执行结束超时: %w", ctx.Err())
	}
}

func (e *Engine) enter() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.draining {
		return ErrShuttingDown
	}
	e.active++
	return nil
}

func (e *Engine) leave() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active--
	if e.active == 0 && e.idle != nil {
		close(e.idle)
		e.idle = nil
	}
}

// LastActivity 交易对最近一次执行活动的时间，对账的宽限窗口据此判断。
func (e *Engine) LastActivity(symbol string) time.Time {
	e.activityMu.Lock()
	defer e.activityMu.Unlock()
	return e.activity[strings.ToUpper(symbol)]
}

func (e *Engine) touch(symbol string) {
	e.activityMu.Lock()
	e.activity[strings.ToUpper(symbol)] = time.Now()
	e.activityMu.Unlock()
}

// interruptible 返回在 ctx 结束或进入退出流程时取消的 context。
func (e *Engine) interruptible(ctx context.Context) (context.Context, context.CancelFunc) {
	out, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(e.drainCtx, cancel)
	return out, func() {
		stop()
		cancel()
	}
}

func (e *Engine) lock(ctx context.Context, symbol string) error {
	lockCtx, cancel := context.WithTimeout(ctx, e.cfg.LockTimeout)
	defer cancel()
	if err := e.locks.LockContext(lockCtx, symbol); err != nil {
		return fmt.Errorf("execution: %s 获取锁失败: %w", symbol, err)
	}
	return nil
}

// baseline 下单前持仓快照，查询失败时 Known 为 false。
func (e *Engine) baseline(ctx context.Context, ad venue.Adapter, symbol string) resolver.Baseline {
	now := time.Now()
	positions, err := ad.GetPositions(gate.Fresh(ctx))
	if err != nil {
		e.logger.Warn("获取持仓快照失败", zap.String("venue", ad.Name()), zap.String("symbol", symbol), zap.Error(err))
		return resolver.Baseline{Since: now}
	}
	return resolver.Baseline{Known: true, SignedQty: venue.SignedQty(positions, symbol), Since: now}
}

// settle 确认订单最终成交。cancelFirst 为 true 时先撤单，撤单失败不影响判定。
func (e *Engine) settle(ctx context.Context, ad venue.Adapter, ref venue.OrderRef, base resolver.Baseline, cancelFirst bool) resolver.Resolution {
	if ref.Status == venue.StatusFilled && ref.FilledQty > 0 {
		return resolver.Resolution{
			FilledQty:  ref.FilledQty,
			AvgPrice:   priceOr(ref.AvgFillPrice, ref.RequestedPrice),
			Fee:        ref.Fee,
			Confidence: resolver.ConfidenceDirect,
			Status:     ref.Status,
		}
	}

	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	if cancelFirst && !ref.Status.Terminal() {
		if _, err := ad.CancelOrder(bg, ref); err != nil {
			e.logger.Warn("撤单失败，继续判定成交",
				zap.String("venue", ad.Name()),
				zap.String("order_id", ref.OrderID),
				zap.Error(err),
			)
		}
	}

	res, err := e.resolver.Resolve(bg, ad, ref, base)
	if err != nil {
		e.logger.Error("订单判定超时，按请求数量假定成交",
			zap.String("venue", ad.Name()),
			zap.String("order_id", ref.OrderID),
			zap.Error(err),
		)
		return resolver.Resolution{
			FilledQty:  ref.RequestedQty,
			AvgPrice:   ref.RequestedPrice,
			Confidence: resolver.ConfidenceAssumed,
			Status:     ref.Status,
		}
	}
	return res
}

func (e *Engine) emit(ctx context.Context, typ monitor.EventType, payload interface{}) {
	monitor.Emit(ctx, e.events, e.logger, typ, payload)
}

func priceOr(p, fallback float64) float64 {
	if p > 0 {
		return p
	}
	return fallback
}

func tolerance(info venue.MarketInfo) float64 {
	if info.StepSize > 0 {
		return info.StepSize / 2
	}
	return 1e-9
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
