// Package shutdown 负责进程退出时的收尾：停止新执行、撤掉所有挂单、
// 强制平掉全部未结束交易并同步落盘。
package shutdown

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"funding-arb/internal/config"
	"funding-arb/internal/execution"
	"funding-arb/internal/gate"
	"funding-arb/internal/ledger"
	"funding-arb/internal/monitor"
	"funding-arb/internal/venue"
)

// Engine 退出流程依赖的执行能力。
type Engine interface {
	BeginDrain()
	WaitIdle(ctx context.Context) error
	ForceClose(ctx context.Context, symbol, reason string) (execution.ForceCloseResult, error)
	Flatten(ctx context.Context, venueName string, pos venue.Position) (execution.CloseOutcome, error)
}

// Stopper 后台任务。
type Stopper interface {
	Stop()
}

// Deps 退出流程依赖。Monitor 与 Gate 可以为空。
type Deps struct {
	Venues  []venue.Adapter
	Engine  Engine
	Ledger  *ledger.Ledger
	Locks   *ledger.Locks
	Monitor Stopper
	Gate    Stopper
	Events  monitor.Recorder
	Logger  *zap.Logger
}

// Result 退出流程汇总。
type Result struct {
	OrdersCancelled int
	TradesClosed    int
	DustRejected    int
	OrphansClosed   int
	Duration        time.Duration
}

// Orchestrator 退出流程编排。Shutdown 只执行一次，之后的调用直接返回首次结果。
type Orchestrator struct {
	cfg    config.ShutdownConfig
	deps   Deps
	logger *zap.Logger

	once   sync.Once
	done   chan struct{}
	result Result
	err    error
}

// New 创建退出编排器。
func New(cfg config.ShutdownConfig, deps Deps) *Orchestrator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	if cfg.CancelPassDelay < 0 {
		cfg.CancelPassDelay = 0
	}
	if cfg.DustQty <= 0 {
		cfg.DustQty = 1e-9
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{cfg: cfg, deps: deps, logger: logger, done: make(chan struct{})}
}

// Done 退出流程结束后关闭。
func (o *Orchestrator) Done() <-chan struct{} {
	return o.done
}

// Shutdown 执行退出流程。并发调用者等待同一次执行并得到相同结果。
func (o *Orchestrator) Shutdown(ctx context.Context) (Result, error) {
	o.once.Do(func() {
		defer close(o.done)
		o.result, o.err = o.run(ctx)
	})
	return o.result, o.err
}

func (o *Orchestrator) run(parent context.Context) (Result, error) {
	started := time.Now()
	// 调用方的 ctx 通常已经因退出信号取消，这里只继承其中的值
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), o.cfg.Timeout)
	defer cancel()

	var res Result
	var errs error
	o.logger.Info("开始退出流程", zap.Int("open_trades", len(o.deps.Ledger.Open())))

	// 1. 拒绝新执行，打断 maker 等待，已发出的订单仍走完判定
	if o.deps.Engine != nil {
		o.deps.Engine.BeginDrain()
		drainCtx, drainCancel := context.WithTimeout(ctx, o.cfg.DrainTimeout)
		if err := o.deps.Engine.WaitIdle(drainCtx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("shutdown: %w", err))
			o.logger.Warn("等待执行结束超时，继续退出流程", zap.Error(err))
		}
		drainCancel()
	}

	// 2. 撤掉所有挂单，间隔后再撤一次，覆盖第一轮期间新出现的订单
	for pass := 1; pass <= 2; pass++ {
		n, err := o.cancelAll(ctx)
		res.OrdersCancelled += n
		errs = multierr.Append(errs, err)
		o.logger.Info("撤销全部挂单", zap.Int("pass", pass), zap.Int("cancelled", n), zap.Error(err))
		if pass == 1 && o.cfg.CancelPassDelay > 0 {
			timer := time.NewTimer(o.cfg.CancelPassDelay)
			select {
			case <-ctx.Done():
			case <-timer.C:
			}
			timer.Stop()
		}
	}

	// 3. 强制平掉全部未结束交易
	closed, dust, err := o.closeTrades(ctx)
	res.TradesClosed, res.DustRejected = closed, dust
	errs = multierr.Append(errs, err)

	if o.cfg.CloseOrphans {
		n, err := o.closeOrphans(ctx)
		res.OrphansClosed = n
		errs = multierr.Append(errs, err)
	}

	// 4. 先停掉会修改账本的后台任务，Stop 会等待进行中的对账结束
	if o.deps.Monitor != nil {
		o.deps.Monitor.Stop()
	}
	if o.deps.Gate != nil {
		o.deps.Gate.Stop()
	}

	// 5. 同步落盘并释放锁
	o.deps.Ledger.Stop()
	if err := o.deps.Ledger.Flush(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("shutdown: 账本落盘失败: %w", err))
	}
	if o.deps.Locks != nil {
		o.deps.Locks.Close()
	}

	res.Duration = time.Since(started)
	payload := monitor.ShutdownPayload{
		OrdersCancelled: res.OrdersCancelled,
		TradesClosed:    res.TradesClosed,
		DustRejected:    res.DustRejected,
		Duration:        res.Duration.String(),
	}
	for _, e := range multierr.Errors(errs) {
		payload.Errors = append(payload.Errors, e.Error())
	}
	monitor.Emit(ctx, o.deps.Events, o.logger, monitor.EventShutdown, payload)

	o.logger.Info("退出流程完成",
		zap.Int("orders_cancelled", res.OrdersCancelled),
		zap.Int("trades_closed", res.TradesClosed),
		zap.Int("dust_rejected", res.DustRejected),
		zap.Int("orphans_closed", res.OrphansClosed),
		zap.Duration("elapsed", res.Duration),
		zap.Error(errs),
	)
	return res, errs
}

func (o *Orchestrator) cancelAll(ctx context.Context) (int, error) {
	var (
		mu    sync.Mutex
		total int
		errs  error
		g     errgroup.Group
	)
	for _, ad := range o.deps.Venues {
		g.Go(func() error {
			n, err := ad.CancelAll(ctx)
			mu.Lock()
			defer mu.Unlock()
			total += n
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("shutdown: %s 撤单失败: %w", ad.Name(), err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return total, errs
}

func (o *Orchestrator) closeTrades(ctx context.Context) (int, int, error) {
	trades := o.deps.Ledger.Open()
	if len(trades) == 0 || o.deps.Engine == nil {
		return 0, 0, nil
	}
	var (
		mu     sync.Mutex
		closed int
		dust   int
		errs   error
		g      errgroup.Group
	)
	g.SetLimit(4)
	for _, t := range trades {
		g.Go(func() error {
			res, err := o.deps.Engine.ForceClose(ctx, t.Symbol, "shutdown")
			mu.Lock()
			defer mu.Unlock()
			dust += res.DustRejected()
			if res.Trade.State == ledger.StateClosed {
				closed++
			}
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("shutdown: %s 强制平仓: %w", t.Symbol, err))
				o.logger.Error("强制平仓未完成", zap.String("symbol", t.Symbol), zap.String("trade_id", t.ID), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return closed, dust, errs
}

// closeOrphans 平掉账本之外的全部持仓。
func (o *Orchestrator) closeOrphans(ctx context.Context) (int, error) {
	if o.deps.Engine == nil {
		return 0, nil
	}
	n := 0
	var errs error
	for _, ad := range o.deps.Venues {
		positions, err := ad.GetPositions(gate.Fresh(ctx))
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("shutdown: %s 持仓查询失败: %w", ad.Name(), err))
			continue
		}
		for _, pos := range positions {
			if pos.Qty <= o.cfg.DustQty {
				continue
			}
			if _, open := o.deps.Ledger.Get(pos.Symbol); open {
				continue
			}
			out, err := o.deps.Engine.Flatten(ctx, ad.Name(), pos)
			if err != nil {
				errs = multierr.Append(errs, fmt.Errorf("shutdown: %s %s 平掉孤儿持仓: %w", ad.Name(), pos.Symbol, err))
				continue
			}
			if out.Closed() {
				n++
			}
			o.logger.Info("退出时平掉孤儿持仓",
				zap.String("venue", ad.Name()),
				zap.String("symbol", pos.Symbol),
				zap.Float64("qty", pos.Qty),
				zap.Bool("dust", out.Dust),
			)
		}
	}
	return n, errs
}
