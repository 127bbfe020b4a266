package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"funding-arb/internal/config"
	"funding-arb/internal/execution"
	"funding-arb/internal/gate"
	"funding-arb/internal/ledger"
	"funding-arb/internal/metrics"
	"funding-arb/internal/monitor"
	"funding-arb/internal/reconcile"
	"funding-arb/internal/resolver"
	"funding-arb/internal/risk"
	"funding-arb/internal/shutdown"
	"funding-arb/internal/store"
	"funding-arb/internal/venue"
	"funding-arb/internal/venue/ccxtvenue"
	"funding-arb/internal/venue/paper"
)

// App 聚合核心依赖并驱动系统生命周期。
type App struct {
	cfg    *config.Config
	logger *zap.Logger
	store  *store.Store
}

// New 创建 App 实例。
func New(cfg *config.Config, logger *zap.Logger, store *store.Store) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &App{
		cfg:    cfg,
		logger: logger,
		store:  store,
	}
}

// components 一次运行所需的全部组件。
type components struct {
	registry   *prometheus.Registry
	gate       *gate.Gate
	venues     []venue.Adapter
	ledger     *ledger.Ledger
	locks      *ledger.Locks
	events     *monitor.Service
	engine     *execution.Engine
	reconciler *reconcile.Monitor
	shutdown   *shutdown.Orchestrator
	scanner    *scanner
}

func (a *App) build() (*components, error) {
	c := &components{registry: prometheus.NewRegistry()}
	m := metrics.New(c.registry)

	c.gate = gate.New(gate.OptionsFromConfig(a.cfg.Gate, a.cfg.Venues), m, a.logger.Named("gate"))
	intervals := make(map[string]time.Duration, len(a.cfg.Venues))
	for _, vc := range a.cfg.Venues {
		raw, err := a.newVenue(vc)
		if err != nil {
			return nil, fmt.Errorf("初始化场所 %s 失败: %w", vc.Name, err)
		}
		c.venues = append(c.venues, gate.Wrap(raw, c.gate))
		intervals[vc.Name] = vc.FundingInterval
	}

	tradeStore, err := ledger.NewSQLStore(a.store)
	if err != nil {
		return nil, fmt.Errorf("初始化交易存储失败: %w", err)
	}
	c.ledger = ledger.New(tradeStore, m, a.logger.Named("ledger"))
	c.locks = ledger.NewLocks()

	c.events, err = monitor.NewService(a.store, a.logger.Named("monitor"))
	if err != nil {
		return nil, fmt.Errorf("初始化监控服务失败: %w", err)
	}

	res := resolver.New(a.cfg.Resolver, a.logger.Named("resolver"))
	edge := execution.NewFundingEdge(c.venues, intervals, a.cfg.Execution.MinEdgeAPY, 0)

	c.engine, err = execution.New(a.cfg.Execution, execution.Deps{
		Venues:   c.venues,
		Ledger:   c.ledger,
		Locks:    c.locks,
		Resolver: res,
		Edge:     edge,
		Events:   c.events,
		Metrics:  m,
		Logger:   a.logger.Named("execution"),
	})
	if err != nil {
		return nil, err
	}

	c.reconciler, err = reconcile.New(a.cfg.Reconcile, reconcile.Deps{
		Venues:   c.venues,
		Ledger:   c.ledger,
		Locks:    c.locks,
		Engine:   c.engine,
		Resolver: res,
		Events:   c.events,
		Metrics:  m,
		Logger:   a.logger.Named("reconcile"),
	})
	if err != nil {
		return nil, err
	}

	c.shutdown = shutdown.New(a.cfg.Shutdown, shutdown.Deps{
		Venues:  c.venues,
		Engine:  c.engine,
		Ledger:  c.ledger,
		Locks:   c.locks,
		Monitor: c.reconciler,
		Gate:    c.gate,
		Events:  c.events,
		Logger:  a.logger.Named("shutdown"),
	})

	if a.cfg.Strategy.Enabled {
		riskMgr, err := risk.NewManager(a.cfg.Risk, a.store, tradeStore, a.logger.Named("risk"))
		if err != nil {
			return nil, fmt.Errorf("初始化风险管理失败: %w", err)
		}
		c.scanner = newScanner(a.cfg.Strategy, a.cfg.Symbols,
			[2]string{a.cfg.Venues[0].Name, a.cfg.Venues[1].Name},
			edge, c.engine, c.ledger, c.locks, riskMgr, a.logger.Named("scanner"))
	}
	return c, nil
}

func (a *App) newVenue(vc config.VenueConfig) (venue.Adapter, error) {
	switch vc.Kind {
	case config.VenueKindPaper:
		return paper.NewFromConfig(vc, a.cfg.Symbols), nil
	case config.VenueKindCCXT:
		return ccxtvenue.New(vc, a.logger.Named("venue").With(zap.String("venue", vc.Name)))
	default:
		return nil, fmt.Errorf("%w: 不支持的场所类型 %q", execution.ErrConfiguration, vc.Kind)
	}
}

// Run 恢复未结束交易、启动后台任务并驱动扫描循环，ctx 取消后执行退出流程。
func (a *App) Run(ctx context.Context) error {
	c, err := a.build()
	if err != nil {
		return err
	}
	return a.run(ctx, c)
}

func (a *App) run(ctx context.Context, c *components) error {
	venues := make([]string, len(a.cfg.Venues))
	for i, vc := range a.cfg.Venues {
		venues[i] = vc.Name + "(" + vc.Kind + ")"
	}
	a.logger.Info("资金费套利系统已初始化",
		zap.String("environment", a.cfg.App.Environment),
		zap.String("venues", strings.Join(venues, ",")),
		zap.Strings("symbols", a.cfg.Symbols),
		zap.Bool("strategy", c.scanner != nil),
	)

	restored, err := c.ledger.Restore(ctx)
	if err != nil {
		return err
	}
	if restored > 0 {
		a.logger.Warn("存在上次运行遗留的未结束交易，首轮对账将核对", zap.Int("count", restored))
	}

	c.ledger.Start(ctx)
	c.gate.Start(ctx)
	c.reconciler.Start(ctx)

	if a.cfg.Server.Enabled {
		router := newMonitorRouter(c.events, c.ledger, c.engine, c.registry, a.logger.Named("server"))
		if err := startMonitorServer(ctx, router, a.cfg.Server.Port, a.logger); err != nil {
			a.logger.Warn("运维接口启动失败", zap.Error(err))
		}
	}

	loopErr := a.loop(ctx, c)

	a.logger.Info("系统收到退出信号，开始退出流程")
	res, err := c.shutdown.Shutdown(ctx)
	if err != nil {
		a.logger.Error("退出流程存在未完成项", zap.Error(err), zap.Int("trades_closed", res.TradesClosed))
	}
	return errors.Join(loopErr, err)
}

func (a *App) loop(ctx context.Context, c *components) error {
	if c.scanner == nil {
		<-ctx.Done()
		return exitErr(ctx)
	}

	interval := a.cfg.Strategy.ScanInterval
	if interval <= 0 {
		interval = time.Minute
	}
	if err := c.scanner.Tick(ctx); err != nil {
		a.logger.Warn("首轮扫描失败", zap.Error(err))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return exitErr(ctx)
		case <-ticker.C:
			if err := c.scanner.Tick(ctx); err != nil {
				a.logger.Warn("扫描失败", zap.Error(err))
			}
		}
	}
}

func exitErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("系统异常退出: %w", err)
	}
	return nil
}
