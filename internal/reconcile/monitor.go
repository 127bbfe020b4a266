// Package reconcile 周期性比对账本与各场所的实际持仓，处理孤儿持仓、
// 僵尸记录与未对冲敞口。
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"funding-arb/internal/config"
	"funding-arb/internal/execution"
	"funding-arb/internal/gate"
	"funding-arb/internal/ledger"
	"funding-arb/internal/metrics"
	"funding-arb/internal/monitor"
	"funding-arb/internal/resolver"
	"funding-arb/internal/venue"
)

// Kind 对账发现的类型。
type Kind string

const (
	// KindOrphan 场所有持仓，账本没有对应交易。
	KindOrphan Kind = "ORPHAN"
	// KindZombie 账本有未结束交易，场所两边都没有持仓。
	KindZombie Kind = "ZOMBIE"
	// KindUnhedged 两腿数量不一致，或交易已被引擎标记为未对冲。
	KindUnhedged Kind = "UNHEDGED"
	// KindStuckClose 平仓失败后停在 CLOSING、两腿仍平衡的交易。
	KindStuckClose Kind = "STUCK_CLOSE"
)

// Finding 一条对账发现及其处理结果。
type Finding struct {
	Kind       Kind      `json:"kind"`
	Symbol     string    `json:"symbol"`
	Venue      string    `json:"venue"`
	Qty        float64   `json:"qty"`
	TradeID    string    `json:"trade_id,omitempty"`
	DetectedAt time.Time `json:"detected_at"`
	Resolution string    `json:"resolution"`
}

// Report 一轮对账的结果。
type Report struct {
	StartedAt time.Time
	Duration  time.Duration
	Findings  []Finding
	// Deferred 被执行引擎占用或仍在宽限期内、本轮跳过的交易对。
	Deferred []string
}

// Engine 对账依赖的执行能力。
type Engine interface {
	LastActivity(symbol string) time.Time
	Flatten(ctx context.Context, venueName string, pos venue.Position) (execution.CloseOutcome, error)
	ForceCloseHeld(ctx context.Context, symbol, reason string) (execution.ForceCloseResult, error)
	CloseHeld(ctx context.Context, symbol, reason string) (ledger.Trade, error)
}

// Deps 对账依赖。
type Deps struct {
	Venues   []venue.Adapter
	Ledger   *ledger.Ledger
	Locks    *ledger.Locks
	Engine   Engine
	Resolver *resolver.Resolver
	Events   monitor.Recorder
	Metrics  *metrics.Metrics
	Logger   *zap.Logger
}

// Monitor 对账监控。
type Monitor struct {
	cfg      config.ReconcileConfig
	venues   []venue.Adapter
	ledger   *ledger.Ledger
	locks    *ledger.Locks
	engine   Engine
	resolver *resolver.Resolver
	events   monitor.Recorder
	metrics  *metrics.Metrics
	logger   *zap.Logger

	runMu sync.Mutex

	lifecycleMu sync.Mutex
	stop        chan struct{}
	done        chan struct{}
}

// New 创建对账监控。
func New(cfg config.ReconcileConfig, deps Deps) (*Monitor, error) {
	if deps.Ledger == nil || deps.Locks == nil || deps.Engine == nil || deps.Resolver == nil {
		return nil, errors.New("reconcile: ledger、locks、engine、resolver 不能为空")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.OrphanGrace < 0 {
		cfg.OrphanGrace = 0
	}
	if cfg.DustQty <= 0 {
		cfg.DustQty = 1e-9
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		cfg:      cfg,
		venues:   deps.Venues,
		ledger:   deps.Ledger,
		locks:    deps.Locks,
		engine:   deps.Engine,
		resolver: deps.Resolver,
		events:   deps.Events,
		metrics:  deps.Metrics,
		logger:   logger,
	}, nil
}

// snapshot 本轮开始时各场所的持仓，查询失败的场所不参与判断。
type snapshot struct {
	positions map[string][]venue.Position
	failed    map[string]error
}

func (s snapshot) signed(venueName, symbol string) (float64, bool) {
	if _, bad := s.failed[venueName]; bad {
		return 0, false
	}
	return venue.SignedQty(s.positions[venueName], symbol), true
}

// RunOnce 执行一轮对账。返回的 error 聚合了查询与修复失败，Report 始终有效。
func (m *Monitor) RunOnce(ctx context.Context) (Report, error) {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	started := time.Now()
	report := Report{StartedAt: started.UTC()}
	snap := m.snapshot(ctx)

	var errs error
	for name, err := range snap.failed {
		errs = multierr.Append(errs, fmt.Errorf("reconcile: %s 持仓查询失败: %w", name, err))
	}

	for _, symbol := range m.symbols(snap) {
		if err := ctx.Err(); err != nil {
			errs = multierr.Append(errs, err)
			break
		}
		if !m.locks.TryLock(symbol) {
			report.Deferred = append(report.Deferred, symbol)
			continue
		}
		findings, deferred, err := m.reconcileSymbol(ctx, symbol, snap)
		m.locks.Unlock(symbol)

		if deferred {
			report.Deferred = append(report.Deferred, symbol)
		}
		errs = multierr.Append(errs, err)
		for _, f := range findings {
			m.record(ctx, f)
		}
		report.Findings = append(report.Findings, findings...)
	}

	report.Duration = time.Since(started)
	level := zap.DebugLevel
	if len(report.Findings) > 0 || errs != nil {
		level = zap.InfoLevel
	}
	m.logger.Log(level, "对账完成",
		zap.Int("findings", len(report.Findings)),
		zap.Strings("deferred", report.Deferred),
		zap.Duration("elapsed", report.Duration),
		zap.Error(errs),
	)
	return report, errs
}

func (m *Monitor) snapshot(ctx context.Context) snapshot {
	snap := snapshot{
		positions: make(map[string][]venue.Position, len(m.venues)),
		failed:    make(map[string]error),
	}
	var mu sync.Mutex
	var g errgroup.Group
	for _, ad := range m.venues {
		g.Go(func() error {
			positions, err := ad.GetPositions(gate.Fresh(ctx))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				snap.failed[ad.Name()] = err
				return nil
			}
			snap.positions[ad.Name()] = positions
			return nil
		})
	}
	_ = g.Wait()
	return snap
}

// symbols 账本中未结束的交易对与场所上有持仓的交易对的并集。
func (m *Monitor) symbols(snap snapshot) []string {
	set := make(map[string]struct{})
	for _, t := range m.ledger.Open() {
		set[strings.ToUpper(t.Symbol)] = struct{}{}
	}
	for _, positions := range snap.positions {
		for _, p := range positions {
			if p.Qty > m.cfg.DustQty {
				set[strings.ToUpper(p.Symbol)] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// reconcileSymbol 持有交易对锁时执行。
func (m *Monitor) reconcileSymbol(ctx context.Context, symbol string, snap snapshot) ([]Finding, bool, error) {
	if last := m.engine.LastActivity(symbol); !last.IsZero() && time.Since(last) < m.cfg.OrphanGrace {
		return nil, true, nil
	}

	t, open := m.ledger.Get(symbol)
	var findings []Finding
	var errs error

	// 不属于交易的场所上的持仓都是孤儿
	for _, ad := range m.venues {
		if open && (ad.Name() == t.VenueLong || ad.Name() == t.VenueShort) {
			continue
		}
		qty, ok := snap.signed(ad.Name(), symbol)
		if !ok || math.Abs(qty) <= m.cfg.DustQty {
			continue
		}
		f, err := m.flattenOrphan(ctx, ad, symbol)
		errs = multierr.Append(errs, err)
		if f != nil {
			findings = append(findings, *f)
		}
	}
	if !open {
		return findings, false, errs
	}

	longSigned, okLong := snap.signed(t.VenueLong, symbol)
	shortSigned, okShort := snap.signed(t.VenueShort, symbol)
	if !okLong || !okShort {
		return findings, false, errs
	}
	longQty, shortQty := longSigned, -shortSigned

	if m.needsAction(t, longQty, shortQty) {
		// 快照取于加锁之前，可能早于该交易对最近一次执行，动手前按最新持仓重新判断
		var err error
		longQty, shortQty, err = m.freshLegs(ctx, t)
		if err != nil {
			return findings, true, multierr.Append(errs, err)
		}
	}

	switch {
	case math.Abs(longQty) <= m.cfg.DustQty && math.Abs(shortQty) <= m.cfg.DustQty:
		f, deferred, err := m.clearZombie(ctx, t)
		errs = multierr.Append(errs, err)
		if f != nil {
			findings = append(findings, *f)
		}
		return findings, deferred, errs

	case math.Abs(longQty-shortQty) > m.cfg.DustQty, t.Alert == ledger.AlertFailedUnhedged, inFlight(t.State):
		f, err := m.repairUnhedged(ctx, t, longQty, shortQty)
		errs = multierr.Append(errs, err)
		findings = append(findings, f)

	case t.State == ledger.StateClosing:
		f, err := m.retryClose(ctx, t)
		errs = multierr.Append(errs, err)
		findings = append(findings, f)

	case math.Abs(longQty-t.QtyLong) > m.cfg.DustQty || math.Abs(shortQty-t.QtyShort) > m.cfg.DustQty:
		m.logger.Warn("账本数量与场所持仓不一致，两腿仍平衡",
			zap.String("symbol", symbol),
			zap.Float64("ledger_long", t.QtyLong),
			zap.Float64("ledger_short", t.QtyShort),
			zap.Float64("venue_long", longQty),
			zap.Float64("venue_short", shortQty),
		)
	}
	return findings, false, errs
}

// needsAction 按快照判断是否可能需要处理，为 true 时需以最新持仓复核。
func (m *Monitor) needsAction(t ledger.Trade, longQty, shortQty float64) bool {
	dust := m.cfg.DustQty
	switch {
	case math.Abs(longQty) <= dust && math.Abs(shortQty) <= dust:
		return true
	case math.Abs(longQty-shortQty) > dust:
		return true
	}
	return t.Alert == ledger.AlertFailedUnhedged || inFlight(t.State) || t.State == ledger.StateClosing
}

// freshLegs 绕过缓存读取交易两腿在场所上的最新数量，空头为正数。
func (m *Monitor) freshLegs(ctx context.Context, t ledger.Trade) (float64, float64, error) {
	var qty [2]float64
	for i, name := range []string{t.VenueLong, t.VenueShort} {
		ad := m.venue(name)
		if ad == nil {
			return 0, 0, fmt.Errorf("reconcile: %s 未知场所 %s", t.Symbol, name)
		}
		positions, err := ad.GetPositions(gate.Fresh(ctx))
		if err != nil {
			return 0, 0, fmt.Errorf("reconcile: %s 复核持仓失败: %w", name, err)
		}
		qty[i] = venue.SignedQty(positions, t.Symbol)
	}
	return qty[0], -qty[1], nil
}

// retryClose 重试停在 CLOSING 的平仓，按账本剩余数量下单并沿用原平仓原因。
func (m *Monitor) retryClose(ctx context.Context, t ledger.Trade) (Finding, error) {
	f := Finding{
		Kind:       KindStuckClose,
		Symbol:     t.Symbol,
		Venue:      t.VenueLong + "/" + t.VenueShort,
		Qty:        t.QtyLong,
		TradeID:    t.ID,
		DetectedAt: time.Now().UTC(),
	}
	m.logger.Warn("平仓未完成，重试",
		zap.String("symbol", t.Symbol),
		zap.String("trade_id", t.ID),
		zap.String("reason", t.ExitReason),
		zap.Float64("qty_long", t.QtyLong),
		zap.Float64("qty_short", t.QtyShort),
	)
	closed, err := m.engine.CloseHeld(ctx, t.Symbol, "")
	if err != nil {
		f.Resolution = "close_failed: " + err.Error()
		return f, fmt.Errorf("reconcile: %s 重试平仓失败: %w", t.Symbol, err)
	}
	f.Resolution = "closed"
	if closed.State != ledger.StateClosed {
		f.Resolution = "state=" + string(closed.State)
	}
	return f, nil
}

// flattenOrphan 以最新持仓确认后平掉孤儿持仓。
func (m *Monitor) flattenOrphan(ctx context.Context, ad venue.Adapter, symbol string) (*Finding, error) {
	positions, err := ad.GetPositions(gate.Fresh(ctx))
	if err != nil {
		return nil, fmt.Errorf("reconcile: %s 确认孤儿持仓失败: %w", ad.Name(), err)
	}
	pos, ok := venue.FindPosition(positions, symbol, m.cfg.DustQty)
	if !ok {
		return nil, nil
	}
	f := &Finding{
		Kind:       KindOrphan,
		Symbol:     symbol,
		Venue:      ad.Name(),
		Qty:        pos.Signed(),
		DetectedAt: time.Now().UTC(),
	}
	m.logger.Warn("发现孤儿持仓",
		zap.String("venue", ad.Name()),
		zap.String("symbol", symbol),
		zap.String("side", string(pos.Side)),
		zap.Float64("qty", pos.Qty),
	)

	out, err := m.engine.Flatten(ctx, ad.Name(), pos)
	switch {
	case err != nil:
		f.Resolution = "flatten_failed: " + err.Error()
		return f, fmt.Errorf("reconcile: %s %s 平掉孤儿持仓失败: %w", ad.Name(), symbol, err)
	case out.Dust && out.Residual > 0:
		f.Resolution = "dust"
	case out.Residual > 0:
		f.Resolution = fmt.Sprintf("partial: residual=%.8f", out.Residual)
	default:
		f.Resolution = "flattened"
	}
	return f, nil
}

// clearZombie 两边都没有持仓时复核后关闭账本记录。仍有挂单或判定出成交时推迟到下一轮。
func (m *Monitor) clearZombie(ctx context.Context, t ledger.Trade) (*Finding, bool, error) {
	for _, name := range []string{t.VenueLong, t.VenueShort} {
		ad := m.venue(name)
		if ad == nil {
			return nil, false, fmt.Errorf("reconcile: %s 未知场所 %s", t.Symbol, name)
		}
		positions, err := ad.GetPositions(gate.Fresh(ctx))
		if err != nil {
			return nil, true, fmt.Errorf("reconcile: %s 复核持仓失败: %w", name, err)
		}
		if _, ok := venue.FindPosition(positions, t.Symbol, m.cfg.DustQty); ok {
			return nil, true, nil
		}
	}
	for _, leg := range []struct {
		venue string
		ref   venue.OrderRef
	}{
		{t.MakerVenue, t.Leg1},
		{t.TakerVenue, t.Leg2},
	} {
		if leg.ref.IsZero() || leg.ref.Status.Terminal() {
			continue
		}
		filled, err := m.verifyLeg(ctx, leg.venue, leg.ref, t.OpenedAt)
		if err != nil {
			return nil, true, err
		}
		if filled > m.cfg.DustQty {
			m.logger.Info("僵尸复核发现成交，推迟处理",
				zap.String("symbol", t.Symbol),
				zap.String("venue", leg.venue),
				zap.Float64("filled", filled),
			)
			return nil, true, nil
		}
	}

	f := &Finding{
		Kind:       KindZombie,
		Symbol:     t.Symbol,
		Venue:      t.VenueLong + "/" + t.VenueShort,
		TradeID:    t.ID,
		DetectedAt: time.Now().UTC(),
	}
	m.logger.Warn("发现僵尸交易记录",
		zap.String("symbol", t.Symbol),
		zap.String("trade_id", t.ID),
		zap.String("state", string(t.State)),
	)

	if t.State == ledger.StatePending || t.State == ledger.StateLeg1Sent {
		_, err := m.ledger.Transition(t.Symbol, []ledger.State{t.State}, ledger.StateFailed, func(tr *ledger.Trade) {
			tr.QtyLong, tr.QtyShort = 0, 0
			tr.ExitReason = "zombie"
		})
		if err != nil {
			f.Resolution = "close_failed: " + err.Error()
			return f, false, fmt.Errorf("reconcile: %s 关闭僵尸记录失败: %w", t.Symbol, err)
		}
		f.Resolution = "failed_zero_fill"
		return f, false, nil
	}

	if _, err := m.engine.ForceCloseHeld(ctx, t.Symbol, "zombie"); err != nil {
		f.Resolution = "close_failed: " + err.Error()
		return f, false, fmt.Errorf("reconcile: %s 关闭僵尸记录失败: %w", t.Symbol, err)
	}
	f.Resolution = "closed_zero_fill"
	return f, false, nil
}

// verifyLeg 撤掉可能仍在簿上的订单并判定其成交量。
func (m *Monitor) verifyLeg(ctx context.Context, venueName string, ref venue.OrderRef, since time.Time) (float64, error) {
	ad := m.venue(venueName)
	if ad == nil {
		return 0, fmt.Errorf("reconcile: 未知场所 %s", venueName)
	}
	if _, err := ad.CancelOrder(ctx, ref); err != nil {
		m.logger.Debug("复核撤单失败", zap.String("venue", venueName), zap.Error(err))
	}
	positions, err := ad.GetPositions(gate.Fresh(ctx))
	if err != nil {
		return 0, fmt.Errorf("reconcile: %s 复核持仓失败: %w", venueName, err)
	}
	// 当前持仓已确认为空，以其为基准只看成交历史
	base := resolver.Baseline{Known: true, SignedQty: venue.SignedQty(positions, ref.Symbol), Since: since}
	res, err := m.resolver.Resolve(ctx, ad, ref, base)
	if err != nil {
		return 0, err
	}
	if res.Confidence == resolver.ConfidenceAssumed {
		return ref.RequestedQty, nil
	}
	return res.FilledQty, nil
}

// repairUnhedged 按场所实际持仓平掉两腿并关闭记录。
func (m *Monitor) repairUnhedged(ctx context.Context, t ledger.Trade, longQty, shortQty float64) (Finding, error) {
	f := Finding{
		Kind:       KindUnhedged,
		Symbol:     t.Symbol,
		Venue:      t.VenueLong,
		Qty:        longQty - shortQty,
		TradeID:    t.ID,
		DetectedAt: time.Now().UTC(),
	}
	if math.Abs(shortQty) > math.Abs(longQty) {
		f.Venue = t.VenueShort
	}
	m.logger.Error("发现未对冲敞口，强制平仓",
		zap.String("symbol", t.Symbol),
		zap.String("trade_id", t.ID),
		zap.String("state", string(t.State)),
		zap.String("alert", t.Alert),
		zap.Float64("venue_long", longQty),
		zap.Float64("venue_short", shortQty),
	)

	res, err := m.engine.ForceCloseHeld(ctx, t.Symbol, "reconcile_unhedged")
	if err != nil {
		f.Resolution = "force_close_failed: " + err.Error()
		return f, fmt.Errorf("reconcile: %s 修复未对冲敞口失败: %w", t.Symbol, err)
	}
	f.Resolution = "force_closed"
	if n := res.DustRejected(); n > 0 {
		f.Resolution = fmt.Sprintf("force_closed: %d dust", n)
	}
	return f, nil
}

func (m *Monitor) record(ctx context.Context, f Finding) {
	m.metrics.IncFinding(string(f.Kind))
	monitor.Emit(ctx, m.events, m.logger, monitor.EventReconciliation, monitor.FindingPayload{
		Kind:       string(f.Kind),
		Symbol:     f.Symbol,
		Venue:      f.Venue,
		Qty:        f.Qty,
		TradeID:    f.TradeID,
		Resolution: f.Resolution,
	})
}

func (m *Monitor) venue(name string) venue.Adapter {
	for _, ad := range m.venues {
		if ad.Name() == name {
			return ad
		}
	}
	return nil
}

// inFlight 执行中途的状态。持有锁时仍处于这些状态说明执行已异常中断。
func inFlight(s ledger.State) bool {
	switch s {
	case ledger.StateLeg1Filled, ledger.StateLeg2Sent, ledger.StateRollbackQueued, ledger.StateRollbackInProgress:
		return true
	}
	return false
}

// Start 按固定间隔运行对账，启动时立即执行一轮。重复调用无效。
func (m *Monitor) Start(ctx context.Context) {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	if m.stop != nil {
		return
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})

	go func(stop <-chan struct{}, done chan<- struct{}) {
		defer close(done)
		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			select {
			case <-stop:
				cancel()
			case <-runCtx.Done():
			}
		}()

		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			if _, err := m.RunOnce(runCtx); err != nil && runCtx.Err() == nil {
				m.logger.Warn("对账出现错误", zap.Error(err))
			}
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
			}
		}
	}(m.stop, m.done)
	m.logger.Info("对账监控已启动", zap.Duration("interval", m.cfg.Interval))
}

// Stop 停止对账并等待进行中的一轮结束。
func (m *Monitor) Stop() {
	m.lifecycleMu.Lock()
	stop, done := m.stop, m.done
	m.stop, m.done = nil, nil
	m.lifecycleMu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
	m.logger.Info("对账监控已停止")
}
