package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"funding-arb/internal/config"
	"funding-arb/internal/execution"
	"funding-arb/internal/ledger"
	"funding-arb/internal/risk"
	"funding-arb/internal/venue"
)

const yearSeconds = 365 * 24 * 3600.0

// spreadSource 提供两个场所之间的年化资金费差。
type spreadSource interface {
	Spread(ctx context.Context, symbol, longVenue, shortVenue string) (apy, basis float64, err error)
}

// tradeEngine 扫描器驱动的执行能力。
type tradeEngine interface {
	Execute(ctx context.Context, req execution.Request) (execution.Result, error)
	Close(ctx context.Context, symbol, reason string) (ledger.Trade, error)
	Venue(name string) (venue.Adapter, bool)
}

// riskChecker 开仓前风控。
type riskChecker interface {
	Evaluate(ctx context.Context, input risk.EvaluationInput) (risk.EvaluationResult, error)
	LogDenial(ctx context.Context, result risk.EvaluationResult)
}

// scanner 周期性比较两个场所的资金费率：价差足够时开仓，价差衰减或持有超时后平仓，
// 持有期间按当期价差累计资金费。
type scanner struct {
	cfg     config.StrategyConfig
	symbols []string
	venues  [2]string
	spread  spreadSource
	engine  tradeEngine
	ledger  *ledger.Ledger
	locks   *ledger.Locks
	risk    riskChecker
	logger  *zap.Logger

	mu          sync.Mutex
	lastAccrual map[string]time.Time
	now         func() time.Time
}

func newScanner(cfg config.StrategyConfig, symbols []string, venues [2]string, spread spreadSource,
	engine tradeEngine, l *ledger.Ledger, locks *ledger.Locks, rc riskChecker, logger *zap.Logger) *scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &scanner{
		cfg:         cfg,
		symbols:     symbols,
		venues:      venues,
		spread:      spread,
		engine:      engine,
		ledger:      l,
		locks:       locks,
		risk:        rc,
		logger:      logger,
		lastAccrual: make(map[string]time.Time),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Tick 扫描一轮全部交易对，单个交易对的失败只记日志。
func (s *scanner) Tick(ctx context.Context) error {
	var errs []error
	for _, symbol := range s.symbols {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		symbol = strings.ToUpper(strings.TrimSpace(symbol))
		var err error
		if t, ok := s.ledger.Get(symbol); ok {
			err = s.manage(ctx, t)
		} else {
			err = s.enter(ctx, symbol)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", symbol, err))
		}
	}
	return errors.Join(errs...)
}

// best 返回年化收益更高的方向。
func (s *scanner) best(ctx context.Context, symbol string) (longVenue, shortVenue string, apy float64, err error) {
	a, b := s.venues[0], s.venues[1]
	apyAB, _, err := s.spread.Spread(ctx, symbol, a, b)
	if err != nil {
		return "", "", 0, err
	}
	// 反方向的年化恰为相反数
	if apyAB >= 0 {
		return a, b, apyAB, nil
	}
	return b, a, -apyAB, nil
}

func (s *scanner) enter(ctx context.Context, symbol string) error {
	longVenue, shortVenue, apy, err := s.best(ctx, symbol)
	if err != nil {
		return err
	}
	if apy < s.cfg.EntryAPY {
		s.logger.Debug("资金费价差不足，跳过",
			zap.String("symbol", symbol),
			zap.Float64("apy", apy),
			zap.Float64("entry_apy", s.cfg.EntryAPY),
		)
		return nil
	}

	if s.risk != nil {
		res, err := s.risk.Evaluate(ctx, risk.EvaluationInput{
			Symbol:   symbol,
			Notional: s.cfg.NotionalUSD,
			Open:     s.ledger.Open(),
		})
		if err != nil {
			return err
		}
		if !res.Allowed() {
			s.risk.LogDenial(ctx, res)
			return nil
		}
	}

	price, err := s.midPrice(ctx, longVenue, symbol)
	if err != nil {
		return err
	}
	req := execution.Request{
		Symbol:     symbol,
		LongVenue:  longVenue,
		ShortVenue: shortVenue,
		Qty:        s.cfg.NotionalUSD / price,
		PriceHint:  price,
	}
	s.logger.Info("发现资金费套利机会",
		zap.String("symbol", symbol),
		zap.String("long", longVenue),
		zap.String("short", shortVenue),
		zap.Float64("apy", apy),
		zap.Float64("qty", req.Qty),
	)
	res, err := s.engine.Execute(ctx, req)
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateSymbol) || errors.Is(err, execution.ErrShuttingDown) {
			return nil
		}
		return err
	}
	if res.Status == execution.StatusSuccess {
		s.mu.Lock()
		s.lastAccrual[symbol] = s.now()
		s.mu.Unlock()
	}
	return nil
}

func (s *scanner) manage(ctx context.Context, t ledger.Trade) error {
	if t.State == ledger.StateClosing && t.Alert == "" {
		// 上次平仓有腿失败，按账本剩余数量重试
		s.logger.Info("重试未完成的平仓", zap.String("symbol", t.Symbol), zap.String("trade_id", t.ID))
		if _, err := s.engine.Close(ctx, t.Symbol, ""); err != nil {
			return err
		}
		s.mu.Lock()
		delete(s.lastAccrual, t.Symbol)
		s.mu.Unlock()
		return nil
	}
	if t.State != ledger.StateComplete {
		return nil
	}
	apy, _, err := s.spread.Spread(ctx, t.Symbol, t.VenueLong, t.VenueShort)
	if err != nil {
		return err
	}
	s.accrue(t, apy)

	reason := ""
	switch {
	case apy <= s.cfg.ExitAPY:
		reason = "spread_decay"
	case s.cfg.MaxHold > 0 && s.now().Sub(t.OpenedAt) >= s.cfg.MaxHold:
		reason = "max_hold"
	default:
		return nil
	}
	s.logger.Info("触发平仓条件",
		zap.String("symbol", t.Symbol),
		zap.String("trade_id", t.ID),
		zap.String("reason", reason),
		zap.Float64("apy", apy),
	)
	if _, err := s.engine.Close(ctx, t.Symbol, reason); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.lastAccrual, t.Symbol)
	s.mu.Unlock()
	return nil
}

// accrue 按上次累计以来的时长与当前年化估算资金费收入，只在拿到交易对锁时写账本。
func (s *scanner) accrue(t ledger.Trade, apy float64) {
	now := s.now()
	s.mu.Lock()
	last, ok := s.lastAccrual[t.Symbol]
	if !ok {
		last = t.UpdatedAt
	}
	s.mu.Unlock()
	elapsed := now.Sub(last).Seconds()
	if elapsed <= 0 {
		return
	}
	if s.locks != nil {
		if !s.locks.TryLock(t.Symbol) {
			return
		}
		defer s.locks.Unlock(t.Symbol)
	}
	amount := t.Notional() * apy * elapsed / yearSeconds
	if _, err := s.ledger.Transition(t.Symbol, []ledger.State{ledger.StateComplete}, ledger.StateComplete, func(tr *ledger.Trade) {
		tr.FundingCollected += amount
	}); err != nil {
		s.logger.Debug("累计资金费跳过", zap.String("symbol", t.Symbol), zap.Error(err))
		return
	}
	s.mu.Lock()
	s.lastAccrual[t.Symbol] = now
	s.mu.Unlock()
}

func (s *scanner) midPrice(ctx context.Context, venueName, symbol string) (float64, error) {
	ad, ok := s.engine.Venue(venueName)
	if !ok {
		return 0, fmt.Errorf("%w: 未知场所 %s", execution.ErrConfiguration, venueName)
	}
	book, err := ad.GetOrderBook(ctx, symbol)
	if err != nil {
		return 0, err
	}
	mid := book.Mid()
	if mid <= 0 {
		return 0, fmt.Errorf("%s %s 盘口为空", venueName, symbol)
	}
	return mid, nil
}
