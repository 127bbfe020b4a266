package risk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"funding-arb/internal/config"
	"funding-arb/internal/store"
)

// PnLSource 提供已关闭交易的已实现盈亏。
type PnLSource interface {
	RealizedSince(ctx context.Context, since time.Time) (float64, error)
}

// Manager 负责开仓前的风控评估。
type Manager struct {
	cfg     config.RiskConfig
	tracker *DailyTracker
	pnl     PnLSource
	logger  *zap.Logger
}

// NewManager 创建风险管理器。pnl 为空时不做日度亏损检查。
func NewManager(cfg config.RiskConfig, store *store.Store, pnl PnLSource, logger *zap.Logger) (*Manager, error) {
	if store == nil {
		return nil, errors.New("risk: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	tracker, err := NewDailyTracker(store.DB(), cfg, logger)
	if err != nil {
		return nil, err
	}

	return &Manager{
		cfg:     cfg,
		tracker: tracker,
		pnl:     pnl,
		logger:  logger,
	}, nil
}

// Evaluate 检查日度亏损、并发交易数与总名义价值，决定是否允许开新仓。
// 平仓不经过风控。
func (m *Manager) Evaluate(ctx context.Context, input EvaluationInput) (EvaluationResult, error) {
	ts := input.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	result := EvaluationResult{
		Symbol: strings.ToUpper(strings.TrimSpace(input.Symbol)),
		Status: StatusDeny,
		Notes:  make([]string, 0, 2),
	}

	if m.cfg.EnableDailyStopLoss && m.pnl != nil {
		realized, err := m.pnl.RealizedSince(ctx, dayStart(ts, m.cfg.DailyLossResetHour))
		if err != nil {
			return result, fmt.Errorf("risk: 查询当日盈亏失败: %w", err)
		}
		status, err := m.tracker.Update(ctx, ts, realized)
		if err != nil {
			return result, err
		}
		result.DailyStatus = status
		if status.Halted {
			result.Notes = append(result.Notes, "当日累计亏损已达到限制，停止开仓。")
			return result, nil
		}
	}

	if input.Notional <= 0 {
		result.Notes = append(result.Notes, "名义价值无效，无法评估仓位。")
		return result, nil
	}

	gross := 0.0
	for _, t := range input.Open {
		if strings.EqualFold(t.Symbol, result.Symbol) {
			result.Notes = append(result.Notes, "该交易对已有未结束交易。")
			return result, nil
		}
		gross += t.Notional()
	}

	if m.cfg.MaxOpenTrades > 0 && len(input.Open) >= m.cfg.MaxOpenTrades {
		result.Notes = append(result.Notes,
			fmt.Sprintf("未结束交易 %d 笔已达上限 %d。", len(input.Open), m.cfg.MaxOpenTrades),
		)
		return result, nil
	}

	if m.cfg.MaxGrossNotional > 0 && gross+input.Notional > m.cfg.MaxGrossNotional {
		result.Notes = append(result.Notes,
			fmt.Sprintf("总名义价值 %.2f 加上本次 %.2f 超过上限 %.2f。", gross, input.Notional, m.cfg.MaxGrossNotional),
		)
		return result, nil
	}

	result.Status = StatusProceed
	result.Notes = append(result.Notes, fmt.Sprintf("允许开仓，名义价值 %.2f。", input.Notional))
	return result, nil
}

// LogDenial 记录一次被拒绝的开仓。
func (m *Manager) LogDenial(ctx context.Context, result EvaluationResult) {
	if result.Allowed() {
		return
	}
	msg := strings.Join(result.Notes, " ")
	if err := m.tracker.LogEvent(ctx, "entry_denied", msg, result.Symbol, result.DailyStatus.TradingDate); err != nil {
		m.logger.Warn("写入风控日志失败", zap.Error(err))
	}
	m.logger.Info("风控拒绝开仓", zap.String("symbol", result.Symbol), zap.String("notes", msg))
}
