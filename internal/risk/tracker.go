package risk

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"funding-arb/internal/config"
)

// DailyTracker 维护日度风控状态，停交易标记当日持久有效。
type DailyTracker struct {
	db     *sql.DB
	cfg    config.RiskConfig
	logger *zap.Logger
}

// NewDailyTracker 创建日度监控器，表结构由 store 迁移创建。
func NewDailyTracker(db *sql.DB, cfg config.RiskConfig, logger *zap.Logger) (*DailyTracker, error) {
	if db == nil {
		return nil, errors.New("risk: 数据库实例不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DailyTracker{
		db:     db,
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Update 写入当日已实现盈亏，亏损超过上限时置停交易标记，返回最新状态。
func (t *DailyTracker) Update(ctx context.Context, ts time.Time, realized float64) (result DailyStatus, err error) {
	tradingDate := tradingDay(ts, t.cfg.DailyLossResetHour)
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("risk: 开启事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var haltedInt int
	row := tx.QueryRowContext(ctx, `SELECT halted FROM risk_daily_pnl WHERE trading_date = ?`, tradingDate)
	switch scanErr := row.Scan(&haltedInt); {
	case scanErr == nil:
		if _, execErr := tx.ExecContext(ctx,
			`UPDATE risk_daily_pnl SET realized_pnl = ?, updated_at = ? WHERE trading_date = ?`,
			realized, now, tradingDate,
		); execErr != nil {
			err = fmt.Errorf("risk: 更新日度盈亏失败: %w", execErr)
			return result, err
		}
	case errors.Is(scanErr, sql.ErrNoRows):
		if _, execErr := tx.ExecContext(ctx,
			`INSERT INTO risk_daily_pnl (trading_date, realized_pnl, halted, updated_at) VALUES (?, ?, 0, ?)`,
			tradingDate, realized, now,
		); execErr != nil {
			err = fmt.Errorf("risk: 初始化日度盈亏失败: %w", execErr)
			return result, err
		}
	default:
		err = fmt.Errorf("risk: 查询日度盈亏失败: %w", scanErr)
		return result, err
	}

	halted := haltedInt == 1
	if !halted && t.cfg.EnableDailyStopLoss && t.cfg.MaxDailyLoss > 0 && realized <= -t.cfg.MaxDailyLoss {
		halted = true
		if _, execErr := tx.ExecContext(ctx,
			`UPDATE risk_daily_pnl SET halted = 1, updated_at = ? WHERE trading_date = ?`,
			now, tradingDate,
		); execErr != nil {
			err = fmt.Errorf("risk: 更新日停交易状态失败: %w", execErr)
			return result, err
		}

		msg := fmt.Sprintf("当日已实现亏损 %.2f 超过上限 %.2f，触发停交易", -realized, t.cfg.MaxDailyLoss)
		if err = t.logEventTx(ctx, tx, tradingDate, "daily_halt", msg, ""); err != nil {
			return result, err
		}

		t.logger.Warn("触发日度亏损限制", zap.String("trading_date", tradingDate), zap.Float64("realized_pnl", realized))
	}

	result = DailyStatus{
		TradingDate: tradingDate,
		RealizedPnL: realized,
		Halted:      halted,
	}

	if commitErr := tx.Commit(); commitErr != nil {
		return result, fmt.Errorf("risk: 提交事务失败: %w", commitErr)
	}

	return result, nil
}

// LogEvent 记录风控事件。
func (t *DailyTracker) LogEvent(ctx context.Context, eventType, message, details, tradingDate string) error {
	if eventType == "" {
		return errors.New("risk: eventType 不能为空")
	}
	if tradingDate == "" {
		tradingDate = tradingDay(time.Now().UTC(), t.cfg.DailyLossResetHour)
	}

	_, err := t.db.ExecContext(ctx,
		`INSERT INTO risk_activity_log (occurred_at, event_type, message, details, trading_date)
		 VALUES (?, ?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339), eventType, message, details, tradingDate,
	)
	if err != nil {
		return fmt.Errorf("risk: 写入风险事件日志失败: %w", err)
	}

	return nil
}

func (t *DailyTracker) logEventTx(ctx context.Context, tx *sql.Tx, tradingDate, eventType, message, details string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO risk_activity_log (occurred_at, event_type, message, details, trading_date)
		 VALUES (?, ?, ?, ?, ?)`,
		time.Now().UTC().Format(time.RFC3339), eventType, message, details, tradingDate,
	)
	if err != nil {
		return fmt.Errorf("risk: 记录风险事件失败: %w", err)
	}
	return nil
}

// dayStart 返回 ts 所属交易日的起始时刻（UTC），交易日在 resetHour 切换。
func dayStart(ts time.Time, resetHour int) time.Time {
	if resetHour < 0 || resetHour > 23 {
		resetHour = 0
	}
	shifted := ts.UTC().Add(-time.Duration(resetHour) * time.Hour)
	day := time.Date(shifted.Year(), shifted.Month(), shifted.Day(), 0, 0, 0, 0, time.UTC)
	return day.Add(time.Duration(resetHour) * time.Hour)
}

func tradingDay(ts time.Time, resetHour int) string {
	if resetHour < 0 || resetHour > 23 {
		resetHour = 0
	}
	shifted := ts.UTC().Add(-time.Duration(resetHour) * time.Hour)
	return shifted.Format("2006-01-02")
}
