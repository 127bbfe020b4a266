package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// migration 一次表结构变更，version 递增且不可复用。
type migration struct {
	version int
	name    string
	stmts   []string
}

var migrations = []migration{
	{
		version: 1,
		name:    "arb_trades",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS arb_trades (
				id TEXT PRIMARY KEY,
				symbol TEXT NOT NULL,
				state TEXT NOT NULL,
				payload TEXT NOT NULL,
				realized_pnl REAL NOT NULL DEFAULT 0,
				opened_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				closed_at TEXT
			);`,
			`CREATE INDEX IF NOT EXISTS idx_arb_trades_state ON arb_trades(state);`,
			`CREATE INDEX IF NOT EXISTS idx_arb_trades_symbol ON arb_trades(symbol);`,
		},
	},
	{
		version: 2,
		name:    "monitor_events",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS monitor_events (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				event_type TEXT NOT NULL,
				payload TEXT NOT NULL,
				created_at TEXT NOT NULL
			);`,
			`CREATE INDEX IF NOT EXISTS idx_monitor_events_type ON monitor_events(event_type);`,
		},
	},
	{
		version: 3,
		name:    "risk_daily",
		stmts: []string{
			`CREATE TABLE IF NOT EXISTS risk_daily_pnl (
				trading_date TEXT PRIMARY KEY,
				realized_pnl REAL NOT NULL,
				halted INTEGER NOT NULL DEFAULT 0,
				updated_at TEXT NOT NULL
			);`,
			`CREATE TABLE IF NOT EXISTS risk_activity_log (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				occurred_at TEXT NOT NULL,
				event_type TEXT NOT NULL,
				message TEXT NOT NULL,
				details TEXT,
				trading_date TEXT
			);`,
			`CREATE INDEX IF NOT EXISTS idx_risk_activity_date ON risk_activity_log(trading_date);`,
		},
	},
	{
		// 重启恢复按状态过滤未结束交易，关闭时间用于日度盈亏统计
		version: 4,
		name:    "arb_trades_closed_at",
		stmts: []string{
			`CREATE INDEX IF NOT EXISTS idx_arb_trades_closed_at ON arb_trades(closed_at);`,
		},
	},
}

// Migrate 依次执行尚未应用的迁移，每个版本一个事务。
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at TEXT NOT NULL
	);`); err != nil {
		return fmt.Errorf("store: 创建迁移表失败: %w", err)
	}

	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := s.apply(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) apply(ctx context.Context, m migration) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: 迁移 %d 开启事务失败: %w", m.version, err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, stmt := range m.stmts {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: 迁移 %d(%s) 执行失败: %w", m.version, m.name, err)
		}
	}
	if _, err = tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
		m.version, m.name, time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("store: 记录迁移 %d 失败: %w", m.version, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("store: 提交迁移 %d 失败: %w", m.version, err)
	}
	return nil
}

// SchemaVersion 返回已应用的最高迁移版本，未迁移时为 0。
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var version sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(version) FROM schema_migrations`).Scan(&version); err != nil {
		return 0, fmt.Errorf("store: 查询迁移版本失败: %w", err)
	}
	return int(version.Int64), nil
}
