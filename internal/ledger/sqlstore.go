package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"funding-arb/internal/store"
)

// SQLStore 将交易记录写入 SQLite，完整记录以 JSON 保存，常用字段单独成列便于检索。
type SQLStore struct {
	db *sql.DB
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore 基于已完成迁移的 store 创建交易存储。
func NewSQLStore(s *store.Store) (*SQLStore, error) {
	if s == nil {
		return nil, errors.New("ledger: store 不能为空")
	}
	return &SQLStore{db: s.DB()}, nil
}

// SaveTrade 插入或覆盖一条交易记录。
func (s *SQLStore) SaveTrade(ctx context.Context, t Trade) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("ledger: 序列化交易失败: %w", err)
	}

	var closedAt interface{}
	if !t.ClosedAt.IsZero() {
		closedAt = t.ClosedAt.UTC().Format(time.RFC3339Nano)
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO arb_trades (id, symbol, state, payload, realized_pnl, opened_at, updated_at, closed_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	state = excluded.state,
	payload = excluded.payload,
	realized_pnl = excluded.realized_pnl,
	updated_at = excluded.updated_at,
	closed_at = excluded.closed_at`,
		t.ID, t.Symbol, string(t.State), string(payload), t.RealizedPnL,
		t.OpenedAt.UTC().Format(time.RFC3339Nano), t.UpdatedAt.UTC().Format(time.RFC3339Nano), closedAt,
	)
	if err != nil {
		return fmt.Errorf("ledger: 写入交易失败: %w", err)
	}
	return nil
}

// LoadOpenTrades 读取全部非终态交易。
func (s *SQLStore) LoadOpenTrades(ctx context.Context) ([]Trade, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM arb_trades WHERE state NOT IN (?, ?) ORDER BY updated_at`,
		string(StateFailed), string(StateClosed),
	)
	if err != nil {
		return nil, fmt.Errorf("ledger: 查询交易失败: %w", err)
	}
	defer rows.Close()

	trades := make([]Trade, 0)
	for rows.Next() {
		var payload string
		if scanErr := rows.Scan(&payload); scanErr != nil {
			return nil, fmt.Errorf("ledger: 解析交易失败: %w", scanErr)
		}
		var t Trade
		if err := json.Unmarshal([]byte(payload), &t); err != nil {
			return nil, fmt.Errorf("ledger: 反序列化交易失败: %w", err)
		}
		trades = append(trades, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: 读取交易失败: %w", err)
	}
	return trades, nil
}

// RealizedSince 统计 since 之后关闭交易的已实现盈亏与资金费之和。
func (s *SQLStore) RealizedSince(ctx context.Context, since time.Time) (float64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM arb_trades WHERE state IN (?, ?) AND closed_at >= ?`,
		string(StateFailed), string(StateClosed), since.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("ledger: 查询已关闭交易失败: %w", err)
	}
	defer rows.Close()

	total := 0.0
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return 0, fmt.Errorf("ledger: 解析交易失败: %w", err)
		}
		var t Trade
		if err := json.Unmarshal([]byte(payload), &t); err != nil {
			return 0, fmt.Errorf("ledger: 反序列化交易失败: %w", err)
		}
		total += t.NetPnL()
	}
	return total, rows.Err()
}
