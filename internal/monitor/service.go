package monitor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"funding-arb/internal/store"
)

// Service 负责持久化监控事件。
type Service struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ Recorder = (*Service)(nil)

// NewService 初始化监控服务，事件表由 store 迁移创建。
func NewService(store *store.Store, logger *zap.Logger) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("monitor: store 不能为空")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     store.DB(),
		logger: logger,
	}, nil
}

// Record 写入单个事件。
func (s *Service) Record(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("monitor: 序列化事件失败: %w", err)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO monitor_events (event_type, payload, created_at) VALUES (?, ?, ?)`,
		string(event.Type), string(payload), event.Timestamp.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("monitor: 写入事件失败: %w", err)
	}

	return nil
}

// Emit 写入事件，失败只记日志。rec 为 nil 时无操作。
// 告警类事件在调用方 ctx 已取消时仍会写入。
func Emit(ctx context.Context, rec Recorder, logger *zap.Logger, typ EventType, payload interface{}) {
	if rec == nil {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := rec.Record(context.WithoutCancel(ctx), Event{
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}); err != nil {
		logger.Warn("记录监控事件失败", zap.String("type", string(typ)), zap.Error(err))
	}
}

// EmitError 记录异常。
func EmitError(ctx context.Context, rec Recorder, logger *zap.Logger, msg string, err error, ctxMap map[string]interface{}) {
	text := ""
	if err != nil {
		text = err.Error()
	}
	Emit(ctx, rec, logger, EventError, ErrorPayload{
		Message: msg,
		Error:   text,
		Context: ctxMap,
	})
}

// ListEvents 按类型检索最近事件。
func (s *Service) ListEvents(ctx context.Context, eventType EventType, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT event_type, payload, created_at FROM monitor_events`
	args := make([]interface{}, 0, 2)
	if eventType != "" {
		query += ` WHERE event_type = ?`
		args = append(args, string(eventType))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("monitor: 查询事件失败: %w", err)
	}
	defer rows.Close()

	events := make([]Event, 0, limit)
	for rows.Next() {
		var (
			typ     string
			payload string
			created string
		)
		if scanErr := rows.Scan(&typ, &payload, &created); scanErr != nil {
			return nil, fmt.Errorf("monitor: 解析事件失败: %w", scanErr)
		}

		ts, parseErr := time.Parse(time.RFC3339, created)
		if parseErr != nil {
			ts = time.Now().UTC()
		}

		events = append(events, Event{
			Type:      EventType(typ),
			Timestamp: ts,
			Payload:   json.RawMessage(payload),
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("monitor: 读取事件失败: %w", err)
	}

	return events, nil
}
