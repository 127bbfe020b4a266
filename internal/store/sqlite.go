package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"funding-arb/internal/config"
)

// Store 封装 SQLite 连接，交易账本、事件日志与风控状态共用一个库。
type Store struct {
	db *sql.DB
}

// NewSQLite 打开数据库并执行表结构迁移。
// 内存库每个连接各自独立，因此强制单连接，保证各组件看到同一份数据。
func NewSQLite(cfg config.DatabaseConfig) (*Store, error) {
	dsn := cfg.Path
	if cfg.InMemory {
		dsn = ":memory:"
		cfg.MaxOpenConns, cfg.MaxIdleConns, cfg.ConnMaxLifetime = 1, 1, 0
	} else if err := ensureDir(filepath.Dir(cfg.Path)); err != nil {
		return nil, err
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", dsn))
	if err != nil {
		return nil, fmt.Errorf("store: 打开 SQLite 数据库失败: %w", err)
	}
	conn.SetMaxOpenConns(cfg.MaxOpenConns)
	conn.SetMaxIdleConns(cfg.MaxIdleConns)
	conn.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pragmas := []string{"PRAGMA synchronous=NORMAL;"}
	if !cfg.InMemory {
		// 写后台落盘时仍要允许运维接口并发读取交易与事件
		pragmas = append([]string{"PRAGMA journal_mode=WAL;"}, pragmas...)
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("store: 执行 %s 失败: %w", p, err)
		}
	}

	s := &Store{db: conn}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.Migrate(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

// DB 返回底层 *sql.DB。
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close 关闭数据库连接。
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func ensureDir(path string) error {
	if path == "" || path == "." {
		return nil
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("store: 创建目录 %q 失败: %w", path, err)
	}
	return nil
}
