package store

import (
	"context"
	"path/filepath"
	"testing"

	"funding-arb/internal/config"
)

func TestNewSQLite_AppliesMigrations(t *testing.T) {
	s, err := NewSQLite(config.DatabaseConfig{InMemory: true})
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	version, err := s.SchemaVersion(ctx)
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if want := migrations[len(migrations)-1].version; version != want {
		t.Fatalf("schema version = %d, want %d", version, want)
	}
	for _, table := range []string{"arb_trades", "monitor_events", "risk_daily_pnl", "risk_activity_log"} {
		var name string
		if err := s.DB().QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&name); err != nil {
			t.Fatalf("table %s missing: %v", table, err)
		}
	}
}

func TestMigrate_IsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "arb.db")
	cfg := config.DatabaseConfig{Path: path, MaxOpenConns: 2, MaxIdleConns: 2}

	s, err := NewSQLite(cfg)
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	if _, err := s.DB().Exec(`INSERT INTO monitor_events (event_type, payload, created_at) VALUES ('alert', '{}', 'now')`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	reopened, err := NewSQLite(cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	if err := reopened.Migrate(context.Background()); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}

	var applied, events int
	if err := reopened.DB().QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&applied); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if applied != len(migrations) {
		t.Fatalf("each migration must be recorded once, got %d rows", applied)
	}
	if err := reopened.DB().QueryRow(`SELECT COUNT(*) FROM monitor_events`).Scan(&events); err != nil {
		t.Fatalf("count events: %v", err)
	}
	if events != 1 {
		t.Fatalf("existing rows must survive reopening, got %d", events)
	}
}
