package store

import (
	"context"
	"path/filepath"
	"testing"

	"trades-relay/internal/config"
)

func TestNewSQLite_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "relay.db")

	s, err := NewSQLite(config.DatabaseConfig{Path: path, MaxOpenConns: 2, MaxIdleConns: 1})
	if err != nil {
		t.Fatalf("NewSQLite returned error: %v", err)
	}
	defer s.Close()

	if err := s.Migrate(context.Background(), `CREATE TABLE IF NOT EXISTS sample (id INTEGER PRIMARY KEY)`); err != nil {
		t.Fatalf("Migrate returned error: %v", err)
	}
	if _, err := s.DB().Exec(`INSERT INTO sample (id) VALUES (1)`); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
}

func TestNewMemory_SharesSingleConnection(t *testing.T) {
	s, err := NewMemory()
	if err != nil {
		t.Fatalf("NewMemory returned error: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	if err := s.Migrate(ctx, `CREATE TABLE sample (id INTEGER PRIMARY KEY)`); err != nil {
		t.Fatalf("Migrate returned error: %v", err)
	}

	var count int
	if err := s.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM sample`).Scan(&count); err != nil {
		t.Fatalf("table should be visible on the same connection: %v", err)
	}
}
