package database

import (
	"context"
	"os"
	"testing"
	"time"
)

// TestMigrate_Timescale runs the migrations twice against TIMESCALE_URL.
func TestMigrate_Timescale(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping database integration test in short mode")
	}
	url := os.Getenv("TIMESCALE_URL")
	if url == "" {
		t.Skip("TIMESCALE_URL not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := NewPostgresPool(ctx, url, PoolOptions{MaxConns: 2, MinConns: 1})
	if err != nil {
		t.Skipf("database not available: %v", err)
	}
	defer Close(pool)

	for i := 0; i < 2; i++ {
		if err := Migrate(ctx, pool, Migrations); err != nil {
			t.Fatalf("Migrate run %d failed: %v", i+1, err)
		}
	}

	var tables int
	err = pool.QueryRow(ctx, `SELECT COUNT(*) FROM information_schema.tables
		WHERE table_schema = 'public' AND table_name IN ('alert_history', 'indicator_snapshots')`).Scan(&tables)
	if err != nil {
		t.Fatalf("query tables: %v", err)
	}
	if tables != 2 {
		t.Errorf("Expected 2 tables, got %d", tables)
	}
}
