package cache

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/bl8ckfz/dealer-engine/internal/alerts"
	"github.com/bl8ckfz/dealer-engine/internal/indicators"
	"github.com/bl8ckfz/dealer-engine/internal/scoring"
)

// newTestClient connects to REDIS_URL (default localhost:6379) or skips
func newTestClient(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Redis test in short mode")
	}

	addr := os.Getenv("REDIS_URL")
	if addr == "" {
		addr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: 15})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		t.Skipf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() {
		rdb.FlushDB(context.Background())
		rdb.Close()
	})
	return rdb
}

func TestSnapshotCache_RoundTrip(t *testing.T) {
	rdb := newTestClient(t)
	c := NewSnapshotCache(rdb, zerolog.Nop())
	ctx := context.Background()

	c.OnIndicatorUpdate("BTCUSDT", indicators.Snapshot{Price: 101.5, RSI: 62}, scoring.State{REIScore: 71, Regime: scoring.RegimeMomentumBull})

	got, err := c.Get(ctx, "BTCUSDT")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Symbol != "BTCUSDT" {
		t.Errorf("Expected symbol BTCUSDT, got %s", got.Symbol)
	}
	if got.Snapshot.Price != 101.5 || got.Snapshot.RSI != 62 {
		t.Errorf("Unexpected snapshot %+v", got.Snapshot)
	}
	if got.State.REIScore != 71 {
		t.Errorf("Expected REI 71, got %v", got.State.REIScore)
	}

	ttl, err := rdb.TTL(ctx, SnapshotsKey).Result()
	if err != nil {
		t.Fatalf("TTL failed: %v", err)
	}
	if ttl <= 0 || ttl > snapshotTTL {
		t.Errorf("Expected TTL within %v, got %v", snapshotTTL, ttl)
	}
}

func TestSnapshotCache_Miss(t *testing.T) {
	rdb := newTestClient(t)
	c := NewSnapshotCache(rdb, zerolog.Nop())

	_, err := c.Get(context.Background(), "NOPE")
	if !errors.Is(err, ErrNotCached) {
		t.Errorf("Expected ErrNotCached, got %v", err)
	}
}

func TestSnapshotCache_RecentFirings(t *testing.T) {
	rdb := newTestClient(t)
	c := NewSnapshotCache(rdb, zerolog.Nop())

	for _, id := range []string{"a", "b", "c"} {
		c.OnAlertTriggered("ETHUSDT", alerts.AlertRule{}, alerts.Firing{ID: id, Symbol: "ETHUSDT"})
	}

	got, err := c.RecentFirings(context.Background(), "ETHUSDT", 2)
	if err != nil {
		t.Fatalf("RecentFirings failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Expected 2 firings, got %d", len(got))
	}
	if got[0].ID != "c" || got[1].ID != "b" {
		t.Errorf("Expected newest first [c b], got [%s %s]", got[0].ID, got[1].ID)
	}
}
