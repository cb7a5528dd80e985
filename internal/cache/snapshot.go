package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/bl8ckfz/dealer-engine/internal/alerts"
	"github.com/bl8ckfz/dealer-engine/internal/indicators"
	"github.com/bl8ckfz/dealer-engine/internal/pipeline"
	"github.com/bl8ckfz/dealer-engine/internal/scoring"
)

const (
	// SnapshotsKey is the hash holding the latest update per symbol
	SnapshotsKey = "snapshots"
	// snapshotTTL expires the hash when no updates arrive
	snapshotTTL = 2 * time.Minute
	// recentFirings is the number of firings kept per symbol
	recentFirings = 100
	opTimeout     = 2 * time.Second
)

// ErrNotCached is returned when Redis holds no snapshot for a symbol
var ErrNotCached = errors.New("snapshot not cached")

func firingsKey(symbol string) string {
	return "firings:" + symbol
}

// SnapshotCache mirrors pipeline output into Redis so other processes can read it.
// It is a pipeline.Sink.
type SnapshotCache struct {
	rdb    redis.Cmdable
	logger zerolog.Logger
}

// NewSnapshotCache creates a Redis-backed cache
func NewSnapshotCache(rdb redis.Cmdable, logger zerolog.Logger) *SnapshotCache {
	return &SnapshotCache{
		rdb:    rdb,
		logger: logger.With().Str("component", "snapshot-cache").Logger(),
	}
}

// OnIndicatorUpdate writes the latest update into the snapshots hash
func (c *SnapshotCache) OnIndicatorUpdate(symbol string, snap indicators.Snapshot, state scoring.State) {
	buf, err := json.Marshal(pipeline.Update{
		Symbol:    symbol,
		Snapshot:  snap,
		State:     state,
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	pipe := c.rdb.Pipeline()
	pipe.HSet(ctx, SnapshotsKey, symbol, string(buf))
	pipe.Expire(ctx, SnapshotsKey, snapshotTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn().Err(err).Str("symbol", symbol).Msg("Failed to cache snapshot")
	}
}

// OnAlertTriggered prepends the firing to the symbol's recent list
func (c *SnapshotCache) OnAlertTriggered(symbol string, rule alerts.AlertRule, firing alerts.Firing) {
	buf, err := json.Marshal(firing)
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	pipe := c.rdb.Pipeline()
	pipe.LPush(ctx, firingsKey(symbol), string(buf))
	pipe.LTrim(ctx, firingsKey(symbol), 0, recentFirings-1)
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn().Err(err).Str("symbol", symbol).Msg("Failed to cache firing")
	}
}

// Get reads the cached update of symbol
func (c *SnapshotCache) Get(ctx context.Context, symbol string) (pipeline.Update, error) {
	raw, err := c.rdb.HGet(ctx, SnapshotsKey, symbol).Result()
	if errors.Is(err, redis.Nil) {
		return pipeline.Update{}, fmt.Errorf("%w: %s", ErrNotCached, symbol)
	}
	if err != nil {
		return pipeline.Update{}, fmt.Errorf("read snapshot: %w", err)
	}

	var update pipeline.Update
	if err := json.Unmarshal([]byte(raw), &update); err != nil {
		return pipeline.Update{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return update, nil
}

// RecentFirings returns up to limit cached firings of symbol, newest first
func (c *SnapshotCache) RecentFirings(ctx context.Context, symbol string, limit int) ([]alerts.Firing, error) {
	if limit <= 0 || limit > recentFirings {
		limit = recentFirings
	}

	values, err := c.rdb.LRange(ctx, firingsKey(symbol), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("read firings: %w", err)
	}

	out := make([]alerts.Firing, 0, len(values))
	for _, v := range values {
		var f alerts.Firing
		if err := json.Unmarshal([]byte(v), &f); err != nil {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

// Ping checks connectivity for health probes
func (c *SnapshotCache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
