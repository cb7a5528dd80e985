package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/bl8ckfz/dealer-engine/internal/alerts"
	"github.com/bl8ckfz/dealer-engine/internal/indicators"
	"github.com/bl8ckfz/dealer-engine/internal/scoring"
)

const insertSnapshot = `
	INSERT INTO indicator_snapshots (
		time, symbol, price,
		rsi, trend_direction, trend_streak, mean_reversion_z, oi_momentum_pct,
		rei_score, regime, oi_score, funded_score, net_long_short, edge_reversal
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	ON CONFLICT (time, symbol) DO UPDATE SET
		price = EXCLUDED.price,
		rsi = EXCLUDED.rsi,
		trend_direction = EXCLUDED.trend_direction,
		trend_streak = EXCLUDED.trend_streak,
		mean_reversion_z = EXCLUDED.mean_reversion_z,
		oi_momentum_pct = EXCLUDED.oi_momentum_pct,
		rei_score = EXCLUDED.rei_score,
		regime = EXCLUDED.regime,
		oi_score = EXCLUDED.oi_score,
		funded_score = EXCLUDED.funded_score,
		net_long_short = EXCLUDED.net_long_short,
		edge_reversal = EXCLUDED.edge_reversal
`

type snapshotRow struct {
	symbol string
	snap   indicators.Snapshot
	state  scoring.State
}

// SnapshotPersister batches indicator updates into the indicator_snapshots table.
// It is a Sink; firings are ignored here and handled by alerts.HistoryPersister.
type SnapshotPersister struct {
	db     alerts.BatchSender
	logger zerolog.Logger
	queue  chan snapshotRow
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSnapshotPersister starts the batch writer
func NewSnapshotPersister(db alerts.BatchSender, logger zerolog.Logger, batchSize int) *SnapshotPersister {
	if batchSize <= 0 {
		batchSize = 100
	}
	ctx, cancel := context.WithCancel(context.Background())

	sp := &SnapshotPersister{
		db:     db,
		logger: logger.With().Str("component", "snapshot-persister").Logger(),
		queue:  make(chan snapshotRow, batchSize*2), // Buffer 2x batch size
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go sp.batchWriter(batchSize, 5*time.Second)

	return sp
}

// OnIndicatorUpdate enqueues the update (non-blocking)
func (sp *SnapshotPersister) OnIndicatorUpdate(symbol string, snap indicators.Snapshot, state scoring.State) {
	select {
	case sp.queue <- snapshotRow{symbol: symbol, snap: snap, state: state}:
	default:
		sp.logger.Warn().Str("symbol", symbol).Msg("snapshot queue full, dropping")
	}
}

// OnAlertTriggered is a no-op
func (sp *SnapshotPersister) OnAlertTriggered(string, alerts.AlertRule, alerts.Firing) {}

func (sp *SnapshotPersister) batchWriter(batchSize int, interval time.Duration) {
	defer close(sp.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	batch := make([]snapshotRow, 0, batchSize)

	for {
		select {
		case <-sp.ctx.Done():
			// Drain whatever is still queued
			for {
				select {
				case row := <-sp.queue:
					batch = append(batch, row)
				default:
					sp.writeBatch(batch)
					return
				}
			}

		case row := <-sp.queue:
			batch = append(batch, row)
			if len(batch) >= batchSize {
				sp.writeBatch(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				sp.writeBatch(batch)
				batch = batch[:0]
			}
		}
	}
}

func (sp *SnapshotPersister) writeBatch(rows []snapshotRow) {
	if len(rows) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := sp.write(ctx, rows); err != nil {
		sp.logger.Error().Err(err).Int("count", len(rows)).Msg("Failed to persist snapshots")
		return
	}
	sp.logger.Debug().Int("count", len(rows)).Msg("Persisted snapshots")
}

func (sp *SnapshotPersister) write(ctx context.Context, rows []snapshotRow) error {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(insertSnapshot,
			r.snap.Timestamp, r.symbol, r.snap.Price,
			r.snap.RSI, r.snap.TrendDirection, r.snap.TrendStreak, r.snap.MeanReversionZ, r.snap.OIMomentumPct,
			r.state.REIScore, string(r.state.Regime), r.state.OIScore, r.state.FundedScore, r.state.NetLongShort, r.state.EdgeReversal,
		)
	}

	results := sp.db.SendBatch(ctx, batch)
	defer results.Close()

	for i := range rows {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to insert snapshot %d: %w", i, err)
		}
	}
	return nil
}

// Close flushes queued rows and stops the writer
func (sp *SnapshotPersister) Close() {
	sp.cancel()
	<-sp.done
}
