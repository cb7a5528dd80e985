package alerts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

const (
	// batchSize is the maximum number of firings to batch before flushing
	batchSize = 50
	// flushInterval is how often to flush firings to the database
	flushInterval = 5 * time.Second
)

const insertFiring = `
	INSERT INTO alert_history (
		time,
		firing_id,
		rule_id,
		symbol,
		kind,
		comparator,
		threshold,
		observed,
		price
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9
	)
`

// BatchSender is satisfied by *pgxpool.Pool and *pgx.Conn
type BatchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// HistoryPersister writes firings to the alert_history table in batches
type HistoryPersister struct {
	db     BatchSender
	logger zerolog.Logger
	queue  []Firing
	mu     sync.Mutex
	ticker *time.Ticker
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewHistoryPersister creates a persister and starts its background flusher
func NewHistoryPersister(db BatchSender, logger zerolog.Logger) *HistoryPersister {
	return newHistoryPersister(db, flushInterval, logger)
}

func newHistoryPersister(db BatchSender, interval time.Duration, logger zerolog.Logger) *HistoryPersister {
	p := &HistoryPersister{
		db:     db,
		logger: logger.With().Str("component", "alert-history").Logger(),
		queue:  make([]Firing, 0, batchSize),
		ticker: time.NewTicker(interval),
		done:   make(chan struct{}),
	}

	p.wg.Add(1)
	go p.flusher()

	return p
}

// Save adds a firing to the batch queue
func (p *HistoryPersister) Save(f Firing) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.queue = append(p.queue, f)

	if len(p.queue) >= batchSize {
		p.flushLocked()
	}
}

func (p *HistoryPersister) flusher() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ticker.C:
			p.mu.Lock()
			p.flushLocked()
			p.mu.Unlock()

		case <-p.done:
			p.mu.Lock()
			p.flushLocked()
			p.mu.Unlock()
			return
		}
	}
}

// flushLocked flushes the current batch (must hold mutex)
func (p *HistoryPersister) flushLocked() {
	if len(p.queue) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	firings := make([]Firing, len(p.queue))
	copy(firings, p.queue)
	p.queue = p.queue[:0]

	if err := p.write(ctx, firings); err != nil {
		p.logger.Error().Err(err).Int("count", len(firings)).Msg("Failed to persist firings")
		return
	}

	p.logger.Debug().Int("count", len(firings)).Msg("Persisted firings to database")
}

func (p *HistoryPersister) write(ctx context.Context, firings []Firing) error {
	batch := &pgx.Batch{}
	for _, f := range firings {
		batch.Queue(insertFiring,
			f.Timestamp,
			f.ID,
			f.RuleID,
			f.Symbol,
			string(f.Kind),
			string(f.Comparator),
			f.Threshold,
			f.Observed,
			f.Price,
		)
	}

	results := p.db.SendBatch(ctx, batch)
	defer results.Close()

	for i := range firings {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to insert firing %d: %w", i, err)
		}
	}
	return nil
}

// Close stops the flusher after writing whatever is still queued
func (p *HistoryPersister) Close() error {
	close(p.done)
	p.ticker.Stop()
	p.wg.Wait()
	return nil
}
