package pipeline

import (
	"context"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"github.com/bl8ckfz/dealer-engine/internal/indicators"
	"github.com/bl8ckfz/dealer-engine/internal/scoring"
)

type nopResults struct{}

func (nopResults) Exec() (pgconn.CommandTag, error) { return pgconn.NewCommandTag("INSERT 0 1"), nil }
func (nopResults) Query() (pgx.Rows, error)        { return nil, nil }
func (nopResults) QueryRow() pgx.Row               { return nil }
func (nopResults) Close() error                    { return nil }

type countingDB struct {
	mu   sync.Mutex
	rows int
}

func (db *countingDB) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.rows += b.Len()
	return nopResults{}
}

func TestSnapshotPersister_FlushesOnClose(t *testing.T) {
	db := &countingDB{}
	sp := NewSnapshotPersister(db, zerolog.Nop(), 100)

	for i := 0; i < 7; i++ {
		sp.OnIndicatorUpdate("BTCUSDT", indicators.Snapshot{Price: float64(i)}, scoring.State{})
	}
	sp.Close()

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.rows != 7 {
		t.Errorf("Expected 7 rows written, got %d", db.rows)
	}
}
