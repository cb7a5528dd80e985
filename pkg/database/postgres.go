package database

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// PoolOptions bounds the connection pool
type PoolOptions struct {
	MaxConns int32
	MinConns int32
}

// NewPostgresPool creates a connection pool from a connection string
func NewPostgresPool(ctx context.Context, connString string, opts PoolOptions) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	if opts.MaxConns > 0 {
		poolConfig.MaxConns = opts.MaxConns
	} else {
		poolConfig.MaxConns = 10 // Default
	}
	if opts.MinConns > 0 {
		poolConfig.MinConns = opts.MinConns
	} else {
		poolConfig.MinConns = 2 // Default
	}
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().
		Str("url", Redact(connString)).
		Int32("max_conns", poolConfig.MaxConns).
		Msg("Connected to database")

	return pool, nil
}

// Redact hides the password of a postgres URL for logging
func Redact(connString string) string {
	u, err := url.Parse(connString)
	if err != nil || u.User == nil {
		return connString
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "xxxxx")
	}
	return u.String()
}

// Close gracefully closes the connection pool
func Close(pool *pgxpool.Pool) {
	if pool != nil {
		pool.Close()
		log.Info().Msg("Database connection pool closed")
	}
}

// Execer runs a statement; *pgxpool.Pool implements it
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Migration is one idempotent schema statement
type Migration struct {
	Name     string
	SQL      string
	Optional bool // Failure is logged and skipped, e.g. when TimescaleDB is absent
}

// Migrations creates the firing history and snapshot tables
var Migrations = []Migration{
	{
		Name: "create alert_history",
		SQL: `CREATE TABLE IF NOT EXISTS alert_history (
			time        TIMESTAMPTZ      NOT NULL,
			firing_id   UUID             NOT NULL,
			rule_id     UUID             NOT NULL,
			symbol      TEXT             NOT NULL,
			kind        TEXT             NOT NULL,
			comparator  TEXT             NOT NULL,
			threshold   DOUBLE PRECISION,
			observed    DOUBLE PRECISION NOT NULL,
			price       DOUBLE PRECISION NOT NULL,
			PRIMARY KEY (time, firing_id)
		)`,
	},
	{
		Name: "index alert_history by symbol",
		SQL:  `CREATE INDEX IF NOT EXISTS alert_history_symbol_time_idx ON alert_history (symbol, time DESC)`,
	},
	{
		Name: "create indicator_snapshots",
		SQL: `CREATE TABLE IF NOT EXISTS indicator_snapshots (
			time             TIMESTAMPTZ      NOT NULL,
			symbol           TEXT             NOT NULL,
			price            DOUBLE PRECISION NOT NULL,
			rsi              DOUBLE PRECISION NOT NULL,
			trend_direction  SMALLINT         NOT NULL,
			trend_streak     INTEGER          NOT NULL,
			mean_reversion_z DOUBLE PRECISION NOT NULL,
			oi_momentum_pct  DOUBLE PRECISION NOT NULL,
			rei_score        DOUBLE PRECISION NOT NULL,
			regime           TEXT             NOT NULL,
			oi_score         DOUBLE PRECISION NOT NULL,
			funded_score     DOUBLE PRECISION NOT NULL,
			net_long_short   DOUBLE PRECISION NOT NULL,
			edge_reversal    BOOLEAN          NOT NULL,
			PRIMARY KEY (time, symbol)
		)`,
	},
	{
		Name:     "hypertable alert_history",
		SQL:      `SELECT create_hypertable('alert_history', 'time', if_not_exists => TRUE)`,
		Optional: true,
	},
	{
		Name:     "hypertable indicator_snapshots",
		SQL:      `SELECT create_hypertable('indicator_snapshots', 'time', if_not_exists => TRUE)`,
		Optional: true,
	},
}

// Migrate applies migrations in order and stops at the first required failure
func Migrate(ctx context.Context, db Execer, migrations []Migration) error {
	for _, m := range migrations {
		log.Info().Str("migration", m.Name).Msg("Running migration")
		if _, err := db.Exec(ctx, m.SQL); err != nil {
			if m.Optional {
				log.Warn().Err(err).Str("migration", m.Name).Msg("Optional migration skipped")
				continue
			}
			return fmt.Errorf("migration %q: %w", m.Name, err)
		}
	}
	log.Info().Int("count", len(migrations)).Msg("All migrations completed")
	return nil
}
