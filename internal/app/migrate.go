package app

import (
	"context"
	"errors"

	"github.com/bl8ckfz/dealer-engine/pkg/database"
)

// Migrate creates the alert_history and indicator_snapshots tables.
func (a *App) Migrate(ctx context.Context) error {
	if !a.Config.Database.Enabled() {
		return errors.New("TIMESCALE_URL is required for migrate")
	}

	pool, err := database.NewPostgresPool(ctx, a.Config.Database.URL, database.PoolOptions{MaxConns: 2, MinConns: 1})
	if err != nil {
		return err
	}
	defer database.Close(pool)

	return database.Migrate(ctx, pool, database.Migrations)
}
