package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/bl8ckfz/dealer-engine/internal/alerts"
	"github.com/bl8ckfz/dealer-engine/internal/api"
	"github.com/bl8ckfz/dealer-engine/internal/cache"
	"github.com/bl8ckfz/dealer-engine/internal/config"
	"github.com/bl8ckfz/dealer-engine/internal/feed"
	"github.com/bl8ckfz/dealer-engine/internal/pipeline"
	"github.com/bl8ckfz/dealer-engine/pkg/database"
	"github.com/bl8ckfz/dealer-engine/pkg/messaging"
	"github.com/bl8ckfz/dealer-engine/pkg/observability"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// New constructs a new application handle.
func New(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// infra holds the optional external connections of a run
type infra struct {
	db    *pgxpool.Pool
	rdb   *redis.Client
	nc    *nats.Conn
	js    nats.JetStreamContext
	cache *cache.SnapshotCache
}

func (i *infra) close() {
	if i.nc != nil {
		if err := i.nc.Drain(); err != nil {
			messaging.Close(i.nc)
		}
	}
	if i.rdb != nil {
		_ = i.rdb.Close()
	}
	database.Close(i.db)
}

func (a *App) connectNATS() (*nats.Conn, nats.JetStreamContext, error) {
	nc, err := messaging.NewNATSConn(messaging.Config{
		URL:             a.Config.NATS.URL,
		Name:            a.Config.App.Name,
		MaxReconnects:   -1,
		ReconnectWait:   2 * time.Second,
		EnableJetStream: true,
	})
	if err != nil {
		return nil, nil, err
	}

	js, err := messaging.NewJetStream(nc)
	if err != nil {
		nc.Close()
		return nil, nil, err
	}

	if err := messaging.EnsureStreams(js, messaging.EngineStreams(), a.Config.NATS.StreamMaxAge); err != nil {
		nc.Close()
		return nil, nil, err
	}
	return nc, js, nil
}

// connect opens every configured dependency and registers its health check.
// Redis is optional: a failed ping disables the cache instead of aborting.
func (a *App) connect(ctx context.Context, health *observability.HealthChecker) (*infra, error) {
	in := &infra{}

	if a.Config.Database.Enabled() {
		pool, err := database.NewPostgresPool(ctx, a.Config.Database.URL, database.PoolOptions{})
		if err != nil {
			return nil, fmt.Errorf("connect database: %w", err)
		}
		in.db = pool
		health.AddCheck("timescaledb", pool.Ping)
	} else {
		a.Logger.Warn().Msg("TIMESCALE_URL not configured; persistence disabled")
	}

	if a.Config.Redis.Enabled() {
		rdb := redis.NewClient(&redis.Options{
			Addr:     a.Config.Redis.URL,
			Password: a.Config.Redis.Password,
			DB:       a.Config.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			a.Logger.Warn().Err(err).Str("addr", a.Config.Redis.URL).Msg("Redis unavailable; snapshot cache disabled")
			_ = rdb.Close()
		} else {
			in.rdb = rdb
			in.cache = cache.NewSnapshotCache(rdb, a.Logger)
			health.AddOptionalCheck("redis", in.cache.Ping)
		}
	}

	if a.Config.NATS.Enabled() {
		nc, js, err := a.connectNATS()
		if err != nil {
			in.close()
			return nil, err
		}
		in.nc, in.js = nc, js
		health.AddCheck("nats", func(context.Context) error {
			if nc.Status() != nats.CONNECTED {
				return fmt.Errorf("status %s", nc.Status())
			}
			return nil
		})
	} else {
		a.Logger.Warn().Msg("NATS disabled; samples arrive over HTTP or the simulator only")
	}

	return in, nil
}

// closer releases a sink once the pipelines stop producing
type closer func()

// runClosers drains the sinks in the order buildSinks registered them
func runClosers(closers []closer) {
	for _, c := range closers {
		c()
	}
}

// buildSinks assembles the output fan-out. I/O sinks get their own AsyncSink queue.
func (a *App) buildSinks(in *infra, hub *api.Hub, metrics *observability.Metrics) (pipeline.Sink, []closer) {
	size := a.Config.Sinks.QueueSize
	var sinks pipeline.MultiSink
	var closers []closer
	var history *alerts.HistoryPersister

	async := func(name string, s pipeline.Sink) {
		as := pipeline.NewAsyncSink(name, s, size, a.Logger, metrics)
		sinks = append(sinks, as)
		closers = append(closers, as.Close)
	}

	if a.Config.Sinks.Log {
		sinks = append(sinks, pipeline.NewLogSink(a.Logger))
	}
	async("websocket", hub)

	if in.cache != nil {
		async("redis", in.cache)
	}
	if in.js != nil && a.Config.NATS.Publish {
		async("nats", feed.NewNATSSink(in.js, metrics, a.Logger))
	}
	if in.db != nil {
		snapshots := pipeline.NewSnapshotPersister(in.db, a.Logger, a.Config.Database.BatchSize)
		sinks = append(sinks, snapshots)
		closers = append(closers, snapshots.Close)

		history = alerts.NewHistoryPersister(in.db, a.Logger)
		async("alert-history", pipeline.FiringFunc(func(_ string, _ alerts.AlertRule, f alerts.Firing) {
			history.Save(f)
		}))
	}

	notifier := alerts.NewNotifier(a.Config.Webhook.URLs, a.Config.Webhook.Timeout, a.Logger)
	if notifier.Enabled() {
		async("webhook", pipeline.FiringFunc(func(_ string, _ alerts.AlertRule, f alerts.Firing) {
			ctx, cancel := context.WithTimeout(context.Background(), a.Config.Webhook.Timeout+time.Second)
			defer cancel()
			if err := notifier.Send(ctx, f); err != nil && metrics != nil {
				metrics.SinkErrors.WithLabelValues("webhook").Inc()
			}
		}))
	}

	// Closers run in order, so the history flush follows its queue drain
	if history != nil {
		closers = append(closers, func() {
			if err := history.Close(); err != nil {
				a.Logger.Error().Err(err).Msg("Failed to flush alert history")
			}
		})
	}

	return sinks, closers
}

// Serve runs the engine until SIGINT or SIGTERM.
func (a *App) Serve(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker()

	in, err := a.connect(ctx, health)
	if err != nil {
		return err
	}
	defer in.close()

	hub := api.NewHub(metrics, a.Logger)
	sink, closers := a.buildSinks(in, hub, metrics)
	manager := pipeline.NewManager(a.Config.Pipeline, sink, a.Logger, pipeline.WithMetrics(metrics))

	var subscriber *feed.Subscriber
	if in.js != nil && a.Config.NATS.Subscribe {
		subscriber = feed.NewSubscriber(in.js, manager, metrics, a.Logger)
		if err := subscriber.Start(); err != nil {
			runClosers(closers)
			hub.Close()
			return err
		}
	}

	simDone := make(chan struct{})
	if a.Config.Simulator.Enabled {
		sim := feed.NewSimulator(a.Config.Simulator.SimulatorConfig, a.Logger)
		handle := submitTo(manager)
		if err := sim.Backfill(a.Config.Simulator.Backfill, handle); err != nil {
			a.Logger.Warn().Err(err).Msg("simulator backfill incomplete")
		}
		go func() {
			defer close(simDone)
			_ = sim.Run(ctx, handle)
		}()
	} else {
		close(simDone)
	}

	opts := []api.Option{
		api.WithMetrics(metrics),
		api.WithHealth(health),
		api.WithRateLimit(a.Config.HTTP.RateLimit, time.Minute),
	}
	if in.cache != nil {
		opts = append(opts, api.WithCache(in.cache))
	}
	srv := api.NewServer(manager, hub, a.Logger, opts...)
	go srv.RunCleanup(ctx)

	httpServer := &http.Server{
		Addr:         a.Config.HTTP.Addr,
		Handler:      srv.Routes(),
		ReadTimeout:  a.Config.HTTP.ReadTimeout,
		WriteTimeout: a.Config.HTTP.WriteTimeout,
		IdleTimeout:  a.Config.HTTP.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		a.Logger.Info().Str("addr", a.Config.HTTP.Addr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	a.Logger.Info().
		Bool("nats", in.js != nil).
		Bool("redis", in.cache != nil).
		Bool("timescaledb", in.db != nil).
		Bool("simulator", a.Config.Simulator.Enabled).
		Msg("dealer engine started")

	var runErr error
	select {
	case <-ctx.Done():
		a.Logger.Info().Msg("Shutdown signal received")
	case runErr = <-errCh:
		a.Logger.Error().Err(runErr).Msg("HTTP server error")
		cancel()
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), a.Config.HTTP.ShutdownTimeout)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		a.Logger.Warn().Err(err).Msg("HTTP shutdown incomplete")
	}

	// Stop producers before draining the sinks they feed
	if subscriber != nil {
		subscriber.Stop()
	}
	<-simDone
	runClosers(closers)
	hub.Close()

	a.Logger.Info().Msg("dealer engine stopped")
	return runErr
}
