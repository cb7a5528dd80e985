package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/bl8ckfz/dealer-engine/internal/feed"
	"github.com/bl8ckfz/dealer-engine/internal/pipeline"
	"github.com/bl8ckfz/dealer-engine/internal/ringbuffer"
)

// SimulateOptions tunes the simulate command
type SimulateOptions struct {
	Count   int      // candles per symbol; 0 streams until interrupted
	Publish bool     // publish to samples.<symbol> instead of scoring locally
	Symbols []string // overrides simulator.symbols
	Seed    int64    // overrides simulator.seed when non-zero
}

// submitTo feeds a manager, treating out-of-order samples as non-fatal
func submitTo(manager *pipeline.Manager) feed.Handler {
	return func(symbol string, sample ringbuffer.Sample) error {
		_, err := manager.SubmitSample(symbol, sample)
		return err
	}
}

func (a *App) simulatorConfig(opts SimulateOptions) feed.SimulatorConfig {
	cfg := a.Config.Simulator.SimulatorConfig
	if len(opts.Symbols) > 0 {
		cfg.Symbols = make([]string, 0, len(opts.Symbols))
		for _, s := range opts.Symbols {
			if s = pipeline.NormalizeSymbol(s); s != "" {
				cfg.Symbols = append(cfg.Symbols, s)
			}
		}
	}
	if opts.Seed != 0 {
		cfg.Seed = opts.Seed
	}
	return cfg
}

// Simulate drives the random-walk feed. Locally scored runs write the final update
// of every symbol to out as JSON lines.
func (a *App) Simulate(ctx context.Context, out io.Writer, opts SimulateOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	simCfg := a.simulatorConfig(opts)
	if len(simCfg.Symbols) == 0 {
		return errors.New("no symbols to simulate")
	}
	sim := feed.NewSimulator(simCfg, a.Logger)

	if opts.Publish {
		if !a.Config.NATS.Enabled() {
			return errors.New("--publish requires NATS_URL")
		}
		nc, js, err := a.connectNATS()
		if err != nil {
			return err
		}
		defer nc.Close()

		publisher := feed.NewSamplePublisher(js, a.Logger)
		if opts.Count > 0 {
			if err := sim.Backfill(opts.Count, publisher.Publish); err != nil {
				return err
			}
			a.Logger.Info().Int("count", opts.Count).Strs("symbols", sim.Symbols()).Msg("published simulated samples")
			return nil
		}
		return sim.Run(ctx, publisher.Publish)
	}

	var sink pipeline.Sink
	if a.Config.Sinks.Log {
		sink = pipeline.NewLogSink(a.Logger)
	}
	manager := pipeline.NewManager(a.Config.Pipeline, sink, a.Logger)
	handle := submitTo(manager)

	if opts.Count > 0 {
		if err := sim.Backfill(opts.Count, handle); err != nil {
			return err
		}
	} else if err := sim.Run(ctx, handle); err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	for _, symbol := range manager.Symbols() {
		update, err := manager.Latest(symbol)
		if err != nil {
			continue
		}
		if err := enc.Encode(update); err != nil {
			return fmt.Errorf("write %s: %w", symbol, err)
		}
	}
	return nil
}
