package messaging

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// Config holds NATS configuration
type Config struct {
	URL             string
	Name            string
	MaxReconnects   int
	ReconnectWait   time.Duration
	EnableJetStream bool
}

// NewNATSConn connects to cfg.URL, reconnecting forever unless MaxReconnects is set
func NewNATSConn(cfg Config) (*nats.Conn, error) {
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "dealer-engine"
	}

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Warn().Err(err).Str("client", cfg.Name).Msg("NATS disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("server", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			ev := log.Warn().Err(err)
			if sub != nil {
				ev = ev.Str("subject", sub.Subject)
			}
			ev.Msg("NATS async error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", cfg.URL, err)
	}

	log.Info().
		Str("client", cfg.Name).
		Str("server", nc.ConnectedUrl()).
		Bool("jetstream", cfg.EnableJetStream).
		Msg("Connected to NATS")

	return nc, nil
}

// NewJetStream returns a JetStream context with a bounded number of in-flight async publishes
func NewJetStream(nc *nats.Conn) (nats.JetStreamContext, error) {
	js, err := nc.JetStream(nats.PublishAsyncMaxPending(256))
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}
	return js, nil
}

// Stream describes one JetStream stream owned by the engine
type Stream struct {
	Name      string
	Subjects  []string
	Retention nats.RetentionPolicy
}

// EngineStreams lists the sample input and the indicator and alert outputs.
// Samples are a work queue consumed once; outputs are kept for any number of readers.
func EngineStreams() []Stream {
	return []Stream{
		{Name: "SAMPLES", Subjects: []string{"samples.>"}, Retention: nats.WorkQueuePolicy},
		{Name: "INDICATORS", Subjects: []string{"indicators.>"}, Retention: nats.LimitsPolicy},
		{Name: "ALERTS", Subjects: []string{"alerts.>"}, Retention: nats.LimitsPolicy},
	}
}

// StreamManager is the subset of nats.JetStreamContext used to manage streams
type StreamManager interface {
	StreamInfo(stream string, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
}

// CreateStream adds s unless a stream with the same name exists
func CreateStream(js StreamManager, s Stream, maxAge time.Duration) error {
	_, err := js.StreamInfo(s.Name)
	switch {
	case err == nil:
		log.Debug().Str("stream", s.Name).Msg("Stream exists")
		return nil
	case !errors.Is(err, nats.ErrStreamNotFound):
		return fmt.Errorf("stream info %s: %w", s.Name, err)
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:      s.Name,
		Subjects:  s.Subjects,
		Retention: s.Retention,
		MaxAge:    maxAge,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("add stream %s: %w", s.Name, err)
	}

	log.Info().
		Str("stream", s.Name).
		Strs("subjects", s.Subjects).
		Dur("max_age", maxAge).
		Msg("Created JetStream stream")

	return nil
}

// EnsureStreams creates every stream of streams
func EnsureStreams(js StreamManager, streams []Stream, maxAge time.Duration) error {
	for _, s := range streams {
		if err := CreateStream(js, s, maxAge); err != nil {
			return err
		}
	}
	return nil
}

// Close closes nc; nil and already closed connections are ignored
func Close(nc *nats.Conn) {
	if nc == nil || nc.IsClosed() {
		return
	}
	nc.Close()
	log.Info().Msg("NATS connection closed")
}
