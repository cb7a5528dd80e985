package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/bl8ckfz/dealer-engine/internal/alerts"
	"github.com/bl8ckfz/dealer-engine/internal/indicators"
	"github.com/bl8ckfz/dealer-engine/internal/pipeline"
	"github.com/bl8ckfz/dealer-engine/internal/ringbuffer"
	"github.com/bl8ckfz/dealer-engine/internal/scoring"
	"github.com/bl8ckfz/dealer-engine/pkg/observability"
)

// Subjects
const (
	SamplesSubjectPrefix    = "samples."
	SamplesWildcard         = "samples.>"
	IndicatorsSubjectPrefix = "indicators."
	AlertsSubject           = "alerts.triggered"
	consumerName            = "dealer-engine"
)

const drainTimeout = 10 * time.Second

// Publisher is the subset of nats.JetStreamContext used for publishing
type Publisher interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// Submitter accepts samples; *pipeline.Manager implements it
type Submitter interface {
	SubmitSample(symbol string, sample ringbuffer.Sample) (pipeline.Update, error)
}

// Subscriber feeds samples from JetStream into the pipelines
type Subscriber struct {
	js      nats.JetStreamContext
	target  Submitter
	metrics *observability.Metrics
	logger  zerolog.Logger
	sub     *nats.Subscription
}

// NewSubscriber creates a subscriber; metrics may be nil
func NewSubscriber(js nats.JetStreamContext, target Submitter, metrics *observability.Metrics, logger zerolog.Logger) *Subscriber {
	return &Subscriber{
		js:      js,
		target:  target,
		metrics: metrics,
		logger:  logger.With().Str("component", "nats-subscriber").Logger(),
	}
}

// Start subscribes to samples.> with a durable consumer
func (s *Subscriber) Start() error {
	s.logger.Info().Str("subject", SamplesWildcard).Msg("Subscribing to samples")

	sub, err := s.js.Subscribe(SamplesWildcard, func(msg *nats.Msg) {
		if err := s.handle(msg.Subject, msg.Data); err != nil {
			s.logger.Warn().Err(err).Str("subject", msg.Subject).Msg("sample dropped")
		}
	}, nats.Durable(consumerName), nats.DeliverAll())
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", SamplesWildcard, err)
	}

	s.sub = sub
	return nil
}

// Stop drains the subscription and waits until its last callback has returned,
// so no sample is submitted after Stop.
func (s *Subscriber) Stop() {
	if s.sub == nil {
		return
	}
	if err := s.sub.Drain(); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to drain subscription")
		return
	}
	if !waitClosed(s.sub, drainTimeout) {
		s.logger.Warn().Dur("timeout", drainTimeout).Msg("Subscription still draining, unsubscribing")
		_ = s.sub.Unsubscribe()
	}
}

// validity is the part of *nats.Subscription that reports whether it is still active
type validity interface {
	IsValid() bool
}

// waitClosed polls sub until nats.go has removed it after draining
func waitClosed(sub validity, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for sub.IsValid() {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
	return true
}

func (s *Subscriber) handle(subject string, data []byte) error {
	if s.metrics != nil {
		s.metrics.NATSReceived.Inc()
	}

	symbol := strings.TrimPrefix(subject, SamplesSubjectPrefix)
	if symbol == subject || symbol == "" {
		return fmt.Errorf("subject %q carries no symbol", subject)
	}

	var sample ringbuffer.Sample
	if err := json.Unmarshal(data, &sample); err != nil {
		return fmt.Errorf("unmarshal sample: %w", err)
	}
	if sample.Timestamp.IsZero() {
		return errors.New("sample has no timestamp")
	}

	if _, err := s.target.SubmitSample(symbol, sample); err != nil {
		return fmt.Errorf("submit %s: %w", symbol, err)
	}
	return nil
}

// SamplePublisher writes samples to samples.<symbol>
type SamplePublisher struct {
	js     Publisher
	logger zerolog.Logger
}

// NewSamplePublisher creates a publisher
func NewSamplePublisher(js Publisher, logger zerolog.Logger) *SamplePublisher {
	return &SamplePublisher{
		js:     js,
		logger: logger.With().Str("component", "sample-publisher").Logger(),
	}
}

// Publish is a Handler
func (p *SamplePublisher) Publish(symbol string, sample ringbuffer.Sample) error {
	payload, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("marshal sample: %w", err)
	}

	subject := SamplesSubjectPrefix + symbol
	if _, err := p.js.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish to NATS: %w", err)
	}

	p.logger.Debug().
		Str("subject", subject).
		Float64("close", sample.Close).
		Msg("published sample")
	return nil
}

// NATSSink publishes updates to indicators.<symbol> and firings to alerts.triggered.
// It is a pipeline.Sink and should be wrapped in a pipeline.AsyncSink.
type NATSSink struct {
	js      Publisher
	metrics *observability.Metrics
	logger  zerolog.Logger
}

// NewNATSSink creates the sink; metrics may be nil
func NewNATSSink(js Publisher, metrics *observability.Metrics, logger zerolog.Logger) *NATSSink {
	return &NATSSink{
		js:      js,
		metrics: metrics,
		logger:  logger.With().Str("component", "nats-sink").Logger(),
	}
}

func (n *NATSSink) OnIndicatorUpdate(symbol string, snap indicators.Snapshot, state scoring.State) {
	n.publish(IndicatorsSubjectPrefix+symbol, pipeline.Update{
		Symbol:    symbol,
		Snapshot:  snap,
		State:     state,
		UpdatedAt: time.Now().UTC(),
	})
}

func (n *NATSSink) OnAlertTriggered(symbol string, rule alerts.AlertRule, firing alerts.Firing) {
	n.publish(AlertsSubject, firing)
}

func (n *NATSSink) publish(subject string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		n.logger.Error().Err(err).Str("subject", subject).Msg("Failed to marshal message")
		return
	}

	if _, err := n.js.Publish(subject, payload); err != nil {
		n.logger.Error().Err(err).Str("subject", subject).Msg("Failed to publish")
		if n.metrics != nil {
			n.metrics.SinkErrors.WithLabelValues("nats").Inc()
		}
		return
	}

	if n.metrics != nil {
		n.metrics.NATSPublished.WithLabelValues(subjectLabel(subject)).Inc()
	}
}

// subjectLabel keeps metric cardinality independent of the symbol count
func subjectLabel(subject string) string {
	if strings.HasPrefix(subject, IndicatorsSubjectPrefix) {
		return IndicatorsSubjectPrefix + "*"
	}
	return subject
}
