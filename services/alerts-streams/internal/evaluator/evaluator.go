package evaluator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/rgq/edabank/libs/alerting"
	"github.com/rgq/edabank/libs/kafkax"
	otelx "github.com/rgq/edabank/libs/otel"
	"github.com/rgq/edabank/services/alerts-streams/internal/source"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultThreshold applies to events whose rule key has no rule.
const DefaultThreshold = 10000

type Decision int

const (
	Malformed Decision = iota
	Suppressed
	BelowThreshold
	Emit
)

func (d Decision) String() string {
	switch d {
	case Suppressed:
		return "suppressed"
	case BelowThreshold:
		return "below_threshold"
	case Emit:
		return "alert"
	default:
		return "malformed"
	}
}

// Rules is the read side of the rule table.
type Rules interface {
	Lookup(key string) (alerting.Rule, bool)
}

type Publisher interface {
	Publish(ctx context.Context, msg kafka.Message) error
}

type Config struct {
	DefaultThreshold float64
	AlertsTopic      string
}

// Outcome is the result of evaluating one message. Alert is set only when
// Decision is Emit; Err only when it is Malformed.
type Outcome struct {
	Decision  Decision
	Key       string
	Threshold float64
	Alert     alerting.Alert
	Err       error
}

type Evaluator struct {
	rules     Rules
	decoder   source.Decoder
	publisher Publisher
	logger    *slog.Logger
	cfg       Config

	emitted   *otelx.Counter
	suppress  *otelx.Counter
	below     *otelx.Counter
	malformed *otelx.Counter
}

func New(rules Rules, decoder source.Decoder, publisher Publisher, logger *slog.Logger, metrics *otelx.Registry, cfg Config) *Evaluator {
	if cfg.AlertsTopic == "" {
		cfg.AlertsTopic = alerting.TopicAlerts
	}
	return &Evaluator{
		rules:     rules,
		decoder:   decoder,
		publisher: publisher,
		logger:    logger,
		cfg:       cfg,
		emitted:   metrics.Counter("evaluator.alerts.emitted", "alerts emitted"),
		suppress:  metrics.Counter("evaluator.suppressed", "events suppressed by a disabled rule"),
		below:     metrics.Counter("evaluator.below_threshold", "events below their threshold"),
		malformed: metrics.Counter("evaluator.malformed", "events dropped as malformed"),
	}
}

// Evaluate decides what to do with msg without side effects.
func (e *Evaluator) Evaluate(msg kafka.Message) Outcome {
	evt, raw, err := e.decoder.Decode(msg)
	if err != nil {
		return Outcome{Decision: Malformed, Err: err}
	}

	key := evt.RuleKey()
	threshold := e.cfg.DefaultThreshold
	if rule, ok := e.rules.Lookup(key); ok {
		if !rule.Enabled {
			return Outcome{Decision: Suppressed, Key: key, Threshold: rule.Threshold}
		}
		threshold = rule.Threshold
	}

	if evt.Amount < threshold {
		return Outcome{Decision: BelowThreshold, Key: key, Threshold: threshold}
	}

	return Outcome{
		Decision:  Emit,
		Key:       key,
		Threshold: threshold,
		Alert: alerting.Alert{
			AlertType:       alerting.AlertTypeThresholdExceeded,
			SourceType:      evt.Type,
			TenantID:        evt.TenantID,
			Amount:          evt.Amount,
			EventID:         evt.ID,
			RuleKey:         key,
			Threshold:       threshold,
			Payload:         raw,
			SourceTopic:     msg.Topic,
			SourcePartition: msg.Partition,
			SourceOffset:    msg.Offset,
		},
	}
}

// Handle is a kafkax.Handler. Only a failed alert publish is returned as an
// error, so the consumer retries the source message instead of committing it.
func (e *Evaluator) Handle(ctx context.Context, msg kafka.Message) error {
	out := e.Evaluate(msg)
	attrs := attribute.String("topic", msg.Topic)

	switch out.Decision {
	case Malformed:
		e.malformed.Inc(ctx, attrs)
		e.logger.Warn("dropping malformed event",
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"err", out.Err,
		)
		return nil
	case Suppressed:
		e.suppress.Inc(ctx, attrs)
		e.logger.Debug("rule disabled, event suppressed", "key", out.Key, "offset", msg.Offset)
		return nil
	case BelowThreshold:
		e.below.Inc(ctx, attrs)
		return nil
	}

	value, err := json.Marshal(out.Alert)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	err = e.publisher.Publish(ctx, kafka.Message{
		Topic: e.cfg.AlertsTopic,
		Key:   []byte(out.Key),
		Value: value,
		Headers: kafkax.EventMeta{
			EventID:   kafkax.ExtractEventMeta(msg).EventID,
			EventType: alerting.AlertTypeThresholdExceeded,
		}.Headers(),
	})
	if err != nil {
		return fmt.Errorf("publish alert %s: %w", out.Key, err)
	}
	e.emitted.Inc(ctx, attrs)
	e.logger.Info("alert emitted",
		"key", out.Key,
		"amount", out.Alert.Amount,
		"threshold", out.Threshold,
		"source_topic", msg.Topic,
		"source_offset", msg.Offset,
	)
	return nil
}
