package sink

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/rgq/edabank/libs/alerting"
	otelx "github.com/rgq/edabank/libs/otel"
	"github.com/rgq/edabank/services/alerts-persist/internal/dedup"
	"github.com/rgq/edabank/services/alerts-persist/internal/storage"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
)

type Store interface {
	Insert(ctx context.Context, rec storage.Record) (bool, error)
}

// Sink persists alerts consumed from the alerts topic.
type Sink struct {
	store  Store
	seen   dedup.Store
	logger *slog.Logger

	success   *otelx.Counter
	failure   *otelx.Counter
	duplicate *otelx.Counter
	malformed *otelx.Counter
}

func New(store Store, seen dedup.Store, logger *slog.Logger, metrics *otelx.Registry) *Sink {
	if seen == nil {
		seen = dedup.Noop{}
	}
	return &Sink{
		store:     store,
		seen:      seen,
		logger:    logger,
		success:   metrics.Counter("alerts.persist.success", "alerts persisted"),
		failure:   metrics.Counter("alerts.persist.failure", "alert persistence failures"),
		duplicate: metrics.Counter("alerts.persist.duplicate", "redelivered alerts skipped"),
		malformed: metrics.Counter("alerts.persist.malformed", "alert messages dropped as malformed"),
	}
}

// Handle is a kafkax.Handler. Undecodable values are dropped; a persistence
// failure is returned so the message is redelivered instead of committed.
func (s *Sink) Handle(ctx context.Context, msg kafka.Message) error {
	alert, err := alerting.DecodeAlert(msg.Value)
	if err != nil {
		s.malformed.Inc(ctx)
		s.logger.Warn("dropping malformed alert",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"err", err,
		)
		return nil
	}
	return s.OnAlert(ctx, alert, msg.Partition, msg.Offset)
}

// OnAlert persists one alert. An alert with an empty payload is still stored.
func (s *Sink) OnAlert(ctx context.Context, alert alerting.Alert, partition int, offset int64) error {
	if len(alert.Payload) == 0 || string(alert.Payload) == "null" {
		s.logger.Warn("alert has empty payload; persisting anyway",
			"rule_key", alert.RuleKey,
			"source", alert.DedupKey(),
		)
	}

	dedupKey := alert.DedupKey()
	hasSource := alert.SourceTopic != ""
	if hasSource {
		seen, err := s.seen.Seen(ctx, dedupKey)
		if err != nil {
			s.logger.Warn("dedup lookup failed", "key", dedupKey, "err", err)
		} else if seen {
			s.duplicate.Inc(ctx)
			s.logger.Info("alert already persisted", "key", dedupKey)
			return nil
		}
	}

	inserted, err := s.store.Insert(ctx, storage.Record{
		Alert:          alert,
		KafkaPartition: partition,
		KafkaOffset:    offset,
	})
	if err != nil {
		s.failure.Inc(ctx, attribute.String("source_type", alert.SourceType))
		s.logger.Error("failed to persist alert", "key", dedupKey, "err", err)
		return fmt.Errorf("persist alert %s: %w", dedupKey, err)
	}
	if !inserted {
		s.duplicate.Inc(ctx)
		s.logger.Info("alert already persisted", "key", dedupKey)
	} else {
		s.success.Inc(ctx, attribute.String("source_type", alert.SourceType))
		s.logger.Info("alert persisted",
			"type", alert.SourceType,
			"tenant_id", alert.TenantID,
			"amount", alert.Amount,
			"rule_key", alert.RuleKey,
			"source", dedupKey,
		)
	}

	if hasSource {
		if err := s.seen.Mark(ctx, dedupKey); err != nil {
			s.logger.Warn("dedup mark failed", "key", dedupKey, "err", err)
		}
	}
	return nil
}
