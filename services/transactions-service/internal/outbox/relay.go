package outbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rgq/edabank/libs/kafkax"
	otelx "github.com/rgq/edabank/libs/otel"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
)

type Store interface {
	FetchUnsent(ctx context.Context, limit int) ([]Record, error)
	MarkSent(ctx context.Context, id int64) (bool, error)
}

type Publisher interface {
	Publish(ctx context.Context, msg kafka.Message) error
}

type RelayConfig struct {
	PollEvery time.Duration
	BatchSize int
}

// PollResult summarises one poll cycle.
type PollResult struct {
	Fetched   int
	Published int
	Failed    int
}

// Relay republishes unsent outbox rows. Rows are handled one by one: a row
// that fails to publish stays unsent and does not block the rows behind it.
type Relay struct {
	store     Store
	publisher Publisher
	logger    *slog.Logger
	pollEvery time.Duration
	batchSize int

	// mu serialises poll cycles so a row is never in flight twice.
	mu sync.Mutex

	published     *otelx.Counter
	failures      *otelx.Counter
	fetchFailures *otelx.Counter
	markFailures  *otelx.Counter
}

func NewRelay(store Store, publisher Publisher, logger *slog.Logger, metrics *otelx.Registry, cfg RelayConfig) *Relay {
	if cfg.PollEvery <= 0 {
		cfg.PollEvery = 10 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Relay{
		store:         store,
		publisher:     publisher,
		logger:        logger,
		pollEvery:     cfg.PollEvery,
		batchSize:     cfg.BatchSize,
		published:     metrics.Counter("outbox.publish.success", "outbox rows published to kafka"),
		failures:      metrics.Counter("outbox.publish.failure", "outbox publish attempts that failed"),
		fetchFailures: metrics.Counter("outbox.fetch.failure", "outbox fetches that failed"),
		markFailures:  metrics.Counter("outbox.mark.failure", "published rows that could not be marked sent"),
	}
}

func (r *Relay) Run(ctx context.Context) {
	ticker := time.NewTicker(r.pollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res := r.Poll(ctx)
			if res.Fetched > 0 {
				r.logger.Info("outbox poll",
					"fetched", res.Fetched,
					"published", res.Published,
					"failed", res.Failed,
				)
			}
		}
	}
}

// Poll runs one cycle. Errors are logged and counted, never returned.
func (r *Relay) Poll(ctx context.Context) PollResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	var res PollResult
	records, err := r.store.FetchUnsent(ctx, r.batchSize)
	if err != nil {
		r.fetchFailures.Inc(ctx)
		r.logger.Error("outbox fetch failed", "err", err)
		return res
	}
	res.Fetched = len(records)

	for _, rcd := range records {
		if ctx.Err() != nil {
			break
		}
		// A started row is finished even when shutdown begins mid-publish.
		if r.relay(context.WithoutCancel(ctx), rcd) {
			res.Published++
		} else {
			res.Failed++
		}
	}
	return res
}

func (r *Relay) relay(ctx context.Context, rcd Record) bool {
	msgCtx := rcd.Trace.Context(ctx)
	msg := kafka.Message{
		Topic:   rcd.Topic,
		Key:     []byte(rcd.AggregateID),
		Value:   rcd.Payload,
		Headers: kafkax.EventMeta{EventID: rcd.EventID, EventType: rcd.AggregateType}.Headers(),
	}
	if err := r.publisher.Publish(msgCtx, msg); err != nil {
		r.failures.Inc(ctx, attribute.String("topic", rcd.Topic))
		r.logger.Error("outbox publish failed",
			"outbox_id", rcd.ID,
			"topic", rcd.Topic,
			"aggregate_id", rcd.AggregateID,
			"failures_total", r.failures.Value(),
			"err", err,
		)
		return false
	}

	// Mark before moving on so the next cycle cannot publish this row again.
	marked, err := r.store.MarkSent(ctx, rcd.ID)
	if err != nil {
		r.markFailures.Inc(ctx)
		r.logger.Error("outbox mark sent failed; row will be published again",
			"outbox_id", rcd.ID,
			"err", err,
		)
		return true
	}
	if !marked {
		r.logger.Warn("outbox row was already marked sent", "outbox_id", rcd.ID)
	}
	r.published.Inc(ctx, attribute.String("topic", rcd.Topic))
	return true
}
