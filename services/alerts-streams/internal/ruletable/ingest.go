package ruletable

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rgq/edabank/libs/alerting"
	otelx "github.com/rgq/edabank/libs/otel"
	"github.com/segmentio/kafka-go"
)

// Reader is what the ingester reads rule updates from, typically a
// kafkax.TopicReader. Offsets are never committed: every process start
// replays the full rule history.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

type IngesterConfig struct {
	// EndOffsets reports the end offset per partition of the rule topic at
	// startup. The table is ready once every partition was read up to it.
	EndOffsets func(ctx context.Context) (map[int]int64, error)
	// IdleAfter marks the table ready when no update arrived for this long,
	// covering the case where end offsets are unavailable. Defaults to 3s.
	IdleAfter time.Duration
}

// Ingester is the single writer of a Table.
type Ingester struct {
	table  *Table
	reader Reader
	logger *slog.Logger
	cfg    IngesterConfig

	applied   *otelx.Counter
	malformed *otelx.Counter

	// pending holds partitions not yet read up to their startup end offset.
	// It stays nil when the end offsets could not be loaded.
	pending map[int]int64

	readyOnce sync.Once
	ready     chan struct{}
}

func NewIngester(table *Table, reader Reader, logger *slog.Logger, metrics *otelx.Registry, cfg IngesterConfig) *Ingester {
	if cfg.IdleAfter <= 0 {
		cfg.IdleAfter = 3 * time.Second
	}
	return &Ingester{
		table:     table,
		reader:    reader,
		logger:    logger,
		cfg:       cfg,
		applied:   metrics.Counter("rules.applied", "rule updates applied to the rule table"),
		malformed: metrics.Counter("rules.malformed", "rule updates dropped as malformed"),
		ready:     make(chan struct{}),
	}
}

func (i *Ingester) Run(ctx context.Context) {
	defer i.reader.Close()

	i.loadEndOffsets(ctx)

	for {
		fetchCtx, cancel := context.WithTimeout(ctx, i.cfg.IdleAfter)
		msg, err := i.reader.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, context.DeadlineExceeded) {
				if i.pending == nil {
					i.markReady("idle")
				}
				continue
			}
			i.logger.Error("rule update read error", "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		i.Apply(ctx, msg)
		i.advance(msg.Partition, msg.Offset)
	}
}

func (i *Ingester) loadEndOffsets(ctx context.Context) {
	if i.cfg.EndOffsets == nil {
		return
	}
	ends, err := i.cfg.EndOffsets(ctx)
	if err != nil {
		i.logger.Warn("rule topic end offsets unavailable; readiness falls back to idle detection", "err", err)
		return
	}
	i.pending = make(map[int]int64, len(ends))
	for p, end := range ends {
		if end > 0 {
			i.pending[p] = end
		}
	}
	if len(i.pending) == 0 {
		i.markReady("empty rule topic")
	}
}

func (i *Ingester) advance(partition int, offset int64) {
	end, ok := i.pending[partition]
	if !ok || offset < end-1 {
		return
	}
	delete(i.pending, partition)
	if len(i.pending) == 0 {
		i.markReady("caught up")
	}
}

// Apply decodes one rule-update message and stores it. The message key, when
// present, is the authoritative rule key.
func (i *Ingester) Apply(ctx context.Context, msg kafka.Message) bool {
	update, err := alerting.DecodeRuleUpdate(msg.Value)
	if err != nil {
		i.malformed.Inc(ctx)
		i.logger.Warn("dropping malformed rule update",
			"partition", msg.Partition,
			"offset", msg.Offset,
			"key", string(msg.Key),
			"err", err,
		)
		return false
	}

	rule := update.Normalize()
	if len(msg.Key) > 0 && string(msg.Key) != rule.Key {
		i.logger.Warn("rule update key differs from derived key; using message key",
			"key", string(msg.Key),
			"derived_key", rule.Key,
		)
		rule.Key = string(msg.Key)
	}
	i.table.Apply(rule)
	i.applied.Inc(ctx)
	i.logger.Debug("rule applied", "key", rule.Key, "threshold", rule.Threshold, "enabled", rule.Enabled)
	return true
}

func (i *Ingester) markReady(reason string) {
	i.readyOnce.Do(func() {
		i.logger.Info("rule table ready", "reason", reason, "rules", i.table.Len())
		close(i.ready)
	})
}

// Ready is closed once the initial replay caught up.
func (i *Ingester) Ready() <-chan struct{} {
	return i.ready
}

func (i *Ingester) IsReady() bool {
	select {
	case <-i.ready:
		return true
	default:
		return false
	}
}

// WaitReady blocks until the replay caught up, timeout elapsed or ctx ended.
// It reports whether the table is ready.
func (i *Ingester) WaitReady(ctx context.Context, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-i.ready:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}
