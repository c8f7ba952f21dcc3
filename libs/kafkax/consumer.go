package kafkax

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/segmentio/kafka-go"
)

// Handler processes one message. A non-nil error is treated as transient and
// the message is retried; handlers drop unprocessable input by logging and
// returning nil.
type Handler func(ctx context.Context, msg kafka.Message) error

// Reader is the subset of *kafka.Reader the consumer needs.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type ReaderConfig struct {
	Brokers     string
	GroupID     string
	Topic       string
	StartOffset int64
}

func NewReader(cfg ReaderConfig) *kafka.Reader {
	startOffset := cfg.StartOffset
	if startOffset == 0 {
		startOffset = kafka.FirstOffset
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     SplitBrokers(cfg.Brokers),
		GroupID:     cfg.GroupID,
		Topic:       cfg.Topic,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: startOffset,
	})
}

type ConsumerOptions struct {
	// Name is used for log and span attributes; defaults to "kafka".
	Name string
	// HandlerTimeout bounds one handler attempt. Attempts run detached from
	// the run context so an in-flight message finishes during shutdown.
	HandlerTimeout time.Duration
	// RetryInitial and RetryMax shape the exponential backoff between attempts.
	RetryInitial time.Duration
	RetryMax     time.Duration
	// ReadErrorDelay is the pause after a failed fetch.
	ReadErrorDelay time.Duration
}

// Consumer delivers messages at least once: the offset is committed only
// after the handler succeeded, and a failing message is retried in place so
// per-partition order is kept.
type Consumer struct {
	reader  Reader
	logger  *slog.Logger
	handler Handler
	opts    ConsumerOptions
}

func NewConsumer(logger *slog.Logger, reader Reader, handler Handler, opts ConsumerOptions) *Consumer {
	if opts.Name == "" {
		opts.Name = "kafka"
	}
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = 30 * time.Second
	}
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = 500 * time.Millisecond
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 30 * time.Second
	}
	if opts.ReadErrorDelay <= 0 {
		opts.ReadErrorDelay = 1 * time.Second
	}
	return &Consumer{
		reader:  reader,
		logger:  logger,
		handler: handler,
		opts:    opts,
	}
}

func (c *Consumer) Run(ctx context.Context) {
	defer c.reader.Close()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("kafka read error", "consumer", c.opts.Name, "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.opts.ReadErrorDelay):
			}
			continue
		}

		if !c.process(ctx, msg) {
			return
		}
	}
}

// process returns false when the run context ended before msg was handled.
func (c *Consumer) process(ctx context.Context, msg kafka.Message) bool {
	ctxSpan, span := StartConsumeSpan(context.WithoutCancel(ctx), c.opts.Name, msg)
	defer span.End()

	err := c.attempt(ctxSpan, msg)
	for err != nil {
		span.RecordError(err)
		c.logger.Warn("handler error, retrying",
			"consumer", c.opts.Name,
			"topic", msg.Topic,
			"partition", msg.Partition,
			"offset", msg.Offset,
			"err", err,
		)
		_, err = backoff.Retry(ctx, func() (struct{}, error) {
			return struct{}{}, c.attempt(ctxSpan, msg)
		},
			backoff.WithBackOff(c.newBackOff()),
			backoff.WithMaxElapsedTime(c.opts.RetryMax*4),
		)
		if err != nil && ctx.Err() != nil {
			c.logger.Warn("shutdown before message was handled; it will be redelivered",
				"consumer", c.opts.Name, "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset)
			return false
		}
	}

	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.reader.CommitMessages(commitCtx, msg); err != nil {
		// The message may be delivered again after a rebalance or restart.
		c.logger.Error("offset commit failed", "consumer", c.opts.Name, "offset", msg.Offset, "err", err)
	}
	return true
}

func (c *Consumer) attempt(ctx context.Context, msg kafka.Message) error {
	ctx, cancel := context.WithTimeout(ctx, c.opts.HandlerTimeout)
	defer cancel()
	return c.handler(ctx, msg)
}

func (c *Consumer) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.RetryInitial
	b.MaxInterval = c.opts.RetryMax
	return b
}
