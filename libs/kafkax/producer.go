package kafkax

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/codes"
)

// Writer is the subset of *kafka.Writer the producer needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type ProducerConfig struct {
	Brokers string
	// Topic is optional; when empty every message must carry its own topic.
	Topic        string
	WriteTimeout time.Duration
}

// Producer writes messages synchronously: Publish returns only after the
// broker acknowledged the write (acks=all).
type Producer struct {
	writer  Writer
	timeout time.Duration
}

func NewProducer(cfg ProducerConfig) (*Producer, error) {
	brokers := SplitBrokers(cfg.Brokers)
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers not configured")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	return NewProducerWithWriter(w, cfg.WriteTimeout), nil
}

func NewProducerWithWriter(w Writer, timeout time.Duration) *Producer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Producer{writer: w, timeout: timeout}
}

// Publish writes msg under a producer span whose context travels in the
// message headers.
func (p *Producer) Publish(ctx context.Context, msg kafka.Message) error {
	ctx, span := StartProduceSpan(ctx, msg)
	defer span.End()
	msg.Headers = InjectTraceHeaders(ctx, msg.Headers)

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "publish failed")
		return err
	}
	return nil
}

func (p *Producer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
