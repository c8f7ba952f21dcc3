package kafkax

import (
	"context"
	"errors"
	"sync"

	"github.com/segmentio/kafka-go"
)

var ErrReaderClosed = errors.New("kafka topic reader closed")

// TopicReader reads every partition of a topic from the first offset without
// joining a consumer group. Nothing is committed, so each new TopicReader
// replays the topic from the start. Order is kept within a partition.
type TopicReader struct {
	brokers string
	topic   string

	mu      sync.Mutex
	started bool
	closed  bool
	readers []*kafka.Reader
	cancel  context.CancelFunc
	pumps   sync.WaitGroup

	msgs chan kafka.Message
	errs chan error
}

func NewTopicReader(brokers, topic string) *TopicReader {
	return &TopicReader{
		brokers: brokers,
		topic:   topic,
		msgs:    make(chan kafka.Message),
		errs:    make(chan error),
	}
}

// FetchMessage returns the next message from any partition. Partitions are
// looked up on the first call; a lookup failure is returned and retried on
// the next call.
func (t *TopicReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if err := t.start(ctx); err != nil {
		return kafka.Message{}, err
	}
	select {
	case msg := <-t.msgs:
		return msg, nil
	case err := <-t.errs:
		return kafka.Message{}, err
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (t *TopicReader) start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrReaderClosed
	}
	if t.started {
		return nil
	}

	ids, err := Partitions(ctx, t.brokers, t.topic)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	for _, id := range ids {
		r := kafka.NewReader(kafka.ReaderConfig{
			Brokers:   SplitBrokers(t.brokers),
			Topic:     t.topic,
			Partition: id,
			MinBytes:  1,
			MaxBytes:  10e6,
		})
		if err := r.SetOffset(kafka.FirstOffset); err != nil {
			cancel()
			for _, opened := range append(t.readers, r) {
				_ = opened.Close()
			}
			t.readers = nil
			return err
		}
		t.readers = append(t.readers, r)
	}
	for _, r := range t.readers {
		t.pumps.Add(1)
		go t.pump(runCtx, r)
	}
	t.started = true
	return nil
}

func (t *TopicReader) pump(ctx context.Context, r *kafka.Reader) {
	defer t.pumps.Done()
	for {
		msg, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			select {
			case t.errs <- err:
				continue
			case <-ctx.Done():
				return
			}
		}
		select {
		case t.msgs <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (t *TopicReader) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	if t.cancel != nil {
		t.cancel()
	}
	var errs []error
	for _, r := range t.readers {
		errs = append(errs, r.Close())
	}
	t.mu.Unlock()

	t.pumps.Wait()
	return errors.Join(errs...)
}
