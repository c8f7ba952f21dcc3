package kafkax

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/segmentio/kafka-go"
)

// Partitions lists the partition ids of topic in ascending order.
func Partitions(ctx context.Context, brokers, topic string) ([]int, error) {
	list := SplitBrokers(brokers)
	if len(list) == 0 {
		return nil, errors.New("kafka brokers not configured")
	}

	dialer := &kafka.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", list[0])
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", list[0], err)
	}
	defer conn.Close()

	partitions, err := conn.ReadPartitions(topic)
	if err != nil {
		return nil, fmt.Errorf("read partitions of %s: %w", topic, err)
	}
	ids := make([]int, 0, len(partitions))
	for _, p := range partitions {
		ids = append(ids, p.ID)
	}
	sort.Ints(ids)
	return ids, nil
}

// EndOffsets returns, per partition of topic, the offset the next written
// message will get. A partition with end offset 0 is empty.
func EndOffsets(ctx context.Context, brokers, topic string) (map[int]int64, error) {
	ids, err := Partitions(ctx, brokers, topic)
	if err != nil {
		return nil, err
	}
	seed := SplitBrokers(brokers)[0]

	dialer := &kafka.Dialer{}
	out := make(map[int]int64, len(ids))
	for _, id := range ids {
		leader, err := dialer.DialLeader(ctx, "tcp", seed, topic, id)
		if err != nil {
			return nil, fmt.Errorf("dial leader %s/%d: %w", topic, id, err)
		}
		last, err := leader.ReadLastOffset()
		_ = leader.Close()
		if err != nil {
			return nil, fmt.Errorf("read last offset %s/%d: %w", topic, id, err)
		}
		out[id] = last
	}
	return out, nil
}
