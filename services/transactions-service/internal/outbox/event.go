package outbox

import (
	"time"

	otelx "github.com/rgq/edabank/libs/otel"
)

// Event is the domain event envelope written to the outbox table in the same
// transaction as the domain row.
type Event struct {
	AggregateType string
	AggregateID   string
	Topic         string
	Payload       []byte
}

// Record is a stored outbox row. Sent moves from false to true exactly once
// and only the relay moves it.
type Record struct {
	ID            int64
	EventID       string
	AggregateType string
	AggregateID   string
	Topic         string
	Payload       []byte
	Sent          bool
	Trace         otelx.TraceContext
	CreatedAt     time.Time
}
