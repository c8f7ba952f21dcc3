package source

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rgq/edabank/libs/alerting"
	"github.com/segmentio/kafka-go"
)

const (
	ModeOutbox = "outbox"
	ModeCDC    = "cdc"
)

// Decoder turns a consumed message into a domain event plus the raw event
// document that is carried into the alert payload.
type Decoder interface {
	Decode(msg kafka.Message) (alerting.DomainEvent, json.RawMessage, error)
}

// ForMode returns the decoder for SOURCE_MODE.
func ForMode(mode string) (Decoder, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", ModeOutbox:
		return Outbox{}, nil
	case ModeCDC:
		return CDC{}, nil
	default:
		return nil, fmt.Errorf("unknown source mode %q", mode)
	}
}

// Outbox decodes values published by the outbox relay: the value is the
// domain event document itself.
type Outbox struct{}

func (Outbox) Decode(msg kafka.Message) (alerting.DomainEvent, json.RawMessage, error) {
	evt, err := alerting.DecodeDomainEvent(msg.Value)
	if err != nil {
		return evt, nil, err
	}
	return evt, json.RawMessage(msg.Value), nil
}

// CDC decodes Debezium change events captured from the outbox table. The
// event document sits in after.payload, either as a JSON string (text column)
// or as an object (jsonb column). Envelopes with and without the schema
// wrapper are accepted.
type CDC struct{}

type cdcRow struct {
	Payload     json.RawMessage `json:"payload"`
	AggregateID json.RawMessage `json:"aggregate_id"`
}

type cdcEnvelope struct {
	Payload *struct {
		After *cdcRow `json:"after"`
	} `json:"payload"`
	After *cdcRow `json:"after"`
}

func (CDC) Decode(msg kafka.Message) (alerting.DomainEvent, json.RawMessage, error) {
	if len(msg.Value) == 0 {
		return alerting.DomainEvent{}, nil, fmt.Errorf("%w: empty change event", alerting.ErrMalformed)
	}
	var env cdcEnvelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		return alerting.DomainEvent{}, nil, fmt.Errorf("%w: %v", alerting.ErrMalformed, err)
	}

	row := env.After
	if env.Payload != nil && env.Payload.After != nil {
		row = env.Payload.After
	}
	if row == nil {
		return alerting.DomainEvent{}, nil, fmt.Errorf("%w: change event has no after image", alerting.ErrMalformed)
	}

	doc, err := unwrapDocument(row.Payload)
	if err != nil {
		return alerting.DomainEvent{}, nil, err
	}
	evt, err := alerting.DecodeDomainEvent(doc)
	if err != nil {
		return evt, nil, err
	}
	return evt, doc, nil
}

func unwrapDocument(raw json.RawMessage) (json.RawMessage, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("%w: empty outbox payload", alerting.ErrMalformed)
	}
	if raw[0] != '"' {
		return raw, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", alerting.ErrMalformed, err)
	}
	if strings.TrimSpace(s) == "" {
		return nil, fmt.Errorf("%w: empty outbox payload", alerting.ErrMalformed)
	}
	return json.RawMessage(s), nil
}
