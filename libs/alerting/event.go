package alerting

import (
	"encoding/json"
	"fmt"
	"strings"
)

// DomainEvent is the subset of a payment or transfer event the evaluator needs.
// The full source document travels separately as raw bytes.
type DomainEvent struct {
	ID       string  `json:"id"`
	Type     string  `json:"type"`
	TenantID string  `json:"tenantId,omitempty"`
	Amount   float64 `json:"amount"`
}

func (e DomainEvent) RuleKey() string {
	return RuleKey(e.TenantID, e.Type)
}

type wireEvent struct {
	ID       json.RawMessage `json:"id"`
	Type     *string         `json:"type"`
	TenantID *string         `json:"tenantId"`
	Amount   *float64        `json:"amount"`
}

// DecodeDomainEvent parses a domain event document. A blank type or a missing
// amount is reported as malformed.
func DecodeDomainEvent(value []byte) (DomainEvent, error) {
	var w wireEvent
	if len(value) == 0 {
		return DomainEvent{}, fmt.Errorf("%w: empty event", ErrMalformed)
	}
	if err := json.Unmarshal(value, &w); err != nil {
		return DomainEvent{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if w.Type == nil || strings.TrimSpace(*w.Type) == "" {
		return DomainEvent{}, ErrMissingType
	}
	if w.Amount == nil {
		return DomainEvent{}, ErrMissingAmount
	}

	evt := DomainEvent{Type: *w.Type, Amount: *w.Amount}
	if w.TenantID != nil {
		evt.TenantID = *w.TenantID
	}
	evt.ID = rawID(w.ID)
	return evt, nil
}

// rawID accepts both string and numeric ids.
func rawID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
