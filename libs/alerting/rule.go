package alerting

import (
	"encoding/json"
	"fmt"
	"strings"
)

// RuleKey derives the lookup key for a rule or event: "tenantId:type" when the
// tenant is present and non-blank, otherwise just "type".
func RuleKey(tenantID, eventType string) string {
	if strings.TrimSpace(tenantID) != "" {
		return tenantID + ":" + eventType
	}
	return eventType
}

// RuleUpdate is the value published to the rule-updates topic.
// Threshold and Enabled are optional on the wire.
type RuleUpdate struct {
	Type      string   `json:"type"`
	TenantID  string   `json:"tenantId,omitempty"`
	Threshold *float64 `json:"threshold,omitempty"`
	Enabled   *bool    `json:"enabled,omitempty"`
}

func (u RuleUpdate) Key() string {
	return RuleKey(u.TenantID, u.Type)
}

// Rule is the conflated, current value for a rule key.
type Rule struct {
	Key       string  `json:"key"`
	TenantID  string  `json:"tenantId,omitempty"`
	Type      string  `json:"type"`
	Threshold float64 `json:"threshold"`
	Enabled   bool    `json:"enabled"`
}

// Normalize applies the wire defaults (threshold 0, enabled true).
func (u RuleUpdate) Normalize() Rule {
	r := Rule{
		Key:      u.Key(),
		TenantID: u.TenantID,
		Type:     u.Type,
		Enabled:  true,
	}
	if u.Threshold != nil {
		r.Threshold = *u.Threshold
	}
	if u.Enabled != nil {
		r.Enabled = *u.Enabled
	}
	return r
}

func (u RuleUpdate) Validate() error {
	if strings.TrimSpace(u.Type) == "" {
		return ErrMissingType
	}
	if u.Threshold != nil && *u.Threshold < 0 {
		return fmt.Errorf("%w: negative threshold", ErrMalformed)
	}
	return nil
}

// DecodeRuleUpdate parses a rule-updates value.
func DecodeRuleUpdate(value []byte) (RuleUpdate, error) {
	var u RuleUpdate
	if len(value) == 0 {
		return u, fmt.Errorf("%w: empty rule update", ErrMalformed)
	}
	if err := json.Unmarshal(value, &u); err != nil {
		return u, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := u.Validate(); err != nil {
		return u, err
	}
	return u, nil
}
