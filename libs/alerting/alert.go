package alerting

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Alert is the value emitted on the alerts topic and stored by the sink.
// SourceTopic/SourcePartition/SourceOffset identify the triggering message
// and double as the dedup key downstream.
type Alert struct {
	AlertType       string          `json:"alert"`
	SourceType      string          `json:"type"`
	TenantID        string          `json:"tenantId,omitempty"`
	Amount          float64         `json:"amount"`
	EventID         string          `json:"id,omitempty"`
	RuleKey         string          `json:"ruleKey,omitempty"`
	Threshold       float64         `json:"threshold"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	SourceTopic     string          `json:"sourceTopic,omitempty"`
	SourcePartition int             `json:"sourcePartition"`
	SourceOffset    int64           `json:"sourceOffset"`
	CreatedAt       time.Time       `json:"createdAt,omitzero"`
}

// DedupKey identifies the source message that produced the alert.
func (a Alert) DedupKey() string {
	return a.SourceTopic + "/" + strconv.Itoa(a.SourcePartition) + "/" + strconv.FormatInt(a.SourceOffset, 10)
}

func DecodeAlert(value []byte) (Alert, error) {
	var a Alert
	if len(value) == 0 {
		return a, fmt.Errorf("%w: empty alert", ErrMalformed)
	}
	if err := json.Unmarshal(value, &a); err != nil {
		return a, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if a.AlertType == "" {
		a.AlertType = AlertTypeThresholdExceeded
	}
	if a.SourceType == "" {
		a.SourceType = "unknown"
	}
	return a, nil
}
