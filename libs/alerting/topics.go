package alerting

const (
	TopicPayments  = "payments-events"
	TopicTransfers = "transfers-events"
	TopicRules     = "rule-updates"
	TopicAlerts    = "alerts"
	TopicCDC       = "dbz-outbox.pos.outbox"
)

const AlertTypeThresholdExceeded = "threshold_exceeded"
