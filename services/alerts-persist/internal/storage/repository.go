package storage

import (
	"context"
	"strings"
	"time"

	"github.com/rgq/edabank/libs/alerting"
	"github.com/rgq/edabank/libs/db"
)

const MaxRecent = 100

// Record is a persisted alert together with where the sink read it from.
type Record struct {
	ID             int64          `json:"id"`
	Alert          alerting.Alert `json:"alert"`
	KafkaPartition int            `json:"kafkaPartition"`
	KafkaOffset    int64          `json:"kafkaOffset"`
	CreatedAt      time.Time      `json:"createdAt"`
}

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert stores an alert. It reports false when an alert for the same source
// message is already stored.
func (r *Repository) Insert(ctx context.Context, rec Record) (bool, error) {
	a := rec.Alert
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO alerts (
			alert_type, source_type, tenant_id, amount, event_id, rule_key, threshold, payload,
			source_topic, source_partition, source_offset, kafka_partition, kafka_offset
		)
		VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8,
			NULLIF($9, ''), $10, $11, $12, $13)
		ON CONFLICT (source_topic, source_partition, source_offset) WHERE source_topic IS NOT NULL
		DO NOTHING
	`, a.AlertType, a.SourceType, a.TenantID, a.Amount, a.EventID, a.RuleKey, a.Threshold, string(a.Payload),
		a.SourceTopic, a.SourcePartition, a.SourceOffset, rec.KafkaPartition, rec.KafkaOffset)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Recent returns up to limit alerts, newest first, optionally for one tenant.
func (r *Repository) Recent(ctx context.Context, tenantID string, limit int) ([]Record, error) {
	if limit <= 0 || limit > MaxRecent {
		limit = MaxRecent
	}
	tenantID = strings.TrimSpace(tenantID)

	rows, err := r.pool.Query(ctx, `
		SELECT id, alert_type, source_type, COALESCE(tenant_id, ''), amount, COALESCE(event_id, ''),
			COALESCE(rule_key, ''), threshold, payload, COALESCE(source_topic, ''), source_partition,
			source_offset, kafka_partition, kafka_offset, created_at
		FROM alerts
		WHERE ($1 = '' OR tenant_id = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Record, 0, limit)
	for rows.Next() {
		var rec Record
		var payload string
		a := &rec.Alert
		if err := rows.Scan(&rec.ID, &a.AlertType, &a.SourceType, &a.TenantID, &a.Amount, &a.EventID,
			&a.RuleKey, &a.Threshold, &payload, &a.SourceTopic, &a.SourcePartition,
			&a.SourceOffset, &rec.KafkaPartition, &rec.KafkaOffset, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if payload != "" {
			a.Payload = []byte(payload)
		}
		a.CreatedAt = rec.CreatedAt
		out = append(out, rec)
	}
	return out, rows.Err()
}
