package outbox

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rgq/edabank/libs/db"
	otelx "github.com/rgq/edabank/libs/otel"
)

type Repository struct {
	pool *db.Pool
}

func NewRepository(pool *db.Pool) *Repository {
	return &Repository{pool: pool}
}

// Insert must run in the caller's transaction so the row commits with the domain write.
func (r *Repository) Insert(ctx context.Context, tx pgx.Tx, evt Event) (string, error) {
	eventID := uuid.NewString()
	trace := otelx.CaptureTraceContext(ctx)
	_, err := tx.Exec(ctx, `
		INSERT INTO outbox (event_id, aggregate_type, aggregate_id, topic, payload, traceparent, tracestate)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, eventID, evt.AggregateType, evt.AggregateID, evt.Topic, string(evt.Payload), trace.Traceparent, trace.Tracestate)
	if err != nil {
		return "", err
	}
	return eventID, nil
}

// FetchUnsent returns up to limit unsent rows, oldest first.
func (r *Repository) FetchUnsent(ctx context.Context, limit int) ([]Record, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, event_id::text, aggregate_type, aggregate_id, topic, payload, sent,
			COALESCE(traceparent, ''), COALESCE(tracestate, ''), created_at
		FROM outbox
		WHERE sent = false
		ORDER BY created_at, id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rcd Record
		var payload string
		if err := rows.Scan(&rcd.ID, &rcd.EventID, &rcd.AggregateType, &rcd.AggregateID, &rcd.Topic, &payload, &rcd.Sent, &rcd.Trace.Traceparent, &rcd.Trace.Tracestate, &rcd.CreatedAt); err != nil {
			return nil, err
		}
		rcd.Payload = []byte(payload)
		records = append(records, rcd)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return records, nil
}

// MarkSent flips sent to true. It reports false when the row was already sent.
func (r *Repository) MarkSent(ctx context.Context, id int64) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE outbox
		SET sent = true, sent_at = now()
		WHERE id = $1 AND sent = false
	`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
