package storage

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/rgq/edabank/libs/db"
	"github.com/rgq/edabank/services/transactions-service/internal/outbox"
)

var ErrDuplicate = errors.New("record already exists")

type Payment struct {
	ID        string
	Type      string
	TenantID  string
	Amount    float64
	Currency  string
	AccountID string
	Payload   []byte
}

type Transfer struct {
	ID          string
	Type        string
	TenantID    string
	Amount      float64
	FromAccount string
	ToAccount   string
	Payload     []byte
}

// Repository writes domain rows together with their outbox rows. It never
// publishes; the relay does.
type Repository struct {
	pool   *db.Pool
	outbox *outbox.Repository
}

func NewRepository(pool *db.Pool, outboxRepo *outbox.Repository) *Repository {
	return &Repository{pool: pool, outbox: outboxRepo}
}

func (r *Repository) CreatePayment(ctx context.Context, p Payment, topic string) (string, error) {
	var eventID string
	err := r.pool.InTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO payments (id, type, tenant_id, amount, currency, account_id, payload)
			VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), NULLIF($6, ''), $7)
		`, p.ID, p.Type, p.TenantID, p.Amount, p.Currency, p.AccountID, string(p.Payload))
		if err != nil {
			return err
		}
		eventID, err = r.outbox.Insert(ctx, tx, outbox.Event{
			AggregateType: "payment",
			AggregateID:   p.ID,
			Topic:         topic,
			Payload:       p.Payload,
		})
		return err
	})
	if db.IsUniqueViolation(err) {
		return "", ErrDuplicate
	}
	return eventID, err
}

func (r *Repository) CreateTransfer(ctx context.Context, t Transfer, topic string) (string, error) {
	var eventID string
	err := r.pool.InTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO transfers (id, type, tenant_id, amount, from_account, to_account, payload)
			VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), NULLIF($6, ''), $7)
		`, t.ID, t.Type, t.TenantID, t.Amount, t.FromAccount, t.ToAccount, string(t.Payload))
		if err != nil {
			return err
		}
		eventID, err = r.outbox.Insert(ctx, tx, outbox.Event{
			AggregateType: "transfer",
			AggregateID:   t.ID,
			Topic:         topic,
			Payload:       t.Payload,
		})
		return err
	})
	if db.IsUniqueViolation(err) {
		return "", ErrDuplicate
	}
	return eventID, err
}
