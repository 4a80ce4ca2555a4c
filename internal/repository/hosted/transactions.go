package hosted

import (
	"context"
	"errors"
	"time"

	"servicemarket/internal/model"
	"servicemarket/internal/repository"

	"github.com/jackc/pgx/v5"
)

const transactionColumns = `id, reference, service_id, buyer_id, seller_id, total_amount, commission_rate,
	commission_amount, seller_amount, currency, payment_method, payment_id, capture_id, status,
	expires_at, completed_at, created_at, updated_at`

type transactionRepo struct {
	store *Store
}

func scanTransaction(row pgx.Row) (*model.Transaction, error) {
	var t model.Transaction
	err := row.Scan(
		&t.ID, &t.Reference, &t.ServiceID, &t.BuyerID, &t.SellerID, &t.TotalAmount, &t.CommissionRate,
		&t.CommissionAmount, &t.SellerAmount, &t.Currency, &t.PaymentMethod, &t.PaymentID, &t.CaptureID,
		&t.Status, &t.ExpiresAt, &t.CompletedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *transactionRepo) Create(ctx context.Context, t *model.Transaction) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	return r.store.scoped(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO transactions (`+transactionColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
			t.ID, t.Reference, t.ServiceID, t.BuyerID, t.SellerID, t.TotalAmount, t.CommissionRate,
			t.CommissionAmount, t.SellerAmount, t.Currency, t.PaymentMethod, t.PaymentID, t.CaptureID,
			t.Status, t.ExpiresAt, t.CompletedAt, t.CreatedAt, t.UpdatedAt,
		)
		return err
	})
}

func (r *transactionRepo) GetByID(ctx context.Context, id string) (*model.Transaction, error) {
	return r.first(ctx, `id = $1`, id)
}

func (r *transactionRepo) GetByPayment(ctx context.Context, method, paymentID string) (*model.Transaction, error) {
	return r.first(ctx, `payment_method = $1 AND payment_id = $2`, method, paymentID)
}

func (r *transactionRepo) first(ctx context.Context, where string, args ...any) (*model.Transaction, error) {
	var t *model.Transaction
	err := r.store.scoped(ctx, func(tx pgx.Tx) error {
		var err error
		t, err = scanTransaction(tx.QueryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE `+where, args...))
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrTransactionNotFound
	}
	return t, err
}

func (r *transactionRepo) UpdateStatus(ctx context.Context, id string, change model.StatusChange, event *model.OutboxMessage) error {
	if !model.CanTransitionTo(change.From, change.To) {
		return repository.ErrStatusConflict
	}

	return r.store.scoped(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE transactions SET
				status = $3,
				capture_id = COALESCE($4, capture_id),
				completed_at = COALESCE($5, completed_at),
				updated_at = now()
			WHERE id = $1 AND status = $2`,
			id, change.From, change.To, change.CaptureID, change.CompletedAt,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return repository.ErrStatusConflict
		}

		if event != nil {
			_, err = tx.Exec(ctx, `INSERT INTO outbox_message (message_key, topic, payload, status, retry_count)
				VALUES ($1, $2, $3, $4, $5)`,
				event.MessageKey, event.Topic, event.Payload, event.Status, event.RetryCount,
			)
		}
		return err
	})
}

func (r *transactionRepo) GetExpiredPending(ctx context.Context, now time.Time, limit int) ([]*model.Transaction, error) {
	return r.list(ctx, `status = $1 AND expires_at < $2 ORDER BY expires_at ASC LIMIT $3`,
		model.TransactionStatusPending, now, limit)
}

func (r *transactionRepo) ListByBuyer(ctx context.Context, buyerID string) ([]*model.Transaction, error) {
	return r.list(ctx, `buyer_id = $1 ORDER BY created_at DESC`, buyerID)
}

func (r *transactionRepo) ListBySeller(ctx context.Context, sellerID string) ([]*model.Transaction, error) {
	return r.list(ctx, `seller_id = $1 ORDER BY created_at DESC`, sellerID)
}

func (r *transactionRepo) list(ctx context.Context, where string, args ...any) ([]*model.Transaction, error) {
	var transactions []*model.Transaction
	err := r.store.scoped(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE `+where, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			t, err := scanTransaction(rows)
			if err != nil {
				return err
			}
			transactions = append(transactions, t)
		}
		return rows.Err()
	})
	return transactions, err
}

func (r *transactionRepo) CommissionTotals(ctx context.Context) ([]model.CommissionTotal, error) {
	var totals []model.CommissionTotal
	err := r.store.scoped(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT currency, COALESCE(SUM(commission_amount), 0)::bigint, count(*)
			FROM transactions WHERE status = $1
			GROUP BY currency ORDER BY currency`, model.TransactionStatusCompleted)
		if err != nil {
			return err
		}
		totals, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.CommissionTotal, error) {
			var t model.CommissionTotal
			err := row.Scan(&t.Currency, &t.CommissionAmount, &t.Count)
			return t, err
		})
		return err
	})
	return totals, err
}
