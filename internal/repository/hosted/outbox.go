package hosted

import (
	"context"
	"errors"

	"servicemarket/internal/model"
	"servicemarket/internal/repository"

	"github.com/jackc/pgx/v5"
)

// outboxRepo 只被后台任务使用，直接走连接池，不经过行级安全
type outboxRepo struct {
	store *Store
}

func (r *outboxRepo) ListPending(ctx context.Context, limit int) ([]*model.OutboxMessage, error) {
	rows, err := r.store.pool.Query(ctx, `SELECT id, message_key, topic, payload, status, retry_count, created_at, updated_at
		FROM outbox_message WHERE status = $1 ORDER BY created_at ASC, id ASC LIMIT $2`,
		model.OutboxStatusPending, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (*model.OutboxMessage, error) {
		var m model.OutboxMessage
		err := row.Scan(&m.ID, &m.MessageKey, &m.Topic, &m.Payload, &m.Status, &m.RetryCount, &m.CreatedAt, &m.UpdatedAt)
		return &m, err
	})
}

func (r *outboxRepo) MarkSent(ctx context.Context, id int64) error {
	_, err := r.store.pool.Exec(ctx, `UPDATE outbox_message SET status = $2, updated_at = now() WHERE id = $1 AND status = $3`,
		id, model.OutboxStatusSent, model.OutboxStatusPending)
	return err
}

// RecordFailure SET 里的 retry_count 取的是更新前的值
func (r *outboxRepo) RecordFailure(ctx context.Context, id int64, maxRetry int) (bool, error) {
	var status string
	err := r.store.pool.QueryRow(ctx, `UPDATE outbox_message
		SET retry_count = retry_count + 1,
			status = CASE WHEN retry_count + 1 >= $2 THEN $3 ELSE status END,
			updated_at = now()
		WHERE id = $1 AND status = $4
		RETURNING status`,
		id, maxRetry, model.OutboxStatusFailed, model.OutboxStatusPending).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, repository.ErrOutboxNotPending
	}
	if err != nil {
		return false, err
	}
	return status == model.OutboxStatusFailed, nil
}
