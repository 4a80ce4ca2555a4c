package repository

import (
	"context"
	"errors"

	"servicemarket/internal/model"

	"gorm.io/gorm"
)

type GormOutboxRepository struct {
	db *gorm.DB
}

func NewOutboxRepository(db *gorm.DB) *GormOutboxRepository {
	return &GormOutboxRepository{db: db}
}

func (r *GormOutboxRepository) ListPending(ctx context.Context, limit int) ([]*model.OutboxMessage, error) {
	var messages []*model.OutboxMessage
	err := r.db.WithContext(ctx).
		Where("status = ?", model.OutboxStatusPending).
		Order("created_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&messages).Error
	return messages, err
}

func (r *GormOutboxRepository) MarkSent(ctx context.Context, id int64) error {
	return r.db.WithContext(ctx).
		Model(&model.OutboxMessage{}).
		Where("id = ? AND status = ?", id, model.OutboxStatusPending).
		Update("status", model.OutboxStatusSent).Error
}

// RecordFailure 累加一次重试次数，达到 maxRetry 时同时置为 FAILED
//
// 按读到的 retry_count 做条件更新，并发记录时只有一次生效。
func (r *GormOutboxRepository) RecordFailure(ctx context.Context, id int64, maxRetry int) (exhausted bool, err error) {
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var msg model.OutboxMessage
		if err := tx.Where("id = ? AND status = ?", id, model.OutboxStatusPending).First(&msg).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrOutboxNotPending
			}
			return err
		}

		next := msg.RetryCount + 1
		status := model.OutboxStatusPending
		if next >= maxRetry {
			status = model.OutboxStatusFailed
		}
		res := tx.Model(&model.OutboxMessage{}).
			Where("id = ? AND status = ? AND retry_count = ?", id, model.OutboxStatusPending, msg.RetryCount).
			Updates(map[string]interface{}{"retry_count": next, "status": status})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrOutboxNotPending
		}
		exhausted = status == model.OutboxStatusFailed
		return nil
	})
	return exhausted, err
}
