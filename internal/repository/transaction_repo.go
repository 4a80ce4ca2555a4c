package repository

import (
	"context"
	"errors"
	"time"

	"servicemarket/internal/model"

	"gorm.io/gorm"
)

type GormTransactionRepository struct {
	db *gorm.DB
}

func NewTransactionRepository(db *gorm.DB) *GormTransactionRepository {
	return &GormTransactionRepository{db: db}
}

func (r *GormTransactionRepository) Create(ctx context.Context, trans *model.Transaction) error {
	return r.db.WithContext(ctx).Create(trans).Error
}

func (r *GormTransactionRepository) GetByID(ctx context.Context, id string) (*model.Transaction, error) {
	return r.first(ctx, "id = ?", id)
}

func (r *GormTransactionRepository) GetByPayment(ctx context.Context, method, paymentID string) (*model.Transaction, error) {
	return r.first(ctx, "payment_method = ? AND payment_id = ?", method, paymentID)
}

func (r *GormTransactionRepository) first(ctx context.Context, query string, args ...interface{}) (*model.Transaction, error) {
	var trans model.Transaction
	err := r.db.WithContext(ctx).Where(query, args...).First(&trans).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &trans, nil
}

func (r *GormTransactionRepository) UpdateStatus(ctx context.Context, id string, change model.StatusChange, event *model.OutboxMessage) error {
	if !model.CanTransitionTo(change.From, change.To) {
		return ErrStatusConflict
	}

	updates := map[string]interface{}{
		"status":     change.To,
		"updated_at": time.Now().UTC(),
	}
	if change.CaptureID != nil {
		updates["capture_id"] = *change.CaptureID
	}
	if change.CompletedAt != nil {
		updates["completed_at"] = *change.CompletedAt
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// WHERE status = from 保证并发下只有一个流转成功
		result := tx.Model(&model.Transaction{}).
			Where("id = ? AND status = ?", id, change.From).
			Updates(updates)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrStatusConflict
		}

		if event != nil {
			if err := tx.Create(event).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *GormTransactionRepository) GetExpiredPending(ctx context.Context, now time.Time, limit int) ([]*model.Transaction, error) {
	var transactions []*model.Transaction
	err := r.db.WithContext(ctx).
		Where("status = ? AND expires_at < ?", model.TransactionStatusPending, now).
		Order("expires_at ASC").
		Limit(limit).
		Find(&transactions).Error
	return transactions, err
}

func (r *GormTransactionRepository) ListByBuyer(ctx context.Context, buyerID string) ([]*model.Transaction, error) {
	return r.list(ctx, "buyer_id = ?", buyerID)
}

func (r *GormTransactionRepository) ListBySeller(ctx context.Context, sellerID string) ([]*model.Transaction, error) {
	return r.list(ctx, "seller_id = ?", sellerID)
}

func (r *GormTransactionRepository) list(ctx context.Context, query string, args ...interface{}) ([]*model.Transaction, error) {
	var transactions []*model.Transaction
	err := r.db.WithContext(ctx).
		Where(query, args...).
		Order("created_at DESC").
		Find(&transactions).Error
	return transactions, err
}

func (r *GormTransactionRepository) CommissionTotals(ctx context.Context) ([]model.CommissionTotal, error) {
	var totals []model.CommissionTotal
	err := r.db.WithContext(ctx).
		Model(&model.Transaction{}).
		Select("currency, SUM(commission_amount) AS commission_amount, COUNT(*) AS count").
		Where("status = ?", model.TransactionStatusCompleted).
		Group("currency").
		Order("currency ASC").
		Scan(&totals).Error
	return totals, err
}
