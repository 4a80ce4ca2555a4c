package repository

import (
	"context"
	"errors"

	"servicemarket/internal/model"

	"gorm.io/gorm"
)

type GormServiceRepository struct {
	db *gorm.DB
}

func NewServiceRepository(db *gorm.DB) *GormServiceRepository {
	return &GormServiceRepository{db: db}
}

func (r *GormServiceRepository) Create(ctx context.Context, svc *model.Service) error {
	return r.db.WithContext(ctx).Create(svc).Error
}

func (r *GormServiceRepository) GetByID(ctx context.Context, id string) (*model.Service, error) {
	var svc model.Service
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&svc).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrServiceNotFound
		}
		return nil, err
	}
	return &svc, nil
}

func (r *GormServiceRepository) Update(ctx context.Context, svc *model.Service) error {
	result := r.db.WithContext(ctx).
		Model(&model.Service{}).
		Where("id = ?", svc.ID).
		Updates(map[string]interface{}{
			"title":                    svc.Title,
			"description":              svc.Description,
			"price":                    svc.Price,
			"currency":                 svc.Currency,
			"image_url":                svc.ImageURL,
			"is_physical":              svc.IsPhysical,
			"is_online":                svc.IsOnline,
			"payment_type":             svc.PaymentType,
			"preferred_payment_method": svc.PreferredPaymentMethod,
			"updated_at":               svc.UpdatedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrServiceNotFound
	}
	return nil
}

func (r *GormServiceRepository) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Where("id = ?", id).Delete(&model.Service{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrServiceNotFound
	}
	return nil
}

func (r *GormServiceRepository) ListByUser(ctx context.Context, userID string) ([]*model.Service, error) {
	var services []*model.Service
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&services).Error
	return services, err
}

func (r *GormServiceRepository) List(ctx context.Context, page, pageSize int) ([]*model.Service, int64, error) {
	var services []*model.Service
	var total int64

	page, pageSize = Paginate(page, pageSize)
	query := r.db.WithContext(ctx).Model(&model.Service{})

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	err := query.
		Order("created_at DESC").
		Offset((page - 1) * pageSize).
		Limit(pageSize).
		Find(&services).Error

	return services, total, err
}
