package hosted

import (
	"context"
	"errors"

	"servicemarket/internal/model"
	"servicemarket/internal/repository"

	"github.com/jackc/pgx/v5"
)

const serviceColumns = `id, title, description, price, currency, image_url, is_physical, is_online,
	payment_type, preferred_payment_method, user_id, created_at, updated_at`

type serviceRepo struct {
	store *Store
}

func scanService(row pgx.Row) (*model.Service, error) {
	var svc model.Service
	err := row.Scan(
		&svc.ID, &svc.Title, &svc.Description, &svc.Price, &svc.Currency, &svc.ImageURL,
		&svc.IsPhysical, &svc.IsOnline, &svc.PaymentType, &svc.PreferredPaymentMethod,
		&svc.UserID, &svc.CreatedAt, &svc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &svc, nil
}

func collectServices(rows pgx.Rows) ([]*model.Service, error) {
	defer rows.Close()
	var services []*model.Service
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		services = append(services, svc)
	}
	return services, rows.Err()
}

func (r *serviceRepo) Create(ctx context.Context, svc *model.Service) error {
	return r.store.scoped(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO services (`+serviceColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			svc.ID, svc.Title, svc.Description, svc.Price, svc.Currency, svc.ImageURL,
			svc.IsPhysical, svc.IsOnline, svc.PaymentType, svc.PreferredPaymentMethod,
			svc.UserID, svc.CreatedAt, svc.UpdatedAt,
		)
		return err
	})
}

func (r *serviceRepo) GetByID(ctx context.Context, id string) (*model.Service, error) {
	var svc *model.Service
	err := r.store.scoped(ctx, func(tx pgx.Tx) error {
		var err error
		svc, err = scanService(tx.QueryRow(ctx, `SELECT `+serviceColumns+` FROM services WHERE id = $1`, id))
		return err
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, repository.ErrServiceNotFound
	}
	return svc, err
}

// Update 行级安全下，非发布者的更新影响 0 行，同样返回 ErrServiceNotFound
func (r *serviceRepo) Update(ctx context.Context, svc *model.Service) error {
	return r.store.scoped(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE services SET
				title = $2, description = $3, price = $4, currency = $5, image_url = $6,
				is_physical = $7, is_online = $8, payment_type = $9, preferred_payment_method = $10,
				updated_at = $11
			WHERE id = $1`,
			svc.ID, svc.Title, svc.Description, svc.Price, svc.Currency, svc.ImageURL,
			svc.IsPhysical, svc.IsOnline, svc.PaymentType, svc.PreferredPaymentMethod, svc.UpdatedAt,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return repository.ErrServiceNotFound
		}
		return nil
	})
}

func (r *serviceRepo) Delete(ctx context.Context, id string) error {
	return r.store.scoped(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM services WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return repository.ErrServiceNotFound
		}
		return nil
	})
}

func (r *serviceRepo) ListByUser(ctx context.Context, userID string) ([]*model.Service, error) {
	var services []*model.Service
	err := r.store.scoped(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `SELECT `+serviceColumns+` FROM services
			WHERE user_id = $1 ORDER BY created_at DESC`, userID)
		if err != nil {
			return err
		}
		services, err = collectServices(rows)
		return err
	})
	return services, err
}

func (r *serviceRepo) List(ctx context.Context, page, pageSize int) ([]*model.Service, int64, error) {
	page, pageSize = repository.Paginate(page, pageSize)

	var (
		services []*model.Service
		total    int64
	)
	err := r.store.scoped(ctx, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `SELECT count(*) FROM services`).Scan(&total); err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `SELECT `+serviceColumns+` FROM services
			ORDER BY created_at DESC LIMIT $1 OFFSET $2`, pageSize, (page-1)*pageSize)
		if err != nil {
			return err
		}
		services, err = collectServices(rows)
		return err
	})
	return services, total, err
}
