package repository

import (
	"context"
	"errors"
	"time"

	"servicemarket/internal/model"
)

var (
	ErrServiceNotFound     = errors.New("服务不存在")
	ErrTransactionNotFound = errors.New("交易不存在")
	ErrStatusConflict      = errors.New("交易状态不合法")
	ErrOutboxNotPending    = errors.New("消息已不在待投递状态")
)

// Store 持久化端口
//
// 两个实现：gorm（sqlite / mysql）和 hosted（托管 Postgres + 行级安全）。
// 由 main 构造后注入，不存在包级别的全局连接。
type Store interface {
	Services() ServiceRepository
	Transactions() TransactionRepository
	Outbox() OutboxRepository
	Ping(ctx context.Context) error
	Close() error
}

type ServiceRepository interface {
	Create(ctx context.Context, svc *model.Service) error
	// GetByID 不存在时返回 ErrServiceNotFound
	GetByID(ctx context.Context, id string) (*model.Service, error)
	// Update 覆盖可变字段，id / user_id / created_at 不会被修改
	Update(ctx context.Context, svc *model.Service) error
	// Delete 没有删除任何行时返回 ErrServiceNotFound
	Delete(ctx context.Context, id string) error
	ListByUser(ctx context.Context, userID string) ([]*model.Service, error)
	List(ctx context.Context, page, pageSize int) ([]*model.Service, int64, error)
}

type TransactionRepository interface {
	Create(ctx context.Context, trans *model.Transaction) error
	GetByID(ctx context.Context, id string) (*model.Transaction, error)
	GetByPayment(ctx context.Context, method, paymentID string) (*model.Transaction, error)
	// UpdateStatus 带条件的状态流转：只有当前状态等于 change.From 时才会更新，
	// 否则返回 ErrStatusConflict。event 不为空时与状态变更在同一事务内写入 outbox。
	UpdateStatus(ctx context.Context, id string, change model.StatusChange, event *model.OutboxMessage) error
	GetExpiredPending(ctx context.Context, now time.Time, limit int) ([]*model.Transaction, error)
	ListByBuyer(ctx context.Context, buyerID string) ([]*model.Transaction, error)
	ListBySeller(ctx context.Context, sellerID string) ([]*model.Transaction, error)
	CommissionTotals(ctx context.Context) ([]model.CommissionTotal, error)
}

// OutboxRepository 交易事件的投递状态
//
// 消息只会从 PENDING 流转到 SENT 或 FAILED，已离开 PENDING 的消息不再变化。
type OutboxRepository interface {
	// ListPending 按写入顺序返回待投递消息
	ListPending(ctx context.Context, limit int) ([]*model.OutboxMessage, error)
	MarkSent(ctx context.Context, id int64) error
	// RecordFailure 记录一次投递失败，exhausted 表示重试次数用尽、消息已置为 FAILED。
	// 消息不在 PENDING 时返回 ErrOutboxNotPending。
	RecordFailure(ctx context.Context, id int64, maxRetry int) (exhausted bool, err error)
}

// Paginate 规范化分页参数
func Paginate(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	return page, pageSize
}
