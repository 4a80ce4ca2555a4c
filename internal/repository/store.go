package repository

import (
	"context"

	"gorm.io/gorm"
)

// GormStore 嵌入式存储（sqlite / mysql）
//
// 这一侧没有行级安全，鉴权完全由 service 层负责。
type GormStore struct {
	db           *gorm.DB
	services     *GormServiceRepository
	transactions *GormTransactionRepository
	outbox       *GormOutboxRepository
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{
		db:           db,
		services:     NewServiceRepository(db),
		transactions: NewTransactionRepository(db),
		outbox:       NewOutboxRepository(db),
	}
}

func (s *GormStore) Services() ServiceRepository { return s.services }

func (s *GormStore) Transactions() TransactionRepository { return s.transactions }

func (s *GormStore) Outbox() OutboxRepository { return s.outbox }

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
