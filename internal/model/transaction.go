package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// ============================================================================
// 交易状态
// ============================================================================
//
//   pending ──(渠道确认扣款)──> completed
//      │
//      └──(买家放弃 / 超时 / 扣款被拒)──> cancelled
//
// completed 和 cancelled 是终态，不允许再流转。
// ============================================================================

const (
	TransactionStatusPending   = "pending"
	TransactionStatusCompleted = "completed"
	TransactionStatusCancelled = "cancelled"
)

var ValidStatusTransitions = map[string][]string{
	TransactionStatusPending:   {TransactionStatusCompleted, TransactionStatusCancelled},
	TransactionStatusCompleted: {},
	TransactionStatusCancelled: {},
}

func CanTransitionTo(currentStatus, targetStatus string) bool {
	allowedStatuses, exists := ValidStatusTransitions[currentStatus]
	if !exists {
		return false
	}
	for _, s := range allowedStatuses {
		if s == targetStatus {
			return true
		}
	}
	return false
}

func IsTerminalStatus(status string) bool {
	return status == TransactionStatusCompleted || status == TransactionStatusCancelled
}

// Transaction 一笔带佣金的付费交易
//
// 金额字段都是最小货币单位（分），保证 CommissionAmount + SellerAmount == TotalAmount。
// 引用 Service 和用户，但不拥有它们：服务被删除后交易记录仍然保留。
type Transaction struct {
	ID               string          `gorm:"type:varchar(36);primaryKey" json:"id"`
	Reference        string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"reference"`
	ServiceID        string          `gorm:"type:varchar(36);index;not null" json:"service_id"`
	BuyerID          string          `gorm:"type:varchar(64);index;not null" json:"buyer_id"`
	SellerID         string          `gorm:"type:varchar(64);index;not null" json:"seller_id"`
	TotalAmount      int64           `gorm:"not null" json:"total_amount"`
	CommissionRate   decimal.Decimal `gorm:"type:decimal(5,4);not null" json:"commission_rate"`
	CommissionAmount int64           `gorm:"not null" json:"commission_amount"`
	SellerAmount     int64           `gorm:"not null" json:"seller_amount"`
	Currency         string          `gorm:"type:varchar(3);not null" json:"currency"`
	PaymentMethod    string          `gorm:"type:varchar(10);not null;uniqueIndex:idx_payment" json:"payment_method"`
	PaymentID        string          `gorm:"type:varchar(128);not null;uniqueIndex:idx_payment" json:"payment_id"`
	CaptureID        *string         `gorm:"type:varchar(128)" json:"capture_id,omitempty"`
	Status           string          `gorm:"type:varchar(20);index;not null" json:"status"`
	ExpiresAt        time.Time       `gorm:"index;not null" json:"expires_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	CreatedAt        time.Time       `gorm:"index" json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

func (Transaction) TableName() string {
	return "transactions"
}

func (t *Transaction) InvolvesUser(userID string) bool {
	return t.BuyerID == userID || t.SellerID == userID
}

// StatusChange 一次状态流转需要一起落库的字段
type StatusChange struct {
	From        string
	To          string
	CaptureID   *string
	CompletedAt *time.Time
}

// CommissionTotal 按币种汇总的已完成交易佣金
type CommissionTotal struct {
	Currency         string `json:"currency"`
	CommissionAmount int64  `json:"commission_amount"`
	Count            int64  `json:"count"`
}
