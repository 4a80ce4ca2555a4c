package model

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	PaymentTypePaid   = "paid"
	PaymentTypeBarter = "barter"
)

const (
	PaymentMethodStripe = "stripe" // 银行卡收银台
	PaymentMethodPayPal = "paypal" // 钱包收银台
)

func IsValidPaymentType(t string) bool {
	return t == PaymentTypePaid || t == PaymentTypeBarter
}

func IsValidPaymentMethod(m string) bool {
	return m == PaymentMethodStripe || m == PaymentMethodPayPal
}

// Service 服务发布信息
//
// 不做软删除，删除即物理删除。UserID 创建后不可修改。
type Service struct {
	ID                     string          `gorm:"type:varchar(36);primaryKey" json:"id"`
	Title                  string          `gorm:"type:text;not null" json:"title"`
	Description            string          `gorm:"type:text;not null" json:"description"`
	Price                  decimal.Decimal `gorm:"type:decimal(12,2);not null;default:0" json:"price"`
	Currency               string          `gorm:"type:varchar(3);not null;default:'EUR'" json:"currency"`
	ImageURL               *string         `gorm:"type:text" json:"image_url,omitempty"`
	IsPhysical             bool            `gorm:"not null;default:false" json:"is_physical"`
	IsOnline               bool            `gorm:"not null;default:false" json:"is_online"`
	PaymentType            string          `gorm:"type:varchar(10);not null;default:'paid';check:payment_type IN ('paid','barter')" json:"payment_type"`
	PreferredPaymentMethod *string         `gorm:"type:varchar(10)" json:"preferred_payment_method,omitempty"`
	UserID                 string          `gorm:"type:varchar(64);index;not null" json:"user_id"`
	CreatedAt              time.Time       `json:"created_at"`
	UpdatedAt              time.Time       `json:"updated_at"`
}

func (Service) TableName() string {
	return "services"
}

func (s *Service) IsPaid() bool {
	return s.PaymentType == PaymentTypePaid
}

func (s *Service) OwnedBy(userID string) bool {
	return s.UserID == userID
}
