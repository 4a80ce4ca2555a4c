package model

import (
	"encoding/json"
	"time"
)

const (
	OutboxStatusPending = "PENDING"
	OutboxStatusSent    = "SENT"
	OutboxStatusFailed  = "FAILED"
)

const (
	EventTransactionCompleted = "transaction.completed"
	EventTransactionCancelled = "transaction.cancelled"
)

type OutboxMessage struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	MessageKey string    `gorm:"type:varchar(64);not null" json:"message_key"`
	Topic      string    `gorm:"type:varchar(64);not null" json:"topic"`
	Payload    string    `gorm:"type:text;not null" json:"payload"`
	Status     string    `gorm:"type:varchar(20);index;not null;default:PENDING" json:"status"`
	RetryCount int       `gorm:"not null;default:0" json:"retry_count"`
	CreatedAt  time.Time `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt  time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (OutboxMessage) TableName() string {
	return "outbox_message"
}

// TransactionEvent 交易状态变化事件，写入 outbox 后由 OutboxSender 投递到 Kafka
type TransactionEvent struct {
	Event            string     `json:"event"`
	TransactionID    string     `json:"transaction_id"`
	Reference        string     `json:"reference"`
	ServiceID        string     `json:"service_id"`
	BuyerID          string     `json:"buyer_id"`
	SellerID         string     `json:"seller_id"`
	TotalAmount      int64      `json:"total_amount"`
	CommissionAmount int64      `json:"commission_amount"`
	SellerAmount     int64      `json:"seller_amount"`
	Currency         string     `json:"currency"`
	PaymentMethod    string     `json:"payment_method"`
	PaymentID        string     `json:"payment_id"`
	Status           string     `json:"status"`
	OccurredAt       time.Time  `json:"occurred_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// NewTransactionOutbox 生成一条待投递的交易事件，t 是流转之后的交易
func NewTransactionOutbox(topic, event string, t *Transaction, at time.Time) (*OutboxMessage, error) {
	payload, err := json.Marshal(TransactionEvent{
		Event:            event,
		TransactionID:    t.ID,
		Reference:        t.Reference,
		ServiceID:        t.ServiceID,
		BuyerID:          t.BuyerID,
		SellerID:         t.SellerID,
		TotalAmount:      t.TotalAmount,
		CommissionAmount: t.CommissionAmount,
		SellerAmount:     t.SellerAmount,
		Currency:         t.Currency,
		PaymentMethod:    t.PaymentMethod,
		PaymentID:        t.PaymentID,
		Status:           t.Status,
		OccurredAt:       at,
		CompletedAt:      t.CompletedAt,
	})
	if err != nil {
		return nil, err
	}
	return &OutboxMessage{
		MessageKey: t.ID,
		Topic:      topic,
		Payload:    string(payload),
		Status:     OutboxStatusPending,
	}, nil
}
