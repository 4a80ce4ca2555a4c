package payment

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnavailable     = errors.New("支付渠道暂不可用")
	ErrUnknownMethod   = errors.New("不支持的支付方式")
	ErrInvalidResponse = errors.New("支付渠道返回了无法识别的响应")
)

// CheckoutRequest 发起收银台的参数
//
// Amount 是实际向买家收取的金额（最小货币单位，已扣除平台佣金）。
// Reference 是交易参考号，渠道侧用作 client reference。
// ExpiresAt 是本地交易的过期时间，渠道支持时收银台同时失效。
type CheckoutRequest struct {
	Reference   string
	ServiceID   string
	Amount      int64
	Currency    string
	Title       string
	Description string
	ExpiresAt   time.Time
}

// Checkout 渠道创建的收银台资源
type Checkout struct {
	ID          string
	ApprovalURL string
}

type CaptureStatus string

const (
	// CaptureCompleted 扣款成功
	CaptureCompleted CaptureStatus = "completed"
	// CaptureDeclined 渠道明确拒绝或收银台已失效，不会再成功
	CaptureDeclined CaptureStatus = "declined"
	// CapturePending 买家还没有完成支付
	CapturePending CaptureStatus = "pending"
)

type Capture struct {
	ID     string
	Status CaptureStatus
}

// Processor 支付渠道
//
// 返回 error 表示网络或渠道故障，结果未知，调用方不能据此修改交易状态。
// 拒付通过 Capture.Status 表达，不是 error。
//
// Cancel 关闭收银台，之后买家无法再付款。返回关闭后的结果：
// 买家已经付款时是 CaptureCompleted，正常关闭是 CaptureDeclined，
// 渠道仍在处理付款时是 CapturePending。
type Processor interface {
	Method() string
	CreateCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error)
	Capture(ctx context.Context, checkoutID string) (*Capture, error)
	Cancel(ctx context.Context, checkoutID string) (*Capture, error)
}

// Registry 按支付方式查找渠道
type Registry map[string]Processor

func NewRegistry(processors ...Processor) Registry {
	r := make(Registry, len(processors))
	for _, p := range processors {
		if p != nil {
			r[p.Method()] = p
		}
	}
	return r
}

func (r Registry) Get(method string) (Processor, error) {
	p, ok := r[method]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
	return p, nil
}
