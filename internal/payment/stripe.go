package payment

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"servicemarket/internal/model"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

// StripeProcessor 银行卡收银台（Checkout Session）
type StripeProcessor struct {
	api    *client.API
	appURL string
}

type StripeOption func(*stripe.BackendConfig)

// WithStripeURL 替换 API 地址，测试用
func WithStripeURL(url string) StripeOption {
	return func(c *stripe.BackendConfig) {
		c.URL = stripe.String(url)
	}
}

func NewStripeProcessor(secretKey, appURL string, opts ...StripeOption) *StripeProcessor {
	cfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{},
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	for _, opt := range opts {
		opt(cfg)
	}
	backends := &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, cfg),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, cfg),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, cfg),
	}
	return &StripeProcessor{
		api:    client.New(secretKey, backends),
		appURL: strings.TrimRight(appURL, "/"),
	}
}

func (p *StripeProcessor) Method() string { return model.PaymentMethodStripe }

func (p *StripeProcessor) CreateCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error) {
	product := &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
		Name: stripe.String(req.Title),
	}
	if req.Description != "" {
		product.Description = stripe.String(req.Description)
	}

	params := &stripe.CheckoutSessionParams{
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:    stripe.String(strings.ToLower(req.Currency)),
					ProductData: product,
					UnitAmount:  stripe.Int64(req.Amount),
				},
				Quantity: stripe.Int64(1),
			},
		},
		ClientReferenceID: stripe.String(req.Reference),
		SuccessURL:        stripe.String(p.appURL + "/payment-success?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:         stripe.String(p.appURL + "/add-service"),
	}
	if !req.ExpiresAt.IsZero() {
		params.ExpiresAt = stripe.Int64(req.ExpiresAt.Unix())
	}
	params.Context = ctx
	params.AddMetadata("reference", req.Reference)
	params.AddMetadata("service_id", req.ServiceID)
	params.AddMetadata("service_title", req.Title)

	session, err := p.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, fmt.Errorf("创建 Stripe 收银台失败: %w", err)
	}
	if session.ID == "" {
		return nil, ErrInvalidResponse
	}
	return &Checkout{ID: session.ID, ApprovalURL: session.URL}, nil
}

// Capture Checkout Session 由买家在 Stripe 页面完成扣款，这里只查询结果
func (p *StripeProcessor) Capture(ctx context.Context, checkoutID string) (*Capture, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx

	session, err := p.api.CheckoutSessions.Get(checkoutID, params)
	if err != nil {
		if se, ok := err.(*stripe.Error); ok && se.HTTPStatusCode == http.StatusNotFound {
			return &Capture{ID: checkoutID, Status: CaptureDeclined}, nil
		}
		return nil, fmt.Errorf("查询 Stripe 收银台失败: %w", err)
	}

	captureID := session.ID
	if session.PaymentIntent != nil && session.PaymentIntent.ID != "" {
		captureID = session.PaymentIntent.ID
	}

	switch {
	case session.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
		session.PaymentStatus == stripe.CheckoutSessionPaymentStatusNoPaymentRequired:
		return &Capture{ID: captureID, Status: CaptureCompleted}, nil
	case session.Status == stripe.CheckoutSessionStatusExpired:
		return &Capture{ID: captureID, Status: CaptureDeclined}, nil
	default:
		return &Capture{ID: captureID, Status: CapturePending}, nil
	}
}

// Cancel 让 Checkout Session 立即过期
//
// 只有 open 状态的 Session 可以过期；Stripe 拒绝时重新查询一次，
// 以 Session 的实际状态为准（买家可能刚好付完款）。
func (p *StripeProcessor) Cancel(ctx context.Context, checkoutID string) (*Capture, error) {
	params := &stripe.CheckoutSessionExpireParams{}
	params.Context = ctx

	session, err := p.api.CheckoutSessions.Expire(checkoutID, params)
	if err == nil {
		return &Capture{ID: session.ID, Status: CaptureDeclined}, nil
	}

	se, ok := err.(*stripe.Error)
	if !ok {
		return nil, fmt.Errorf("关闭 Stripe 收银台失败: %w", err)
	}
	switch se.HTTPStatusCode {
	case http.StatusNotFound:
		return &Capture{ID: checkoutID, Status: CaptureDeclined}, nil
	case http.StatusBadRequest:
		return p.Capture(ctx, checkoutID)
	default:
		return nil, fmt.Errorf("关闭 Stripe 收银台失败: %w", err)
	}
}
