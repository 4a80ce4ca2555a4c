package payment

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"servicemarket/internal/commission"
	"servicemarket/internal/config"
	"servicemarket/internal/model"

	"github.com/go-resty/resty/v2"
)

const (
	paypalSandboxURL    = "https://api-m.sandbox.paypal.com"
	paypalProductionURL = "https://api-m.paypal.com"
)

// PayPalProcessor 钱包收银台（Orders v2，intent=CAPTURE）
type PayPalProcessor struct {
	client       *resty.Client
	clientID     string
	clientSecret string
	appURL       string
	brandName    string

	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time
	now         func() time.Time
}

func NewPayPalProcessor(cfg config.PayPalConfig, appURL, brandName string, timeout time.Duration) *PayPalProcessor {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = paypalProductionURL
		if cfg.Sandbox {
			baseURL = paypalSandboxURL
		}
	}
	return &PayPalProcessor{
		client: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetTimeout(timeout).
			SetRetryCount(0),
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		appURL:       strings.TrimRight(appURL, "/"),
		brandName:    brandName,
		now:          time.Now,
	}
}

func (p *PayPalProcessor) Method() string { return model.PaymentMethodPayPal }

type paypalToken struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

type paypalLink struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type paypalAmount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type paypalPurchaseUnit struct {
	ReferenceID string       `json:"reference_id,omitempty"`
	CustomID    string       `json:"custom_id,omitempty"`
	Description string       `json:"description,omitempty"`
	Amount      paypalAmount `json:"amount"`
	Payments    *struct {
		Captures []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"captures"`
	} `json:"payments,omitempty"`
}

type paypalOrder struct {
	ID            string               `json:"id"`
	Status        string               `json:"status"`
	Links         []paypalLink         `json:"links"`
	PurchaseUnits []paypalPurchaseUnit `json:"purchase_units"`
}

type paypalError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Details []struct {
		Issue string `json:"issue"`
	} `json:"details"`
}

func (e *paypalError) hasIssue(issue string) bool {
	for _, d := range e.Details {
		if d.Issue == issue {
			return true
		}
	}
	return false
}

// token 取 OAuth2 访问令牌，过期前 1 分钟刷新
func (p *PayPalProcessor) token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.accessToken != "" && p.now().Before(p.expiresAt) {
		return p.accessToken, nil
	}

	var tok paypalToken
	resp, err := p.client.R().
		SetContext(ctx).
		SetBasicAuth(p.clientID, p.clientSecret).
		SetFormData(map[string]string{"grant_type": "client_credentials"}).
		SetResult(&tok).
		Post("/v1/oauth2/token")
	if err != nil {
		return "", fmt.Errorf("获取 PayPal 令牌失败: %w", err)
	}
	if resp.IsError() || tok.AccessToken == "" {
		return "", fmt.Errorf("获取 PayPal 令牌失败: 状态码 %d", resp.StatusCode())
	}

	p.accessToken = tok.AccessToken
	p.expiresAt = p.now().Add(time.Duration(tok.ExpiresIn)*time.Second - time.Minute)
	return p.accessToken, nil
}

func (p *PayPalProcessor) CreateCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error) {
	token, err := p.token(ctx)
	if err != nil {
		return nil, err
	}

	description := req.Title
	if req.Description != "" {
		description = req.Title + " - " + req.Description
	}
	// PayPal 限制 description 最长 127 个字符
	if r := []rune(description); len(r) > 127 {
		description = string(r[:127])
	}

	currency := strings.ToUpper(req.Currency)
	body := map[string]interface{}{
		"intent": "CAPTURE",
		"purchase_units": []paypalPurchaseUnit{
			{
				ReferenceID: req.ServiceID,
				CustomID:    req.Reference,
				Description: description,
				Amount: paypalAmount{
					CurrencyCode: currency,
					Value:        commission.FromMinor(req.Amount, currency).StringFixed(commission.Exponent(currency)),
				},
			},
		},
		"application_context": map[string]string{
			"return_url":   p.appURL + "/payment-success",
			"cancel_url":   p.appURL + "/add-service",
			"brand_name":   p.brandName,
			"landing_page": "BILLING",
			"user_action":  "PAY_NOW",
		},
	}

	var order paypalOrder
	var perr paypalError
	resp, err := p.client.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetHeader("PayPal-Request-Id", req.Reference).
		SetBody(body).
		SetResult(&order).
		SetError(&perr).
		Post("/v2/checkout/orders")
	if err != nil {
		return nil, fmt.Errorf("创建 PayPal 订单失败: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("创建 PayPal 订单失败: %d %s %s", resp.StatusCode(), perr.Name, perr.Message)
	}
	if order.ID == "" {
		return nil, ErrInvalidResponse
	}

	checkout := &Checkout{ID: order.ID}
	for _, link := range order.Links {
		if link.Rel == "approve" || link.Rel == "payer-action" {
			checkout.ApprovalURL = link.Href
			break
		}
	}
	return checkout, nil
}

func (p *PayPalProcessor) Capture(ctx context.Context, orderID string) (*Capture, error) {
	token, err := p.token(ctx)
	if err != nil {
		return nil, err
	}

	var order paypalOrder
	var perr paypalError
	resp, err := p.client.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetHeader("Content-Type", "application/json").
		SetHeader("PayPal-Request-Id", "capture-"+orderID).
		SetPathParam("id", orderID).
		SetResult(&order).
		SetError(&perr).
		Post("/v2/checkout/orders/{id}/capture")
	if err != nil {
		return nil, fmt.Errorf("PayPal 扣款请求失败: %w", err)
	}

	switch {
	case resp.IsSuccess():
		return captureFromOrder(&order), nil
	case resp.StatusCode() == http.StatusNotFound:
		// 订单不存在或已过期
		return &Capture{ID: orderID, Status: CaptureDeclined}, nil
	case resp.StatusCode() == http.StatusUnprocessableEntity:
		switch {
		case perr.hasIssue("ORDER_ALREADY_CAPTURED"):
			return p.lookup(ctx, token, orderID)
		case perr.hasIssue("ORDER_NOT_APPROVED"):
			return &Capture{ID: orderID, Status: CapturePending}, nil
		case perr.hasIssue("INSTRUMENT_DECLINED"), perr.hasIssue("TRANSACTION_REFUSED"), perr.hasIssue("ORDER_EXPIRED"):
			return &Capture{ID: orderID, Status: CaptureDeclined}, nil
		}
	}
	return nil, fmt.Errorf("PayPal 扣款失败: %d %s %s", resp.StatusCode(), perr.Name, perr.Message)
}

// Cancel PayPal 订单只有服务端调用 capture 才会扣款，本地交易取消后不会再调用，
// 未扣款的订单到期后由 PayPal 自动作废，这里不需要请求渠道
func (p *PayPalProcessor) Cancel(ctx context.Context, orderID string) (*Capture, error) {
	return &Capture{ID: orderID, Status: CaptureDeclined}, nil
}

// lookup 订单已经扣过款时回查扣款号
func (p *PayPalProcessor) lookup(ctx context.Context, token, orderID string) (*Capture, error) {
	var order paypalOrder
	resp, err := p.client.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetPathParam("id", orderID).
		SetResult(&order).
		Get("/v2/checkout/orders/{id}")
	if err != nil {
		return nil, fmt.Errorf("查询 PayPal 订单失败: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("查询 PayPal 订单失败: 状态码 %d", resp.StatusCode())
	}
	return captureFromOrder(&order), nil
}

func captureFromOrder(order *paypalOrder) *Capture {
	out := &Capture{ID: order.ID, Status: CapturePending}
	for _, unit := range order.PurchaseUnits {
		if unit.Payments == nil {
			continue
		}
		for _, c := range unit.Payments.Captures {
			out.ID = c.ID
			switch c.Status {
			case "COMPLETED", "PENDING":
				// PENDING 表示资金在途，订单已经确认扣款
				out.Status = CaptureCompleted
			case "DECLINED", "FAILED":
				out.Status = CaptureDeclined
			}
			return out
		}
	}
	if order.Status == "COMPLETED" {
		out.Status = CaptureCompleted
	}
	return out
}
