package payment

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"servicemarket/internal/config"
	"servicemarket/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProcessor struct {
	calls int32
	err   error
	delay time.Duration
}

func (s *stubProcessor) Method() string { return "stub" }

func (s *stubProcessor) CreateCheckout(ctx context.Context, req CheckoutRequest) (*Checkout, error) {
	atomic.AddInt32(&s.calls, 1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return &Checkout{ID: "chk_1"}, nil
}

func (s *stubProcessor) Capture(ctx context.Context, id string) (*Capture, error) {
	atomic.AddInt32(&s.calls, 1)
	return &Capture{ID: id, Status: CaptureCompleted}, s.err
}

func (s *stubProcessor) Cancel(ctx context.Context, id string) (*Capture, error) {
	atomic.AddInt32(&s.calls, 1)
	return &Capture{ID: id, Status: CaptureDeclined}, s.err
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(&stubProcessor{}, nil)
	p, err := r.Get("stub")
	require.NoError(t, err)
	assert.Equal(t, "stub", p.Method())

	_, err = r.Get(model.PaymentMethodPayPal)
	assert.ErrorIs(t, err, ErrUnknownMethod)
}

func TestBreakerTimeoutIsUnavailable(t *testing.T) {
	p := WithBreaker(&stubProcessor{delay: time.Second}, 20*time.Millisecond)
	_, err := p.CreateCheckout(context.Background(), CheckoutRequest{})
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	stub := &stubProcessor{err: errors.New("connection refused")}
	p := WithBreaker(stub, time.Second)

	for i := 0; i < 3; i++ {
		_, err := p.CreateCheckout(context.Background(), CheckoutRequest{})
		require.Error(t, err)
	}

	_, err := p.CreateCheckout(context.Background(), CheckoutRequest{})
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.EqualValues(t, 3, atomic.LoadInt32(&stub.calls), "熔断后不再调用渠道")
}

// ---------------------------------------------------------------------------
// PayPal
// ---------------------------------------------------------------------------

type paypalFake struct {
	tokenCalls int32
	lastOrder  map[string]interface{}
	captureFn  func(w http.ResponseWriter)
}

func (f *paypalFake) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/oauth2/token", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.tokenCalls, 1)
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "cid", user)
		assert.Equal(t, "secret", pass)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"access_token": "tok", "expires_in": 3600})
	})
	mux.HandleFunc("/v2/checkout/orders", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &f.lastOrder))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"ORDER-1","status":"CREATED","links":[
			{"href":"https://paypal.test/self","rel":"self"},
			{"href":"https://paypal.test/approve?token=ORDER-1","rel":"approve"}]}`))
	})
	mux.HandleFunc("/v2/checkout/orders/ORDER-1/capture", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		f.captureFn(w)
	})
	mux.HandleFunc("/v2/checkout/orders/ORDER-1", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"ORDER-1","status":"COMPLETED","purchase_units":[{"payments":{"captures":[{"id":"CAP-9","status":"COMPLETED"}]}}]}`))
	})
	return mux
}

func newPayPal(t *testing.T, f *paypalFake) *PayPalProcessor {
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	return NewPayPalProcessor(config.PayPalConfig{ClientID: "cid", ClientSecret: "secret", BaseURL: srv.URL},
		"https://app.test/", "TeCambio", time.Second)
}

func TestPayPalCreateCheckout(t *testing.T) {
	f := &paypalFake{}
	p := newPayPal(t, f)

	checkout, err := p.CreateCheckout(context.Background(), CheckoutRequest{
		Reference:   "TXN1",
		ServiceID:   "svc-1",
		Amount:      9000,
		Currency:    "eur",
		Title:       "吉他课",
		Description: "一小时",
	})
	require.NoError(t, err)
	assert.Equal(t, "ORDER-1", checkout.ID)
	assert.Equal(t, "https://paypal.test/approve?token=ORDER-1", checkout.ApprovalURL)

	assert.Equal(t, "CAPTURE", f.lastOrder["intent"])
	unit := f.lastOrder["purchase_units"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, map[string]interface{}{"currency_code": "EUR", "value": "90.00"}, unit["amount"])
	assert.Equal(t, "吉他课 - 一小时", unit["description"])
	assert.Equal(t, "TXN1", unit["custom_id"])
	appCtx := f.lastOrder["application_context"].(map[string]interface{})
	assert.Equal(t, "https://app.test/payment-success", appCtx["return_url"])
	assert.Equal(t, "https://app.test/add-service", appCtx["cancel_url"])
	assert.Equal(t, "TeCambio", appCtx["brand_name"])

	// 令牌被缓存
	_, err = p.CreateCheckout(context.Background(), CheckoutRequest{Reference: "TXN2", Amount: 100, Currency: "EUR", Title: "x"})
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&f.tokenCalls))
}

func TestPayPalCapture(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		want    CaptureStatus
		wantID  string
		wantErr bool
	}{
		{"成功", http.StatusCreated, `{"id":"ORDER-1","status":"COMPLETED","purchase_units":[{"payments":{"captures":[{"id":"CAP-1","status":"COMPLETED"}]}}]}`, CaptureCompleted, "CAP-1", false},
		{"拒付", http.StatusCreated, `{"id":"ORDER-1","status":"COMPLETED","purchase_units":[{"payments":{"captures":[{"id":"CAP-2","status":"DECLINED"}]}}]}`, CaptureDeclined, "CAP-2", false},
		{"卡被拒", http.StatusUnprocessableEntity, `{"name":"UNPROCESSABLE_ENTITY","details":[{"issue":"INSTRUMENT_DECLINED"}]}`, CaptureDeclined, "ORDER-1", false},
		{"未授权", http.StatusUnprocessableEntity, `{"name":"UNPROCESSABLE_ENTITY","details":[{"issue":"ORDER_NOT_APPROVED"}]}`, CapturePending, "ORDER-1", false},
		{"已扣款", http.StatusUnprocessableEntity, `{"name":"UNPROCESSABLE_ENTITY","details":[{"issue":"ORDER_ALREADY_CAPTURED"}]}`, CaptureCompleted, "CAP-9", false},
		{"订单不存在", http.StatusNotFound, `{"name":"RESOURCE_NOT_FOUND"}`, CaptureDeclined, "ORDER-1", false},
		{"渠道故障", http.StatusInternalServerError, `{"name":"INTERNAL_SERVER_ERROR"}`, "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &paypalFake{captureFn: func(w http.ResponseWriter) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}}
			p := newPayPal(t, f)

			capture, err := p.Capture(context.Background(), "ORDER-1")
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, capture.Status)
			assert.Equal(t, tt.wantID, capture.ID)
		})
	}
}

// ---------------------------------------------------------------------------
// Stripe
// ---------------------------------------------------------------------------

func newStripe(t *testing.T, handler http.HandlerFunc) *StripeProcessor {
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewStripeProcessor("sk_test_123", "https://app.test", WithStripeURL(srv.URL))
}

func TestStripeCreateCheckout(t *testing.T) {
	var form url.Values
	p := newStripe(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/checkout/sessions", r.URL.Path)
		assert.Equal(t, "Bearer sk_test_123", r.Header.Get("Authorization"))
		assert.NoError(t, r.ParseForm())
		form = r.PostForm
		_, _ = w.Write([]byte(`{"id":"cs_test_1","object":"checkout.session","url":"https://checkout.stripe.test/cs_test_1"}`))
	})

	expiresAt := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	checkout, err := p.CreateCheckout(context.Background(), CheckoutRequest{
		Reference: "TXN1",
		ServiceID: "svc-1",
		Amount:    9000,
		Currency:  "EUR",
		Title:     "吉他课",
		ExpiresAt: expiresAt,
	})
	require.NoError(t, err)
	assert.Equal(t, "cs_test_1", checkout.ID)
	assert.Equal(t, "https://checkout.stripe.test/cs_test_1", checkout.ApprovalURL)

	assert.Equal(t, "payment", form.Get("mode"))
	assert.Equal(t, "9000", form.Get("line_items[0][price_data][unit_amount]"))
	assert.Equal(t, "eur", form.Get("line_items[0][price_data][currency]"))
	assert.Equal(t, "吉他课", form.Get("line_items[0][price_data][product_data][name]"))
	assert.Equal(t, "TXN1", form.Get("client_reference_id"))
	assert.Equal(t, "https://app.test/add-service", form.Get("cancel_url"))
	assert.Equal(t, strconv.FormatInt(expiresAt.Unix(), 10), form.Get("expires_at"), "收银台与本地交易同时过期")
}

func TestStripeCapture(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   CaptureStatus
		wantID string
	}{
		{"已支付", http.StatusOK, `{"id":"cs_1","object":"checkout.session","status":"complete","payment_status":"paid","payment_intent":"pi_1"}`, CaptureCompleted, "pi_1"},
		{"未支付", http.StatusOK, `{"id":"cs_1","object":"checkout.session","status":"open","payment_status":"unpaid"}`, CapturePending, "cs_1"},
		{"已过期", http.StatusOK, `{"id":"cs_1","object":"checkout.session","status":"expired","payment_status":"unpaid"}`, CaptureDeclined, "cs_1"},
		{"不存在", http.StatusNotFound, `{"error":{"type":"invalid_request_error","code":"resource_missing","message":"No such checkout.session"}}`, CaptureDeclined, "cs_1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newStripe(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/v1/checkout/sessions/cs_1", r.URL.Path)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			capture, err := p.Capture(context.Background(), "cs_1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, capture.Status)
			assert.Equal(t, tt.wantID, capture.ID)
		})
	}
}

func TestStripeCaptureServerError(t *testing.T) {
	p := newStripe(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"type":"api_error","message":"boom"}}`))
	})
	_, err := p.Capture(context.Background(), "cs_1")
	assert.Error(t, err)
}

func TestStripeCancel(t *testing.T) {
	tests := []struct {
		name        string
		expireCode  int
		expireBody  string
		sessionBody string
		want        CaptureStatus
		wantGet     bool
	}{
		{
			name:       "open 状态直接过期",
			expireCode: http.StatusOK,
			expireBody: `{"id":"cs_1","object":"checkout.session","status":"expired","payment_status":"unpaid"}`,
			want:       CaptureDeclined,
		},
		{
			name:        "买家已付款",
			expireCode:  http.StatusBadRequest,
			expireBody:  `{"error":{"type":"invalid_request_error","message":"Only Checkout Sessions with a status in [\"open\"] can be expired."}}`,
			sessionBody: `{"id":"cs_1","object":"checkout.session","status":"complete","payment_status":"paid","payment_intent":"pi_1"}`,
			want:        CaptureCompleted,
			wantGet:     true,
		},
		{
			name:        "已经过期",
			expireCode:  http.StatusBadRequest,
			expireBody:  `{"error":{"type":"invalid_request_error","message":"Only Checkout Sessions with a status in [\"open\"] can be expired."}}`,
			sessionBody: `{"id":"cs_1","object":"checkout.session","status":"expired","payment_status":"unpaid"}`,
			want:        CaptureDeclined,
			wantGet:     true,
		},
		{
			name:       "不存在",
			expireCode: http.StatusNotFound,
			expireBody: `{"error":{"type":"invalid_request_error","code":"resource_missing","message":"No such checkout.session"}}`,
			want:       CaptureDeclined,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got bool
			p := newStripe(t, func(w http.ResponseWriter, r *http.Request) {
				switch {
				case r.Method == http.MethodPost && r.URL.Path == "/v1/checkout/sessions/cs_1/expire":
					w.WriteHeader(tt.expireCode)
					_, _ = w.Write([]byte(tt.expireBody))
				case r.Method == http.MethodGet && r.URL.Path == "/v1/checkout/sessions/cs_1":
					got = true
					_, _ = w.Write([]byte(tt.sessionBody))
				default:
					t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
					w.WriteHeader(http.StatusTeapot)
				}
			})
			capture, err := p.Cancel(context.Background(), "cs_1")
			require.NoError(t, err)
			assert.Equal(t, tt.want, capture.Status)
			assert.Equal(t, tt.wantGet, got)
		})
	}
}

func TestStripeCancelServerError(t *testing.T) {
	p := newStripe(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"type":"api_error","message":"boom"}}`))
	})
	_, err := p.Cancel(context.Background(), "cs_1")
	assert.Error(t, err)
}

func TestPayPalCancelDoesNotCallPayPal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
	}))
	t.Cleanup(srv.Close)

	p := NewPayPalProcessor(config.PayPalConfig{ClientID: "id", ClientSecret: "secret", BaseURL: srv.URL}, "https://app.test", "TeCambio", time.Second)
	capture, err := p.Cancel(context.Background(), "ORDER-1")
	require.NoError(t, err)
	assert.Equal(t, CaptureDeclined, capture.Status)
}
