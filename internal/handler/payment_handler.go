package handler

import (
	"servicemarket/internal/model"
	"servicemarket/internal/service"
	"servicemarket/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// CheckoutRequest 发起支付
//
// amount / currency 可选，填写时必须和服务当前价格一致；title / description 仅兼容旧前端，不参与计费。
type CheckoutRequest struct {
	ServiceID   string           `json:"service_id" binding:"required"`
	Amount      *decimal.Decimal `json:"amount"`
	Currency    string           `json:"currency"`
	Title       string           `json:"title"`
	Description string           `json:"description"`
}

func (h *Handler) initiate(c *gin.Context, method string) (*service.CheckoutHandle, bool) {
	var req CheckoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ParamError(c, "缺少 service_id")
		return nil, false
	}

	handle, err := h.checkouts.InitiateCheckout(c.Request.Context(), callerOf(c), service.CheckoutInput{
		ServiceID: req.ServiceID,
		Method:    method,
		Amount:    req.Amount,
		Currency:  req.Currency,
	})
	if err != nil {
		h.fail(c, err)
		return nil, false
	}
	return handle, true
}

// CreateCardCheckout 银行卡收银台
// POST /payments/card
func (h *Handler) CreateCardCheckout(c *gin.Context) {
	handle, ok := h.initiate(c, model.PaymentMethodStripe)
	if !ok {
		return
	}
	response.Success(c, gin.H{
		"sessionId":     handle.PaymentID,
		"url":           handle.ApprovalURL,
		"transactionId": handle.TransactionID,
		"reference":     handle.Reference,
	})
}

// ConfirmCardCheckout 买家从银行卡收银台返回后确认
// GET /payments/card?sessionId=xxx
func (h *Handler) ConfirmCardCheckout(c *gin.Context) {
	sessionID := c.Query("sessionId")
	if sessionID == "" {
		response.ParamError(c, "缺少 sessionId")
		return
	}

	trans, err := h.checkouts.ConfirmCheckout(c.Request.Context(), callerOf(c), model.PaymentMethodStripe, sessionID)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{
		"status":        trans.Status,
		"sessionId":     sessionID,
		"transactionId": trans.ID,
	})
}

// CreateWalletCheckout 钱包收银台
// POST /payments/wallet
func (h *Handler) CreateWalletCheckout(c *gin.Context) {
	handle, ok := h.initiate(c, model.PaymentMethodPayPal)
	if !ok {
		return
	}
	response.Success(c, gin.H{
		"orderId":       handle.PaymentID,
		"approvalUrl":   handle.ApprovalURL,
		"transactionId": handle.TransactionID,
		"reference":     handle.Reference,
	})
}

// CaptureWalletCheckout 买家在钱包确认后扣款
// GET /payments/wallet?orderId=xxx
func (h *Handler) CaptureWalletCheckout(c *gin.Context) {
	orderID := c.Query("orderId")
	if orderID == "" {
		response.ParamError(c, "缺少 orderId")
		return
	}

	trans, err := h.checkouts.ConfirmCheckout(c.Request.Context(), callerOf(c), model.PaymentMethodPayPal, orderID)
	if err != nil {
		h.fail(c, err)
		return
	}

	captureID := ""
	if trans.CaptureID != nil {
		captureID = *trans.CaptureID
	}
	response.Success(c, gin.H{
		"status":        trans.Status,
		"orderId":       orderID,
		"captureId":     captureID,
		"transactionId": trans.ID,
	})
}

// ============================================================
// 交易查询
// ============================================================

// CancelTransaction 买家放弃支付
// POST /transactions/:id/cancel
func (h *Handler) CancelTransaction(c *gin.Context) {
	trans, err := h.checkouts.CancelCheckout(c.Request.Context(), c.Param("id"), callerOf(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, trans)
}

// ListTransactions GET /transactions?role=buyer|seller
func (h *Handler) ListTransactions(c *gin.Context) {
	list, err := h.checkouts.ListTransactions(c.Request.Context(), callerOf(c), c.Query("role"))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{"transactions": list})
}

// GetTransaction GET /transactions/:id
func (h *Handler) GetTransaction(c *gin.Context) {
	trans, err := h.checkouts.GetTransaction(c.Request.Context(), c.Param("id"), callerOf(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, trans)
}

// CommissionTotals 平台佣金按币种汇总
// GET /admin/commissions
func (h *Handler) CommissionTotals(c *gin.Context) {
	totals, err := h.checkouts.CommissionTotals(c.Request.Context(), callerOf(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Success(c, gin.H{"totals": totals})
}
