package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"servicemarket/internal/commission"
	"servicemarket/internal/config"
	"servicemarket/internal/identity"
	"servicemarket/internal/infrastructure/lock"
	"servicemarket/internal/metrics"
	"servicemarket/internal/model"
	"servicemarket/internal/payment"
	"servicemarket/internal/repository"
	"servicemarket/pkg/apperr"
	"servicemarket/pkg/idgen"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

const (
	RoleBuyer  = "buyer"
	RoleSeller = "seller"
)

// CheckoutInput 发起支付的参数
//
// Amount / Currency 是客户端看到的价格，只用来和服务当前价格核对，
// 实际金额永远以服务记录为准。
type CheckoutInput struct {
	ServiceID string
	Method    string
	Amount    *decimal.Decimal
	Currency  string
}

// CheckoutHandle 返回给前端的收银台信息
type CheckoutHandle struct {
	TransactionID string           `json:"transaction_id"`
	Reference     string           `json:"reference"`
	Method        string           `json:"method"`
	PaymentID     string           `json:"payment_id"`
	ApprovalURL   string           `json:"approval_url,omitempty"`
	Quote         commission.Quote `json:"quote"`
}

type CheckoutService struct {
	services        repository.ServiceRepository
	transactions    repository.TransactionRepository
	processors      payment.Registry
	locker          lock.Locker
	rate            decimal.Decimal
	checkoutTimeout time.Duration
	eventTopic      string
	adminRole       string
	now             func() time.Time
	newReference    func() string
}

func NewCheckoutService(store repository.Store, processors payment.Registry, locker lock.Locker, cfg *config.Config) *CheckoutService {
	return &CheckoutService{
		services:        store.Services(),
		transactions:    store.Transactions(),
		processors:      processors,
		locker:          locker,
		rate:            cfg.Payments.Rate(),
		checkoutTimeout: cfg.Business.CheckoutTimeout(),
		eventTopic:      cfg.Kafka.Topic.TransactionEvents,
		adminRole:       cfg.Auth.AdminRole,
		now:             func() time.Time { return time.Now().UTC() },
		newReference:    idgen.GenerateReference,
	}
}

func (s *CheckoutService) processor(method string) (payment.Processor, error) {
	p, err := s.processors.Get(strings.ToLower(method))
	if err != nil {
		return nil, apperr.Validation("不支持的支付方式")
	}
	return p, nil
}

// InitiateCheckout 计算佣金 -> 渠道创建收银台 -> 写入 pending 交易
//
// 向买家收取的是扣除佣金后的金额。交易行写入成功之后才返回收银台信息。
func (s *CheckoutService) InitiateCheckout(ctx context.Context, buyer *identity.Caller, in CheckoutInput) (_ *CheckoutHandle, err error) {
	if err := requireCaller(buyer); err != nil {
		return nil, err
	}
	if strings.TrimSpace(in.ServiceID) == "" {
		return nil, apperr.Validation("缺少服务 ID")
	}

	svc, err := s.services.GetByID(ctx, in.ServiceID)
	if err != nil {
		if errors.Is(err, repository.ErrServiceNotFound) {
			return nil, apperr.NotFound("服务不存在")
		}
		return nil, apperr.Persistence("查询服务失败", err)
	}
	if !svc.IsPaid() {
		return nil, apperr.Validation("易物服务不支持在线支付")
	}
	if svc.OwnedBy(buyer.Subject) {
		return nil, apperr.Validation("不能购买自己发布的服务")
	}

	method := in.Method
	if method == "" && svc.PreferredPaymentMethod != nil {
		method = *svc.PreferredPaymentMethod
	}
	if method == "" {
		return nil, apperr.Validation("请选择支付方式")
	}
	proc, err := s.processor(method)
	if err != nil {
		return nil, err
	}
	method = proc.Method()

	defer func() {
		metrics.CheckoutsTotal.WithLabelValues(method, "initiate", metrics.Result(err)).Inc()
	}()

	if in.Currency != "" && !strings.EqualFold(in.Currency, svc.Currency) {
		return nil, apperr.Validation("币种与服务不一致")
	}
	if in.Amount != nil && !in.Amount.Equal(svc.Price) {
		return nil, apperr.Validation("金额与服务价格不一致")
	}

	quote, err := commission.Calculate(svc.Price, s.rate, svc.Currency)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, "服务价格无法计费", err)
	}

	reference := s.newReference()
	now := s.now()
	expiresAt := now.Add(s.checkoutTimeout)
	checkout, err := proc.CreateCheckout(ctx, payment.CheckoutRequest{
		Reference:   reference,
		ServiceID:   svc.ID,
		Amount:      quote.Net,
		Currency:    quote.Currency,
		Title:       svc.Title,
		Description: svc.Description,
		ExpiresAt:   expiresAt,
	})
	if err != nil {
		return nil, apperr.Payment("创建支付失败，请稍后重试", err)
	}

	trans := &model.Transaction{
		ID:               uuid.NewString(),
		Reference:        reference,
		ServiceID:        svc.ID,
		BuyerID:          buyer.Subject,
		SellerID:         svc.UserID,
		TotalAmount:      quote.Gross,
		CommissionRate:   quote.Rate,
		CommissionAmount: quote.Commission,
		SellerAmount:     quote.Net,
		Currency:         quote.Currency,
		PaymentMethod:    method,
		PaymentID:        checkout.ID,
		Status:           model.TransactionStatusPending,
		ExpiresAt:        expiresAt,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.transactions.Create(ctx, trans); err != nil {
		// 渠道侧的收银台没有人会再确认，到期后由渠道自行失效
		log.WithError(err).WithFields(log.Fields{
			"reference":  reference,
			"method":     method,
			"payment_id": checkout.ID,
		}).Warn("收银台已创建但交易写库失败")
		return nil, apperr.Persistence("保存交易失败", err)
	}

	log.WithFields(log.Fields{
		"transaction_id": trans.ID,
		"reference":      reference,
		"service_id":     svc.ID,
		"buyer_id":       buyer.Subject,
		"method":         method,
		"payment_id":     checkout.ID,
		"total":          quote.Gross,
		"commission":     quote.Commission,
	}).Info("收银台创建成功")

	return &CheckoutHandle{
		TransactionID: trans.ID,
		Reference:     reference,
		Method:        method,
		PaymentID:     checkout.ID,
		ApprovalURL:   checkout.ApprovalURL,
		Quote:         quote,
	}, nil
}

// ConfirmCheckout 买家从收银台返回后确认扣款
//
// 只有交易的买家或卖家可以确认。同一个 (method, paymentID) 串行执行。
// 交易已经是终态时原样返回，不会再次扣款。渠道仍在等待买家付款时返回 pending 的交易。
func (s *CheckoutService) ConfirmCheckout(ctx context.Context, caller *identity.Caller, method, paymentID string) (_ *model.Transaction, err error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	if strings.TrimSpace(paymentID) == "" {
		return nil, apperr.Validation("缺少支付单号")
	}
	proc, err := s.processor(method)
	if err != nil {
		return nil, err
	}
	method = proc.Method()

	defer func() {
		metrics.CheckoutsTotal.WithLabelValues(method, "confirm", metrics.Result(err)).Inc()
	}()

	unlock, err := s.locker.Acquire(ctx, lock.CheckoutKey(method, paymentID))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "支付确认处理中，请稍后重试", err)
	}
	defer unlock()

	trans, err := s.transactions.GetByPayment(ctx, method, paymentID)
	if err != nil {
		if errors.Is(err, repository.ErrTransactionNotFound) {
			return nil, apperr.NotFound("交易不存在")
		}
		return nil, apperr.Persistence("查询交易失败", err)
	}
	if !trans.InvolvesUser(caller.Subject) {
		return nil, apperr.Forbidden("无权确认该交易")
	}
	if model.IsTerminalStatus(trans.Status) {
		return trans, nil
	}

	capture, err := proc.Capture(ctx, paymentID)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"transaction_id": trans.ID,
			"method":         method,
			"payment_id":     paymentID,
		}).Warn("确认扣款失败，交易状态保持不变")
		return nil, apperr.Payment("确认支付失败，请稍后重试", err)
	}
	return s.settle(ctx, trans, capture)
}

// settle 按渠道扣款结果推进交易状态
func (s *CheckoutService) settle(ctx context.Context, trans *model.Transaction, capture *payment.Capture) (*model.Transaction, error) {
	switch capture.Status {
	case payment.CaptureCompleted:
		captureID := capture.ID
		return s.transition(ctx, trans, model.TransactionStatusCompleted, &captureID)
	case payment.CaptureDeclined:
		return s.transition(ctx, trans, model.TransactionStatusCancelled, nil)
	default:
		return trans, nil
	}
}

// transition 带条件的状态流转，同时写 outbox
//
// 并发下输给了另一个流转时，返回数据库里的最新状态。
func (s *CheckoutService) transition(ctx context.Context, trans *model.Transaction, to string, captureID *string) (*model.Transaction, error) {
	now := s.now()
	next := *trans
	next.Status = to
	next.UpdatedAt = now
	change := model.StatusChange{From: trans.Status, To: to}

	event := model.EventTransactionCancelled
	if to == model.TransactionStatusCompleted {
		event = model.EventTransactionCompleted
		next.CaptureID = captureID
		next.CompletedAt = &now
		change.CaptureID = captureID
		change.CompletedAt = &now
	}

	msg, err := model.NewTransactionOutbox(s.eventTopic, event, &next, now)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "生成交易事件失败", err)
	}

	err = s.transactions.UpdateStatus(ctx, trans.ID, change, msg)
	if errors.Is(err, repository.ErrStatusConflict) {
		current, getErr := s.transactions.GetByID(ctx, trans.ID)
		if getErr != nil {
			return nil, apperr.Persistence("查询交易失败", getErr)
		}
		log.WithFields(log.Fields{
			"transaction_id": trans.ID,
			"target":         to,
			"current":        current.Status,
		}).Info("交易状态已被并发修改")
		return current, nil
	}
	if err != nil {
		return nil, apperr.Persistence("更新交易状态失败", err)
	}

	if to == model.TransactionStatusCompleted {
		metrics.CommissionMinorUnits.WithLabelValues(next.Currency).Add(float64(next.CommissionAmount))
	}
	log.WithFields(log.Fields{
		"transaction_id": trans.ID,
		"reference":      trans.Reference,
		"from":           trans.Status,
		"to":             to,
	}).Info("交易状态已更新")
	return &next, nil
}

// CancelCheckout 买家放弃支付；终态交易原样返回
//
// 先关闭渠道侧的收银台再取消交易。关闭时发现买家已经付款，交易按完成处理。
func (s *CheckoutService) CancelCheckout(ctx context.Context, id string, caller *identity.Caller) (_ *model.Transaction, err error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	trans, err := s.getTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if trans.BuyerID != caller.Subject {
		return nil, apperr.Forbidden("只有买家可以取消交易")
	}
	if model.IsTerminalStatus(trans.Status) {
		return trans, nil
	}

	method := trans.PaymentMethod
	defer func() {
		metrics.CheckoutsTotal.WithLabelValues(method, "cancel", metrics.Result(err)).Inc()
	}()

	unlock, err := s.locker.Acquire(ctx, lock.CheckoutKey(trans.PaymentMethod, trans.PaymentID))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "交易处理中，请稍后重试", err)
	}
	defer unlock()

	current, err := s.getTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if model.IsTerminalStatus(current.Status) {
		return current, nil
	}
	return s.closeCheckout(ctx, current)
}

// closeCheckout 关闭渠道收银台并按结果推进交易，调用方持有锁
//
// 渠道未配置时直接取消。渠道仍在处理付款时交易保持 pending，返回错误。
func (s *CheckoutService) closeCheckout(ctx context.Context, trans *model.Transaction) (*model.Transaction, error) {
	proc, err := s.processors.Get(trans.PaymentMethod)
	if err != nil {
		return s.transition(ctx, trans, model.TransactionStatusCancelled, nil)
	}

	result, err := proc.Cancel(ctx, trans.PaymentID)
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"transaction_id": trans.ID,
			"method":         trans.PaymentMethod,
			"payment_id":     trans.PaymentID,
		}).Warn("关闭收银台失败，交易状态保持不变")
		return nil, apperr.Payment("关闭收银台失败，请稍后重试", err)
	}

	switch result.Status {
	case payment.CaptureCompleted:
		log.WithFields(log.Fields{
			"transaction_id": trans.ID,
			"payment_id":     trans.PaymentID,
		}).Info("关闭收银台时买家已付款，交易按完成处理")
		return s.settle(ctx, trans, result)
	case payment.CapturePending:
		return nil, apperr.Payment("支付处理中，暂时无法取消", nil)
	default:
		return s.transition(ctx, trans, model.TransactionStatusCancelled, nil)
	}
}

// ExpiredCheckouts 已过期但仍是 pending 的交易
func (s *CheckoutService) ExpiredCheckouts(ctx context.Context, limit int) ([]*model.Transaction, error) {
	return s.transactions.GetExpiredPending(ctx, s.now(), limit)
}

// ExpireCheckout 处理一笔过期交易
//
// 先向渠道确认一次，买家其实已经付款的交易会被标记为完成；
// 否则关闭收银台后取消。渠道调用失败时返回 error，交易保持 pending，下一轮再处理。
func (s *CheckoutService) ExpireCheckout(ctx context.Context, trans *model.Transaction) (*model.Transaction, error) {
	unlock, err := s.locker.Acquire(ctx, lock.CheckoutKey(trans.PaymentMethod, trans.PaymentID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := s.getTransaction(ctx, trans.ID)
	if err != nil {
		return nil, err
	}
	if model.IsTerminalStatus(current.Status) {
		return current, nil
	}

	proc, err := s.processors.Get(current.PaymentMethod)
	if err != nil {
		return s.transition(ctx, current, model.TransactionStatusCancelled, nil)
	}

	capture, err := proc.Capture(ctx, current.PaymentID)
	if err != nil {
		return nil, apperr.Payment("确认支付失败", err)
	}
	if capture.Status == payment.CaptureCompleted {
		return s.settle(ctx, current, capture)
	}
	return s.closeCheckout(ctx, current)
}

func (s *CheckoutService) getTransaction(ctx context.Context, id string) (*model.Transaction, error) {
	trans, err := s.transactions.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrTransactionNotFound) {
			return nil, apperr.NotFound("交易不存在")
		}
		return nil, apperr.Persistence("查询交易失败", err)
	}
	return trans, nil
}

// GetTransaction 只有买卖双方可以查看
func (s *CheckoutService) GetTransaction(ctx context.Context, id string, caller *identity.Caller) (*model.Transaction, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	trans, err := s.getTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if !trans.InvolvesUser(caller.Subject) {
		return nil, apperr.Forbidden("无权查看该交易")
	}
	return trans, nil
}

// ListTransactions role 为空时按买家查询
func (s *CheckoutService) ListTransactions(ctx context.Context, caller *identity.Caller, role string) ([]*model.Transaction, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}

	var (
		list []*model.Transaction
		err  error
	)
	switch role {
	case "", RoleBuyer:
		list, err = s.transactions.ListByBuyer(ctx, caller.Subject)
	case RoleSeller:
		list, err = s.transactions.ListBySeller(ctx, caller.Subject)
	default:
		return nil, apperr.Validation("role 只能是 buyer 或 seller")
	}
	if err != nil {
		return nil, apperr.Persistence("查询交易列表失败", err)
	}
	if list == nil {
		list = []*model.Transaction{}
	}
	return list, nil
}

// CommissionTotals 已完成交易的佣金按币种汇总，仅管理员
func (s *CheckoutService) CommissionTotals(ctx context.Context, caller *identity.Caller) ([]model.CommissionTotal, error) {
	if err := requireCaller(caller); err != nil {
		return nil, err
	}
	if !caller.HasRole(s.adminRole) {
		return nil, apperr.Forbidden("需要管理员权限")
	}
	totals, err := s.transactions.CommissionTotals(ctx)
	if err != nil {
		return nil, apperr.Persistence("查询佣金汇总失败", err)
	}
	if totals == nil {
		totals = []model.CommissionTotal{}
	}
	return totals, nil
}
