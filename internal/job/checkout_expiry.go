package job

import (
	"context"
	"time"

	"servicemarket/internal/metrics"
	"servicemarket/internal/model"

	log "github.com/sirupsen/logrus"
)

// CheckoutExpirer 过期交易的查询和处理，由 service.CheckoutService 实现
type CheckoutExpirer interface {
	ExpiredCheckouts(ctx context.Context, limit int) ([]*model.Transaction, error)
	ExpireCheckout(ctx context.Context, trans *model.Transaction) (*model.Transaction, error)
}

// CheckoutExpiryJob 处理买家放弃支付的交易
//
// 每笔过期交易先向渠道确认一次，已付款的标记完成，其余取消。
// 渠道不可用时跳过，下一轮重试。
type CheckoutExpiryJob struct {
	checkouts CheckoutExpirer
	stopCh    chan struct{}
	interval  time.Duration
	batchSize int
}

func NewCheckoutExpiryJob(checkouts CheckoutExpirer) *CheckoutExpiryJob {
	return &CheckoutExpiryJob{
		checkouts: checkouts,
		stopCh:    make(chan struct{}),
		interval:  30 * time.Second,
		batchSize: 50,
	}
}

func (j *CheckoutExpiryJob) Start(ctx context.Context) {
	log.Info("[CheckoutExpiryJob] 过期交易任务启动")

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("[CheckoutExpiryJob] 收到停止信号，任务退出")
			return
		case <-j.stopCh:
			log.Info("[CheckoutExpiryJob] 任务停止")
			return
		case <-ticker.C:
			j.expireCheckouts(ctx)
		}
	}
}

func (j *CheckoutExpiryJob) Stop() {
	close(j.stopCh)
}

func (j *CheckoutExpiryJob) expireCheckouts(ctx context.Context) int {
	transactions, err := j.checkouts.ExpiredCheckouts(ctx, j.batchSize)
	if err != nil {
		log.WithError(err).Error("[CheckoutExpiryJob] 查询过期交易失败")
		return 0
	}

	if len(transactions) == 0 {
		return 0
	}

	log.Infof("[CheckoutExpiryJob] 发现 %d 笔过期交易", len(transactions))

	cancelled := 0
	for _, trans := range transactions {
		fields := log.Fields{
			"transaction_id": trans.ID,
			"method":         trans.PaymentMethod,
			"payment_id":     trans.PaymentID,
		}

		result, err := j.checkouts.ExpireCheckout(ctx, trans)
		if err != nil {
			log.WithError(err).WithFields(fields).Warn("[CheckoutExpiryJob] 处理过期交易失败，下一轮重试")
			continue
		}

		switch result.Status {
		case model.TransactionStatusCancelled:
			cancelled++
			metrics.ExpiredTransactionsTotal.Inc()
			log.WithFields(fields).Info("[CheckoutExpiryJob] 交易已超时取消")
		case model.TransactionStatusCompleted:
			log.WithFields(fields).Info("[CheckoutExpiryJob] 过期交易在渠道侧已付款，已标记完成")
		}
	}

	log.Infof("[CheckoutExpiryJob] 本次取消 %d 笔过期交易", cancelled)
	return cancelled
}
