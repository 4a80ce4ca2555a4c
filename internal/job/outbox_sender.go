package job

import (
	"context"
	"errors"
	"time"

	"servicemarket/internal/config"
	"servicemarket/internal/infrastructure/mq"
	"servicemarket/internal/metrics"
	"servicemarket/internal/model"
	"servicemarket/internal/repository"

	log "github.com/sirupsen/logrus"
)

// OutboxSender 把 outbox 表里的交易事件投递到消息队列
type OutboxSender struct {
	outboxRepo    repository.OutboxRepository
	publisher     mq.Publisher
	maxRetryCount int
	stopCh        chan struct{}
	interval      time.Duration
	batchSize     int
}

func NewOutboxSender(outboxRepo repository.OutboxRepository, publisher mq.Publisher, cfg *config.Config) *OutboxSender {
	return &OutboxSender{
		outboxRepo:    outboxRepo,
		publisher:     publisher,
		maxRetryCount: cfg.Business.MaxRetryCount,
		stopCh:        make(chan struct{}),
		interval:      time.Second,
		batchSize:     100,
	}
}

func (s *OutboxSender) Start(ctx context.Context) {
	log.Info("[OutboxSender] 消息发送任务启动")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("[OutboxSender] 收到停止信号，任务退出")
			return
		case <-s.stopCh:
			log.Info("[OutboxSender] 任务停止")
			return
		case <-ticker.C:
			s.processPendingMessages(ctx)
		}
	}
}

func (s *OutboxSender) Stop() {
	close(s.stopCh)
}

func (s *OutboxSender) processPendingMessages(ctx context.Context) {
	messages, err := s.outboxRepo.ListPending(ctx, s.batchSize)
	if err != nil {
		log.WithError(err).Error("[OutboxSender] 查询消息失败")
		return
	}

	for _, msg := range messages {
		s.sendMessage(ctx, msg)
	}
}

func (s *OutboxSender) sendMessage(ctx context.Context, msg *model.OutboxMessage) {
	fields := log.Fields{"id": msg.ID, "topic": msg.Topic, "key": msg.MessageKey}

	err := s.publisher.Publish(ctx, msg.Topic, msg.MessageKey, msg.Payload)
	if err == nil {
		metrics.OutboxMessagesTotal.WithLabelValues("sent").Inc()
		if updateErr := s.outboxRepo.MarkSent(ctx, msg.ID); updateErr != nil {
			log.WithError(updateErr).WithFields(fields).Error("[OutboxSender] 更新消息状态失败")
		} else {
			log.WithFields(fields).Debug("[OutboxSender] 消息发送成功")
		}
		return
	}

	log.WithError(err).WithFields(fields).Warn("[OutboxSender] 消息发送失败")

	exhausted, err := s.outboxRepo.RecordFailure(ctx, msg.ID, s.maxRetryCount)
	switch {
	case errors.Is(err, repository.ErrOutboxNotPending):
		log.WithFields(fields).Debug("[OutboxSender] 消息已被其他实例处理")
	case err != nil:
		log.WithError(err).WithFields(fields).Error("[OutboxSender] 记录投递失败出错")
	case exhausted:
		metrics.OutboxMessagesTotal.WithLabelValues("failed").Inc()
		log.WithFields(fields).Error("[OutboxSender] 消息超过最大重试次数，标记为失败")
	default:
		metrics.OutboxMessagesTotal.WithLabelValues("retry").Inc()
	}
}
