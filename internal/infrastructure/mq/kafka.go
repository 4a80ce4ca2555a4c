package mq

import (
	"context"
	"fmt"

	"servicemarket/internal/config"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

// Publisher 事件投递端口，OutboxSender 依赖它
type Publisher interface {
	Publish(ctx context.Context, topic, key, value string) error
	Close() error
}

// NewSyncProducer 创建 Kafka 同步生产者
func NewSyncProducer(cfg config.KafkaConfig) (sarama.SyncProducer, error) {
	kafkaConfig := sarama.NewConfig()
	kafkaConfig.Producer.RequiredAcks = sarama.WaitForAll // 等待所有副本确认
	kafkaConfig.Producer.Retry.Max = 3
	kafkaConfig.Producer.Return.Successes = true
	kafkaConfig.Producer.Idempotent = true
	kafkaConfig.Net.MaxOpenRequests = 1

	producer, err := sarama.NewSyncProducer(cfg.Brokers, kafkaConfig)
	if err != nil {
		return nil, fmt.Errorf("创建 Kafka 生产者失败: %w", err)
	}
	log.WithField("brokers", cfg.Brokers).Info("Kafka 生产者创建成功")
	return producer, nil
}

// KafkaPublisher 用 sarama 同步生产者投递
type KafkaPublisher struct {
	producer sarama.SyncProducer
}

func NewKafkaPublisher(producer sarama.SyncProducer) *KafkaPublisher {
	return &KafkaPublisher{producer: producer}
}

func (p *KafkaPublisher) Publish(ctx context.Context, topic, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.StringEncoder(value),
	}
	_, _, err := p.producer.SendMessage(msg)
	return err
}

func (p *KafkaPublisher) Close() error {
	return p.producer.Close()
}

// LogPublisher 未启用 Kafka 时只把事件写进日志
type LogPublisher struct{}

func (LogPublisher) Publish(ctx context.Context, topic, key, value string) error {
	log.WithFields(log.Fields{
		"topic": topic,
		"key":   key,
	}).Info(value)
	return nil
}

func (LogPublisher) Close() error { return nil }
