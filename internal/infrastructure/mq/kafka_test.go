package mq

import (
	"context"
	"errors"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKafkaPublisher(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		if string(val) != `{"event":"transaction.completed"}` {
			return errors.New("unexpected payload")
		}
		return nil
	})
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := NewKafkaPublisher(producer)
	require.NoError(t, p.Publish(context.Background(), "transaction-events", "tx-1", `{"event":"transaction.completed"}`))
	assert.ErrorIs(t, p.Publish(context.Background(), "transaction-events", "tx-1", "{}"), sarama.ErrOutOfBrokers)

	require.NoError(t, p.Close())
}

func TestKafkaPublisherCancelledContext(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	p := NewKafkaPublisher(producer)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Publish(ctx, "t", "k", "v"), context.Canceled)
	require.NoError(t, p.Close())
}

func TestLogPublisher(t *testing.T) {
	var p Publisher = LogPublisher{}
	assert.NoError(t, p.Publish(context.Background(), "t", "k", "v"))
	assert.NoError(t, p.Close())
}
