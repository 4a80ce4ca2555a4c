package job

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"servicemarket/internal/config"
	"servicemarket/internal/infrastructure/database"
	"servicemarket/internal/infrastructure/mq"
	"servicemarket/internal/model"
	"servicemarket/internal/repository"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExpirer struct {
	mu      sync.Mutex
	pending []*model.Transaction
	results map[string]string
	errs    map[string]error
	handled []string
}

func (f *fakeExpirer) ExpiredCheckouts(ctx context.Context, limit int) ([]*model.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending, nil
}

func (f *fakeExpirer) ExpireCheckout(ctx context.Context, trans *model.Transaction) (*model.Transaction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handled = append(f.handled, trans.ID)
	if err := f.errs[trans.ID]; err != nil {
		return nil, err
	}
	out := *trans
	out.Status = f.results[trans.ID]
	return &out, nil
}

func TestCheckoutExpiryJob(t *testing.T) {
	f := &fakeExpirer{
		pending: []*model.Transaction{{ID: "t1"}, {ID: "t2"}, {ID: "t3"}},
		results: map[string]string{
			"t1": model.TransactionStatusCancelled,
			"t2": model.TransactionStatusCompleted,
		},
		errs: map[string]error{"t3": errors.New("processor down")},
	}

	j := NewCheckoutExpiryJob(f)
	assert.Equal(t, 1, j.expireCheckouts(context.Background()))
	assert.Equal(t, []string{"t1", "t2", "t3"}, f.handled)
}

func TestCheckoutExpiryJobStop(t *testing.T) {
	j := NewCheckoutExpiryJob(&fakeExpirer{})
	j.interval = time.Millisecond

	done := make(chan struct{})
	go func() {
		j.Start(context.Background())
		close(done)
	}()
	j.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("任务没有退出")
	}
}

func newOutboxRepo(t *testing.T) repository.OutboxRepository {
	t.Helper()
	db, err := database.Open(config.StoreConfig{
		Driver: config.StoreDriverSQLite,
		SQLite: config.SQLiteConfig{Path: "file:" + uuid.NewString() + "?mode=memory&cache=shared"},
	}, false)
	require.NoError(t, err)
	store := repository.NewGormStore(db)
	t.Cleanup(func() { _ = store.Close() })

	for _, key := range []string{"tx-1", "tx-2"} {
		require.NoError(t, db.Create(&model.OutboxMessage{
			MessageKey: key,
			Topic:      "marketplace.transactions",
			Payload:    `{"event":"transaction.completed"}`,
			Status:     model.OutboxStatusPending,
		}).Error)
	}
	return store.Outbox()
}

func testConfig(maxRetry int) *config.Config {
	return &config.Config{Business: config.BusinessConfig{MaxRetryCount: maxRetry}}
}

func TestOutboxSenderPublishes(t *testing.T) {
	ctx := context.Background()
	repo := newOutboxRepo(t)

	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndSucceed()
	producer.ExpectSendMessageAndSucceed()

	s := NewOutboxSender(repo, mq.NewKafkaPublisher(producer), testConfig(3))
	s.processPendingMessages(ctx)

	pending, err := repo.ListPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
	require.NoError(t, producer.Close())
}

func TestOutboxSenderRetriesThenFails(t *testing.T) {
	ctx := context.Background()
	repo := newOutboxRepo(t)

	producer := mocks.NewSyncProducer(t, nil)
	for i := 0; i < 4; i++ {
		producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	}

	s := NewOutboxSender(repo, mq.NewKafkaPublisher(producer), testConfig(2))

	s.processPendingMessages(ctx)
	pending, err := repo.ListPending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	for _, msg := range pending {
		assert.Equal(t, 1, msg.RetryCount, "每次失败只累加一次")
	}

	s.processPendingMessages(ctx)
	pending, err = repo.ListPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending, "达到最大重试次数后不再投递")
	require.NoError(t, producer.Close())
}
