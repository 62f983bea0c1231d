package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/localmart/commission-service/internal/domain"
	"github.com/localmart/commission-service/pkg/rabbitmq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type publishedMessage struct {
	exchange   string
	routingKey string
	body       interface{}
}

type stubPublisher struct {
	mu        sync.Mutex
	err       error
	published []publishedMessage
	closed    int
}

func (p *stubPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, publishedMessage{exchange: exchange, routingKey: routingKey, body: body})
	return nil
}

func (p *stubPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
}

func (p *stubPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

func TestOutboxDispatcherPublishesPendingMessages(t *testing.T) {
	env := newTestEnv(t)
	soloSeller(t, env)
	env.ingest(t, revenue("evt_1", "ORDER_PAID", "buyer", 10000))
	env.ingest(t, revenue("evt_2", "ORDER_PAID", "stranger", 10000))

	publisher := &stubPublisher{}
	dispatcher := NewOutboxDispatcher(env.repo, func() (rabbitmq.Publisher, error) { return publisher, nil }, time.Second, nil, env.logger)

	require.NoError(t, dispatcher.flushOnce(context.Background()))

	require.Len(t, publisher.published, 2)
	first := publisher.published[0]
	assert.Equal(t, domain.NotificationExchange, first.exchange)
	assert.Equal(t, domain.RoutingKeyCommissionCredited, first.routingKey)
	body, ok := first.body.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "evt_1", body["source_event_id"])
	assert.Equal(t, float64(10000), body["amount_cents"])
	assert.Equal(t, domain.RoutingKeyUnattributedRevenueSeen, publisher.published[1].routingKey)

	require.NoError(t, dispatcher.flushOnce(context.Background()))
	assert.Equal(t, 2, publisher.count(), "published messages are not sent twice")
}

func TestOutboxDispatcherBacksOffOnPublishFailure(t *testing.T) {
	env := newTestEnv(t)
	soloSeller(t, env)
	env.ingest(t, revenue("evt_1", "ORDER_PAID", "buyer", 10000))

	publisher := &stubPublisher{err: errors.New("channel closed")}
	factoryCalls := 0
	dispatcher := NewOutboxDispatcher(env.repo, func() (rabbitmq.Publisher, error) {
		factoryCalls++
		return publisher, nil
	}, time.Second, nil, env.logger)

	require.NoError(t, dispatcher.flushOnce(context.Background()))
	assert.Equal(t, 1, publisher.closed, "a failed publisher is discarded")

	publisher.err = nil
	require.NoError(t, dispatcher.flushOnce(context.Background()))
	assert.Zero(t, publisher.count(), "the message waits out its retry delay")
	assert.Equal(t, 1, factoryCalls)
}

func TestOutboxDispatcherSurvivesBrokerOutage(t *testing.T) {
	env := newTestEnv(t)
	soloSeller(t, env)
	env.ingest(t, revenue("evt_1", "ORDER_PAID", "buyer", 10000))

	dispatcher := NewOutboxDispatcher(env.repo, func() (rabbitmq.Publisher, error) {
		return nil, errors.New("dial tcp: connection refused")
	}, time.Second, nil, env.logger)

	assert.NoError(t, dispatcher.flushOnce(context.Background()))
}

func TestOutboxDispatcherRunStopsWithContext(t *testing.T) {
	env := newTestEnv(t)
	publisher := &stubPublisher{}
	dispatcher := NewOutboxDispatcher(env.repo, func() (rabbitmq.Publisher, error) { return publisher, nil }, 10*time.Millisecond, nil, env.logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatcher.Run(ctx)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

func TestRetryDelaySeconds(t *testing.T) {
	tests := []struct {
		attempt int
		want    int
	}{
		{attempt: 0, want: 1},
		{attempt: 1, want: 2},
		{attempt: 3, want: 8},
		{attempt: 8, want: 256},
		{attempt: 20, want: 256},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, retryDelaySeconds(tt.attempt))
	}
}
