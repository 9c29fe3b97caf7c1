package queue

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPublishSubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewMemory()
	got := make(chan []byte, 1)
	require.NoError(t, q.Subscribe(ctx, TopicChecker, func(ctx context.Context, d Delivery) {
		got <- d.Body()
		_ = d.Ack()
	}))

	require.NoError(t, q.Publish(ctx, TopicChecker, SubmissionPayload(42)))

	select {
	case body := <-got:
		id, err := ParseSubmissionPayload(body)
		require.NoError(t, err)
		assert.Equal(t, int64(42), id)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestMemoryNackRedelivers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewMemory()
	var attempts int32
	done := make(chan struct{})
	require.NoError(t, q.Subscribe(ctx, TopicCalculator, func(ctx context.Context, d Delivery) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			_ = d.Nack()
			return
		}
		_ = d.Ack()
		close(done)
	}))

	require.NoError(t, q.Publish(ctx, TopicCalculator, []byte(`{}`)))

	select {
	case <-done:
		assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
	case <-time.After(2 * time.Second):
		t.Fatal("nacked message was not redelivered")
	}
}

func TestMemoryTopicsIsolated(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q := NewMemory()
	checker := make(chan struct{}, 1)
	require.NoError(t, q.Subscribe(ctx, TopicChecker, func(ctx context.Context, d Delivery) {
		checker <- struct{}{}
		_ = d.Ack()
	}))

	require.NoError(t, q.Publish(ctx, TopicEmail, []byte(`{}`)))

	select {
	case <-checker:
		t.Fatal("checker received a message published to email")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMemoryPublishAfterClose(t *testing.T) {
	q := NewMemory()
	require.NoError(t, q.Close())
	assert.Error(t, q.Publish(context.Background(), TopicChecker, nil))
}
