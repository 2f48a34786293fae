package queue

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iago/distribution-engine/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestLocalQueueDeliversMessages(t *testing.T) {
	q := NewLocalQueue(4, 3, discardLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, q.Enqueue(ctx, domain.ComputeMessage{PreviewID: "p1", GroupID: "g1"}))

	received := make(chan domain.ComputeMessage, 1)
	go func() {
		_ = q.Consume(ctx, func(_ context.Context, message domain.ComputeMessage) error {
			received <- message
			return nil
		})
	}()

	select {
	case message := <-received:
		assert.Equal(t, "p1", message.PreviewID)
		assert.Equal(t, "g1", message.GroupID)
	case <-ctx.Done():
		t.Fatal("message was not delivered")
	}
}

func TestLocalQueueRetriesThenDeadLetters(t *testing.T) {
	q := NewLocalQueue(4, 3, discardLogger())
	q.retryDelay = 5 * time.Millisecond
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var calls int32
	require.NoError(t, q.Enqueue(ctx, domain.ComputeMessage{PreviewID: "p1"}))
	go func() {
		_ = q.Consume(ctx, func(context.Context, domain.ComputeMessage) error {
			atomic.AddInt32(&calls, 1)
			return errors.New("store unavailable")
		})
	}()

	require.Eventually(t, func() bool { return q.DLQSize() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestLocalQueueEnqueueHonoursContext(t *testing.T) {
	q := NewLocalQueue(1, 3, discardLogger())
	require.NoError(t, q.Enqueue(context.Background(), domain.ComputeMessage{PreviewID: "p1"}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, q.Enqueue(ctx, domain.ComputeMessage{PreviewID: "p2"}), context.Canceled)
}
