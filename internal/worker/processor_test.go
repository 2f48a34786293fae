package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iago/distribution-engine/internal/domain"
	"github.com/iago/distribution-engine/internal/queue"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingComputer struct {
	mu      sync.Mutex
	ids     []string
	failFor map[string]int
}

func (c *recordingComputer) Compute(_ context.Context, previewID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, previewID)
	if c.failFor[previewID] > 0 {
		c.failFor[previewID]--
		return errors.New("finalize failed")
	}
	return nil
}

func (c *recordingComputer) Seen() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.ids...)
}

func TestProcessorComputesQueuedPreviews(t *testing.T) {
	local := queue.NewLocalQueue(16, 3, discardLogger())
	computer := &recordingComputer{failFor: map[string]int{}}
	processor := NewProcessor(local, computer, 3, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- processor.Start(ctx) }()

	for _, id := range []string{"p1", "p2", "p3", "p4"} {
		require.NoError(t, local.Enqueue(context.Background(), domain.ComputeMessage{PreviewID: id}))
	}

	require.Eventually(t, func() bool { return len(computer.Seen()) == 4 }, 2*time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, []string{"p1", "p2", "p3", "p4"}, computer.Seen())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("processor did not stop")
	}
}

func TestProcessorRetriesFailedCompute(t *testing.T) {
	local := queue.NewLocalQueue(16, 3, discardLogger())
	computer := &recordingComputer{failFor: map[string]int{"p1": 1}}
	processor := NewProcessor(local, computer, 1, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = processor.Start(ctx) }()

	require.NoError(t, local.Enqueue(context.Background(), domain.ComputeMessage{PreviewID: "p1"}))
	require.Eventually(t, func() bool { return len(computer.Seen()) == 2 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, local.DLQSize())
}

type failingConsumer struct {
	mu    sync.Mutex
	calls int
}

func (c *failingConsumer) Consume(ctx context.Context, _ queue.Handler) error {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return errors.New("redis down")
}

func (c *failingConsumer) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestProcessorRestartsConsumeLoop(t *testing.T) {
	consumer := &failingConsumer{}
	processor := NewProcessor(consumer, &recordingComputer{}, 1, discardLogger())
	processor.restartWait = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = processor.Start(ctx) }()

	require.Eventually(t, func() bool { return consumer.Calls() >= 3 }, time.Second, 5*time.Millisecond)
}
