package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/iago/distribution-engine/internal/domain"
)

// LocalQueue is a fallback queue used when Redis is not configured. Messages
// live in process memory and are lost on restart.
type LocalQueue struct {
	ch          chan domain.ComputeMessage
	maxAttempts int
	retryDelay  time.Duration
	logger      *slog.Logger

	dlqMu sync.Mutex
	dlq   []domain.ComputeMessage
}

var (
	_ Producer = (*LocalQueue)(nil)
	_ Consumer = (*LocalQueue)(nil)
)

func NewLocalQueue(bufferSize, maxAttempts int, logger *slog.Logger) *LocalQueue {
	if bufferSize <= 0 {
		bufferSize = 512
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalQueue{
		ch:          make(chan domain.ComputeMessage, bufferSize),
		maxAttempts: maxAttempts,
		retryDelay:  500 * time.Millisecond,
		logger:      logger.With("component", "local-queue"),
		dlq:         make([]domain.ComputeMessage, 0),
	}
}

func (q *LocalQueue) Enqueue(ctx context.Context, message domain.ComputeMessage) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case q.ch <- message:
		return nil
	}
}

func (q *LocalQueue) Consume(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case message := <-q.ch:
			err := handler(ctx, message)
			if err == nil {
				continue
			}

			message.Attempt++
			if message.Attempt >= q.maxAttempts {
				q.dlqMu.Lock()
				q.dlq = append(q.dlq, message)
				q.dlqMu.Unlock()
				q.logger.Error("moved message to dlq", "preview_id", message.PreviewID, "attempt", message.Attempt, "error", err)
				continue
			}

			q.logger.Warn("retrying message", "preview_id", message.PreviewID, "attempt", message.Attempt, "error", err)
			delay := time.Duration(message.Attempt) * q.retryDelay
			go func(retryMessage domain.ComputeMessage) {
				timer := time.NewTimer(delay)
				defer timer.Stop()
				select {
				case <-ctx.Done():
					return
				case <-timer.C:
					select {
					case q.ch <- retryMessage:
					case <-ctx.Done():
					}
				}
			}(message)
		}
	}
}

func (q *LocalQueue) DLQSize() int {
	q.dlqMu.Lock()
	defer q.dlqMu.Unlock()
	return len(q.dlq)
}
