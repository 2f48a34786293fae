// Package queue carries compute jobs from the request path to the worker pool.
package queue

import (
	"context"

	"github.com/iago/distribution-engine/internal/domain"
)

// Handler processes one compute message. A non-nil error schedules a retry
// until the backend's attempt budget is spent.
type Handler func(ctx context.Context, message domain.ComputeMessage) error

// Producer sends compute jobs to a queue backend.
type Producer interface {
	Enqueue(ctx context.Context, message domain.ComputeMessage) error
}

// Consumer receives compute jobs and runs handler for each. Consume blocks
// until ctx is done and is safe to call from several goroutines.
type Consumer interface {
	Consume(ctx context.Context, handler Handler) error
}
