package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/iago/distribution-engine/internal/domain"
	"github.com/iago/distribution-engine/internal/queue"
)

// Computer finalizes one preview. It is satisfied by the distribution service.
type Computer interface {
	Compute(ctx context.Context, previewID string) error
}

// Processor runs a fixed pool of consumers that drive compute jobs. Jobs run
// under the context passed to Start, never under a request context.
type Processor struct {
	consumer    queue.Consumer
	computer    Computer
	concurrency int
	restartWait time.Duration
	logger      *slog.Logger
}

func NewProcessor(consumer queue.Consumer, computer Computer, concurrency int, logger *slog.Logger) *Processor {
	if concurrency <= 0 {
		concurrency = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		consumer:    consumer,
		computer:    computer,
		concurrency: concurrency,
		restartWait: 2 * time.Second,
		logger:      logger.With("component", "processor"),
	}
}

// Start blocks until ctx is done.
func (p *Processor) Start(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for index := 0; index < p.concurrency; index++ {
		workerID := index + 1
		group.Go(func() error {
			p.run(groupCtx, workerID)
			return nil
		})
	}
	p.logger.Info("worker pool started", "concurrency", p.concurrency)
	return group.Wait()
}

func (p *Processor) run(ctx context.Context, workerID int) {
	for {
		if ctx.Err() != nil {
			return
		}

		err := p.consumer.Consume(ctx, p.processMessage)
		if err == nil || ctx.Err() != nil {
			return
		}
		p.logger.Error("consume loop error", "worker", workerID, "error", err)

		timer := time.NewTimer(p.restartWait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (p *Processor) processMessage(ctx context.Context, message domain.ComputeMessage) error {
	if err := p.computer.Compute(ctx, message.PreviewID); err != nil {
		return fmt.Errorf("compute preview %s: %w", message.PreviewID, err)
	}
	return nil
}
