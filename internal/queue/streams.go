package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/iago/distribution-engine/internal/domain"
)

type StreamsConfig struct {
	Addr        string
	Password    string
	DB          int
	Stream      string
	DLQStream   string
	Group       string
	Consumer    string
	MaxAttempts int

	// ClaimMinIdle is how long an entry must sit unacknowledged before
	// another consumer takes it over.
	ClaimMinIdle time.Duration
}

// StreamsQueue implements Producer and Consumer on Redis Streams with a
// consumer group and a dead-letter stream.
type StreamsQueue struct {
	client      *redis.Client
	stream      string
	dlqStream   string
	group       string
	consumer    string
	maxAttempts int
	block       time.Duration
	claimIdle   time.Duration
	logger      *slog.Logger

	drainOnce sync.Once
	claimMu   sync.Mutex
	lastClaim time.Time
}

var (
	_ Producer = (*StreamsQueue)(nil)
	_ Consumer = (*StreamsQueue)(nil)
)

func NewStreamsQueue(ctx context.Context, cfg StreamsConfig, logger *slog.Logger) (*StreamsQueue, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}
	if cfg.Stream == "" {
		cfg.Stream = "distribution_compute"
	}
	if cfg.DLQStream == "" {
		cfg.DLQStream = "distribution_compute_dlq"
	}
	if cfg.Group == "" {
		cfg.Group = "distribution_workers"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "api-1"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.ClaimMinIdle <= 0 {
		cfg.ClaimMinIdle = 5 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	queue := &StreamsQueue{
		client:      client,
		stream:      cfg.Stream,
		dlqStream:   cfg.DLQStream,
		group:       cfg.Group,
		consumer:    cfg.Consumer,
		maxAttempts: cfg.MaxAttempts,
		block:       5 * time.Second,
		claimIdle:   cfg.ClaimMinIdle,
		logger:      logger.With("component", "streams-queue", "stream", cfg.Stream),
	}
	if err := queue.ensureGroup(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return queue, nil
}

func (q *StreamsQueue) Close() error {
	return q.client.Close()
}

func (q *StreamsQueue) Enqueue(ctx context.Context, message domain.ComputeMessage) error {
	_, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: streamValues(message),
	}).Result()
	if err != nil {
		return fmt.Errorf("enqueue to stream: %w", err)
	}
	return nil
}

// Consume first replays entries this consumer left pending in an earlier
// run, then reads new entries. Entries idle longer than ClaimMinIdle under
// any consumer are taken over periodically.
func (q *StreamsQueue) Consume(ctx context.Context, handler Handler) error {
	if err := q.ensureGroup(ctx); err != nil {
		return err
	}

	var drainErr error
	q.drainOnce.Do(func() {
		drainErr = q.drainPending(ctx, handler)
	})
	if drainErr != nil {
		return drainErr
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := q.reclaimIdle(ctx, handler); err != nil {
			return err
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumer,
			Streams:  []string{q.stream, ">"},
			Count:    10,
			Block:    q.block,
		}).Result()

		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return fmt.Errorf("xreadgroup: %w", err)
		}

		for _, stream := range streams {
			for _, item := range stream.Messages {
				q.handleItem(ctx, item, handler)
			}
		}
	}
}

// drainPending walks this consumer's pending entries once, in id order.
func (q *StreamsQueue) drainPending(ctx context.Context, handler Handler) error {
	start := "0"
	for ctx.Err() == nil {
		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: q.consumer,
			Streams:  []string{q.stream, start},
			Count:    10,
			Block:    -1,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return nil
			}
			return fmt.Errorf("read pending entries: %w", err)
		}

		handled := 0
		for _, stream := range streams {
			for _, item := range stream.Messages {
				q.logger.Info("replaying pending entry", "stream_id", item.ID)
				q.handleItem(ctx, item, handler)
				start = item.ID
				handled++
			}
		}
		if handled == 0 {
			return nil
		}
	}
	return ctx.Err()
}

// reclaimIdle takes over entries abandoned by stopped consumers. Only one
// caller per interval does the work.
func (q *StreamsQueue) reclaimIdle(ctx context.Context, handler Handler) error {
	q.claimMu.Lock()
	if !q.lastClaim.IsZero() && time.Since(q.lastClaim) < q.claimIdle {
		q.claimMu.Unlock()
		return nil
	}
	q.lastClaim = time.Now()
	q.claimMu.Unlock()

	start := "0-0"
	for ctx.Err() == nil {
		items, next, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   q.stream,
			Group:    q.group,
			Consumer: q.consumer,
			MinIdle:  q.claimIdle,
			Start:    start,
			Count:    10,
		}).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			q.logger.Warn("xautoclaim failed", "error", err)
			return nil
		}
		for _, item := range items {
			q.logger.Info("claimed idle entry", "stream_id", item.ID)
			q.handleItem(ctx, item, handler)
		}
		if next == "" || next == "0-0" {
			return nil
		}
		start = next
	}
	return ctx.Err()
}

// handleItem settles one entry. Settling writes use a context that survives
// shutdown; an entry whose handler was cut short by shutdown stays pending
// and is replayed by the next consumer run.
func (q *StreamsQueue) handleItem(ctx context.Context, item redis.XMessage, handler Handler) {
	settleCtx := context.WithoutCancel(ctx)

	message, parseErr := parseStreamMessage(item)
	if parseErr != nil {
		q.logger.Error("unparsable stream message", "stream_id", item.ID, "error", parseErr)
		q.deadLetter(settleCtx, domain.ComputeMessage{}, item, parseErr.Error())
		q.ack(settleCtx, item.ID)
		return
	}

	handleErr := handler(ctx, message)
	if handleErr == nil {
		q.ack(settleCtx, item.ID)
		return
	}
	if ctx.Err() != nil {
		q.logger.Warn("handler interrupted, entry left pending", "stream_id", item.ID, "preview_id", message.PreviewID, "error", handleErr)
		return
	}

	message.Attempt++
	if message.Attempt >= q.maxAttempts {
		q.logger.Error("moved message to dlq", "preview_id", message.PreviewID, "attempt", message.Attempt, "error", handleErr)
		q.deadLetter(settleCtx, message, item, handleErr.Error())
		q.ack(settleCtx, item.ID)
		return
	}

	if requeueErr := q.Enqueue(settleCtx, message); requeueErr != nil {
		q.deadLetter(settleCtx, message, item, fmt.Sprintf("requeue failed: %v", requeueErr))
	}
	q.ack(settleCtx, item.ID)
}

func (q *StreamsQueue) ensureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return fmt.Errorf("ensure stream group: %w", err)
}

func (q *StreamsQueue) ack(ctx context.Context, streamID string) {
	if err := q.client.XAck(ctx, q.stream, q.group, streamID).Err(); err != nil {
		q.logger.Warn("xack failed", "stream_id", streamID, "error", err)
		return
	}
	if err := q.client.XDel(ctx, q.stream, streamID).Err(); err != nil {
		q.logger.Warn("xdel failed", "stream_id", streamID, "error", err)
	}
}

func (q *StreamsQueue) deadLetter(
	ctx context.Context,
	message domain.ComputeMessage,
	item redis.XMessage,
	errorMessage string,
) {
	values := streamValues(message)
	values["stream_id"] = item.ID
	values["error"] = errorMessage
	values["moved_at"] = time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.dlqStream, Values: values}).Result(); err != nil {
		q.logger.Error("send to dlq failed", "stream_id", item.ID, "error", err)
	}
}

func streamValues(message domain.ComputeMessage) map[string]any {
	return map[string]any{
		"preview_id":   message.PreviewID,
		"group_id":     message.GroupID,
		"attempt":      message.Attempt,
		"requested_at": message.RequestedAt.Format(time.RFC3339Nano),
	}
}

func parseStreamMessage(item redis.XMessage) (domain.ComputeMessage, error) {
	getString := func(key string) (string, error) {
		value, ok := item.Values[key]
		if !ok {
			return "", fmt.Errorf("missing field %s", key)
		}
		switch casted := value.(type) {
		case string:
			return casted, nil
		case []byte:
			return string(casted), nil
		default:
			return fmt.Sprintf("%v", casted), nil
		}
	}

	previewID, err := getString("preview_id")
	if err != nil {
		return domain.ComputeMessage{}, err
	}
	if strings.TrimSpace(previewID) == "" {
		return domain.ComputeMessage{}, errors.New("empty preview_id")
	}
	groupID, err := getString("group_id")
	if err != nil {
		return domain.ComputeMessage{}, err
	}

	attemptString, err := getString("attempt")
	if err != nil {
		return domain.ComputeMessage{}, err
	}
	attempt, err := strconv.Atoi(attemptString)
	if err != nil {
		return domain.ComputeMessage{}, fmt.Errorf("invalid attempt: %w", err)
	}

	requestedAtString, err := getString("requested_at")
	if err != nil {
		return domain.ComputeMessage{}, err
	}
	requestedAt, err := time.Parse(time.RFC3339Nano, requestedAtString)
	if err != nil {
		return domain.ComputeMessage{}, fmt.Errorf("invalid requested_at: %w", err)
	}

	return domain.ComputeMessage{
		PreviewID:   previewID,
		GroupID:     groupID,
		Attempt:     attempt,
		RequestedAt: requestedAt,
	}, nil
}
