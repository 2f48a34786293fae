package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iago/distribution-engine/internal/domain"
	"github.com/iago/distribution-engine/internal/repository"
)

func TestSweepDeletesExpiredPreviews(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryPreviewStore()
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, id := range []string{"a", "b"} {
		require.NoError(t, store.CreatePreview(ctx, &domain.DistributionPreview{
			ID:        id,
			Status:    domain.PreviewStatusProcessing,
			CreatedAt: created,
			ExpiresAt: created.Add(time.Hour),
		}))
	}

	sweeper := NewSweeper(store, "@every 1m", discardLogger())
	sweeper.now = func() time.Time { return created.Add(2 * time.Hour) }

	assert.Equal(t, 2, sweeper.Sweep(ctx))
	assert.Equal(t, 0, sweeper.Sweep(ctx))
}

type brokenDeleter struct{}

func (brokenDeleter) DeleteExpired(context.Context, time.Time) (int, error) {
	return 0, errors.New("db offline")
}

func TestSweepSurvivesStoreErrors(t *testing.T) {
	sweeper := NewSweeper(brokenDeleter{}, "", discardLogger())
	assert.Equal(t, 0, sweeper.Sweep(context.Background()))
}

func TestSweeperRejectsBadSchedule(t *testing.T) {
	sweeper := NewSweeper(brokenDeleter{}, "not a schedule", discardLogger())
	assert.Error(t, sweeper.Start(context.Background()))
}

func TestSweeperStopsWithContext(t *testing.T) {
	sweeper := NewSweeper(repository.NewMemoryPreviewStore(), "@every 1h", discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sweeper.Start(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
