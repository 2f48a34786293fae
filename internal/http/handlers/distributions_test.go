package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iago/distribution-engine/internal/domain"
	"github.com/iago/distribution-engine/internal/service"
)

const generateBody = `{"group_id":"g1","from":"2026-03-01T00:00:00Z","to":"2026-03-08T00:00:00Z"}`

// blockingDistributor holds Generate until release is closed.
type blockingDistributor struct {
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
	err     error
}

func (d *blockingDistributor) Generate(ctx context.Context, _ service.GenerateInput) (*domain.DistributionPreview, error) {
	call := d.calls.Add(1)
	if call == 1 && d.entered != nil {
		close(d.entered)
	}
	if d.release != nil {
		select {
		case <-d.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.err != nil {
		return nil, d.err
	}
	return &domain.DistributionPreview{ID: fmt.Sprintf("p%d", call), Status: domain.PreviewStatusProcessing}, nil
}

func (d *blockingDistributor) GetPreview(_ context.Context, previewID string) (*domain.DistributionPreview, error) {
	return &domain.DistributionPreview{ID: previewID, Status: domain.PreviewStatusProcessing}, nil
}

func (d *blockingDistributor) Apply(context.Context, string, []domain.Modification) (domain.ApplyResult, error) {
	return domain.ApplyResult{}, nil
}

func postGenerate(api *API, key string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(http.MethodPost, "/v1/distributions", strings.NewReader(generateBody))
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Idempotency-Key", key)
	recorder := httptest.NewRecorder()
	api.GenerateDistribution(recorder, request)
	return recorder
}

func responseCode(t *testing.T, recorder *httptest.ResponseRecorder) string {
	t.Helper()
	var payload errorPayload
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &payload))
	return payload.Error.Code
}

func TestIdempotencyStorePrunesExpiredKeys(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store := newIdempotencyStore(time.Hour)
	store.now = func() time.Time { return now }

	for i := 0; i < 1000; i++ {
		_, reserved := store.Reserve(fmt.Sprintf("key-%d", i), 1)
		require.True(t, reserved)
	}
	require.Len(t, store.entries, 1000)

	now = now.Add(2 * time.Hour)
	_, reserved := store.Reserve("fresh", 1)
	require.True(t, reserved)
	assert.Len(t, store.entries, 1)

	_, reserved = store.Reserve("key-1", 1)
	assert.True(t, reserved, "an expired key can be reused")
}

func TestIdempotencyStoreReservesKeyOnce(t *testing.T) {
	store := newIdempotencyStore(time.Hour)

	var winners atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, reserved := store.Reserve("shared", 7); reserved {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, winners.Load())

	entry, reserved := store.Reserve("shared", 7)
	assert.False(t, reserved)
	assert.Empty(t, entry.PreviewID)

	store.Complete("shared", "p1")
	entry, _ = store.Reserve("shared", 7)
	assert.Equal(t, "p1", entry.PreviewID)

	store.Release("shared")
	_, reserved = store.Reserve("shared", 7)
	assert.True(t, reserved)
}

func TestGenerateConcurrentRequestsWithSameKeyGenerateOnce(t *testing.T) {
	distributor := &blockingDistributor{entered: make(chan struct{}), release: make(chan struct{})}
	api := NewAPI(distributor, slog.New(slog.NewTextHandler(io.Discard, nil)))

	firstDone := make(chan *httptest.ResponseRecorder, 1)
	go func() { firstDone <- postGenerate(api, "same-key") }()
	<-distributor.entered

	second := postGenerate(api, "same-key")
	assert.Equal(t, http.StatusConflict, second.Code)
	assert.Equal(t, "idempotency_in_progress", responseCode(t, second))

	close(distributor.release)
	first := <-firstDone
	require.Equal(t, http.StatusAccepted, first.Code)

	replay := postGenerate(api, "same-key")
	require.Equal(t, http.StatusAccepted, replay.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(replay.Body.Bytes(), &body))
	assert.Equal(t, "p1", body["preview_id"])
	assert.EqualValues(t, 1, distributor.calls.Load())
}

func TestGenerateReleasesKeyWhenGenerateFails(t *testing.T) {
	distributor := &blockingDistributor{err: service.ErrGroupNotFound}
	api := NewAPI(distributor, slog.New(slog.NewTextHandler(io.Discard, nil)))

	first := postGenerate(api, "retry-key")
	assert.Equal(t, http.StatusNotFound, first.Code)

	distributor.err = nil
	second := postGenerate(api, "retry-key")
	assert.Equal(t, http.StatusAccepted, second.Code)
	assert.EqualValues(t, 2, distributor.calls.Load())
}
