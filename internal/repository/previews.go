package repository

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/iago/distribution-engine/internal/domain"
)

var (
	ErrNotFound = errors.New("resource not found")
	// ErrConflict is returned when a conditional write finds the row in an
	// unexpected state.
	ErrConflict = errors.New("resource state conflict")
)

// PreviewStore persists distribution previews. Status transitions and the
// apply-once guard are conditional writes; a lost race returns ErrConflict.
type PreviewStore interface {
	CreatePreview(ctx context.Context, preview *domain.DistributionPreview) error
	GetPreview(ctx context.Context, previewID string) (*domain.DistributionPreview, error)
	// FinalizePreview stores the outcome only while the stored preview is
	// still processing.
	FinalizePreview(ctx context.Context, preview *domain.DistributionPreview) error
	// MarkApplied sets applied_at on a completed, not yet applied preview.
	MarkApplied(ctx context.Context, previewID string, appliedAt time.Time) error
	ClearApplied(ctx context.Context, previewID string) error
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// MemoryPreviewStore keeps previews in memory for local development and tests.
type MemoryPreviewStore struct {
	mu       sync.RWMutex
	previews map[string]*domain.DistributionPreview
}

var _ PreviewStore = (*MemoryPreviewStore)(nil)

func NewMemoryPreviewStore() *MemoryPreviewStore {
	return &MemoryPreviewStore{
		previews: make(map[string]*domain.DistributionPreview),
	}
}

func (s *MemoryPreviewStore) CreatePreview(_ context.Context, preview *domain.DistributionPreview) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.previews[preview.ID]; exists {
		return ErrConflict
	}
	s.previews[preview.ID] = preview.Clone()
	return nil
}

func (s *MemoryPreviewStore) GetPreview(_ context.Context, previewID string) (*domain.DistributionPreview, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	preview, ok := s.previews[previewID]
	if !ok {
		return nil, ErrNotFound
	}
	return preview.Clone(), nil
}

func (s *MemoryPreviewStore) FinalizePreview(_ context.Context, preview *domain.DistributionPreview) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.previews[preview.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.Status != domain.PreviewStatusProcessing {
		return ErrConflict
	}

	next := preview.Clone()
	// Identity and retention are fixed at creation.
	next.GroupID = stored.GroupID
	next.Request = stored.Request
	next.CreatedAt = stored.CreatedAt
	next.ExpiresAt = stored.ExpiresAt
	next.AppliedAt = nil
	s.previews[preview.ID] = next
	return nil
}

func (s *MemoryPreviewStore) MarkApplied(_ context.Context, previewID string, appliedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.previews[previewID]
	if !ok {
		return ErrNotFound
	}
	if stored.Status != domain.PreviewStatusCompleted || stored.AppliedAt != nil {
		return ErrConflict
	}
	at := appliedAt
	stored.AppliedAt = &at
	return nil
}

func (s *MemoryPreviewStore) ClearApplied(_ context.Context, previewID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored, ok := s.previews[previewID]
	if !ok {
		return ErrNotFound
	}
	stored.AppliedAt = nil
	return nil
}

func (s *MemoryPreviewStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for id, preview := range s.previews {
		if preview.ExpiresAt.Before(now) {
			delete(s.previews, id)
			deleted++
		}
	}
	return deleted, nil
}
