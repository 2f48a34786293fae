package service

import (
	"errors"
	"fmt"

	"github.com/iago/distribution-engine/internal/domain"
)

var (
	ErrGroupNotFound         = errors.New("group not found")
	ErrPreviewNotFound       = errors.New("distribution preview not found")
	ErrPreviewNotApplicable  = errors.New("distribution preview cannot be applied")
	ErrPreviewAlreadyApplied = errors.New("distribution preview already applied")
	ErrPreviewExpired        = errors.New("distribution preview expired")
	ErrInvalidModification   = errors.New("invalid modification")
	ErrInvalidDateRange      = errors.New("invalid date range")
)

// StateError rejects an apply on a preview that is not completed.
type StateError struct {
	Status domain.PreviewStatus
}

func (e *StateError) Error() string {
	return fmt.Sprintf("distribution preview is %s, only completed previews can be applied", e.Status)
}

func (e *StateError) Unwrap() error { return ErrPreviewNotApplicable }
