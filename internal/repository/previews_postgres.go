package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/iago/distribution-engine/internal/domain"
)

type PostgresPreviewStore struct {
	pool *pgxpool.Pool
}

var _ PreviewStore = (*PostgresPreviewStore)(nil)

func NewPostgresPreviewStore(pool *pgxpool.Pool) *PostgresPreviewStore {
	return &PostgresPreviewStore{pool: pool}
}

func (s *PostgresPreviewStore) CreatePreview(ctx context.Context, preview *domain.DistributionPreview) error {
	request, assignments, stats, err := encodePreviewColumns(preview)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO distribution_previews (
			id,
			group_id,
			status,
			method,
			request,
			assignments,
			stats,
			dropped_count,
			error_message,
			created_at,
			expires_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`,
		preview.ID,
		preview.GroupID,
		string(preview.Status),
		string(preview.Method),
		request,
		assignments,
		stats,
		preview.DroppedCount,
		preview.Error,
		preview.CreatedAt,
		preview.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert preview: %w", err)
	}
	return nil
}

func (s *PostgresPreviewStore) GetPreview(ctx context.Context, previewID string) (*domain.DistributionPreview, error) {
	var (
		preview     domain.DistributionPreview
		status      string
		method      string
		request     []byte
		assignments []byte
		stats       []byte
	)

	err := s.pool.QueryRow(ctx, `
		SELECT id, group_id, status, method, request, assignments, stats, dropped_count,
			error_message, created_at, expires_at, finalized_at, applied_at
		FROM distribution_previews
		WHERE id = $1
	`, previewID).Scan(
		&preview.ID,
		&preview.GroupID,
		&status,
		&method,
		&request,
		&assignments,
		&stats,
		&preview.DroppedCount,
		&preview.Error,
		&preview.CreatedAt,
		&preview.ExpiresAt,
		&preview.FinalizedAt,
		&preview.AppliedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query preview: %w", err)
	}

	preview.Status = domain.PreviewStatus(status)
	preview.Method = domain.DistributionMethod(method)
	if err := json.Unmarshal(request, &preview.Request); err != nil {
		return nil, fmt.Errorf("decode preview request: %w", err)
	}
	if err := json.Unmarshal(assignments, &preview.Assignments); err != nil {
		return nil, fmt.Errorf("decode preview assignments: %w", err)
	}
	if err := json.Unmarshal(stats, &preview.Stats); err != nil {
		return nil, fmt.Errorf("decode preview stats: %w", err)
	}
	return &preview, nil
}

func (s *PostgresPreviewStore) FinalizePreview(ctx context.Context, preview *domain.DistributionPreview) error {
	_, assignments, stats, err := encodePreviewColumns(preview)
	if err != nil {
		return err
	}

	command, err := s.pool.Exec(ctx, `
		UPDATE distribution_previews
		SET status = $2,
			method = $3,
			assignments = $4,
			stats = $5,
			dropped_count = $6,
			error_message = $7,
			finalized_at = $8
		WHERE id = $1 AND status = 'processing'
	`,
		preview.ID,
		string(preview.Status),
		string(preview.Method),
		assignments,
		stats,
		preview.DroppedCount,
		preview.Error,
		preview.FinalizedAt,
	)
	if err != nil {
		return fmt.Errorf("finalize preview: %w", err)
	}
	if command.RowsAffected() == 0 {
		return s.missOrConflict(ctx, preview.ID)
	}
	return nil
}

func (s *PostgresPreviewStore) MarkApplied(ctx context.Context, previewID string, appliedAt time.Time) error {
	command, err := s.pool.Exec(ctx, `
		UPDATE distribution_previews
		SET applied_at = $2
		WHERE id = $1 AND status = 'completed' AND applied_at IS NULL
	`, previewID, appliedAt)
	if err != nil {
		return fmt.Errorf("mark preview applied: %w", err)
	}
	if command.RowsAffected() == 0 {
		return s.missOrConflict(ctx, previewID)
	}
	return nil
}

func (s *PostgresPreviewStore) ClearApplied(ctx context.Context, previewID string) error {
	command, err := s.pool.Exec(ctx, `
		UPDATE distribution_previews SET applied_at = NULL WHERE id = $1
	`, previewID)
	if err != nil {
		return fmt.Errorf("clear preview applied: %w", err)
	}
	if command.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresPreviewStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	command, err := s.pool.Exec(ctx, `
		DELETE FROM distribution_previews WHERE expires_at < $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired previews: %w", err)
	}
	return int(command.RowsAffected()), nil
}

// missOrConflict tells a missing row apart from a failed condition after a
// conditional update touched nothing.
func (s *PostgresPreviewStore) missOrConflict(ctx context.Context, previewID string) error {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM distribution_previews WHERE id = $1)
	`, previewID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check preview: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

func encodePreviewColumns(preview *domain.DistributionPreview) (request, assignments, stats []byte, err error) {
	request, err = json.Marshal(preview.Request)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encode preview request: %w", err)
	}
	records := preview.Assignments
	if records == nil {
		records = []domain.AssignmentRecord{}
	}
	assignments, err = json.Marshal(records)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encode preview assignments: %w", err)
	}
	stats, err = json.Marshal(preview.Stats)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("encode preview stats: %w", err)
	}
	return request, assignments, stats, nil
}
