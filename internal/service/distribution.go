package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/iago/distribution-engine/internal/allocation"
	"github.com/iago/distribution-engine/internal/domain"
	"github.com/iago/distribution-engine/internal/metrics"
	"github.com/iago/distribution-engine/internal/queue"
	"github.com/iago/distribution-engine/internal/repository"
)

const (
	msgNoTasks = "No unassigned tasks found in date range"
	msgNoUsers = "No eligible users found for distribution"
)

type GroupReader interface {
	GetGroupByID(ctx context.Context, groupID string) (domain.Group, error)
}

// TaskStore is the external task persistence. UpdateTask replaces assignee
// and status as a whole, so repeating a write is harmless.
type TaskStore interface {
	FindUnassignedTasks(ctx context.Context, groupID string, due domain.DateRange, limit int) ([]domain.TaskSummary, error)
	CountOpenAssignments(ctx context.Context, groupID string, userIDs []string) (map[string]int, error)
	GetTask(ctx context.Context, taskID string) (domain.Task, error)
	UpdateTask(ctx context.Context, task domain.Task) error
}

// UserReader returns the users that exist among ids, missing ones omitted.
type UserReader interface {
	GetUsersByIDs(ctx context.Context, userIDs []string) ([]domain.UserSummary, error)
}

type DistributionConfig struct {
	BatchSize         int
	Retention         time.Duration
	AllocationTimeout time.Duration
}

type DistributionDependencies struct {
	Previews repository.PreviewStore
	Groups   GroupReader
	Tasks    TaskStore
	Users    UserReader
	Producer queue.Producer
	// Generative may be nil, in which case every preview is rule based.
	Generative allocation.Strategy
	Fallback   allocation.Strategy
	Config     DistributionConfig
	Logger     *slog.Logger
	Now        func() time.Time
}

// DistributionService owns the preview lifecycle: generate enqueues a
// compute job, Compute finalizes the preview, Apply commits it to the task
// store.
type DistributionService struct {
	previews   repository.PreviewStore
	groups     GroupReader
	tasks      TaskStore
	users      UserReader
	producer   queue.Producer
	generative allocation.Strategy
	fallback   allocation.Strategy
	config     DistributionConfig
	logger     *slog.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

func NewDistributionService(deps DistributionDependencies) *DistributionService {
	if deps.Fallback == nil {
		deps.Fallback = allocation.NewGreedyBalancer()
	}
	if deps.Config.BatchSize <= 0 {
		deps.Config.BatchSize = 100
	}
	if deps.Config.Retention <= 0 {
		deps.Config.Retention = 24 * time.Hour
	}
	if deps.Config.AllocationTimeout <= 0 {
		deps.Config.AllocationTimeout = 60 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	return &DistributionService{
		previews:   deps.Previews,
		groups:     deps.Groups,
		tasks:      deps.Tasks,
		users:      deps.Users,
		producer:   deps.Producer,
		generative: deps.Generative,
		fallback:   deps.Fallback,
		config:     deps.Config,
		logger:     deps.Logger.With("component", "distribution"),
		tracer:     otel.Tracer("distribution-engine/service"),
		now:        deps.Now,
	}
}

type GenerateInput struct {
	GroupID string
	From    time.Time
	To      time.Time
	UserIDs []string
}

// Generate validates the request, stores a processing preview and enqueues
// its compute job. It never waits for the computation.
func (s *DistributionService) Generate(ctx context.Context, input GenerateInput) (*domain.DistributionPreview, error) {
	groupID := strings.TrimSpace(input.GroupID)
	if input.From.IsZero() || input.To.IsZero() || input.From.After(input.To) {
		return nil, ErrInvalidDateRange
	}
	if _, err := s.groups.GetGroupByID(ctx, groupID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrGroupNotFound
		}
		return nil, fmt.Errorf("load group: %w", err)
	}

	now := s.now()
	preview := &domain.DistributionPreview{
		ID:      uuid.NewString(),
		GroupID: groupID,
		Status:  domain.PreviewStatusProcessing,
		Request: domain.DistributionRequest{
			From:    input.From.UTC(),
			To:      input.To.UTC(),
			UserIDs: uniqueIDs(input.UserIDs),
		},
		CreatedAt: now,
		ExpiresAt: now.Add(s.config.Retention),
	}
	if err := s.previews.CreatePreview(ctx, preview); err != nil {
		return nil, fmt.Errorf("create preview: %w", err)
	}

	message := domain.ComputeMessage{
		PreviewID:   preview.ID,
		GroupID:     groupID,
		RequestedAt: now,
	}
	if err := s.producer.Enqueue(ctx, message); err != nil {
		preview.Status = domain.PreviewStatusFailed
		preview.Error = "Failed to schedule distribution"
		finalizedAt := s.now()
		preview.FinalizedAt = &finalizedAt
		if finalizeErr := s.previews.FinalizePreview(context.WithoutCancel(ctx), preview); finalizeErr != nil {
			s.logger.Error("failed to mark unscheduled preview", "preview_id", preview.ID, "error", finalizeErr)
		}
		return nil, fmt.Errorf("enqueue compute job: %w", err)
	}

	s.logger.Info("distribution requested", "preview_id", preview.ID, "group_id", groupID)
	return preview.Clone(), nil
}

func (s *DistributionService) GetPreview(ctx context.Context, previewID string) (*domain.DistributionPreview, error) {
	preview, err := s.previews.GetPreview(ctx, previewID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrPreviewNotFound
		}
		return nil, fmt.Errorf("load preview: %w", err)
	}
	return preview, nil
}

// Compute runs the allocation for a processing preview and finalizes it. A
// preview that is gone or already final is left alone, so redelivered jobs
// are no-ops. Errors are returned only for a failed finalize write or a run
// cut short by ctx.
func (s *DistributionService) Compute(ctx context.Context, previewID string) error {
	started := time.Now()
	ctx, span := s.tracer.Start(ctx, "distribution.Compute", trace.WithAttributes(
		attribute.String("preview_id", previewID),
	))
	defer span.End()

	preview, err := s.previews.GetPreview(ctx, previewID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("compute skipped, preview not found", "preview_id", previewID)
			return nil
		}
		span.RecordError(err)
		return fmt.Errorf("load preview: %w", err)
	}
	if preview.Status != domain.PreviewStatusProcessing {
		s.logger.Info("compute skipped, preview already final", "preview_id", previewID, "status", preview.Status)
		return nil
	}

	s.compute(ctx, preview)
	if err := ctx.Err(); err != nil {
		// Interrupted runs stay processing for the next delivery.
		s.logger.Warn("compute interrupted", "preview_id", previewID, "error", err)
		return fmt.Errorf("compute interrupted: %w", err)
	}
	finalizedAt := s.now()
	preview.FinalizedAt = &finalizedAt

	if err := s.previews.FinalizePreview(ctx, preview); err != nil {
		if errors.Is(err, repository.ErrConflict) || errors.Is(err, repository.ErrNotFound) {
			s.logger.Warn("finalize skipped, preview changed underneath", "preview_id", previewID, "error", err)
			return nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("finalize preview: %w", err)
	}

	metrics.PreviewsFinalizedTotal.WithLabelValues(string(preview.Status), string(preview.Method)).Inc()
	metrics.ComputeDuration.Observe(time.Since(started).Seconds())
	span.SetAttributes(
		attribute.String("status", string(preview.Status)),
		attribute.String("method", string(preview.Method)),
		attribute.Int("assignments", len(preview.Assignments)),
	)
	s.logger.Info("distribution computed",
		"preview_id", preview.ID,
		"group_id", preview.GroupID,
		"status", preview.Status,
		"method", preview.Method,
		"assignments", len(preview.Assignments),
		"dropped", preview.DroppedCount,
	)
	return nil
}

// compute fills the outcome fields of preview in place.
func (s *DistributionService) compute(ctx context.Context, preview *domain.DistributionPreview) {
	fail := func(message string, err error) {
		preview.Status = domain.PreviewStatusFailed
		preview.Error = message
		s.logger.Error("distribution failed", "preview_id", preview.ID, "group_id", preview.GroupID, "reason", message, "error", err)
	}

	group, err := s.groups.GetGroupByID(ctx, preview.GroupID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			fail("Group not found", err)
			return
		}
		fail(fmt.Sprintf("Failed to load group: %v", err), err)
		return
	}

	tasks, err := s.tasks.FindUnassignedTasks(ctx, preview.GroupID, preview.Request.DateRange(), s.config.BatchSize)
	if err != nil {
		fail(fmt.Sprintf("Failed to load tasks: %v", err), err)
		return
	}

	if len(tasks) == 0 {
		preview.Status = domain.PreviewStatusCompleted
		preview.Error = msgNoTasks
		preview.Assignments = []domain.AssignmentRecord{}
		preview.Stats = allocation.ComputeStats(nil, s.candidateIDs(group, preview.Request.UserIDs))
		return
	}

	users, err := s.resolveCandidates(ctx, group, preview.Request.UserIDs)
	if err != nil {
		fail(fmt.Sprintf("Failed to load users: %v", err), err)
		return
	}
	userIDs := make([]string, 0, len(users))
	for _, user := range users {
		userIDs = append(userIDs, user.ID)
	}
	if len(users) == 0 {
		fail(msgNoUsers, nil)
		return
	}

	input := allocation.Input{Tasks: tasks, Users: users}
	result, method, err := s.allocate(ctx, preview, input)
	if err != nil {
		fail(fmt.Sprintf("Allocation failed: %v", err), err)
		return
	}

	preview.Status = domain.PreviewStatusCompleted
	preview.Method = method
	preview.Assignments = result.Assignments
	preview.DroppedCount = result.Dropped
	preview.Stats = allocation.ComputeStats(result.Assignments, userIDs)
}

// resolveCandidates loads the candidate users with their current workloads.
func (s *DistributionService) resolveCandidates(
	ctx context.Context,
	group domain.Group,
	requested []string,
) ([]domain.UserSummary, error) {
	candidateIDs := s.candidateIDs(group, requested)
	if len(candidateIDs) == 0 {
		return []domain.UserSummary{}, nil
	}

	users, err := s.users.GetUsersByIDs(ctx, candidateIDs)
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return users, nil
	}

	resolvedIDs := make([]string, 0, len(users))
	for _, user := range users {
		resolvedIDs = append(resolvedIDs, user.ID)
	}
	workloads, err := s.tasks.CountOpenAssignments(ctx, group.ID, resolvedIDs)
	if err != nil {
		return nil, err
	}
	for index := range users {
		users[index].CurrentWorkload = workloads[users[index].ID]
	}
	return users, nil
}

// candidateIDs is the explicit user list restricted to group members, or
// every member when no list was given.
func (s *DistributionService) candidateIDs(group domain.Group, requested []string) []string {
	if len(requested) == 0 {
		return group.MemberIDs()
	}
	candidateIDs := make([]string, 0, len(requested))
	for _, userID := range requested {
		if !group.HasMember(userID) {
			s.logger.Warn("ignoring requested user outside group", "group_id", group.ID, "user_id", userID)
			continue
		}
		candidateIDs = append(candidateIDs, userID)
	}
	return candidateIDs
}

// allocate tries the generative strategy under a deadline. Any error or a
// result that does not cover every task discards the generative output and
// runs the fallback over the whole batch.
func (s *DistributionService) allocate(
	ctx context.Context,
	preview *domain.DistributionPreview,
	input allocation.Input,
) (allocation.Result, domain.DistributionMethod, error) {
	reason := "disabled"
	if s.generative != nil {
		generativeCtx, cancel := context.WithTimeout(ctx, s.config.AllocationTimeout)
		result, err := s.generative.Allocate(generativeCtx, input)
		cancel()

		if result.Dropped > 0 {
			metrics.DroppedProposalsTotal.Add(float64(result.Dropped))
		}
		switch {
		case err == nil && result.Covers(input):
			return result, domain.MethodGenerative, nil
		case err == nil:
			reason = "partial"
			s.logger.Warn("generative result not total, falling back",
				"preview_id", preview.ID,
				"assigned", len(result.Assignments),
				"tasks", len(input.Tasks),
				"dropped", result.Dropped,
			)
		default:
			reason = fallbackReason(err)
			s.logger.Warn("generative allocation failed, falling back", "preview_id", preview.ID, "reason", reason, "error", err)
		}
	}
	metrics.GenerativeFallbackTotal.WithLabelValues(reason).Inc()

	result, err := s.fallback.Allocate(ctx, input)
	if err != nil {
		return allocation.Result{}, "", err
	}
	return result, domain.MethodRuleBased, nil
}

func fallbackReason(err error) string {
	var allocErr *allocation.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &allocErr):
		return allocErr.Reason
	default:
		return "error"
	}
}

// Apply commits a completed preview to the task store, with optional
// per-task overrides. Task writes are sequential and not transactional;
// tasks deleted since the preview was computed are skipped.
func (s *DistributionService) Apply(
	ctx context.Context,
	previewID string,
	modifications []domain.Modification,
) (domain.ApplyResult, error) {
	ctx, span := s.tracer.Start(ctx, "distribution.Apply", trace.WithAttributes(
		attribute.String("preview_id", previewID),
		attribute.Int("modifications", len(modifications)),
	))
	defer span.End()

	result, err := s.apply(ctx, previewID, modifications)
	outcome := "applied"
	if err != nil {
		outcome = applyOutcome(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	metrics.AppliesTotal.WithLabelValues(outcome).Inc()
	return result, err
}

func (s *DistributionService) apply(
	ctx context.Context,
	previewID string,
	modifications []domain.Modification,
) (domain.ApplyResult, error) {
	preview, err := s.GetPreview(ctx, previewID)
	if err != nil {
		return domain.ApplyResult{}, err
	}
	if preview.Status != domain.PreviewStatusCompleted {
		return domain.ApplyResult{}, &StateError{Status: preview.Status}
	}
	now := s.now()
	if preview.Expired(now) {
		return domain.ApplyResult{}, ErrPreviewExpired
	}
	if preview.AppliedAt != nil {
		return domain.ApplyResult{}, ErrPreviewAlreadyApplied
	}

	assignments, modifiedCount, err := s.mergeModifications(ctx, preview.GroupID, preview.Assignments, modifications)
	if err != nil {
		return domain.ApplyResult{}, err
	}

	if err := s.previews.MarkApplied(ctx, previewID, now); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return domain.ApplyResult{}, ErrPreviewAlreadyApplied
		}
		if errors.Is(err, repository.ErrNotFound) {
			return domain.ApplyResult{}, ErrPreviewNotFound
		}
		return domain.ApplyResult{}, fmt.Errorf("claim preview: %w", err)
	}

	written, err := s.writeAssignments(ctx, preview.ID, assignments)
	if err != nil {
		if releaseErr := s.previews.ClearApplied(context.WithoutCancel(ctx), previewID); releaseErr != nil {
			s.logger.Error("failed to release apply claim", "preview_id", previewID, "error", releaseErr)
		}
		return domain.ApplyResult{}, err
	}

	referenced := make([]string, 0)
	seen := make(map[string]struct{})
	for _, assignment := range written {
		if _, ok := seen[assignment.AssignedUserID]; ok {
			continue
		}
		seen[assignment.AssignedUserID] = struct{}{}
		referenced = append(referenced, assignment.AssignedUserID)
	}

	s.logger.Info("distribution applied",
		"preview_id", previewID,
		"assigned", len(written),
		"skipped", len(assignments)-len(written),
		"modified", modifiedCount,
	)
	return domain.ApplyResult{
		AssignedCount: len(written),
		ModifiedCount: modifiedCount,
		FinalStats:    allocation.ComputeStats(written, referenced),
	}, nil
}

// mergeModifications overrides assignees on a copy of assignments. Every
// modification must name a task in the preview and a current member of the
// group that resolves as a user.
func (s *DistributionService) mergeModifications(
	ctx context.Context,
	groupID string,
	assignments []domain.AssignmentRecord,
	modifications []domain.Modification,
) ([]domain.AssignmentRecord, int, error) {
	merged := append([]domain.AssignmentRecord(nil), assignments...)
	if len(modifications) == 0 {
		return merged, 0, nil
	}

	byTask := make(map[string]int, len(merged))
	for index, assignment := range merged {
		byTask[assignment.TaskID] = index
	}

	userIDs := make([]string, 0, len(modifications))
	for _, modification := range modifications {
		if _, ok := byTask[modification.TaskID]; !ok {
			return nil, 0, fmt.Errorf("%w: task %s is not part of the preview", ErrInvalidModification, modification.TaskID)
		}
		if strings.TrimSpace(modification.NewAssignedUserID) == "" {
			return nil, 0, fmt.Errorf("%w: task %s has no new assignee", ErrInvalidModification, modification.TaskID)
		}
		userIDs = append(userIDs, modification.NewAssignedUserID)
	}

	group, err := s.groups.GetGroupByID(ctx, groupID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, 0, fmt.Errorf("%w: group %s no longer exists", ErrInvalidModification, groupID)
		}
		return nil, 0, fmt.Errorf("load group: %w", err)
	}
	for _, userID := range userIDs {
		if !group.HasMember(userID) {
			return nil, 0, fmt.Errorf("%w: user %s is not a member of the group", ErrInvalidModification, userID)
		}
	}

	users, err := s.users.GetUsersByIDs(ctx, uniqueIDs(userIDs))
	if err != nil {
		return nil, 0, fmt.Errorf("resolve modified assignees: %w", err)
	}
	names := make(map[string]string, len(users))
	for _, user := range users {
		names[user.ID] = user.DisplayName
	}

	modified := make(map[string]struct{}, len(modifications))
	for _, modification := range modifications {
		name, ok := names[modification.NewAssignedUserID]
		if !ok {
			return nil, 0, fmt.Errorf("%w: user %s not found", ErrInvalidModification, modification.NewAssignedUserID)
		}
		record := &merged[byTask[modification.TaskID]]
		record.AssignedUserID = modification.NewAssignedUserID
		record.AssignedUserName = name
		record.Rationale = "Manually reassigned at apply time"
		record.Confidence = 1
		modified[modification.TaskID] = struct{}{}
	}
	return merged, len(modified), nil
}

func (s *DistributionService) writeAssignments(
	ctx context.Context,
	previewID string,
	assignments []domain.AssignmentRecord,
) ([]domain.AssignmentRecord, error) {
	written := make([]domain.AssignmentRecord, 0, len(assignments))
	for _, assignment := range assignments {
		task, err := s.tasks.GetTask(ctx, assignment.TaskID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				s.logger.Warn("skipping deleted task", "preview_id", previewID, "task_id", assignment.TaskID)
				continue
			}
			return written, fmt.Errorf("load task %s: %w", assignment.TaskID, err)
		}

		task.AssigneeID = assignment.AssignedUserID
		task.Status = domain.TaskStatusInProgress
		task.UpdatedAt = s.now()
		if err := s.tasks.UpdateTask(ctx, task); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				s.logger.Warn("skipping deleted task", "preview_id", previewID, "task_id", assignment.TaskID)
				continue
			}
			return written, fmt.Errorf("update task %s: %w", assignment.TaskID, err)
		}
		written = append(written, assignment)
	}
	return written, nil
}

func applyOutcome(err error) string {
	var stateErr *StateError
	switch {
	case errors.As(err, &stateErr):
		return "not_applicable"
	case errors.Is(err, ErrPreviewAlreadyApplied):
		return "already_applied"
	case errors.Is(err, ErrPreviewExpired):
		return "expired"
	case errors.Is(err, ErrPreviewNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidModification):
		return "invalid"
	default:
		return "error"
	}
}

func uniqueIDs(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	unique := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	return unique
}
