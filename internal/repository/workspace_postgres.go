package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/iago/distribution-engine/internal/domain"
)

// PostgresWorkspace reads groups, users and tasks from the tables owned by
// the collaboration backend. It only writes tasks.assignee_id, tasks.status
// and tasks.updated_at.
type PostgresWorkspace struct {
	pool *pgxpool.Pool
}

func NewPostgresWorkspace(pool *pgxpool.Pool) *PostgresWorkspace {
	return &PostgresWorkspace{pool: pool}
}

func (w *PostgresWorkspace) GetGroupByID(ctx context.Context, groupID string) (domain.Group, error) {
	var group domain.Group
	err := w.pool.QueryRow(ctx, `SELECT id, name FROM groups WHERE id = $1`, groupID).Scan(&group.ID, &group.Name)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Group{}, ErrNotFound
		}
		return domain.Group{}, fmt.Errorf("query group: %w", err)
	}

	rows, err := w.pool.Query(ctx, `
		SELECT user_id, role
		FROM group_members
		WHERE group_id = $1
		ORDER BY joined_at, user_id
	`, groupID)
	if err != nil {
		return domain.Group{}, fmt.Errorf("list group members: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			member domain.GroupMember
			role   string
		)
		if err := rows.Scan(&member.UserID, &role); err != nil {
			return domain.Group{}, fmt.Errorf("scan group member: %w", err)
		}
		member.Role = domain.MemberRole(role)
		group.Members = append(group.Members, member)
	}
	if rows.Err() != nil {
		return domain.Group{}, fmt.Errorf("iterate group members: %w", rows.Err())
	}
	return group, nil
}

func (w *PostgresWorkspace) GetUsersByIDs(ctx context.Context, userIDs []string) ([]domain.UserSummary, error) {
	if len(userIDs) == 0 {
		return []domain.UserSummary{}, nil
	}
	rows, err := w.pool.Query(ctx, `
		SELECT id, display_name
		FROM users
		WHERE id = ANY($1)
		ORDER BY array_position($1, id)
	`, userIDs)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	users := make([]domain.UserSummary, 0, len(userIDs))
	for rows.Next() {
		var user domain.UserSummary
		if err := rows.Scan(&user.ID, &user.DisplayName); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate users: %w", rows.Err())
	}
	return users, nil
}

func (w *PostgresWorkspace) FindUnassignedTasks(
	ctx context.Context,
	groupID string,
	due domain.DateRange,
	limit int,
) ([]domain.TaskSummary, error) {
	rows, err := w.pool.Query(ctx, `
		SELECT id, name, difficulty, due_at
		FROM tasks
		WHERE group_id = $1
			AND assignee_id IS NULL
			AND status = 'pending'
			AND due_at BETWEEN $2 AND $3
		ORDER BY due_at, id
		LIMIT $4
	`, groupID, due.From, due.To, limit)
	if err != nil {
		return nil, fmt.Errorf("list unassigned tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]domain.TaskSummary, 0)
	for rows.Next() {
		var task domain.TaskSummary
		if err := rows.Scan(&task.ID, &task.Name, &task.Difficulty, &task.DueAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate tasks: %w", rows.Err())
	}
	return tasks, nil
}

func (w *PostgresWorkspace) CountOpenAssignments(ctx context.Context, groupID string, userIDs []string) (map[string]int, error) {
	counts := make(map[string]int, len(userIDs))
	for _, userID := range userIDs {
		counts[userID] = 0
	}
	if len(userIDs) == 0 {
		return counts, nil
	}

	rows, err := w.pool.Query(ctx, `
		SELECT assignee_id, COUNT(*)
		FROM tasks
		WHERE group_id = $1
			AND assignee_id = ANY($2)
			AND status <> 'completed'
		GROUP BY assignee_id
	`, groupID, userIDs)
	if err != nil {
		return nil, fmt.Errorf("count open assignments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			userID string
			count  int
		)
		if err := rows.Scan(&userID, &count); err != nil {
			return nil, fmt.Errorf("scan assignment count: %w", err)
		}
		counts[userID] = count
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate assignment counts: %w", rows.Err())
	}
	return counts, nil
}

func (w *PostgresWorkspace) GetTask(ctx context.Context, taskID string) (domain.Task, error) {
	var (
		task     domain.Task
		assignee *string
		status   string
	)
	err := w.pool.QueryRow(ctx, `
		SELECT id, group_id, name, difficulty, due_at, assignee_id, status, updated_at
		FROM tasks
		WHERE id = $1
	`, taskID).Scan(
		&task.ID,
		&task.GroupID,
		&task.Name,
		&task.Difficulty,
		&task.DueAt,
		&assignee,
		&status,
		&task.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Task{}, ErrNotFound
		}
		return domain.Task{}, fmt.Errorf("query task: %w", err)
	}
	if assignee != nil {
		task.AssigneeID = *assignee
	}
	task.Status = domain.TaskStatus(status)
	return task, nil
}

func (w *PostgresWorkspace) UpdateTask(ctx context.Context, task domain.Task) error {
	var assignee *string
	if task.AssigneeID != "" {
		assignee = &task.AssigneeID
	}
	command, err := w.pool.Exec(ctx, `
		UPDATE tasks
		SET assignee_id = $2,
			status = $3,
			updated_at = $4
		WHERE id = $1
	`, task.ID, assignee, string(task.Status), task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if command.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
