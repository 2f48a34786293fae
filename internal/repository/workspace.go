package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/iago/distribution-engine/internal/domain"
)

// MemoryWorkspace is an in-memory stand-in for the group, user and task
// stores the distribution service consumes. It backs local development
// when no database is configured.
type MemoryWorkspace struct {
	mu     sync.RWMutex
	groups map[string]domain.Group
	users  map[string]string
	tasks  map[string]domain.Task
}

func NewMemoryWorkspace() *MemoryWorkspace {
	return &MemoryWorkspace{
		groups: make(map[string]domain.Group),
		users:  make(map[string]string),
		tasks:  make(map[string]domain.Task),
	}
}

func (w *MemoryWorkspace) PutGroup(group domain.Group) {
	w.mu.Lock()
	defer w.mu.Unlock()

	group.Members = append([]domain.GroupMember(nil), group.Members...)
	w.groups[group.ID] = group
}

func (w *MemoryWorkspace) PutUser(userID, displayName string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.users[userID] = displayName
}

func (w *MemoryWorkspace) PutTask(task domain.Task) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if task.Status == "" {
		task.Status = domain.TaskStatusPending
	}
	w.tasks[task.ID] = task
}

func (w *MemoryWorkspace) GetGroupByID(_ context.Context, groupID string) (domain.Group, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	group, ok := w.groups[groupID]
	if !ok {
		return domain.Group{}, ErrNotFound
	}
	group.Members = append([]domain.GroupMember(nil), group.Members...)
	return group, nil
}

// GetUsersByIDs returns the users that exist, in the order requested.
func (w *MemoryWorkspace) GetUsersByIDs(_ context.Context, userIDs []string) ([]domain.UserSummary, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	users := make([]domain.UserSummary, 0, len(userIDs))
	for _, userID := range userIDs {
		name, ok := w.users[userID]
		if !ok {
			continue
		}
		users = append(users, domain.UserSummary{ID: userID, DisplayName: name})
	}
	return users, nil
}

func (w *MemoryWorkspace) FindUnassignedTasks(
	_ context.Context,
	groupID string,
	due domain.DateRange,
	limit int,
) ([]domain.TaskSummary, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	tasks := make([]domain.Task, 0)
	for _, task := range w.tasks {
		if task.GroupID != groupID || task.AssigneeID != "" || task.Status != domain.TaskStatusPending {
			continue
		}
		if !due.Contains(task.DueAt) {
			continue
		}
		tasks = append(tasks, task)
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].DueAt.Equal(tasks[j].DueAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].DueAt.Before(tasks[j].DueAt)
	})
	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}

	summaries := make([]domain.TaskSummary, 0, len(tasks))
	for _, task := range tasks {
		summaries = append(summaries, domain.TaskSummary{
			ID:         task.ID,
			Name:       task.Name,
			Difficulty: task.Difficulty,
			DueAt:      task.DueAt,
		})
	}
	return summaries, nil
}

func (w *MemoryWorkspace) CountOpenAssignments(_ context.Context, groupID string, userIDs []string) (map[string]int, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	counts := make(map[string]int, len(userIDs))
	for _, userID := range userIDs {
		counts[userID] = 0
	}
	for _, task := range w.tasks {
		if task.GroupID != groupID || task.Status == domain.TaskStatusCompleted {
			continue
		}
		if _, ok := counts[task.AssigneeID]; ok {
			counts[task.AssigneeID]++
		}
	}
	return counts, nil
}

func (w *MemoryWorkspace) GetTask(_ context.Context, taskID string) (domain.Task, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	task, ok := w.tasks[taskID]
	if !ok {
		return domain.Task{}, ErrNotFound
	}
	return task, nil
}

func (w *MemoryWorkspace) UpdateTask(_ context.Context, task domain.Task) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, ok := w.tasks[task.ID]; !ok {
		return ErrNotFound
	}
	w.tasks[task.ID] = task
	return nil
}

// WorkspaceSeed is the JSON document accepted by LoadWorkspaceSeed.
type WorkspaceSeed struct {
	Users []struct {
		ID          string `json:"id"`
		DisplayName string `json:"display_name"`
	} `json:"users"`
	Groups []struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		Members []struct {
			UserID string `json:"user_id"`
			Role   string `json:"role"`
		} `json:"members"`
	} `json:"groups"`
	Tasks []struct {
		ID         string    `json:"id"`
		GroupID    string    `json:"group_id"`
		Name       string    `json:"name"`
		Difficulty int       `json:"difficulty"`
		DueAt      time.Time `json:"due_at"`
		AssigneeID string    `json:"assignee_id"`
		Status     string    `json:"status"`
	} `json:"tasks"`
}

// LoadWorkspaceSeed fills the workspace from a JSON seed file.
func (w *MemoryWorkspace) LoadWorkspaceSeed(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read workspace seed: %w", err)
	}
	var seed WorkspaceSeed
	if err := json.Unmarshal(raw, &seed); err != nil {
		return fmt.Errorf("decode workspace seed: %w", err)
	}

	for _, user := range seed.Users {
		w.PutUser(user.ID, user.DisplayName)
	}
	for _, entry := range seed.Groups {
		group := domain.Group{ID: entry.ID, Name: entry.Name}
		for _, member := range entry.Members {
			role := domain.MemberRole(member.Role)
			if role == "" {
				role = domain.RoleMember
			}
			group.Members = append(group.Members, domain.GroupMember{UserID: member.UserID, Role: role})
		}
		w.PutGroup(group)
	}
	for _, entry := range seed.Tasks {
		w.PutTask(domain.Task{
			ID:         entry.ID,
			GroupID:    entry.GroupID,
			Name:       entry.Name,
			Difficulty: entry.Difficulty,
			DueAt:      entry.DueAt,
			AssigneeID: entry.AssigneeID,
			Status:     domain.TaskStatus(entry.Status),
		})
	}
	return nil
}
