package allocation

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iago/distribution-engine/internal/domain"
)

func makeTasks(n int) []domain.TaskSummary {
	due := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	tasks := make([]domain.TaskSummary, 0, n)
	for i := 0; i < n; i++ {
		tasks = append(tasks, domain.TaskSummary{
			ID:         fmt.Sprintf("task-%02d", i),
			Name:       fmt.Sprintf("Task %d", i),
			Difficulty: (i % 10) + 1,
			DueAt:      due.Add(time.Duration(i) * time.Hour),
		})
	}
	return tasks
}

func makeUsers(ids ...string) []domain.UserSummary {
	users := make([]domain.UserSummary, 0, len(ids))
	for _, id := range ids {
		users = append(users, domain.UserSummary{ID: id, DisplayName: "User " + id})
	}
	return users
}

func TestGreedyBalancerIsTotal(t *testing.T) {
	cases := []struct {
		tasks int
		users []string
	}{
		{tasks: 1, users: []string{"u1"}},
		{tasks: 12, users: []string{"u1", "u2", "u3", "u4", "u5"}},
		{tasks: 3, users: []string{"u1", "u2", "u3", "u4", "u5", "u6"}},
		{tasks: 100, users: []string{"b", "a", "c"}},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%d_tasks_%d_users", tc.tasks, len(tc.users)), func(t *testing.T) {
			input := Input{Tasks: makeTasks(tc.tasks), Users: makeUsers(tc.users...)}

			result, err := NewGreedyBalancer().Allocate(context.Background(), input)
			require.NoError(t, err)
			assert.Len(t, result.Assignments, tc.tasks)
			assert.Zero(t, result.Dropped)
			assert.True(t, result.Covers(input))
		})
	}
}

func TestGreedyBalancerIsDeterministic(t *testing.T) {
	input := Input{Tasks: makeTasks(17), Users: makeUsers("u3", "u1", "u2")}

	first, err := NewGreedyBalancer().Allocate(context.Background(), input)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := NewGreedyBalancer().Allocate(context.Background(), input)
		require.NoError(t, err)
		assert.Equal(t, first.Assignments, again.Assignments)
	}
}

func TestGreedyBalancerOrdersByDifficultyAndBreaksTiesByUserID(t *testing.T) {
	input := Input{
		Tasks: []domain.TaskSummary{
			{ID: "easy", Name: "Easy", Difficulty: 2},
			{ID: "hard", Name: "Hard", Difficulty: 9},
			{ID: "mid", Name: "Mid", Difficulty: 5},
		},
		Users: makeUsers("zed", "amy"),
	}

	result, err := NewGreedyBalancer().Allocate(context.Background(), input)
	require.NoError(t, err)
	require.Len(t, result.Assignments, 3)

	assert.Equal(t, "hard", result.Assignments[0].TaskID)
	assert.Equal(t, "amy", result.Assignments[0].AssignedUserID)
	assert.Equal(t, "mid", result.Assignments[1].TaskID)
	assert.Equal(t, "zed", result.Assignments[1].AssignedUserID)
	assert.Equal(t, "easy", result.Assignments[2].TaskID)
	assert.Equal(t, "amy", result.Assignments[2].AssignedUserID)

	for _, assignment := range result.Assignments {
		assert.Equal(t, 0.5, assignment.Confidence)
		assert.NotEmpty(t, assignment.Rationale)
	}
	assert.Contains(t, result.Assignments[2].Rationale, "1 tasks")
}

func TestGreedyBalancerSpreadsEvenly(t *testing.T) {
	input := Input{Tasks: makeTasks(12), Users: makeUsers("u1", "u2", "u3", "u4", "u5")}

	result, err := NewGreedyBalancer().Allocate(context.Background(), input)
	require.NoError(t, err)

	stats := ComputeStats(result.Assignments, []string{"u1", "u2", "u3", "u4", "u5"})
	for userID, count := range stats.TasksPerUser {
		assert.True(t, count == 2 || count == 3, "user %s got %d tasks", userID, count)
	}
}

func TestGreedyBalancerRequiresUsers(t *testing.T) {
	_, err := NewGreedyBalancer().Allocate(context.Background(), Input{Tasks: makeTasks(2)})
	assert.ErrorIs(t, err, ErrNoCandidates)
}

func TestGreedyBalancerEmptyTasks(t *testing.T) {
	result, err := NewGreedyBalancer().Allocate(context.Background(), Input{Users: makeUsers("u1")})
	require.NoError(t, err)
	assert.Empty(t, result.Assignments)
}
