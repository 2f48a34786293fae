package allocation

import (
	"context"
	"fmt"
	"sort"

	"github.com/iago/distribution-engine/internal/domain"
)

const greedyConfidence = 0.5

// GreedyBalancer is the deterministic fallback strategy. Hardest tasks are
// placed first, each on the least loaded user; ties go to the lowest user id.
type GreedyBalancer struct{}

var _ Strategy = GreedyBalancer{}

func NewGreedyBalancer() GreedyBalancer {
	return GreedyBalancer{}
}

func (GreedyBalancer) Allocate(_ context.Context, input Input) (Result, error) {
	if len(input.Users) == 0 {
		return Result{}, ErrNoCandidates
	}

	tasks := append([]domain.TaskSummary(nil), input.Tasks...)
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].Difficulty > tasks[j].Difficulty
	})

	users := append([]domain.UserSummary(nil), input.Users...)
	sort.SliceStable(users, func(i, j int) bool {
		return users[i].ID < users[j].ID
	})
	counts := make([]int, len(users))

	assignments := make([]domain.AssignmentRecord, 0, len(tasks))
	for _, task := range tasks {
		selected := 0
		for index := 1; index < len(users); index++ {
			if counts[index] < counts[selected] {
				selected = index
			}
		}
		user := users[selected]
		assignments = append(assignments, domain.AssignmentRecord{
			TaskID:           task.ID,
			TaskName:         task.Name,
			AssignedUserID:   user.ID,
			AssignedUserName: user.DisplayName,
			Confidence:       greedyConfidence,
			Rationale:        fmt.Sprintf("Rule-based assignment: user had %d tasks in this batch", counts[selected]),
		})
		counts[selected]++
	}

	return Result{Assignments: assignments}, nil
}
