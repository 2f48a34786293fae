package allocation

import (
	"math"

	"github.com/iago/distribution-engine/internal/domain"
)

// ComputeStats counts assignments per candidate user and derives the workload
// variance (max-min)/avg*100 rounded to two decimals. Every id in userIDs gets
// a key, zero when the user received nothing; assignments to users outside
// userIDs are not counted per user.
func ComputeStats(assignments []domain.AssignmentRecord, userIDs []string) domain.DistributionStats {
	tasksPerUser := make(map[string]int, len(userIDs))
	for _, userID := range userIDs {
		tasksPerUser[userID] = 0
	}
	for _, assignment := range assignments {
		if _, ok := tasksPerUser[assignment.AssignedUserID]; ok {
			tasksPerUser[assignment.AssignedUserID]++
		}
	}

	return domain.DistributionStats{
		TotalTasks:              len(assignments),
		TotalUsers:              len(tasksPerUser),
		WorkloadVariancePercent: WorkloadVariance(tasksPerUser),
		TasksPerUser:            tasksPerUser,
	}
}

// WorkloadVariance returns 0 for empty or all-zero counts.
func WorkloadVariance(counts map[string]int) float64 {
	if len(counts) == 0 {
		return 0
	}

	total := 0
	maxCount := math.MinInt
	minCount := math.MaxInt
	for _, count := range counts {
		total += count
		maxCount = max(maxCount, count)
		minCount = min(minCount, count)
	}

	avg := float64(total) / float64(len(counts))
	if avg <= 0 {
		return 0
	}
	variance := float64(maxCount-minCount) / avg * 100
	return math.Round(variance*100) / 100
}
