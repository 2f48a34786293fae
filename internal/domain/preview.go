package domain

import "time"

type PreviewStatus string

const (
	PreviewStatusProcessing PreviewStatus = "processing"
	PreviewStatusCompleted  PreviewStatus = "completed"
	PreviewStatusFailed     PreviewStatus = "failed"
)

// Terminal reports whether no further status transition is allowed.
func (s PreviewStatus) Terminal() bool {
	return s == PreviewStatusCompleted || s == PreviewStatusFailed
}

type DistributionMethod string

const (
	MethodGenerative DistributionMethod = "generative"
	MethodRuleBased  DistributionMethod = "rule_based"
)

// DistributionRequest holds the parameters a preview was generated with.
type DistributionRequest struct {
	From    time.Time `json:"from"`
	To      time.Time `json:"to"`
	UserIDs []string  `json:"user_ids,omitempty"`
}

// DateRange is the inclusive due-date window used to select tasks.
func (r DistributionRequest) DateRange() DateRange {
	return DateRange{From: r.From, To: r.To}
}

// AssignmentRecord is one proposed task-to-user mapping. Names are snapshots
// taken when the preview was computed.
type AssignmentRecord struct {
	TaskID           string  `json:"task_id"`
	TaskName         string  `json:"task_name"`
	AssignedUserID   string  `json:"assigned_user_id"`
	AssignedUserName string  `json:"assigned_user_name"`
	Confidence       float64 `json:"confidence"`
	Rationale        string  `json:"rationale"`
}

type DistributionStats struct {
	TotalTasks              int            `json:"total_tasks"`
	TotalUsers              int            `json:"total_users"`
	WorkloadVariancePercent float64        `json:"workload_variance_percent"`
	TasksPerUser            map[string]int `json:"tasks_per_user"`
}

// DistributionPreview is a persisted, not yet committed allocation proposal.
type DistributionPreview struct {
	ID           string
	GroupID      string
	Status       PreviewStatus
	Method       DistributionMethod
	Request      DistributionRequest
	Assignments  []AssignmentRecord
	Stats        DistributionStats
	DroppedCount int
	Error        string
	CreatedAt    time.Time
	ExpiresAt    time.Time
	FinalizedAt  *time.Time
	AppliedAt    *time.Time
}

// Expired reports whether the preview is past its retention window.
func (p *DistributionPreview) Expired(now time.Time) bool {
	return !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt)
}

// Clone returns a deep copy so stores never share slices or maps with callers.
func (p *DistributionPreview) Clone() *DistributionPreview {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Request.UserIDs = append([]string(nil), p.Request.UserIDs...)
	clone.Assignments = append([]AssignmentRecord(nil), p.Assignments...)
	if p.Stats.TasksPerUser != nil {
		clone.Stats.TasksPerUser = make(map[string]int, len(p.Stats.TasksPerUser))
		for userID, count := range p.Stats.TasksPerUser {
			clone.Stats.TasksPerUser[userID] = count
		}
	}
	if p.FinalizedAt != nil {
		finalizedAt := *p.FinalizedAt
		clone.FinalizedAt = &finalizedAt
	}
	if p.AppliedAt != nil {
		appliedAt := *p.AppliedAt
		clone.AppliedAt = &appliedAt
	}
	return &clone
}

// Modification overrides the proposed assignee of one task at apply time.
type Modification struct {
	TaskID            string `json:"task_id"`
	NewAssignedUserID string `json:"new_assigned_user_id"`
}

type ApplyResult struct {
	AssignedCount int               `json:"assigned_count"`
	ModifiedCount int               `json:"modified_count"`
	FinalStats    DistributionStats `json:"final_stats"`
}
