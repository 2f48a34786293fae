package domain

import "time"

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
)

type MemberRole string

const (
	RoleOwner  MemberRole = "owner"
	RoleAdmin  MemberRole = "admin"
	RoleMember MemberRole = "member"
)

type GroupMember struct {
	UserID string
	Role   MemberRole
}

type Group struct {
	ID      string
	Name    string
	Members []GroupMember
}

// HasMember reports whether userID belongs to the group.
func (g Group) HasMember(userID string) bool {
	for _, member := range g.Members {
		if member.UserID == userID {
			return true
		}
	}
	return false
}

// MemberIDs returns member user ids in membership order.
func (g Group) MemberIDs() []string {
	ids := make([]string, 0, len(g.Members))
	for _, member := range g.Members {
		ids = append(ids, member.UserID)
	}
	return ids
}

// Task is the authoritative task row owned by the external task store.
type Task struct {
	ID         string
	GroupID    string
	Name       string
	Difficulty int
	DueAt      time.Time
	AssigneeID string
	Status     TaskStatus
	UpdatedAt  time.Time
}

// TaskSummary is the read model handed to allocation strategies.
type TaskSummary struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Difficulty int       `json:"difficulty"`
	DueAt      time.Time `json:"due_at"`
}

// UserSummary is a candidate user. CurrentWorkload counts the user's open
// assignments in the group before this distribution.
type UserSummary struct {
	ID              string `json:"id"`
	DisplayName     string `json:"display_name"`
	CurrentWorkload int    `json:"current_workload"`
}

type DateRange struct {
	From time.Time
	To   time.Time
}

// Contains reports whether t falls inside the inclusive range.
func (r DateRange) Contains(t time.Time) bool {
	return !t.Before(r.From) && !t.After(r.To)
}
