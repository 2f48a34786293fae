// Package allocation holds the task-to-user allocation strategies and the
// workload statistics computed over their output.
package allocation

import (
	"context"
	"errors"
	"fmt"

	"github.com/iago/distribution-engine/internal/domain"
)

var (
	// ErrAllocation marks a strategy that could not produce a usable result.
	// Callers treat it as "strategy unavailable" and fall back.
	ErrAllocation = errors.New("allocation failed")
	// ErrNoCandidates is returned when there is no user to assign to.
	ErrNoCandidates = errors.New("no candidate users")
)

const (
	ReasonUnavailable = "unavailable"
	ReasonTransport   = "transport"
	ReasonParse       = "parse"
	ReasonShape       = "shape"
)

// Error describes why an allocation attempt failed. errors.Is(err, ErrAllocation)
// holds for every *Error.
type Error struct {
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("allocation failed: %s", e.Reason)
	}
	return fmt.Sprintf("allocation failed: %s: %v", e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrAllocation }

// Input is the batch handed to a strategy.
type Input struct {
	Tasks []domain.TaskSummary
	Users []domain.UserSummary
}

// Result carries the assignments a strategy produced and how many proposed
// entries it had to discard.
type Result struct {
	Assignments []domain.AssignmentRecord
	Dropped     int
}

// Covers reports whether the result is total for input: every task appears
// exactly once and only candidate users are referenced.
func (r Result) Covers(input Input) bool {
	if len(r.Assignments) != len(input.Tasks) {
		return false
	}
	tasks := make(map[string]struct{}, len(input.Tasks))
	for _, task := range input.Tasks {
		tasks[task.ID] = struct{}{}
	}
	users := make(map[string]struct{}, len(input.Users))
	for _, user := range input.Users {
		users[user.ID] = struct{}{}
	}
	seen := make(map[string]struct{}, len(r.Assignments))
	for _, assignment := range r.Assignments {
		if _, ok := tasks[assignment.TaskID]; !ok {
			return false
		}
		if _, ok := users[assignment.AssignedUserID]; !ok {
			return false
		}
		if _, dup := seen[assignment.TaskID]; dup {
			return false
		}
		seen[assignment.TaskID] = struct{}{}
	}
	return true
}

// Strategy maps a batch of tasks onto candidate users.
type Strategy interface {
	Allocate(ctx context.Context, input Input) (Result, error)
}
