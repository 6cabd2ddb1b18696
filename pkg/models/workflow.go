// Package models defines the domain models shared by the workflow service.
package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Status is the lifecycle state of a workflow or of one of its stages.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further transition is allowed out of s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the declared statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// CanTransition reports whether a record may move from one status to another.
// Status only moves forward: pending -> running -> completed|failed.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed
	}
	return false
}

// Stage names one agent of the fixed pipeline.
type Stage string

const (
	StageCollect   Stage = "collect"
	StageBudget    Stage = "budget"
	StageItinerary Stage = "itinerary"
	StageReport    Stage = "report"
)

// AllStages lists every stage in declared order.
var AllStages = []Stage{StageCollect, StageBudget, StageItinerary, StageReport}

// ParseStage converts a stage name to a Stage.
func ParseStage(s string) (Stage, error) {
	for _, st := range AllStages {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown stage %q", s)
}

// Workflow is one end-to-end run of the pipeline for one user.
type Workflow struct {
	ID        string     `json:"id"`
	OwnerID   string     `json:"owner_id"`
	Status    Status     `json:"status"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at"`
}

// StageRecord is the persisted status and result of one stage of one workflow.
type StageRecord struct {
	ID         string          `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	Stage      Stage           `json:"stage"`
	Status     Status          `json:"status"`
	Result     json.RawMessage `json:"result"`
	StartedAt  *time.Time      `json:"started_at"`
	EndedAt    *time.Time      `json:"ended_at"`
}

// Now returns the current UTC time truncated to the precision every store
// can round-trip.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
