package models

import "time"

type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether the status can no longer change.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// Run is the coordinator's record of a run. Only the coordinator writes it.
type Run struct {
	ID               string     `json:"run_id"`
	Problem          string     `json:"problem"`
	Status           RunStatus  `json:"status"`
	CurrentStepIndex int        `json:"current_step_index"`
	TotalSteps       int        `json:"total_steps"`
	CreatedAt        time.Time  `json:"created_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	FinalOutput      string     `json:"final_output,omitempty"`
	Error            string     `json:"error,omitempty"`
}
