package models

import (
	"time"

	"github.com/jinzhu/copier"
	"github.com/mpataki/stepchain/internal/events"
)

type Verification string

const (
	VerificationPending Verification = "pending"
	VerificationPass    Verification = "pass"
	VerificationFail    Verification = "fail"
)

type Step struct {
	StepNumber         int          `json:"step_number"`
	Description        string       `json:"description"`
	Output             *string      `json:"output,omitempty"`
	Verification       Verification `json:"verification"`
	VerificationReason string       `json:"verification_reason,omitempty"`
}

// RunState is a consumer's projection of a run, rebuilt from its events.
// It is never written back to the coordinator.
type RunState struct {
	RunID       string            `json:"run_id"`
	Status      RunStatus         `json:"status"`
	TotalSteps  int               `json:"total_steps"`
	Plan        []events.PlanStep `json:"plan,omitempty"`
	Steps       []Step            `json:"steps"`
	FinalOutput *string           `json:"final_output,omitempty"`
	Error       *string           `json:"error,omitempty"`
	LastEventAt time.Time         `json:"last_event_at,omitempty"`
}

// NewRunState returns the state of a run nobody has heard from yet.
func NewRunState(runID string) RunState {
	return RunState{
		RunID:  runID,
		Status: RunStatusQueued,
		Steps:  []Step{},
	}
}

// Step returns the step with the given number, if it has been observed.
func (s RunState) Step(n int) (Step, bool) {
	for _, st := range s.Steps {
		if st.StepNumber == n {
			return st, true
		}
	}
	return Step{}, false
}

func (s RunState) Terminal() bool {
	return s.Status.Terminal()
}

// Clone returns a deep copy that shares no slices or pointers with s.
func (s RunState) Clone() RunState {
	out := s
	out.Plan = nil
	if s.Plan != nil {
		_ = copier.CopyWithOption(&out.Plan, &s.Plan, copier.Option{DeepCopy: true})
	}
	out.Steps = make([]Step, len(s.Steps))
	for i, st := range s.Steps {
		st.Output = clonePtr(st.Output)
		out.Steps[i] = st
	}
	out.FinalOutput = clonePtr(s.FinalOutput)
	out.Error = clonePtr(s.Error)
	return out
}

func clonePtr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
