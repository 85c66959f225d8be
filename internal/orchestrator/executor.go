package orchestrator

import (
	"context"

	"github.com/mpataki/stepchain/internal/events"
)

// Verdict is the outcome of checking a step's output against its checklist.
type Verdict struct {
	Pass   bool
	Reason string
}

// Executor does the actual work of a run. The coordinator only sequences
// its calls and records what happened.
type Executor interface {
	Plan(ctx context.Context, problem string) ([]events.PlanStep, error)
	Execute(ctx context.Context, problem string, step events.PlanStep, prior []string) (string, error)
	Verify(ctx context.Context, step events.PlanStep, output string) (Verdict, error)
	Summarize(ctx context.Context, problem string, outputs []string) (string, error)
}

// Pinner is implemented by executors that can change while the coordinator
// runs. Each run calls Pin once and uses the result throughout.
type Pinner interface {
	Pin() Executor
}
