// Package reducer folds a run's event stream into a RunState.
//
// Every transition is first-write-wins: once a field has left its initial
// value, later events that would change it are no-ops. That makes the
// reducer safe under at-least-once delivery (reconnects that replay history)
// without sequence numbers. Apply never mutates the state it is given.
package reducer

import (
	"errors"
	"fmt"
	"slices"

	"github.com/mpataki/stepchain/internal/events"
	"github.com/mpataki/stepchain/internal/models"
)

// Kind classifies what an event did to the state.
type Kind int

const (
	// Applied means the event changed the state.
	Applied Kind = iota
	// Duplicate means the event restated something already applied.
	Duplicate
	// Ignored means the event violated the protocol and was dropped.
	Ignored
	// Unknown means the event type is not part of this protocol.
	Unknown
)

func (k Kind) String() string {
	switch k {
	case Applied:
		return "applied"
	case Duplicate:
		return "duplicate"
	case Ignored:
		return "ignored"
	case Unknown:
		return "unknown"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Outcome describes the effect of one event. Reason is set for Ignored and
// Unknown, and for Applied events that were accepted despite a violation.
type Outcome struct {
	Kind   Kind
	Reason string
}

// Violation reports whether the outcome should be surfaced as a protocol
// violation.
func (o Outcome) Violation() bool {
	return o.Kind == Ignored || (o.Kind == Applied && o.Reason != "")
}

func ignored(format string, args ...any) Outcome {
	return Outcome{Kind: Ignored, Reason: fmt.Sprintf(format, args...)}
}

var (
	applied   = Outcome{Kind: Applied}
	duplicate = Outcome{Kind: Duplicate}
)

// Reduce returns the state after ev.
func Reduce(s models.RunState, ev events.Event) models.RunState {
	next, _ := Apply(s, ev)
	return next
}

// Replay folds evs over s in order.
func Replay(s models.RunState, evs ...events.Event) models.RunState {
	for _, ev := range evs {
		s = Reduce(s, ev)
	}
	return s
}

// Apply returns the state after ev together with what ev did.
func Apply(s models.RunState, ev events.Event) (models.RunState, Outcome) {
	p, err := ev.Payload()
	if errors.Is(err, events.ErrUnknownType) {
		return s, Outcome{Kind: Unknown, Reason: fmt.Sprintf("unknown event type %q", ev.Type)}
	}
	if err != nil {
		return s, ignored("malformed payload: %v", err)
	}

	if s.Terminal() && !ev.Type.Terminal() {
		return s, ignored("%s after run ended as %s", ev.Type, s.Status)
	}

	var (
		next models.RunState
		out  Outcome
	)
	switch p := p.(type) {
	case *events.PlanCreated:
		next, out = planCreated(s, p)
	case *events.StepStarted:
		next, out = stepStarted(s, p)
	case *events.StepOutput:
		next, out = stepOutput(s, p)
	case *events.VerifyPass:
		next, out = verify(s, p.StepNumber, models.VerificationPass, "")
	case *events.VerifyFail:
		next, out = verify(s, p.StepNumber, models.VerificationFail, p.Reason)
	case *events.RunCompleted:
		next, out = runCompleted(s, p)
	case *events.RunFailed:
		next, out = runFailed(s, p)
	default:
		return s, Outcome{Kind: Unknown, Reason: fmt.Sprintf("unhandled payload %T", p)}
	}

	if out.Kind == Applied {
		next.LastEventAt = ev.TS
	}
	return next, out
}

func planCreated(s models.RunState, p *events.PlanCreated) (models.RunState, Outcome) {
	if s.TotalSteps > 0 {
		if s.TotalSteps == p.TotalSteps && samePlan(s.Plan, p.Plan) {
			return s, duplicate
		}
		return s, ignored("plan already declared with %d steps", s.TotalSteps)
	}
	if p.TotalSteps <= 0 {
		return s, ignored("plan declares %d steps", p.TotalSteps)
	}
	s.TotalSteps = p.TotalSteps
	s.Plan = p.Plan
	s.Steps = []models.Step{}
	s.Status = models.RunStatusRunning
	return s, applied
}

func samePlan(a, b []events.PlanStep) bool {
	return slices.EqualFunc(a, b, func(x, y events.PlanStep) bool {
		return x.StepNumber == y.StepNumber &&
			x.Description == y.Description &&
			slices.Equal(x.VerificationChecklist, y.VerificationChecklist)
	})
}

func stepStarted(s models.RunState, p *events.StepStarted) (models.RunState, Outcome) {
	if s.TotalSteps == 0 {
		return s, ignored("step %d started before plan", p.StepNumber)
	}
	if p.StepNumber < 1 || p.StepNumber > s.TotalSteps {
		return s, ignored("step %d outside plan of %d steps", p.StepNumber, s.TotalSteps)
	}

	desc := p.Description
	if desc == "" {
		for _, item := range s.Plan {
			if item.StepNumber == p.StepNumber {
				desc = item.Description
				break
			}
		}
	}

	i, found := slices.BinarySearchFunc(s.Steps, p.StepNumber, func(st models.Step, n int) int {
		return st.StepNumber - n
	})
	if found {
		if s.Steps[i].Description == desc {
			return s, duplicate
		}
		return s, ignored("step %d already started", p.StepNumber)
	}

	s.Steps = slices.Insert(slices.Clone(s.Steps), i, models.Step{
		StepNumber:   p.StepNumber,
		Description:  desc,
		Verification: models.VerificationPending,
	})
	return s, applied
}

func stepIndex(s models.RunState, n int) int {
	return slices.IndexFunc(s.Steps, func(st models.Step) bool { return st.StepNumber == n })
}

func stepOutput(s models.RunState, p *events.StepOutput) (models.RunState, Outcome) {
	i := stepIndex(s, p.StepNumber)
	if i < 0 {
		return s, ignored("output for unknown step %d", p.StepNumber)
	}
	if cur := s.Steps[i].Output; cur != nil {
		if *cur == p.Output {
			return s, duplicate
		}
		return s, ignored("step %d output already set", p.StepNumber)
	}
	output := p.Output
	s.Steps = slices.Clone(s.Steps)
	s.Steps[i].Output = &output
	return s, applied
}

func verify(s models.RunState, n int, v models.Verification, reason string) (models.RunState, Outcome) {
	i := stepIndex(s, n)
	if i < 0 {
		return s, ignored("verification for unknown step %d", n)
	}
	st := s.Steps[i]
	if st.Verification != models.VerificationPending {
		if st.Verification == v && st.VerificationReason == reason {
			return s, duplicate
		}
		return s, ignored("step %d already verified as %s", n, st.Verification)
	}
	s.Steps = slices.Clone(s.Steps)
	s.Steps[i].Verification = v
	s.Steps[i].VerificationReason = reason
	return s, applied
}

func runCompleted(s models.RunState, p *events.RunCompleted) (models.RunState, Outcome) {
	if s.Terminal() {
		if s.Status == models.RunStatusCompleted && s.FinalOutput != nil && *s.FinalOutput == p.FinalOutput {
			return s, duplicate
		}
		return s, ignored("run_completed after run ended as %s", s.Status)
	}
	out := applied
	for _, st := range s.Steps {
		if st.Verification == models.VerificationFail {
			out.Reason = fmt.Sprintf("run completed with failed step %d", st.StepNumber)
			break
		}
	}
	final := p.FinalOutput
	s.Status = models.RunStatusCompleted
	s.FinalOutput = &final
	return s, out
}

func runFailed(s models.RunState, p *events.RunFailed) (models.RunState, Outcome) {
	if s.Terminal() {
		if s.Status == models.RunStatusFailed && s.Error != nil && *s.Error == p.Error {
			return s, duplicate
		}
		return s, ignored("run_failed after run ended as %s", s.Status)
	}
	msg := p.Error
	s.Status = models.RunStatusFailed
	s.Error = &msg
	return s, applied
}
