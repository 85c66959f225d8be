package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/muesli/reflow/indent"

	"github.com/mpataki/stepchain/internal/events"
	"github.com/mpataki/stepchain/internal/models"
)

// printer writes a line per event for the run and watch commands. Replayed
// events after a reconnect are printed only once.
type printer struct {
	w     io.Writer
	quiet bool
	seen  map[string]bool
}

func newPrinter(w io.Writer, quiet bool) *printer {
	return &printer{w: w, quiet: quiet, seen: make(map[string]bool)}
}

func (p *printer) event(state models.RunState, ev events.Event) {
	if p.quiet {
		return
	}
	key := string(ev.Type) + string(ev.Data)
	if p.seen[key] {
		return
	}
	p.seen[key] = true

	payload, err := ev.Payload()
	if err != nil {
		fmt.Fprintf(p.w, "? %s\n", ev.Type)
		return
	}

	switch e := payload.(type) {
	case *events.PlanCreated:
		fmt.Fprintf(p.w, "Plan: %d steps\n", e.TotalSteps)
		for _, step := range e.Plan {
			fmt.Fprintf(p.w, "  %d. %s\n", step.StepNumber, step.Description)
		}
	case *events.StepStarted:
		fmt.Fprintf(p.w, "[%d/%d] %s\n", e.StepNumber, state.TotalSteps, e.Description)
	case *events.StepOutput:
		fmt.Fprintln(p.w, indent.String(strings.TrimRight(e.Output, "\n"), 4))
	case *events.VerifyPass:
		fmt.Fprintf(p.w, "  ✓ step %d verified\n", e.StepNumber)
	case *events.VerifyFail:
		fmt.Fprintf(p.w, "  ✗ step %d failed verification: %s\n", e.StepNumber, e.Reason)
	case *events.RunCompleted, *events.RunFailed:
		// Printed by summary.
	}
}

func (p *printer) summary(state models.RunState) {
	switch state.Status {
	case models.RunStatusCompleted:
		fmt.Fprintln(p.w, "\nRun completed.")
		if state.FinalOutput != nil {
			fmt.Fprintln(p.w, *state.FinalOutput)
		}
	case models.RunStatusFailed:
		fmt.Fprintln(p.w, "\nRun failed.")
		if state.Error != nil {
			fmt.Fprintf(p.w, "Error: %s\n", *state.Error)
		}
	}
}
