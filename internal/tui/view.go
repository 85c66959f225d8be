package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/reflow/truncate"
	"github.com/muesli/reflow/wordwrap"

	"github.com/mpataki/stepchain/internal/models"
	"github.com/mpataki/stepchain/internal/storage"
	"github.com/mpataki/stepchain/internal/stream"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusRunning     = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusComplete    = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed      = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusInterrupted = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	statusPending     = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))

	outputStyle = lipgloss.NewStyle().
			PaddingLeft(4).
			Foreground(lipgloss.Color("252"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

func (a *App) View() string {
	switch a.view {
	case ViewRunList:
		return a.viewRunList()
	case ViewRun:
		return a.viewRun()
	case ViewNewRun:
		return a.viewNewRun()
	}
	return ""
}

func (a *App) viewRunList() string {
	s := titleStyle.Render("stepchain") + "\n\n"

	if a.err != nil {
		s += statusFailed.Render(fmt.Sprintf("Error: %v", a.err)) + "\n"
	}

	if len(a.runs) == 0 {
		s += "No runs yet. Press 'n' to create one.\n"
	} else {
		s += "Recent Runs\n"
		s += "───────────\n"

		for i, run := range a.runs {
			line := formatRunLine(run)
			switch {
			case i == a.selectedIdx:
				line = selectedStyle.Render("▶ " + line)
			case run.Status.Terminal():
				line = "  " + dimStyle.Render(line)
			default:
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[enter] watch  [n] new  [x] cancel  [d] delete  [r] refresh  [q] quit")

	return s
}

func formatRunLine(run *models.Run) string {
	progress := "-"
	if run.TotalSteps > 0 {
		progress = fmt.Sprintf("%d/%d", min(run.CurrentStepIndex, run.TotalSteps), run.TotalSteps)
	}
	return fmt.Sprintf("%-8s %s  %-5s  %-8s  %s",
		shortID(run.ID), formatStatus(run.Status), progress,
		storage.FormatTimeAgo(run.CreatedAt), clip(run.Problem, 40))
}

func formatStatus(status models.RunStatus) string {
	switch status {
	case models.RunStatusQueued:
		return statusPending.Render("○ queued   ")
	case models.RunStatusRunning:
		return statusRunning.Render("● running  ")
	case models.RunStatusCompleted:
		return statusComplete.Render("✓ completed")
	case models.RunStatusFailed:
		return statusFailed.Render("✗ failed   ")
	default:
		return string(status)
	}
}

func (a *App) viewRun() string {
	if a.watch == nil {
		return "No run selected"
	}
	s := renderRun(a.watch.state, a.watch.outcome, a.watch.err, a.spinner.View(), a.width)

	help := "[esc] back  [q] back"
	switch a.watch.outcome {
	case stream.OutcomeLive:
		help = "[x] cancel run  " + help
	case stream.OutcomeInterrupted:
		help = "[r] reconnect  " + help
	}
	return s + "\n" + helpStyle.Render(help)
}

// renderRun draws a run from its projected state and the connection outcome
// alone. A width of zero disables wrapping.
func renderRun(state models.RunState, outcome stream.Outcome, streamErr error, spin string, width int) string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Run "+shortID(state.RunID)) + "  " + formatOutcome(state, outcome, spin) + "\n\n")

	if state.TotalSteps > 0 {
		b.WriteString(labelStyle.Render("Steps: ") + fmt.Sprintf("%d/%d", countVerified(state), state.TotalSteps) + "\n\n")
	}

	if len(state.Steps) == 0 && outcome == stream.OutcomeLive {
		b.WriteString(dimStyle.Render("Planning...") + "\n")
	}

	for _, step := range state.Steps {
		b.WriteString(formatStep(step, spin) + "\n")
		if step.Output != nil && *step.Output != "" {
			b.WriteString(outputStyle.Render(wrap(truncateLines(*step.Output, 6), width-4)) + "\n")
		}
		if step.Verification == models.VerificationFail && step.VerificationReason != "" {
			b.WriteString(outputStyle.Render(statusFailed.Render(step.VerificationReason)) + "\n")
		}
	}

	if state.FinalOutput != nil {
		b.WriteString("\n" + labelStyle.Render("Final output") + "\n")
		b.WriteString(wrap(*state.FinalOutput, width) + "\n")
	}
	if state.Error != nil {
		b.WriteString("\n" + statusFailed.Render("Error: "+*state.Error) + "\n")
	}
	if outcome == stream.OutcomeInterrupted {
		msg := "Stream interrupted; the run may still be in progress."
		if streamErr != nil {
			msg += " (" + streamErr.Error() + ")"
		}
		b.WriteString("\n" + statusInterrupted.Render(msg) + "\n")
	}

	return b.String()
}

// formatOutcome labels the header. An interrupted stream is never shown as a
// failed run.
func formatOutcome(state models.RunState, outcome stream.Outcome, spin string) string {
	switch outcome {
	case stream.OutcomeCompleted:
		return statusComplete.Render("✓ completed")
	case stream.OutcomeFailed:
		return statusFailed.Render("✗ failed")
	case stream.OutcomeInterrupted:
		return statusInterrupted.Render("⚠ interrupted")
	case stream.OutcomeDetached:
		return dimStyle.Render("detached")
	}
	if state.Status == models.RunStatusQueued {
		return spin + " " + statusPending.Render("waiting")
	}
	return spin + " " + statusRunning.Render("running")
}

func formatStep(step models.Step, spin string) string {
	var mark string
	switch {
	case step.Verification == models.VerificationPass:
		mark = statusComplete.Render("✓")
	case step.Verification == models.VerificationFail:
		mark = statusFailed.Render("✗")
	case step.Output != nil:
		mark = statusRunning.Render("?")
	default:
		mark = spin
	}
	return fmt.Sprintf("%s %d. %s", mark, step.StepNumber, step.Description)
}

func countVerified(state models.RunState) int {
	n := 0
	for _, step := range state.Steps {
		if step.Verification == models.VerificationPass {
			n++
		}
	}
	return n
}

func (a *App) viewNewRun() string {
	s := titleStyle.Render("New Run") + "\n\n"

	if a.err != nil {
		s += statusFailed.Render(a.err.Error()) + "\n\n"
	}

	s += a.input.View() + "\n"
	s += "\n" + helpStyle.Render("[enter] start  [esc] cancel")

	return s
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func clip(s string, maxLen int) string {
	return truncate.StringWithTail(strings.ReplaceAll(s, "\n", " "), uint(maxLen), "...")
}

func wrap(s string, width int) string {
	if width <= 0 {
		return s
	}
	return wordwrap.String(s, width)
}

func truncateLines(s string, maxLines int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) <= maxLines {
		return strings.Join(lines, "\n")
	}
	return strings.Join(lines[:maxLines], "\n") + fmt.Sprintf("\n… %d more lines", len(lines)-maxLines)
}
