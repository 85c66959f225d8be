package tui

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/mpataki/stepchain/internal/events"
	"github.com/mpataki/stepchain/internal/models"
	"github.com/mpataki/stepchain/internal/stream"
)

type View int

const (
	ViewRunList View = iota
	ViewRun
	ViewNewRun
)

const (
	listLimit    = 20
	pollInterval = 2 * time.Second
	requestLimit = 10 * time.Second
)

// Backend is the part of the coordinator API the watcher talks to.
type Backend interface {
	CreateRun(ctx context.Context, problem string) (string, error)
	ListRuns(ctx context.Context, limit int) ([]*models.Run, error)
	CancelRun(ctx context.Context, runID string) error
	DeleteRun(ctx context.Context, runID string) error
}

// watch is the live view of one run.
type watch struct {
	gen     int
	runID   string
	handle  *stream.Handle
	state   models.RunState
	outcome stream.Outcome
	err     error
}

type App struct {
	backend Backend
	streams *stream.Manager
	send    func(tea.Msg)

	view        View
	runs        []*models.Run
	selectedIdx int
	watch       *watch
	watchGen    int
	input       textinput.Model
	spinner     spinner.Model

	width  int
	height int
	err    error
}

func NewApp(backend Backend, streams *stream.Manager) *App {
	input := textinput.New()
	input.Placeholder = "Describe the problem to solve"
	input.CharLimit = 2000
	input.Width = 60

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = statusRunning

	return &App{
		backend: backend,
		streams: streams,
		view:    ViewRunList,
		input:   input,
		spinner: sp,
	}
}

// Attach routes stream callbacks into p. It must be called before p.Run.
func (a *App) Attach(p *tea.Program) {
	a.send = p.Send
}

// Open makes the program start on the live view of runID.
func (a *App) Open(runID string) {
	a.startWatch(runID)
}

func (a *App) startWatch(runID string) *watch {
	a.closeWatch()
	a.watchGen++
	a.view = ViewRun
	a.watch = &watch{
		gen:     a.watchGen,
		runID:   runID,
		state:   models.NewRunState(runID),
		outcome: stream.OutcomeLive,
	}
	return a.watch
}

func (a *App) watchRun(runID string) tea.Cmd {
	return a.openStream(a.startWatch(runID))
}

func (a *App) Init() tea.Cmd {
	cmds := []tea.Cmd{a.loadRuns, a.tickCmd(), a.spinner.Tick}
	if a.watch != nil && a.watch.handle == nil {
		cmds = append(cmds, a.openStream(a.watch))
	}
	return tea.Batch(cmds...)
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *App) hasActiveRuns() bool {
	for _, run := range a.runs {
		if !run.Status.Terminal() {
			return true
		}
	}
	return false
}

type tickMsg time.Time

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		return a, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd

	case runsLoadedMsg:
		a.runs = msg.runs
		a.err = msg.err
		if a.selectedIdx >= len(a.runs) {
			a.selectedIdx = max(len(a.runs)-1, 0)
		}
		return a, nil

	case tickMsg:
		if a.view == ViewRunList && a.hasActiveRuns() {
			return a, tea.Batch(a.loadRuns, a.tickCmd())
		}
		return a, a.tickCmd()

	case runCreatedMsg:
		if msg.err != nil {
			a.err = msg.err
			return a, nil
		}
		a.input.Reset()
		return a, tea.Batch(a.watchRun(msg.runID), a.loadRuns)

	case streamOpenedMsg:
		if !a.watching(msg.gen) {
			if msg.handle != nil {
				go msg.handle.Close()
			}
			return a, nil
		}
		if msg.err != nil {
			a.watch.err = msg.err
			a.watch.outcome = stream.OutcomeInterrupted
			return a, nil
		}
		a.watch.handle = msg.handle
		return a, nil

	case streamEventMsg:
		if a.watching(msg.gen) {
			a.watch.state = msg.state
		}
		return a, nil

	case streamTerminalMsg:
		if a.watching(msg.gen) {
			a.watch.state = msg.state
			a.watch.outcome = msg.outcome
		}
		return a, a.loadRuns

	case streamErrorMsg:
		if a.watching(msg.gen) {
			a.watch.state = msg.state
			a.watch.err = msg.err
			a.watch.outcome = stream.OutcomeInterrupted
		}
		return a, nil

	case runCancelledMsg:
		a.err = msg.err
		return a, a.loadRuns

	case runDeletedMsg:
		a.err = msg.err
		if a.selectedIdx >= len(a.runs)-1 && a.selectedIdx > 0 {
			a.selectedIdx--
		}
		return a, a.loadRuns
	}

	if a.view == ViewNewRun {
		var cmd tea.Cmd
		a.input, cmd = a.input.Update(msg)
		return a, cmd
	}
	return a, nil
}

// watching reports whether a stream message belongs to the current watch.
// Messages from an abandoned handle can still arrive after Close.
func (a *App) watching(gen int) bool {
	return a.watch != nil && a.watch.gen == gen
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() == "ctrl+c" {
		a.closeWatch()
		return a, tea.Quit
	}
	switch a.view {
	case ViewRunList:
		return a.handleRunListKey(msg)
	case ViewRun:
		return a.handleRunKey(msg)
	case ViewNewRun:
		return a.handleNewRunKey(msg)
	}
	return a, nil
}

func (a *App) handleRunListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q":
		return a, tea.Quit

	case "up", "k":
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case "down", "j":
		if a.selectedIdx < len(a.runs)-1 {
			a.selectedIdx++
		}

	case "enter":
		if run := a.selected(); run != nil {
			return a, a.watchRun(run.ID)
		}

	case "n":
		a.view = ViewNewRun
		a.err = nil
		return a, a.input.Focus()

	case "r":
		return a, a.loadRuns

	case "x":
		if run := a.selected(); run != nil {
			return a, a.cancelRun(run.ID)
		}

	case "d":
		if run := a.selected(); run != nil {
			return a, a.deleteRun(run.ID)
		}
	}

	return a, nil
}

func (a *App) selected() *models.Run {
	if a.selectedIdx < 0 || a.selectedIdx >= len(a.runs) {
		return nil
	}
	return a.runs[a.selectedIdx]
}

func (a *App) handleRunKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.closeWatch()
		a.view = ViewRunList
		return a, a.loadRuns

	case "x":
		if a.watch != nil && a.watch.outcome == stream.OutcomeLive {
			return a, a.cancelRun(a.watch.runID)
		}

	case "r":
		// Reconnect after an interruption; the stream replays from the start.
		if a.watch != nil && a.watch.outcome == stream.OutcomeInterrupted {
			return a, a.watchRun(a.watch.runID)
		}
	}
	return a, nil
}

func (a *App) handleNewRunKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		a.input.Blur()
		a.view = ViewRunList
		return a, nil

	case "enter":
		problem := strings.TrimSpace(a.input.Value())
		if problem == "" {
			a.err = errors.New("problem must not be empty")
			return a, nil
		}
		a.input.Blur()
		return a, a.createRun(problem)
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	return a, cmd
}

// closeWatch detaches from the watched run. Close waits for an in-flight
// callback, which may itself be blocked sending to this program, so it runs
// off the update loop.
func (a *App) closeWatch() {
	if a.watch != nil && a.watch.handle != nil {
		go a.watch.handle.Close()
	}
	a.watch = nil
}

// Messages

type runsLoadedMsg struct {
	runs []*models.Run
	err  error
}

type runCreatedMsg struct {
	runID string
	err   error
}

type runCancelledMsg struct {
	err error
}

type runDeletedMsg struct {
	err error
}

type streamOpenedMsg struct {
	gen    int
	handle *stream.Handle
	err    error
}

type streamEventMsg struct {
	gen   int
	state models.RunState
	event events.Event
}

type streamTerminalMsg struct {
	gen     int
	state   models.RunState
	outcome stream.Outcome
}

type streamErrorMsg struct {
	gen   int
	state models.RunState
	err   error
}

// Commands

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestLimit)
}

func (a *App) loadRuns() tea.Msg {
	ctx, cancel := requestContext()
	defer cancel()
	runs, err := a.backend.ListRuns(ctx, listLimit)
	return runsLoadedMsg{runs: runs, err: err}
}

func (a *App) createRun(problem string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := requestContext()
		defer cancel()
		id, err := a.backend.CreateRun(ctx, problem)
		return runCreatedMsg{runID: id, err: err}
	}
}

func (a *App) cancelRun(id string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := requestContext()
		defer cancel()
		return runCancelledMsg{err: a.backend.CancelRun(ctx, id)}
	}
}

func (a *App) deleteRun(id string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := requestContext()
		defer cancel()
		return runDeletedMsg{err: a.backend.DeleteRun(ctx, id)}
	}
}

// openStream connects w to its run. Callbacks run on the handle's delivery
// goroutine and only forward copies of the state into the program.
func (a *App) openStream(w *watch) tea.Cmd {
	if a.streams == nil || a.send == nil {
		return nil
	}
	send := a.send
	gen, runID := w.gen, w.runID
	return func() tea.Msg {
		ctx, cancel := requestContext()
		defer cancel()
		h, err := a.streams.Open(ctx, runID, stream.Callbacks{
			OnEvent: func(s models.RunState, ev events.Event) {
				send(streamEventMsg{gen: gen, state: s, event: ev})
			},
			OnTerminal: func(s models.RunState) {
				outcome := stream.OutcomeCompleted
				if s.Status == models.RunStatusFailed {
					outcome = stream.OutcomeFailed
				}
				send(streamTerminalMsg{gen: gen, state: s, outcome: outcome})
			},
			OnTransportError: func(err error, s models.RunState) {
				send(streamErrorMsg{gen: gen, state: s, err: err})
			},
		})
		return streamOpenedMsg{gen: gen, handle: h, err: err}
	}
}
