package stream

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mpataki/stepchain/internal/events"
	"github.com/mpataki/stepchain/internal/models"
	"github.com/mpataki/stepchain/internal/resilience"
)

type item struct {
	ev  events.Event
	err error
}

type fakeTransport struct {
	items     chan item
	closed    chan struct{}
	closeOnce sync.Once
	closes    atomic.Int32
}

func newFakeTransport(buffer int) *fakeTransport {
	return &fakeTransport{items: make(chan item, buffer), closed: make(chan struct{})}
}

func (f *fakeTransport) send(p events.Payload) { f.items <- item{ev: events.New(p)} }

func (f *fakeTransport) Next(ctx context.Context) (events.Event, error) {
	select {
	case it, ok := <-f.items:
		if !ok {
			return events.Event{}, io.EOF
		}
		return it.ev, it.err
	case <-f.closed:
		return events.Event{}, errors.New("use of closed connection")
	case <-ctx.Done():
		return events.Event{}, ctx.Err()
	}
}

func (f *fakeTransport) Close() error {
	f.closes.Add(1)
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func managerFor(t Transport) *Manager {
	return NewManager(DialerFunc(func(ctx context.Context, runID string) (Transport, error) {
		return t, nil
	}), quietLogger())
}

func waitDone(t *testing.T, h *Handle) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for handle to finish")
	}
}

func sendRun(f *fakeTransport) {
	f.send(events.PlanCreated{TotalSteps: 1, Plan: []events.PlanStep{{StepNumber: 1, Description: "one"}}})
	f.send(events.StepStarted{StepNumber: 1, Description: "one"})
	f.send(events.StepOutput{StepNumber: 1, Output: "a"})
	f.send(events.VerifyPass{StepNumber: 1})
	f.send(events.RunCompleted{FinalOutput: "a"})
}

func TestOpenUnknownRunFailsWithConnectionError(t *testing.T) {
	m := NewManager(DialerFunc(func(ctx context.Context, runID string) (Transport, error) {
		return nil, ErrRunNotFound
	}), quietLogger())

	_, err := m.Open(context.Background(), "missing", Callbacks{})
	var ce *ConnectionError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
	if ce.RunID != "missing" || !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("unexpected error %v", err)
	}

	if _, err := m.Open(context.Background(), " ", Callbacks{}); !errors.As(err, &ce) {
		t.Fatalf("expected ConnectionError for empty run id, got %v", err)
	}
}

func TestEventsAreDeliveredInOrderAndTerminalClosesTransport(t *testing.T) {
	f := newFakeTransport(8)
	sendRun(f)

	var (
		types     []events.Type
		terminals atomic.Int32
		final     models.RunState
	)
	h, err := managerFor(f).Open(context.Background(), "r1", Callbacks{
		OnEvent: func(state models.RunState, ev events.Event) {
			types = append(types, ev.Type)
		},
		OnTerminal: func(state models.RunState) {
			terminals.Add(1)
			final = state
		},
		OnTransportError: func(err error, state models.RunState) {
			t.Errorf("unexpected transport error %v", err)
		},
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	waitDone(t, h)

	want := []events.Type{
		events.TypePlanCreated, events.TypeStepStarted, events.TypeStepOutput,
		events.TypeVerifyPass, events.TypeRunCompleted,
	}
	if len(types) != len(want) {
		t.Fatalf("expected %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, types)
		}
	}
	if terminals.Load() != 1 {
		t.Fatalf("expected one terminal callback, got %d", terminals.Load())
	}
	if final.Status != models.RunStatusCompleted || *final.FinalOutput != "a" {
		t.Fatalf("unexpected final state %+v", final)
	}
	if !f.isClosed() {
		t.Fatalf("expected transport to be closed after terminal event")
	}
	if h.Outcome() != OutcomeCompleted || h.Phase() != PhaseClosed {
		t.Fatalf("unexpected outcome/phase %s/%s", h.Outcome(), h.Phase())
	}

	if err := h.Close(); err != nil {
		t.Fatalf("close after terminal: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if h.Outcome() != OutcomeCompleted {
		t.Fatalf("close after terminal must not change the outcome, got %s", h.Outcome())
	}
}

func TestTransportDropIsInterruptionNotFailure(t *testing.T) {
	f := newFakeTransport(8)
	f.send(events.PlanCreated{TotalSteps: 2})
	f.send(events.StepStarted{StepNumber: 1})
	close(f.items)

	var (
		gotErr    error
		gotState  models.RunState
		terminals atomic.Int32
	)
	h, err := managerFor(f).Open(context.Background(), "r1", Callbacks{
		OnTerminal: func(models.RunState) { terminals.Add(1) },
		OnTransportError: func(err error, state models.RunState) {
			gotErr = err
			gotState = state
		},
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	waitDone(t, h)

	if !errors.Is(gotErr, ErrStreamInterrupted) || !errors.Is(h.Err(), ErrStreamInterrupted) {
		t.Fatalf("expected interruption, got %v / %v", gotErr, h.Err())
	}
	if gotState.Status != models.RunStatusRunning {
		t.Fatalf("interruption must not change run status, got %s", gotState.Status)
	}
	if terminals.Load() != 0 {
		t.Fatalf("terminal callback must not run on interruption")
	}
	if h.Outcome() != OutcomeInterrupted {
		t.Fatalf("expected interrupted, got %s", h.Outcome())
	}
	if !f.isClosed() {
		t.Fatalf("transport must be released on error path")
	}
}

func TestCloseBeforeTerminalStopsDelivery(t *testing.T) {
	f := newFakeTransport(8)
	f.send(events.PlanCreated{TotalSteps: 2})

	first := make(chan struct{})
	var calls atomic.Int32
	h, err := managerFor(f).Open(context.Background(), "r1", Callbacks{
		OnEvent: func(models.RunState, events.Event) {
			if calls.Add(1) == 1 {
				close(first)
			}
		},
		OnTransportError: func(err error, state models.RunState) {
			t.Errorf("close must not be reported as transport error: %v", err)
		},
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	<-first

	if err := h.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	f.items <- item{ev: events.New(events.StepStarted{StepNumber: 1})}
	f.items <- item{ev: events.New(events.RunFailed{Error: "x"})}
	waitDone(t, h)

	if calls.Load() != 1 {
		t.Fatalf("expected no events after close, got %d calls", calls.Load())
	}
	if !f.isClosed() {
		t.Fatalf("transport not released")
	}
	if h.Outcome() != OutcomeDetached {
		t.Fatalf("expected detached, got %s", h.Outcome())
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestCloseFromCallbackDoesNotDeadlock(t *testing.T) {
	f := newFakeTransport(8)
	sendRun(f)

	var (
		h     *Handle
		ready = make(chan struct{})
		calls atomic.Int32
	)
	var err error
	h, err = managerFor(f).Open(context.Background(), "r1", Callbacks{
		OnEvent: func(models.RunState, events.Event) {
			<-ready
			calls.Add(1)
			h.Close()
		},
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	close(ready)
	waitDone(t, h)

	if calls.Load() != 1 {
		t.Fatalf("expected exactly one callback, got %d", calls.Load())
	}
}

func TestCallbacksNeverOverlap(t *testing.T) {
	f := newFakeTransport(64)
	f.send(events.PlanCreated{TotalSteps: 20})
	for i := 1; i <= 20; i++ {
		f.send(events.StepStarted{StepNumber: i})
	}
	f.send(events.RunFailed{Error: "x"})

	var active, overlaps atomic.Int32
	h, err := managerFor(f).Open(context.Background(), "r1", Callbacks{
		OnEvent: func(models.RunState, events.Event) {
			if active.Add(1) > 1 {
				overlaps.Add(1)
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
		},
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	waitDone(t, h)

	if overlaps.Load() != 0 {
		t.Fatalf("callbacks overlapped %d times", overlaps.Load())
	}
	if got := h.State(); len(got.Steps) != 20 || got.Status != models.RunStatusFailed {
		t.Fatalf("unexpected state %+v", got)
	}
}

func TestUnknownEventsAreDeliveredWithoutStateChange(t *testing.T) {
	f := newFakeTransport(8)
	f.send(events.PlanCreated{TotalSteps: 1})
	f.items <- item{ev: events.Event{TS: time.Now(), Type: "heartbeat", Data: json.RawMessage(`{}`)}}
	f.send(events.RunFailed{Error: "x"})

	var states []models.RunState
	h, err := managerFor(f).Open(context.Background(), "r1", Callbacks{
		OnEvent: func(state models.RunState, ev events.Event) { states = append(states, state) },
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	waitDone(t, h)

	if len(states) != 3 {
		t.Fatalf("expected 3 callbacks, got %d", len(states))
	}
	if states[1].Status != states[0].Status || states[1].TotalSteps != states[0].TotalSteps {
		t.Fatalf("unknown event changed state")
	}
	if h.Outcome() != OutcomeFailed {
		t.Fatalf("expected failed, got %s", h.Outcome())
	}
}

func TestFollowReconnectsAndAbsorbsReplay(t *testing.T) {
	var dials atomic.Int32
	m := NewManager(DialerFunc(func(ctx context.Context, runID string) (Transport, error) {
		f := newFakeTransport(8)
		switch dials.Add(1) {
		case 1:
			f.send(events.PlanCreated{TotalSteps: 1, Plan: []events.PlanStep{{StepNumber: 1, Description: "one"}}})
			f.send(events.StepStarted{StepNumber: 1, Description: "one"})
			close(f.items)
		default:
			sendRun(f)
		}
		return f, nil
	}), quietLogger())

	var interruptions atomic.Int32
	cfg := resilience.RetryConfig{MaxRetries: 3, InitDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	state, err := m.Follow(context.Background(), "r1", Callbacks{
		OnTransportError: func(error, models.RunState) { interruptions.Add(1) },
	}, cfg)
	if err != nil {
		t.Fatalf("follow: %v", err)
	}

	if dials.Load() != 2 || interruptions.Load() != 1 {
		t.Fatalf("expected 2 dials and 1 interruption, got %d/%d", dials.Load(), interruptions.Load())
	}
	if state.Status != models.RunStatusCompleted || len(state.Steps) != 1 {
		t.Fatalf("unexpected state %+v", state)
	}
}

func TestFollowStopsOnUnknownRun(t *testing.T) {
	var dials atomic.Int32
	m := NewManager(DialerFunc(func(ctx context.Context, runID string) (Transport, error) {
		dials.Add(1)
		return nil, ErrRunNotFound
	}), quietLogger())

	_, err := m.Follow(context.Background(), "missing", Callbacks{}, resilience.DefaultRetryConfig())
	if !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
	if dials.Load() != 1 {
		t.Fatalf("expected a single dial, got %d", dials.Load())
	}
}

func TestFollowHonoursCancellation(t *testing.T) {
	f := newFakeTransport(8)
	f.send(events.PlanCreated{TotalSteps: 1})
	ctx, cancel := context.WithCancel(context.Background())

	planned := make(chan struct{})
	go func() {
		<-planned
		cancel()
	}()

	state, err := managerFor(f).Follow(ctx, "r1", Callbacks{
		OnEvent: func(models.RunState, events.Event) { close(planned) },
	}, resilience.DefaultRetryConfig())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if state.TotalSteps != 1 {
		t.Fatalf("expected the state seen before cancellation, got %+v", state)
	}
	if !f.isClosed() {
		t.Fatalf("transport not released on cancellation")
	}
}
