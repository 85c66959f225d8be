package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/mpataki/stepchain/internal/events"
	"github.com/mpataki/stepchain/internal/models"
	"github.com/mpataki/stepchain/internal/reducer"
)

// Handle is one consumer's attachment to one run's stream.
type Handle struct {
	runID     string
	transport Transport
	cb        Callbacks
	logger    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	state models.RunState
	err   error

	phase   atomic.Int32
	outcome atomic.Int32

	// cbMu is held while a callback runs; Close takes it to wait out an
	// in-flight callback unless Close is being called from that callback.
	cbMu       sync.Mutex
	inCallback atomic.Bool
	closed     atomic.Bool
	closeOnce  sync.Once

	releaseOnce sync.Once
	releaseErr  error
}

func newHandle(runID string, t Transport, state models.RunState, cb Callbacks, logger *slog.Logger) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		runID:     runID,
		transport: t,
		cb:        cb,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     state,
	}
	h.phase.Store(int32(PhaseOpen))
	h.outcome.Store(int32(OutcomeLive))
	return h
}

func (h *Handle) RunID() string { return h.runID }

// State returns a copy of the current projection.
func (h *Handle) State() models.RunState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state.Clone()
}

func (h *Handle) Phase() Phase { return Phase(h.phase.Load()) }

func (h *Handle) Outcome() Outcome { return Outcome(h.outcome.Load()) }

// Err returns the interruption error once the handle ended with
// OutcomeInterrupted, nil otherwise.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Done is closed when the delivery goroutine has exited.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Close detaches the consumer. It is idempotent and safe after the handle
// closed itself. Once it returns no new OnEvent call starts. The run itself
// is not affected.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.cancel()
		h.release()
		if !h.inCallback.Load() {
			h.cbMu.Lock()
			h.cbMu.Unlock()
		}
	})
	return h.releaseErr
}

func (h *Handle) release() {
	h.releaseOnce.Do(func() {
		h.releaseErr = h.transport.Close()
	})
}

// invoke runs fn unless the handle was closed. It reports whether fn ran.
func (h *Handle) invoke(fn func()) bool {
	h.cbMu.Lock()
	defer h.cbMu.Unlock()
	if h.closed.Load() {
		return false
	}
	h.inCallback.Store(true)
	defer h.inCallback.Store(false)
	fn()
	return true
}

func (h *Handle) deliver() {
	defer close(h.done)
	defer h.phase.Store(int32(PhaseClosed))
	defer h.release()

	for {
		ev, err := h.transport.Next(h.ctx)
		if err != nil {
			h.interrupted(err)
			return
		}
		if h.closed.Load() {
			h.outcome.Store(int32(OutcomeDetached))
			return
		}
		h.phase.CompareAndSwap(int32(PhaseOpen), int32(PhaseDelivering))

		h.mu.Lock()
		next, out := reducer.Apply(h.state, ev)
		h.state = next
		h.mu.Unlock()
		h.report(ev, out)

		terminal := ev.Type.Terminal() && next.Terminal() && out.Kind != reducer.Ignored
		if terminal {
			if next.Status == models.RunStatusCompleted {
				h.outcome.Store(int32(OutcomeCompleted))
			} else {
				h.outcome.Store(int32(OutcomeFailed))
			}
		}

		if h.cb.OnEvent != nil {
			if !h.invoke(func() { h.cb.OnEvent(next.Clone(), ev) }) {
				h.detach(terminal)
				return
			}
		}
		if terminal {
			if h.cb.OnTerminal != nil {
				h.invoke(func() { h.cb.OnTerminal(next.Clone()) })
			}
			return
		}
	}
}

func (h *Handle) detach(terminal bool) {
	if !terminal {
		h.outcome.Store(int32(OutcomeDetached))
	}
}

func (h *Handle) interrupted(err error) {
	if h.closed.Load() {
		h.outcome.Store(int32(OutcomeDetached))
		return
	}
	wrapped := fmt.Errorf("%w: %v", ErrStreamInterrupted, err)

	h.mu.Lock()
	h.err = wrapped
	state := h.state.Clone()
	h.mu.Unlock()

	h.outcome.Store(int32(OutcomeInterrupted))
	h.logger.Warn("stream interrupted", "err", err, "status", state.Status)
	if h.cb.OnTransportError != nil {
		h.invoke(func() { h.cb.OnTransportError(wrapped, state) })
	}
}

func (h *Handle) report(ev events.Event, out reducer.Outcome) {
	switch {
	case out.Violation():
		h.logger.Warn("protocol violation", "type", ev.Type, "outcome", out.Kind.String(), "reason", out.Reason)
	case out.Kind == reducer.Unknown:
		h.logger.Debug("ignoring unknown event", "type", ev.Type)
	case out.Kind == reducer.Duplicate:
		h.logger.Debug("duplicate event", "type", ev.Type)
	}
}
