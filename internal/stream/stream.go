// Package stream binds a consumer to one run's event stream.
//
// A Manager dials a Transport for a run and delivers every received event,
// in receipt order, to a reducer-held RunState owned by the returned Handle.
// Each handle runs exactly one delivery goroutine, so callbacks for a handle
// never run concurrently. A handle moves through three phases
// (open -> delivering -> closed) and has exactly one way to end on its own:
// applying a terminal event, after which it releases the transport itself.
package stream

import (
	"context"
	"errors"
	"fmt"

	"github.com/mpataki/stepchain/internal/events"
	"github.com/mpataki/stepchain/internal/models"
)

var (
	// ErrRunNotFound is wrapped by a ConnectionError when the run is unknown.
	ErrRunNotFound = errors.New("run not found")

	// ErrStreamInterrupted is wrapped by errors reported through
	// OnTransportError. It says nothing about the run's outcome.
	ErrStreamInterrupted = errors.New("stream interrupted")
)

// ConnectionError is returned by Open when the stream cannot be established.
type ConnectionError struct {
	RunID string
	Err   error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect to run %s: %v", e.RunID, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Transport is one live subscription to a run's events.
type Transport interface {
	// Next blocks until the next event arrives. It returns io.EOF when the
	// server ended the stream cleanly.
	Next(ctx context.Context) (events.Event, error)
	// Close releases the underlying connection. It must unblock Next.
	Close() error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, runID string) (Transport, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, runID string) (Transport, error)

func (f DialerFunc) Dial(ctx context.Context, runID string) (Transport, error) {
	return f(ctx, runID)
}

// Callbacks are invoked from the handle's delivery goroutine. Any of them may
// be nil. States passed to callbacks are private copies.
type Callbacks struct {
	// OnEvent runs once per received event, after it was reduced.
	OnEvent func(state models.RunState, ev events.Event)
	// OnTerminal runs once, after the OnEvent of the terminal event.
	OnTerminal func(state models.RunState)
	// OnTransportError runs if the transport ends before a terminal event.
	OnTransportError func(err error, state models.RunState)
}

type Phase int32

const (
	PhaseOpen Phase = iota
	PhaseDelivering
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseOpen:
		return "open"
	case PhaseDelivering:
		return "delivering"
	case PhaseClosed:
		return "closed"
	default:
		return fmt.Sprintf("phase(%d)", int32(p))
	}
}

// Outcome is the consumer-side classification of a handle.
type Outcome int32

const (
	// OutcomeLive: the handle is still receiving.
	OutcomeLive Outcome = iota
	// OutcomeCompleted: run_completed was applied.
	OutcomeCompleted
	// OutcomeFailed: run_failed was applied.
	OutcomeFailed
	// OutcomeInterrupted: the transport ended before a terminal event. The
	// run's real status is unknown; reconnecting is safe.
	OutcomeInterrupted
	// OutcomeDetached: the consumer closed the handle.
	OutcomeDetached
)

func (o Outcome) String() string {
	switch o {
	case OutcomeLive:
		return "live"
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	case OutcomeInterrupted:
		return "interrupted"
	case OutcomeDetached:
		return "detached"
	default:
		return fmt.Sprintf("outcome(%d)", int32(o))
	}
}
