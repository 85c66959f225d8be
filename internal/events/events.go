package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type identifies an event kind on the wire.
type Type string

const (
	TypePlanCreated  Type = "plan_created"
	TypeStepStarted  Type = "step_started"
	TypeStepOutput   Type = "step_output"
	TypeVerifyPass   Type = "verify_pass"
	TypeVerifyFail   Type = "verify_fail"
	TypeRunCompleted Type = "run_completed"
	TypeRunFailed    Type = "run_failed"
)

// Types lists every known type in protocol order.
var Types = []Type{
	TypePlanCreated,
	TypeStepStarted,
	TypeStepOutput,
	TypeVerifyPass,
	TypeVerifyFail,
	TypeRunCompleted,
	TypeRunFailed,
}

// ErrUnknownType is returned when decoding the payload of an unrecognized type.
var ErrUnknownType = errors.New("unknown event type")

// Known reports whether t is part of the protocol this package implements.
func (t Type) Known() bool {
	for _, k := range Types {
		if t == k {
			return true
		}
	}
	return false
}

// Terminal reports whether t ends a run's event sequence.
func (t Type) Terminal() bool {
	return t == TypeRunCompleted || t == TypeRunFailed
}

// Event is the wire unit: {"ts": ..., "type": ..., "data": ...}.
type Event struct {
	TS   time.Time       `json:"ts"`
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data"`

	// Seq is the per-run sequence number assigned by the coordinator's
	// event log. It is carried out of band (SSE id field) and is zero on
	// events that did not come from the log.
	Seq int64 `json:"-"`
}

// Payload is implemented by every typed event body.
type Payload interface {
	EventType() Type
}

// New builds an event stamped with the current time.
func New(p Payload) Event {
	return NewAt(time.Now().UTC(), p)
}

// NewAt builds an event with an explicit timestamp.
func NewAt(ts time.Time, p Payload) Event {
	data, _ := json.Marshal(p)
	return Event{TS: ts, Type: p.EventType(), Data: data}
}

// Payload decodes the event body into the typed payload for its type.
// Unrecognized types return ErrUnknownType.
func (e Event) Payload() (Payload, error) {
	var p Payload
	switch e.Type {
	case TypePlanCreated:
		p = &PlanCreated{}
	case TypeStepStarted:
		p = &StepStarted{}
	case TypeStepOutput:
		p = &StepOutput{}
	case TypeVerifyPass:
		p = &VerifyPass{}
	case TypeVerifyFail:
		p = &VerifyFail{}
	case TypeRunCompleted:
		p = &RunCompleted{}
	case TypeRunFailed:
		p = &RunFailed{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, e.Type)
	}
	if len(e.Data) == 0 {
		return nil, fmt.Errorf("%s: missing data", e.Type)
	}
	if err := json.Unmarshal(e.Data, p); err != nil {
		return nil, fmt.Errorf("%s: invalid data: %w", e.Type, err)
	}
	return p, nil
}

// Timestamps emitted by older servers carry no zone; they are read as UTC.
var tsLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func (e *Event) UnmarshalJSON(b []byte) error {
	var raw struct {
		TS   string          `json:"ts"`
		Type Type            `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	e.Type = raw.Type
	e.Data = raw.Data
	e.TS = time.Time{}
	if raw.TS == "" {
		return nil
	}
	for _, layout := range tsLayouts {
		if ts, err := time.Parse(layout, raw.TS); err == nil {
			e.TS = ts
			return nil
		}
	}
	return fmt.Errorf("invalid ts %q", raw.TS)
}
