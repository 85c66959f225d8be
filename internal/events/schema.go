package events

import (
	"github.com/invopop/jsonschema"
)

// Schemas returns the JSON Schema of the data payload for every known type.
func Schemas() map[Type]*jsonschema.Schema {
	reflector := jsonschema.Reflector{DoNotReference: true}
	payloads := []Payload{
		PlanCreated{},
		StepStarted{},
		StepOutput{},
		VerifyPass{},
		VerifyFail{},
		RunCompleted{},
		RunFailed{},
	}
	out := make(map[Type]*jsonschema.Schema, len(payloads))
	for _, p := range payloads {
		s := reflector.Reflect(p)
		s.Title = string(p.EventType())
		out[p.EventType()] = s
	}
	return out
}
