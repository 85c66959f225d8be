// Package events defines the run event protocol.
//
// A run is observed as an ordered stream of events. Every event carries the
// time it was emitted, a type and a payload whose shape is fixed by the type:
//
//   - plan_created: the plan was produced; declares total_steps and the
//     ordered plan items. Emitted exactly once, before any step event.
//   - step_started: a step began executing.
//   - step_output: a step produced its output. At most once per step.
//   - verify_pass: a step's output satisfied its checklist.
//   - verify_fail: a step's output did not satisfy its checklist; carries the
//     reason.
//   - run_completed: terminal; carries the final output.
//   - run_failed: terminal; carries the error.
//
// Consumers must ignore event types they do not recognize. New types can be
// added to the protocol without breaking existing readers.
package events
