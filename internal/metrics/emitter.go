// Package metrics provides the fire-and-forget metrics emitter used by the
// orchestration engine.
package metrics

import "time"

// Outcome classifies the result of an instrumented call.
type Outcome string

const (
	// OutcomeSuccess indicates the call succeeded.
	OutcomeSuccess Outcome = "success"
	// OutcomeFailure indicates the call failed after exhausting retries.
	OutcomeFailure Outcome = "failure"
	// OutcomeRetry indicates a single attempt failed and will be retried.
	OutcomeRetry Outcome = "retry"
	// OutcomeBreakerOpen indicates the call was short-circuited by an open breaker.
	OutcomeBreakerOpen Outcome = "breaker_open"
)

// Emitter receives operation outcome events. Implementations must be
// non-blocking and must never return an error to the caller.
type Emitter interface {
	Emit(event string, outcome Outcome, duration time.Duration, attrs map[string]string)
}

// Nop is an Emitter that discards everything.
type Nop struct{}

// Emit implements Emitter.
func (Nop) Emit(string, Outcome, time.Duration, map[string]string) {}
