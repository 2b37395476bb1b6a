// Package breaker isolates failures of unreliable downstream resources such
// as LLM providers and tool servers.
//
// A Registry owns one independent circuit per resource ID. Each circuit is a
// CLOSED → OPEN → HALF_OPEN state machine:
//
//   - CLOSED: calls pass. Consecutive failures increment a counter; reaching
//     FailureThreshold opens the circuit. A success resets the counter, and a
//     periodic decay tick every ResetInterval forgives one failure when no
//     failure was seen during the last interval.
//   - OPEN: calls fast-fail (or run the fallback) until OpenTimeout elapses.
//     The move to HALF_OPEN happens either when the recovery timer fires or
//     when CanAttempt notices the timeout passed, whichever comes first.
//   - HALF_OPEN: probe calls pass. SuccessThreshold successes close the
//     circuit; any failure reopens it immediately.
//
// Usage:
//
//	reg := breaker.NewRegistry(breaker.WithLogger(logger))
//	defer reg.Close()
//
//	reg.RegisterResource("llm-a", breaker.Config{FailureThreshold: 3})
//	out, err := reg.Execute("llm-a", callProvider, useCachedAnswer)
//	if errors.Is(err, breaker.ErrCircuitOpen) {
//	    // fast-fail, no fallback supplied
//	}
//
// Every transition is published on the registry's event bus; subscribe with
// Subscribe to drive dashboards or forward events elsewhere.
package breaker
