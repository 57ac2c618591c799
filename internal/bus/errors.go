package bus

import (
	"errors"
	"strconv"
)

// TimeoutError is returned by Publisher.Ask when every attempt (the
// initial publish plus max_retries retries) timed out waiting for a
// reply.
type TimeoutError struct {
	ExpertID string
	Attempts int
}

func (e *TimeoutError) Error() string {
	return "bus: timeout after " + strconv.Itoa(e.Attempts) + " tries"
}

// NoRespondersError is returned when the bus reports nobody is subscribed
// to the expert's subject. Unlike TimeoutError, this is never retried.
type NoRespondersError struct {
	ExpertID string
}

func (e *NoRespondersError) Error() string {
	return "bus: no responders for " + e.ExpertID
}

// CircuitOpenError is returned when a publish is short-circuited by an
// open breaker. Behaves like NoRespondersError (no retry, immediate
// synthetic ERROR) but is distinguished in logs so operators can tell
// "bus said nobody's listening" from "we stopped asking after repeated
// failures."
type CircuitOpenError struct {
	ExpertID string
}

func (e *CircuitOpenError) Error() string {
	return "bus: circuit open for " + e.ExpertID
}

// ErrClosed is returned by a pending Ask when the publisher is shutting
// down and drains outstanding submissions.
var ErrClosed = errors.New("bus: publisher closed")
