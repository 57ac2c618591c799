// Package tracked wraps a bus Publisher so every remote call updates the
// stats tracker before the caller ever sees success or failure — the
// load-aware router's feedback loop depends on this accounting landing
// even when the call itself fails (§4.7).
package tracked

import (
	"context"
	"time"

	"github.com/jordanhubbard/ditrouter/internal/codec"
	"github.com/jordanhubbard/ditrouter/internal/stats"
)

// Asker is the subset of *bus.Publisher a tracked Callable needs.
type Asker interface {
	Ask(ctx context.Context, expertID, payload, requestID string) (codec.Response, error)
}

// Callable is a remote expert call instrumented with call-path stats.
type Callable struct {
	asker    Asker
	tracker  *stats.Tracker
	expertID string
}

// New wraps asker for a single expert id, recording every call into tracker.
func New(asker Asker, tracker *stats.Tracker, expertID string) *Callable {
	return &Callable{asker: asker, tracker: tracker, expertID: expertID}
}

// Call publishes payload to the wrapped expert and records the outcome
// into the stats tracker before returning, regardless of success. The
// bus-reported LatencyMs is used when present; otherwise the observed
// wall-clock round trip is recorded instead, so a malformed reply still
// contributes a latency sample.
func (c *Callable) Call(ctx context.Context, payload, requestID string) (string, error) {
	start := time.Now()
	c.tracker.RecordRequest(c.expertID)

	resp, err := c.asker.Ask(ctx, c.expertID, payload, requestID)

	latency := resp.LatencyMs
	if latency <= 0 {
		latency = int32(time.Since(start).Milliseconds())
	}

	if err != nil {
		c.tracker.RecordResult(c.expertID, float64(latency), false)
		return "", err
	}

	success := resp.Status == codec.StatusSuccess
	c.tracker.RecordResult(c.expertID, float64(latency), success)
	if !success {
		return "", &RemoteError{ExpertID: c.expertID, Message: resp.ErrorMessage}
	}
	return resp.Payload, nil
}

// RemoteError wraps a structured ERROR reply from the expert itself (as
// opposed to a transport-level failure, which bus errors already report
// with their own types).
type RemoteError struct {
	ExpertID string
	Message  string
}

func (e *RemoteError) Error() string {
	return "tracked: " + e.ExpertID + ": " + e.Message
}
