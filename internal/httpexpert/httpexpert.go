// Package httpexpert adapts a remote HTTP model-serving endpoint into an
// expert.Callable (C17): it POSTs the query as JSON and parses a JSON
// reply, round-robining across multiple endpoints when more than one is
// configured for the same expert id.
package httpexpert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/jordanhubbard/ditrouter/internal/providers"
)

// ErrorClass classifies a failed call for the caller's retry/backoff
// decision, the way the bus publisher's own TimeoutError/NoRespondersError
// distinguish retryable from terminal outcomes.
type ErrorClass int

const (
	ErrFatal ErrorClass = iota
	ErrTransient
	ErrRateLimited
)

// ClassifiedError wraps a failed call with its retry classification and,
// for ErrRateLimited, the provider's advertised Retry-After in seconds.
type ClassifiedError struct {
	Err        error
	Class      ErrorClass
	RetryAfter int
}

func (e *ClassifiedError) Error() string { return e.Err.Error() }
func (e *ClassifiedError) Unwrap() error { return e.Err }

type requestBody struct {
	Query string `json:"query"`
}

type responseBody struct {
	Response string `json:"response"`
}

// Adapter is an HTTP-backed expert.Callable source. Create one per expert
// id and bind it with expert.Expert.Load(adapter.Call).
type Adapter struct {
	id          string
	endpoints   []string
	healthURL   string
	counter     atomic.Uint64
	client      *http.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithTimeout overrides the HTTP client timeout (default 30s).
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.client.Timeout = d }
}

// WithEndpoints adds additional endpoints this expert id balances across.
func WithEndpoints(endpoints ...string) Option {
	return func(a *Adapter) { a.endpoints = append(a.endpoints, endpoints...) }
}

// WithHealthEndpoint sets the URL the health prober (C12) polls for this
// expert. Leaving it unset means the adapter is never probed — only
// call-path stats determine its availability.
func WithHealthEndpoint(url string) Option {
	return func(a *Adapter) { a.healthURL = url }
}

// New creates an Adapter posting to endpoint (plus any added via
// WithEndpoints) for the given expert id.
func New(id, endpoint string, opts ...Option) *Adapter {
	a := &Adapter{
		id:        id,
		endpoints: []string{endpoint},
		client:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) ID() string { return a.id }

// HealthEndpoint implements health.Probeable. An empty return means this
// adapter is excluded from probing.
func (a *Adapter) HealthEndpoint() string { return a.healthURL }

func (a *Adapter) nextEndpoint() string {
	idx := a.counter.Add(1) - 1
	return a.endpoints[idx%uint64(len(a.endpoints))]
}

// Call is an expert.Callable: it POSTs {"query": query} to the next
// endpoint in round-robin order and returns the "response" field of the
// JSON reply.
func (a *Adapter) Call(query string) (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), a.client.Timeout)
	defer cancel()

	body, err := providers.DoRequest(ctx, a.client, a.nextEndpoint()+"/v1/invoke", requestBody{Query: query}, nil)
	if err != nil {
		return "", a.classify(err)
	}

	var resp responseBody
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("httpexpert: malformed reply from %s: %w", a.id, err)
	}
	return resp.Response, nil
}

// classify turns a providers.StatusError into a ClassifiedError so callers
// can decide whether a failure is worth retrying, matching the bus
// publisher's own timeout/no-responders retry distinction.
func (a *Adapter) classify(err error) error {
	var se *providers.StatusError
	if errors.As(err, &se) {
		switch {
		case se.StatusCode == http.StatusTooManyRequests:
			return &ClassifiedError{Err: err, Class: ErrRateLimited, RetryAfter: se.RetryAfterSecs}
		case se.StatusCode >= 500:
			return &ClassifiedError{Err: err, Class: ErrTransient}
		}
	}
	return &ClassifiedError{Err: err, Class: ErrFatal}
}
