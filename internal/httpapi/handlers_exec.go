package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/jordanhubbard/ditrouter/internal/apikey"
	"github.com/jordanhubbard/ditrouter/internal/bus"
	"github.com/jordanhubbard/ditrouter/internal/expert"
)

type execRequest struct {
	Query string `json:"query"`
}

type execResponse struct {
	ExpertID  string  `json:"expert_id"`
	Response  string  `json:"response"`
	Status    string  `json:"status"`
	LatencyMs float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

// ExecHandler handles POST /v1/exec: routes the query to an expert via the
// dispatcher and records the outcome to every configured observability
// sink before responding.
func ExecHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Dispatcher == nil {
			jsonError(w, "dispatcher not configured", http.StatusServiceUnavailable)
			return
		}

		var req execRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.Query == "" {
			jsonError(w, "query required", http.StatusBadRequest)
			return
		}

		requestID := middleware.GetReqID(r.Context())
		var apiKeyID string
		if rec := apikey.FromContext(r.Context()); rec != nil {
			apiKeyID = rec.ID
		}

		start := time.Now()
		expertID, response, err := d.Dispatcher.Exec(req.Query)
		latencyMs := float64(time.Since(start).Microseconds()) / 1000.0

		resp := execResponse{
			ExpertID:  expertID,
			LatencyMs: latencyMs,
		}

		success := err == nil
		errorClass := classifyExecError(err)
		if success {
			resp.Status = "SUCCESS"
			resp.Response = response
		} else {
			resp.Status = "ERROR"
			resp.Error = err.Error()
		}

		recordObservability(d, observeParams{
			Ctx:        r.Context(),
			ExpertID:   expertID,
			Success:    success,
			LatencyMs:  int64(latencyMs),
			ErrorClass: errorClass,
			ErrorMsg:   resp.Error,
			RequestID:  requestID,
			APIKeyID:   apiKeyID,
		})

		w.Header().Set("Content-Type", "application/json")
		if !success {
			w.WriteHeader(http.StatusBadGateway)
		}
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// classifyExecError buckets a dispatch failure for the request log and
// metrics, distinguishing the bus's own retry/no-responders/circuit-open
// outcomes from an expert's own error reply.
func classifyExecError(err error) string {
	if err == nil {
		return ""
	}
	var timeoutErr *bus.TimeoutError
	var noRespondersErr *bus.NoRespondersError
	var circuitOpenErr *bus.CircuitOpenError
	switch {
	case errors.As(err, &timeoutErr):
		return "timeout"
	case errors.As(err, &noRespondersErr):
		return "no_responders"
	case errors.As(err, &circuitOpenErr):
		return "circuit_open"
	case errors.Is(err, expert.ErrNotReady):
		return "not_ready"
	default:
		return "remote_error"
	}
}
