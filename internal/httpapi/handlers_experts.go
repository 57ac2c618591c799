package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/jordanhubbard/ditrouter/internal/expert"
	"github.com/jordanhubbard/ditrouter/internal/httpexpert"
	"github.com/jordanhubbard/ditrouter/internal/store"
	"github.com/jordanhubbard/ditrouter/internal/tracked"
)

type expertCreateRequest struct {
	ExpertID    string          `json:"expert_id"`
	Kind        string          `json:"kind"`
	Config      json.RawMessage `json:"config"`
	Descriptors []string        `json:"descriptors,omitempty"`
}

type busExpertConfig struct {
	TimeoutMs int `json:"timeout_ms,omitempty"`
}

type httpExpertConfig struct {
	Endpoint       string   `json:"endpoint"`
	Endpoints      []string `json:"endpoints,omitempty"`
	HealthEndpoint string   `json:"health_endpoint,omitempty"`
}

// ExpertsCreateHandler handles POST /v1/experts: registers a new expert
// in the live table (bus-backed or http-backed; inline experts are
// code-only and can't be constructed from a JSON body), persists the
// record, and audits the change.
func ExpertsCreateHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Table == nil {
			jsonError(w, "expert table not configured", http.StatusServiceUnavailable)
			return
		}

		var req expertCreateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.ExpertID == "" {
			jsonError(w, "expert_id required", http.StatusBadRequest)
			return
		}

		e := expert.New(req.ExpertID)

		switch req.Kind {
		case "bus":
			if d.Publisher == nil || d.StatsTracker == nil {
				jsonError(w, "bus transport not configured", http.StatusServiceUnavailable)
				return
			}
			var cfg busExpertConfig
			if len(req.Config) > 0 {
				if err := json.Unmarshal(req.Config, &cfg); err != nil {
					jsonError(w, "bad config: "+err.Error(), http.StatusBadRequest)
					return
				}
			}
			callable := tracked.New(d.Publisher, d.StatsTracker, req.ExpertID)
			e.Load(busCallable(callable, cfg))

		case "http":
			var cfg httpExpertConfig
			if err := json.Unmarshal(req.Config, &cfg); err != nil || cfg.Endpoint == "" {
				jsonError(w, "config.endpoint required for http experts", http.StatusBadRequest)
				return
			}
			opts := []httpexpert.Option{httpexpert.WithEndpoints(cfg.Endpoints...)}
			if cfg.HealthEndpoint != "" {
				opts = append(opts, httpexpert.WithHealthEndpoint(cfg.HealthEndpoint))
			}
			adapter := httpexpert.New(req.ExpertID, cfg.Endpoint, opts...)
			e.Load(adapter.Call)
			if d.Prober != nil && cfg.HealthEndpoint != "" {
				d.Prober.AddTarget(adapter)
			}

		case "inline":
			jsonError(w, "inline experts are registered at startup, not via the API", http.StatusBadRequest)
			return

		default:
			jsonError(w, "kind must be one of: bus, http, inline", http.StatusBadRequest)
			return
		}

		d.Table.Register(e)
		if d.Descriptors != nil {
			d.Descriptors.Set(req.ExpertID, req.Descriptors)
		}

		if d.Store != nil {
			rec := store.ExpertRecord{
				ExpertID: req.ExpertID,
				Kind:     req.Kind,
				Config:   string(req.Config),
				Enabled:  true,
			}
			if err := d.Store.UpsertExpert(r.Context(), rec); err != nil {
				jsonError(w, "store error: "+err.Error(), http.StatusInternalServerError)
				return
			}
			warnOnErr("audit", d.Store.LogAudit(r.Context(), store.AuditEntry{
				Timestamp: time.Now().UTC(),
				Action:    "expert.register",
				Resource:  req.ExpertID,
				Detail:    req.Kind,
				RequestID: middleware.GetReqID(r.Context()),
			}))
		}

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "expert_id": req.ExpertID})
	}
}

// ExpertsListHandler handles GET /v1/experts.
func ExpertsListHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Table == nil {
			_ = json.NewEncoder(w).Encode(map[string]any{"experts": []string{}})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"experts": d.Table.IDs()})
	}
}

// ExpertsDeleteHandler handles DELETE /v1/experts/{id}.
func ExpertsDeleteHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			jsonError(w, "expert id required", http.StatusBadRequest)
			return
		}
		if d.Table != nil {
			d.Table.Remove(id)
		}
		if d.Descriptors != nil {
			d.Descriptors.Remove(id)
		}
		if d.Store != nil {
			warnOnErr("delete_expert", d.Store.DeleteExpert(r.Context(), id))
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// busCallable adapts a tracked.Callable (which takes a context and a
// request id) into an expert.Callable (which takes neither), generating a
// fresh request id per call and bounding each call with the configured
// timeout (or the bus's own default when unset).
func busCallable(c *tracked.Callable, cfg busExpertConfig) expert.Callable {
	return func(query string) (string, error) {
		ctx := context.Background()
		var cancel context.CancelFunc
		if cfg.TimeoutMs > 0 {
			ctx, cancel = context.WithTimeout(ctx, time.Duration(cfg.TimeoutMs)*time.Millisecond)
			defer cancel()
		}
		return c.Call(ctx, query, uuid.NewString())
	}
}
