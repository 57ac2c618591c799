package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/jordanhubbard/ditrouter/internal/events"
	"github.com/jordanhubbard/ditrouter/internal/router"
	"github.com/jordanhubbard/ditrouter/internal/store"
)

type routerSwapRequest struct {
	Strategy     string `json:"strategy"`
	BaseStrategy string `json:"base_strategy,omitempty"`
}

// RouterGetHandler handles GET /v1/router — the active routing strategy.
func RouterGetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Store == nil {
			_ = json.NewEncoder(w).Encode(store.RoutingConfig{})
			return
		}
		cfg, err := d.Store.LoadRoutingConfig(r.Context())
		if err != nil {
			jsonError(w, "store error: "+err.Error(), http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(cfg)
	}
}

// RouterSetHandler handles POST /v1/router — hot-swaps the dispatcher's
// routing strategy, persists the new default, and publishes a
// router_swapped event.
func RouterSetHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Dispatcher == nil {
			jsonError(w, "dispatcher not configured", http.StatusServiceUnavailable)
			return
		}

		var req routerSwapRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "bad json", http.StatusBadRequest)
			return
		}

		experts := d.Table.IDs()
		if len(experts) == 0 {
			jsonError(w, "no experts registered", http.StatusConflict)
			return
		}

		var descriptors map[string][]string
		if d.Descriptors != nil {
			descriptors = d.Descriptors.Snapshot()
		}

		newRouter, err := router.Build(req.Strategy, req.BaseStrategy, experts, descriptors, d.Encoder, d.StatsTracker)
		if err != nil {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}

		d.Dispatcher.SetRouter(newRouter)

		cfg := store.RoutingConfig{Strategy: req.Strategy, BaseStrategy: req.BaseStrategy}
		if d.Store != nil {
			if err := d.Store.SaveRoutingConfig(r.Context(), cfg); err != nil {
				jsonError(w, "store error: "+err.Error(), http.StatusInternalServerError)
				return
			}
			warnOnErr("audit", d.Store.LogAudit(r.Context(), store.AuditEntry{
				Timestamp: time.Now().UTC(),
				Action:    "router.swap",
				Resource:  req.Strategy,
				RequestID: middleware.GetReqID(r.Context()),
			}))
		}

		if d.EventBus != nil {
			d.EventBus.Publish(events.Event{
				Type:     events.EventRouterSwapped,
				Strategy: req.Strategy,
			})
		}

		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "strategy": req.Strategy})
	}
}
