package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/jordanhubbard/ditrouter/internal/events"
	"github.com/jordanhubbard/ditrouter/internal/stats"
	"github.com/jordanhubbard/ditrouter/internal/store"
	"github.com/jordanhubbard/ditrouter/internal/tsdb"
)

// jsonError writes a JSON-encoded error response with the given status code.
// Response body format: {"error": "<msg>"}
func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

// warnOnErr logs err at warn level with a short label, if non-nil. Used at
// call sites where a write to a secondary sink (audit log, vault blob,
// request log) failing shouldn't fail the caller's HTTP response.
func warnOnErr(label string, err error) {
	if err != nil {
		slog.Warn("non-fatal write failed", slog.String("op", label), slog.String("error", err.Error()))
	}
}

// observeParams captures the fields of a completed dispatcher.Exec call
// needed to record it across the Store, Metrics, EventBus, Stats, Health,
// and TSDB subsystems.
type observeParams struct {
	Ctx context.Context

	ExpertID   string
	Success    bool
	LatencyMs  int64
	ErrorClass string
	ErrorMsg   string

	RequestID string
	APIKeyID  string
}

// recordObservability writes a completed request's outcome to every
// configured observability sink. Each subsystem is skipped when its
// Dependencies field is nil, so a minimal wiring (just a dispatcher, no
// store/metrics) still runs.
func recordObservability(d Dependencies, p observeParams) {
	status := "SUCCESS"
	if !p.Success {
		status = "ERROR"
	}

	if d.Metrics != nil {
		d.Metrics.RequestsTotal.WithLabelValues(p.ExpertID, status).Inc()
		d.Metrics.RequestLatency.WithLabelValues(p.ExpertID).Observe(float64(p.LatencyMs))
	}

	if d.Store != nil {
		warnOnErr("log_request", d.Store.LogRequest(p.Ctx, store.RequestLog{
			Timestamp:  time.Now().UTC(),
			ExpertID:   p.ExpertID,
			Status:     status,
			LatencyMs:  p.LatencyMs,
			ErrorClass: p.ErrorClass,
			RequestID:  p.RequestID,
			APIKeyID:   p.APIKeyID,
		}))
	}

	if d.EventBus != nil {
		if p.Success {
			d.EventBus.Publish(events.Event{
				Type:      events.EventRouteSuccess,
				ExpertID:  p.ExpertID,
				RequestID: p.RequestID,
				LatencyMs: float64(p.LatencyMs),
			})
		} else {
			d.EventBus.Publish(events.Event{
				Type:      events.EventRouteError,
				ExpertID:  p.ExpertID,
				RequestID: p.RequestID,
				LatencyMs: float64(p.LatencyMs),
				ErrorMsg:  p.ErrorMsg,
			})
		}
	}

	if d.Stats != nil {
		d.Stats.Record(stats.HistogramPoint{
			Timestamp: time.Now().UTC(),
			ExpertID:  p.ExpertID,
			LatencyMs: float64(p.LatencyMs),
			Success:   p.Success,
		})
	}

	if d.Health != nil {
		if p.Success {
			d.Health.RecordSuccess(p.ExpertID, float64(p.LatencyMs))
		} else {
			d.Health.RecordError(p.ExpertID, p.ErrorMsg)
		}
	}

	if d.TSDB != nil {
		d.TSDB.Write(tsdb.Point{
			Timestamp: time.Now().UTC(),
			Metric:    "latency_ms",
			ExpertID:  p.ExpertID,
			Value:     float64(p.LatencyMs),
		})
	}
}
