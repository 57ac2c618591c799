package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// statsResponse is returned by GET /v1/stats: the live per-expert view from
// the stats tracker alongside the rolling-window aggregates from the
// collector (empty if either subsystem isn't wired).
type statsResponse struct {
	Experts map[string]any `json:"experts"`
	Global  any            `json:"global"`
}

// StatsHandler handles GET /v1/stats.
func StatsHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := statsResponse{Experts: map[string]any{}, Global: []any{}}
		if d.StatsTracker != nil {
			for id, snap := range d.StatsTracker.Snapshot() {
				resp.Experts[id] = snap
			}
		}
		if d.Stats != nil {
			resp.Global = d.Stats.Global()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

// StatsHistoryHandler handles GET /v1/stats/history?window=1h — windowed
// aggregates per expert from the stats collector. window must name one of
// the collector's configured windows (1m, 5m, 1h, 24h); omitted returns
// every window.
func StatsHistoryHandler(d Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if d.Stats == nil {
			_ = json.NewEncoder(w).Encode(map[string]any{"windows": map[string]any{}})
			return
		}
		all := d.Stats.Summary()
		window := r.URL.Query().Get("window")
		if window == "" {
			_ = json.NewEncoder(w).Encode(map[string]any{"windows": all})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"windows": map[string]any{window: all[window]}})
	}
}

// parseUnixOrRFC3339 parses a time query param in either RFC3339 or
// unix-millis form, matching the format the tsdb handlers already accept.
func parseUnixOrRFC3339(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms), true
	}
	return time.Time{}, false
}
