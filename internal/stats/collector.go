package stats

import (
	"sort"
	"sync"
	"time"
)

// HistogramPoint is a single request outcome recorded for windowed
// aggregation, distinct from the live per-expert counters in tracker.go:
// the Tracker answers "how is this expert doing right now", the Collector
// answers "how did requests look over the last hour" by replaying a log of
// individual samples against arbitrary windows.
type HistogramPoint struct {
	Timestamp time.Time
	ExpertID  string
	LatencyMs float64
	Success   bool
}

// Window defines a named time window for aggregation.
type Window struct {
	Name     string
	Duration time.Duration
}

// DefaultWindows returns the standard set of rolling windows.
func DefaultWindows() []Window {
	return []Window{
		{Name: "1m", Duration: time.Minute},
		{Name: "5m", Duration: 5 * time.Minute},
		{Name: "1h", Duration: time.Hour},
		{Name: "24h", Duration: 24 * time.Hour},
	}
}

// Aggregate holds computed stats for a time window, optionally scoped to a
// single expert (ExpertID empty means "across all experts").
type Aggregate struct {
	Window       string  `json:"window"`
	ExpertID     string  `json:"expert_id,omitempty"`
	RequestCount int     `json:"request_count"`
	ErrorCount   int     `json:"error_count"`
	ErrorRate    float64 `json:"error_rate"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
	P95LatencyMs float64 `json:"p95_latency_ms"`
}

// Collector maintains a rolling log of request outcomes for windowed
// aggregation (e.g. the HTTP API's GET /v1/stats/history?window=1h),
// separate from the live, always-current view Tracker.Snapshot provides.
type Collector struct {
	mu      sync.RWMutex
	points  []HistogramPoint
	maxAge  time.Duration // oldest point to keep
	windows []Window
}

// NewCollector creates a new stats collector.
func NewCollector() *Collector {
	return &Collector{
		windows: DefaultWindows(),
		maxAge:  25 * time.Hour, // keep slightly more than largest window
	}
}

// Record adds a new outcome to the log.
func (c *Collector) Record(p HistogramPoint) {
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now().UTC()
	}
	c.mu.Lock()
	c.points = append(c.points, p)
	c.mu.Unlock()
}

// Seed bulk-loads historical points (on startup, from the store's request
// logs via the server's seedStatsFromDB) so
// the dashboard is not blank after a restart.
func (c *Collector) Seed(points []HistogramPoint) {
	c.mu.Lock()
	c.points = append(c.points, points...)
	c.mu.Unlock()
}

// Prune removes points older than maxAge.
func (c *Collector) Prune() {
	cutoff := time.Now().Add(-c.maxAge)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneLocked(cutoff)
}

// pruneLocked removes expired points. Caller must hold c.mu (write lock).
func (c *Collector) pruneLocked(cutoff time.Time) {
	i := 0
	for i < len(c.points) && c.points[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		c.points = c.points[i:]
	}
}

// pointsAfterPrune acquires a write lock, prunes expired points, and returns
// a copy of what remains. This avoids the lock gap that would exist if
// Prune() and a read lock were acquired separately.
func (c *Collector) pointsAfterPrune() []HistogramPoint {
	cutoff := time.Now().Add(-c.maxAge)
	c.mu.Lock()
	c.pruneLocked(cutoff)
	cp := make([]HistogramPoint, len(c.points))
	copy(cp, c.points)
	c.mu.Unlock()
	return cp
}

// Summary returns aggregated stats for all windows grouped by expert.
func (c *Collector) Summary() map[string][]Aggregate {
	points := c.pointsAfterPrune()

	now := time.Now()
	result := make(map[string][]Aggregate)

	for _, w := range c.windows {
		cutoff := now.Add(-w.Duration)

		byExpert := make(map[string][]HistogramPoint)
		for _, p := range points {
			if p.Timestamp.After(cutoff) {
				byExpert[p.ExpertID] = append(byExpert[p.ExpertID], p)
			}
		}

		for expertID, pts := range byExpert {
			result[w.Name] = append(result[w.Name], computeAggregate(w.Name, expertID, pts))
		}
	}

	return result
}

// Global returns aggregate stats across all experts.
func (c *Collector) Global() []Aggregate {
	points := c.pointsAfterPrune()

	now := time.Now()
	var result []Aggregate

	for _, w := range c.windows {
		cutoff := now.Add(-w.Duration)
		var pts []HistogramPoint
		for _, p := range points {
			if p.Timestamp.After(cutoff) {
				pts = append(pts, p)
			}
		}
		if len(pts) > 0 {
			result = append(result, computeAggregate(w.Name, "", pts))
		}
	}

	return result
}

// PointCount returns the total number of stored points.
func (c *Collector) PointCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.points)
}

func computeAggregate(window, expertID string, pts []HistogramPoint) Aggregate {
	a := Aggregate{
		Window:       window,
		ExpertID:     expertID,
		RequestCount: len(pts),
	}

	var totalLatency float64
	latencies := make([]float64, 0, len(pts))

	for _, p := range pts {
		totalLatency += p.LatencyMs
		latencies = append(latencies, p.LatencyMs)
		if !p.Success {
			a.ErrorCount++
		}
	}

	if a.RequestCount > 0 {
		a.AvgLatencyMs = totalLatency / float64(a.RequestCount)
		a.ErrorRate = float64(a.ErrorCount) / float64(a.RequestCount)
	}

	sort.Float64s(latencies)
	if len(latencies) > 0 {
		idx := int(float64(len(latencies)) * 0.95)
		if idx >= len(latencies) {
			idx = len(latencies) - 1
		}
		a.P95LatencyMs = latencies[idx]
	}

	return a
}
