package router

import "testing"

type fakeStats struct {
	rateLimited map[string]bool
	errorRate   map[string]float64
	latencyEMA  map[string]float64
}

func (f fakeStats) IsRateLimited(id string) bool { return f.rateLimited[id] }
func (f fakeStats) ErrorRate(id string) float64  { return f.errorRate[id] }
func (f fakeStats) LatencyEMA(id string) float64 { return f.latencyEMA[id] }

// constRouter always returns the same expert id, used as a deterministic
// base router to isolate load-aware overrides in tests.
type constRouter string

func (c constRouter) Route(string) string { return string(c) }

func TestLoadAwarePassesThroughWhenPreferredAvailable(t *testing.T) {
	stats := fakeStats{rateLimited: map[string]bool{}, errorRate: map[string]float64{}, latencyEMA: map[string]float64{}}
	r := NewLoadAware(constRouter("A"), []string{"A", "B", "C"}, stats)
	if got := r.Route("x"); got != "A" {
		t.Fatalf("expected preferred A when available, got %s", got)
	}
}

// Scenario 4 from the spec's worked example: base router always prefers A;
// A is rate-limited; B has high latency, C has low latency. route("x") must
// pick C.
func TestLoadAwareAvoidance(t *testing.T) {
	stats := fakeStats{
		rateLimited: map[string]bool{"A": true},
		errorRate:   map[string]float64{},
		latencyEMA:  map[string]float64{"B": 500, "C": 50},
	}
	r := NewLoadAware(constRouter("A"), []string{"A", "B", "C"}, stats)
	if got := r.Route("x"); got != "C" {
		t.Fatalf("expected C (lowest load score among available alternatives), got %s", got)
	}
}

func TestLoadAwareFallsBackWhenAllDegraded(t *testing.T) {
	stats := fakeStats{
		rateLimited: map[string]bool{"A": true, "B": true},
		errorRate:   map[string]float64{"C": 0.9},
		latencyEMA:  map[string]float64{},
	}
	r := NewLoadAware(constRouter("A"), []string{"A", "B", "C"}, stats)
	got := r.Route("x")
	if got != "A" {
		t.Fatalf("expected fallback to first registered expert A, got %s", got)
	}
}

func TestLoadAwareCustomErrorRateThreshold(t *testing.T) {
	stats := fakeStats{
		rateLimited: map[string]bool{},
		errorRate:   map[string]float64{"A": 0.2, "B": 0.05},
		latencyEMA:  map[string]float64{"B": 10},
	}
	r := NewLoadAware(constRouter("A"), []string{"A", "B"}, stats, WithErrorRateThreshold(0.1))
	if got := r.Route("x"); got != "B" {
		t.Fatalf("expected B since A's error rate 0.2 exceeds the lowered 0.1 threshold, got %s", got)
	}
}
