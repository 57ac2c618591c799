package stats

import (
	"testing"
	"time"
)

func TestRecordAndGlobal(t *testing.T) {
	c := NewCollector()
	now := time.Now()

	c.Record(HistogramPoint{Timestamp: now, ExpertID: "payments", LatencyMs: 100, Success: true})
	c.Record(HistogramPoint{Timestamp: now, ExpertID: "legal", LatencyMs: 200, Success: true})

	global := c.Global()
	if len(global) == 0 {
		t.Fatal("expected global aggregates")
	}

	found := false
	for _, a := range global {
		if a.Window == "1m" {
			found = true
			if a.RequestCount != 2 {
				t.Errorf("expected 2 requests, got %d", a.RequestCount)
			}
			if a.AvgLatencyMs != 150 {
				t.Errorf("expected avg latency 150, got %.1f", a.AvgLatencyMs)
			}
		}
	}
	if !found {
		t.Error("expected 1m window in global stats")
	}
}

func TestSummaryByExpert(t *testing.T) {
	c := NewCollector()
	now := time.Now()

	c.Record(HistogramPoint{Timestamp: now, ExpertID: "payments", LatencyMs: 100, Success: true})
	c.Record(HistogramPoint{Timestamp: now, ExpertID: "payments", LatencyMs: 200, Success: false})
	c.Record(HistogramPoint{Timestamp: now, ExpertID: "legal", LatencyMs: 50, Success: true})

	summary := c.Summary()
	oneMin, ok := summary["1m"]
	if !ok {
		t.Fatal("expected 1m window")
	}

	if len(oneMin) != 2 {
		t.Fatalf("expected 2 expert groups, got %d", len(oneMin))
	}

	for _, a := range oneMin {
		if a.ExpertID == "payments" {
			if a.RequestCount != 2 {
				t.Errorf("expected 2 requests for payments, got %d", a.RequestCount)
			}
			if a.ErrorCount != 1 {
				t.Errorf("expected 1 error for payments, got %d", a.ErrorCount)
			}
			if a.ErrorRate != 0.5 {
				t.Errorf("expected 0.5 error rate, got %.2f", a.ErrorRate)
			}
		}
	}
}

func TestPrune(t *testing.T) {
	c := NewCollector()
	c.maxAge = time.Second // short window for testing

	old := time.Now().Add(-2 * time.Second)
	recent := time.Now()

	c.Record(HistogramPoint{Timestamp: old, ExpertID: "old", Success: true})
	c.Record(HistogramPoint{Timestamp: recent, ExpertID: "new", Success: true})

	c.Prune()

	if c.PointCount() != 1 {
		t.Errorf("expected 1 point after prune, got %d", c.PointCount())
	}
}

func TestP95Latency(t *testing.T) {
	c := NewCollector()
	now := time.Now()

	// 20 samples: 19 fast (10ms) + 1 slow (500ms).
	for i := 0; i < 19; i++ {
		c.Record(HistogramPoint{Timestamp: now, ExpertID: "payments", LatencyMs: 10, Success: true})
	}
	c.Record(HistogramPoint{Timestamp: now, ExpertID: "payments", LatencyMs: 500, Success: true})

	global := c.Global()
	for _, a := range global {
		if a.Window == "1m" {
			if a.P95LatencyMs != 500 {
				t.Errorf("expected p95=500, got %.1f", a.P95LatencyMs)
			}
		}
	}
}

func TestEmptyCollector(t *testing.T) {
	c := NewCollector()
	global := c.Global()
	if len(global) != 0 {
		t.Errorf("expected empty global, got %d", len(global))
	}
}
