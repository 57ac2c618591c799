package router

import "testing"

func TestRoundRobinCyclesInOrder(t *testing.T) {
	r := NewRoundRobin([]string{"A", "B", "C"})
	got := []string{r.Route("x"), r.Route("x"), r.Route("x"), r.Route("x")}
	want := []string{"A", "B", "C", "A"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("call %d: got %s, want %s", i, got[i], want[i])
		}
	}
}

func TestRoundRobinIgnoresQueryContent(t *testing.T) {
	r := NewRoundRobin([]string{"A", "B"})
	first := r.Route("anything")
	r2 := NewRoundRobin([]string{"A", "B"})
	second := r2.Route("completely different query")
	if first != second {
		t.Fatalf("round robin must not depend on query text: got %s and %s", first, second)
	}
}
