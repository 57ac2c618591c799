// Package router implements the family of routing strategies that select
// an expert id for a query, behind one uniform contract so the dispatcher
// can hot-swap strategies at runtime.
package router

// Router is the common contract every strategy implements. route must
// always return a registered expert id — never an empty string or an id
// outside the set the router was constructed over.
type Router interface {
	Route(query string) string
}

// fallback returns an arbitrary registered expert, used on degenerate
// inputs (empty tallies, no domain match, etc). Per the resolved open
// question in the design notes, "arbitrary" means the first expert in the
// router's declared registration order — deterministic, not random.
func fallback(experts []string) string {
	return experts[0]
}

// cloneExperts defensively copies the expert id slice passed to a
// constructor so a caller mutating its own slice afterward cannot corrupt
// router state.
func cloneExperts(experts []string) []string {
	out := make([]string, len(experts))
	copy(out, experts)
	return out
}
