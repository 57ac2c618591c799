package router

// StatsReader is the subset of stats.Tracker the load-aware wrapper needs.
// Declared here (rather than importing internal/stats directly) so router
// stays free of a dependency on the tracker's concrete type and is easy to
// drive in tests with a fake.
type StatsReader interface {
	IsRateLimited(expertID string) bool
	ErrorRate(expertID string) float64
	LatencyEMA(expertID string) float64
}

const (
	defaultErrorRateThreshold = 0.5

	rateLimitPenalty = 10000.0
	errorRatePenalty = 5000.0
)

// LoadAware wraps a base router and steers traffic away from experts that
// are rate-limited or erroring heavily, falling back to the base router's
// own fallback only when every expert is degraded.
type LoadAware struct {
	base               Router
	experts            []string
	stats              StatsReader
	errorRateThreshold float64
}

// LoadAwareOption configures a LoadAware router at construction.
type LoadAwareOption func(*LoadAware)

// WithErrorRateThreshold overrides the default 0.5 error-rate-unavailable
// threshold.
func WithErrorRateThreshold(threshold float64) LoadAwareOption {
	return func(l *LoadAware) { l.errorRateThreshold = threshold }
}

// NewLoadAware wraps base with live health awareness, reading from stats.
func NewLoadAware(base Router, experts []string, stats StatsReader, opts ...LoadAwareOption) *LoadAware {
	l := &LoadAware{
		base:               base,
		experts:            cloneExperts(experts),
		stats:              stats,
		errorRateThreshold: defaultErrorRateThreshold,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *LoadAware) available(expert string) bool {
	if l.stats.IsRateLimited(expert) {
		return false
	}
	return l.stats.ErrorRate(expert) < l.errorRateThreshold
}

func (l *LoadAware) loadScore(expert string) float64 {
	score := l.stats.LatencyEMA(expert)
	if l.stats.IsRateLimited(expert) {
		score += rateLimitPenalty
	}
	if l.stats.ErrorRate(expert) >= l.errorRateThreshold {
		score += errorRatePenalty
	}
	return score
}

func (l *LoadAware) Route(query string) string {
	preferred := l.base.Route(query)
	if l.available(preferred) {
		return preferred
	}

	best, bestScore, found := "", 0.0, false
	for _, expert := range l.experts {
		if expert == preferred || !l.available(expert) {
			continue
		}
		score := l.loadScore(expert)
		if !found || score < bestScore {
			best, bestScore, found = expert, score, true
		}
	}
	if found {
		return best
	}
	return fallback(l.experts)
}
