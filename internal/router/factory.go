package router

import "fmt"

// StrategyName identifies a constructible routing strategy, mirroring the
// "strategy" field accepted by POST /v1/router.
const (
	StrategyRoundRobin       = "round_robin"
	StrategyDomain           = "domain"
	StrategyDomainSimplified = "domain_simplified"
	StrategyEmbedding        = "embedding"
	StrategyLoadAware        = "load_aware"
)

// Build constructs a Router for the given strategy name over experts. descriptors
// is required for domain/domain_simplified; enc is required for embedding; stats
// is required for load_aware (wrapping baseStrategy, itself built the same way).
// Unknown strategies or missing dependencies return an error rather than
// silently falling back, so a bad config.json or /v1/router body fails loudly.
func Build(strategy, baseStrategy string, experts []string, descriptors map[string][]string, enc Encoder, stats StatsReader) (Router, error) {
	switch strategy {
	case StrategyRoundRobin, "":
		return NewRoundRobin(experts), nil
	case StrategyDomain:
		if descriptors == nil {
			return nil, fmt.Errorf("router: strategy %q requires expert descriptors", strategy)
		}
		return NewDomainTally(experts, descriptors), nil
	case StrategyDomainSimplified:
		if descriptors == nil {
			return nil, fmt.Errorf("router: strategy %q requires expert descriptors", strategy)
		}
		return NewDomainFirstMatch(experts, descriptors), nil
	case StrategyEmbedding:
		if enc == nil {
			return nil, fmt.Errorf("router: strategy %q requires an embedding encoder", strategy)
		}
		return NewEmbedding(experts, enc), nil
	case StrategyLoadAware:
		if stats == nil {
			return nil, fmt.Errorf("router: strategy %q requires a stats reader", strategy)
		}
		base, err := Build(baseStrategy, "", experts, descriptors, enc, nil)
		if err != nil {
			return nil, fmt.Errorf("router: building base strategy for load_aware: %w", err)
		}
		return NewLoadAware(base, experts, stats), nil
	default:
		return nil, fmt.Errorf("router: unknown strategy %q", strategy)
	}
}
