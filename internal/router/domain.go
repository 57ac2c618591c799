package router

import "strings"

// domainIndex maps an unambiguous descriptor keyword to the single expert
// it identifies. A descriptor claimed by more than one expert becomes
// ambiguous and is excluded from lookup entirely, per §3's domain index
// rule.
type domainIndex struct {
	lookup    map[string]string
	ambiguous map[string]struct{}
}

func buildDomainIndex(descriptors map[string][]string) domainIndex {
	idx := domainIndex{
		lookup:    make(map[string]string),
		ambiguous: make(map[string]struct{}),
	}
	for expert, words := range descriptors {
		for _, word := range words {
			if _, claimed := idx.lookup[word]; claimed {
				delete(idx.lookup, word)
				idx.ambiguous[word] = struct{}{}
				continue
			}
			if _, amb := idx.ambiguous[word]; amb {
				continue
			}
			idx.lookup[word] = expert
		}
	}
	return idx
}

func (d domainIndex) resolve(word string) (string, bool) {
	if _, amb := d.ambiguous[word]; amb {
		return "", false
	}
	expert, ok := d.lookup[word]
	return expert, ok
}

// DomainTally routes by tallying, per query token, which expert's
// descriptor it matches, and returning the expert with the highest tally.
// Ties are broken by the registration order of experts, not by token
// order. Falls back if every tally is zero.
type DomainTally struct {
	experts []string
	index   domainIndex
}

// NewDomainTally builds a tally router. descriptors maps each expert id to
// its list of keyword descriptors (§3 domain index).
func NewDomainTally(experts []string, descriptors map[string][]string) *DomainTally {
	return &DomainTally{
		experts: cloneExperts(experts),
		index:   buildDomainIndex(descriptors),
	}
}

func (r *DomainTally) Route(query string) string {
	tallies := make(map[string]int, len(r.experts))
	for _, word := range strings.Fields(query) {
		if expert, ok := r.index.resolve(word); ok {
			tallies[expert]++
		}
	}

	best, bestCount := "", 0
	for _, expert := range r.experts {
		if tallies[expert] > bestCount {
			best, bestCount = expert, tallies[expert]
		}
	}
	if best == "" {
		return fallback(r.experts)
	}
	return best
}

// DomainFirstMatch scans query tokens left to right and returns the first
// expert whose unambiguous descriptor appears, skipping the tally step
// DomainTally performs.
type DomainFirstMatch struct {
	experts []string
	index   domainIndex
}

// NewDomainFirstMatch builds a first-match domain router.
func NewDomainFirstMatch(experts []string, descriptors map[string][]string) *DomainFirstMatch {
	return &DomainFirstMatch{
		experts: cloneExperts(experts),
		index:   buildDomainIndex(descriptors),
	}
}

func (r *DomainFirstMatch) Route(query string) string {
	for _, word := range strings.Fields(query) {
		if expert, ok := r.index.resolve(word); ok {
			return expert
		}
	}
	return fallback(r.experts)
}
