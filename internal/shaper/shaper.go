// Package shaper implements the Traffic Shaper of spec.md §4.K: weighted
// and sticky routing across a deploy's currently active traffic rules.
//
// The sticky-key hash uses hash/fnv (fnv-64a), the same stdlib hash the
// AleutianLocal example repo's trace fingerprinting reaches for — a
// classical, deterministic, allocation-free rolling hash that is stable
// across process restarts, which is exactly the property spec.md §4.K
// requires of the sticky-routing hash.
package shaper

import (
	"hash/fnv"
	"math/rand"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/chris-pardy/avaast/internal/record"
)

// TotalWeightBP is the fixed sum every rule set must add up to.
const TotalWeightBP = 10000

// Rule is one weighted route to a deployed ResourceRef.
type Rule struct {
	Deploy   record.ResourceRef `json:"deploy"`
	WeightBP int                `json:"weightBP"`
}

// Shaper holds the current traffic rule set and selects a deploy per
// request.
type Shaper struct {
	mu    sync.RWMutex
	rules []Rule // sorted by WeightBP desc
}

// New returns a Shaper with no rules; SelectDeploy reports "no selection"
// until UpdateRules is called.
func New() *Shaper {
	return &Shaper{}
}

// UpdateRules replaces the rule set wholesale. It rejects sets that do not
// sum to TotalWeightBP (spec.md §4.K); an empty set is accepted (it yields
// "no selection").
func (s *Shaper) UpdateRules(rules []Rule) error {
	if len(rules) > 0 {
		sum := 0
		for _, r := range rules {
			sum += r.WeightBP
		}
		if sum != TotalWeightBP {
			return errors.Errorf("shaper: rule weights sum to %d, want %d", sum, TotalWeightBP)
		}
	}
	sorted := make([]Rule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].WeightBP > sorted[j].WeightBP })

	s.mu.Lock()
	s.rules = sorted
	s.mu.Unlock()
	return nil
}

// Rules returns a copy of the current sorted rule set.
func (s *Shaper) Rules() []Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Rule, len(s.rules))
	copy(out, s.rules)
	return out
}

// SelectDeploy picks the deploy that should serve the next request. With
// zero rules it returns ok=false (the caller reports ServiceUnavailable).
// With one rule it returns that rule's deploy unconditionally. With many
// rules it computes a value in [0, TotalWeightBP) — deterministically from
// stickyKey via StickyHash when non-empty, otherwise uniformly at random —
// and walks the sorted rules accumulating weight until the cumulative span
// covers the value.
func (s *Shaper) SelectDeploy(stickyKey string) (record.ResourceRef, bool) {
	s.mu.RLock()
	rules := s.rules
	s.mu.RUnlock()

	switch len(rules) {
	case 0:
		return record.ResourceRef{}, false
	case 1:
		return rules[0].Deploy, true
	}

	var value int
	if stickyKey != "" {
		value = int(StickyHash(stickyKey) % TotalWeightBP)
	} else {
		value = rand.Intn(TotalWeightBP)
	}
	cumulative := 0
	for _, r := range rules {
		cumulative += r.WeightBP
		if value < cumulative {
			return r.Deploy, true
		}
	}
	// Rounding cannot leave value uncovered since weights sum to
	// TotalWeightBP, but fall back to the last rule defensively.
	return rules[len(rules)-1].Deploy, true
}

// StickyHash is the classical rolling hash spec.md §4.K requires: fnv-64a
// over the raw bytes, deterministic and stable across restarts.
func StickyHash(key string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return h.Sum64()
}
