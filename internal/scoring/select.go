package scoring

import (
	"sort"
	"strings"
)

// Scorer selects the best candidate for a requester and remembers pairings.
type Scorer struct {
	history *History
}

// NewScorer creates a Scorer whose recent-match history holds historySize
// partners per participant.
func NewScorer(historySize int) *Scorer {
	return &Scorer{history: NewHistory(historySize)}
}

// History exposes the recent-match history.
func (s *Scorer) History() *History {
	return s.history
}

// Ranked is a candidate with its score.
type Ranked struct {
	Candidate *Candidate
	Score     float64
}

// Eligible reports whether requester and candidate may be paired at all:
// neither blocked the other, the candidate is not a recent partner and the
// hard preferences hold in both directions.
func (s *Scorer) Eligible(requesterID string, requester *Profile, c *Candidate) bool {
	if c.ID == requesterID {
		return false
	}
	if requester.Blocks(c.ID) || c.Profile.Blocks(requesterID) {
		return false
	}
	if s.history.Contains(requesterID, c.ID) {
		return false
	}
	return HardFiltersHold(requester, &c.Profile)
}

// HardFiltersHold checks the symmetric hard preferences: each party's age
// lies within the other's accepted range, and chat types are compatible.
func HardFiltersHold(a, b *Profile) bool {
	if !a.acceptsAge(b.Age) || !b.acceptsAge(a.Age) {
		return false
	}
	return compatible(a.ChatType, b.ChatType)
}

// Rank filters candidates and returns the eligible ones ordered by score,
// highest first. Ties keep the input order, so a pool in arrival order stays
// first-come-first-served among equals.
func (s *Scorer) Rank(requesterID string, requester *Profile, candidates []*Candidate) []Ranked {
	ranked := make([]Ranked, 0, len(candidates))
	for _, c := range candidates {
		if c == nil || !s.Eligible(requesterID, requester, c) {
			continue
		}
		ranked = append(ranked, Ranked{Candidate: c, Score: Score(requester, &c.Profile)})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	return ranked
}

// SelectBestMatch returns the highest scoring eligible candidate, or nil.
func (s *Scorer) SelectBestMatch(requesterID string, requester *Profile, candidates []*Candidate) *Candidate {
	ranked := s.Rank(requesterID, requester, candidates)
	if len(ranked) == 0 {
		return nil
	}
	return ranked[0].Candidate
}

// SelectFirst returns the first eligible candidate in input order, or nil.
func (s *Scorer) SelectFirst(requesterID string, requester *Profile, candidates []*Candidate) *Candidate {
	for _, c := range candidates {
		if c != nil && s.Eligible(requesterID, requester, c) {
			return c
		}
	}
	return nil
}

// RecordMatch pushes a and b into each other's recent-match history.
func (s *Scorer) RecordMatch(a, b string) {
	s.history.Record(a, b)
}

// Forget drops id's history.
func (s *Scorer) Forget(id string) {
	s.history.Forget(id)
}

// SharedInterests returns the interests present in both lists, lower-cased
// and sorted.
func SharedInterests(a, b []string) []string {
	setB := normalizedSet(b)
	var shared []string
	for k := range normalizedSet(a) {
		if setB[k] {
			shared = append(shared, k)
		}
	}
	sort.Strings(shared)
	return shared
}

// NormalizeInterests trims, lower-cases and de-duplicates interest tags.
func NormalizeInterests(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, it := range in {
		it = strings.ToLower(strings.TrimSpace(it))
		if it == "" || seen[it] {
			continue
		}
		seen[it] = true
		out = append(out, it)
	}
	return out
}
