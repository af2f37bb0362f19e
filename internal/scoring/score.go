package scoring

import (
	"math"
	"strings"
	"time"
)

// Factor weights. They sum to 1 so the weighted score stays in [0,1].
const (
	WeightInterests    = 0.30
	WeightLocation     = 0.20
	WeightLanguage     = 0.20
	WeightAvailability = 0.15
	WeightPreferences  = 0.15
)

// availabilityWindow is the join-time gap at which availability drops to 0.
const availabilityWindow = 5 * time.Minute

// majorLanguages earn the full language score when shared.
var majorLanguages = map[string]bool{
	"en": true,
	"es": true,
	"fr": true,
	"de": true,
	"zh": true,
	"pt": true,
	"ru": true,
	"ja": true,
}

// Breakdown carries the individual factor values of a score.
type Breakdown struct {
	Interests    float64
	Location     float64
	Language     float64
	Availability float64
	Preferences  float64
	Total        float64
}

// Score returns the weighted compatibility of a and b, rounded to two
// decimals. It is symmetric and deterministic.
func Score(a, b *Profile) float64 {
	return Explain(a, b).Total
}

// Explain returns the factor breakdown behind Score.
func Explain(a, b *Profile) Breakdown {
	bd := Breakdown{
		Interests:    InterestSimilarity(a.Interests, b.Interests),
		Location:     LocationSimilarity(a, b),
		Language:     LanguageSimilarity(a.Languages, b.Languages),
		Availability: AvailabilitySimilarity(a.JoinedAt, b.JoinedAt),
		Preferences:  PreferenceSimilarity(a, b),
	}
	total := bd.Interests*WeightInterests +
		bd.Location*WeightLocation +
		bd.Language*WeightLanguage +
		bd.Availability*WeightAvailability +
		bd.Preferences*WeightPreferences
	bd.Total = math.Round(total*100) / 100
	return bd
}

// InterestSimilarity is the Jaccard index of the two interest sets.
func InterestSimilarity(a, b []string) float64 {
	setA := normalizedSet(a)
	setB := normalizedSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 0
	}

	shared := 0
	for k := range setA {
		if setB[k] {
			shared++
		}
	}
	union := len(setA) + len(setB) - shared
	return float64(shared) / float64(union)
}

// LocationSimilarity adds 0.4 for the same country, 0.3 for the same city and
// 0.3 for the same timezone, capped at 1.
func LocationSimilarity(a, b *Profile) float64 {
	score := 0.0
	if sameNonEmpty(a.Country, b.Country) {
		score += 0.4
	}
	if sameNonEmpty(a.City, b.City) {
		score += 0.3
	}
	if sameNonEmpty(a.Timezone, b.Timezone) {
		score += 0.3
	}
	return math.Min(score, 1)
}

// LanguageSimilarity is 0 without a shared language, 1 when a shared
// language is a major one and 0.7 otherwise.
func LanguageSimilarity(a, b []string) float64 {
	setB := normalizedSet(b)
	shared := false
	for k := range normalizedSet(a) {
		if !setB[k] {
			continue
		}
		if majorLanguages[k] {
			return 1
		}
		shared = true
	}
	if shared {
		return 0.7
	}
	return 0
}

// AvailabilitySimilarity decays linearly with the join-time gap and reaches
// 0 at five minutes.
func AvailabilitySimilarity(a, b time.Time) float64 {
	gap := a.Sub(b)
	if gap < 0 {
		gap = -gap
	}
	return 1 - math.Min(1, float64(gap)/float64(availabilityWindow))
}

// PreferenceSimilarity averages session-length, maturity and chat-type
// compatibility.
func PreferenceSimilarity(a, b *Profile) float64 {
	total := 0.0
	if compatible(a.SessionLength, b.SessionLength) {
		total++
	}
	if compatible(a.Maturity, b.Maturity) {
		total++
	}
	if compatible(a.ChatType, b.ChatType) {
		total++
	}
	return total / 3
}

// compatible treats empty values as the wildcard.
func compatible(a, b string) bool {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	if a == "" || b == "" || a == Wildcard || b == Wildcard {
		return true
	}
	return a == b
}

func sameNonEmpty(a, b string) bool {
	a = strings.ToLower(strings.TrimSpace(a))
	b = strings.ToLower(strings.TrimSpace(b))
	return a != "" && a == b
}

func normalizedSet(items []string) map[string]bool {
	set := make(map[string]bool, len(items))
	for _, it := range items {
		it = strings.ToLower(strings.TrimSpace(it))
		if it != "" {
			set[it] = true
		}
	}
	return set
}
