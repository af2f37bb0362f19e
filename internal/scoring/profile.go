// Package scoring ranks waiting candidates for a participant who asked for a
// match. Candidates are first filtered (blocks, recent partners, hard
// preferences) and the survivors are ordered by a weighted similarity score
// in [0,1].
package scoring

import "time"

// Wildcard matches any value for SessionLength, Maturity and ChatType.
const Wildcard = "any"

// Profile is the snapshot of a participant the scorer works with. It is
// assembled by the request handler before the match decision so scoring
// never performs I/O.
type Profile struct {
	Interests []string
	Country   string
	City      string
	Timezone  string
	Languages []string

	// JoinedAt is when the participant started waiting for a match.
	JoinedAt time.Time

	SessionLength string // e.g. "short", "long", or Wildcard
	Maturity      string // e.g. "general", "mature", or Wildcard
	ChatType      string // e.g. "video", "text", or Wildcard

	// Age is zero when unknown. AgeMin/AgeMax of zero mean "no bound".
	Age    int
	AgeMin int
	AgeMax int

	// Blocked holds ids this participant refuses to be paired with.
	Blocked map[string]struct{}
}

// Blocks reports whether p has blocked id.
func (p *Profile) Blocks(id string) bool {
	if p.Blocked == nil {
		return false
	}
	_, ok := p.Blocked[id]
	return ok
}

// Block adds id to p's block set.
func (p *Profile) Block(id string) {
	if p.Blocked == nil {
		p.Blocked = make(map[string]struct{})
	}
	p.Blocked[id] = struct{}{}
}

// acceptsAge reports whether age falls inside p's accepted range. Unknown
// ages and open ranges always pass.
func (p *Profile) acceptsAge(age int) bool {
	if age <= 0 {
		return true
	}
	if p.AgeMin > 0 && age < p.AgeMin {
		return false
	}
	if p.AgeMax > 0 && age > p.AgeMax {
		return false
	}
	return true
}

// Candidate is a waiting participant considered for pairing.
type Candidate struct {
	ID      string
	Profile Profile
}
