// Package profile reads participant profile snapshots. Profiles are owned by
// another service; the pairing server only reads them, falling back to the
// hints a client attaches to find-match when nothing is stored.
package profile

import (
	"context"
	"strings"
	"sync"

	"github.com/whisper/pairing/internal/protocol"
	"github.com/whisper/pairing/internal/scoring"
)

// Snapshot is everything the server knows about a participant before a
// match decision.
type Snapshot struct {
	Bio           string
	Interests     []string
	Country       string
	City          string
	Timezone      string
	Languages     []string
	SessionLength string
	Maturity      string
	ChatType      string
	Age           int
	AgeMin        int
	AgeMax        int
}

// Source looks up stored snapshots. ok is false when nothing is stored.
type Source interface {
	Lookup(ctx context.Context, id string) (snap Snapshot, ok bool, err error)
}

// FromRequest builds a snapshot from a find-match request. Interests from the
// request always win; hints fill only the fields a stored snapshot left empty.
func FromRequest(stored Snapshot, msg protocol.FindMatchMsg) Snapshot {
	s := stored
	if len(msg.Interests) > 0 {
		s.Interests = msg.Interests
	}
	h := msg.Profile
	if h == nil {
		return s
	}
	fill(&s.Bio, h.Bio)
	fill(&s.Country, h.Country)
	fill(&s.City, h.City)
	fill(&s.Timezone, h.Timezone)
	fill(&s.SessionLength, h.SessionLength)
	fill(&s.Maturity, h.Maturity)
	fill(&s.ChatType, h.ChatType)
	if len(s.Languages) == 0 {
		s.Languages = h.Languages
	}
	if s.Age == 0 {
		s.Age = h.Age
	}
	if s.AgeMin == 0 && s.AgeMax == 0 {
		s.AgeMin, s.AgeMax = h.AgeMin, h.AgeMax
	}
	return s
}

func fill(dst *string, v string) {
	if *dst == "" {
		*dst = strings.TrimSpace(v)
	}
}

// Scoring returns the private view used by the scorer. blocked seeds the
// block set.
func (s Snapshot) Scoring(blocked []string) scoring.Profile {
	p := scoring.Profile{
		Interests:     scoring.NormalizeInterests(s.Interests),
		Country:       s.Country,
		City:          s.City,
		Timezone:      s.Timezone,
		Languages:     s.Languages,
		SessionLength: s.SessionLength,
		Maturity:      s.Maturity,
		ChatType:      s.ChatType,
		Age:           s.Age,
		AgeMin:        s.AgeMin,
		AgeMax:        s.AgeMax,
	}
	for _, id := range blocked {
		p.Block(id)
	}
	return p
}

// Public returns the excerpt a partner may see. City, age and blocks are
// never included; interests are filled in by the resolver.
func (s Snapshot) Public() protocol.PeerProfile {
	return protocol.PeerProfile{
		Bio:       s.Bio,
		Country:   s.Country,
		Languages: s.Languages,
	}
}

// StaticSource serves snapshots from memory.
type StaticSource struct {
	mu       sync.RWMutex
	profiles map[string]Snapshot
}

// NewStaticSource returns a source holding a copy of profiles.
func NewStaticSource(profiles map[string]Snapshot) *StaticSource {
	s := &StaticSource{profiles: make(map[string]Snapshot, len(profiles))}
	for id, p := range profiles {
		s.profiles[id] = p
	}
	return s
}

// Put stores or replaces a snapshot.
func (s *StaticSource) Put(id string, snap Snapshot) {
	s.mu.Lock()
	s.profiles[id] = snap
	s.mu.Unlock()
}

func (s *StaticSource) Lookup(_ context.Context, id string) (Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.profiles[id]
	return snap, ok, nil
}
