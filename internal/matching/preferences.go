package matching

import (
	"errors"
	"fmt"
	"strings"

	"github.com/whisper/pairing/internal/protocol"
)

var (
	// ErrInvalidPreferences is returned for malformed find-match requests.
	ErrInvalidPreferences = fmt.Errorf("matching: invalid preferences: %w", protocol.ErrValidation)

	// ErrSelfTarget is returned when a participant likes or blocks itself.
	ErrSelfTarget = fmt.Errorf("matching: participant cannot target itself: %w", protocol.ErrValidation)

	// ErrNoPreferences is returned by Next before any find-match.
	ErrNoPreferences = fmt.Errorf("matching: no previous match request: %w", protocol.ErrValidation)

	// ErrUnknownParticipant is returned for ids that never joined or already
	// disconnected.
	ErrUnknownParticipant = errors.New("matching: unknown participant")
)

// Accepted preference values.
var (
	modalities    = map[string]bool{"video": true, "text": true}
	modes         = map[string]bool{"regular": true, "speed": true}
	companionship = map[string]bool{"casual": true, "dating": true}
)

// Preferences are the session-type choices that partition waiting pools.
type Preferences struct {
	Modality          string
	Mode              string
	CompanionshipType string
	BlindDate         bool
}

// Normalize returns p with every string lower-cased and trimmed.
func (p Preferences) Normalize() Preferences {
	p.Modality = strings.ToLower(strings.TrimSpace(p.Modality))
	p.Mode = strings.ToLower(strings.TrimSpace(p.Mode))
	p.CompanionshipType = strings.ToLower(strings.TrimSpace(p.CompanionshipType))
	return p
}

// Validate rejects unknown or missing values. Call it on normalized
// preferences.
func (p Preferences) Validate() error {
	if !modalities[p.Modality] {
		return fmt.Errorf("%w: modality %q", ErrInvalidPreferences, p.Modality)
	}
	if !modes[p.Mode] {
		return fmt.Errorf("%w: mode %q", ErrInvalidPreferences, p.Mode)
	}
	if !companionship[p.CompanionshipType] {
		return fmt.Errorf("%w: companionship type %q", ErrInvalidPreferences, p.CompanionshipType)
	}
	return nil
}

// PoolKey identifies a waiting pool. Blind date is part of the key, so a
// blind-date participant only ever meets another blind-date participant.
type PoolKey string

// Key returns the pool key for p.
func (p Preferences) Key() PoolKey {
	blind := "open"
	if p.BlindDate {
		blind = "blind"
	}
	return PoolKey(p.Modality + "|" + p.Mode + "|" + p.CompanionshipType + "|" + blind)
}
