// Package relay forwards opaque negotiation messages (offers, answers and
// connectivity candidates) between the two members of a room. Payloads are
// never interpreted; each envelope is sent at most once and nothing is
// buffered for a target that is gone.
package relay

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/whisper/pairing/internal/protocol"
	"github.com/whisper/pairing/internal/session"
)

// DefaultMaxPayloadBytes bounds a single signal payload.
const DefaultMaxPayloadBytes = 64 * 1024

var (
	// ErrInvalidEnvelope is returned for malformed envelopes.
	ErrInvalidEnvelope = fmt.Errorf("relay: invalid envelope: %w", protocol.ErrValidation)

	// ErrPeerNotFound is returned when the target has no channel. The
	// envelope is dropped.
	ErrPeerNotFound = errors.New("relay: target peer not found")

	// ErrNotPaired is returned when the target is not the sender's current
	// room partner. It is a kind of ErrPeerNotFound.
	ErrNotPaired = fmt.Errorf("relay: sender and target are not paired: %w", ErrPeerNotFound)
)

// Envelope is one negotiation message in flight.
type Envelope struct {
	Kind    string
	Payload json.RawMessage
	From    string
	To      string
}

// PartnerLookup reports the current room partner of a participant.
type PartnerLookup interface {
	PartnerOf(id string) (string, bool)
}

// Sender delivers encoded messages to participants.
type Sender interface {
	Send(id string, data []byte) error
}

// Relay forwards envelopes between paired participants.
type Relay struct {
	partners   PartnerLookup
	sender     Sender
	maxPayload int
	log        zerolog.Logger
}

// New creates a Relay. maxPayload <= 0 selects DefaultMaxPayloadBytes.
func New(partners PartnerLookup, sender Sender, maxPayload int, logger zerolog.Logger) *Relay {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayloadBytes
	}
	return &Relay{partners: partners, sender: sender, maxPayload: maxPayload, log: logger}
}

// Validate checks the envelope without looking at who is online.
func (r *Relay) Validate(env Envelope) error {
	if _, ok := protocol.ReceivedType(env.Kind); !ok {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEnvelope, env.Kind)
	}
	if env.From == "" || env.To == "" {
		return fmt.Errorf("%w: missing sender or target", ErrInvalidEnvelope)
	}
	if env.From == env.To {
		return fmt.Errorf("%w: target is the sender", ErrInvalidEnvelope)
	}
	payload := bytes.TrimSpace(env.Payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return fmt.Errorf("%w: empty payload", ErrInvalidEnvelope)
	}
	if len(payload) > r.maxPayload {
		return fmt.Errorf("%w: payload of %d bytes exceeds %d", ErrInvalidEnvelope, len(payload), r.maxPayload)
	}
	if !json.Valid(payload) {
		return fmt.Errorf("%w: payload is not JSON", ErrInvalidEnvelope)
	}
	return nil
}

// Forward validates env, checks that env.To is env.From's partner and sends
// the payload to env.To as <kind>-received. A missing target yields
// ErrPeerNotFound and the envelope is dropped; the sender has to time out.
func (r *Relay) Forward(env Envelope) error {
	if err := r.Validate(env); err != nil {
		return err
	}

	partner, ok := r.partners.PartnerOf(env.From)
	if !ok || partner != env.To {
		r.log.Debug().Str("from", env.From).Str("to", env.To).Str("kind", env.Kind).Msg("dropping signal for non-partner")
		return ErrNotPaired
	}

	msgType, _ := protocol.ReceivedType(env.Kind)
	data, err := protocol.NewServerMessage(msgType, protocol.SignalReceivedMsg{
		Payload: env.Payload,
		From:    env.From,
	})
	if err != nil {
		return fmt.Errorf("relay: encode %s: %w", env.Kind, err)
	}

	if err := r.sender.Send(env.To, data); err != nil {
		if errors.Is(err, session.ErrChannelNotFound) {
			r.log.Debug().Str("to", env.To).Str("kind", env.Kind).Msg("target gone, signal dropped")
			return fmt.Errorf("%w: %s", ErrPeerNotFound, env.To)
		}
		return fmt.Errorf("relay: send %s to %s: %w", env.Kind, env.To, err)
	}
	return nil
}
