// Package protocol defines the WebSocket message types and structures used for
// communication between the client and the pairing server. All messages are
// serialized as JSON and follow a consistent envelope format with a type
// discriminator.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrValidation is wrapped by every error caused by a malformed request.
// Callers map it to an error message with CodeInvalidRequest.
var ErrValidation = errors.New("validation failed")

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeFindMatch       = "find-match"
	TypeFindNextMatch   = "find-next-match"
	TypeSignalOffer     = "signal-offer"
	TypeSignalAnswer    = "signal-answer"
	TypeSignalCandidate = "signal-candidate"
	TypeLeave           = "leave"
	TypeLikePeer        = "like-peer"
	TypeBlockPeer       = "block-peer"
	TypePing            = "ping"
)

// Server -> Client message types.
const (
	TypeSessionCreated    = "session-created"
	TypeMatchingStarted   = "matching-started"
	TypeMatchFound        = "match-found"
	TypeOfferReceived     = "offer-received"
	TypeAnswerReceived    = "answer-received"
	TypeCandidateReceived = "candidate-received"
	TypePeerLeft          = "peer-left"
	TypePeerLiked         = "peer-liked"
	TypeRateLimited       = "rate-limited"
	TypeError             = "error"
	TypePong              = "pong"
)

// Signal kinds carried by the signal-* messages.
const (
	KindOffer     = "offer"
	KindAnswer    = "answer"
	KindCandidate = "candidate"
)

// Error codes carried by ErrorMsg.
const (
	CodeInvalidRequest = "invalid_request"
	CodeNotFound       = "not_found"
	CodeRateLimited    = "rate_limited"
	CodeInternal       = "internal_error"
)

// ---------------------------------------------------------------------------
// Envelope is decoded first to read the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so the rest can be decoded later into the concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Shared payload structs
// ---------------------------------------------------------------------------

// ProfileHints are optional self-described attributes a client may attach to
// find-match. They are used when the profile store has nothing for the
// participant.
type ProfileHints struct {
	Bio           string   `json:"bio,omitempty"`
	Country       string   `json:"country,omitempty"`
	City          string   `json:"city,omitempty"`
	Timezone      string   `json:"timezone,omitempty"`
	Languages     []string `json:"languages,omitempty"`
	SessionLength string   `json:"sessionLength,omitempty"`
	Maturity      string   `json:"maturity,omitempty"`
	ChatType      string   `json:"chatType,omitempty"`
	Age           int      `json:"age,omitempty"`
	AgeMin        int      `json:"ageMin,omitempty"`
	AgeMax        int      `json:"ageMax,omitempty"`
}

// PeerProfile is the public excerpt of a partner's profile sent with
// match-found. It never carries city, age or block data.
type PeerProfile struct {
	Bio             string   `json:"bio,omitempty"`
	Interests       []string `json:"interests"`
	Country         string   `json:"country,omitempty"`
	Languages       []string `json:"languages,omitempty"`
	SharedInterests []string `json:"sharedInterests"`
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// FindMatchMsg asks the server to pair the client or enqueue it.
type FindMatchMsg struct {
	Type              string        `json:"type"`
	Modality          string        `json:"modality"`
	Mode              string        `json:"mode"`
	CompanionshipType string        `json:"companionshipType"`
	BlindDate         bool          `json:"blindDate"`
	Interests         []string      `json:"interests,omitempty"`
	Profile           *ProfileHints `json:"profile,omitempty"`
}

// FindNextMatchMsg releases the current room and re-enters matching with the
// last preferences.
type FindNextMatchMsg struct {
	Type string `json:"type"`
}

// SignalMsg carries an opaque negotiation payload to the room partner. It is
// used for signal-offer, signal-answer and signal-candidate.
type SignalMsg struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	To      string          `json:"to"`
}

// LeaveMsg releases the current room and leaves any pool.
type LeaveMsg struct {
	Type string `json:"type"`
}

// LikePeerMsg records a like for another participant.
type LikePeerMsg struct {
	Type     string `json:"type"`
	TargetID string `json:"targetId"`
}

// BlockPeerMsg prevents future pairing with another participant.
type BlockPeerMsg struct {
	Type     string `json:"type"`
	TargetID string `json:"targetId"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg tells the client its participant id.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// MatchingStartedMsg acknowledges a silent enqueue. It carries no match data.
type MatchingStartedMsg struct {
	Type    string `json:"type"`
	PoolKey string `json:"poolKey"`
}

// MatchFoundMsg is sent to both members of a new room. Initiator is true for
// exactly one of them; that side creates the offer.
type MatchFoundMsg struct {
	Type        string      `json:"type"`
	RoomID      string      `json:"roomId"`
	PeerID      string      `json:"peerId"`
	PeerProfile PeerProfile `json:"peerProfile"`
	Initiator   bool        `json:"initiator"`
}

// SignalReceivedMsg carries a relayed negotiation payload. It is used for
// offer-received, answer-received and candidate-received.
type SignalReceivedMsg struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	From    string          `json:"from"`
}

// PeerLeftMsg tells the client its partner left the room.
type PeerLeftMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"roomId"`
}

// PeerLikedMsg tells the client another participant liked them.
type PeerLikedMsg struct {
	Type string `json:"type"`
	From string `json:"from"`
}

// RateLimitedMsg is sent when the client exceeded a rate limit.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retryAfter"`
}

// ErrorMsg communicates an error condition for one request.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Signal kind helpers
// ---------------------------------------------------------------------------

// SignalKind maps a signal-* client type to its kind. ok is false for any
// other type.
func SignalKind(msgType string) (kind string, ok bool) {
	switch msgType {
	case TypeSignalOffer:
		return KindOffer, true
	case TypeSignalAnswer:
		return KindAnswer, true
	case TypeSignalCandidate:
		return KindCandidate, true
	}
	return "", false
}

// SignalType is the inverse of SignalKind.
func SignalType(kind string) (string, bool) {
	switch kind {
	case KindOffer:
		return TypeSignalOffer, true
	case KindAnswer:
		return TypeSignalAnswer, true
	case KindCandidate:
		return TypeSignalCandidate, true
	}
	return "", false
}

// ReceivedType maps a signal kind to the server type it is delivered as.
func ReceivedType(kind string) (string, bool) {
	switch kind {
	case KindOffer:
		return TypeOfferReceived, true
	case KindAnswer:
		return TypeAnswerReceived, true
	case KindCandidate:
		return TypeCandidateReceived, true
	}
	return "", false
}

// ReceivedKind is the inverse of ReceivedType.
func ReceivedKind(msgType string) (string, bool) {
	switch msgType {
	case TypeOfferReceived:
		return KindOffer, true
	case TypeAnswerReceived:
		return KindAnswer, true
	case TypeCandidateReceived:
		return KindCandidate, true
	}
	return "", false
}

// ---------------------------------------------------------------------------
// Parsing
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. Errors wrap ErrValidation.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w: %v", ErrValidation, err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeFindMatch:
		var m FindMatchMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeFindNextMatch:
		var m FindNextMatchMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSignalOffer, TypeSignalAnswer, TypeSignalCandidate:
		var m SignalMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLeave:
		var m LeaveMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeLikePeer:
		var m LikePeerMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeBlockPeer:
		var m BlockPeerMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type %q: %w", env.Type, ErrValidation)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w: %v", env.Type, ErrValidation, err)
	}
	return env.Type, msg, nil
}

// ParseServerMessage is the client-side counterpart of ParseClientMessage.
func ParseServerMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w: %v", ErrValidation, err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeSessionCreated:
		var m SessionCreatedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMatchingStarted:
		var m MatchingStartedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMatchFound:
		var m MatchFoundMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeOfferReceived, TypeAnswerReceived, TypeCandidateReceived:
		var m SignalReceivedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePeerLeft:
		var m PeerLeftMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePeerLiked:
		var m PeerLikedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeRateLimited:
		var m RateLimitedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeError:
		var m ErrorMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePong:
		var m PongMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown server message type %q: %w", env.Type, ErrValidation)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w: %v", env.Type, ErrValidation, err)
	}
	return env.Type, msg, nil
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

// NewServerMessage creates a JSON-encoded server message. msgType is injected
// under the "type" key. Field values are carried as raw JSON so opaque
// payloads keep their exact bytes.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	return encode(msgType, payload)
}

// NewClientMessage creates a JSON-encoded client message.
func NewClientMessage(msgType string, payload interface{}) ([]byte, error) {
	return encode(msgType, payload)
}

func encode(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	if m == nil {
		m = make(map[string]json.RawMessage, 1)
	}

	typ, err := json.Marshal(msgType)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal type: %w", err)
	}
	m["type"] = typ

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal message: %w", err)
	}
	return out, nil
}

// NewError is a shorthand for an encoded error message.
func NewError(code, message string) []byte {
	data, _ := NewServerMessage(TypeError, ErrorMsg{Code: code, Message: message})
	return data
}
