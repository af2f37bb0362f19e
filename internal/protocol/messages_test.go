package protocol

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Client message parsing
// ---------------------------------------------------------------------------

func TestParseClientMessage_FindMatch(t *testing.T) {
	input := []byte(`{"type":"find-match","modality":"video","mode":"regular","companionshipType":"dating","blindDate":true,"interests":["music","anime"],"profile":{"country":"JP","languages":["ja"],"ageMin":18}}`)

	msgType, msg, err := ParseClientMessage(input)
	require.NoError(t, err)
	assert.Equal(t, TypeFindMatch, msgType)

	fm, ok := msg.(FindMatchMsg)
	require.True(t, ok, "expected FindMatchMsg, got %T", msg)
	assert.Equal(t, "video", fm.Modality)
	assert.Equal(t, "regular", fm.Mode)
	assert.Equal(t, "dating", fm.CompanionshipType)
	assert.True(t, fm.BlindDate)
	assert.Equal(t, []string{"music", "anime"}, fm.Interests)
	require.NotNil(t, fm.Profile)
	assert.Equal(t, "JP", fm.Profile.Country)
	assert.Equal(t, 18, fm.Profile.AgeMin)
}

func TestParseClientMessage_Signals(t *testing.T) {
	for _, typ := range []string{TypeSignalOffer, TypeSignalAnswer, TypeSignalCandidate} {
		t.Run(typ, func(t *testing.T) {
			input := []byte(`{"type":"` + typ + `","to":"peer-b","payload":{"sdp":"v=0","type":"offer"}}`)

			msgType, msg, err := ParseClientMessage(input)
			require.NoError(t, err)
			assert.Equal(t, typ, msgType)

			sm, ok := msg.(SignalMsg)
			require.True(t, ok)
			assert.Equal(t, "peer-b", sm.To)
			assert.JSONEq(t, `{"sdp":"v=0","type":"offer"}`, string(sm.Payload))
		})
	}
}

func TestParseClientMessage_SimpleTypes(t *testing.T) {
	cases := map[string]interface{}{
		`{"type":"find-next-match"}`:                FindNextMatchMsg{Type: TypeFindNextMatch},
		`{"type":"leave"}`:                          LeaveMsg{Type: TypeLeave},
		`{"type":"ping"}`:                           PingMsg{Type: TypePing},
		`{"type":"like-peer","targetId":"abc"}`:     LikePeerMsg{Type: TypeLikePeer, TargetID: "abc"},
		`{"type":"block-peer","targetId":"xyz"}`:    BlockPeerMsg{Type: TypeBlockPeer, TargetID: "xyz"},
	}
	for input, want := range cases {
		_, msg, err := ParseClientMessage([]byte(input))
		require.NoError(t, err, input)
		assert.Equal(t, want, msg, input)
	}
}

// ---------------------------------------------------------------------------
// Malformed input
// ---------------------------------------------------------------------------

func TestParseClientMessage_Errors(t *testing.T) {
	cases := []struct {
		name  string
		input string
	}{
		{"invalid json", `{not json`},
		{"missing type", `{"modality":"video"}`},
		{"empty type", `{"type":""}`},
		{"unknown type", `{"type":"dance"}`},
		{"server-only type", `{"type":"match-found"}`},
		{"wrong field type", `{"type":"find-match","blindDate":"yes"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := ParseClientMessage([]byte(tc.input))
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidation), "error should wrap ErrValidation: %v", err)
		})
	}
}

// ---------------------------------------------------------------------------
// Server messages
// ---------------------------------------------------------------------------

func TestNewServerMessage_MatchFound(t *testing.T) {
	payload := MatchFoundMsg{
		RoomID: "room-1",
		PeerID: "peer-b",
		PeerProfile: PeerProfile{
			Interests:       []string{"music"},
			SharedInterests: []string{"music"},
		},
		Initiator: true,
	}

	data, err := NewServerMessage(TypeMatchFound, payload)
	require.NoError(t, err)

	msgType, msg, err := ParseServerMessage(data)
	require.NoError(t, err)
	assert.Equal(t, TypeMatchFound, msgType)

	mf := msg.(MatchFoundMsg)
	assert.Equal(t, "room-1", mf.RoomID)
	assert.Equal(t, "peer-b", mf.PeerID)
	assert.True(t, mf.Initiator)
	assert.Equal(t, []string{"music"}, mf.PeerProfile.SharedInterests)
}

func TestNewServerMessage_InjectsType(t *testing.T) {
	data, err := NewServerMessage(TypePong, PongMsg{Type: "wrong"})
	require.NoError(t, err)

	var m map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, TypePong, m["type"])
}

func TestNewServerMessage_PayloadKeptVerbatim(t *testing.T) {
	// Key order inside the payload must survive re-encoding.
	payload := json.RawMessage(`{"zeta":1,"alpha":{"b":2,"a":1},"sdp":"v=0\r\n"}`)

	data, err := NewServerMessage(TypeOfferReceived, SignalReceivedMsg{Payload: payload, From: "peer-a"})
	require.NoError(t, err)

	var got struct {
		Payload json.RawMessage `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, string(payload), string(got.Payload))
}

func TestNewError(t *testing.T) {
	_, msg, err := ParseServerMessage(NewError(CodeInvalidRequest, "bad modality"))
	require.NoError(t, err)

	em := msg.(ErrorMsg)
	assert.Equal(t, CodeInvalidRequest, em.Code)
	assert.Equal(t, "bad modality", em.Message)
}

func TestParseServerMessage_Unknown(t *testing.T) {
	_, _, err := ParseServerMessage([]byte(`{"type":"find-match"}`))
	assert.ErrorIs(t, err, ErrValidation)
}

// ---------------------------------------------------------------------------
// Kind helpers
// ---------------------------------------------------------------------------

func TestSignalKindRoundTrip(t *testing.T) {
	for _, kind := range []string{KindOffer, KindAnswer, KindCandidate} {
		typ, ok := SignalType(kind)
		require.True(t, ok)
		back, ok := SignalKind(typ)
		require.True(t, ok)
		assert.Equal(t, kind, back)

		recv, ok := ReceivedType(kind)
		require.True(t, ok)
		back, ok = ReceivedKind(recv)
		require.True(t, ok)
		assert.Equal(t, kind, back)
	}

	_, ok := SignalKind(TypePing)
	assert.False(t, ok)
	_, ok = ReceivedType("bye")
	assert.False(t, ok)
}
