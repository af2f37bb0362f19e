package client

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/pairing/internal/peer"
	"github.com/whisper/pairing/internal/protocol"
	"github.com/whisper/pairing/internal/transition"
)

type sent struct {
	msgType string
	payload interface{}
}

type fakeChannel struct {
	mu   sync.Mutex
	sent []sent
	subs map[string][]func(json.RawMessage)
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{subs: make(map[string][]func(json.RawMessage))}
}

func (f *fakeChannel) Send(msgType string, payload interface{}) error {
	f.mu.Lock()
	f.sent = append(f.sent, sent{msgType, payload})
	f.mu.Unlock()
	return nil
}

func (f *fakeChannel) Subscribe(msgType string, fn func(json.RawMessage)) func() {
	f.mu.Lock()
	f.subs[msgType] = append(f.subs[msgType], fn)
	f.mu.Unlock()
	return func() {}
}

func (f *fakeChannel) deliver(t *testing.T, msgType string, payload interface{}) {
	t.Helper()
	data, err := protocol.NewServerMessage(msgType, payload)
	require.NoError(t, err)
	f.mu.Lock()
	fns := append(([]func(json.RawMessage))(nil), f.subs[msgType]...)
	f.mu.Unlock()
	for _, fn := range fns {
		fn(data)
	}
}

func (f *fakeChannel) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, s := range f.sent {
		out[i] = s.msgType
	}
	return out
}

func (f *fakeChannel) count(msgType string) int {
	n := 0
	for _, t := range f.types() {
		if t == msgType {
			n++
		}
	}
	return n
}

type handled struct {
	from, kind string
	payload    string
}

type fakePeers struct {
	mu       sync.Mutex
	signals  []handled
	releases int
	subs     []func(peer.Event)
}

func (f *fakePeers) HandleSignal(from, kind string, payload json.RawMessage) error {
	f.mu.Lock()
	f.signals = append(f.signals, handled{from, kind, string(payload)})
	f.mu.Unlock()
	return nil
}

func (f *fakePeers) Release() {
	f.mu.Lock()
	f.releases++
	f.mu.Unlock()
}

func (f *fakePeers) Subscribe(fn func(peer.Event)) func() {
	f.mu.Lock()
	f.subs = append(f.subs, fn)
	f.mu.Unlock()
	return func() {}
}

func (f *fakePeers) emit(ev peer.Event) {
	f.mu.Lock()
	subs := append(([]func(peer.Event))(nil), f.subs...)
	f.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func (f *fakePeers) handled() []handled {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]handled(nil), f.signals...)
}

type transitionCall struct {
	peerID     string
	initiator  bool
	hasCleanup bool
}

// fakeTransitioner blocks each transition until the test resolves it.
type fakeTransitioner struct {
	mu      sync.Mutex
	calls   []transitionCall
	cleanup []func() error
	results chan bool
	subs    []func(transition.Record)
	touched []string
	forgot  []string
}

func newFakeTransitioner() *fakeTransitioner {
	return &fakeTransitioner{results: make(chan bool, 8)}
}

func (f *fakeTransitioner) TransitionToPeer(ctx context.Context, peerID string, initiator bool, cleanupOld func() error) bool {
	f.mu.Lock()
	f.calls = append(f.calls, transitionCall{peerID, initiator, cleanupOld != nil})
	f.cleanup = append(f.cleanup, cleanupOld)
	f.mu.Unlock()

	select {
	case ok := <-f.results:
		phase := transition.PhaseComplete
		if !ok {
			phase = transition.PhaseFailed
		}
		f.publish(transition.Record{To: peerID, Phase: phase})
		return ok
	case <-ctx.Done():
		return false
	}
}

func (f *fakeTransitioner) Subscribe(fn func(transition.Record)) func() {
	f.mu.Lock()
	f.subs = append(f.subs, fn)
	f.mu.Unlock()
	return func() {}
}

func (f *fakeTransitioner) Touch(peerID string) {
	f.mu.Lock()
	f.touched = append(f.touched, peerID)
	f.mu.Unlock()
}

func (f *fakeTransitioner) Forget(peerID string) {
	f.mu.Lock()
	f.forgot = append(f.forgot, peerID)
	f.mu.Unlock()
}

func (f *fakeTransitioner) publish(rec transition.Record) {
	f.mu.Lock()
	subs := append(([]func(transition.Record))(nil), f.subs...)
	f.mu.Unlock()
	for _, fn := range subs {
		fn(rec)
	}
}

func (f *fakeTransitioner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type sessionEvents struct {
	mu     sync.Mutex
	events []Event
}

func (e *sessionEvents) add(ev Event) {
	e.mu.Lock()
	e.events = append(e.events, ev)
	e.mu.Unlock()
}

func (e *sessionEvents) of(kind EventKind) []Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Event
	for _, ev := range e.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

type sessionFixture struct {
	ch     *fakeChannel
	peers  *fakePeers
	coord  *fakeTransitioner
	s      *Session
	events *sessionEvents
}

func newSessionFixture(t *testing.T, autoRequeue bool) *sessionFixture {
	t.Helper()
	f := &sessionFixture{
		ch:     newFakeChannel(),
		peers:  &fakePeers{},
		coord:  newFakeTransitioner(),
		events: &sessionEvents{},
	}
	prefs := protocol.FindMatchMsg{Modality: "video", Mode: "regular", CompanionshipType: "dating"}
	f.s = NewSession(f.ch, f.peers, f.coord, SessionOptions{Preferences: prefs, AutoRequeue: autoRequeue}, zerolog.Nop())
	f.s.Subscribe(f.events.add)
	require.NoError(t, f.s.Start())
	t.Cleanup(f.s.Close)
	return f
}

func (f *sessionFixture) match(t *testing.T, peerID, roomID string, initiator bool) {
	t.Helper()
	f.ch.deliver(t, protocol.TypeMatchFound, protocol.MatchFoundMsg{
		RoomID:      roomID,
		PeerID:      peerID,
		Initiator:   initiator,
		PeerProfile: protocol.PeerProfile{Interests: []string{"music"}},
	})
}

func signal(from, payload string) protocol.SignalReceivedMsg {
	return protocol.SignalReceivedMsg{Payload: json.RawMessage(payload), From: from}
}

func TestSession_StartSendsFindMatch(t *testing.T) {
	f := newSessionFixture(t, false)

	require.Equal(t, []string{protocol.TypeFindMatch}, f.ch.types())
	msg := f.ch.sent[0].payload.(protocol.FindMatchMsg)
	assert.Equal(t, "dating", msg.CompanionshipType)
}

func TestSession_MatchStartsTransition(t *testing.T) {
	f := newSessionFixture(t, false)
	f.match(t, "bob", "room-1", true)

	require.Eventually(t, func() bool { return f.coord.callCount() == 1 }, time.Second, time.Millisecond)
	f.coord.mu.Lock()
	call := f.coord.calls[0]
	f.coord.mu.Unlock()
	assert.Equal(t, transitionCall{peerID: "bob", initiator: true, hasCleanup: false}, call)

	matched := f.events.of(EventMatched)
	require.Len(t, matched, 1)
	assert.Equal(t, "room-1", matched[0].RoomID)
	assert.Equal(t, []string{"music"}, matched[0].Profile.Interests)
	assert.Equal(t, "bob", f.s.Peer())
	assert.Equal(t, "room-1", f.s.Room())

	f.coord.results <- true
	require.Eventually(t, func() bool { return len(f.events.of(EventConnected)) == 1 }, time.Second, time.Millisecond)
}

func TestSession_SignalsHeldUntilConnectionExists(t *testing.T) {
	f := newSessionFixture(t, false)
	f.match(t, "bob", "room-1", false)

	f.ch.deliver(t, protocol.TypeOfferReceived, signal("bob", `{"type":"offer","sdp":"x"}`))
	f.ch.deliver(t, protocol.TypeCandidateReceived, signal("bob", `{"candidate":"c1"}`))
	assert.Empty(t, f.peers.handled())

	f.coord.publish(transition.Record{To: "bob", Phase: transition.PhaseStabilizing})
	got := f.peers.handled()
	require.Len(t, got, 2)
	assert.Equal(t, handled{"bob", protocol.KindOffer, `{"type":"offer","sdp":"x"}`}, got[0])
	assert.Equal(t, protocol.KindCandidate, got[1].kind)

	// Once ready, signals go straight through.
	f.ch.deliver(t, protocol.TypeCandidateReceived, signal("bob", `{"candidate":"c2"}`))
	assert.Len(t, f.peers.handled(), 3)

	f.coord.mu.Lock()
	defer f.coord.mu.Unlock()
	assert.Contains(t, f.coord.touched, "bob")
}

func TestSession_SignalsFromOtherPeersPassThrough(t *testing.T) {
	f := newSessionFixture(t, false)
	f.match(t, "bob", "room-1", false)

	// The machine decides what to do with them.
	f.ch.deliver(t, protocol.TypeAnswerReceived, signal("mallory", `{"type":"answer","sdp":"x"}`))
	got := f.peers.handled()
	require.Len(t, got, 1)
	assert.Equal(t, "mallory", got[0].from)
}

func TestSession_SecondMatchCleansUpPrevious(t *testing.T) {
	f := newSessionFixture(t, false)
	f.match(t, "bob", "room-1", true)
	f.coord.results <- true
	require.Eventually(t, func() bool { return len(f.events.of(EventConnected)) == 1 }, time.Second, time.Millisecond)

	f.match(t, "carol", "room-2", false)
	require.Eventually(t, func() bool { return f.coord.callCount() == 2 }, time.Second, time.Millisecond)

	f.coord.mu.Lock()
	call, cleanup := f.coord.calls[1], f.coord.cleanup[1]
	f.coord.mu.Unlock()
	assert.True(t, call.hasCleanup)
	require.NoError(t, cleanup())

	f.peers.mu.Lock()
	assert.Equal(t, 1, f.peers.releases)
	f.peers.mu.Unlock()
	assert.Equal(t, "carol", f.s.Peer())
}

func TestSession_PeerLeftRequeues(t *testing.T) {
	f := newSessionFixture(t, true)
	f.match(t, "bob", "room-1", true)

	f.ch.deliver(t, protocol.TypePeerLeft, protocol.PeerLeftMsg{RoomID: "room-1"})

	left := f.events.of(EventPeerLeft)
	require.Len(t, left, 1)
	assert.Equal(t, "bob", left[0].PeerID)
	assert.Empty(t, f.s.Peer())
	assert.Equal(t, 1, f.ch.count(protocol.TypeFindNextMatch))

	f.coord.mu.Lock()
	assert.Equal(t, []string{"bob"}, f.coord.forgot)
	f.coord.mu.Unlock()
}

func TestSession_PeerLeftForOtherRoomIgnored(t *testing.T) {
	f := newSessionFixture(t, true)
	f.match(t, "bob", "room-2", true)

	f.ch.deliver(t, protocol.TypePeerLeft, protocol.PeerLeftMsg{RoomID: "room-1"})
	assert.Empty(t, f.events.of(EventPeerLeft))
	assert.Equal(t, "bob", f.s.Peer())
	assert.Zero(t, f.ch.count(protocol.TypeFindNextMatch))
}

func TestSession_NoRequeueWhenDisabled(t *testing.T) {
	f := newSessionFixture(t, false)
	f.match(t, "bob", "room-1", true)
	f.ch.deliver(t, protocol.TypePeerLeft, protocol.PeerLeftMsg{RoomID: "room-1"})

	assert.Len(t, f.events.of(EventPeerLeft), 1)
	assert.Zero(t, f.ch.count(protocol.TypeFindNextMatch))
}

func TestSession_FailureSurfacedOnce(t *testing.T) {
	f := newSessionFixture(t, true)
	f.match(t, "bob", "room-1", true)

	f.peers.emit(peer.Event{Kind: peer.EventExhausted, Record: peer.Record{PeerID: "bob"}, Err: peer.ErrConnectivityFailure})
	f.coord.results <- false

	require.Eventually(t, func() bool { return f.coord.callCount() == 1 }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)

	failed := f.events.of(EventFailed)
	require.Len(t, failed, 1)
	assert.ErrorIs(t, failed[0].Err, peer.ErrConnectivityFailure)
	assert.Equal(t, peer.QualityFailed, failed[0].Quality)
	assert.Equal(t, 1, f.ch.count(protocol.TypeFindNextMatch))
}

func TestSession_FailureOfPreviousPeerIgnored(t *testing.T) {
	f := newSessionFixture(t, true)
	f.match(t, "bob", "room-1", true)
	f.match(t, "carol", "room-2", true)

	f.peers.emit(peer.Event{Kind: peer.EventNegotiationTimeout, Record: peer.Record{PeerID: "bob"}, Err: peer.ErrNegotiationTimeout})
	assert.Empty(t, f.events.of(EventFailed))
	assert.Zero(t, f.ch.count(protocol.TypeFindNextMatch))
}

func TestSession_LikeAndBlock(t *testing.T) {
	f := newSessionFixture(t, false)
	assert.ErrorIs(t, f.s.Like(), peer.ErrNoConnection)
	assert.ErrorIs(t, f.s.Block(), peer.ErrNoConnection)

	f.match(t, "bob", "room-1", true)
	require.NoError(t, f.s.Like())
	require.NoError(t, f.s.Block())

	f.ch.mu.Lock()
	defer f.ch.mu.Unlock()
	like := f.ch.sent[1].payload.(protocol.LikePeerMsg)
	block := f.ch.sent[2].payload.(protocol.BlockPeerMsg)
	assert.Equal(t, "bob", like.TargetID)
	assert.Equal(t, "bob", block.TargetID)
}

func TestSession_LikedAndRejectedEvents(t *testing.T) {
	f := newSessionFixture(t, false)
	f.ch.deliver(t, protocol.TypePeerLiked, protocol.PeerLikedMsg{From: "bob"})
	f.ch.deliver(t, protocol.TypeError, protocol.ErrorMsg{Code: protocol.CodeInvalidRequest, Message: "bad modality"})
	f.ch.deliver(t, protocol.TypeMatchingStarted, protocol.MatchingStartedMsg{PoolKey: "video|regular|dating|open"})

	liked := f.events.of(EventLiked)
	require.Len(t, liked, 1)
	assert.Equal(t, "bob", liked[0].PeerID)

	rejected := f.events.of(EventRejected)
	require.Len(t, rejected, 1)
	assert.Contains(t, rejected[0].Err.Error(), "bad modality")

	assert.Len(t, f.events.of(EventSearching), 1)
}

func TestSession_Leave(t *testing.T) {
	f := newSessionFixture(t, true)
	f.match(t, "bob", "room-1", true)

	require.NoError(t, f.s.Leave())
	assert.Empty(t, f.s.Peer())
	assert.Equal(t, 1, f.ch.count(protocol.TypeLeave))

	f.peers.mu.Lock()
	assert.Equal(t, 1, f.peers.releases)
	f.peers.mu.Unlock()

	// The partner's later failure is not ours to handle.
	f.peers.emit(peer.Event{Kind: peer.EventExhausted, Record: peer.Record{PeerID: "bob"}})
	assert.Zero(t, f.ch.count(protocol.TypeFindNextMatch))
}
