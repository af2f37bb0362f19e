package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/whisper/pairing/internal/peer"
	"github.com/whisper/pairing/internal/protocol"
	"github.com/whisper/pairing/internal/transition"
)

// Channel is the server connection as the session sees it. *Conn
// implements it.
type Channel interface {
	Send(msgType string, payload interface{}) error
	Subscribe(msgType string, fn func(json.RawMessage)) func()
}

// Peers is the peer connection machine. *peer.Manager implements it.
type Peers interface {
	HandleSignal(from, kind string, payload json.RawMessage) error
	Release()
	Subscribe(fn func(peer.Event)) func()
}

// Transitioner hands off between partners. *transition.Coordinator
// implements it.
type Transitioner interface {
	TransitionToPeer(ctx context.Context, peerID string, initiator bool, cleanupOld func() error) bool
	Subscribe(fn func(transition.Record)) func()
	Touch(peerID string)
	Forget(peerID string)
}

// EventKind names a session notification.
type EventKind string

const (
	EventSearching EventKind = "searching"
	EventMatched   EventKind = "matched"
	EventConnected EventKind = "connected"
	EventFailed    EventKind = "failed"
	EventPeerLeft  EventKind = "peer-left"
	EventLiked     EventKind = "liked"
	EventRejected  EventKind = "rejected"
)

// Event is delivered to session subscribers.
type Event struct {
	Kind    EventKind
	PeerID  string
	RoomID  string
	Profile protocol.PeerProfile
	Quality peer.Quality
	Err     error
}

// SessionOptions configures a Session.
type SessionOptions struct {
	Preferences protocol.FindMatchMsg
	// AutoRequeue searches again after the partner leaves or the connection
	// to it cannot be established.
	AutoRequeue bool
}

// Session ties the server channel, the peer machine and the transition
// coordinator together for one participant.
type Session struct {
	ch    Channel
	peers Peers
	coord Transitioner
	opts  SessionOptions
	log   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	unsubs []func()
	wg     sync.WaitGroup

	mu       sync.Mutex
	peerID   string
	roomID   string
	ready    bool // Connect was called for peerID
	failedOn string
	pending  []protocol.SignalReceivedMsg
	subs     map[int]func(Event)
	nextSub  int
}

// NewSession wires a session. Call Start to begin matching.
func NewSession(ch Channel, peers Peers, coord Transitioner, opts SessionOptions, logger zerolog.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ch:     ch,
		peers:  peers,
		coord:  coord,
		opts:   opts,
		log:    logger,
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[int]func(Event)),
	}
}

// Subscribe registers fn for session events and returns a function removing
// it.
func (s *Session) Subscribe(fn func(Event)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Start subscribes to server and peer events and sends find-match.
func (s *Session) Start() error {
	s.unsubs = append(s.unsubs,
		s.ch.Subscribe(protocol.TypeMatchingStarted, s.onMatchingStarted),
		s.ch.Subscribe(protocol.TypeMatchFound, s.onMatchFound),
		s.ch.Subscribe(protocol.TypeOfferReceived, s.onSignal),
		s.ch.Subscribe(protocol.TypeAnswerReceived, s.onSignal),
		s.ch.Subscribe(protocol.TypeCandidateReceived, s.onSignal),
		s.ch.Subscribe(protocol.TypePeerLeft, s.onPeerLeft),
		s.ch.Subscribe(protocol.TypePeerLiked, s.onPeerLiked),
		s.ch.Subscribe(protocol.TypeError, s.onError),
		s.peers.Subscribe(s.onPeerEvent),
		s.coord.Subscribe(s.onTransition),
	)
	return s.ch.Send(protocol.TypeFindMatch, s.opts.Preferences)
}

// Next asks for a different partner.
func (s *Session) Next() error {
	return s.ch.Send(protocol.TypeFindNextMatch, protocol.FindNextMatchMsg{})
}

// Leave releases the current room and stops searching.
func (s *Session) Leave() error {
	s.mu.Lock()
	s.peerID, s.roomID, s.ready, s.pending = "", "", false, nil
	s.mu.Unlock()

	s.peers.Release()
	return s.ch.Send(protocol.TypeLeave, protocol.LeaveMsg{})
}

// Like likes the current partner.
func (s *Session) Like() error {
	id := s.Peer()
	if id == "" {
		return peer.ErrNoConnection
	}
	return s.ch.Send(protocol.TypeLikePeer, protocol.LikePeerMsg{TargetID: id})
}

// Block blocks the current partner. The server closes the room.
func (s *Session) Block() error {
	id := s.Peer()
	if id == "" {
		return peer.ErrNoConnection
	}
	return s.ch.Send(protocol.TypeBlockPeer, protocol.BlockPeerMsg{TargetID: id})
}

// Peer returns the current partner id, or "".
func (s *Session) Peer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peerID
}

// Room returns the current room id, or "".
func (s *Session) Room() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomID
}

// Close detaches from all sources and waits for running transitions.
func (s *Session) Close() {
	s.cancel()
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = nil
	s.wg.Wait()
	s.peers.Release()
}

func (s *Session) onMatchingStarted(data json.RawMessage) {
	var msg protocol.MatchingStartedMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	s.log.Info().Str("pool", msg.PoolKey).Msg("waiting for a partner")
	s.publish(Event{Kind: EventSearching})
}

func (s *Session) onMatchFound(data json.RawMessage) {
	var msg protocol.MatchFoundMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		s.log.Warn().Err(err).Msg("bad match-found")
		return
	}

	s.mu.Lock()
	hadPeer := s.peerID != ""
	s.peerID = msg.PeerID
	s.roomID = msg.RoomID
	s.ready = false
	s.pending = nil
	s.mu.Unlock()

	s.log.Info().Str("peer", msg.PeerID).Str("room", msg.RoomID).Bool("initiator", msg.Initiator).Msg("matched")
	s.publish(Event{Kind: EventMatched, PeerID: msg.PeerID, RoomID: msg.RoomID, Profile: msg.PeerProfile})

	var cleanup func() error
	if hadPeer {
		cleanup = func() error {
			s.peers.Release()
			return nil
		}
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if s.coord.TransitionToPeer(s.ctx, msg.PeerID, msg.Initiator, cleanup) {
			return
		}
		if s.ctx.Err() != nil {
			return
		}
		s.failed(msg.PeerID, errTransitionFailed)
	}()
}

var errTransitionFailed = errors.New("client: could not connect to partner")

// onSignal applies a relayed payload. Payloads from the new partner that
// arrive before its connection exists are held and replayed.
func (s *Session) onSignal(data json.RawMessage) {
	var msg protocol.SignalReceivedMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	s.mu.Lock()
	if msg.From == s.peerID && !s.ready {
		s.pending = append(s.pending, msg)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	s.apply(msg)
}

func (s *Session) apply(msg protocol.SignalReceivedMsg) {
	kind, ok := protocol.ReceivedKind(msg.Type)
	if !ok {
		return
	}
	s.coord.Touch(msg.From)
	if err := s.peers.HandleSignal(msg.From, kind, msg.Payload); err != nil {
		if errors.Is(err, peer.ErrStalePeer) {
			s.log.Debug().Str("from", msg.From).Str("kind", kind).Msg("dropped signal from previous peer")
			return
		}
		s.log.Warn().Err(err).Str("from", msg.From).Str("kind", kind).Msg("apply signal")
	}
}

// onTransition releases held signals once the connection for the partner
// exists.
func (s *Session) onTransition(rec transition.Record) {
	if rec.Phase != transition.PhaseStabilizing && !rec.Phase.Terminal() {
		return
	}

	s.mu.Lock()
	if rec.To != s.peerID {
		s.mu.Unlock()
		return
	}
	var held []protocol.SignalReceivedMsg
	if !s.ready {
		s.ready = true
		held = s.pending
		s.pending = nil
	}
	s.mu.Unlock()

	for _, msg := range held {
		s.apply(msg)
	}
	if rec.Phase == transition.PhaseComplete {
		s.publish(Event{Kind: EventConnected, PeerID: rec.To})
	}
}

func (s *Session) onPeerLeft(data json.RawMessage) {
	var msg protocol.PeerLeftMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	s.mu.Lock()
	if msg.RoomID != s.roomID {
		s.mu.Unlock()
		return
	}
	gone := s.peerID
	s.peerID, s.roomID, s.ready, s.pending = "", "", false, nil
	s.mu.Unlock()

	s.peers.Release()
	s.coord.Forget(gone)
	s.log.Info().Str("peer", gone).Str("room", msg.RoomID).Msg("partner left")
	s.publish(Event{Kind: EventPeerLeft, PeerID: gone, RoomID: msg.RoomID})
	s.requeue()
}

func (s *Session) onPeerLiked(data json.RawMessage) {
	var msg protocol.PeerLikedMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	s.publish(Event{Kind: EventLiked, PeerID: msg.From})
}

func (s *Session) onError(data json.RawMessage) {
	var msg protocol.ErrorMsg
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	s.log.Warn().Str("code", msg.Code).Str("message", msg.Message).Msg("server rejected request")
	s.publish(Event{Kind: EventRejected, Err: errors.New(msg.Code + ": " + msg.Message)})
}

// onPeerEvent surfaces terminal connection failures.
func (s *Session) onPeerEvent(ev peer.Event) {
	switch ev.Kind {
	case peer.EventExhausted, peer.EventNegotiationTimeout:
		s.failed(ev.Record.PeerID, ev.Err)
	}
}

// failed reports that the connection to peerID cannot be used and, if
// configured, searches again. Only the current partner counts.
func (s *Session) failed(peerID string, err error) {
	s.mu.Lock()
	current := peerID != "" && peerID == s.peerID && peerID != s.failedOn
	if current {
		s.failedOn = peerID
	}
	s.mu.Unlock()
	if !current {
		return
	}

	s.log.Warn().Err(err).Str("peer", peerID).Msg("connection to partner failed")
	s.publish(Event{Kind: EventFailed, PeerID: peerID, Quality: peer.QualityFailed, Err: err})
	s.requeue()
}

func (s *Session) requeue() {
	if !s.opts.AutoRequeue || s.ctx.Err() != nil {
		return
	}
	if err := s.Next(); err != nil {
		s.log.Warn().Err(err).Msg("requeue")
	}
}

func (s *Session) publish(ev Event) {
	s.mu.Lock()
	subs := make([]func(Event), 0, len(s.subs))
	for i := 0; i < s.nextSub; i++ {
		if fn, ok := s.subs[i]; ok {
			subs = append(subs, fn)
		}
	}
	s.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
}
