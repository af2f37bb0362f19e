// Package matching owns the waiting pools, rooms and participant registry of
// the pairing server. A single Resolver decides every match; all its state
// changes for one request happen under one lock with no I/O while held, and
// the resulting notifications are delivered after the lock is released.
package matching

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/whisper/pairing/internal/messaging"
	"github.com/whisper/pairing/internal/protocol"
	"github.com/whisper/pairing/internal/scoring"
)

// Selection strategies.
const (
	StrategyScored = "scored"
	StrategyFIFO   = "fifo"
)

// Room close reasons.
const (
	ReasonLeave      = "leave"
	ReasonNext       = "next"
	ReasonDisconnect = "disconnect"
	ReasonBlock      = "block"
)

// Notifier delivers an encoded server message to a participant's channel.
// Session directories implement it.
type Notifier interface {
	Send(id string, data []byte) error
}

// Participant is a connected client known to the resolver.
type Participant struct {
	ID             string
	Preferences    Preferences
	HasPreferences bool
	Profile        scoring.Profile
	Public         protocol.PeerProfile
	Searching      bool
	RoomID         string
	Likes          map[string]struct{}
	LikedBy        map[string]struct{}
	ConnectedAt    time.Time
}

// Room pairs exactly two participants.
type Room struct {
	ID           string
	Participants [2]string
	CreatedAt    time.Time
}

// Other returns the member of r that is not id.
func (r *Room) Other(id string) string {
	if r.Participants[0] == id {
		return r.Participants[1]
	}
	return r.Participants[0]
}

// Result is the outcome of a match request: either a room or an enqueue.
type Result struct {
	Enqueued bool
	PoolKey  PoolKey
	RoomID   string
	PeerID   string
	Score    float64
	// PeerWaited is how long the matched peer had been waiting.
	PeerWaited time.Duration
}

// Stats is a point-in-time view of the resolver.
type Stats struct {
	Participants int             `json:"participants"`
	Waiting      int             `json:"waiting"`
	Rooms        int             `json:"rooms"`
	Pools        map[PoolKey]int `json:"pools"`
}

// Config tunes the resolver.
type Config struct {
	Strategy string
	// Now defaults to time.Now.
	Now func() time.Time
	// NewRoomID defaults to uuid.NewString.
	NewRoomID func() string
}

// Resolver pairs participants and owns pools, rooms and the participant map.
// It is safe for concurrent use.
type Resolver struct {
	mu           sync.Mutex
	participants map[string]*Participant
	rooms        map[string]*Room
	pools        *Pools
	waitingSince map[string]time.Time

	scorer    *scoring.Scorer
	notifier  Notifier
	publisher Publisher
	strategy  string
	now       func() time.Time
	newRoomID func() string
	log       zerolog.Logger
}

// NewResolver creates a Resolver. publisher may be nil.
func NewResolver(cfg Config, scorer *scoring.Scorer, notifier Notifier, publisher Publisher, logger zerolog.Logger) *Resolver {
	if publisher == nil {
		publisher = nopPublisher{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewRoomID == nil {
		cfg.NewRoomID = uuid.NewString
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyScored
	}
	return &Resolver{
		participants: make(map[string]*Participant),
		rooms:        make(map[string]*Room),
		pools:        NewPools(),
		waitingSince: make(map[string]time.Time),
		scorer:       scorer,
		notifier:     notifier,
		publisher:    publisher,
		strategy:     cfg.Strategy,
		now:          cfg.Now,
		newRoomID:    cfg.NewRoomID,
		log:          logger,
	}
}

// outbox collects messages and events produced under the lock.
type outbox struct {
	messages []outbound
	events   []func()
}

type outbound struct {
	to      string
	msgType string
	payload interface{}
}

func (o *outbox) send(to, msgType string, payload interface{}) {
	o.messages = append(o.messages, outbound{to: to, msgType: msgType, payload: payload})
}

func (o *outbox) event(fn func()) {
	o.events = append(o.events, fn)
}

// flush delivers in order. Must be called without r.mu held.
func (r *Resolver) flush(o *outbox) {
	for _, m := range o.messages {
		data, err := protocol.NewServerMessage(m.msgType, m.payload)
		if err != nil {
			r.log.Error().Err(err).Str("type", m.msgType).Msg("encode notification")
			continue
		}
		if err := r.notifier.Send(m.to, data); err != nil {
			r.log.Debug().Err(err).Str("to", m.to).Str("type", m.msgType).Msg("notification dropped")
		}
	}
	for _, fn := range o.events {
		fn()
	}
}

// Join registers a participant. Joining twice is a no-op.
func (r *Resolver) Join(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.participants[id]; ok {
		return
	}
	r.participants[id] = &Participant{
		ID:          id,
		Likes:       make(map[string]struct{}),
		LikedBy:     make(map[string]struct{}),
		ConnectedAt: r.now(),
	}
}

// RequestMatch releases id's current room (the partner gets peer-left),
// refreshes its preferences and profile, then pairs it with the best waiting
// candidate of its pool or enqueues it. Preferences are validated before any
// state changes.
func (r *Resolver) RequestMatch(id string, prefs Preferences, profile scoring.Profile, public protocol.PeerProfile) (Result, error) {
	prefs = prefs.Normalize()
	if err := prefs.Validate(); err != nil {
		return Result{}, err
	}

	var out outbox
	res, err := func() (Result, error) {
		r.mu.Lock()
		defer r.mu.Unlock()

		p, ok := r.participants[id]
		if !ok {
			return Result{}, ErrUnknownParticipant
		}

		r.releaseLocked(p, ReasonNext, &out)
		r.pools.Remove(id)

		// Blocks recorded during this connection survive a profile refresh.
		for blocked := range p.Profile.Blocked {
			profile.Block(blocked)
		}
		profile.JoinedAt = r.now()
		p.Preferences = prefs
		p.HasPreferences = true
		p.Profile = profile
		p.Public = public

		return r.resolveLocked(p, &out), nil
	}()
	r.flush(&out)
	return res, err
}

// Next re-enters matching with the preferences of the last request. The
// current room is released first and the former partner notified once.
func (r *Resolver) Next(id string) (Result, error) {
	var out outbox
	res, err := func() (Result, error) {
		r.mu.Lock()
		defer r.mu.Unlock()

		p, ok := r.participants[id]
		if !ok {
			return Result{}, ErrUnknownParticipant
		}
		if !p.HasPreferences {
			return Result{}, ErrNoPreferences
		}

		r.releaseLocked(p, ReasonNext, &out)
		r.pools.Remove(id)
		p.Profile.JoinedAt = r.now()

		return r.resolveLocked(p, &out), nil
	}()
	r.flush(&out)
	return res, err
}

// Leave releases id's room and takes it out of any pool. It reports whether
// anything was released. Unknown ids are ignored.
func (r *Resolver) Leave(id string) bool {
	var out outbox
	released := func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()

		p, ok := r.participants[id]
		if !ok {
			return false
		}
		return r.leaveLocked(p, ReasonLeave, &out)
	}()
	r.flush(&out)
	return released
}

// Disconnect is Leave followed by forgetting the participant. It is
// idempotent and safe to call from every cleanup path.
func (r *Resolver) Disconnect(id string) {
	var out outbox
	func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		p, ok := r.participants[id]
		if !ok {
			return
		}
		r.leaveLocked(p, ReasonDisconnect, &out)
		delete(r.participants, id)
		r.scorer.Forget(id)
	}()
	r.flush(&out)
}

// Like records that from likes target and notifies target. It reports
// whether the like is mutual.
func (r *Resolver) Like(from, target string) (bool, error) {
	if from == target {
		return false, ErrSelfTarget
	}

	var out outbox
	mutual, err := func() (bool, error) {
		r.mu.Lock()
		defer r.mu.Unlock()

		p, ok := r.participants[from]
		if !ok {
			return false, ErrUnknownParticipant
		}
		t, ok := r.participants[target]
		if !ok {
			return false, ErrUnknownParticipant
		}

		p.Likes[target] = struct{}{}
		t.LikedBy[from] = struct{}{}
		_, mutual := t.Likes[from]

		out.send(target, protocol.TypePeerLiked, protocol.PeerLikedMsg{From: from})
		ev := messaging.PeerLikedEvent{From: from, To: target, Mutual: mutual, At: r.now()}
		out.event(func() { r.publisher.PeerLiked(ev) })
		return mutual, nil
	}()
	r.flush(&out)
	return mutual, err
}

// Block prevents from and target from being paired again for the rest of
// from's connection. Blocking the current partner also ends the room.
func (r *Resolver) Block(from, target string) error {
	if from == target {
		return ErrSelfTarget
	}

	var out outbox
	err := func() error {
		r.mu.Lock()
		defer r.mu.Unlock()

		p, ok := r.participants[from]
		if !ok {
			return ErrUnknownParticipant
		}
		p.Profile.Block(target)

		if room, ok := r.rooms[p.RoomID]; ok && room.Other(from) == target {
			r.releaseLocked(p, ReasonBlock, &out)
		}

		ev := messaging.PeerBlockedEvent{From: from, To: target, At: r.now()}
		out.event(func() { r.publisher.PeerBlocked(ev) })
		return nil
	}()
	r.flush(&out)
	return err
}

// PartnerOf returns the room partner of id.
func (r *Resolver) PartnerOf(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[id]
	if !ok || p.RoomID == "" {
		return "", false
	}
	room, ok := r.rooms[p.RoomID]
	if !ok {
		return "", false
	}
	return room.Other(id), true
}

// Participant returns a copy of the participant's state.
func (r *Resolver) Participant(id string) (Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[id]
	if !ok {
		return Participant{}, false
	}
	return *p, true
}

// PoolOf returns the pool id is waiting in.
func (r *Resolver) PoolOf(id string) (PoolKey, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.pools.KeyOf(id)
}

// Stats returns current counts.
func (r *Resolver) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	return Stats{
		Participants: len(r.participants),
		Waiting:      r.pools.Waiting(),
		Rooms:        len(r.rooms),
		Pools:        r.pools.Sizes(),
	}
}

// resolveLocked picks a partner for p from its pool or enqueues p.
func (r *Resolver) resolveLocked(p *Participant, out *outbox) Result {
	key := p.Preferences.Key()

	var candidates []*scoring.Candidate
	for _, cid := range r.pools.Members(key) {
		c, ok := r.participants[cid]
		if !ok || !c.Searching || c.RoomID != "" {
			r.log.Debug().Str("participant", cid).Str("pool", string(key)).Msg("discarding stale pool entry")
			r.pools.Remove(cid)
			delete(r.waitingSince, cid)
			continue
		}
		candidates = append(candidates, &scoring.Candidate{ID: cid, Profile: c.Profile})
	}

	var picked *scoring.Candidate
	if r.strategy == StrategyFIFO {
		picked = r.scorer.SelectFirst(p.ID, &p.Profile, candidates)
	} else {
		picked = r.scorer.SelectBestMatch(p.ID, &p.Profile, candidates)
	}

	if picked == nil {
		r.pools.Add(key, p.ID)
		p.Searching = true
		r.waitingSince[p.ID] = r.now()
		out.send(p.ID, protocol.TypeMatchingStarted, protocol.MatchingStartedMsg{PoolKey: string(key)})
		r.log.Debug().Str("participant", p.ID).Str("pool", string(key)).Int("pool_size", r.pools.Len(key)).Msg("enqueued")
		return Result{Enqueued: true, PoolKey: key}
	}

	peer := r.participants[picked.ID]
	now := r.now()
	waited := now.Sub(r.waitingSince[peer.ID])
	r.pools.Remove(peer.ID)
	delete(r.waitingSince, peer.ID)

	room := &Room{
		ID:           r.newRoomID(),
		Participants: [2]string{p.ID, peer.ID},
		CreatedAt:    now,
	}
	r.rooms[room.ID] = room
	p.RoomID, peer.RoomID = room.ID, room.ID
	p.Searching, peer.Searching = false, false
	r.scorer.RecordMatch(p.ID, peer.ID)

	score := scoring.Score(&p.Profile, &peer.Profile)
	out.send(p.ID, protocol.TypeMatchFound, protocol.MatchFoundMsg{
		RoomID:      room.ID,
		PeerID:      peer.ID,
		PeerProfile: publicExcerpt(peer, p),
		Initiator:   true,
	})
	out.send(peer.ID, protocol.TypeMatchFound, protocol.MatchFoundMsg{
		RoomID:      room.ID,
		PeerID:      p.ID,
		PeerProfile: publicExcerpt(p, peer),
		Initiator:   false,
	})
	ev := messaging.MatchFoundEvent{
		RoomID:  room.ID,
		A:       p.ID,
		B:       peer.ID,
		PoolKey: string(key),
		Score:   score,
		WaitMs:  waited.Milliseconds(),
		At:      now,
	}
	out.event(func() { r.publisher.MatchFound(ev) })

	r.log.Info().
		Str("room", room.ID).
		Str("a", p.ID).
		Str("b", peer.ID).
		Str("pool", string(key)).
		Float64("score", score).
		Msg("match found")

	return Result{RoomID: room.ID, PeerID: peer.ID, PoolKey: key, Score: score, PeerWaited: waited}
}

// leaveLocked releases p's room and pool membership.
func (r *Resolver) leaveLocked(p *Participant, reason string, out *outbox) bool {
	released := r.releaseLocked(p, reason, out)
	if r.pools.Remove(p.ID) {
		released = true
	}
	delete(r.waitingSince, p.ID)
	p.Searching = false
	return released
}

// releaseLocked destroys p's room, if any, and tells the partner. The room is
// deleted before notifying so a second release finds nothing.
func (r *Resolver) releaseLocked(p *Participant, reason string, out *outbox) bool {
	if p.RoomID == "" {
		return false
	}
	room, ok := r.rooms[p.RoomID]
	p.RoomID = ""
	if !ok {
		return false
	}
	delete(r.rooms, room.ID)

	partnerID := room.Other(p.ID)
	if partner, ok := r.participants[partnerID]; ok && partner.RoomID == room.ID {
		partner.RoomID = ""
		out.send(partnerID, protocol.TypePeerLeft, protocol.PeerLeftMsg{RoomID: room.ID})
	}

	ev := messaging.RoomClosedEvent{
		RoomID:     room.ID,
		ClosedBy:   p.ID,
		Reason:     reason,
		DurationMs: r.now().Sub(room.CreatedAt).Milliseconds(),
		At:         r.now(),
	}
	out.event(func() { r.publisher.RoomClosed(ev) })
	r.log.Info().Str("room", room.ID).Str("by", p.ID).Str("reason", reason).Msg("room closed")
	return true
}

// publicExcerpt is what viewer is allowed to see about p.
func publicExcerpt(p, viewer *Participant) protocol.PeerProfile {
	pub := p.Public
	pub.Interests = append([]string(nil), p.Profile.Interests...)
	if pub.Interests == nil {
		pub.Interests = []string{}
	}
	pub.SharedInterests = scoring.SharedInterests(p.Profile.Interests, viewer.Profile.Interests)
	if pub.SharedInterests == nil {
		pub.SharedInterests = []string{}
	}
	return pub
}
