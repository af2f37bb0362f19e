package peer

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/whisper/pairing/internal/config"
	"github.com/whisper/pairing/internal/protocol"
)

// Config holds the machine's intervals and limits.
type Config struct {
	DisconnectGrace    time.Duration
	StableAfter        time.Duration
	HealthInterval     time.Duration
	NegotiationTimeout time.Duration
	BaseBackoff        time.Duration
	MaxBackoff         time.Duration
	MaxAttempts        int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		DisconnectGrace:    5 * time.Second,
		StableAfter:        3 * time.Second,
		HealthInterval:     5 * time.Second,
		NegotiationTimeout: 10 * time.Second,
		BaseBackoff:        time.Second,
		MaxBackoff:         10 * time.Second,
		MaxAttempts:        5,
	}
}

// ConfigFrom converts the file/env configuration.
func ConfigFrom(c config.PeerConfig) Config {
	return Config{
		DisconnectGrace:    c.DisconnectGrace,
		StableAfter:        c.StableAfter,
		HealthInterval:     c.HealthInterval,
		NegotiationTimeout: c.NegotiationTimeout,
		BaseBackoff:        c.BaseBackoff,
		MaxBackoff:         c.MaxBackoff,
		MaxAttempts:        c.MaxAttempts,
	}
}

// EventKind names a Manager notification.
type EventKind string

const (
	EventStateChanged       EventKind = "state-changed"
	EventStable             EventKind = "stable"
	EventUnstable           EventKind = "unstable"
	EventReconnecting       EventKind = "reconnecting"
	EventExhausted          EventKind = "exhausted"
	EventNegotiationTimeout EventKind = "negotiation-timeout"
)

// Event is delivered to subscribers outside the manager's lock.
type Event struct {
	Kind    EventKind
	Record  Record
	Attempt int
	Delay   time.Duration
	Err     error
}

// connection is the per-pairing state. gen identifies it; callbacks from
// an older generation are ignored.
type connection struct {
	gen       uint64
	transport Transport
	rec       Record

	startedAt   time.Time // start of the current connecting period
	connectedIn time.Duration

	remoteSet bool
	pending   []webrtc.ICECandidateInit

	grace, retry, stable, health, negotiation Timer
}

func (c *connection) stopTimers() {
	for _, t := range []Timer{c.grace, c.retry, c.stable, c.health, c.negotiation} {
		if t != nil {
			t.Stop()
		}
	}
	c.grace, c.retry, c.stable, c.health, c.negotiation = nil, nil, nil, nil, nil
}

// Manager drives at most one peer connection at a time.
type Manager struct {
	cfg      Config
	clock    Clock
	factory  Factory
	signaler Signaler
	log      zerolog.Logger

	connectMu sync.Mutex // serializes Connect and Release

	mu      sync.Mutex
	gen     uint64
	cur     *connection
	subs    map[int]func(Event)
	nextSub int
}

// NewManager creates a Manager. clock may be nil for the real clock.
func NewManager(cfg Config, factory Factory, signaler Signaler, clock Clock, logger zerolog.Logger) *Manager {
	if clock == nil {
		clock = RealClock{}
	}
	return &Manager{
		cfg:      cfg,
		clock:    clock,
		factory:  factory,
		signaler: signaler,
		log:      logger,
		subs:     make(map[int]func(Event)),
	}
}

// Subscribe registers fn for every event and returns a function removing it.
func (m *Manager) Subscribe(fn func(Event)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

func (m *Manager) emit(events []Event) {
	if len(events) == 0 {
		return
	}
	m.mu.Lock()
	subs := make([]func(Event), 0, len(m.subs))
	for i := 0; i < m.nextSub; i++ {
		if fn, ok := m.subs[i]; ok {
			subs = append(subs, fn)
		}
	}
	m.mu.Unlock()

	for _, ev := range events {
		for _, fn := range subs {
			fn(ev)
		}
	}
}

// Connect fully releases the previous connection, then builds a new one for
// peerID. The initiator creates and sends the offer.
func (m *Manager) Connect(peerID string, initiator bool) error {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.emit(m.release())

	t, err := m.factory()
	if err != nil {
		return fmt.Errorf("peer: build transport for %s: %w", peerID, err)
	}

	m.mu.Lock()
	m.gen++
	gen := m.gen
	now := m.clock.Now()
	c := &connection{
		gen:       gen,
		transport: t,
		startedAt: now,
		rec: Record{
			PeerID:    peerID,
			Initiator: initiator,
			State:     StateNew,
			Quality:   QualityExcellent,
			LastSeen:  now,
		},
	}
	m.cur = c
	c.negotiation = m.clock.AfterFunc(m.cfg.NegotiationTimeout, func() { m.onNegotiationTimeout(gen) })
	c.health = m.clock.AfterFunc(m.cfg.HealthInterval, func() { m.onHealthCheck(gen) })
	rec := c.rec
	m.mu.Unlock()

	t.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) { m.onICEState(gen, s) })
	t.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		m.sendLocalCandidate(gen, peerID, cand.ToJSON())
	})

	m.log.Info().Str("peer", peerID).Bool("initiator", initiator).Msg("connection created")
	m.emit([]Event{{Kind: EventStateChanged, Record: rec}})

	if initiator {
		if err := m.sendOffer(t, peerID, nil); err != nil {
			return err
		}
	}
	return nil
}

// Release closes the current connection, if any.
func (m *Manager) Release() {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.emit(m.release())
}

// release detaches and closes the current connection. The transport is
// closed without holding m.mu so its callbacks cannot deadlock.
func (m *Manager) release() []Event {
	m.mu.Lock()
	c := m.cur
	if c == nil {
		m.mu.Unlock()
		return nil
	}
	m.cur = nil
	m.gen++
	c.stopTimers()
	c.pending = nil
	c.rec.State = StateClosed
	c.rec.Stable = false
	c.rec.LastSeen = m.clock.Now()
	rec := c.rec
	m.mu.Unlock()

	if err := c.transport.Close(); err != nil {
		m.log.Warn().Err(err).Str("peer", rec.PeerID).Msg("close transport")
	}
	m.log.Info().Str("peer", rec.PeerID).Msg("connection released")
	return []Event{{Kind: EventStateChanged, Record: rec}}
}

// Record returns the current connection's snapshot.
func (m *Manager) Record() (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cur == nil {
		return Record{}, false
	}
	return m.cur.rec, true
}

// Status reports state and quality for peerID if it is the current peer.
func (m *Manager) Status(peerID string) (State, Quality, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cur == nil || m.cur.rec.PeerID != peerID {
		return "", "", false
	}
	return m.cur.rec.State, m.cur.rec.Quality, true
}

// HandleSignal applies a remote offer, answer or candidate from peerID.
// Signals from any other peer are rejected with ErrStalePeer. Candidates
// arriving before the remote description are queued.
func (m *Manager) HandleSignal(from, kind string, payload json.RawMessage) error {
	m.mu.Lock()
	c := m.cur
	if c == nil || c.rec.PeerID != from {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrStalePeer, from)
	}
	gen, t := c.gen, c.transport
	c.rec.LastSeen = m.clock.Now()
	m.mu.Unlock()

	switch kind {
	case protocol.KindOffer:
		var sd webrtc.SessionDescription
		if err := json.Unmarshal(payload, &sd); err != nil {
			return fmt.Errorf("peer: decode offer from %s: %w", from, err)
		}
		if err := m.setRemote(gen, t, sd); err != nil {
			return fmt.Errorf("peer: apply offer from %s: %w", from, err)
		}
		answer, err := t.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("peer: create answer for %s: %w", from, err)
		}
		if err := t.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("peer: set local answer: %w", err)
		}
		return m.signal(from, protocol.KindAnswer, answer)

	case protocol.KindAnswer:
		var sd webrtc.SessionDescription
		if err := json.Unmarshal(payload, &sd); err != nil {
			return fmt.Errorf("peer: decode answer from %s: %w", from, err)
		}
		if err := m.setRemote(gen, t, sd); err != nil {
			return fmt.Errorf("peer: apply answer from %s: %w", from, err)
		}
		return nil

	case protocol.KindCandidate:
		var ci webrtc.ICECandidateInit
		if err := json.Unmarshal(payload, &ci); err != nil {
			return fmt.Errorf("peer: decode candidate from %s: %w", from, err)
		}
		m.mu.Lock()
		if m.cur == nil || m.cur.gen != gen {
			m.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrStalePeer, from)
		}
		if !m.cur.remoteSet {
			m.cur.pending = append(m.cur.pending, ci)
			m.mu.Unlock()
			return nil
		}
		m.mu.Unlock()
		if err := t.AddICECandidate(ci); err != nil {
			return fmt.Errorf("peer: add candidate from %s: %w", from, err)
		}
		return nil
	}
	return fmt.Errorf("peer: unknown signal kind %q", kind)
}

// setRemote applies sd and flushes candidates queued before it.
func (m *Manager) setRemote(gen uint64, t Transport, sd webrtc.SessionDescription) error {
	if err := t.SetRemoteDescription(sd); err != nil {
		return err
	}

	m.mu.Lock()
	if m.cur == nil || m.cur.gen != gen {
		m.mu.Unlock()
		return ErrStalePeer
	}
	m.cur.remoteSet = true
	pending := m.cur.pending
	m.cur.pending = nil
	m.mu.Unlock()

	for _, ci := range pending {
		if err := t.AddICECandidate(ci); err != nil {
			m.log.Warn().Err(err).Msg("add queued candidate")
		}
	}
	return nil
}

func (m *Manager) sendOffer(t Transport, peerID string, opts *webrtc.OfferOptions) error {
	offer, err := t.CreateOffer(opts)
	if err != nil {
		return fmt.Errorf("peer: create offer for %s: %w", peerID, err)
	}
	if err := t.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("peer: set local offer: %w", err)
	}
	return m.signal(peerID, protocol.KindOffer, offer)
}

func (m *Manager) signal(to, kind string, v interface{}) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("peer: encode %s: %w", kind, err)
	}
	if err := m.signaler.SendSignal(to, kind, payload); err != nil {
		return fmt.Errorf("peer: send %s to %s: %w", kind, to, err)
	}
	return nil
}

func (m *Manager) sendLocalCandidate(gen uint64, peerID string, ci webrtc.ICECandidateInit) {
	m.mu.Lock()
	stale := m.cur == nil || m.cur.gen != gen
	m.mu.Unlock()
	if stale {
		return
	}
	if err := m.signal(peerID, protocol.KindCandidate, ci); err != nil {
		m.log.Warn().Err(err).Str("peer", peerID).Msg("send candidate")
	}
}

// current returns the connection for gen with m.mu held, or nil (and the
// lock released) if gen is stale.
func (m *Manager) current(gen uint64) *connection {
	m.mu.Lock()
	if m.cur == nil || m.cur.gen != gen {
		m.mu.Unlock()
		return nil
	}
	return m.cur
}

func (m *Manager) onICEState(gen uint64, s webrtc.ICEConnectionState) {
	c := m.current(gen)
	if c == nil {
		return
	}
	events := m.applyLocked(c, stateFromICE(s))
	m.mu.Unlock()
	m.emit(events)
}

// applyLocked moves c to st and arms or disarms the timers that depend on
// it.
func (m *Manager) applyLocked(c *connection, st State) []Event {
	now := m.clock.Now()
	c.rec.LastSeen = now
	if st == c.rec.State {
		return nil
	}
	prev := c.rec.State
	c.rec.State = st
	var events []Event

	switch st {
	case StateConnecting:
		if prev != StateNew {
			c.startedAt = now
		}
		c.rec.Quality = AssessQuality(webrtc.ICEConnectionStateChecking, now.Sub(c.startedAt))

	case StateConnected:
		c.rec.EverConnected = true
		c.connectedIn = now.Sub(c.startedAt)
		c.rec.Quality = AssessQuality(webrtc.ICEConnectionStateConnected, c.connectedIn)
		stop(&c.grace)
		stop(&c.retry)
		stop(&c.negotiation)
		gen := c.gen
		stop(&c.stable)
		c.stable = m.clock.AfterFunc(m.cfg.StableAfter, func() { m.onStable(gen) })

	case StateDisconnected:
		events = append(events, m.unstableLocked(c)...)
		if c.grace == nil {
			gen := c.gen
			c.grace = m.clock.AfterFunc(m.cfg.DisconnectGrace, func() { m.onGraceExpired(gen) })
		}

	case StateFailed:
		events = append(events, m.unstableLocked(c)...)
		stop(&c.grace)
		c.rec.Quality = QualityFailed
		events = append(events, m.scheduleRetryLocked(c)...)

	case StateClosed:
		events = append(events, m.unstableLocked(c)...)
		c.stopTimers()
	}

	if c.rec.Exhausted {
		// Failed until the next Connect, even if ICE recovers on its own.
		c.rec.Quality = QualityFailed
	}

	m.log.Debug().Str("peer", c.rec.PeerID).Str("from", string(prev)).Str("to", string(st)).Str("quality", string(c.rec.Quality)).Msg("state changed")
	return append([]Event{{Kind: EventStateChanged, Record: c.rec}}, events...)
}

func (m *Manager) unstableLocked(c *connection) []Event {
	stop(&c.stable)
	if !c.rec.Stable {
		return nil
	}
	c.rec.Stable = false
	return []Event{{Kind: EventUnstable, Record: c.rec}}
}

// scheduleRetryLocked arms the next ICE restart or gives up once the
// attempt cap is reached.
func (m *Manager) scheduleRetryLocked(c *connection) []Event {
	if c.retry != nil || c.rec.Exhausted {
		return nil
	}
	if c.rec.Attempts >= m.cfg.MaxAttempts {
		c.rec.Exhausted = true
		c.rec.Quality = QualityFailed
		m.log.Warn().Str("peer", c.rec.PeerID).Int("attempts", c.rec.Attempts).Msg("reconnect attempts exhausted")
		return []Event{{Kind: EventExhausted, Record: c.rec, Attempt: c.rec.Attempts, Err: ErrConnectivityFailure}}
	}

	c.rec.Attempts++
	delay := Backoff(c.rec.Attempts, m.cfg.BaseBackoff, m.cfg.MaxBackoff)
	gen := c.gen
	c.retry = m.clock.AfterFunc(delay, func() { m.onRetry(gen) })
	m.log.Info().Str("peer", c.rec.PeerID).Int("attempt", c.rec.Attempts).Dur("delay", delay).Msg("reconnect scheduled")
	return []Event{{Kind: EventReconnecting, Record: c.rec, Attempt: c.rec.Attempts, Delay: delay}}
}

func (m *Manager) onGraceExpired(gen uint64) {
	c := m.current(gen)
	if c == nil {
		return
	}
	c.grace = nil
	var events []Event
	if c.rec.State == StateDisconnected {
		events = m.scheduleRetryLocked(c)
	}
	m.mu.Unlock()
	m.emit(events)
}

// onRetry restarts ICE. Only the initiator sends the restart offer; the
// other side answers it through HandleSignal.
func (m *Manager) onRetry(gen uint64) {
	c := m.current(gen)
	if c == nil {
		return
	}
	c.retry = nil
	if c.rec.State == StateConnected {
		m.mu.Unlock()
		return
	}
	c.startedAt = m.clock.Now()
	t, peerID, initiator := c.transport, c.rec.PeerID, c.rec.Initiator
	m.mu.Unlock()

	if !initiator {
		return
	}
	if err := m.sendOffer(t, peerID, &webrtc.OfferOptions{ICERestart: true}); err != nil {
		m.log.Warn().Err(err).Str("peer", peerID).Msg("ice restart")
	}
}

func (m *Manager) onStable(gen uint64) {
	c := m.current(gen)
	if c == nil {
		return
	}
	c.stable = nil
	var events []Event
	if c.rec.State == StateConnected && !c.rec.Stable {
		c.rec.Stable = true
		c.rec.Attempts = 0
		events = append(events, Event{Kind: EventStable, Record: c.rec})
	}
	m.mu.Unlock()
	m.emit(events)
}

func (m *Manager) onNegotiationTimeout(gen uint64) {
	c := m.current(gen)
	if c == nil {
		return
	}
	c.negotiation = nil
	var events []Event
	if !c.rec.EverConnected {
		m.log.Warn().Str("peer", c.rec.PeerID).Msg("negotiation timed out")
		events = append(events, Event{Kind: EventNegotiationTimeout, Record: c.rec, Err: ErrNegotiationTimeout})
	}
	m.mu.Unlock()
	m.emit(events)
}

// onHealthCheck compares the transport's actual ICE state with the recorded
// one and applies regressions that produced no event.
func (m *Manager) onHealthCheck(gen uint64) {
	c := m.current(gen)
	if c == nil {
		return
	}
	var events []Event
	actual := stateFromICE(c.transport.ICEConnectionState())
	if actual != c.rec.State {
		m.log.Info().Str("peer", c.rec.PeerID).Str("recorded", string(c.rec.State)).Str("actual", string(actual)).Msg("health check found silent state change")
		events = m.applyLocked(c, actual)
	} else {
		switch actual {
		case StateFailed:
			// A restart that produced no state change still counts as an
			// attempt, so the cap is eventually reached.
			events = m.scheduleRetryLocked(c)
		case StateDisconnected:
			// Still down after the grace period and the last restart: the
			// transport will not report it again, so schedule the next one.
			if c.grace == nil && c.retry == nil {
				events = m.scheduleRetryLocked(c)
			}
			if !c.rec.Exhausted {
				c.rec.Quality = AssessQuality(webrtc.ICEConnectionStateChecking, m.clock.Now().Sub(c.startedAt))
			}
		case StateNew, StateConnecting:
			if !c.rec.Exhausted {
				c.rec.Quality = AssessQuality(webrtc.ICEConnectionStateChecking, m.clock.Now().Sub(c.startedAt))
			}
		}
	}
	c.health = m.clock.AfterFunc(m.cfg.HealthInterval, func() { m.onHealthCheck(gen) })
	m.mu.Unlock()
	m.emit(events)
}

func stop(t *Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}
