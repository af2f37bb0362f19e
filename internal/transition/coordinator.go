// Package transition sequences the hand-off from one partner's connection to
// the next. At most one transition runs at a time; a request that arrives
// while another is in flight waits for it to finish.
package transition

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/whisper/pairing/internal/config"
	"github.com/whisper/pairing/internal/peer"
)

var (
	// ErrStabilizeTimeout is recorded when the new connection does not come
	// up in time.
	ErrStabilizeTimeout = errors.New("transition: connection did not stabilize")

	// ErrCleanupPanic is recorded when the old connection's cleanup panics.
	ErrCleanupPanic = errors.New("transition: cleanup panicked")

	// ErrReleased is recorded when the new connection is released or
	// replaced before it stabilized.
	ErrReleased = errors.New("transition: connection released")
)

// Phase is the step a transition is in.
type Phase string

const (
	PhasePreparing   Phase = "preparing"
	PhaseConnecting  Phase = "connecting"
	PhaseStabilizing Phase = "stabilizing"
	PhaseComplete    Phase = "complete"
	PhaseFailed      Phase = "failed"
)

// Terminal reports whether p ends a transition.
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseFailed
}

// Record describes one transition.
type Record struct {
	From      string
	To        string
	Initiator bool
	StartedAt time.Time
	Phase     Phase
	Err       error
}

// Connector starts connections and reports on them. *peer.Manager
// implements it.
type Connector interface {
	Connect(peerID string, initiator bool) error
	Status(peerID string) (peer.State, peer.Quality, bool)
}

// Config holds the coordinator's delays.
type Config struct {
	GraceDelay       time.Duration
	PollInterval     time.Duration
	StabilizeTimeout time.Duration
	InactiveAfter    time.Duration
	PurgeInterval    time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return ConfigFrom(config.Default().Transition)
}

// ConfigFrom converts the file/env configuration.
func ConfigFrom(c config.TransitionConfig) Config {
	return Config{
		GraceDelay:       c.GraceDelay,
		PollInterval:     c.PollInterval,
		StabilizeTimeout: c.StabilizeTimeout,
		InactiveAfter:    c.InactiveAfter,
		PurgeInterval:    c.PurgeInterval,
	}
}

// tracked is the bookkeeping kept per peer a transition targeted.
type tracked struct {
	lastSeen      time.Time
	everConnected bool
}

// Coordinator runs transitions one at a time.
type Coordinator struct {
	cfg       Config
	connector Connector
	now       func() time.Time
	log       zerolog.Logger

	flight chan struct{}

	mu      sync.Mutex
	current string // peer of the last completed transition
	active  *Record
	peers   map[string]*tracked
	subs    map[int]func(Record)
	nextSub int
}

// NewCoordinator creates a Coordinator driving connector.
func NewCoordinator(cfg Config, connector Connector, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		cfg:       cfg,
		connector: connector,
		now:       time.Now,
		log:       logger,
		flight:    make(chan struct{}, 1),
		peers:     make(map[string]*tracked),
		subs:      make(map[int]func(Record)),
	}
}

// Subscribe registers fn for every phase change and returns a function
// removing it.
func (c *Coordinator) Subscribe(fn func(Record)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextSub
	c.nextSub++
	c.subs[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.subs, id)
		c.mu.Unlock()
	}
}

// Active returns the transition in flight, if any.
func (c *Coordinator) Active() (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active == nil {
		return Record{}, false
	}
	return *c.active, true
}

// Current returns the peer the last successful transition connected to.
func (c *Coordinator) Current() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Touch marks peerID as active now.
func (c *Coordinator) Touch(peerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if t, ok := c.peers[peerID]; ok {
		t.lastSeen = c.now()
	}
}

// Tracked reports whether peerID is still in the bookkeeping.
func (c *Coordinator) Tracked(peerID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.peers[peerID]
	return ok
}

// TransitionToPeer hands off to peerID. cleanupOld, if not nil, releases the
// previous connection after the grace delay. It returns true once the new
// connection is connected with acceptable quality. Errors, a panicking
// cleanup and timeouts all end in PhaseFailed and false; the caller decides
// whether to search again.
func (c *Coordinator) TransitionToPeer(ctx context.Context, peerID string, initiator bool, cleanupOld func() error) bool {
	select {
	case c.flight <- struct{}{}:
	case <-ctx.Done():
		c.log.Warn().Str("to", peerID).Msg("gave up waiting for in-flight transition")
		return false
	}
	defer func() { <-c.flight }()

	c.mu.Lock()
	rec := &Record{
		From:      c.current,
		To:        peerID,
		Initiator: initiator,
		StartedAt: c.now(),
		Phase:     PhasePreparing,
	}
	c.active = rec
	c.mu.Unlock()
	c.publish(*rec)

	err := c.run(ctx, rec, cleanupOld)

	c.mu.Lock()
	if err != nil {
		rec.Phase = PhaseFailed
		rec.Err = err
	} else {
		rec.Phase = PhaseComplete
		c.current = peerID
	}
	c.active = nil
	final := *rec
	c.mu.Unlock()
	c.publish(final)

	if err != nil {
		c.log.Warn().Err(err).Str("from", final.From).Str("to", peerID).Dur("took", c.now().Sub(final.StartedAt)).Msg("transition failed")
		return false
	}
	c.log.Info().Str("from", final.From).Str("to", peerID).Dur("took", c.now().Sub(final.StartedAt)).Msg("transition complete")
	return true
}

func (c *Coordinator) run(ctx context.Context, rec *Record, cleanupOld func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrCleanupPanic, r)
		}
	}()

	if cleanupOld != nil {
		if err := sleep(ctx, c.cfg.GraceDelay); err != nil {
			return err
		}
		if err := cleanupOld(); err != nil {
			return fmt.Errorf("transition: cleanup %s: %w", rec.From, err)
		}
	}

	c.setPhase(rec, PhaseConnecting)
	c.mu.Lock()
	c.peers[rec.To] = &tracked{lastSeen: c.now()}
	c.mu.Unlock()
	if err := c.connector.Connect(rec.To, rec.Initiator); err != nil {
		return fmt.Errorf("transition: connect %s: %w", rec.To, err)
	}

	c.setPhase(rec, PhaseStabilizing)
	return c.stabilize(ctx, rec.To)
}

// stabilize polls until peerID is connected with quality better than poor.
func (c *Coordinator) stabilize(ctx context.Context, peerID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.StabilizeTimeout)
	defer cancel()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		state, quality, ok := c.connector.Status(peerID)
		if !ok {
			return fmt.Errorf("%w: %s", ErrReleased, peerID)
		}
		if state == peer.StateConnected {
			c.mu.Lock()
			if t, found := c.peers[peerID]; found {
				t.everConnected = true
				t.lastSeen = c.now()
			}
			c.mu.Unlock()
			if quality != peer.QualityPoor && quality != peer.QualityFailed {
				return nil
			}
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: %s after %s", ErrStabilizeTimeout, peerID, c.cfg.StabilizeTimeout)
			}
			return ctx.Err()
		}
	}
}

func (c *Coordinator) setPhase(rec *Record, p Phase) {
	c.mu.Lock()
	rec.Phase = p
	snap := *rec
	c.mu.Unlock()
	c.log.Debug().Str("to", rec.To).Str("phase", string(p)).Msg("transition phase")
	c.publish(snap)
}

func (c *Coordinator) publish(rec Record) {
	c.mu.Lock()
	subs := make([]func(Record), 0, len(c.subs))
	for i := 0; i < c.nextSub; i++ {
		if fn, ok := c.subs[i]; ok {
			subs = append(subs, fn)
		}
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(rec)
	}
}

// Purge drops peers that never connected and have been inactive longer than
// InactiveAfter. It returns how many were removed.
func (c *Coordinator) Purge(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for id, t := range c.peers {
		if t.everConnected || now.Sub(t.lastSeen) <= c.cfg.InactiveAfter {
			continue
		}
		if c.active != nil && c.active.To == id {
			continue
		}
		delete(c.peers, id)
		n++
	}
	if n > 0 {
		c.log.Debug().Int("purged", n).Int("remaining", len(c.peers)).Msg("purged inactive peers")
	}
	return n
}

// Forget drops peerID's bookkeeping, for example once its room closed.
func (c *Coordinator) Forget(peerID string) {
	c.mu.Lock()
	delete(c.peers, peerID)
	c.mu.Unlock()
}

// Run purges on PurgeInterval until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.Purge(now)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
