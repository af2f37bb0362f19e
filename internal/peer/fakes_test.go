package peer

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// manualClock fires timers only when advanced.
type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*manualTimer
}

type manualTimer struct {
	clock   *manualClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &manualTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward, running due timers in order.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var next *manualTimer
		for _, t := range c.timers {
			if t.stopped || t.fired || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		c.now = next.at
		next.fired = true
		c.mu.Unlock()
		next.f()
	}
}

// fakeTransport records what the manager asks of it.
type fakeTransport struct {
	mu          sync.Mutex
	state       webrtc.ICEConnectionState
	onState     func(webrtc.ICEConnectionState)
	onCandidate func(*webrtc.ICECandidate)
	closed      bool
	offers      []*webrtc.OfferOptions
	remote      []webrtc.SessionDescription
	local       []webrtc.SessionDescription
	candidates  []webrtc.ICECandidateInit
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{state: webrtc.ICEConnectionStateNew}
}

func (f *fakeTransport) OnICEConnectionStateChange(fn func(webrtc.ICEConnectionState)) {
	f.mu.Lock()
	f.onState = fn
	f.mu.Unlock()
}

func (f *fakeTransport) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	f.mu.Lock()
	f.onCandidate = fn
	f.mu.Unlock()
}

func (f *fakeTransport) ICEConnectionState() webrtc.ICEConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) CreateOffer(opts *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	f.mu.Lock()
	f.offers = append(f.offers, opts)
	f.mu.Unlock()
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0 offer"}, nil
}

func (f *fakeTransport) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0 answer"}, nil
}

func (f *fakeTransport) SetLocalDescription(sd webrtc.SessionDescription) error {
	f.mu.Lock()
	f.local = append(f.local, sd)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) SetRemoteDescription(sd webrtc.SessionDescription) error {
	f.mu.Lock()
	f.remote = append(f.remote, sd)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) AddICECandidate(ci webrtc.ICECandidateInit) error {
	f.mu.Lock()
	f.candidates = append(f.candidates, ci)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// fire reports a state change the way pion does.
func (f *fakeTransport) fire(s webrtc.ICEConnectionState) {
	f.mu.Lock()
	f.state = s
	fn := f.onState
	f.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// setSilently changes the state without an event.
func (f *fakeTransport) setSilently(s webrtc.ICEConnectionState) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

type sentSignal struct {
	to      string
	kind    string
	payload json.RawMessage
}

type signalLog struct {
	mu   sync.Mutex
	sent []sentSignal
}

func (s *signalLog) SendSignal(to, kind string, payload json.RawMessage) error {
	s.mu.Lock()
	s.sent = append(s.sent, sentSignal{to: to, kind: kind, payload: payload})
	s.mu.Unlock()
	return nil
}

func (s *signalLog) kinds() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.sent))
	for i, sig := range s.sent {
		out[i] = sig.kind
	}
	return out
}

type eventSink struct {
	mu     sync.Mutex
	events []Event
}

func (e *eventSink) add(ev Event) {
	e.mu.Lock()
	e.events = append(e.events, ev)
	e.mu.Unlock()
}

func (e *eventSink) of(kind EventKind) []Event {
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
