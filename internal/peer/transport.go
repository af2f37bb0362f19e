package peer

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
)

// Transport is the part of *webrtc.PeerConnection the machine drives.
type Transport interface {
	OnICEConnectionStateChange(f func(webrtc.ICEConnectionState))
	OnICECandidate(f func(*webrtc.ICECandidate))
	ICEConnectionState() webrtc.ICEConnectionState
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	Close() error
}

// Factory builds a fresh transport for each pairing.
type Factory func() (Transport, error)

// Signaler sends local negotiation messages to the partner.
type Signaler interface {
	SendSignal(to, kind string, payload json.RawMessage) error
}

// SignalerFunc adapts a function to Signaler.
type SignalerFunc func(to, kind string, payload json.RawMessage) error

func (f SignalerFunc) SendSignal(to, kind string, payload json.RawMessage) error {
	return f(to, kind, payload)
}

// PionOptions configures NewPionFactory.
type PionOptions struct {
	ICEServers []string
	// DataChannel, when set, is opened on every connection so that an offer
	// has something to negotiate without media tracks.
	DataChannel string
	// OnConnection is called with each new PeerConnection, e.g. to add
	// tracks or data channel handlers.
	OnConnection func(pc *webrtc.PeerConnection) error
}

// NewPionFactory returns a Factory producing pion PeerConnections whose
// internal logs go to logger.
func NewPionFactory(opts PionOptions, logger zerolog.Logger) Factory {
	se := webrtc.SettingEngine{}
	se.LoggerFactory = NewLoggerFactory(logger)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(se))

	var servers []webrtc.ICEServer
	if len(opts.ICEServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: opts.ICEServers}}
	}

	return func() (Transport, error) {
		pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
		if err != nil {
			return nil, fmt.Errorf("peer: new peer connection: %w", err)
		}
		if opts.DataChannel != "" {
			if _, err := pc.CreateDataChannel(opts.DataChannel, nil); err != nil {
				_ = pc.Close()
				return nil, fmt.Errorf("peer: create data channel: %w", err)
			}
		}
		if opts.OnConnection != nil {
			if err := opts.OnConnection(pc); err != nil {
				_ = pc.Close()
				return nil, err
			}
		}
		return pc, nil
	}
}
