package matching

import (
	"github.com/rs/zerolog"

	"github.com/whisper/pairing/internal/messaging"
)

// Publisher receives pairing lifecycle events. Calls happen after the
// resolver lock is released.
type Publisher interface {
	MatchFound(ev messaging.MatchFoundEvent)
	RoomClosed(ev messaging.RoomClosedEvent)
	PeerLiked(ev messaging.PeerLikedEvent)
	PeerBlocked(ev messaging.PeerBlockedEvent)
}

// NATSPublisher publishes lifecycle events over NATS. Publish failures are
// logged and never affect pairing.
type NATSPublisher struct {
	nats *messaging.NATSClient
	log  zerolog.Logger
}

// NewNATSPublisher wraps a connected NATS client.
func NewNATSPublisher(nc *messaging.NATSClient, logger zerolog.Logger) *NATSPublisher {
	return &NATSPublisher{nats: nc, log: logger}
}

func (p *NATSPublisher) MatchFound(ev messaging.MatchFoundEvent) {
	p.publish(messaging.SubjectMatchFound, ev)
}

func (p *NATSPublisher) RoomClosed(ev messaging.RoomClosedEvent) {
	p.publish(messaging.SubjectRoomClosed, ev)
}

func (p *NATSPublisher) PeerLiked(ev messaging.PeerLikedEvent) {
	p.publish(messaging.SubjectPeerLiked, ev)
}

func (p *NATSPublisher) PeerBlocked(ev messaging.PeerBlockedEvent) {
	p.publish(messaging.SubjectPeerBlocked, ev)
}

func (p *NATSPublisher) publish(subject string, v interface{}) {
	if err := p.nats.PublishJSON(subject, v); err != nil {
		p.log.Warn().Err(err).Str("subject", subject).Msg("publish event")
	}
}

type nopPublisher struct{}

func (nopPublisher) MatchFound(messaging.MatchFoundEvent)   {}
func (nopPublisher) RoomClosed(messaging.RoomClosedEvent)   {}
func (nopPublisher) PeerLiked(messaging.PeerLikedEvent)     {}
func (nopPublisher) PeerBlocked(messaging.PeerBlockedEvent) {}
