// Package peer owns the lifecycle of one media connection to one partner:
// negotiation through the signaling channel, connectivity state tracking,
// quality assessment, bounded reconnection with backoff and a stability
// window that dependent logic can trust.
package peer

import (
	"errors"
	"time"

	"github.com/pion/webrtc/v4"
)

var (
	// ErrStalePeer is returned for signals from a peer other than the current
	// one. They are never applied to the current connection.
	ErrStalePeer = errors.New("peer: signal from stale peer")

	// ErrNegotiationTimeout is carried by EventNegotiationTimeout.
	ErrNegotiationTimeout = errors.New("peer: negotiation timed out")

	// ErrConnectivityFailure is carried by EventExhausted.
	ErrConnectivityFailure = errors.New("peer: connectivity failed, retries exhausted")

	// ErrNoConnection is returned when no connection is active.
	ErrNoConnection = errors.New("peer: no active connection")
)

// State is the connection state as seen by the machine.
type State string

const (
	StateNew          State = "new"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

// Quality is a coarse rating of how the connection came up.
type Quality string

const (
	QualityExcellent Quality = "excellent"
	QualityGood      Quality = "good"
	QualityPoor      Quality = "poor"
	QualityFailed    Quality = "failed"
)

// Quality thresholds on elapsed connecting time.
const (
	goodAfter = 5 * time.Second
	poorAfter = 10 * time.Second
)

// Record is a snapshot of the current connection.
type Record struct {
	PeerID        string
	Initiator     bool
	State         State
	Quality       Quality
	LastSeen      time.Time
	Stable        bool
	Attempts      int
	EverConnected bool
	Exhausted     bool
}

// stateFromICE maps pion's ICE connection state onto State.
func stateFromICE(s webrtc.ICEConnectionState) State {
	switch s {
	case webrtc.ICEConnectionStateChecking:
		return StateConnecting
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		return StateConnected
	case webrtc.ICEConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.ICEConnectionStateFailed:
		return StateFailed
	case webrtc.ICEConnectionStateClosed:
		return StateClosed
	default:
		return StateNew
	}
}

// AssessQuality rates a connection. A failed ICE state is always failed;
// otherwise the longer it took to connect the worse the rating.
func AssessQuality(ice webrtc.ICEConnectionState, elapsed time.Duration) Quality {
	if ice == webrtc.ICEConnectionStateFailed {
		return QualityFailed
	}
	switch {
	case elapsed > poorAfter:
		return QualityPoor
	case elapsed > goodAfter:
		return QualityGood
	default:
		return QualityExcellent
	}
}

// Backoff returns the delay before reconnect attempt n (1-based):
// min(base*2^(n-1), max).
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
