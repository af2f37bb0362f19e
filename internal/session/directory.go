package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/whisper/pairing/internal/protocol"
)

// ErrChannelNotFound is returned when no channel is registered for an id.
var ErrChannelNotFound = errors.New("session: channel not found")

// Channel is a participant's outbound message channel. WebSocket
// connections implement it.
type Channel interface {
	Send(data []byte) error
}

// Directory maps participant ids to their current channel. It is safe for
// concurrent use.
type Directory struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

// NewDirectory creates an empty Directory.
func NewDirectory() *Directory {
	return &Directory{channels: make(map[string]Channel)}
}

// Register binds id to ch and returns the channel it replaced, if any. The
// caller is responsible for closing a replaced channel.
func (d *Directory) Register(id string, ch Channel) (Channel, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	prev, ok := d.channels[id]
	d.channels[id] = ch
	return prev, ok
}

// Unregister removes id only while it is still bound to ch, so a late
// cleanup of a replaced connection does not evict its successor.
func (d *Directory) Unregister(id string, ch Channel) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	cur, ok := d.channels[id]
	if !ok || cur != ch {
		return false
	}
	delete(d.channels, id)
	return true
}

// Channel returns the channel bound to id.
func (d *Directory) Channel(id string) (Channel, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ch, ok := d.channels[id]
	return ch, ok
}

// Send writes data to id's channel. It returns ErrChannelNotFound when id is
// not connected; nothing is buffered.
func (d *Directory) Send(id string, data []byte) error {
	ch, ok := d.Channel(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, id)
	}
	if err := ch.Send(data); err != nil {
		return fmt.Errorf("session: send to %s: %w", id, err)
	}
	return nil
}

// SendMessage encodes a server message and sends it to id.
func (d *Directory) SendMessage(id, msgType string, payload interface{}) error {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		return err
	}
	return d.Send(id, data)
}

// Count returns the number of registered channels.
func (d *Directory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.channels)
}
