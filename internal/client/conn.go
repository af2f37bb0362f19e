// Package client is the participant side of the pairing service: a
// WebSocket connection to the server and the session glue that turns match
// and signaling messages into peer connection transitions.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"

	"github.com/whisper/pairing/internal/protocol"
)

// ErrClosed is returned when sending on a closed connection.
var ErrClosed = errors.New("client: connection closed")

// Metrics tracks per-connection counters.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// Conn is a WebSocket connection to the pairing server. Incoming messages
// are dispatched by type to every subscriber registered for that type.
type Conn struct {
	conn net.Conn
	log  zerolog.Logger

	writeMu sync.Mutex

	mu        sync.Mutex
	sessionID string
	subs      map[string]map[int]func(json.RawMessage)
	nextSub   int
	metrics   Metrics

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to url. A non-empty token is sent as a bearer
// Authorization header.
func Dial(ctx context.Context, url, token string, logger zerolog.Logger) (*Conn, error) {
	start := time.Now()

	dialer := ws.Dialer{}
	if token != "" {
		dialer.Header = ws.HandshakeHeaderHTTP(http.Header{
			"Authorization": []string{"Bearer " + token},
		})
	}
	conn, br, _, err := dialer.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", url, err)
	}
	if br != nil {
		// The server wrote frames together with the handshake response.
		conn = &bufferedConn{Conn: conn, r: br}
	}

	c := newConn(conn, logger)
	c.metrics.ConnectLatency = time.Since(start)
	go c.readLoop()
	return c, nil
}

type bufferedConn struct {
	net.Conn
	r io.Reader
}

func (b *bufferedConn) Read(p []byte) (int, error) {
	return b.r.Read(p)
}

func newConn(conn net.Conn, logger zerolog.Logger) *Conn {
	return &Conn{
		conn:  conn,
		log:   logger,
		subs:  make(map[string]map[int]func(json.RawMessage)),
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// Send encodes payload as a message of msgType and writes it.
func (c *Conn) Send(msgType string, payload interface{}) error {
	data, err := protocol.NewClientMessage(msgType, payload)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	err = wsutil.WriteClientMessage(c.conn, ws.OpText, data)
	c.writeMu.Unlock()

	c.mu.Lock()
	if err != nil {
		c.metrics.Errors++
	} else {
		c.metrics.MessagesSent++
	}
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("client: send %s: %w", msgType, err)
	}
	return nil
}

// SendSignal relays a negotiation payload to the paired peer.
func (c *Conn) SendSignal(to, kind string, payload json.RawMessage) error {
	msgType, ok := protocol.SignalType(kind)
	if !ok {
		return fmt.Errorf("client: unknown signal kind %q: %w", kind, protocol.ErrValidation)
	}
	return c.Send(msgType, protocol.SignalMsg{Payload: payload, To: to})
}

// Subscribe registers fn for messages of msgType and returns a function
// removing it. Handlers run on the read goroutine and must not block.
func (c *Conn) Subscribe(msgType string, fn func(json.RawMessage)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextSub
	c.nextSub++
	if c.subs[msgType] == nil {
		c.subs[msgType] = make(map[int]func(json.RawMessage))
	}
	c.subs[msgType][id] = fn
	return func() {
		c.mu.Lock()
		delete(c.subs[msgType], id)
		c.mu.Unlock()
	}
}

// WaitForSession blocks until the server assigned a session id.
func (c *Conn) WaitForSession(ctx context.Context) (string, error) {
	select {
	case <-c.ready:
		return c.SessionID(), nil
	case <-c.done:
		return "", ErrClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// SessionID returns the id assigned by the server, or "".
func (c *Conn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Metrics returns a copy of the connection counters.
func (c *Conn) Metrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

// Done is closed when the connection ends.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Close closes the connection. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Conn) readLoop() {
	defer c.Close()

	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.mu.Lock()
				c.metrics.Errors++
				c.mu.Unlock()
				c.log.Warn().Err(err).Msg("read failed, closing")
			}
			return
		}
		c.dispatch(data)
	}
}

func (c *Conn) dispatch(data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
		c.log.Debug().Err(err).Msg("ignoring malformed server message")
		return
	}

	c.mu.Lock()
	c.metrics.MessagesReceived++
	if env.Type == protocol.TypeSessionCreated {
		var msg protocol.SessionCreatedMsg
		if err := json.Unmarshal(data, &msg); err == nil && msg.SessionID != "" {
			c.sessionID = msg.SessionID
			c.readyOnce.Do(func() { close(c.ready) })
		}
	}
	handlers := make([]func(json.RawMessage), 0, len(c.subs[env.Type]))
	for i := 0; i < c.nextSub; i++ {
		if fn, ok := c.subs[env.Type][i]; ok {
			handlers = append(handlers, fn)
		}
	}
	c.mu.Unlock()

	for _, fn := range handlers {
		fn(json.RawMessage(data))
	}
}
