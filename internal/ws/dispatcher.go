package ws

import (
	"github.com/rs/zerolog"

	"github.com/whisper/pairing/internal/protocol"
)

// MessageHandler handles one parsed client message. msg is the concrete
// struct returned by protocol.ParseClientMessage.
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming messages to handlers by type. Ping is
// answered internally; malformed and unsupported messages get an error
// reply on the same connection only.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	onPing   func(conn *Connection)
	log      zerolog.Logger
}

// NewMessageDispatcher creates an empty dispatcher.
func NewMessageDispatcher(logger zerolog.Logger) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		log:      logger,
	}
}

// Register associates handler with msgType, replacing any previous one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// OnPing sets a callback run for every client ping before the pong.
func (d *MessageDispatcher) OnPing(fn func(conn *Connection)) {
	d.onPing = fn
}

// Dispatch is the server's onMessage callback.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.log.Debug().Err(err).Str("session", conn.ID).Msg("dispatch parse error")
		d.reply(conn, protocol.NewError(protocol.CodeInvalidRequest, "invalid message format"))
		return
	}

	if msgType == protocol.TypePing {
		conn.Touch()
		if d.onPing != nil {
			d.onPing(conn)
		}
		pong, _ := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
		d.reply(conn, pong)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.log.Debug().Str("type", msgType).Str("session", conn.ID).Msg("unsupported message type")
		d.reply(conn, protocol.NewError(protocol.CodeInvalidRequest, "unsupported message type"))
		return
	}

	handler(conn, msg)
}

func (d *MessageDispatcher) reply(conn *Connection, data []byte) {
	if err := conn.Send(data); err != nil {
		d.log.Debug().Err(err).Str("session", conn.ID).Msg("reply failed")
	}
}
