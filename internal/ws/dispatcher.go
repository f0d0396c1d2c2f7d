package ws

import (
	"go.uber.org/zap"

	"github.com/whisper/directchat/internal/protocol"
)

// MessageHandler handles one parsed client frame. msg is the concrete struct
// returned by protocol.ParseClientMessage.
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes client frames to handlers by type. Ping is
// answered internally; malformed and unsupported frames get an error frame.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	server   *Server
	logger   *zap.Logger
}

// NewMessageDispatcher creates a dispatcher. server may be nil and set later
// with SetServer, since the server takes Dispatch as its message callback.
func NewMessageDispatcher(server *Server, logger *zap.Logger) *MessageDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		server:   server,
		logger:   logger,
	}
}

// SetServer assigns the server used for replies.
func (d *MessageDispatcher) SetServer(server *Server) {
	d.server = server
}

// Register associates a handler with a frame type, replacing any previous
// one.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the server's OnMessage callback.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		d.logger.Debug("ws: dispatch parse error", zap.String("conn", conn.ID), zap.Error(err))
		d.SendError(conn, protocol.CodeBadRequest, "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		d.reply(conn, protocol.TypePong, protocol.PongMsg{})
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		d.logger.Debug("ws: unsupported message type", zap.String("type", msgType), zap.String("conn", conn.ID))
		d.SendError(conn, protocol.CodeBadRequest, "unsupported message type")
		return
	}

	handler(conn, msg)
}

// Reply sends an event to conn, logging failures.
func (d *MessageDispatcher) Reply(conn *Connection, msgType string, payload interface{}) {
	d.reply(conn, msgType, payload)
}

// SendError sends an error frame to conn.
func (d *MessageDispatcher) SendError(conn *Connection, code, message string) {
	d.reply(conn, protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
}

func (d *MessageDispatcher) reply(conn *Connection, msgType string, payload interface{}) {
	if d.server == nil {
		return
	}
	if err := d.server.Reply(conn, msgType, payload); err != nil {
		d.logger.Debug("ws: reply failed",
			zap.String("type", msgType), zap.String("conn", conn.ID), zap.Error(err))
	}
}
