package api

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/whisper/directchat/internal/apperr"
	"github.com/whisper/directchat/internal/protocol"
	"github.com/whisper/directchat/internal/ws"
)

// frameTimeout bounds the service call behind one client frame.
const frameTimeout = 5 * time.Second

// RegisterFrameHandlers binds the client frames that reach chat to d.
func RegisterFrameHandlers(d *ws.MessageDispatcher, svc ChatService, logger *zap.Logger) {
	if logger == nil {
		logger = zap.NewNop()
	}

	d.Register(protocol.TypeMarkSeen, func(conn *ws.Connection, msg interface{}) {
		req, ok := msg.(protocol.MarkSeenMsg)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), frameTimeout)
		defer cancel()

		m, err := svc.MarkSeen(ctx, conn.UserID, req.MessageID)
		if err != nil {
			switch apperr.KindOf(err) {
			case apperr.KindNotFound:
				d.SendError(conn, protocol.CodeNotFound, "message not found")
			case apperr.KindInternal:
				logger.Error("api: mark_seen failed", zap.String("conn", conn.ID), zap.Error(err))
				d.SendError(conn, protocol.CodeInternal, "internal server error")
			default:
				d.SendError(conn, protocol.CodeBadRequest, apperr.Message(err))
			}
			return
		}
		d.Reply(conn, protocol.TypeMessageSeen, protocol.MessageSeenMsg{Message: m})
	})
}
