package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/whisper/directchat/internal/protocol"
)

// Channel is the live delivery channel of one user. Handlers run on the
// read goroutine and should not block.
type Channel struct {
	conn net.Conn
	src  io.Reader

	writeMu sync.Mutex

	mu       sync.RWMutex
	handlers map[string]func(msg interface{})

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Connect opens the delivery channel for userID, which must be the
// signed-in user. setup, if not nil, runs before the first frame is read so
// handlers registered there see the initial roster event.
func (c *Client) Connect(ctx context.Context, userID string, setup func(ch *Channel)) (*Channel, error) {
	wsURL := "ws" + strings.TrimPrefix(c.base, "http") + "/ws?userId=" + url.QueryEscape(userID)

	header := http.Header{}
	if token := c.Token(); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	dialer := ws.Dialer{Header: ws.HandshakeHeaderHTTP(header)}

	conn, br, _, err := dialer.Dial(ctx, wsURL)
	if err != nil {
		return nil, fmt.Errorf("client: dial: %w", err)
	}

	ch := &Channel{
		conn:     conn,
		src:      conn,
		handlers: make(map[string]func(interface{})),
		done:     make(chan struct{}),
	}
	if br != nil {
		// The server may already have written frames behind the handshake.
		ch.src = io.MultiReader(br, conn)
	}
	if setup != nil {
		setup(ch)
	}
	go ch.readLoop()
	return ch, nil
}

// On registers the handler for a server event type, replacing any previous
// one. msg is the typed payload from protocol.ParseServerMessage.
func (ch *Channel) On(eventType string, handler func(msg interface{})) {
	ch.mu.Lock()
	ch.handlers[eventType] = handler
	ch.mu.Unlock()
}

// Ping sends an application-level ping; the server answers with pong.
func (ch *Channel) Ping() error {
	return ch.send(protocol.TypePing, protocol.PingMsg{})
}

// MarkSeen acknowledges one message over the channel. The server answers
// with message_seen or an error frame.
func (ch *Channel) MarkSeen(messageID string) error {
	return ch.send(protocol.TypeMarkSeen, protocol.MarkSeenMsg{MessageID: messageID})
}

func (ch *Channel) send(eventType string, payload interface{}) error {
	data, err := protocol.NewClientMessage(eventType, payload)
	if err != nil {
		return err
	}
	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	return wsutil.WriteClientText(ch.conn, data)
}

// Done is closed when the channel stops reading.
func (ch *Channel) Done() <-chan struct{} {
	return ch.done
}

// Err reports why the channel stopped. It is nil after Close.
func (ch *Channel) Err() error {
	<-ch.done
	return ch.err
}

// Close closes the channel. It is safe to call more than once.
func (ch *Channel) Close() error {
	var err error
	ch.closeOnce.Do(func() {
		ch.writeMu.Lock()
		_ = ws.WriteFrame(ch.conn, ws.MaskFrame(ws.NewCloseFrame(ws.NewCloseFrameBody(ws.StatusNormalClosure, ""))))
		ch.writeMu.Unlock()
		err = ch.conn.Close()
	})
	return err
}

func (ch *Channel) readLoop() {
	defer close(ch.done)

	rd := &wsutil.Reader{
		Source:         ch.src,
		State:          ws.StateClientSide,
		CheckUTF8:      true,
		OnIntermediate: ch.handleControl,
	}
	for {
		hdr, err := rd.NextFrame()
		if err != nil {
			ch.stop(err)
			return
		}
		if hdr.OpCode.IsControl() {
			if err := ch.handleControl(hdr, rd); err != nil {
				ch.stop(err)
				return
			}
			continue
		}
		if hdr.OpCode != ws.OpText {
			if err := rd.Discard(); err != nil {
				ch.stop(err)
				return
			}
			continue
		}

		data, err := io.ReadAll(rd)
		if err != nil {
			ch.stop(err)
			return
		}
		ch.dispatch(data)
	}
}

// handleControl answers pings and close frames under the write lock.
func (ch *Channel) handleControl(h ws.Header, r io.Reader) error {
	ch.writeMu.Lock()
	defer ch.writeMu.Unlock()
	return wsutil.ControlHandler{Src: r, Dst: ch.conn, State: ws.StateClientSide}.Handle(h)
}

func (ch *Channel) dispatch(data []byte) {
	eventType, msg, err := protocol.ParseServerMessage(data)
	if err != nil {
		return
	}
	ch.mu.RLock()
	handler := ch.handlers[eventType]
	ch.mu.RUnlock()
	if handler != nil {
		handler(msg)
	}
}

func (ch *Channel) stop(err error) {
	var closed wsutil.ClosedError
	if errors.As(err, &closed) || errors.Is(err, net.ErrClosed) {
		return
	}
	ch.err = err
}
