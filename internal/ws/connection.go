package ws

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/samber/lo"
)

// outboxSize bounds the frames queued for one channel. A channel that falls
// this far behind is treated as stalled.
const outboxSize = 64

var (
	// ErrOutboxFull is returned when a channel's outbound queue is full.
	ErrOutboxFull = errors.New("ws: outbound queue full")

	// ErrConnClosed is returned when queueing onto a closed channel.
	ErrConnClosed = errors.New("ws: connection closed")
)

// Connection is one open delivery channel. Outbound frames are queued and
// written by a single writer goroutine, so callers never wait on the peer.
type Connection struct {
	ID         string   // connection id (UUID)
	UserID     string   // authenticated owner
	Conn       net.Conn // underlying TCP connection
	Fd         int      // file descriptor for epoll, -1 on the fallback poller
	RemoteAddr string
	CreatedAt  time.Time

	// reader buffers inbound bytes; only the worker holding processing reads
	// from it.
	reader *bufio.Reader

	lastActive atomic.Int64 // unix nanos of the last frame read from the client
	processing atomic.Bool  // set while a worker is reading this connection

	outbox    chan ws.Frame
	closed    chan struct{}
	closeOnce sync.Once
}

func newConnection(id, userID string, conn net.Conn, fd int, remoteAddr string) *Connection {
	now := time.Now()
	c := &Connection{
		ID:         id,
		UserID:     userID,
		Conn:       conn,
		Fd:         fd,
		RemoteAddr: remoteAddr,
		CreatedAt:  now,
		reader:     bufio.NewReaderSize(conn, 4096),
		outbox:     make(chan ws.Frame, outboxSize),
		closed:     make(chan struct{}),
	}
	c.touch(now)
	return c
}

func (c *Connection) touch(t time.Time) {
	c.lastActive.Store(t.UnixNano())
}

// LastActive returns when the client was last heard from.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

// WriteMessage queues a text frame.
func (c *Connection) WriteMessage(data []byte) error {
	return c.enqueue(ws.NewTextFrame(data))
}

// WritePing queues a protocol-level ping frame (opcode 0x9).
func (c *Connection) WritePing() error {
	return c.enqueue(ws.NewPingFrame(nil))
}

// WritePong queues the answer to a client ping with the same payload.
func (c *Connection) WritePong(payload []byte) error {
	return c.enqueue(ws.NewPongFrame(payload))
}

func (c *Connection) enqueue(f ws.Frame) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	select {
	case c.outbox <- f:
		return nil
	default:
		return ErrOutboxFull
	}
}

// writeLoop writes queued frames until the connection closes. Each write
// gets its own deadline; onErr runs once for the first failed write and the
// loop then exits.
func (c *Connection) writeLoop(timeout time.Duration, onErr func(error)) {
	for {
		select {
		case <-c.closed:
			return
		case f := <-c.outbox:
			if timeout > 0 {
				_ = c.Conn.SetWriteDeadline(time.Now().Add(timeout))
			}
			if err := ws.WriteFrame(c.Conn, f); err != nil {
				onErr(err)
				return
			}
		}
	}
}

// Close closes the underlying network connection and stops the writer.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.Conn.Close()
	})
	return err
}

// ConnectionManager indexes open connections by connection id. A connection
// may still be open after its user reconnected, so the manager can hold more
// connections than the presence registry has users.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID: make(map[string]*Connection),
	}
}

// Add registers a new connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.mu.Unlock()
}

// Remove drops the connection with the given id and closes it. It returns
// true for exactly one caller per connection, which owns the rest of the
// teardown.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given id, or nil.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// Count returns the current number of open connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all open connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := lo.Values(cm.byID)
	cm.mu.RUnlock()
	return conns
}
