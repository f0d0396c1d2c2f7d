//go:build linux

package ws

import (
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// Poller wraps Linux epoll. Connections are registered by file descriptor
// and Wait returns those with pending input, so no goroutine is parked per
// idle connection.
type Poller struct {
	fd     int
	mu     sync.RWMutex
	conns  map[int]*Connection
	events []unix.EpollEvent
}

// NewPoller creates an epoll instance.
func NewPoller() (*Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	return &Poller{
		fd:     fd,
		conns:  make(map[int]*Connection),
		events: make([]unix.EpollEvent, 128),
	}, nil
}

// Add registers c for read readiness and peer hang-up.
func (p *Poller) Add(c *Connection) error {
	if c.Fd < 0 {
		return syscall.EBADF
	}
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, c.Fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLHUP | unix.EPOLLRDHUP,
		Fd:     int32(c.Fd),
	}); err != nil {
		return err
	}

	p.mu.Lock()
	p.conns[c.Fd] = c
	p.mu.Unlock()
	return nil
}

// Remove unregisters c. Removing an unknown connection is a no-op.
func (p *Poller) Remove(c *Connection) error {
	p.mu.Lock()
	if p.conns[c.Fd] != c {
		p.mu.Unlock()
		return nil
	}
	delete(p.conns, c.Fd)
	p.mu.Unlock()

	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, c.Fd, nil)
}

// Resume is a no-op: epoll is level-triggered, so unread input is reported
// again by the next Wait.
func (p *Poller) Resume(*Connection) {}

// Wait blocks until at least one registered connection is readable.
func (p *Poller) Wait() ([]*Connection, error) {
	n, err := unix.EpollWait(p.fd, p.events, -1)
	if err != nil {
		return nil, err
	}

	p.mu.RLock()
	ready := make([]*Connection, 0, n)
	for i := 0; i < n; i++ {
		if c, ok := p.conns[int(p.events[i].Fd)]; ok {
			ready = append(ready, c)
		}
	}
	p.mu.RUnlock()
	return ready, nil
}

// Close releases the epoll descriptor.
func (p *Poller) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns = nil
	return unix.Close(p.fd)
}

// isEINTR reports an interrupted epoll_wait, which is retried.
func isEINTR(err error) bool {
	return err == unix.EINTR
}

// socketFD returns the descriptor behind conn without dup'ing it, or -1 if
// conn is not backed by a socket.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}

	fd := -1
	_ = raw.Control(func(sfd uintptr) {
		fd = int(sfd)
	})
	return fd
}
