//go:build !linux

package ws

import (
	"net"
	"sync"
)

// Poller is the portable fallback used off Linux. Each connection gets a
// monitor goroutine that blocks until input is buffered, reports the
// connection as ready, and waits for Resume before looking again.
type Poller struct {
	mu      sync.Mutex
	resume  map[*Connection]chan struct{}
	readyCh chan *Connection
	done    chan struct{}
	once    sync.Once
}

// NewPoller creates the fallback poller.
func NewPoller() (*Poller, error) {
	return &Poller{
		resume:  make(map[*Connection]chan struct{}),
		readyCh: make(chan *Connection, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts monitoring c.
func (p *Poller) Add(c *Connection) error {
	ch := make(chan struct{}, 1)
	p.mu.Lock()
	p.resume[c] = ch
	p.mu.Unlock()

	go p.monitor(c, ch)
	return nil
}

func (p *Poller) monitor(c *Connection, resume <-chan struct{}) {
	for {
		// Peek does not consume input; a read error is also reported as
		// readiness so the read path observes the close.
		_, err := c.reader.Peek(1)

		select {
		case p.readyCh <- c:
		case <-p.done:
			return
		}
		if err != nil {
			return
		}

		select {
		case _, ok := <-resume:
			if !ok {
				return
			}
		case <-p.done:
			return
		}
	}
}

// Resume lets c's monitor look for input again after a worker finished
// reading.
func (p *Poller) Resume(c *Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ch, ok := p.resume[c]; ok {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Remove stops monitoring c.
func (p *Poller) Remove(c *Connection) error {
	p.mu.Lock()
	if ch, ok := p.resume[c]; ok {
		delete(p.resume, c)
		close(ch)
	}
	p.mu.Unlock()
	return nil
}

// Wait blocks until at least one connection is ready and drains any others
// that are already queued.
func (p *Poller) Wait() ([]*Connection, error) {
	var first *Connection
	select {
	case first = <-p.readyCh:
	case <-p.done:
		return nil, net.ErrClosed
	}

	ready := []*Connection{first}
	for {
		select {
		case c := <-p.readyCh:
			ready = append(ready, c)
		default:
			return ready, nil
		}
	}
}

// Close stops every monitor.
func (p *Poller) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

func isEINTR(error) bool { return false }

func socketFD(net.Conn) int { return -1 }
