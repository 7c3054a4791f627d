// Package transporttest provides an in-memory datagram network for tests.
package transporttest

import (
	"net"
	"os"
	"sync"
	"time"
)

// Addr is an in-memory endpoint name.
type Addr string

func (a Addr) Network() string { return "mem" }
func (a Addr) String() string  { return string(a) }

// Filter inspects a datagram in flight. Returning nil drops it; returning
// a different slice delivers that instead.
type Filter func(from, to net.Addr, b []byte) []byte

type datagram struct {
	from net.Addr
	data []byte
}

// Network routes datagrams between Conns by address.
type Network struct {
	mu     sync.Mutex
	conns  map[string]*Conn
	filter Filter
	sent   map[string]int
}

// NewNetwork returns an empty network.
func NewNetwork() *Network {
	return &Network{conns: make(map[string]*Conn), sent: make(map[string]int)}
}

// SetFilter installs f for all subsequent datagrams.
func (n *Network) SetFilter(f Filter) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.filter = f
}

// Sent returns how many datagrams were addressed to addr.
func (n *Network) Sent(addr string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sent[addr]
}

// Listen binds a new Conn at addr.
func (n *Network) Listen(addr string) *Conn {
	c := &Conn{
		network: n,
		addr:    Addr(addr),
		inbox:   make(chan datagram, 256),
		closed:  make(chan struct{}),
	}
	n.mu.Lock()
	n.conns[addr] = c
	n.mu.Unlock()
	return c
}

// Conn is an in-memory datagram socket.
type Conn struct {
	network *Network
	addr    Addr
	inbox   chan datagram

	mu       sync.Mutex
	deadline time.Time

	closeOnce sync.Once
	closed    chan struct{}
}

// LocalAddr returns the bound address.
func (c *Conn) LocalAddr() net.Addr { return c.addr }

// WriteTo delivers b to addr. Unknown destinations and full inboxes drop
// silently, like UDP.
func (c *Conn) WriteTo(b []byte, addr net.Addr) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}

	n := c.network
	n.mu.Lock()
	dst := n.conns[addr.String()]
	filter := n.filter
	n.sent[addr.String()]++
	n.mu.Unlock()

	data := append([]byte(nil), b...)
	if filter != nil {
		data = filter(c.addr, addr, data)
	}
	if dst == nil || data == nil {
		return len(b), nil
	}
	select {
	case dst.inbox <- datagram{from: c.addr, data: data}:
	default:
	}
	return len(b), nil
}

// ReadFrom blocks until a datagram arrives, the deadline passes, or the
// Conn is closed.
func (c *Conn) ReadFrom(p []byte) (int, net.Addr, error) {
	c.mu.Lock()
	deadline := c.deadline
	c.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		d := time.Until(deadline)
		if d <= 0 {
			return 0, nil, os.ErrDeadlineExceeded
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case dg := <-c.inbox:
		return copy(p, dg.data), dg.from, nil
	case <-timeout:
		return 0, nil, os.ErrDeadlineExceeded
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

// SetReadDeadline sets the deadline for future ReadFrom calls.
func (c *Conn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deadline = t
	return nil
}

// Close unblocks readers and unbinds the address.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.network.mu.Lock()
		if c.network.conns[string(c.addr)] == c {
			delete(c.network.conns, string(c.addr))
		}
		c.network.mu.Unlock()
	})
	return nil
}
