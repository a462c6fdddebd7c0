package conn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// fakeConn is an in-memory net.Conn that records every Write and flags any
// overlap between concurrent Read and Write calls.
type fakeConn struct {
	id     int
	remote net.Addr

	mu       sync.Mutex
	in       *bytes.Reader
	writes   [][]byte
	closed   bool
	writeErr error

	inflight *atomic.Int32
	overlap  *atomic.Bool
	hold     time.Duration
}

func newFakeConn(id int, remote string, inbound []byte) *fakeConn {
	host, portStr, _ := net.SplitHostPort(remote)
	port, _ := strconv.Atoi(portStr)
	return &fakeConn{
		id:       id,
		remote:   &net.TCPAddr{IP: net.ParseIP(host), Port: port},
		in:       bytes.NewReader(inbound),
		inflight: &atomic.Int32{},
		overlap:  &atomic.Bool{},
	}
}

func (c *fakeConn) enter() {
	if c.inflight.Add(1) > 1 {
		c.overlap.Store(true)
	}
	if c.hold > 0 {
		time.Sleep(c.hold)
	}
}

func (c *fakeConn) exit() {
	c.inflight.Add(-1)
}

func (c *fakeConn) Read(p []byte) (int, error) {
	c.enter()
	defer c.exit()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, net.ErrClosed
	}
	n, err := c.in.Read(p)
	if errors.Is(err, io.EOF) && n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (c *fakeConn) Write(p []byte) (int, error) {
	c.enter()
	defer c.exit()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, net.ErrClosed
	}
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	c.writes = append(c.writes, append([]byte(nil), p...))
	return len(p), nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) writtenFrames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}

func (c *fakeConn) LocalAddr() net.Addr              { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)} }
func (c *fakeConn) RemoteAddr() net.Addr             { return c.remote }
func (c *fakeConn) SetDeadline(time.Time) error      { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

// fakeDialer hands out scripted connections per address and records dials.
type fakeDialer struct {
	mu      sync.Mutex
	accept  map[string]func(id int) net.Conn
	dialed  []string
	created []net.Conn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{accept: make(map[string]func(int) net.Conn)}
}

func (d *fakeDialer) allow(addr string, fn func(id int) net.Conn) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.accept[addr] = fn
}

func (d *fakeDialer) DialContext(_ context.Context, network, addr string) (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialed = append(d.dialed, addr)
	fn, ok := d.accept[addr]
	if !ok {
		return nil, &net.OpError{Op: "dial", Net: network, Err: fmt.Errorf("connect %s: %w", addr, syscall.ECONNREFUSED)}
	}
	c := fn(len(d.created))
	d.created = append(d.created, c)
	return c, nil
}

func (d *fakeDialer) dials() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.dialed...)
}

// eventLog collects observer events.
type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) observe(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}
