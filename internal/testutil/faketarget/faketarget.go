// Package faketarget runs an in-process capture target on a loopback TCP
// port for tests. It decodes every command frame it receives and can stream
// response frames back to the connected client.
package faketarget

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/capturectl/internal/protocol/frame"
	"github.com/danmuck/capturectl/internal/protocol/message"
	"github.com/rs/zerolog/log"
)

var ErrNoClient = errors.New("faketarget: no client connected")

// Responder returns the frames to send back for one received command.
type Responder func(message.Message) []frame.ResponseFrame

type Target struct {
	ln        net.Listener
	respond   Responder
	commands  chan message.Message
	connected chan struct{}

	mu      sync.Mutex
	current net.Conn
	accepts int
	closed  bool

	wg sync.WaitGroup
}

// Start listens on 127.0.0.1 with an OS-assigned port. The target is closed
// when the test ends.
func Start(tb testing.TB, respond Responder) *Target {
	tb.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		tb.Fatalf("faketarget listen: %v", err)
	}
	t := &Target{
		ln:        ln,
		respond:   respond,
		commands:  make(chan message.Message, 64),
		connected: make(chan struct{}, 16),
	}
	t.wg.Add(1)
	go t.acceptLoop()
	tb.Cleanup(t.Close)
	return t
}

func (t *Target) Port() int {
	return t.ln.Addr().(*net.TCPAddr).Port
}

func (t *Target) Address() string {
	return "127.0.0.1"
}

// Commands yields every decoded command in arrival order.
func (t *Target) Commands() <-chan message.Message {
	return t.commands
}

// Accepts reports how many connections have been accepted so far.
func (t *Target) Accepts() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.accepts
}

// WaitConnected blocks until a new connection is accepted.
func (t *Target) WaitConnected(timeout time.Duration) bool {
	select {
	case <-t.connected:
		return true
	case <-time.After(timeout):
		return false
	}
}

// NextCommand waits for the next decoded command.
func (t *Target) NextCommand(timeout time.Duration) (message.Message, bool) {
	select {
	case m := <-t.commands:
		return m, true
	case <-time.After(timeout):
		return nil, false
	}
}

// Send writes whole response frames to the most recent client.
func (t *Target) Send(frames ...frame.ResponseFrame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return ErrNoClient
	}
	var out []byte
	for _, f := range frames {
		out = append(out, frame.EncodeResponse(f)...)
	}
	_, err := t.current.Write(out)
	return err
}

// SendRaw writes bytes as-is, for truncated or malformed streams.
func (t *Target) SendRaw(b []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current == nil {
		return ErrNoClient
	}
	_, err := t.current.Write(b)
	return err
}

// DropClient closes the current client connection without stopping the
// listener.
func (t *Target) DropClient() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current != nil {
		_ = t.current.Close()
		t.current = nil
	}
}

func (t *Target) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	if t.current != nil {
		_ = t.current.Close()
		t.current = nil
	}
	t.mu.Unlock()
	_ = t.ln.Close()
	t.wg.Wait()
}

func (t *Target) acceptLoop() {
	defer t.wg.Done()
	for {
		c, err := t.ln.Accept()
		if err != nil {
			return
		}
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			_ = c.Close()
			return
		}
		if t.current != nil {
			_ = t.current.Close()
		}
		t.current = c
		t.accepts++
		t.mu.Unlock()

		select {
		case t.connected <- struct{}{}:
		default:
		}
		t.wg.Add(1)
		go t.serve(c)
	}
}

func (t *Target) serve(c net.Conn) {
	defer t.wg.Done()
	limits := frame.DefaultLimits()
	for {
		payload, err := frame.ReadCommand(c, limits)
		if err != nil {
			log.Debug().Err(err).Msg("faketarget client gone")
			return
		}
		msg, err := message.Decode(payload)
		if err != nil {
			log.Warn().Err(err).Msg("faketarget undecodable command")
			continue
		}
		select {
		case t.commands <- msg:
		default:
			log.Warn().Str("type", msg.Type().String()).Msg("faketarget command buffer full")
		}
		if t.respond == nil {
			continue
		}
		if out := t.respond(msg); len(out) > 0 {
			t.mu.Lock()
			if t.current == c {
				var raw []byte
				for _, f := range out {
					raw = append(raw, frame.EncodeResponse(f)...)
				}
				_, _ = c.Write(raw)
			}
			t.mu.Unlock()
		}
	}
}
