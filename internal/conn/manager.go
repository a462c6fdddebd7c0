package conn

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/capturectl/internal/observability"
	"github.com/danmuck/capturectl/internal/protocol/frame"
	"github.com/danmuck/capturectl/internal/protocol/message"
	"github.com/danmuck/capturectl/internal/protocol/response"
	"github.com/rs/zerolog/log"
)

var (
	ErrNotConnected   = errors.New("conn: not connected")
	ErrConnectFailure = errors.New("conn: no target accepted a connection")
	ErrIOFailure      = errors.New("conn: transport failure")
	ErrClosed         = errors.New("conn: manager closed")
)

// Dialer opens the transport to a target. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type Option func(*Manager)

func WithDialer(d Dialer) Option {
	return func(m *Manager) {
		m.dialer = d
	}
}

// WithObserver registers a synchronous listener for state events. It runs
// under the manager lock and must not call back into the Manager.
func WithObserver(fn func(Event)) Option {
	return func(m *Manager) {
		m.observers = append(m.observers, fn)
	}
}

// Manager owns one socket to one target. All socket mutation and I/O is
// serialized through mu, so whole frames are written and read without
// interleaving between callers.
type Manager struct {
	cfg       Config
	dialer    Dialer
	observers []func(Event)

	mu      sync.Mutex
	conn    net.Conn
	reader  *bufio.Reader
	state   State
	address string
	port    int
	// activePort is the port of the live socket, which may differ from port
	// after a range scan.
	activePort int

	// live mirrors conn so Close can unblock a pending read without mu.
	liveMu sync.Mutex
	live   net.Conn
	closed atomic.Bool

	subMu  sync.Mutex
	subs   map[int]chan Event
	nextID int
}

// New creates an unconnected Manager.
func New(cfg Config, opts ...Option) *Manager {
	cfg = cfg.WithDefaults()
	m := &Manager{
		cfg:     cfg,
		address: cfg.Address,
		port:    cfg.Port,
		state:   Disconnected,
		subs:    make(map[int]chan Event),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.dialer == nil {
		m.dialer = &net.Dialer{Timeout: cfg.ConnectTimeout}
	}
	return m
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Target returns the configured address and base port.
func (m *Manager) Target() (string, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.address, m.port
}

// ActivePort returns the port of the live socket, or 0 when disconnected.
func (m *Manager) ActivePort() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Connected {
		return 0
	}
	return m.activePort
}

// Subscribe returns a buffered stream of state events. Events are dropped
// for a subscriber whose buffer is full.
func (m *Manager) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Event, buffer)
	m.subMu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = ch
	m.subMu.Unlock()

	return ch, func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		if _, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(ch)
		}
	}
}

// SetTarget points the manager at a new address/port. A change drops the
// current socket; nothing reconnects until the next Send or EnsureConnected.
func (m *Manager) SetTarget(address string, port int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if address == m.address && port == m.port {
		return
	}
	log.Info().
		Str("from", net.JoinHostPort(m.address, strconv.Itoa(m.port))).
		Str("to", net.JoinHostPort(address, strconv.Itoa(port))).
		Msg("conn.Manager.SetTarget")
	wasConnected := m.conn != nil
	m.dropLocked()
	m.address = address
	m.port = port
	if wasConnected || m.state != Disconnected {
		m.setStateLocked(Disconnected, port, "target changed")
	}
}

// EnsureConnected connects if needed, scanning PortRange ports from the
// configured base port.
func (m *Manager) EnsureConnected(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureConnectedLocked(ctx)
}

func (m *Manager) ensureConnectedLocked(ctx context.Context) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if m.conn != nil {
		return nil
	}
	first, last := m.port, m.port+m.cfg.PortRange-1
	for port := first; port <= last; port++ {
		if err := ctx.Err(); err != nil {
			m.setStateLocked(Disconnected, m.port, err.Error())
			return err
		}
		addr := net.JoinHostPort(m.address, strconv.Itoa(port))
		c, err := m.dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			log.Debug().Str("addr", addr).Err(err).Msg("conn.Manager dial failed")
			// Connecting is raised once per failed port, carrying its error;
			// the accepting port raises Connected instead.
			m.setStateLocked(Connecting, port, err.Error())
			continue
		}
		m.attachLocked(c, port)
		if m.closed.Load() {
			m.dropLocked()
			return ErrClosed
		}
		log.Info().Str("addr", addr).Msg("conn.Manager connected")
		m.setStateLocked(Connected, port, "")
		return nil
	}
	msg := fmt.Sprintf("no target on %s ports %d-%d", m.address, first, last)
	m.setStateLocked(Disconnected, m.port, msg)
	return fmt.Errorf("%w: %s", ErrConnectFailure, msg)
}

// Send writes one command frame. Without autoconnect an unconnected manager
// fails with ErrNotConnected and raises no event. A write failure drops the
// socket, raises Disconnected and returns an error wrapping ErrIOFailure.
func (m *Manager) Send(ctx context.Context, msg message.Message, autoconnect bool) error {
	raw, err := message.Encode(msg)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed.Load() {
		return ErrClosed
	}
	if m.conn == nil {
		if !autoconnect {
			return ErrNotConnected
		}
		if err := m.ensureConnectedLocked(ctx); err != nil {
			return err
		}
	}

	if m.cfg.WriteTimeout > 0 {
		_ = m.conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
	}
	n, err := m.conn.Write(raw)
	if err == nil && n != len(raw) {
		err = fmt.Errorf("short write %d of %d", n, len(raw))
	}
	if err != nil {
		observability.RecordCommandSent(msg.Type().String(), n, false)
		m.failLocked("send", err)
		return fmt.Errorf("%w: send %s: %v", ErrIOFailure, msg.Type(), err)
	}
	_ = m.conn.SetWriteDeadline(time.Time{})
	observability.RecordCommandSent(msg.Type().String(), n, true)
	log.Debug().Str("type", msg.Type().String()).Int("bytes", n).Msg("conn.Manager.Send")
	return nil
}

// Receive reads the next whole frame. It returns (nil, nil) when not
// connected or when IdleTimeout passes without data. A frame below the
// minimum protocol version is consumed, dropped and reported with an error
// wrapping frame.ErrUnsupportedVersion; the connection stays up. Any other
// read failure drops the socket, raises Disconnected and returns an error
// wrapping ErrIOFailure. A closed manager returns ErrClosed.
func (m *Manager) Receive() (*response.DataResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed.Load() {
		return nil, ErrClosed
	}
	if m.conn == nil {
		return nil, nil
	}

	if m.cfg.IdleTimeout > 0 {
		_ = m.conn.SetReadDeadline(time.Now().Add(m.cfg.IdleTimeout))
		_, err := m.reader.Peek(1)
		_ = m.conn.SetReadDeadline(time.Time{})
		if err != nil {
			if isTimeout(err) {
				return nil, nil
			}
			m.failLocked("receive", err)
			return nil, fmt.Errorf("%w: receive: %v", ErrIOFailure, err)
		}
	}

	d, err := response.Read(m.reader, m.cfg.Limits, m.conn.RemoteAddr())
	if err != nil {
		if errors.Is(err, frame.ErrUnsupportedVersion) {
			observability.RecordFrameDropped("unsupported_version")
			log.Warn().Err(err).Msg("conn.Manager.Receive dropped frame")
			return nil, err
		}
		m.failLocked("receive", err)
		return nil, fmt.Errorf("%w: receive: %v", ErrIOFailure, err)
	}
	observability.RecordFrameReceived(d.Type.String(), frame.ResponseHeaderLen+len(d.Payload))
	return &d, nil
}

// Close tears the socket down and stops further use. It does not wait for
// mu, so a Receive blocked on the socket returns with a disconnect.
func (m *Manager) Close() error {
	if m.closed.Swap(true) {
		return nil
	}
	m.liveMu.Lock()
	var err error
	if m.live != nil {
		err = m.live.Close()
	}
	m.liveMu.Unlock()

	m.mu.Lock()
	if m.conn != nil {
		m.dropLocked()
		m.setStateLocked(Disconnected, m.port, "closed")
	}
	m.mu.Unlock()

	m.subMu.Lock()
	for id, ch := range m.subs {
		delete(m.subs, id)
		close(ch)
	}
	m.subMu.Unlock()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}

func (m *Manager) attachLocked(c net.Conn, port int) {
	m.conn = c
	m.reader = bufio.NewReaderSize(c, 64*1024)
	m.activePort = port
	m.liveMu.Lock()
	m.live = c
	m.liveMu.Unlock()
}

// dropLocked closes and forgets the socket so the next connect starts clean.
func (m *Manager) dropLocked() {
	if m.conn != nil {
		_ = m.conn.Close()
	}
	m.conn = nil
	m.reader = nil
	m.activePort = 0
	m.liveMu.Lock()
	m.live = nil
	m.liveMu.Unlock()
}

func (m *Manager) failLocked(op string, err error) {
	port := m.activePort
	m.dropLocked()
	msg := err.Error()
	if m.closed.Load() {
		msg = "closed"
	}
	log.Warn().Str("op", op).Str("address", m.address).Int("port", port).Err(err).Msg("conn.Manager disconnected")
	m.setStateLocked(Disconnected, port, msg)
}

func (m *Manager) setStateLocked(s State, port int, msg string) {
	m.state = s
	ev := Event{Address: m.address, Port: port, State: s, Message: msg, At: time.Now()}
	observability.RecordStateTransition(s.String())
	for _, fn := range m.observers {
		fn(ev)
	}
	m.subMu.Lock()
	for _, ch := range m.subs {
		select {
		case ch <- ev:
		default:
			log.Warn().Str("event", ev.String()).Msg("conn.Manager subscriber full, event dropped")
		}
	}
	m.subMu.Unlock()
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
