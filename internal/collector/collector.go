// Package collector drives one capture session against a target: it sends
// the capture commands, polls the connection for responses and fans every
// response out to the configured sinks.
package collector

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/danmuck/capturectl/internal/conn"
	"github.com/danmuck/capturectl/internal/protocol/frame"
	"github.com/danmuck/capturectl/internal/protocol/message"
	"github.com/danmuck/capturectl/internal/protocol/response"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	ErrNoSession     = errors.New("collector: no capture session")
	ErrAlreadyActive = errors.New("collector: capture already active")
	ErrInProgress    = errors.New("collector: stop already in progress")
)

// Transport is the part of conn.Manager the collector needs.
type Transport interface {
	Send(ctx context.Context, msg message.Message, autoconnect bool) error
	Receive() (*response.DataResponse, error)
	EnsureConnected(ctx context.Context) error
	State() conn.State
}

// Sink consumes responses in arrival order.
type Sink interface {
	Handle(response.DataResponse) error
}

type SinkFunc func(response.DataResponse) error

func (f SinkFunc) Handle(d response.DataResponse) error { return f(d) }

type Config struct {
	ApplicationID uint16
	Settings      message.CaptureSettings
	Password      string
	// Reconnect makes Run re-establish a dropped connection. Without it Run
	// only waits for a later Send to reconnect.
	Reconnect bool
	Backoff   conn.BackoffConfig
	// QueueSize bounds responses read but not yet handed to sinks.
	QueueSize int
}

func DefaultConfig() Config {
	return Config{
		ApplicationID: message.DefaultApplicationID,
		Settings:      message.DefaultCaptureSettings(),
		Backoff:       conn.DefaultConfig().Backoff,
		QueueSize:     1024,
	}
}

// Session describes the capture started by StartCapture.
type Session struct {
	ID       uuid.UUID
	Started  time.Time
	Stopped  time.Time
	Settings message.CaptureSettings
	Active   bool
}

type Collector struct {
	cfg   Config
	tr    Transport
	sinks []Sink
	rng   *rand.Rand

	mu       sync.Mutex
	session  *Session
	starting bool
	stopping bool
	counts   map[response.Type]uint64
	dropped  uint64
}

func New(tr Transport, cfg Config, sinks ...Sink) *Collector {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if cfg.Backoff == (conn.BackoffConfig{}) {
		cfg.Backoff = DefaultConfig().Backoff
	}
	return &Collector{
		cfg:    cfg,
		tr:     tr,
		sinks:  sinks,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		counts: make(map[response.Type]uint64),
	}
}

// StartCapture connects if needed and sends Start with the configured
// settings. The session is reserved before Start goes out, so concurrent
// callers see ErrAlreadyActive rather than sending a second Start.
func (c *Collector) StartCapture(ctx context.Context) (Session, error) {
	c.mu.Lock()
	if c.session != nil && c.session.Active {
		s := *c.session
		c.mu.Unlock()
		return s, fmt.Errorf("%w: %s", ErrAlreadyActive, s.ID)
	}
	if c.starting {
		c.mu.Unlock()
		return Session{}, fmt.Errorf("%w: start pending", ErrAlreadyActive)
	}
	c.starting = true
	c.mu.Unlock()

	msg := message.Start{AppID: c.cfg.ApplicationID, Settings: c.cfg.Settings, Password: c.cfg.Password}
	err := c.tr.Send(ctx, msg, true)

	c.mu.Lock()
	c.starting = false
	if err != nil {
		c.mu.Unlock()
		return Session{}, err
	}
	s := Session{
		ID:       uuid.New(),
		Started:  time.Now(),
		Settings: c.cfg.Settings,
		Active:   true,
	}
	c.session = &s
	c.mu.Unlock()
	log.Info().
		Str("session", s.ID.String()).
		Str("mode", s.Settings.Mode.String()).
		Msg("collector.StartCapture")
	return s, nil
}

// StopCapture asks the target to finish the capture and send its data.
func (c *Collector) StopCapture(ctx context.Context) error {
	return c.finish(ctx, message.Stop{AppID: c.cfg.ApplicationID})
}

// CancelCapture asks the target to drop the capture.
func (c *Collector) CancelCapture(ctx context.Context) error {
	return c.finish(ctx, message.Cancel{AppID: c.cfg.ApplicationID})
}

func (c *Collector) finish(ctx context.Context, msg message.Message) error {
	c.mu.Lock()
	s := c.session
	if s == nil || !s.Active {
		c.mu.Unlock()
		return ErrNoSession
	}
	if c.stopping {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrInProgress, s.ID)
	}
	c.stopping = true
	c.mu.Unlock()

	err := c.tr.Send(ctx, msg, false)

	c.mu.Lock()
	c.stopping = false
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if c.session == s {
		s.Active = false
		s.Stopped = time.Now()
	}
	id := s.ID
	c.mu.Unlock()
	log.Info().Str("session", id.String()).Str("command", msg.Type().String()).Msg("collector capture finished")
	return nil
}

// TurnSampling toggles sampling for one event on the target.
func (c *Collector) TurnSampling(ctx context.Context, eventID uint32, enabled bool) error {
	return c.tr.Send(ctx, message.TurnSampling{AppID: c.cfg.ApplicationID, EventID: eventID, Enabled: enabled}, false)
}

// Session returns the last started session.
func (c *Collector) Session() (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return Session{}, false
	}
	return *c.session, true
}

// Counts returns the number of responses delivered per type.
func (c *Collector) Counts() map[response.Type]uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[response.Type]uint64, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}

// Dropped returns how many frames were discarded for an unsupported version.
func (c *Collector) Dropped() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// Run polls the transport and feeds sinks until ctx ends or a sink fails.
// Cancellation is observed between Receive calls, so the transport should
// carry an idle timeout.
func (c *Collector) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	queue := make(chan response.DataResponse, c.cfg.QueueSize)

	g.Go(func() error {
		defer close(queue)
		return c.poll(ctx, queue)
	})
	g.Go(func() error {
		return c.dispatch(queue)
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (c *Collector) poll(ctx context.Context, queue chan<- response.DataResponse) error {
	var idle int
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.tr.State() != conn.Connected {
			idle++
			if err := c.sleepBackoff(ctx, idle); err != nil {
				return err
			}
			if c.cfg.Reconnect {
				if err := c.tr.EnsureConnected(ctx); err != nil {
					log.Debug().Err(err).Int("attempt", idle).Msg("collector reconnect failed")
				}
			}
			continue
		}

		d, err := c.tr.Receive()
		switch {
		case errors.Is(err, frame.ErrUnsupportedVersion):
			c.mu.Lock()
			c.dropped++
			c.mu.Unlock()
			continue
		case err != nil:
			log.Warn().Err(err).Msg("collector receive failed")
			continue
		case d == nil:
			continue
		}
		idle = 0

		select {
		case queue <- *d:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Collector) dispatch(queue <-chan response.DataResponse) error {
	for d := range queue {
		for _, s := range c.sinks {
			if err := s.Handle(d); err != nil {
				return fmt.Errorf("collector sink: %w", err)
			}
		}
		c.mu.Lock()
		c.counts[d.Type]++
		c.mu.Unlock()
		if d.Type == response.ReportProgress {
			if p, err := response.ParseReportProgress(d); err == nil {
				log.Info().Uint32("stage", p.Stage).Str("message", p.Message).Msg("collector progress")
			}
		}
	}
	return nil
}

func (c *Collector) sleepBackoff(ctx context.Context, attempt int) error {
	delay := conn.NextBackoffDelay(c.cfg.Backoff, attempt, c.rng)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
