package stream

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/linkedge/linkedge/internal/observability"
)

// State is the connection state of a Client.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Sink receives what a Source reads from one connection.
type Sink interface {
	// Opened is called once the connection is established.
	Opened()
	// Emit delivers an event. It blocks while the event channel is full and
	// returns false once the client is shutting down.
	Emit(ev Event) bool
	// Discard reports a frame that could not be decoded.
	Discard(err error)
}

// Source opens one connection to the authority and streams until the
// connection fails or ctx ends. lastEventID is the id of the last event
// delivered on a previous connection, empty on the first.
type Source interface {
	Stream(ctx context.Context, lastEventID string, sink Sink) error
	String() string
}

// Options tune reconnect behaviour and buffering.
type Options struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Factor         float64
	BufferSize     int
}

func (o Options) withDefaults() Options {
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 30 * time.Second
	}
	if o.Factor < 1 {
		o.Factor = 2
	}
	if o.BufferSize <= 0 {
		o.BufferSize = 1024
	}
	return o
}

// Client keeps exactly one connection to a Source open, reconnecting with
// exponential backoff, and publishes decoded events on a bounded channel.
type Client struct {
	source  Source
	opts    Options
	logger  *slog.Logger
	metrics *observability.Metrics

	events chan Event
	state  atomic.Int32

	// Owned by the Run goroutine.
	lastEventID string
	backoff     *backoff.ExponentialBackOff

	mu      sync.Mutex
	running bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewClient returns a client for src. Nothing is dialed until Run.
func NewClient(src Source, opts Options, logger *slog.Logger, metrics *observability.Metrics) *Client {
	opts = opts.withDefaults()
	bo := &backoff.ExponentialBackOff{
		InitialInterval:     opts.InitialBackoff,
		Multiplier:          opts.Factor,
		MaxInterval:         opts.MaxBackoff,
		RandomizationFactor: 0,
	}
	bo.Reset()
	return &Client{
		source:  src,
		opts:    opts,
		logger:  logger.With("component", "stream", "source", src.String()),
		metrics: metrics,
		events:  make(chan Event, opts.BufferSize),
		backoff: bo,
		done:    make(chan struct{}),
	}
}

// Events returns the channel decoded events are published on. It is closed
// when Run returns.
func (c *Client) Events() <-chan Event { return c.events }

// String names the source, for logs.
func (c *Client) String() string { return c.source.String() }

// State returns the current connection state.
func (c *Client) State() State { return State(c.state.Load()) }

// Connected reports whether a connection is currently open.
func (c *Client) Connected() bool { return c.State() == StateConnected }

// Check implements observability.Checker for deep readiness.
func (c *Client) Check(context.Context) error {
	if s := c.State(); s != StateConnected {
		return &notConnectedError{state: s}
	}
	return nil
}

type notConnectedError struct{ state State }

func (e *notConnectedError) Error() string { return "rule stream " + e.state.String() }

// Run connects and keeps reconnecting until ctx is cancelled or Close is
// called. It may only be called once; later calls return ErrClosed.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.closed || c.running {
		c.mu.Unlock()
		return ErrClosed
	}
	c.running = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	defer func() {
		c.setState(StateClosed)
		close(c.events)
		close(c.done)
	}()

	attempt := 0
	for {
		c.setState(StateConnecting)
		opened := false
		err := c.source.Stream(ctx, c.lastEventID, &sink{c: c, ctx: ctx, opened: &opened})
		if opened {
			attempt = 0
		}
		c.setState(StateDisconnected)
		if ctx.Err() != nil {
			return nil
		}

		attempt++
		delay := c.backoff.NextBackOff()
		c.metrics.IncStreamReconnect()
		if attempt <= 5 || attempt%10 == 0 {
			c.logger.Warn("rule stream disconnected, reconnecting",
				"error", err, "attempt", attempt, "next_in", delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// Close terminates the client: the pending reconnect and the active
// connection are cancelled. Safe to call multiple times and before Run.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel, running := c.cancel, c.running
	c.mu.Unlock()

	if !running {
		c.setState(StateClosed)
		close(c.events)
		close(c.done)
		return nil
	}
	cancel()
	<-c.done
	return nil
}

func (c *Client) setState(s State) {
	if State(c.state.Load()) == StateClosed {
		return
	}
	c.state.Store(int32(s))
	c.metrics.SetStreamConnected(s == StateConnected)
}

// sink binds one connection attempt to the client.
type sink struct {
	c      *Client
	ctx    context.Context
	opened *bool
}

func (s *sink) Opened() {
	*s.opened = true
	s.c.backoff.Reset()
	s.c.setState(StateConnected)
	s.c.logger.Info("rule stream connected")
}

func (s *sink) Emit(ev Event) bool {
	select {
	case s.c.events <- ev:
		if ev.ID != "" {
			s.c.lastEventID = ev.ID
		}
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *sink) Discard(err error) {
	s.c.metrics.IncSyncEvent("unknown", "failed")
	s.c.logger.Warn("discarding stream message", "error", err)
}
