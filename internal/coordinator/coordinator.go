package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"homematic-go-bridge/internal/hm"
	"homematic-go-bridge/internal/nibble"
	"homematic-go-bridge/internal/radio"
	"homematic-go-bridge/internal/store"
	"homematic-go-bridge/internal/transport"
)

// ErrNotRunning is returned by Send when the loop has stopped.
var ErrNotRunning = errors.New("bridge loop not running")

// ErrInvalidMessage is returned for frames that fail the header checks.
var ErrInvalidMessage = errors.New("invalid message")

const (
	pollInterval = time.Second
	queueSize    = 32
	// sourceQueue identifies the send queue among the poll sources.
	sourceQueue = 1
)

// Config holds coordinator configuration.
type Config struct {
	// Speed is the radio rate in kbit/s, 10 or 100.
	Speed int
}

// Radio is the part of radio.Link the coordinator drives.
type Radio interface {
	Init(ctx context.Context) (radio.Info, error)
	SwitchSpeed(ctx context.Context, speed int) error
	Send(ctx context.Context, m hm.Message) error
	Poll(timeout time.Duration) (transport.Result, error)
	AddSource(id int, src <-chan struct{})
	Keepalive() error
	SetObserver(fn func(hm.Message))
	Session() *radio.Session
	Transport() string
	Close() error
}

// ParseMessage decodes an ASCII-hex frame as typed by a user. Spaces are
// ignored. The length byte must match the frame.
func ParseMessage(s string) (hm.Message, error) {
	b := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != ' ' {
			b = append(b, s[i])
		}
	}
	raw, err := nibble.Decode(b)
	if err != nil {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	m := hm.Message(raw)
	if !m.Valid() {
		return nil, fmt.Errorf("%w: length byte %d does not match %d bytes", ErrInvalidMessage, m.Len(), len(m))
	}
	return m, nil
}

// Status is the bridge state reported to the API.
type Status struct {
	radio.Info
	Speed    int    `json:"speed"`
	Running  bool   `json:"running"`
	Received uint64 `json:"received"`
	Sent     uint64 `json:"sent"`
	Failed   uint64 `json:"failed"`
}

// SendResult is published after every queued send.
type SendResult struct {
	Message string `json:"message"`
	Dst     string `json:"dst"`
	Error   string `json:"error,omitempty"`
}

type sendRequest struct {
	msg  hm.Message
	done chan error
}

// Coordinator owns the radio link and runs the single poll loop. Other
// goroutines reach the radio only through Send.
type Coordinator struct {
	radio  Radio
	store  store.Store
	events *EventBus
	peers  *PeerTable
	logger *slog.Logger
	config Config

	queue chan sendRequest
	wake  chan struct{}

	infoMu  sync.RWMutex
	info    radio.Info
	running atomic.Bool

	// stopped is closed when the current Run returns; nil before Run.
	loopMu  sync.Mutex
	stopped chan struct{}

	received atomic.Uint64
	sent     atomic.Uint64
	failed   atomic.Uint64
}

// New creates a coordinator on r. st may be nil when frames are not
// captured.
func New(r Radio, st store.Store, events *EventBus, cfg Config, logger *slog.Logger) *Coordinator {
	if cfg.Speed == 0 {
		cfg.Speed = radio.Speed10k
	}
	c := &Coordinator{
		radio:  r,
		store:  st,
		events: events,
		logger: logger.With("component", "coordinator"),
		config: cfg,
		queue:  make(chan sendRequest, queueSize),
		wake:   make(chan struct{}, 1),
	}
	c.peers = NewPeerTable(events, logger)
	return c
}

// Start brings the adapter up and registers the send queue with it. It
// must be called before Run.
func (c *Coordinator) Start(ctx context.Context) error {
	c.logger.Info("initializing adapter", "transport", c.radio.Transport())
	c.radio.SetObserver(c.handleMessage)

	info, err := c.radio.Init(ctx)
	if err != nil {
		return fmt.Errorf("adapter init: %w", err)
	}
	c.infoMu.Lock()
	c.info = info
	c.infoMu.Unlock()
	c.logger.Info("adapter ready", "version", info.Version, "credits", info.Credits, "hmid", info.HMID)

	if err := c.radio.SwitchSpeed(ctx, c.config.Speed); err != nil {
		return fmt.Errorf("switch speed: %w", err)
	}
	c.radio.AddSource(sourceQueue, c.wake)
	c.events.Emit(Event{Type: EventAdapterInfo, Data: c.Status()})
	return nil
}

// Run polls the adapter until ctx is done or the adapter fails. Queued
// sends are executed between polls.
func (c *Coordinator) Run(ctx context.Context) error {
	c.failPending(ErrNotRunning)
	c.loopMu.Lock()
	stopped := make(chan struct{})
	c.stopped = stopped
	c.running.Store(true)
	c.loopMu.Unlock()
	c.events.Emit(Event{Type: EventBridgeState, Data: "running"})
	defer func() {
		c.loopMu.Lock()
		c.running.Store(false)
		close(stopped)
		c.loopMu.Unlock()
		c.failPending(ErrNotRunning)
		c.events.Emit(Event{Type: EventBridgeState, Data: "stopped"})
	}()

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		res, err := c.radio.Poll(pollInterval)
		if err != nil {
			return fmt.Errorf("poll: %w", err)
		}
		switch res.Event {
		case transport.TimedOut:
			if err := c.radio.Keepalive(); err != nil {
				c.logger.Warn("keepalive", "err", err)
			}
		case transport.ExternalReady:
			if res.Source != sourceQueue {
				c.logger.Debug("unknown poll source", "id", res.Source)
			}
		}
		c.drain(ctx)
	}
}

// drain executes every queued send.
func (c *Coordinator) drain(ctx context.Context) {
	for {
		select {
		case req := <-c.queue:
			req.done <- c.execute(ctx, req.msg)
		default:
			return
		}
	}
}

func (c *Coordinator) execute(ctx context.Context, m hm.Message) error {
	err := c.radio.Send(ctx, m)
	res := SendResult{Message: m.String(), Dst: m.Dst().String()}
	if err != nil {
		c.failed.Add(1)
		res.Error = err.Error()
		c.logger.Warn("send failed", "msg", m.String(), "err", err)
	} else {
		c.sent.Add(1)
	}
	c.events.Emit(Event{Type: EventSendResult, Data: res})
	return err
}

func (c *Coordinator) failPending(err error) {
	for {
		select {
		case req := <-c.queue:
			req.done <- err
		default:
			return
		}
	}
}

// Send queues m for the radio loop and waits for its outcome. A zero
// sender is replaced with the bridge's own address.
func (c *Coordinator) Send(ctx context.Context, m hm.Message) error {
	if !m.Valid() {
		return ErrInvalidMessage
	}
	stopped := c.loopStopped()
	if stopped == nil {
		return ErrNotRunning
	}
	m = m.Clone()
	if m.Src() == 0 {
		m.SetSrc(c.radio.Session().Central)
	}

	req := sendRequest{msg: m, done: make(chan error, 1)}
	select {
	case c.queue <- req:
	case <-stopped:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
	select {
	case err := <-req.done:
		return err
	case <-stopped:
		// The loop may have finished this request on its way out.
		select {
		case err := <-req.done:
			return err
		default:
			return ErrNotRunning
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// loopStopped returns the channel closed when the running loop exits, or
// nil when no loop is running.
func (c *Coordinator) loopStopped() <-chan struct{} {
	c.loopMu.Lock()
	defer c.loopMu.Unlock()
	if !c.running.Load() {
		return nil
	}
	return c.stopped
}

// handleMessage runs inside Poll for every message the parser accepts.
func (c *Coordinator) handleMessage(m hm.Message) {
	c.received.Add(1)
	now := time.Now()
	d := hm.Describe(m)
	c.logger.Debug("message", "line", hm.FormatCompact(m, now))
	c.events.Emit(Event{Type: EventMessageReceived, Data: d})
	c.peers.Observe(m, now)

	if c.store != nil {
		f := &store.Frame{Time: now, Src: d.Src, Dst: d.Dst, Type: d.TypeName, Hex: d.Raw}
		if err := c.store.AddFrame(f); err != nil {
			c.logger.Error("capture frame", "err", err)
		}
	}
}

// Status returns adapter info and counters.
func (c *Coordinator) Status() Status {
	c.infoMu.RLock()
	info := c.info
	c.infoMu.RUnlock()
	return Status{
		Info:     info,
		Speed:    c.config.Speed,
		Running:  c.running.Load(),
		Received: c.received.Load(),
		Sent:     c.sent.Load(),
		Failed:   c.failed.Load(),
	}
}

// Events returns the event bus.
func (c *Coordinator) Events() *EventBus {
	return c.events
}

// Peers returns the table of devices heard since start.
func (c *Coordinator) Peers() *PeerTable {
	return c.peers
}

// Store returns the store, nil when none is configured.
func (c *Coordinator) Store() store.Store {
	return c.store
}

// Close closes the adapter. Run must have returned.
func (c *Coordinator) Close() error {
	return c.radio.Close()
}
