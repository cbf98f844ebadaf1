// Package radio is the BidCos session layer on top of the three adapter
// transports. A Link owns one adapter, parses what it receives into a
// RecvState and implements acknowledged sends, speed switching and adapter
// bring-up for each transport.
package radio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"homematic-go-bridge/internal/culfw"
	"homematic-go-bridge/internal/hm"
	"homematic-go-bridge/internal/hmcfgusb"
	"homematic-go-bridge/internal/transport"
	"homematic-go-bridge/internal/uartgw"
)

var (
	ErrMissingAck          = errors.New("missing ACK")
	ErrNACK                = errors.New("NACK received")
	ErrOutOfCredits        = errors.New("out of credits")
	ErrUnknownKey          = errors.New("unknown AES key requested")
	ErrAESHandshake        = errors.New("AES handshake failed")
	ErrBusy                = errors.New("adapter reports it is busy, you might have to reset it")
	ErrAdapterTimeout      = errors.New("adapter did not answer")
	ErrUnsupportedFirmware = errors.New("adapter firmware not supported")
	ErrCredits             = errors.New("adapter does not report full credits, try again later")
)

// StatusError is a send failure reported by the adapter as a status code.
// Err, when set, is the classified cause.
type StatusError struct {
	Status uint16
	Err    error
}

func (e *StatusError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("invalid status: %04x", e.Status)
	}
	return fmt.Sprintf("%v (status %04x)", e.Err, e.Status)
}

func (e *StatusError) Unwrap() error { return e.Err }

// Speeds understood by SwitchSpeed, in kbit/s.
const (
	Speed10k  = 10
	Speed100k = 100
)

const (
	adapterTimeout = 10 * time.Second
	ackPolls       = 6
	ackPollTimeout = 200 * time.Millisecond
	statusPoll     = time.Second
	maxAESDepth    = 4
)

// USBPort is the HM-CFG-USB transport as the session layer uses it.
type USBPort interface {
	Send(frame []byte, flush bool) error
	SendNullFrame() error
	Poll(timeout time.Duration) (transport.Result, error)
	SetSink(hmcfgusb.Sink)
	AddSource(id int, src <-chan struct{})
	Bootloader() bool
	EnterBootloader() error
	LeaveBootloader() error
	Close() error
}

// LinePort is the culfw line transport as the session layer uses it.
type LinePort interface {
	Send(cmd []byte) error
	SendString(cmd string) error
	Poll(timeout time.Duration) (transport.Result, error)
	Flush()
	SetSink(culfw.Sink)
	AddSource(id int, src <-chan struct{})
	Close() error
}

// GatewayPort is the HM-MOD-UART transport as the session layer uses it.
type GatewayPort interface {
	Send(cmd []byte, dst uartgw.Channel) error
	Poll(timeout time.Duration) (transport.Result, error)
	SetSink(uartgw.Sink)
	AddSource(id int, src <-chan struct{})
	EnterApp(ctx context.Context) error
	EnterBootloader(ctx context.Context) error
	Close() error
}

// Device is one of USBDevice, LineDevice or GatewayDevice.
type Device interface {
	Close() error
	isDevice()
}

// USBDevice is an HM-CFG-USB adapter. Reopen is used when the adapter has
// to re-enumerate (bootloader round trip); without it such a reboot fails.
type USBDevice struct {
	Port   USBPort
	Reopen func() (USBPort, error)
}

// LineDevice is a CUL stick running culfw or tsculfw.
type LineDevice struct {
	Port LinePort
}

// GatewayDevice is an HM-MOD-UART module.
type GatewayDevice struct {
	Port GatewayPort
}

func (*USBDevice) isDevice()     {}
func (*LineDevice) isDevice()    {}
func (*GatewayDevice) isDevice() {}

func (d *USBDevice) Close() error {
	if d.Port == nil {
		return nil
	}
	return d.Port.Close()
}

func (d *LineDevice) Close() error    { return d.Port.Close() }
func (d *GatewayDevice) Close() error { return d.Port.Close() }

// Session holds the addressing and key material of one run.
type Session struct {
	// Filter restricts received messages to this sender. Zero accepts all.
	Filter hm.HMID
	// Central is the address we send from. Init replaces a zero value with
	// the adapter's own address.
	Central hm.HMID
	Key     hm.KeySpec
}

// Info describes the adapter after Init.
type Info struct {
	Transport string  `json:"transport"`
	Version   string  `json:"version"`
	Credits   int     `json:"credits"`
	HMID      hm.HMID `json:"hmid"`
	TSCUL     bool    `json:"tscul,omitempty"`
}

// Link is an open adapter together with its session state. A Link is not
// safe for concurrent use; Poll, Send and every other blocking method must
// be called from one goroutine.
type Link struct {
	dev     Device
	session *Session
	state   RecvState
	logger  *slog.Logger

	observer func(hm.Message)

	usbID uint32

	// limit bounds every wait for an adapter answer. now stamps outgoing
	// frames and AES exchanges.
	limit time.Duration
	now   func() time.Time
	sleep func(time.Duration)
}

func newLink(dev Device, s *Session, logger *slog.Logger) *Link {
	if s == nil {
		s = &Session{}
	}
	return &Link{
		dev:     dev,
		session: s,
		logger:  logger.With("component", "radio"),
		usbID:   1,
		limit:   adapterTimeout,
		now:     time.Now,
		sleep:   time.Sleep,
	}
}

// NewUSB builds a Link on an HM-CFG-USB adapter and installs its parser.
func NewUSB(d *USBDevice, s *Session, logger *slog.Logger) *Link {
	l := newLink(d, s, logger)
	d.Port.SetSink(hmcfgusb.SinkFunc(l.handleUSB))
	return l
}

// NewLine builds a Link on a culfw stick and installs its parser.
func NewLine(d *LineDevice, s *Session, logger *slog.Logger) *Link {
	l := newLink(d, s, logger)
	d.Port.SetSink(culfw.SinkFunc(l.handleLine))
	return l
}

// NewGateway builds a Link on an HM-MOD-UART module and installs its parser.
func NewGateway(d *GatewayDevice, s *Session, logger *slog.Logger) *Link {
	l := newLink(d, s, logger)
	d.Port.SetSink(uartgw.SinkFunc(l.handleGateway))
	return l
}

// Device returns the adapter variant.
func (l *Link) Device() Device { return l.dev }

// Session returns the session the link was built with.
func (l *Link) Session() *Session { return l.session }

// Transport names the adapter kind.
func (l *Link) Transport() string {
	switch l.dev.(type) {
	case *USBDevice:
		return "usb"
	case *LineDevice:
		return "culfw"
	case *GatewayDevice:
		return "uart"
	default:
		return "unknown"
	}
}

// SetObserver registers fn to see every message the parser accepts.
func (l *Link) SetObserver(fn func(hm.Message)) { l.observer = fn }

// State returns a copy of the receive state.
func (l *Link) State() RecvState { return l.state }

// Last returns the most recently received message and its classification.
func (l *Link) Last() (hm.Message, Kind) { return l.state.Message, l.state.Kind }

// ClearLast forgets the last received message.
func (l *Link) ClearLast() {
	l.state.Message = nil
	l.state.Kind = KindNone
}

// Poll drives the adapter for up to timeout. Parsers run inside Poll, so the
// receive state is up to date when it returns.
func (l *Link) Poll(timeout time.Duration) (transport.Result, error) {
	switch d := l.dev.(type) {
	case *USBDevice:
		return d.Port.Poll(timeout)
	case *LineDevice:
		return d.Port.Poll(timeout)
	case *GatewayDevice:
		return d.Port.Poll(timeout)
	default:
		return transport.Result{}, fmt.Errorf("radio: unknown device %T", l.dev)
	}
}

// AddSource registers an external readiness source with the adapter.
func (l *Link) AddSource(id int, src <-chan struct{}) {
	switch d := l.dev.(type) {
	case *USBDevice:
		d.Port.AddSource(id, src)
	case *LineDevice:
		d.Port.AddSource(id, src)
	case *GatewayDevice:
		d.Port.AddSource(id, src)
	}
}

// Keepalive is called on idle poll timeouts. The USB adapter expects a
// null frame now and then.
func (l *Link) Keepalive() error {
	if d, ok := l.dev.(*USBDevice); ok {
		return d.Port.SendNullFrame()
	}
	return nil
}

// Close closes the adapter.
func (l *Link) Close() error { return l.dev.Close() }

// pollUntil polls in steps of step until done reports true, ctx ends or
// the adapter answer limit elapses.
func (l *Link) pollUntil(ctx context.Context, step time.Duration, done func() bool) error {
	deadline := time.Now().Add(l.limit)
	for !done() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if time.Now().After(deadline) {
			return ErrAdapterTimeout
		}
		if _, err := l.Poll(step); err != nil {
			return err
		}
	}
	return nil
}
