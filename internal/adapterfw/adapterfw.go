// Package adapterfw updates the firmware of the radio adapters themselves:
// the HM-CFG-USB through its USB bootloader and the HM-MOD-UART through the
// OS channel of its bootloader.
package adapterfw

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"homematic-go-bridge/internal/firmware"
	"homematic-go-bridge/internal/hmcfgusb"
	"homematic-go-bridge/internal/transport"
	"homematic-go-bridge/internal/uartgw"
)

// Acknowledgements sent by the bootloaders after every block.
const (
	usbBlockOK  = 0x01
	usbComplete = 0x02
	uartBlockOK = 0x0401
)

const (
	pollTimeout  = time.Second
	ackTimeout   = 10 * time.Second
	reopenDelay  = time.Second
	reopenTries  = 30
	uartCRCBytes = 2
)

var (
	ErrAckTimeout   = errors.New("adapter did not acknowledge the block")
	ErrNoBootloader = errors.New("HM-CFG-USB did not reappear in bootloader mode")
	ErrShortBlock   = errors.New("block too short for the HM-MOD-UART")
)

// StatusError is returned when the bootloader rejects a block.
type StatusError struct {
	Block  int
	Status uint16
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("error flashing block %d, status: %04x", e.Block, e.Status)
}

// USBPort is the part of *hmcfgusb.Device the flasher drives.
type USBPort interface {
	Send(frame []byte, flush bool) error
	Poll(timeout time.Duration) (transport.Result, error)
	SetSink(hmcfgusb.Sink)
	Bootloader() bool
	EnterBootloader() error
	Close() error
}

// GatewayPort is the part of *uartgw.Device the flasher drives.
type GatewayPort interface {
	Send(cmd []byte, dst uartgw.Channel) error
	Poll(timeout time.Duration) (transport.Result, error)
	SetSink(uartgw.Sink)
	EnterBootloader(ctx context.Context) error
}

// Progress is reported once before the first block and after every block.
type Progress struct {
	Block  int `json:"block"`
	Blocks int `json:"blocks"`
}

// Result summarizes a finished update.
type Result struct {
	Blocks int
	// Confirmed is set when the bootloader reported the update complete.
	Confirmed bool
}

// Option configures a Flasher.
type Option func(*Flasher)

// WithProgress registers a progress callback.
func WithProgress(fn func(Progress)) Option {
	return func(f *Flasher) {
		f.progress = fn
	}
}

// WithAckTimeout bounds the wait for each block's acknowledgement.
func WithAckTimeout(d time.Duration) Option {
	return func(f *Flasher) {
		if d > 0 {
			f.ackTimeout = d
		}
	}
}

// Flasher writes adapter firmware images. It is not safe for concurrent use.
type Flasher struct {
	logger     *slog.Logger
	progress   func(Progress)
	ackTimeout time.Duration
	sleep      func(time.Duration)
}

// New returns a Flasher.
func New(logger *slog.Logger, opts ...Option) *Flasher {
	f := &Flasher{
		logger:     logger.With("component", "adapterfw"),
		ackTimeout: ackTimeout,
		sleep:      time.Sleep,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func (f *Flasher) report(block, blocks int) {
	if f.progress != nil {
		f.progress(Progress{Block: block, Blocks: blocks})
	}
}

// waitAck polls until acked reports true, the context ends or the ack
// timeout passes.
func (f *Flasher) waitAck(ctx context.Context, poll func(time.Duration) (transport.Result, error), acked func() bool) error {
	deadline := time.Now().Add(f.ackTimeout)
	for !acked() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if time.Now().After(deadline) {
			return ErrAckTimeout
		}
		if _, err := poll(pollTimeout); err != nil {
			return fmt.Errorf("poll: %w", err)
		}
	}
	return nil
}

// FlashUSB writes img into an HM-CFG-USB. An adapter running its application
// is sent to the bootloader and reopened through reopen. FlashUSB owns port
// and closes whatever port it ends up with.
func (f *Flasher) FlashUSB(ctx context.Context, port USBPort, reopen func() (USBPort, error), img *firmware.Image) (Result, error) {
	var res Result
	port, err := f.usbBootloader(ctx, port, reopen)
	if port != nil {
		defer port.Close()
	}
	if err != nil {
		return res, err
	}
	f.logger.Info("HM-CFG-USB opened in bootloader mode")

	var ack byte
	port.SetSink(hmcfgusb.SinkFunc(func(frame []byte) bool {
		if len(frame) == 1 {
			ack = frame[0]
		}
		return true
	}))

	blocks := len(img.Blocks)
	f.report(0, blocks)
	for i, b := range img.Blocks {
		ack = 0
		if err := port.Send(b.IndexedWire(), false); err != nil {
			return res, fmt.Errorf("block %d: %w", i, err)
		}
		if err := f.waitAck(ctx, port.Poll, func() bool { return ack != 0 }); err != nil {
			return res, fmt.Errorf("block %d: %w", i, err)
		}
		switch ack {
		case usbComplete:
			res.Blocks = i + 1
			res.Confirmed = true
			f.report(i+1, blocks)
			f.logger.Info("firmware update successful", "blocks", res.Blocks)
			return res, nil
		case usbBlockOK:
		default:
			return res, &StatusError{Block: i, Status: uint16(ack)}
		}
		res.Blocks = i + 1
		f.report(i+1, blocks)
	}
	f.logger.Warn("HM-CFG-USB did not report the update complete", "blocks", res.Blocks)
	return res, nil
}

// usbBootloader cycles the adapter until it enumerates as the bootloader.
func (f *Flasher) usbBootloader(ctx context.Context, port USBPort, reopen func() (USBPort, error)) (USBPort, error) {
	if port.Bootloader() {
		return port, nil
	}
	if reopen == nil {
		return port, fmt.Errorf("%w: no way to reopen the adapter", ErrNoBootloader)
	}
	f.logger.Info("HM-CFG-USB not in bootloader mode, entering bootloader; waiting for device to reappear")
	for attempt := 0; attempt < reopenTries; attempt++ {
		if port != nil {
			if !port.Bootloader() {
				if err := port.EnterBootloader(); err != nil {
					f.logger.Warn("HM-CFG-USB enter bootloader", "err", err)
				}
			}
			port.Close()
			port = nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f.sleep(reopenDelay)
		p, err := reopen()
		if err != nil {
			f.logger.Debug("waiting for HM-CFG-USB to reappear", "err", err)
			continue
		}
		port = p
		if port.Bootloader() {
			return port, nil
		}
	}
	return port, ErrNoBootloader
}

// FlashGateway writes img into an HM-MOD-UART. Each block goes out on the OS
// channel without the two trailing checksum bytes of the image block, which
// the frame layer replaces with its own.
func (f *Flasher) FlashGateway(ctx context.Context, port GatewayPort, img *firmware.Image) (Result, error) {
	var res Result
	for i, b := range img.Blocks {
		if len(b.Data) < uartCRCBytes {
			return res, fmt.Errorf("block %d: %w", i, ErrShortBlock)
		}
	}

	f.logger.Info("initializing HM-MOD-UART")
	if err := port.EnterBootloader(ctx); err != nil {
		return res, fmt.Errorf("enter bootloader: %w", err)
	}

	var ack uint16
	port.SetSink(uartgw.SinkFunc(func(_ uartgw.Channel, payload []byte) bool {
		if len(payload) == 2 {
			ack = uint16(payload[0])<<8 | uint16(payload[1])
		}
		return true
	}))

	blocks := len(img.Blocks)
	f.report(0, blocks)
	for i, b := range img.Blocks {
		ack = 0
		cmd := make([]byte, 0, len(b.Data)-1)
		cmd = append(cmd, uartgw.OSUpdateFirmware)
		cmd = append(cmd, b.Data[:len(b.Data)-uartCRCBytes]...)
		if err := port.Send(cmd, uartgw.ChannelOS); err != nil {
			return res, fmt.Errorf("block %d: %w", i, err)
		}
		if err := f.waitAck(ctx, port.Poll, func() bool { return ack != 0 }); err != nil {
			return res, fmt.Errorf("block %d: %w", i, err)
		}
		if ack != uartBlockOK {
			return res, &StatusError{Block: i, Status: ack}
		}
		res.Blocks = i + 1
		f.report(i+1, blocks)
	}
	res.Confirmed = true
	f.logger.Info("firmware update successful", "blocks", res.Blocks)
	return res, nil
}
