// Package hmcfgusb drives the eQ-3 HM-CFG-USB(-2) configuration adapter.
//
// The adapter exchanges 64-byte interrupt frames; the first byte of every
// frame selects the command ('K' hello, 'S' send, 'E' received message, ...).
package hmcfgusb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/gousb"

	"homematic-go-bridge/internal/transport"
)

// USB identifiers and endpoints.
const (
	VendorID            gousb.ID = 0x1b1f
	ProductID           gousb.ID = 0xc00f
	BootloaderProductID gousb.ID = 0xc010

	Interface   = 0
	EndpointOut = 0x02
	EndpointIn  = 0x83

	FrameSize = 64
)

const (
	usbTimeout   = 10 * time.Second
	slowTransfer = 100 * time.Millisecond
	rxQueueDepth = 32
)

// ErrNotFound is returned by Open when no matching adapter is attached.
var ErrNotFound = errors.New("hmcfgusb: no adapter found")

// Sink consumes received frames. Returning false puts the transport into
// its sticky fault state.
type Sink interface {
	HandleFrame(frame []byte) bool
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(frame []byte) bool

func (f SinkFunc) HandleFrame(frame []byte) bool { return f(frame) }

type outEndpoint interface {
	WriteContext(ctx context.Context, buf []byte) (int, error)
}

type inEndpoint interface {
	ReadContext(ctx context.Context, buf []byte) (int, error)
}

// Device is an opened and claimed adapter.
type Device struct {
	OpenedAt time.Time

	bootloader bool

	out     outEndpoint
	in      inEndpoint
	release func()
	logger  *slog.Logger

	sinkMu sync.Mutex
	sink   Sink

	writeMu sync.Mutex

	rx  chan []byte
	mux *transport.Mux

	faultMu sync.Mutex
	fault   error

	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Frame returns a zero padded adapter frame starting with cmd.
func Frame(cmd byte, data ...byte) []byte {
	f := make([]byte, FrameSize)
	f[0] = cmd
	copy(f[1:], data)
	return f
}

func serialMatches(d *gousb.Device, serial string) bool {
	if serial == "" {
		return true
	}
	s, err := d.SerialNumber()
	return err == nil && s == serial
}

// Open finds the first adapter (optionally with the given USB serial
// number), detaches the kernel driver, claims interface 0 and starts the
// receive loop. An adapter found only under the bootloader product id is
// reported by Bootloader.
func Open(serial string, sink Sink, logger *slog.Logger) (*Device, error) {
	ctx := gousb.NewContext()

	var (
		usbDev     *gousb.Device
		bootloader bool
	)
	for _, pid := range []gousb.ID{ProductID, BootloaderProductID} {
		devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
			return desc.Vendor == VendorID && desc.Product == pid
		})
		if err != nil {
			logger.Debug("hmcfgusb enumerate", "pid", pid, "err", err)
		}
		for _, d := range devs {
			if usbDev == nil && serialMatches(d, serial) {
				usbDev = d
				continue
			}
			d.Close()
		}
		if usbDev != nil {
			bootloader = pid == BootloaderProductID
			break
		}
	}
	if usbDev == nil {
		ctx.Close()
		return nil, ErrNotFound
	}

	fail := func(what string, err error) (*Device, error) {
		usbDev.Close()
		ctx.Close()
		return nil, fmt.Errorf("hmcfgusb: %s: %w", what, err)
	}

	if err := usbDev.SetAutoDetach(true); err != nil {
		return fail("detach kernel driver", err)
	}
	cfgNum, err := usbDev.ActiveConfigNum()
	if err != nil {
		return fail("active config", err)
	}
	cfg, err := usbDev.Config(cfgNum)
	if err != nil {
		return fail("config", err)
	}
	intf, err := cfg.Interface(Interface, 0)
	if err != nil {
		cfg.Close()
		return fail("claim interface", err)
	}
	out, err := intf.OutEndpoint(EndpointOut & 0x0f)
	if err != nil {
		intf.Close()
		cfg.Close()
		return fail("out endpoint", err)
	}
	in, err := intf.InEndpoint(EndpointIn & 0x0f)
	if err != nil {
		intf.Close()
		cfg.Close()
		return fail("in endpoint", err)
	}

	release := func() {
		intf.Close()
		cfg.Close()
		usbDev.Close()
		ctx.Close()
	}
	d := newDevice(out, in, release, sink, logger)
	d.bootloader = bootloader
	logger.Info("hmcfgusb opened", "serial", serial, "bootloader", bootloader)
	return d, nil
}

func newDevice(out outEndpoint, in inEndpoint, release func(), sink Sink, logger *slog.Logger) *Device {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Device{
		OpenedAt: time.Now(),
		out:      out,
		in:       in,
		release:  release,
		logger:   logger.With("component", "hmcfgusb"),
		sink:     sink,
		rx:       make(chan []byte, rxQueueDepth),
		mux:      transport.NewMux(),
		cancel:   cancel,
	}
	d.wg.Add(1)
	go d.readLoop(ctx)
	return d
}

// SetSink replaces the frame consumer.
func (d *Device) SetSink(s Sink) {
	d.sinkMu.Lock()
	d.sink = s
	d.sinkMu.Unlock()
}

// readLoop keeps one IN transfer outstanding for the lifetime of the
// device. Timeouts resubmit; any other failure is sticky.
func (d *Device) readLoop(ctx context.Context) {
	defer d.wg.Done()
	defer close(d.rx)

	for {
		buf := make([]byte, FrameSize)
		n, err := d.in.ReadContext(ctx, buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, gousb.TransferCancelled) {
				d.setFault(transport.ErrClosed)
				return
			}
			if errors.Is(err, gousb.TransferTimedOut) || errors.Is(err, gousb.ErrorTimeout) {
				continue
			}
			d.logger.Error("interrupt transfer not completed", "err", err)
			d.setFault(fmt.Errorf("%w: %v", transport.ErrIO, err))
			return
		}
		select {
		case d.rx <- buf[:n]:
		case <-ctx.Done():
			d.setFault(transport.ErrClosed)
			return
		}
	}
}

func (d *Device) setFault(err error) {
	d.faultMu.Lock()
	if d.fault == nil {
		d.fault = err
	}
	d.faultMu.Unlock()
}

func (d *Device) faultErr() error {
	d.faultMu.Lock()
	defer d.faultMu.Unlock()
	return d.fault
}

func (d *Device) write(buf []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), usbTimeout)
	defer cancel()
	if _, err := d.out.WriteContext(ctx, buf); err != nil {
		return err
	}
	return nil
}

// Send writes one frame. With flush set a zero-length frame follows, which
// makes the adapter process what it has buffered.
func (d *Device) Send(frame []byte, flush bool) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	d.logger.Debug("usb TX", "frame", fmt.Sprintf("%X", frame))
	start := time.Now()
	if err := d.write(frame); err != nil {
		return fmt.Errorf("hmcfgusb: can't send data: %w", err)
	}
	if flush {
		if err := d.write(nil); err != nil {
			return fmt.Errorf("hmcfgusb: can't send null frame: %w", err)
		}
	}
	if took := time.Since(start); took > slowTransfer {
		d.logger.Warn("usb transfer took more than 100ms, this may lead to timing problems", "took", took)
	}
	return nil
}

// SendNullFrame writes a zero-length frame.
func (d *Device) SendNullFrame() error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if err := d.write(nil); err != nil {
		return fmt.Errorf("hmcfgusb: can't send null frame: %w", err)
	}
	return nil
}

// Poll waits up to timeout for a received frame, an external source or the
// timeout. A fault recorded by the receive loop or a stopping sink is
// returned on this and every later call.
func (d *Device) Poll(timeout time.Duration) (transport.Result, error) {
	if err := d.faultErr(); err != nil {
		return transport.Result{}, err
	}
	frame, res, ok := transport.Wait(d.mux, d.rx, timeout)
	if !ok {
		if err := d.faultErr(); err != nil {
			return res, err
		}
		return res, transport.ErrEOF
	}
	if res.Event != transport.DriverProgressed {
		return res, nil
	}
	d.logger.Debug("usb RX", "frame", fmt.Sprintf("%X", frame))

	d.sinkMu.Lock()
	sink := d.sink
	d.sinkMu.Unlock()
	if sink != nil && !sink.HandleFrame(frame) {
		d.setFault(transport.ErrStopped)
		return res, transport.ErrStopped
	}
	return res, nil
}

// AddSource registers an external readiness source reported by Poll.
func (d *Device) AddSource(id int, src <-chan struct{}) {
	d.mux.Add(id, src)
}

// Bootloader reports whether the adapter enumerated with the bootloader
// product id.
func (d *Device) Bootloader() bool { return d.bootloader }

// EnterBootloader asks the adapter to reboot into its bootloader. The
// adapter re-enumerates, so the device must be reopened afterwards.
func (d *Device) EnterBootloader() error {
	if d.bootloader {
		d.logger.Warn("request for entering bootloader mode, but device already in bootloader")
		return nil
	}
	return d.Send(Frame('B'), true)
}

// LeaveBootloader asks the adapter to start its application firmware.
func (d *Device) LeaveBootloader() error {
	if !d.bootloader {
		d.logger.Warn("request for leaving bootloader mode, but device already in normal mode")
		return nil
	}
	return d.Send(Frame('K'), true)
}

// Close cancels the receive loop and releases the interface.
func (d *Device) Close() error {
	d.closeOnce.Do(func() {
		d.cancel()
		d.wg.Wait()
		d.mux.Close()
		if d.release != nil {
			d.release()
		}
	})
	return nil
}
