// Package uartgw drives the HM-MOD-UART radio module (and the HM-LGW
// gateway firmware that shares its protocol) over a framed serial link.
package uartgw

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"homematic-go-bridge/internal/transport"
)

// Baud is the fixed line rate of the module.
const Baud = 115200

// Channel selects the firmware component a frame is addressed to.
type Channel byte

const (
	ChannelOS      Channel = 0x00
	ChannelApp     Channel = 0x01
	ChannelDual    Channel = 0xfe
	ChannelDualErr Channel = 0xff
)

func (c Channel) String() string {
	switch c {
	case ChannelOS:
		return "OS"
	case ChannelApp:
		return "App"
	case ChannelDual:
		return "Dual"
	case ChannelDualErr:
		return "DualErr"
	default:
		return fmt.Sprintf("0x%02X", byte(c))
	}
}

// OS channel commands.
const (
	OSGetApp         byte = 0x00
	OSGetFirmware    byte = 0x02
	OSChangeApp      byte = 0x03
	OSAck            byte = 0x04
	OSUpdateFirmware byte = 0x05
	OSUnsolCredits   byte = 0x05
	OSNormalMode     byte = 0x06
	OSUpdateMode     byte = 0x07
	OSGetCredits     byte = 0x08
	OSGetSerial      byte = 0x0b
	OSSetTime        byte = 0x0e
)

// App channel commands.
const (
	AppSetHMID       byte = 0x00
	AppGetHMID       byte = 0x01
	AppSend          byte = 0x02
	AppSetCurrentKey byte = 0x03 // key index
	AppAck           byte = 0x04
	AppRecv          byte = 0x05
	AppAddPeer       byte = 0x06
	AppRemovePeer    byte = 0x07
	AppGetPeers      byte = 0x08
	AppPeerAddAES    byte = 0x09
	AppPeerRemoveAES byte = 0x0a
	AppSetOldKey     byte = 0x0f // key index
	AppDefaultHMID   byte = 0x10
)

// Dual channel commands.
const (
	DualGetApp    byte = 0x01
	DualChangeApp byte = 0x02
)

// AckInProgress is the ack status of a module still busy with the previous
// command.
const AckInProgress byte = 0x08

const (
	flushQuiet   = 100 * time.Millisecond
	rxQueueDepth = 64
)

// Sink consumes decoded frames. payload starts with the command byte.
// Returning false stops the transport.
type Sink interface {
	HandleFrame(dst Channel, payload []byte) bool
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(dst Channel, payload []byte) bool

func (f SinkFunc) HandleFrame(dst Channel, payload []byte) bool { return f(dst, payload) }

// Device is an open radio module.
type Device struct {
	conn   io.ReadWriteCloser
	port   serial.Port
	logger *slog.Logger

	sinkMu sync.Mutex
	sink   Sink

	writeMu sync.Mutex
	cnt     byte

	// Receive state, owned by the goroutine calling Poll.
	asm     reassembler
	pending []byte

	rx  chan []byte
	mux *transport.Mux

	faultMu sync.Mutex
	fault   error

	settle      time.Duration
	initTimeout time.Duration

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Open opens the module's tty at 115200 8N1 and flushes stale input. The
// caller decides whether to continue with EnterApp or EnterBootloader.
func Open(path string, sink Sink, logger *slog.Logger) (*Device, error) {
	mode := &serial.Mode{
		BaudRate: Baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("uartgw: open %s: %w", path, err)
	}
	_ = port.ResetInputBuffer()

	d := New(port, sink, logger)
	d.port = port
	logger.Info("uartgw opened", "port", path)
	d.Flush()
	return d, nil
}

// New wraps an already open connection.
func New(conn io.ReadWriteCloser, sink Sink, logger *slog.Logger) *Device {
	d := &Device{
		conn:   conn,
		sink:   sink,
		logger: logger.With("component", "uartgw"),
		rx:     make(chan []byte, rxQueueDepth),
		mux:    transport.NewMux(),
		done:   make(chan struct{}),

		settle:      time.Second,
		initTimeout: InitTimeout,
	}
	d.wg.Add(1)
	go d.readLoop()
	return d
}

// SetSink replaces the frame consumer.
func (d *Device) SetSink(s Sink) {
	d.sinkMu.Lock()
	d.sink = s
	d.sinkMu.Unlock()
}

func (d *Device) currentSink() Sink {
	d.sinkMu.Lock()
	defer d.sinkMu.Unlock()
	return d.sink
}

func (d *Device) readLoop() {
	defer d.wg.Done()
	defer close(d.rx)

	buf := make([]byte, 256)
	for {
		n, err := d.conn.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			select {
			case d.rx <- chunk:
			case <-d.done:
				return
			}
		}
		if err != nil {
			select {
			case <-d.done:
				return
			default:
			}
			switch {
			case err == io.EOF:
				d.setFault(transport.ErrEOF)
			case strings.Contains(err.Error(), "closed"):
				d.setFault(transport.ErrClosed)
			default:
				d.logger.Error("uartgw read error", "err", err)
				d.setFault(fmt.Errorf("%w: %v", transport.ErrIO, err))
			}
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
	if d.fault == nil {
		return transport.ErrEOF
	}
	return d.fault
}

// SendRaw escapes and writes a complete unescaped frame.
func (d *Device) SendRaw(frame []byte) error {
	select {
	case <-d.done:
		return transport.ErrClosed
	default:
	}
	d.logger.Debug("uartgw TX", "frame", fmt.Sprintf("%X", frame))
	out := escape(frame)
	for w := 0; w < len(out); {
		n, err := d.conn.Write(out[w:])
		if err != nil {
			return fmt.Errorf("uartgw write: %w", err)
		}
		w += n
	}
	return nil
}

// Send frames cmd for dst with the next sequence counter and writes it.
func (d *Device) Send(cmd []byte, dst Channel) error {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	frame := encodeFrame(dst, d.cnt, cmd)
	d.cnt++
	return d.SendRaw(frame)
}

// Poll consumes at most one received byte. The sink runs when that byte
// completes a frame with a valid checksum.
func (d *Device) Poll(timeout time.Duration) (transport.Result, error) {
	if len(d.pending) == 0 {
		chunk, res, ok := transport.Wait(d.mux, d.rx, timeout)
		if !ok {
			return res, d.faultErr()
		}
		if res.Event != transport.DriverProgressed {
			return res, nil
		}
		d.pending = chunk
	}

	b := d.pending[0]
	d.pending = d.pending[1:]
	res := transport.Result{Event: transport.DriverProgressed}

	dst, payload, done, err := d.asm.feed(b)
	if err != nil {
		d.logger.Warn("uartgw frame dropped", "err", err, "frame", fmt.Sprintf("%X", payload))
		return res, nil
	}
	if !done {
		return res, nil
	}
	d.logger.Debug("uartgw RX", "dst", dst, "payload", fmt.Sprintf("%X", payload))
	if sink := d.currentSink(); sink != nil && !sink.HandleFrame(dst, payload) {
		return res, transport.ErrStopped
	}
	return res, nil
}

// Flush drops buffered input and the reassembly state, then discards bytes
// until the module has been quiet for 100ms.
func (d *Device) Flush() {
	if d.port != nil {
		_ = d.port.ResetInputBuffer()
	}
	d.pending = nil
	d.asm.reset()
	timer := time.NewTimer(flushQuiet)
	defer timer.Stop()
	for {
		select {
		case _, ok := <-d.rx:
			if !ok {
				return
			}
			timer.Reset(flushQuiet)
		case <-timer.C:
			return
		}
	}
}

// AddSource registers an external readiness source reported by Poll.
func (d *Device) AddSource(id int, src <-chan struct{}) {
	d.mux.Add(id, src)
}

// Close closes the port and stops the reader.
func (d *Device) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.done)
		err = d.conn.Close()
		d.wg.Wait()
		d.mux.Close()
	})
	return err
}
