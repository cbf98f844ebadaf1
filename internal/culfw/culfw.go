// Package culfw drives CUL sticks running culfw (or the timestamp variant
// tsculfw) over a line-oriented serial interface.
package culfw

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"homematic-go-bridge/internal/transport"
)

// DefaultBaud is used when no baud rate is configured.
const DefaultBaud = 38400

const (
	maxLine      = 1024
	flushQuiet   = 100 * time.Millisecond
	rxQueueDepth = 64
)

var supportedBaud = []int{115200, 57600, 38400, 19200, 9600}

// UnsupportedBaudError is returned by Open for rates the stick cannot use.
type UnsupportedBaudError struct {
	Baud int
}

func (e *UnsupportedBaudError) Error() string {
	return fmt.Sprintf("unsupported baud-rate: %d", e.Baud)
}

// ValidBaud reports whether baud is one of the supported rates.
func ValidBaud(baud int) bool {
	for _, b := range supportedBaud {
		if b == baud {
			return true
		}
	}
	return false
}

// Sink consumes complete lines. Returning false stops the transport.
type Sink interface {
	HandleLine(line []byte) bool
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(line []byte) bool

func (f SinkFunc) HandleLine(line []byte) bool { return f(line) }

// Device is an open CUL stick.
type Device struct {
	conn   io.ReadWriteCloser
	port   serial.Port
	logger *slog.Logger

	sinkMu sync.Mutex
	sink   Sink

	writeMu sync.Mutex

	rx  chan []byte
	mux *transport.Mux

	faultMu sync.Mutex
	fault   error

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Open opens the tty at path in 8N1 at the given baud rate. A zero baud
// selects DefaultBaud.
func Open(path string, baud int, sink Sink, logger *slog.Logger) (*Device, error) {
	if baud == 0 {
		baud = DefaultBaud
	}
	if !ValidBaud(baud) {
		return nil, &UnsupportedBaudError{Baud: baud}
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("culfw: open %s: %w", path, err)
	}
	_ = port.ResetInputBuffer()

	d := New(port, sink, logger)
	d.port = port
	logger.Info("culfw opened", "port", path, "baud", baud)
	return d, nil
}

// New wraps an already open connection.
func New(conn io.ReadWriteCloser, sink Sink, logger *slog.Logger) *Device {
	d := &Device{
		conn:   conn,
		sink:   sink,
		logger: logger.With("component", "culfw"),
		rx:     make(chan []byte, rxQueueDepth),
		mux:    transport.NewMux(),
		done:   make(chan struct{}),
	}
	d.wg.Add(1)
	go d.readLoop()
	return d
}

// SetSink replaces the line consumer.
func (d *Device) SetSink(s Sink) {
	d.sinkMu.Lock()
	d.sink = s
	d.sinkMu.Unlock()
}

// splitLines treats CR and LF both as line terminators, the way the tty
// would with ICRNL in canonical mode. Empty lines are dropped. A run of
// maxLine bytes without a terminator is handed on as a line of its own so
// the reader resynchronizes on the next terminator.
func splitLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := 0
	for start < len(data) && (data[start] == '\r' || data[start] == '\n') {
		start++
	}
	if i := bytes.IndexAny(data[start:], "\r\n"); i >= 0 && i <= maxLine {
		return start + i + 1, data[start : start+i], nil
	}
	if len(data)-start >= maxLine {
		return start + maxLine, data[start : start+maxLine], nil
	}
	if atEOF && start < len(data) {
		return len(data), data[start:], nil
	}
	return start, nil, nil
}

func (d *Device) readLoop() {
	defer d.wg.Done()
	defer close(d.rx)

	sc := bufio.NewScanner(d.conn)
	sc.Buffer(make([]byte, maxLine), 4*maxLine)
	sc.Split(splitLines)
	for sc.Scan() {
		line := append([]byte(nil), sc.Bytes()...)
		select {
		case d.rx <- line:
		case <-d.done:
			return
		}
	}

	err := sc.Err()
	select {
	case <-d.done:
		return
	default:
	}
	switch {
	case err == nil || errors.Is(err, io.EOF):
		d.setFault(transport.ErrEOF)
	case strings.Contains(err.Error(), "closed"):
		d.setFault(transport.ErrClosed)
	default:
		d.logger.Error("culfw read error", "err", err)
		d.setFault(fmt.Errorf("%w: %v", transport.ErrIO, err))
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

// Send writes cmd completely.
func (d *Device) Send(cmd []byte) error {
	select {
	case <-d.done:
		return transport.ErrClosed
	default:
	}
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	for w := 0; w < len(cmd); {
		n, err := d.conn.Write(cmd[w:])
		if err != nil {
			return fmt.Errorf("culfw write: %w", err)
		}
		w += n
	}
	d.logger.Debug("culfw TX", "data", strings.TrimRight(string(cmd), "\r\n"))
	return nil
}

// SendString is Send for text commands.
func (d *Device) SendString(cmd string) error {
	return d.Send([]byte(cmd))
}

// Poll waits up to timeout for one line and hands it to the sink.
func (d *Device) Poll(timeout time.Duration) (transport.Result, error) {
	line, res, ok := transport.Wait(d.mux, d.rx, timeout)
	if !ok {
		return res, d.faultErr()
	}
	if res.Event != transport.DriverProgressed {
		return res, nil
	}
	d.logger.Debug("culfw RX", "data", string(line))

	d.sinkMu.Lock()
	sink := d.sink
	d.sinkMu.Unlock()
	if sink != nil && !sink.HandleLine(line) {
		return res, transport.ErrStopped
	}
	return res, nil
}

// Flush discards pending input until the stick has been quiet for 100ms.
func (d *Device) Flush() {
	if d.port != nil {
		_ = d.port.ResetInputBuffer()
	}
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
