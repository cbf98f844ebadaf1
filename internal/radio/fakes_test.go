package radio

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"homematic-go-bridge/internal/culfw"
	"homematic-go-bridge/internal/hm"
	"homematic-go-bridge/internal/hmcfgusb"
	"homematic-go-bridge/internal/nibble"
	"homematic-go-bridge/internal/transport"
	"homematic-go-bridge/internal/uartgw"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var fixedNow = time.Date(2024, 3, 1, 12, 0, 0, 123456000, time.UTC)

// quiet makes l fast to test: short adapter waits, no real sleeps.
func quiet(l *Link) *[]time.Duration {
	var slept []time.Duration
	l.limit = 50 * time.Millisecond
	l.sleep = func(d time.Duration) { slept = append(slept, d) }
	return &slept
}

func idle() (transport.Result, error) {
	time.Sleep(time.Millisecond)
	return transport.Result{Event: transport.TimedOut}, nil
}

var progressed = transport.Result{Event: transport.DriverProgressed}

type fakeUSB struct {
	sink       hmcfgusb.Sink
	sent       [][]byte
	queue      [][]byte
	onSend     func(frame []byte) [][]byte
	bootloader bool
	entered    int
	left       int
	closed     bool
	polls      int
}

func (f *fakeUSB) Send(frame []byte, flush bool) error {
	f.sent = append(f.sent, append([]byte(nil), frame...))
	if f.onSend != nil {
		f.queue = append(f.queue, f.onSend(frame)...)
	}
	return nil
}

func (f *fakeUSB) SendNullFrame() error           { return nil }
func (f *fakeUSB) SetSink(s hmcfgusb.Sink)        { f.sink = s }
func (f *fakeUSB) AddSource(int, <-chan struct{}) {}
func (f *fakeUSB) Bootloader() bool               { return f.bootloader }
func (f *fakeUSB) EnterBootloader() error         { f.entered++; return nil }
func (f *fakeUSB) LeaveBootloader() error         { f.left++; return nil }
func (f *fakeUSB) Close() error                   { f.closed = true; return nil }

func (f *fakeUSB) Poll(time.Duration) (transport.Result, error) {
	f.polls++
	if len(f.queue) == 0 {
		return idle()
	}
	fr := f.queue[0]
	f.queue = f.queue[1:]
	f.sink.HandleFrame(fr)
	return progressed, nil
}

type fakeLine struct {
	sink    culfw.Sink
	sent    []string
	queue   []string
	onSend  func(cmd string) []string
	flushes int
	polls   int
}

func (f *fakeLine) Send(cmd []byte) error { return f.SendString(string(cmd)) }

func (f *fakeLine) SendString(cmd string) error {
	f.sent = append(f.sent, cmd)
	if f.onSend != nil {
		f.queue = append(f.queue, f.onSend(cmd)...)
	}
	return nil
}

func (f *fakeLine) Flush()                         { f.flushes++ }
func (f *fakeLine) SetSink(s culfw.Sink)           { f.sink = s }
func (f *fakeLine) AddSource(int, <-chan struct{}) {}
func (f *fakeLine) Close() error                   { return nil }

func (f *fakeLine) Poll(time.Duration) (transport.Result, error) {
	f.polls++
	if len(f.queue) == 0 {
		return idle()
	}
	line := f.queue[0]
	f.queue = f.queue[1:]
	f.sink.HandleLine([]byte(line))
	return progressed, nil
}

// sentMessages decodes the "As" commands the fake saw.
func (f *fakeLine) sentMessages(t *testing.T) []hm.Message {
	t.Helper()
	var out []hm.Message
	for _, cmd := range f.sent {
		if !strings.HasPrefix(cmd, "As") {
			continue
		}
		b, err := nibble.Decode([]byte(strings.TrimRight(cmd[2:], "\r\n")))
		if err != nil {
			t.Fatalf("decode %q: %v", cmd, err)
		}
		out = append(out, hm.Message(b))
	}
	return out
}

type gwFrame struct {
	ch      uartgw.Channel
	payload []byte
}

type fakeGateway struct {
	sink      uartgw.Sink
	sent      []gwFrame
	queue     []gwFrame
	onSend    func(cmd []byte, ch uartgw.Channel) []gwFrame
	enterApp  int
	enterBoot int
	polls     int
}

func (f *fakeGateway) Send(cmd []byte, ch uartgw.Channel) error {
	f.sent = append(f.sent, gwFrame{ch, append([]byte(nil), cmd...)})
	if f.onSend != nil {
		f.queue = append(f.queue, f.onSend(cmd, ch)...)
	}
	return nil
}

func (f *fakeGateway) SetSink(s uartgw.Sink)                 { f.sink = s }
func (f *fakeGateway) AddSource(int, <-chan struct{})        {}
func (f *fakeGateway) EnterApp(context.Context) error        { f.enterApp++; return nil }
func (f *fakeGateway) EnterBootloader(context.Context) error { f.enterBoot++; return nil }
func (f *fakeGateway) Close() error                          { return nil }

func (f *fakeGateway) Poll(time.Duration) (transport.Result, error) {
	f.polls++
	if len(f.queue) == 0 {
		return idle()
	}
	fr := f.queue[0]
	f.queue = f.queue[1:]
	f.sink.HandleFrame(fr.ch, fr.payload)
	return progressed, nil
}

func newUSBLink(s *Session) (*Link, *fakeUSB) {
	p := &fakeUSB{}
	l := NewUSB(&USBDevice{Port: p}, s, testLogger())
	l.now = func() time.Time { return fixedNow }
	return l, p
}

func newLineLink(s *Session) (*Link, *fakeLine) {
	p := &fakeLine{}
	l := NewLine(&LineDevice{Port: p}, s, testLogger())
	l.now = func() time.Time { return fixedNow }
	return l, p
}

func newGatewayLink(s *Session) (*Link, *fakeGateway) {
	p := &fakeGateway{}
	l := NewGateway(&GatewayDevice{Port: p}, s, testLogger())
	l.now = func() time.Time { return fixedNow }
	return l, p
}

// usbEvent wraps m the way the USB adapter reports a received message.
func usbEvent(m hm.Message) []byte {
	buf := make([]byte, hmcfgusb.FrameSize)
	buf[0] = 'E'
	copy(buf[0x0d:], m.Frame())
	return buf
}

func usbStatus(status uint16) []byte {
	buf := make([]byte, hmcfgusb.FrameSize)
	buf[0] = 'R'
	buf[5] = byte(status >> 8)
	buf[6] = byte(status)
	return buf
}

func lineMessage(m hm.Message) string {
	return "A" + nibble.EncodeToString(m.Frame())
}
