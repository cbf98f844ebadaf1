package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"homematic-go-bridge/internal/hm"
	"homematic-go-bridge/internal/radio"
	"homematic-go-bridge/internal/store"
	"homematic-go-bridge/internal/transport"
)

const (
	central hm.HMID = 0xabcdef
	device  hm.HMID = 0x123456
)

type fakeRadio struct {
	mu         sync.Mutex
	session    radio.Session
	observer   func(hm.Message)
	wake       <-chan struct{}
	incoming   chan hm.Message
	sent       []hm.Message
	speeds     []int
	keepalives int
	sendErr    error
	pollErr    error
	closed     bool
}

func newFakeRadio() *fakeRadio {
	return &fakeRadio{
		session:  radio.Session{Central: central},
		incoming: make(chan hm.Message, 8),
	}
}

func (f *fakeRadio) Init(context.Context) (radio.Info, error) {
	return radio.Info{Transport: "usb", Version: "967", Credits: 3, HMID: central}, nil
}

func (f *fakeRadio) SwitchSpeed(_ context.Context, speed int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.speeds = append(f.speeds, speed)
	return nil
}

func (f *fakeRadio) Send(_ context.Context, m hm.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, m.Clone())
	return f.sendErr
}

func (f *fakeRadio) Poll(time.Duration) (transport.Result, error) {
	f.mu.Lock()
	err := f.pollErr
	f.mu.Unlock()
	if err != nil {
		return transport.Result{}, err
	}
	select {
	case m := <-f.incoming:
		f.observer(m)
		return transport.Result{Event: transport.DriverProgressed}, nil
	case <-f.wake:
		return transport.Result{Event: transport.ExternalReady, Source: sourceQueue}, nil
	case <-time.After(5 * time.Millisecond):
		return transport.Result{Event: transport.TimedOut}, nil
	}
}

func (f *fakeRadio) AddSource(_ int, src <-chan struct{}) { f.wake = src }
func (f *fakeRadio) SetObserver(fn func(hm.Message))      { f.observer = fn }
func (f *fakeRadio) Session() *radio.Session              { return &f.session }
func (f *fakeRadio) Transport() string                    { return "usb" }
func (f *fakeRadio) Close() error                         { f.closed = true; return nil }

func (f *fakeRadio) Keepalive() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keepalives++
	return nil
}

func (f *fakeRadio) sentMessages() []hm.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]hm.Message(nil), f.sent...)
}

type memStore struct {
	mu     sync.Mutex
	frames []*store.Frame
}

func (m *memStore) SaveFlashRun(*store.FlashRun) error { return nil }
func (m *memStore) GetFlashRun(uint64) (*store.FlashRun, error) {
	return nil, store.ErrNotFound
}
func (m *memStore) ListFlashRuns() ([]*store.FlashRun, error) { return nil, nil }
func (m *memStore) Close() error                              { return nil }

func (m *memStore) AddFrame(f *store.Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = append(m.frames, f)
	return nil
}

func (m *memStore) ListFrames(int) ([]*store.Frame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*store.Frame(nil), m.frames...), nil
}

// startCoordinator runs a coordinator on r until the test ends.
func startCoordinator(t *testing.T, r *fakeRadio, st store.Store) (*Coordinator, <-chan error) {
	t.Helper()
	c := New(r, st, NewEventBus(newTestLogger()), Config{Speed: radio.Speed100k}, newTestLogger())
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	deadline := time.Now().Add(time.Second)
	for !c.Status().Running {
		if time.Now().After(deadline) {
			t.Fatal("loop did not start")
		}
		time.Sleep(time.Millisecond)
	}
	return c, done
}

func TestParseMessage(t *testing.T) {
	tests := []struct {
		input   string
		wantErr bool
	}{
		{"0A018410123456ABCDEF06", false},
		{"0a 01 84 10 123456 abcdef 06", false},
		{"0A0184", true},
		{"0B018410123456ABCDEF06", true},
		{"ZZ", true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			m, err := ParseMessage(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseMessage(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && (m.Src() != device || m.Dst() != central) {
				t.Errorf("src/dst = %s/%s", m.Src(), m.Dst())
			}
		})
	}
}

func TestStartSetsSpeed(t *testing.T) {
	r := newFakeRadio()
	c := New(r, nil, NewEventBus(newTestLogger()), Config{Speed: radio.Speed100k}, newTestLogger())
	var info Status
	c.Events().On(EventAdapterInfo, func(e Event) { info = e.Data.(Status) })

	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(r.speeds) != 1 || r.speeds[0] != radio.Speed100k {
		t.Errorf("speeds = %v", r.speeds)
	}
	if info.Version != "967" || info.HMID != central || info.Speed != radio.Speed100k {
		t.Errorf("adapter info = %+v", info)
	}
	if r.wake == nil {
		t.Error("send queue not registered as poll source")
	}
}

func TestSendThroughLoop(t *testing.T) {
	r := newFakeRadio()
	c, _ := startCoordinator(t, r, nil)
	results, unsub := c.Events().Subscribe(4, EventSendResult)
	defer unsub()

	m := hm.NewMessage(0x01, hm.CtlBiDi, hm.TypeSet, 0, device, []byte{0x01, 0xc8})
	if err := c.Send(context.Background(), m); err != nil {
		t.Fatal(err)
	}

	sent := r.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(sent))
	}
	if sent[0].Src() != central {
		t.Errorf("src = %s, want %s", sent[0].Src(), central)
	}
	if m.Src() != 0 {
		t.Error("caller's message was modified")
	}
	if st := c.Status(); st.Sent != 1 || st.Failed != 0 {
		t.Errorf("counters = %d/%d", st.Sent, st.Failed)
	}

	select {
	case e := <-results:
		res := e.Data.(SendResult)
		if res.Error != "" || res.Dst != device.String() {
			t.Errorf("result = %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatal("no send_result event")
	}
}

func TestSendFailure(t *testing.T) {
	r := newFakeRadio()
	r.sendErr = radio.ErrMissingAck
	c, _ := startCoordinator(t, r, nil)

	m := hm.NewMessage(0x01, hm.CtlBiDi, hm.TypeSet, central, device, nil)
	if err := c.Send(context.Background(), m); !errors.Is(err, radio.ErrMissingAck) {
		t.Fatalf("err = %v, want ErrMissingAck", err)
	}
	if st := c.Status(); st.Failed != 1 {
		t.Errorf("failed = %d, want 1", st.Failed)
	}
}

func TestSendRejects(t *testing.T) {
	c := New(newFakeRadio(), nil, NewEventBus(newTestLogger()), Config{}, newTestLogger())

	if err := c.Send(context.Background(), hm.Message{0x0b, 0x01}); !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("short message: err = %v", err)
	}
	m := hm.NewMessage(0x01, 0, hm.TypeSet, central, device, nil)
	if err := c.Send(context.Background(), m); !errors.Is(err, ErrNotRunning) {
		t.Errorf("not running: err = %v", err)
	}
}

func TestSendDuringShutdown(t *testing.T) {
	m := hm.NewMessage(0x01, 0, hm.TypeSet, central, device, nil)
	for i := 0; i < 50; i++ {
		c := New(newFakeRadio(), nil, NewEventBus(newTestLogger()), Config{}, newTestLogger())
		if err := c.Start(context.Background()); err != nil {
			t.Fatal(err)
		}
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- c.Run(ctx) }()
		for !c.Status().Running {
			time.Sleep(100 * time.Microsecond)
		}

		results := make(chan error, 4)
		for j := 0; j < cap(results); j++ {
			go func() { results <- c.Send(context.Background(), m) }()
		}
		cancel()
		<-done

		for j := 0; j < cap(results); j++ {
			select {
			case err := <-results:
				if err != nil && !errors.Is(err, ErrNotRunning) {
					t.Errorf("Send() err = %v, want nil or ErrNotRunning", err)
				}
			case <-time.After(time.Second):
				t.Fatalf("iteration %d: Send still blocked after the loop stopped", i)
			}
		}
	}
}

func TestReceivedMessages(t *testing.T) {
	r := newFakeRadio()
	st := &memStore{}
	c, _ := startCoordinator(t, r, st)
	received, unsub := c.Events().Subscribe(4, EventMessageReceived)
	defer unsub()

	r.incoming <- hm.NewMessage(0x05, 0x84, hm.TypeInfo, device, central, []byte{0x06, 0x01, 0xc8, 0x00})

	select {
	case e := <-received:
		d := e.Data.(hm.Dissection)
		if d.Src != device.String() || d.Type != hm.TypeInfo {
			t.Errorf("dissection = %+v", d)
		}
	case <-time.After(time.Second):
		t.Fatal("no message_received event")
	}

	if _, ok := c.Peers().Get(device); !ok {
		t.Error("sender not in peer table")
	}
	frames, _ := st.ListFrames(0)
	if len(frames) != 1 || frames[0].Src != device.String() {
		t.Errorf("captured frames = %+v", frames)
	}
	if c.Status().Received != 1 {
		t.Errorf("received = %d, want 1", c.Status().Received)
	}
}

func TestKeepaliveOnTimeout(t *testing.T) {
	r := newFakeRadio()
	startCoordinator(t, r, nil)

	deadline := time.Now().Add(time.Second)
	for {
		r.mu.Lock()
		n := r.keepalives
		r.mu.Unlock()
		if n > 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("no keepalive sent on idle polls")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestRunStopsOnPollError(t *testing.T) {
	r := newFakeRadio()
	c := New(r, nil, NewEventBus(newTestLogger()), Config{}, newTestLogger())
	if err := c.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	r.pollErr = transport.ErrIO

	err := c.Run(context.Background())
	if !errors.Is(err, transport.ErrIO) {
		t.Fatalf("err = %v, want ErrIO", err)
	}
	if c.Status().Running {
		t.Error("still running after Run returned")
	}
}
