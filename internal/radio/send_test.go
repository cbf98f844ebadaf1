package radio

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"strings"
	"testing"

	"homematic-go-bridge/internal/hm"
	"homematic-go-bridge/internal/uartgw"
)

func TestUSBStatusError(t *testing.T) {
	tests := []struct {
		status uint16
		ok     bool
		want   error
	}{
		{0x0001, true, nil},
		{0x0002, true, nil},
		{0x0021, true, nil},
		{0x0400, false, ErrOutOfCredits},
		{0x0008, false, ErrMissingAck},
		{0x0030, false, ErrUnknownKey},
		{0x0099, false, nil},
	}
	for _, tt := range tests {
		err := usbStatusError(tt.status)
		if tt.ok {
			if err != nil {
				t.Errorf("%04x: got %v, want nil", tt.status, err)
			}
			continue
		}
		var se *StatusError
		if !errors.As(err, &se) {
			t.Fatalf("%04x: got %v, want *StatusError", tt.status, err)
		}
		if se.Status != tt.status || se.Err != tt.want {
			t.Errorf("%04x: got %04x/%v, want %v", tt.status, se.Status, se.Err, tt.want)
		}
	}
}

func TestGatewayStatusError(t *testing.T) {
	tests := []struct {
		status uint16
		want   error
	}{
		{0x02, nil},
		{0x03, nil},
		{0x0c, nil},
		{0x0d, ErrAESHandshake},
		{0x04, ErrMissingAck},
		{0x06, ErrMissingAck},
	}
	for _, tt := range tests {
		err := gatewayStatusError(tt.status)
		if tt.want == nil {
			if err != nil {
				t.Errorf("%02x: got %v, want nil", tt.status, err)
			}
			continue
		}
		if !errors.Is(err, tt.want) {
			t.Errorf("%02x: got %v, want %v", tt.status, err, tt.want)
		}
	}

	var se *StatusError
	if !errors.As(gatewayStatusError(0x77), &se) || se.Err != nil {
		t.Errorf("unknown status: got %v", se)
	}
	if got := se.Error(); got != "invalid status: 0077" {
		t.Errorf("message: got %q", got)
	}
}

func TestUSBSend(t *testing.T) {
	l, p := newUSBLink(&Session{Central: central})
	quiet(l)
	p.onSend = func(frame []byte) [][]byte {
		if frame[0] == 'S' {
			return [][]byte{usbStatus(0x0001)}
		}
		return nil
	}

	msg := l.NewMessage(0x42, 0x20, hm.TypeFirmware, tracked, []byte{0x10, 0x5b})
	for i := 0; i < 2; i++ {
		if err := l.Send(context.Background(), msg); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}
	if len(p.sent) != 2 {
		t.Fatalf("frames: got %d, want 2", len(p.sent))
	}

	out := p.sent[0]
	if out[0] != 'S' {
		t.Errorf("cmd: got %c, want S", out[0])
	}
	if id := binary.BigEndian.Uint32(out[1:5]); id != 1 {
		t.Errorf("first id: got %d, want 1", id)
	}
	if id := binary.BigEndian.Uint32(p.sent[1][1:5]); id != 2 {
		t.Errorf("second id: got %d, want 2", id)
	}
	if out[10] != 0x01 {
		t.Errorf("flag: got %02x, want 01", out[10])
	}
	if usec := binary.BigEndian.Uint32(out[11:15]); usec != 123456 {
		t.Errorf("usec: got %d, want 123456", usec)
	}
	if got := out[0x0f : 0x0f+len(msg)]; !bytes.Equal(got, msg) {
		t.Errorf("message: got %X, want %X", got, []byte(msg))
	}
	if src := hm.Message(out[0x0f:]).Src(); src != central {
		t.Errorf("src: got %s, want %s", src, central)
	}
}

func TestUSBSendFailure(t *testing.T) {
	l, p := newUSBLink(nil)
	quiet(l)
	p.onSend = func([]byte) [][]byte { return [][]byte{usbStatus(0x0008)} }

	err := l.Send(context.Background(), hm.NewMessage(1, 0x20, hm.TypeSet, central, tracked, nil))
	if !errors.Is(err, ErrMissingAck) {
		t.Fatalf("got %v, want ErrMissingAck", err)
	}

	// A failed send does not consume the id.
	p.onSend = func([]byte) [][]byte { return [][]byte{usbStatus(0x0001)} }
	if err := l.Send(context.Background(), hm.NewMessage(1, 0x20, hm.TypeSet, central, tracked, nil)); err != nil {
		t.Fatal(err)
	}
	if id := binary.BigEndian.Uint32(p.sent[1][1:5]); id != 1 {
		t.Errorf("id after failure: got %d, want 1", id)
	}
}

func TestUSBSendTimeout(t *testing.T) {
	l, _ := newUSBLink(nil)
	quiet(l)
	err := l.Send(context.Background(), hm.NewMessage(1, 0x20, hm.TypeSet, central, tracked, nil))
	if !errors.Is(err, ErrAdapterTimeout) {
		t.Fatalf("got %v, want ErrAdapterTimeout", err)
	}
}

func TestUSBSendCanceled(t *testing.T) {
	l, _ := newUSBLink(nil)
	quiet(l)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.Send(ctx, hm.NewMessage(1, 0x20, hm.TypeSet, central, tracked, nil))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}

func ack(m hm.Message) hm.Message {
	return hm.NewMessage(m.MsgID(), 0x80, hm.TypeAck, m.Dst(), m.Src(), []byte{0x00})
}

func aesRequest(m hm.Message, ctl byte, keyIndex int) hm.Message {
	payload := []byte{hm.SubtypeAESReq, 0x11, 0x22, 0x33, 0x44, 0x55, 0x66, byte(keyIndex * 2)}
	return hm.NewMessage(m.MsgID(), ctl, hm.TypeAck, m.Dst(), m.Src(), payload)
}

func TestLineSendNoAck(t *testing.T) {
	l, p := newLineLink(nil)
	slept := quiet(l)
	msg := hm.NewMessage(0x01, 0x00, hm.TypeFirmware, central, tracked, []byte{0x01})

	if err := l.Send(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	if len(p.sent) != 1 || !strings.HasPrefix(p.sent[0], "As") || !strings.HasSuffix(p.sent[0], "\r\n") {
		t.Fatalf("sent: %q", p.sent)
	}
	if got := p.sentMessages(t)[0]; !bytes.Equal(got, msg) {
		t.Errorf("message: got %s, want %s", got, msg)
	}
	if p.polls != 0 {
		t.Errorf("polls: got %d, want 0", p.polls)
	}
	if len(*slept) != 1 || (*slept)[0] != lineSendDelay {
		t.Errorf("sleeps: got %v, want [%v]", *slept, lineSendDelay)
	}
}

func TestLineSendAck(t *testing.T) {
	l, p := newLineLink(&Session{Filter: tracked})
	quiet(l)
	msg := hm.NewMessage(0x07, hm.CtlBiDi, hm.TypeSet, central, tracked, []byte{0x01})
	p.onSend = func(string) []string { return []string{"", lineMessage(ack(msg))} }

	if err := l.Send(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	if p.polls != 2 {
		t.Errorf("polls: got %d, want 2", p.polls)
	}
}

func TestLineSendMissingAck(t *testing.T) {
	l, p := newLineLink(nil)
	quiet(l)
	msg := hm.NewMessage(0x07, hm.CtlBiDi, hm.TypeSet, central, tracked, []byte{0x01})

	if err := l.Send(context.Background(), msg); !errors.Is(err, ErrMissingAck) {
		t.Fatalf("got %v, want ErrMissingAck", err)
	}
	if p.polls != ackPolls {
		t.Errorf("polls: got %d, want %d", p.polls, ackPolls)
	}
}

func TestLineSendNACK(t *testing.T) {
	l, p := newLineLink(nil)
	quiet(l)
	msg := hm.NewMessage(0x07, hm.CtlBiDi, hm.TypeSet, central, tracked, []byte{0x01})
	nack := hm.NewMessage(0x07, 0x80, hm.TypeAck, tracked, central, []byte{0x80})
	p.onSend = func(string) []string { return []string{lineMessage(nack)} }

	if err := l.Send(context.Background(), msg); !errors.Is(err, ErrNACK) {
		t.Fatalf("got %v, want ErrNACK", err)
	}
}

func TestLineSendAES(t *testing.T) {
	key := hm.KeySpec{Index: 1, Key: [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}}
	l, p := newLineLink(&Session{Key: key})
	slept := quiet(l)

	msg := hm.NewMessage(0x07, hm.CtlBiDi, hm.TypeSet, central, tracked, []byte{0x01, 0xc8})
	req := aesRequest(msg, hm.CtlRepeatOK|hm.CtlBiDi, 1)
	p.onSend = func(cmd string) []string {
		if len(p.sent) == 1 {
			return []string{lineMessage(req)}
		}
		return []string{lineMessage(ack(msg))}
	}

	if err := l.Send(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	sent := p.sentMessages(t)
	if len(sent) != 2 {
		t.Fatalf("sent: got %d messages, want 2", len(sent))
	}

	resp, _ := hm.Sign(key.Key, [6]byte{0x11, 0x22, 0x33, 0x44, 0x55, 0x66}, msg, fixedNow)
	want := hm.NewMessage(req.MsgID(), req.Ctl(), hm.TypeAESReply, central, tracked, resp[:])
	if !bytes.Equal(sent[1], want) {
		t.Errorf("reply: got %s, want %s", sent[1], want)
	}
	if (*slept)[0] != aesReplyDelay {
		t.Errorf("first sleep: got %v, want %v", (*slept)[0], aesReplyDelay)
	}
}

func TestLineSendAESKeepsBudget(t *testing.T) {
	key := hm.KeySpec{Index: 1}
	l, p := newLineLink(&Session{Key: key})
	quiet(l)

	msg := hm.NewMessage(0x07, hm.CtlBiDi, hm.TypeSet, central, tracked, []byte{0x01})
	p.onSend = func(string) []string {
		if len(p.sent) == 1 {
			// challenge without BiDi on the third poll
			return []string{"", "", lineMessage(aesRequest(msg, hm.CtlRepeatOK, 1))}
		}
		return nil
	}

	if err := l.Send(context.Background(), msg); !errors.Is(err, ErrMissingAck) {
		t.Fatalf("got %v, want ErrMissingAck", err)
	}
	if len(p.sent) != 2 {
		t.Errorf("sent: got %d, want 2", len(p.sent))
	}
	if p.polls != ackPolls {
		t.Errorf("polls: got %d, want %d", p.polls, ackPolls)
	}
}

func TestLineSendAESUnknownKey(t *testing.T) {
	l, p := newLineLink(&Session{Key: hm.KeySpec{Index: 2}})
	quiet(l)
	msg := hm.NewMessage(0x07, hm.CtlBiDi, hm.TypeSet, central, tracked, []byte{0x01})
	p.onSend = func(string) []string { return []string{lineMessage(aesRequest(msg, hm.CtlBiDi, 1))} }

	if err := l.Send(context.Background(), msg); !errors.Is(err, ErrMissingAck) {
		t.Fatalf("got %v, want ErrMissingAck", err)
	}
	if len(p.sent) != 1 {
		t.Errorf("sent: got %d, want 1", len(p.sent))
	}
}

func TestLineSendAESDepth(t *testing.T) {
	l, p := newLineLink(&Session{Key: hm.KeySpec{Index: 1}})
	quiet(l)
	msg := hm.NewMessage(0x07, hm.CtlBiDi, hm.TypeSet, central, tracked, []byte{0x01})
	p.onSend = func(string) []string { return []string{lineMessage(aesRequest(msg, hm.CtlBiDi, 1))} }

	if err := l.Send(context.Background(), msg); !errors.Is(err, ErrAESHandshake) {
		t.Fatalf("got %v, want ErrAESHandshake", err)
	}
	if len(p.sent) != maxAESDepth {
		t.Errorf("sent: got %d, want %d", len(p.sent), maxAESDepth)
	}
}

func TestLineSendTSCUL(t *testing.T) {
	l, p := newLineLink(nil)
	quiet(l)
	l.state.TSCUL = true
	p.onSend = func(string) []string { return []string{"AF003" + strings.Repeat("0", 14)} }

	msg := hm.NewMessage(0x01, 0x00, hm.TypeFirmware, central, tracked, []byte{0x01})
	if err := l.Send(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	if p.polls != 1 {
		t.Errorf("polls: got %d, want 1", p.polls)
	}
}

func TestGatewaySend(t *testing.T) {
	l, p := newGatewayLink(nil)
	quiet(l)
	p.onSend = func([]byte, uartgw.Channel) []gwFrame {
		return []gwFrame{{uartgw.ChannelApp, []byte{uartgw.AppAck, 0x02}}}
	}

	msg := hm.NewMessage(0x01, hm.CtlBurst|hm.CtlBiDi, hm.TypeSet, central, tracked, []byte{0x01})
	if err := l.Send(context.Background(), msg); err != nil {
		t.Fatal(err)
	}
	got := p.sent[0]
	if got.ch != uartgw.ChannelApp {
		t.Errorf("channel: got %v, want app", got.ch)
	}
	want := append([]byte{uartgw.AppSend, 0x00, 0x00, 0x01}, msg[1:]...)
	if !bytes.Equal(got.payload, want) {
		t.Errorf("payload: got %X, want %X", got.payload, want)
	}

	p.onSend = func([]byte, uartgw.Channel) []gwFrame {
		return []gwFrame{{uartgw.ChannelApp, []byte{uartgw.AppAck, 0x0d}}}
	}
	if err := l.Send(context.Background(), msg); !errors.Is(err, ErrAESHandshake) {
		t.Errorf("status 0d: got %v, want ErrAESHandshake", err)
	}
}

func TestGatewayBusy(t *testing.T) {
	l, p := newGatewayLink(nil)
	slept := quiet(l)
	p.onSend = func([]byte, uartgw.Channel) []gwFrame {
		return []gwFrame{{uartgw.ChannelApp, []byte{uartgw.AppAck, uartgw.AckInProgress}}}
	}

	if err := l.AddPeer(context.Background(), tracked, 1); !errors.Is(err, ErrBusy) {
		t.Fatalf("got %v, want ErrBusy", err)
	}
	if len(p.sent) != gatewayAttempts {
		t.Errorf("attempts: got %d, want %d", len(p.sent), gatewayAttempts)
	}
	if len(*slept) != gatewayAttempts {
		t.Errorf("sleeps: got %d, want %d", len(*slept), gatewayAttempts)
	}
	want := []byte{uartgw.AppAddPeer, 0x12, 0x34, 0x56, 0x01, 0x00, 0x00}
	if !bytes.Equal(p.sent[0].payload, want) {
		t.Errorf("payload: got %X, want %X", p.sent[0].payload, want)
	}
}

func TestAddPeerUSB(t *testing.T) {
	l, p := newUSBLink(nil)
	if err := l.AddPeer(context.Background(), tracked, 0); err != nil {
		t.Fatal(err)
	}
	if got := p.sent[0][:4]; !bytes.Equal(got, []byte{'+', 0x12, 0x34, 0x56}) {
		t.Errorf("frame: got %X", got)
	}

	ll, lp := newLineLink(nil)
	if err := ll.AddPeer(context.Background(), tracked, 0); err != nil {
		t.Fatal(err)
	}
	if len(lp.sent) != 0 {
		t.Errorf("line sent: %q", lp.sent)
	}
}

func TestSwitchSpeed(t *testing.T) {
	t.Run("usb", func(t *testing.T) {
		l, p := newUSBLink(nil)
		quiet(l)
		p.onSend = func(frame []byte) [][]byte { return [][]byte{{'G', frame[1]}} }
		if err := l.SwitchSpeed(context.Background(), Speed100k); err != nil {
			t.Fatal(err)
		}
		if p.sent[0][0] != 'G' || p.sent[0][1] != Speed100k {
			t.Errorf("frame: got %X", p.sent[0][:2])
		}
		if got := l.State().Speed; got != Speed100k {
			t.Errorf("speed: got %d, want %d", got, Speed100k)
		}
	})
	t.Run("usb no echo", func(t *testing.T) {
		l, _ := newUSBLink(nil)
		quiet(l)
		if err := l.SwitchSpeed(context.Background(), Speed100k); !errors.Is(err, ErrAdapterTimeout) {
			t.Errorf("got %v, want ErrAdapterTimeout", err)
		}
	})
	t.Run("line", func(t *testing.T) {
		l, p := newLineLink(nil)
		l.SwitchSpeed(context.Background(), Speed100k)
		l.SwitchSpeed(context.Background(), Speed10k)
		if want := []string{"AR\r\n", "Ar\r\n"}; strings.Join(p.sent, "|") != strings.Join(want, "|") {
			t.Errorf("sent: got %q, want %q", p.sent, want)
		}
	})
	t.Run("uart", func(t *testing.T) {
		l, p := newGatewayLink(nil)
		l.SwitchSpeed(context.Background(), Speed100k)
		l.SwitchSpeed(context.Background(), Speed10k)
		if len(p.sent) != 2 {
			t.Fatalf("sent: got %d frames", len(p.sent))
		}
		if got := p.sent[0]; got.ch != uartgw.ChannelOS || !bytes.Equal(got.payload, []byte{uartgw.OSUpdateMode, 0xe9, 0xca}) {
			t.Errorf("100k: got %v %X", got.ch, got.payload)
		}
		if got := p.sent[1]; !bytes.Equal(got.payload, []byte{uartgw.OSNormalMode}) {
			t.Errorf("10k: got %X", got.payload)
		}
	})
}
