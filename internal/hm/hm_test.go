package hm

import (
	"bytes"
	"crypto/aes"
	"strings"
	"testing"
	"time"
)

func TestNewMessageLength(t *testing.T) {
	for _, n := range []int{0, 1, 6, 37} {
		m := NewMessage(1, CtlBiDi, TypeFirmware, 0x123456, 0xABCDEF, make([]byte, n))
		if m.Len() != HeaderLen+n {
			t.Errorf("payload %d: length byte %d, want %d", n, m.Len(), HeaderLen+n)
		}
		if !m.Valid() {
			t.Errorf("payload %d: message not valid", n)
		}
		if m.PayloadLen() != n {
			t.Errorf("payload %d: PayloadLen %d", n, m.PayloadLen())
		}
	}
}

func TestMessageAccessors(t *testing.T) {
	m := NewMessage(0x42, 0x30, 0x11, 0x1A2B3C, 0x4D5E6F, []byte{0xCA})
	want := []byte{0x0A, 0x42, 0x30, 0x11, 0x1A, 0x2B, 0x3C, 0x4D, 0x5E, 0x6F, 0xCA}
	if !bytes.Equal(m, want) {
		t.Fatalf("frame: got %X, want %X", []byte(m), want)
	}
	if m.Src() != 0x1A2B3C {
		t.Errorf("Src: got %s", m.Src())
	}
	if m.Dst() != 0x4D5E6F {
		t.Errorf("Dst: got %s", m.Dst())
	}
	if m.Subtype() != 0xCA {
		t.Errorf("Subtype: got %02X", m.Subtype())
	}
	if m.String() != "0A4230111A2B3C4D5E6FCA" {
		t.Errorf("String: got %s", m)
	}
}

func TestMessageShortBuffers(t *testing.T) {
	var m Message
	if m.Src() != 0 || m.Dst() != 0 || m.Payload() != nil || m.Type() != 0 {
		t.Error("empty message accessors should return zero values")
	}
	m = Message{0x14, 0x00}
	if m.Valid() {
		t.Error("truncated message reported valid")
	}
}

func TestAckClassification(t *testing.T) {
	tests := []struct {
		sub            byte
		ack, nack, aes bool
		name           string
	}{
		{0x00, true, false, false, "ACK"},
		{0x01, true, false, false, "ACKinfo"},
		{0x04, false, false, true, "AESrequest"},
		{0x80, false, true, false, "NACK"},
		{0x8f, false, true, false, "NACK"},
		{0x90, true, false, false, "ACK"},
	}
	for _, tt := range tests {
		m := NewMessage(1, 0, TypeAck, 1, 2, []byte{tt.sub})
		if m.IsAck() != tt.ack || m.IsNACK() != tt.nack || m.IsAESRequest() != tt.aes {
			t.Errorf("subtype %02X: ack=%v nack=%v aes=%v", tt.sub, m.IsAck(), m.IsNACK(), m.IsAESRequest())
		}
		if got := TypeName(TypeAck, tt.sub); got != tt.name {
			t.Errorf("TypeName(02, %02X): got %q, want %q", tt.sub, got, tt.name)
		}
	}
}

func TestParseHMID(t *testing.T) {
	id, err := ParseHMID("0x1a2b3c")
	if err != nil || id != 0x1A2B3C {
		t.Fatalf("ParseHMID: got %v, %v", id, err)
	}
	if id.String() != "1A2B3C" {
		t.Errorf("String: got %s", id)
	}
	if _, err := ParseHMID("1000000"); err == nil {
		t.Error("expected error for 25-bit value")
	}
	if _, err := ParseHMID("xyz"); err == nil {
		t.Error("expected error for non-hex")
	}
}

func TestParseKeySpec(t *testing.T) {
	ks, err := ParseKeySpec("2:00112233445566778899AABBCCDDEEFF")
	if err != nil {
		t.Fatalf("ParseKeySpec: %v", err)
	}
	if ks.Index != 2 || ks.Key[15] != 0xFF || ks.Key[1] != 0x11 {
		t.Errorf("ParseKeySpec: got %+v", ks)
	}
	for _, bad := range []string{"", "2", "0:00112233445566778899AABBCCDDEEFF", "1:0011", "x:00112233445566778899AABBCCDDEEFF"} {
		if _, err := ParseKeySpec(bad); err == nil {
			t.Errorf("ParseKeySpec(%q): expected error", bad)
		}
	}
}

func TestSignMatchesReference(t *testing.T) {
	var key [16]byte
	for i := range key {
		key[i] = byte(i)
	}
	challenge := [6]byte{0xA1, 0xB2, 0xC3, 0xD4, 0xE5, 0xF6}
	m := NewMessage(0x05, 0xA0, 0x11, 0x010203, 0x040506, []byte{0x02, 0x01, 0xC8, 0x00, 0x00})
	now := time.Unix(0x5A5B5C5D, 0x0102*1000)

	resp, auth := Sign(key, challenge, m, now)

	sk := key
	for i := range challenge {
		sk[i] ^= challenge[i]
	}
	block, _ := aes.NewCipher(sk[:])
	var p [16]byte
	copy(p[:], []byte{0x5A, 0x5B, 0x5C, 0x5D, 0x01, 0x02})
	copy(p[6:], m[1:11])
	block.Encrypt(p[:], p[:])
	if !bytes.Equal(auth[:], p[:4]) {
		t.Errorf("expAuth: got %X, want %X", auth, p[:4])
	}
	for i, b := range m.Payload()[1:] {
		p[i] ^= b
	}
	block.Encrypt(p[:], p[:])
	if resp != p {
		t.Errorf("resp: got %X, want %X", resp, p)
	}
}

func TestSignXorCappedAt16(t *testing.T) {
	var key [16]byte
	challenge := [6]byte{1, 2, 3, 4, 5, 6}
	now := time.Unix(1000, 0)
	a := make([]byte, 30)
	b := make([]byte, 30)
	b[20] = 0xFF // beyond subtype + 16 bytes
	ra, _ := Sign(key, challenge, NewMessage(1, 0, 0xca, 1, 2, a), now)
	rb, _ := Sign(key, challenge, NewMessage(1, 0, 0xca, 1, 2, b), now)
	if ra != rb {
		t.Error("bytes past the 16-byte window changed the response")
	}
	b[3] = 0x01
	rc, _ := Sign(key, challenge, NewMessage(1, 0, 0xca, 1, 2, b), now)
	if ra == rc {
		t.Error("payload byte inside the window did not change the response")
	}
}

func TestFormatCompact(t *testing.T) {
	m := NewMessage(0x01, 0x84, 0x70, 0x123456, 0x000000, []byte{0x01, 0x02})
	line := FormatCompact(m, time.Date(2024, 1, 2, 3, 4, 5, 6e6, time.UTC))
	want := "2024-01-02 03:04:05.006: 0B 01 84 70 123456 000000 0102 (Weather event)"
	if line != want {
		t.Errorf("got  %q\nwant %q", line, want)
	}
	if !strings.HasSuffix(CompactHeader, "payload") {
		t.Error("header lost its payload column")
	}
}

func TestDescribe(t *testing.T) {
	m := NewMessage(0x00, 0x00, 0x10, 0xAABBCC, 0, []byte{0x00, 0x01})
	d := Describe(m)
	if d.TypeName != "Information" || d.Src != "AABBCC" || d.Payload != "0001" {
		t.Errorf("Describe: got %+v", d)
	}
	if got := strings.Join(FlagNames(CtlBiDi|CtlBurst), ","); got != "BURST,BIDI" {
		t.Errorf("FlagNames: got %s", got)
	}
}
