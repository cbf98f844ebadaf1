// Package hm implements the BidCos radio message format shared by all
// HomeMatic adapters.
package hm

import (
	"fmt"
	"strconv"
	"strings"
)

// Field offsets inside a message frame.
const (
	OffLen     = 0x00
	OffMsgID   = 0x01
	OffCtl     = 0x02
	OffType    = 0x03
	OffSrc     = 0x04
	OffDst     = 0x07
	OffPayload = 0x0a

	// HeaderLen is the number of bytes counted by the length field that
	// precede the payload.
	HeaderLen = 9
	// MaxFrame is the largest frame any adapter hands us.
	MaxFrame = 64
)

// Control byte flags.
const (
	CtlWakeUp   byte = 1 << 0
	CtlWakeMeUp byte = 1 << 1
	CtlConfig   byte = 1 << 2
	CtlUnknown  byte = 1 << 3
	CtlBurst    byte = 1 << 4
	CtlBiDi     byte = 1 << 5
	CtlRepeated byte = 1 << 6
	CtlRepeatOK byte = 1 << 7
)

// Message types used by the firmware update procedure.
const (
	TypeDeviceInfo  byte = 0x00
	TypeConfig      byte = 0x01
	TypeAck         byte = 0x02
	TypeAESReply    byte = 0x03
	TypeAESKey      byte = 0x04
	TypeInfo        byte = 0x10
	TypeSet         byte = 0x11
	TypeFirmware    byte = 0xca
	TypeRFConfig    byte = 0xcb
	SubtypeAESReq   byte = 0x04
	SubtypeAckInfo  byte = 0x01
	SubtypeNACKLow  byte = 0x80
	SubtypeNACKHigh byte = 0x8f
)

// HMID is a 24-bit radio address.
type HMID uint32

// String returns the address as six upper-case hex digits.
func (id HMID) String() string {
	return fmt.Sprintf("%06X", uint32(id)&0xffffff)
}

// Bytes returns the big-endian 3-byte form.
func (id HMID) Bytes() [3]byte {
	return [3]byte{byte(id >> 16), byte(id >> 8), byte(id)}
}

// HMIDFromBytes reads a big-endian 3-byte address.
func HMIDFromBytes(b []byte) HMID {
	if len(b) < 3 {
		return 0
	}
	return HMID(b[0])<<16 | HMID(b[1])<<8 | HMID(b[2])
}

// ParseHMID parses six hex digits, with or without a 0x prefix.
func ParseHMID(s string) (HMID, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return 0, fmt.Errorf("parse hmid %q: %w", s, err)
	}
	if v > 0xffffff {
		return 0, fmt.Errorf("parse hmid %q: more than 24 bits", s)
	}
	return HMID(v), nil
}

// Message is a raw BidCos frame. Byte 0 holds the length of the rest of the
// frame, so a complete message is Len()+1 bytes long.
type Message []byte

// NewMessage builds a frame with a consistent length byte.
func NewMessage(msgID, ctl, typ byte, src, dst HMID, payload []byte) Message {
	m := make(Message, OffPayload+len(payload))
	m[OffLen] = byte(HeaderLen + len(payload))
	m[OffMsgID] = msgID
	m[OffCtl] = ctl
	m[OffType] = typ
	m.SetSrc(src)
	m.SetDst(dst)
	copy(m[OffPayload:], payload)
	return m
}

// Valid reports whether the frame carries a complete header and its length
// byte matches the buffer.
func (m Message) Valid() bool {
	return len(m) >= OffPayload && int(m[OffLen])+1 == len(m)
}

// Len returns the length byte.
func (m Message) Len() int {
	if len(m) == 0 {
		return 0
	}
	return int(m[OffLen])
}

func (m Message) at(off int) byte {
	if off >= len(m) {
		return 0
	}
	return m[off]
}

func (m Message) MsgID() byte { return m.at(OffMsgID) }
func (m Message) Ctl() byte   { return m.at(OffCtl) }
func (m Message) Type() byte  { return m.at(OffType) }

// Src returns the sender address.
func (m Message) Src() HMID {
	if len(m) < OffSrc+3 {
		return 0
	}
	return HMIDFromBytes(m[OffSrc:])
}

// Dst returns the receiver address.
func (m Message) Dst() HMID {
	if len(m) < OffDst+3 {
		return 0
	}
	return HMIDFromBytes(m[OffDst:])
}

func (m Message) SetSrc(id HMID) {
	b := id.Bytes()
	copy(m[OffSrc:OffSrc+3], b[:])
}

func (m Message) SetDst(id HMID) {
	b := id.Bytes()
	copy(m[OffDst:OffDst+3], b[:])
}

// PayloadLen returns the payload length declared by the length byte.
func (m Message) PayloadLen() int {
	n := m.Len() - HeaderLen
	if n < 0 {
		return 0
	}
	return n
}

// Payload returns the payload bytes that are actually present.
func (m Message) Payload() []byte {
	if len(m) <= OffPayload {
		return nil
	}
	end := OffPayload + m.PayloadLen()
	if end > len(m) {
		end = len(m)
	}
	return m[OffPayload:end]
}

// Subtype returns the first payload byte, 0 if there is none.
func (m Message) Subtype() byte { return m.at(OffPayload) }

// Frame returns the bytes covered by the length byte, including the length
// byte itself.
func (m Message) Frame() []byte {
	end := m.Len() + 1
	if end > len(m) {
		end = len(m)
	}
	return m[:end]
}

// Clone returns a copy that does not alias m.
func (m Message) Clone() Message {
	return append(Message(nil), m...)
}

// IsAck reports whether the message is a positive acknowledgement.
func (m Message) IsAck() bool {
	return m.Type() == TypeAck && !m.IsNACK() && m.Subtype() != SubtypeAESReq
}

// IsNACK reports whether the message is a negative acknowledgement.
func (m Message) IsNACK() bool {
	s := m.Subtype()
	return m.Type() == TypeAck && s >= SubtypeNACKLow && s <= SubtypeNACKHigh
}

// IsAESRequest reports whether the message is an AES challenge.
func (m Message) IsAESRequest() bool {
	return m.Type() == TypeAck && m.Subtype() == SubtypeAESReq
}

func (m Message) String() string {
	return fmt.Sprintf("%X", m.Frame())
}
