package uartgw

import (
	"errors"

	"github.com/sigurn/crc16"
)

// Frame layout on the wire (before escaping):
//
//	0xFD | len_hi len_lo | dst | cnt | cmd... | crc_hi crc_lo
//
// len counts dst, cnt and cmd. The CRC covers everything before it. After the
// start byte, 0xFC and 0xFD are sent as 0xFC followed by the byte with its
// high bit cleared.
const (
	frameStart  = 0xfd
	frameEscape = 0xfc

	maxFrame = 1024
)

var bidcosTable = crc16.MakeTable(crc16.Params{
	Poly:   0x8005,
	Init:   0xd77f,
	RefIn:  false,
	RefOut: false,
	XorOut: 0x0000,
	Check:  0x0000,
	Name:   "BidCoS",
})

var (
	errBadChecksum = errors.New("invalid checksum")
	errOverflow    = errors.New("frame too long")
	errBadLength   = errors.New("invalid frame length")
)

func checksum(b []byte) uint16 {
	return crc16.Checksum(b, bidcosTable)
}

// encodeFrame builds an unescaped frame.
func encodeFrame(dst Channel, cnt byte, cmd []byte) []byte {
	n := len(cmd) + 2
	f := make([]byte, 0, len(cmd)+7)
	f = append(f, frameStart, byte(n>>8), byte(n), byte(dst), cnt)
	f = append(f, cmd...)
	crc := checksum(f)
	return append(f, byte(crc>>8), byte(crc))
}

// escape applies byte stuffing to everything after the start byte.
func escape(frame []byte) []byte {
	out := make([]byte, 0, len(frame)+8)
	for i, b := range frame {
		if i > 0 && (b == frameStart || b == frameEscape) {
			out = append(out, frameEscape, b&0x7f)
			continue
		}
		out = append(out, b)
	}
	return out
}

// reassembler rebuilds frames from single bytes.
type reassembler struct {
	buf      []byte
	unescape bool
}

func (r *reassembler) reset() {
	r.buf = r.buf[:0]
	r.unescape = false
}

// feed adds one received byte. It returns done when a complete frame with a
// valid checksum has been assembled; dst and payload (cmd bytes) are then
// valid until the next call. A checksum failure resets and reports an error.
func (r *reassembler) feed(b byte) (dst Channel, payload []byte, done bool, err error) {
	if len(r.buf) == 0 && b != frameStart {
		r.reset()
		return 0, nil, false, nil
	}
	if r.unescape {
		b |= 0x80
		r.unescape = false
	} else if b == frameEscape && len(r.buf) > 0 {
		r.unescape = true
		return 0, nil, false, nil
	}
	if len(r.buf) >= maxFrame {
		r.reset()
		return 0, nil, false, errOverflow
	}
	r.buf = append(r.buf, b)

	if len(r.buf) < 3 {
		return 0, nil, false, nil
	}
	n := int(r.buf[1])<<8 | int(r.buf[2])
	if n < 2 {
		r.reset()
		return 0, nil, false, errBadLength
	}
	if len(r.buf) < n+5 {
		return 0, nil, false, nil
	}

	frame := r.buf
	r.buf = make([]byte, 0, 64)
	r.unescape = false
	if checksum(frame) != 0 {
		return 0, frame, false, errBadChecksum
	}
	return Channel(frame[3]), frame[5 : len(frame)-2], true, nil
}
