package radio

import (
	"bytes"
	"fmt"
	"strconv"

	"homematic-go-bridge/internal/hm"
	"homematic-go-bridge/internal/nibble"
	"homematic-go-bridge/internal/uartgw"
)

// Kind classifies the last thing the adapter reported.
type Kind int

const (
	KindNone Kind = iota
	// KindEvent is a radio message received from a device.
	KindEvent
	// KindResponse is the adapter's status answer to a send.
	KindResponse
	// KindSent is the tsculfw confirmation that a frame went out.
	KindSent
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindEvent:
		return "event"
	case KindResponse:
		return "response"
	case KindSent:
		return "sent"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// GatewayState tracks which HM-MOD-UART request is outstanding.
type GatewayState int

const (
	GatewayGetHMID GatewayState = iota
	GatewayGetFirmware
	GatewayGetCredits
	GatewayDone
	GatewayWaitApp
	GatewayAckApp
)

// VersionAny marks adapter firmware that reports no comparable version
// (a-culfw, tsculfw).
const VersionAny = 0xffff

// RecvState is what the parsers learned from the adapter. It is written
// only from inside Poll.
type RecvState struct {
	Message hm.Message
	Kind    Kind
	Status  uint16
	Speed   int
	Version uint16
	Credits int
	TSCUL   bool

	// AdapterHMID is the adapter's own address as reported by its hello
	// (USB) or HMID query (gateway).
	AdapterHMID hm.HMID

	Gateway        GatewayState
	GatewayVersion [3]byte
}

func (l *Link) accept(m hm.Message) {
	l.state.Message = m
	l.state.Kind = KindEvent
	if l.observer != nil {
		l.observer(m)
	}
}

func (l *Link) wanted(src hm.HMID) bool {
	return l.session.Filter == 0 || l.session.Filter == src
}

// handleUSB parses one HM-CFG-USB frame.
func (l *Link) handleUSB(buf []byte) bool {
	if len(buf) < 1 {
		return true
	}
	switch buf[0] {
	case 'E':
		if len(buf) < 0x14 {
			return true
		}
		if !l.wanted(hm.HMIDFromBytes(buf[0x11:])) {
			return true
		}
		if m := frameAt(buf, 0x0d); m != nil {
			l.accept(m)
		}
	case 'R':
		if len(buf) < 0x0f {
			return true
		}
		l.state.Message = frameAt(buf, 0x0e)
		l.state.Status = uint16(buf[5])<<8 | uint16(buf[6])
		l.state.Kind = KindResponse
	case 'G':
		if len(buf) >= 2 {
			l.state.Speed = int(buf[1])
		}
	case 'H':
		if len(buf) < 37 {
			return true
		}
		l.state.Version = uint16(buf[11])<<8 | uint16(buf[12])
		l.state.Credits = int(buf[36])
		l.state.AdapterHMID = hm.HMIDFromBytes(buf[0x1b:])
	}
	return true
}

// frameAt copies the length-prefixed message starting at off, truncated to
// what the buffer holds.
func frameAt(buf []byte, off int) hm.Message {
	if off >= len(buf) {
		return nil
	}
	end := off + int(buf[off]) + 1
	if end > len(buf) {
		end = len(buf)
	}
	return hm.Message(bytes.Clone(buf[off:end]))
}

// tsculfw status codes carried in the low three bits of the AF type nibble.
const (
	tsSendFailed   = 0
	tsReceived     = 1
	tsPong         = 2
	tsSent         = 3
	tsBusy         = 4
	tsNoCredits    = 5
	tsNoBuffer     = 6
	tsFIFOUnderrun = 7
)

// tsculfw prefixes received messages with seven bytes of timestamp.
const tsHeaderBytes = 7

// handleLine parses one culfw line. Lines the session does not care about
// leave the state cleared.
func (l *Link) handleLine(line []byte) bool {
	l.state.Message = nil
	l.state.Kind = KindNone
	if len(line) <= 3 {
		return true
	}

	switch line[0] {
	case 'A':
		l.parseAsksin(line)
	case 'V':
		l.parseVersion(line)
	case 'E':
		if bytes.HasPrefix(line, []byte("ERR")) {
			if bytes.HasPrefix(line, []byte("ERR:CCA")) {
				l.logger.Warn("CCA didn't complete, too much traffic")
			} else {
				l.logger.Warn("culfw error", "line", string(line))
			}
			return true
		}
		l.parseHexMessage(line[1:])
	case 'R':
		if len(line) < 5 {
			return true
		}
		if v, err := strconv.ParseUint(string(line[1:5]), 16, 16); err == nil {
			l.state.Status = uint16(v)
			l.state.Kind = KindResponse
		}
	case 'G':
		if v, err := strconv.ParseUint(string(line[1:3]), 16, 8); err == nil {
			l.state.Speed = int(v)
		}
	default:
		l.logger.Warn("unknown response from CUL", "line", string(line))
	}
	return true
}

func (l *Link) parseAsksin(line []byte) {
	switch line[1] {
	case 's', 'p', 't':
		// Echo of our own send, ping or timestamp command.
		return
	case '?':
		l.logger.Warn("unknown ASKSIN command sent")
		return
	case 'F':
		l.parseTimestamped(line)
		return
	}
	l.parseHexMessage(line[1:])
}

// parseTimestamped handles tsculfw "AF" lines: a credits nibble, a type
// nibble and, for received messages, a timestamp ahead of the message.
func (l *Link) parseTimestamped(line []byte) {
	l.state.TSCUL = true
	if len(line) <= 3+14 {
		return
	}
	if !nibble.Valid(line[3]) || !nibble.Valid(line[4]) {
		return
	}
	// Coarse credits: 0 means the full budget is available.
	l.state.Credits = int(nibble.ToNibble(line[3]))

	switch nibble.ToNibble(line[4]) & 0x7 {
	case tsSendFailed:
		l.logger.Warn("send didn't complete, repeat fail or AES auth error")
	case tsReceived:
		l.parseHexMessage(line[1+2*tsHeaderBytes:])
	case tsPong:
	case tsSent:
		l.state.Kind = KindSent
	case tsBusy:
		l.logger.Warn("CCA didn't complete, too much traffic")
	case tsNoCredits:
		l.logger.Warn("send didn't complete, not enough credits left")
	case tsNoBuffer:
		l.logger.Warn("send didn't complete, not enough credits left; wait 30 minutes with the stick powered")
	case tsFIFOUnderrun:
		l.logger.Warn("send didn't complete, cc1101 TX-FIFO underflow")
	}
}

func (l *Link) parseHexMessage(hex []byte) {
	m := hm.Message(nibble.DecodePrefix(hex, hm.MaxFrame))
	if len(m) < hm.OffPayload {
		return
	}
	if !l.wanted(m.Src()) {
		return
	}
	l.accept(m)
}

// parseVersion reads "V <major>.<minor> <build> [a-culfw]" or the tsculfw
// banner "VTS ...".
func (l *Link) parseVersion(line []byte) {
	if bytes.HasPrefix(line, []byte("VTS")) {
		l.state.TSCUL = true
		l.state.Version = VersionAny
		return
	}
	fields := bytes.Fields(line[1:])
	if len(fields) < 2 {
		l.logger.Warn("unknown response from CUL", "line", string(line))
		return
	}
	major, minor, ok := bytes.Cut(fields[0], []byte("."))
	if !ok {
		l.logger.Warn("unknown response from CUL", "line", string(line))
		return
	}
	v := uint16(atoiByte(major))<<8 | uint16(atoiByte(minor))
	if string(fields[1]) == "a-culfw" {
		v = VersionAny
	}
	l.state.Version = v
}

// atoiByte parses leading decimal digits and truncates to 8 bits, which is
// how version components are stored.
func atoiByte(b []byte) uint8 {
	var n int
	for _, c := range b {
		if c < '0' || c > '9' {
			break
		}
		n = n*10 + int(c-'0')
	}
	return uint8(n)
}

// handleGateway parses one HM-MOD-UART frame.
func (l *Link) handleGateway(dst uartgw.Channel, buf []byte) bool {
	if len(buf) == 0 {
		return true
	}
	if dst == uartgw.ChannelOS {
		switch l.state.Gateway {
		case GatewayGetFirmware:
			if buf[0] == uartgw.OSAck && len(buf) >= 8 {
				copy(l.state.GatewayVersion[:], buf[5:8])
				l.state.Gateway = GatewayDone
			}
		case GatewayGetCredits:
			if buf[0] == uartgw.OSAck && len(buf) >= 3 {
				l.state.Credits = int(buf[2]) / 2
				l.state.Gateway = GatewayDone
			}
		}
		return true
	}
	if dst != uartgw.ChannelApp {
		return true
	}

	switch buf[0] {
	case uartgw.AppAck:
		if l.state.Gateway == GatewayGetHMID && len(buf) >= 7 {
			l.state.AdapterHMID = hm.HMIDFromBytes(buf[4:])
		}
		if len(buf) >= 2 {
			l.state.Status = uint16(buf[1])
		}
		l.state.Kind = KindResponse
		l.state.Gateway = GatewayAckApp
	case uartgw.AppRecv:
		if len(buf) < 4+hm.HeaderLen {
			return true
		}
		if !l.wanted(hm.HMIDFromBytes(buf[7:])) {
			return true
		}
		m := make(hm.Message, 0, len(buf)-3)
		m = append(m, byte(len(buf)-4))
		m = append(m, buf[4:]...)
		l.accept(m)
	}
	return true
}
