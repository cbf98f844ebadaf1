package hm

import (
	"fmt"
	"strings"
	"time"
)

// TypeName returns a human readable name for a message type. Subtype is the
// first payload byte and only matters for acknowledgements.
func TypeName(typ, subtype byte) string {
	switch typ {
	case 0x00:
		return "Device Info"
	case 0x01:
		return "Configuration"
	case 0x02:
		switch {
		case subtype >= SubtypeNACKLow && subtype <= SubtypeNACKHigh:
			return "NACK"
		case subtype == SubtypeAckInfo:
			return "ACKinfo"
		case subtype == SubtypeAESReq:
			return "AESrequest"
		}
		return "ACK"
	case 0x03:
		return "AESreply"
	case 0x04:
		return "AESkey"
	case 0x10:
		return "Information"
	case 0x11:
		return "SET"
	case 0x12:
		return "HAVE_DATA"
	case 0x3e:
		return "Switch"
	case 0x3f:
		return "Timestamp"
	case 0x40:
		return "Remote"
	case 0x41:
		return "Sensor"
	case 0x53:
		return "Water sensor"
	case 0x54:
		return "Gas sensor"
	case 0x58:
		return "Climate event"
	case 0x5a:
		return "Thermal control"
	case 0x5e, 0x5f:
		return "Power event"
	case 0x70:
		return "Weather event"
	case 0xca:
		return "Firmware"
	case 0xcb:
		return "Rf configuration"
	default:
		return "?"
	}
}

var flagNames = [8]string{"WAKEUP", "WAKEMEUP", "CFG", "?", "BURST", "BIDI", "RPTED", "RPTEN"}

// FlagNames lists the names of the bits set in a control byte.
func FlagNames(ctl byte) []string {
	var out []string
	for i, name := range flagNames {
		if ctl&(1<<i) != 0 {
			out = append(out, name)
		}
	}
	return out
}

// Dissection is the decoded view of a message.
type Dissection struct {
	Raw      string   `json:"raw"`
	Length   int      `json:"length"`
	MsgID    byte     `json:"msg_id"`
	Ctl      byte     `json:"ctl"`
	Flags    []string `json:"flags"`
	Type     byte     `json:"type"`
	TypeName string   `json:"type_name"`
	Src      string   `json:"src"`
	Dst      string   `json:"dst"`
	Payload  string   `json:"payload"`
}

// Describe decodes m for logging and publishing.
func Describe(m Message) Dissection {
	return Dissection{
		Raw:      fmt.Sprintf("%X", m.Frame()),
		Length:   m.Len(),
		MsgID:    m.MsgID(),
		Ctl:      m.Ctl(),
		Flags:    FlagNames(m.Ctl()),
		Type:     m.Type(),
		TypeName: TypeName(m.Type(), m.Subtype()),
		Src:      m.Src().String(),
		Dst:      m.Dst().String(),
		Payload:  fmt.Sprintf("%X", m.Payload()),
	}
}

// CompactHeader is printed above blocks of FormatCompact lines.
const CompactHeader = "                         LL NR FL CM sender recvr  payload"

// FormatCompact renders m on one line in the column layout of CompactHeader.
func FormatCompact(m Message, ts time.Time) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %02X %02X %02X %02X %s %s ",
		ts.Format("2006-01-02 15:04:05.000"),
		m.Len(), m.MsgID(), m.Ctl(), m.Type(), m.Src(), m.Dst())
	p := m.Payload()
	if len(p) > 0 {
		fmt.Fprintf(&sb, "%X ", p)
	}
	fmt.Fprintf(&sb, "(%s)", TypeName(m.Type(), m.Subtype()))
	return sb.String()
}

// FormatVerbose renders m as a multi-line report.
func FormatVerbose(m Message, ts time.Time) string {
	d := Describe(m)
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s: %s\n", ts.Format("2006-01-02 15:04:05.000000"), d.Raw)
	sb.WriteString("Packet information:\n")
	fmt.Fprintf(&sb, "\tLength: %d\n", d.Length)
	fmt.Fprintf(&sb, "\tMessage ID: %d\n", d.MsgID)
	fmt.Fprintf(&sb, "\tSender: %s\n", d.Src)
	fmt.Fprintf(&sb, "\tReceiver: %s\n", d.Dst)
	fmt.Fprintf(&sb, "\tControl Byte: 0x%02x\n", d.Ctl)
	fmt.Fprintf(&sb, "\t\tFlags: %s\n", strings.Join(d.Flags, " "))
	fmt.Fprintf(&sb, "\tMessage type: %s (0x%02x 0x%02x)\n", d.TypeName, d.Type, m.Subtype())
	fmt.Fprintf(&sb, "\tMessage: %s\n", d.Payload)
	return sb.String()
}
