package radio

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"homematic-go-bridge/internal/hm"
	"homematic-go-bridge/internal/hmcfgusb"
	"homematic-go-bridge/internal/nibble"
	"homematic-go-bridge/internal/uartgw"
)

const (
	aesReplyDelay   = 110 * time.Millisecond
	lineSendDelay   = 50 * time.Millisecond
	gatewayRetry    = 200 * time.Millisecond
	gatewayPoll     = 500 * time.Millisecond
	gatewayAttempts = 6
)

// Send transmits m and, where the adapter or the message asks for it, waits
// for the outcome. It fails with ErrMissingAck, a *StatusError or a
// transport error.
func (l *Link) Send(ctx context.Context, m hm.Message) error {
	l.logger.Debug("send", "msg", m.String())
	switch d := l.dev.(type) {
	case *USBDevice:
		return l.sendUSB(ctx, d.Port, m)
	case *LineDevice:
		return l.sendLine(ctx, d.Port, m)
	case *GatewayDevice:
		return l.sendGateway(ctx, d.Port, m)
	default:
		return fmt.Errorf("radio: unknown device %T", l.dev)
	}
}

// usbStatusError classifies an HM-CFG-USB send status. Bit 5 of the low
// byte does not affect success.
func usbStatusError(status uint16) error {
	switch status & 0xdf {
	case 0x01, 0x02:
		return nil
	}
	e := &StatusError{Status: status}
	switch {
	case status&0xff00 == 0x0400:
		e.Err = ErrOutOfCredits
	case status&0xff == 0x08:
		e.Err = ErrMissingAck
	case status&0xff == 0x30:
		e.Err = ErrUnknownKey
	}
	return e
}

func (l *Link) sendUSB(ctx context.Context, p USBPort, m hm.Message) error {
	usec := uint32(l.now().Nanosecond() / 1000)

	out := hmcfgusb.Frame('S')
	binary.BigEndian.PutUint32(out[1:5], l.usbID)
	out[10] = 0x01
	binary.BigEndian.PutUint32(out[11:15], usec)
	copy(out[0x0f:], m.Frame())

	l.ClearLast()
	if err := p.Send(out, true); err != nil {
		return err
	}
	if err := l.pollUntil(ctx, statusPoll, func() bool { return l.state.Kind == KindResponse }); err != nil {
		return err
	}
	if err := usbStatusError(l.state.Status); err != nil {
		return err
	}
	l.usbID++
	return nil
}

// gatewayStatusError classifies an HM-MOD-UART send status.
func gatewayStatusError(status uint16) error {
	switch status {
	case 0x02, 0x03, 0x0c:
		return nil
	case 0x0d:
		return &StatusError{Status: status, Err: ErrAESHandshake}
	case 0x04, 0x06:
		return &StatusError{Status: status, Err: ErrMissingAck}
	}
	return &StatusError{Status: status}
}

func (l *Link) sendGateway(ctx context.Context, p GatewayPort, m hm.Message) error {
	frame := m.Frame()
	cmd := make([]byte, 0, len(frame)+3)
	var burst byte
	if m.Ctl()&hm.CtlBurst != 0 {
		burst = 0x01
	}
	cmd = append(cmd, uartgw.AppSend, 0x00, 0x00, burst)
	cmd = append(cmd, frame[1:]...)

	l.ClearLast()
	l.state.Gateway = GatewayWaitApp
	if err := p.Send(cmd, uartgw.ChannelApp); err != nil {
		return err
	}
	if err := l.pollUntil(ctx, statusPoll, func() bool { return l.state.Kind == KindResponse }); err != nil {
		return err
	}
	return gatewayStatusError(l.state.Status)
}

// sendWaitGateway sends a module command and polls until the parser moves
// the gateway state from src to dst. A module still busy with an earlier
// command is asked again after a short pause.
func (l *Link) sendWaitGateway(ctx context.Context, p GatewayPort, cmd []byte, ch uartgw.Channel, src, dst GatewayState) error {
	for attempt := 0; attempt < gatewayAttempts; attempt++ {
		l.state.Gateway = src
		l.state.Status = 0
		if err := p.Send(cmd, ch); err != nil {
			return err
		}
		if err := l.pollUntil(ctx, gatewayPoll, func() bool { return l.state.Gateway == dst }); err != nil {
			return err
		}
		if byte(l.state.Status) != uartgw.AckInProgress {
			return nil
		}
		l.sleep(gatewayRetry)
	}
	return ErrBusy
}

// lineTx is one frame on the line transport's pending stack: the message
// and what is left of its ack budget.
type lineTx struct {
	msg    hm.Message
	budget int
}

func (l *Link) transmitLine(ctx context.Context, p LinePort, m hm.Message) error {
	frame := m.Frame()
	cmd := make([]byte, 0, 2*len(frame)+4)
	cmd = append(cmd, 'A', 's')
	cmd = nibble.Encode(cmd, frame)
	cmd = append(cmd, '\r', '\n')

	l.ClearLast()
	if err := p.Send(cmd); err != nil {
		return err
	}
	if !l.state.TSCUL {
		return nil
	}
	// tsculfw confirms every transmission.
	return l.pollUntil(ctx, ackPollTimeout, func() bool { return l.state.Kind == KindSent })
}

// sendLine sends m over culfw. For acknowledged messages it polls for the
// device's answer. An AES challenge is answered by pushing the signed reply
// on a stack: the waiting frame keeps its budget, and the reply's own ack
// (if it asks for one) completes the whole exchange.
func (l *Link) sendLine(ctx context.Context, p LinePort, m hm.Message) error {
	if err := l.transmitLine(ctx, p, m); err != nil {
		return err
	}
	stack := []*lineTx{{msg: m, budget: ackPolls}}
	nacked := false

	for len(stack) > 0 {
		top := stack[len(stack)-1]
		if top.msg.Ctl()&hm.CtlBiDi == 0 {
			stack = stack[:len(stack)-1]
			continue
		}
		if top.budget == 0 {
			if nacked {
				return ErrNACK
			}
			return ErrMissingAck
		}
		top.budget--

		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := p.Poll(ackPollTimeout); err != nil {
			return err
		}
		if l.state.Kind != KindEvent {
			continue
		}
		rx := l.state.Message

		switch {
		case rx.Type() != hm.TypeAck:
			l.logger.Warn("unexpected message received", "msg", rx.String())
		case rx.IsAESRequest():
			if l.state.TSCUL {
				l.logger.Info("AES handled by tsculfw")
				stack = stack[:0]
				continue
			}
			reply, err := l.answerChallenge(rx, top.msg)
			if err != nil {
				l.logger.Warn("cannot answer AES request", "err", err)
				continue
			}
			if len(stack) >= maxAESDepth {
				return fmt.Errorf("%w: challenge nesting deeper than %d", ErrAESHandshake, maxAESDepth)
			}
			l.sleep(aesReplyDelay)
			if err := l.transmitLine(ctx, p, reply); err != nil {
				return err
			}
			if reply.Ctl()&hm.CtlBiDi != 0 {
				// The ack for the reply acknowledges everything below it.
				stack = append(stack, &lineTx{msg: reply, budget: ackPolls})
			}
		case rx.IsNACK():
			l.logger.Warn("NACK", "msg", rx.String())
			nacked = true
		default:
			// ACK or ACKinfo.
			stack = stack[:0]
		}
	}

	if !l.state.TSCUL {
		l.sleep(lineSendDelay)
	}
	return nil
}

// answerChallenge signs the challenge in req for the frame it refers to and
// returns the AES reply.
func (l *Link) answerChallenge(req, challenged hm.Message) (hm.Message, error) {
	frame := req.Frame()
	if len(frame) < hm.OffPayload+7 {
		return nil, fmt.Errorf("short AES request %s", req)
	}
	// The key index requested sits in the last byte of the frame, doubled.
	kNo := int(frame[len(frame)-1]) / 2
	if l.session.Key.Index == 0 || kNo != l.session.Key.Index {
		return nil, fmt.Errorf("%w: index %d", ErrUnknownKey, kNo)
	}
	var challenge [6]byte
	copy(challenge[:], frame[hm.OffPayload+1:hm.OffPayload+7])
	l.logger.Info("AES request", "challenge", fmt.Sprintf("%X", challenge))

	resp, _ := hm.Sign(l.session.Key.Key, challenge, challenged, l.now())
	return hm.NewMessage(req.MsgID(), req.Ctl(), hm.TypeAESReply, req.Dst(), req.Src(), resp[:]), nil
}

// SwitchSpeed moves the adapter's radio to 10k or 100k. The USB adapter is
// waited on until it echoes the new rate; the others are fire-and-forget.
func (l *Link) SwitchSpeed(ctx context.Context, speed int) error {
	l.logger.Info("entering speed mode", "kbit", speed)
	switch d := l.dev.(type) {
	case *USBDevice:
		if err := d.Port.Send(hmcfgusb.Frame('G', byte(speed)), true); err != nil {
			return err
		}
		return l.pollUntil(ctx, statusPoll, func() bool { return l.state.Speed == speed })
	case *LineDevice:
		if speed == Speed100k {
			return d.Port.SendString("AR\r\n")
		}
		return d.Port.SendString("Ar\r\n")
	case *GatewayDevice:
		if speed == Speed100k {
			return d.Port.Send([]byte{uartgw.OSUpdateMode, 0xe9, 0xca}, uartgw.ChannelOS)
		}
		return d.Port.Send([]byte{uartgw.OSNormalMode}, uartgw.ChannelOS)
	default:
		return fmt.Errorf("radio: unknown device %T", l.dev)
	}
}

// AddPeer registers id with adapters that keep a peer table. keyIndex is
// the AES key the peer uses, 0 for none. The line transport has no peer
// table.
func (l *Link) AddPeer(ctx context.Context, id hm.HMID, keyIndex int) error {
	b := id.Bytes()
	switch d := l.dev.(type) {
	case *USBDevice:
		l.logger.Info("adding peer", "hmid", id)
		return d.Port.Send(hmcfgusb.Frame('+', b[0], b[1], b[2]), true)
	case *GatewayDevice:
		l.logger.Info("adding peer", "hmid", id)
		cmd := []byte{uartgw.AppAddPeer, b[0], b[1], b[2], byte(keyIndex), 0x00, 0x00}
		return l.sendWaitGateway(ctx, d.Port, cmd, uartgw.ChannelApp, GatewayWaitApp, GatewayAckApp)
	}
	return nil
}
