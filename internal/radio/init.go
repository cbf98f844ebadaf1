package radio

import (
	"context"
	"fmt"
	"time"

	"homematic-go-bridge/internal/hm"
	"homematic-go-bridge/internal/hmcfgusb"
	"homematic-go-bridge/internal/nibble"
	"homematic-go-bridge/internal/uartgw"
)

const (
	// MinUSBVersion is the oldest HM-CFG-USB firmware with update mode.
	MinUSBVersion = 0x3c7
	// MinCULVersion is culfw 1.58.
	MinCULVersion = 0x013a
	// RebootCredits is the used-credits percentage above which the adapter
	// is rebooted before a long transfer.
	RebootCredits = 40

	reopenAttempts = 30
	reopenDelay    = time.Second
	versionPolls   = 10
)

// Init brings the adapter up: it waits for the firmware version, reboots the
// adapter when its credits are low, sets the central address and programs the
// session key.
func (l *Link) Init(ctx context.Context) (Info, error) {
	switch d := l.dev.(type) {
	case *USBDevice:
		return l.initUSB(ctx, d)
	case *LineDevice:
		return l.initLine(ctx, d.Port)
	case *GatewayDevice:
		return l.initGateway(ctx, d.Port)
	default:
		return Info{}, fmt.Errorf("radio: unknown device %T", l.dev)
	}
}

// adoptCentral decides the address we send from. It reports whether the
// adapter has to be told about a new one.
func (l *Link) adoptCentral() bool {
	want := l.session.Central
	have := l.state.AdapterHMID
	if want == 0 {
		l.session.Central = have
		return false
	}
	if want != have {
		l.logger.Info("changing hmid", "from", have, "to", want)
		return true
	}
	return false
}

func (l *Link) initUSB(ctx context.Context, d *USBDevice) (Info, error) {
	l.state.Version = 0
	if err := d.Port.Send(hmcfgusb.Frame('K'), true); err != nil {
		return Info{}, err
	}
	if err := l.pollUntil(ctx, statusPoll, func() bool { return l.state.Version != 0 }); err != nil {
		return Info{}, fmt.Errorf("waiting for HM-CFG-USB hello: %w", err)
	}
	if l.state.Version < MinUSBVersion {
		return Info{}, fmt.Errorf("%w: HM-CFG-USB firmware too low: %d < %d", ErrUnsupportedFirmware, l.state.Version, MinUSBVersion)
	}
	l.logger.Info("HM-CFG-USB firmware", "version", l.state.Version, "credits", l.state.Credits)

	if l.state.Credits >= RebootCredits {
		l.logger.Info("rebooting HM-CFG-USB to avoid running out of credits")
		if err := l.rebootUSB(ctx, d); err != nil {
			return Info{}, err
		}
	}

	if l.adoptCentral() {
		b := l.session.Central.Bytes()
		if err := d.Port.Send(hmcfgusb.Frame('A', b[0], b[1], b[2]), true); err != nil {
			return Info{}, err
		}
		l.state.AdapterHMID = l.session.Central
	}

	if k := l.session.Key; k.Index > 0 {
		l.logger.Info("setting AES key", "index", k.Index)
		set := append([]byte{0x01, byte(k.Index), byte(len(k.Key))}, k.Key[:]...)
		for _, data := range [][]byte{set, {0x02, 0x00, 0x00}, {0x03, 0x00, 0x00}} {
			if err := d.Port.Send(hmcfgusb.Frame('Y', data...), true); err != nil {
				return Info{}, err
			}
		}
	}

	return Info{
		Transport: l.Transport(),
		Version:   fmt.Sprintf("%d", l.state.Version),
		Credits:   l.state.Credits,
		HMID:      l.session.Central,
	}, nil
}

// rebootUSB cycles the adapter through its bootloader. It re-enumerates
// twice, so the port is reopened each time.
func (l *Link) rebootUSB(ctx context.Context, d *USBDevice) error {
	if d.Reopen == nil {
		return fmt.Errorf("radio: HM-CFG-USB reboot needs a way to reopen the adapter")
	}
	cycle := func(wantBootloader bool) error {
		for attempt := 0; attempt < reopenAttempts; attempt++ {
			if d.Port != nil {
				if d.Port.Bootloader() == wantBootloader {
					return nil
				}
				var err error
				if wantBootloader {
					err = d.Port.EnterBootloader()
				} else {
					err = d.Port.LeaveBootloader()
				}
				if err != nil {
					l.logger.Warn("HM-CFG-USB mode switch", "err", err)
				}
				d.Port.Close()
				d.Port = nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			l.sleep(reopenDelay)
			p, err := d.Reopen()
			if err != nil {
				l.logger.Debug("waiting for HM-CFG-USB to reappear", "err", err)
				continue
			}
			p.SetSink(hmcfgusb.SinkFunc(l.handleUSB))
			d.Port = p
			if p.Bootloader() == wantBootloader {
				return nil
			}
		}
		return fmt.Errorf("%w: HM-CFG-USB did not reappear", ErrAdapterTimeout)
	}

	if !d.Port.Bootloader() {
		l.logger.Info("HM-CFG-USB not in bootloader mode, entering bootloader; waiting for device to reappear")
		if err := cycle(true); err != nil {
			return err
		}
	}
	l.logger.Info("HM-CFG-USB in bootloader mode, rebooting")
	return cycle(false)
}

func (l *Link) initLine(ctx context.Context, p LinePort) (Info, error) {
	l.logger.Info("requesting firmware version")
	if err := p.SendString("\r\n"); err != nil {
		return Info{}, err
	}
	p.Flush()

	l.state.Version = 0
	for i := 0; l.state.Version == 0; i++ {
		if i == versionPolls {
			return Info{}, fmt.Errorf("waiting for culfw version: %w", ErrAdapterTimeout)
		}
		if err := ctx.Err(); err != nil {
			return Info{}, err
		}
		if err := p.SendString("V\r\n"); err != nil {
			return Info{}, err
		}
		if _, err := p.Poll(statusPoll); err != nil {
			return Info{}, err
		}
	}

	info := Info{Transport: l.Transport()}
	switch {
	case l.state.Version != VersionAny:
		info.Version = fmt.Sprintf("%d.%02d", l.state.Version>>8, l.state.Version&0xff)
	case l.state.TSCUL:
		info.Version = "tsculfw"
		info.TSCUL = true
		if err := l.initTSCUL(p); err != nil {
			return Info{}, err
		}
	default:
		info.Version = "a-culfw"
	}
	l.logger.Info("culfw-device firmware", "version", info.Version)

	if l.state.Version < MinCULVersion {
		return Info{}, fmt.Errorf("%w: culfw %s does not support firmware upgrade mode, you need at least 1.58", ErrUnsupportedFirmware, info.Version)
	}
	info.Credits = l.state.Credits
	info.HMID = l.session.Central
	return info, nil
}

// initTSCUL switches tsculfw to its timestamp protocol, checks that the full
// credit budget is available and loads the AES key.
func (l *Link) initTSCUL(p LinePort) error {
	if err := p.SendString("At1\r\n"); err != nil {
		return err
	}
	p.Flush()
	if err := p.SendString("ApTiMeStAmP\r\n"); err != nil {
		return err
	}
	if _, err := p.Poll(statusPoll); err != nil {
		return err
	}
	if l.state.Credits != 0 {
		return ErrCredits
	}

	if k := l.session.Key; k.Index > 0 {
		l.logger.Info("setting AES key", "index", k.Index)
		cmd := []byte(fmt.Sprintf("Ak%02x", k.Index-1))
		cmd = nibble.Encode(cmd, k.Key[:])
		cmd = append(cmd, '\r', '\n')
		if err := p.Send(cmd); err != nil {
			return err
		}
		if _, err := p.Poll(statusPoll); err != nil {
			return err
		}
	}
	return nil
}

func (l *Link) initGateway(ctx context.Context, p GatewayPort) (Info, error) {
	if err := p.EnterApp(ctx); err != nil {
		return Info{}, err
	}

	steps := []struct {
		cmd      byte
		ch       uartgw.Channel
		src, dst GatewayState
	}{
		{uartgw.AppGetHMID, uartgw.ChannelApp, GatewayGetHMID, GatewayAckApp},
		{uartgw.OSGetFirmware, uartgw.ChannelOS, GatewayGetFirmware, GatewayDone},
		{uartgw.OSGetCredits, uartgw.ChannelOS, GatewayGetCredits, GatewayDone},
	}
	for _, s := range steps {
		if err := l.sendWaitGateway(ctx, p, []byte{s.cmd}, s.ch, s.src, s.dst); err != nil {
			return Info{}, err
		}
	}

	v := l.state.GatewayVersion
	version := fmt.Sprintf("%d.%d.%d", v[0], v[1], v[2])
	l.logger.Info("HM-MOD-UART firmware", "version", version, "credits_used_pct", l.state.Credits)

	if l.state.Credits >= RebootCredits {
		l.logger.Info("rebooting HM-MOD-UART to avoid running out of credits")
		if err := p.EnterBootloader(ctx); err != nil {
			return Info{}, err
		}
		if err := p.EnterApp(ctx); err != nil {
			return Info{}, err
		}
	}

	if l.adoptCentral() {
		b := l.session.Central.Bytes()
		cmd := []byte{uartgw.AppSetHMID, b[0], b[1], b[2]}
		if err := l.sendWaitGateway(ctx, p, cmd, uartgw.ChannelApp, GatewayWaitApp, GatewayAckApp); err != nil {
			return Info{}, err
		}
		l.state.AdapterHMID = l.session.Central
	}

	if k := l.session.Key; k.Index > 0 {
		l.logger.Info("setting AES key", "index", k.Index)
		for _, op := range []byte{uartgw.AppSetCurrentKey, uartgw.AppSetOldKey} {
			cmd := append([]byte{op}, k.Key[:]...)
			cmd = append(cmd, byte(k.Index))
			if err := l.sendWaitGateway(ctx, p, cmd, uartgw.ChannelApp, GatewayWaitApp, GatewayAckApp); err != nil {
				return Info{}, err
			}
		}
	}

	return Info{
		Transport: l.Transport(),
		Version:   version,
		Credits:   l.state.Credits,
		HMID:      l.session.Central,
	}, nil
}

// NewMessage builds a message from the session's central address.
func (l *Link) NewMessage(msgID, ctl, typ byte, dst hm.HMID, payload []byte) hm.Message {
	return hm.NewMessage(msgID, ctl, typ, l.session.Central, dst, payload)
}
