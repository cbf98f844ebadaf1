package uartgw

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"homematic-go-bridge/internal/transport"
)

// InitTimeout bounds each wait for the module during bootstrap.
const InitTimeout = 10 * time.Second

var (
	ErrInitTimeout  = errors.New("communication with the module timed out, is the serial port configured correctly?")
	ErrDualFirmware = errors.New("unsupported firmware, please install HM-only firmware")
)

// AppState is the firmware component the module reports as running.
type AppState int

const (
	StateQueryApp AppState = iota
	StateEnterBootloader
	StateEnterBootloaderAck
	StateBootloader
	StateHMIPBootloader
	StateEnterApp
	StateEnterAppAck
	StateApp
	StateDualApp
	StateHMIPApp
)

func (s AppState) String() string {
	switch s {
	case StateQueryApp:
		return "query_app"
	case StateEnterBootloader:
		return "enter_bootloader"
	case StateEnterBootloaderAck:
		return "enter_bootloader_ack"
	case StateBootloader:
		return "bootloader"
	case StateHMIPBootloader:
		return "hmip_bootloader"
	case StateEnterApp:
		return "enter_app"
	case StateEnterAppAck:
		return "enter_app_ack"
	case StateApp:
		return "application"
	case StateDualApp:
		return "dual_application"
	case StateHMIPApp:
		return "hmip_application"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// appProbe tracks the bootstrap handshake. It is installed as the sink while
// EnterApp or EnterBootloader run.
type appProbe struct {
	dev   *Device
	state AppState
	err   error
}

func hasPrefixAt(buf []byte, off int, s string) bool {
	return len(buf) >= off+len(s) && bytes.Equal(buf[off:off+len(s)], []byte(s))
}

func (p *appProbe) HandleFrame(dst Channel, buf []byte) bool {
	switch dst {
	case ChannelDual:
		return p.handleDual(buf)
	case ChannelDualErr:
		return p.handleDualErr()
	case ChannelOS:
		p.handleOS(buf)
	}
	return true
}

func (p *appProbe) handleDual(buf []byte) bool {
	if len(buf) == 14 && buf[0] == 0x00 && hasPrefixAt(buf, 1, "DualCoPro_App") {
		p.state = StateDualApp
		return true
	}
	switch p.state {
	case StateQueryApp:
		if len(buf) >= 2 && buf[0] == 0x05 && buf[1] == 0x01 {
			switch {
			case hasPrefixAt(buf, 2, "DualCoPro_App"):
				p.state = StateDualApp
			case hasPrefixAt(buf, 2, "HMIP_TRX_App"):
				p.state = StateHMIPApp
			case hasPrefixAt(buf, 2, "HMIP_TRX_Bl"):
				p.state = StateHMIPBootloader
			}
		}
	case StateEnterBootloader:
		if len(buf) == 2 && buf[0] == 0x05 && buf[1] == 0x01 {
			p.state = StateEnterBootloaderAck
		}
	default:
		p.err = fmt.Errorf("uartgw: unsupported firmware in state %s", p.state)
		return false
	}
	return true
}

// handleDualErr re-sends the pending request in the dual-copro dialect.
func (p *appProbe) handleDualErr() bool {
	var cmd byte
	switch p.state {
	case StateQueryApp:
		p.dev.logger.Debug("re-sending app query for dual firmware")
		cmd = DualGetApp
	case StateEnterBootloader:
		p.dev.logger.Debug("re-sending bootloader switch for dual firmware")
		cmd = DualChangeApp
	default:
		p.err = fmt.Errorf("uartgw: unsupported firmware error in state %s", p.state)
		return false
	}
	if err := p.dev.Send([]byte{cmd}, ChannelDual); err != nil {
		p.err = err
		return false
	}
	return true
}

func (p *appProbe) handleOS(buf []byte) {
	if len(buf) == 10 && buf[0] == 0x00 && hasPrefixAt(buf, 1, "Co_CPU_BL") {
		p.state = StateBootloader
		return
	}
	if len(buf) == 11 && buf[0] == 0x00 && hasPrefixAt(buf, 1, "Co_CPU_App") {
		p.state = StateApp
		return
	}
	if len(buf) < 2 {
		return
	}

	ack := buf[0] == OSAck && buf[1] == 0x01 && len(buf) == 2
	switch p.state {
	case StateQueryApp:
		if buf[0] == OSAck && buf[1] == 0x02 {
			switch {
			case hasPrefixAt(buf, 2, "Co_CPU_BL"):
				p.state = StateBootloader
			case hasPrefixAt(buf, 2, "Co_CPU_App"):
				p.state = StateApp
			}
		}
	case StateEnterBootloader:
		if ack {
			p.state = StateEnterBootloaderAck
		}
	case StateEnterBootloaderAck:
		p.state = StateEnterBootloader
	case StateEnterApp:
		if ack {
			p.state = StateEnterAppAck
		}
	case StateEnterAppAck:
		p.state = StateEnterApp
	default:
		return
	}

	// The module may be sitting in the dual/HMIP bootloader; ask that one.
	if buf[0] == OSAck && buf[1] == 0x03 {
		if err := p.dev.Send([]byte{DualGetApp}, ChannelDual); err != nil {
			p.dev.logger.Warn("uartgw dual app query", "err", err)
		}
	}
}

// waitState polls until done reports true for the probe state.
func (d *Device) waitState(ctx context.Context, p *appProbe, done func(AppState) bool) error {
	for !done(p.state) {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := d.Poll(d.initTimeout)
		if err != nil {
			if p.err != nil {
				return p.err
			}
			return err
		}
		if res.Event == transport.TimedOut {
			return ErrInitTimeout
		}
	}
	return nil
}

func (d *Device) settleWait(ctx context.Context) error {
	t := time.NewTimer(d.settle)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// EnterBootloader makes sure the module runs its bootloader.
func (d *Device) EnterBootloader(ctx context.Context) error {
	return d.enter(ctx, false)
}

// EnterApp makes sure the module runs the HomeMatic application firmware.
func (d *Device) EnterApp(ctx context.Context) error {
	return d.enter(ctx, true)
}

func (d *Device) enter(ctx context.Context, app bool) error {
	old := d.currentSink()
	defer d.SetSink(old)

	p := &appProbe{dev: d, state: StateQueryApp}
	d.SetSink(p)

	isTarget := func(s AppState) bool { return s == StateBootloader || s == StateHMIPBootloader }
	enterState := StateEnterBootloader
	if app {
		isTarget = func(s AppState) bool { return s == StateApp || s == StateDualApp }
		enterState = StateEnterApp
	}

	d.logger.Debug("uartgw probing running firmware", "want_app", app)
	if err := d.Send([]byte{OSGetApp}, ChannelOS); err != nil {
		return err
	}
	if err := d.waitState(ctx, p, func(s AppState) bool { return s != StateQueryApp }); err != nil {
		return err
	}
	d.logger.Debug("uartgw firmware reported", "state", p.state)

	if !isTarget(p.state) {
		p.state = enterState
		if err := d.Send([]byte{OSChangeApp}, ChannelOS); err != nil {
			return err
		}
		if err := d.waitState(ctx, p, isTarget); err != nil {
			return err
		}
		if !app || p.state == StateApp {
			d.logger.Info("waiting for module to settle", "state", p.state)
			if err := d.settleWait(ctx); err != nil {
				return err
			}
		}
	}

	if app && p.state == StateDualApp {
		return ErrDualFirmware
	}
	return nil
}
