// Package ota flashes firmware into HomeMatic devices over the air.
//
// A run locates the device (by serial or address), asks it into its
// bootloader, moves both sides to the 100k radio rate, streams the image
// block by block as firmware messages and waits for the device to come back.
package ota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"homematic-go-bridge/internal/firmware"
	"homematic-go-bridge/internal/hm"
	"homematic-go-bridge/internal/radio"
	"homematic-go-bridge/internal/transport"
)

// Payload sizes for firmware messages.
const (
	NormalPayload = 37
	// LowerPayload is for devices with little receive buffer.
	LowerPayload = 17
)

const (
	defaultRetries     = 5
	defaultRebootPolls = 11
	// The gateway reports the reboot much later than the other adapters.
	gatewayRebootPolls = 201
	triggerAttempts    = 4
	switchAttempts     = 4
	pollTimeout        = time.Second
)

// cc1101Regs is the radio configuration that moves a device to 100k.
var cc1101Regs = []byte{0x10, 0x5b, 0x11, 0xf8, 0x15, 0x47}

var (
	ErrSwitchFailed   = errors.New("device did not switch to 100k")
	ErrNoAnnouncement = errors.New("device did not announce update mode")
	ErrNoTarget       = errors.New("need a device serial or HMID")
)

// RetriesExhaustedError is returned when a block failed too often.
type RetriesExhaustedError struct {
	Block   int
	Retries int
	Err     error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("block %d: too many errors (%d), giving up: %v", e.Block, e.Retries, e.Err)
}

func (e *RetriesExhaustedError) Unwrap() error { return e.Err }

// Link is the part of radio.Link the flasher drives.
type Link interface {
	Send(ctx context.Context, m hm.Message) error
	SwitchSpeed(ctx context.Context, speed int) error
	AddPeer(ctx context.Context, id hm.HMID, keyIndex int) error
	Poll(timeout time.Duration) (transport.Result, error)
	Last() (hm.Message, radio.Kind)
	ClearLast()
	Session() *radio.Session
	Transport() string
}

// Target selects the device to flash. Serial wins when both are set.
type Target struct {
	Serial string
	HMID   hm.HMID
}

// Phase is a stage of a flash run.
type Phase string

const (
	PhaseTrigger   Phase = "trigger"
	PhaseWaiting   Phase = "waiting"
	PhaseSwitching Phase = "switching"
	PhaseFlashing  Phase = "flashing"
	PhaseRebooting Phase = "rebooting"
	PhaseComplete  Phase = "complete"
)

// Progress is reported at every phase change and after every chunk.
type Progress struct {
	Phase   Phase   `json:"phase"`
	Serial  string  `json:"serial,omitempty"`
	HMID    hm.HMID `json:"hmid"`
	Block   int     `json:"block"`
	Blocks  int     `json:"blocks"`
	Retries int     `json:"retries"`
}

// Result summarizes a finished run.
type Result struct {
	Serial   string
	HMID     hm.HMID
	Blocks   int
	Retries  int
	Rebooted bool
}

// Option configures a Flasher.
type Option func(*Flasher)

// WithRetries sets how often a block may fail before the run is aborted.
func WithRetries(n int) Option {
	return func(f *Flasher) {
		if n > 0 {
			f.retries = n
		}
	}
}

// WithMaxPayload sets the firmware message payload size.
func WithMaxPayload(n int) Option {
	return func(f *Flasher) {
		if n > 2 {
			f.maxPayload = n
		}
	}
}

// WithProgress registers a progress callback. It runs on the flashing
// goroutine and must not block.
func WithProgress(fn func(Progress)) Option {
	return func(f *Flasher) {
		f.progress = fn
	}
}

// WithRebootPolls overrides how many one-second polls wait for the device
// after flashing.
func WithRebootPolls(n int) Option {
	return func(f *Flasher) {
		f.rebootPolls = n
	}
}

// WithAnnounceTimeout bounds the wait for the device's update announcement.
// Zero waits until the context ends.
func WithAnnounceTimeout(d time.Duration) Option {
	return func(f *Flasher) {
		f.announceTimeout = d
	}
}

// Flasher runs OTA updates over one link. It is not safe for concurrent use.
type Flasher struct {
	link            Link
	logger          *slog.Logger
	retries         int
	maxPayload      int
	progress        func(Progress)
	rebootPolls     int
	announceTimeout time.Duration
	pollTimeout     time.Duration

	msgID byte
	state Progress
}

// New creates a Flasher driving link.
func New(link Link, logger *slog.Logger, opts ...Option) *Flasher {
	f := &Flasher{
		link:        link,
		logger:      logger.With("component", "ota"),
		retries:     defaultRetries,
		maxPayload:  NormalPayload,
		rebootPolls: defaultRebootPolls,
		pollTimeout: pollTimeout,
		msgID:       1,
	}
	if link.Transport() == "uart" {
		f.rebootPolls = gatewayRebootPolls
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

func (f *Flasher) report(phase Phase) {
	f.state.Phase = phase
	if f.progress != nil {
		f.progress(f.state)
	}
}

func (f *Flasher) nextID() byte {
	id := f.msgID
	f.msgID++
	return id
}

func (f *Flasher) message(msgID, ctl, typ byte, dst hm.HMID, payload []byte) hm.Message {
	return hm.NewMessage(msgID, ctl, typ, f.link.Session().Central, dst, payload)
}

// Run flashes img into the device selected by target.
func (f *Flasher) Run(ctx context.Context, img *firmware.Image, target Target) (Result, error) {
	if target.Serial == "" && target.HMID == 0 {
		return Result{}, ErrNoTarget
	}
	f.state = Progress{Serial: target.Serial, HMID: target.HMID, Blocks: len(img.Blocks)}

	if err := f.link.SwitchSpeed(ctx, radio.Speed10k); err != nil {
		return Result{}, fmt.Errorf("can't switch speed: %w", err)
	}

	if target.HMID != 0 && f.link.Session().Central != 0 {
		f.report(PhaseTrigger)
		if err := f.trigger(ctx, target.HMID); err != nil {
			return Result{}, err
		}
	}

	f.report(PhaseWaiting)
	serial, id, err := f.waitAnnouncement(ctx, target)
	if err != nil {
		return Result{}, err
	}
	f.state.Serial, f.state.HMID = serial, id
	f.link.Session().Filter = id
	f.logger.Info("device entered firmware-update-mode", "serial", serial, "hmid", id)

	if err := f.link.AddPeer(ctx, id, 0); err != nil {
		return Result{}, fmt.Errorf("adding peer: %w", err)
	}

	f.report(PhaseSwitching)
	if err := f.switchDevice(ctx, id); err != nil {
		return Result{}, err
	}

	f.report(PhaseFlashing)
	f.logger.Info("flashing", "blocks", len(img.Blocks), "bytes", img.Size())
	for i, b := range img.Blocks {
		if err := f.flashBlock(ctx, id, i, b); err != nil {
			return f.result(), err
		}
		f.msgID++
		f.state.Block = i + 1
		f.report(PhaseFlashing)
	}

	if err := f.link.SwitchSpeed(ctx, radio.Speed10k); err != nil {
		return f.result(), fmt.Errorf("can't switch speed: %w", err)
	}

	f.report(PhaseRebooting)
	res := f.result()
	rebooted, err := f.waitReboot(ctx)
	if err != nil {
		return res, err
	}
	res.Rebooted = rebooted
	if rebooted {
		f.logger.Info("device rebooted")
	} else {
		f.logger.Warn("device did not report back after flashing")
	}
	f.report(PhaseComplete)
	return res, nil
}

func (f *Flasher) result() Result {
	return Result{
		Serial:  f.state.Serial,
		HMID:    f.state.HMID,
		Blocks:  f.state.Block,
		Retries: f.state.Retries,
	}
}

// trigger sends the device to its bootloader. Devices that miss it can be
// put there by hand, so failure is not fatal.
func (f *Flasher) trigger(ctx context.Context, id hm.HMID) error {
	key := f.link.Session().Key.Index
	if err := f.link.AddPeer(ctx, id, key); err != nil {
		return fmt.Errorf("adding peer: %w", err)
	}
	f.logger.Info("sending device to bootloader", "hmid", id)
	for attempt := 0; attempt < triggerAttempts; attempt++ {
		m := f.message(f.nextID(), hm.CtlBiDi|hm.CtlBurst, hm.TypeSet, id, []byte{hm.TypeFirmware})
		err := f.link.Send(ctx, m)
		if err == nil {
			return nil
		}
		if fatal(err) {
			return err
		}
		f.logger.Debug("bootloader trigger", "attempt", attempt+1, "err", err)
	}
	f.logger.Warn("failed to send device to bootloader, please enter bootloader manually")
	return nil
}

// matchAnnouncement reports whether m is the broadcast a device sends when
// it enters update mode, and whether it comes from target.
func matchAnnouncement(m hm.Message, target Target) (serial string, id hm.HMID, ok bool) {
	const serialOff, serialLen = 0x0b, 10
	if len(m) < serialOff+serialLen {
		return "", 0, false
	}
	if m.Len() != 0x14 || m.MsgID() != 0 || m.Ctl() != 0 || m.Type() != hm.TypeInfo || m.Dst() != 0 || m.Subtype() != 0 {
		return "", 0, false
	}
	serial = string(m[serialOff : serialOff+serialLen])
	if target.Serial != "" {
		want := target.Serial
		if len(want) > serialLen {
			want = want[:serialLen]
		}
		return serial, m.Src(), serial == want
	}
	return serial, m.Src(), m.Src() == target.HMID
}

func (f *Flasher) waitAnnouncement(ctx context.Context, target Target) (string, hm.HMID, error) {
	if target.Serial != "" {
		f.logger.Info("waiting for device", "serial", target.Serial)
	} else {
		f.logger.Info("waiting for device", "hmid", target.HMID)
	}
	var deadline time.Time
	if f.announceTimeout > 0 {
		deadline = time.Now().Add(f.announceTimeout)
	}

	f.link.ClearLast()
	for {
		if err := ctx.Err(); err != nil {
			return "", 0, err
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return "", 0, ErrNoAnnouncement
		}
		if _, err := f.link.Poll(f.pollTimeout); err != nil {
			return "", 0, fmt.Errorf("poll: %w", err)
		}
		m, kind := f.link.Last()
		if kind != radio.KindEvent {
			continue
		}
		if serial, id, ok := matchAnnouncement(m, target); ok {
			return serial, id, nil
		}
	}
}

// switchDevice moves the device and the adapter to 100k. The first rf
// config goes out unacknowledged at 10k; the device is then asked at 100k
// whether it followed.
func (f *Flasher) switchDevice(ctx context.Context, id hm.HMID) error {
	for attempt := 0; attempt < switchAttempts; attempt++ {
		f.logger.Info("initiating remote switch to 100k")
		m := f.message(f.nextID(), 0x00, hm.TypeRFConfig, id, cc1101Regs)
		if err := f.link.Send(ctx, m); err != nil {
			return fmt.Errorf("sending rf config: %w", err)
		}
		if err := f.link.SwitchSpeed(ctx, radio.Speed100k); err != nil {
			return fmt.Errorf("can't switch speed: %w", err)
		}

		check := f.message(f.nextID(), hm.CtlBiDi, hm.TypeRFConfig, id, cc1101Regs)
		for try := 0; try < switchAttempts; try++ {
			err := f.link.Send(ctx, check)
			if err == nil {
				f.logger.Info("device switched to 100k")
				return nil
			}
			if fatal(err) {
				return err
			}
		}

		f.logger.Warn("device did not switch")
		if err := f.link.SwitchSpeed(ctx, radio.Speed10k); err != nil {
			return fmt.Errorf("can't switch speed: %w", err)
		}
	}
	return ErrSwitchFailed
}

// flashBlock streams one block. The very first chunk carries max payload
// bytes, every later one two less; the last one asks for an ack. Any
// failure restarts the block from its first byte, keeping the shorter
// chunk size.
func (f *Flasher) flashBlock(ctx context.Context, id hm.HMID, index int, b firmware.Block) error {
	data := b.Wire()
	pos := 0
	first := true
	failures := 0
	for pos < len(data) {
		n := f.maxPayload - 2
		if first {
			n = f.maxPayload
			first = false
		}
		if rest := len(data) - pos; rest < n {
			n = rest
		}
		var ctl byte
		if pos+n == len(data) {
			ctl = hm.CtlBiDi
		}

		f.link.ClearLast()
		m := f.message(f.msgID, ctl, hm.TypeFirmware, id, data[pos:pos+n])
		err := f.link.Send(ctx, m)
		if err == nil {
			pos += n
			continue
		}
		if fatal(err) {
			return err
		}

		failures++
		f.state.Retries++
		f.logger.Debug("chunk failed, restarting block", "block", index, "offset", pos, "err", err)
		if failures == f.retries {
			return &RetriesExhaustedError{Block: index, Retries: failures, Err: err}
		}
		pos = 0
		f.report(PhaseFlashing)
	}
	return nil
}

// waitReboot polls until the device sends anything.
func (f *Flasher) waitReboot(ctx context.Context) (bool, error) {
	f.logger.Info("waiting for device to reboot")
	f.link.ClearLast()
	for i := 0; i < f.rebootPolls; i++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if _, err := f.link.Poll(f.pollTimeout); err != nil {
			return false, fmt.Errorf("poll: %w", err)
		}
		if _, kind := f.link.Last(); kind == radio.KindEvent {
			return true, nil
		}
	}
	return false, nil
}

// fatal reports errors that end the run instead of counting as a retry.
func fatal(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, transport.ErrIO) ||
		errors.Is(err, transport.ErrEOF) ||
		errors.Is(err, transport.ErrClosed) ||
		errors.Is(err, transport.ErrStopped)
}
