package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"homematic-go-bridge/internal/adapter"
	"homematic-go-bridge/internal/coordinator"
	"homematic-go-bridge/internal/firmware"
	"homematic-go-bridge/internal/hm"
	"homematic-go-bridge/internal/ota"
	"homematic-go-bridge/internal/radio"
	"homematic-go-bridge/internal/store"
)

type flashOptions struct {
	firmware   string
	serial     string
	lower      bool
	central    string
	device     string
	key        string
	retries    int
	history    string
	noProgress bool
}

var flashOpts flashOptions

var flashCmd = &cobra.Command{
	Use:   "flash",
	Short: "Flash a firmware image into a device",
	Long: `Flash a firmware image (.eq3) into a device over the air.

The device is selected by serial (-s) or address (-D). With -C and -D the
device is sent to its bootloader automatically, otherwise put it into update
mode by hand once "waiting for device" is shown.`,
	Example: `  hm-flash-ota flash -f hm_cc_rt_dn_update.eq3 -s KEQ0123456
  hm-flash-ota flash -c /dev/ttyACM0 -f fw.eq3 -C ABCDEF -D 123456 -K 1:00112233445566778899AABBCCDDEEFF`,
	RunE: runFlash,
}

func init() {
	f := flashCmd.Flags()
	f.StringVarP(&flashOpts.firmware, "firmware", "f", "", "Firmware file to flash")
	f.StringVarP(&flashOpts.serial, "serial", "s", "", "Serial of the device to flash (optional with -D)")
	f.BoolVarP(&flashOpts.lower, "lower-payload", "l", false, "Lower payload length for adapters with little RAM")
	f.StringVarP(&flashOpts.central, "central", "C", "", "HMID of the central (3 hex bytes, e.g. ABCDEF)")
	f.StringVarP(&flashOpts.device, "device", "D", "", "HMID of the device (3 hex bytes, e.g. 123456)")
	f.StringVarP(&flashOpts.key, "key", "K", "", "KNO:KEY AES key number and key in hex")
	f.IntVarP(&flashOpts.retries, "retries", "r", 5, "Retries per block")
	f.StringVar(&flashOpts.history, "history", "", "Record the run in this database file")
	f.BoolVar(&flashOpts.noProgress, "no-progress", false, "Never draw a progress bar")
	rootCmd.AddCommand(flashCmd)
}

// target resolves -s and -D.
func (o *flashOptions) target() (ota.Target, error) {
	t := ota.Target{Serial: o.serial}
	if o.device != "" {
		id, err := hm.ParseHMID(o.device)
		if err != nil {
			return t, fmt.Errorf("invalid device HMID: %w", err)
		}
		t.HMID = id
	}
	if t.Serial == "" && t.HMID == 0 {
		return t, usageError("need -s SERIAL or -D HMID")
	}
	return t, nil
}

// session builds the radio session from -C, -D and -K.
func (o *flashOptions) session(t ota.Target) (*radio.Session, error) {
	s := &radio.Session{Filter: t.HMID}
	if o.central != "" {
		id, err := hm.ParseHMID(o.central)
		if err != nil {
			return nil, fmt.Errorf("invalid central HMID: %w", err)
		}
		s.Central = id
	}
	if o.key != "" {
		ks, err := hm.ParseKeySpec(o.key)
		if err != nil {
			return nil, err
		}
		s.Key = ks
	}
	return s, nil
}

func (o *flashOptions) flasherOptions(progress func(ota.Progress)) []ota.Option {
	opts := []ota.Option{ota.WithRetries(o.retries), ota.WithProgress(progress)}
	if o.lower {
		opts = append(opts, ota.WithMaxPayload(ota.LowerPayload))
	}
	return opts
}

func runFlash(cmd *cobra.Command, _ []string) error {
	o := &flashOpts
	if o.firmware == "" {
		return usageError("need -f FIRMWARE")
	}
	t, err := o.target()
	if err != nil {
		return err
	}
	session, err := o.session(t)
	if err != nil {
		return err
	}
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	history := firstNonEmpty(o.history, cfg.History)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "HomeMatic OTA flasher version %s\n\n", version)

	img, err := firmware.Load(o.firmware, logger)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Firmware with %d blocks (%d bytes) loaded\n", len(img.Blocks), img.Size())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	link, err := adapter.Open(cfg.Adapter, session, logger)
	if err != nil {
		return err
	}
	defer link.Close()

	info, err := link.Init(ctx)
	if err != nil {
		return fmt.Errorf("adapter init: %w", err)
	}
	fmt.Fprintf(out, "%s firmware version %s, credits used %d%%, HMID %s\n", info.Transport, info.Version, info.Credits, info.HMID)

	events := coordinator.NewEventBus(logger)
	mqtt := initMQTT(events, cfg, logger)
	defer mqtt.Stop()

	rep := newReporter(out, showBar(out, o.noProgress), events)
	flasher := ota.New(link, logger, o.flasherOptions(rep.report)...)

	run := &store.FlashRun{
		Serial:    t.Serial,
		Transport: link.Transport(),
		Firmware:  o.firmware,
		StartedAt: time.Now(),
	}
	res, runErr := flasher.Run(ctx, img, t)
	rep.finish()

	run.EndedAt = time.Now()
	run.Blocks = res.Blocks
	run.Retries = res.Retries
	run.Rebooted = res.Rebooted
	if res.Serial != "" {
		run.Serial = res.Serial
	}
	if id := firstHMID(res.HMID, t.HMID); id != 0 {
		run.HMID = id.String()
	}
	run.Result = store.ResultOK
	if runErr != nil {
		run.Result = store.ResultFailed
		run.Error = runErr.Error()
	}
	if history != "" {
		if err := saveRun(history, run); err != nil {
			logger.Error("record flash run", "path", history, "err", err)
		}
	}

	if runErr != nil {
		return fmt.Errorf("flashing failed after %d of %d blocks: %w", res.Blocks, len(img.Blocks), runErr)
	}
	if !res.Rebooted {
		fmt.Fprintln(out, "Device did not report back after flashing, check it manually")
	}
	fmt.Fprintln(out, "Firmware update successful!")
	return nil
}

func firstHMID(ids ...hm.HMID) hm.HMID {
	for _, id := range ids {
		if id != 0 {
			return id
		}
	}
	return 0
}

func saveRun(path string, run *store.FlashRun) error {
	st, err := store.NewBoltStore(path, 0)
	if err != nil {
		return err
	}
	defer st.Close()
	return st.SaveFlashRun(run)
}

// showBar reports whether a progress bar can be drawn on w.
func showBar(w io.Writer, disabled bool) bool {
	if disabled {
		return false
	}
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
