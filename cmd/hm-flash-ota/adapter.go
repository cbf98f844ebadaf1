package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"homematic-go-bridge/internal/adapter"
	"homematic-go-bridge/internal/adapterfw"
	"homematic-go-bridge/internal/firmware"
	"homematic-go-bridge/internal/hmcfgusb"
	"homematic-go-bridge/internal/ota"
	"homematic-go-bridge/internal/store"
	"homematic-go-bridge/internal/uartgw"
)

type adapterOptions struct {
	firmware   string
	history    string
	noProgress bool
}

var adapterOpts adapterOptions

var adapterCmd = &cobra.Command{
	Use:   "adapter",
	Short: "Flash the firmware of the HM-CFG-USB or HM-MOD-UART itself",
	Long: `Flash a firmware image into the radio adapter instead of a device.

The HM-CFG-USB is switched to its bootloader and reopened when needed. The
HM-MOD-UART (-U) is switched to its bootloader before the first block.`,
	Example: `  hm-flash-ota adapter -f hmusbif.03c7.enc
  hm-flash-ota adapter -U /dev/ttyAMA0 -f coprocessor_update_hm_only.eq3`,
	RunE: runAdapterFlash,
}

func init() {
	f := adapterCmd.Flags()
	f.StringVarP(&adapterOpts.firmware, "firmware", "f", "", "Firmware file to flash")
	f.StringVar(&adapterOpts.history, "history", "", "Record the run in this database file")
	f.BoolVar(&adapterOpts.noProgress, "no-progress", false, "Never draw a progress bar")
	rootCmd.AddCommand(adapterCmd)
}

// adapterTransport names the configured adapter the way flash runs record it.
func adapterTransport(cfg adapter.Config) (string, error) {
	switch cfg.Type {
	case "", adapter.TypeUSB:
		return adapter.TypeUSB, nil
	case adapter.TypeUART:
		return adapter.TypeUART, nil
	}
	return "", usageError("only the HM-CFG-USB (-S) and HM-MOD-UART (-U) can be flashed")
}

// toOTAProgress lets the device flasher's reporter render adapter progress.
func toOTAProgress(p adapterfw.Progress) ota.Progress {
	return ota.Progress{Phase: ota.PhaseFlashing, Block: p.Block, Blocks: p.Blocks}
}

func runAdapterFlash(cmd *cobra.Command, _ []string) error {
	o := &adapterOpts
	if o.firmware == "" {
		return usageError("need -f FIRMWARE")
	}
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}
	transport, err := adapterTransport(cfg.Adapter)
	if err != nil {
		return err
	}
	history := firstNonEmpty(o.history, cfg.History)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "HomeMatic adapter flasher version %s\n\n", version)

	img, err := firmware.Load(o.firmware, logger)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Firmware with %d blocks (%d bytes) loaded\n", len(img.Blocks), img.Size())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rep := newReporter(out, showBar(out, o.noProgress), nil)
	flasher := adapterfw.New(logger, adapterfw.WithProgress(func(p adapterfw.Progress) {
		rep.report(toOTAProgress(p))
	}))

	run := &store.FlashRun{
		Serial:    cfg.Adapter.Serial,
		Transport: transport,
		Firmware:  o.firmware,
		StartedAt: time.Now(),
	}
	var (
		res    adapterfw.Result
		runErr error
	)
	switch transport {
	case adapter.TypeUART:
		port, err := uartgw.Open(cfg.Adapter.Device, nil, logger)
		if err != nil {
			return err
		}
		defer port.Close()
		res, runErr = flasher.FlashGateway(ctx, port, img)
	default:
		serial := cfg.Adapter.Serial
		port, err := hmcfgusb.Open(serial, nil, logger)
		if err != nil {
			return err
		}
		reopen := func() (adapterfw.USBPort, error) {
			return hmcfgusb.Open(serial, nil, logger)
		}
		res, runErr = flasher.FlashUSB(ctx, port, reopen, img)
	}
	rep.finish()

	run.EndedAt = time.Now()
	run.Blocks = res.Blocks
	run.Rebooted = res.Confirmed
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
	if !res.Confirmed {
		fmt.Fprintln(out, "Adapter did not confirm the update, check it manually")
		return nil
	}
	fmt.Fprintln(out, "Firmware update successful!")
	return nil
}
