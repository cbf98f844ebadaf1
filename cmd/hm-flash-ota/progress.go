package main

import (
	"fmt"
	"io"

	"github.com/schollz/progressbar/v3"

	"homematic-go-bridge/internal/coordinator"
	"homematic-go-bridge/internal/ota"
)

// reporter prints flash progress and republishes it on the event bus.
type reporter struct {
	out    io.Writer
	useBar bool
	events *coordinator.EventBus

	bar   *progressbar.ProgressBar
	phase ota.Phase
}

func newReporter(out io.Writer, useBar bool, events *coordinator.EventBus) *reporter {
	return &reporter{out: out, useBar: useBar, events: events}
}

func (r *reporter) report(p ota.Progress) {
	if r.events != nil {
		r.events.Emit(coordinator.Event{Type: coordinator.EventOTAProgress, Data: p})
	}

	if p.Phase != r.phase {
		r.phase = p.Phase
		if r.bar != nil && p.Phase != ota.PhaseFlashing {
			_ = r.bar.Finish()
			r.bar = nil
			fmt.Fprintln(r.out)
		}
		if line := phaseLine(p); line != "" {
			fmt.Fprintln(r.out, line)
		}
	}

	if p.Phase != ota.PhaseFlashing {
		return
	}
	if !r.useBar {
		if p.Block > 0 {
			fmt.Fprintf(r.out, "block %d/%d done, %d retries\n", p.Block, p.Blocks, p.Retries)
		}
		return
	}
	if r.bar == nil {
		r.bar = progressbar.NewOptions(p.Blocks,
			progressbar.OptionSetWriter(r.out),
			progressbar.OptionSetWidth(40),
			progressbar.OptionSetDescription("Flashing"),
			progressbar.OptionShowCount(),
		)
	}
	_ = r.bar.Set(p.Block)
}

// finish closes a bar left open by an aborted run.
func (r *reporter) finish() {
	if r.bar != nil {
		_ = r.bar.Finish()
		r.bar = nil
		fmt.Fprintln(r.out)
	}
}

func phaseLine(p ota.Progress) string {
	switch p.Phase {
	case ota.PhaseTrigger:
		return fmt.Sprintf("Sending device with hmid %s to bootloader", p.HMID)
	case ota.PhaseWaiting:
		if p.Serial != "" {
			return fmt.Sprintf("Waiting for device with serial %s", p.Serial)
		}
		return fmt.Sprintf("Waiting for device with hmid %s", p.HMID)
	case ota.PhaseSwitching:
		return fmt.Sprintf("Device %s (%s) entered update mode, switching to 100k", p.Serial, p.HMID)
	case ota.PhaseFlashing:
		return fmt.Sprintf("Flashing %d blocks", p.Blocks)
	case ota.PhaseRebooting:
		return "Waiting for device to reboot"
	case ota.PhaseComplete:
		return "Done"
	}
	return ""
}
