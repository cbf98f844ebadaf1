package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"homematic-go-bridge/internal/adapter"
	"homematic-go-bridge/internal/coordinator"
	"homematic-go-bridge/internal/hm"
	"homematic-go-bridge/internal/radio"
)

var (
	sniffFast    bool
	sniffVerbose bool
)

var sniffCmd = &cobra.Command{
	Use:   "sniff",
	Short: "Print every BidCos message the adapter hears",
	RunE:  runSniff,
}

func init() {
	sniffCmd.Flags().BoolVarP(&sniffFast, "fast", "f", false, "Listen at 100k instead of 10k")
	sniffCmd.Flags().BoolVarP(&sniffVerbose, "verbose", "v", false, "Print a full dissection of every message")
	rootCmd.AddCommand(sniffCmd)
}

func runSniff(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	link, err := adapter.Open(cfg.Adapter, &radio.Session{}, logger)
	if err != nil {
		return err
	}

	speed := radio.Speed10k
	if sniffFast {
		speed = radio.Speed100k
	}
	events := coordinator.NewEventBus(logger)
	coord := coordinator.New(link, nil, events, coordinator.Config{Speed: speed}, logger)
	defer coord.Close()

	out := cmd.OutOrStdout()
	printer := &sniffPrinter{out: out, verbose: sniffVerbose}
	unsub := events.On(coordinator.EventMessageReceived, printer.handle)
	defer unsub()

	startCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = coord.Start(startCtx)
	cancel()
	if err != nil {
		return err
	}
	if !sniffVerbose {
		fmt.Fprintln(out, hm.CompactHeader)
	}
	return coord.Run(ctx)
}

// sniffPrinter writes received messages in the compact or verbose layout.
type sniffPrinter struct {
	out     io.Writer
	verbose bool
	now     func() time.Time
}

func (p *sniffPrinter) handle(event coordinator.Event) {
	d, ok := event.Data.(hm.Dissection)
	if !ok {
		return
	}
	m, err := coordinator.ParseMessage(d.Raw)
	if err != nil {
		return
	}
	ts := time.Now()
	if p.now != nil {
		ts = p.now()
	}
	if p.verbose {
		fmt.Fprintln(p.out, hm.FormatVerbose(m, ts))
		return
	}
	fmt.Fprintln(p.out, hm.FormatCompact(m, ts))
}
