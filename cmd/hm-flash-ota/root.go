package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"homematic-go-bridge/internal/adapter"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

var (
	configPath string
	logLevel   string

	// adapter selection
	culDevice  string
	culBaud    int
	usbSerial  string
	uartDevice string
)

var rootCmd = &cobra.Command{
	Use:   "hm-flash-ota",
	Short: "HomeMatic OTA flasher",
	Long: `hm-flash-ota updates the firmware of HomeMatic BidCos devices over the air
(flash) and of the HM-CFG-USB and HM-MOD-UART adapters themselves (adapter).

Adapters:
  HM-CFG-USB:   default, optionally -S <usb serial>
  CUL (culfw):  -c /dev/ttyACM0 [-b 38400]
  HM-MOD-UART:  -U /dev/ttyAMA0

Values from --config are used where no flag is given.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file with adapter, log, history and mqtt defaults")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")

	rootCmd.PersistentFlags().StringVarP(&culDevice, "cul", "c", "", "Use a CUL running culfw at this tty")
	rootCmd.PersistentFlags().IntVarP(&culBaud, "baud", "b", 0, "CUL line speed (default 38400)")
	rootCmd.PersistentFlags().StringVarP(&usbSerial, "usb-serial", "S", "", "Use the HM-CFG-USB with this serial")
	rootCmd.PersistentFlags().StringVarP(&uartDevice, "uart", "U", "", "Use an HM-MOD-UART at this tty")
}

// setup loads the config file and applies the persistent flags on top.
func setup(cmd *cobra.Command) (*fileConfig, *slog.Logger, error) {
	cfg := &fileConfig{}
	if configPath != "" {
		var err error
		if cfg, err = loadConfig(configPath); err != nil {
			return nil, nil, err
		}
	}
	cfg.applyDefaults()
	cfg.Log.Level = firstNonEmpty(logLevel, cfg.Log.Level)
	cfg.Adapter = adapterFromFlags(cfg.Adapter)
	if err := cfg.Adapter.Validate(); err != nil {
		return nil, nil, err
	}
	logger := newLogger(cfg.Log.Level, cfg.Log.Format, cmd.ErrOrStderr())
	return cfg, logger, nil
}

// adapterFromFlags lets -U, -c and -S override the configured adapter.
func adapterFromFlags(base adapter.Config) adapter.Config {
	switch {
	case uartDevice != "":
		return adapter.Config{Type: adapter.TypeUART, Device: uartDevice}
	case culDevice != "":
		return adapter.Config{Type: adapter.TypeCULFW, Device: culDevice, Baud: culBaud}
	case usbSerial != "":
		return adapter.Config{Type: adapter.TypeUSB, Serial: usbSerial}
	}
	if culBaud != 0 && base.Type == adapter.TypeCULFW {
		base.Baud = culBaud
	}
	return base
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func usageError(format string, args ...interface{}) error {
	return fmt.Errorf("usage: "+format, args...)
}
