// Package adapter opens one of the supported radio adapters and wraps it in
// a radio.Link.
package adapter

import (
	"fmt"
	"log/slog"

	"homematic-go-bridge/internal/culfw"
	"homematic-go-bridge/internal/hmcfgusb"
	"homematic-go-bridge/internal/radio"
	"homematic-go-bridge/internal/uartgw"
)

// Adapter types.
const (
	TypeUSB   = "usb"
	TypeCULFW = "culfw"
	TypeUART  = "uart"
)

// Config selects the adapter.
type Config struct {
	// Type is usb, culfw or uart. Empty means usb.
	Type string `yaml:"type"`
	// Device is the tty path for culfw and uart.
	Device string `yaml:"device"`
	// Serial picks an HM-CFG-USB by its USB serial number.
	Serial string `yaml:"serial"`
	// Baud is the culfw line speed. Zero selects culfw.DefaultBaud.
	Baud int `yaml:"baud"`
}

// Validate checks the fields needed by Type without touching hardware.
func (c *Config) Validate() error {
	switch c.Type {
	case "", TypeUSB:
		return nil
	case TypeCULFW:
		if c.Device == "" {
			return fmt.Errorf("adapter.device is required for %s", c.Type)
		}
		if c.Baud != 0 && !culfw.ValidBaud(c.Baud) {
			return &culfw.UnsupportedBaudError{Baud: c.Baud}
		}
		return nil
	case TypeUART:
		if c.Device == "" {
			return fmt.Errorf("adapter.device is required for %s", c.Type)
		}
		return nil
	default:
		return fmt.Errorf("unknown adapter type: %q (supported: usb, culfw, uart)", c.Type)
	}
}

// Open opens the adapter described by cfg. The returned link still needs
// Init.
func Open(cfg Config, s *radio.Session, logger *slog.Logger) (*radio.Link, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Type {
	case TypeCULFW:
		logger.Info("using culfw stick", "port", cfg.Device, "baud", cfg.Baud)
		port, err := culfw.Open(cfg.Device, cfg.Baud, nil, logger)
		if err != nil {
			return nil, err
		}
		return radio.NewLine(&radio.LineDevice{Port: port}, s, logger), nil

	case TypeUART:
		logger.Info("using HM-MOD-UART", "port", cfg.Device)
		port, err := uartgw.Open(cfg.Device, nil, logger)
		if err != nil {
			return nil, err
		}
		return radio.NewGateway(&radio.GatewayDevice{Port: port}, s, logger), nil

	default:
		logger.Info("using HM-CFG-USB", "serial", cfg.Serial)
		port, err := hmcfgusb.Open(cfg.Serial, nil, logger)
		if err != nil {
			return nil, err
		}
		reopen := func() (radio.USBPort, error) {
			return hmcfgusb.Open(cfg.Serial, nil, logger)
		}
		return radio.NewUSB(&radio.USBDevice{Port: port, Reopen: reopen}, s, logger), nil
	}
}
