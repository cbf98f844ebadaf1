//go:build no_automation

package main

import (
	"log/slog"

	"homematic-go-bridge/internal/coordinator"
	"homematic-go-bridge/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *coordinator.Coordinator, _ *Config, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
