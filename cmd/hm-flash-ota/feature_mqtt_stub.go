//go:build no_mqtt

package main

import (
	"log/slog"

	"homematic-go-bridge/internal/coordinator"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *coordinator.EventBus, _ *fileConfig, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
