//go:build !no_mqtt

package main

import (
	"log/slog"

	mqttbridge "homematic-go-bridge/internal/mqtt"

	"homematic-go-bridge/internal/coordinator"
)

type mqttStopper struct {
	bridge *mqttbridge.Bridge
}

func (m *mqttStopper) Stop() {
	if m.bridge != nil {
		m.bridge.Stop()
	}
}

// initMQTT publishes flash progress when a broker is configured. The
// flasher owns the radio, so the send topic is not served.
func initMQTT(events *coordinator.EventBus, cfg *fileConfig, logger *slog.Logger) *mqttStopper {
	if cfg.MQTT.Broker == "" {
		return &mqttStopper{}
	}
	bridge, err := mqttbridge.NewBridge(events, nil, mqttbridge.Config{
		Broker:      cfg.MQTT.Broker,
		Username:    cfg.MQTT.Username,
		Password:    cfg.MQTT.Password,
		TopicPrefix: cfg.MQTT.TopicPrefix,
		ClientID:    cfg.MQTT.ClientID,
	}, logger)
	if err != nil {
		logger.Warn("mqtt disabled", "err", err)
		return &mqttStopper{}
	}
	bridge.Start()
	return &mqttStopper{bridge: bridge}
}
