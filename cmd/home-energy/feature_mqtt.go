//go:build !no_mqtt

package main

import (
	"log/slog"

	mqttbridge "home-energy/internal/mqtt"

	"home-energy/internal/aggregate"
	"home-energy/internal/events"
	"home-energy/internal/metrics"
	"home-energy/internal/store"
)

type mqttStopper struct {
	bridge *mqttbridge.Bridge
}

func (m *mqttStopper) Stop() {
	if m.bridge != nil {
		m.bridge.Stop()
	}
}

func initMQTT(db *store.BoltStore, engine *aggregate.Engine, bus *events.Bus, m *metrics.Metrics, cfg *Config, logger *slog.Logger) *mqttStopper {
	if !cfg.MQTT.Enabled {
		return &mqttStopper{}
	}
	bridge, err := mqttbridge.NewBridge(db, bus, mqttbridge.Config{
		Broker:          cfg.MQTT.Broker,
		Username:        cfg.MQTT.Username,
		Password:        cfg.MQTT.Password,
		ClientID:        cfg.MQTT.ClientID,
		TopicPrefix:     cfg.MQTT.TopicPrefix,
		PublishInterval: cfg.publishInterval,
		Windows:         cfg.mqttWindows,
	}, logger, mqttbridge.WithEnergy(engine), mqttbridge.WithMetrics(m))
	if err != nil {
		logger.Error("mqtt bridge", "err", err)
		return &mqttStopper{}
	}
	bridge.Start()
	return &mqttStopper{bridge: bridge}
}
