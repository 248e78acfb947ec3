//go:build no_mqtt

package main

import (
	"log/slog"

	"home-energy/internal/aggregate"
	"home-energy/internal/events"
	"home-energy/internal/metrics"
	"home-energy/internal/store"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *store.BoltStore, _ *aggregate.Engine, _ *events.Bus, _ *metrics.Metrics, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
