package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"home-energy/internal/aggregate"
	"home-energy/internal/energy"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.Web.Listen != "127.0.0.1:8080" || cfg.Store.Path != "home-energy.db" {
		t.Errorf("defaults = %+v", cfg)
	}
	if cfg.pollInterval != 60*time.Second || cfg.computeTimeout != 30*time.Second || cfg.scriptTimeout != time.Second {
		t.Errorf("durations = %v %v %v", cfg.pollInterval, cfg.computeTimeout, cfg.scriptTimeout)
	}
	if cfg.location != time.UTC {
		t.Errorf("location = %v", cfg.location)
	}
	if cfg.Energy.Rates.Fan != energy.DefaultRates().Fan {
		t.Errorf("rates = %+v", cfg.Energy.Rates.Fan)
	}
}

func TestLoadConfigRateOverrides(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, `
energy:
  rates:
    fan:
      rpm_factor: 0.0002
    ac:
      modes:
        turbo: 2.5
`))
	if err != nil {
		t.Fatal(err)
	}
	rates := cfg.Energy.Rates
	if rates.Fan.RPMFactor != 0.0002 || rates.Fan.Base != 0.03 {
		t.Errorf("fan = %+v", rates.Fan)
	}
	if rates.AC.Modes["turbo"] != 2.5 || rates.AC.Modes["cool"] != 1.8 {
		t.Errorf("ac modes = %v", rates.AC.Modes)
	}
	if rates.AC.Base != 1.5 {
		t.Errorf("ac base = %v", rates.AC.Base)
	}
}

func TestRateModeOverridesIgnoreCase(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, `
energy:
  rates:
    dishwasher:
      modes:
        Hot: 2.0
`))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.validate(); err != nil {
		t.Fatal(err)
	}
	modes := cfg.Energy.Rates.Dishwasher.Modes
	if modes["hot"] != 2.0 || modes["cold"] != 0.8 {
		t.Errorf("dishwasher modes = %v", modes)
	}
	if _, ok := modes["Hot"]; ok {
		t.Errorf("mixed-case key kept: %v", modes)
	}
}

func TestLoadConfigFull(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, `
web:
  listen: ":9000"
  api_key: k
  poll_interval: 15s
energy:
  timezone: Asia/Tokyo
  fan_out: 2
history:
  enabled: true
  retention: 10
mqtt:
  enabled: true
  broker: tcp://localhost:1883
  publish_interval: 1m
  windows: [Daily, monthly]
log:
  level: debug
  format: json
`))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.pollInterval != 15*time.Second || cfg.publishInterval != time.Minute {
		t.Errorf("intervals = %v, %v", cfg.pollInterval, cfg.publishInterval)
	}
	if cfg.location.String() != "Asia/Tokyo" {
		t.Errorf("location = %v", cfg.location)
	}
	if len(cfg.mqttWindows) != 2 || cfg.mqttWindows[0] != aggregate.Daily || cfg.mqttWindows[1] != aggregate.Monthly {
		t.Errorf("windows = %v", cfg.mqttWindows)
	}
	if !cfg.History.Enabled || cfg.History.Retention != 10 {
		t.Errorf("history = %+v", cfg.History)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"bad poll interval", "web: {poll_interval: soon}", "web.poll_interval"},
		{"negative compute timeout", "energy: {compute_timeout: -1s}", "energy.compute_timeout"},
		{"negative rate", "energy: {rates: {tv: {base: -1}}}", "energy.rates"},
		{"bad timezone", "energy: {timezone: Mars/Olympus}", "energy.timezone"},
		{"negative fan out", "energy: {fan_out: -1}", "energy.fan_out"},
		{"mqtt without broker", "mqtt: {enabled: true}", "mqtt.broker"},
		{"mqtt bad window", "mqtt: {enabled: true, broker: 'tcp://x:1883', windows: [hourly]}", "mqtt.windows"},
		{"conflicting mode case", "energy: {rates: {light: {modes: {Eco: 0.5, ECO: 0.6}}}}", "energy.rates"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := loadConfig(writeConfig(t, tt.yaml+"\n"))
			if err != nil {
				t.Fatal(err)
			}
			err = cfg.validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("validate = %v, want error mentioning %q", err, tt.wantErr)
			}
		})
	}
}

func TestMQTTPublishingDisabled(t *testing.T) {
	cfg, err := loadConfig(writeConfig(t, "mqtt: {enabled: true, broker: 'tcp://x:1883', publish_interval: '0'}\n"))
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.publishInterval != 0 {
		t.Errorf("publishInterval = %v, want 0", cfg.publishInterval)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}
