package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"home-energy/internal/aggregate"
	"home-energy/internal/energy"
)

type Config struct {
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
		PollInterval   string   `yaml:"poll_interval"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Energy struct {
		Rates          energy.Rates `yaml:"rates"`
		ScriptTimeout  string       `yaml:"script_timeout"`
		ComputeTimeout string       `yaml:"compute_timeout"`
		FanOut         int          `yaml:"fan_out"`
		Timezone       string       `yaml:"timezone"`
	} `yaml:"energy"`
	History struct {
		Enabled   bool `yaml:"enabled"`
		Retention int  `yaml:"retention"`
	} `yaml:"history"`
	MQTT struct {
		Enabled         bool     `yaml:"enabled"`
		Broker          string   `yaml:"broker"`
		Username        string   `yaml:"username"`
		Password        string   `yaml:"password"`
		ClientID        string   `yaml:"client_id"`
		TopicPrefix     string   `yaml:"topic_prefix"`
		PublishInterval string   `yaml:"publish_interval"`
		Windows         []string `yaml:"windows"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	SeedFile   string `yaml:"seed_file"`
	ScriptsDir string `yaml:"scripts_dir"`

	// Parsed by validate.
	pollInterval    time.Duration
	scriptTimeout   time.Duration
	computeTimeout  time.Duration
	publishInterval time.Duration
	location        *time.Location
	mqttWindows     []aggregate.Window
}

func (c *Config) validate() error {
	var err error
	if c.pollInterval, err = parseDuration("web.poll_interval", c.Web.PollInterval); err != nil {
		return err
	}
	if c.scriptTimeout, err = parseDuration("energy.script_timeout", c.Energy.ScriptTimeout); err != nil {
		return err
	}
	if c.computeTimeout, err = parseDuration("energy.compute_timeout", c.Energy.ComputeTimeout); err != nil {
		return err
	}
	if c.Energy.FanOut < 1 {
		return fmt.Errorf("energy.fan_out must be at least 1, got %d", c.Energy.FanOut)
	}
	if c.Energy.Rates, err = c.Energy.Rates.Normalize(); err != nil {
		return fmt.Errorf("energy.rates: %w", err)
	}
	if err := c.Energy.Rates.Validate(); err != nil {
		return fmt.Errorf("energy.rates: %w", err)
	}
	if c.location, err = time.LoadLocation(c.Energy.Timezone); err != nil {
		return fmt.Errorf("energy.timezone: %w", err)
	}
	if c.History.Retention < 0 {
		return fmt.Errorf("history.retention must not be negative")
	}

	if !c.MQTT.Enabled {
		return nil
	}
	if c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.MQTT.PublishInterval != "" && c.MQTT.PublishInterval != "0" {
		if c.publishInterval, err = parseDuration("mqtt.publish_interval", c.MQTT.PublishInterval); err != nil {
			return err
		}
	}
	c.mqttWindows = c.mqttWindows[:0]
	for _, s := range c.MQTT.Windows {
		w, err := aggregate.ParseWindow(s)
		if err != nil {
			return fmt.Errorf("mqtt.windows: %w", err)
		}
		c.mqttWindows = append(c.mqttWindows, w)
	}
	return nil
}

func parseDuration(field, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", field, value)
	}
	return d, nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	// Rate overrides are merged over the stock table.
	cfg.Energy.Rates = energy.DefaultRates()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Web.PollInterval == "" {
		cfg.Web.PollInterval = "60s"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "home-energy.db"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.Energy.ScriptTimeout == "" {
		cfg.Energy.ScriptTimeout = "1s"
	}
	if cfg.Energy.ComputeTimeout == "" {
		cfg.Energy.ComputeTimeout = "30s"
	}
	if cfg.Energy.FanOut == 0 {
		cfg.Energy.FanOut = 8
	}
	if cfg.Energy.Timezone == "" {
		cfg.Energy.Timezone = "UTC"
	}
	if cfg.History.Retention == 0 {
		cfg.History.Retention = 1000
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "home-energy"
	}
	if cfg.MQTT.PublishInterval == "" {
		cfg.MQTT.PublishInterval = "5m"
	}
	if len(cfg.MQTT.Windows) == 0 {
		cfg.MQTT.Windows = []string{string(aggregate.DefaultWindow)}
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
