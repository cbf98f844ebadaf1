package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"homematic-go-bridge/internal/adapter"
	"homematic-go-bridge/internal/hm"
	"homematic-go-bridge/internal/radio"
)

type Config struct {
	Adapter adapter.Config `yaml:"adapter"`
	Radio   struct {
		Speed int    `yaml:"speed"` // 10 or 100
		HMID  string `yaml:"hmid"`  // central address, empty keeps the adapter's
		Key   string `yaml:"key"`   // <index>:<32 hex digits>
	} `yaml:"radio"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path         string `yaml:"path"`
		CaptureLimit int    `yaml:"capture_limit"`
	} `yaml:"store"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
		ClientID    string `yaml:"client_id"`
		Discovery   bool   `yaml:"discovery"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	ScriptsDir string `yaml:"scripts_dir"`
}

func (c *Config) validate() error {
	if err := c.Adapter.Validate(); err != nil {
		return err
	}
	if c.Radio.Speed != radio.Speed10k && c.Radio.Speed != radio.Speed100k {
		return fmt.Errorf("radio.speed must be 10 or 100, got %d", c.Radio.Speed)
	}
	if _, err := c.session(); err != nil {
		return err
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.Store.CaptureLimit < 0 {
		return fmt.Errorf("store.capture_limit must not be negative")
	}
	return nil
}

// session builds the radio session. The bridge listens to every sender.
func (c *Config) session() (*radio.Session, error) {
	s := &radio.Session{}
	if c.Radio.HMID != "" {
		id, err := hm.ParseHMID(c.Radio.HMID)
		if err != nil {
			return nil, fmt.Errorf("radio.hmid: %w", err)
		}
		s.Central = id
	}
	if c.Radio.Key != "" {
		ks, err := hm.ParseKeySpec(c.Radio.Key)
		if err != nil {
			return nil, fmt.Errorf("radio.key: %w", err)
		}
		s.Key = ks
	}
	return s, nil
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Adapter.Type == "" {
		cfg.Adapter.Type = adapter.TypeUSB
	}
	if cfg.Radio.Speed == 0 {
		cfg.Radio.Speed = radio.Speed10k
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:1234"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "hmbridge.db"
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = "scripts"
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "homematic"
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
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.ToLower(cfg.Log.Format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
