package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

type HubConfig struct {
	Host         string `json:"host" yaml:"host"`
	Port         int    `json:"port" yaml:"port"`
	WriteTimeout string `json:"writeTimeout" yaml:"writeTimeout"`
	PingInterval string `json:"pingInterval" yaml:"pingInterval"`
}

type TelemetryConfig struct {
	Interval string `json:"interval" yaml:"interval"`
}

type SystemLoadConfig struct {
	Enabled  bool    `json:"enabled" yaml:"enabled"`
	Interval string  `json:"interval" yaml:"interval"`
	CPUSpike float64 `json:"cpuSpike" yaml:"cpuSpike"`
	RAMSpike float64 `json:"ramSpike" yaml:"ramSpike"`
	GPUSpike float64 `json:"gpuSpike" yaml:"gpuSpike"`
}

type PollerConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Interval string `json:"interval" yaml:"interval"`
}

type StopConfig struct {
	URL  string `json:"url" yaml:"url"`
	Name string `json:"stop_name" yaml:"stop_name"`
}

type TransitConfig struct {
	Stops           []StopConfig `json:"stops" yaml:"stops"`
	UpdateOnStart   bool         `json:"updateOnStart" yaml:"updateOnStart"`
	RefreshInterval string       `json:"refreshInterval" yaml:"refreshInterval"`
}

type NotificationsConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Desktop  bool   `json:"desktop" yaml:"desktop"`
	Webhook  string `json:"webhook" yaml:"webhook"`
	NtfyURL  string `json:"ntfy" yaml:"ntfy"`
	Cooldown string `json:"cooldown" yaml:"cooldown"`
}

type ConsoleConfig struct {
	Enabled   bool `json:"enabled" yaml:"enabled"`
	ShowAlbum bool `json:"showAlbum" yaml:"showAlbum"`
}

type Config struct {
	Hub           HubConfig           `json:"hub" yaml:"hub"`
	Telemetry     TelemetryConfig     `json:"telemetry" yaml:"telemetry"`
	SystemLoad    SystemLoadConfig    `json:"systemLoad" yaml:"systemLoad"`
	Media         PollerConfig        `json:"media" yaml:"media"`
	Volume        PollerConfig        `json:"volume" yaml:"volume"`
	Transit       TransitConfig       `json:"transit" yaml:"transit"`
	Notifications NotificationsConfig `json:"notifications" yaml:"notifications"`
	Console       ConsoleConfig       `json:"console" yaml:"console"`
	DBPath        string              `json:"dbPath" yaml:"dbPath"`
	LogDir        string              `json:"logDir" yaml:"logDir"`
	LogLevel      string              `json:"logLevel" yaml:"logLevel"`
	LogStderr     bool                `json:"logStderr" yaml:"logStderr"`
}

func Defaults() Config {
	return Config{
		Hub: HubConfig{
			Host:         "0.0.0.0",
			Port:         8765,
			WriteTimeout: "5s",
			PingInterval: "20s",
		},
		Telemetry: TelemetryConfig{Interval: "500ms"},
		SystemLoad: SystemLoadConfig{
			Enabled:  true,
			Interval: "200ms",
			CPUSpike: 30,
			RAMSpike: 20,
			GPUSpike: 30,
		},
		Media:   PollerConfig{Enabled: true, Interval: "500ms"},
		Volume:  PollerConfig{Enabled: true, Interval: "200ms"},
		Transit: TransitConfig{UpdateOnStart: true, RefreshInterval: "6h"},
		Notifications: NotificationsConfig{
			Desktop:  true,
			Cooldown: "1m",
		},
		Console:   ConsoleConfig{Enabled: true, ShowAlbum: true},
		DBPath:    filepath.Join(dataDir(), "deskhub.db"),
		LogDir:    filepath.Join(dataDir(), "logs"),
		LogLevel:  "info",
		LogStderr: true,
	}
}

func dataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".deskhub")
}

func DefaultPath() string {
	return filepath.Join(dataDir(), "config.json")
}

// Load reads path over the defaults, then applies environment overrides. A
// missing file is not an error. Files ending in .yaml or .yml are YAML;
// anything else is JSON and may contain comments.
func Load(path string) (Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return cfg, err
	}
	if err == nil {
		if err := decode(path, data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(jsonc.ToJSON(data), cfg)
	}
}

// applyEnv loads .env from the working directory when present and applies
// DESKHUB_* overrides.
func applyEnv(cfg *Config) error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	if v := os.Getenv("DESKHUB_HOST"); v != "" {
		cfg.Hub.Host = v
	}
	if v := os.Getenv("DESKHUB_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("DESKHUB_PORT: %w", err)
		}
		cfg.Hub.Port = port
	}
	if v := os.Getenv("DESKHUB_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DESKHUB_DB"); v != "" {
		cfg.DBPath = v
	}
	return nil
}

// Duration parses s as a Go duration, returning def when s is empty or
// malformed.
func Duration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

// Validate reports configuration that cannot work.
func (c Config) Validate() error {
	if c.Hub.Port < 0 || c.Hub.Port > 65535 {
		return fmt.Errorf("hub.port %d out of range", c.Hub.Port)
	}
	for _, s := range []struct{ name, val string }{
		{"hub.writeTimeout", c.Hub.WriteTimeout},
		{"hub.pingInterval", c.Hub.PingInterval},
		{"telemetry.interval", c.Telemetry.Interval},
		{"systemLoad.interval", c.SystemLoad.Interval},
		{"media.interval", c.Media.Interval},
		{"volume.interval", c.Volume.Interval},
		{"transit.refreshInterval", c.Transit.RefreshInterval},
		{"notifications.cooldown", c.Notifications.Cooldown},
	} {
		if s.val == "" {
			continue
		}
		if _, err := time.ParseDuration(s.val); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	for i, stop := range c.Transit.Stops {
		if stop.URL == "" || stop.Name == "" {
			return fmt.Errorf("transit.stops[%d]: url and stop_name are required", i)
		}
	}
	return nil
}
