// Package config loads the bridge's YAML configuration, following the
// defaults-then-unmarshal pattern: every field carries a sane default
// so a config file only needs to mention what it overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Account is one vendor cloud login the bridge maintains a connection for.
type Account struct {
	Email    string `yaml:"email"`
	Password string `yaml:"password"`
	Enabled  bool   `yaml:"enabled"`
}

// Config is the full bridge configuration document.
type Config struct {
	Accounts []Account `yaml:"accounts"`

	Cloud struct {
		Endpoint         string        `yaml:"endpoint"`
		AuthEndpoint     string        `yaml:"auth_endpoint"`
		SpaceID          string        `yaml:"space_id"`
		CAFile           string        `yaml:"ca_file"`
		RequestTimeout   time.Duration `yaml:"request_timeout"`
		HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	} `yaml:"cloud"`

	Mosquitto struct {
		Broker         string        `yaml:"broker"`
		ClientID       string        `yaml:"client_id"`
		Username       string        `yaml:"username"`
		Password       string        `yaml:"password"`
		QoS            byte          `yaml:"qos"`
		KeepAlive      time.Duration `yaml:"keep_alive"`
		ConnectTimeout time.Duration `yaml:"connect_timeout"`
		WriteTimeout   time.Duration `yaml:"write_timeout"`
	} `yaml:"mosquitto"`

	Bridge struct {
		PollInterval           time.Duration `yaml:"device_poll_interval"`
		PostCommandPollSkip    time.Duration `yaml:"post_command_poll_skip"`
		StatusInterval         time.Duration `yaml:"status_publish_interval"`
		SettingsCommandSpacing time.Duration `yaml:"settings_command_spacing"`
		SettingsRefreshDelay   time.Duration `yaml:"settings_refresh_delay"`
		ReconnectDelayMin      time.Duration `yaml:"reconnect_delay_min"`
		ReconnectDelayMax      time.Duration `yaml:"reconnect_delay_max"`
		ShutdownGrace          time.Duration `yaml:"shutdown_grace"`
	} `yaml:"bridge"`

	Cache struct {
		Directory       string        `yaml:"directory"`
		MaxTokenTTL     time.Duration `yaml:"max_token_ttl"`
		SafetyMargin    time.Duration `yaml:"token_ttl_safety_margin"`
		DeviceTTL       time.Duration `yaml:"device_list_ttl"`
		RefreshInterval time.Duration `yaml:"device_refresh_interval"`
	} `yaml:"cache"`

	Daemon struct {
		LogFile  string `yaml:"log_file"`
		LogLevel string `yaml:"log_level"`
		PIDFile  string `yaml:"pid_file"`
		HTTPPort int    `yaml:"http_port"`
	} `yaml:"daemon"`
}

// Load reads and parses filename, seeding defaults before unmarshaling
// so a config file only needs to mention the fields it overrides.
func Load(filename string) (*Config, error) {
	cfg := &Config{}

	cfg.Cloud.Endpoint = "wss://mqtt-sl.fossibot.com:8083/mqtt"
	cfg.Cloud.AuthEndpoint = "https://api-sl.fossibot.com"
	cfg.Cloud.RequestTimeout = 10 * time.Second
	cfg.Cloud.HandshakeTimeout = 30 * time.Second

	cfg.Mosquitto.Broker = "tcp://localhost:1883"
	cfg.Mosquitto.ClientID = "fossibot-bridge"
	cfg.Mosquitto.QoS = 1
	cfg.Mosquitto.KeepAlive = 60 * time.Second
	cfg.Mosquitto.ConnectTimeout = 10 * time.Second
	cfg.Mosquitto.WriteTimeout = 5 * time.Second

	cfg.Bridge.PollInterval = 30 * time.Second
	cfg.Bridge.PostCommandPollSkip = 2 * time.Second
	cfg.Bridge.StatusInterval = 60 * time.Second
	cfg.Bridge.SettingsCommandSpacing = 2 * time.Second
	cfg.Bridge.SettingsRefreshDelay = 5 * time.Second
	cfg.Bridge.ReconnectDelayMin = 5 * time.Second
	cfg.Bridge.ReconnectDelayMax = 60 * time.Second
	cfg.Bridge.ShutdownGrace = 5 * time.Second

	cfg.Cache.Directory = "/var/lib/fossibot-bridge"
	cfg.Cache.MaxTokenTTL = 24 * time.Hour
	cfg.Cache.SafetyMargin = 5 * time.Minute
	cfg.Cache.DeviceTTL = 24 * time.Hour
	cfg.Cache.RefreshInterval = 24 * time.Hour

	cfg.Daemon.LogLevel = "info"
	cfg.Daemon.HTTPPort = 8080

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", filename, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", filename, err)
	}

	for _, acct := range cfg.Accounts {
		if acct.Email == "" {
			return nil, fmt.Errorf("config: account with empty email")
		}
	}
	switch cfg.Daemon.LogLevel {
	case "debug", "info", "warning", "warn", "error":
	default:
		return nil, fmt.Errorf("config: unknown log_level %q", cfg.Daemon.LogLevel)
	}

	return cfg, nil
}
