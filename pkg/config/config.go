// Package config handles configuration loading and management.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/commatea/SBus-Link/pkg/core"
	"github.com/commatea/SBus-Link/pkg/logger"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Default config file locations.
var configPaths = []string{
	"./config.yaml",
	"./config.yml",
	"./sbuslink.yaml",
	"./sbuslink.yml",
	"~/.config/sbuslink/config.yaml",
	"/etc/sbuslink/config.yaml",
}

// Load loads configuration from file.
func Load(path string) (*core.Config, error) {
	// If path is specified, use it directly
	if path != "" {
		return loadFile(path)
	}

	// Try default paths
	for _, p := range configPaths {
		// Expand home directory
		if p[0] == '~' {
			home, err := os.UserHomeDir()
			if err == nil {
				p = filepath.Join(home, p[2:])
			}
		}

		if _, err := os.Stat(p); err == nil {
			return loadFile(p)
		}
	}

	// Return default config if no file found
	return DefaultConfig(), nil
}

// loadFile loads configuration from a specific file.
func loadFile(path string) (*core.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg core.Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate validates the configuration.
func Validate(cfg *core.Config) error {
	validate := validator.New()
	return validate.Struct(cfg)
}

// Save saves configuration to file.
func Save(path string, cfg *core.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// applyDefaults fills the optional fields a file may leave out.
func applyDefaults(cfg *core.Config) {
	for i := range cfg.Connections {
		c := &cfg.Connections[i]
		if c.Port == 0 {
			c.Port = 5050
		}
		if c.Baudrate == 0 {
			c.Baudrate = 9600
		}
		if c.Timeout == 0 {
			c.Timeout = 5 * time.Second
		}
		if c.Attempts == 0 {
			c.Attempts = 3
		}
		if c.ConnectionType == "" {
			switch c.Protocol {
			case "ether_sbus":
				c.ConnectionType = "udp"
			case "serial_sbus":
				c.ConnectionType = "usb_serial"
			}
		}
	}
	if cfg.Poller.ScanInterval == 0 {
		cfg.Poller.ScanInterval = 10 * time.Second
	}
	for i := range cfg.Poller.Points {
		if cfg.Poller.Points[i].Count == 0 {
			cfg.Poller.Points[i].Count = 1
		}
	}
	if cfg.Recorder.Path == "" {
		cfg.Recorder.Path = "./sbuslink.db"
	}
	if cfg.Publish.Topic == "" {
		cfg.Publish.Topic = "sbuslink/readings"
	}
	if cfg.Publish.ClientID == "" {
		cfg.Publish.ClientID = "sbuslink"
	}
	if cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9090"
	}
	if cfg.Metrics.Endpoint == "" {
		cfg.Metrics.Endpoint = "/metrics"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stdout"
	}
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *core.Config {
	cfg := &core.Config{
		Connections: []core.ConnectionConfig{
			{
				Name:     "plc",
				Protocol: "ether_sbus",
				Host:     "127.0.0.1",
				Station:  0,
			},
		},
		Logging: logger.Config{
			Level:  "info",
			Format: "text",
			Output: "stdout",
		},
	}
	applyDefaults(cfg)
	return cfg
}
