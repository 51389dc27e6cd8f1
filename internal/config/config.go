// Package config loads the node's YAML configuration file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid configuration")

// Hardware drivers.
const (
	DriverRaspi = "raspi"
	DriverSim   = "sim"
)

// Zone maps a zone index to its output pin and moisture channel.
type Zone struct {
	ID              int    `yaml:"id"`
	ValvePin        string `yaml:"valve_pin"`
	MoistureChannel int    `yaml:"moisture_channel"`
}

// Config represents the configuration file structure. Periods and
// timeouts are integer seconds.
type Config struct {
	Device struct {
		ID              string `yaml:"id"`
		FirmwareVersion string `yaml:"firmware_version"`
	} `yaml:"device"`

	Network struct {
		Interface   string `yaml:"interface"`
		SSID        string `yaml:"ssid"`
		Passphrase  string `yaml:"passphrase"`
		JoinTimeout int    `yaml:"join_timeout"`
	} `yaml:"network"`

	Server struct {
		BaseURL     string `yaml:"base_url"`
		HTTPTimeout int    `yaml:"http_timeout"`
	} `yaml:"server"`

	Sensors struct {
		Period         int `yaml:"period"`
		MoistureRawMin int `yaml:"moisture_raw_min"`
		MoistureRawMax int `yaml:"moisture_raw_max"`
	} `yaml:"sensors"`

	Sync struct {
		Period int `yaml:"period"`
	} `yaml:"sync"`

	Fallback struct {
		Threshold float64 `yaml:"threshold"`
		Duration  int     `yaml:"duration"`
	} `yaml:"fallback"`

	Actuator struct {
		QueueCapacity    int    `yaml:"queue_capacity"`
		DequeueTimeout   int    `yaml:"dequeue_timeout"`
		PumpPin          string `yaml:"pump_pin"`
		PumpFollowsZones bool   `yaml:"pump_follows_zones"`
	} `yaml:"actuator"`

	Zones []Zone `yaml:"zones"`

	Hardware struct {
		Driver string `yaml:"driver"`
	} `yaml:"hardware"`

	Database struct {
		Path          string `yaml:"path"`
		RetentionDays int    `yaml:"retention_days"` // 0 keeps everything
	} `yaml:"database"`

	Status struct {
		Listen string `yaml:"listen"`
	} `yaml:"status"`

	MQTT struct {
		Broker      string `yaml:"broker"`
		ClientID    string `yaml:"client_id"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

// Default returns a configuration with every optional field set.
func Default() *Config {
	cfg := &Config{}
	cfg.Device.FirmwareVersion = "1.0.0"
	cfg.Network.Interface = "wlan0"
	cfg.Network.JoinTimeout = 30
	cfg.Server.HTTPTimeout = 30
	cfg.Sensors.Period = 30
	cfg.Sensors.MoistureRawMin = 0
	cfg.Sensors.MoistureRawMax = 4095
	cfg.Sync.Period = 3600
	cfg.Fallback.Threshold = 20.0
	cfg.Fallback.Duration = 30
	cfg.Actuator.QueueCapacity = 10
	cfg.Actuator.DequeueTimeout = 1
	cfg.Actuator.PumpPin = "11"
	cfg.Hardware.Driver = DriverRaspi
	cfg.Database.Path = "/var/lib/agsys/irrigation-node.db"
	cfg.Database.RetentionDays = 30
	cfg.Status.Listen = "127.0.0.1:8080"
	cfg.MQTT.TopicPrefix = "agsys/irrigation"
	cfg.Logging.Level = "info"
	return cfg
}

// Load reads path on top of Default and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of Default and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required fields and the zone table.
func (c *Config) Validate() error {
	if c.Device.ID == "" {
		return invalid("device.id is required")
	}
	if c.Server.BaseURL == "" {
		return invalid("server.base_url is required")
	}
	if u, err := url.Parse(c.Server.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return invalid("server.base_url %q is not an absolute URL", c.Server.BaseURL)
	}
	if len(c.Zones) == 0 {
		return invalid("at least one zone is required")
	}
	for i, z := range c.Zones {
		if z.ID != i {
			return invalid("zones[%d] has id %d, zone ids must be 0..%d in order", i, z.ID, len(c.Zones)-1)
		}
		if z.ValvePin == "" {
			return invalid("zones[%d].valve_pin is required", i)
		}
		if z.MoistureChannel < 0 {
			return invalid("zones[%d].moisture_channel must not be negative", i)
		}
	}
	if c.Sensors.MoistureRawMax <= c.Sensors.MoistureRawMin {
		return invalid("sensors.moisture_raw_max must be greater than moisture_raw_min")
	}
	for name, v := range map[string]int{
		"sensors.period":           c.Sensors.Period,
		"sync.period":              c.Sync.Period,
		"fallback.duration":        c.Fallback.Duration,
		"actuator.queue_capacity":  c.Actuator.QueueCapacity,
		"actuator.dequeue_timeout": c.Actuator.DequeueTimeout,
		"server.http_timeout":      c.Server.HTTPTimeout,
	} {
		if v <= 0 {
			return invalid("%s must be positive", name)
		}
	}
	if c.Network.JoinTimeout < 0 {
		return invalid("network.join_timeout must not be negative")
	}
	if c.Database.RetentionDays < 0 {
		return invalid("database.retention_days must not be negative")
	}
	if c.Fallback.Threshold < 0 || c.Fallback.Threshold > 100 {
		return invalid("fallback.threshold must be within 0..100")
	}
	switch c.Hardware.Driver {
	case DriverRaspi:
		if c.Actuator.PumpPin == "" {
			return invalid("actuator.pump_pin is required for the %s driver", DriverRaspi)
		}
	case DriverSim:
	default:
		return invalid("unknown hardware.driver %q", c.Hardware.Driver)
	}
	return nil
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// SensorPeriod returns the sampling period.
func (c *Config) SensorPeriod() time.Duration { return secondsToDuration(c.Sensors.Period) }

// SyncPeriod returns the sync cycle period.
func (c *Config) SyncPeriod() time.Duration { return secondsToDuration(c.Sync.Period) }

// FallbackDuration returns the per-zone local run length.
func (c *Config) FallbackDuration() time.Duration { return secondsToDuration(c.Fallback.Duration) }

// DequeueTimeout returns the executor's queue wait.
func (c *Config) DequeueTimeout() time.Duration { return secondsToDuration(c.Actuator.DequeueTimeout) }

// HTTPTimeout returns the per-request timeout.
func (c *Config) HTTPTimeout() time.Duration { return secondsToDuration(c.Server.HTTPTimeout) }

// JoinTimeout returns how long boot waits for the network link.
func (c *Config) JoinTimeout() time.Duration { return secondsToDuration(c.Network.JoinTimeout) }

// Retention returns how long journal rows are kept, or 0 for forever.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Database.RetentionDays) * 24 * time.Hour
}

func secondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
