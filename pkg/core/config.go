package core

import (
	"time"

	"github.com/commatea/SBus-Link/pkg/logger"
)

// Config is the root configuration.
type Config struct {
	// Connections defines the controller connections.
	Connections []ConnectionConfig `yaml:"connections" json:"connections" validate:"required,min=1,dive"`

	// Poller defines cyclic data acquisition.
	Poller PollerConfig `yaml:"poller" json:"poller"`

	// Recorder defines reading persistence.
	Recorder RecorderConfig `yaml:"recorder" json:"recorder"`

	// Publish defines MQTT publishing of readings.
	Publish PublishConfig `yaml:"publish" json:"publish"`

	// Logging defines logging settings.
	Logging logger.Config `yaml:"logging" json:"logging"`

	// Metrics defines metrics settings.
	Metrics MetricsConfig `yaml:"metrics" json:"metrics"`
}

// ConnectionConfig describes one controller connection.
type ConnectionConfig struct {
	// Name identifies the connection in logs, metrics and readings.
	Name string `yaml:"name" json:"name" validate:"required"`

	// Protocol selects the S-Bus flavor.
	Protocol string `yaml:"protocol_type" json:"protocol_type" validate:"required,oneof=ether_sbus serial_sbus profi_sbus"`

	// ConnectionType refines the channel within the protocol flavor.
	// ether_sbus: udp (default) or tcp. serial_sbus: usb_serial
	// (default) or tcp_serial_bridge. profi_sbus ignores it.
	ConnectionType string `yaml:"connection_type" json:"connection_type" validate:"omitempty,oneof=udp tcp usb_serial tcp_serial_bridge"`

	// Host is the controller, bridge or gateway address.
	Host string `yaml:"host" json:"host"`

	// Port is the UDP/TCP port, 5050 when unset.
	Port int `yaml:"port" json:"port" validate:"omitempty,min=1,max=65535"`

	// Device is the local serial port path.
	Device string `yaml:"device" json:"device"`

	// Baudrate is the serial line speed.
	Baudrate int `yaml:"baudrate" json:"baudrate" validate:"omitempty,oneof=1200 2400 4800 9600 19200 38400 57600 115200"`

	// Station is the S-Bus station address, 255 for broadcast.
	Station int `yaml:"station" json:"station" validate:"min=0,max=255"`

	// ProfibusAddress is the target node behind a Profibus gateway.
	ProfibusAddress int `yaml:"profibus_address" json:"profibus_address" validate:"min=0,max=126"`

	// CRCInit overrides the CRC preset for legacy firmware, 0xFFFF
	// instead of the default 0x0000.
	CRCInit uint16 `yaml:"crc_init" json:"crc_init"`

	// Timeout bounds a single request attempt.
	Timeout time.Duration `yaml:"timeout" json:"timeout"`

	// Attempts is the total number of attempts per request.
	Attempts int `yaml:"attempts" json:"attempts" validate:"omitempty,min=1,max=10"`

	// FailWhenBusy makes concurrent operations fail instead of queue.
	FailWhenBusy bool `yaml:"fail_when_busy" json:"fail_when_busy"`
}

// PollerConfig holds cyclic acquisition settings.
type PollerConfig struct {
	// Enabled turns the poller on.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// ScanInterval is the cycle period.
	ScanInterval time.Duration `yaml:"scan_interval" json:"scan_interval"`

	// Points are the data points read every cycle.
	Points []PointConfig `yaml:"points" json:"points" validate:"omitempty,dive"`
}

// PointConfig describes one polled data point.
type PointConfig struct {
	// Name identifies the point in readings.
	Name string `yaml:"name" json:"name" validate:"required"`

	// Connection names the connection the point is read from. Empty
	// selects the first configured connection.
	Connection string `yaml:"connection" json:"connection"`

	// Kind is the media type: register, flag, timer or counter.
	Kind string `yaml:"kind" json:"kind" validate:"required,oneof=register flag timer counter"`

	// Address is the first address to read.
	Address int `yaml:"address" json:"address" validate:"min=0,max=9999"`

	// Count is how many consecutive addresses to read, 1 when unset.
	Count int `yaml:"count" json:"count" validate:"omitempty,min=1,max=32"`
}

// RecorderConfig holds reading persistence settings.
type RecorderConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// PublishConfig holds MQTT publishing settings.
type PublishConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Broker   string `yaml:"broker" json:"broker" validate:"required_if=Enabled true"`
	ClientID string `yaml:"client_id" json:"client_id"`
	Topic    string `yaml:"topic" json:"topic"`
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
	QoS      byte   `yaml:"qos" json:"qos" validate:"max=2"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	Listen   string `yaml:"listen" json:"listen"`
	Endpoint string `yaml:"endpoint" json:"endpoint"`
}
