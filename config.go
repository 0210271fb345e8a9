package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML config can use human-readable
// forms like "500ms" or "2s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config holds the gateway configuration
type Config struct {
	// BindAddress is the address the HTTP server listens on (e.g. "0.0.0.0:8080")
	BindAddress string `yaml:"bind_address"`
	// DeviceAddr is the host:port of the unit's TCP control port (e.g. "10.0.0.5:48631")
	DeviceAddr string `yaml:"device_addr"`
	// SerialPort, when set, selects RS-232 instead of TCP (e.g. "/dev/ttyUSB0")
	SerialPort string `yaml:"serial_port"`
	// BaudRate is the serial baud rate (e.g. 57600)
	BaudRate int `yaml:"baud_rate"`
	// LogLevel sets the logging level ("debug", "info", "warn", "error")
	LogLevel string `yaml:"log_level"`
	// ResponseTimeout is the no-response window for dispatched commands
	ResponseTimeout Duration `yaml:"response_timeout"`
	// ReconnectDelay is the wait before redialing after a transport failure
	ReconnectDelay Duration `yaml:"reconnect_delay"`
	// RefreshLow/RefreshHigh define the controller range re-pushed after
	// every connect; both zero disables the refresh
	RefreshLow  int `yaml:"refresh_low"`
	RefreshHigh int `yaml:"refresh_high"`

	// MqttBroker enables the push publisher when set (e.g. "tcp://localhost:1883")
	MqttBroker string `yaml:"mqtt_broker"`
	// MqttClientID identifies this gateway to the broker
	MqttClientID string `yaml:"mqtt_client_id"`
	// MqttTopic is where push record batches are published
	MqttTopic string `yaml:"mqtt_topic"`
	// MqttUsername/MqttPassword are optional broker credentials
	MqttUsername string `yaml:"mqtt_username"`
	MqttPassword string `yaml:"mqtt_password"`
}

// ConfigOption is a function that modifies a Config
type ConfigOption func(*Config) error

// LoadConfig creates a new config by applying the given options in order
func LoadConfig(opts ...ConfigOption) (*Config, error) {
	config := &Config{}

	for _, opt := range opts {
		if err := opt(config); err != nil {
			return nil, err
		}
	}

	return config, nil
}

// WithDefaults applies default configuration values
func WithDefaults() ConfigOption {
	return func(c *Config) error {
		c.BindAddress = "0.0.0.0:8080"
		c.DeviceAddr = "127.0.0.1:48631"
		c.BaudRate = 57600
		c.LogLevel = "info"
		c.ResponseTimeout = Duration(2 * time.Second)
		c.ReconnectDelay = Duration(5 * time.Second)
		c.MqttClientID = "dsp-gw-1"
		c.MqttTopic = "dsp/pushes"
		return nil
	}
}

// WithFile loads configuration from a YAML file. An empty path is a
// no-op so the option can be applied unconditionally.
func WithFile(path string) ConfigOption {
	return func(c *Config) error {
		if path == "" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parse config file %s: %w", path, err)
		}
		return nil
	}
}

// WithEnv loads configuration from environment variables
func WithEnv() ConfigOption {
	return func(c *Config) error {
		if addr := os.Getenv("BIND_ADDRESS"); addr != "" {
			c.BindAddress = addr
		}

		if addr := os.Getenv("DEVICE_ADDR"); addr != "" {
			c.DeviceAddr = addr
		}

		if port := os.Getenv("SERIAL_PORT"); port != "" {
			c.SerialPort = port
		}

		if baud := os.Getenv("BAUD_RATE"); baud != "" {
			if b, err := strconv.Atoi(baud); err == nil {
				c.BaudRate = b
			}
		}

		if level := os.Getenv("LOG_LEVEL"); level != "" {
			c.LogLevel = level
		}

		if broker := os.Getenv("MQTT_BROKER"); broker != "" {
			c.MqttBroker = broker
		}

		if id := os.Getenv("MQTT_CLIENT_ID"); id != "" {
			c.MqttClientID = id
		}

		if topic := os.Getenv("MQTT_TOPIC"); topic != "" {
			c.MqttTopic = topic
		}

		if user := os.Getenv("MQTT_USERNAME"); user != "" {
			c.MqttUsername = user
		}

		if pass := os.Getenv("MQTT_PASSWORD"); pass != "" {
			c.MqttPassword = pass
		}

		return nil
	}
}

// WithFlags loads configuration from command-line flags
func WithFlags(fSet *flag.FlagSet) ConfigOption {
	return func(c *Config) error {
		fSet.Visit(func(f *flag.Flag) {
			switch f.Name {
			case "bind-address":
				c.BindAddress = f.Value.String()
			case "device-addr":
				c.DeviceAddr = f.Value.String()
			case "serial-port":
				c.SerialPort = f.Value.String()
			case "baud-rate":
				if b, err := strconv.Atoi(f.Value.String()); err == nil {
					c.BaudRate = b
				}
			case "log-level":
				c.LogLevel = f.Value.String()
			case "mqtt-broker":
				c.MqttBroker = f.Value.String()
			case "refresh-low":
				if n, err := strconv.Atoi(f.Value.String()); err == nil {
					c.RefreshLow = n
				}
			case "refresh-high":
				if n, err := strconv.Atoi(f.Value.String()); err == nil {
					c.RefreshHigh = n
				}
			}
		})
		return nil
	}
}
