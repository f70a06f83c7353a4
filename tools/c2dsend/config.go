package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Thejuampi/iothub-client-go/iothub"
)

// Duration wraps time.Duration to read "30s" style YAML strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration strings like "5s" or "1m".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return fmt.Errorf("decode duration: %w", err)
	}
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// LoggingConfig selects the log level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the file form of the command line.
type Config struct {
	ConnectionString  string            `yaml:"connection_string"`
	DeviceID          string            `yaml:"device_id"`
	ModuleID          string            `yaml:"module_id,omitempty"`
	Ack               string            `yaml:"ack,omitempty"`
	Timeout           Duration          `yaml:"timeout,omitempty"`
	Transport         string            `yaml:"transport,omitempty"`
	WebSocketFallback *bool             `yaml:"websocket_fallback,omitempty"`
	WaitFeedback      Duration          `yaml:"wait_feedback,omitempty"`
	Properties        map[string]string `yaml:"properties,omitempty"`
	Logging           LoggingConfig     `yaml:"logging"`
}

func defaultConfig() Config {
	return Config{
		Ack:       string(iothub.AckNone),
		Timeout:   Duration{time.Minute},
		Transport: iothub.TransportAMQPS.String(),
		Logging:   LoggingConfig{Level: "info", Format: "text"},
	}
}

// loadConfig reads path over the defaults. An empty path returns the
// defaults.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path) // #nosec G304 -- path is operator input
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func (cfg Config) validate() error {
	if cfg.ConnectionString == "" {
		return fmt.Errorf("connection string is required")
	}
	if cfg.DeviceID == "" {
		return fmt.Errorf("device id is required")
	}
	if _, err := parseAck(cfg.Ack); err != nil {
		return err
	}
	if _, err := cfg.transportConfig(); err != nil {
		return err
	}
	if cfg.Timeout.Duration <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", cfg.Timeout.Duration)
	}
	return nil
}

func (cfg Config) transportConfig() (iothub.TransportConfig, error) {
	transport := iothub.DefaultTransportConfig()
	switch cfg.Transport {
	case "", iothub.TransportAMQPS.String():
		transport.Protocol = iothub.TransportAMQPS
	case iothub.TransportAMQPWebSocket.String():
		transport.Protocol = iothub.TransportAMQPWebSocket
		transport.WebSocketFallback = false
	default:
		return transport, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
	if cfg.WebSocketFallback != nil {
		transport.WebSocketFallback = *cfg.WebSocketFallback
	}
	return transport, nil
}

func parseAck(raw string) (iothub.AckType, error) {
	switch ack := iothub.AckType(raw); ack {
	case "", iothub.AckNone:
		return iothub.AckNone, nil
	case iothub.AckPositive, iothub.AckNegative, iothub.AckFull:
		return ack, nil
	}
	return "", fmt.Errorf("unknown ack %q (none, positive, negative, full)", raw)
}
