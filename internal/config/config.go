// Package config loads the instance configuration: YAML file, environment
// overrides, then validation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Service struct {
		Name        string `yaml:"name"`
		Environment string `yaml:"environment"`
	} `yaml:"service"`

	HTTP     HTTPConfig     `yaml:"http"`
	Pilot    PilotConfig    `yaml:"pilot"`
	Relay    RelayConfig    `yaml:"relay"`
	ICE      ICEConfig      `yaml:"ice"`
	Log      LogConfig      `yaml:"log"`
	EventLog EventLogConfig `yaml:"event_log"`
}

// HTTPConfig represents the HTTP/WebSocket server configuration
type HTTPConfig struct {
	Address         string        `yaml:"address" validate:"required"`
	WsPath          string        `yaml:"ws_path" validate:"required,startswith=/"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// PilotConfig represents the pilot center connection configuration
type PilotConfig struct {
	URL               string        `yaml:"url" validate:"required,url"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// RelayConfig represents the inter-instance UDP relay configuration
type RelayConfig struct {
	BindIP      string `yaml:"bind_ip" validate:"required,ip"`
	AdvertiseIP string `yaml:"advertise_ip" validate:"required,ip"`
	PortMin     uint16 `yaml:"port_min" validate:"required"`
	PortMax     uint16 `yaml:"port_max" validate:"required,gtefield=PortMin"`

	// Discard percents drop that share of relay packets, for loss-recovery
	// testing. Zero in production.
	RecvDiscardPercent int `yaml:"recv_discard_percent" validate:"min=0,max=100"`
	SendDiscardPercent int `yaml:"send_discard_percent" validate:"min=0,max=100"`
}

// ICEConfig represents the candidates advertised in every answer SDP
type ICEConfig struct {
	Candidates []CandidateConfig `yaml:"candidates" validate:"min=1,dive"`
}

// CandidateConfig is one host candidate
type CandidateConfig struct {
	IP         string `yaml:"ip" validate:"required,ip"`
	Port       uint16 `yaml:"port" validate:"required"`
	Foundation uint32 `yaml:"foundation"`
	Priority   uint32 `yaml:"priority"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error"`
	Format string `yaml:"format" validate:"oneof=text json"`
}

// EventLogConfig represents the JSON-line event log output
type EventLogConfig struct {
	Path string `yaml:"path"`
}

func defaults() *Config {
	cfg := &Config{
		HTTP: HTTPConfig{
			Address:         ":8086",
			WsPath:          "/ws",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
		},
		Pilot: PilotConfig{
			URL:               "ws://127.0.0.1:9001/pilot",
			ReconnectInterval: 3 * time.Second,
		},
		Relay: RelayConfig{
			BindIP:      "0.0.0.0",
			AdvertiseIP: "127.0.0.1",
			PortMin:     30000,
			PortMax:     30999,
		},
		ICE: ICEConfig{
			Candidates: []CandidateConfig{
				{IP: "127.0.0.1", Port: 7000, Foundation: 1, Priority: 2130706431},
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
	cfg.Service.Name = "rtcpilot"
	cfg.Service.Environment = "development"
	return cfg
}

// Load loads the configuration from a file, applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvironmentOverrides(cfg)

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnvironmentOverrides applies environment overrides
func applyEnvironmentOverrides(cfg *Config) {
	if addr := os.Getenv("HTTP_ADDRESS"); addr != "" {
		cfg.HTTP.Address = addr
	}
	if url := os.Getenv("PILOT_URL"); url != "" {
		cfg.Pilot.URL = url
	}
	if ip := os.Getenv("RELAY_BIND_IP"); ip != "" {
		cfg.Relay.BindIP = ip
	}
	if ip := os.Getenv("RELAY_ADVERTISE_IP"); ip != "" {
		cfg.Relay.AdvertiseIP = ip
	}
	if port := os.Getenv("RELAY_PORT_MIN"); port != "" {
		if v, err := strconv.ParseUint(port, 10, 16); err == nil {
			cfg.Relay.PortMin = uint16(v)
		}
	}
	if port := os.Getenv("RELAY_PORT_MAX"); port != "" {
		if v, err := strconv.ParseUint(port, 10, 16); err == nil {
			cfg.Relay.PortMax = uint16(v)
		}
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if env := os.Getenv("ENVIRONMENT"); env != "" {
		cfg.Service.Environment = env
	}
}
