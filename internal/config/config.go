// Package config loads the teleoperation stack's configuration: a YAML
// file over documented defaults, with GO2_* environment overrides on
// top. The defaults match the stock robot network, so every command
// runs with no file at all.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Transport names accepted by Transport.Default.
const (
	TransportWebRTC = "webrtc"
	TransportBridge = "bridge"
	TransportDDS    = "dds"
)

// Config is the full teleoperation configuration.
type Config struct {
	Robot     Robot     `yaml:"robot"`
	Transport Transport `yaml:"transport"`
	Control   Control   `yaml:"control"`
	Logging   Logging   `yaml:"logging"`
}

// Robot identifies the machines on the robot's network.
type Robot struct {
	IP          string `yaml:"ip"`
	CompanionIP string `yaml:"companion_ip"`
	Serial      string `yaml:"serial,omitempty"`
}

// Transport selects the default link driver and carries the port
// layout the drivers dial.
type Transport struct {
	Default     string `yaml:"default"`
	SignalPort  int    `yaml:"signal_port"`
	BridgePort  int    `yaml:"bridge_port"`
	CommandPort int    `yaml:"command_port"`
	StatePort   int    `yaml:"state_port"`

	Reconnect Reconnect `yaml:"reconnect"`
	Heartbeat Heartbeat `yaml:"heartbeat"`
}

// Reconnect is the redial policy after a lost link.
type Reconnect struct {
	MaxAttempts int `yaml:"max_attempts"`
	BaseDelayMs int `yaml:"base_delay_ms"`
	MaxDelayMs  int `yaml:"max_delay_ms"`
}

func (r Reconnect) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMs) * time.Millisecond
}

func (r Reconnect) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMs) * time.Millisecond
}

// Heartbeat is the liveness probe policy on an established link.
type Heartbeat struct {
	IntervalMs int `yaml:"interval_ms"`
	MissBudget int `yaml:"miss_budget"`
}

func (h Heartbeat) Interval() time.Duration {
	return time.Duration(h.IntervalMs) * time.Millisecond
}

// Control tunes the operator loop.
type Control struct {
	TickRateHz int     `yaml:"tick_rate_hz"`
	Deadzone   float64 `yaml:"deadzone"`
}

// Logging selects level and optional file output.
type Logging struct {
	Level string `yaml:"level"`
	File  string `yaml:"file,omitempty"`
}

// Default returns the stock-network configuration.
func Default() *Config {
	return &Config{
		Robot: Robot{
			IP:          "192.168.123.161",
			CompanionIP: "192.168.123.18",
		},
		Transport: Transport{
			Default:     TransportWebRTC,
			SignalPort:  9991,
			BridgePort:  8765,
			CommandPort: 5555,
			StatePort:   5556,
			Reconnect:   Reconnect{MaxAttempts: 5, BaseDelayMs: 1000, MaxDelayMs: 16000},
			Heartbeat:   Heartbeat{IntervalMs: 1000, MissBudget: 3},
		},
		Control: Control{TickRateHz: 50, Deadzone: 0.15},
		Logging: Logging{Level: "info"},
	}
}

// Load reads a YAML file over the defaults, applies environment
// overrides and validates the result. An empty path skips the file and
// loads defaults plus environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv lets GO2_* variables override file values for one-off
// sessions without editing the file.
func (c *Config) applyEnv() error {
	if v := os.Getenv("GO2_ROBOT_IP"); v != "" {
		c.Robot.IP = v
	}
	if v := os.Getenv("GO2_COMPANION_IP"); v != "" {
		c.Robot.CompanionIP = v
	}
	if v := os.Getenv("GO2_SERIAL"); v != "" {
		c.Robot.Serial = v
	}
	if v := os.Getenv("GO2_TRANSPORT"); v != "" {
		c.Transport.Default = v
	}
	if v := os.Getenv("GO2_BRIDGE_PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: GO2_BRIDGE_PORT %q: %w", v, err)
		}
		c.Transport.BridgePort = p
	}
	if v := os.Getenv("GO2_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	return nil
}

// Validate rejects configurations the stack cannot run with.
func (c *Config) Validate() error {
	if net.ParseIP(c.Robot.IP) == nil {
		return fmt.Errorf("config: robot.ip %q is not an IP address", c.Robot.IP)
	}
	if net.ParseIP(c.Robot.CompanionIP) == nil {
		return fmt.Errorf("config: robot.companion_ip %q is not an IP address", c.Robot.CompanionIP)
	}

	switch c.Transport.Default {
	case TransportWebRTC, TransportBridge, TransportDDS:
	default:
		return fmt.Errorf("config: transport.default %q, want %s, %s or %s",
			c.Transport.Default, TransportWebRTC, TransportBridge, TransportDDS)
	}

	ports := []struct {
		name string
		port int
	}{
		{"signal_port", c.Transport.SignalPort},
		{"bridge_port", c.Transport.BridgePort},
		{"command_port", c.Transport.CommandPort},
		{"state_port", c.Transport.StatePort},
	}
	for _, p := range ports {
		if p.port < 1 || p.port > 65535 {
			return fmt.Errorf("config: transport.%s %d out of range", p.name, p.port)
		}
	}
	if c.Transport.CommandPort == c.Transport.StatePort {
		return fmt.Errorf("config: command_port and state_port are both %d", c.Transport.CommandPort)
	}

	if r := c.Transport.Reconnect; r.MaxAttempts < 1 || r.BaseDelayMs < 1 || r.MaxDelayMs < r.BaseDelayMs {
		return fmt.Errorf("config: reconnect policy %d attempts, %d ms base, %d ms cap",
			r.MaxAttempts, r.BaseDelayMs, r.MaxDelayMs)
	}
	if h := c.Transport.Heartbeat; h.IntervalMs < 1 || h.MissBudget < 1 {
		return fmt.Errorf("config: heartbeat policy %d ms interval, %d miss budget",
			h.IntervalMs, h.MissBudget)
	}

	if c.Control.TickRateHz < 1 || c.Control.TickRateHz > 500 {
		return fmt.Errorf("config: control.tick_rate_hz %d out of range", c.Control.TickRateHz)
	}
	if c.Control.Deadzone < 0 || c.Control.Deadzone >= 1 {
		return fmt.Errorf("config: control.deadzone %v out of range", c.Control.Deadzone)
	}
	return nil
}

// BridgeURL is the websocket endpoint on the companion computer.
func (c *Config) BridgeURL() string {
	return fmt.Sprintf("ws://%s:%d", c.Robot.CompanionIP, c.Transport.BridgePort)
}
