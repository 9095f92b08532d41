package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	DiscoveryPluggable = "pluggable"
	DiscoverySerial    = "serial"
	DiscoveryNone      = "none"
)

var ErrInvalid = errors.New("invalid config")

type Config struct {
	SocketPath     string          `mapstructure:"socket_path" yaml:"socket_path"`
	DBPath         string          `mapstructure:"db_path" yaml:"db_path"`
	BoardProtocols []string        `mapstructure:"board_protocols" yaml:"board_protocols"`
	BoardIDs       []BoardID       `mapstructure:"board_ids" yaml:"board_ids,omitempty"`
	Discovery      DiscoveryConfig `mapstructure:"discovery" yaml:"discovery"`
	Monitor        MonitorConfig   `mapstructure:"monitor" yaml:"monitor"`
}

// BoardID maps a USB vendor/product pair to a board.
type BoardID struct {
	VID  string `mapstructure:"vid" yaml:"vid"`
	PID  string `mapstructure:"pid" yaml:"pid"`
	FQBN string `mapstructure:"fqbn" yaml:"fqbn"`
	Name string `mapstructure:"name" yaml:"name"`
}

type DiscoveryConfig struct {
	Mode         string        `mapstructure:"mode" yaml:"mode"`
	Command      string        `mapstructure:"command" yaml:"command,omitempty"`
	Args         []string      `mapstructure:"args" yaml:"args,omitempty"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	StopTimeout  time.Duration `mapstructure:"stop_timeout" yaml:"stop_timeout"`
}

type MonitorConfig struct {
	StartAttempts        int           `mapstructure:"start_attempts" yaml:"start_attempts"`
	RetryInterval        time.Duration `mapstructure:"retry_interval" yaml:"retry_interval"`
	StartTimeout         time.Duration `mapstructure:"start_timeout" yaml:"start_timeout"`
	FlushInterval        time.Duration `mapstructure:"flush_interval" yaml:"flush_interval"`
	PauseTimeout         time.Duration `mapstructure:"pause_timeout" yaml:"pause_timeout"`
	SubscriberQueueLimit int           `mapstructure:"subscriber_queue_limit" yaml:"subscriber_queue_limit"`
}

func DefaultConfig() Config {
	return Config{
		SocketPath:     defaultSocketPath(),
		DBPath:         defaultDBPath(),
		BoardProtocols: []string{"serial", "network"},
		BoardIDs: []BoardID{
			{VID: "0x2341", PID: "0x0043", FQBN: "arduino:avr:uno", Name: "Arduino Uno"},
			{VID: "0x2341", PID: "0x0001", FQBN: "arduino:avr:uno", Name: "Arduino Uno"},
			{VID: "0x2341", PID: "0x0042", FQBN: "arduino:avr:mega", Name: "Arduino Mega or Mega 2560"},
			{VID: "0x2341", PID: "0x8036", FQBN: "arduino:avr:leonardo", Name: "Arduino Leonardo"},
			{VID: "0x2341", PID: "0x0036", FQBN: "arduino:avr:leonardo", Name: "Arduino Leonardo"},
			{VID: "0x2341", PID: "0x804d", FQBN: "arduino:samd:arduino_zero_native", Name: "Arduino Zero (Native USB Port)"},
			{VID: "0x2341", PID: "0x8057", FQBN: "arduino:samd:nano_33_iot", Name: "Arduino NANO 33 IoT"},
		},
		Discovery: DiscoveryConfig{
			Mode:         DiscoverySerial,
			PollInterval: 1 * time.Second,
			StopTimeout:  2 * time.Second,
		},
		Monitor: MonitorConfig{
			StartAttempts:        10,
			RetryInterval:        2 * time.Second,
			StartTimeout:         30 * time.Second,
			FlushInterval:        32 * time.Millisecond,
			PauseTimeout:         2 * time.Second,
			SubscriberQueueLimit: 4096,
		},
	}
}

// Validate rejects configs the daemon cannot run with.
func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.SocketPath) == "" {
		problems = append(problems, "socket_path is required")
	}
	if strings.TrimSpace(c.DBPath) == "" {
		problems = append(problems, "db_path is required")
	}
	switch c.Discovery.Mode {
	case DiscoverySerial, DiscoveryNone:
	case DiscoveryPluggable:
		if strings.TrimSpace(c.Discovery.Command) == "" {
			problems = append(problems, "discovery.command is required in pluggable mode")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown discovery.mode %q", c.Discovery.Mode))
	}
	if c.Discovery.PollInterval <= 0 {
		problems = append(problems, "discovery.poll_interval must be positive")
	}
	if c.Monitor.StartAttempts <= 0 {
		problems = append(problems, "monitor.start_attempts must be positive")
	}
	for name, d := range map[string]time.Duration{
		"monitor.retry_interval": c.Monitor.RetryInterval,
		"monitor.start_timeout":  c.Monitor.StartTimeout,
		"monitor.flush_interval": c.Monitor.FlushInterval,
		"monitor.pause_timeout":  c.Monitor.PauseTimeout,
	} {
		if d <= 0 {
			problems = append(problems, name+" must be positive")
		}
	}
	if c.Monitor.SubscriberQueueLimit <= 0 {
		problems = append(problems, "monitor.subscriber_queue_limit must be positive")
	}
	if len(problems) == 0 {
		return nil
	}
	sort.Strings(problems)
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
}

func defaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, "boardmon", "boardmond.sock")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".boardmond.sock"
	}
	return filepath.Join(home, ".local", "state", "boardmon", "boardmond.sock")
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "boardmon.db"
	}
	return filepath.Join(home, ".local", "state", "boardmon", "state.db")
}
