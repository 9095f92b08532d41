package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix is the prefix of environment overrides, e.g. BOARDMON_SOCKET_PATH
// or BOARDMON_MONITOR_START_TIMEOUT.
const EnvPrefix = "BOARDMON"

// Load reads the YAML config at path on top of DefaultConfig. An empty path
// or a missing file yields the defaults (plus environment overrides).
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("socket_path", cfg.SocketPath)
	v.SetDefault("db_path", cfg.DBPath)
	v.SetDefault("board_protocols", cfg.BoardProtocols)
	v.SetDefault("board_ids", cfg.BoardIDs)
	v.SetDefault("discovery.args", cfg.Discovery.Args)
	v.SetDefault("discovery.mode", cfg.Discovery.Mode)
	v.SetDefault("discovery.command", cfg.Discovery.Command)
	v.SetDefault("discovery.poll_interval", cfg.Discovery.PollInterval)
	v.SetDefault("discovery.stop_timeout", cfg.Discovery.StopTimeout)
	v.SetDefault("monitor.start_attempts", cfg.Monitor.StartAttempts)
	v.SetDefault("monitor.retry_interval", cfg.Monitor.RetryInterval)
	v.SetDefault("monitor.start_timeout", cfg.Monitor.StartTimeout)
	v.SetDefault("monitor.flush_interval", cfg.Monitor.FlushInterval)
	v.SetDefault("monitor.pause_timeout", cfg.Monitor.PauseTimeout)
	v.SetDefault("monitor.subscriber_queue_limit", cfg.Monitor.SubscriberQueueLimit)
}

// Write serializes cfg as YAML, creating parent directories.
func Write(path string, cfg Config) error {
	body, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, body, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// DefaultPath is ~/.config/boardmon/config.yaml.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "boardmon.yaml"
	}
	return filepath.Join(home, ".config", "boardmon", "config.yaml")
}
