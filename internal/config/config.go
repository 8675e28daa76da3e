package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Monitor MonitorConfig `yaml:"monitor"`
	Catalog CatalogConfig `yaml:"catalog"`
}

type ServerConfig struct {
	Host       string `yaml:"host"`
	WSPort     int    `yaml:"ws_port"`
	HTTPPort   int    `yaml:"http_port"`
	SocketPath string `yaml:"socket_path"`
	PIDFile    string `yaml:"pid_file"`
}

type MonitorConfig struct {
	FocusPollInterval time.Duration `yaml:"focus_poll_interval"`
	MaxIdle           time.Duration `yaml:"max_idle"`
	CleanupInterval   time.Duration `yaml:"cleanup_interval"`
	BroadcastThrottle time.Duration `yaml:"broadcast_throttle"`
	WatchDebounce     time.Duration `yaml:"watch_debounce"`
}

type CatalogConfig struct {
	JaccardThreshold float64 `yaml:"jaccard_threshold"`
	ClaudeDir        string  `yaml:"claude_dir"`
}

// Default returns the built-in configuration. Load layers a YAML file and
// environment overrides on top of these values.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Server: ServerConfig{
			Host:       "127.0.0.1",
			WSPort:     4242,
			HTTPPort:   4243,
			SocketPath: "/tmp/jacques.sock",
			PIDFile:    filepath.Join(home, ".jacques", "server.pid"),
		},
		Monitor: MonitorConfig{
			FocusPollInterval: time.Second,
			MaxIdle:           60 * time.Minute,
			CleanupInterval:   5 * time.Minute,
			BroadcastThrottle: 100 * time.Millisecond,
			WatchDebounce:     500 * time.Millisecond,
		},
		Catalog: CatalogConfig{
			JaccardThreshold: 0.9,
			ClaudeDir:        filepath.Join(home, ".claude"),
		},
	}
}

// Load reads the config file at path, if present, over the defaults and then
// applies environment overrides. A missing file is not an error; a malformed
// file is.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("JACQUES_WS_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Server.WSPort = n
		}
	}
	if v := os.Getenv("JACQUES_HTTP_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Server.HTTPPort = n
		}
	}
	if v := os.Getenv("JACQUES_SOCKET"); v != "" {
		cfg.Server.SocketPath = v
	}
}
