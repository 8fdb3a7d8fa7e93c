package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Config is everything a peer needs to start. Zero values are replaced by
// Default() before a file or the environment is applied.
type Config struct {
	// ListenAddr is the TCP address the inbound handler binds.
	ListenAddr string `toml:"listen_addr" yaml:"listen_addr"`

	// AdvertiseAddr is sent in Hello; defaults to the bound listen address.
	AdvertiseAddr string `toml:"advertise_addr" yaml:"advertise_addr"`

	ShareDir string   `toml:"share_dir" yaml:"share_dir"`
	Peers    []string `toml:"peers" yaml:"peers"`

	Workers       int      `toml:"workers" yaml:"workers"`
	BlockDeadline Duration `toml:"block_deadline" yaml:"block_deadline"`
	DialTimeout   Duration `toml:"dial_timeout" yaml:"dial_timeout"`
	IOTimeout     Duration `toml:"io_timeout" yaml:"io_timeout"`
	Proxy         string   `toml:"proxy" yaml:"proxy"`

	Watch           bool     `toml:"watch" yaml:"watch"`
	HistoryPath     string   `toml:"history_path" yaml:"history_path"`
	MetricsInterval Duration `toml:"metrics_interval" yaml:"metrics_interval"`

	LogLevel string `toml:"log_level" yaml:"log_level"`
	LogFile  string `toml:"log_file" yaml:"log_file"`
}

// Duration accepts "5s"-style strings in config files.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func Default() Config {
	return Config{
		ListenAddr:    "127.0.0.1:8001",
		ShareDir:      "shared",
		Workers:       5,
		BlockDeadline: Duration{5 * time.Second},
		DialTimeout:   Duration{3 * time.Second},
		IOTimeout:     Duration{10 * time.Second},
		Watch:         true,
	}
}

// Load reads path over the defaults. The format is chosen by extension:
// .yaml/.yml for YAML, anything else as TOML.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	default:
		_, err = toml.Decode(string(data), &cfg)
	}
	if err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from P2P_* environment variables.
func (c *Config) ApplyEnv() {
	if v := strings.TrimSpace(os.Getenv("P2P_LISTEN_ADDR")); v != "" {
		c.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("P2P_SHARE_DIR")); v != "" {
		c.ShareDir = v
	}
	if v := strings.TrimSpace(os.Getenv("P2P_LOG_LEVEL")); v != "" {
		c.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("P2P_PROXY")); v != "" {
		c.Proxy = v
	}
}

func (c Config) Validate() error {
	if c.ShareDir == "" {
		return fmt.Errorf("share_dir must be set")
	}
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("invalid listen_addr %q: %w", c.ListenAddr, err)
	}
	if c.AdvertiseAddr != "" {
		if _, _, err := net.SplitHostPort(c.AdvertiseAddr); err != nil {
			return fmt.Errorf("invalid advertise_addr %q: %w", c.AdvertiseAddr, err)
		}
	}
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.BlockDeadline.Duration <= 0 {
		return fmt.Errorf("block_deadline must be positive")
	}
	if c.DialTimeout.Duration <= 0 || c.IOTimeout.Duration <= 0 {
		return fmt.Errorf("dial_timeout and io_timeout must be positive")
	}
	if c.Proxy != "" {
		u, err := url.Parse(c.Proxy)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid proxy url %q", c.Proxy)
		}
	}
	return nil
}
