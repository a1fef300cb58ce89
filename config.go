package basp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v2"
)

// PeerConfig is an outbound connection made at startup.
type PeerConfig struct {
	Addr       string   `yaml:"addr"`
	Interfaces []string `yaml:"interfaces"`
}

// Config is the on-disk node configuration.
type Config struct {
	Listen            string       `yaml:"listen"`
	Transport         string       `yaml:"transport"`
	Interfaces        []string     `yaml:"interfaces"`
	Peers             []PeerConfig `yaml:"peers"`
	AdminAddr         string       `yaml:"admin_addr"`
	LogLevel          string       `yaml:"log_level"`
	LogFormat         string       `yaml:"log_format"`
	MaxPayload        uint32       `yaml:"max_payload"`
	EventQueue        int          `yaml:"event_queue"`
	MailboxSize       int          `yaml:"mailbox_size"`
	RequestTimeout    string       `yaml:"request_timeout"`
	ReadTimeout       string       `yaml:"read_timeout"`
	VersionConstraint string       `yaml:"version_constraint"`
}

// LoadConfig reads a YAML config file. Missing fields keep their defaults.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:4242"
	}
	if cfg.Transport == "" {
		cfg.Transport = "tcp"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	return cfg, nil
}

// Options maps the file onto broker and runtime options.
func (c Config) Options() ([]Option, error) {
	var opts []Option

	switch c.Transport {
	case "tcp", "quic":
		opts = append(opts, WithTransport(c.Transport))
	default:
		return nil, fmt.Errorf("config: unknown transport %q", c.Transport)
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if c.AdminAddr != "" {
		opts = append(opts, WithAdminAddr(c.AdminAddr))
	}
	if c.MaxPayload > 0 {
		opts = append(opts, WithMaxPayload(c.MaxPayload))
	}
	if c.EventQueue > 0 {
		opts = append(opts, WithEventQueueSize(c.EventQueue))
	}
	if c.MailboxSize > 0 {
		opts = append(opts, WithMailboxSize(c.MailboxSize))
	}
	if c.RequestTimeout != "" {
		d, err := time.ParseDuration(c.RequestTimeout)
		if err != nil {
			return nil, fmt.Errorf("config: request_timeout: %w", err)
		}
		opts = append(opts, WithRequestTimeout(d))
	}
	if c.ReadTimeout != "" {
		d, err := time.ParseDuration(c.ReadTimeout)
		if err != nil {
			return nil, fmt.Errorf("config: read_timeout: %w", err)
		}
		opts = append(opts, WithReadTimeout(d))
	}
	if c.VersionConstraint != "" {
		opts = append(opts, WithVersionConstraint(c.VersionConstraint))
	}
	return opts, nil
}

// WatchConfig calls fn with the reloaded config each time the file at path
// is written or replaced, until ctx is done. Parse errors are logged and
// skipped.
func WatchConfig(ctx context.Context, path string, fn func(Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	defer w.Close()

	// Watch the directory: editors often replace the file instead of
	// writing it in place.
	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("config watch %s: %w", path, err)
	}
	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			cfg, err := LoadConfig(path)
			if err != nil {
				slog.Warn("config reload failed", "path", path, "error", err)
				continue
			}
			slog.Info("config reloaded", "path", path)
			fn(cfg)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			slog.Warn("config watch error", "path", path, "error", err)
		}
	}
}
