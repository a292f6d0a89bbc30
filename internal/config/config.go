// Package config loads peer and tracker settings from an optional TOML file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	pionwebrtc "github.com/pion/webrtc/v3"
	"github.com/rudransh-shrivastava/peer-touch/internal/transport/webrtc"
	"github.com/sirupsen/logrus"
)

var (
	ErrTrackerURL     = errors.New("tracker_url must be a ws:// or wss:// URL")
	ErrLogLevel       = errors.New("log_level must be one of debug, info, warn, error")
	ErrConnectTimeout = errors.New("connect_timeout must be positive")
	ErrListenAddr     = errors.New("listen_addr must not be empty")
)

type Config struct {
	TrackerURL     string
	ListenAddr     string
	STUNServers    []string
	IdentityDB     string
	LogLevel       string
	ConnectTimeout time.Duration
}

type fileConfig struct {
	TrackerURL     string   `toml:"tracker_url"`
	ListenAddr     string   `toml:"listen_addr"`
	STUNServers    []string `toml:"stun_servers"`
	IdentityDB     string   `toml:"identity_db"`
	LogLevel       string   `toml:"log_level"`
	ConnectTimeout string   `toml:"connect_timeout"`
}

func Default() Config {
	return Config{
		TrackerURL:     "ws://localhost:8080/ws",
		ListenAddr:     ":8080",
		STUNServers:    append([]string(nil), webrtc.DefaultSTUNServers...),
		IdentityDB:     "peer-touch.sqlite3",
		LogLevel:       "info",
		ConnectTimeout: 30 * time.Second,
	}
}

// Load returns Default overridden by the keys defined in path. An empty path
// yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}

	if meta.IsDefined("tracker_url") {
		cfg.TrackerURL = strings.TrimSpace(raw.TrackerURL)
	}

	if meta.IsDefined("listen_addr") {
		cfg.ListenAddr = strings.TrimSpace(raw.ListenAddr)
	}

	if meta.IsDefined("stun_servers") {
		cfg.STUNServers = normalizeServers(raw.STUNServers)
	}

	if meta.IsDefined("identity_db") {
		cfg.IdentityDB = strings.TrimSpace(raw.IdentityDB)
	}

	if meta.IsDefined("log_level") {
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(raw.LogLevel))
	}

	if meta.IsDefined("connect_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.ConnectTimeout))
		if err != nil {
			return Config{}, fmt.Errorf("parse connect_timeout: %w", err)
		}
		cfg.ConnectTimeout = d
	}

	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("load config: unknown key %q", undecoded[0].String())
	}

	return cfg, nil
}

func (c Config) Validate() error {
	u, err := url.Parse(c.TrackerURL)
	if c.TrackerURL == "" || err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrTrackerURL, c.TrackerURL)
	}

	if strings.TrimSpace(c.ListenAddr) == "" {
		return ErrListenAddr
	}

	switch lvl, err := logrus.ParseLevel(c.LogLevel); {
	case err != nil:
		return fmt.Errorf("%w: %q", ErrLogLevel, c.LogLevel)
	case lvl > logrus.DebugLevel || lvl < logrus.ErrorLevel:
		return fmt.Errorf("%w: %q", ErrLogLevel, c.LogLevel)
	}

	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("%w: %v", ErrConnectTimeout, c.ConnectTimeout)
	}
	return nil
}

func (c Config) WebRTC() pionwebrtc.Configuration {
	return webrtc.Configuration(c.STUNServers)
}

func normalizeServers(in []string) []string {
	out := make([]string, 0, len(in))
	for _, server := range in {
		v := strings.TrimSpace(server)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
