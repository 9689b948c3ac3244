// Package config holds the node configuration, filled from CLI flags and
// optionally from a config file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Role is the node's place in the star.
type Role string

const (
	RoleHub   Role = "hub"
	RoleSpoke Role = "spoke"
)

// TransportKind selects the concrete link implementation.
type TransportKind string

const (
	TransportWS  TransportKind = "ws"
	TransportRTC TransportKind = "rtc"
)

// Config stores every parameter a node needs to start.
type Config struct {
	Role      Role          `mapstructure:"role"`
	Transport TransportKind `mapstructure:"transport"`

	// Listen is the hub's bind address, e.g. ":8080".
	Listen string `mapstructure:"listen"`
	// URL is the spoke's hub endpoint.
	URL string `mapstructure:"url"`

	// Relay enables hub-mediated spoke-to-spoke traffic and membership
	// announcements.
	Relay bool `mapstructure:"relay"`
	// Root is the absolute path prefix that path simplification accepts.
	Root string `mapstructure:"root"`

	PollInterval  time.Duration `mapstructure:"poll_interval"`
	StatsInterval time.Duration `mapstructure:"stats_interval"`

	// ICEServers are STUN/TURN URLs for the rtc transport.
	ICEServers []string `mapstructure:"ice_servers"`

	// LogLevel: debug, info, warn or error.
	LogLevel string `mapstructure:"log_level"`
}

// DefaultICEServers are public STUN servers. No TURN: links are expected to
// connect directly.
var DefaultICEServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// Default returns a hub over WebSocket with relay on.
func Default() *Config {
	return &Config{
		Role:          RoleHub,
		Transport:     TransportWS,
		Listen:        ":0",
		Relay:         true,
		Root:          "/root",
		PollInterval:  10 * time.Millisecond,
		StatsInterval: time.Second,
		ICEServers:    slices.Clone(DefaultICEServers),
		LogLevel:      "info",
	}
}

// Load is Read followed by Validate.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read decodes configuration from path, or from relaymesh.{yaml,toml,json} in
// the working directory or ~/.relaymesh when path is empty. A missing file
// is not an error. Environment variables override file values with the
// prefix RELAYMESH, e.g. RELAYMESH_LOG_LEVEL=debug. The result is not
// validated, so CLI flags can still complete it.
func Read(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("RELAYMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("role", string(cfg.Role))
	v.SetDefault("transport", string(cfg.Transport))
	v.SetDefault("listen", cfg.Listen)
	v.SetDefault("url", cfg.URL)
	v.SetDefault("relay", cfg.Relay)
	v.SetDefault("root", cfg.Root)
	v.SetDefault("poll_interval", cfg.PollInterval)
	v.SetDefault("stats_interval", cfg.StatsInterval)
	v.SetDefault("ice_servers", cfg.ICEServers)
	v.SetDefault("log_level", cfg.LogLevel)

	if path == "" {
		path = os.Getenv("RELAYMESH_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("relaymesh")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".relaymesh"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	// Every key is seeded above; decoding into a zero value keeps file lists
	// from merging with the default ones.
	out := &Config{}
	if err := v.Unmarshal(out); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return out, nil
}

// Validate normalizes case and checks that the role has what it needs.
func (c *Config) Validate() error {
	c.Role = Role(strings.ToLower(strings.TrimSpace(string(c.Role))))
	c.Transport = TransportKind(strings.ToLower(strings.TrimSpace(string(c.Transport))))
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))

	switch c.Role {
	case RoleHub:
		if c.Listen == "" {
			return errors.New("config: hub needs a listen address")
		}
	case RoleSpoke:
		if c.URL == "" {
			return errors.New("config: spoke needs a hub url")
		}
		u, err := NormalizeWSURL(c.URL)
		if err != nil {
			return err
		}
		c.URL = u
	default:
		return fmt.Errorf("config: invalid role %q (hub or spoke)", c.Role)
	}

	switch c.Transport {
	case TransportWS, TransportRTC:
	default:
		return fmt.Errorf("config: invalid transport %q (ws or rtc)", c.Transport)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("config: invalid log_level %q", c.LogLevel)
	}

	if !strings.HasPrefix(c.Root, "/") {
		return fmt.Errorf("config: root %q must be absolute", c.Root)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("config: poll_interval must be positive, got %s", c.PollInterval)
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = time.Second
	}
	return nil
}

// NormalizeWSURL accepts a bare host, http(s) or ws(s) URL and returns the
// WebSocket endpoint URL. Schemes other than ws map to wss.
func NormalizeWSURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "wss://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid WebSocket URL: %s", raw)
	}
	scheme := "wss"
	if u.Scheme == "ws" || u.Scheme == "http" {
		scheme = "ws"
	}
	return fmt.Sprintf("%s://%s/ws", scheme, u.Host), nil
}
