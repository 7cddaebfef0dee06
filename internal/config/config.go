package config

import (
	"net"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/inconshreveable/log15.v2"
	"gopkg.in/yaml.v3"
)

// Config holds all relay configuration
type Config struct {
	Listen        string   `yaml:"listen"`
	ModuleID      string   `yaml:"module_id"`
	StripTags     *bool    `yaml:"strip_tags"`
	MaxClients    int      `yaml:"max_clients"`
	LogLevel      string   `yaml:"log_level"`
	LogFormat     string   `yaml:"log_format"`
	MetricsListen string   `yaml:"metrics_listen"`
	Upstream      Upstream `yaml:"upstream"`
}

// Upstream describes the Twitch-flavored IRC server every client is relayed to
type Upstream struct {
	Server      string        `yaml:"server"`
	Port        int           `yaml:"port"`
	TLS         bool          `yaml:"tls"`
	TLSInsecure bool          `yaml:"tls_insecure"`
	Pass        string        `yaml:"pass"`
	SocksProxy  string        `yaml:"socks_proxy"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	RateLimit   float64       `yaml:"rate_limit"`
	RateBurst   int           `yaml:"rate_burst"`
}

// Addr is host:port of the upstream server
func (u Upstream) Addr() string {
	return net.JoinHostPort(u.Server, strconv.Itoa(u.Port))
}

// StripsTags reports whether tags are removed from forwarded messages
func (c *Config) StripsTags() bool {
	return c.StripTags == nil || *c.StripTags
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read config file")
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and validates the result
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to parse config file")
	}

	// Set defaults
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:6667"
	}
	if cfg.ModuleID == "" {
		cfg.ModuleID = "twitchrelay"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "logfmt"
	}
	if cfg.Upstream.Server == "" {
		cfg.Upstream.Server = "irc.chat.twitch.tv"
	}
	if cfg.Upstream.Port == 0 {
		if cfg.Upstream.TLS {
			cfg.Upstream.Port = 6697
		} else {
			cfg.Upstream.Port = 6667
		}
	}
	if cfg.Upstream.DialTimeout == 0 {
		cfg.Upstream.DialTimeout = 30 * time.Second
	}
	if cfg.Upstream.RateLimit > 0 && cfg.Upstream.RateBurst == 0 {
		cfg.Upstream.RateBurst = 1
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		return errors.Wrapf(err, "invalid listen address %q", c.Listen)
	}
	if c.MetricsListen != "" {
		if _, _, err := net.SplitHostPort(c.MetricsListen); err != nil {
			return errors.Wrapf(err, "invalid metrics_listen address %q", c.MetricsListen)
		}
	}
	if c.Upstream.Port < 1 || c.Upstream.Port > 65535 {
		return errors.Errorf("upstream port %d out of range", c.Upstream.Port)
	}
	if c.MaxClients < 0 {
		return errors.New("max_clients must not be negative")
	}
	if c.Upstream.RateLimit < 0 || c.Upstream.RateBurst < 0 {
		return errors.New("upstream rate_limit and rate_burst must not be negative")
	}
	if _, err := log15.LvlFromString(c.LogLevel); err != nil {
		return errors.Errorf("unknown log_level %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "logfmt", "json", "terminal":
	default:
		return errors.Errorf("unknown log_format %q", c.LogFormat)
	}
	return nil
}
