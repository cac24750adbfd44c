package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"pwn-gpsd/internal/peercrypt"
	"pwn-gpsd/internal/upstream"
)

const (
	DefaultPort     = 7492
	DefaultStateDir = "/etc/pwnagotchi/pwn_gpsd"
	DefaultPassword = "Friendship"
	// NoUpstream disables the upstream connection (fusion-only mode).
	NoUpstream = "none"
)

type Config struct {
	Listen   ListenConfig   `yaml:"listen"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Filter   FilterConfig   `yaml:"filter"`
	Peers    PeersConfig    `yaml:"peers"`
	Track    TrackConfig    `yaml:"track"`
	Web      WebConfig      `yaml:"web"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
	UDP      UDPConfig      `yaml:"udp"`
	Log      LogConfig      `yaml:"log"`
	Loop     LoopConfig     `yaml:"loop"`
}

type ListenConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// BindAttempts bounds the startup bind retries.
	BindAttempts   int `yaml:"bind_attempts"`
	AcceptAttempts int `yaml:"accept_attempts"`
	MaxQueueBytes  int `yaml:"max_queue_bytes"`
	// WriteTimeout is the per-write deadline on client sockets.
	WriteTimeout time.Duration `yaml:"write_timeout"`
	MaxStalls    int           `yaml:"max_stalls"`
}

type UpstreamConfig struct {
	// Server is host:port, gpsd://host[:port], serial:///dev/tty?baud=N, or "none".
	Server      string        `yaml:"server"`
	Reconnect   bool          `yaml:"reconnect"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	MaxLineKB   int           `yaml:"max_line_kb"`
}

type FilterConfig struct {
	MinPeriod    time.Duration `yaml:"min_period"`
	Heartbeat    time.Duration `yaml:"heartbeat"`
	Decimals     int           `yaml:"decimals"`
	AltPrecision float64       `yaml:"alt_precision"`
}

type PeersConfig struct {
	Share      bool          `yaml:"share"`
	UseShared  bool          `yaml:"use_shared"`
	Password   string        `yaml:"password"`
	Cipher     string        `yaml:"cipher"`
	PwngridURL string        `yaml:"pwngrid_url"`
	Interval   time.Duration `yaml:"interval"`
	// DirectFixTTL is how long a direct fix suppresses peer fusion.
	DirectFixTTL     time.Duration `yaml:"direct_fix_ttl"`
	DowngradeWindow  time.Duration `yaml:"downgrade_window"`
	ShareMinInterval time.Duration `yaml:"share_min_interval"`
	TokenTTL         time.Duration `yaml:"token_ttl"`
	CacheTTL         time.Duration `yaml:"cache_ttl"`
}

type TrackConfig struct {
	StateDir     string `yaml:"state_dir"`
	HandshakeDir string `yaml:"handshake_dir"`
	RecentDays   int    `yaml:"recent_days"`
	// ReloadInterval is the minimum time between track file re-reads.
	ReloadInterval time.Duration `yaml:"reload_interval"`
}

type WebConfig struct {
	Enable bool   `yaml:"enable"`
	Listen string `yaml:"listen"`
}

type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	Topic    string `yaml:"topic"`
	ClientID string `yaml:"client_id"`
}

type UDPConfig struct {
	// Dest receives each accepted position as a TPV datagram, e.g. 192.168.44.255:4949.
	Dest string `yaml:"dest"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

type LoopConfig struct {
	PollTimeout time.Duration `yaml:"poll_timeout"`
	// Iterations stops the loop after N wakeups. Zero or negative runs forever.
	Iterations int `yaml:"iterations"`
}

// Default returns a configuration with every default applied.
func Default() Config {
	var cfg Config
	cfg.Upstream.Server = upstream.DefaultAddr
	if err := cfg.applyDefaults(); err != nil {
		panic(err)
	}
	return cfg
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

func Parse(b []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		var te *yaml.TypeError
		if errors.As(err, &te) {
			return Config{}, fmt.Errorf("config contains unknown or invalid fields: %s", strings.Join(te.Errors, "; "))
		}
		return Config{}, err
	}
	if strings.TrimSpace(cfg.Upstream.Server) == "" {
		cfg.Upstream.Server = upstream.DefaultAddr
	}
	if err := cfg.applyDefaults(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Finalize re-applies defaults and validation after command-line overrides.
func (c *Config) Finalize() error {
	return c.applyDefaults()
}

// FusionOnly reports whether no upstream is configured.
func (c Config) FusionOnly() bool {
	s := strings.TrimSpace(strings.ToLower(c.Upstream.Server))
	return s == "" || s == NoUpstream
}

// Source parses the configured upstream. It must not be called in fusion-only mode.
func (c Config) Source() (upstream.Source, error) {
	return upstream.ParseSource(c.Upstream.Server)
}

// ListenAddr is the proxy's TCP listen address.
func (c Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Listen.Host, c.Listen.Port)
}

// MeshEnabled reports whether the pwngrid API is needed at all.
func (c Config) MeshEnabled() bool {
	return c.Peers.Share || c.Peers.UseShared
}

func (c *Config) applyDefaults() error {
	if c.Listen.Port == 0 {
		c.Listen.Port = DefaultPort
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port must be between 1 and 65535")
	}
	if c.Listen.BindAttempts <= 0 {
		c.Listen.BindAttempts = 10
	}
	if c.Listen.AcceptAttempts <= 0 {
		c.Listen.AcceptAttempts = 10
	}
	if c.Listen.MaxQueueBytes <= 0 {
		c.Listen.MaxQueueBytes = 1 << 20
	}
	if c.Listen.WriteTimeout <= 0 {
		c.Listen.WriteTimeout = 5 * time.Second
	}
	if c.Listen.MaxStalls <= 0 {
		c.Listen.MaxStalls = 3
	}

	if !c.FusionOnly() {
		if _, err := c.Source(); err != nil {
			return fmt.Errorf("upstream.server: %w", err)
		}
	}
	if c.Upstream.DialTimeout <= 0 {
		c.Upstream.DialTimeout = upstream.DefaultDialTimeout
	}
	if c.Upstream.MaxLineKB <= 0 {
		c.Upstream.MaxLineKB = 256
	}

	if c.Filter.MinPeriod <= 0 {
		c.Filter.MinPeriod = 10 * time.Second
	}
	if c.Filter.Heartbeat <= 0 {
		c.Filter.Heartbeat = 60 * time.Second
	}
	if c.Filter.Heartbeat < c.Filter.MinPeriod {
		return fmt.Errorf("filter.heartbeat must be >= filter.min_period")
	}
	if c.Filter.Decimals == 0 {
		c.Filter.Decimals = 5
	}
	if c.Filter.Decimals < 0 || c.Filter.Decimals > 9 {
		return fmt.Errorf("filter.decimals must be between 1 and 9")
	}
	if c.Filter.AltPrecision == 0 {
		c.Filter.AltPrecision = 1
	}
	if c.Filter.AltPrecision < 0 {
		return fmt.Errorf("filter.alt_precision must be > 0")
	}

	if c.Peers.Password == "" {
		c.Peers.Password = DefaultPassword
	}
	if c.Peers.Cipher == "" {
		c.Peers.Cipher = peercrypt.CipherFernet
	}
	switch c.Peers.Cipher {
	case peercrypt.CipherFernet, peercrypt.CipherXChaCha:
	default:
		return fmt.Errorf("peers.cipher must be %q or %q", peercrypt.CipherFernet, peercrypt.CipherXChaCha)
	}
	if c.Peers.Interval <= 0 {
		c.Peers.Interval = 30 * time.Second
	}
	if c.Peers.DirectFixTTL <= 0 {
		c.Peers.DirectFixTTL = 30 * time.Second
	}
	if c.Peers.DowngradeWindow <= 0 {
		c.Peers.DowngradeWindow = 5 * time.Minute
	}
	if c.Peers.ShareMinInterval <= 0 {
		c.Peers.ShareMinInterval = c.Filter.MinPeriod
	}
	if c.Peers.CacheTTL <= 0 {
		c.Peers.CacheTTL = 10 * time.Minute
	}
	if c.Peers.TokenTTL < 0 {
		return fmt.Errorf("peers.token_ttl must be >= 0")
	}
	if c.FusionOnly() && c.Peers.Share {
		return errors.New("peers.share needs an upstream to share")
	}

	if c.Track.StateDir == "" {
		c.Track.StateDir = DefaultStateDir
	}
	if c.Track.RecentDays <= 0 {
		c.Track.RecentDays = 7
	}
	if c.Track.ReloadInterval <= 0 {
		c.Track.ReloadInterval = 30 * time.Second
	}

	if c.Web.Enable && c.Web.Listen == "" {
		c.Web.Listen = "127.0.0.1:8080"
	}
	if c.MQTT.Broker != "" && c.MQTT.Topic == "" {
		c.MQTT.Topic = "pwnagotchi/gps"
	}

	switch strings.ToLower(c.Log.Level) {
	case "":
		c.Log.Level = "info"
	case "debug", "info", "warn", "error":
		c.Log.Level = strings.ToLower(c.Log.Level)
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}

	if c.Loop.PollTimeout <= 0 {
		c.Loop.PollTimeout = time.Second
	}
	return nil
}
