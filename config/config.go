// Package config carries every tunable of the networking core. Values are
// layered: Default, then an optional YAML file, then plain environment
// variables, later layers winning.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/eglochon/lanchat/pkg/protocol"
)

type Config struct {
	// Username is the name announced to the LAN.
	Username string
	// ChatPort is the TCP listen port for chat sessions.
	ChatPort int
	// DiscoveryPort is the UDP port for announce traffic.
	DiscoveryPort int
	// AnnounceAddr is the destination for announces, an IP with an
	// optional port (the port defaults to DiscoveryPort). The limited
	// broadcast address by default; a multicast group switches the
	// discovery listener into multicast mode.
	AnnounceAddr string

	AnnounceInterval time.Duration
	// StaleFactor sets the age cutoff for discovered peers as a multiple
	// of AnnounceInterval.
	StaleFactor      int
	HandshakeTimeout time.Duration
	DialTimeout      time.Duration
	// DisconnectGrace is how long a remotely disconnected peer lingers in
	// the registry before it is dropped.
	DisconnectGrace time.Duration

	// MetricsAddr enables the Prometheus endpoint when non-empty.
	MetricsAddr string
	Debug       bool
}

func Default() Config {
	return Config{
		ChatPort:         5000,
		DiscoveryPort:    5001,
		AnnounceAddr:     "255.255.255.255",
		AnnounceInterval: 10 * time.Second,
		StaleFactor:      3,
		HandshakeTimeout: 30 * time.Second,
		DialTimeout:      5 * time.Second,
		DisconnectGrace:  30 * time.Second,
	}
}

// LoadFile overlays the YAML file at path onto the defaults. Durations are
// written as strings ("10s", "1m30s").
func LoadFile(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}

	var raw struct {
		Username         string `yaml:"username"`
		ChatPort         int    `yaml:"chat_port"`
		DiscoveryPort    int    `yaml:"discovery_port"`
		AnnounceAddr     string `yaml:"announce_addr"`
		AnnounceInterval string `yaml:"announce_interval"`
		StaleFactor      int    `yaml:"stale_factor"`
		HandshakeTimeout string `yaml:"handshake_timeout"`
		DialTimeout      string `yaml:"dial_timeout"`
		DisconnectGrace  string `yaml:"disconnect_grace"`
		MetricsAddr      string `yaml:"metrics_addr"`
		Debug            bool   `yaml:"debug"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}

	if raw.Username != "" {
		cfg.Username = raw.Username
	}
	if raw.ChatPort != 0 {
		cfg.ChatPort = raw.ChatPort
	}
	if raw.DiscoveryPort != 0 {
		cfg.DiscoveryPort = raw.DiscoveryPort
	}
	if raw.AnnounceAddr != "" {
		cfg.AnnounceAddr = raw.AnnounceAddr
	}
	if raw.StaleFactor != 0 {
		cfg.StaleFactor = raw.StaleFactor
	}
	if raw.MetricsAddr != "" {
		cfg.MetricsAddr = raw.MetricsAddr
	}
	if raw.Debug {
		cfg.Debug = true
	}

	for _, d := range []struct {
		name string
		in   string
		out  *time.Duration
	}{
		{"announce_interval", raw.AnnounceInterval, &cfg.AnnounceInterval},
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.HandshakeTimeout},
		{"dial_timeout", raw.DialTimeout, &cfg.DialTimeout},
		{"disconnect_grace", raw.DisconnectGrace, &cfg.DisconnectGrace},
	} {
		if d.in == "" {
			continue
		}
		v, err := time.ParseDuration(d.in)
		if err != nil {
			return cfg, fmt.Errorf("invalid %s: %w", d.name, err)
		}
		*d.out = v
	}

	return cfg, nil
}

// ApplyEnv overlays plain environment variables.
func (c *Config) ApplyEnv() {
	if v, ok := os.LookupEnv("CHAT_USERNAME"); ok && v != "" {
		c.Username = v
	}
	if v, ok := os.LookupEnv("CHAT_PORT"); ok && v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.ChatPort = p
		}
	}
	if v, ok := os.LookupEnv("DISCOVERY_PORT"); ok && v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			c.DiscoveryPort = p
		}
	}
	if v, ok := os.LookupEnv("ANNOUNCE_ADDR"); ok && v != "" {
		c.AnnounceAddr = v
	}
}

func (c Config) Validate() error {
	if err := protocol.ValidateUsername(c.Username); err != nil {
		return fmt.Errorf("username: %w", err)
	}
	// Chat port 0 binds an ephemeral port; the announced port is the
	// resolved one.
	if c.ChatPort < 0 || c.ChatPort > 65535 {
		return fmt.Errorf("chat port %d out of range", c.ChatPort)
	}
	if c.DiscoveryPort < 1 || c.DiscoveryPort > 65535 {
		return fmt.Errorf("discovery port %d out of range", c.DiscoveryPort)
	}
	if _, err := c.AnnounceDst(); err != nil {
		return err
	}
	if c.AnnounceInterval <= 0 {
		return fmt.Errorf("announce interval must be positive")
	}
	if c.StaleFactor < 1 {
		return fmt.Errorf("stale factor must be at least 1")
	}
	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("handshake timeout must be positive")
	}
	if c.DialTimeout <= 0 {
		return fmt.Errorf("dial timeout must be positive")
	}
	if c.DisconnectGrace < 0 {
		return fmt.Errorf("disconnect grace must not be negative")
	}
	return nil
}

// StaleAfter is the age beyond which a discovered peer is considered gone.
func (c Config) StaleAfter() time.Duration {
	return time.Duration(c.StaleFactor) * c.AnnounceInterval
}

// AnnounceDst resolves the announce destination, defaulting the port to
// the discovery port.
func (c Config) AnnounceDst() (*net.UDPAddr, error) {
	host, port := c.AnnounceAddr, c.DiscoveryPort
	if h, p, err := net.SplitHostPort(c.AnnounceAddr); err == nil {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return nil, fmt.Errorf("announce address %q has a bad port", c.AnnounceAddr)
		}
		host, port = h, n
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return nil, fmt.Errorf("announce address %q is not an IP address", c.AnnounceAddr)
	}
	return &net.UDPAddr{IP: ip, Port: port}, nil
}

// Multicast reports whether the announce address selects multicast mode.
func (c Config) Multicast() bool {
	dst, err := c.AnnounceDst()
	return err == nil && dst.IP.IsMulticast()
}
