package main

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const defaultLogFile = "lanchat.log"

type Config struct {
	Hostname          string        `yaml:"hostname"`
	Port              int           `yaml:"port"`
	PeerPort          int           `yaml:"peer_port"`
	DiscoveryPort     int           `yaml:"discovery_port"`
	BroadcastAddr     string        `yaml:"broadcast_addr"`
	BroadcastInterval time.Duration `yaml:"broadcast_interval"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	Discovery         bool          `yaml:"discovery"`
	StaticPeers       []string      `yaml:"peers"`
	Sound             bool          `yaml:"sound"`
	SoundFile         string        `yaml:"sound_file"`
	LogLevel          string        `yaml:"log_level"`
	LogFile           string        `yaml:"log_file"`
}

func DefaultConfig() *Config {
	return &Config{
		Hostname:          localHostname(),
		Port:              defaultChatPort,
		DiscoveryPort:     defaultDiscoveryPort,
		BroadcastAddr:     defaultBroadcastAddr,
		BroadcastInterval: broadcastInterval,
		DialTimeout:       dialTimeout,
		WriteTimeout:      writeTimeout,
		Discovery:         true,
		LogLevel:          "info",
	}
}

// LoadConfig reads a YAML config. With an empty path the usual locations are
// tried and a missing file yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		candidates := []string{
			"lanchat.yaml",
			".lanchat.yaml",
			filepath.Join(os.Getenv("HOME"), ".config", "lanchat", "config.yaml"),
		}
		for _, p := range candidates {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
		if path == "" {
			return cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Hostname == "" {
		c.Hostname = d.Hostname
	}
	if c.Port == 0 {
		c.Port = d.Port
	}
	if c.DiscoveryPort == 0 {
		c.DiscoveryPort = d.DiscoveryPort
	}
	if c.BroadcastAddr == "" {
		c.BroadcastAddr = d.BroadcastAddr
	}
	if c.BroadcastInterval <= 0 {
		c.BroadcastInterval = d.BroadcastInterval
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
}

func (c *Config) Validate() error {
	for name, port := range map[string]int{
		"port":           c.Port,
		"peer_port":      c.PeerPort,
		"discovery_port": c.DiscoveryPort,
	} {
		if port < 0 || port > 65535 {
			return fmt.Errorf("invalid %s %d", name, port)
		}
	}
	if strings.TrimSpace(c.Hostname) == "" {
		return errors.New("hostname must not be empty")
	}
	if strings.ContainsRune(c.Hostname, delimiter) || strings.ContainsAny(c.Hostname, lineBreaks) {
		return fmt.Errorf("invalid hostname %q: must not contain '|' or line breaks", c.Hostname)
	}
	if _, err := netip.ParseAddr(c.BroadcastAddr); err != nil {
		return fmt.Errorf("invalid broadcast_addr %q: %w", c.BroadcastAddr, err)
	}
	if _, err := c.Peers(); err != nil {
		return err
	}
	return nil
}

// DialPort is the TCP port outbound connections target.
func (c *Config) DialPort() int {
	if c.PeerPort != 0 {
		return c.PeerPort
	}
	return c.Port
}

func (c *Config) ListenAddr() string {
	return ":" + strconv.Itoa(c.Port)
}

// Peers parses the static peer entries, each "hostname=ip" or a bare ip.
func (c *Config) Peers() ([]Peer, error) {
	peers := make([]Peer, 0, len(c.StaticPeers))
	for _, entry := range c.StaticPeers {
		host, ip, found := strings.Cut(entry, "=")
		if !found {
			ip = host
		}
		addr, err := netip.ParseAddr(strings.TrimSpace(ip))
		if err != nil {
			return nil, fmt.Errorf("invalid peer %q: %w", entry, err)
		}
		host = strings.TrimSpace(host)
		if !found || host == "" {
			host = addr.String()
		}
		peers = append(peers, NewPeer(host, addr))
	}
	return peers, nil
}

func localHostname() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "unknown_host"
	}
	return host
}
