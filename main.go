package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
)

// stringList is a custom flag type for multiple peer entries
type stringList []string

func (s *stringList) String() string {
	return fmt.Sprintf("%v", *s)
}

func (s *stringList) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "lanchat: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath    string
		port          int
		discoveryPort int
		broadcastAddr string
		hostname      string
		peers         stringList
		noDiscovery   bool
		useTUI        bool
		sound         bool
		soundFile     string
		logLevel      string
		logFile       string
	)

	flag.StringVar(&configPath, "config", "", "path to a YAML config file")
	flag.IntVar(&port, "port", 0, "TCP chat port (default 9000)")
	flag.IntVar(&discoveryPort, "discovery-port", 0, "UDP discovery port (default 9001)")
	flag.StringVar(&broadcastAddr, "broadcast", "", "discovery broadcast address (default 255.255.255.255)")
	flag.StringVar(&hostname, "hostname", "", "name announced to other peers (default: system hostname)")
	flag.Var(&peers, "peer", "static peer as hostname=ip (can be specified multiple times)")
	flag.BoolVar(&noDiscovery, "no-discovery", false, "disable auto-discovery and use only -peer entries")
	flag.BoolVar(&useTUI, "tui", false, "use the terminal UI")
	flag.BoolVar(&sound, "sound", false, "play a sound when a message arrives")
	flag.StringVar(&soundFile, "sound-file", "", "wav or mp3 file to play instead of the built-in tone")
	flag.StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	flag.StringVar(&logFile, "log-file", "", "write logs to this file")
	flag.Parse()

	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}

	// Flags win over the config file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Port = port
		case "discovery-port":
			cfg.DiscoveryPort = discoveryPort
		case "broadcast":
			cfg.BroadcastAddr = broadcastAddr
		case "hostname":
			cfg.Hostname = hostname
		case "peer":
			cfg.StaticPeers = append(cfg.StaticPeers, peers...)
		case "no-discovery":
			cfg.Discovery = !noDiscovery
		case "sound":
			cfg.Sound = sound
		case "sound-file":
			cfg.SoundFile = soundFile
			cfg.Sound = true
		case "log-level":
			cfg.LogLevel = logLevel
		case "log-file":
			cfg.LogFile = logFile
		}
	})
	if err := cfg.Validate(); err != nil {
		return err
	}

	closer, err := setupLogging(cfg, useTUI)
	if err != nil {
		return err
	}
	defer closer.Close()

	source, err := newPeerSource(cfg)
	if err != nil {
		return err
	}

	var notifier Notifier
	if cfg.Sound {
		notifier = NewSoundNotifier(cfg.SoundFile)
	}

	session, err := NewSession(cfg, source, notifier)
	if err != nil {
		return err
	}
	defer session.Close()

	if useTUI {
		if err := RunTUI(session); err != nil {
			return fmt.Errorf("error running TUI: %w", err)
		}
		return nil
	}

	if err := NewCLI(session, os.Stdin, os.Stdout).Run(); err != nil {
		log.Error().Err(err).Msg("CLI read error")
	}
	return nil
}

// newPeerSource picks broadcast discovery, or the static peer list when
// discovery is off.
func newPeerSource(cfg *Config) (PeerSource, error) {
	static, err := cfg.Peers()
	if err != nil {
		return nil, err
	}
	if !cfg.Discovery {
		log.Info().Int("peers", len(static)).Msg("Auto-discovery disabled")
		return StaticPeers(static), nil
	}
	if len(static) == 0 {
		return NewDiscovery(cfg), nil
	}
	return &mergedSource{discovery: NewDiscovery(cfg), static: static}, nil
}

// mergedSource lists static peers first, then discovered ones with
// addresses not already listed.
type mergedSource struct {
	discovery *Discovery
	static    []Peer
}

func (m *mergedSource) Start() error { return m.discovery.Start() }
func (m *mergedSource) Stop()        { m.discovery.Stop() }

func (m *mergedSource) Peers() []Peer {
	out := make([]Peer, len(m.static), len(m.static)+4)
	copy(out, m.static)

	for _, p := range m.discovery.Peers() {
		known := false
		for _, s := range m.static {
			if s.Equal(p) {
				known = true
				break
			}
		}
		if !known {
			out = append(out, p)
		}
	}
	return out
}
