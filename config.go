package main

import (
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"encproxy/internal/acl"
	"encproxy/internal/crypto"
	"encproxy/internal/mediator"
)

// RelayEntry is one candidate relay server in the YAML config.
type RelayEntry struct {
	Addr string `yaml:"addr"`
}

// ListenerEntry defines a single SOCKS5 listener and the relay pool it
// mediates for, generalizing the teacher's one-IPv6-per-port ProxyEntry
// into a named set of listeners sharing one cipher and ACL.
type ListenerEntry struct {
	Listen string `yaml:"listen"`

	Relays []RelayEntry `yaml:"relays"`

	// OutboundBindIP optionally pins this listener's outbound dials
	// (direct and relay) to a specific local address, the generalized
	// form of the teacher's IPv6-pool binding.
	OutboundBindIP    string `yaml:"outbound_bind_ip"`
	OutboundBindIface string `yaml:"outbound_bind_iface"`
}

// Config is the top-level YAML configuration.
type Config struct {
	Listeners []ListenerEntry `yaml:"listeners"`

	Method   string `yaml:"method"`
	Password string `yaml:"password"`

	ACLFile    string `yaml:"acl_file"`
	DefaultACL string `yaml:"default_acl_mode"` // "proxy_all" or "bypass_all"

	LocalResolveBeforeRelay bool `yaml:"local_resolve_before_relay"`
	FastOpen                bool `yaml:"fast_open"`

	HandshakeTimeoutSec int `yaml:"handshake_timeout_sec"`
	ConnectTimeoutSec   int `yaml:"connect_timeout_sec"`
	IdleTimeoutSec      int `yaml:"idle_timeout_sec"`
}

// LoadConfig reads and validates the YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Listeners) == 0 {
		return nil, fmt.Errorf("config: at least one listener is required")
	}
	if cfg.Method == "" {
		return nil, fmt.Errorf("config: 'method' is required (e.g. chacha20-ietf-poly1305)")
	}
	if cfg.Password == "" {
		return nil, fmt.Errorf("config: 'password' is required")
	}
	if _, err := crypto.ParseMethod(cfg.Method); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	seenAddrs := make(map[string]struct{}, len(cfg.Listeners))
	for i, l := range cfg.Listeners {
		if l.Listen == "" {
			return nil, fmt.Errorf("config: listeners[%d]: 'listen' is required", i)
		}
		if _, ok := seenAddrs[l.Listen]; ok {
			return nil, fmt.Errorf("config: listeners[%d]: duplicate listen address %q", i, l.Listen)
		}
		seenAddrs[l.Listen] = struct{}{}

		if len(l.Relays) == 0 {
			return nil, fmt.Errorf("config: listeners[%d]: at least one relay is required", i)
		}
		for j, r := range l.Relays {
			if r.Addr == "" {
				return nil, fmt.Errorf("config: listeners[%d].relays[%d]: 'addr' is required", i, j)
			}
		}
		if l.OutboundBindIP != "" && net.ParseIP(l.OutboundBindIP) == nil {
			return nil, fmt.Errorf("config: listeners[%d]: invalid outbound_bind_ip %q", i, l.OutboundBindIP)
		}
	}

	switch cfg.DefaultACL {
	case "", "proxy_all", "bypass_all":
	default:
		return nil, fmt.Errorf("config: default_acl_mode must be 'proxy_all' or 'bypass_all', got %q", cfg.DefaultACL)
	}

	return &cfg, nil
}

// mediatorConfig builds a mediator.Config for one listener entry,
// resolving the shared cipher key, ACL, and timeouts.
func (c *Config) mediatorConfig(l ListenerEntry, a *acl.ACL, masterKey []byte, method crypto.Method) mediator.Config {
	mc := mediator.Config{
		ListenNetwork:           "tcp",
		ListenAddr:              l.Listen,
		Method:                  method,
		MasterKey:               masterKey,
		ACL:                     a,
		LocalResolveBeforeRelay: c.LocalResolveBeforeRelay,
		FastOpen:                c.FastOpen,
		OutboundBindIface:       l.OutboundBindIface,
	}
	if l.OutboundBindIP != "" {
		mc.OutboundBindIP = net.ParseIP(l.OutboundBindIP)
	}
	for _, r := range l.Relays {
		mc.Relays = append(mc.Relays, mediator.RelayAddr{Network: "tcp", Addr: r.Addr})
	}
	if c.HandshakeTimeoutSec > 0 {
		mc.HandshakeTimeout = time.Duration(c.HandshakeTimeoutSec) * time.Second
	}
	if c.ConnectTimeoutSec > 0 {
		mc.ConnectTimeout = time.Duration(c.ConnectTimeoutSec) * time.Second
	}
	if c.IdleTimeoutSec > 0 {
		mc.IdleTimeout = time.Duration(c.IdleTimeoutSec) * time.Second
	}
	return mc
}
