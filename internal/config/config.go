// Package config loads mesh node settings from defaults, MESH_* environment
// variables and command-line flags, in that order of precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/nmxmxh/orgmesh/internal/network"
)

const EnvPrefix = "MESH_"

// Backend names
const (
	BackendLocal  = "local"
	BackendStub   = "stub"
	BackendLibp2p = "libp2p"
)

// Snapshot backend names
const (
	SnapshotNone   = "none"
	SnapshotFile   = "file"
	SnapshotSQLite = "sqlite"
)

// Config holds everything cmd/mesh-node needs to start a node
type Config struct {
	NodeID         string   `json:"node_id"`
	Backend        string   `json:"backend"`
	ListenAddr     string   `json:"listen_addr"`
	BootstrapPeers []string `json:"bootstrap_peers"`
	Topic          string   `json:"topic"`
	EnableMDNS     bool     `json:"enable_mdns"`
	EnableDHT      bool     `json:"enable_dht"`
	IdentityPath   string   `json:"identity_path"`

	BroadcastInterval time.Duration `json:"broadcast_interval"`
	HealthInterval    time.Duration `json:"health_interval"`
	PeerHashTTL       time.Duration `json:"peer_hash_ttl"`
	AutoReconcile     bool          `json:"auto_reconcile"`
	MasterURL         string        `json:"master_url"`

	SnapshotBackend string `json:"snapshot_backend"`
	SnapshotPath    string `json:"snapshot_path"`

	HTTPAddr  string `json:"http_addr"`
	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`
}

// Default returns a single loopback node on the stub backend
func Default() Config {
	return Config{
		Backend:           BackendStub,
		ListenAddr:        "/ip4/127.0.0.1/tcp/0",
		Topic:             network.DefaultTopic,
		EnableDHT:         true,
		BroadcastInterval: 10 * time.Second,
		HealthInterval:    30 * time.Second,
		SnapshotBackend:   SnapshotNone,
		HTTPAddr:          ":9090",
		LogLevel:          "info",
		LogFormat:         "json",
	}
}

// FromEnv returns Default overridden by MESH_* variables.
func FromEnv() (Config, error) {
	return fromLookup(os.LookupEnv)
}

func fromLookup(lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(EnvPrefix + key); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = d
		}
	}

	str("NODE_ID", &cfg.NodeID)
	str("BACKEND", &cfg.Backend)
	str("LISTEN_ADDR", &cfg.ListenAddr)
	if v, ok := lookup(EnvPrefix + "BOOTSTRAP_PEERS"); ok {
		cfg.BootstrapPeers = splitList(v)
	}
	str("TOPIC", &cfg.Topic)
	boolean("ENABLE_MDNS", &cfg.EnableMDNS)
	boolean("ENABLE_DHT", &cfg.EnableDHT)
	str("IDENTITY_PATH", &cfg.IdentityPath)
	duration("BROADCAST_INTERVAL", &cfg.BroadcastInterval)
	duration("HEALTH_INTERVAL", &cfg.HealthInterval)
	duration("PEER_HASH_TTL", &cfg.PeerHashTTL)
	boolean("AUTO_RECONCILE", &cfg.AutoReconcile)
	str("MASTER_URL", &cfg.MasterURL)
	str("SNAPSHOT_BACKEND", &cfg.SnapshotBackend)
	str("SNAPSHOT_PATH", &cfg.SnapshotPath)
	str("HTTP_ADDR", &cfg.HTTPAddr)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("LOG_FORMAT", &cfg.LogFormat)

	return cfg, errors.Join(errs...)
}

// BindFlags registers a flag per field, defaulting to the current values.
func (c *Config) BindFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.NodeID, "node-id", c.NodeID, "node identifier (generated when empty)")
	fs.StringVar(&c.Backend, "backend", c.Backend, "gossip backend: local, stub or libp2p")
	fs.StringVar(&c.ListenAddr, "listen", c.ListenAddr, "listen multiaddr")
	fs.Func("bootstrap", "comma-separated bootstrap multiaddrs", func(v string) error {
		c.BootstrapPeers = append(c.BootstrapPeers, splitList(v)...)
		return nil
	})
	fs.StringVar(&c.Topic, "topic", c.Topic, "pubsub topic for hash gossip")
	fs.BoolVar(&c.EnableMDNS, "mdns", c.EnableMDNS, "enable mDNS discovery")
	fs.BoolVar(&c.EnableDHT, "dht", c.EnableDHT, "enable Kademlia DHT routing")
	fs.StringVar(&c.IdentityPath, "identity", c.IdentityPath, "libp2p identity file")
	fs.DurationVar(&c.BroadcastInterval, "broadcast-interval", c.BroadcastInterval, "state hash broadcast period")
	fs.DurationVar(&c.HealthInterval, "health-interval", c.HealthInterval, "master health report period")
	fs.DurationVar(&c.PeerHashTTL, "peer-hash-ttl", c.PeerHashTTL, "forget peer hashes older than this (0 keeps them)")
	fs.BoolVar(&c.AutoReconcile, "auto-reconcile", c.AutoReconcile, "pull and merge peer state on divergence")
	fs.StringVar(&c.MasterURL, "master", c.MasterURL, "master service base URL")
	fs.StringVar(&c.SnapshotBackend, "snapshot", c.SnapshotBackend, "snapshot backend: none, file or sqlite")
	fs.StringVar(&c.SnapshotPath, "snapshot-path", c.SnapshotPath, "snapshot file or database path")
	fs.StringVar(&c.HTTPAddr, "http", c.HTTPAddr, "ops HTTP listen address (empty disables)")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "json or console")
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error

	switch c.Backend {
	case BackendLocal, BackendStub, BackendLibp2p:
	default:
		errs = append(errs, fmt.Errorf("backend: unknown %q", c.Backend))
	}

	if c.Backend != BackendLocal {
		if _, err := ma.NewMultiaddr(c.ListenAddr); err != nil {
			errs = append(errs, fmt.Errorf("listen_addr: %w", err))
		}
	}
	if _, err := ParsePeerList(strings.Join(c.BootstrapPeers, ",")); err != nil {
		errs = append(errs, fmt.Errorf("bootstrap_peers: %w", err))
	}

	if c.BroadcastInterval <= 0 {
		errs = append(errs, errors.New("broadcast_interval: must be positive"))
	}
	if c.HealthInterval <= 0 {
		errs = append(errs, errors.New("health_interval: must be positive"))
	}
	if c.PeerHashTTL < 0 {
		errs = append(errs, errors.New("peer_hash_ttl: must not be negative"))
	}

	if c.MasterURL != "" {
		u, err := url.Parse(c.MasterURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("master_url: invalid %q", c.MasterURL))
		}
	}

	switch c.SnapshotBackend {
	case "", SnapshotNone:
	case SnapshotFile, SnapshotSQLite:
		if c.SnapshotPath == "" {
			errs = append(errs, fmt.Errorf("snapshot_path: required for %s snapshots", c.SnapshotBackend))
		}
	default:
		errs = append(errs, fmt.Errorf("snapshot_backend: unknown %q", c.SnapshotBackend))
	}

	return errors.Join(errs...)
}

// ParsePeerList parses a comma-separated multiaddr list. Addresses whose
// TCP port is 0 are rejected.
func ParsePeerList(raw string) ([]ma.Multiaddr, error) {
	var addrs []ma.Multiaddr
	for _, s := range splitList(raw) {
		addr, err := network.ParseAddr(s)
		if err != nil {
			return nil, err
		}
		if err := network.CheckDialable(addr); err != nil {
			return nil, err
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
