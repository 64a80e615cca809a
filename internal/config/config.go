// Package config loads peerd configuration: defaults, then an optional TOML
// file, then PEERRPC_* environment overrides.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"dev.c0redev.peerrpc/internal/peer"
)

type Config struct {
	Node     Node              `toml:"node"`
	Protocol Protocol          `toml:"protocol"`
	Peers    map[string]string `toml:"peers"` // peer id -> host:port
	Etcd     Etcd              `toml:"etcd"`
	ICE      ICE               `toml:"ice"`
	Log      Log               `toml:"log"`
	Metrics  Listener          `toml:"metrics"`
	Admin    Admin             `toml:"admin"`
	Modules  []Module          `toml:"module"`
}

// Module signing setup for one RPC module.
type Module struct {
	ID uint32 `toml:"id"`
	// Sign frames of this module with the node's signing key.
	Sign bool `toml:"sign"`
	// PublicKey hex ed25519 key that frames of this module must be signed with.
	PublicKey string `toml:"public_key"`
}

type Node struct {
	// ID hex peer id; empty = stored identity (or a new random one).
	ID             string        `toml:"id"`
	Listen         string        `toml:"listen"`
	DataDir        string        `toml:"data_dir"`
	Tick           time.Duration `toml:"tick"`
	SharedSecret   string        `toml:"shared_secret"` // hex
	MaxMessageSize int           `toml:"max_message_size"`
}

type Protocol struct {
	AckTimeout        time.Duration `toml:"ack_timeout"`
	MaxRetransmits    int           `toml:"max_retransmits"`
	FragmentTimeout   time.Duration `toml:"fragment_timeout"`
	FlushBudget       int           `toml:"flush_budget"`
	RateLimit         int           `toml:"rate_limit"`
	RateWindow        time.Duration `toml:"rate_window"`
	CompressThreshold int           `toml:"compress_threshold"`
	ReceiveBatch      int           `toml:"receive_batch"`
	RequireMAC        bool          `toml:"require_mac"`
}

type Etcd struct {
	Endpoints []string `toml:"endpoints"`
	Prefix    string   `toml:"prefix"`
	LeaseTTL  int64    `toml:"lease_ttl"`
	ClaimHost bool     `toml:"claim_host"`
}

type ICE struct {
	Enable bool   `toml:"enable"`
	STUN   string `toml:"stun"`
}

type Log struct {
	Level       string   `toml:"level"`  // debug, info, warn, error
	Format      string   `toml:"format"` // console or json
	Outputs     []string `toml:"outputs"`
	Development bool     `toml:"development"`
	Rotation    Rotation `toml:"rotation"`
}

// Rotation applies to file outputs.
type Rotation struct {
	Enable     bool `toml:"enable"`
	MaxSizeMB  int  `toml:"max_size_mb"`
	MaxBackups int  `toml:"max_backups"`
	MaxAgeDays int  `toml:"max_age_days"`
	Compress   bool `toml:"compress"`
}

// Listener HTTP listen address; empty disables the endpoint.
type Listener struct {
	Listen string `toml:"listen"`
}

type Admin struct {
	Listen string `toml:"listen"`
	// TokenHash bcrypt hash of the bearer token; empty allows loopback callers only.
	TokenHash string `toml:"token_hash"`
}

func Default() *Config {
	return &Config{
		Node: Node{
			Listen:         ":7400",
			DataDir:        "./data",
			Tick:           10 * time.Millisecond,
			MaxMessageSize: 64 * 1024,
		},
		Protocol: Protocol{
			AckTimeout:        1200 * time.Millisecond,
			MaxRetransmits:    5,
			FragmentTimeout:   30 * time.Second,
			FlushBudget:       8,
			RateLimit:         100,
			RateWindow:        time.Second,
			CompressThreshold: 1024,
			ReceiveBatch:      500,
		},
		Peers: map[string]string{},
		Etcd:  Etcd{Prefix: "/peerrpc", LeaseTTL: 10},
		Log: Log{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: Rotation{
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Metrics: Listener{Listen: "127.0.0.1:7401"},
		Admin:   Admin{Listen: "127.0.0.1:7402"},
	}
}

// Load: Default, then path (if non-empty), then env, then Validate.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides from PEERRPC_*; empty values are ignored.
func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(name string, dst *string) {
		if v := strings.TrimSpace(getenv("PEERRPC_" + name)); v != "" {
			*dst = v
		}
	}
	str("NODE_ID", &c.Node.ID)
	str("LISTEN", &c.Node.Listen)
	str("DATA_DIR", &c.Node.DataDir)
	str("SHARED_SECRET", &c.Node.SharedSecret)
	str("ETCD_PREFIX", &c.Etcd.Prefix)
	str("STUN", &c.ICE.STUN)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("METRICS_LISTEN", &c.Metrics.Listen)
	str("ADMIN_LISTEN", &c.Admin.Listen)
	str("ADMIN_TOKEN_HASH", &c.Admin.TokenHash)

	if v := getenv("PEERRPC_ETCD_ENDPOINTS"); v != "" {
		c.Etcd.Endpoints = splitList(v)
	}
	if v := getenv("PEERRPC_LOG_OUTPUTS"); v != "" {
		c.Log.Outputs = splitList(v)
	}
	if v := getenv("PEERRPC_PEERS"); v != "" {
		for _, item := range splitList(v) {
			id, addr, ok := strings.Cut(item, "=")
			if !ok {
				return fmt.Errorf("PEERRPC_PEERS: %q is not id=addr", item)
			}
			c.Peers[strings.TrimSpace(id)] = strings.TrimSpace(addr)
		}
	}
	for name, dst := range map[string]*bool{"REQUIRE_MAC": &c.Protocol.RequireMAC, "ICE": &c.ICE.Enable, "ETCD_CLAIM_HOST": &c.Etcd.ClaimHost} {
		if v := getenv("PEERRPC_" + name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("PEERRPC_%s: %w", name, err)
			}
			*dst = b
		}
	}
	if v := getenv("PEERRPC_TICK"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("PEERRPC_TICK: %w", err)
		}
		c.Node.Tick = d
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) Validate() error {
	var errs []error
	if c.Node.Tick <= 0 {
		errs = append(errs, errors.New("node.tick must be positive"))
	}
	if c.Node.MaxMessageSize < 1024 {
		errs = append(errs, errors.New("node.max_message_size must be at least 1024"))
	}
	if c.Node.ID != "" {
		if _, err := peer.ParseID(c.Node.ID); err != nil {
			errs = append(errs, fmt.Errorf("node.id: %w", err))
		}
	}
	if _, err := c.SharedSecret(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.StaticPeers(); err != nil {
		errs = append(errs, err)
	}
	p := c.Protocol
	if p.AckTimeout <= 0 || p.FragmentTimeout <= 0 || p.RateWindow <= 0 {
		errs = append(errs, errors.New("protocol timeouts must be positive"))
	}
	if p.MaxRetransmits < 0 || p.FlushBudget <= 0 || p.ReceiveBatch <= 0 {
		errs = append(errs, errors.New("protocol: max_retransmits >= 0, flush_budget and receive_batch > 0"))
	}
	for _, m := range c.Modules {
		if m.ID == 0 {
			errs = append(errs, errors.New("module: id 0 is reserved"))
		}
		if k, err := hex.DecodeString(m.PublicKey); err != nil || (m.PublicKey != "" && len(k) != 32) {
			errs = append(errs, fmt.Errorf("module %d: public_key must be 32 hex-encoded bytes", m.ID))
		}
	}
	if h := c.Admin.TokenHash; h != "" && !strings.HasPrefix(h, "$2") {
		errs = append(errs, errors.New("admin.token_hash: not a bcrypt hash"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want console or json", c.Log.Format))
	}
	return errors.Join(errs...)
}

// SharedSecret decoded node.shared_secret; nil when unset.
func (c *Config) SharedSecret() ([]byte, error) {
	if c.Node.SharedSecret == "" {
		return nil, nil
	}
	b, err := hex.DecodeString(c.Node.SharedSecret)
	if err != nil {
		return nil, fmt.Errorf("node.shared_secret: %w", err)
	}
	return b, nil
}

// StaticPeers parsed [peers] table.
func (c *Config) StaticPeers() (map[peer.ID]string, error) {
	out := make(map[peer.ID]string, len(c.Peers))
	for k, addr := range c.Peers {
		id, err := peer.ParseID(k)
		if err != nil {
			return nil, fmt.Errorf("peers: %w", err)
		}
		out[id] = addr
	}
	return out, nil
}
