// Package config manages the overlayd daemon configuration using koanf/v2.
//
// Supports YAML files and environment variables layered over defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete overlayd configuration.
type Config struct {
	Log          LogConfig          `koanf:"log"`
	Metrics      MetricsConfig      `koanf:"metrics"`
	Introspect   IntrospectConfig   `koanf:"introspect"`
	Load         LoadConfig         `koanf:"load"`
	Network      NetworkConfig      `koanf:"network"`
	Overlayd     OverlaydConfig     `koanf:"overlayd"`
	Experimental ExperimentalConfig `koanf:"experimental"`
	Store        StoreConfig        `koanf:"store"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// IntrospectConfig holds the read-only status endpoint configuration.
type IntrospectConfig struct {
	// Addr is the HTTP listen address for peer introspection (e.g., ":2106").
	Addr string `koanf:"addr"`
}

// LoadConfig holds the bandwidth ceilings consumed by the bandwidth
// allocator (spec.md §6.5 "LOAD/MAXNETDOWNBPSTOTAL", "LOAD/MAXNETUPBPSTOTAL").
type LoadConfig struct {
	// MaxNetDownBpsTotal is the aggregate inbound bandwidth ceiling, bytes/sec.
	MaxNetDownBpsTotal int64 `koanf:"max_net_down_bps_total"`
	// MaxNetUpBpsTotal is the aggregate outbound bandwidth ceiling, bytes/sec.
	MaxNetUpBpsTotal int64 `koanf:"max_net_up_bps_total"`
	// MinBpmPerPeer is the minimum bandwidth/minute a connected peer is
	// guaranteed regardless of fair-share pressure.
	MinBpmPerPeer int64 `koanf:"min_bpm_per_peer"`
}

// NetworkConfig holds transport and advertisement toggles (spec.md §6.5
// "NETWORK/DISABLE-ADVERTISEMENTS", "NETWORK/HELOEXCHANGE",
// "GNUNETD/PRIVATE-NETWORK", "GNUNETD/TRANSPORTS").
type NetworkConfig struct {
	// DisableAdvertisements stops the periodic broadcast/forward loop.
	DisableAdvertisements bool `koanf:"disable_advertisements"`
	// HeloExchange is loaded and validated but not passed on to the
	// connection core; incoming HELLOs are handled the same way whether
	// it is true or false.
	HeloExchange bool `koanf:"helo_exchange"`
	// PrivateNetwork rejects incoming HELLOs from peers that are not
	// already in the known-hosts store.
	PrivateNetwork bool `koanf:"private_network"`
	// Transports lists the driver names to start (a YAML list in the
	// config file, e.g. [udp, tcp]).
	Transports []string `koanf:"transports"`
	// ListenAddr is the local host:port every started transport driver
	// binds to.
	ListenAddr string `koanf:"listen_addr"`
	// HTTPProxy and HTTPProxyPort configure an optional outbound proxy
	// for transports that tunnel over HTTP.
	HTTPProxy     string `koanf:"http_proxy"`
	HTTPProxyPort int    `koanf:"http_proxy_port"`
}

// OverlaydConfig holds node-identity and advertisement lifetime settings
// (spec.md §6.5 "GNUNETD/HELOEXPIRES").
type OverlaydConfig struct {
	// HeloExpiresMinutes bounds how long an advertised HELLO is valid,
	// capped at 10 days (spec.md §3 "maxAge").
	HeloExpiresMinutes int `koanf:"helo_expires_minutes"`
	// BroadcastPeriod and ForwardPeriod are the advertiser's periodic
	// task intervals (spec.md §4.9).
	BroadcastPeriod time.Duration `koanf:"broadcast_period"`
	ForwardPeriod   time.Duration `koanf:"forward_period"`
}

// ExperimentalConfig holds opt-in behaviors not required for correctness
// (spec.md §6.5 "GNUNETD-EXPERIMENTAL/PADDING").
type ExperimentalConfig struct {
	// Padding fills otherwise-idle frames with noise bytes (spec §4.3
	// step 6) to resist traffic analysis.
	Padding bool `koanf:"padding"`
}

// StoreConfig locates the persisted hostkey/known-hosts/trust state
// (spec.md §6.5 "Persisted under the configured home").
type StoreConfig struct {
	// Home is the directory holding .hostkey, knownhosts/, and trust/.
	Home string `koanf:"home"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// maxHeloExpiresMinutes is the hard ceiling on advertisement lifetime
// (spec.md §3: "maxAge", capped at 10 days).
const maxHeloExpiresMinutes = 10 * 24 * 60

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Introspect: IntrospectConfig{
			Addr: ":2106",
		},
		Load: LoadConfig{
			MaxNetDownBpsTotal: 50_000,
			MaxNetUpBpsTotal:   50_000,
			MinBpmPerPeer:      1_000,
		},
		Network: NetworkConfig{
			DisableAdvertisements: false,
			HeloExchange:          true,
			PrivateNetwork:        false,
			Transports:            []string{"udp"},
			ListenAddr:            "0.0.0.0:2102",
		},
		Overlayd: OverlaydConfig{
			HeloExpiresMinutes: 60,
			BroadcastPeriod:    2 * time.Minute,
			ForwardPeriod:      4 * time.Minute,
		},
		Experimental: ExperimentalConfig{
			Padding: false,
		},
		Store: StoreConfig{
			Home: ".overlayd",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for overlayd configuration.
// Variables are named OVERLAYD_<section>_<key>, e.g. OVERLAYD_LOG_LEVEL.
const envPrefix = "OVERLAYD_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (OVERLAYD_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms OVERLAYD_LOAD_MAX_NET_DOWN_BPS_TOTAL ->
// load.max_net_down_bps_total.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	parts := strings.SplitN(s, "_", 2)
	if len(parts) != 2 {
		return s
	}
	return parts[0] + "." + parts[1]
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"log.level":                        defaults.Log.Level,
		"log.format":                       defaults.Log.Format,
		"metrics.addr":                     defaults.Metrics.Addr,
		"metrics.path":                     defaults.Metrics.Path,
		"introspect.addr":                  defaults.Introspect.Addr,
		"load.max_net_down_bps_total":      defaults.Load.MaxNetDownBpsTotal,
		"load.max_net_up_bps_total":        defaults.Load.MaxNetUpBpsTotal,
		"load.min_bpm_per_peer":            defaults.Load.MinBpmPerPeer,
		"network.disable_advertisements":   defaults.Network.DisableAdvertisements,
		"network.helo_exchange":            defaults.Network.HeloExchange,
		"network.private_network":          defaults.Network.PrivateNetwork,
		"network.transports":               defaults.Network.Transports,
		"network.listen_addr":              defaults.Network.ListenAddr,
		"network.http_proxy":               defaults.Network.HTTPProxy,
		"network.http_proxy_port":          defaults.Network.HTTPProxyPort,
		"overlayd.helo_expires_minutes":    defaults.Overlayd.HeloExpiresMinutes,
		"overlayd.broadcast_period":        defaults.Overlayd.BroadcastPeriod.String(),
		"overlayd.forward_period":          defaults.Overlayd.ForwardPeriod.String(),
		"experimental.padding":             defaults.Experimental.Padding,
		"store.home":                       defaults.Store.Home,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	ErrInvalidMaxNetDownBps    = errors.New("load.max_net_down_bps_total must be > 0")
	ErrInvalidMaxNetUpBps      = errors.New("load.max_net_up_bps_total must be > 0")
	ErrInvalidMinBpmPerPeer    = errors.New("load.min_bpm_per_peer must be >= 0")
	ErrNoTransports            = errors.New("network.transports must list at least one driver")
	ErrHeloExpiresTooLarge     = errors.New("overlayd.helo_expires_minutes must be <= 10 days")
	ErrInvalidHeloExpires      = errors.New("overlayd.helo_expires_minutes must be > 0")
	ErrEmptyStoreHome          = errors.New("store.home must not be empty")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.Load.MaxNetDownBpsTotal <= 0 {
		return ErrInvalidMaxNetDownBps
	}
	if cfg.Load.MaxNetUpBpsTotal <= 0 {
		return ErrInvalidMaxNetUpBps
	}
	if cfg.Load.MinBpmPerPeer < 0 {
		return ErrInvalidMinBpmPerPeer
	}
	if len(cfg.Network.Transports) == 0 {
		return ErrNoTransports
	}
	if cfg.Overlayd.HeloExpiresMinutes <= 0 {
		return ErrInvalidHeloExpires
	}
	if cfg.Overlayd.HeloExpiresMinutes > maxHeloExpiresMinutes {
		return ErrHeloExpiresTooLarge
	}
	if cfg.Store.Home == "" {
		return ErrEmptyStoreHome
	}
	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
