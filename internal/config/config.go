// Package config manages netsync server configuration using koanf/v2.
//
// Supports TOML files, environment variables, and CLI flags.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete netsync server configuration.
//
// The flat top-level keys are the historical setting names recognized in
// server deployments; grouped sections cover the operational surface
// (metrics endpoint, management bridge, logging).
type Config struct {
	// DealerPort is the websocket request endpoint port. Clients send
	// framed messages here after the Hello handshake.
	DealerPort int `koanf:"dealer_port"`

	// PubPort is the websocket publish endpoint port. Clients subscribe
	// to room topics here.
	PubPort int `koanf:"pub_port"`

	// ServerDiscoveryPort is the UDP port answered by the discovery
	// responder.
	ServerDiscoveryPort int `koanf:"server_discovery_port"`

	// ServerName is the display name announced in discovery replies.
	ServerName string `koanf:"server_name"`

	// EnableServerDiscovery controls whether the UDP responder runs.
	EnableServerDiscovery bool `koanf:"enable_server_discovery"`

	// AllowedAppIDs is the application-identity allow-list. Empty
	// disables the gate; non-empty requires a byte-exact match both at
	// discovery and at the Hello handshake.
	AllowedAppIDs []string `koanf:"allowed_app_ids"`

	// BaseBroadcastInterval is the scheduler tick.
	BaseBroadcastInterval time.Duration `koanf:"base_broadcast_interval"`

	// IdleBroadcastInterval is the minimum spacing between RoomTransform
	// frames for a room with no fresh input.
	IdleBroadcastInterval time.Duration `koanf:"idle_broadcast_interval"`

	// DirtyThreshold is the minimum spacing between RoomTransform frames
	// for a room with fresh input.
	DirtyThreshold time.Duration `koanf:"dirty_threshold"`

	// ClientTimeout is the inactivity window after which the lifecycle
	// sweep evicts a client.
	ClientTimeout time.Duration `koanf:"client_timeout"`

	// DeviceIDExpiry is the age after which an idle device-ID liveness
	// entry is purged.
	DeviceIDExpiry time.Duration `koanf:"device_id_expiry_time"`

	// DeviceIDCleanupInterval is the cadence of the device-ID purge.
	DeviceIDCleanupInterval time.Duration `koanf:"device_id_cleanup_interval"`

	// EmptyRoomExpiry is how long a room may remain empty before it is
	// destroyed together with its variable state and mappings.
	EmptyRoomExpiry time.Duration `koanf:"empty_room_expiry"`

	// SweepInterval is the cadence of the lifecycle sweep.
	SweepInterval time.Duration `koanf:"sweep_interval"`

	// NVFlushInterval is the network-variable delta flush cadence.
	NVFlushInterval time.Duration `koanf:"nv_flush_interval"`

	// NVMonitorThreshold is the per-device requests-per-second level that
	// triggers a rate warning. Monitoring only; traffic is never dropped.
	NVMonitorThreshold int `koanf:"nv_monitor_threshold"`

	// MaxGlobalVars caps distinct global variable names per room.
	MaxGlobalVars int `koanf:"max_global_vars"`

	// MaxClientVars caps distinct variable names per client per room.
	MaxClientVars int `koanf:"max_client_vars"`

	// MaxVarNameLength is the byte cap applied to variable names.
	// Longer names are truncated, not rejected.
	MaxVarNameLength int `koanf:"max_var_name_length"`

	// MaxVarValueLength is the byte cap applied to variable values.
	MaxVarValueLength int `koanf:"max_var_value_length"`

	// MaxVirtualTransforms caps the virtual transforms retained per
	// client pose. The wire format itself never carries more than 50.
	MaxVirtualTransforms int `koanf:"max_virtual_transforms"`

	// PubQueueMaxSize bounds each per-topic publish queue.
	PubQueueMaxSize int `koanf:"pub_queue_maxsize"`

	// DeltaRingSize bounds the per-room delta log used for ack repair.
	DeltaRingSize int `koanf:"delta_ring_size"`

	// StatsInterval is the cadence of the periodic occupancy log line.
	// Zero disables it.
	StatsInterval time.Duration `koanf:"stats_interval"`

	Metrics MetricsConfig `koanf:"metrics"`
	Bridge  BridgeConfig  `koanf:"bridge"`
	Log     LogConfig     `koanf:"log"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// BridgeConfig holds the management REST endpoint configuration.
type BridgeConfig struct {
	// Enabled controls whether the bridge listener runs.
	Enabled bool `koanf:"enabled"`
	// Addr is the HTTP listen address for the bridge (e.g., ":8800").
	Addr string `koanf:"addr"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
	// File is an optional log file path. Empty logs to stderr. When set,
	// the file is size-rotated.
	File string `koanf:"file"`
	// MaxSizeMB is the rotation threshold for File.
	MaxSizeMB int `koanf:"max_size_mb"`
	// MaxBackups is the number of rotated files kept.
	MaxBackups int `koanf:"max_backups"`
	// MaxAgeDays is the retention of rotated files in days.
	MaxAgeDays int `koanf:"max_age_days"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with the stock server defaults:
// 20 Hz broadcast ceiling for active rooms, 2 Hz idle keepalive, 1 s client
// eviction, day-long empty-room retention.
func DefaultConfig() *Config {
	return &Config{
		DealerPort:              5555,
		PubPort:                 5556,
		ServerDiscoveryPort:     9999,
		ServerName:              "STYLY-NetSync-Server",
		EnableServerDiscovery:   true,
		AllowedAppIDs:           nil,
		BaseBroadcastInterval:   100 * time.Millisecond,
		IdleBroadcastInterval:   500 * time.Millisecond,
		DirtyThreshold:          50 * time.Millisecond,
		ClientTimeout:           1 * time.Second,
		DeviceIDExpiry:          5 * time.Minute,
		DeviceIDCleanupInterval: 1 * time.Minute,
		EmptyRoomExpiry:         24 * time.Hour,
		SweepInterval:           1 * time.Second,
		NVFlushInterval:         50 * time.Millisecond,
		NVMonitorThreshold:      200,
		MaxGlobalVars:           100,
		MaxClientVars:           100,
		MaxVarNameLength:        64,
		MaxVarValueLength:       1024,
		MaxVirtualTransforms:    50,
		PubQueueMaxSize:         10000,
		DeltaRingSize:           10000,
		StatsInterval:           1 * time.Minute,
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Bridge: BridgeConfig{
			Enabled: true,
			Addr:    ":8800",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for netsync configuration.
// Variables are named NETSYNC_<key>, e.g., NETSYNC_DEALER_PORT. A double
// underscore descends into a section: NETSYNC_LOG__LEVEL -> log.level.
const envPrefix = "NETSYNC_"

// Load reads configuration from a TOML file at path, overlays environment
// variable overrides (NETSYNC_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults. An empty path skips the
// file layer so the server can run on defaults plus environment alone.
//
// Environment variable mapping:
//
//	NETSYNC_DEALER_PORT       -> dealer_port
//	NETSYNC_SERVER_NAME       -> server_name
//	NETSYNC_LOG__LEVEL        -> log.level
//	NETSYNC_METRICS__ADDR     -> metrics.addr
//
// Uses koanf/v2 with file + env providers and TOML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first.
	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	// Load TOML file on top of defaults.
	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	// Load environment variable overrides on top of the file layer.
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		if path == "" {
			return nil, fmt.Errorf("validate config: %w", err)
		}
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms NETSYNC_LOG__LEVEL -> log.level.
// Strips the NETSYNC_ prefix, lowercases, and replaces __ with . so that
// flat keys containing single underscores (dealer_port) survive intact.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "__", ".")
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"dealer_port":                defaults.DealerPort,
		"pub_port":                   defaults.PubPort,
		"server_discovery_port":      defaults.ServerDiscoveryPort,
		"server_name":                defaults.ServerName,
		"enable_server_discovery":    defaults.EnableServerDiscovery,
		"allowed_app_ids":            defaults.AllowedAppIDs,
		"base_broadcast_interval":    defaults.BaseBroadcastInterval.String(),
		"idle_broadcast_interval":    defaults.IdleBroadcastInterval.String(),
		"dirty_threshold":            defaults.DirtyThreshold.String(),
		"client_timeout":             defaults.ClientTimeout.String(),
		"device_id_expiry_time":      defaults.DeviceIDExpiry.String(),
		"device_id_cleanup_interval": defaults.DeviceIDCleanupInterval.String(),
		"empty_room_expiry":          defaults.EmptyRoomExpiry.String(),
		"sweep_interval":             defaults.SweepInterval.String(),
		"nv_flush_interval":          defaults.NVFlushInterval.String(),
		"nv_monitor_threshold":       defaults.NVMonitorThreshold,
		"max_global_vars":            defaults.MaxGlobalVars,
		"max_client_vars":            defaults.MaxClientVars,
		"max_var_name_length":        defaults.MaxVarNameLength,
		"max_var_value_length":       defaults.MaxVarValueLength,
		"max_virtual_transforms":     defaults.MaxVirtualTransforms,
		"pub_queue_maxsize":          defaults.PubQueueMaxSize,
		"delta_ring_size":            defaults.DeltaRingSize,
		"stats_interval":             defaults.StatsInterval.String(),
		"metrics.addr":               defaults.Metrics.Addr,
		"metrics.path":               defaults.Metrics.Path,
		"bridge.enabled":             defaults.Bridge.Enabled,
		"bridge.addr":                defaults.Bridge.Addr,
		"log.level":                  defaults.Log.Level,
		"log.format":                 defaults.Log.Format,
		"log.file":                   defaults.Log.File,
		"log.max_size_mb":            defaults.Log.MaxSizeMB,
		"log.max_backups":            defaults.Log.MaxBackups,
		"log.max_age_days":           defaults.Log.MaxAgeDays,
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
	// ErrInvalidPort indicates a listen port outside 1-65535.
	ErrInvalidPort = errors.New("port must be between 1 and 65535")

	// ErrPortCollision indicates two endpoints share the same port.
	ErrPortCollision = errors.New("dealer_port and pub_port must differ")

	// ErrEmptyServerName indicates discovery is enabled with no name to announce.
	ErrEmptyServerName = errors.New("server_name must not be empty")

	// ErrInvalidInterval indicates a non-positive duration setting.
	ErrInvalidInterval = errors.New("interval must be > 0")

	// ErrIntervalOrder indicates dirty_threshold exceeds idle_broadcast_interval.
	ErrIntervalOrder = errors.New("dirty_threshold must not exceed idle_broadcast_interval")

	// ErrInvalidLimit indicates a non-positive capacity setting.
	ErrInvalidLimit = errors.New("limit must be >= 1")

	// ErrNameLengthRange indicates max_var_name_length outside 1-255.
	ErrNameLengthRange = errors.New("max_var_name_length must be between 1 and 255")

	// ErrValueLengthRange indicates max_var_value_length outside 1-65535.
	ErrValueLengthRange = errors.New("max_var_value_length must be between 1 and 65535")

	// ErrVirtualsRange indicates max_virtual_transforms outside 1-50.
	ErrVirtualsRange = errors.New("max_virtual_transforms must be between 1 and 50")

	// ErrEmptyAllowedAppID indicates an empty string in the allow-list,
	// which can never match a probe.
	ErrEmptyAllowedAppID = errors.New("allowed_app_ids must not contain empty entries")

	// ErrInvalidLogFormat indicates an unrecognized log format string.
	ErrInvalidLogFormat = errors.New("log format must be json or text")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	for name, port := range map[string]int{
		"dealer_port":           cfg.DealerPort,
		"pub_port":              cfg.PubPort,
		"server_discovery_port": cfg.ServerDiscoveryPort,
	} {
		if port < 1 || port > 65535 {
			return fmt.Errorf("%s %d: %w", name, port, ErrInvalidPort)
		}
	}

	if cfg.DealerPort == cfg.PubPort {
		return ErrPortCollision
	}

	if cfg.EnableServerDiscovery && cfg.ServerName == "" {
		return ErrEmptyServerName
	}

	for _, id := range cfg.AllowedAppIDs {
		if id == "" {
			return ErrEmptyAllowedAppID
		}
	}

	for name, d := range map[string]time.Duration{
		"base_broadcast_interval":    cfg.BaseBroadcastInterval,
		"idle_broadcast_interval":    cfg.IdleBroadcastInterval,
		"dirty_threshold":            cfg.DirtyThreshold,
		"client_timeout":             cfg.ClientTimeout,
		"device_id_expiry_time":      cfg.DeviceIDExpiry,
		"device_id_cleanup_interval": cfg.DeviceIDCleanupInterval,
		"empty_room_expiry":          cfg.EmptyRoomExpiry,
		"sweep_interval":             cfg.SweepInterval,
		"nv_flush_interval":          cfg.NVFlushInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("%s: %w", name, ErrInvalidInterval)
		}
	}

	if cfg.DirtyThreshold > cfg.IdleBroadcastInterval {
		return ErrIntervalOrder
	}

	for name, n := range map[string]int{
		"nv_monitor_threshold": cfg.NVMonitorThreshold,
		"max_global_vars":      cfg.MaxGlobalVars,
		"max_client_vars":      cfg.MaxClientVars,
		"pub_queue_maxsize":    cfg.PubQueueMaxSize,
		"delta_ring_size":      cfg.DeltaRingSize,
	} {
		if n < 1 {
			return fmt.Errorf("%s %d: %w", name, n, ErrInvalidLimit)
		}
	}

	if cfg.MaxVarNameLength < 1 || cfg.MaxVarNameLength > 255 {
		return fmt.Errorf("max_var_name_length %d: %w", cfg.MaxVarNameLength, ErrNameLengthRange)
	}
	if cfg.MaxVarValueLength < 1 || cfg.MaxVarValueLength > 65535 {
		return fmt.Errorf("max_var_value_length %d: %w", cfg.MaxVarValueLength, ErrValueLengthRange)
	}
	if cfg.MaxVirtualTransforms < 1 || cfg.MaxVirtualTransforms > 50 {
		return fmt.Errorf("max_virtual_transforms %d: %w", cfg.MaxVirtualTransforms, ErrVirtualsRange)
	}

	switch cfg.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format %q: %w", cfg.Log.Format, ErrInvalidLogFormat)
	}

	return nil
}

// AppIDAllowed reports whether the given application identity passes the
// allow-list gate. An empty allow-list disables the gate; an empty appID
// is always denied.
func (c *Config) AppIDAllowed(appID string) bool {
	if appID == "" {
		return false
	}
	if len(c.AllowedAppIDs) == 0 {
		return true
	}
	for _, allowed := range c.AllowedAppIDs {
		if appID == allowed {
			return true
		}
	}
	return false
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
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
