package config_test

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/styly-dev/netsync/internal/config"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()

	if cfg.DealerPort != 5555 {
		t.Errorf("DealerPort = %d, want 5555", cfg.DealerPort)
	}

	if cfg.PubPort != 5556 {
		t.Errorf("PubPort = %d, want 5556", cfg.PubPort)
	}

	if cfg.ServerDiscoveryPort != 9999 {
		t.Errorf("ServerDiscoveryPort = %d, want 9999", cfg.ServerDiscoveryPort)
	}

	if cfg.ServerName != "STYLY-NetSync-Server" {
		t.Errorf("ServerName = %q, want %q", cfg.ServerName, "STYLY-NetSync-Server")
	}

	if !cfg.EnableServerDiscovery {
		t.Error("EnableServerDiscovery = false, want true")
	}

	if len(cfg.AllowedAppIDs) != 0 {
		t.Errorf("AllowedAppIDs = %v, want empty", cfg.AllowedAppIDs)
	}

	if cfg.BaseBroadcastInterval != 100*time.Millisecond {
		t.Errorf("BaseBroadcastInterval = %v, want 100ms", cfg.BaseBroadcastInterval)
	}

	if cfg.IdleBroadcastInterval != 500*time.Millisecond {
		t.Errorf("IdleBroadcastInterval = %v, want 500ms", cfg.IdleBroadcastInterval)
	}

	if cfg.DirtyThreshold != 50*time.Millisecond {
		t.Errorf("DirtyThreshold = %v, want 50ms", cfg.DirtyThreshold)
	}

	if cfg.ClientTimeout != 1*time.Second {
		t.Errorf("ClientTimeout = %v, want 1s", cfg.ClientTimeout)
	}

	if cfg.DeviceIDExpiry != 5*time.Minute {
		t.Errorf("DeviceIDExpiry = %v, want 5m", cfg.DeviceIDExpiry)
	}

	if cfg.EmptyRoomExpiry != 24*time.Hour {
		t.Errorf("EmptyRoomExpiry = %v, want 24h", cfg.EmptyRoomExpiry)
	}

	if cfg.NVFlushInterval != 50*time.Millisecond {
		t.Errorf("NVFlushInterval = %v, want 50ms", cfg.NVFlushInterval)
	}

	if cfg.NVMonitorThreshold != 200 {
		t.Errorf("NVMonitorThreshold = %d, want 200", cfg.NVMonitorThreshold)
	}

	if cfg.MaxGlobalVars != 100 || cfg.MaxClientVars != 100 {
		t.Errorf("var limits = %d/%d, want 100/100", cfg.MaxGlobalVars, cfg.MaxClientVars)
	}

	if cfg.MaxVarNameLength != 64 || cfg.MaxVarValueLength != 1024 {
		t.Errorf("var byte caps = %d/%d, want 64/1024", cfg.MaxVarNameLength, cfg.MaxVarValueLength)
	}

	if cfg.PubQueueMaxSize != 10000 {
		t.Errorf("PubQueueMaxSize = %d, want 10000", cfg.PubQueueMaxSize)
	}

	if cfg.DeltaRingSize != 10000 {
		t.Errorf("DeltaRingSize = %d, want 10000", cfg.DeltaRingSize)
	}

	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "info")
	}

	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "json")
	}

	// Defaults must pass validation.
	if err := config.Validate(cfg); err != nil {
		t.Errorf("DefaultConfig() failed validation: %v", err)
	}
}

func TestLoadFromTOML(t *testing.T) {
	t.Parallel()

	tomlContent := `
dealer_port = 6000
pub_port = 6001
server_name = "lab-hub"
allowed_app_ids = ["com.example.app"]
idle_broadcast_interval = "250ms"
client_timeout = "3s"
nv_monitor_threshold = 50

[log]
level = "debug"
format = "text"

[metrics]
addr = ":9200"
path = "/custom-metrics"
`

	path := writeTemp(t, tomlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.DealerPort != 6000 {
		t.Errorf("DealerPort = %d, want 6000", cfg.DealerPort)
	}

	if cfg.PubPort != 6001 {
		t.Errorf("PubPort = %d, want 6001", cfg.PubPort)
	}

	if cfg.ServerName != "lab-hub" {
		t.Errorf("ServerName = %q, want %q", cfg.ServerName, "lab-hub")
	}

	if len(cfg.AllowedAppIDs) != 1 || cfg.AllowedAppIDs[0] != "com.example.app" {
		t.Errorf("AllowedAppIDs = %v, want [com.example.app]", cfg.AllowedAppIDs)
	}

	if cfg.IdleBroadcastInterval != 250*time.Millisecond {
		t.Errorf("IdleBroadcastInterval = %v, want 250ms", cfg.IdleBroadcastInterval)
	}

	if cfg.ClientTimeout != 3*time.Second {
		t.Errorf("ClientTimeout = %v, want 3s", cfg.ClientTimeout)
	}

	if cfg.NVMonitorThreshold != 50 {
		t.Errorf("NVMonitorThreshold = %d, want 50", cfg.NVMonitorThreshold)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}

	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "text")
	}

	if cfg.Metrics.Addr != ":9200" {
		t.Errorf("Metrics.Addr = %q, want %q", cfg.Metrics.Addr, ":9200")
	}

	if cfg.Metrics.Path != "/custom-metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/custom-metrics")
	}
}

func TestLoadMergesDefaults(t *testing.T) {
	t.Parallel()

	// Partial TOML: only override dealer_port and log.level.
	// Everything else should inherit from defaults.
	tomlContent := `
dealer_port = 7777

[log]
level = "warn"
`

	path := writeTemp(t, tomlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	// Overridden values.
	if cfg.DealerPort != 7777 {
		t.Errorf("DealerPort = %d, want 7777", cfg.DealerPort)
	}

	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "warn")
	}

	// Default values should be preserved.
	if cfg.PubPort != 5556 {
		t.Errorf("PubPort = %d, want default 5556", cfg.PubPort)
	}

	if cfg.ServerName != "STYLY-NetSync-Server" {
		t.Errorf("ServerName = %q, want default", cfg.ServerName)
	}

	if cfg.NVFlushInterval != 50*time.Millisecond {
		t.Errorf("NVFlushInterval = %v, want default 50ms", cfg.NVFlushInterval)
	}

	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want default %q", cfg.Log.Format, "json")
	}

	if cfg.Metrics.Addr != ":9100" {
		t.Errorf("Metrics.Addr = %q, want default %q", cfg.Metrics.Addr, ":9100")
	}
}

func TestLoadEmptyPathUsesDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("Load(\"\") error: %v", err)
	}

	if cfg.DealerPort != 5555 {
		t.Errorf("DealerPort = %d, want default 5555", cfg.DealerPort)
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		modify  func(*config.Config)
		wantErr error
	}{
		{
			name: "dealer port zero",
			modify: func(cfg *config.Config) {
				cfg.DealerPort = 0
			},
			wantErr: config.ErrInvalidPort,
		},
		{
			name: "pub port out of range",
			modify: func(cfg *config.Config) {
				cfg.PubPort = 70000
			},
			wantErr: config.ErrInvalidPort,
		},
		{
			name: "dealer and pub collide",
			modify: func(cfg *config.Config) {
				cfg.PubPort = cfg.DealerPort
			},
			wantErr: config.ErrPortCollision,
		},
		{
			name: "discovery without a name",
			modify: func(cfg *config.Config) {
				cfg.ServerName = ""
			},
			wantErr: config.ErrEmptyServerName,
		},
		{
			name: "empty allow-list entry",
			modify: func(cfg *config.Config) {
				cfg.AllowedAppIDs = []string{"good", ""}
			},
			wantErr: config.ErrEmptyAllowedAppID,
		},
		{
			name: "zero client timeout",
			modify: func(cfg *config.Config) {
				cfg.ClientTimeout = 0
			},
			wantErr: config.ErrInvalidInterval,
		},
		{
			name: "negative flush interval",
			modify: func(cfg *config.Config) {
				cfg.NVFlushInterval = -1 * time.Millisecond
			},
			wantErr: config.ErrInvalidInterval,
		},
		{
			name: "dirty threshold above idle interval",
			modify: func(cfg *config.Config) {
				cfg.DirtyThreshold = cfg.IdleBroadcastInterval + time.Millisecond
			},
			wantErr: config.ErrIntervalOrder,
		},
		{
			name: "zero queue size",
			modify: func(cfg *config.Config) {
				cfg.PubQueueMaxSize = 0
			},
			wantErr: config.ErrInvalidLimit,
		},
		{
			name: "name cap past wire prefix",
			modify: func(cfg *config.Config) {
				cfg.MaxVarNameLength = 256
			},
			wantErr: config.ErrNameLengthRange,
		},
		{
			name: "value cap past wire prefix",
			modify: func(cfg *config.Config) {
				cfg.MaxVarValueLength = 65536
			},
			wantErr: config.ErrValueLengthRange,
		},
		{
			name: "virtual transforms past wire cap",
			modify: func(cfg *config.Config) {
				cfg.MaxVirtualTransforms = 51
			},
			wantErr: config.ErrVirtualsRange,
		},
		{
			name: "bad log format",
			modify: func(cfg *config.Config) {
				cfg.Log.Format = "xml"
			},
			wantErr: config.ErrInvalidLogFormat,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := config.DefaultConfig()
			tt.modify(cfg)

			err := config.Validate(cfg)
			if err == nil {
				t.Fatal("Validate() returned nil, want error")
			}

			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestAppIDAllowed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		allowed []string
		appID   string
		want    bool
	}{
		{name: "open gate permits any id", allowed: nil, appID: "anything", want: true},
		{name: "open gate still denies empty", allowed: nil, appID: "", want: false},
		{name: "listed id permitted", allowed: []string{"a", "b"}, appID: "b", want: true},
		{name: "unlisted id denied", allowed: []string{"a", "b"}, appID: "c", want: false},
		{name: "match is byte exact", allowed: []string{"App"}, appID: "app", want: false},
		{name: "closed gate denies empty", allowed: []string{"a"}, appID: "", want: false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := config.DefaultConfig()
			cfg.AllowedAppIDs = tt.allowed

			if got := cfg.AppIDAllowed(tt.appID); got != tt.want {
				t.Errorf("AppIDAllowed(%q) = %v, want %v", tt.appID, got, tt.want)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  slog.Level
	}{
		{input: "debug", want: slog.LevelDebug},
		{input: "DEBUG", want: slog.LevelDebug},
		{input: "info", want: slog.LevelInfo},
		{input: "INFO", want: slog.LevelInfo},
		{input: "warn", want: slog.LevelWarn},
		{input: "WARN", want: slog.LevelWarn},
		{input: "error", want: slog.LevelError},
		{input: "Error", want: slog.LevelError},
		{input: "unknown", want: slog.LevelInfo},
		{input: "", want: slog.LevelInfo},
		{input: "trace", want: slog.LevelInfo},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()

			got := config.ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestLoadNonexistentFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load("/nonexistent/path/netsync.toml")
	if err == nil {
		t.Fatal("Load() returned nil error for nonexistent file")
	}
}

// writeTemp creates a temporary TOML file and returns its path.
// The file is automatically cleaned up when the test finishes.
func writeTemp(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "netsync.toml")

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	return path
}
