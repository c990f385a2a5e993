package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/veilnet/overlayd/internal/config"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()

	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "json")
	}
	if cfg.Metrics.Addr != ":9100" {
		t.Errorf("Metrics.Addr = %q, want %q", cfg.Metrics.Addr, ":9100")
	}
	if cfg.Load.MaxNetDownBpsTotal != 50_000 {
		t.Errorf("Load.MaxNetDownBpsTotal = %d, want %d", cfg.Load.MaxNetDownBpsTotal, 50_000)
	}
	if cfg.Network.HeloExchange != true {
		t.Errorf("Network.HeloExchange = %v, want true", cfg.Network.HeloExchange)
	}
	if cfg.Overlayd.HeloExpiresMinutes != 60 {
		t.Errorf("Overlayd.HeloExpiresMinutes = %d, want 60", cfg.Overlayd.HeloExpiresMinutes)
	}
	if cfg.Overlayd.BroadcastPeriod != 2*time.Minute {
		t.Errorf("Overlayd.BroadcastPeriod = %v, want 2m", cfg.Overlayd.BroadcastPeriod)
	}

	if err := config.Validate(cfg); err != nil {
		t.Errorf("DefaultConfig() failed validation: %v", err)
	}
}

func TestLoadFromYAML(t *testing.T) {
	t.Parallel()

	yamlContent := `
log:
  level: "debug"
  format: "text"
load:
  max_net_down_bps_total: 100000
  max_net_up_bps_total: 80000
network:
  transports:
    - udp
    - tcp
  private_network: true
overlayd:
  helo_expires_minutes: 30
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
	if cfg.Load.MaxNetDownBpsTotal != 100000 {
		t.Errorf("Load.MaxNetDownBpsTotal = %d, want 100000", cfg.Load.MaxNetDownBpsTotal)
	}
	if len(cfg.Network.Transports) != 2 {
		t.Fatalf("Network.Transports = %v, want 2 entries", cfg.Network.Transports)
	}
	if !cfg.Network.PrivateNetwork {
		t.Error("Network.PrivateNetwork = false, want true")
	}
	if cfg.Overlayd.HeloExpiresMinutes != 30 {
		t.Errorf("Overlayd.HeloExpiresMinutes = %d, want 30", cfg.Overlayd.HeloExpiresMinutes)
	}

	// Unset fields inherit defaults.
	if cfg.Metrics.Addr != ":9100" {
		t.Errorf("Metrics.Addr = %q, want default %q", cfg.Metrics.Addr, ":9100")
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
			name: "zero downstream bandwidth",
			modify: func(cfg *config.Config) {
				cfg.Load.MaxNetDownBpsTotal = 0
			},
			wantErr: config.ErrInvalidMaxNetDownBps,
		},
		{
			name: "zero upstream bandwidth",
			modify: func(cfg *config.Config) {
				cfg.Load.MaxNetUpBpsTotal = 0
			},
			wantErr: config.ErrInvalidMaxNetUpBps,
		},
		{
			name: "negative min bpm",
			modify: func(cfg *config.Config) {
				cfg.Load.MinBpmPerPeer = -1
			},
			wantErr: config.ErrInvalidMinBpmPerPeer,
		},
		{
			name: "no transports",
			modify: func(cfg *config.Config) {
				cfg.Network.Transports = nil
			},
			wantErr: config.ErrNoTransports,
		},
		{
			name: "helo expires too large",
			modify: func(cfg *config.Config) {
				cfg.Overlayd.HeloExpiresMinutes = 10*24*60 + 1
			},
			wantErr: config.ErrHeloExpiresTooLarge,
		},
		{
			name: "empty store home",
			modify: func(cfg *config.Config) {
				cfg.Store.Home = ""
			},
			wantErr: config.ErrEmptyStoreHome,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := config.DefaultConfig()
			tt.modify(cfg)

			err := config.Validate(cfg)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
	}{
		{"debug"}, {"info"}, {"warn"}, {"error"}, {"unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()
			_ = config.ParseLogLevel(tt.input)
		})
	}
}

func writeTemp(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "overlayd.yml")

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	return path
}
