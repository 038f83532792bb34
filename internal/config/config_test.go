package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/edumarques81/stellar-playback/internal/domain/clocksync"
	"github.com/edumarques81/stellar-playback/internal/domain/quality"
	"github.com/edumarques81/stellar-playback/internal/domain/queue"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default() invalid: %v", err)
	}
	if cfg.Policy() != quality.DefaultPolicy() {
		t.Errorf("Policy() = %+v", cfg.Policy())
	}
	if cfg.ClockSyncParams() != clocksync.DefaultConfig() {
		t.Errorf("ClockSyncParams() = %+v", cfg.ClockSyncParams())
	}
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg != Default() {
		t.Errorf("Load(\"\") = %+v", cfg)
	}
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := writeConfig(t, "playback.yaml", `
listen: "127.0.0.1:4000"
mpd:
  host: renderer.local
  password: secret
player:
  defaultQuality: 64
  resolveTimeout: 3s
queue:
  historyWindow: 2
clockSync:
  driftThreshold: 750ms
socket:
  publishWindow: 250ms
  maxExternalClients: 0
entitlement: entitled
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Listen != "127.0.0.1:4000" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
	if cfg.MPD.Host != "renderer.local" || cfg.MPD.Port != 6600 || cfg.MPD.Password != "secret" {
		t.Errorf("MPD = %+v", cfg.MPD)
	}
	if cfg.Player.DefaultQuality != 64 || cfg.Player.ResolveTimeout != 3*time.Second {
		t.Errorf("Player = %+v", cfg.Player)
	}
	if !cfg.Player.Overlay {
		t.Error("overlay default should survive a partial player block")
	}
	if cfg.ClockSync.DriftThreshold != 750*time.Millisecond || cfg.ClockSync.Interval != clocksync.DefaultConfig().Interval {
		t.Errorf("ClockSync = %+v", cfg.ClockSync)
	}
	if cfg.Queue.HistoryWindow != 2 || cfg.Queue.HistoryLimit != queue.DefaultHistoryLimit {
		t.Errorf("Queue = %+v", cfg.Queue)
	}
	if cfg.NewQueue().Len() != 0 {
		t.Error("NewQueue should start empty")
	}
	if cfg.Socket.PublishWindow != 250*time.Millisecond || cfg.Socket.MaxExternalClients != 0 {
		t.Errorf("Socket = %+v", cfg.Socket)
	}
	if e := cfg.Entitlement.Entitlement(); !e.Authenticated || !e.Entitled {
		t.Errorf("Entitlement = %+v", e)
	}
}

func TestLoadEmptyFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, "empty.yml", ""))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg != Default() {
		t.Error("empty file should yield defaults")
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		body    string
		wantErr string
	}{
		{"unknown key", "c.yaml", "mpd:\n  hots: x\n", "strict config parse error"},
		{"bad duration", "c.yaml", "player:\n  resolveTimeout: soon\n", "strict config parse error"},
		{"two documents", "c.yaml", "debug: true\n---\ndebug: false\n", "multiple documents"},
		{"wrong extension", "c.json", "{}", "unsupported config format"},
		{"invalid port", "c.yaml", "mpd:\n  port: 70000\n", "mpd port 70000"},
		{"unknown entitlement", "c.yaml", "entitlement: vip\n", "unknown entitlement"},
		{"negative shuffle window", "c.yaml", "queue:\n  historyWindow: -1\n", "queue history window"},
		{"inverted thresholds", "c.yaml", "quality:\n  authThreshold: 80\n  entitlementThreshold: 64\n", "entitlement must not be below auth"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.file, tt.body))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Listen = "nope"
	cfg.Catalog = ""
	cfg.Thumbnails.Burst = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"listen", "catalog path", "thumbnail rate"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestEntitlementLevels(t *testing.T) {
	if e := LevelAnonymous.Entitlement(); e.Authenticated || e.Entitled {
		t.Errorf("anonymous = %+v", e)
	}
	if e := LevelAuthenticated.Entitlement(); !e.Authenticated || e.Entitled {
		t.Errorf("authenticated = %+v", e)
	}
}
