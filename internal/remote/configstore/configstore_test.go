package configstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) (*Store, string, string) {
	t.Helper()
	dir := t.TempDir()
	primary := filepath.Join(dir, "remote.json")
	backup := filepath.Join(dir, "remote.json.bak")
	return Open(primary, backup, nil), primary, backup
}

func writeConfigJSON(t *testing.T, path string, cfg Config) {
	t.Helper()
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadMissingFileCreatesDefault(t *testing.T) {
	store, primary, backup := newTestStore(t)

	if err := store.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if health := store.Health(); health.State != HealthValid {
		t.Fatalf("expected valid health on first run, got %s (%s)", health.State, health.Reason)
	}
	cfg := store.Snapshot()
	if cfg.TunnelMode != ModeTailscale {
		t.Fatalf("expected default mode tailscale, got %s", cfg.TunnelMode)
	}
	if cfg.BindHost != "127.0.0.1" {
		t.Fatalf("expected loopback bind host, got %s", cfg.BindHost)
	}

	for _, path := range []string{primary, backup} {
		if _, err := os.Stat(path); err != nil {
			t.Fatalf("expected %s to exist: %v", path, err)
		}
	}
}

func TestLoadInvalidModeRecoversFromBackup(t *testing.T) {
	store, primary, backup := newTestStore(t)

	now := time.Now().UnixMilli()
	bad := Config{TunnelMode: "ngrok", BindPort: 9000, CreatedAt: now, UpdatedAt: now}
	good := Config{TunnelMode: ModeCloudflare, TunnelVisibility: VisibilityPublic, BindPort: 9000, CreatedAt: now, UpdatedAt: now}
	writeConfigJSON(t, primary, bad)
	writeConfigJSON(t, backup, good)

	if err := store.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	health := store.Health()
	if health.State != HealthRepairRequired {
		t.Fatalf("expected repair_required, got %s", health.State)
	}
	if !strings.HasPrefix(health.Reason, "Recovered remote setup from backup because primary config was invalid:") {
		t.Fatalf("unexpected repair reason: %q", health.Reason)
	}

	cfg := store.Snapshot()
	if cfg.TunnelMode != ModeCloudflare {
		t.Fatalf("expected backup mode adopted, got %s", cfg.TunnelMode)
	}

	// Primary must be rewritten to match the adopted backup.
	rewritten, err := readConfigFile(primary)
	if err != nil {
		t.Fatalf("reread primary: %v", err)
	}
	if rewritten.TunnelMode != ModeCloudflare {
		t.Fatalf("expected primary rewritten to cloudflare, got %s", rewritten.TunnelMode)
	}
}

func TestLoadInvalidPrimaryAndBackupResets(t *testing.T) {
	store, primary, backup := newTestStore(t)

	if err := os.WriteFile(primary, []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write primary: %v", err)
	}
	if err := os.WriteFile(backup, []byte("also not json"), 0o600); err != nil {
		t.Fatalf("write backup: %v", err)
	}

	if err := store.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	health := store.Health()
	if health.State != HealthRepairRequired {
		t.Fatalf("expected repair_required, got %s", health.State)
	}
	if !strings.HasPrefix(health.Reason, "Remote setup config was reset. Reason:") {
		t.Fatalf("unexpected reset reason: %q", health.Reason)
	}
	if cfg := store.Snapshot(); cfg.TunnelMode != ModeTailscale {
		t.Fatalf("expected default mode after reset, got %s", cfg.TunnelMode)
	}
}

func TestLoadNormalizesFields(t *testing.T) {
	store, primary, _ := newTestStore(t)

	now := time.Now().UnixMilli()
	writeConfigJSON(t, primary, Config{
		TunnelMode:       ModeTailscale,
		TunnelVisibility: "everyone",
		BindHost:         "0.0.0.0",
		BindPort:         700000,
		PublicBaseURL:    "https://example.com/base/?q=1#frag",
		TunnelDomain:     "Agent.Example.COM.",
		Devices: []Device{
			{ID: "d1", Name: "Phone", Platform: "ios", TokenHash: "abc", CreatedAt: now, ExpiresAt: now + 1000},
			{ID: "d2", Name: "", Platform: "android", TokenHash: "def", CreatedAt: now, ExpiresAt: now + 1000},
			{ID: "d3", Name: "Tablet", Platform: "android", TokenHash: "ghi", CreatedAt: 0, ExpiresAt: now + 1000},
		},
		CreatedAt: now,
		UpdatedAt: now,
	})

	if err := store.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	cfg := store.Snapshot()
	if cfg.BindHost != "127.0.0.1" {
		t.Fatalf("bind host not forced to loopback: %s", cfg.BindHost)
	}
	if cfg.BindPort != 65535 {
		t.Fatalf("port not clamped: %d", cfg.BindPort)
	}
	if cfg.PublicBaseURL != "https://example.com/base" {
		t.Fatalf("URL not normalized: %s", cfg.PublicBaseURL)
	}
	if cfg.TunnelDomain != "agent.example.com" {
		t.Fatalf("domain not normalized: %s", cfg.TunnelDomain)
	}
	if cfg.TunnelVisibility != VisibilityPrivate {
		t.Fatalf("visibility not defaulted: %s", cfg.TunnelVisibility)
	}
	if len(cfg.Devices) != 1 || cfg.Devices[0].ID != "d1" {
		t.Fatalf("incomplete devices not filtered: %+v", cfg.Devices)
	}
}

func TestMutateClearsRepairHealth(t *testing.T) {
	store, primary, _ := newTestStore(t)

	if err := os.WriteFile(primary, []byte("corrupt"), 0o600); err != nil {
		t.Fatalf("write primary: %v", err)
	}
	if err := store.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if store.Health().State != HealthRepairRequired {
		t.Fatalf("expected repair_required before mutation")
	}

	if err := store.Mutate(func(c *Config) { c.Enabled = true }); err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	if health := store.Health(); health.State != HealthValid {
		t.Fatalf("expected valid health after mutation, got %s", health.State)
	}
}

func TestMutateDeferredCoalesces(t *testing.T) {
	store, primary, _ := newTestStore(t)
	if err := store.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}

	before, err := os.Stat(primary)
	if err != nil {
		t.Fatalf("stat primary: %v", err)
	}

	store.MutateDeferred(func(c *Config) { c.TunnelName = "first" })
	store.MutateDeferred(func(c *Config) { c.TunnelName = "second" })

	deadline := time.Now().Add(2 * time.Second)
	for {
		after, err := os.Stat(primary)
		if err == nil && after.ModTime().After(before.ModTime()) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("deferred save never flushed")
		}
		time.Sleep(20 * time.Millisecond)
	}

	reread, err := readConfigFile(primary)
	if err != nil {
		t.Fatalf("reread: %v", err)
	}
	if reread.TunnelName != "second" {
		t.Fatalf("expected coalesced write with latest value, got %q", reread.TunnelName)
	}
}

func TestNormalizeBaseURL(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"https://example.com/", "https://example.com"},
		{"http://example.com/path/?x=1#y", "http://example.com/path"},
		{"ftp://example.com", ""},
		{"not a url at all://", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := NormalizeBaseURL(tc.in); got != tc.want {
			t.Errorf("NormalizeBaseURL(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestReset(t *testing.T) {
	store, _, _ := newTestStore(t)
	if err := store.Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := store.Mutate(func(c *Config) {
		c.Enabled = true
		c.TunnelMode = ModeCustom
		c.Devices = append(c.Devices, Device{
			ID: "d1", Name: "Phone", Platform: "ios", TokenHash: "abc",
			CreatedAt: 1, ExpiresAt: time.Now().UnixMilli() + 10000,
		})
	}); err != nil {
		t.Fatalf("Mutate: %v", err)
	}

	if err := store.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	cfg := store.Snapshot()
	if cfg.Enabled || cfg.TunnelMode != ModeTailscale || len(cfg.Devices) != 0 {
		t.Fatalf("reset did not restore defaults: %+v", cfg)
	}
	if store.Health().State != HealthValid {
		t.Fatalf("expected valid health after reset")
	}
}
