package tunnel

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/tetherd-dev/tetherd/internal/remote/configstore"
	"github.com/tetherd-dev/tetherd/internal/remote/diag"
)

func testConfig(mode string) configstore.Config {
	cfg := *configstore.DefaultConfig()
	cfg.TunnelMode = mode
	return cfg
}

func TestMapBackendState(t *testing.T) {
	cases := []struct {
		state string
		want  AuthStatus
	}{
		{"Running", AuthAuthenticated},
		{"running", AuthAuthenticated},
		{"NeedsLogin", AuthUnauthenticated},
		{"NeedsMachineAuth", AuthUnauthenticated},
		{"Stopped", AuthUnauthenticated},
		{"Starting", AuthUnknown},
		{"", AuthUnknown},
	}
	for _, tc := range cases {
		if got := mapBackendState(tc.state); got != tc.want {
			t.Errorf("mapBackendState(%q) = %s, want %s", tc.state, got, tc.want)
		}
	}
}

func TestQuickTunnelURLRegex(t *testing.T) {
	line := "2024-01-01T00:00:00Z INF |  https://witty-otter-1234.trycloudflare.com  |"
	if got := quickTunnelURL.FindString(line); got != "https://witty-otter-1234.trycloudflare.com" {
		t.Fatalf("regex matched %q", got)
	}
	if quickTunnelURL.FindString("https://example.com") != "" {
		t.Fatalf("regex must only match trycloudflare hosts")
	}
}

func TestBinaryName(t *testing.T) {
	if BinaryName(configstore.ModeTailscale) != "tailscale" {
		t.Fatalf("tailscale binary name wrong")
	}
	if BinaryName(configstore.ModeCloudflare) != "cloudflared" {
		t.Fatalf("cloudflare binary name wrong")
	}
	if BinaryName(configstore.ModeCustom) != "" {
		t.Fatalf("custom mode runs no binary")
	}
}

func TestCustomStartRequiresURL(t *testing.T) {
	c := NewController(diag.New(), nil)

	cfg := testConfig(configstore.ModeCustom)
	if _, err := c.Start(context.Background(), cfg); err == nil {
		t.Fatalf("expected error without a configured public URL")
	}
	if state := c.Runtime(); state.State != StateError || state.LastError == "" {
		t.Fatalf("expected error state, got %+v", state)
	}
}

func TestCustomStartRunsImmediately(t *testing.T) {
	c := NewController(diag.New(), nil)

	cfg := testConfig(configstore.ModeCustom)
	cfg.PublicBaseURL = "https://agent.example.com"

	state, err := c.Start(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if state.State != StateRunning || state.PublicURL != "https://agent.example.com" {
		t.Fatalf("unexpected runtime: %+v", state)
	}
	if state.StartedAt == 0 {
		t.Fatalf("startedAt not set")
	}

	if err := c.Stop(context.Background(), cfg); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if state := c.Runtime(); state.State != StateStopped || state.PublicURL != "" {
		t.Fatalf("expected stopped state, got %+v", state)
	}
}

// installFakeBinary puts a failing executable named name on PATH ahead of
// the real one.
func installFakeBinary(t *testing.T, name, script string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("test relies on sh and PATH overrides")
	}

	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake %s: %v", name, err)
	}
	t.Setenv("PATH", dir+string(os.PathListSeparator)+"/usr/bin"+string(os.PathListSeparator)+"/bin")
}

func TestTailscaleStopDoubleFailurePropagates(t *testing.T) {
	installFakeBinary(t, "tailscale", "#!/bin/sh\nexit 1\n")

	diagLog := diag.New()
	c := NewController(diagLog, nil)

	err := c.Stop(context.Background(), testConfig(configstore.ModeTailscale))
	if err == nil {
		t.Fatalf("expected combined stop error")
	}
	if !strings.Contains(err.Error(), "funnel off") || !strings.Contains(err.Error(), "serve reset") {
		t.Fatalf("error should carry both failure reasons: %v", err)
	}

	if state := c.Runtime(); state.State != StateError {
		t.Fatalf("expected error state after stop failure, got %s", state.State)
	}

	var found bool
	for _, entry := range diagLog.Entries() {
		if entry.Level == diag.LevelError && entry.Step == "stop" {
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("expected an error diagnostic for step stop")
	}
}

func TestTailscaleStartRequiresLogin(t *testing.T) {
	installFakeBinary(t, "tailscale",
		"#!/bin/sh\nif [ \"$1\" = \"status\" ]; then echo '{\"BackendState\":\"NeedsLogin\",\"Self\":{\"DNSName\":\"\"}}'; exit 0; fi\nexit 1\n")

	c := NewController(diag.New(), nil)

	_, err := c.Start(context.Background(), testConfig(configstore.ModeTailscale))
	if err == nil {
		t.Fatalf("expected error when not logged in")
	}
	if !strings.Contains(err.Error(), "not logged in") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTailscaleStartPublishesDNSName(t *testing.T) {
	installFakeBinary(t, "tailscale",
		"#!/bin/sh\nif [ \"$1\" = \"status\" ]; then echo '{\"BackendState\":\"Running\",\"Self\":{\"DNSName\":\"agent.tailnet.ts.net.\"}}'; exit 0; fi\nexit 0\n")

	c := NewController(diag.New(), nil)

	state, err := c.Start(context.Background(), testConfig(configstore.ModeTailscale))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if state.State != StateRunning {
		t.Fatalf("expected running, got %s", state.State)
	}
	if state.PublicURL != "https://agent.tailnet.ts.net" {
		t.Fatalf("expected DNS-derived URL, got %q", state.PublicURL)
	}
}

func TestTailscaleExplicitURLWins(t *testing.T) {
	installFakeBinary(t, "tailscale",
		"#!/bin/sh\nif [ \"$1\" = \"status\" ]; then echo '{\"BackendState\":\"Running\",\"Self\":{\"DNSName\":\"agent.tailnet.ts.net.\"}}'; exit 0; fi\nexit 0\n")

	c := NewController(diag.New(), nil)
	cfg := testConfig(configstore.ModeTailscale)
	cfg.PublicBaseURL = "https://remote.example.com"

	state, err := c.Start(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if state.PublicURL != "https://remote.example.com" {
		t.Fatalf("explicit public URL must win, got %q", state.PublicURL)
	}
}

func TestRefreshHealthReportsMissingBinary(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("test relies on PATH overrides")
	}
	dir := t.TempDir()
	t.Setenv("PATH", dir+string(os.PathListSeparator)+"/usr/bin"+string(os.PathListSeparator)+"/bin")

	c := NewController(diag.New(), nil)
	state := c.RefreshHealth(context.Background(), testConfig(configstore.ModeTailscale))
	if state.BinaryInstalled {
		t.Fatalf("binary should be reported missing")
	}
	if state.AuthStatus != AuthUnknown {
		t.Fatalf("auth should be unknown without a binary, got %s", state.AuthStatus)
	}
}
