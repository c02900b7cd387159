package adminclient

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tetherd-dev/tetherd/internal/eventbus"
	"github.com/tetherd-dev/tetherd/internal/remote"
	"github.com/tetherd-dev/tetherd/internal/remote/configstore"
)

func newTestDaemon(t *testing.T) *Client {
	t.Helper()

	bus := eventbus.New()
	t.Cleanup(bus.Shutdown)

	svc := remote.NewService(remote.Deps{Bus: bus})
	dir := t.TempDir()
	if err := svc.Initialize(dir); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	t.Cleanup(func() { svc.Shutdown(context.Background()) })

	admin := remote.NewAdminServer(svc)
	socket := filepath.Join(dir, "admin.sock")
	if err := admin.Start(socket); err != nil {
		t.Fatalf("start admin server: %v", err)
	}
	t.Cleanup(func() { admin.Stop(context.Background()) })

	return New(socket)
}

func TestStatusOverSocket(t *testing.T) {
	client := newTestDaemon(t)

	status, err := client.Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Enabled {
		t.Fatalf("fresh daemon should start disabled: %+v", status)
	}
	if status.TunnelMode != configstore.ModeTailscale {
		t.Fatalf("unexpected default mode: %q", status.TunnelMode)
	}
}

func TestTunnelModeAndOptions(t *testing.T) {
	client := newTestDaemon(t)
	ctx := context.Background()

	status, err := client.SetTunnelMode(ctx, configstore.ModeCustom)
	if err != nil {
		t.Fatalf("SetTunnelMode: %v", err)
	}
	if status.TunnelMode != configstore.ModeCustom {
		t.Fatalf("mode not applied: %+v", status)
	}

	if _, err := client.SetTunnelMode(ctx, "ngrok"); err == nil {
		t.Fatalf("expected rejection of unknown mode")
	}

	url := "https://agent.example.com/path/?q=1"
	status, err = client.SetTunnelOptions(ctx, remote.TunnelOptions{PublicBaseURL: &url})
	if err != nil {
		t.Fatalf("SetTunnelOptions: %v", err)
	}
	if status.PublicBaseURL != "https://agent.example.com/path" {
		t.Fatalf("URL not normalized over the wire: %q", status.PublicBaseURL)
	}
}

func TestOperationErrorsSurfaceToClient(t *testing.T) {
	client := newTestDaemon(t)

	_, err := client.StartTunnel(context.Background())
	if err == nil {
		t.Fatalf("expected error while remote access is disabled")
	}
	if !strings.Contains(err.Error(), "disabled") {
		t.Fatalf("daemon error lost in transit: %v", err)
	}
}

func TestPairingCodeAndRevoke(t *testing.T) {
	client := newTestDaemon(t)
	ctx := context.Background()

	code, err := client.IssuePairingCode(ctx)
	if err != nil {
		t.Fatalf("IssuePairingCode: %v", err)
	}
	if code.Code == "" || code.ExpiresAt <= 0 {
		t.Fatalf("unexpected pairing code: %+v", code)
	}

	if err := client.RevokeDevice(ctx, "nonexistent"); err == nil {
		t.Fatalf("expected not-found error for unknown device")
	}
}

func TestClientWithoutDaemon(t *testing.T) {
	client := New(filepath.Join(t.TempDir(), "missing.sock"))
	if _, err := client.Status(context.Background()); err == nil {
		t.Fatalf("expected dial failure")
	}
}
