package remote

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tetherd-dev/tetherd/internal/eventbus"
	"github.com/tetherd-dev/tetherd/internal/remote/configstore"
	"github.com/tetherd-dev/tetherd/internal/remote/tunnel"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	return NewService(Deps{Bus: eventbus.New()})
}

func TestInitializeNotBlockedByHealthRefresh(t *testing.T) {
	svc := newTestService(t)

	gate := make(chan struct{})
	svc.probe = func(ctx context.Context, cfg configstore.Config) tunnel.RuntimeState {
		<-gate
		return tunnel.RuntimeState{}
	}
	t.Cleanup(func() { close(gate) })

	done := make(chan error, 1)
	go func() { done <- svc.Initialize(t.TempDir()) }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Initialize: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Initialize blocked on the health refresh")
	}
}

func TestRefreshSingleFlight(t *testing.T) {
	svc := newTestService(t)

	var probes atomic.Int32
	gate := make(chan struct{})
	svc.probe = func(ctx context.Context, cfg configstore.Config) tunnel.RuntimeState {
		probes.Add(1)
		<-gate
		return tunnel.RuntimeState{}
	}

	if err := svc.Initialize(t.TempDir()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	// Initialize fired the first probe; it is now parked on the gate.
	deadline := time.Now().Add(2 * time.Second)
	for probes.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("initial probe never started")
		}
		time.Sleep(10 * time.Millisecond)
	}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.refreshTunnelHealthWithCooldown(true)
		}()
	}

	// Give both callers time to reach the wait, then release the probe.
	time.Sleep(100 * time.Millisecond)
	close(gate)

	waitDone := make(chan struct{})
	go func() { wg.Wait(); close(waitDone) }()
	select {
	case <-waitDone:
	case <-time.After(3 * time.Second):
		t.Fatalf("concurrent refreshers never returned")
	}

	if got := probes.Load(); got != 1 {
		t.Fatalf("expected exactly one probe execution, got %d", got)
	}
}

func TestRefreshCooldownSuppressesNonForced(t *testing.T) {
	svc := newTestService(t)

	var probes atomic.Int32
	svc.probe = func(ctx context.Context, cfg configstore.Config) tunnel.RuntimeState {
		probes.Add(1)
		return tunnel.RuntimeState{}
	}

	if err := svc.Initialize(t.TempDir()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for probes.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("initial probe never ran")
		}
		time.Sleep(10 * time.Millisecond)
	}

	svc.refreshTunnelHealthWithCooldown(false)
	svc.refreshTunnelHealthWithCooldown(false)
	if got := probes.Load(); got != 1 {
		t.Fatalf("non-forced refresh inside cooldown should be a no-op, got %d probes", got)
	}

	svc.refreshTunnelHealthWithCooldown(true)
	if got := probes.Load(); got != 2 {
		t.Fatalf("forced refresh should always probe, got %d probes", got)
	}
}

func TestEnableDisableRoundTrip(t *testing.T) {
	svc := newTestService(t)
	svc.probe = func(ctx context.Context, cfg configstore.Config) tunnel.RuntimeState {
		return tunnel.RuntimeState{}
	}
	if err := svc.Initialize(t.TempDir()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	// Ask for an ephemeral port so the test never collides with a busy one.
	if err := svc.store.Mutate(func(c *configstore.Config) { c.BindPort = 0 }); err != nil {
		t.Fatalf("Mutate: %v", err)
	}

	ctx := context.Background()
	status, err := svc.Enable(ctx)
	if err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if !status.Enabled || !status.GatewayRunning || status.GatewayPort == 0 {
		t.Fatalf("unexpected status after enable: %+v", status)
	}

	// The ephemeral port choice must be written back to config.
	if cfg := svc.store.Snapshot(); cfg.BindPort != status.GatewayPort {
		t.Fatalf("chosen port %d not persisted (config has %d)", status.GatewayPort, cfg.BindPort)
	}

	status, err = svc.Disable(ctx)
	if err != nil {
		t.Fatalf("Disable: %v", err)
	}
	if status.Enabled || status.GatewayRunning {
		t.Fatalf("unexpected status after disable: %+v", status)
	}
}

func TestStartTunnelRequiresEnabled(t *testing.T) {
	svc := newTestService(t)
	svc.probe = func(ctx context.Context, cfg configstore.Config) tunnel.RuntimeState {
		return tunnel.RuntimeState{}
	}
	if err := svc.Initialize(t.TempDir()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if _, err := svc.StartTunnel(context.Background()); err == nil {
		t.Fatalf("expected error while disabled")
	}
}

func TestUpdateTunnelModeValidates(t *testing.T) {
	svc := newTestService(t)
	svc.probe = func(ctx context.Context, cfg configstore.Config) tunnel.RuntimeState {
		return tunnel.RuntimeState{}
	}
	if err := svc.Initialize(t.TempDir()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	ctx := context.Background()
	if _, err := svc.UpdateTunnelMode(ctx, "ngrok"); err == nil {
		t.Fatalf("expected rejection of unknown mode")
	}

	status, err := svc.UpdateTunnelMode(ctx, configstore.ModeCustom)
	if err != nil {
		t.Fatalf("UpdateTunnelMode: %v", err)
	}
	if status.TunnelMode != configstore.ModeCustom {
		t.Fatalf("mode not applied: %+v", status)
	}
}

func TestUpdateTunnelOptionsNormalizes(t *testing.T) {
	svc := newTestService(t)
	svc.probe = func(ctx context.Context, cfg configstore.Config) tunnel.RuntimeState {
		return tunnel.RuntimeState{}
	}
	if err := svc.Initialize(t.TempDir()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	ctx := context.Background()
	url := "https://agent.example.com/?utm=1"
	domain := "Agent.Example.COM."
	status, err := svc.UpdateTunnelOptions(ctx, TunnelOptions{
		PublicBaseURL: &url,
		TunnelDomain:  &domain,
	})
	if err != nil {
		t.Fatalf("UpdateTunnelOptions: %v", err)
	}
	if status.PublicBaseURL != "https://agent.example.com" {
		t.Fatalf("URL not normalized: %q", status.PublicBaseURL)
	}
	if status.TunnelDomain != "agent.example.com" {
		t.Fatalf("domain not normalized: %q", status.TunnelDomain)
	}

	bad := "ftp://example.com"
	if _, err := svc.UpdateTunnelOptions(ctx, TunnelOptions{PublicBaseURL: &bad}); err == nil {
		t.Fatalf("expected rejection of non-http URL")
	}

	vis := "everyone"
	if _, err := svc.UpdateTunnelOptions(ctx, TunnelOptions{TunnelVisibility: &vis}); err == nil {
		t.Fatalf("expected rejection of unknown visibility")
	}
}

func TestDeleteAllResets(t *testing.T) {
	svc := newTestService(t)
	svc.probe = func(ctx context.Context, cfg configstore.Config) tunnel.RuntimeState {
		return tunnel.RuntimeState{}
	}
	if err := svc.Initialize(t.TempDir()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	if err := svc.store.Mutate(func(c *configstore.Config) { c.BindPort = 0 }); err != nil {
		t.Fatalf("Mutate: %v", err)
	}

	ctx := context.Background()
	if _, err := svc.Enable(ctx); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if _, err := svc.UpdateTunnelMode(ctx, configstore.ModeCustom); err != nil {
		t.Fatalf("UpdateTunnelMode: %v", err)
	}
	if _, _, err := svc.auth.IssueDeviceToken("Phone", "ios"); err != nil {
		t.Fatalf("IssueDeviceToken: %v", err)
	}

	status, err := svc.DeleteAll(ctx)
	if err != nil {
		t.Fatalf("DeleteAll: %v", err)
	}
	if status.Enabled {
		t.Fatalf("expected enabled=false after deleteAll")
	}
	if status.DeviceCount != 0 {
		t.Fatalf("expected zero devices, got %d", status.DeviceCount)
	}
	if status.TunnelMode != configstore.ModeTailscale {
		t.Fatalf("expected default mode, got %s", status.TunnelMode)
	}
	if status.ConfigHealth.State != configstore.HealthValid {
		t.Fatalf("expected valid health, got %+v", status.ConfigHealth)
	}

	// Idempotent: a second delete leaves the same state.
	status, err = svc.DeleteAll(ctx)
	if err != nil {
		t.Fatalf("second DeleteAll: %v", err)
	}
	if status.Enabled || status.DeviceCount != 0 {
		t.Fatalf("deleteAll not idempotent: %+v", status)
	}
}
