// Package remote is the remote-access service: config persistence with
// self-repair, the tunnel lifecycle, device pairing, and the gateway that
// lets a paired device drive the local agent.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/tetherd-dev/tetherd/internal/config"
	"github.com/tetherd-dev/tetherd/internal/eventbus"
	"github.com/tetherd-dev/tetherd/internal/remote/configstore"
	"github.com/tetherd-dev/tetherd/internal/remote/diag"
	"github.com/tetherd-dev/tetherd/internal/remote/execx"
	"github.com/tetherd-dev/tetherd/internal/remote/gateway"
	"github.com/tetherd-dev/tetherd/internal/remote/pairing"
	"github.com/tetherd-dev/tetherd/internal/remote/tunnel"
)

// refreshCooldown suppresses redundant non-forced health probes.
const refreshCooldown = 60 * time.Second

// installTimeout bounds a package-manager install run.
const installTimeout = 5 * time.Minute

// Status is the consolidated snapshot every operation returns.
type Status struct {
	Enabled          bool                `json:"enabled"`
	BindHost         string              `json:"bindHost"`
	BindPort         int                 `json:"bindPort"`
	PublicBaseURL    string              `json:"publicBaseUrl,omitempty"`
	TunnelMode       string              `json:"tunnelMode"`
	TunnelName       string              `json:"tunnelName,omitempty"`
	TunnelDomain     string              `json:"tunnelDomain,omitempty"`
	TunnelVisibility string              `json:"tunnelVisibility"`
	ConfigHealth     configstore.Health  `json:"configHealth"`
	Tunnel           tunnel.RuntimeState `json:"tunnel"`
	DeviceCount      int                 `json:"deviceCount"`
	GatewayRunning   bool                `json:"gatewayRunning"`
	GatewayPort      int                 `json:"gatewayPort,omitempty"`
	LastOperation    *diag.Operation     `json:"lastOperation,omitempty"`
	Diagnostics      []diag.Entry        `json:"diagnostics"`
}

// TunnelOptions carries the user-settable tunnel fields. Nil means leave
// the field unchanged.
type TunnelOptions struct {
	PublicBaseURL    *string `json:"publicBaseUrl,omitempty"`
	TunnelName       *string `json:"tunnelName,omitempty"`
	TunnelDomain     *string `json:"tunnelDomain,omitempty"`
	TunnelVisibility *string `json:"tunnelVisibility,omitempty"`
}

// Deps carries the collaborators the service bridges to.
type Deps struct {
	Bus       *eventbus.Bus
	Sessions  gateway.SessionRunner
	Crons     gateway.CronService
	Workflows gateway.WorkflowService
	Logger    *log.Logger
}

// Service is the explicit remote-access service object; one per process,
// constructed at startup and passed to whoever needs it.
type Service struct {
	logger *log.Logger
	deps   Deps

	store   *configstore.Store
	diag    *diag.Log
	tunnels *tunnel.Controller
	auth    *pairing.Manager
	gateway *gateway.Gateway

	refreshMu   sync.Mutex
	refreshing  chan struct{}
	lastRefresh time.Time

	// probe is swappable so tests can stall or count health probes.
	probe func(ctx context.Context, cfg configstore.Config) tunnel.RuntimeState
}

// NewService constructs an uninitialized service; call Initialize before
// any other method.
func NewService(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[Remote] ", log.LstdFlags)
	}
	return &Service{logger: logger, deps: deps}
}

// Initialize loads config, starts the gateway if remote access was enabled,
// and schedules a fire-and-forget health refresh. It never blocks on
// probes: the first refresh runs in the background and its failures land in
// diagnostics, not in this return value.
func (s *Service) Initialize(dataDir string) error {
	paths, err := config.EnsureDataDirs(dataDir)
	if err != nil {
		return fmt.Errorf("prepare data dirs: %w", err)
	}

	s.diag = diag.New()
	s.store = configstore.Open(paths.RemoteConfig, paths.RemoteBackup, s.logger)
	if err := s.store.Load(); err != nil {
		return fmt.Errorf("load remote config: %w", err)
	}
	if health := s.store.Health(); health.State == configstore.HealthRepairRequired {
		s.diag.Record(diag.LevelWarn, "load", health.Reason, "")
	}

	s.tunnels = tunnel.NewController(s.diag, s.logger)
	if s.probe == nil {
		s.probe = s.tunnels.RefreshHealth
	}
	s.auth = pairing.NewManager(s.store, s.logger)

	s.gateway = gateway.New(gateway.Deps{
		Store:     s.store,
		Auth:      s.auth,
		Bus:       s.deps.Bus,
		Sessions:  s.deps.Sessions,
		Crons:     s.deps.Crons,
		Workflows: s.deps.Workflows,
		PublicURL: func() string { return s.tunnels.Runtime().PublicURL },
		Logger:    s.logger,
	})
	s.auth.SetRevokeHook(s.gateway.CloseDevice)

	if cfg := s.store.Snapshot(); cfg.Enabled {
		if err := s.startGateway(cfg); err != nil {
			return err
		}
	}

	go s.refreshTunnelHealthWithCooldown(false)
	return nil
}

// startGateway listens on the configured port, writing the chosen port
// back when the config asked for an ephemeral one.
func (s *Service) startGateway(cfg configstore.Config) error {
	port, err := s.gateway.Start(cfg.BindHost, cfg.BindPort)
	if err != nil {
		s.diag.Record(diag.LevelError, "gateway", err.Error(), "")
		return err
	}
	if cfg.BindPort != port {
		if err := s.store.Mutate(func(c *configstore.Config) { c.BindPort = port }); err != nil {
			s.logger.Printf("persist chosen port %d: %v", port, err)
		}
	}
	return nil
}

// Shutdown stops the gateway, terminates any supervised tunnel child, and
// flushes pending config writes. Tailscale serve/funnel rules survive a
// daemon restart on purpose; only an explicit StopTunnel removes them.
func (s *Service) Shutdown(ctx context.Context) {
	if s.gateway != nil {
		if err := s.gateway.Stop(ctx); err != nil {
			s.logger.Printf("gateway shutdown: %v", err)
		}
	}
	if s.tunnels != nil {
		s.tunnels.Shutdown()
	}
	if s.store != nil {
		s.store.Flush()
	}
}

// Enable turns remote access on and starts the gateway.
func (s *Service) Enable(ctx context.Context) (Status, error) {
	s.diag.MarkOperation("enable")

	if err := s.store.Mutate(func(c *configstore.Config) { c.Enabled = true }); err != nil {
		return s.Status(), err
	}
	if !s.gateway.Running() {
		if err := s.startGateway(s.store.Snapshot()); err != nil {
			return s.Status(), err
		}
	}

	s.diag.Record(diag.LevelInfo, "enable", "remote access enabled", "")
	return s.Status(), nil
}

// Disable stops the tunnel and gateway and turns remote access off. A
// tunnel stop failure is logged and recorded but does not block disabling.
func (s *Service) Disable(ctx context.Context) (Status, error) {
	s.diag.MarkOperation("disable")

	cfg := s.store.Snapshot()
	if state := s.tunnels.Runtime().State; state == tunnel.StateRunning || state == tunnel.StateStarting {
		if err := s.tunnels.Stop(ctx, cfg); err != nil {
			s.logger.Printf("stop tunnel during disable: %v", err)
		}
	}
	if err := s.gateway.Stop(ctx); err != nil {
		s.logger.Printf("stop gateway during disable: %v", err)
	}

	if err := s.store.Mutate(func(c *configstore.Config) { c.Enabled = false }); err != nil {
		return s.Status(), err
	}

	s.diag.Record(diag.LevelInfo, "disable", "remote access disabled", "")
	return s.Status(), nil
}

// StartTunnel brings the configured tunnel up.
func (s *Service) StartTunnel(ctx context.Context) (Status, error) {
	s.diag.MarkOperation("start")

	cfg := s.store.Snapshot()
	if !cfg.Enabled {
		return s.Status(), errors.New("remote access is disabled. Enable it first")
	}

	if _, err := s.tunnels.Start(ctx, cfg); err != nil {
		return s.Status(), err
	}
	return s.Status(), nil
}

// StopTunnel tears the tunnel down. Stop failures propagate: for tailscale
// they mean serve/funnel rules may still be active.
func (s *Service) StopTunnel(ctx context.Context) (Status, error) {
	s.diag.MarkOperation("stop")

	if err := s.tunnels.Stop(ctx, s.store.Snapshot()); err != nil {
		return s.Status(), err
	}
	return s.Status(), nil
}

// UpdateTunnelMode switches providers, stopping any active tunnel first.
func (s *Service) UpdateTunnelMode(ctx context.Context, mode string) (Status, error) {
	s.diag.MarkOperation("mode")

	switch mode {
	case configstore.ModeTailscale, configstore.ModeCloudflare, configstore.ModeCustom:
	default:
		return s.Status(), fmt.Errorf("unsupported tunnel mode %q", mode)
	}

	cfg := s.store.Snapshot()
	if state := s.tunnels.Runtime().State; state == tunnel.StateRunning || state == tunnel.StateStarting {
		if err := s.tunnels.Stop(ctx, cfg); err != nil {
			return s.Status(), fmt.Errorf("stop %s tunnel before switching: %w", cfg.TunnelMode, err)
		}
	}

	if err := s.store.Mutate(func(c *configstore.Config) { c.TunnelMode = mode }); err != nil {
		return s.Status(), err
	}

	go s.refreshTunnelHealthWithCooldown(true)
	return s.Status(), nil
}

// UpdateTunnelOptions applies user-settable tunnel fields synchronously.
func (s *Service) UpdateTunnelOptions(ctx context.Context, opts TunnelOptions) (Status, error) {
	s.diag.MarkOperation("options")

	if opts.TunnelVisibility != nil {
		v := *opts.TunnelVisibility
		if v != configstore.VisibilityPublic && v != configstore.VisibilityPrivate {
			return s.Status(), fmt.Errorf("unsupported tunnel visibility %q", v)
		}
	}
	if opts.PublicBaseURL != nil && *opts.PublicBaseURL != "" {
		if configstore.NormalizeBaseURL(*opts.PublicBaseURL) == "" {
			return s.Status(), fmt.Errorf("public URL must be http or https: %q", *opts.PublicBaseURL)
		}
	}

	err := s.store.Mutate(func(c *configstore.Config) {
		if opts.PublicBaseURL != nil {
			c.PublicBaseURL = configstore.NormalizeBaseURL(*opts.PublicBaseURL)
		}
		if opts.TunnelName != nil {
			c.TunnelName = *opts.TunnelName
		}
		if opts.TunnelDomain != nil {
			c.TunnelDomain = configstore.NormalizeHostname(*opts.TunnelDomain)
		}
		if opts.TunnelVisibility != nil {
			c.TunnelVisibility = *opts.TunnelVisibility
		}
	})
	if err != nil {
		return s.Status(), err
	}
	return s.Status(), nil
}

// InstallTunnelBinary installs the current provider's binary through the
// platform package manager. An unsupported platform returns a typed error
// distinct from an install that ran and failed; the remediation differs.
func (s *Service) InstallTunnelBinary(ctx context.Context) (Status, error) {
	s.diag.MarkOperation("install")

	cfg := s.store.Snapshot()
	binary := tunnel.BinaryName(cfg.TunnelMode)
	if binary == "" {
		return s.Status(), fmt.Errorf("the %s tunnel does not use a managed binary", cfg.TunnelMode)
	}

	cmd := execx.ResolveInstallCommand(ctx, binary)
	if cmd == nil {
		err := fmt.Errorf("%w: install %s manually", execx.ErrInstallUnsupported, binary)
		s.diag.Record(diag.LevelWarn, "install", err.Error(), "")
		return s.Status(), err
	}

	hint := cmd.Command
	for _, arg := range cmd.Args {
		hint += " " + arg
	}
	s.diag.Record(diag.LevelInfo, "install", fmt.Sprintf("installing %s", binary), hint)

	if _, err := execx.Run(ctx, cmd.Command, cmd.Args, installTimeout); err != nil {
		wrapped := fmt.Errorf("install %s: %w", binary, err)
		s.diag.Record(diag.LevelError, "install", wrapped.Error(), hint)
		return s.Status(), wrapped
	}

	s.diag.Record(diag.LevelInfo, "install", fmt.Sprintf("%s installed", binary), "")
	s.refreshTunnelHealthWithCooldown(true)
	return s.Status(), nil
}

// AuthenticateTunnel runs the provider's login flow.
func (s *Service) AuthenticateTunnel(ctx context.Context) (Status, error) {
	s.diag.MarkOperation("authenticate")

	if err := s.tunnels.Authenticate(ctx, s.store.Snapshot()); err != nil {
		return s.Status(), err
	}
	s.refreshTunnelHealthWithCooldown(true)
	return s.Status(), nil
}

// IssuePairingCode mints a pairing code for out-of-band delivery.
func (s *Service) IssuePairingCode() (pairing.PairingCode, error) {
	s.diag.MarkOperation("pair")
	return s.auth.IssuePairingCode()
}

// RevokeDevice revokes one paired device.
func (s *Service) RevokeDevice(id string) bool {
	s.diag.MarkOperation("revoke")
	return s.auth.Revoke(id)
}

// DeleteAll wipes remote access: tunnel down, gateway stopped, config reset
// to defaults with zero devices. Idempotent.
func (s *Service) DeleteAll(ctx context.Context) (Status, error) {
	s.diag.MarkOperation("delete")

	cfg := s.store.Snapshot()
	if state := s.tunnels.Runtime().State; state == tunnel.StateRunning || state == tunnel.StateStarting {
		if err := s.tunnels.Stop(ctx, cfg); err != nil {
			s.logger.Printf("stop tunnel during delete: %v", err)
		}
	}
	if err := s.gateway.Stop(ctx); err != nil {
		s.logger.Printf("stop gateway during delete: %v", err)
	}

	if err := s.store.Reset(); err != nil {
		return s.Status(), err
	}

	s.diag.Record(diag.LevelInfo, "delete", "remote access configuration deleted", "")
	return s.Status(), nil
}

// Status assembles the consolidated snapshot from config, tunnel runtime,
// gateway state and diagnostics.
func (s *Service) Status() Status {
	cfg := s.store.Snapshot()

	liveDevices := 0
	now := time.Now().UnixMilli()
	for _, d := range cfg.Devices {
		if d.RevokedAt == nil && d.ExpiresAt > now {
			liveDevices++
		}
	}

	return Status{
		Enabled:          cfg.Enabled,
		BindHost:         cfg.BindHost,
		BindPort:         cfg.BindPort,
		PublicBaseURL:    cfg.PublicBaseURL,
		TunnelMode:       cfg.TunnelMode,
		TunnelName:       cfg.TunnelName,
		TunnelDomain:     cfg.TunnelDomain,
		TunnelVisibility: cfg.TunnelVisibility,
		ConfigHealth:     s.store.Health(),
		Tunnel:           s.tunnels.Runtime(),
		DeviceCount:      liveDevices,
		GatewayRunning:   s.gateway.Running(),
		GatewayPort:      s.gateway.Port(),
		LastOperation:    s.diag.LastOperation(),
		Diagnostics:      s.diag.Entries(),
	}
}

// RefreshHealth triggers a forced health probe and returns the snapshot.
func (s *Service) RefreshHealth(ctx context.Context) Status {
	s.refreshTunnelHealthWithCooldown(true)
	return s.Status()
}

// refreshTunnelHealthWithCooldown guarantees at most one in-flight probe;
// concurrent callers wait for the outstanding probe instead of starting a
// duplicate, and non-forced calls inside the cooldown window are no-ops.
func (s *Service) refreshTunnelHealthWithCooldown(force bool) tunnel.RuntimeState {
	s.refreshMu.Lock()
	if s.refreshing != nil {
		waitCh := s.refreshing
		s.refreshMu.Unlock()
		<-waitCh
		return s.tunnels.Runtime()
	}
	if !force && !s.lastRefresh.IsZero() && time.Since(s.lastRefresh) < refreshCooldown {
		s.refreshMu.Unlock()
		return s.tunnels.Runtime()
	}
	doneCh := make(chan struct{})
	s.refreshing = doneCh
	s.refreshMu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Printf("health refresh panic: %v", r)
		}
		s.refreshMu.Lock()
		s.lastRefresh = time.Now()
		s.refreshing = nil
		s.refreshMu.Unlock()
		close(doneCh)
	}()

	cfg := s.store.Snapshot()
	return s.probe(context.Background(), cfg)
}
