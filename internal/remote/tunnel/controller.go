// Package tunnel drives the three transport strategies (tailscale,
// cloudflare, custom) that expose the loopback gateway to a remote device.
// The controller owns the tunnel state machine; providers shell out to
// their CLIs through execx and never touch persisted config.
package tunnel

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/tetherd-dev/tetherd/internal/remote/configstore"
	"github.com/tetherd-dev/tetherd/internal/remote/diag"
	"github.com/tetherd-dev/tetherd/internal/remote/execx"
)

// State is the tunnel lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateError    State = "error"
)

// AuthStatus reports whether the provider CLI is logged in.
type AuthStatus string

const (
	AuthAuthenticated   AuthStatus = "authenticated"
	AuthUnauthenticated AuthStatus = "unauthenticated"
	AuthUnknown         AuthStatus = "unknown"
)

// RuntimeState is the in-memory tunnel snapshot, reconstructed by health
// probes and never persisted.
type RuntimeState struct {
	State           State      `json:"state"`
	PublicURL       string     `json:"publicUrl,omitempty"`
	LastError       string     `json:"lastError,omitempty"`
	BinaryInstalled bool       `json:"binaryInstalled"`
	BinaryPath      string     `json:"binaryPath,omitempty"`
	AuthStatus      AuthStatus `json:"authStatus"`
	StartedAt       int64      `json:"startedAt,omitempty"`
	Pid             int        `json:"pid,omitempty"`
}

const (
	commandTimeout = 15 * time.Second
	probeTimeout   = 5 * time.Second
	loginTimeout   = 2 * time.Minute
)

// BinaryName returns the executable a tunnel mode depends on, or "" for
// modes that run no binary.
func BinaryName(mode string) string {
	switch mode {
	case configstore.ModeTailscale:
		return "tailscale"
	case configstore.ModeCloudflare:
		return "cloudflared"
	default:
		return ""
	}
}

// Controller owns the state machine and the single supervised child. Start,
// Stop, Authenticate and RefreshHealth are serialized; the runtime snapshot
// is readable at any time.
type Controller struct {
	logger     *log.Logger
	diag       *diag.Log
	supervisor *execx.Supervisor

	opMu sync.Mutex // serializes lifecycle operations

	mu         sync.Mutex
	runtime    RuntimeState
	activeMode string
	activeCfg  configstore.Config
}

// NewController constructs a stopped controller.
func NewController(diagLog *diag.Log, logger *log.Logger) *Controller {
	if logger == nil {
		logger = log.New(os.Stdout, "[Tunnel] ", log.LstdFlags)
	}
	return &Controller{
		logger:     logger,
		diag:       diagLog,
		supervisor: execx.NewSupervisor(),
		runtime: RuntimeState{
			State:      StateStopped,
			AuthStatus: AuthUnknown,
		},
	}
}

// Runtime returns the current runtime snapshot.
func (c *Controller) Runtime() RuntimeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runtime
}

func (c *Controller) setRuntime(fn func(*RuntimeState)) RuntimeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.runtime)
	return c.runtime
}

// Start brings the tunnel for cfg.TunnelMode up. An active tunnel of a
// different mode is stopped first so two providers never run concurrently.
func (c *Controller) Start(ctx context.Context, cfg configstore.Config) (RuntimeState, error) {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	prevMode, prevCfg := c.activeMode, c.activeCfg
	c.mu.Unlock()

	if prevMode != "" && prevMode != cfg.TunnelMode {
		if err := c.stopProvider(ctx, prevMode, prevCfg); err != nil {
			c.logger.Printf("stopping previous %s tunnel before mode switch: %v", prevMode, err)
		}
	}

	c.setRuntime(func(r *RuntimeState) {
		r.State = StateStarting
		r.LastError = ""
		r.PublicURL = ""
		r.Pid = 0
		r.StartedAt = 0
	})
	c.diag.Record(diag.LevelInfo, "start", fmt.Sprintf("starting %s tunnel", cfg.TunnelMode), "")

	var (
		publicURL string
		pid       int
		err       error
	)
	switch cfg.TunnelMode {
	case configstore.ModeTailscale:
		publicURL, err = c.startTailscale(ctx, cfg)
	case configstore.ModeCloudflare:
		publicURL, pid, err = c.startCloudflare(ctx, cfg)
	case configstore.ModeCustom:
		publicURL, err = c.startCustom(cfg)
	default:
		err = fmt.Errorf("unsupported tunnel mode %q", cfg.TunnelMode)
	}

	if err != nil {
		c.diag.Record(diag.LevelError, "start", err.Error(), "")
		state := c.setRuntime(func(r *RuntimeState) {
			r.State = StateError
			r.LastError = err.Error()
		})
		return state, err
	}

	c.mu.Lock()
	c.activeMode = cfg.TunnelMode
	c.activeCfg = cfg
	c.mu.Unlock()

	state := c.setRuntime(func(r *RuntimeState) {
		r.State = StateRunning
		r.PublicURL = publicURL
		r.StartedAt = time.Now().UnixMilli()
		r.Pid = pid
	})
	c.diag.Record(diag.LevelInfo, "start", fmt.Sprintf("%s tunnel running at %s", cfg.TunnelMode, publicURL), "")
	return state, nil
}

// Stop tears the active tunnel down. A stop failure transitions to the
// error state and is returned, not swallowed: for tailscale, leaked serve
// or funnel rules keep the machine exposed.
func (c *Controller) Stop(ctx context.Context, cfg configstore.Config) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.diag.Record(diag.LevelInfo, "stop", fmt.Sprintf("stopping %s tunnel", cfg.TunnelMode), "")

	if err := c.stopProvider(ctx, cfg.TunnelMode, cfg); err != nil {
		c.diag.Record(diag.LevelError, "stop", err.Error(), "")
		c.setRuntime(func(r *RuntimeState) {
			r.State = StateError
			r.LastError = err.Error()
		})
		return err
	}

	c.mu.Lock()
	c.activeMode = ""
	c.activeCfg = configstore.Config{}
	c.mu.Unlock()

	c.setRuntime(func(r *RuntimeState) {
		r.State = StateStopped
		r.PublicURL = ""
		r.LastError = ""
		r.Pid = 0
		r.StartedAt = 0
	})
	return nil
}

func (c *Controller) stopProvider(ctx context.Context, mode string, cfg configstore.Config) error {
	switch mode {
	case configstore.ModeTailscale:
		return c.stopTailscale(ctx)
	case configstore.ModeCloudflare:
		return c.supervisor.Stop()
	case configstore.ModeCustom:
		return nil
	default:
		return nil
	}
}

// Authenticate runs the provider's login flow.
func (c *Controller) Authenticate(ctx context.Context, cfg configstore.Config) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.diag.Record(diag.LevelInfo, "authenticate", fmt.Sprintf("authenticating %s", cfg.TunnelMode), "")

	var err error
	switch cfg.TunnelMode {
	case configstore.ModeTailscale:
		err = c.authenticateTailscale(ctx)
	case configstore.ModeCloudflare:
		err = c.authenticateCloudflare(ctx, cfg)
	default:
		err = fmt.Errorf("the %s tunnel does not use provider authentication", cfg.TunnelMode)
	}

	if err != nil {
		c.diag.Record(diag.LevelError, "authenticate", err.Error(), "")
		return err
	}
	c.diag.Record(diag.LevelInfo, "authenticate", fmt.Sprintf("%s authenticated", cfg.TunnelMode), "")
	return nil
}

// RefreshHealth re-probes binary presence, auth status and child liveness,
// reconciling the runtime snapshot without starting or stopping anything
// and without writing config.
func (c *Controller) RefreshHealth(ctx context.Context, cfg configstore.Config) RuntimeState {
	binary := BinaryName(cfg.TunnelMode)

	var binaryPath string
	binaryInstalled := true
	if binary != "" {
		binaryPath = execx.Resolve(ctx, binary)
		binaryInstalled = binaryPath != ""
	}

	auth := AuthUnknown
	publicURL := ""
	switch cfg.TunnelMode {
	case configstore.ModeTailscale:
		auth, publicURL = c.probeTailscale(ctx, binaryPath, cfg)
	case configstore.ModeCloudflare:
		auth = c.probeCloudflareAuth(cfg)
	case configstore.ModeCustom:
		auth = AuthAuthenticated
		publicURL = cfg.PublicBaseURL
	}

	child := c.supervisor.Current()

	return c.setRuntime(func(r *RuntimeState) {
		r.BinaryInstalled = binaryInstalled
		r.BinaryPath = binaryPath
		r.AuthStatus = auth
		if publicURL != "" && r.PublicURL == "" {
			r.PublicURL = publicURL
		}
		if cfg.TunnelMode == configstore.ModeCloudflare && r.State == StateRunning {
			if child.Alive() {
				r.Pid = child.Pid()
			} else {
				r.State = StateError
				r.LastError = "cloudflared exited unexpectedly"
				r.Pid = 0
			}
		}
	})
}

// Shutdown terminates any supervised child without touching provider
// state. Used at daemon exit; tailscale serve/funnel rules are left as-is.
func (c *Controller) Shutdown() {
	if err := c.supervisor.Stop(); err != nil {
		c.logger.Printf("shutdown supervised child: %v", err)
	}
}

// localOrigin is the loopback address the tunnel forwards to.
func localOrigin(cfg configstore.Config) string {
	return fmt.Sprintf("http://%s:%d", cfg.BindHost, cfg.BindPort)
}
