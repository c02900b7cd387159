package tunnel

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tetherd-dev/tetherd/internal/remote/configstore"
	"github.com/tetherd-dev/tetherd/internal/remote/execx"
)

// tailscaleStatus is the subset of `tailscale status --json` we read.
type tailscaleStatus struct {
	BackendState string `json:"BackendState"`
	Self         struct {
		DNSName string `json:"DNSName"`
	} `json:"Self"`
}

// startTailscale publishes the loopback origin through tailscale serve and,
// for public visibility, funnel. Each command carries a fallback argument
// variant because the serve/funnel CLI changed shape across releases.
func (c *Controller) startTailscale(ctx context.Context, cfg configstore.Config) (string, error) {
	binary := execx.Resolve(ctx, "tailscale")
	if binary == "" {
		return "", fmt.Errorf("tailscale binary not found. Install it from this screen first")
	}

	status, err := c.tailscaleStatus(ctx, binary)
	if err != nil {
		return "", fmt.Errorf("tailscale status probe: %w", err)
	}
	if mapBackendState(status.BackendState) != AuthAuthenticated {
		return "", fmt.Errorf("tailscale is not logged in (backend state %q). Authenticate from this screen first", status.BackendState)
	}

	origin := localOrigin(cfg)
	if _, err := execx.RunFirstSuccessful(ctx, binary, [][]string{
		{"serve", "--bg", "--https", "443", origin},
		{"serve", "https", "/", origin},
	}, commandTimeout); err != nil {
		return "", fmt.Errorf("tailscale serve: %w", err)
	}

	if cfg.TunnelVisibility == configstore.VisibilityPublic {
		port := strconv.Itoa(cfg.BindPort)
		if _, err := execx.RunFirstSuccessful(ctx, binary, [][]string{
			{"funnel", "--bg", port},
			{"funnel", port},
		}, commandTimeout); err != nil {
			return "", fmt.Errorf("tailscale funnel: %w", err)
		}
	}

	if cfg.PublicBaseURL != "" {
		return cfg.PublicBaseURL, nil
	}
	if dns := strings.TrimSuffix(status.Self.DNSName, "."); dns != "" {
		return "https://" + dns, nil
	}
	return "", fmt.Errorf("tailscale did not report a DNS name for this device")
}

// stopTailscale removes the funnel and serve rules. Both are attempted even
// if the first fails; a double failure is returned as one combined error
// because active rules left behind keep the port exposed.
func (c *Controller) stopTailscale(ctx context.Context) error {
	binary := execx.Resolve(ctx, "tailscale")
	if binary == "" {
		return nil
	}

	var failures []string
	if _, err := execx.RunFirstSuccessful(ctx, binary, [][]string{
		{"funnel", "off"},
		{"funnel", "reset"},
	}, commandTimeout); err != nil {
		failures = append(failures, fmt.Sprintf("funnel off: %v", err))
	}
	if _, err := execx.RunFirstSuccessful(ctx, binary, [][]string{
		{"serve", "reset"},
		{"serve", "off"},
	}, commandTimeout); err != nil {
		failures = append(failures, fmt.Sprintf("serve reset: %v", err))
	}

	if len(failures) == 2 {
		return fmt.Errorf("tailscale stop failed: %s", strings.Join(failures, "; "))
	}
	return nil
}

func (c *Controller) authenticateTailscale(ctx context.Context) error {
	binary := execx.Resolve(ctx, "tailscale")
	if binary == "" {
		return fmt.Errorf("tailscale binary not found. Install it from this screen first")
	}
	if _, err := execx.RunFirstSuccessful(ctx, binary, [][]string{
		{"login"},
		{"up"},
	}, loginTimeout); err != nil {
		return fmt.Errorf("tailscale login: %w", err)
	}
	return nil
}

// probeTailscale derives auth status and the device URL from the status
// probe. The DNS-derived URL never overrides an explicit public URL.
func (c *Controller) probeTailscale(ctx context.Context, binary string, cfg configstore.Config) (AuthStatus, string) {
	if binary == "" {
		return AuthUnknown, ""
	}

	status, err := c.tailscaleStatus(ctx, binary)
	if err != nil {
		return AuthUnknown, ""
	}

	auth := mapBackendState(status.BackendState)
	if cfg.PublicBaseURL != "" {
		return auth, cfg.PublicBaseURL
	}
	if dns := strings.TrimSuffix(status.Self.DNSName, "."); dns != "" {
		return auth, "https://" + dns
	}
	return auth, ""
}

func (c *Controller) tailscaleStatus(ctx context.Context, binary string) (tailscaleStatus, error) {
	result, err := execx.Run(ctx, binary, []string{"status", "--json"}, probeTimeout)
	if err != nil {
		return tailscaleStatus{}, err
	}
	var status tailscaleStatus
	if err := json.Unmarshal([]byte(result.Stdout), &status); err != nil {
		return tailscaleStatus{}, fmt.Errorf("parse tailscale status: %w", err)
	}
	return status, nil
}

// mapBackendState folds the tailscale backend state into an auth status:
// Running means logged in; login/needs/stopped variants mean logged out;
// anything else is unknown.
func mapBackendState(state string) AuthStatus {
	lower := strings.ToLower(state)
	switch {
	case lower == "running":
		return AuthAuthenticated
	case strings.Contains(lower, "login"),
		strings.Contains(lower, "needs"),
		strings.Contains(lower, "stopped"):
		return AuthUnauthenticated
	default:
		return AuthUnknown
	}
}
