package tunnel

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/tetherd-dev/tetherd/internal/remote/configstore"
	"github.com/tetherd-dev/tetherd/internal/remote/execx"
)

// cloudflareReadyTimeout bounds how long a starting cloudflared child gets
// to report a public URL.
const cloudflareReadyTimeout = 20 * time.Second

// quickTunnelURL matches the ephemeral URL cloudflared prints when run
// without a configured hostname.
var quickTunnelURL = regexp.MustCompile(`https://[a-zA-Z0-9-]+\.trycloudflare\.com`)

// startCloudflare supervises a cloudflared child forwarding to the loopback
// origin. With a custom domain the URL is known up front; otherwise it is
// scraped from the child's output within the readiness window.
func (c *Controller) startCloudflare(ctx context.Context, cfg configstore.Config) (string, int, error) {
	binary := execx.Resolve(ctx, "cloudflared")
	if binary == "" {
		return "", 0, fmt.Errorf("cloudflared binary not found. Install it from this screen first")
	}

	if cfg.TunnelDomain != "" && c.probeCloudflareAuth(cfg) != AuthAuthenticated {
		return "", 0, fmt.Errorf("cloudflare is not authenticated for custom domains. Authenticate from this screen first")
	}

	args := []string{"tunnel", "--url", localOrigin(cfg), "--no-autoupdate"}
	if cfg.TunnelDomain != "" {
		args = append(args, "--hostname", cfg.TunnelDomain)
	}

	urlCh := make(chan string, 1)
	var once sync.Once
	matcher := func(line string) {
		if url := quickTunnelURL.FindString(line); url != "" {
			once.Do(func() { urlCh <- url })
		}
	}

	child, err := c.supervisor.Start(binary, args, nil, matcher)
	if err != nil {
		return "", 0, fmt.Errorf("start cloudflared: %w", err)
	}

	if cfg.TunnelDomain != "" {
		// URL is known; still give the child a beat to fail fast on a bad
		// hostname before declaring the tunnel up.
		select {
		case <-child.Done():
			return "", 0, fmt.Errorf("cloudflared exited during startup: %s", child.OutputTail())
		case <-time.After(2 * time.Second):
		}
		return "https://" + cfg.TunnelDomain, child.Pid(), nil
	}

	timer := time.NewTimer(cloudflareReadyTimeout)
	defer timer.Stop()

	select {
	case url := <-urlCh:
		return url, child.Pid(), nil
	case <-child.Done():
		return "", 0, fmt.Errorf("cloudflared exited before reporting a tunnel URL: %s", child.OutputTail())
	case <-timer.C:
		_ = child.Terminate()
		return "", 0, fmt.Errorf("cloudflared did not report a tunnel URL within %s", cloudflareReadyTimeout)
	}
}

// authenticateCloudflare runs the browser login flow. It only applies when
// a custom domain is configured; quick tunnels need no account.
func (c *Controller) authenticateCloudflare(ctx context.Context, cfg configstore.Config) error {
	if cfg.TunnelDomain == "" {
		return fmt.Errorf("cloudflare authentication is only required when a custom domain is configured")
	}
	binary := execx.Resolve(ctx, "cloudflared")
	if binary == "" {
		return fmt.Errorf("cloudflared binary not found. Install it from this screen first")
	}
	if _, err := execx.Run(ctx, binary, []string{"tunnel", "login"}, loginTimeout); err != nil {
		return fmt.Errorf("cloudflared tunnel login: %w", err)
	}
	return nil
}

// probeCloudflareAuth reports authenticated when the origin certificate the
// login flow caches is present. Quick tunnels (no domain) need no auth.
func (c *Controller) probeCloudflareAuth(cfg configstore.Config) AuthStatus {
	if cfg.TunnelDomain == "" {
		return AuthAuthenticated
	}
	cert := cloudflareCertPath()
	if cert == "" {
		return AuthUnknown
	}
	if _, err := os.Stat(cert); err == nil {
		return AuthAuthenticated
	}
	return AuthUnauthenticated
}

func cloudflareCertPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".cloudflared", "cert.pem")
}
