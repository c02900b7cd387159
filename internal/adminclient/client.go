// Package adminclient is the CLI side of the daemon's unix-socket control
// API.
package adminclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/tetherd-dev/tetherd/internal/remote"
	"github.com/tetherd-dev/tetherd/internal/remote/pairing"
)

const requestTimeout = 3 * time.Minute // login flows block on a browser

// Client talks to a running tetherd daemon.
type Client struct {
	httpClient *http.Client
}

// New constructs a client dialing the given admin socket.
func New(socketPath string) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		},
	}
}

// Status fetches the consolidated service snapshot.
func (c *Client) Status(ctx context.Context) (remote.Status, error) {
	var status remote.Status
	err := c.do(ctx, http.MethodGet, "/admin/status", nil, &status)
	return status, err
}

// RefreshHealth forces a tunnel health probe.
func (c *Client) RefreshHealth(ctx context.Context) (remote.Status, error) {
	var status remote.Status
	err := c.do(ctx, http.MethodPost, "/admin/refresh", nil, &status)
	return status, err
}

// Enable turns remote access on.
func (c *Client) Enable(ctx context.Context) (remote.Status, error) {
	return c.statusAction(ctx, "/admin/enable")
}

// Disable turns remote access off.
func (c *Client) Disable(ctx context.Context) (remote.Status, error) {
	return c.statusAction(ctx, "/admin/disable")
}

// DeleteAll wipes the remote-access configuration.
func (c *Client) DeleteAll(ctx context.Context) (remote.Status, error) {
	return c.statusAction(ctx, "/admin/delete")
}

// StartTunnel brings the configured tunnel up.
func (c *Client) StartTunnel(ctx context.Context) (remote.Status, error) {
	return c.statusAction(ctx, "/admin/tunnel/start")
}

// StopTunnel tears the tunnel down.
func (c *Client) StopTunnel(ctx context.Context) (remote.Status, error) {
	return c.statusAction(ctx, "/admin/tunnel/stop")
}

// InstallTunnelBinary installs the provider binary.
func (c *Client) InstallTunnelBinary(ctx context.Context) (remote.Status, error) {
	return c.statusAction(ctx, "/admin/tunnel/install")
}

// AuthenticateTunnel runs the provider login flow.
func (c *Client) AuthenticateTunnel(ctx context.Context) (remote.Status, error) {
	return c.statusAction(ctx, "/admin/tunnel/authenticate")
}

// SetTunnelMode switches tunnel providers.
func (c *Client) SetTunnelMode(ctx context.Context, mode string) (remote.Status, error) {
	var status remote.Status
	err := c.do(ctx, http.MethodPost, "/admin/tunnel/mode", map[string]string{"mode": mode}, &status)
	return status, err
}

// SetTunnelOptions applies user-settable tunnel fields.
func (c *Client) SetTunnelOptions(ctx context.Context, opts remote.TunnelOptions) (remote.Status, error) {
	var status remote.Status
	err := c.do(ctx, http.MethodPost, "/admin/tunnel/options", opts, &status)
	return status, err
}

// IssuePairingCode mints a pairing code.
func (c *Client) IssuePairingCode(ctx context.Context) (pairing.PairingCode, error) {
	var code pairing.PairingCode
	err := c.do(ctx, http.MethodPost, "/admin/pair", nil, &code)
	return code, err
}

// RevokeDevice revokes one paired device.
func (c *Client) RevokeDevice(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/admin/devices/"+id+"/revoke", nil, nil)
}

func (c *Client) statusAction(ctx context.Context, path string) (remote.Status, error) {
	var status remote.Status
	err := c.do(ctx, http.MethodPost, path, nil, &status)
	return status, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody *bytes.Buffer
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewBuffer(data)
	} else {
		reqBody = &bytes.Buffer{}
	}

	// Host is ignored by the unix transport but required by net/http.
	req, err := http.NewRequestWithContext(ctx, method, "http://tetherd"+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("is the daemon running? %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var failure struct {
			Error string `json:"error"`
		}
		if decodeErr := json.NewDecoder(resp.Body).Decode(&failure); decodeErr == nil && failure.Error != "" {
			return fmt.Errorf("%s", failure.Error)
		}
		return fmt.Errorf("daemon returned %s", resp.Status)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
