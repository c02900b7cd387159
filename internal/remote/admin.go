package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"
)

// AdminServer exposes the service's control operations over a unix socket
// for the local CLI. Socket permissions are the only authentication: only
// the owning user can connect.
type AdminServer struct {
	service *Service

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewAdminServer constructs a stopped admin server.
func NewAdminServer(service *Service) *AdminServer {
	return &AdminServer{service: service}
}

// Start listens on the unix socket, replacing a stale socket file left by
// a previous run.
func (a *AdminServer) Start(socketPath string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.listener != nil {
		return nil
	}

	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale admin socket: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen on admin socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		listener.Close()
		return fmt.Errorf("restrict admin socket: %w", err)
	}

	server := &http.Server{
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	a.listener = listener
	a.server = server

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			a.service.logger.Printf("admin serve: %v", err)
		}
	}()
	return nil
}

// Stop shuts the admin server down.
func (a *AdminServer) Stop(ctx context.Context) error {
	a.mu.Lock()
	server := a.server
	a.server = nil
	a.listener = nil
	a.mu.Unlock()

	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

func (a *AdminServer) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /admin/status", func(w http.ResponseWriter, r *http.Request) {
		adminJSON(w, http.StatusOK, a.service.Status())
	})
	mux.HandleFunc("POST /admin/refresh", func(w http.ResponseWriter, r *http.Request) {
		adminJSON(w, http.StatusOK, a.service.RefreshHealth(r.Context()))
	})

	mux.HandleFunc("POST /admin/enable", a.statusAction(a.service.Enable))
	mux.HandleFunc("POST /admin/disable", a.statusAction(a.service.Disable))
	mux.HandleFunc("POST /admin/delete", a.statusAction(a.service.DeleteAll))
	mux.HandleFunc("POST /admin/tunnel/start", a.statusAction(a.service.StartTunnel))
	mux.HandleFunc("POST /admin/tunnel/stop", a.statusAction(a.service.StopTunnel))
	mux.HandleFunc("POST /admin/tunnel/install", a.statusAction(a.service.InstallTunnelBinary))
	mux.HandleFunc("POST /admin/tunnel/authenticate", a.statusAction(a.service.AuthenticateTunnel))

	mux.HandleFunc("POST /admin/tunnel/mode", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Mode string `json:"mode"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			adminError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
			return
		}
		status, err := a.service.UpdateTunnelMode(r.Context(), body.Mode)
		a.respond(w, status, err)
	})

	mux.HandleFunc("POST /admin/tunnel/options", func(w http.ResponseWriter, r *http.Request) {
		var opts TunnelOptions
		if err := json.NewDecoder(r.Body).Decode(&opts); err != nil {
			adminError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
			return
		}
		status, err := a.service.UpdateTunnelOptions(r.Context(), opts)
		a.respond(w, status, err)
	})

	mux.HandleFunc("POST /admin/pair", func(w http.ResponseWriter, r *http.Request) {
		code, err := a.service.IssuePairingCode()
		if err != nil {
			adminError(w, http.StatusInternalServerError, err)
			return
		}
		adminJSON(w, http.StatusOK, code)
	})

	mux.HandleFunc("POST /admin/devices/{id}/revoke", func(w http.ResponseWriter, r *http.Request) {
		if !a.service.RevokeDevice(r.PathValue("id")) {
			adminError(w, http.StatusNotFound, errors.New("device not found or already revoked"))
			return
		}
		adminJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	return mux
}

func (a *AdminServer) statusAction(op func(context.Context) (Status, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, err := op(r.Context())
		a.respond(w, status, err)
	}
}

func (a *AdminServer) respond(w http.ResponseWriter, status Status, err error) {
	if err != nil {
		adminJSON(w, http.StatusConflict, map[string]any{
			"error":  err.Error(),
			"status": status,
		})
		return
	}
	adminJSON(w, http.StatusOK, status)
}

func adminJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func adminError(w http.ResponseWriter, code int, err error) {
	adminJSON(w, code, map[string]any{"error": err.Error()})
}
