// Package gateway is the embedded HTTP+WebSocket server remote devices
// talk to. It authenticates bearer tokens through the pairing manager and
// bridges authenticated commands to the session, cron and workflow
// collaborators, streaming their events back over WebSocket.
package gateway

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/tetherd-dev/tetherd/internal/cron"
	"github.com/tetherd-dev/tetherd/internal/eventbus"
	"github.com/tetherd-dev/tetherd/internal/remote/configstore"
	"github.com/tetherd-dev/tetherd/internal/remote/pairing"
	"github.com/tetherd-dev/tetherd/internal/session"
	"github.com/tetherd-dev/tetherd/internal/workflow"
)

// maxBodyBytes caps request bodies; oversized bodies abort the request.
const maxBodyBytes = 25 << 20

// SessionRunner is the slice of the session runtime the gateway needs.
type SessionRunner interface {
	Create(title string) (session.Session, error)
	List() ([]session.Session, error)
	Get(id string) (session.Session, []session.Message, []session.Prompt, error)
	SendMessage(id, content string, attachments []string) error
	StopGeneration(id string) error
	RespondToPermission(id, promptID string, approve bool) error
	RespondToQuestion(id, promptID, answer string) error
}

// CronService is the slice of the cron engine the gateway needs.
type CronService interface {
	List() []cron.Job
	Pause(id string) error
	Resume(id string) error
	RunNow(id string) error
}

// WorkflowService is the slice of the workflow engine the gateway needs.
type WorkflowService interface {
	List() []workflow.Scheduled
	Pause(id string) error
	Resume(id string) error
	Trigger(id string) error
}

// Deps carries the gateway's collaborators.
type Deps struct {
	Store     *configstore.Store
	Auth      *pairing.Manager
	Bus       *eventbus.Bus
	Sessions  SessionRunner
	Crons     CronService
	Workflows WorkflowService
	// PublicURL returns the tunnel's public base URL, or "" when no tunnel
	// is up; pairing responses fall back to the loopback origin.
	PublicURL func() string
	Logger    *log.Logger
}

// Gateway is the embedded server. Construct with New, then Start/Stop.
type Gateway struct {
	logger    *log.Logger
	store     *configstore.Store
	auth      *pairing.Manager
	bus       *eventbus.Bus
	sessions  SessionRunner
	crons     CronService
	workflows WorkflowService
	publicURL func() string

	hub *hub

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	port     int
	subs     []*eventbus.Subscription
}

// New constructs a stopped gateway.
func New(deps Deps) *Gateway {
	logger := deps.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[Gateway] ", log.LstdFlags)
	}
	g := &Gateway{
		logger:    logger,
		store:     deps.Store,
		auth:      deps.Auth,
		bus:       deps.Bus,
		sessions:  deps.Sessions,
		crons:     deps.Crons,
		workflows: deps.Workflows,
		publicURL: deps.PublicURL,
	}
	g.hub = newHub(logger)
	return g
}

// Start listens on host:port and serves until Stop. Port 0 picks a free
// port; the chosen port is returned either way.
func (g *Gateway) Start(host string, port int) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.listener != nil {
		return g.port, nil
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return 0, fmt.Errorf("listen on %s:%d: %w", host, port, err)
	}

	actual := listener.Addr().(*net.TCPAddr).Port
	server := &http.Server{
		Handler:           g.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.listener = listener
	g.server = server
	g.port = actual

	g.startBroadcast()

	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			g.logger.Printf("serve: %v", err)
		}
	}()

	g.logger.Printf("listening on %s:%d", host, actual)
	return actual, nil
}

// Stop shuts the server down and closes all live connections.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	server := g.server
	subs := g.subs
	g.server = nil
	g.listener = nil
	g.subs = nil
	g.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	g.hub.closeAll()

	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}

// Running reports whether the gateway is listening.
func (g *Gateway) Running() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.listener != nil
}

// Port returns the bound port, or 0 when stopped.
func (g *Gateway) Port() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listener == nil {
		return 0
	}
	return g.port
}

// CloseDevice force-closes every live connection owned by a device. Wired
// as the pairing manager's revoke hook.
func (g *Gateway) CloseDevice(deviceID string) {
	g.hub.closeDevice(deviceID)
}

// startBroadcast subscribes to the agent event topics and fans envelopes
// out to connected clients. Caller holds g.mu.
func (g *Gateway) startBroadcast() {
	topics := []eventbus.Topic{
		eventbus.TopicSessionLifecycle,
		eventbus.TopicSessionMessage,
		eventbus.TopicSessionPrompt,
		eventbus.TopicCronRun,
		eventbus.TopicWorkflowRun,
	}
	for _, topic := range topics {
		sub := g.bus.Subscribe(topic, eventbus.WithSubscriptionName("gateway"))
		g.subs = append(g.subs, sub)
		go func(sub *eventbus.Subscription) {
			for env := range sub.C() {
				g.hub.broadcast(env)
			}
		}(sub)
	}
}

func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", g.handleHealth)
	mux.HandleFunc("POST /v1/pair", g.handlePair)
	mux.HandleFunc("GET /v1/me", g.handleMe)
	mux.HandleFunc("POST /v1/logout", g.handleLogout)

	mux.HandleFunc("GET /v1/sessions", g.handleListSessions)
	mux.HandleFunc("POST /v1/sessions", g.handleCreateSession)
	mux.HandleFunc("GET /v1/sessions/{id}", g.handleGetSession)
	mux.HandleFunc("POST /v1/sessions/{id}/messages", g.handleSessionMessage)
	mux.HandleFunc("POST /v1/sessions/{id}/stop", g.handleSessionStop)
	mux.HandleFunc("POST /v1/sessions/{id}/permissions", g.handleSessionPermission)
	mux.HandleFunc("POST /v1/sessions/{id}/questions", g.handleSessionQuestion)

	mux.HandleFunc("GET /v1/cron/jobs", g.handleListCronJobs)
	mux.HandleFunc("POST /v1/cron/jobs/{id}/pause", g.cronAction("pause"))
	mux.HandleFunc("POST /v1/cron/jobs/{id}/resume", g.cronAction("resume"))
	mux.HandleFunc("POST /v1/cron/jobs/{id}/run", g.cronAction("run"))

	mux.HandleFunc("GET /v1/workflow/scheduled", g.handleListWorkflows)
	mux.HandleFunc("POST /v1/workflow/scheduled/{id}/pause", g.workflowAction("pause"))
	mux.HandleFunc("POST /v1/workflow/scheduled/{id}/resume", g.workflowAction("resume"))
	mux.HandleFunc("POST /v1/workflow/scheduled/{id}/run", g.workflowAction("run"))

	mux.HandleFunc("GET /v1/ws", g.handleWebSocket)

	return g.middleware(mux)
}

// middleware applies CORS, cache suppression, the body cap, and bearer
// auth for everything outside the allow-list. The WebSocket route
// authenticates itself before the upgrade so failures can be torn down at
// the socket level.
func (g *Gateway) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

		if g.isAllowListed(r) || r.URL.Path == "/v1/ws" {
			next.ServeHTTP(w, r)
			return
		}

		device := g.auth.Authenticate(bearerToken(r))
		if device == nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		next.ServeHTTP(w, r.WithContext(withDevice(r.Context(), device)))
	})
}

func (g *Gateway) isAllowListed(r *http.Request) bool {
	if r.URL.Path == "/v1/health" && r.Method == http.MethodGet {
		return true
	}
	if r.URL.Path == "/v1/pair" && r.Method == http.MethodPost {
		return true
	}
	return false
}

// bearerToken resolves the credential from the Authorization header or the
// token query parameter (WebSocket clients cannot set headers).
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return r.URL.Query().Get("token")
}

type contextKey string

const deviceContextKey contextKey = "device"

func withDevice(ctx context.Context, device *configstore.Device) context.Context {
	return context.WithValue(ctx, deviceContextKey, device)
}

func deviceFrom(ctx context.Context) *configstore.Device {
	device, _ := ctx.Value(deviceContextKey).(*configstore.Device)
	return device
}
