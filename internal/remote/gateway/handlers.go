package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tetherd-dev/tetherd/internal/cron"
	"github.com/tetherd-dev/tetherd/internal/remote/configstore"
	"github.com/tetherd-dev/tetherd/internal/session"
	"github.com/tetherd-dev/tetherd/internal/workflow"
)

// deviceView is the device record as exposed to clients. The token hash
// never leaves the config store.
type deviceView struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Platform   string `json:"platform"`
	CreatedAt  int64  `json:"createdAt"`
	LastUsedAt int64  `json:"lastUsedAt"`
	ExpiresAt  int64  `json:"expiresAt"`
	Revoked    bool   `json:"revoked"`
}

func toDeviceView(d configstore.Device) deviceView {
	return deviceView{
		ID:         d.ID,
		Name:       d.Name,
		Platform:   d.Platform,
		CreatedAt:  d.CreatedAt,
		LastUsedAt: d.LastUsedAt,
		ExpiresAt:  d.ExpiresAt,
		Revoked:    d.RevokedAt != nil,
	}
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	cfg := g.store.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"timestamp": time.Now().UnixMilli(),
		"running":   g.Running(),
		"enabled":   cfg.Enabled,
	})
}

func (g *Gateway) handlePair(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PairingCode string `json:"pairingCode"`
		DeviceName  string `json:"deviceName"`
		Platform    string `json:"platform"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !g.auth.ConsumePairingCode(body.PairingCode) {
		writeError(w, http.StatusBadRequest, "invalid or expired pairing code")
		return
	}

	token, device, err := g.auth.IssueDeviceToken(body.DeviceName, body.Platform)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to issue device token")
		return
	}

	endpoint := g.baseEndpoint()
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"device":     toDeviceView(device),
		"expiresAt":  device.ExpiresAt,
		"endpoint":   endpoint,
		"wsEndpoint": wsEndpoint(endpoint),
	})
}

// baseEndpoint prefers the tunnel's public URL and falls back to the
// loopback origin so pairing works before any tunnel is up.
func (g *Gateway) baseEndpoint() string {
	if g.publicURL != nil {
		if url := g.publicURL(); url != "" {
			return url
		}
	}
	cfg := g.store.Snapshot()
	return fmt.Sprintf("http://%s:%d", cfg.BindHost, g.Port())
}

func wsEndpoint(base string) string {
	ws := base
	switch {
	case strings.HasPrefix(base, "https://"):
		ws = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		ws = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return ws + "/v1/ws"
}

func (g *Gateway) handleMe(w http.ResponseWriter, r *http.Request) {
	device := deviceFrom(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"device": toDeviceView(*device)})
}

func (g *Gateway) handleLogout(w http.ResponseWriter, r *http.Request) {
	device := deviceFrom(r.Context())
	g.auth.Revoke(device.ID)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (g *Gateway) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := g.sessions.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if sessions == nil {
		sessions = []session.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (g *Gateway) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Title string `json:"title"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sess, err := g.sessions.Create(body.Title)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"session": sess})
}

func (g *Gateway) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, messages, prompts, err := g.sessions.Get(r.PathValue("id"))
	if err != nil {
		writeSessionError(w, err)
		return
	}
	if messages == nil {
		messages = []session.Message{}
	}
	if prompts == nil {
		prompts = []session.Prompt{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session":  sess,
		"messages": messages,
		"prompts":  prompts,
	})
}

func (g *Gateway) handleSessionMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Content     string   `json:"content"`
		Attachments []string `json:"attachments"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(body.Content) == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}

	if err := g.sessions.SendMessage(r.PathValue("id"), body.Content, body.Attachments); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (g *Gateway) handleSessionStop(w http.ResponseWriter, r *http.Request) {
	if err := g.sessions.StopGeneration(r.PathValue("id")); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (g *Gateway) handleSessionPermission(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PromptID string `json:"promptId"`
		Approve  bool   `json:"approve"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := g.sessions.RespondToPermission(r.PathValue("id"), body.PromptID, body.Approve); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (g *Gateway) handleSessionQuestion(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PromptID string `json:"promptId"`
		Answer   string `json:"answer"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := g.sessions.RespondToQuestion(r.PathValue("id"), body.PromptID, body.Answer); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (g *Gateway) handleListCronJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": g.crons.List()})
}

func (g *Gateway) cronAction(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		var err error
		switch action {
		case "pause":
			err = g.crons.Pause(id)
		case "resume":
			err = g.crons.Resume(id)
		case "run":
			err = g.crons.RunNow(id)
		}
		if errors.Is(err, cron.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

func (g *Gateway) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"scheduled": g.workflows.List()})
}

func (g *Gateway) workflowAction(action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		var err error
		switch action {
		case "pause":
			err = g.workflows.Pause(id)
		case "resume":
			err = g.workflows.Resume(id)
		case "run":
			err = g.workflows.Trigger(id)
		}
		if errors.Is(err, workflow.ErrNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	}
}

func writeSessionError(w http.ResponseWriter, err error) {
	if errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}

// decodeJSON tolerates an empty body; malformed JSON is a client error.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
