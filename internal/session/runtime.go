// Package session is the message-based agent session runtime the gateway
// bridges remote clients to: create/list/get, message submission,
// generation stop, and prompt resolution, with events published on the bus
// and history persisted in SQLite.
package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tetherd-dev/tetherd/internal/eventbus"
)

// Status is a session's lifecycle state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusStopped   Status = "stopped"
	StatusFailed    Status = "failed"
)

// Session is the persisted metadata of one agent session.
type Session struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Status    Status `json:"status"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

// Message is one transcript entry.
type Message struct {
	ID        string `json:"id"`
	Role      string `json:"role"` // user | assistant
	Content   string `json:"content"`
	CreatedAt int64  `json:"createdAt"`
}

// Prompt is a pending permission or question awaiting a remote reply.
type Prompt struct {
	ID   string `json:"id"`
	Kind string `json:"kind"` // permission | question
	Text string `json:"text"`
}

// ErrNotFound marks lookups of unknown sessions or prompts.
var ErrNotFound = errors.New("not found")

// Runtime manages live sessions over the history store.
type Runtime struct {
	store  *Store
	bus    *eventbus.Bus
	logger *log.Logger

	mu      sync.Mutex
	prompts map[string]map[string]Prompt // session id -> prompt id -> prompt
}

// NewRuntime constructs a runtime over the given store and bus.
func NewRuntime(store *Store, bus *eventbus.Bus, logger *log.Logger) *Runtime {
	if logger == nil {
		logger = log.New(os.Stdout, "[Sessions] ", log.LstdFlags)
	}
	return &Runtime{
		store:   store,
		bus:     bus,
		logger:  logger,
		prompts: make(map[string]map[string]Prompt),
	}
}

// Create starts a new session and publishes its lifecycle event.
func (r *Runtime) Create(title string) (Session, error) {
	if title == "" {
		title = "Untitled session"
	}
	now := time.Now().UnixMilli()
	sess := Session{
		ID:        uuid.NewString(),
		Title:     title,
		Status:    StatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.store.UpsertSession(sess); err != nil {
		return Session{}, err
	}

	r.publishLifecycle(sess, "created")
	r.logger.Printf("created session %s (%s)", sess.ID, sess.Title)
	return sess, nil
}

// List returns all sessions, newest first.
func (r *Runtime) List() ([]Session, error) {
	return r.store.ListSessions()
}

// Get returns one session with its transcript and pending prompts.
func (r *Runtime) Get(id string) (Session, []Message, []Prompt, error) {
	sess, err := r.store.GetSession(id)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, nil, nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Session{}, nil, nil, err
	}

	messages, err := r.store.Messages(id)
	if err != nil {
		return Session{}, nil, nil, err
	}

	r.mu.Lock()
	var pending []Prompt
	for _, p := range r.prompts[id] {
		pending = append(pending, p)
	}
	r.mu.Unlock()

	return sess, messages, pending, nil
}

// SendMessage appends a user message to a running session. Attachment
// references are recorded in the transcript after the message body.
func (r *Runtime) SendMessage(id, content string, attachments []string) error {
	sess, err := r.store.GetSession(id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if sess.Status != StatusRunning {
		return fmt.Errorf("session %s is %s, not accepting messages", id, sess.Status)
	}

	body := content
	for _, att := range attachments {
		body += "\n[attachment] " + att
	}

	msg := Message{
		ID:        uuid.NewString(),
		Role:      "user",
		Content:   body,
		CreatedAt: time.Now().UnixMilli(),
	}
	if err := r.store.AppendMessage(id, msg); err != nil {
		return err
	}

	sess.UpdatedAt = msg.CreatedAt
	if err := r.store.UpsertSession(sess); err != nil {
		return err
	}

	r.bus.Publish(context.Background(), eventbus.Envelope{
		Topic:     eventbus.TopicSessionMessage,
		Source:    eventbus.SourceSessionRuntime,
		Timestamp: time.Now(),
		Payload: eventbus.SessionMessageEvent{
			SessionID: id,
			Role:      msg.Role,
			Content:   msg.Content,
			Final:     true,
		},
	})
	return nil
}

// AppendAssistantMessage records agent output and publishes the message
// event. Used by the embedding runtime, not by the gateway.
func (r *Runtime) AppendAssistantMessage(id, content string, final bool) error {
	msg := Message{
		ID:        uuid.NewString(),
		Role:      "assistant",
		Content:   content,
		CreatedAt: time.Now().UnixMilli(),
	}
	if err := r.store.AppendMessage(id, msg); err != nil {
		return err
	}

	r.bus.Publish(context.Background(), eventbus.Envelope{
		Topic:     eventbus.TopicSessionMessage,
		Source:    eventbus.SourceSessionRuntime,
		Timestamp: time.Now(),
		Payload: eventbus.SessionMessageEvent{
			SessionID: id,
			Role:      msg.Role,
			Content:   msg.Content,
			Final:     final,
		},
	})
	return nil
}

// StopGeneration stops a running session.
func (r *Runtime) StopGeneration(id string) error {
	sess, err := r.store.GetSession(id)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if sess.Status != StatusRunning {
		return nil
	}

	sess.Status = StatusStopped
	sess.UpdatedAt = time.Now().UnixMilli()
	if err := r.store.UpsertSession(sess); err != nil {
		return err
	}

	r.publishLifecycle(sess, "stopped")
	return nil
}

// RaisePrompt registers a pending permission or question and publishes it.
func (r *Runtime) RaisePrompt(sessionID, kind, text string) (Prompt, error) {
	prompt := Prompt{ID: uuid.NewString(), Kind: kind, Text: text}

	r.mu.Lock()
	if r.prompts[sessionID] == nil {
		r.prompts[sessionID] = make(map[string]Prompt)
	}
	r.prompts[sessionID][prompt.ID] = prompt
	r.mu.Unlock()

	r.bus.Publish(context.Background(), eventbus.Envelope{
		Topic:     eventbus.TopicSessionPrompt,
		Source:    eventbus.SourceSessionRuntime,
		Timestamp: time.Now(),
		Payload: eventbus.SessionPromptEvent{
			SessionID: sessionID,
			PromptID:  prompt.ID,
			Kind:      kind,
			Text:      text,
		},
	})
	return prompt, nil
}

// RespondToPermission resolves a pending permission prompt.
func (r *Runtime) RespondToPermission(sessionID, promptID string, approve bool) error {
	if err := r.takePrompt(sessionID, promptID, "permission"); err != nil {
		return err
	}
	r.logger.Printf("permission %s on session %s: approve=%t", promptID, sessionID, approve)
	return nil
}

// RespondToQuestion resolves a pending question prompt.
func (r *Runtime) RespondToQuestion(sessionID, promptID, answer string) error {
	if err := r.takePrompt(sessionID, promptID, "question"); err != nil {
		return err
	}
	return r.AppendAssistantMessage(sessionID, "Answer received: "+answer, false)
}

func (r *Runtime) takePrompt(sessionID, promptID, kind string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prompt, ok := r.prompts[sessionID][promptID]
	if !ok || prompt.Kind != kind {
		return fmt.Errorf("%s prompt %s on session %s: %w", kind, promptID, sessionID, ErrNotFound)
	}
	delete(r.prompts[sessionID], promptID)
	return nil
}

func (r *Runtime) publishLifecycle(sess Session, kind string) {
	r.bus.Publish(context.Background(), eventbus.Envelope{
		Topic:     eventbus.TopicSessionLifecycle,
		Source:    eventbus.SourceSessionRuntime,
		Timestamp: time.Now(),
		Payload: eventbus.SessionLifecycleEvent{
			SessionID: sess.ID,
			Kind:      kind,
			Title:     sess.Title,
		},
	})
}
