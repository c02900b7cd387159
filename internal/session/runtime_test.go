package session

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/tetherd-dev/tetherd/internal/eventbus"
)

func newTestRuntime(t *testing.T) (*Runtime, *eventbus.Bus) {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	bus := eventbus.New()
	t.Cleanup(bus.Shutdown)
	return NewRuntime(store, bus, nil), bus
}

func expectEvent(t *testing.T, sub *eventbus.Subscription) eventbus.Envelope {
	t.Helper()
	select {
	case env := <-sub.C():
		return env
	case <-time.After(time.Second):
		t.Fatalf("expected an event")
		return eventbus.Envelope{}
	}
}

func TestCreateListGet(t *testing.T) {
	rt, bus := newTestRuntime(t)

	sub := bus.Subscribe(eventbus.TopicSessionLifecycle)
	defer sub.Close()

	sess, err := rt.Create("Investigate flaky test")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sess.Status != StatusRunning {
		t.Fatalf("new session should be running, got %s", sess.Status)
	}

	env := expectEvent(t, sub)
	lifecycle := env.Payload.(eventbus.SessionLifecycleEvent)
	if lifecycle.Kind != "created" || lifecycle.SessionID != sess.ID {
		t.Fatalf("unexpected lifecycle event: %+v", lifecycle)
	}

	list, err := rt.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].ID != sess.ID {
		t.Fatalf("unexpected listing: %+v", list)
	}

	got, messages, prompts, err := rt.Get(sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Title != "Investigate flaky test" || len(messages) != 0 || len(prompts) != 0 {
		t.Fatalf("unexpected detail: %+v %v %v", got, messages, prompts)
	}

	if _, _, _, err := rt.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSendMessagePersistsAndPublishes(t *testing.T) {
	rt, bus := newTestRuntime(t)

	sub := bus.Subscribe(eventbus.TopicSessionMessage)
	defer sub.Close()

	sess, err := rt.Create("t")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := rt.SendMessage(sess.ID, "do the thing", []string{"screenshot.png"}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	env := expectEvent(t, sub)
	msg := env.Payload.(eventbus.SessionMessageEvent)
	if msg.SessionID != sess.ID || msg.Role != "user" {
		t.Fatalf("unexpected message event: %+v", msg)
	}

	_, messages, _, err := rt.Get(sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("expected one message, got %d", len(messages))
	}
	if want := "do the thing\n[attachment] screenshot.png"; messages[0].Content != want {
		t.Fatalf("unexpected transcript content: %q", messages[0].Content)
	}
}

func TestStopGeneration(t *testing.T) {
	rt, _ := newTestRuntime(t)

	sess, err := rt.Create("t")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := rt.StopGeneration(sess.ID); err != nil {
		t.Fatalf("StopGeneration: %v", err)
	}
	got, _, _, _ := rt.Get(sess.ID)
	if got.Status != StatusStopped {
		t.Fatalf("expected stopped, got %s", got.Status)
	}

	// Messages are rejected once stopped.
	if err := rt.SendMessage(sess.ID, "late", nil); err == nil {
		t.Fatalf("expected rejection for stopped session")
	}

	// Stopping twice is a no-op.
	if err := rt.StopGeneration(sess.ID); err != nil {
		t.Fatalf("second StopGeneration: %v", err)
	}
}

func TestPromptResolution(t *testing.T) {
	rt, bus := newTestRuntime(t)

	sub := bus.Subscribe(eventbus.TopicSessionPrompt)
	defer sub.Close()

	sess, err := rt.Create("t")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	prompt, err := rt.RaisePrompt(sess.ID, "permission", "Run rm -rf build?")
	if err != nil {
		t.Fatalf("RaisePrompt: %v", err)
	}

	env := expectEvent(t, sub)
	evt := env.Payload.(eventbus.SessionPromptEvent)
	if evt.PromptID != prompt.ID || evt.Kind != "permission" {
		t.Fatalf("unexpected prompt event: %+v", evt)
	}

	if err := rt.RespondToPermission(sess.ID, prompt.ID, true); err != nil {
		t.Fatalf("RespondToPermission: %v", err)
	}
	// Single-use: a second response fails.
	if err := rt.RespondToPermission(sess.ID, prompt.ID, true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on reuse, got %v", err)
	}

	// Kind mismatch is rejected.
	q, _ := rt.RaisePrompt(sess.ID, "question", "Which branch?")
	if err := rt.RespondToPermission(sess.ID, q.ID, true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected kind mismatch rejection, got %v", err)
	}
	if err := rt.RespondToQuestion(sess.ID, q.ID, "main"); err != nil {
		t.Fatalf("RespondToQuestion: %v", err)
	}
}

func TestListingsSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.db")

	store, err := OpenStore(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	bus := eventbus.New()
	rt := NewRuntime(store, bus, nil)
	sess, err := rt.Create("persisted")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	store.Close()
	bus.Shutdown()

	reopened, err := OpenStore(path)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer reopened.Close()

	list, err := reopened.ListSessions()
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(list) != 1 || list[0].ID != sess.ID {
		t.Fatalf("session did not survive reopen: %+v", list)
	}
}
