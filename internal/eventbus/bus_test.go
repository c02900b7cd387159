package eventbus

import (
	"context"
	"testing"
	"time"
)

func TestPublishReachesSubscriber(t *testing.T) {
	bus := New()
	defer bus.Shutdown()

	sub := bus.Subscribe(TopicSessionMessage)
	defer sub.Close()

	bus.Publish(context.Background(), Envelope{
		Topic:   TopicSessionMessage,
		Source:  SourceSessionRuntime,
		Payload: SessionMessageEvent{SessionID: "s-1", Role: "user", Content: "hi"},
	})

	select {
	case env := <-sub.C():
		payload, ok := env.Payload.(SessionMessageEvent)
		if !ok || payload.SessionID != "s-1" {
			t.Fatalf("unexpected payload: %+v", env.Payload)
		}
		if env.Timestamp.IsZero() {
			t.Fatalf("timestamp not defaulted")
		}
	case <-time.After(time.Second):
		t.Fatalf("event never delivered")
	}
}

func TestFullSubscriberDropsOldest(t *testing.T) {
	bus := New()
	defer bus.Shutdown()

	sub := bus.Subscribe(TopicCronRun, WithSubscriptionBuffer(1))
	defer sub.Close()

	bus.Publish(context.Background(), Envelope{Topic: TopicCronRun, Payload: CronRunEvent{JobID: "old"}})
	bus.Publish(context.Background(), Envelope{Topic: TopicCronRun, Payload: CronRunEvent{JobID: "new"}})

	select {
	case env := <-sub.C():
		if env.Payload.(CronRunEvent).JobID != "new" {
			t.Fatalf("expected oldest event dropped, got %+v", env.Payload)
		}
	case <-time.After(time.Second):
		t.Fatalf("no event delivered")
	}
}

func TestTopicsAreIsolated(t *testing.T) {
	bus := New()
	defer bus.Shutdown()

	sub := bus.Subscribe(TopicWorkflowRun)
	defer sub.Close()

	bus.Publish(context.Background(), Envelope{Topic: TopicCronRun, Payload: CronRunEvent{JobID: "j"}})

	select {
	case env := <-sub.C():
		t.Fatalf("event crossed topics: %+v", env)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNilBusIsSafe(t *testing.T) {
	var bus *Bus
	bus.Publish(context.Background(), Envelope{Topic: TopicCronRun})
	sub := bus.Subscribe(TopicCronRun)
	if _, open := <-sub.C(); open {
		t.Fatalf("nil-bus subscription should be closed")
	}
	bus.Shutdown()
}

func TestEnvelopeSessionID(t *testing.T) {
	cases := []struct {
		payload any
		want    string
	}{
		{SessionLifecycleEvent{SessionID: "a"}, "a"},
		{SessionMessageEvent{SessionID: "b"}, "b"},
		{SessionPromptEvent{SessionID: "c"}, "c"},
		{CronRunEvent{JobID: "j"}, ""},
		{nil, ""},
	}
	for _, tc := range cases {
		env := Envelope{Payload: tc.payload}
		if got := env.SessionID(); got != tc.want {
			t.Errorf("SessionID(%T) = %q, want %q", tc.payload, got, tc.want)
		}
	}
}
