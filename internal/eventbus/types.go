package eventbus

import "time"

// Topic identifies an event stream on the bus.
type Topic string

const (
	// TopicSessionLifecycle carries session created/completed/stopped events.
	TopicSessionLifecycle Topic = "sessions.lifecycle"
	// TopicSessionMessage carries per-session assistant/user message events.
	TopicSessionMessage Topic = "sessions.message"
	// TopicSessionPrompt carries permission/question prompts awaiting a reply.
	TopicSessionPrompt Topic = "sessions.prompt"
	// TopicCronRun carries cron job run notifications.
	TopicCronRun Topic = "cron.run"
	// TopicWorkflowRun carries scheduled workflow run notifications.
	TopicWorkflowRun Topic = "workflow.run"
)

// Source identifies the component that published an event.
type Source string

const (
	SourceUnknown        Source = "unknown"
	SourceSessionRuntime Source = "session-runtime"
	SourceCronEngine     Source = "cron-engine"
	SourceWorkflowEngine Source = "workflow-engine"
	SourceGateway        Source = "gateway"
)

// Envelope wraps a payload with routing metadata.
type Envelope struct {
	Topic     Topic
	Source    Source
	Timestamp time.Time
	Payload   any
}

// SessionLifecycleEvent reports a change in a session's lifecycle.
type SessionLifecycleEvent struct {
	SessionID string `json:"sessionId"`
	Kind      string `json:"kind"` // created | completed | stopped | failed
	Title     string `json:"title,omitempty"`
	ExitInfo  string `json:"exitInfo,omitempty"`
}

// SessionMessageEvent reports a message appended to a session transcript.
type SessionMessageEvent struct {
	SessionID string `json:"sessionId"`
	Role      string `json:"role"` // user | assistant
	Content   string `json:"content"`
	Final     bool   `json:"final"`
}

// SessionPromptEvent reports a pending permission or question prompt.
type SessionPromptEvent struct {
	SessionID string `json:"sessionId"`
	PromptID  string `json:"promptId"`
	Kind      string `json:"kind"` // permission | question
	Text      string `json:"text"`
}

// CronRunEvent reports a cron job execution.
type CronRunEvent struct {
	JobID   string `json:"jobId"`
	Name    string `json:"name"`
	Outcome string `json:"outcome"` // started | finished | failed
}

// WorkflowRunEvent reports a scheduled workflow execution.
type WorkflowRunEvent struct {
	WorkflowID string `json:"workflowId"`
	Name       string `json:"name"`
	Outcome    string `json:"outcome"` // started | finished | failed
}

// SessionID extracts the session identifier from known payload types,
// returning "" for events that are not session-scoped. The gateway uses it
// to apply per-connection session filters.
func (e Envelope) SessionID() string {
	switch p := e.Payload.(type) {
	case SessionLifecycleEvent:
		return p.SessionID
	case SessionMessageEvent:
		return p.SessionID
	case SessionPromptEvent:
		return p.SessionID
	default:
		return ""
	}
}
