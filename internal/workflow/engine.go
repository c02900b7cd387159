// Package workflow tracks scheduled multi-step workflows. Scheduling rides
// on the cron engine; the gateway exposes list/pause/resume/trigger.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tetherd-dev/tetherd/internal/cron"
	"github.com/tetherd-dev/tetherd/internal/eventbus"
)

// ErrNotFound marks lookups of unknown workflows.
var ErrNotFound = errors.New("workflow not found")

// Runner executes one workflow run.
type Runner func(ctx context.Context) error

// Scheduled is the externally visible view of one scheduled workflow.
type Scheduled struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Spec      string `json:"spec"`
	Paused    bool   `json:"paused"`
	LastRun   int64  `json:"lastRun,omitempty"`
	CronJobID string `json:"-"`
}

type entry struct {
	workflow Scheduled
	runner   Runner
}

// Engine is the scheduled-workflow registry.
type Engine struct {
	logger *log.Logger
	bus    *eventbus.Bus
	crons  *cron.Engine

	mu        sync.Mutex
	workflows map[string]*entry
}

// NewEngine constructs an engine over the given cron scheduler and bus.
func NewEngine(crons *cron.Engine, bus *eventbus.Bus, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(os.Stdout, "[Workflow] ", log.LstdFlags)
	}
	return &Engine{
		logger:    logger,
		bus:       bus,
		crons:     crons,
		workflows: make(map[string]*entry),
	}
}

// Schedule registers a workflow under a cron spec.
func (e *Engine) Schedule(name, spec string, runner Runner) (Scheduled, error) {
	id := uuid.NewString()

	job, err := e.crons.Register("workflow:"+name, spec, func(ctx context.Context) error {
		return e.run(ctx, id)
	})
	if err != nil {
		return Scheduled{}, fmt.Errorf("schedule workflow %s: %w", name, err)
	}

	wf := Scheduled{ID: id, Name: name, Spec: spec, CronJobID: job.ID}

	e.mu.Lock()
	e.workflows[id] = &entry{workflow: wf, runner: runner}
	e.mu.Unlock()

	return wf, nil
}

// List returns all scheduled workflows.
func (e *Engine) List() []Scheduled {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Scheduled, 0, len(e.workflows))
	for _, ent := range e.workflows {
		out = append(out, ent.workflow)
	}
	return out
}

// Pause suspends future scheduled runs.
func (e *Engine) Pause(id string) error {
	e.mu.Lock()
	ent, ok := e.workflows[id]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("pause %s: %w", id, ErrNotFound)
	}

	if err := e.crons.Pause(ent.workflow.CronJobID); err != nil {
		return err
	}
	e.mu.Lock()
	ent.workflow.Paused = true
	e.mu.Unlock()
	return nil
}

// Resume re-enables scheduled runs.
func (e *Engine) Resume(id string) error {
	e.mu.Lock()
	ent, ok := e.workflows[id]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("resume %s: %w", id, ErrNotFound)
	}

	if err := e.crons.Resume(ent.workflow.CronJobID); err != nil {
		return err
	}
	e.mu.Lock()
	ent.workflow.Paused = false
	e.mu.Unlock()
	return nil
}

// Trigger runs the workflow immediately, paused or not.
func (e *Engine) Trigger(id string) error {
	e.mu.Lock()
	_, ok := e.workflows[id]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("trigger %s: %w", id, ErrNotFound)
	}

	go func() {
		if err := e.run(context.Background(), id); err != nil {
			e.logger.Printf("triggered workflow %s failed: %v", id, err)
		}
	}()
	return nil
}

func (e *Engine) run(ctx context.Context, id string) error {
	e.mu.Lock()
	ent, ok := e.workflows[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	wf := ent.workflow
	runner := ent.runner
	ent.workflow.LastRun = time.Now().UnixMilli()
	e.mu.Unlock()

	e.publishRun(wf, "started")

	outcome := "finished"
	var err error
	if runner != nil {
		if err = runner(ctx); err != nil {
			outcome = "failed"
		}
	}
	e.publishRun(wf, outcome)
	return err
}

func (e *Engine) publishRun(wf Scheduled, outcome string) {
	e.bus.Publish(context.Background(), eventbus.Envelope{
		Topic:     eventbus.TopicWorkflowRun,
		Source:    eventbus.SourceWorkflowEngine,
		Timestamp: time.Now(),
		Payload: eventbus.WorkflowRunEvent{
			WorkflowID: wf.ID,
			Name:       wf.Name,
			Outcome:    outcome,
		},
	})
}
