// Package cron is the scheduled-job engine exposed through the gateway:
// a registry over robfig/cron with pause/resume/run-now controls and run
// events published on the bus.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	cronlib "github.com/robfig/cron/v3"

	"github.com/tetherd-dev/tetherd/internal/eventbus"
)

// ErrNotFound marks lookups of unknown jobs.
var ErrNotFound = errors.New("cron job not found")

// Task is the work a job performs.
type Task func(ctx context.Context) error

// Job is the externally visible view of a registered job.
type Job struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Spec    string `json:"spec"`
	Paused  bool   `json:"paused"`
	LastRun int64  `json:"lastRun,omitempty"`
	NextRun int64  `json:"nextRun,omitempty"`
}

type entry struct {
	job     Job
	task    Task
	entryID cronlib.EntryID
}

// Engine schedules and runs registered jobs.
type Engine struct {
	logger *log.Logger
	bus    *eventbus.Bus
	cron   *cronlib.Cron

	mu   sync.Mutex
	jobs map[string]*entry
}

// NewEngine constructs a stopped engine; call Start to begin scheduling.
func NewEngine(bus *eventbus.Bus, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(os.Stdout, "[Cron] ", log.LstdFlags)
	}
	return &Engine{
		logger: logger,
		bus:    bus,
		cron:   cronlib.New(),
		jobs:   make(map[string]*entry),
	}
}

// Start begins running schedules.
func (e *Engine) Start() {
	e.cron.Start()
}

// Stop halts scheduling and waits for running jobs to finish.
func (e *Engine) Stop() {
	ctx := e.cron.Stop()
	<-ctx.Done()
}

// Register adds a job under a standard cron spec and schedules it.
func (e *Engine) Register(name, spec string, task Task) (Job, error) {
	id := uuid.NewString()

	entryID, err := e.cron.AddFunc(spec, func() { e.runJob(id) })
	if err != nil {
		return Job{}, fmt.Errorf("register cron job %s: %w", name, err)
	}

	ent := &entry{
		job:     Job{ID: id, Name: name, Spec: spec},
		task:    task,
		entryID: entryID,
	}

	e.mu.Lock()
	e.jobs[id] = ent
	e.mu.Unlock()

	e.logger.Printf("registered job %s (%s) with spec %q", name, id, spec)
	return ent.job, nil
}

// List returns all registered jobs with their schedule state.
func (e *Engine) List() []Job {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Job, 0, len(e.jobs))
	for _, ent := range e.jobs {
		job := ent.job
		if !job.Paused {
			if next := e.cron.Entry(ent.entryID).Next; !next.IsZero() {
				job.NextRun = next.UnixMilli()
			}
		}
		out = append(out, job)
	}
	return out
}

// Pause removes the job from the schedule without forgetting it.
func (e *Engine) Pause(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ent, ok := e.jobs[id]
	if !ok {
		return fmt.Errorf("pause %s: %w", id, ErrNotFound)
	}
	if ent.job.Paused {
		return nil
	}

	e.cron.Remove(ent.entryID)
	ent.job.Paused = true
	ent.entryID = 0
	return nil
}

// Resume puts a paused job back on the schedule.
func (e *Engine) Resume(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ent, ok := e.jobs[id]
	if !ok {
		return fmt.Errorf("resume %s: %w", id, ErrNotFound)
	}
	if !ent.job.Paused {
		return nil
	}

	entryID, err := e.cron.AddFunc(ent.job.Spec, func() { e.runJob(id) })
	if err != nil {
		return fmt.Errorf("resume %s: %w", id, err)
	}
	ent.entryID = entryID
	ent.job.Paused = false
	return nil
}

// RunNow executes the job immediately, independent of its schedule.
func (e *Engine) RunNow(id string) error {
	e.mu.Lock()
	_, ok := e.jobs[id]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}

	go e.runJob(id)
	return nil
}

func (e *Engine) runJob(id string) {
	e.mu.Lock()
	ent, ok := e.jobs[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	job := ent.job
	task := ent.task
	ent.job.LastRun = time.Now().UnixMilli()
	e.mu.Unlock()

	e.publishRun(job, "started")

	outcome := "finished"
	if task != nil {
		if err := task(context.Background()); err != nil {
			outcome = "failed"
			e.logger.Printf("job %s (%s) failed: %v", job.Name, job.ID, err)
		}
	}
	e.publishRun(job, outcome)
}

func (e *Engine) publishRun(job Job, outcome string) {
	e.bus.Publish(context.Background(), eventbus.Envelope{
		Topic:     eventbus.TopicCronRun,
		Source:    eventbus.SourceCronEngine,
		Timestamp: time.Now(),
		Payload: eventbus.CronRunEvent{
			JobID:   job.ID,
			Name:    job.Name,
			Outcome: outcome,
		},
	})
}
