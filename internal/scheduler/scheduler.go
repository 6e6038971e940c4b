// Package scheduler runs registered workflows on cron schedules. Jobs are
// held in memory and executed through a WorkflowRunner; a due job that is
// still running from a previous tick is skipped, never stacked.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// WorkflowRunner is the interface the scheduler uses to start workflow
// executions. Satisfied by a thin adapter over the executor and registry
// (avoids an import cycle with the engine package).
type WorkflowRunner interface {
	RunWorkflow(ctx context.Context, workflow string, overrides map[string]any) error
}

// Job is one scheduled workflow run.
type Job struct {
	ID            string         `json:"id"`
	Workflow      string         `json:"workflow"`
	CronExpr      string         `json:"cron"`
	Overrides     map[string]any `json:"overrides,omitempty"`
	Enabled       bool           `json:"enabled"`
	LastRunAt     *time.Time     `json:"last_run_at,omitempty"`
	NextRunAt     *time.Time     `json:"next_run_at,omitempty"`
	LastRunStatus string         `json:"last_run_status,omitempty"`
}

// Scheduler ticks once a minute and runs every enabled job that is due.
type Scheduler struct {
	runner WorkflowRunner
	parser cron.Parser
	logger *slog.Logger

	mu     sync.Mutex
	jobs   map[string]*Job
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job IDs currently executing (dedup)
}

// New creates a Scheduler.
func New(runner WorkflowRunner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		runner:   runner,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		jobs:     make(map[string]*Job),
		inflight: make(map[string]struct{}),
	}
}

// AddJob registers a job. The cron expression is validated and the job's
// first due time computed immediately.
func (s *Scheduler) AddJob(job Job) error {
	if job.ID == "" {
		return fmt.Errorf("job id is empty")
	}
	if job.Workflow == "" {
		return fmt.Errorf("job %q has no workflow", job.ID)
	}
	next, err := s.CalculateNextRun(job.CronExpr, time.Now().UTC())
	if err != nil {
		return err
	}
	job.NextRunAt = &next

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job %q already registered", job.ID)
	}
	s.jobs[job.ID] = &job
	return nil
}

// RemoveJob deletes a job. Removing an unknown ID is a no-op.
func (s *Scheduler) RemoveJob(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
}

// SetEnabled toggles a job without losing its schedule state.
func (s *Scheduler) SetEnabled(id string, enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok {
		job.Enabled = enabled
	}
}

// Jobs returns a snapshot of all registered jobs.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, *job)
	}
	return out
}

// Start launches the background scheduling loop with a 60s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}

	schedCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(schedCtx)
	s.logger.Info("scheduler started")
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	// Run an initial tick immediately.
	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs every enabled job whose due time has passed.
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()

	s.mu.Lock()
	due := make([]*Job, 0)
	for _, job := range s.jobs {
		if !job.Enabled {
			continue
		}
		if job.NextRunAt == nil || !job.NextRunAt.After(now) {
			due = append(due, job)
		}
	}
	s.mu.Unlock()

	for _, job := range due {
		if !s.tryAcquire(job.ID) {
			continue // already running (dedup)
		}
		s.runJob(ctx, job, now)
		s.releaseJob(job.ID)
	}
}

// runJob executes one job and updates its schedule state.
func (s *Scheduler) runJob(ctx context.Context, job *Job, now time.Time) {
	s.logger.Info("running scheduled job",
		slog.String("job_id", job.ID),
		slog.String("workflow", job.Workflow),
	)

	err := s.runner.RunWorkflow(ctx, job.Workflow, job.Overrides)
	status := "success"
	if err != nil {
		status = "error"
		s.logger.Error("scheduled job execution failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}

	next, nerr := s.CalculateNextRun(job.CronExpr, now)

	s.mu.Lock()
	defer s.mu.Unlock()
	job.LastRunAt = &now
	job.LastRunStatus = status
	if nerr == nil {
		job.NextRunAt = &next
	}
}

// tryAcquire returns true and marks the job as in-flight if it is not already running.
func (s *Scheduler) tryAcquire(jobID string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[jobID]; ok {
		return false
	}
	s.inflight[jobID] = struct{}{}
	return true
}

// releaseJob removes the job from the in-flight set.
func (s *Scheduler) releaseJob(jobID string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, jobID)
}

// CalculateNextRun computes the next run time for a cron expression.
func (s *Scheduler) CalculateNextRun(cronExpr string, from time.Time) (time.Time, error) {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cron expression %q: %w", cronExpr, err)
	}
	return schedule.Next(from), nil
}

// Stop gracefully shuts down the scheduler. The lock is released while
// waiting so an in-progress tick can finish updating job state.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}

	cancel()
	<-done

	s.logger.Info("scheduler stopped")
	return nil
}
