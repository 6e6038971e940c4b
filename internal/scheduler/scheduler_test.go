package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockRunner tracks RunWorkflow calls.
type mockRunner struct {
	mu    sync.Mutex
	calls []runCall
	err   error
	block chan struct{} // when set, RunWorkflow blocks until closed
}

type runCall struct {
	Workflow  string
	Overrides map[string]any
}

func (r *mockRunner) RunWorkflow(_ context.Context, workflow string, overrides map[string]any) error {
	r.mu.Lock()
	r.calls = append(r.calls, runCall{Workflow: workflow, Overrides: overrides})
	block := r.block
	err := r.err
	r.mu.Unlock()
	if block != nil {
		<-block
	}
	return err
}

func (r *mockRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func pastDue(job Job) Job {
	past := time.Now().UTC().Add(-time.Minute)
	job.NextRunAt = &past
	return job
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestAddJob_ValidatesCronExpression(t *testing.T) {
	s := New(&mockRunner{}, testLogger())

	err := s.AddJob(Job{ID: "j1", Workflow: "wf", CronExpr: "not a cron"})
	assert.Error(t, err)

	err = s.AddJob(Job{ID: "j1", Workflow: "wf", CronExpr: "*/5 * * * *"})
	assert.NoError(t, err)
}

func TestAddJob_ComputesFirstDueTime(t *testing.T) {
	s := New(&mockRunner{}, testLogger())
	require.NoError(t, s.AddJob(Job{ID: "j1", Workflow: "wf", CronExpr: "0 0 * * *"}))

	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	require.NotNil(t, jobs[0].NextRunAt)
	assert.True(t, jobs[0].NextRunAt.After(time.Now().UTC()))
}

func TestAddJob_RejectsDuplicateID(t *testing.T) {
	s := New(&mockRunner{}, testLogger())
	require.NoError(t, s.AddJob(Job{ID: "j1", Workflow: "wf", CronExpr: "* * * * *"}))
	assert.Error(t, s.AddJob(Job{ID: "j1", Workflow: "wf", CronExpr: "* * * * *"}))
}

func TestTick_RunsDueJobs(t *testing.T) {
	runner := &mockRunner{}
	s := New(runner, testLogger())

	require.NoError(t, s.AddJob(pastDue(Job{
		ID: "due", Workflow: "nightly", CronExpr: "* * * * *", Enabled: true,
		Overrides: map[string]any{"source": "cron"},
	})))

	s.tick(context.Background())

	require.Equal(t, 1, runner.callCount())
	assert.Equal(t, "nightly", runner.calls[0].Workflow)
	assert.Equal(t, map[string]any{"source": "cron"}, runner.calls[0].Overrides)
}

func TestTick_SkipsDisabledJobs(t *testing.T) {
	runner := &mockRunner{}
	s := New(runner, testLogger())

	require.NoError(t, s.AddJob(pastDue(Job{
		ID: "off", Workflow: "wf", CronExpr: "* * * * *", Enabled: false,
	})))

	s.tick(context.Background())
	assert.Equal(t, 0, runner.callCount())
}

func TestTick_SkipsNotYetDueJobs(t *testing.T) {
	runner := &mockRunner{}
	s := New(runner, testLogger())

	// AddJob computes the first due time in the future.
	require.NoError(t, s.AddJob(Job{
		ID: "later", Workflow: "wf", CronExpr: "0 0 * * *", Enabled: true,
	}))

	s.tick(context.Background())
	assert.Equal(t, 0, runner.callCount())
}

func TestTick_UpdatesScheduleState(t *testing.T) {
	runner := &mockRunner{}
	s := New(runner, testLogger())

	require.NoError(t, s.AddJob(pastDue(Job{
		ID: "due", Workflow: "wf", CronExpr: "* * * * *", Enabled: true,
	})))

	before := time.Now().UTC()
	s.tick(context.Background())

	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	require.NotNil(t, jobs[0].LastRunAt)
	assert.False(t, jobs[0].LastRunAt.Before(before))
	assert.Equal(t, "success", jobs[0].LastRunStatus)
	require.NotNil(t, jobs[0].NextRunAt)
	assert.True(t, jobs[0].NextRunAt.After(before))
}

func TestTick_RecordsFailedRuns(t *testing.T) {
	runner := &mockRunner{err: errors.New("workflow blew up")}
	s := New(runner, testLogger())

	require.NoError(t, s.AddJob(pastDue(Job{
		ID: "due", Workflow: "wf", CronExpr: "* * * * *", Enabled: true,
	})))

	s.tick(context.Background())

	jobs := s.Jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, "error", jobs[0].LastRunStatus)
	// A failed run still gets a next due time; one failure never kills the schedule.
	assert.NotNil(t, jobs[0].NextRunAt)
}

func TestTick_DedupsInflightJobs(t *testing.T) {
	block := make(chan struct{})
	runner := &mockRunner{block: block}
	s := New(runner, testLogger())

	require.NoError(t, s.AddJob(pastDue(Job{
		ID: "slow", Workflow: "wf", CronExpr: "* * * * *", Enabled: true,
	})))

	go s.tick(context.Background())

	// Wait for the first run to start, then tick again while it is in flight.
	require.Eventually(t, func() bool { return runner.callCount() == 1 },
		time.Second, 5*time.Millisecond)
	s.tick(context.Background())

	assert.Equal(t, 1, runner.callCount(), "in-flight job must not run twice")
	close(block)
}

func TestSetEnabled_TogglesJob(t *testing.T) {
	runner := &mockRunner{}
	s := New(runner, testLogger())

	require.NoError(t, s.AddJob(pastDue(Job{
		ID: "j1", Workflow: "wf", CronExpr: "* * * * *", Enabled: true,
	})))

	s.SetEnabled("j1", false)
	s.tick(context.Background())
	assert.Equal(t, 0, runner.callCount())
}

func TestRemoveJob(t *testing.T) {
	s := New(&mockRunner{}, testLogger())
	require.NoError(t, s.AddJob(Job{ID: "j1", Workflow: "wf", CronExpr: "* * * * *"}))

	s.RemoveJob("j1")
	assert.Empty(t, s.Jobs())

	s.RemoveJob("unknown") // no-op
}

func TestCalculateNextRun(t *testing.T) {
	s := New(&mockRunner{}, testLogger())

	from := time.Date(2026, 8, 29, 10, 30, 0, 0, time.UTC)
	next, err := s.CalculateNextRun("0 12 * * *", from)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC), next)

	_, err = s.CalculateNextRun("bogus", from)
	assert.Error(t, err)
}

func TestStartStop(t *testing.T) {
	runner := &mockRunner{}
	s := New(runner, testLogger())

	require.NoError(t, s.AddJob(pastDue(Job{
		ID: "due", Workflow: "wf", CronExpr: "* * * * *", Enabled: true,
	})))

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "double start must fail")

	// The initial tick runs due jobs without waiting for the ticker.
	require.Eventually(t, func() bool { return runner.callCount() == 1 },
		time.Second, 5*time.Millisecond)

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop(), "double stop is a no-op")

	// Restart works after a clean stop.
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Stop())
}
