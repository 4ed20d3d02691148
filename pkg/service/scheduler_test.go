package service_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignatij/gosched/internal/testutil"
	"github.com/ignatij/gosched/pkg/models"
	"github.com/ignatij/gosched/pkg/service"
	"github.com/ignatij/gosched/pkg/storage"
)

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func statusOf(t *testing.T, store storage.Store, id string) models.TaskStatus {
	t.Helper()
	task, err := store.GetTask(id)
	require.NoError(t, err)
	return task.Status
}

func startScheduler(t *testing.T, store storage.Store, worker *service.Worker, cfg service.SchedulerConfig) *service.Scheduler {
	t.Helper()
	scheduler, err := service.NewScheduler(store, cfg, worker, testutil.NopLogger{}, nil)
	require.NoError(t, err)
	require.NoError(t, scheduler.Start())
	t.Cleanup(func() {
		_ = scheduler.Stop(5 * time.Second)
	})
	return scheduler
}

func TestSchedulerLinearChain(t *testing.T) {
	db := testutil.SetupTestDB(t)
	submit := service.NewSubmitService(db.Store, 3, testutil.NopLogger{}, nil)

	_, err := submit.SubmitBatch([]models.TaskSpec{
		{ID: "a", Type: "noop", DurationMs: 80},
		{ID: "b", Type: "noop", DurationMs: 80, Dependencies: []string{"a"}},
		{ID: "c", Type: "noop", DurationMs: 80, Dependencies: []string{"b"}},
	})
	require.NoError(t, err)

	worker := service.NewWorker(db.Store, testutil.NopLogger{}, nil)
	startScheduler(t, db.Store, worker, service.SchedulerConfig{
		MaxConcurrentTasks: 1,
		SchedTickMs:        50,
		LeaseMs:            60000,
		RecoveryIntervalMs: 100,
	})

	waitFor(t, 5*time.Second, "chain completion", func() bool {
		return statusOf(t, db.Store, "a") == models.CompletedTaskStatus &&
			statusOf(t, db.Store, "b") == models.CompletedTaskStatus &&
			statusOf(t, db.Store, "c") == models.CompletedTaskStatus
	})

	a, err := db.Store.GetTask("a")
	require.NoError(t, err)
	b, err := db.Store.GetTask("b")
	require.NoError(t, err)
	c, err := db.Store.GetTask("c")
	require.NoError(t, err)

	assert.Equal(t, 1, a.Attempts)
	assert.Less(t, *a.FinishedAt, *b.StartedAt, "b must start after a finishes")
	assert.LessOrEqual(t, *b.StartedAt, *b.FinishedAt)
	assert.Less(t, *b.FinishedAt, *c.StartedAt, "c must start after b finishes")
}

func TestSchedulerConcurrencyCap(t *testing.T) {
	db := testutil.SetupTestDB(t)
	submit := service.NewSubmitService(db.Store, 3, testutil.NopLogger{}, nil)

	for _, id := range []string{"x", "y", "z"} {
		_, err := submit.Submit(models.TaskSpec{ID: id, Type: "noop", DurationMs: 200})
		require.NoError(t, err)
	}

	worker := service.NewWorker(db.Store, testutil.NopLogger{}, nil)
	start := time.Now()
	startScheduler(t, db.Store, worker, service.SchedulerConfig{
		MaxConcurrentTasks: 2,
		SchedTickMs:        50,
		LeaseMs:            60000,
		RecoveryIntervalMs: 100,
	})

	done := func() bool {
		for _, id := range []string{"x", "y", "z"} {
			if statusOf(t, db.Store, id) != models.CompletedTaskStatus {
				return false
			}
		}
		return true
	}
	for !done() {
		n, err := db.Store.CountRunning(time.Now().UnixMilli())
		require.NoError(t, err)
		assert.LessOrEqual(t, n, 2, "concurrency ceiling violated")
		if time.Since(start) > 5*time.Second {
			t.Fatal("Timed out waiting for tasks to complete")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Three 200ms tasks through two slots cannot finish under 400ms.
	assert.GreaterOrEqual(t, time.Since(start), 400*time.Millisecond)
}

func TestSchedulerCrashRecovery(t *testing.T) {
	db := testutil.SetupTestDB(t)
	submit := service.NewSubmitService(db.Store, 3, testutil.NopLogger{}, nil)

	_, err := submit.Submit(models.TaskSpec{ID: "t1", Type: "crash", DurationMs: 10000, MaxAttempts: 2})
	require.NoError(t, err)

	var calls atomic.Int64
	worker := service.NewWorker(db.Store, testutil.NopLogger{}, nil)
	worker.RegisterHandler("crash", func(service.TaskRun) error {
		if calls.Add(1) == 1 {
			// First episode outlives its lease; the sweep requeues the task
			// and this late success is superseded.
			time.Sleep(700 * time.Millisecond)
			return nil
		}
		return errors.New("simulated crash")
	})

	startScheduler(t, db.Store, worker, service.SchedulerConfig{
		MaxConcurrentTasks: 1,
		SchedTickMs:        50,
		LeaseMs:            300,
		RecoveryIntervalMs: 50,
	})

	waitFor(t, 5*time.Second, "terminal failure", func() bool {
		return statusOf(t, db.Store, "t1") == models.FailedTaskStatus
	})

	task, err := db.Store.GetTask("t1")
	require.NoError(t, err)
	assert.Equal(t, 2, task.Attempts)
	require.NotNil(t, task.LastError)
	assert.Equal(t, "simulated crash", *task.LastError)
	require.NotNil(t, task.FinishedAt)
}

func TestSchedulerBlockedPropagation(t *testing.T) {
	db := testutil.SetupTestDB(t)
	submit := service.NewSubmitService(db.Store, 3, testutil.NopLogger{}, nil)

	_, err := submit.SubmitBatch([]models.TaskSpec{
		{ID: "a", Type: "boom", DurationMs: 10, MaxAttempts: 1},
		{ID: "b", Type: "noop", DurationMs: 10, Dependencies: []string{"a"}},
		{ID: "c", Type: "noop", DurationMs: 10, Dependencies: []string{"b"}},
	})
	require.NoError(t, err)

	worker := service.NewWorker(db.Store, testutil.NopLogger{}, nil)
	worker.RegisterHandler("boom", func(service.TaskRun) error {
		return errors.New("deterministic failure")
	})

	startScheduler(t, db.Store, worker, service.SchedulerConfig{
		MaxConcurrentTasks: 1,
		SchedTickMs:        50,
		LeaseMs:            60000,
		RecoveryIntervalMs: 100,
	})

	waitFor(t, 5*time.Second, "failure propagation", func() bool {
		return statusOf(t, db.Store, "a") == models.FailedTaskStatus &&
			statusOf(t, db.Store, "b") == models.BlockedTaskStatus &&
			statusOf(t, db.Store, "c") == models.BlockedTaskStatus
	})
}

func TestSchedulerStopDrainsInFlight(t *testing.T) {
	db := testutil.SetupTestDB(t)
	submit := service.NewSubmitService(db.Store, 3, testutil.NopLogger{}, nil)

	_, err := submit.Submit(models.TaskSpec{ID: "t1", Type: "noop", DurationMs: 200})
	require.NoError(t, err)

	worker := service.NewWorker(db.Store, testutil.NopLogger{}, nil)
	scheduler, err := service.NewScheduler(db.Store, service.SchedulerConfig{
		MaxConcurrentTasks: 1,
		SchedTickMs:        50,
		LeaseMs:            60000,
		RecoveryIntervalMs: 100,
	}, worker, testutil.NopLogger{}, nil)
	require.NoError(t, err)
	require.NoError(t, scheduler.Start())

	waitFor(t, 2*time.Second, "task claim", func() bool {
		return statusOf(t, db.Store, "t1") != models.QueuedTaskStatus
	})

	require.NoError(t, scheduler.Stop(2*time.Second))
	assert.Equal(t, models.CompletedTaskStatus, statusOf(t, db.Store, "t1"))
}

func TestSchedulerRestart(t *testing.T) {
	db := testutil.SetupTestDB(t)
	worker := service.NewWorker(db.Store, testutil.NopLogger{}, nil)
	scheduler, err := service.NewScheduler(db.Store, service.SchedulerConfig{
		MaxConcurrentTasks: 1,
		SchedTickMs:        50,
		LeaseMs:            60000,
		RecoveryIntervalMs: 100,
	}, worker, testutil.NopLogger{}, nil)
	require.NoError(t, err)

	require.NoError(t, scheduler.Start())
	assert.Error(t, scheduler.Start(), "double start must be refused")
	require.NoError(t, scheduler.Stop(time.Second))
	require.NoError(t, scheduler.Start(), "restart after stop must succeed")
	require.NoError(t, scheduler.Stop(time.Second))
}
