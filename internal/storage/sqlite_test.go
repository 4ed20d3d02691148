package storage_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_storage "github.com/ignatij/gosched/internal/storage"
	"github.com/ignatij/gosched/internal/testutil"
	"github.com/ignatij/gosched/pkg/models"
	"github.com/ignatij/gosched/pkg/storage"
)

func insertTask(t *testing.T, store *internal_storage.SQLiteStore, task models.Task) {
	t.Helper()
	tx, err := store.Begin()
	require.NoError(t, err)
	require.NoError(t, tx.SaveTask(task))
	for _, dep := range task.Dependencies {
		require.NoError(t, tx.SaveDependency(models.Dependency{TaskID: task.ID, DependsOn: dep}))
	}
	require.NoError(t, tx.Commit())
}

func queuedTask(id string, createdAt int64, deps ...string) models.Task {
	return models.Task{
		ID:            id,
		Type:          "noop",
		DurationMs:    50,
		Status:        models.QueuedTaskStatus,
		RemainingDeps: len(deps),
		MaxAttempts:   3,
		CreatedAt:     createdAt,
		UpdatedAt:     createdAt,
		Dependencies:  deps,
	}
}

func TestSQLiteStore(t *testing.T) {
	t.Run("SaveAndGetTask", func(t *testing.T) {
		db := testutil.SetupTestDB(t)
		insertTask(t, db.Store, queuedTask("dep", 1000))
		insertTask(t, db.Store, queuedTask("t1", 2000, "dep"))

		task, err := db.Store.GetTask("t1")
		require.NoError(t, err)
		assert.Equal(t, "t1", task.ID)
		assert.Equal(t, models.QueuedTaskStatus, task.Status)
		assert.Equal(t, 1, task.RemainingDeps)
		assert.Equal(t, []string{"dep"}, task.Dependencies)
		assert.Nil(t, task.StartedAt)
		assert.Nil(t, task.LeaseExpiresAt)
	})

	t.Run("GetMissingTask", func(t *testing.T) {
		db := testutil.SetupTestDB(t)
		_, err := db.Store.GetTask("ghost")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("DuplicateInsertFails", func(t *testing.T) {
		db := testutil.SetupTestDB(t)
		insertTask(t, db.Store, queuedTask("t1", 1000))

		tx, err := db.Store.Begin()
		require.NoError(t, err)
		err = tx.SaveTask(queuedTask("t1", 2000))
		assert.Error(t, err)
		assert.NoError(t, tx.Rollback())
	})

	t.Run("DependencyForeignKeyEnforced", func(t *testing.T) {
		db := testutil.SetupTestDB(t)
		insertTask(t, db.Store, queuedTask("t1", 1000))

		tx, err := db.Store.Begin()
		require.NoError(t, err)
		err = tx.SaveDependency(models.Dependency{TaskID: "t1", DependsOn: "ghost"})
		assert.Error(t, err)
		assert.NoError(t, tx.Rollback())
	})

	t.Run("ClaimOrdersByCreationThenID", func(t *testing.T) {
		db := testutil.SetupTestDB(t)
		insertTask(t, db.Store, queuedTask("b", 2000))
		insertTask(t, db.Store, queuedTask("a", 2000))
		insertTask(t, db.Store, queuedTask("c", 1000))

		claimed, err := db.Store.ClaimRunnable(5000, 60000, 2)
		require.NoError(t, err)
		require.Len(t, claimed, 2)
		assert.Equal(t, "c", claimed[0].ID)
		assert.Equal(t, "a", claimed[1].ID)

		task, err := db.Store.GetTask("c")
		require.NoError(t, err)
		assert.Equal(t, models.RunningTaskStatus, task.Status)
		assert.Equal(t, 1, task.Attempts)
		require.NotNil(t, task.StartedAt)
		assert.Equal(t, int64(5000), *task.StartedAt)
		require.NotNil(t, task.LeaseExpiresAt)
		assert.Equal(t, int64(65000), *task.LeaseExpiresAt)

		// The loser stays claimable.
		task, err = db.Store.GetTask("b")
		require.NoError(t, err)
		assert.Equal(t, models.QueuedTaskStatus, task.Status)
	})

	t.Run("ClaimSkipsWaitingTasks", func(t *testing.T) {
		db := testutil.SetupTestDB(t)
		insertTask(t, db.Store, queuedTask("dep", 1000))
		insertTask(t, db.Store, queuedTask("waiting", 500, "dep"))

		claimed, err := db.Store.ClaimRunnable(5000, 60000, 10)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, "dep", claimed[0].ID)
	})

	t.Run("MarkCompletedPropagatesToDependents", func(t *testing.T) {
		db := testutil.SetupTestDB(t)
		insertTask(t, db.Store, queuedTask("a", 1000))
		insertTask(t, db.Store, queuedTask("b", 2000, "a"))
		insertTask(t, db.Store, queuedTask("c", 3000, "a", "b"))

		claimed, err := db.Store.ClaimRunnable(5000, 60000, 10)
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		require.NoError(t, db.Store.MarkCompleted("a", 6000))

		a, err := db.Store.GetTask("a")
		require.NoError(t, err)
		assert.Equal(t, models.CompletedTaskStatus, a.Status)
		require.NotNil(t, a.FinishedAt)
		assert.Equal(t, int64(6000), *a.FinishedAt)
		assert.Nil(t, a.LeaseExpiresAt)

		b, err := db.Store.GetTask("b")
		require.NoError(t, err)
		assert.Equal(t, 0, b.RemainingDeps)
		assert.True(t, b.Runnable())

		c, err := db.Store.GetTask("c")
		require.NoError(t, err)
		assert.Equal(t, 1, c.RemainingDeps)
	})

	t.Run("MarkCompletedRequiresRunning", func(t *testing.T) {
		db := testutil.SetupTestDB(t)
		insertTask(t, db.Store, queuedTask("t1", 1000))

		err := db.Store.MarkCompleted("t1", 5000)
		var conflict *storage.StateConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, models.QueuedTaskStatus, conflict.Status)

		assert.ErrorIs(t, db.Store.MarkCompleted("ghost", 5000), storage.ErrNotFound)
	})

	t.Run("MarkFailedOrRetryRequeues", func(t *testing.T) {
		db := testutil.SetupTestDB(t)
		insertTask(t, db.Store, queuedTask("t1", 1000))
		_, err := db.Store.ClaimRunnable(5000, 60000, 1)
		require.NoError(t, err)

		status, err := db.Store.MarkFailedOrRetry("t1", 6000, "boom")
		require.NoError(t, err)
		assert.Equal(t, models.QueuedTaskStatus, status)

		task, err := db.Store.GetTask("t1")
		require.NoError(t, err)
		assert.Equal(t, models.QueuedTaskStatus, task.Status)
		assert.Equal(t, 1, task.Attempts)
		assert.Nil(t, task.StartedAt)
		assert.Nil(t, task.LeaseExpiresAt)
		require.NotNil(t, task.LastError)
		assert.Equal(t, "boom", *task.LastError)
	})

	t.Run("MarkFailedOrRetryFailsTerminallyAndBlocks", func(t *testing.T) {
		db := testutil.SetupTestDB(t)
		root := queuedTask("root", 1000)
		root.MaxAttempts = 1
		insertTask(t, db.Store, root)
		insertTask(t, db.Store, queuedTask("child", 2000, "root"))
		insertTask(t, db.Store, queuedTask("grandchild", 3000, "child"))

		_, err := db.Store.ClaimRunnable(5000, 60000, 1)
		require.NoError(t, err)

		status, err := db.Store.MarkFailedOrRetry("root", 6000, "boom")
		require.NoError(t, err)
		assert.Equal(t, models.FailedTaskStatus, status)

		rootTask, err := db.Store.GetTask("root")
		require.NoError(t, err)
		assert.Equal(t, models.FailedTaskStatus, rootTask.Status)
		require.NotNil(t, rootTask.FinishedAt)

		for _, id := range []string{"child", "grandchild"} {
			task, err := db.Store.GetTask(id)
			require.NoError(t, err)
			assert.Equal(t, models.BlockedTaskStatus, task.Status, "task %s", id)
		}
	})

	t.Run("MarkFailedOrRetryRequiresRunning", func(t *testing.T) {
		db := testutil.SetupTestDB(t)
		insertTask(t, db.Store, queuedTask("t1", 1000))

		_, err := db.Store.MarkFailedOrRetry("t1", 5000, "boom")
		var conflict *storage.StateConflictError
		assert.ErrorAs(t, err, &conflict)

		_, err = db.Store.MarkFailedOrRetry("ghost", 5000, "boom")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("SweepExpiredLeases", func(t *testing.T) {
		db := testutil.SetupTestDB(t)

		lease := int64(4000)
		retryable := queuedTask("retryable", 1000)
		retryable.Status = models.RunningTaskStatus
		retryable.Attempts = 1
		retryable.LeaseExpiresAt = &lease
		insertTask(t, db.Store, retryable)

		exhausted := queuedTask("exhausted", 1000)
		exhausted.Status = models.RunningTaskStatus
		exhausted.Attempts = 3
		exhausted.LeaseExpiresAt = &lease
		insertTask(t, db.Store, exhausted)
		insertTask(t, db.Store, queuedTask("dependent", 2000, "exhausted"))

		freshLease := int64(90000)
		healthy := queuedTask("healthy", 1000)
		healthy.Status = models.RunningTaskStatus
		healthy.Attempts = 1
		healthy.LeaseExpiresAt = &freshLease
		insertTask(t, db.Store, healthy)

		transitioned, err := db.Store.SweepExpiredLeases(5000)
		require.NoError(t, err)
		assert.Equal(t, 2, transitioned)

		task, err := db.Store.GetTask("retryable")
		require.NoError(t, err)
		assert.Equal(t, models.QueuedTaskStatus, task.Status)
		assert.Equal(t, 1, task.Attempts) // requeue does not consume an attempt
		require.NotNil(t, task.LastError)
		assert.Equal(t, "lease expired", *task.LastError)

		task, err = db.Store.GetTask("exhausted")
		require.NoError(t, err)
		assert.Equal(t, models.FailedTaskStatus, task.Status)

		task, err = db.Store.GetTask("dependent")
		require.NoError(t, err)
		assert.Equal(t, models.BlockedTaskStatus, task.Status)

		task, err = db.Store.GetTask("healthy")
		require.NoError(t, err)
		assert.Equal(t, models.RunningTaskStatus, task.Status)
	})

	t.Run("CountRunningIgnoresExpiredLeases", func(t *testing.T) {
		db := testutil.SetupTestDB(t)

		expired := int64(1000)
		dead := queuedTask("dead", 1000)
		dead.Status = models.RunningTaskStatus
		dead.LeaseExpiresAt = &expired
		insertTask(t, db.Store, dead)

		fresh := int64(90000)
		alive := queuedTask("alive", 1000)
		alive.Status = models.RunningTaskStatus
		alive.LeaseExpiresAt = &fresh
		insertTask(t, db.Store, alive)

		noLease := queuedTask("no-lease", 1000)
		noLease.Status = models.RunningTaskStatus
		insertTask(t, db.Store, noLease)

		n, err := db.Store.CountRunning(5000)
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	})

	t.Run("ReachableFrom", func(t *testing.T) {
		db := testutil.SetupTestDB(t)
		insertTask(t, db.Store, queuedTask("a", 1000))
		insertTask(t, db.Store, queuedTask("b", 2000, "a"))
		insertTask(t, db.Store, queuedTask("c", 3000, "b"))

		reachable, err := db.Store.ReachableFrom([]string{"c"}, "a")
		require.NoError(t, err)
		assert.True(t, reachable)

		reachable, err = db.Store.ReachableFrom([]string{"a"}, "c")
		require.NoError(t, err)
		assert.False(t, reachable)
	})

	t.Run("ListTasks", func(t *testing.T) {
		db := testutil.SetupTestDB(t)
		insertTask(t, db.Store, queuedTask("a", 1000))
		insertTask(t, db.Store, queuedTask("b", 2000))
		insertTask(t, db.Store, queuedTask("c", 3000))
		_, err := db.Store.ClaimRunnable(5000, 60000, 1)
		require.NoError(t, err)

		tasks, total, err := db.Store.ListTasks(models.TaskFilter{})
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		require.Len(t, tasks, 3)
		assert.Equal(t, "a", tasks[0].ID)

		tasks, total, err = db.Store.ListTasks(models.TaskFilter{Status: models.QueuedTaskStatus})
		require.NoError(t, err)
		assert.Equal(t, 2, total)
		assert.Len(t, tasks, 2)

		tasks, total, err = db.Store.ListTasks(models.TaskFilter{Limit: 1, Offset: 1})
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		require.Len(t, tasks, 1)
		assert.Equal(t, "b", tasks[0].ID)
	})
}
