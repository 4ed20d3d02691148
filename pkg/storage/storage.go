package storage

import "github.com/ignatij/gosched/pkg/models"

// Store defines the persistence operations for the task engine.
//
// The fine-grained task and dependency operations are meant to be composed
// inside a transaction obtained via Begin. The scheduling operations
// (ClaimRunnable, MarkCompleted, MarkFailedOrRetry, SweepExpiredLeases) each
// run in their own serialized write transaction when called on a non-transaction
// store; their atomicity is what the scheduler's correctness rests on.
type Store interface {
	// Begin opens a write transaction. On SQLite the write lock is acquired
	// at BEGIN, not lazily, so two writers never interleave.
	Begin() (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// Task operations
	SaveTask(t models.Task) error
	GetTask(id string) (models.Task, error)
	ListTasks(f models.TaskFilter) ([]models.Task, int, error)
	ExistingTaskIDs(ids []string) (map[string]bool, error)
	IncompleteTaskIDs(ids []string) (map[string]bool, error)

	// Dependency operations
	SaveDependency(d models.Dependency) error
	GetDependencies(taskID string) ([]string, error)
	// ReachableFrom reports whether targetID can be reached from any of
	// startIDs by walking dependency edges. Used to refuse edge inserts
	// that would close a cycle in the stored graph.
	ReachableFrom(startIDs []string, targetID string) (bool, error)

	// Scheduling operations
	ClaimRunnable(nowMs, leaseMs int64, limit int) ([]models.Claimed, error)
	MarkCompleted(id string, nowMs int64) error
	MarkFailedOrRetry(id string, nowMs int64, errMsg string) (models.TaskStatus, error)
	SweepExpiredLeases(nowMs int64) (int, error)
	CountRunning(nowMs int64) (int, error)
}
