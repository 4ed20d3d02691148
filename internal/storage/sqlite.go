// Package storage provides the SQLite-backed implementation of the task store.
//
// Every write transaction is opened with an immediate lock (_txlock=immediate
// in the DSN), so the second writer blocks at BEGIN instead of failing midway.
// That single write lock is the only coordination primitive the engine uses:
// claim, completion propagation and the recovery sweep all serialize on it.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/ignatij/gosched/pkg/models"
	"github.com/ignatij/gosched/pkg/storage"
)

type DBInterface interface {
	Get(dest interface{}, query string, args ...interface{}) error
	Select(dest interface{}, query string, args ...interface{}) error
	Exec(query string, args ...interface{}) (sql.Result, error)
}

type SQLiteStore struct {
	db DBInterface
}

const (
	defaultListLimit = 200
	maxListLimit     = 1000
)

// NewSQLiteStore opens (and creates if necessary) the database at path.
// WAL mode, foreign keys and a 5s busy timeout are applied per connection
// through the DSN.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errors.Wrapf(err, "create db dir %s", dir)
		}
	}
	dsn := fmt.Sprintf(
		"file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_synchronous=NORMAL&_txlock=immediate",
		path,
	)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Begin() (storage.Store, error) {
	if db, ok := s.db.(*sqlx.DB); ok {
		tx, err := db.Beginx()
		if err != nil {
			return nil, storage.NewStoreError("begin", err)
		}
		return &SQLiteStore{db: tx}, nil
	}
	return nil, errors.New("cannot begin transaction on unknown type")
}

func (s *SQLiteStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return storage.NewStoreError("commit", tx.Commit())
	}
	return errors.New("cannot commit: not a transaction")
}

func (s *SQLiteStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		return storage.NewStoreError("rollback", tx.Rollback())
	}
	return errors.New("cannot rollback: not a transaction")
}

// DB exposes the underlying pool for the migration runner and tests.
// Returns nil when the store wraps a transaction.
func (s *SQLiteStore) DB() *sqlx.DB {
	db, _ := s.db.(*sqlx.DB)
	return db
}

func (s *SQLiteStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // no-op for *sqlx.Tx
}

// inTx runs fn inside a serialized write transaction. When the store already
// wraps a transaction, fn runs in place. A transient busy/locked failure is
// retried once; anything else surfaces as a StoreError unless it is already
// one of the domain error kinds.
func (s *SQLiteStore) inTx(op string, fn func(tx *SQLiteStore) error) error {
	if _, ok := s.db.(*sqlx.Tx); ok {
		return storage.NewStoreError(op, fn(s))
	}
	db, ok := s.db.(*sqlx.DB)
	if !ok {
		return errors.New("cannot begin transaction on unknown type")
	}
	run := func() error {
		tx, err := db.Beginx()
		if err != nil {
			return err
		}
		if err := fn(&SQLiteStore{db: tx}); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	}
	err := run()
	if err != nil && isBusy(err) {
		err = run()
	}
	return storage.NewStoreError(op, err)
}

func isBusy(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrBusy || serr.Code == sqlite3.ErrLocked
	}
	return false
}

// SaveTask inserts a new task row. Meant to be called inside a submit
// transaction; the caller has already checked uniqueness.
func (s *SQLiteStore) SaveTask(t models.Task) error {
	_, err := s.db.Exec(`
		INSERT INTO tasks (
		  id, type, duration_ms, status, remaining_deps,
		  attempts, max_attempts, created_at, updated_at,
		  started_at, finished_at, lease_expires_at, last_error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Type, t.DurationMs, t.Status, t.RemainingDeps,
		t.Attempts, t.MaxAttempts, t.CreatedAt, t.UpdatedAt,
		t.StartedAt, t.FinishedAt, t.LeaseExpiresAt, t.LastError,
	)
	return storage.NewStoreError("save task", err)
}

func (s *SQLiteStore) SaveDependency(d models.Dependency) error {
	_, err := s.db.Exec(
		"INSERT INTO deps (task_id, depends_on_id) VALUES (?, ?)",
		d.TaskID, d.DependsOn,
	)
	return storage.NewStoreError("save dependency", err)
}

func (s *SQLiteStore) GetTask(id string) (models.Task, error) {
	var t models.Task
	err := s.db.Get(&t, `
		SELECT id, type, duration_ms, status, remaining_deps, attempts, max_attempts,
		       created_at, updated_at, started_at, finished_at, lease_expires_at, last_error
		FROM tasks WHERE id = ?`, id)
	if err == sql.ErrNoRows {
		return models.Task{}, storage.ErrNotFound
	}
	if err != nil {
		return models.Task{}, storage.NewStoreError("get task", err)
	}
	deps, err := s.GetDependencies(id)
	if err != nil {
		return models.Task{}, err
	}
	t.Dependencies = deps
	return t, nil
}

func (s *SQLiteStore) GetDependencies(taskID string) ([]string, error) {
	deps := []string{}
	err := s.db.Select(&deps,
		"SELECT depends_on_id FROM deps WHERE task_id = ? ORDER BY depends_on_id ASC", taskID)
	if err != nil {
		return nil, storage.NewStoreError("get dependencies", err)
	}
	return deps, nil
}

func (s *SQLiteStore) ListTasks(f models.TaskFilter) ([]models.Task, int, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}

	where := ""
	args := []interface{}{}
	if f.Status != "" {
		where = " WHERE status = ?"
		args = append(args, f.Status)
	}

	var total int
	if err := s.db.Get(&total, "SELECT COUNT(*) FROM tasks"+where, args...); err != nil {
		return nil, 0, storage.NewStoreError("count tasks", err)
	}

	tasks := []models.Task{}
	query := `
		SELECT id, type, duration_ms, status, remaining_deps, attempts, max_attempts,
		       created_at, updated_at, started_at, finished_at, lease_expires_at, last_error
		FROM tasks` + where + " ORDER BY created_at ASC, id ASC LIMIT ? OFFSET ?"
	if err := s.db.Select(&tasks, query, append(args, limit, offset)...); err != nil {
		return nil, 0, storage.NewStoreError("list tasks", err)
	}
	for i := range tasks {
		deps, err := s.GetDependencies(tasks[i].ID)
		if err != nil {
			return nil, 0, err
		}
		tasks[i].Dependencies = deps
	}
	return tasks, total, nil
}

// ExistingTaskIDs returns the subset of ids that already exist.
func (s *SQLiteStore) ExistingTaskIDs(ids []string) (map[string]bool, error) {
	if len(ids) == 0 {
		return map[string]bool{}, nil
	}
	query, args, err := sqlx.In("SELECT id FROM tasks WHERE id IN (?)", ids)
	if err != nil {
		return nil, storage.NewStoreError("existing task ids", err)
	}
	found := []string{}
	if err := s.db.Select(&found, query, args...); err != nil {
		return nil, storage.NewStoreError("existing task ids", err)
	}
	out := make(map[string]bool, len(found))
	for _, id := range found {
		out[id] = true
	}
	return out, nil
}

// IncompleteTaskIDs returns the subset of ids whose status is not COMPLETED.
// Unknown ids are not reported; existence is checked separately.
func (s *SQLiteStore) IncompleteTaskIDs(ids []string) (map[string]bool, error) {
	if len(ids) == 0 {
		return map[string]bool{}, nil
	}
	query, args, err := sqlx.In(
		"SELECT id FROM tasks WHERE id IN (?) AND status != ?", ids, models.CompletedTaskStatus)
	if err != nil {
		return nil, storage.NewStoreError("incomplete task ids", err)
	}
	found := []string{}
	if err := s.db.Select(&found, query, args...); err != nil {
		return nil, storage.NewStoreError("incomplete task ids", err)
	}
	out := make(map[string]bool, len(found))
	for _, id := range found {
		out[id] = true
	}
	return out, nil
}

// ReachableFrom walks dependency edges from startIDs and reports whether
// targetID is reachable. Adding edges (target -> start) is a cycle iff so.
func (s *SQLiteStore) ReachableFrom(startIDs []string, targetID string) (bool, error) {
	if len(startIDs) == 0 {
		return false, nil
	}
	query, args, err := sqlx.In(`
		WITH RECURSIVE walk(node) AS (
		  SELECT depends_on_id FROM deps WHERE task_id IN (?)
		  UNION
		  SELECT d.depends_on_id FROM deps d JOIN walk w ON d.task_id = w.node
		)
		SELECT COUNT(*) FROM walk WHERE node = ?`, startIDs, targetID)
	if err != nil {
		return false, storage.NewStoreError("reachable from", err)
	}
	var n int
	if err := s.db.Get(&n, query, args...); err != nil {
		return false, storage.NewStoreError("reachable from", err)
	}
	return n > 0, nil
}

// ClaimRunnable atomically moves up to limit runnable tasks to RUNNING and
// grants each a lease. Candidates are ordered oldest first, id as tiebreak,
// so competing runnable tasks resolve deterministically.
func (s *SQLiteStore) ClaimRunnable(nowMs, leaseMs int64, limit int) ([]models.Claimed, error) {
	if limit <= 0 {
		return nil, nil
	}
	var claimed []models.Claimed
	err := s.inTx("claim runnable", func(tx *SQLiteStore) error {
		rows := []models.Claimed{}
		err := tx.db.Select(&rows, `
			SELECT id, type, duration_ms
			FROM tasks
			WHERE status = ? AND remaining_deps = 0
			ORDER BY created_at ASC, id ASC
			LIMIT ?`, models.QueuedTaskStatus, limit)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		ids := make([]string, len(rows))
		for i, r := range rows {
			ids[i] = r.ID
		}
		query, args, err := sqlx.In(`
			UPDATE tasks
			SET status = ?, attempts = attempts + 1,
			    started_at = ?, lease_expires_at = ?, updated_at = ?
			WHERE id IN (?) AND status = ? AND remaining_deps = 0`,
			models.RunningTaskStatus, nowMs, nowMs+leaseMs, nowMs,
			ids, models.QueuedTaskStatus)
		if err != nil {
			return err
		}
		if _, err := tx.db.Exec(query, args...); err != nil {
			return err
		}
		claimed = rows
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// MarkCompleted transitions RUNNING -> COMPLETED and, in the same transaction,
// decrements remaining_deps of every QUEUED dependent. Doing both atomically
// keeps "remaining_deps equals the count of not-COMPLETED dependencies" true
// at every commit point, so a runnable successor is visible to the very next
// claim.
func (s *SQLiteStore) MarkCompleted(id string, nowMs int64) error {
	return s.inTx("mark completed", func(tx *SQLiteStore) error {
		res, err := tx.db.Exec(`
			UPDATE tasks
			SET status = ?, finished_at = ?, updated_at = ?, lease_expires_at = NULL
			WHERE id = ? AND status = ?`,
			models.CompletedTaskStatus, nowMs, nowMs, id, models.RunningTaskStatus)
		if err != nil {
			return err
		}
		if err := requireTransition(tx, res, id); err != nil {
			return err
		}
		_, err = tx.db.Exec(`
			UPDATE tasks
			SET remaining_deps = remaining_deps - 1, updated_at = ?
			WHERE id IN (SELECT task_id FROM deps WHERE depends_on_id = ?)
			  AND status = ? AND remaining_deps > 0`,
			nowMs, id, models.QueuedTaskStatus)
		return err
	})
}

// MarkFailedOrRetry applies the retry policy to a RUNNING task: back to QUEUED
// while attempts remain, terminally FAILED otherwise. A terminal failure
// propagates BLOCKED to every still-QUEUED transitive dependent. Returns the
// resulting status.
func (s *SQLiteStore) MarkFailedOrRetry(id string, nowMs int64, errMsg string) (models.TaskStatus, error) {
	var result models.TaskStatus
	err := s.inTx("mark failed or retry", func(tx *SQLiteStore) error {
		var row struct {
			Status      models.TaskStatus `db:"status"`
			Attempts    int               `db:"attempts"`
			MaxAttempts int               `db:"max_attempts"`
		}
		err := tx.db.Get(&row, "SELECT status, attempts, max_attempts FROM tasks WHERE id = ?", id)
		if err == sql.ErrNoRows {
			return storage.ErrNotFound
		}
		if err != nil {
			return err
		}
		if row.Status != models.RunningTaskStatus {
			return &storage.StateConflictError{ID: id, Status: row.Status}
		}

		if row.Attempts < row.MaxAttempts {
			_, err := tx.db.Exec(`
				UPDATE tasks
				SET status = ?, started_at = NULL, lease_expires_at = NULL,
				    last_error = ?, updated_at = ?
				WHERE id = ?`,
				models.QueuedTaskStatus, errMsg, nowMs, id)
			if err != nil {
				return err
			}
			result = models.QueuedTaskStatus
			return nil
		}

		_, err = tx.db.Exec(`
			UPDATE tasks
			SET status = ?, finished_at = ?, lease_expires_at = NULL,
			    last_error = ?, updated_at = ?
			WHERE id = ?`,
			models.FailedTaskStatus, nowMs, errMsg, nowMs, id)
		if err != nil {
			return err
		}
		if err := blockDependents(tx, id, nowMs); err != nil {
			return err
		}
		result = models.FailedTaskStatus
		return nil
	})
	if err != nil {
		return "", err
	}
	return result, nil
}

// SweepExpiredLeases requeues or terminally fails every RUNNING task whose
// lease deadline has passed, in one transaction. Returns the number of tasks
// transitioned.
func (s *SQLiteStore) SweepExpiredLeases(nowMs int64) (int, error) {
	transitioned := 0
	err := s.inTx("sweep expired leases", func(tx *SQLiteStore) error {
		res, err := tx.db.Exec(`
			UPDATE tasks
			SET status = ?, started_at = NULL, lease_expires_at = NULL,
			    last_error = ?, updated_at = ?
			WHERE status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?
			  AND attempts < max_attempts`,
			models.QueuedTaskStatus, leaseExpiredError, nowMs,
			models.RunningTaskStatus, nowMs)
		if err != nil {
			return err
		}
		requeued, err := res.RowsAffected()
		if err != nil {
			return err
		}

		expired := []string{}
		err = tx.db.Select(&expired, `
			SELECT id FROM tasks
			WHERE status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?
			  AND attempts >= max_attempts`,
			models.RunningTaskStatus, nowMs)
		if err != nil {
			return err
		}
		for _, id := range expired {
			_, err := tx.db.Exec(`
				UPDATE tasks
				SET status = ?, finished_at = ?, lease_expires_at = NULL,
				    last_error = ?, updated_at = ?
				WHERE id = ?`,
				models.FailedTaskStatus, nowMs, leaseExpiredError, nowMs, id)
			if err != nil {
				return err
			}
			if err := blockDependents(tx, id, nowMs); err != nil {
				return err
			}
		}
		transitioned = int(requeued) + len(expired)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return transitioned, nil
}

// CountRunning counts RUNNING tasks whose lease has not expired. Expired
// leases do not occupy capacity; the sweep will resolve them, and excluding
// them here is what lets the engine make progress when an executor dies.
func (s *SQLiteStore) CountRunning(nowMs int64) (int, error) {
	var n int
	err := s.db.Get(&n, `
		SELECT COUNT(*) FROM tasks
		WHERE status = ? AND (lease_expires_at IS NULL OR lease_expires_at >= ?)`,
		models.RunningTaskStatus, nowMs)
	if err != nil {
		return 0, storage.NewStoreError("count running", err)
	}
	return n, nil
}

const leaseExpiredError = "lease expired"

// blockDependents moves every still-QUEUED task transitively depending on
// failedID to BLOCKED. BLOCKED is terminal; remaining_deps of blocked rows is
// left as-is.
func blockDependents(tx *SQLiteStore, failedID string, nowMs int64) error {
	_, err := tx.db.Exec(`
		WITH RECURSIVE affected(id) AS (
		  SELECT task_id FROM deps WHERE depends_on_id = ?
		  UNION
		  SELECT d.task_id FROM deps d JOIN affected a ON d.depends_on_id = a.id
		)
		UPDATE tasks SET status = ?, updated_at = ?
		WHERE id IN (SELECT id FROM affected) AND status = ?`,
		failedID, models.BlockedTaskStatus, nowMs, models.QueuedTaskStatus)
	return err
}

// requireTransition turns a zero-row guarded UPDATE into NotFound or
// StateConflict depending on whether the row exists.
func requireTransition(tx *SQLiteStore, res sql.Result, id string) error {
	updated, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if updated > 0 {
		return nil
	}
	var status models.TaskStatus
	err = tx.db.Get(&status, "SELECT status FROM tasks WHERE id = ?", id)
	if err == sql.ErrNoRows {
		return storage.ErrNotFound
	}
	if err != nil {
		return err
	}
	return &storage.StateConflictError{ID: id, Status: status}
}
