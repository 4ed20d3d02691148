package storage

import (
	"sort"
	"sync"

	"github.com/ignatij/gosched/pkg/models"
)

// mockStore implements Store with in-memory state. Transactions are not
// isolated: Begin returns the same store and Commit/Rollback are no-ops,
// which is enough for service-level tests. The mutex keeps concurrent
// scheduler and worker access coherent.
type mockStore struct {
	mu    sync.Mutex
	tasks map[string]*models.Task
	deps  []models.Dependency
}

// NewMockStore returns an empty in-memory store.
func NewMockStore() Store {
	return &mockStore{tasks: map[string]*models.Task{}}
}

func (m *mockStore) Begin() (Store, error) { return m, nil }
func (m *mockStore) Commit() error         { return nil }
func (m *mockStore) Rollback() error       { return nil }
func (m *mockStore) Close() error          { return nil }

func (m *mockStore) SaveTask(t models.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; ok {
		return &DuplicateIDError{IDs: []string{t.ID}}
	}
	saved := t
	saved.Dependencies = nil
	m.tasks[t.ID] = &saved
	return nil
}

func (m *mockStore) GetTask(id string) (models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return models.Task{}, ErrNotFound
	}
	out := *t
	out.Dependencies = m.dependenciesOf(id)
	return out, nil
}

func (m *mockStore) ListTasks(f models.TaskFilter) ([]models.Task, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var all []models.Task
	for _, t := range m.tasks {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		out := *t
		out.Dependencies = m.dependenciesOf(t.ID)
		all = append(all, out)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt != all[j].CreatedAt {
			return all[i].CreatedAt < all[j].CreatedAt
		}
		return all[i].ID < all[j].ID
	})
	total := len(all)

	limit := f.Limit
	if limit <= 0 {
		limit = 200
	}
	offset := f.Offset
	if offset > len(all) {
		offset = len(all)
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], total, nil
}

func (m *mockStore) ExistingTaskIDs(ids []string) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]bool{}
	for _, id := range ids {
		if _, ok := m.tasks[id]; ok {
			out[id] = true
		}
	}
	return out, nil
}

func (m *mockStore) IncompleteTaskIDs(ids []string) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]bool{}
	for _, id := range ids {
		if t, ok := m.tasks[id]; ok && t.Status != models.CompletedTaskStatus {
			out[id] = true
		}
	}
	return out, nil
}

func (m *mockStore) SaveDependency(d models.Dependency) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[d.DependsOn]; !ok {
		return &UnknownDependencyError{Missing: []string{d.DependsOn}}
	}
	m.deps = append(m.deps, d)
	return nil
}

func (m *mockStore) GetDependencies(taskID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dependenciesOf(taskID), nil
}

func (m *mockStore) ReachableFrom(startIDs []string, targetID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	queue := append([]string{}, startIDs...)
	seen := map[string]bool{}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		if node == targetID {
			return true, nil
		}
		if seen[node] {
			continue
		}
		seen[node] = true
		for _, d := range m.deps {
			if d.TaskID == node {
				queue = append(queue, d.DependsOn)
			}
		}
	}
	return false, nil
}

func (m *mockStore) ClaimRunnable(nowMs, leaseMs int64, limit int) ([]models.Claimed, error) {
	if limit <= 0 {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var runnable []*models.Task
	for _, t := range m.tasks {
		if t.Status == models.QueuedTaskStatus && t.RemainingDeps == 0 {
			runnable = append(runnable, t)
		}
	}
	sort.Slice(runnable, func(i, j int) bool {
		if runnable[i].CreatedAt != runnable[j].CreatedAt {
			return runnable[i].CreatedAt < runnable[j].CreatedAt
		}
		return runnable[i].ID < runnable[j].ID
	})
	if limit < len(runnable) {
		runnable = runnable[:limit]
	}

	claimed := make([]models.Claimed, 0, len(runnable))
	for _, t := range runnable {
		t.Status = models.RunningTaskStatus
		t.Attempts++
		started := nowMs
		lease := nowMs + leaseMs
		t.StartedAt = &started
		t.LeaseExpiresAt = &lease
		t.UpdatedAt = nowMs
		claimed = append(claimed, models.Claimed{ID: t.ID, Type: t.Type, DurationMs: t.DurationMs})
	}
	return claimed, nil
}

func (m *mockStore) MarkCompleted(id string, nowMs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if t.Status != models.RunningTaskStatus {
		return &StateConflictError{ID: id, Status: t.Status}
	}
	t.Status = models.CompletedTaskStatus
	finished := nowMs
	t.FinishedAt = &finished
	t.UpdatedAt = nowMs
	t.LeaseExpiresAt = nil

	for _, d := range m.deps {
		if d.DependsOn != id {
			continue
		}
		dep := m.tasks[d.TaskID]
		if dep != nil && dep.Status == models.QueuedTaskStatus && dep.RemainingDeps > 0 {
			dep.RemainingDeps--
			dep.UpdatedAt = nowMs
		}
	}
	return nil
}

func (m *mockStore) MarkFailedOrRetry(id string, nowMs int64, errMsg string) (models.TaskStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return "", ErrNotFound
	}
	if t.Status != models.RunningTaskStatus {
		return "", &StateConflictError{ID: id, Status: t.Status}
	}
	return m.failOrRetryLocked(t, nowMs, errMsg), nil
}

func (m *mockStore) SweepExpiredLeases(nowMs int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	transitioned := 0
	for _, t := range m.tasks {
		if t.Status == models.RunningTaskStatus && t.LeaseExpiresAt != nil && *t.LeaseExpiresAt < nowMs {
			m.failOrRetryLocked(t, nowMs, "lease expired")
			transitioned++
		}
	}
	return transitioned, nil
}

func (m *mockStore) CountRunning(nowMs int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, t := range m.tasks {
		if t.Status == models.RunningTaskStatus &&
			(t.LeaseExpiresAt == nil || *t.LeaseExpiresAt >= nowMs) {
			n++
		}
	}
	return n, nil
}

func (m *mockStore) failOrRetryLocked(t *models.Task, nowMs int64, errMsg string) models.TaskStatus {
	msg := errMsg
	t.LastError = &msg
	t.UpdatedAt = nowMs
	t.LeaseExpiresAt = nil

	if t.Attempts < t.MaxAttempts {
		t.Status = models.QueuedTaskStatus
		t.StartedAt = nil
		return t.Status
	}

	t.Status = models.FailedTaskStatus
	finished := nowMs
	t.FinishedAt = &finished

	// Transitive BLOCKED propagation, matching the SQLite store.
	queue := []string{t.ID}
	seen := map[string]bool{}
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		if seen[node] {
			continue
		}
		seen[node] = true
		for _, d := range m.deps {
			if d.DependsOn != node {
				continue
			}
			dep := m.tasks[d.TaskID]
			queue = append(queue, d.TaskID)
			if dep != nil && dep.Status == models.QueuedTaskStatus {
				dep.Status = models.BlockedTaskStatus
				dep.UpdatedAt = nowMs
			}
		}
	}
	return t.Status
}

func (m *mockStore) dependenciesOf(taskID string) []string {
	deps := []string{}
	for _, d := range m.deps {
		if d.TaskID == taskID {
			deps = append(deps, d.DependsOn)
		}
	}
	sort.Strings(deps)
	return deps
}
