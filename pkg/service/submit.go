package service

import (
	"sort"

	"github.com/google/uuid"

	"github.com/ignatij/gosched/pkg/models"
	"github.com/ignatij/gosched/pkg/storage"
)

// SubmitService validates task specs and inserts them atomically: a submit
// either lands completely (task row plus all edges) or not at all.
type SubmitService struct {
	store              storage.Store
	defaultMaxAttempts int
	logger             Logger
	metrics            Metrics
}

func NewSubmitService(store storage.Store, defaultMaxAttempts int, logger Logger, metrics Metrics) *SubmitService {
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &SubmitService{
		store:              store,
		defaultMaxAttempts: defaultMaxAttempts,
		logger:             logger,
		metrics:            metrics,
	}
}

// Submit inserts a single task. Dependencies must already exist; the new task
// is a leaf, and a leaf cannot close a cycle through the existing graph, but
// the reachability check still guards against edges that would (it also covers
// any future edge-adding operation).
func (s *SubmitService) Submit(spec models.TaskSpec) (task models.Task, err error) {
	spec = s.withDefaults(spec)
	if err := spec.Validate(); err != nil {
		return models.Task{}, err
	}

	txStore, err := s.store.Begin()
	if err != nil {
		return models.Task{}, err
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback submit of %s: %v", spec.ID, rollbackErr)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit submit of %s: %v", spec.ID, commitErr)
			err = commitErr
		}
	}()

	existing, err := txStore.ExistingTaskIDs([]string{spec.ID})
	if err != nil {
		return models.Task{}, err
	}
	if existing[spec.ID] {
		return models.Task{}, &storage.DuplicateIDError{IDs: []string{spec.ID}}
	}

	if err := s.checkDependenciesExist(txStore, spec.Dependencies, nil); err != nil {
		return models.Task{}, err
	}

	cyclic, err := txStore.ReachableFrom(spec.Dependencies, spec.ID)
	if err != nil {
		return models.Task{}, err
	}
	if cyclic {
		return models.Task{}, &storage.CycleError{IDs: []string{spec.ID}}
	}

	incomplete, err := txStore.IncompleteTaskIDs(spec.Dependencies)
	if err != nil {
		return models.Task{}, err
	}

	now := nowMs()
	task = buildTask(spec, now, len(incomplete))
	if err := txStore.SaveTask(task); err != nil {
		return models.Task{}, err
	}
	for _, dep := range spec.Dependencies {
		if err := txStore.SaveDependency(models.Dependency{TaskID: spec.ID, DependsOn: dep}); err != nil {
			return models.Task{}, err
		}
	}

	s.metrics.TasksSubmitted(1)
	s.logger.Infof("Submitted task %s (type=%s deps=%d)", task.ID, task.Type, len(spec.Dependencies))
	task.Dependencies = append([]string{}, spec.Dependencies...)
	return task, nil
}

// SubmitBatch inserts an ordered list of specs in one transaction. A
// dependency may point at a store task or at another batch member in any
// order; cycles restricted to batch ids are rejected. Any failure rolls the
// whole batch back.
func (s *SubmitService) SubmitBatch(specs []models.TaskSpec) (tasks []models.Task, err error) {
	if len(specs) == 0 {
		return nil, &models.ValidationError{Msg: "batch must not be empty"}
	}

	batchIDs := make(map[string]bool, len(specs))
	for i := range specs {
		specs[i] = s.withDefaults(specs[i])
		if err := specs[i].Validate(); err != nil {
			return nil, err
		}
		if batchIDs[specs[i].ID] {
			return nil, &storage.DuplicateIDError{IDs: []string{specs[i].ID}}
		}
		batchIDs[specs[i].ID] = true
	}

	if cycle := batchCycle(specs); cycle != nil {
		return nil, cycle
	}

	txStore, err := s.store.Begin()
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback batch submit: %v", rollbackErr)
			}
			return
		}
		if commitErr := txStore.Commit(); commitErr != nil {
			s.logger.Errorf("Failed to commit batch submit: %v", commitErr)
			err = commitErr
		}
	}()

	ids := make([]string, 0, len(specs))
	for _, spec := range specs {
		ids = append(ids, spec.ID)
	}
	existing, err := txStore.ExistingTaskIDs(ids)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return nil, &storage.DuplicateIDError{IDs: sortedKeys(existing)}
	}

	externalDeps := externalDependencies(specs, batchIDs)
	if err := s.checkDependenciesExist(txStore, externalDeps, batchIDs); err != nil {
		return nil, err
	}

	// Completion status of store dependencies is resolved once; batch-internal
	// dependencies always count as incomplete since every batch member starts
	// QUEUED.
	externalIncomplete, err := txStore.IncompleteTaskIDs(externalDeps)
	if err != nil {
		return nil, err
	}

	now := nowMs()
	tasks = make([]models.Task, 0, len(specs))
	for _, spec := range specs {
		remaining := 0
		for _, dep := range spec.Dependencies {
			if batchIDs[dep] || externalIncomplete[dep] {
				remaining++
			}
		}
		task := buildTask(spec, now, remaining)
		if err := txStore.SaveTask(task); err != nil {
			return nil, err
		}
		task.Dependencies = append([]string{}, spec.Dependencies...)
		tasks = append(tasks, task)
	}
	for _, spec := range specs {
		for _, dep := range spec.Dependencies {
			if err := txStore.SaveDependency(models.Dependency{TaskID: spec.ID, DependsOn: dep}); err != nil {
				return nil, err
			}
		}
	}

	s.metrics.TasksSubmitted(len(tasks))
	s.logger.Infof("Submitted batch of %d task(s)", len(tasks))
	return tasks, nil
}

// withDefaults assigns a server-side id when the caller omitted one and fills
// in the configured max_attempts default.
func (s *SubmitService) withDefaults(spec models.TaskSpec) models.TaskSpec {
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	if spec.MaxAttempts == 0 {
		spec.MaxAttempts = s.defaultMaxAttempts
	}
	return spec
}

func (s *SubmitService) checkDependenciesExist(txStore storage.Store, deps []string, batchIDs map[string]bool) error {
	toCheck := make([]string, 0, len(deps))
	for _, dep := range deps {
		if !batchIDs[dep] {
			toCheck = append(toCheck, dep)
		}
	}
	found, err := txStore.ExistingTaskIDs(toCheck)
	if err != nil {
		return err
	}
	var missing []string
	for _, dep := range toCheck {
		if !found[dep] {
			missing = append(missing, dep)
		}
	}
	if len(missing) > 0 {
		return &storage.UnknownDependencyError{Missing: missing}
	}
	return nil
}

func buildTask(spec models.TaskSpec, now int64, remaining int) models.Task {
	return models.Task{
		ID:            spec.ID,
		Type:          spec.Type,
		DurationMs:    spec.DurationMs,
		Status:        models.QueuedTaskStatus,
		RemainingDeps: remaining,
		Attempts:      0,
		MaxAttempts:   spec.MaxAttempts,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// batchCycle runs Kahn's algorithm over the subgraph induced by batch ids.
// Edges into pre-existing store tasks are ignored: a stored task cannot
// depend back on an id that did not exist when it was inserted, so only
// batch-internal edges can close a cycle.
func batchCycle(specs []models.TaskSpec) error {
	idSet := make(map[string]bool, len(specs))
	for _, spec := range specs {
		idSet[spec.ID] = true
	}

	indegree := make(map[string]int, len(specs))
	dependents := make(map[string][]string)
	for _, spec := range specs {
		indegree[spec.ID] += 0
		for _, dep := range spec.Dependencies {
			if idSet[dep] {
				dependents[dep] = append(dependents[dep], spec.ID)
				indegree[spec.ID]++
			}
		}
	}

	queue := make([]string, 0, len(specs))
	for _, spec := range specs {
		if indegree[spec.ID] == 0 {
			queue = append(queue, spec.ID)
		}
	}

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, child := range dependents[node] {
			indegree[child]--
			if indegree[child] == 0 {
				queue = append(queue, child)
			}
		}
	}

	if visited != len(specs) {
		var cyclic []string
		for _, spec := range specs {
			if indegree[spec.ID] > 0 {
				cyclic = append(cyclic, spec.ID)
			}
		}
		return &storage.CycleError{IDs: cyclic}
	}
	return nil
}

func externalDependencies(specs []models.TaskSpec, batchIDs map[string]bool) []string {
	seen := map[string]bool{}
	var out []string
	for _, spec := range specs {
		for _, dep := range spec.Dependencies {
			if !batchIDs[dep] && !seen[dep] {
				seen[dep] = true
				out = append(out, dep)
			}
		}
	}
	return out
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
