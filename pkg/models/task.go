package models

type TaskStatus string

const (
	QueuedTaskStatus    TaskStatus = "QUEUED"
	RunningTaskStatus   TaskStatus = "RUNNING"
	CompletedTaskStatus TaskStatus = "COMPLETED"
	FailedTaskStatus    TaskStatus = "FAILED"
	BlockedTaskStatus   TaskStatus = "BLOCKED"
)

// Task represents a persisted unit of work. All timestamps are epoch milliseconds.
type Task struct {
	ID             string     `json:"id" db:"id"`                             // Caller-chosen identifier, unique across all tasks ever submitted
	Type           string     `json:"type" db:"type"`                         // Opaque; carried through, not interpreted
	DurationMs     int64      `json:"duration_ms" db:"duration_ms"`           // How long the worker sleeps
	Status         TaskStatus `json:"status" db:"status"`                     // QUEUED, RUNNING, COMPLETED, FAILED, BLOCKED
	RemainingDeps  int        `json:"remaining_deps" db:"remaining_deps"`     // Dependencies not yet COMPLETED
	Attempts       int        `json:"attempts" db:"attempts"`                 // Incremented on each QUEUED->RUNNING transition
	MaxAttempts    int        `json:"max_attempts" db:"max_attempts"`         // Retry ceiling for this task
	CreatedAt      int64      `json:"created_at" db:"created_at"`             // Submission time
	UpdatedAt      int64      `json:"updated_at" db:"updated_at"`             // Last transition time
	StartedAt      *int64     `json:"started_at,omitempty" db:"started_at"`   // Set at claim
	FinishedAt     *int64     `json:"finished_at,omitempty" db:"finished_at"` // Set on COMPLETED or FAILED; not set on BLOCKED
	LeaseExpiresAt *int64     `json:"lease_expires_at,omitempty" db:"lease_expires_at"`
	LastError      *string    `json:"last_error,omitempty" db:"last_error"`
	Dependencies   []string   `json:"dependencies" db:"-"` // Populated from the deps table on reads
}

// Terminal reports whether the task can never transition again.
func (t Task) Terminal() bool {
	switch t.Status {
	case CompletedTaskStatus, FailedTaskStatus, BlockedTaskStatus:
		return true
	}
	return false
}

// Runnable reports whether the claim query would pick this task up.
func (t Task) Runnable() bool {
	return t.Status == QueuedTaskStatus && t.RemainingDeps == 0
}

// Claimed is what the claim transaction hands back to the scheduler for dispatch.
type Claimed struct {
	ID         string `db:"id"`
	Type       string `db:"type"`
	DurationMs int64  `db:"duration_ms"`
}

// TaskFilter narrows ListTasks. The zero value lists everything with default paging.
type TaskFilter struct {
	Status TaskStatus
	Limit  int
	Offset int
}
