package models

import "fmt"

const (
	maxIDLen      = 256
	maxTypeLen    = 256
	maxDurationMs = 86_400_000 // 24h
)

// ValidationError signals a malformed submit payload. The HTTP layer maps it to 400.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string {
	return e.Msg
}

func validationErrorf(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// TaskSpec is the submit-path input for one task.
type TaskSpec struct {
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	DurationMs   int64    `json:"duration_ms"`
	MaxAttempts  int      `json:"max_attempts,omitempty"` // 0 means "use the configured default"
	Dependencies []string `json:"dependencies,omitempty"`
}

// Validate checks the submitted fields. It does not touch the store;
// existence of dependencies is the submit transaction's job.
func (s TaskSpec) Validate() error {
	if s.ID == "" || len(s.ID) > maxIDLen {
		return validationErrorf("id must be 1..%d characters", maxIDLen)
	}
	if s.Type == "" || len(s.Type) > maxTypeLen {
		return validationErrorf("type must be 1..%d characters", maxTypeLen)
	}
	if s.DurationMs <= 0 || s.DurationMs > maxDurationMs {
		return validationErrorf("duration_ms must be in (0, %d]", int64(maxDurationMs))
	}
	if s.MaxAttempts < 0 {
		return validationErrorf("max_attempts must be positive")
	}
	seen := make(map[string]bool, len(s.Dependencies))
	for _, dep := range s.Dependencies {
		if dep == s.ID {
			return validationErrorf("task %s cannot depend on itself", s.ID)
		}
		if seen[dep] {
			return validationErrorf("dependencies of %s contain duplicate %s", s.ID, dep)
		}
		seen[dep] = true
	}
	return nil
}
