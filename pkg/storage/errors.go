package storage

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/ignatij/gosched/pkg/models"
)

// ErrNotFound is returned when a task id does not exist.
var ErrNotFound = errors.New("not found")

// DuplicateIDError signals a submit of an id that already exists in the store
// or appears twice within one batch.
type DuplicateIDError struct {
	IDs []string
}

func (e *DuplicateIDError) Error() string {
	return fmt.Sprintf("task id already exists: %s", strings.Join(e.IDs, ", "))
}

// UnknownDependencyError signals a dependency id that is neither in the store
// nor in the same batch.
type UnknownDependencyError struct {
	Missing []string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("unknown dependency: %s", strings.Join(e.Missing, ", "))
}

// CycleError signals that the submitted edges would form a dependency cycle.
type CycleError struct {
	IDs []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle involving: %s", strings.Join(e.IDs, ", "))
}

// StateConflictError signals a transition attempted from an unexpected
// current status, e.g. completing a task that is no longer RUNNING.
type StateConflictError struct {
	ID     string
	Status models.TaskStatus
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("task %s is %s; transition refused", e.ID, e.Status)
}

// StoreError wraps a transport-level store failure so callers can tell engine
// contract violations apart from the database misbehaving.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError wraps err unless it is already one of the domain error kinds.
func NewStoreError(op string, err error) error {
	if err == nil {
		return nil
	}
	switch err.(type) {
	case *DuplicateIDError, *UnknownDependencyError, *CycleError, *StateConflictError, *StoreError:
		return err
	}
	if errors.Is(err, ErrNotFound) {
		return err
	}
	return &StoreError{Op: op, Err: err}
}
