// Package service holds the engine's moving parts: the submit path, the
// worker that executes claimed tasks, and the scheduler control loop.
package service

import "time"

// Logger defines the logging interface the services depend on.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

// Metrics receives engine events. The production implementation lives in
// internal/metrics; NopMetrics is for tests and embedded use.
type Metrics interface {
	TasksSubmitted(n int)
	TasksClaimed(n int)
	TaskCompleted()
	TaskRequeued()
	TaskFailed()
	RecoveryTransitions(n int)
	SetRunning(n int)
}

type NopMetrics struct{}

func (NopMetrics) TasksSubmitted(int)      {}
func (NopMetrics) TasksClaimed(int)        {}
func (NopMetrics) TaskCompleted()          {}
func (NopMetrics) TaskRequeued()           {}
func (NopMetrics) TaskFailed()             {}
func (NopMetrics) RecoveryTransitions(int) {}
func (NopMetrics) SetRunning(int)          {}

func nowMs() int64 {
	return time.Now().UnixMilli()
}
