package service

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/ignatij/gosched/pkg/storage"
)

// SchedulerConfig is the runtime configuration of the control loop.
type SchedulerConfig struct {
	MaxConcurrentTasks int
	SchedTickMs        int64
	LeaseMs            int64
	RecoveryIntervalMs int64
	ClaimBatchSize     int
}

type schedulerState int

const (
	schedStopped schedulerState = iota
	schedRunning
	schedStopping
)

// Scheduler owns the control loop: each tick it runs recovery when due,
// measures free capacity from store truth, claims up to that many runnable
// tasks and dispatches them to a bounded worker pool. It is the only
// component that claims; workers only complete or fail.
type Scheduler struct {
	store   storage.Store
	cfg     SchedulerConfig
	worker  *Worker
	logger  Logger
	metrics Metrics

	mu    sync.Mutex
	state schedulerState

	taskChan chan TaskRun
	stopChan chan struct{}
	loopDone chan struct{}
	wg       sync.WaitGroup

	// Claimed and dispatched but not yet finished by a pool worker. Bounds
	// claims so dispatch never blocks on a full pool.
	inFlight atomic.Int64
}

func NewScheduler(store storage.Store, cfg SchedulerConfig, worker *Worker, logger Logger, metrics Metrics) (*Scheduler, error) {
	if cfg.MaxConcurrentTasks <= 0 {
		return nil, errors.New("MaxConcurrentTasks must be > 0")
	}
	if cfg.SchedTickMs <= 0 {
		return nil, errors.New("SchedTickMs must be > 0")
	}
	if cfg.LeaseMs <= 0 {
		return nil, errors.New("LeaseMs must be > 0")
	}
	if cfg.ClaimBatchSize <= 0 {
		cfg.ClaimBatchSize = 50
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}
	return &Scheduler{
		store:   store,
		cfg:     cfg,
		worker:  worker,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// Start launches the pool and the control loop. Calling Start on a running
// scheduler is an error; starting again after Stop is fine.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != schedStopped {
		return errors.New("scheduler already started")
	}

	s.logger.Infof("Starting scheduler: max_concurrent=%d tick_ms=%d lease_ms=%d",
		s.cfg.MaxConcurrentTasks, s.cfg.SchedTickMs, s.cfg.LeaseMs)

	s.taskChan = make(chan TaskRun, s.cfg.MaxConcurrentTasks)
	s.stopChan = make(chan struct{})
	s.loopDone = make(chan struct{})
	s.inFlight.Store(0)

	// An initial sweep before the first claim so tasks stranded RUNNING by a
	// crash are requeued ahead of new work.
	if n, err := s.store.SweepExpiredLeases(nowMs()); err != nil {
		s.logger.Errorf("Initial recovery sweep failed: %v", err)
	} else if n > 0 {
		s.metrics.RecoveryTransitions(n)
		s.logger.Infof("Initial recovery transitioned %d stale task(s)", n)
	}

	for i := 0; i < s.cfg.MaxConcurrentTasks; i++ {
		s.wg.Add(1)
		go s.poolWorker()
	}
	go s.runLoop()

	s.state = schedRunning
	return nil
}

// Stop signals the loop, waits for it to exit, then drains the pool up to
// timeout. In-flight tasks finish; no new claims happen after the signal.
func (s *Scheduler) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if s.state != schedRunning {
		s.mu.Unlock()
		return nil
	}
	s.state = schedStopping
	s.mu.Unlock()

	s.logger.Infof("Stopping scheduler...")
	close(s.stopChan)
	<-s.loopDone
	close(s.taskChan)

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()
	var err error
	select {
	case <-drained:
	case <-time.After(timeout):
		err = errors.New("worker drain timed out")
		s.logger.Warnf("Scheduler stop: %v", err)
	}

	s.mu.Lock()
	s.state = schedStopped
	s.mu.Unlock()
	s.logger.Infof("Scheduler stopped")
	return err
}

func (s *Scheduler) runLoop() {
	defer close(s.loopDone)

	var lastRecovery int64
	for {
		select {
		case <-s.stopChan:
			return
		default:
		}

		tickStart := nowMs()

		if tickStart-lastRecovery >= s.cfg.RecoveryIntervalMs {
			if n, err := s.store.SweepExpiredLeases(tickStart); err != nil {
				s.logger.Errorf("Recovery sweep failed (continuing): %v", err)
			} else if n > 0 {
				s.metrics.RecoveryTransitions(n)
				s.logger.Infof("Recovery transitioned %d stale task(s)", n)
			}
			lastRecovery = tickStart
		}

		if err := s.claimAndDispatch(tickStart); err != nil {
			// Store truth is re-read next tick; nothing to unwind here.
			s.logger.Errorf("Scheduler tick failed (continuing): %v", err)
		}

		elapsed := nowMs() - tickStart
		remaining := time.Duration(s.cfg.SchedTickMs-elapsed) * time.Millisecond
		if remaining <= 0 {
			continue
		}
		select {
		case <-s.stopChan:
			return
		case <-time.After(remaining):
		}
	}
}

func (s *Scheduler) claimAndDispatch(now int64) error {
	running, err := s.store.CountRunning(now)
	if err != nil {
		return err
	}
	s.metrics.SetRunning(running)

	// Capacity is bounded twice: by store truth (rows RUNNING under lease)
	// and by free pool slots, so observed RUNNING plus claims in flight never
	// exceeds the ceiling and dispatch below never blocks.
	slots := s.cfg.MaxConcurrentTasks - running
	if free := s.cfg.MaxConcurrentTasks - int(s.inFlight.Load()); free < slots {
		slots = free
	}
	if slots <= 0 {
		return nil
	}
	limit := slots
	if limit > s.cfg.ClaimBatchSize {
		limit = s.cfg.ClaimBatchSize
	}

	claimed, err := s.store.ClaimRunnable(now, s.cfg.LeaseMs, limit)
	if err != nil {
		return err
	}
	if len(claimed) == 0 {
		return nil
	}

	s.metrics.TasksClaimed(len(claimed))
	for _, c := range claimed {
		s.inFlight.Add(1)
		s.taskChan <- TaskRun{TaskID: c.ID, Type: c.Type, DurationMs: c.DurationMs}
	}
	s.logger.Infof("Claimed %d task(s); running=%d slots=%d", len(claimed), running, slots)
	return nil
}

func (s *Scheduler) poolWorker() {
	defer s.wg.Done()
	for run := range s.taskChan {
		s.worker.Run(run)
		s.inFlight.Add(-1)
	}
}
