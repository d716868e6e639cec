package widget

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Scheduler runs deferred cooldown callbacks, one slot per container
// ordinal. Unlike a bare time.AfterFunc, every task is owned: it can be
// replaced, cancelled when its container goes away, and Close waits for
// anything already in flight.
type Scheduler struct {
	mu     sync.Mutex
	tasks  map[int]*cooldownTask
	wg     sync.WaitGroup
	closed bool
	log    *zap.Logger
}

type cooldownTask struct {
	timer     *time.Timer
	cancelled atomic.Bool
}

// NewScheduler builds an empty scheduler. A nil logger is replaced with a nop.
func NewScheduler(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		tasks: make(map[int]*cooldownTask),
		log:   logger.Named("cooldown_scheduler"),
	}
}

// Schedule arranges for fn to run after d. A pending task for the same
// ordinal is cancelled first, so each container holds at most one timer.
func (s *Scheduler) Schedule(ordinal int, d time.Duration, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSchedulerClosed
	}
	if existing, ok := s.tasks[ordinal]; ok {
		s.cancelLocked(existing)
	}

	task := &cooldownTask{}
	s.wg.Add(1)
	task.timer = time.AfterFunc(d, func() {
		defer s.wg.Done()
		if task.cancelled.Load() {
			return
		}
		s.mu.Lock()
		if s.tasks[ordinal] == task {
			delete(s.tasks, ordinal)
		}
		s.mu.Unlock()
		fn()
	})
	s.tasks[ordinal] = task

	s.log.Debug("Cooldown scheduled.", zap.Int("ordinal", ordinal), zap.Duration("after", d))
	return nil
}

// Cancel stops the pending task for an ordinal. It reports whether a task
// was pending. A task whose timer already fired is not pending; its
// callback may still be running.
func (s *Scheduler) Cancel(ordinal int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[ordinal]
	if !ok {
		return false
	}
	delete(s.tasks, ordinal)
	s.cancelLocked(task)
	s.log.Debug("Cooldown cancelled.", zap.Int("ordinal", ordinal))
	return true
}

// Pending returns the number of timers that have not fired or been cancelled.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Close cancels every pending task and blocks until in-flight callbacks
// finish. Further Schedule calls return ErrSchedulerClosed.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for ordinal, task := range s.tasks {
		s.cancelLocked(task)
		delete(s.tasks, ordinal)
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// cancelLocked flags the task and, when the timer had not fired yet,
// releases its WaitGroup slot. Stop returning false means the callback is
// firing; the cancelled flag keeps it from running fn.
func (s *Scheduler) cancelLocked(task *cooldownTask) {
	task.cancelled.Store(true)
	if task.timer.Stop() {
		s.wg.Done()
	}
}
