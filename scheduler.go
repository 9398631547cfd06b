package pclient

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Scheduler is the `Executor` of the client. Every task runs on its own
// goroutine so a task blocking on the cluster never delays the others.
type Scheduler struct {
	logger *slog.Logger

	lk       sync.Mutex
	shutdown bool
	timers   map[*time.Timer]struct{}
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

var _ Executor = (*Scheduler)(nil)

func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger: logger.With("component", "scheduler"),
		timers: make(map[*time.Timer]struct{}),
		stopCh: make(chan struct{}),
	}
}

// Execute runs task as soon as possible.
func (s *Scheduler) Execute(task func()) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if s.shutdown {
		return fmt.Errorf("%w: scheduler is shut down", ErrSchedulingRejected)
	}

	s.wg.Add(1)
	go s.run(task)
	return nil
}

// Schedule runs task once after delay.
func (s *Scheduler) Schedule(task func(), delay time.Duration) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	if s.shutdown {
		return fmt.Errorf("%w: scheduler is shut down", ErrSchedulingRejected)
	}

	s.wg.Add(1)
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		s.lk.Lock()
		delete(s.timers, timer)
		s.lk.Unlock()
		s.run(task)
	})
	s.timers[timer] = struct{}{}
	return nil
}

// ScheduleRepeating runs task after initialDelay, then period after
// the end of each run, until stop is called or the scheduler shuts
// down.
func (s *Scheduler) ScheduleRepeating(task func(), initialDelay, period time.Duration) (func(), error) {
	if period <= 0 {
		return nil, fmt.Errorf("%w: period must be positive", ErrInvalidArgument)
	}

	s.lk.Lock()
	defer s.lk.Unlock()
	if s.shutdown {
		return nil, fmt.Errorf("%w: scheduler is shut down", ErrSchedulingRejected)
	}

	stopCh := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() { close(stopCh) })
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		timer := time.NewTimer(initialDelay)
		defer timer.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-stopCh:
				return
			case <-timer.C:
			}

			s.wg.Add(1)
			s.run(task)
			timer.Reset(period)
		}
	}()
	return stop, nil
}

// Shutdown rejects new tasks, cancels the delayed ones and waits for
// the running ones.
func (s *Scheduler) Shutdown() {
	s.lk.Lock()
	if s.shutdown {
		s.lk.Unlock()
		return
	}
	s.shutdown = true
	close(s.stopCh)
	for timer := range s.timers {
		if timer.Stop() {
			s.wg.Done()
		}
	}
	clear(s.timers)
	s.lk.Unlock()

	s.wg.Wait()
}

func (s *Scheduler) run(task func()) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("task panicked", "panic", r)
		}
	}()
	task()
}
