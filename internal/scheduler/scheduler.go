// Package scheduler runs named periodic tasks until their context is
// cancelled.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Task is one unit of periodic work. Its context is cancelled when the
// scheduler stops or the run exceeds its timeout.
type Task func(ctx context.Context) error

// Job describes a periodic task.
type Job struct {
	Name     string
	Interval time.Duration
	// Timeout bounds a single run; zero means the interval.
	Timeout time.Duration
	// Immediate runs the task once before the first tick.
	Immediate bool
	Run       Task
}

// RunHook is called after each run with its outcome.
type RunHook func(name string, err error, took time.Duration)

// Scheduler owns a set of jobs.
type Scheduler struct {
	jobs   []Job
	logger *zap.Logger
	onRun  RunHook
	wg     sync.WaitGroup
}

// New creates an empty Scheduler.
func New(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{logger: logger}
}

// Add registers a job. Jobs with a non-positive interval are ignored.
func (s *Scheduler) Add(j Job) {
	if j.Interval <= 0 || j.Run == nil {
		s.logger.Info("scheduler: job disabled", zap.String("job", j.Name))
		return
	}
	s.jobs = append(s.jobs, j)
}

// SetRunHook configures the callback run after every job execution.
func (s *Scheduler) SetRunHook(fn RunHook) {
	s.onRun = fn
}

// Start launches every job in its own goroutine and returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	for _, j := range s.jobs {
		s.wg.Add(1)
		go func(j Job) {
			defer s.wg.Done()
			s.loop(ctx, j)
		}(j)
	}
}

// Wait blocks until every job has stopped.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, j Job) {
	if j.Immediate {
		s.runOnce(ctx, j)
	}

	ticker := time.NewTicker(j.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runOnce(ctx, j)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, j Job) {
	if ctx.Err() != nil {
		return
	}
	timeout := j.Timeout
	if timeout <= 0 {
		timeout = j.Interval
	}
	rctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := j.Run(rctx)
	took := time.Since(start)

	if err != nil {
		s.logger.Warn("scheduler: job failed", zap.String("job", j.Name), zap.Error(err))
	} else {
		s.logger.Debug("scheduler: job done", zap.String("job", j.Name), zap.Duration("took", took))
	}
	if s.onRun != nil {
		s.onRun(j.Name, err, took)
	}
}

// Every runs fn every interval until ctx is cancelled. It blocks.
func Every(ctx context.Context, name string, interval time.Duration, fn Task, logger *zap.Logger) {
	s := New(logger)
	s.Add(Job{Name: name, Interval: interval, Run: fn})
	s.Start(ctx)
	s.Wait()
}
