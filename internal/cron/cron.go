// Package cron runs background maintenance jobs on "@every <duration>"
// schedules.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Job is a named task fired on Schedule. A tick is skipped while the
// previous run of the same job is still active.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context)

	running atomic.Bool
	period  time.Duration
}

// ParseEvery parses schedules of the form "@every <duration>".
func ParseEvery(expr string) (time.Duration, error) {
	expr = strings.TrimSpace(expr)
	if !strings.HasPrefix(expr, "@every ") {
		return 0, fmt.Errorf("unsupported schedule: %s (only @every <duration> supported)", expr)
	}
	durStr := strings.TrimSpace(strings.TrimPrefix(expr, "@every "))
	d, err := time.ParseDuration(durStr)
	if err != nil {
		return 0, fmt.Errorf("invalid @every duration: %w", err)
	}
	if d <= 0 {
		return 0, errors.New("@every duration must be > 0")
	}
	return d, nil
}

func (j *Job) validate() error {
	if j.Name == "" {
		return errors.New("cron job requires a name")
	}
	if j.Run == nil {
		return fmt.Errorf("cron job %s has no run function", j.Name)
	}
	d, err := ParseEvery(j.Schedule)
	if err != nil {
		return fmt.Errorf("job %s: %w", j.Name, err)
	}
	j.period = d
	return nil
}

// Scheduler fires jobs until Stop or Close.
type Scheduler struct {
	log  *slog.Logger
	jobs []*Job

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{log: log.With("component", "cron")}
}

// Add registers a job. Names must be unique within the scheduler.
func (s *Scheduler) Add(job *Job) error {
	if err := job.validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.Name == job.Name {
			return fmt.Errorf("cron job %s already added", job.Name)
		}
	}
	s.jobs = append(s.jobs, job)
	return nil
}

// Len reports the number of added jobs.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// Start launches one ticker per job. Jobs run with a context derived from
// ctx without its cancellation; Stop cancels them.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("scheduler already started")
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.runJob(runCtx, j)
	}
	return nil
}

func (s *Scheduler) runJob(ctx context.Context, j *Job) {
	defer s.wg.Done()
	t := time.NewTicker(j.period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if !j.running.CompareAndSwap(false, true) {
				s.log.Debug("cron tick skipped, previous run active", "job", j.Name)
				continue
			}
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer j.running.Store(false)
				defer func() {
					if r := recover(); r != nil {
						s.log.Error("cron job panicked", "job", j.Name, "panic", r)
					}
				}()
				j.Run(ctx)
			}()
		}
	}
}

// Stop cancels all jobs and waits for active runs to return. Safe to call
// more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.wg.Wait()
}

// Close implements io.Closer.
func (s *Scheduler) Close() error {
	s.Stop()
	return nil
}
