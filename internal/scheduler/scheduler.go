// Package scheduler runs the pipeline stages on fixed intervals. A stage
// never overlaps with itself: a tick that arrives while the previous run is
// still in progress is skipped.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Job is one schedulable stage
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

type entry struct {
	job       Job
	interval  time.Duration
	immediate bool
	sem       *semaphore.Weighted
}

// Scheduler handles periodic job execution
type Scheduler struct {
	entries []*entry
	logger  zerolog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an empty scheduler
func New(logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		logger: logger.With().Str("component", "scheduler").Logger(),
	}
}

// Every registers job to run each interval. With immediate set the first run
// happens at Start instead of after one interval.
func (s *Scheduler) Every(interval time.Duration, job Job, immediate bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, &entry{
		job:       job,
		interval:  interval,
		immediate: immediate,
		sem:       semaphore.NewWeighted(1),
	})
}

// Start launches one loop per registered job. The loops stop when ctx is
// cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler already running")
	}
	for _, e := range s.entries {
		if e.interval <= 0 {
			return fmt.Errorf("job %s: interval must be positive", e.job.Name())
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true

	for _, e := range s.entries {
		s.wg.Add(1)
		go s.loop(ctx, e)
	}
	s.logger.Info().Int("jobs", len(s.entries)).Msg("Scheduler started")
	return nil
}

// Stop cancels every loop and waits for in-flight runs to return
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
	s.logger.Info().Msg("Scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, e *entry) {
	defer s.wg.Done()

	var runs sync.WaitGroup
	defer runs.Wait()

	tick := func() {
		if !e.sem.TryAcquire(1) {
			s.logger.Warn().Str("job", e.job.Name()).Msg("Previous run still in progress, skipping")
			return
		}
		runs.Add(1)
		go func() {
			defer runs.Done()
			defer e.sem.Release(1)
			s.RunOnce(ctx, e.job)
		}()
	}

	if e.immediate {
		tick()
	}

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tick()
		}
	}
}

// RunOnce runs job, logging its outcome. Panics are recovered and logged.
func (s *Scheduler) RunOnce(ctx context.Context, job Job) (err error) {
	start := time.Now()
	logger := s.logger.With().Str("job", job.Name()).Logger()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name(), r)
			logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Job panicked")
		}
	}()

	err = job.Run(ctx)
	if err != nil {
		if ctx.Err() != nil {
			logger.Debug().Err(err).Msg("Job interrupted by shutdown")
			return err
		}
		logger.Error().Err(err).Dur("duration", time.Since(start)).Msg("Job failed")
		return err
	}
	logger.Debug().Dur("duration", time.Since(start)).Msg("Job completed")
	return nil
}
