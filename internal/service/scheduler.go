package service

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/decagondev/section-ai-test-mark-mvp/internal/observability"
)

// DefaultAdmissionLimit bounds concurrent pipeline runs when no limit is
// configured.
const DefaultAdmissionLimit = 10

// GradingJob is one detached pipeline run. A returned error is the job's
// unrecoverable persistence failure; the scheduler logs it since the original
// caller is long gone.
type GradingJob func(ctx context.Context) error

// Scheduler admits grading runs under a fixed concurrency limit. Jobs beyond
// the limit queue in FIFO arrival order; no job is ever rejected.
type Scheduler struct {
	limit  int
	logger zerolog.Logger

	mu       sync.Mutex
	queue    []GradingJob
	inFlight int
}

// NewScheduler constructs an admission scheduler with the given limit.
func NewScheduler(limit int, logger zerolog.Logger) *Scheduler {
	if limit <= 0 {
		limit = DefaultAdmissionLimit
	}

	return &Scheduler{
		limit:  limit,
		logger: logger.With().Str("component", "scheduler").Logger(),
	}
}

// Enqueue accepts a job and returns immediately. The job starts now if a
// slot is free, otherwise as soon as one opens.
func (s *Scheduler) Enqueue(job GradingJob) {
	s.mu.Lock()
	if s.inFlight < s.limit {
		s.inFlight++
		observability.RunsInFlight().Inc()
		s.mu.Unlock()
		go s.run(job)
		return
	}

	s.queue = append(s.queue, job)
	observability.QueueDepth().Set(float64(len(s.queue)))
	s.mu.Unlock()
}

// InFlight reports how many jobs are currently executing.
func (s *Scheduler) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// QueueDepth reports how many jobs are waiting for a slot.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Scheduler) run(job GradingJob) {
	defer s.release()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("grading job panicked")
		}
	}()

	// Detached from the intake request; a run has no overall deadline.
	if err := job(context.Background()); err != nil {
		s.logger.Error().Err(err).Msg("grading job failed to persist terminal state")
	}
}

func (s *Scheduler) release() {
	s.mu.Lock()
	if len(s.queue) > 0 {
		next := s.queue[0]
		s.queue = s.queue[1:]
		observability.QueueDepth().Set(float64(len(s.queue)))
		s.mu.Unlock()
		go s.run(next)
		return
	}

	s.inFlight--
	observability.RunsInFlight().Dec()
	s.mu.Unlock()
}
