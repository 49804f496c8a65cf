package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"negotiation-chat/internal/observability"
)

// Handler runs a claimed job. A returned error triggers a retry with backoff.
type Handler func(ctx context.Context, job Job) error

// Scheduler polls the queue and fans claimed jobs out to a worker pool.
type Scheduler struct {
	queue        *Queue
	log          *zap.Logger
	workers      int
	pollInterval time.Duration
	baseBackoff  time.Duration
	batchSize    int
	now          func() time.Time

	mu       sync.RWMutex
	handlers map[string]Handler

	jobs chan Job
	wg   sync.WaitGroup
}

type Option func(*Scheduler)

func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

func WithBackoff(d time.Duration) Option {
	return func(s *Scheduler) { s.baseBackoff = d }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func New(queue *Queue, log *zap.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		queue:        queue,
		log:          log.With(zap.String("component", "scheduler")),
		workers:      4,
		pollInterval: 250 * time.Millisecond,
		baseBackoff:  time.Second,
		batchSize:    50,
		now:          time.Now,
		handlers:     make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register binds a handler to a job type.
func (s *Scheduler) Register(jobType string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[jobType] = h
}

// Schedule enqueues job to run after delay.
func (s *Scheduler) Schedule(ctx context.Context, job Job, delay time.Duration) error {
	return s.queue.Schedule(ctx, job, s.now().Add(delay))
}

// ScheduleAt enqueues job to run at runAt, replacing any pending job with the same id.
func (s *Scheduler) ScheduleAt(ctx context.Context, job Job, runAt time.Time) error {
	return s.queue.Reschedule(ctx, job, runAt)
}

func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	return s.queue.Cancel(ctx, id)
}

// Start launches the poller and workers. They stop when ctx is cancelled;
// Wait blocks until they have drained.
func (s *Scheduler) Start(ctx context.Context) {
	s.jobs = make(chan Job, s.batchSize)
	// Claimed jobs are already off the queue, so workers finish them after shutdown begins.
	workCtx := context.WithoutCancel(ctx)
	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for job := range s.jobs {
				s.process(workCtx, job)
			}
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(s.jobs)
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.log.Info("scheduler stopped")
				return
			case <-ticker.C:
				jobs, err := s.queue.claim(ctx, s.now(), s.batchSize)
				if err != nil {
					if ctx.Err() == nil {
						s.log.Warn("claim due jobs failed", zap.Error(err))
					}
					continue
				}
				for _, job := range jobs {
					s.jobs <- job
				}
			}
		}
	}()
}

func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// runDue claims and runs due jobs inline. It returns how many ran.
func (s *Scheduler) runDue(ctx context.Context) (int, error) {
	jobs, err := s.queue.claim(ctx, s.now(), s.batchSize)
	if err != nil {
		return 0, err
	}
	for _, job := range jobs {
		s.process(ctx, job)
	}
	return len(jobs), nil
}

func (s *Scheduler) process(ctx context.Context, job Job) {
	s.mu.RLock()
	h, ok := s.handlers[job.Type]
	s.mu.RUnlock()
	log := s.log.With(zap.String("job_id", job.ID), zap.String("job_type", job.Type))
	if !ok {
		log.Error("no handler registered for job type")
		observability.IncJob(job.Type, "unhandled")
		return
	}

	err := safeRun(ctx, h, job)
	if err == nil {
		observability.IncJob(job.Type, "ok")
		return
	}

	job.Attempts++
	if job.Attempts >= job.MaxAttempts {
		log.Error("job exhausted retries", zap.Int("attempts", job.Attempts), zap.Error(err))
		observability.IncJob(job.Type, "exhausted")
		return
	}
	delay := s.baseBackoff << (job.Attempts - 1)
	observability.IncJob(job.Type, "retry")
	log.Warn("job failed, retrying", zap.Int("attempts", job.Attempts), zap.Duration("backoff", delay), zap.Error(err))
	// A newer job with the same id may have been scheduled while this one ran.
	if _, pending, derr := s.queue.DueAt(ctx, job.ID); derr == nil && pending {
		return
	}
	if err := s.queue.Schedule(ctx, job, s.now().Add(delay)); err != nil {
		log.Error("requeue failed job", zap.Error(err))
	}
}

func safeRun(ctx context.Context, h Handler, job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return h(ctx, job)
}
