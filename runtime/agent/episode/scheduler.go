package episode

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"goa.design/agentgov/runtime/agent/telemetry"
)

const (
	defaultWorkers   = 4
	defaultQueueSize = 256
	defaultTimeout   = 30 * time.Second
)

type (
	// SchedulerOptions configures a Scheduler.
	SchedulerOptions struct {
		// Trigger creates the episodes. Required.
		Trigger Trigger
		// Workers is the number of concurrent triggers. Defaults to 4.
		Workers int
		// QueueSize bounds pending submissions. Submissions beyond it are
		// dropped. Defaults to 256.
		QueueSize int
		// Timeout bounds a single trigger. Defaults to 30s.
		Timeout time.Duration
		// Logger defaults to a no-op logger.
		Logger telemetry.Logger
		// Metrics defaults to a no-op recorder.
		Metrics telemetry.Metrics
	}

	// Scheduler runs episode triggers on a bounded worker pool. It
	// implements Submitter.
	Scheduler struct {
		trigger Trigger
		timeout time.Duration
		logger  telemetry.Logger
		metrics telemetry.Metrics

		mu     sync.RWMutex
		closed bool
		queue  chan job
		wg     sync.WaitGroup
	}

	job struct {
		ctx context.Context
		ec  Context
	}
)

// NewScheduler starts the worker pool.
func NewScheduler(opts SchedulerOptions) (*Scheduler, error) {
	if opts.Trigger == nil {
		return nil, errors.New("episode trigger is required")
	}
	if opts.Workers < 0 || opts.QueueSize < 0 || opts.Timeout < 0 {
		return nil, errors.New("episode scheduler options must not be negative")
	}
	workers := opts.Workers
	if workers == 0 {
		workers = defaultWorkers
	}
	size := opts.QueueSize
	if size == 0 {
		size = defaultQueueSize
	}
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	s := &Scheduler{
		trigger: opts.Trigger,
		timeout: timeout,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		queue:   make(chan job, size),
	}
	if s.logger == nil {
		s.logger = telemetry.NewNoopLogger()
	}
	if s.metrics == nil {
		s.metrics = telemetry.NewNoopMetrics()
	}
	s.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go s.work()
	}
	return s, nil
}

// Submit queues ec without blocking. The trigger runs on a context detached
// from ctx cancellation so that it outlives the request. Submit returns false
// when the scheduler is closed or the queue is full.
func (s *Scheduler) Submit(ctx context.Context, ec Context) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		s.logger.Warn(ctx, "episode scheduler closed, dropping episode", "execution_id", ec.ExecutionID)
		return false
	}
	select {
	case s.queue <- job{ctx: context.WithoutCancel(ctx), ec: ec}:
		return true
	default:
		s.metrics.IncCounter("agentgov.episode.dropped", 1)
		s.logger.Warn(ctx, "episode queue full, dropping episode", "execution_id", ec.ExecutionID)
		return false
	}
}

// Close stops accepting submissions and waits for queued triggers to finish
// or ctx to be done.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) work() {
	defer s.wg.Done()
	for j := range s.queue {
		s.run(j)
	}
}

func (s *Scheduler) run(j job) {
	ctx, cancel := context.WithTimeout(j.ctx, s.timeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			s.metrics.IncCounter("agentgov.episode.triggers", 1, "outcome", "panic")
			s.logger.Error(ctx, "episode trigger panicked",
				"execution_id", j.ec.ExecutionID,
				"err", fmt.Errorf("panic: %v", r),
			)
		}
	}()
	if err := s.trigger.TriggerEpisode(ctx, j.ec); err != nil {
		s.metrics.IncCounter("agentgov.episode.triggers", 1, "outcome", "error")
		s.logger.Warn(ctx, "episode trigger failed",
			"execution_id", j.ec.ExecutionID,
			"agent_id", j.ec.AgentID,
			"err", err,
		)
		return
	}
	s.metrics.IncCounter("agentgov.episode.triggers", 1, "outcome", "ok")
}
