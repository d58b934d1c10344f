package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/avalkov/safe-transaction-history/internal/metrics"
	"github.com/avalkov/safe-transaction-history/internal/reconciler"
	"github.com/avast/retry-go"
	"github.com/sourcegraph/conc/pool"
)

var ErrQueueFull = errors.New("reconcile queue is full")

type Opts struct {
	Workers     int
	QueueSize   int
	MaxAttempts uint
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Logger      *slog.Logger
}

func NewScheduler(r jobReconciler, opts Opts) *scheduler {
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 10
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &scheduler{
		reconciler:  r,
		jobs:        make(chan delivery, opts.QueueSize),
		workers:     opts.Workers,
		maxAttempts: opts.MaxAttempts,
		baseDelay:   opts.BaseDelay,
		maxDelay:    opts.MaxDelay,
		logger:      opts.Logger,
	}
}

// Enqueue hands a job to the worker pool without waiting for it to run.
func (s *scheduler) Enqueue(job reconciler.Job) error {
	return s.enqueue(delivery{job: job, attempt: 1})
}

func (s *scheduler) enqueue(d delivery) error {
	select {
	case s.jobs <- d:
		metrics.QueueLength(len(s.jobs))
		return nil
	default:
		metrics.DroppedJob()
		return ErrQueueFull
	}
}

// Run consumes queued jobs until ctx is done, then waits for in-flight jobs.
func (s *scheduler) Run(ctx context.Context) error {
	p := pool.New().WithMaxGoroutines(s.workers)
	defer p.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d := <-s.jobs:
			metrics.QueueLength(len(s.jobs))
			p.Go(func() {
				s.process(ctx, d)
			})
		}
	}
}

// Process reconciles a freshly delivered job. Transient failures are retried
// in place with backoff; a not yet mined transaction is put back on the queue
// once the delay the reconciler asked for has passed, leaving the worker free.
func (s *scheduler) Process(ctx context.Context, job reconciler.Job) reconciler.Outcome {
	return s.process(ctx, delivery{job: job, attempt: 1})
}

func (s *scheduler) process(ctx context.Context, d delivery) reconciler.Outcome {
	logger := s.logger.With("ownerTxHash", d.job.OwnerTransactionHash.Hex(), "owner", d.job.OwnerAddress.Hex(), "delivery", d.attempt)

	var (
		last     reconciler.Outcome
		attempts uint
	)
	err := retry.Do(
		func() error {
			attempts++

			started := time.Now()
			last = s.reconciler.Reconcile(ctx, d.job)
			metrics.ObserveOutcome(last.Kind.String(), time.Since(started))

			if last.Kind == reconciler.TransientFailure {
				return last.Err
			}
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(s.maxAttempts),
		retry.Delay(s.baseDelay),
		retry.LastErrorOnly(true),
		retry.DelayType(s.delay),
		retry.OnRetry(func(n uint, err error) {
			metrics.Retry()
			logger.Debug("reconcile attempt failed", "attempt", n+1, "error", err)
		}),
	)
	if err != nil {
		logger.Warn("giving up on reconcile job", "attempts", attempts, "outcome", last.Kind.String(), "error", err)
		return last
	}

	if last.Kind == reconciler.Unresolved && last.RetryAfter > 0 {
		if d.attempt >= s.maxAttempts {
			logger.Warn("giving up on unmined transaction", "outcome", last.Kind.String())
			return last
		}
		s.redeliver(ctx, delivery{job: d.job, attempt: d.attempt + 1}, last.RetryAfter)
		logger.Debug("reconcile job redelivery scheduled", "retryAfter", last.RetryAfter)
		return last
	}

	logger.Debug("reconcile job settled", "attempts", attempts, "outcome", last.Kind.String(), "executed", last.Executed)
	return last
}

func (s *scheduler) redeliver(ctx context.Context, d delivery, after time.Duration) {
	time.AfterFunc(after, func() {
		if ctx.Err() != nil {
			return
		}
		if err := s.enqueue(d); err != nil {
			s.logger.Warn("dropping redelivered reconcile job",
				"ownerTxHash", d.job.OwnerTransactionHash.Hex(), "delivery", d.attempt, "error", err)
			return
		}
		metrics.Redelivery()
	})
}

func (s *scheduler) delay(n uint, err error, config *retry.Config) time.Duration {
	delay := retry.BackOffDelay(n, err, config)
	if delay <= 0 || delay > s.maxDelay {
		return s.maxDelay
	}
	return delay
}

type delivery struct {
	job     reconciler.Job
	attempt uint
}

type jobReconciler interface {
	Reconcile(ctx context.Context, job reconciler.Job) reconciler.Outcome
}

type scheduler struct {
	reconciler  jobReconciler
	jobs        chan delivery
	workers     int
	maxAttempts uint
	baseDelay   time.Duration
	maxDelay    time.Duration
	logger      *slog.Logger
}
