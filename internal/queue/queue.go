// Package queue runs background jobs on a fixed pool of workers.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eugenenazirov/restplate/internal/config"
)

var (
	// ErrClosed is returned by Enqueue after Close has been called.
	ErrClosed = errors.New("queue is closed")
	// ErrInvalidJob is returned for jobs without a function.
	ErrInvalidJob = errors.New("job has no function")
)

// Job is a unit of background work.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

type envelope struct {
	id  string
	job Job
}

// Stats is a snapshot of queue counters.
type Stats struct {
	Pending   int   `json:"pending"`
	Workers   int   `json:"workers"`
	Processed int64 `json:"processed"`
	Failed    int64 `json:"failed"`
}

// Queue is a bounded job channel drained by a worker pool.
type Queue struct {
	jobs    chan envelope
	logger  *zap.Logger
	workers int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	closed   bool
	stopping chan struct{}
	stopOnce sync.Once

	processed atomic.Int64
	failed    atomic.Int64
}

// New starts settings.Workers workers reading from a channel of settings.Size.
func New(settings config.QueueSettings, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	workers := max(settings.Workers, 1)
	size := max(settings.Size, 1)

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		jobs:     make(chan envelope, size),
		logger:   logger,
		workers:  workers,
		ctx:      ctx,
		cancel:   cancel,
		stopping: make(chan struct{}),
	}

	for i := range workers {
		q.wg.Add(1)
		go q.work(i + 1)
	}
	return q
}

// Enqueue schedules job and returns its id. It blocks while the queue is full
// until ctx is done.
func (q *Queue) Enqueue(ctx context.Context, job Job) (string, error) {
	if job.Run == nil {
		return "", ErrInvalidJob
	}

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return "", ErrClosed
	}

	env := envelope{id: uuid.NewString(), job: job}
	select {
	case q.jobs <- env:
		q.logger.Debug("job queued", zap.String("job_id", env.id), zap.String("job", job.Name))
		return env.id, nil
	case <-q.stopping:
		return "", ErrClosed
	case <-ctx.Done():
		return "", fmt.Errorf("enqueue %s: %w", job.Name, ctx.Err())
	}
}

func (q *Queue) work(worker int) {
	defer q.wg.Done()
	for env := range q.jobs {
		q.run(worker, env)
	}
}

func (q *Queue) run(worker int, env envelope) {
	logger := q.logger.With(
		zap.String("job_id", env.id),
		zap.String("job", env.job.Name),
		zap.Int("worker", worker),
	)
	start := time.Now()

	err := func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("panic: %v", rec)
			}
		}()
		return env.job.Run(q.ctx)
	}()

	q.processed.Add(1)
	if err != nil {
		q.failed.Add(1)
		logger.Error("job failed", zap.Duration("duration", time.Since(start)), zap.Error(err))
		return
	}
	logger.Info("job finished", zap.Duration("duration", time.Since(start)))
}

// Stats returns the current counters.
func (q *Queue) Stats() Stats {
	return Stats{
		Pending:   len(q.jobs),
		Workers:   q.workers,
		Processed: q.processed.Load(),
		Failed:    q.failed.Load(),
	}
}

// Close stops accepting jobs and waits for queued ones to finish. When ctx
// expires first, running jobs see their context cancelled.
func (q *Queue) Close(ctx context.Context) error {
	// Release producers blocked on a full channel before taking the write lock.
	q.stopOnce.Do(func() { close(q.stopping) })

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.jobs)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return fmt.Errorf("drain queue: %w", ctx.Err())
	}
}
