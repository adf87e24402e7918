package queue

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Handler processes a single job. A returned error causes the dispatcher to
// call Fail (which reschedules or moves the job to the failed list); a nil
// return calls Ack.
type Handler func(ctx context.Context, job *Job) error

// Dispatcher owns a fixed set of named queues, each with its own handler
// and concurrency, and drives their worker pools to completion on shutdown.
type Dispatcher struct {
	logger  *zap.Logger
	queues  map[string]*Queue
	handlers map[string]Handler
	pollInterval time.Duration
}

// NewDispatcher builds an empty Dispatcher. Call Register for each named
// queue before Run.
func NewDispatcher(logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		logger:       logger,
		queues:       make(map[string]*Queue),
		handlers:     make(map[string]Handler),
		pollInterval: 250 * time.Millisecond,
	}
}

// Register attaches queue to the dispatcher with handler as its job
// processor. Panics if queue's name is already registered (a programming
// error, not a runtime condition).
func (d *Dispatcher) Register(queue *Queue, handler Handler) {
	if _, exists := d.queues[queue.Name()]; exists {
		panic("queue: dispatcher: queue already registered: " + queue.Name())
	}
	d.queues[queue.Name()] = queue
	d.handlers[queue.Name()] = handler
}

// Queue returns the named queue, or nil if unregistered. Used by the
// control-plane API for enqueue/stats/pause/resume/clean operations.
func (d *Dispatcher) Queue(name string) *Queue {
	return d.queues[name]
}

// Run starts each registered queue's worker pool and blocks until ctx is
// canceled. Workers finish their current job before returning; Run then
// waits for every worker to exit before returning itself.
func (d *Dispatcher) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)

	for name, q := range d.queues {
		name, q := name, q
		handler := d.handlers[name]
		concurrency := q.options.Concurrency
		if concurrency < 1 {
			concurrency = 1
		}
		for i := 0; i < concurrency; i++ {
			group.Go(func() error {
				d.worker(groupCtx, q, handler)
				return nil
			})
		}
	}

	return group.Wait()
}

func (d *Dispatcher) worker(ctx context.Context, q *Queue, handler Handler) {
	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, err := q.Dequeue(ctx)
			if err != nil {
				if err != ErrEmpty && err != ErrPaused {
					d.logger.Error("dequeue failed", zap.String("queue", q.Name()), zap.Error(err))
				}
				continue
			}

			d.process(ctx, q, handler, job)
		}
	}
}

func (d *Dispatcher) process(ctx context.Context, q *Queue, handler Handler, job *Job) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic in job handler",
				zap.String("queue", q.Name()), zap.String("jobId", job.ID), zap.Any("panic", r))
			if failErr := q.Fail(ctx, job.ID, panicError{r}); failErr != nil {
				d.logger.Error("failed to record panicking job", zap.Error(failErr))
			}
		}
	}()

	if err := handler(ctx, job); err != nil {
		d.logger.Warn("job failed", zap.String("queue", q.Name()), zap.String("jobId", job.ID),
			zap.Int("attempts", job.Attempts), zap.Error(err))
		if failErr := q.Fail(ctx, job.ID, err); failErr != nil {
			d.logger.Error("failed to record failed job", zap.Error(failErr))
		}
		return
	}

	if ackErr := q.Ack(ctx, job.ID); ackErr != nil {
		d.logger.Error("failed to ack job", zap.Error(ackErr))
	}
}

type panicError struct{ value interface{} }

func (p panicError) Error() string { return "panic in job handler" }
