// Package worker runs queued learning-cycle requests.
package worker

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/feedbackloop/internal/domain/model"
	"github.com/okian/feedbackloop/pkg/logger"
	"github.com/okian/feedbackloop/pkg/metrics"
)

const (
	defaultWorkerCount     = 2
	defaultMetricsInterval = 5 * time.Second
)

// Request is what workers read off the queue.
type Request = model.CycleRequest

// Handler executes one cycle request.
type Handler interface {
	HandleCycle(ctx context.Context, req Request) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) error

// HandleCycle calls f.
func (f HandlerFunc) HandleCycle(ctx context.Context, req Request) error { return f(ctx, req) }

// Queue defines how workers receive requests.
type Queue interface {
	Dequeue(ctx context.Context) <-chan Request
}

// Worker consumes cycle requests.
type Worker interface {
	// Run processes requests until ctx is done, the queue is drained
	// and closed, or Shutdown is called.
	Run(ctx context.Context)

	// Shutdown stops the worker after its current request.
	Shutdown(ctx context.Context) error
}

// InMemoryWorker implements Worker over a Queue.
type InMemoryWorker struct {
	queue   Queue
	handler Handler
	name    string
	timeout time.Duration

	busy      atomic.Bool
	processed atomic.Int64

	shutdown chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	logger logger.Logger
}

// NewInMemoryWorker creates a new worker with configuration options.
func NewInMemoryWorker(queue Queue, handler Handler, opts ...Option) *InMemoryWorker {
	w := &InMemoryWorker{
		queue:    queue,
		handler:  handler,
		name:     "worker",
		shutdown: make(chan struct{}),
		done:     make(chan struct{}),
		logger:   logger.Get().Named("worker"),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(logger.String("worker", w.name))
	return w
}

// Name returns the worker's name.
func (w *InMemoryWorker) Name() string { return w.name }

// Processed returns how many requests the worker has handled.
func (w *InMemoryWorker) Processed() int64 { return w.processed.Load() }

// Run starts the worker loop.
func (w *InMemoryWorker) Run(ctx context.Context) {
	defer close(w.done)

	requests := w.queue.Dequeue(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.shutdown:
			return
		case req, ok := <-requests:
			if !ok {
				return
			}
			w.process(ctx, req)
		}
	}
}

// Shutdown signals the worker to stop and waits for Run to return.
func (w *InMemoryWorker) Shutdown(ctx context.Context) error {
	w.stop()
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		w.logger.Warn(ctx, "shutdown timed out")
		return fmt.Errorf("shutdown timed out: %w", ctx.Err())
	}
}

// Done is closed when Run has returned.
func (w *InMemoryWorker) Done() <-chan struct{} { return w.done }

func (w *InMemoryWorker) stop() {
	w.stopOnce.Do(func() { close(w.shutdown) })
}

func (w *InMemoryWorker) process(ctx context.Context, req Request) {
	w.busy.Store(true)
	defer w.busy.Store(false)

	start := time.Now()
	defer func() {
		metrics.RecordWorkerProcessingLatency(float64(time.Since(start).Milliseconds()))
	}()

	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}

	w.processed.Add(1)
	if err := w.handler.HandleCycle(ctx, req); err != nil {
		metrics.RecordWorkerError()
		metrics.RecordErrorByComponent("worker", "cycle_error")
		w.logger.Error(ctx, "cycle request failed",
			logger.String("request_id", req.RequestID),
			logger.Int("generation", req.Generation),
			logger.Error(err),
		)
		return
	}
	w.logger.Debug(ctx, "cycle request handled",
		logger.String("request_id", req.RequestID),
		logger.Duration("took", time.Since(start)),
	)
}

// Pool manages multiple workers over one queue.
type Pool struct {
	workers         []*InMemoryWorker
	queue           Queue
	workerOpts      []Option
	metricsInterval time.Duration

	shutdown chan struct{}
	stopOnce sync.Once

	logger logger.Logger
}

// NewPool creates a pool of workerCount workers. A count below one selects
// the default of two.
func NewPool(workerCount int, queue Queue, handler Handler, opts ...PoolOption) *Pool {
	if workerCount < 1 {
		workerCount = defaultWorkerCount
	}

	p := &Pool{
		workers:         make([]*InMemoryWorker, workerCount),
		queue:           queue,
		metricsInterval: defaultMetricsInterval,
		shutdown:        make(chan struct{}),
		logger:          logger.Get().Named("worker-pool"),
	}
	for _, opt := range opts {
		opt(p)
	}

	for i := range p.workers {
		wopts := append([]Option{WithName("worker-" + strconv.Itoa(i))}, p.workerOpts...)
		p.workers[i] = NewInMemoryWorker(queue, handler, wopts...)
	}

	metrics.UpdateWorkerCount(workerCount)
	metrics.UpdateWorkerActiveCount(0)
	return p
}

// Size returns the number of workers in the pool.
func (p *Pool) Size() int { return len(p.workers) }

// Processed returns the number of requests handled across all workers.
func (p *Pool) Processed() int64 {
	var n int64
	for _, w := range p.workers {
		n += w.Processed()
	}
	return n
}

// Start starts all workers in the pool.
func (p *Pool) Start(ctx context.Context) {
	for _, w := range p.workers {
		go w.Run(ctx)
	}
	go p.runMetricsUpdater(ctx)
	p.logger.Info(ctx, "worker pool started", logger.Int("workers", len(p.workers)))
}

func (p *Pool) runMetricsUpdater(ctx context.Context) {
	ticker := time.NewTicker(p.metricsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.shutdown:
			return
		case <-ticker.C:
			p.updateMetrics()
		}
	}
}

func (p *Pool) updateMetrics() {
	active := 0
	for _, w := range p.workers {
		if w.busy.Load() {
			active++
		}
	}
	metrics.UpdateWorkerActiveCount(active)
}

// Stop signals every worker to stop after its current request and waits
// for them. Queued requests are left in the queue.
func (p *Pool) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.shutdown) })
	var firstErr error
	for _, w := range p.workers {
		if err := w.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Shutdown closes the queue, lets the workers drain it, and waits for them
// until ctx is done. Workers still running at that point are told to stop.
func (p *Pool) Shutdown(ctx context.Context) error {
	if closer, ok := p.queue.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			p.logger.Error(ctx, "error closing queue", logger.Error(err))
		}
	}

	for i, w := range p.workers {
		select {
		case <-w.Done():
		case <-ctx.Done():
			p.logger.Warn(ctx, "worker drain timed out", logger.Int("worker_id", i))
			w.stop()
		}
	}

	p.stopOnce.Do(func() { close(p.shutdown) })
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("worker pool shutdown: %w", err)
	}
	return nil
}
