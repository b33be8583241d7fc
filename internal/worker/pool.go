// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adiadia/playbook-runtime/internal/metrics"
	"github.com/adiadia/playbook-runtime/internal/queue"
	"github.com/google/uuid"
)

// Source is the queue surface the pool consumes.
type Source interface {
	Dequeue(ctx context.Context) (*queue.Job, error)
	Handler(jobType string) (queue.HandlerFunc, bool)
	Complete(ctx context.Context, jobID uuid.UUID, result json.RawMessage) error
	Fail(ctx context.Context, jobID uuid.UUID, err error) error
	AttachCancel(jobID uuid.UUID, cancel context.CancelFunc) bool
	Len() int
	InFlight() int
}

var ErrNoHandler = errors.New("no handler registered for job type")

// PanicError is the failure reported for a handler that panicked.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.Value)
}

type Stats struct {
	Workers    int   `json:"workers"`
	Idle       int   `json:"idle"`
	Busy       int   `json:"busy"`
	QueueDepth int   `json:"queue_depth"`
	InFlight   int   `json:"in_flight"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
}

// Pool runs a fixed number of dequeue loops over a Source. Each loop
// handles one job at a time.
type Pool struct {
	source         Source
	logger         *slog.Logger
	concurrency    int
	drainTimeout   time.Duration
	defaultTimeout time.Duration
	prefix         string

	mu       sync.Mutex
	running  bool
	stopped  bool
	stopCh   chan struct{}
	loopsCtx context.Context
	abort    context.CancelFunc
	wg       sync.WaitGroup

	busy      atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
}

type Option func(*Pool)

func WithConcurrency(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithDrainTimeout bounds how long Stop waits for in-flight jobs before
// canceling them.
func WithDrainTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.drainTimeout = d
		}
	}
}

// WithDefaultJobTimeout applies to jobs that carry no timeout of their own.
func WithDefaultJobTimeout(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.defaultTimeout = d
		}
	}
}

func WithWorkerPrefix(prefix string) Option {
	return func(p *Pool) {
		if prefix != "" {
			p.prefix = prefix
		}
	}
}

func NewPool(source Source, logger *slog.Logger, opts ...Option) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		source:         source,
		logger:         logger,
		concurrency:    4,
		drainTimeout:   15 * time.Second,
		defaultTimeout: 30 * time.Second,
		prefix:         "worker",
		stopCh:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the dequeue loops. Calling it again is a no-op.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running || p.stopped {
		return nil
	}
	p.running = true
	p.loopsCtx, p.abort = context.WithCancel(context.WithoutCancel(ctx))

	p.logger.Info("worker pool starting",
		"concurrency", p.concurrency,
		"drain_timeout", p.drainTimeout,
	)

	for i := 1; i <= p.concurrency; i++ {
		p.wg.Add(1)
		go p.loop(fmt.Sprintf("%s-%d", p.prefix, i))
	}
	return nil
}

// Stop stops dequeueing and waits for in-flight jobs. Jobs still running
// after the drain timeout (or ctx deadline) are canceled.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.stopped = true
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.stopped = true
	close(p.stopCh)
	abort := p.abort
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", "in_flight", p.busy.Load())

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(p.drainTimeout)
	defer timer.Stop()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
		abort()
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	p.logger.Warn("worker pool drain timed out, canceling active jobs")
	abort()
	<-done
	return nil
}

func (p *Pool) GetStats() Stats {
	busy := int(p.busy.Load())
	idle := p.concurrency - busy
	if idle < 0 {
		idle = 0
	}
	return Stats{
		Workers:    p.concurrency,
		Idle:       idle,
		Busy:       busy,
		QueueDepth: p.source.Len(),
		InFlight:   p.source.InFlight(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
	}
}

func (p *Pool) loop(workerID string) {
	defer p.wg.Done()

	// dequeueCtx ends when Stop is called so idle loops exit promptly.
	dequeueCtx, cancel := context.WithCancel(p.loopsCtx)
	defer cancel()
	go func() {
		select {
		case <-p.stopCh:
			cancel()
		case <-dequeueCtx.Done():
		}
	}()

	logger := p.logger.With("worker_id", workerID)

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		job, err := p.source.Dequeue(dequeueCtx)
		if err != nil {
			if errors.Is(err, queue.ErrNoJob) || dequeueCtx.Err() != nil {
				return
			}
			logger.Error("dequeue error", "error", err)
			continue
		}

		p.handle(workerID, logger, job)
	}
}

func (p *Pool) handle(workerID string, logger *slog.Logger, job *queue.Job) {
	p.busy.Add(1)
	metrics.SetWorkersBusy(int(p.busy.Load()))
	metrics.SetQueueDepth(p.source.Len())
	defer func() {
		p.busy.Add(-1)
		metrics.SetWorkersBusy(int(p.busy.Load()))
	}()

	startedAt := time.Now().UTC()
	if !job.EnqueuedAt.IsZero() {
		metrics.ObserveQueueWait(startedAt.Sub(job.EnqueuedAt))
	}

	timeout := job.Timeout
	if timeout <= 0 {
		timeout = p.defaultTimeout
	}
	jobCtx, cancel := context.WithTimeout(p.loopsCtx, timeout)
	defer cancel()
	p.source.AttachCancel(job.ID, cancel)

	jobLogger := logger.With(
		"job_id", job.ID,
		"job_type", job.Type,
		"run_id", job.RunID,
		"step_key", job.Payload.StepKey,
	)

	exec := &queue.Execution{
		Job:       job,
		WorkerID:  workerID,
		Logger:    jobLogger,
		StartedAt: startedAt,
	}

	result, err := p.invoke(jobCtx, exec)
	if err == nil && jobCtx.Err() != nil {
		err = jobCtx.Err()
	}

	// Results are reported on a context that outlives the job's own.
	reportCtx := context.WithoutCancel(jobCtx)
	if err != nil {
		p.failed.Add(1)
		jobLogger.Debug("job failed", "error", err, "duration", time.Since(startedAt))
		if ferr := p.source.Fail(reportCtx, job.ID, err); ferr != nil {
			jobLogger.Warn("fail report rejected", "error", ferr)
		}
	} else {
		jobLogger.Debug("job completed", "duration", time.Since(startedAt))
		if cerr := p.source.Complete(reportCtx, job.ID, result); cerr != nil {
			jobLogger.Warn("complete report rejected", "error", cerr)
		}
	}
	p.processed.Add(1)
}

func (p *Pool) invoke(ctx context.Context, exec *queue.Execution) (result json.RawMessage, err error) {
	handler, ok := p.source.Handler(exec.Job.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, exec.Job.Type)
	}

	defer func() {
		if r := recover(); r != nil {
			stack := string(debug.Stack())
			exec.Logger.Error("job handler panicked",
				"panic", r,
				"stack", stack,
			)
			result = nil
			err = &PanicError{Value: r, Stack: stack}
		}
	}()

	return handler(ctx, exec)
}
