// SPDX-License-Identifier: Apache-2.0

// Package queue is the in-process job queue feeding the worker pool.
//
// Jobs are ordered by priority, then FIFO. A job entry is claimed with a
// compare-and-swap on its state, so a job is handed to at most one worker
// even if it is popped concurrently with RemoveRun.
package queue

import (
	"container/heap"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var (
	ErrQueueClosed      = errors.New("queue closed")
	ErrDuplicateHandler = errors.New("handler already registered")
	ErrNoJob            = errors.New("no job available")
	ErrJobNotInFlight   = errors.New("job not in flight")
	ErrHandlersSealed   = errors.New("handlers sealed: queue already started")
)

type inFlight struct {
	job      *Job
	cancel   context.CancelFunc
	canceled bool
}

type delayed struct {
	job   *Job
	timer *time.Timer
}

type Queue struct {
	mu       sync.Mutex
	entries  entryHeap
	seq      uint64
	closed   bool
	wake     chan struct{}
	byRun    map[uuid.UUID]map[uuid.UUID]*entry
	claimed  map[uuid.UUID]*inFlight
	delayed  map[uuid.UUID]*delayed
	handlers map[string]HandlerFunc
	onResult ResultFunc

	sealed   atomic.Bool
	pending  atomic.Int64
	inflight atomic.Int64
}

type Option func(*Queue)

// WithResultHandler sets the callback invoked by Complete and Fail.
func WithResultHandler(fn ResultFunc) Option {
	return func(q *Queue) { q.onResult = fn }
}

func New(opts ...Option) *Queue {
	q := &Queue{
		wake:     make(chan struct{}),
		byRun:    make(map[uuid.UUID]map[uuid.UUID]*entry),
		claimed:  make(map[uuid.UUID]*inFlight),
		delayed:  make(map[uuid.UUID]*delayed),
		handlers: make(map[string]HandlerFunc),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// SetResultHandler replaces the result callback. It must be called before
// workers start.
func (q *Queue) SetResultHandler(fn ResultFunc) {
	q.mu.Lock()
	q.onResult = fn
	q.mu.Unlock()
}

func (q *Queue) RegisterHandler(jobType string, fn HandlerFunc) error {
	if q.sealed.Load() {
		return ErrHandlersSealed
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.handlers[jobType]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, jobType)
	}
	q.handlers[jobType] = fn
	return nil
}

func (q *Queue) Handler(jobType string) (HandlerFunc, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	fn, ok := q.handlers[jobType]
	return fn, ok
}

// Seal rejects further handler registration. Dequeue seals implicitly.
func (q *Queue) Seal() { q.sealed.Store(true) }

func (q *Queue) Enqueue(job *Job, priority int) error {
	if job == nil {
		return errors.New("nil job")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.pushLocked(job, priority)
	return nil
}

// EnqueueAfter makes the job visible after delay. Delayed jobs belong to
// their run and are dropped by RemoveRun.
func (q *Queue) EnqueueAfter(job *Job, priority int, delay time.Duration) error {
	if delay <= 0 {
		return q.Enqueue(job, priority)
	}
	if job == nil {
		return errors.New("nil job")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	d := &delayed{job: job}
	d.timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		defer q.mu.Unlock()
		if cur, ok := q.delayed[job.ID]; !ok || cur != d {
			return
		}
		delete(q.delayed, job.ID)
		if q.closed {
			return
		}
		q.pushLocked(job, priority)
	})
	q.delayed[job.ID] = d
	return nil
}

func (q *Queue) pushLocked(job *Job, priority int) {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	job.Priority = priority
	job.EnqueuedAt = time.Now().UTC()
	q.seq++
	e := &entry{job: job, seq: q.seq}
	heap.Push(&q.entries, e)

	run := q.byRun[job.RunID]
	if run == nil {
		run = make(map[uuid.UUID]*entry)
		q.byRun[job.RunID] = run
	}
	run[job.ID] = e
	q.pending.Add(1)

	close(q.wake)
	q.wake = make(chan struct{})
}

// Dequeue blocks until a job is claimed, ctx is done or the queue is closed
// with nothing left to hand out (ErrNoJob).
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	q.sealed.Store(true)
	for {
		q.mu.Lock()
		if job := q.claimLocked(); job != nil {
			q.mu.Unlock()
			return job, nil
		}
		if q.closed {
			q.mu.Unlock()
			return nil, ErrNoJob
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
		}
	}
}

func (q *Queue) claimLocked() *Job {
	for q.entries.Len() > 0 {
		e := heap.Pop(&q.entries).(*entry)
		if !e.state.CompareAndSwap(statePending, stateClaimed) {
			continue
		}
		q.untrackLocked(e.job)
		q.pending.Add(-1)
		q.claimed[e.job.ID] = &inFlight{job: e.job}
		q.inflight.Add(1)
		return e.job
	}
	return nil
}

func (q *Queue) untrackLocked(job *Job) {
	run := q.byRun[job.RunID]
	if run == nil {
		return
	}
	delete(run, job.ID)
	if len(run) == 0 {
		delete(q.byRun, job.RunID)
	}
}

// AttachCancel binds the worker's job context to the claim so RemoveRun can
// cancel it. If the run was already removed, cancel is invoked immediately.
func (q *Queue) AttachCancel(jobID uuid.UUID, cancel context.CancelFunc) bool {
	q.mu.Lock()
	f, ok := q.claimed[jobID]
	if !ok {
		q.mu.Unlock()
		return false
	}
	f.cancel = cancel
	canceled := f.canceled
	q.mu.Unlock()

	if canceled {
		cancel()
	}
	return true
}

func (q *Queue) Complete(ctx context.Context, jobID uuid.UUID, result json.RawMessage) error {
	return q.finish(ctx, jobID, result, nil)
}

func (q *Queue) Fail(ctx context.Context, jobID uuid.UUID, err error) error {
	if err == nil {
		err = errors.New("job failed")
	}
	return q.finish(ctx, jobID, nil, err)
}

func (q *Queue) finish(ctx context.Context, jobID uuid.UUID, result json.RawMessage, jobErr error) error {
	q.mu.Lock()
	f, ok := q.claimed[jobID]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrJobNotInFlight, jobID)
	}
	delete(q.claimed, jobID)
	q.inflight.Add(-1)
	onResult := q.onResult
	q.mu.Unlock()

	if onResult != nil {
		onResult(ctx, f.job, result, jobErr)
	}
	return nil
}

// RemoveRun drops every pending and delayed job of the run and cancels the
// contexts of its claimed jobs. It returns the number of jobs dropped.
func (q *Queue) RemoveRun(runID uuid.UUID) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	removed := 0
	for id, e := range q.byRun[runID] {
		if e.state.CompareAndSwap(statePending, stateRemoved) {
			q.pending.Add(-1)
			removed++
		}
		delete(q.byRun[runID], id)
	}
	delete(q.byRun, runID)

	for id, d := range q.delayed {
		if d.job.RunID != runID {
			continue
		}
		d.timer.Stop()
		delete(q.delayed, id)
		removed++
	}

	for _, f := range q.claimed {
		if f.job.RunID != runID || f.canceled {
			continue
		}
		f.canceled = true
		if f.cancel != nil {
			f.cancel()
		}
	}
	return removed
}

// HasStep reports whether a pending, delayed or claimed job exists for the
// step run.
func (q *Queue) HasStep(runID, stepRunID uuid.UUID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.byRun[runID] {
		if e.job.Payload.StepRunID == stepRunID && e.state.Load() == statePending {
			return true
		}
	}
	for _, d := range q.delayed {
		if d.job.Payload.StepRunID == stepRunID {
			return true
		}
	}
	for _, f := range q.claimed {
		if f.job.Payload.StepRunID == stepRunID {
			return true
		}
	}
	return false
}

// Close rejects new jobs and stops delayed timers. Pending jobs can still
// be dequeued; Dequeue returns ErrNoJob once they are gone.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for id, d := range q.delayed {
		d.timer.Stop()
		delete(q.delayed, id)
	}
	close(q.wake)
	q.wake = make(chan struct{})
}

// Len is the number of jobs waiting to be claimed.
func (q *Queue) Len() int { return int(q.pending.Load()) }

// InFlight is the number of claimed jobs not yet completed or failed.
func (q *Queue) InFlight() int { return int(q.inflight.Load()) }

// Delayed is the number of jobs waiting on a retry timer.
func (q *Queue) Delayed() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.delayed)
}
