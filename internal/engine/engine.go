// SPDX-License-Identifier: Apache-2.0

// Package engine runs playbooks: it creates runs, drives their steps through
// the queue and worker pool, applies retries and decides when a run is done.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adiadia/playbook-runtime/internal/backoff"
	"github.com/adiadia/playbook-runtime/internal/dispatch"
	"github.com/adiadia/playbook-runtime/internal/domain"
	"github.com/adiadia/playbook-runtime/internal/events"
	"github.com/adiadia/playbook-runtime/internal/queue"
	"github.com/adiadia/playbook-runtime/internal/quota"
	"github.com/adiadia/playbook-runtime/internal/steps"
	"github.com/adiadia/playbook-runtime/internal/worker"
	"github.com/google/uuid"
)

// Store is the persistence the engine needs. Both the Postgres repository
// and the in-memory store satisfy it.
type Store interface {
	dispatch.Store
	CreateRun(ctx context.Context, run domain.Run) error
	CreateStepRuns(ctx context.Context, stepRuns []domain.StepRun) error
	GetStepRun(ctx context.Context, stepRunID uuid.UUID) (domain.StepRun, error)
	ListActiveRuns(ctx context.Context) ([]domain.Run, error)
}

type Playbooks interface {
	GetPlaybook(ctx context.Context, id uuid.UUID) (domain.Playbook, error)
}

type Quota interface {
	EnforceQuota(ctx context.Context, orgID uuid.UUID, usage quota.Usage) error
	RecordUsage(ctx context.Context, orgID, runID uuid.UUID, usage quota.Usage) error
}

type Webhooks interface {
	Send(ctx context.Context, url string, payload any) error
}

type StepHandlers interface {
	Get(t domain.StepType) (steps.Handler, bool)
}

type Deps struct {
	Store     Store
	Playbooks Playbooks
	Steps     StepHandlers
	Logger    *slog.Logger

	// Optional.
	Quota    Quota
	Events   events.Publisher
	Webhooks Webhooks
	Backoff  backoff.Strategy
	Queue    *queue.Queue

	Concurrency    int
	MaxAttempts    int
	StepTimeout    time.Duration
	DrainTimeout   time.Duration
	WebhookTimeout time.Duration
	EventBuffer    int

	// ReclaimAfter is how long past its timeout a RUNNING step may go
	// without a live job before recovery takes it back. RecoverInterval
	// is the period of the background recovery pass; negative disables it.
	ReclaimAfter    time.Duration
	RecoverInterval time.Duration
}

type Engine struct {
	store      Store
	playbooks  Playbooks
	handlers   StepHandlers
	quota      Quota
	webhooks   Webhooks
	backoff    backoff.Strategy
	logger     *slog.Logger
	queue      *queue.Queue
	pool       *worker.Pool
	dispatcher *dispatch.Dispatcher
	events     *events.Async

	maxAttempts    int
	stepTimeout    time.Duration
	webhookTimeout time.Duration
	reclaimAfter   time.Duration
	recoverEvery   time.Duration

	attempts sync.Map // job id -> *attempt
	notifyWG sync.WaitGroup
	stopping atomic.Bool

	loopMu      sync.Mutex
	stopRecover context.CancelFunc
	recoverWG   sync.WaitGroup
}

// ExecuteOptions are the per-run knobs accepted by ExecutePlaybook.
type ExecuteOptions struct {
	Priority   int
	WebhookURL string
	Input      json.RawMessage
}

// Progress counts step runs by outcome. Completed covers SUCCEEDED and
// SKIPPED steps; CANCELED steps are counted apart from FAILED ones.
type Progress struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Canceled  int `json:"canceled"`
	Pending   int `json:"pending"`
}

type ExecutionStatus struct {
	Run      domain.Run       `json:"run"`
	Steps    []domain.StepRun `json:"steps"`
	Progress Progress         `json:"progress"`
}

func New(deps Deps) (*Engine, error) {
	if deps.Store == nil || deps.Playbooks == nil || deps.Steps == nil {
		return nil, errors.New("engine: store, playbooks and steps are required")
	}

	e := &Engine{
		store:          deps.Store,
		playbooks:      deps.Playbooks,
		handlers:       deps.Steps,
		quota:          deps.Quota,
		webhooks:       deps.Webhooks,
		backoff:        deps.Backoff,
		logger:         deps.Logger,
		queue:          deps.Queue,
		maxAttempts:    deps.MaxAttempts,
		stepTimeout:    deps.StepTimeout,
		webhookTimeout: deps.WebhookTimeout,
		reclaimAfter:   deps.ReclaimAfter,
		recoverEvery:   deps.RecoverInterval,
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.backoff == nil {
		e.backoff = backoff.Default()
	}
	if e.maxAttempts <= 0 {
		e.maxAttempts = 3
	}
	if e.stepTimeout <= 0 {
		e.stepTimeout = 30 * time.Second
	}
	if e.webhookTimeout <= 0 {
		e.webhookTimeout = 10 * time.Second
	}
	if e.reclaimAfter <= 0 {
		e.reclaimAfter = time.Minute
	}
	if e.recoverEvery == 0 {
		e.recoverEvery = 30 * time.Second
	}
	if e.queue == nil {
		e.queue = queue.New()
	}

	next := deps.Events
	if next == nil {
		next = events.Nop{}
	}
	e.events = events.NewAsync(next, e.logger, deps.EventBuffer)

	e.queue.SetResultHandler(e.onResult)
	if err := e.queue.RegisterHandler(queue.JobTypeStep, e.handleStep); err != nil {
		return nil, fmt.Errorf("register step handler: %w", err)
	}

	e.dispatcher = dispatch.New(dispatch.Deps{
		Store:  e.store,
		Queue:  e.queue,
		Logger: e.logger,
	})

	opts := []worker.Option{worker.WithDefaultJobTimeout(e.stepTimeout)}
	if deps.Concurrency > 0 {
		opts = append(opts, worker.WithConcurrency(deps.Concurrency))
	}
	if deps.DrainTimeout > 0 {
		opts = append(opts, worker.WithDrainTimeout(deps.DrainTimeout))
	}
	e.pool = worker.NewPool(e.queue, e.logger, opts...)

	return e, nil
}

// Start launches the worker pool and re-dispatches the work of active runs
// that no job covers, such as runs interrupted by a previous shutdown. The
// recovery pass then repeats every RecoverInterval until Stop.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.pool.Start(ctx); err != nil {
		return err
	}
	if _, err := e.Recover(ctx); err != nil {
		e.logger.Error("recover active runs", "error", err)
	}

	e.loopMu.Lock()
	defer e.loopMu.Unlock()
	if e.recoverEvery > 0 && e.stopRecover == nil && !e.stopping.Load() {
		loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		e.stopRecover = cancel
		e.recoverWG.Add(1)
		go e.recoverLoop(loopCtx)
	}
	return nil
}

// Stop drains the worker pool, closes the queue and flushes pending
// webhooks and events, bounded by ctx. Steps still running when the drain
// timeout cancels them are handed back to QUEUED for the next Start.
func (e *Engine) Stop(ctx context.Context) error {
	e.stopping.Store(true)
	e.loopMu.Lock()
	if e.stopRecover != nil {
		e.stopRecover()
	}
	e.loopMu.Unlock()
	e.recoverWG.Wait()

	err := e.pool.Stop(ctx)
	e.queue.Close()

	done := make(chan struct{})
	go func() {
		e.notifyWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		e.logger.Warn("webhook deliveries still pending at shutdown")
	}

	return errors.Join(err, e.events.Close(ctx))
}

func (e *Engine) Stats() worker.Stats {
	return e.pool.GetStats()
}

// EventsDropped reports events lost because the publish buffer was full.
func (e *Engine) EventsDropped() int64 {
	return e.events.Dropped()
}

func (e *Engine) publish(ctx context.Context, t domain.EventType, run domain.Run, stepKey string, payload any) {
	if err := e.events.Publish(ctx, events.New(t, run, stepKey, payload)); err != nil {
		e.logger.Debug("event not published", "event_type", t, "run_id", run.ID, "error", err)
	}
}
