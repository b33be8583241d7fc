// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/adiadia/playbook-runtime/internal/domain"
	"github.com/adiadia/playbook-runtime/internal/metrics"
	"github.com/adiadia/playbook-runtime/internal/queue"
	"github.com/adiadia/playbook-runtime/internal/steps"
	"github.com/adiadia/playbook-runtime/internal/worker"
)

// errStaleJob marks a job whose step run was no longer QUEUED when a worker
// picked it up (canceled, or already claimed by a duplicate job).
var errStaleJob = errors.New("stale step job")

// attempt is what the result callback needs from the handler that ran.
type attempt struct {
	workerID string
	started  time.Time
	sc       *steps.Context
}

func (a *attempt) logs() []string {
	if a == nil || a.sc == nil {
		return nil
	}
	return a.sc.Logs()
}

func (e *Engine) handleStep(ctx context.Context, exec *queue.Execution) (json.RawMessage, error) {
	p := exec.Job.Payload
	now := time.Now().UTC()

	won, err := e.store.ConditionalUpdateStepRun(ctx, p.StepRunID,
		[]domain.StepStatus{domain.StepQueued}, domain.StepRunning, domain.StepRunUpdate{
			BumpAttempt: true,
			StartedAt:   &now,
			WorkerInfo:  &domain.WorkerInfo{WorkerID: exec.WorkerID, StartedAt: now},
		})
	if err != nil {
		return nil, fmt.Errorf("%w: claim: %v", errStaleJob, err)
	}
	if !won {
		return nil, errStaleJob
	}

	sr, err := e.store.GetStepRun(ctx, p.StepRunID)
	if err != nil {
		return nil, fmt.Errorf("load step run: %w", err)
	}
	run, err := e.store.GetRun(ctx, p.RunID)
	if err != nil {
		return nil, fmt.Errorf("load run: %w", err)
	}
	if run.Status.IsTerminal() {
		e.unclaim(ctx, run, sr)
		return nil, fmt.Errorf("%w: run is %s", errStaleJob, run.Status)
	}

	sc := &steps.Context{
		OrgID:   p.OrgID,
		RunID:   p.RunID,
		StepRun: &sr,
		Step: domain.StepDefinition{
			ID:          sr.StepID,
			Key:         sr.StepKey,
			Type:        sr.StepType,
			Config:      sr.Config,
			DependsOn:   sr.DependsOn,
			MaxAttempts: sr.MaxAttempts,
			Timeout:     sr.Timeout,
		},
		Input:           p.Input,
		PreviousOutputs: p.PreviousOutputs,
		Logger:          exec.Logger,
	}
	e.attempts.Store(exec.Job.ID, &attempt{workerID: exec.WorkerID, started: now, sc: sc})

	e.publish(ctx, domain.EventStepUpdated, runRef(p), sr.StepKey, map[string]any{
		"status":    domain.StepRunning,
		"attempt":   sr.Attempt,
		"worker_id": exec.WorkerID,
	})

	handler, ok := e.handlers.Get(sr.StepType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", steps.ErrUnknownStepType, sr.StepType)
	}

	sc.Log("attempt %d/%d on %s", sr.Attempt, sr.MaxAttempts, exec.WorkerID)
	return handler.Execute(ctx, sc)
}

// onResult is the queue's result callback for step jobs.
func (e *Engine) onResult(ctx context.Context, job *queue.Job, result json.RawMessage, jobErr error) {
	var a *attempt
	if v, ok := e.attempts.LoadAndDelete(job.ID); ok {
		a = v.(*attempt)
	}

	if errors.Is(jobErr, errStaleJob) {
		level := slog.LevelDebug
		if jobErr != errStaleJob {
			level = slog.LevelWarn
		}
		e.logger.Log(ctx, level, "stale step job discarded",
			"job_id", job.ID,
			"run_id", job.RunID,
			"step_key", job.Payload.StepKey,
			"error", jobErr,
		)
		return
	}

	if e.stopping.Load() && errors.Is(jobErr, context.Canceled) {
		e.release(ctx, job, a)
		return
	}

	var duration time.Duration
	if a != nil {
		duration = time.Since(a.started)
		metrics.ObserveStepExecutionDuration(duration)
	}

	if jobErr == nil {
		e.recordSuccess(ctx, job, a, result, duration)
		return
	}
	e.recordFailure(ctx, job, a, toHandlerError(job.Payload.StepKey, jobErr), duration)
}

func (e *Engine) recordSuccess(ctx context.Context, job *queue.Job, a *attempt, result json.RawMessage, duration time.Duration) {
	p := job.Payload
	if len(result) == 0 {
		result = json.RawMessage(`null`)
	}
	now := time.Now().UTC()
	ms := duration.Milliseconds()
	noError := ""

	won, err := e.store.ConditionalUpdateStepRun(ctx, p.StepRunID,
		[]domain.StepStatus{domain.StepRunning}, domain.StepSucceeded, domain.StepRunUpdate{
			Output:      result,
			Error:       &noError,
			DurationMS:  &ms,
			CompletedAt: &now,
			WorkerInfo:  finishedWorker(a, now),
			AppendLogs:  a.logs(),
		})
	if err != nil {
		e.logger.Error("record step success", "run_id", p.RunID, "step_key", p.StepKey, "error", err)
		return
	}
	if !won {
		e.logger.Debug("late step result discarded", "run_id", p.RunID, "step_key", p.StepKey)
		return
	}

	metrics.IncStepStatus(string(domain.StepSucceeded))
	e.publish(ctx, domain.EventStepCompleted, runRef(p), p.StepKey, map[string]any{
		"duration_ms": ms,
	})

	if _, err := e.dispatcher.DispatchDependentSteps(ctx, p.RunID, p.StepKey); err != nil {
		e.logger.Error("dispatch dependents", "run_id", p.RunID, "step_key", p.StepKey, "error", err)
	}
	e.checkCompletion(ctx, p.RunID)
}

func (e *Engine) recordFailure(ctx context.Context, job *queue.Job, a *attempt, herr *domain.HandlerExecutionError, duration time.Duration) {
	p := job.Payload
	sr, err := e.store.GetStepRun(ctx, p.StepRunID)
	if err != nil {
		e.logger.Error("record step failure: load step run", "run_id", p.RunID, "step_key", p.StepKey, "error", err)
		return
	}
	if sr.Status != domain.StepRunning {
		return
	}
	run, err := e.store.GetRun(ctx, p.RunID)
	if err != nil {
		e.logger.Error("record step failure: load run", "run_id", p.RunID, "error", err)
		return
	}

	detail := herr.Detail()
	now := time.Now().UTC()
	ms := duration.Milliseconds()

	if sr.Attempt < sr.MaxAttempts && !run.Status.IsTerminal() && retryable(herr) {
		won, err := e.store.ConditionalUpdateStepRun(ctx, sr.ID,
			[]domain.StepStatus{domain.StepRunning}, domain.StepQueued, domain.StepRunUpdate{
				Error:      &detail,
				DurationMS: &ms,
				AppendLogs: append(a.logs(), "attempt failed: "+herr.Message),
			})
		if err != nil {
			e.logger.Error("requeue step", "run_id", p.RunID, "step_key", p.StepKey, "error", err)
			return
		}
		if !won {
			return
		}

		delay := e.backoff.Delay(sr.Attempt)
		metrics.IncStepRetries()
		e.logger.Info("step retrying",
			"run_id", p.RunID,
			"step_key", p.StepKey,
			"attempt", sr.Attempt,
			"max_attempts", sr.MaxAttempts,
			"delay", delay,
			"error", herr.Message,
		)
		e.publish(ctx, domain.EventStepRetrying, run, p.StepKey, map[string]any{
			"attempt":      sr.Attempt,
			"next_attempt": sr.Attempt + 1,
			"delay_ms":     delay.Milliseconds(),
			"error":        herr.Message,
		})

		sr.Status = domain.StepQueued
		if err := e.dispatcher.DispatchStep(ctx, run, sr, delay); err != nil {
			e.logger.Error("dispatch retry", "run_id", p.RunID, "step_key", p.StepKey, "error", err)
		}
		return
	}

	won, err := e.store.ConditionalUpdateStepRun(ctx, sr.ID,
		[]domain.StepStatus{domain.StepRunning}, domain.StepFailed, domain.StepRunUpdate{
			Error:       &detail,
			DurationMS:  &ms,
			CompletedAt: &now,
			WorkerInfo:  finishedWorker(a, now),
			AppendLogs:  a.logs(),
		})
	if err != nil {
		e.logger.Error("record step failure", "run_id", p.RunID, "step_key", p.StepKey, "error", err)
		return
	}
	if !won {
		return
	}

	metrics.IncStepStatus(string(domain.StepFailed))
	e.logger.Warn("step failed",
		"run_id", p.RunID,
		"step_key", p.StepKey,
		"attempt", sr.Attempt,
		"error", herr.Message,
	)
	e.publish(ctx, domain.EventStepFailed, run, p.StepKey, map[string]any{
		"attempt": sr.Attempt,
		"error":   herr.Message,
	})

	skipped, err := e.dispatcher.ReconcileBlocked(ctx, p.RunID)
	if err != nil {
		e.logger.Error("reconcile blocked steps", "run_id", p.RunID, "error", err)
	}
	for _, key := range skipped {
		metrics.IncStepStatus(string(domain.StepSkipped))
		e.publish(ctx, domain.EventStepSkipped, run, key, map[string]any{"blocked_by": p.StepKey})
	}
	e.checkCompletion(ctx, p.RunID)
}

// unclaim backs out a claim on a step whose run is already terminal. The
// step is canceled with a canceled run; otherwise it returns to QUEUED with
// its attempt restored so a resume can pick it up.
func (e *Engine) unclaim(ctx context.Context, run domain.Run, sr domain.StepRun) {
	to := domain.StepQueued
	attempt := max(sr.Attempt-1, 0)
	upd := domain.StepRunUpdate{Attempt: &attempt}
	if run.Status == domain.RunCanceled {
		now := time.Now().UTC()
		to = domain.StepCanceled
		upd = domain.StepRunUpdate{CompletedAt: &now}
	}
	if _, err := e.store.ConditionalUpdateStepRun(ctx, sr.ID, []domain.StepStatus{domain.StepRunning}, to, upd); err != nil {
		e.logger.Error("unclaim step", "run_id", run.ID, "step_key", sr.StepKey, "error", err)
	}
}

// release hands a step interrupted by shutdown back to QUEUED without
// charging the attempt. The next Start re-dispatches it.
func (e *Engine) release(ctx context.Context, job *queue.Job, a *attempt) {
	p := job.Payload
	sr, err := e.store.GetStepRun(ctx, p.StepRunID)
	if err != nil {
		e.logger.Error("release step: load step run", "run_id", p.RunID, "step_key", p.StepKey, "error", err)
		return
	}
	attempt := max(sr.Attempt-1, 0)
	won, err := e.store.ConditionalUpdateStepRun(ctx, sr.ID,
		[]domain.StepStatus{domain.StepRunning}, domain.StepQueued, domain.StepRunUpdate{
			Attempt:    &attempt,
			AppendLogs: append(a.logs(), "attempt interrupted by shutdown"),
		})
	if err != nil {
		e.logger.Error("release step", "run_id", p.RunID, "step_key", p.StepKey, "error", err)
		return
	}
	if won {
		e.logger.Info("step released at shutdown", "run_id", p.RunID, "step_key", p.StepKey)
	}
}

// toHandlerError normalizes anything a step returned or raised.
func toHandlerError(stepKey string, err error) *domain.HandlerExecutionError {
	var herr *domain.HandlerExecutionError
	if errors.As(err, &herr) {
		if herr.StepKey == "" {
			herr.StepKey = stepKey
		}
		return herr
	}
	var perr *worker.PanicError
	if errors.As(err, &perr) {
		return &domain.HandlerExecutionError{
			StepKey: stepKey,
			Message: fmt.Sprintf("panic: %v", perr.Value),
			Stack:   perr.Stack,
			Err:     err,
		}
	}
	return &domain.HandlerExecutionError{StepKey: stepKey, Message: err.Error(), Err: err}
}

// retryable reports whether another attempt could succeed. Config and type
// errors fail the same way every time.
func retryable(err error) bool {
	return !errors.Is(err, steps.ErrInvalidConfig) && !errors.Is(err, steps.ErrUnknownStepType)
}

func finishedWorker(a *attempt, now time.Time) *domain.WorkerInfo {
	if a == nil {
		return nil
	}
	return &domain.WorkerInfo{WorkerID: a.workerID, StartedAt: a.started, FinishedAt: &now}
}

// runRef is enough of a run to address events without a store read.
func runRef(p queue.StepJobPayload) domain.Run {
	return domain.Run{ID: p.RunID, OrgID: p.OrgID}
}
