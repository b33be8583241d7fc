// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/adiadia/playbook-runtime/internal/domain"
	"github.com/adiadia/playbook-runtime/internal/metrics"
)

// Recover re-dispatches the work of active runs that no queue job covers.
// QUEUED steps are enqueued again. A RUNNING step whose lease (its timeout
// plus ReclaimAfter) has expired goes back to QUEUED, or to FAILED when it
// was on its last attempt. WAITING steps whose dependencies all succeeded
// are promoted. Each run then gets the blocked-step pass and a completion
// check. It returns the number of steps dispatched.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	runs, err := e.store.ListActiveRuns(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active runs: %w", err)
	}

	now := time.Now().UTC()
	total := 0
	var errs []error
	for _, run := range runs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		// A young PENDING run is still being set up by ExecutePlaybook.
		if run.Status == domain.RunPending && now.Sub(run.CreatedAt) < e.reclaimAfter {
			continue
		}
		n, err := e.recoverRun(ctx, run, now)
		total += n
		if err != nil {
			errs = append(errs, fmt.Errorf("run %s: %w", run.ID, err))
		}
	}

	if total > 0 {
		e.logger.Info("active runs recovered", "runs", len(runs), "steps_dispatched", total)
	}
	return total, errors.Join(errs...)
}

func (e *Engine) recoverLoop(ctx context.Context) {
	defer e.recoverWG.Done()
	ticker := time.NewTicker(e.recoverEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Recover(ctx); err != nil && ctx.Err() == nil {
				e.logger.Error("recover active runs", "error", err)
			}
		}
	}
}

func (e *Engine) recoverRun(ctx context.Context, run domain.Run, now time.Time) (int, error) {
	stepRuns, err := e.store.GetStepRuns(ctx, run.ID)
	if err != nil {
		return 0, fmt.Errorf("load step runs: %w", err)
	}
	if len(stepRuns) == 0 {
		return 0, nil
	}
	byKey := make(map[string]domain.StepRun, len(stepRuns))
	for _, sr := range stepRuns {
		byKey[sr.StepKey] = sr
	}

	var ready []domain.StepRun
	for _, sr := range stepRuns {
		if e.queue.HasStep(run.ID, sr.ID) {
			continue
		}
		switch sr.Status {
		case domain.StepQueued:
			ready = append(ready, sr)

		case domain.StepRunning:
			if !e.leaseExpired(sr, now) {
				continue
			}
			requeued, err := e.reclaim(ctx, run, sr)
			if err != nil {
				return 0, err
			}
			if requeued {
				sr.Status = domain.StepQueued
				ready = append(ready, sr)
			}

		case domain.StepWaiting:
			if !dependenciesSucceeded(byKey, sr) {
				continue
			}
			won, err := e.store.ConditionalUpdateStepRun(ctx, sr.ID,
				[]domain.StepStatus{domain.StepWaiting}, domain.StepQueued, domain.StepRunUpdate{})
			if err != nil {
				return 0, fmt.Errorf("queue %s: %w", sr.StepKey, err)
			}
			if won {
				sr.Status = domain.StepQueued
				ready = append(ready, sr)
			}
		}
	}

	if len(ready) > 0 && run.Status == domain.RunPending {
		run = e.markRunning(ctx, run)
	}

	dispatched := 0
	var errs []error
	for _, sr := range ready {
		if err := e.dispatcher.DispatchStep(ctx, run, sr, 0); err != nil {
			errs = append(errs, fmt.Errorf("dispatch %s: %w", sr.StepKey, err))
			continue
		}
		dispatched++
		e.logger.Debug("step recovered", "run_id", run.ID, "step_key", sr.StepKey, "attempt", sr.Attempt)
	}

	skipped, err := e.dispatcher.ReconcileBlocked(ctx, run.ID)
	if err != nil {
		errs = append(errs, err)
	}
	for _, key := range skipped {
		metrics.IncStepStatus(string(domain.StepSkipped))
		e.publish(ctx, domain.EventStepSkipped, run, key, nil)
	}
	e.checkCompletion(ctx, run.ID)

	return dispatched, errors.Join(errs...)
}

// reclaim takes back a RUNNING step whose worker is gone. The lost attempt
// counts, so a step on its last attempt fails instead.
func (e *Engine) reclaim(ctx context.Context, run domain.Run, sr domain.StepRun) (bool, error) {
	if sr.Attempt < sr.MaxAttempts {
		won, err := e.store.ConditionalUpdateStepRun(ctx, sr.ID,
			[]domain.StepStatus{domain.StepRunning}, domain.StepQueued, domain.StepRunUpdate{
				AppendLogs: []string{fmt.Sprintf("attempt %d reclaimed after its lease expired", sr.Attempt)},
			})
		if err != nil {
			return false, fmt.Errorf("reclaim %s: %w", sr.StepKey, err)
		}
		if won {
			e.logger.Warn("step reclaimed",
				"run_id", run.ID,
				"step_key", sr.StepKey,
				"attempt", sr.Attempt,
				"started_at", sr.StartedAt,
			)
		}
		return won, nil
	}

	now := time.Now().UTC()
	msg := fmt.Sprintf("worker lost during attempt %d of %d", sr.Attempt, sr.MaxAttempts)
	won, err := e.store.ConditionalUpdateStepRun(ctx, sr.ID,
		[]domain.StepStatus{domain.StepRunning}, domain.StepFailed, domain.StepRunUpdate{
			Error:       &msg,
			CompletedAt: &now,
		})
	if err != nil {
		return false, fmt.Errorf("fail %s: %w", sr.StepKey, err)
	}
	if won {
		metrics.IncStepStatus(string(domain.StepFailed))
		e.logger.Warn("step failed", "run_id", run.ID, "step_key", sr.StepKey, "attempt", sr.Attempt, "error", msg)
		e.publish(ctx, domain.EventStepFailed, run, sr.StepKey, map[string]any{
			"attempt": sr.Attempt,
			"error":   msg,
		})
	}
	return false, nil
}

func (e *Engine) leaseExpired(sr domain.StepRun, now time.Time) bool {
	if sr.StartedAt == nil {
		return true
	}
	timeout := sr.Timeout
	if timeout <= 0 {
		timeout = e.stepTimeout
	}
	return now.Sub(*sr.StartedAt) > timeout+e.reclaimAfter
}

func dependenciesSucceeded(byKey map[string]domain.StepRun, sr domain.StepRun) bool {
	for _, dep := range sr.DependsOn {
		if byKey[dep].Status != domain.StepSucceeded {
			return false
		}
	}
	return true
}
