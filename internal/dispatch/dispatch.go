// SPDX-License-Identifier: Apache-2.0

// Package dispatch decides which steps of a run are ready and hands them to
// the job queue.
//
// Readiness is arbitrated by conditional updates: a step moves
// WAITING_FOR_DEPENDENCIES -> QUEUED in the store first, and only the caller
// whose update won enqueues the job.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/adiadia/playbook-runtime/internal/domain"
	"github.com/adiadia/playbook-runtime/internal/queue"
	"github.com/google/uuid"
)

type Store interface {
	GetRun(ctx context.Context, runID uuid.UUID) (domain.Run, error)
	ConditionalUpdateRunStatus(ctx context.Context, runID uuid.UUID, from []domain.RunStatus, to domain.RunStatus, upd domain.RunUpdate) (bool, error)
	GetStepRuns(ctx context.Context, runID uuid.UUID) ([]domain.StepRun, error)
	ConditionalUpdateStepRun(ctx context.Context, stepRunID uuid.UUID, from []domain.StepStatus, to domain.StepStatus, upd domain.StepRunUpdate) (bool, error)
}

type Queue interface {
	Enqueue(job *queue.Job, priority int) error
	EnqueueAfter(job *queue.Job, priority int, delay time.Duration) error
	RemoveRun(runID uuid.UUID) int
}

type Options struct {
	Priority int
}

type Deps struct {
	Store  Store
	Queue  Queue
	Logger *slog.Logger
}

type Dispatcher struct {
	store  Store
	queue  Queue
	logger *slog.Logger
}

func New(deps Deps) *Dispatcher {
	l := deps.Logger
	if l == nil {
		l = slog.Default()
	}
	return &Dispatcher{
		store:  deps.Store,
		queue:  deps.Queue,
		logger: l,
	}
}

var activeRun = []domain.RunStatus{domain.RunPending, domain.RunRunning}

// DispatchPlaybookRun enqueues every QUEUED root step of a new run. A run
// without roots cannot make progress; ErrInvalidGraph is returned and the
// caller fails the run.
func (d *Dispatcher) DispatchPlaybookRun(ctx context.Context, runID uuid.UUID, opts Options) error {
	run, err := d.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.IsTerminal() {
		return domain.ErrRunTerminal
	}

	stepRuns, err := d.store.GetStepRuns(ctx, runID)
	if err != nil {
		return fmt.Errorf("load step runs: %w", err)
	}

	var roots []domain.StepRun
	for _, sr := range stepRuns {
		if len(sr.DependsOn) == 0 {
			roots = append(roots, sr)
		}
	}

	if len(roots) == 0 {
		return fmt.Errorf("%w: run %s has no root steps", domain.ErrInvalidGraph, runID)
	}

	var errs []error
	for _, sr := range roots {
		if sr.Status != domain.StepQueued {
			continue
		}
		if err := d.queue.Enqueue(jobFor(run, sr, nil), opts.Priority); err != nil {
			errs = append(errs, fmt.Errorf("enqueue %s: %w", sr.StepKey, err))
			continue
		}
		d.logger.Debug("root step dispatched", "run_id", runID, "step_key", sr.StepKey)
	}
	return errors.Join(errs...)
}

// DispatchDependentSteps enqueues the dependents of completedKey whose
// dependencies have all succeeded. It returns the keys it dispatched.
func (d *Dispatcher) DispatchDependentSteps(ctx context.Context, runID uuid.UUID, completedKey string) ([]string, error) {
	run, err := d.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.IsTerminal() {
		return nil, nil
	}

	stepRuns, err := d.store.GetStepRuns(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("load step runs: %w", err)
	}
	byKey := indexByKey(stepRuns)

	var (
		dispatched []string
		errs       []error
	)
	for _, sr := range stepRuns {
		if sr.Status != domain.StepWaiting || !slices.Contains(sr.DependsOn, completedKey) {
			continue
		}
		if !dependenciesSucceeded(byKey, sr) {
			continue
		}
		won, err := d.store.ConditionalUpdateStepRun(ctx, sr.ID,
			[]domain.StepStatus{domain.StepWaiting}, domain.StepQueued, domain.StepRunUpdate{})
		if err != nil {
			errs = append(errs, fmt.Errorf("queue %s: %w", sr.StepKey, err))
			continue
		}
		if !won {
			continue
		}
		sr.Status = domain.StepQueued
		if err := d.queue.Enqueue(jobFor(run, sr, ancestorOutputs(byKey, sr)), run.Priority); err != nil {
			errs = append(errs, fmt.Errorf("enqueue %s: %w", sr.StepKey, err))
			continue
		}
		dispatched = append(dispatched, sr.StepKey)
	}

	if len(dispatched) > 0 {
		d.logger.Debug("dependent steps dispatched",
			"run_id", runID,
			"completed", completedKey,
			"dispatched", dispatched,
		)
	}
	return dispatched, errors.Join(errs...)
}

// DispatchStep enqueues a single QUEUED step run after delay. Used for
// retries and resume.
func (d *Dispatcher) DispatchStep(ctx context.Context, run domain.Run, sr domain.StepRun, delay time.Duration) error {
	stepRuns, err := d.store.GetStepRuns(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("load step runs: %w", err)
	}
	job := jobFor(run, sr, ancestorOutputs(indexByKey(stepRuns), sr))
	if delay > 0 {
		return d.queue.EnqueueAfter(job, run.Priority, delay)
	}
	return d.queue.Enqueue(job, run.Priority)
}

// CancelPlaybookRun cancels the run, every non-terminal step run and any
// queued or in-flight job of the run. It returns the canceled run.
func (d *Dispatcher) CancelPlaybookRun(ctx context.Context, runID uuid.UUID) (domain.Run, error) {
	now := time.Now().UTC()
	msg := "canceled"
	won, err := d.store.ConditionalUpdateRunStatus(ctx, runID, activeRun, domain.RunCanceled, domain.RunUpdate{
		Error:       &msg,
		CompletedAt: &now,
	})
	if err != nil {
		return domain.Run{}, err
	}
	if !won {
		run, err := d.store.GetRun(ctx, runID)
		if err != nil {
			return domain.Run{}, err
		}
		return run, fmt.Errorf("%w: status %s", domain.ErrRunTerminal, run.Status)
	}

	stepRuns, err := d.store.GetStepRuns(ctx, runID)
	if err != nil {
		return domain.Run{}, fmt.Errorf("load step runs: %w", err)
	}
	for _, sr := range stepRuns {
		if sr.Status.IsTerminal() {
			continue
		}
		if _, err := d.store.ConditionalUpdateStepRun(ctx, sr.ID, domain.ActiveStepStatuses, domain.StepCanceled, domain.StepRunUpdate{
			CompletedAt: &now,
		}); err != nil {
			d.logger.Error("cancel step run", "run_id", runID, "step_key", sr.StepKey, "error", err)
		}
	}

	removed := d.queue.RemoveRun(runID)
	d.logger.Info("run canceled", "run_id", runID, "jobs_removed", removed)

	return d.store.GetRun(ctx, runID)
}

// ReconcileBlocked marks WAITING steps that can never run (a dependency
// FAILED, was SKIPPED or CANCELED) as SKIPPED, to a fixpoint. Independent
// branches are untouched. It returns the skipped keys.
func (d *Dispatcher) ReconcileBlocked(ctx context.Context, runID uuid.UUID) ([]string, error) {
	var skipped []string
	for {
		stepRuns, err := d.store.GetStepRuns(ctx, runID)
		if err != nil {
			return skipped, fmt.Errorf("load step runs: %w", err)
		}
		byKey := indexByKey(stepRuns)

		changed := false
		for _, sr := range stepRuns {
			if sr.Status != domain.StepWaiting {
				continue
			}
			blocker, ok := blockedBy(byKey, sr)
			if !ok {
				continue
			}
			now := time.Now().UTC()
			reason := fmt.Sprintf("dependency %s %s", blocker.StepKey, blocker.Status)
			won, err := d.store.ConditionalUpdateStepRun(ctx, sr.ID,
				[]domain.StepStatus{domain.StepWaiting}, domain.StepSkipped, domain.StepRunUpdate{
					Error:       &reason,
					CompletedAt: &now,
				})
			if err != nil {
				return skipped, fmt.Errorf("skip %s: %w", sr.StepKey, err)
			}
			if won {
				skipped = append(skipped, sr.StepKey)
				changed = true
			}
		}
		if !changed {
			return skipped, nil
		}
	}
}

func jobFor(run domain.Run, sr domain.StepRun, previous map[string]json.RawMessage) *queue.Job {
	input := sr.Input
	if len(input) == 0 {
		input = run.Input
	}
	return &queue.Job{
		ID:       uuid.New(),
		Type:     queue.JobTypeStep,
		RunID:    run.ID,
		Priority: run.Priority,
		Attempt:  sr.Attempt,
		Timeout:  sr.Timeout,
		Payload: queue.StepJobPayload{
			RunID:           run.ID,
			StepRunID:       sr.ID,
			StepID:          sr.StepID,
			StepKey:         sr.StepKey,
			OrgID:           run.OrgID,
			Input:           input,
			PreviousOutputs: previous,
			WebhookURL:      run.WebhookURL,
		},
	}
}

func indexByKey(stepRuns []domain.StepRun) map[string]domain.StepRun {
	out := make(map[string]domain.StepRun, len(stepRuns))
	for _, sr := range stepRuns {
		out[sr.StepKey] = sr
	}
	return out
}

func dependenciesSucceeded(byKey map[string]domain.StepRun, sr domain.StepRun) bool {
	for _, dep := range sr.DependsOn {
		if byKey[dep].Status != domain.StepSucceeded {
			return false
		}
	}
	return true
}

func blockedBy(byKey map[string]domain.StepRun, sr domain.StepRun) (domain.StepRun, bool) {
	for _, dep := range sr.DependsOn {
		parent, ok := byKey[dep]
		if !ok {
			continue
		}
		switch parent.Status {
		case domain.StepFailed, domain.StepSkipped, domain.StepCanceled:
			return parent, true
		}
	}
	return domain.StepRun{}, false
}

// ancestorOutputs collects the outputs of every SUCCEEDED transitive
// ancestor of sr, keyed by step key.
func ancestorOutputs(byKey map[string]domain.StepRun, sr domain.StepRun) map[string]json.RawMessage {
	out := make(map[string]json.RawMessage)
	seen := make(map[string]bool)
	stack := append([]string(nil), sr.DependsOn...)
	for len(stack) > 0 {
		key := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[key] {
			continue
		}
		seen[key] = true
		parent, ok := byKey[key]
		if !ok {
			continue
		}
		if parent.Status == domain.StepSucceeded {
			out[key] = parent.Output
		}
		stack = append(stack, parent.DependsOn...)
	}
	return out
}
