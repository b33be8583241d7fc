// SPDX-License-Identifier: Apache-2.0

package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/adiadia/playbook-runtime/internal/dispatch"
	"github.com/adiadia/playbook-runtime/internal/domain"
	"github.com/adiadia/playbook-runtime/internal/metrics"
	"github.com/adiadia/playbook-runtime/internal/playbook"
	"github.com/adiadia/playbook-runtime/internal/quota"
	"github.com/adiadia/playbook-runtime/internal/webhook"
	"github.com/google/uuid"
)

var activeRun = []domain.RunStatus{domain.RunPending, domain.RunRunning}

// ExecutePlaybook creates a run of the playbook for orgID and dispatches its
// root steps. Nothing is persisted when the playbook is missing, inactive,
// invalid or over quota.
func (e *Engine) ExecutePlaybook(ctx context.Context, playbookID, orgID uuid.UUID, actor string, opts ExecuteOptions) (uuid.UUID, error) {
	pb, err := e.playbooks.GetPlaybook(ctx, playbookID)
	if err != nil {
		if errors.Is(err, domain.ErrPlaybookNotFound) {
			return uuid.Nil, err
		}
		return uuid.Nil, fmt.Errorf("load playbook: %w", err)
	}
	// Playbooks owned by another org are invisible.
	if pb.OrgID != uuid.Nil && pb.OrgID != orgID {
		return uuid.Nil, domain.ErrPlaybookNotFound
	}
	if pb.Status != domain.PlaybookActive {
		return uuid.Nil, fmt.Errorf("%w: status %s", domain.ErrPlaybookNotActive, pb.Status)
	}

	pb, err = playbook.Normalize(pb)
	if err != nil {
		return uuid.Nil, err
	}
	if err := playbook.CheckTypes(pb, e.KnownStepType); err != nil {
		return uuid.Nil, err
	}
	if err := validateOptions(opts); err != nil {
		return uuid.Nil, err
	}

	usage := quota.Usage{Runs: 1, Steps: len(pb.Steps)}
	if e.quota != nil {
		if err := e.quota.EnforceQuota(ctx, orgID, usage); err != nil {
			return uuid.Nil, err
		}
	}

	input := opts.Input
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	run := domain.Run{
		ID:         uuid.New(),
		PlaybookID: pb.ID,
		OrgID:      orgID,
		Actor:      actor,
		Status:     domain.RunPending,
		Priority:   opts.Priority,
		Input:      input,
		WebhookURL: opts.WebhookURL,
		CreatedAt:  time.Now().UTC(),
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return uuid.Nil, fmt.Errorf("create run: %w", err)
	}

	stepRuns := make([]domain.StepRun, 0, len(pb.Steps))
	for i, s := range pb.Steps {
		sr := domain.StepRun{
			ID:          uuid.New(),
			RunID:       run.ID,
			StepID:      s.ID,
			StepKey:     s.Key,
			StepType:    s.Type,
			Config:      s.Config,
			DependsOn:   s.DependsOn,
			Position:    i,
			Status:      domain.StepQueued,
			Input:       input,
			MaxAttempts: s.MaxAttempts,
			Timeout:     s.Timeout,
		}
		if len(s.DependsOn) > 0 {
			sr.Status = domain.StepWaiting
		}
		if sr.MaxAttempts <= 0 {
			sr.MaxAttempts = e.maxAttempts
		}
		if sr.Timeout <= 0 {
			sr.Timeout = e.stepTimeout
		}
		stepRuns = append(stepRuns, sr)
	}
	if err := e.store.CreateStepRuns(ctx, stepRuns); err != nil {
		e.failRun(ctx, run.ID, "create step runs: "+err.Error())
		return uuid.Nil, fmt.Errorf("create step runs: %w", err)
	}

	e.logger.Info("run created",
		"run_id", run.ID,
		"playbook_id", pb.ID,
		"org_id", orgID,
		"steps", len(stepRuns),
		"ordering", pb.Ordering,
	)
	e.publish(ctx, domain.EventRunCreated, run, "", map[string]any{
		"playbook_id": pb.ID,
		"actor":       actor,
		"steps":       len(stepRuns),
	})
	metrics.IncRunStatus(string(domain.RunPending))

	if e.quota != nil {
		_ = e.quota.RecordUsage(ctx, orgID, run.ID, usage)
	}

	return run.ID, e.startRun(ctx, run)
}

// startRun dispatches the root steps of a new run and marks it RUNNING. A
// run that cannot be dispatched, including one without root steps, is
// failed through failRun.
func (e *Engine) startRun(ctx context.Context, run domain.Run) error {
	if err := e.dispatcher.DispatchPlaybookRun(ctx, run.ID, dispatch.Options{Priority: run.Priority}); err != nil {
		e.failRun(ctx, run.ID, "dispatch: "+err.Error())
		return fmt.Errorf("dispatch run: %w", err)
	}
	e.markRunning(ctx, run)
	return nil
}

// markRunning moves a PENDING run to RUNNING. Only the winner publishes.
func (e *Engine) markRunning(ctx context.Context, run domain.Run) domain.Run {
	now := time.Now().UTC()
	won, err := e.store.ConditionalUpdateRunStatus(ctx, run.ID,
		[]domain.RunStatus{domain.RunPending}, domain.RunRunning, domain.RunUpdate{StartedAt: &now})
	if err != nil {
		e.logger.Error("mark run running", "run_id", run.ID, "error", err)
		return run
	}
	if won {
		run.Status = domain.RunRunning
		run.StartedAt = &now
		metrics.IncRunStatus(string(domain.RunRunning))
		e.publish(ctx, domain.EventRunStarted, run, "", nil)
	}
	return run
}

// GetExecutionStatus returns the run, its step runs and a progress summary.
func (e *Engine) GetExecutionStatus(ctx context.Context, runID uuid.UUID) (ExecutionStatus, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return ExecutionStatus{}, err
	}
	stepRuns, err := e.store.GetStepRuns(ctx, runID)
	if err != nil {
		return ExecutionStatus{}, fmt.Errorf("load step runs: %w", err)
	}
	return ExecutionStatus{
		Run:      run,
		Steps:    stepRuns,
		Progress: progressOf(stepRuns),
	}, nil
}

func progressOf(stepRuns []domain.StepRun) Progress {
	p := Progress{Total: len(stepRuns)}
	for _, sr := range stepRuns {
		switch sr.Status {
		case domain.StepSucceeded, domain.StepSkipped:
			p.Completed++
		case domain.StepFailed:
			p.Failed++
		case domain.StepCanceled:
			p.Canceled++
		default:
			p.Pending++
		}
	}
	return p
}

// CancelExecution cancels a non-terminal run. A run that is already terminal
// is returned together with an error wrapping domain.ErrRunTerminal.
func (e *Engine) CancelExecution(ctx context.Context, runID uuid.UUID) (domain.Run, error) {
	run, err := e.dispatcher.CancelPlaybookRun(ctx, runID)
	if err != nil {
		return run, err
	}
	metrics.IncRunStatus(string(domain.RunCanceled))
	e.publish(ctx, domain.EventRunCanceled, run, "", nil)
	e.notify(run)
	return run, nil
}

// ResumeExecution re-queues the FAILED steps of a RUNNING or FAILED run,
// and re-dispatches QUEUED steps that no queue job covers. It returns how
// many steps were re-queued. SKIPPED steps go back to waiting on their
// dependencies. The run is reopened only after its steps are reset, so a
// completion check racing the reset cannot leave it FAILED.
func (e *Engine) ResumeExecution(ctx context.Context, runID uuid.UUID) (int, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return 0, err
	}
	if run.Status != domain.RunRunning && run.Status != domain.RunFailed {
		return 0, fmt.Errorf("%w: status %s", domain.ErrInvalidResumeState, run.Status)
	}

	stepRuns, err := e.store.GetStepRuns(ctx, runID)
	if err != nil {
		return 0, fmt.Errorf("load step runs: %w", err)
	}
	var failed, orphaned []domain.StepRun
	for _, sr := range stepRuns {
		switch {
		case sr.Status == domain.StepFailed:
			failed = append(failed, sr)
		case sr.Status == domain.StepQueued && !e.queue.HasStep(runID, sr.ID):
			orphaned = append(orphaned, sr)
		}
	}
	if len(failed) == 0 && len(orphaned) == 0 {
		return 0, nil
	}

	byKey := make(map[string]domain.StepRun, len(stepRuns))
	for _, sr := range stepRuns {
		byKey[sr.StepKey] = sr
	}

	zero := 0
	var reset []string
	toQueue := orphaned
	for _, sr := range failed {
		to := domain.StepWaiting
		if dependenciesSucceeded(byKey, sr) {
			to = domain.StepQueued
		}
		won, err := e.store.ConditionalUpdateStepRun(ctx, sr.ID,
			[]domain.StepStatus{domain.StepFailed}, to, domain.StepRunUpdate{Attempt: &zero, ClearResult: true})
		if err != nil {
			return 0, fmt.Errorf("reset %s: %w", sr.StepKey, err)
		}
		if !won {
			continue
		}
		reset = append(reset, sr.StepKey)
		if to == domain.StepQueued {
			sr.Status = domain.StepQueued
			sr.Attempt = 0
			toQueue = append(toQueue, sr)
		}
	}
	if len(failed) > 0 {
		for _, sr := range stepRuns {
			if sr.Status != domain.StepSkipped {
				continue
			}
			if _, err := e.store.ConditionalUpdateStepRun(ctx, sr.ID,
				[]domain.StepStatus{domain.StepSkipped}, domain.StepWaiting, domain.StepRunUpdate{ClearResult: true}); err != nil {
				return 0, fmt.Errorf("reset %s: %w", sr.StepKey, err)
			}
		}
	}

	// A completion check may have finalized the run while the steps were
	// being reset; reopening covers both states.
	won, err := e.store.ConditionalUpdateRunStatus(ctx, runID,
		[]domain.RunStatus{domain.RunRunning, domain.RunFailed}, domain.RunRunning, domain.RunUpdate{ClearCompletion: true})
	if err != nil {
		return 0, fmt.Errorf("reopen run: %w", err)
	}
	if !won {
		return 0, fmt.Errorf("%w: run changed state concurrently", domain.ErrInvalidResumeState)
	}
	if run, err = e.store.GetRun(ctx, runID); err != nil {
		return 0, fmt.Errorf("reload run: %w", err)
	}

	for _, sr := range toQueue {
		if err := e.dispatcher.DispatchStep(ctx, run, sr, 0); err != nil {
			return 0, fmt.Errorf("dispatch %s: %w", sr.StepKey, err)
		}
	}

	n := len(reset) + len(orphaned)
	e.logger.Info("run resumed", "run_id", runID, "reset", reset, "redispatched", len(orphaned))
	e.publish(ctx, domain.EventRunResumed, run, "", map[string]any{
		"reset":        reset,
		"redispatched": len(orphaned),
	})
	return n, nil
}

// checkCompletion finalizes the run once every step run is terminal. Only
// the caller whose conditional update wins publishes and notifies.
func (e *Engine) checkCompletion(ctx context.Context, runID uuid.UUID) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		e.logger.Error("completion check: load run", "run_id", runID, "error", err)
		return
	}
	if run.Status.IsTerminal() {
		return
	}
	stepRuns, err := e.store.GetStepRuns(ctx, runID)
	if err != nil {
		e.logger.Error("completion check: load step runs", "run_id", runID, "error", err)
		return
	}

	var failed []string
	outputs := make(map[string]json.RawMessage)
	for _, sr := range stepRuns {
		if !sr.Status.IsTerminal() {
			return
		}
		switch sr.Status {
		case domain.StepSucceeded:
			out := sr.Output
			if len(out) == 0 {
				out = json.RawMessage(`null`)
			}
			outputs[sr.StepKey] = out
		case domain.StepFailed:
			failed = append(failed, sr.StepKey)
		}
	}

	output, err := json.Marshal(outputs)
	if err != nil {
		e.logger.Error("completion check: marshal output", "run_id", runID, "error", err)
		output = json.RawMessage(`{}`)
	}

	now := time.Now().UTC()
	upd := domain.RunUpdate{Output: output, CompletedAt: &now}
	if run.StartedAt == nil {
		upd.StartedAt = &now
	}
	to := domain.RunSucceeded
	if len(failed) > 0 {
		sort.Strings(failed)
		msg := fmt.Sprintf("%d step(s) failed: %s", len(failed), strings.Join(failed, ", "))
		upd.Error = &msg
		to = domain.RunFailed
	}

	won, err := e.store.ConditionalUpdateRunStatus(ctx, runID, activeRun, to, upd)
	if err != nil {
		e.logger.Error("completion check: update run", "run_id", runID, "error", err)
		return
	}
	if !won {
		return
	}

	run, err = e.store.GetRun(ctx, runID)
	if err != nil {
		e.logger.Error("completion check: reload run", "run_id", runID, "error", err)
		return
	}

	e.logger.Info("run finished", "run_id", runID, "status", run.Status, "failed_steps", failed)
	metrics.IncRunStatus(string(run.Status))
	evType := domain.EventRunSucceeded
	if run.Status == domain.RunFailed {
		evType = domain.EventRunFailed
	}
	e.publish(ctx, evType, run, "", map[string]any{"failed_steps": failed})
	e.notify(run)
}

// failRun marks a run FAILED outside the normal completion path, e.g. when
// its steps could not be created or dispatched.
func (e *Engine) failRun(ctx context.Context, runID uuid.UUID, reason string) {
	ctx = context.WithoutCancel(ctx)
	now := time.Now().UTC()
	won, err := e.store.ConditionalUpdateRunStatus(ctx, runID, activeRun, domain.RunFailed, domain.RunUpdate{
		Error:       &reason,
		CompletedAt: &now,
	})
	if err != nil {
		e.logger.Error("mark run failed", "run_id", runID, "error", err)
		return
	}
	if !won {
		return
	}
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return
	}
	metrics.IncRunStatus(string(domain.RunFailed))
	e.publish(ctx, domain.EventRunFailed, run, "", map[string]any{"reason": reason})
	e.notify(run)
}

// notify delivers the terminal webhook in the background.
func (e *Engine) notify(run domain.Run) {
	if run.WebhookURL == "" || e.webhooks == nil {
		return
	}
	e.notifyWG.Add(1)
	go func() {
		defer e.notifyWG.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.webhookTimeout)
		defer cancel()
		if err := e.webhooks.Send(ctx, run.WebhookURL, webhook.NewTerminalPayload(run)); err != nil {
			e.logger.Warn("terminal webhook failed",
				"run_id", run.ID,
				"status", run.Status,
				"error", err,
			)
		}
	}()
}

// KnownStepType reports whether a handler is registered for t.
func (e *Engine) KnownStepType(t domain.StepType) bool {
	_, ok := e.handlers.Get(t)
	return ok
}

func validateOptions(opts ExecuteOptions) error {
	if len(opts.Input) > 0 && !json.Valid(opts.Input) {
		return &domain.ValidationError{Field: "input", Reason: "must be valid JSON"}
	}
	if opts.WebhookURL != "" {
		u, err := url.Parse(opts.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return &domain.ValidationError{Field: "webhook_url", Reason: "must be an absolute http(s) URL"}
		}
	}
	return nil
}
