// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// JobTypeStep is the job type carrying one playbook step execution.
const JobTypeStep = "playbook.step"

type Job struct {
	ID         uuid.UUID      `json:"id"`
	Type       string         `json:"type"`
	RunID      uuid.UUID      `json:"run_id"`
	Priority   int            `json:"priority"`
	Attempt    int            `json:"attempt"`
	Timeout    time.Duration  `json:"timeout,omitempty"`
	Payload    StepJobPayload `json:"payload"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// StepJobPayload is everything a worker needs to run a step without going
// back to the playbook definition.
type StepJobPayload struct {
	RunID           uuid.UUID                  `json:"run_id"`
	StepRunID       uuid.UUID                  `json:"step_run_id"`
	StepID          uuid.UUID                  `json:"step_id"`
	StepKey         string                     `json:"step_key"`
	OrgID           uuid.UUID                  `json:"org_id"`
	Input           json.RawMessage            `json:"input,omitempty"`
	PreviousOutputs map[string]json.RawMessage `json:"previous_outputs,omitempty"`
	WebhookURL      string                     `json:"webhook_url,omitempty"`
}

// Execution is the per-claim context handed to a handler.
type Execution struct {
	Job       *Job
	WorkerID  string
	Logger    *slog.Logger
	StartedAt time.Time
}

// HandlerFunc executes one job. The context is canceled when the job's run
// is removed, the job times out or the pool is force-stopped.
type HandlerFunc func(ctx context.Context, exec *Execution) (json.RawMessage, error)

// ResultFunc receives every Complete/Fail report. err is nil on success.
type ResultFunc func(ctx context.Context, job *Job, result json.RawMessage, err error)
