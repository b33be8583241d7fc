// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type StepStatus string
type StepType string

const (
	StepQueued    StepStatus = "QUEUED"
	StepWaiting   StepStatus = "WAITING_FOR_DEPENDENCIES"
	StepRunning   StepStatus = "RUNNING"
	StepSucceeded StepStatus = "SUCCEEDED"
	StepFailed    StepStatus = "FAILED"
	StepSkipped   StepStatus = "SKIPPED"
	StepCanceled  StepStatus = "CANCELED"
)

// ActiveStepStatuses are the statuses a run can still make progress from.
var ActiveStepStatuses = []StepStatus{StepQueued, StepWaiting, StepRunning}

func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepSkipped, StepCanceled:
		return true
	default:
		return false
	}
}

type WorkerInfo struct {
	WorkerID   string     `json:"worker_id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// StepRun is the execution record of one step within a run. The step
// definition (type, config, dependencies) is copied in at creation time.
type StepRun struct {
	ID          uuid.UUID       `json:"id"`
	RunID       uuid.UUID       `json:"run_id"`
	StepID      uuid.UUID       `json:"step_id"`
	StepKey     string          `json:"step_key"`
	StepType    StepType        `json:"step_type"`
	Config      json.RawMessage `json:"config,omitempty"`
	DependsOn   []string        `json:"depends_on,omitempty"`
	Position    int             `json:"position"`
	Status      StepStatus      `json:"status"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts"`
	Timeout     time.Duration   `json:"timeout,omitempty"`
	DurationMS  int64           `json:"duration_ms,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	WorkerInfo  *WorkerInfo     `json:"worker_info,omitempty"`
	Logs        []string        `json:"logs,omitempty"`
}

// StepRunUpdate lists the fields written alongside a conditional status
// change. Nil fields are left untouched.
type StepRunUpdate struct {
	Input       json.RawMessage
	Output      json.RawMessage
	Error       *string
	Attempt     *int
	BumpAttempt bool
	DurationMS  *int64
	StartedAt   *time.Time
	CompletedAt *time.Time
	WorkerInfo  *WorkerInfo
	AppendLogs  []string

	// ClearResult resets output, error, completed_at and worker info.
	ClearResult bool
}
