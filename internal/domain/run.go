// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type RunStatus string

const (
	RunPending   RunStatus = "PENDING"
	RunRunning   RunStatus = "RUNNING"
	RunSucceeded RunStatus = "SUCCEEDED"
	RunFailed    RunStatus = "FAILED"
	RunCanceled  RunStatus = "CANCELED"
)

// IsTerminal reports whether no further step events may mutate the run.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCanceled:
		return true
	default:
		return false
	}
}

type Run struct {
	ID          uuid.UUID       `json:"id"`
	PlaybookID  uuid.UUID       `json:"playbook_id"`
	OrgID       uuid.UUID       `json:"org_id"`
	Actor       string          `json:"actor,omitempty"`
	Status      RunStatus       `json:"status"`
	Priority    int             `json:"priority"`
	Input       json.RawMessage `json:"input,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	WebhookURL  string          `json:"webhook_url,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// RunUpdate lists the fields written alongside a conditional status change.
// Nil fields are left untouched.
type RunUpdate struct {
	Output      json.RawMessage
	Error       *string
	StartedAt   *time.Time
	CompletedAt *time.Time

	// ClearCompletion resets completed_at, output and error (resume).
	ClearCompletion bool
}
