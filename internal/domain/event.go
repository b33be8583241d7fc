// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventRunCreated    EventType = "run.created"
	EventRunStarted    EventType = "run.started"
	EventRunSucceeded  EventType = "run.succeeded"
	EventRunFailed     EventType = "run.failed"
	EventRunCanceled   EventType = "run.canceled"
	EventRunResumed    EventType = "run.resumed"
	EventStepUpdated   EventType = "step.updated"
	EventStepCompleted EventType = "step.completed"
	EventStepFailed    EventType = "step.failed"
	EventStepRetrying  EventType = "step.retrying"
	EventStepSkipped   EventType = "step.skipped"
)

type Event struct {
	ID        uuid.UUID       `json:"id"`
	Type      EventType       `json:"type"`
	RunID     uuid.UUID       `json:"run_id"`
	OrgID     uuid.UUID       `json:"org_id"`
	StepKey   string          `json:"step_key,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventRecord is an event as stored in the event log, with its cursor.
type EventRecord struct {
	Seq int64 `json:"seq"`
	Event
}
