// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type PlaybookStatus string

const (
	PlaybookActive   PlaybookStatus = "ACTIVE"
	PlaybookDraft    PlaybookStatus = "DRAFT"
	PlaybookArchived PlaybookStatus = "ARCHIVED"
)

// Ordering decides how step dependencies are derived.
type Ordering string

const (
	// OrderingSequential chains every step to the one before it.
	OrderingSequential Ordering = "sequential"
	// OrderingGraph uses the explicit depends_on edges only.
	OrderingGraph Ordering = "graph"
)

type Playbook struct {
	ID       uuid.UUID        `json:"id" yaml:"id"`
	OrgID    uuid.UUID        `json:"org_id" yaml:"org_id"`
	Name     string           `json:"name" yaml:"name"`
	Status   PlaybookStatus   `json:"status" yaml:"status"`
	Ordering Ordering         `json:"ordering,omitempty" yaml:"ordering,omitempty"`
	Steps    []StepDefinition `json:"steps" yaml:"steps"`
}

type StepDefinition struct {
	ID          uuid.UUID       `json:"id" yaml:"id"`
	Key         string          `json:"key" yaml:"key"`
	Type        StepType        `json:"type" yaml:"type"`
	Config      json.RawMessage `json:"config,omitempty" yaml:"-"`
	DependsOn   []string        `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	MaxAttempts int             `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	Timeout     time.Duration   `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}
