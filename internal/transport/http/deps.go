// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"

	"github.com/adiadia/playbook-runtime/internal/auth"
	"github.com/adiadia/playbook-runtime/internal/domain"
	"github.com/adiadia/playbook-runtime/internal/engine"
	"github.com/adiadia/playbook-runtime/internal/worker"
	"github.com/google/uuid"
)

// Executor is the slice of the engine the API drives.
type Executor interface {
	ExecutePlaybook(ctx context.Context, playbookID, orgID uuid.UUID, actor string, opts engine.ExecuteOptions) (uuid.UUID, error)
	GetExecutionStatus(ctx context.Context, runID uuid.UUID) (engine.ExecutionStatus, error)
	CancelExecution(ctx context.Context, runID uuid.UUID) (domain.Run, error)
	ResumeExecution(ctx context.Context, runID uuid.UUID) (int, error)
	KnownStepType(t domain.StepType) bool
	Stats() worker.Stats
	EventsDropped() int64
}

type RunLister interface {
	ListRuns(ctx context.Context, orgID uuid.UUID, limit int) ([]domain.Run, error)
}

type PlaybookStore interface {
	CreatePlaybook(ctx context.Context, pb domain.Playbook) error
	GetPlaybook(ctx context.Context, id uuid.UUID) (domain.Playbook, error)
	ListPlaybooks(ctx context.Context, orgID uuid.UUID) ([]domain.Playbook, error)
}

type EventStreamer interface {
	ListEvents(ctx context.Context, runID uuid.UUID, sinceSeq int64, limit int) ([]domain.EventRecord, error)
}

type UsageReporter interface {
	UsageTotals(ctx context.Context, orgID uuid.UUID) (runs int, steps int, err error)
}

type APIKeyResolver interface {
	ResolveAPIKey(ctx context.Context, bearerToken string) (auth.Principal, bool, error)
}

type APIKeyManager interface {
	CreateAPIKey(ctx context.Context, params domain.CreateAPIKeyParams) (domain.CreatedAPIKey, error)
	ListAPIKeys(ctx context.Context) ([]domain.APIKeyRecord, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error
}

type HealthChecker interface {
	Check(ctx context.Context) error
}
