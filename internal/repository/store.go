// SPDX-License-Identifier: Apache-2.0

// Package repository is the Postgres implementation of the runtime's
// stores. Status transitions are single conditional UPDATE statements, so
// concurrent workers race on the row and exactly one wins.
package repository

import (
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store bundles every repository over one pool. It satisfies the engine,
// dispatcher, quota and event-log interfaces.
type Store struct {
	*RunRepository
	*StepRepository
	*EventRepository
	*UsageRepository
	*PlaybookRepository
	*APIKeyRepository
}

func NewStore(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	return &Store{
		RunRepository:      NewRunRepository(pool, logger),
		StepRepository:     NewStepRepository(pool, logger),
		EventRepository:    NewEventRepository(pool, logger),
		UsageRepository:    NewUsageRepository(pool, logger),
		PlaybookRepository: NewPlaybookRepository(pool, logger),
		APIKeyRepository:   NewAPIKeyRepository(pool, logger),
	}
}
