// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type UsageRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewUsageRepository(pool *pgxpool.Pool, logger *slog.Logger) *UsageRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &UsageRepository{
		pool:   pool,
		logger: logger,
	}
}

// InsertUsageRecord appends one billing row for a started run.
func (r *UsageRepository) InsertUsageRecord(ctx context.Context, orgID, runID uuid.UUID, steps int) error {
	if _, err := r.pool.Exec(ctx, `
		INSERT INTO usage_records (id, org_id, run_id, steps)
		VALUES ($1, $2, $3, $4)
	`,
		uuid.New(),
		orgID,
		runID,
		steps,
	); err != nil {
		r.logger.Error("insert usage record failed",
			"org_id", orgID,
			"run_id", runID,
			"error", err,
		)
		return err
	}
	return nil
}

// UsageTotals sums the org's recorded runs and steps.
func (r *UsageRepository) UsageTotals(ctx context.Context, orgID uuid.UUID) (runs int, steps int, err error) {
	err = r.pool.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(steps), 0)
		FROM usage_records
		WHERE org_id=$1
	`, orgID).Scan(&runs, &steps)
	if err != nil {
		r.logger.Error("usage totals query failed", "org_id", orgID, "error", err)
	}
	return runs, steps, err
}
