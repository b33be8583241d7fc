// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/adiadia/playbook-runtime/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const runColumns = `id, playbook_id, org_id, actor, status, priority, input, output,
	error, webhook_url, created_at, started_at, completed_at`

type RunRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewRunRepository(pool *pgxpool.Pool, logger *slog.Logger) *RunRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &RunRepository{
		pool:   pool,
		logger: logger,
	}
}

func (r *RunRepository) CreateRun(ctx context.Context, run domain.Run) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO runs (id, playbook_id, org_id, actor, status, priority, input, webhook_url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		run.ID,
		run.PlaybookID,
		run.OrgID,
		run.Actor,
		run.Status,
		run.Priority,
		jsonOrNull(run.Input),
		run.WebhookURL,
		run.CreatedAt,
	)
	if err != nil {
		r.logger.Error("insert run failed", "run_id", run.ID, "error", err)
		return err
	}
	return nil
}

func (r *RunRepository) GetRun(ctx context.Context, runID uuid.UUID) (domain.Run, error) {
	run, err := scanRun(r.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id=$1`, runID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Run{}, domain.ErrRunNotFound
		}
		r.logger.Error("get run failed", "run_id", runID, "error", err)
		return domain.Run{}, err
	}
	return run, nil
}

// ListRuns returns the org's runs, newest first.
func (r *RunRepository) ListRuns(ctx context.Context, orgID uuid.UUID, limit int) ([]domain.Run, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+runColumns+`
		FROM runs
		WHERE org_id=$1
		ORDER BY created_at DESC
		LIMIT $2
	`, orgID, limit)
	if err != nil {
		r.logger.Error("list runs query failed", "org_id", orgID, "error", err)
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Run, 0, 16)
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// ConditionalUpdateRunStatus moves the run to `to` only if its status is in
// from (any status when from is empty). It reports whether the row changed.
func (r *RunRepository) ConditionalUpdateRunStatus(ctx context.Context, runID uuid.UUID, from []domain.RunStatus, to domain.RunStatus, upd domain.RunUpdate) (bool, error) {
	b := newUpdate("runs")
	b.set("status", to)
	b.raw("updated_at=NOW()")

	if upd.ClearCompletion {
		if upd.CompletedAt == nil {
			b.raw("completed_at=NULL")
		}
		if upd.Output == nil {
			b.raw("output=NULL")
		}
		if upd.Error == nil {
			b.raw("error=''")
		}
	}
	if upd.Output != nil {
		b.set("output", []byte(upd.Output))
	}
	if upd.Error != nil {
		b.set("error", *upd.Error)
	}
	if upd.StartedAt != nil {
		b.set("started_at", *upd.StartedAt)
	}
	if upd.CompletedAt != nil {
		b.set("completed_at", *upd.CompletedAt)
	}

	conds := []string{"id=" + b.arg(runID)}
	if len(from) > 0 {
		conds = append(conds, "status = ANY("+b.arg(statusStrings(from))+")")
	}

	tag, err := r.pool.Exec(ctx, b.where(conds...), b.args...)
	if err != nil {
		r.logger.Error("conditional run update failed",
			"run_id", runID,
			"to", to,
			"error", err,
		)
		return false, err
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}
	return false, r.requireRun(ctx, runID)
}

// CountActiveRuns counts the org's PENDING and RUNNING runs.
func (r *RunRepository) CountActiveRuns(ctx context.Context, orgID uuid.UUID) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM runs
		WHERE org_id=$1 AND status IN ($2, $3)
	`, orgID, domain.RunPending, domain.RunRunning).Scan(&n); err != nil {
		r.logger.Error("count active runs failed", "org_id", orgID, "error", err)
		return 0, err
	}
	return n, nil
}

// ListActiveRuns returns every PENDING or RUNNING run across orgs, oldest
// first.
func (r *RunRepository) ListActiveRuns(ctx context.Context) ([]domain.Run, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+runColumns+`
		FROM runs
		WHERE status IN ($1, $2)
		ORDER BY created_at
	`, domain.RunPending, domain.RunRunning)
	if err != nil {
		r.logger.Error("list active runs query failed", "error", err)
		return nil, err
	}
	defer rows.Close()

	var out []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (r *RunRepository) requireRun(ctx context.Context, runID uuid.UUID) error {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM runs WHERE id=$1)`, runID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return domain.ErrRunNotFound
	}
	return nil
}

func scanRun(row pgx.Row) (domain.Run, error) {
	var (
		run    domain.Run
		input  []byte
		output []byte
	)
	if err := row.Scan(
		&run.ID,
		&run.PlaybookID,
		&run.OrgID,
		&run.Actor,
		&run.Status,
		&run.Priority,
		&input,
		&output,
		&run.Error,
		&run.WebhookURL,
		&run.CreatedAt,
		&run.StartedAt,
		&run.CompletedAt,
	); err != nil {
		return domain.Run{}, err
	}
	run.Input = input
	run.Output = output
	return run, nil
}
