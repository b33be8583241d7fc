// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/adiadia/playbook-runtime/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const stepRunColumns = `id, run_id, step_id, step_key, step_type, config, depends_on, position,
	status, input, output, error, attempt, max_attempts, timeout_ms, duration_ms,
	started_at, completed_at, worker_info, logs`

type StepRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewStepRepository(pool *pgxpool.Pool, logger *slog.Logger) *StepRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &StepRepository{
		pool:   pool,
		logger: logger,
	}
}

// CreateStepRuns inserts all step runs of a run in one transaction.
func (s *StepRepository) CreateStepRuns(ctx context.Context, stepRuns []domain.StepRun) error {
	if len(stepRuns) == 0 {
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		s.logger.Error("begin tx failed", "error", err)
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	batch := &pgx.Batch{}
	for _, sr := range stepRuns {
		dependsOn := sr.DependsOn
		if dependsOn == nil {
			dependsOn = []string{}
		}
		batch.Queue(`
			INSERT INTO step_runs (id, run_id, step_id, step_key, step_type, config, depends_on, position,
				status, input, attempt, max_attempts, timeout_ms)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		`,
			sr.ID,
			sr.RunID,
			sr.StepID,
			sr.StepKey,
			sr.StepType,
			jsonOrNull(sr.Config),
			dependsOn,
			sr.Position,
			sr.Status,
			jsonOrNull(sr.Input),
			sr.Attempt,
			sr.MaxAttempts,
			durationMS(sr.Timeout),
		)
	}

	results := tx.SendBatch(ctx, batch)
	for _, sr := range stepRuns {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			s.logger.Error("insert step run failed",
				"run_id", sr.RunID,
				"step_key", sr.StepKey,
				"error", err,
			)
			return fmt.Errorf("insert step run %s: %w", sr.StepKey, err)
		}
	}
	if err := results.Close(); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		s.logger.Error("commit step runs failed", "error", err)
		return err
	}
	return nil
}

// GetStepRuns returns the run's step runs in declaration order.
func (s *StepRepository) GetStepRuns(ctx context.Context, runID uuid.UUID) ([]domain.StepRun, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+stepRunColumns+`
		FROM step_runs
		WHERE run_id=$1
		ORDER BY position ASC
	`, runID)
	if err != nil {
		s.logger.Error("list step runs query failed", "run_id", runID, "error", err)
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.StepRun, 0, 8)
	for rows.Next() {
		sr, err := scanStepRun(rows)
		if err != nil {
			s.logger.Error("scan step run failed", "run_id", runID, "error", err)
			return nil, err
		}
		out = append(out, sr)
	}
	if err := rows.Err(); err != nil {
		s.logger.Error("step run rows iteration failed", "run_id", runID, "error", err)
		return nil, err
	}
	return out, nil
}

func (s *StepRepository) GetStepRun(ctx context.Context, stepRunID uuid.UUID) (domain.StepRun, error) {
	sr, err := scanStepRun(s.pool.QueryRow(ctx, `SELECT `+stepRunColumns+` FROM step_runs WHERE id=$1`, stepRunID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.StepRun{}, domain.ErrStepRunNotFound
		}
		s.logger.Error("get step run failed", "step_run_id", stepRunID, "error", err)
		return domain.StepRun{}, err
	}
	return sr, nil
}

// ConditionalUpdateStepRun moves the step run to `to` only if its status is
// in from (any status when from is empty). It reports whether the row changed.
func (s *StepRepository) ConditionalUpdateStepRun(ctx context.Context, stepRunID uuid.UUID, from []domain.StepStatus, to domain.StepStatus, upd domain.StepRunUpdate) (bool, error) {
	b := newUpdate("step_runs")
	b.set("status", to)
	b.raw("updated_at=NOW()")

	if upd.ClearResult {
		if upd.Output == nil {
			b.raw("output=NULL")
		}
		if upd.Error == nil {
			b.raw("error=''")
		}
		if upd.CompletedAt == nil {
			b.raw("completed_at=NULL")
		}
		if upd.WorkerInfo == nil {
			b.raw("worker_info=NULL")
		}
		if upd.DurationMS == nil {
			b.raw("duration_ms=0")
		}
	}
	if upd.Input != nil {
		b.set("input", []byte(upd.Input))
	}
	if upd.Output != nil {
		b.set("output", []byte(upd.Output))
	}
	if upd.Error != nil {
		b.set("error", *upd.Error)
	}
	switch {
	case upd.Attempt != nil && upd.BumpAttempt:
		b.set("attempt", *upd.Attempt+1)
	case upd.Attempt != nil:
		b.set("attempt", *upd.Attempt)
	case upd.BumpAttempt:
		b.raw("attempt=attempt+1")
	}
	if upd.DurationMS != nil {
		b.set("duration_ms", *upd.DurationMS)
	}
	if upd.StartedAt != nil {
		b.set("started_at", *upd.StartedAt)
	}
	if upd.CompletedAt != nil {
		b.set("completed_at", *upd.CompletedAt)
	}
	if upd.WorkerInfo != nil {
		raw, err := json.Marshal(upd.WorkerInfo)
		if err != nil {
			return false, fmt.Errorf("encode worker info: %w", err)
		}
		b.set("worker_info", raw)
	}
	if len(upd.AppendLogs) > 0 {
		b.raw("logs = logs || " + b.arg(upd.AppendLogs) + "::text[]")
	}

	conds := []string{"id=" + b.arg(stepRunID)}
	if len(from) > 0 {
		conds = append(conds, "status = ANY("+b.arg(statusStrings(from))+")")
	}

	tag, err := s.pool.Exec(ctx, b.where(conds...), b.args...)
	if err != nil {
		s.logger.Error("conditional step run update failed",
			"step_run_id", stepRunID,
			"to", to,
			"error", err,
		)
		return false, err
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM step_runs WHERE id=$1)`, stepRunID).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, domain.ErrStepRunNotFound
	}
	return false, nil
}

func scanStepRun(row pgx.Row) (domain.StepRun, error) {
	var (
		sr         domain.StepRun
		config     []byte
		input      []byte
		output     []byte
		timeoutMS  int64
		workerInfo []byte
	)
	if err := row.Scan(
		&sr.ID,
		&sr.RunID,
		&sr.StepID,
		&sr.StepKey,
		&sr.StepType,
		&config,
		&sr.DependsOn,
		&sr.Position,
		&sr.Status,
		&input,
		&output,
		&sr.Error,
		&sr.Attempt,
		&sr.MaxAttempts,
		&timeoutMS,
		&sr.DurationMS,
		&sr.StartedAt,
		&sr.CompletedAt,
		&workerInfo,
		&sr.Logs,
	); err != nil {
		return domain.StepRun{}, err
	}
	sr.Config = config
	sr.Input = input
	sr.Output = output
	sr.Timeout = msDuration(timeoutMS)
	if len(workerInfo) > 0 {
		var wi domain.WorkerInfo
		if err := json.Unmarshal(workerInfo, &wi); err != nil {
			return domain.StepRun{}, fmt.Errorf("decode worker info: %w", err)
		}
		sr.WorkerInfo = &wi
	}
	if len(sr.DependsOn) == 0 {
		sr.DependsOn = nil
	}
	return sr, nil
}
