// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/adiadia/playbook-runtime/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PlaybookRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewPlaybookRepository(pool *pgxpool.Pool, logger *slog.Logger) *PlaybookRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &PlaybookRepository{
		pool:   pool,
		logger: logger,
	}
}

// CreatePlaybook stores a normalized playbook and its steps. An existing
// playbook with the same id is replaced.
func (r *PlaybookRepository) CreatePlaybook(ctx context.Context, pb domain.Playbook) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		r.logger.Error("begin tx failed", "error", err)
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, `
		INSERT INTO playbooks (id, org_id, name, status, ordering)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET name=EXCLUDED.name, status=EXCLUDED.status, ordering=EXCLUDED.ordering, updated_at=NOW()
	`,
		pb.ID,
		pb.OrgID,
		pb.Name,
		pb.Status,
		pb.Ordering,
	); err != nil {
		r.logger.Error("upsert playbook failed", "playbook_id", pb.ID, "error", err)
		return err
	}

	if _, err := tx.Exec(ctx, `DELETE FROM playbook_steps WHERE playbook_id=$1`, pb.ID); err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for i, st := range pb.Steps {
		dependsOn := st.DependsOn
		if dependsOn == nil {
			dependsOn = []string{}
		}
		batch.Queue(`
			INSERT INTO playbook_steps (id, playbook_id, key, type, config, depends_on, position, max_attempts, timeout_ms)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`,
			st.ID,
			pb.ID,
			st.Key,
			st.Type,
			jsonOrNull(st.Config),
			dependsOn,
			i,
			st.MaxAttempts,
			durationMS(st.Timeout),
		)
	}
	results := tx.SendBatch(ctx, batch)
	for _, st := range pb.Steps {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			r.logger.Error("insert playbook step failed",
				"playbook_id", pb.ID,
				"step_key", st.Key,
				"error", err,
			)
			return fmt.Errorf("insert playbook step %s: %w", st.Key, err)
		}
	}
	if err := results.Close(); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (r *PlaybookRepository) GetPlaybook(ctx context.Context, id uuid.UUID) (domain.Playbook, error) {
	var pb domain.Playbook
	err := r.pool.QueryRow(ctx, `
		SELECT id, org_id, name, status, ordering
		FROM playbooks
		WHERE id=$1
	`, id).Scan(&pb.ID, &pb.OrgID, &pb.Name, &pb.Status, &pb.Ordering)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Playbook{}, domain.ErrPlaybookNotFound
		}
		r.logger.Error("get playbook failed", "playbook_id", id, "error", err)
		return domain.Playbook{}, err
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, key, type, config, depends_on, max_attempts, timeout_ms
		FROM playbook_steps
		WHERE playbook_id=$1
		ORDER BY position ASC
	`, id)
	if err != nil {
		r.logger.Error("list playbook steps failed", "playbook_id", id, "error", err)
		return domain.Playbook{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			st        domain.StepDefinition
			config    []byte
			timeoutMS int64
		)
		if err := rows.Scan(&st.ID, &st.Key, &st.Type, &config, &st.DependsOn, &st.MaxAttempts, &timeoutMS); err != nil {
			return domain.Playbook{}, err
		}
		st.Config = config
		st.Timeout = msDuration(timeoutMS)
		if len(st.DependsOn) == 0 {
			st.DependsOn = nil
		}
		pb.Steps = append(pb.Steps, st)
	}
	if err := rows.Err(); err != nil {
		return domain.Playbook{}, err
	}
	return pb, nil
}

// ListPlaybooks returns the org's playbooks, plus shared ones (nil org),
// without their steps.
func (r *PlaybookRepository) ListPlaybooks(ctx context.Context, orgID uuid.UUID) ([]domain.Playbook, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, org_id, name, status, ordering
		FROM playbooks
		WHERE org_id=$1 OR org_id=$2
		ORDER BY name ASC
	`, orgID, uuid.Nil)
	if err != nil {
		r.logger.Error("list playbooks query failed", "org_id", orgID, "error", err)
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.Playbook, 0, 16)
	for rows.Next() {
		var pb domain.Playbook
		if err := rows.Scan(&pb.ID, &pb.OrgID, &pb.Name, &pb.Status, &pb.Ordering); err != nil {
			return nil, err
		}
		out = append(out, pb)
	}
	return out, rows.Err()
}
