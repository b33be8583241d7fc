// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"log/slog"
	"time"

	"github.com/adiadia/playbook-runtime/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

const maxEventPage = 1000

type EventRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewEventRepository(pool *pgxpool.Pool, logger *slog.Logger) *EventRepository {
	if logger == nil {
		logger = slog.Default()
	}

	return &EventRepository{
		pool:   pool,
		logger: logger,
	}
}

// AppendEvent writes ev to the run's event log and returns its sequence
// number.
func (r *EventRepository) AppendEvent(ctx context.Context, ev domain.Event) (int64, error) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	var seq int64
	if err := r.pool.QueryRow(ctx, `
		INSERT INTO events (id, run_id, org_id, type, step_key, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING seq
	`,
		ev.ID,
		ev.RunID,
		ev.OrgID,
		ev.Type,
		ev.StepKey,
		jsonOrNull(ev.Payload),
		ev.Timestamp,
	).Scan(&seq); err != nil {
		r.logger.Error("append event failed",
			"run_id", ev.RunID,
			"type", ev.Type,
			"error", err,
		)
		return 0, err
	}
	return seq, nil
}

// ListEvents returns the run's events with seq greater than sinceSeq, oldest
// first.
func (r *EventRepository) ListEvents(ctx context.Context, runID uuid.UUID, sinceSeq int64, limit int) ([]domain.EventRecord, error) {
	if limit <= 0 || limit > maxEventPage {
		limit = maxEventPage
	}

	rows, err := r.pool.Query(ctx, `
		SELECT seq, id, run_id, org_id, type, step_key, payload, created_at
		FROM events
		WHERE run_id=$1
		  AND seq > $2
		ORDER BY seq ASC
		LIMIT $3
	`,
		runID,
		sinceSeq,
		limit,
	)
	if err != nil {
		r.logger.Error("list events query failed", "run_id", runID, "error", err)
		return nil, err
	}
	defer rows.Close()

	out := make([]domain.EventRecord, 0, 8)
	for rows.Next() {
		var (
			ev      domain.EventRecord
			payload []byte
		)
		if err := rows.Scan(
			&ev.Seq,
			&ev.ID,
			&ev.RunID,
			&ev.OrgID,
			&ev.Type,
			&ev.StepKey,
			&payload,
			&ev.Timestamp,
		); err != nil {
			r.logger.Error("scan event row failed", "run_id", runID, "error", err)
			return nil, err
		}
		ev.Payload = payload
		out = append(out, ev)
	}

	if err := rows.Err(); err != nil {
		r.logger.Error("events rows iteration failed", "run_id", runID, "error", err)
		return nil, err
	}

	return out, nil
}
