// SPDX-License-Identifier: Apache-2.0

package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	embeddedmigrations "github.com/adiadia/playbook-runtime/migrations"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schemaMigrationLockID int64 = 0x50425f4d49475231 // "PB_MIGR1"

var requiredTables = []string{
	"api_keys",
	"playbooks",
	"playbook_steps",
	"runs",
	"step_runs",
	"events",
	"usage_records",
}

type requiredColumn struct {
	Table  string
	Column string
}

// requiredColumns are columns added after the first release of their table;
// a database that has the tables but not these is only partially migrated.
var requiredColumns = []requiredColumn{
	{Table: "api_keys", Column: "org_id"},
	{Table: "api_keys", Column: "token_hash"},
	{Table: "api_keys", Column: "token_prefix"},
	{Table: "api_keys", Column: "expires_at"},
	{Table: "runs", Column: "priority"},
	{Table: "runs", Column: "webhook_url"},
	{Table: "step_runs", Column: "attempt"},
	{Table: "step_runs", Column: "worker_info"},
	{Table: "events", Column: "seq"},
}

// ErrChecksumMismatch reports an applied migration whose embedded SQL has
// since changed.
var ErrChecksumMismatch = errors.New("migration checksum mismatch")

// SchemaHealthChecker backs the /readyz probe.
type SchemaHealthChecker struct {
	pool *pgxpool.Pool
}

func NewSchemaHealthChecker(pool *pgxpool.Pool) *SchemaHealthChecker {
	return &SchemaHealthChecker{pool: pool}
}

func (h *SchemaHealthChecker) Check(ctx context.Context) error {
	return SchemaReady(ctx, h.pool)
}

type appliedMigration struct {
	Name     string
	Checksum string
}

// EnsureSchema applies pending embedded migrations under a Postgres advisory
// lock, so concurrent replicas starting together migrate once.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool, logger *slog.Logger) error {
	if pool == nil {
		return errors.New("nil database pool")
	}
	if logger == nil {
		logger = slog.Default()
	}

	files, err := embeddedmigrations.Ordered()
	if err != nil {
		return fmt.Errorf("load embedded migrations: %w", err)
	}
	if len(files) == 0 {
		return errors.New("no embedded migrations found")
	}

	started := time.Now()
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire db connection for migrations: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock($1)`, schemaMigrationLockID); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, unlockErr := conn.Exec(unlockCtx, `SELECT pg_advisory_unlock($1)`, schemaMigrationLockID); unlockErr != nil {
			logger.Error("migration unlock failed", "error", unlockErr)
		}
	}()

	if _, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			filename   TEXT NOT NULL,
			checksum   TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations table: %w", err)
	}

	applied, err := loadApplied(ctx, conn)
	if err != nil {
		return err
	}
	pending, err := pendingMigrations(files, applied)
	if err != nil {
		return err
	}

	for _, m := range pending {
		logger.Info("applying migration", "version", m.Version, "file", m.Name)
		if err := applyMigration(ctx, conn, m); err != nil {
			return fmt.Errorf("apply migration %s: %w", m.Name, err)
		}
	}

	logger.Info("schema up to date",
		"applied", len(pending),
		"already_applied", len(applied),
		"duration_ms", time.Since(started).Milliseconds(),
	)

	return SchemaReady(ctx, pool)
}

func loadApplied(ctx context.Context, conn *pgxpool.Conn) (map[int]appliedMigration, error) {
	rows, err := conn.Query(ctx, `SELECT version, filename, checksum FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]appliedMigration)
	for rows.Next() {
		var (
			version int
			m       appliedMigration
		)
		if err := rows.Scan(&version, &m.Name, &m.Checksum); err != nil {
			return nil, err
		}
		applied[version] = m
	}
	return applied, rows.Err()
}

// pendingMigrations returns the files not yet applied, in order. An applied
// file whose checksum changed is an error rather than a silent skip.
func pendingMigrations(files []embeddedmigrations.File, applied map[int]appliedMigration) ([]embeddedmigrations.File, error) {
	pending := make([]embeddedmigrations.File, 0, len(files))
	for _, f := range files {
		prev, ok := applied[f.Version]
		if !ok {
			pending = append(pending, f)
			continue
		}
		if prev.Checksum != f.Checksum {
			return nil, fmt.Errorf("%w: %s (applied as %s)", ErrChecksumMismatch, f.Name, prev.Name)
		}
	}
	return pending, nil
}

func applyMigration(ctx context.Context, conn *pgxpool.Conn, m embeddedmigrations.File) error {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, m.SQL, pgx.QueryExecModeSimpleProtocol); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO schema_migrations (version, filename, checksum)
		VALUES ($1, $2, $3)
	`, m.Version, m.Name, m.Checksum); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// MigrationState describes one embedded migration relative to a database.
type MigrationState struct {
	Version  int    `json:"version"`
	Name     string `json:"name"`
	Checksum string `json:"checksum"`
	Applied  bool   `json:"applied"`

	// Drifted marks an applied migration whose embedded SQL has changed.
	Drifted bool `json:"drifted,omitempty"`
}

// MigrationStatus compares the embedded migrations with schema_migrations
// without applying anything.
func MigrationStatus(ctx context.Context, pool *pgxpool.Pool) ([]MigrationState, error) {
	if pool == nil {
		return nil, errors.New("nil database pool")
	}
	files, err := embeddedmigrations.Ordered()
	if err != nil {
		return nil, fmt.Errorf("load embedded migrations: %w", err)
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire db connection: %w", err)
	}
	defer conn.Release()

	var tracked bool
	if err := conn.QueryRow(ctx, `SELECT to_regclass('public.schema_migrations') IS NOT NULL`).Scan(&tracked); err != nil {
		return nil, fmt.Errorf("inspect schema_migrations: %w", err)
	}
	applied := map[int]appliedMigration{}
	if tracked {
		if applied, err = loadApplied(ctx, conn); err != nil {
			return nil, err
		}
	}
	return migrationStates(files, applied), nil
}

func migrationStates(files []embeddedmigrations.File, applied map[int]appliedMigration) []MigrationState {
	states := make([]MigrationState, 0, len(files))
	for _, f := range files {
		st := MigrationState{Version: f.Version, Name: f.Name, Checksum: f.Checksum}
		if prev, ok := applied[f.Version]; ok {
			st.Applied = true
			st.Drifted = prev.Checksum != f.Checksum
		}
		states = append(states, st)
	}
	return states
}

// SchemaReady reports an error naming every required table or column that
// is missing from the public schema.
func SchemaReady(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return errors.New("nil database pool")
	}

	rows, err := pool.Query(ctx, `
		SELECT table_name::text, column_name::text
		FROM information_schema.columns
		WHERE table_schema = 'public'
		  AND table_name::text = ANY($1::text[])
	`, requiredTables)
	if err != nil {
		return fmt.Errorf("inspect schema: %w", err)
	}
	defer rows.Close()

	present := make(map[string]map[string]bool, len(requiredTables))
	for rows.Next() {
		var table, column string
		if err := rows.Scan(&table, &column); err != nil {
			return fmt.Errorf("inspect schema: %w", err)
		}
		if present[table] == nil {
			present[table] = make(map[string]bool)
		}
		present[table][column] = true
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("inspect schema: %w", err)
	}

	return missingSchema(present)
}

func missingSchema(present map[string]map[string]bool) error {
	var tables, columns []string
	for _, table := range requiredTables {
		if len(present[table]) == 0 {
			tables = append(tables, table)
		}
	}
	for _, c := range requiredColumns {
		cols := present[c.Table]
		if len(cols) > 0 && !cols[c.Column] {
			columns = append(columns, c.Table+"."+c.Column)
		}
	}
	sort.Strings(columns)

	switch {
	case len(tables) > 0 && len(columns) > 0:
		return fmt.Errorf("required tables missing: %s; required columns missing: %s",
			strings.Join(tables, ", "), strings.Join(columns, ", "))
	case len(tables) > 0:
		return fmt.Errorf("required tables missing: %s", strings.Join(tables, ", "))
	case len(columns) > 0:
		return fmt.Errorf("required columns missing: %s", strings.Join(columns, ", "))
	}
	return nil
}
