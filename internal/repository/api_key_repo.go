// SPDX-License-Identifier: Apache-2.0

package repository

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/adiadia/playbook-runtime/internal/auth"
	"github.com/adiadia/playbook-runtime/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	apiKeyTokenScheme = "pb_live_"
	apiKeyPrefixHex   = 6

	// lastUsedResolution bounds how often a busy key rewrites last_used_at.
	lastUsedResolution = time.Minute
)

type APIKeyRepository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func NewAPIKeyRepository(pool *pgxpool.Pool, logger *slog.Logger) *APIKeyRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &APIKeyRepository{pool: pool, logger: logger}
}

// ResolveAPIKey maps a bearer token to the principal it authenticates.
// Unknown, revoked and expired tokens report found=false.
func (r *APIKeyRepository) ResolveAPIKey(ctx context.Context, bearerToken string) (auth.Principal, bool, error) {
	if bearerToken == "" {
		return auth.Principal{}, false, nil
	}

	var (
		p        auth.Principal
		lastUsed *time.Time
		now      time.Time
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, org_id, name, max_requests_per_min, last_used_at, NOW()
		FROM api_keys
		WHERE token_hash = $1
		  AND revoked_at IS NULL
		  AND (expires_at IS NULL OR expires_at > NOW())
	`, sha256Hex(bearerToken)).Scan(&p.APIKeyID, &p.OrgID, &p.Name, &p.MaxRequestsPerMin, &lastUsed, &now)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return auth.Principal{}, false, nil
		}
		r.logger.Error("resolve api key failed", "error", err)
		return auth.Principal{}, false, err
	}

	if p.MaxRequestsPerMin <= 0 {
		p.MaxRequestsPerMin = domain.DefaultMaxRequestsPerMin
	}
	if lastUsedStale(lastUsed, now) {
		r.touch(ctx, p.APIKeyID)
	}
	return p, true, nil
}

func lastUsedStale(lastUsed *time.Time, now time.Time) bool {
	return lastUsed == nil || now.Sub(*lastUsed) >= lastUsedResolution
}

// touch records key usage. Failures are logged only; authentication has
// already succeeded.
func (r *APIKeyRepository) touch(ctx context.Context, id uuid.UUID) {
	if _, err := r.pool.Exec(ctx, `
		UPDATE api_keys
		SET last_used_at = NOW()
		WHERE id = $1
		  AND (last_used_at IS NULL OR last_used_at < NOW() - make_interval(secs => $2))
	`, id, lastUsedResolution.Seconds()); err != nil {
		r.logger.Warn("record api key usage failed", "api_key_id", id, "error", err)
	}
}

// CreateAPIKey issues a key for params.OrgID, or for a fresh organization
// when no org is given. The plaintext token is returned once; only its hash
// and display prefix are stored.
func (r *APIKeyRepository) CreateAPIKey(ctx context.Context, params domain.CreateAPIKeyParams) (domain.CreatedAPIKey, error) {
	params, err := params.Normalize()
	if err != nil {
		return domain.CreatedAPIKey{}, err
	}
	if params.OrgID == uuid.Nil {
		params.OrgID = uuid.New()
	}

	token, tokenHash, err := generateAPIKeyToken()
	if err != nil {
		r.logger.Error("generate api key token failed", "error", err)
		return domain.CreatedAPIKey{}, err
	}

	created := domain.CreatedAPIKey{
		ID:        uuid.New(),
		OrgID:     params.OrgID,
		Token:     token,
		Prefix:    tokenPrefix(token),
		ExpiresAt: params.ExpiresAt(time.Now()),
	}
	if _, err := r.pool.Exec(ctx, `
		INSERT INTO api_keys (id, org_id, name, token_hash, token_prefix, max_requests_per_min, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`,
		created.ID,
		created.OrgID,
		params.Name,
		tokenHash,
		created.Prefix,
		params.MaxRequestsPerMin,
		created.ExpiresAt,
	); err != nil {
		r.logger.Error("create api key failed", "name", params.Name, "org_id", created.OrgID, "error", err)
		return domain.CreatedAPIKey{}, err
	}

	r.logger.Info("api key created",
		"api_key_id", created.ID,
		"org_id", created.OrgID,
		"prefix", created.Prefix,
		"expires_at", created.ExpiresAt,
	)
	return created, nil
}

// ListAPIKeys returns active keys, newest first. Expired keys are listed so
// operators can see and revoke them.
func (r *APIKeyRepository) ListAPIKeys(ctx context.Context) ([]domain.APIKeyRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, org_id, name, token_prefix, max_requests_per_min, created_at, expires_at, last_used_at
		FROM api_keys
		WHERE revoked_at IS NULL
		ORDER BY created_at DESC
	`)
	if err != nil {
		r.logger.Error("list api keys query failed", "error", err)
		return nil, err
	}
	defer rows.Close()

	keys := make([]domain.APIKeyRecord, 0, 16)
	for rows.Next() {
		var k domain.APIKeyRecord
		if err := rows.Scan(
			&k.ID,
			&k.OrgID,
			&k.Name,
			&k.Prefix,
			&k.MaxRequestsPerMin,
			&k.CreatedAt,
			&k.ExpiresAt,
			&k.LastUsedAt,
		); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (r *APIKeyRepository) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE api_keys
		SET revoked_at = NOW()
		WHERE id = $1 AND revoked_at IS NULL
	`, id)
	if err != nil {
		r.logger.Error("revoke api key failed", "api_key_id", id, "error", err)
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAPIKeyNotFound
	}
	r.logger.Info("api key revoked", "api_key_id", id)
	return nil
}

func generateAPIKeyToken() (token, hash string, err error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", err
	}
	token = apiKeyTokenScheme + hex.EncodeToString(raw)
	return token, sha256Hex(token), nil
}

// tokenPrefix is the non-secret head of a token shown in key listings.
func tokenPrefix(token string) string {
	n := len(apiKeyTokenScheme) + apiKeyPrefixHex
	if len(token) < n {
		return token
	}
	return token[:n]
}

func sha256Hex(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}
