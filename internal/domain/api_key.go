// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultMaxRequestsPerMin = 60
	MaxRequestsPerMinCeiling = 6000
	maxAPIKeyNameLen         = 100
)

type CreateAPIKeyParams struct {
	// OrgID may be uuid.Nil, in which case the key founds a new organization.
	OrgID             uuid.UUID
	Name              string
	MaxRequestsPerMin int

	// TTL bounds the key's lifetime; zero means it never expires.
	TTL time.Duration
}

// Normalize trims the name and applies rate limit defaults. It wraps
// ErrInvalidAPIKeyName for an empty or oversized name.
func (p CreateAPIKeyParams) Normalize() (CreateAPIKeyParams, error) {
	p.Name = strings.TrimSpace(p.Name)
	if p.Name == "" || len(p.Name) > maxAPIKeyNameLen {
		return p, fmt.Errorf("%w: must be 1-%d characters", ErrInvalidAPIKeyName, maxAPIKeyNameLen)
	}
	switch {
	case p.MaxRequestsPerMin <= 0:
		p.MaxRequestsPerMin = DefaultMaxRequestsPerMin
	case p.MaxRequestsPerMin > MaxRequestsPerMinCeiling:
		p.MaxRequestsPerMin = MaxRequestsPerMinCeiling
	}
	if p.TTL < 0 {
		p.TTL = 0
	}
	return p, nil
}

// ExpiresAt is the expiry for a key created at now, or nil for no TTL.
func (p CreateAPIKeyParams) ExpiresAt(now time.Time) *time.Time {
	if p.TTL <= 0 {
		return nil
	}
	t := now.Add(p.TTL).UTC()
	return &t
}

// CreatedAPIKey carries the plaintext token. It is only ever returned from
// creation; the store keeps a hash.
type CreatedAPIKey struct {
	ID        uuid.UUID
	OrgID     uuid.UUID
	Token     string
	Prefix    string
	ExpiresAt *time.Time
}

type APIKeyRecord struct {
	ID                uuid.UUID  `json:"id"`
	OrgID             uuid.UUID  `json:"org_id"`
	Name              string     `json:"name"`
	Prefix            string     `json:"prefix"`
	MaxRequestsPerMin int        `json:"max_requests_per_min"`
	CreatedAt         time.Time  `json:"created_at"`
	ExpiresAt         *time.Time `json:"expires_at,omitempty"`
	LastUsedAt        *time.Time `json:"last_used_at,omitempty"`
}

func (k APIKeyRecord) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}
