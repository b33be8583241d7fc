// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"

	"github.com/google/uuid"
)

type principalContextKey struct{}

var ctxPrincipalKey principalContextKey

// Principal is the authenticated caller: the API key and the organization
// it acts for.
type Principal struct {
	APIKeyID          uuid.UUID
	OrgID             uuid.UUID
	Name              string
	MaxRequestsPerMin int
}

// WithPrincipal stores the resolved API key on the request context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxPrincipalKey, p)
}

// PrincipalFromContext reads the resolved API key from context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxPrincipalKey).(Principal)
	if !ok || p.OrgID == uuid.Nil {
		return Principal{}, false
	}
	return p, true
}

// OrgIDFromContext reads the authenticated organization id from context.
func OrgIDFromContext(ctx context.Context) (uuid.UUID, bool) {
	p, ok := PrincipalFromContext(ctx)
	if !ok {
		return uuid.Nil, false
	}
	return p.OrgID, true
}

// Actor is the identity recorded on runs started by this caller.
func (p Principal) Actor() string {
	if p.Name != "" {
		return "api_key:" + p.Name
	}
	return "api_key:" + p.APIKeyID.String()
}
