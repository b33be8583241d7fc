// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/adiadia/playbook-runtime/internal/auth"
)

const (
	headerRateLimitLimit     = "X-RateLimit-Limit"
	headerRateLimitRemaining = "X-RateLimit-Remaining"
	headerRateLimitReset     = "X-RateLimit-Reset"
	headerRetryAfter         = "Retry-After"
)

// Probes stay reachable without credentials.
var publicPaths = map[string]bool{
	"/healthz": true,
	"/readyz":  true,
	"/metrics": true,
	"/version": true,
}

type APIKeyResolver interface {
	ResolveAPIKey(ctx context.Context, bearerToken string) (auth.Principal, bool, error)
}

type apiKeyAuth struct {
	resolver APIKeyResolver
	limiter  *orgRateLimiter
	logger   *slog.Logger
	now      func() time.Time
}

// APITokenAuth authenticates bearer API keys, rate limits per organization
// and stores the principal on the request context.
func APITokenAuth(resolver APIKeyResolver, logger *slog.Logger) func(http.Handler) http.Handler {
	if resolver == nil {
		panic("middleware.APITokenAuth requires a resolver")
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &apiKeyAuth{
		resolver: resolver,
		limiter:  newOrgRateLimiter(),
		logger:   logger,
		now:      time.Now,
	}
	return a.wrap
}

func (a *apiKeyAuth) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if publicPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}

		principal, ok := a.authenticate(w, r)
		if !ok {
			return
		}
		if !a.admit(w, r, principal) {
			return
		}

		// The principal is set on the shared request so the access log,
		// which wraps this middleware, can read it after next returns.
		*r = *r.WithContext(auth.WithPrincipal(r.Context(), principal))
		next.ServeHTTP(w, r)
	})
}

func (a *apiKeyAuth) authenticate(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	token, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok {
		a.logger.Warn("request missing api key",
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
		)
		challenge(w, "missing or invalid API token")
		return auth.Principal{}, false
	}

	principal, found, err := a.resolver.ResolveAPIKey(r.Context(), token)
	switch {
	case err != nil:
		a.logger.Error("api key resolution failed",
			"path", r.URL.Path,
			"token_fp", fingerprint(token),
			"error", err,
		)
		http.Error(w, "auth lookup failed", http.StatusInternalServerError)
		return auth.Principal{}, false
	case !found:
		a.logger.Warn("unknown, revoked or expired api key",
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
			"token_fp", fingerprint(token),
		)
		challenge(w, "missing or invalid API token")
		return auth.Principal{}, false
	}
	return principal, true
}

func (a *apiKeyAuth) admit(w http.ResponseWriter, r *http.Request, p auth.Principal) bool {
	d := a.limiter.Allow(p.OrgID, p.MaxRequestsPerMin, a.now())

	h := w.Header()
	h.Set(headerRateLimitLimit, strconv.Itoa(d.LimitPerMinute))
	h.Set(headerRateLimitRemaining, strconv.Itoa(d.Remaining))
	h.Set(headerRateLimitReset, strconv.Itoa(d.ResetSeconds))
	if d.Allowed {
		return true
	}

	a.logger.Warn("request rate limited",
		"org_id", p.OrgID,
		"api_key", p.Name,
		"path", r.URL.Path,
		"retry_after_s", d.RetryAfterSeconds,
	)
	h.Set(headerRetryAfter, strconv.Itoa(d.RetryAfterSeconds))
	http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
	return false
}
