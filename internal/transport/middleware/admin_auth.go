// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
)

// AdminTokenAuth guards operator routes with ADMIN_TOKEN. The value may hold
// several comma-separated tokens so a replacement can be rolled out before
// the old one is withdrawn. An empty value disables the routes.
func AdminTokenAuth(adminTokens string, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	accepted := parseAdminTokens(adminTokens)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(accepted) == 0 {
				logger.Error("admin route called without ADMIN_TOKEN configured", "path", r.URL.Path)
				http.Error(w, "admin auth not configured", http.StatusServiceUnavailable)
				return
			}

			token, ok := bearerToken(r.Header.Get("Authorization"))
			if !ok || !matchesAny(token, accepted) {
				attrs := []any{"path", r.URL.Path, "remote_addr", r.RemoteAddr}
				if ok {
					attrs = append(attrs, "token_fp", fingerprint(token))
				}
				logger.Warn("admin request rejected", attrs...)
				challenge(w, "missing or invalid admin token")
				return
			}

			logger.Info("admin request", "method", r.Method, "path", r.URL.Path, "token_fp", fingerprint(token))
			next.ServeHTTP(w, r)
		})
	}
}

func parseAdminTokens(raw string) [][]byte {
	var out [][]byte
	for _, t := range strings.Split(raw, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, []byte(t))
		}
	}
	return out
}

// matchesAny compares against every accepted token so timing does not
// reveal which one matched.
func matchesAny(token string, accepted [][]byte) bool {
	presented := []byte(token)
	match := 0
	for _, a := range accepted {
		match |= subtle.ConstantTimeCompare(presented, a)
	}
	return match == 1
}
