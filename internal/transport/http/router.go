// SPDX-License-Identifier: Apache-2.0

package httptransport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/adiadia/playbook-runtime/internal/auth"
	"github.com/adiadia/playbook-runtime/internal/domain"
	"github.com/adiadia/playbook-runtime/internal/engine"
	"github.com/adiadia/playbook-runtime/internal/metrics"
	"github.com/adiadia/playbook-runtime/internal/playbook"
	"github.com/adiadia/playbook-runtime/internal/transport/middleware"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	maxPlaybookBody    = 1 << 20
	defaultRunPageSize = 50
	ssePollInterval    = 500 * time.Millisecond
	sseBatchSize       = 200
)

type executeRequest struct {
	Input      json.RawMessage `json:"input"`
	WebhookURL string          `json:"webhook_url"`
	Priority   int             `json:"priority"`
}

type createAPIKeyRequest struct {
	OrgID             string `json:"org_id"`
	Name              string `json:"name"`
	MaxRequestsPerMin int    `json:"max_requests_per_min"`

	// TTL is a Go duration string such as "720h"; empty means no expiry.
	TTL string `json:"ttl"`
}

type Deps struct {
	Engine         Executor
	Runs           RunLister
	Playbooks      PlaybookStore
	Events         EventStreamer
	Usage          UsageReporter
	APIKeyAdmin    APIKeyManager
	APIKeyResolver APIKeyResolver
	Health         HealthChecker
	Logger         *slog.Logger
	AdminToken     string
	Version        string
	Commit         string
	BuildDate      string
}

func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	metrics.Init()
	version := valueOrDefault(deps.Version, "dev")
	commit := valueOrDefault(deps.Commit, "none")
	buildDate := valueOrDefault(deps.BuildDate, "unknown")

	r := chi.NewRouter()
	r.Use(requestIDMiddleware())
	r.Use(requestLoggingMiddleware(logger))

	// ---------------- HEALTH ----------------

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		logger.Debug("health check hit")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if deps.Health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := deps.Health.Check(ctx); err != nil {
				logger.Warn("readiness check failed", "error", err)
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	// ---------------- METRICS ----------------

	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	})

	// ---------------- VERSION ----------------

	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"version":    version,
			"commit":     commit,
			"build_date": buildDate,
		})
	})

	// ---------------- API KEY LIFECYCLE (ADMIN) ----------------

	if deps.APIKeyAdmin != nil {
		r.Route("/admin/api-keys", func(admin chi.Router) {
			admin.Use(middleware.AdminTokenAuth(deps.AdminToken, logger))

			admin.Post("/", func(w http.ResponseWriter, r *http.Request) {
				reqBody, err := decodeCreateAPIKeyRequest(r)
				if err != nil {
					http.Error(w, "invalid request body", http.StatusBadRequest)
					return
				}

				var orgID uuid.UUID
				if reqBody.OrgID != "" {
					if orgID, err = uuid.Parse(reqBody.OrgID); err != nil {
						http.Error(w, "invalid org_id", http.StatusBadRequest)
						return
					}
				}
				var ttl time.Duration
				if reqBody.TTL != "" {
					if ttl, err = time.ParseDuration(reqBody.TTL); err != nil || ttl <= 0 {
						http.Error(w, "invalid ttl", http.StatusBadRequest)
						return
					}
				}

				created, err := deps.APIKeyAdmin.CreateAPIKey(r.Context(), domain.CreateAPIKeyParams{
					OrgID:             orgID,
					Name:              reqBody.Name,
					MaxRequestsPerMin: reqBody.MaxRequestsPerMin,
					TTL:               ttl,
				})
				if err != nil {
					if errors.Is(err, domain.ErrInvalidAPIKeyName) {
						http.Error(w, "invalid api key name", http.StatusBadRequest)
						return
					}
					logger.Error("create api key failed", "error", err)
					http.Error(w, "failed to create api key", http.StatusInternalServerError)
					return
				}

				resp := map[string]any{
					"api_key_id": created.ID.String(),
					"org_id":     created.OrgID.String(),
					"token":      created.Token,
					"prefix":     created.Prefix,
				}
				if created.ExpiresAt != nil {
					resp["expires_at"] = created.ExpiresAt.Format(time.RFC3339)
				}
				writeJSON(w, http.StatusCreated, resp)
			})

			admin.Get("/", func(w http.ResponseWriter, r *http.Request) {
				keys, err := deps.APIKeyAdmin.ListAPIKeys(r.Context())
				if err != nil {
					logger.Error("list api keys failed", "error", err)
					http.Error(w, "failed to list api keys", http.StatusInternalServerError)
					return
				}
				writeJSON(w, http.StatusOK, map[string]any{
					"api_keys": keys,
				})
			})

			admin.Delete("/{id}", func(w http.ResponseWriter, r *http.Request) {
				id, err := uuid.Parse(chi.URLParam(r, "id"))
				if err != nil {
					http.Error(w, "invalid api key ID", http.StatusBadRequest)
					return
				}

				if err := deps.APIKeyAdmin.RevokeAPIKey(r.Context(), id); err != nil {
					if errors.Is(err, domain.ErrAPIKeyNotFound) {
						http.Error(w, "api key not found", http.StatusNotFound)
						return
					}
					logger.Error("delete api key failed", "api_key_id", id, "error", err)
					http.Error(w, "failed to delete api key", http.StatusInternalServerError)
					return
				}

				w.WriteHeader(http.StatusNoContent)
			})
		})
	}

	// ---------------- ORG API (API KEY AUTH) ----------------

	r.Group(func(r chi.Router) {
		if deps.APIKeyResolver != nil {
			r.Use(middleware.APITokenAuth(deps.APIKeyResolver, logger))
		}

		// ownedRun loads the run and hides runs of other orgs.
		ownedRun := func(w http.ResponseWriter, r *http.Request) (engine.ExecutionStatus, bool) {
			principal, ok := auth.PrincipalFromContext(r.Context())
			if !ok {
				http.Error(w, "missing or invalid API token", http.StatusUnauthorized)
				return engine.ExecutionStatus{}, false
			}

			runID, err := uuid.Parse(chi.URLParam(r, "id"))
			if err != nil {
				http.Error(w, "invalid run ID", http.StatusBadRequest)
				return engine.ExecutionStatus{}, false
			}

			status, err := deps.Engine.GetExecutionStatus(r.Context(), runID)
			if err == nil && status.Run.OrgID != principal.OrgID {
				err = domain.ErrRunNotFound
			}
			if err != nil {
				writeDomainError(w, logger, err, "get run", "run_id", runID)
				return engine.ExecutionStatus{}, false
			}
			return status, true
		}

		// ---------------- PLAYBOOKS ----------------

		r.Post("/playbooks", func(w http.ResponseWriter, r *http.Request) {
			principal, ok := auth.PrincipalFromContext(r.Context())
			if !ok {
				http.Error(w, "missing or invalid API token", http.StatusUnauthorized)
				return
			}
			if deps.Playbooks == nil {
				http.Error(w, "playbook storage not configured", http.StatusNotImplemented)
				return
			}

			body, err := io.ReadAll(io.LimitReader(r.Body, maxPlaybookBody+1))
			if err != nil || len(body) > maxPlaybookBody {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}

			// YAML is a superset of JSON, so both content types parse here.
			pb, err := playbook.ParseYAML(body)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if pb.OrgID != uuid.Nil && pb.OrgID != principal.OrgID {
				http.Error(w, "org_id does not match caller", http.StatusForbidden)
				return
			}
			pb.OrgID = principal.OrgID
			if err := playbook.CheckTypes(pb, deps.Engine.KnownStepType); err != nil {
				writeDomainError(w, logger, err, "check playbook step types")
				return
			}

			existing, err := deps.Playbooks.GetPlaybook(r.Context(), pb.ID)
			switch {
			case err == nil && existing.OrgID != principal.OrgID:
				http.Error(w, "playbook id already in use", http.StatusConflict)
				return
			case err != nil && !errors.Is(err, domain.ErrPlaybookNotFound):
				writeDomainError(w, logger, err, "load playbook", "playbook_id", pb.ID)
				return
			}

			if err := deps.Playbooks.CreatePlaybook(r.Context(), pb); err != nil {
				writeDomainError(w, logger, err, "store playbook", "playbook_id", pb.ID)
				return
			}

			logger.Info("playbook stored via API",
				"playbook_id", pb.ID,
				"org_id", pb.OrgID,
				"steps", len(pb.Steps),
			)
			writeJSON(w, http.StatusCreated, pb)
		})

		r.Get("/playbooks", func(w http.ResponseWriter, r *http.Request) {
			principal, ok := auth.PrincipalFromContext(r.Context())
			if !ok {
				http.Error(w, "missing or invalid API token", http.StatusUnauthorized)
				return
			}
			if deps.Playbooks == nil {
				writeJSON(w, http.StatusOK, map[string]any{"playbooks": []domain.Playbook{}})
				return
			}

			list, err := deps.Playbooks.ListPlaybooks(r.Context(), principal.OrgID)
			if err != nil {
				writeDomainError(w, logger, err, "list playbooks")
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"playbooks": list})
		})

		r.Get("/playbooks/{id}", func(w http.ResponseWriter, r *http.Request) {
			principal, ok := auth.PrincipalFromContext(r.Context())
			if !ok {
				http.Error(w, "missing or invalid API token", http.StatusUnauthorized)
				return
			}
			id, err := uuid.Parse(chi.URLParam(r, "id"))
			if err != nil {
				http.Error(w, "invalid playbook ID", http.StatusBadRequest)
				return
			}
			if deps.Playbooks == nil {
				http.Error(w, "playbook not found", http.StatusNotFound)
				return
			}

			pb, err := deps.Playbooks.GetPlaybook(r.Context(), id)
			if err == nil && pb.OrgID != uuid.Nil && pb.OrgID != principal.OrgID {
				err = domain.ErrPlaybookNotFound
			}
			if err != nil {
				writeDomainError(w, logger, err, "get playbook", "playbook_id", id)
				return
			}
			writeJSON(w, http.StatusOK, pb)
		})

		// ---------------- EXECUTE PLAYBOOK ----------------

		r.Post("/playbooks/{id}/runs", func(w http.ResponseWriter, r *http.Request) {
			principal, ok := auth.PrincipalFromContext(r.Context())
			if !ok {
				http.Error(w, "missing or invalid API token", http.StatusUnauthorized)
				return
			}
			playbookID, err := uuid.Parse(chi.URLParam(r, "id"))
			if err != nil {
				http.Error(w, "invalid playbook ID", http.StatusBadRequest)
				return
			}

			reqBody, err := decodeExecuteRequest(r)
			if err != nil {
				http.Error(w, "invalid request body", http.StatusBadRequest)
				return
			}

			runID, err := deps.Engine.ExecutePlaybook(r.Context(), playbookID, principal.OrgID, principal.Actor(), engine.ExecuteOptions{
				Priority:   reqBody.Priority,
				WebhookURL: reqBody.WebhookURL,
				Input:      reqBody.Input,
			})
			if err != nil {
				// A dispatch failure after the run row exists still yields
				// the id of the (now FAILED) run.
				if runID != uuid.Nil {
					logger.Error("execute playbook failed after run creation",
						"run_id", runID,
						"playbook_id", playbookID,
						"error", err,
					)
					writeJSON(w, http.StatusInternalServerError, map[string]string{
						"run_id": runID.String(),
						"error":  "failed to dispatch run",
					})
					return
				}
				writeDomainError(w, logger, err, "execute playbook", "playbook_id", playbookID)
				return
			}

			logger.Info("run created via API", "run_id", runID, "playbook_id", playbookID)

			writeJSON(w, http.StatusAccepted, map[string]string{
				"run_id": runID.String(),
			})
		})

		// ---------------- LIST RUNS ----------------

		r.Get("/runs", func(w http.ResponseWriter, r *http.Request) {
			principal, ok := auth.PrincipalFromContext(r.Context())
			if !ok {
				http.Error(w, "missing or invalid API token", http.StatusUnauthorized)
				return
			}
			if deps.Runs == nil {
				writeJSON(w, http.StatusOK, map[string]any{"runs": []domain.Run{}})
				return
			}

			limit := defaultRunPageSize
			if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
				n, err := strconv.Atoi(raw)
				if err != nil || n <= 0 {
					http.Error(w, "invalid limit", http.StatusBadRequest)
					return
				}
				limit = n
			}

			runs, err := deps.Runs.ListRuns(r.Context(), principal.OrgID, limit)
			if err != nil {
				writeDomainError(w, logger, err, "list runs")
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
		})

		// ---------------- GET RUN ----------------

		r.Get("/runs/{id}", func(w http.ResponseWriter, r *http.Request) {
			status, ok := ownedRun(w, r)
			if !ok {
				return
			}
			writeJSON(w, http.StatusOK, status)
		})

		// ---------------- LIST STEPS ----------------

		r.Get("/runs/{id}/steps", func(w http.ResponseWriter, r *http.Request) {
			status, ok := ownedRun(w, r)
			if !ok {
				return
			}
			writeJSON(w, http.StatusOK, struct {
				RunID uuid.UUID        `json:"run_id"`
				Steps []domain.StepRun `json:"steps"`
			}{
				RunID: status.Run.ID,
				Steps: status.Steps,
			})
		})

		// ---------------- CANCEL RUN ----------------

		r.Post("/runs/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
			status, ok := ownedRun(w, r)
			if !ok {
				return
			}
			runID := status.Run.ID

			run, err := deps.Engine.CancelExecution(r.Context(), runID)
			if err != nil {
				writeDomainError(w, logger, err, "cancel run", "run_id", runID)
				return
			}

			logger.Info("run canceled via API", "run_id", runID)

			writeJSON(w, http.StatusOK, map[string]string{
				"id":     run.ID.String(),
				"status": string(run.Status),
			})
		})

		// ---------------- RESUME RUN ----------------

		r.Post("/runs/{id}/resume", func(w http.ResponseWriter, r *http.Request) {
			status, ok := ownedRun(w, r)
			if !ok {
				return
			}
			runID := status.Run.ID

			reset, err := deps.Engine.ResumeExecution(r.Context(), runID)
			if err != nil {
				writeDomainError(w, logger, err, "resume run", "run_id", runID)
				return
			}

			logger.Info("run resumed via API", "run_id", runID, "reset", reset)

			writeJSON(w, http.StatusOK, map[string]any{
				"id":          runID.String(),
				"reset_steps": reset,
			})
		})

		// ---------------- STREAM EVENTS (SSE) ----------------

		r.Get("/runs/{id}/events", func(w http.ResponseWriter, r *http.Request) {
			status, ok := ownedRun(w, r)
			if !ok {
				return
			}
			runID := status.Run.ID

			if deps.Events == nil {
				logger.Error("sse events repository is not configured")
				http.Error(w, "failed to stream events", http.StatusInternalServerError)
				return
			}

			since := strings.TrimSpace(r.URL.Query().Get("since_id"))
			if since == "" {
				since = strings.TrimSpace(r.Header.Get("Last-Event-ID"))
			}
			cursor, err := parseEventsCursor(since)
			if err != nil {
				http.Error(w, "invalid since_id", http.StatusBadRequest)
				return
			}

			flusher, ok := w.(http.Flusher)
			if !ok {
				http.Error(w, "streaming unsupported", http.StatusInternalServerError)
				return
			}

			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.Header().Set("Connection", "keep-alive")
			w.Header().Set("X-Accel-Buffering", "no")
			w.WriteHeader(http.StatusOK)
			flusher.Flush()

			// writeEvents reports true once the run's terminal event was sent.
			writeEvents := func() (bool, error) {
				for {
					events, err := deps.Events.ListEvents(r.Context(), runID, cursor, sseBatchSize)
					if err != nil {
						return false, err
					}

					done := false
					for _, ev := range events {
						payload, err := json.Marshal(ev)
						if err != nil {
							return false, err
						}
						if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, payload); err != nil {
							return false, err
						}
						cursor = ev.Seq
						if isTerminalEvent(ev.Type) {
							done = true
						}
					}
					flusher.Flush()

					if done || len(events) < sseBatchSize {
						return done, nil
					}
				}
			}

			done, err := writeEvents()
			if err != nil {
				logger.Error("sse initial write failed", "run_id", runID, "error", err)
				return
			}
			if done {
				return
			}

			ticker := time.NewTicker(ssePollInterval)
			defer ticker.Stop()

			for {
				select {
				case <-r.Context().Done():
					return
				case <-ticker.C:
					done, err := writeEvents()
					if err != nil {
						logger.Error("sse write failed", "run_id", runID, "error", err)
						return
					}
					if done {
						return
					}
				}
			}
		})

		// ---------------- USAGE ----------------

		r.Get("/usage", func(w http.ResponseWriter, r *http.Request) {
			principal, ok := auth.PrincipalFromContext(r.Context())
			if !ok {
				http.Error(w, "missing or invalid API token", http.StatusUnauthorized)
				return
			}
			if deps.Usage == nil {
				http.Error(w, "usage reporting not configured", http.StatusNotImplemented)
				return
			}

			runs, steps, err := deps.Usage.UsageTotals(r.Context(), principal.OrgID)
			if err != nil {
				writeDomainError(w, logger, err, "usage totals")
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"org_id": principal.OrgID.String(),
				"runs":   runs,
				"steps":  steps,
			})
		})

		// ---------------- STATS ----------------

		r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"workers":        deps.Engine.Stats(),
				"events_dropped": deps.Engine.EventsDropped(),
			})
		})
	})

	return r
}

// writeDomainError maps engine and repository errors to HTTP responses.
func writeDomainError(w http.ResponseWriter, logger *slog.Logger, err error, op string, attrs ...any) {
	switch {
	case errors.Is(err, domain.ErrRunNotFound):
		http.Error(w, "run not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrPlaybookNotFound):
		http.Error(w, "playbook not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrPlaybookNotActive):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrQuotaExceeded):
		if w.Header().Get("Retry-After") == "" {
			w.Header().Set("Retry-After", "1")
		}
		http.Error(w, err.Error(), http.StatusTooManyRequests)
	case errors.Is(err, domain.ErrRunTerminal), errors.Is(err, domain.ErrInvalidResumeState):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrValidation), errors.Is(err, domain.ErrInvalidGraph):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		logger.Error(op+" failed", append(attrs, "error", err)...)
		http.Error(w, op+" failed", http.StatusInternalServerError)
	}
}

func isTerminalEvent(t domain.EventType) bool {
	switch t {
	case domain.EventRunSucceeded, domain.EventRunFailed, domain.EventRunCanceled:
		return true
	default:
		return false
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decodeExecuteRequest(r *http.Request) (executeRequest, error) {
	if r == nil || r.Body == nil || r.Body == http.NoBody {
		return executeRequest{}, nil
	}

	var req executeRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			return executeRequest{}, nil
		}
		return executeRequest{}, err
	}

	// Ensure there is only one JSON object.
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return executeRequest{}, errors.New("request body must contain exactly one JSON object")
	}

	req.WebhookURL = strings.TrimSpace(req.WebhookURL)
	if string(req.Input) == "null" {
		req.Input = nil
	}
	return req, nil
}

func decodeCreateAPIKeyRequest(r *http.Request) (createAPIKeyRequest, error) {
	if r == nil || r.Body == nil || r.Body == http.NoBody {
		return createAPIKeyRequest{}, domain.ErrInvalidAPIKeyName
	}

	var req createAPIKeyRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return createAPIKeyRequest{}, err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return createAPIKeyRequest{}, errors.New("request body must contain exactly one JSON object")
	}

	req.Name = strings.TrimSpace(req.Name)
	req.OrgID = strings.TrimSpace(req.OrgID)
	req.TTL = strings.TrimSpace(req.TTL)
	if req.Name == "" {
		return createAPIKeyRequest{}, domain.ErrInvalidAPIKeyName
	}

	return req, nil
}

var errInvalidSinceID = errors.New("invalid since_id")

// parseEventsCursor accepts an event sequence number; empty means from the
// start of the run.
func parseEventsCursor(since string) (int64, error) {
	if since == "" {
		return 0, nil
	}
	seq, err := strconv.ParseInt(since, 10, 64)
	if err != nil || seq < 0 {
		return 0, errInvalidSinceID
	}
	return seq, nil
}

func valueOrDefault(value, defaultValue string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return defaultValue
	}
	return trimmed
}
