// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/adiadia/playbook-runtime/internal/domain"
	"github.com/adiadia/playbook-runtime/internal/metrics"
	"github.com/google/uuid"
)

const (
	defaultRetryAttempts = 3
	defaultRetryBase     = 300 * time.Millisecond
	HeaderSignature      = "X-Signature"
)

var ErrEmptyURL = errors.New("webhook url is empty")

// TerminalPayload is the body POSTed when a run reaches a terminal state.
type TerminalPayload struct {
	RunID      uuid.UUID        `json:"run_id"`
	PlaybookID uuid.UUID        `json:"playbook_id"`
	OrgID      uuid.UUID        `json:"org_id"`
	Status     domain.RunStatus `json:"status"`
	Error      string           `json:"error,omitempty"`
	Output     json.RawMessage  `json:"output,omitempty"`
	FinishedAt time.Time        `json:"finished_at"`
}

// NewTerminalPayload builds the webhook body for a terminal run.
func NewTerminalPayload(run domain.Run) TerminalPayload {
	finishedAt := time.Now().UTC()
	if run.CompletedAt != nil {
		finishedAt = *run.CompletedAt
	}
	return TerminalPayload{
		RunID:      run.ID,
		PlaybookID: run.PlaybookID,
		OrgID:      run.OrgID,
		Status:     run.Status,
		Error:      run.Error,
		Output:     run.Output,
		FinishedAt: finishedAt,
	}
}

type Deps struct {
	HTTPClient *http.Client
	Logger     *slog.Logger
	Secret     string
	Attempts   int
	RetryBase  time.Duration
	Timeout    time.Duration
}

// Client delivers JSON webhooks with an optional HMAC-SHA256 signature and
// a small exponential retry on transport errors and non-2xx responses.
type Client struct {
	httpClient *http.Client
	logger     *slog.Logger
	secret     string
	attempts   int
	retryBase  time.Duration
}

func New(deps Deps) *Client {
	l := deps.Logger
	if l == nil {
		l = slog.Default()
	}

	hc := deps.HTTPClient
	if hc == nil {
		timeout := deps.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}

	attempts := deps.Attempts
	if attempts <= 0 {
		attempts = defaultRetryAttempts
	}

	base := deps.RetryBase
	if base <= 0 {
		base = defaultRetryBase
	}

	return &Client{
		httpClient: hc,
		logger:     l,
		secret:     deps.Secret,
		attempts:   attempts,
		retryBase:  base,
	}
}

// Send POSTs payload as JSON to url. It returns the last error once retries
// are exhausted.
func (c *Client) Send(ctx context.Context, url string, payload any) error {
	url = strings.TrimSpace(url)
	if url == "" {
		return ErrEmptyURL
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	signature := Sign(c.secret, body)

	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			metrics.IncWebhookDelivery("failed")
			return fmt.Errorf("build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if signature != "" {
			req.Header.Set(HeaderSignature, signature)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			c.logger.Warn("webhook failure",
				"url", url,
				"attempt", attempt,
				"error", err,
			)
		} else {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()

			if resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices {
				c.logger.Info("webhook success",
					"url", url,
					"attempt", attempt,
					"response_status", resp.StatusCode,
				)
				metrics.IncWebhookDelivery("delivered")
				return nil
			}

			lastErr = fmt.Errorf("non-2xx response: %d", resp.StatusCode)
			c.logger.Warn("webhook failure",
				"url", url,
				"attempt", attempt,
				"response_status", resp.StatusCode,
			)
		}

		if attempt < c.attempts {
			wait := c.retryBase * time.Duration(1<<(attempt-1))
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				metrics.IncWebhookDelivery("failed")
				return fmt.Errorf("webhook canceled before retry: %w", ctx.Err())
			case <-timer.C:
			}
		}
	}

	metrics.IncWebhookDelivery("failed")
	return fmt.Errorf("webhook retries exhausted: %w", lastErr)
}

// Sign returns the hex HMAC-SHA256 of payload, or "" without a secret.
func Sign(secret string, payload []byte) string {
	if strings.TrimSpace(secret) == "" {
		return ""
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
