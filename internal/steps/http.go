// SPDX-License-Identifier: Apache-2.0

package steps

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

var ErrHTTPStatus = errors.New("unexpected http status")

const maxResponseBytes = 1 << 20

// HTTP calls an endpoint and returns the status plus the response body, or
// only the fields named in config.extract.
//
// Config:
//
//	{"method": "POST", "url": "https://x/{{input.id}}", "headers": {...},
//	 "body": {...}, "extract": {"name": "data.user.name"}, "expect_status": [200]}
//
// "{{path}}" placeholders in url, header values and string body are
// resolved against the step document (see Context.Lookup).
type HTTP struct {
	client *http.Client
}

func NewHTTP(client *http.Client) *HTTP {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTP{client: client}
}

type httpConfig struct {
	Method       string            `json:"method"`
	URL          string            `json:"url"`
	Headers      map[string]string `json:"headers"`
	Body         json.RawMessage   `json:"body"`
	Extract      map[string]string `json:"extract"`
	ExpectStatus []int             `json:"expect_status"`
}

var placeholder = regexp.MustCompile(`\{\{\s*([^}]+?)\s*\}\}`)

func (h *HTTP) Execute(ctx context.Context, sc *Context) (json.RawMessage, error) {
	var cfg httpConfig
	if err := decodeConfig(sc.Step.Config, &cfg); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("%w: url is required", ErrInvalidConfig)
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodGet
		if len(cfg.Body) > 0 {
			cfg.Method = http.MethodPost
		}
	}

	doc := sc.Document()
	url := render(doc, cfg.URL)

	var body io.Reader
	if len(cfg.Body) > 0 {
		raw := cfg.Body
		if gjson.ParseBytes(raw).Type == gjson.String {
			raw = []byte(render(doc, gjson.ParseBytes(raw).String()))
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, strings.ToUpper(cfg.Method), url, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "playbook-runtime/1.0")
	for k, v := range cfg.Headers {
		req.Header.Set(k, render(doc, v))
	}

	start := time.Now()
	resp, err := h.client.Do(req)
	dur := time.Since(start)
	if err != nil {
		sc.log().Warn("http step request failed", "url", url, "duration", dur, "error", err)
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	sc.Log("%s %s -> %d in %s", req.Method, url, resp.StatusCode, dur.Round(time.Millisecond))

	if !statusExpected(resp.StatusCode, cfg.ExpectStatus) {
		return nil, fmt.Errorf("%w: %d", ErrHTTPStatus, resp.StatusCode)
	}

	out := map[string]any{"status": resp.StatusCode}
	switch {
	case len(cfg.Extract) > 0:
		fields := make(map[string]any, len(cfg.Extract))
		for name, path := range cfg.Extract {
			fields[name] = gjson.GetBytes(respBody, path).Value()
		}
		out["data"] = fields
	case gjson.ValidBytes(respBody):
		out["data"] = json.RawMessage(respBody)
	default:
		out["body"] = string(respBody)
	}
	return json.Marshal(out)
}

func statusExpected(code int, expected []int) bool {
	if len(expected) == 0 {
		return code >= 200 && code < 300
	}
	for _, c := range expected {
		if c == code {
			return true
		}
	}
	return false
}

// render replaces "{{path}}" placeholders with the value at path in doc.
func render(doc []byte, s string) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return placeholder.ReplaceAllStringFunc(s, func(m string) string {
		path := placeholder.FindStringSubmatch(m)[1]
		return gjson.GetBytes(doc, path).String()
	})
}
