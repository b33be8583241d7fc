// SPDX-License-Identifier: Apache-2.0

// Package steps holds the step handler registry and the built-in step types.
package steps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/adiadia/playbook-runtime/internal/domain"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
)

var (
	ErrUnknownStepType = errors.New("unknown step type")
	ErrDuplicateType   = errors.New("step type already registered")
	ErrInvalidConfig   = errors.New("invalid step config")
)

// Context is what a handler sees for one attempt of one step.
type Context struct {
	OrgID           uuid.UUID
	RunID           uuid.UUID
	StepRun         *domain.StepRun
	Step            domain.StepDefinition
	Input           json.RawMessage
	PreviousOutputs map[string]json.RawMessage
	Logger          *slog.Logger

	mu   sync.Mutex
	logs []string
}

// Log appends a line to the step run's log.
func (c *Context) Log(format string, args ...any) {
	c.mu.Lock()
	c.logs = append(c.logs, fmt.Sprintf(format, args...))
	c.mu.Unlock()
}

// Logs returns the lines recorded with Log.
func (c *Context) Logs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.logs))
	copy(out, c.logs)
	return out
}

func (c *Context) log() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

// Document is the JSON view used for path lookups:
// {"input": <run input>, "steps": {<key>: <output>}}.
func (c *Context) Document() []byte {
	doc := struct {
		Input json.RawMessage            `json:"input"`
		Steps map[string]json.RawMessage `json:"steps"`
	}{
		Input: c.Input,
		Steps: c.PreviousOutputs,
	}
	if len(doc.Input) == 0 {
		doc.Input = json.RawMessage(`null`)
	}
	if doc.Steps == nil {
		doc.Steps = map[string]json.RawMessage{}
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return []byte(`{}`)
	}
	return b
}

// Lookup resolves a gjson path such as "input.user.id" or "steps.fetch.status".
func (c *Context) Lookup(path string) gjson.Result {
	return gjson.GetBytes(c.Document(), path)
}

type Handler interface {
	Execute(ctx context.Context, sc *Context) (json.RawMessage, error)
}

type HandlerFunc func(ctx context.Context, sc *Context) (json.RawMessage, error)

func (f HandlerFunc) Execute(ctx context.Context, sc *Context) (json.RawMessage, error) {
	return f(ctx, sc)
}

// Registry maps step types to handlers. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[domain.StepType]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[domain.StepType]Handler)}
}

func (r *Registry) Register(t domain.StepType, h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[t]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateType, t)
	}
	r.handlers[t] = h
	return nil
}

// MustRegister panics on duplicate registration. Used for static wiring.
func (r *Registry) MustRegister(t domain.StepType, h Handler) {
	if err := r.Register(t, h); err != nil {
		panic(err)
	}
}

func (r *Registry) Get(t domain.StepType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	return h, ok
}

func (r *Registry) Types() []domain.StepType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.StepType, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// decodeConfig unmarshals a step config, treating an empty config as {}.
func decodeConfig(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}
