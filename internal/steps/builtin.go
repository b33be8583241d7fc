// SPDX-License-Identifier: Apache-2.0

package steps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"time"
)

const (
	TypeEcho  = "echo"
	TypeDelay = "delay"
	TypeHTTP  = "http"
	TypeFail  = "fail"
)

// NewDefaultRegistry returns a registry with every built-in step type.
func NewDefaultRegistry(httpClient *http.Client) *Registry {
	r := NewRegistry()
	r.MustRegister(TypeEcho, Echo{})
	r.MustRegister(TypeDelay, Delay{})
	r.MustRegister(TypeHTTP, NewHTTP(httpClient))
	r.MustRegister(TypeFail, Fail{})
	return r
}

// Echo returns config.output when set, otherwise the run input plus the keys
// of the outputs it received.
type Echo struct{}

func (Echo) Execute(_ context.Context, sc *Context) (json.RawMessage, error) {
	var cfg struct {
		Output json.RawMessage `json:"output"`
		From   string          `json:"from"`
	}
	if err := decodeConfig(sc.Step.Config, &cfg); err != nil {
		return nil, err
	}

	if len(cfg.Output) > 0 {
		return cfg.Output, nil
	}
	if cfg.From != "" {
		res := sc.Lookup(cfg.From)
		if !res.Exists() {
			return json.RawMessage(`null`), nil
		}
		return json.RawMessage(res.Raw), nil
	}

	received := make([]string, 0, len(sc.PreviousOutputs))
	for k := range sc.PreviousOutputs {
		received = append(received, k)
	}
	sort.Strings(received)
	input := sc.Input
	if len(input) == 0 {
		input = json.RawMessage(`null`)
	}
	return json.Marshal(map[string]any{
		"step":     sc.Step.Key,
		"input":    input,
		"received": received,
	})
}

// Delay sleeps for config.duration (Go duration string) or until canceled.
type Delay struct{}

func (Delay) Execute(ctx context.Context, sc *Context) (json.RawMessage, error) {
	var cfg struct {
		Duration string `json:"duration"`
	}
	if err := decodeConfig(sc.Step.Config, &cfg); err != nil {
		return nil, err
	}
	d := time.Duration(0)
	if cfg.Duration != "" {
		parsed, err := time.ParseDuration(cfg.Duration)
		if err != nil || parsed < 0 {
			return nil, fmt.Errorf("%w: duration %q", ErrInvalidConfig, cfg.Duration)
		}
		d = parsed
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	}
	sc.Log("slept %s", d)
	return json.Marshal(map[string]any{"slept_ms": d.Milliseconds()})
}

var ErrForcedFailure = errors.New("forced failure")

// Fail fails the first config.times attempts (all attempts when zero) with
// config.message. With panic=true it panics instead of returning.
type Fail struct{}

func (Fail) Execute(_ context.Context, sc *Context) (json.RawMessage, error) {
	var cfg struct {
		Message string `json:"message"`
		Times   int    `json:"times"`
		Panic   bool   `json:"panic"`
	}
	if err := decodeConfig(sc.Step.Config, &cfg); err != nil {
		return nil, err
	}
	if cfg.Message == "" {
		cfg.Message = "step configured to fail"
	}

	attempt := 1
	if sc.StepRun != nil && sc.StepRun.Attempt > 0 {
		attempt = sc.StepRun.Attempt
	}
	if cfg.Times > 0 && attempt > cfg.Times {
		return json.Marshal(map[string]any{"recovered_after": cfg.Times})
	}
	if cfg.Panic {
		panic(cfg.Message)
	}
	return nil, fmt.Errorf("%w: %s", ErrForcedFailure, cfg.Message)
}
