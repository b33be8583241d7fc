// SPDX-License-Identifier: Apache-2.0

// Package quota enforces per-organization run limits and records usage.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/adiadia/playbook-runtime/internal/domain"
	"github.com/google/uuid"
)

// Usage is what a run is about to consume (EnforceQuota) or consumed
// (RecordUsage).
type Usage struct {
	Runs  int
	Steps int
}

type Limits struct {
	MaxConcurrentRuns int
	MaxStepsPerRun    int
}

type RunCounter interface {
	CountActiveRuns(ctx context.Context, orgID uuid.UUID) (int, error)
}

type UsageStore interface {
	InsertUsageRecord(ctx context.Context, orgID, runID uuid.UUID, steps int) error
}

type Deps struct {
	Runs     RunCounter
	Usage    UsageStore
	Logger   *slog.Logger
	Defaults Limits
	// RecordTimeout bounds one asynchronous usage write.
	RecordTimeout time.Duration
}

// Enforcer checks Limits before a run is created. The check is not atomic
// with run creation, so a burst of concurrent starts may briefly overshoot
// MaxConcurrentRuns.
type Enforcer struct {
	runs          RunCounter
	usage         UsageStore
	logger        *slog.Logger
	defaults      Limits
	recordTimeout time.Duration

	mu        sync.RWMutex
	overrides map[uuid.UUID]Limits
	wg        sync.WaitGroup
}

func New(deps Deps) *Enforcer {
	l := deps.Logger
	if l == nil {
		l = slog.Default()
	}
	timeout := deps.RecordTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Enforcer{
		runs:          deps.Runs,
		usage:         deps.Usage,
		logger:        l,
		defaults:      deps.Defaults,
		recordTimeout: timeout,
		overrides:     make(map[uuid.UUID]Limits),
	}
}

// SetOrgLimits overrides the default limits for one organization.
func (e *Enforcer) SetOrgLimits(orgID uuid.UUID, limits Limits) {
	e.mu.Lock()
	e.overrides[orgID] = limits
	e.mu.Unlock()
}

func (e *Enforcer) LimitsFor(orgID uuid.UUID) Limits {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if l, ok := e.overrides[orgID]; ok {
		return l
	}
	return e.defaults
}

// EnforceQuota returns an error wrapping domain.ErrQuotaExceeded when the
// org cannot start a run of the given size. Zero limits are unlimited.
func (e *Enforcer) EnforceQuota(ctx context.Context, orgID uuid.UUID, usage Usage) error {
	limits := e.LimitsFor(orgID)

	if limits.MaxStepsPerRun > 0 && usage.Steps > limits.MaxStepsPerRun {
		return fmt.Errorf("%w: run has %d steps, limit is %d",
			domain.ErrQuotaExceeded, usage.Steps, limits.MaxStepsPerRun)
	}

	if limits.MaxConcurrentRuns > 0 && e.runs != nil {
		active, err := e.runs.CountActiveRuns(ctx, orgID)
		if err != nil {
			return fmt.Errorf("count active runs: %w", err)
		}
		runs := usage.Runs
		if runs <= 0 {
			runs = 1
		}
		if active+runs > limits.MaxConcurrentRuns {
			return fmt.Errorf("%w: %d active runs, limit is %d",
				domain.ErrQuotaExceeded, active, limits.MaxConcurrentRuns)
		}
	}
	return nil
}

// RecordUsage writes the usage record in the background and returns
// immediately. Failures are logged, never returned.
func (e *Enforcer) RecordUsage(ctx context.Context, orgID, runID uuid.UUID, usage Usage) error {
	if e.usage == nil {
		return nil
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.recordTimeout)
		defer cancel()
		if err := e.usage.InsertUsageRecord(rctx, orgID, runID, usage.Steps); err != nil {
			e.logger.Warn("usage record failed",
				"org_id", orgID,
				"run_id", runID,
				"error", err,
			)
		}
	}()
	return nil
}

// Wait blocks until background usage writes have finished.
func (e *Enforcer) Wait() { e.wg.Wait() }
